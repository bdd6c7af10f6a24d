package trialmatch

import (
	"log"
	"math"
	"sort"
	"strings"
	"unicode"
)

// Fixed factor weights, summing to 1.0.
const (
	weightConditionMatch       = 0.30
	weightEligibilityFit       = 0.25
	weightGeographicProximity  = 0.20
	weightPhaseAppropriateness = 0.15
	weightEnrollmentStatus     = 0.10
)

var phaseBaseScores = map[TrialPhase]float64{
	PhaseEarly1:        0.3,
	Phase1:             0.4,
	Phase2:             0.7,
	Phase3:             0.9,
	Phase4:             0.8,
	PhaseNotApplicable: 0.6,
}

var statusScores = map[TrialStatus]float64{
	StatusRecruiting:            1.0,
	StatusNotYetRecruiting:      0.8,
	StatusActiveNotRecruiting:   0.6,
	StatusEnrollingByInvitation: 0.4,
	StatusCompleted:             0.0,
	StatusSuspended:             0.1,
	StatusTerminated:            0.0,
	StatusWithdrawn:             0.0,
}

var highRiskDiagnosisTerms = []string{"cancer", "carcinoma", "lymphoma", "leukemia", "sarcoma"}

// RankingEngine computes the five match factors per trial and combines
// them into the final presentation ordering. Pure computation, no I/O.
type RankingEngine struct{}

func NewRankingEngine() *RankingEngine { return &RankingEngine{} }

// RankTrials scores every trial against the patient and returns the full
// list re-sorted descending by match score.
func (e *RankingEngine) RankTrials(trials []TrialRecord, patient *PatientProfile) []RankedTrial {
	if len(trials) == 0 {
		return []RankedTrial{}
	}

	ranked := make([]RankedTrial, 0, len(trials))
	for _, trial := range trials {
		factors := e.matchFactors(&trial, patient)
		score := factors.ConditionMatch*weightConditionMatch +
			factors.EligibilityFit*weightEligibilityFit +
			factors.GeographicProximity*weightGeographicProximity +
			factors.PhaseAppropriateness*weightPhaseAppropriateness +
			factors.EnrollmentStatus*weightEnrollmentStatus
		ranked = append(ranked, RankedTrial{
			Trial:        trial,
			MatchScore:   score,
			MatchFactors: factors,
			Reasoning:    buildReasoning(factors),
		})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].MatchScore > ranked[j].MatchScore
	})
	log.Printf("trial-match ranked %d trials for patient", len(ranked))
	return ranked
}

func (e *RankingEngine) matchFactors(trial *TrialRecord, patient *PatientProfile) MatchFactors {
	return MatchFactors{
		ConditionMatch:       e.conditionMatch(trial, patient),
		EligibilityFit:       e.eligibilityFit(trial, patient),
		GeographicProximity:  e.geographicProximity(trial, patient),
		PhaseAppropriateness: e.phaseAppropriateness(trial, patient),
		EnrollmentStatus:     e.enrollmentStatus(trial),
	}
}

func (e *RankingEngine) conditionMatch(trial *TrialRecord, patient *PatientProfile) float64 {
	if patient.PrimaryDiagnosis == "" && len(patient.Conditions) == 0 {
		return 0.0
	}

	trialText := strings.ToLower(strings.Join(nonEmpty(
		trial.Title, trial.BriefSummary, trial.DetailedDescription), " "))

	primaryScore := 0.0
	if patient.PrimaryDiagnosis != "" {
		primary := strings.ToLower(patient.PrimaryDiagnosis)
		if strings.Contains(trialText, primary) {
			primaryScore = 1.0
		} else {
			primaryScore = tokenOverlap(primary, trialText)
		}
	}

	secondaryScore := 0.0
	if len(patient.Conditions) > 0 {
		var matches float64
		for _, condition := range patient.Conditions {
			c := strings.ToLower(condition)
			if strings.Contains(trialText, c) {
				matches++
			} else {
				matches += tokenOverlap(c, trialText)
			}
		}
		secondaryScore = matches / float64(len(patient.Conditions))
	}

	if patient.PrimaryDiagnosis != "" {
		return 0.7*primaryScore + 0.3*secondaryScore
	}
	return secondaryScore
}

// eligibilityFit is a softer heuristic than the rule filter: it discounts
// multiplicatively with partial credit instead of hard-zeroing on a
// potential exclusion.
func (e *RankingEngine) eligibilityFit(trial *TrialRecord, patient *PatientProfile) float64 {
	crit := trial.Eligibility
	if crit == nil {
		return 0.5
	}

	score := 1.0
	if patient.Age != nil {
		score *= ageFit(*patient.Age, crit)
	}
	if patient.Gender != "" {
		score *= genderFit(patient.Gender, crit)
	}
	if len(patient.Medications) > 0 {
		score *= medicationFit(patient.Medications, crit)
	}
	if len(patient.Comorbidities) > 0 {
		score *= comorbidityFit(patient.Comorbidities, crit)
	}
	return math.Max(0.0, math.Min(1.0, score))
}

func (e *RankingEngine) geographicProximity(trial *TrialRecord, patient *PatientProfile) float64 {
	if len(trial.Locations) == 0 || patient.Location == nil {
		return 0.3
	}

	minDistance := math.Inf(1)
	for _, loc := range trial.Locations {
		if d := proximityProxyMiles(patient.Location, loc); d < minDistance {
			minDistance = d
		}
	}
	if math.IsInf(minDistance, 1) {
		return 0.3
	}

	switch {
	case minDistance <= 10:
		return 1.0
	case minDistance <= 25:
		return 0.8
	case minDistance <= 50:
		return 0.6
	case minDistance <= 100:
		return 0.4
	default:
		return 0.2
	}
}

func (e *RankingEngine) phaseAppropriateness(trial *TrialRecord, patient *PatientProfile) float64 {
	if trial.Phase == "" {
		return 0.5
	}

	base, ok := phaseBaseScores[trial.Phase]
	if !ok {
		base = 0.5
	}

	// Aggressive disease may justify experimental-phase enrollment.
	if patient.PrimaryDiagnosis != "" {
		diagnosis := strings.ToLower(patient.PrimaryDiagnosis)
		if containsAny(diagnosis, highRiskDiagnosisTerms) {
			switch trial.Phase {
			case PhaseEarly1, Phase1, Phase2:
				base += 0.2
			}
		}
	}
	return math.Min(1.0, base)
}

func (e *RankingEngine) enrollmentStatus(trial *TrialRecord) float64 {
	if score, ok := statusScores[trial.Status]; ok {
		return score
	}
	return 0.3
}

// tokenOverlap is the fraction of the condition's word tokens (len>2)
// appearing literally in the trial text.
func tokenOverlap(condition, text string) float64 {
	tokens := strings.Fields(condition)
	if len(tokens) == 0 {
		return 0.0
	}
	matches := 0
	for _, token := range tokens {
		if len(token) > 2 && strings.Contains(text, token) {
			matches++
		}
	}
	return float64(matches) / float64(len(tokens))
}

func ageFit(age int, crit *EligibilityCriteria) float64 {
	if crit.AgeMin == nil && crit.AgeMax == nil {
		return 1.0
	}
	if crit.AgeMin != nil && age < *crit.AgeMin {
		return 0.0
	}
	if crit.AgeMax != nil && age > *crit.AgeMax {
		return 0.0
	}
	return 1.0
}

func genderFit(gender Gender, crit *EligibilityCriteria) float64 {
	if crit.Gender == "" || crit.Gender == string(GenderAll) {
		return 1.0
	}
	if crit.Gender == string(gender) {
		return 1.0
	}
	return 0.0
}

func medicationFit(medications []string, crit *EligibilityCriteria) float64 {
	if len(crit.ExclusionCriteria) == 0 {
		return 1.0
	}
	exclusionText := strings.ToLower(strings.Join(crit.ExclusionCriteria, " "))
	for _, medication := range medications {
		if strings.Contains(exclusionText, strings.ToLower(medication)) {
			return 0.5
		}
	}
	return 1.0
}

func comorbidityFit(comorbidities []string, crit *EligibilityCriteria) float64 {
	if len(crit.ExclusionCriteria) == 0 {
		return 1.0
	}
	exclusionText := strings.ToLower(strings.Join(crit.ExclusionCriteria, " "))
	for _, comorbidity := range comorbidities {
		if strings.Contains(exclusionText, strings.ToLower(comorbidity)) {
			return 0.7
		}
	}
	return 1.0
}

// buildReasoning converts factor scores into the fixed qualitative phrases,
// comma-joined with the first letter capitalized.
func buildReasoning(factors MatchFactors) string {
	var parts []string

	switch {
	case factors.ConditionMatch > 0.8:
		parts = append(parts, "Excellent condition match")
	case factors.ConditionMatch > 0.6:
		parts = append(parts, "Good condition match")
	case factors.ConditionMatch > 0.4:
		parts = append(parts, "Moderate condition match")
	default:
		parts = append(parts, "Limited condition match")
	}

	switch {
	case factors.EligibilityFit > 0.8:
		parts = append(parts, "meets eligibility criteria")
	case factors.EligibilityFit > 0.6:
		parts = append(parts, "likely meets eligibility criteria")
	default:
		parts = append(parts, "eligibility uncertain")
	}

	switch {
	case factors.GeographicProximity > 0.8:
		parts = append(parts, "convenient location")
	case factors.GeographicProximity > 0.5:
		parts = append(parts, "accessible location")
	default:
		parts = append(parts, "distant location")
	}

	switch {
	case factors.EnrollmentStatus > 0.8:
		parts = append(parts, "actively recruiting")
	case factors.EnrollmentStatus > 0.5:
		parts = append(parts, "enrollment available")
	default:
		parts = append(parts, "limited enrollment")
	}

	return capitalize(strings.Join(parts, ", "))
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	r := []rune(s)
	r[0] = unicode.ToUpper(r[0])
	return string(r)
}

func nonEmpty(values ...string) []string {
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

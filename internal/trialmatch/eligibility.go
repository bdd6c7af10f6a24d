package trialmatch

import (
	"log"
	"strings"
)

var (
	premenopausalKeywords = []string{
		"premenopausal", "pre-menopausal", "functioning ovaries",
		"menstruating", "reproductive age",
	}
	postmenopausalKeywords = []string{
		"postmenopausal", "post-menopausal", "amenorrhea",
		"no menstrual periods", "natural menopause",
	}
	metastaticExclusions = []string{
		"metastatic disease", "evidence of metastatic", "distant metastases",
		"stage iv", "stage 4",
	}
	medicationExclusionTerms = []string{
		"anticoagulant", "blood thinner", "warfarin", "heparin",
		"immunosuppressive", "corticosteroid", "chemotherapy",
	}
	medicationCategories = map[string][]string{
		"anticoagulant":     {"warfarin", "heparin", "apixaban", "rivaroxaban"},
		"corticosteroid":    {"prednisone", "prednisolone", "dexamethasone"},
		"immunosuppressive": {"methotrexate", "azathioprine", "cyclosporine"},
	}
	highRiskConditionTerms = []string{
		"cardiac disease", "heart failure", "liver disease", "renal disease",
		"kidney disease", "hepatic", "cardiac",
	}
	conditionCategories = map[string][]string{
		"cardiac": {"heart", "cardiac", "cardiovascular"},
		"hepatic": {"liver", "hepatic"},
		"renal":   {"kidney", "renal"},
	}
)

// RuleFilter applies deterministic eligibility checks against a
// patient/trial pair. It is the hard gate ahead of LLM analysis: a trial
// that fails here scores exactly zero no matter how well the soft
// sub-scores come out.
type RuleFilter struct{}

func NewRuleFilter() *RuleFilter { return &RuleFilter{} }

// FilterEligible returns the trials the patient passes the hard checks for.
func (f *RuleFilter) FilterEligible(trials []TrialRecord, patient *PatientProfile) []TrialRecord {
	eligible := make([]TrialRecord, 0, len(trials))
	for _, trial := range trials {
		if f.IsEligible(&trial, patient) {
			eligible = append(eligible, trial)
		} else {
			log.Printf("rule-filter excluded trial %s: eligibility mismatch", trial.NCTID)
		}
	}
	return eligible
}

func (f *RuleFilter) IsEligible(trial *TrialRecord, patient *PatientProfile) bool {
	if trial.Eligibility == nil {
		return true
	}
	if !f.checkAge(trial, patient) {
		return false
	}
	if !f.checkGender(trial, patient) {
		return false
	}
	if !f.checkMenopausalStatus(trial, patient) {
		return false
	}
	return f.checkExclusionCriteria(trial, patient)
}

// EligibilityScore reports how well the patient matches the criteria in
// [0,1]. The surface is intentionally discontinuous: a failed hard check is
// always 0.0, a passed one is the mean of the soft sub-scores.
func (f *RuleFilter) EligibilityScore(trial *TrialRecord, patient *PatientProfile) float64 {
	if trial.Eligibility == nil {
		return 0.5
	}
	if !f.IsEligible(trial, patient) {
		return 0.0
	}

	components := []float64{
		f.ageScore(trial, patient),
		f.genderScore(trial, patient),
	}
	if meno, ok := f.menopausalScore(trial, patient); ok {
		components = append(components, meno)
	}

	var sum float64
	for _, c := range components {
		sum += c
	}
	return sum / float64(len(components))
}

func (f *RuleFilter) checkAge(trial *TrialRecord, patient *PatientProfile) bool {
	crit := trial.Eligibility
	if patient.Age == nil || crit == nil {
		return true
	}
	if crit.AgeMin != nil && *patient.Age < *crit.AgeMin {
		return false
	}
	if crit.AgeMax != nil && *patient.Age > *crit.AgeMax {
		return false
	}
	return true
}

func (f *RuleFilter) checkGender(trial *TrialRecord, patient *PatientProfile) bool {
	crit := trial.Eligibility
	if patient.Gender == "" || crit == nil {
		return true
	}
	if crit.Gender == "" || crit.Gender == string(GenderAll) {
		return true
	}
	return crit.Gender == string(patient.Gender)
}

func (f *RuleFilter) checkMenopausalStatus(trial *TrialRecord, patient *PatientProfile) bool {
	crit := trial.Eligibility
	if crit == nil || patient.Gender != GenderFemale {
		return true
	}

	inclusionText := strings.ToLower(strings.Join(crit.InclusionCriteria, " "))
	requiresPre := containsAny(inclusionText, premenopausalKeywords)
	requiresPost := containsAny(inclusionText, postmenopausalKeywords)
	if !requiresPre && !requiresPost {
		return true
	}

	status := patient.InferredMenopausalStatus()
	if requiresPre {
		return status == MenopausalPre
	}
	return status == MenopausalPost
}

func (f *RuleFilter) checkExclusionCriteria(trial *TrialRecord, patient *PatientProfile) bool {
	crit := trial.Eligibility
	if crit == nil || len(crit.ExclusionCriteria) == 0 {
		return true
	}
	exclusionText := strings.ToLower(strings.Join(crit.ExclusionCriteria, " "))

	if patient.CancerStage != "" && strings.Contains(strings.ToLower(patient.CancerStage), "metastatic") {
		if containsAny(exclusionText, metastaticExclusions) {
			return false
		}
	}
	if len(patient.Medications) > 0 && medicationConflicts(exclusionText, patient.Medications) {
		return false
	}
	if len(patient.Comorbidities) > 0 && comorbidityConflicts(exclusionText, patient.Comorbidities) {
		return false
	}
	return true
}

func medicationConflicts(exclusionText string, medications []string) bool {
	for _, medication := range medications {
		med := strings.ToLower(medication)
		if strings.Contains(exclusionText, med) {
			return true
		}
		for _, term := range medicationExclusionTerms {
			if strings.Contains(exclusionText, term) && medicationInCategory(med, term) {
				return true
			}
		}
	}
	return false
}

func comorbidityConflicts(exclusionText string, comorbidities []string) bool {
	for _, comorbidity := range comorbidities {
		if strings.Contains(exclusionText, strings.ToLower(comorbidity)) {
			return true
		}
	}
	for _, condition := range highRiskConditionTerms {
		if !strings.Contains(exclusionText, condition) {
			continue
		}
		for _, comorbidity := range comorbidities {
			if conditionMatchesCategory(strings.ToLower(comorbidity), condition) {
				return true
			}
		}
	}
	return false
}

func medicationInCategory(medication, category string) bool {
	for _, member := range medicationCategories[category] {
		if strings.Contains(medication, member) {
			return true
		}
	}
	return false
}

func conditionMatchesCategory(condition, category string) bool {
	for _, term := range conditionCategories[category] {
		if strings.Contains(condition, term) {
			return true
		}
	}
	return false
}

func (f *RuleFilter) ageScore(trial *TrialRecord, patient *PatientProfile) float64 {
	crit := trial.Eligibility
	if patient.Age == nil || crit == nil {
		return 0.5
	}
	age := *patient.Age
	inRange := (crit.AgeMin == nil || age >= *crit.AgeMin) &&
		(crit.AgeMax == nil || age <= *crit.AgeMax)
	if inRange {
		return 1.0
	}
	// Linear penalty per year outside the bound.
	if crit.AgeMin != nil && age < *crit.AgeMin {
		diff := float64(*crit.AgeMin - age)
		return max(0.0, 1.0-diff/10.0)
	}
	if crit.AgeMax != nil && age > *crit.AgeMax {
		diff := float64(age - *crit.AgeMax)
		return max(0.0, 1.0-diff/10.0)
	}
	return 0.5
}

func (f *RuleFilter) genderScore(trial *TrialRecord, patient *PatientProfile) float64 {
	crit := trial.Eligibility
	if patient.Gender == "" || crit == nil {
		return 0.5
	}
	if crit.Gender == "" || crit.Gender == string(GenderAll) {
		return 1.0
	}
	if crit.Gender == string(patient.Gender) {
		return 1.0
	}
	return 0.0
}

// menopausalScore returns ok=false when the trial carries no menopausal
// requirement, so the component stays out of the blended average.
func (f *RuleFilter) menopausalScore(trial *TrialRecord, patient *PatientProfile) (float64, bool) {
	crit := trial.Eligibility
	if crit == nil || patient.Gender != GenderFemale {
		return 0, false
	}
	inclusionText := strings.ToLower(strings.Join(crit.InclusionCriteria, " "))
	requiresPre := strings.Contains(inclusionText, "premenopausal") || strings.Contains(inclusionText, "pre-menopausal")
	requiresPost := strings.Contains(inclusionText, "postmenopausal") || strings.Contains(inclusionText, "post-menopausal")
	if !requiresPre && !requiresPost {
		return 0, false
	}
	status := patient.InferredMenopausalStatus()
	if requiresPre {
		if status == MenopausalPre {
			return 1.0, true
		}
		return 0.0, true
	}
	if status == MenopausalPost {
		return 1.0, true
	}
	return 0.0, true
}

func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

package trialmatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"
	"time"
)

const (
	reasoningNoneProvided    = "No reasoning provided"
	reasoningIncompleteBatch = "Incomplete batch analysis"
	reasoningParseFailure    = "Could not parse batch eligibility analysis"
	reasoningCallFailure     = "Could not analyze eligibility criteria"
)

const (
	eligibilityWeight = 0.7
	locationWeight    = 0.3
)

// Analyzer runs batched LLM eligibility analysis over candidate trials and
// blends the per-trial eligibility score with geocoded proximity. Batches
// cut call volume; they are processed sequentially.
type Analyzer struct {
	caller    LLMCaller
	geocoder  Geocoder
	batchSize int
}

func NewAnalyzer(caller LLMCaller, geocoder Geocoder, batchSize int) *Analyzer {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	return &Analyzer{caller: caller, geocoder: geocoder, batchSize: batchSize}
}

// RankAndFilter analyzes every trial's eligibility for the patient and
// returns the eligible candidates ordered by combined score, highest first.
// Patient coordinates are passed explicitly; nil means proximity is unknown.
//
// Per-batch failures never surface to the caller: a batch whose analysis
// cannot be obtained or parsed degrades to neutral-eligible verdicts, so no
// trial is dropped on an infrastructure failure. Ties in combined score keep
// their batch-iteration order (the sort is stable); that tie order is
// implementation-defined.
func (a *Analyzer) RankAndFilter(ctx context.Context, trials []TrialRecord, patient *PatientProfile, patientCoords *Coordinates) []ScoredCandidate {
	if len(trials) == 0 {
		return []ScoredCandidate{}
	}

	candidates := make([]ScoredCandidate, 0, len(trials))
	totalBatches := (len(trials) + a.batchSize - 1) / a.batchSize

	for start := 0; start < len(trials); start += a.batchSize {
		end := min(start+a.batchSize, len(trials))
		batch := trials[start:end]
		log.Printf("trial-match analyzing batch %d/%d (%d trials)", start/a.batchSize+1, totalBatches, len(batch))

		verdicts := a.analyzeBatch(ctx, batch, patient)
		for i, trial := range batch {
			verdict := verdicts[i]
			locScore := locationScore(ctx, &trial, patientCoords, a.geocoder)
			candidate := ScoredCandidate{
				Trial:            trial,
				EligibilityScore: verdict.EligibilityScore,
				LocationScore:    locScore,
				CombinedScore:    verdict.EligibilityScore*eligibilityWeight + locScore*locationWeight,
				IsEligible:       verdict.IsEligible,
				Reasoning:        verdict.Reasoning,
				KeyIssues:        verdict.KeyIssues,
			}
			if !verdict.IsEligible {
				log.Printf("trial-match LLM filtered out trial %s: %s", trial.NCTID, verdict.Reasoning)
				continue
			}
			candidates = append(candidates, candidate)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CombinedScore > candidates[j].CombinedScore
	})
	return candidates
}

// analyzeBatch always returns exactly len(batch) verdicts. Retryable
// transport failures (timeout, rate limit, server error) get up to three
// attempts before the batch degrades to neutral verdicts.
func (a *Analyzer) analyzeBatch(ctx context.Context, batch []TrialRecord, patient *PatientProfile) []Verdict {
	prompt := buildBatchEligibilityPrompt(buildPatientSummary(patient), batch)
	for attempt := 1; attempt <= 3; attempt++ {
		raw, err := a.caller.GenerateJSON(ctx, prompt)
		if err == nil {
			return parseBatchEligibilityResponse(raw, len(batch))
		}
		class := classifyTransportError(err)
		if class == failureTimeout || class == failureRateLimit || class == failureServer {
			if attempt < 3 {
				log.Printf("trial-match batch analysis attempt %d failed, retrying: %v", attempt, err)
				time.Sleep(backoffDelay(attempt))
				continue
			}
		}
		log.Printf("trial-match batch analysis call failed: %v", err)
		break
	}
	return fallbackVerdicts(len(batch), reasoningCallFailure)
}

func parseBatchEligibilityResponse(response string, expected int) []Verdict {
	region, ok := extractJSONArray(stripCodeFences(response))
	if !ok {
		log.Printf("trial-match no JSON array found in batch eligibility response")
		return fallbackVerdicts(expected, reasoningParseFailure)
	}

	var entries []map[string]json.RawMessage
	if err := json.Unmarshal([]byte(region), &entries); err != nil {
		log.Printf("trial-match batch eligibility response parse failed: %v", err)
		return fallbackVerdicts(expected, reasoningParseFailure)
	}

	verdicts := make([]Verdict, 0, expected)
	for _, entry := range entries {
		if len(verdicts) == expected {
			break
		}
		verdicts = append(verdicts, coerceVerdict(entry))
	}
	for len(verdicts) < expected {
		verdicts = append(verdicts, neutralVerdict(reasoningIncompleteBatch))
	}
	return verdicts
}

// coerceVerdict applies the documented field defaults rather than rejecting
// a partially-populated object.
func coerceVerdict(entry map[string]json.RawMessage) Verdict {
	v := neutralVerdict(reasoningNoneProvided)
	if raw, ok := entry["is_eligible"]; ok {
		var b bool
		if json.Unmarshal(raw, &b) == nil {
			v.IsEligible = b
		}
	}
	if raw, ok := entry["eligibility_score"]; ok {
		var f float64
		if json.Unmarshal(raw, &f) == nil {
			v.EligibilityScore = f
		}
	}
	if raw, ok := entry["reasoning"]; ok {
		var s string
		if json.Unmarshal(raw, &s) == nil && strings.TrimSpace(s) != "" {
			v.Reasoning = s
		}
	}
	if raw, ok := entry["key_issues"]; ok {
		var issues []string
		if json.Unmarshal(raw, &issues) == nil && issues != nil {
			v.KeyIssues = issues
		}
	}
	return v
}

func neutralVerdict(reasoning string) Verdict {
	return Verdict{
		IsEligible:       true,
		EligibilityScore: 0.5,
		Reasoning:        reasoning,
		KeyIssues:        []string{},
	}
}

func fallbackVerdicts(n int, reasoning string) []Verdict {
	verdicts := make([]Verdict, n)
	for i := range verdicts {
		verdicts[i] = neutralVerdict(reasoning)
	}
	return verdicts
}

func buildPatientSummary(patient *PatientProfile) string {
	var parts []string
	if patient.Age != nil {
		parts = append(parts, fmt.Sprintf("Age: %d years old", *patient.Age))
	}
	if patient.Gender != "" {
		parts = append(parts, fmt.Sprintf("Gender: %s", patient.Gender))
	}
	if patient.PrimaryDiagnosis != "" {
		parts = append(parts, fmt.Sprintf("Primary Diagnosis: %s", patient.PrimaryDiagnosis))
	}
	if patient.CancerStage != "" {
		parts = append(parts, fmt.Sprintf("Cancer Stage: %s", patient.CancerStage))
	}
	if len(patient.TumorMarkers) > 0 {
		markers := make([]string, 0, len(patient.TumorMarkers))
		for _, marker := range sortedKeys(patient.TumorMarkers) {
			markers = append(markers, fmt.Sprintf("%s: %s", marker, patient.TumorMarkers[marker]))
		}
		parts = append(parts, fmt.Sprintf("Tumor Markers: %s", strings.Join(markers, ", ")))
	}
	if patient.TumorSize != "" {
		parts = append(parts, fmt.Sprintf("Tumor Size: %s", patient.TumorSize))
	}
	if len(patient.Comorbidities) > 0 {
		parts = append(parts, fmt.Sprintf("Comorbidities: %s", strings.Join(patient.Comorbidities, ", ")))
	}
	if len(patient.Medications) > 0 {
		parts = append(parts, fmt.Sprintf("Current Medications: %s", strings.Join(patient.Medications, ", ")))
	}
	if patient.Gender == GenderFemale && patient.Age != nil {
		parts = append(parts, fmt.Sprintf("Menopausal Status: %s", patient.InferredMenopausalStatus()))
	}
	return strings.Join(parts, "; ")
}

func extractEligibilityText(trial *TrialRecord) string {
	crit := trial.Eligibility
	if crit == nil {
		return "No detailed eligibility criteria available"
	}

	var parts []string
	if crit.AgeMin != nil || crit.AgeMax != nil {
		minText, maxText := "No minimum", "No maximum"
		if crit.AgeMin != nil {
			minText = fmt.Sprintf("%d", *crit.AgeMin)
		}
		if crit.AgeMax != nil {
			maxText = fmt.Sprintf("%d", *crit.AgeMax)
		}
		parts = append(parts, fmt.Sprintf("Age: %s to %s", minText, maxText))
	}
	if crit.Gender != "" {
		parts = append(parts, fmt.Sprintf("Gender: %s", crit.Gender))
	}
	if crit.HealthyVolunteers != nil {
		hv := "No"
		if *crit.HealthyVolunteers {
			hv = "Yes"
		}
		parts = append(parts, fmt.Sprintf("Healthy Volunteers: %s", hv))
	}
	if len(crit.InclusionCriteria) > 0 {
		parts = append(parts, fmt.Sprintf("Inclusion Criteria:\n%s", strings.Join(crit.InclusionCriteria, "\n")))
	}
	if len(crit.ExclusionCriteria) > 0 {
		parts = append(parts, fmt.Sprintf("Exclusion Criteria:\n%s", strings.Join(crit.ExclusionCriteria, "\n")))
	}
	if len(parts) == 0 {
		return "No detailed eligibility criteria available"
	}
	return strings.Join(parts, "\n\n")
}

const batchAnalysisGuidelines = `ANALYSIS GUIDELINES:
1. is_eligible: false only if there are clear, definitive exclusions (age out of range, wrong gender, contraindicated medications, etc.)
2. eligibility_score:
   - 1.0 = Perfect match, clearly eligible
   - 0.8-0.9 = Very good match, likely eligible
   - 0.6-0.7 = Reasonable match, possibly eligible
   - 0.4-0.5 = Poor match, questionable eligibility
   - 0.0-0.3 = Very poor match, likely not eligible
3. Focus on definitive exclusions rather than minor concerns
4. AGE EXAMPLES: If minimum age is 16 and patient is 29, they ARE eligible. If maximum age is 65 and patient is 70, they are NOT eligible.
5. Pay special attention to:
   - Age requirements (patient must be >= minimum age AND <= maximum age if specified)
   - Gender requirements
   - Disease stage/severity requirements
   - Menopausal status requirements (especially for breast cancer trials)
   - Prior treatment requirements
   - Contraindicated medications/conditions`

func buildBatchEligibilityPrompt(patientSummary string, batch []TrialRecord) string {
	var trialsText strings.Builder
	for i, trial := range batch {
		fmt.Fprintf(&trialsText, "\nTRIAL %d:\nNCT ID: %s\nTitle: %s\nEligibility Criteria:\n%s\n",
			i+1, trial.NCTID, trial.Title, extractEligibilityText(&trial))
	}

	return fmt.Sprintf(`Analyze whether this patient is eligible for each of the following clinical trials.

PATIENT PROFILE:
%s
%s

Provide your analysis as a JSON array with one object per trial (in the same order as presented):

[
  {
    "trial_number": 1,
    "nct_id": "NCT...",
    "is_eligible": true/false,
    "eligibility_score": 0.0-1.0,
    "reasoning": "Brief explanation of eligibility decision",
    "key_issues": ["list", "of", "specific", "eligibility", "concerns", "if", "any"]
  },
  ...
]

%s

Return ONLY the JSON array:`, patientSummary, trialsText.String(), batchAnalysisGuidelines)
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

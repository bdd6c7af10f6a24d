// Package extract turns free-text medical transcripts into structured
// patient profiles. Transcripts are scrubbed of direct identifiers before
// leaving the process, and the LLM extraction is validated and retried with
// corrective feedback before falling back to regex heuristics.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/joelkehle/trial-matcher/internal/trialmatch"
)

// SSN, phone, ZIP, and email patterns, in masking order.
var phiPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
	regexp.MustCompile(`\b\d{3}[-.]?\d{3}[-.]?\d{4}\b`),
	regexp.MustCompile(`\b\d{5}(?:-\d{4})?\b`),
	regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`),
}

// ScrubPHI masks direct identifiers before the transcript is sent anywhere.
func ScrubPHI(transcript string) string {
	out := transcript
	for _, re := range phiPatterns {
		out = re.ReplaceAllString(out, "[REDACTED]")
	}
	return out
}

// ConfidenceScores reports per-field extraction confidence in [0,1].
type ConfidenceScores struct {
	Age              float64 `json:"age"`
	Gender           float64 `json:"gender"`
	PrimaryDiagnosis float64 `json:"primary_diagnosis"`
	Conditions       float64 `json:"conditions"`
	Medications      float64 `json:"medications"`
	Location         float64 `json:"location"`
	Overall          float64 `json:"overall"`
}

type ExtractionResult struct {
	Patient      trialmatch.PatientProfile `json:"patient_data"`
	Confidence   ConfidenceScores          `json:"confidence_scores"`
	Success      bool                      `json:"success"`
	ErrorMessage string                    `json:"error_message,omitempty"`
}

type Extractor struct {
	caller trialmatch.LLMCaller
}

func NewExtractor(caller trialmatch.LLMCaller) *Extractor {
	return &Extractor{caller: caller}
}

// Extract runs the LLM extraction against a scrubbed transcript. LLM or
// validation failure degrades to a regex-prefilled manual entry template
// with Success=false rather than an error: the caller always gets a profile
// a human can finish.
func (e *Extractor) Extract(ctx context.Context, transcript string) ExtractionResult {
	if strings.TrimSpace(transcript) == "" {
		return ExtractionResult{ErrorMessage: "Empty transcript provided"}
	}
	scrubbed := ScrubPHI(transcript)

	result, err := e.extractWithRetry(ctx, scrubbed)
	if err != nil {
		log.Printf("patient-extract llm extraction failed: %v", err)
		return manualEntryTemplate(scrubbed)
	}
	postProcess(&result, scrubbed)
	return result
}

type extractionPayload struct {
	Age               *int                 `json:"age"`
	Gender            string               `json:"gender"`
	Conditions        []string             `json:"conditions"`
	PrimaryDiagnosis  string               `json:"primary_diagnosis"`
	Comorbidities     []string             `json:"comorbidities"`
	Medications       []string             `json:"medications"`
	Allergies         []string             `json:"allergies"`
	Location          *trialmatch.Location `json:"location"`
	CancerStage       string               `json:"cancer_stage"`
	TumorMarkers      map[string]string    `json:"tumor_markers"`
	TumorSize         string               `json:"tumor_size"`
	OverallConfidence float64              `json:"overall_confidence"`
}

func (e *Extractor) extractWithRetry(ctx context.Context, transcript string) (ExtractionResult, error) {
	prompt := buildExtractionPrompt(transcript)
	feedback := ""
	for attempt := 1; attempt <= 3; attempt++ {
		fullPrompt := prompt
		if feedback != "" {
			fullPrompt += "\n\n" + feedback
		}

		raw, err := e.caller.GenerateJSON(ctx, fullPrompt)
		if err != nil {
			if retryableTransportError(err) && attempt < 3 {
				time.Sleep(backoffDelay(attempt))
				continue
			}
			return ExtractionResult{}, fmt.Errorf("extraction transport failure: %w", err)
		}

		clean := stripCodeFences(raw)
		if obj, ok := extractJSONObject(clean); ok {
			clean = obj
		}
		var payload extractionPayload
		if err := json.Unmarshal([]byte(clean), &payload); err != nil {
			if attempt < 3 {
				feedback = "Your previous response was not valid JSON. Respond with only valid JSON."
				continue
			}
			return ExtractionResult{}, fmt.Errorf("extraction failed json parse: %w", err)
		}

		result := payloadToResult(payload)
		if err := validateExtraction(result); err != nil {
			if attempt < 3 {
				feedback = fmt.Sprintf("Your response failed validation: %s. Fix these issues.", err)
				continue
			}
			return ExtractionResult{}, fmt.Errorf("extraction failed validation: %w", err)
		}
		return result, nil
	}
	return ExtractionResult{}, errors.New("extraction failed after retries")
}

func payloadToResult(p extractionPayload) ExtractionResult {
	markers := map[string]string{}
	for k, v := range p.TumorMarkers {
		if strings.TrimSpace(v) == "" {
			continue
		}
		markers[k] = v
	}
	if len(markers) == 0 {
		markers = nil
	}

	conf := p.OverallConfidence
	if conf <= 0 {
		conf = 0.5
	}
	return ExtractionResult{
		Patient: trialmatch.PatientProfile{
			Age:              p.Age,
			Gender:           trialmatch.Gender(strings.ToUpper(strings.TrimSpace(p.Gender))),
			PrimaryDiagnosis: p.PrimaryDiagnosis,
			Conditions:       p.Conditions,
			Comorbidities:    p.Comorbidities,
			Medications:      p.Medications,
			Allergies:        p.Allergies,
			Location:         p.Location,
			CancerStage:      p.CancerStage,
			TumorMarkers:     markers,
			TumorSize:        p.TumorSize,
		},
		Confidence: ConfidenceScores{
			Age:              conf,
			Gender:           conf,
			PrimaryDiagnosis: conf,
			Conditions:       conf,
			Medications:      conf,
			Location:         conf,
			Overall:          conf,
		},
		Success: true,
	}
}

// validateExtraction rejects results with no usable demographics and
// results the model itself rated unreliable.
func validateExtraction(r ExtractionResult) error {
	p := r.Patient
	hasBasicInfo := p.Age != nil || p.Gender != "" || p.PrimaryDiagnosis != "" || len(p.Conditions) > 0
	if !hasBasicInfo {
		return errors.New("no age, gender, diagnosis, or conditions extracted")
	}
	if r.Confidence.Overall < 0.3 {
		return fmt.Errorf("overall confidence %.2f below threshold", r.Confidence.Overall)
	}
	return nil
}

func buildExtractionPrompt(transcript string) string {
	return `You are extracting patient information for clinical trial matching. Focus on the primary condition the patient wants to find clinical trials for.

Extract the following from this medical transcript and return it as JSON:
- age (integer)
- gender ("MALE", "FEMALE", or "ALL")
- conditions (array of strings, secondary conditions only if relevant for trials)
- primary_diagnosis (string, THE MAIN CONDITION for which they need clinical trials, or null if unclear)
- comorbidities (array of strings, only significant comorbidities that would affect trial eligibility)
- medications (array of strings, normalize drug names and drop dosing)
- allergies (array of strings)
- location (object with city, state, zip_code; expand state abbreviations, e.g. "CO" to "Colorado")
- cancer_stage (string, e.g. "Stage IIA")
- tumor_markers (object, e.g. {"ER": "positive", "HER2": "negative"})
- tumor_size (string, e.g. "2.5 cm")
- overall_confidence (number 0-1 for overall extraction quality)

CRITICAL RULES for primary_diagnosis:
1. CONFIRMED DIAGNOSIS ONLY: only use if explicitly stated or clearly documented
2. SUSPICIOUS/PENDING: "suspicious", "rule out", "biopsy pending" means null
3. SYMPTOMS ONLY: symptoms without a diagnosis means null
4. BE CONSERVATIVE: when in doubt, use null

CONFIDENCE CALIBRATION:
- 0.9-1.0: complete, explicit information with confirmed diagnosis
- 0.7-0.8: good extraction with some abbreviations or inferences
- 0.5-0.6: moderate quality, some missing data
- 0.3-0.4: minimal information, mostly symptoms
- 0.1-0.2: very little reliable information

Transcript:
` + transcript + `

Return only valid JSON without any additional text.`
}

// --- post-processing ---

var cityStateRe = regexp.MustCompile(`\b([A-Z][a-z]+(?:\s+[A-Z][a-z]+)*),\s*([A-Z]{2})\b`)

var ageIndicators = []struct {
	term string
	age  int
}{
	{"pediatric", 11},
	{"adolescent", 16},
	{"young adult", 27},
	{"middle-aged", 52},
	{"elderly", 75},
	{"geriatric", 80},
}

var conditionAgeHints = []struct {
	term string
	age  int
}{
	{"type 1 diabetes", 22},
	{"type 2 diabetes", 55},
	{"hypertension", 55},
	{"arthritis", 65},
	{"alzheimer", 75},
	{"prostate", 65},
	{"menopause", 52},
	{"osteoporosis", 65},
	{"breast cancer", 55},
	{"colon cancer", 60},
}

func postProcess(r *ExtractionResult, transcript string) {
	if r.Patient.Location == nil {
		if loc := locationFromText(transcript); loc != nil {
			r.Patient.Location = loc
		}
	}
	r.Patient.Conditions = dedupe(r.Patient.Conditions)
	r.Patient.Medications = dedupe(r.Patient.Medications)
	r.Patient.Comorbidities = dedupe(r.Patient.Comorbidities)

	if r.Patient.Age == nil {
		if age, ok := inferAge(transcript, &r.Patient); ok {
			r.Patient.Age = &age
			r.Confidence.Age = 0.6
		}
	}
}

func locationFromText(transcript string) *trialmatch.Location {
	m := cityStateRe.FindStringSubmatch(transcript)
	if m == nil {
		return nil
	}
	return &trialmatch.Location{City: m[1], State: m[2]}
}

func inferAge(transcript string, patient *trialmatch.PatientProfile) (int, bool) {
	text := strings.ToLower(transcript)
	for _, ind := range ageIndicators {
		if strings.Contains(text, ind.term) {
			return ind.age, true
		}
	}
	candidates := append([]string{patient.PrimaryDiagnosis}, patient.Conditions...)
	for _, cond := range candidates {
		cond = strings.ToLower(cond)
		if cond == "" {
			continue
		}
		for _, hint := range conditionAgeHints {
			if strings.Contains(cond, hint.term) {
				return hint.age, true
			}
		}
	}
	return 0, false
}

func dedupe(items []string) []string {
	if len(items) == 0 {
		return items
	}
	seen := map[string]struct{}{}
	out := items[:0]
	for _, item := range items {
		key := strings.ToLower(strings.TrimSpace(item))
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, item)
	}
	return out
}

// --- regex fallback ---

var fallbackAgeRes = []*regexp.Regexp{
	regexp.MustCompile(`\b(\d{1,2})\s*(?:year|yr)s?\s*old\b`),
	regexp.MustCompile(`\bage\s*(?:is\s*)?(\d{1,2})\b`),
	regexp.MustCompile(`\b(\d{1,2})\s*(?:year|yr)s?\s*of\s*age\b`),
}

// manualEntryTemplate prefills what simple patterns can find so a human can
// complete the rest.
func manualEntryTemplate(transcript string) ExtractionResult {
	result := ExtractionResult{
		ErrorMessage: "Automatic extraction failed. Please review and complete the information below.",
	}
	text := strings.ToLower(transcript)

	for _, re := range fallbackAgeRes {
		m := re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		age, err := strconv.Atoi(m[1])
		if err == nil && age > 0 && age < 120 {
			result.Patient.Age = &age
			result.Confidence.Age = 0.3
			break
		}
	}

	switch {
	case strings.Contains(text, "he ") || strings.Contains(text, "his ") || strings.Contains(text, "mr."):
		result.Patient.Gender = trialmatch.GenderMale
		result.Confidence.Gender = 0.3
	case strings.Contains(text, "she ") || strings.Contains(text, "her ") || strings.Contains(text, "mrs.") || strings.Contains(text, "ms."):
		result.Patient.Gender = trialmatch.GenderFemale
		result.Confidence.Gender = 0.3
	}

	if loc := locationFromText(transcript); loc != nil {
		result.Patient.Location = loc
		result.Confidence.Location = 0.3
	}

	result.Confidence.Overall = 0.2
	return result
}

// --- LLM response plumbing ---

func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		parts := strings.SplitN(s, "\n", 2)
		if len(parts) == 2 {
			s = parts[1]
		}
		s = strings.TrimPrefix(s, "json")
		s = strings.TrimSpace(strings.TrimSuffix(s, "```"))
	}
	return s
}

// extractJSONObject returns the first balanced top-level {...} region of s,
// ignoring braces inside JSON strings.
func extractJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func retryableTransportError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") || strings.Contains(msg, "status code: 5") || strings.Contains(msg, "server error")
}

func backoffDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 1 * time.Second
	}
	return 2 * time.Second
}

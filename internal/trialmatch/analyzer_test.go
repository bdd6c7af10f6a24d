package trialmatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"testing"
)

type stubCaller struct {
	responses []string
	err       error
	errs      []error
	calls     int
	prompts   []string
}

func (s *stubCaller) GenerateJSON(_ context.Context, prompt string) (string, error) {
	s.prompts = append(s.prompts, prompt)
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		if err != nil {
			return "", err
		}
	}
	if len(s.responses) == 0 {
		return "[]", nil
	}
	resp := s.responses[0]
	if len(s.responses) > 1 {
		s.responses = s.responses[1:]
	}
	return resp, nil
}

func makeTrials(n int) []TrialRecord {
	trials := make([]TrialRecord, n)
	for i := range trials {
		trials[i] = TrialRecord{
			NCTID:  fmt.Sprintf("NCT%08d", i+1),
			Title:  fmt.Sprintf("Trial %d", i+1),
			Status: StatusRecruiting,
		}
	}
	return trials
}

func verdictJSON(n int, score float64) string {
	out := "["
	for i := 0; i < n; i++ {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf(`{"trial_number":%d,"nct_id":"NCT%08d","is_eligible":true,"eligibility_score":%v,"reasoning":"ok","key_issues":[]}`, i+1, i+1, score)
	}
	return out + "]"
}

func TestRankAndFilterEmptyInput(t *testing.T) {
	a := NewAnalyzer(&stubCaller{}, nil, 0)
	got := a.RankAndFilter(context.Background(), nil, &PatientProfile{}, nil)
	if len(got) != 0 {
		t.Fatalf("expected empty result, got %d", len(got))
	}
}

func TestBatchPadding(t *testing.T) {
	// 4-trial batch, stub returns only 3 entries: the 4th verdict must be
	// the incomplete-batch fallback.
	caller := &stubCaller{responses: []string{verdictJSON(3, 0.9)}}
	a := NewAnalyzer(caller, nil, 8)
	trials := makeTrials(4)

	got := a.RankAndFilter(context.Background(), trials, &PatientProfile{}, nil)
	if len(got) != 4 {
		t.Fatalf("expected 4 candidates, got %d", len(got))
	}
	found := false
	for _, c := range got {
		if c.Reasoning == reasoningIncompleteBatch {
			if c.EligibilityScore != 0.5 || !c.IsEligible {
				t.Fatalf("padded verdict should be neutral-eligible: %+v", c)
			}
			found = true
		}
	}
	if !found {
		t.Fatal("expected one incomplete-batch fallback candidate")
	}
}

func TestParseFailureFallback(t *testing.T) {
	caller := &stubCaller{responses: []string{"I cannot provide a structured answer to that."}}
	a := NewAnalyzer(caller, nil, 8)
	trials := makeTrials(3)

	got := a.RankAndFilter(context.Background(), trials, &PatientProfile{}, nil)
	if len(got) != 3 {
		t.Fatalf("expected 3 candidates, got %d", len(got))
	}
	for _, c := range got {
		if !c.IsEligible || c.EligibilityScore != 0.5 || c.Reasoning != reasoningParseFailure {
			t.Fatalf("expected neutral parse-failure fallback, got %+v", c)
		}
	}
}

func TestCallFailureFallback(t *testing.T) {
	caller := &stubCaller{err: errors.New("status code: 500 upstream unavailable")}
	a := NewAnalyzer(caller, nil, 8)
	trials := makeTrials(2)

	got := a.RankAndFilter(context.Background(), trials, &PatientProfile{}, nil)
	if caller.calls != 3 {
		t.Fatalf("expected 3 attempts on a persistent server error, got %d", caller.calls)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	for _, c := range got {
		if c.Reasoning != reasoningCallFailure {
			t.Fatalf("expected call-failure reasoning, got %q", c.Reasoning)
		}
	}
}

func TestBatchAnalysisRetriesRateLimit(t *testing.T) {
	// A transient 429 must be retried, not degraded to neutral verdicts.
	caller := &stubCaller{
		errs:      []error{errors.New("status code: 429 rate limited")},
		responses: []string{verdictJSON(2, 0.9)},
	}
	a := NewAnalyzer(caller, nil, 8)
	trials := makeTrials(2)

	got := a.RankAndFilter(context.Background(), trials, &PatientProfile{}, nil)
	if caller.calls != 2 {
		t.Fatalf("expected a retry after the rate limit, got %d calls", caller.calls)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	for _, c := range got {
		if c.Reasoning != "ok" || c.EligibilityScore != 0.9 {
			t.Fatalf("expected real verdicts after retry, got %+v", c)
		}
	}
}

func TestBatchAnalysisClientErrorNoRetry(t *testing.T) {
	caller := &stubCaller{err: errors.New("status code: 400 bad request")}
	a := NewAnalyzer(caller, nil, 8)
	trials := makeTrials(2)

	got := a.RankAndFilter(context.Background(), trials, &PatientProfile{}, nil)
	if caller.calls != 1 {
		t.Fatalf("client errors must not be retried, got %d calls", caller.calls)
	}
	for _, c := range got {
		if c.Reasoning != reasoningCallFailure {
			t.Fatalf("expected call-failure reasoning, got %q", c.Reasoning)
		}
	}
}

func TestIneligibleTrialsDropped(t *testing.T) {
	resp := `[{"is_eligible":true,"eligibility_score":0.9,"reasoning":"fits"},` +
		`{"is_eligible":false,"eligibility_score":0.1,"reasoning":"age out of range","key_issues":["age"]}]`
	caller := &stubCaller{responses: []string{resp}}
	a := NewAnalyzer(caller, nil, 8)
	trials := makeTrials(2)

	got := a.RankAndFilter(context.Background(), trials, &PatientProfile{}, nil)
	if len(got) != 1 {
		t.Fatalf("expected 1 surviving candidate, got %d", len(got))
	}
	if got[0].Trial.NCTID != "NCT00000001" {
		t.Fatalf("wrong survivor: %s", got[0].Trial.NCTID)
	}
}

func TestCombinedScoreAndOrdering(t *testing.T) {
	resp := `[{"is_eligible":true,"eligibility_score":0.4,"reasoning":"weak"},` +
		`{"is_eligible":true,"eligibility_score":1.0,"reasoning":"strong"}]`
	caller := &stubCaller{responses: []string{resp}}
	a := NewAnalyzer(caller, nil, 8)
	trials := makeTrials(2)

	got := a.RankAndFilter(context.Background(), trials, &PatientProfile{}, nil)
	if len(got) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(got))
	}
	// No coordinates: location score is neutral 0.5 for both.
	wantTop := 1.0*eligibilityWeight + 0.5*locationWeight
	if got[0].CombinedScore != wantTop {
		t.Fatalf("top combined score %v, want %v", got[0].CombinedScore, wantTop)
	}
	if got[0].Trial.NCTID != "NCT00000002" {
		t.Fatalf("expected the stronger trial first, got %s", got[0].Trial.NCTID)
	}
}

func TestBatchingCallCount(t *testing.T) {
	caller := &stubCaller{responses: []string{verdictJSON(8, 0.8), verdictJSON(8, 0.8), verdictJSON(3, 0.8)}}
	a := NewAnalyzer(caller, nil, 8)
	trials := makeTrials(19)

	got := a.RankAndFilter(context.Background(), trials, &PatientProfile{}, nil)
	if caller.calls != 3 {
		t.Fatalf("expected 3 batch calls for 19 trials, got %d", caller.calls)
	}
	if len(got) != 19 {
		t.Fatalf("expected 19 candidates, got %d", len(got))
	}
}

func TestAnalyzerDeterminism(t *testing.T) {
	patient := &PatientProfile{Age: intPtr(58), Gender: GenderFemale, PrimaryDiagnosis: "breast cancer"}
	trials := makeTrials(5)

	run := func() []ScoredCandidate {
		caller := &stubCaller{responses: []string{verdictJSON(5, 0.75)}}
		a := NewAnalyzer(caller, nil, 8)
		return a.RankAndFilter(context.Background(), trials, patient, nil)
	}
	first := run()
	second := run()
	if !reflect.DeepEqual(first, second) {
		t.Fatal("repeated runs with a stubbed caller should be identical")
	}
}

func TestBatchPromptListsTrialsInOrder(t *testing.T) {
	caller := &stubCaller{responses: []string{verdictJSON(2, 0.8)}}
	a := NewAnalyzer(caller, nil, 8)
	trials := makeTrials(2)
	trials[0].Eligibility = &EligibilityCriteria{AgeMin: intPtr(18), Gender: "ALL"}

	a.RankAndFilter(context.Background(), trials, patientAged(40), nil)
	if len(caller.prompts) != 1 {
		t.Fatalf("expected one prompt, got %d", len(caller.prompts))
	}
	prompt := caller.prompts[0]
	for _, want := range []string{"TRIAL 1:", "TRIAL 2:", "NCT00000001", "NCT00000002", "Age: 18 to No maximum", "Age: 40 years old"} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("prompt missing %q", want)
		}
	}
}

package trialmatch

import (
	"context"
	"errors"
	"testing"
)

type stubSource struct {
	trials []TrialRecord
	err    error
	calls  int
}

func (s *stubSource) SearchTrials(_ context.Context, _ *PatientProfile) ([]TrialRecord, error) {
	s.calls++
	return s.trials, s.err
}

func matchablePatient() *PatientProfile {
	return &PatientProfile{
		Age:              intPtr(52),
		Gender:           GenderFemale,
		PrimaryDiagnosis: "breast cancer",
		Location: &Location{
			City:      "Boston",
			State:     "Massachusetts",
			Latitude:  floatPtr(bostonCoords.Lat),
			Longitude: floatPtr(bostonCoords.Lon),
		},
	}
}

func TestHeuristicPathWhenNoLLM(t *testing.T) {
	trials := []TrialRecord{
		{NCTID: "NCT001", Title: "Breast Cancer Trial", Status: StatusRecruiting},
		{
			NCTID:       "NCT002",
			Title:       "Male Only Trial",
			Status:      StatusRecruiting,
			Eligibility: &EligibilityCriteria{Gender: "MALE"},
		},
	}
	m := NewMatcher(MatcherConfig{})

	got := m.RankAndFilterTrials(context.Background(), trials, matchablePatient())
	if len(got) != 1 {
		t.Fatalf("got %d candidates, want 1", len(got))
	}
	if got[0].Trial.NCTID != "NCT001" {
		t.Fatalf("surviving trial %s, want NCT001", got[0].Trial.NCTID)
	}
	if got[0].Reasoning != "Passed rule-based eligibility checks" {
		t.Fatalf("reasoning %q", got[0].Reasoning)
	}
	// No location data on the trial: neutral 0.5 blended with a perfect
	// eligibility score.
	want := 1.0*eligibilityWeight + 0.5*locationWeight
	if got[0].CombinedScore != want {
		t.Fatalf("combined score %v, want %v", got[0].CombinedScore, want)
	}
}

func TestMatcherUsesAnalyzerWhenLLMPresent(t *testing.T) {
	caller := &stubCaller{responses: []string{verdictJSON(1, 0.9)}}
	m := NewMatcher(MatcherConfig{LLM: caller})

	got := m.RankAndFilterTrials(context.Background(), makeTrials(1), matchablePatient())
	if caller.calls != 1 {
		t.Fatalf("LLM calls %d, want 1", caller.calls)
	}
	if len(got) != 1 || got[0].EligibilityScore != 0.9 {
		t.Fatalf("unexpected candidates %+v", got)
	}
}

func TestMatchNoSource(t *testing.T) {
	m := NewMatcher(MatcherConfig{})
	if _, err := m.Match(context.Background(), matchablePatient()); err == nil {
		t.Fatal("expected error without a trial source")
	}
}

func TestMatchSearchError(t *testing.T) {
	src := &stubSource{err: errors.New("registry unavailable")}
	m := NewMatcher(MatcherConfig{Source: src})

	_, err := m.Match(context.Background(), matchablePatient())
	if err == nil {
		t.Fatal("expected wrapped search error")
	}
	if !errors.Is(err, src.err) {
		t.Fatalf("error %v does not wrap source error", err)
	}
}

func TestMatchEndToEnd(t *testing.T) {
	lat, lon := bostonCoords.Lat, bostonCoords.Lon
	src := &stubSource{trials: []TrialRecord{
		{
			NCTID:     "NCT100",
			Title:     "Phase 3 Breast Cancer Study",
			Status:    StatusRecruiting,
			Phase:     Phase3,
			Locations: []TrialLocation{{City: "Boston", State: "Massachusetts", Latitude: &lat, Longitude: &lon}},
		},
		{
			NCTID:  "NCT200",
			Title:  "Completed Breast Cancer Study",
			Status: StatusCompleted,
			Phase:  Phase2,
		},
		{
			NCTID:       "NCT300",
			Title:       "Pediatric Study",
			Status:      StatusRecruiting,
			Eligibility: &EligibilityCriteria{AgeMax: intPtr(17)},
		},
	}}
	m := NewMatcher(MatcherConfig{Source: src})

	res, err := m.Match(context.Background(), matchablePatient())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.TotalFound != 3 {
		t.Fatalf("total found %d, want 3", res.TotalFound)
	}
	if len(res.Candidates) != 2 {
		t.Fatalf("got %d candidates, want 2 (pediatric trial filtered)", len(res.Candidates))
	}
	if res.Candidates[0].Trial.NCTID != "NCT100" {
		t.Fatalf("top candidate %s, want NCT100", res.Candidates[0].Trial.NCTID)
	}
	if len(res.Ranked) != 2 {
		t.Fatalf("got %d ranked trials, want 2", len(res.Ranked))
	}
	if res.Ranked[0].Trial.NCTID != "NCT100" {
		t.Fatalf("top ranked %s, want NCT100", res.Ranked[0].Trial.NCTID)
	}
	if res.Disclaimer != Disclaimer {
		t.Fatalf("disclaimer %q", res.Disclaimer)
	}
	if src.calls != 1 {
		t.Fatalf("source calls %d, want 1", src.calls)
	}
}

func TestPatientCoordsGeocoderFallback(t *testing.T) {
	geo := &stubGeocoder{coords: map[string]Coordinates{"Boston|Massachusetts": bostonCoords}}
	m := NewMatcher(MatcherConfig{Geocoder: geo})
	patient := &PatientProfile{
		Age:      intPtr(52),
		Gender:   GenderFemale,
		Location: &Location{City: "Boston", State: "Massachusetts"},
	}

	coords := m.patientCoords(context.Background(), patient)
	if coords == nil || *coords != bostonCoords {
		t.Fatalf("coords %+v, want %+v", coords, bostonCoords)
	}

	// Explicit coordinates win; no lookup happens.
	geo.calls = 0
	patient.Location.Latitude = floatPtr(1)
	patient.Location.Longitude = floatPtr(2)
	coords = m.patientCoords(context.Background(), patient)
	if coords == nil || coords.Lat != 1 || coords.Lon != 2 {
		t.Fatalf("coords %+v, want explicit 1,2", coords)
	}
	if geo.calls != 0 {
		t.Fatalf("geocoder calls %d, want 0", geo.calls)
	}

	if got := m.patientCoords(context.Background(), &PatientProfile{}); got != nil {
		t.Fatalf("coords %+v, want nil without a location", got)
	}
}

package trialmatch

import (
	"context"
	"fmt"
	"log"
	"sort"
)

// Geocoder resolves a city/state pair to coordinates. Lookups are
// best-effort: a miss returns ok=false, never an error that aborts ranking.
type Geocoder interface {
	Geocode(ctx context.Context, city, state string) (Coordinates, bool)
}

// TrialSource supplies candidate trials for a patient, typically a registry
// HTTP client that already applied registry-side status/gender filters.
type TrialSource interface {
	SearchTrials(ctx context.Context, patient *PatientProfile) ([]TrialRecord, error)
}

// Matcher wires the filtering and ranking stages behind explicit
// capabilities. Callers choose the concrete completion and geocoding
// implementations at construction time; a nil LLMCaller selects the
// rule-based heuristic path instead of LLM eligibility analysis.
type Matcher struct {
	source   TrialSource
	geocoder Geocoder
	analyzer *Analyzer
	rules    *RuleFilter
	ranking  *RankingEngine
}

type MatcherConfig struct {
	Source    TrialSource
	Geocoder  Geocoder
	LLM       LLMCaller
	BatchSize int
}

func NewMatcher(cfg MatcherConfig) *Matcher {
	m := &Matcher{
		source:   cfg.Source,
		geocoder: cfg.Geocoder,
		rules:    NewRuleFilter(),
		ranking:  NewRankingEngine(),
	}
	if cfg.LLM != nil {
		m.analyzer = NewAnalyzer(cfg.LLM, cfg.Geocoder, cfg.BatchSize)
	}
	return m
}

// RankAndFilterTrials runs the intermediate filtering stage: LLM batch
// eligibility analysis when a completion capability was injected, the
// deterministic rule filter otherwise. Either way the result is a fully
// populated candidate list ordered by combined score.
func (m *Matcher) RankAndFilterTrials(ctx context.Context, trials []TrialRecord, patient *PatientProfile) []ScoredCandidate {
	coords := m.patientCoords(ctx, patient)
	if m.analyzer != nil {
		return m.analyzer.RankAndFilter(ctx, trials, patient, coords)
	}
	return m.heuristicRankAndFilter(ctx, trials, patient, coords)
}

// RankTrials produces the final presentation-ready ordering.
func (m *Matcher) RankTrials(trials []TrialRecord, patient *PatientProfile) []RankedTrial {
	return m.ranking.RankTrials(trials, patient)
}

// Match runs the full pipeline: registry search, eligibility filtering,
// then deep ranking of the surviving candidates.
func (m *Matcher) Match(ctx context.Context, patient *PatientProfile) (*MatchResult, error) {
	if m.source == nil {
		return nil, fmt.Errorf("matcher has no trial source configured")
	}
	trials, err := m.source.SearchTrials(ctx, patient)
	if err != nil {
		return nil, fmt.Errorf("trial search: %w", err)
	}
	log.Printf("trial-match registry returned %d trials", len(trials))

	candidates := m.RankAndFilterTrials(ctx, trials, patient)
	surviving := make([]TrialRecord, 0, len(candidates))
	for _, c := range candidates {
		surviving = append(surviving, c.Trial)
	}

	return &MatchResult{
		Patient:    *patient,
		Candidates: candidates,
		Ranked:     m.RankTrials(surviving, patient),
		TotalFound: len(trials),
		Disclaimer: Disclaimer,
	}, nil
}

// heuristicRankAndFilter mirrors the LLM path's output contract using the
// rule filter's scores, for callers that construct the Matcher without a
// completion capability.
func (m *Matcher) heuristicRankAndFilter(ctx context.Context, trials []TrialRecord, patient *PatientProfile, coords *Coordinates) []ScoredCandidate {
	candidates := make([]ScoredCandidate, 0, len(trials))
	for _, trial := range trials {
		eligible := m.rules.IsEligible(&trial, patient)
		if !eligible {
			log.Printf("trial-match rule filter excluded trial %s", trial.NCTID)
			continue
		}
		eligScore := m.rules.EligibilityScore(&trial, patient)
		locScore := locationScore(ctx, &trial, coords, m.geocoder)
		candidates = append(candidates, ScoredCandidate{
			Trial:            trial,
			EligibilityScore: eligScore,
			LocationScore:    locScore,
			CombinedScore:    eligScore*eligibilityWeight + locScore*locationWeight,
			IsEligible:       true,
			Reasoning:        "Passed rule-based eligibility checks",
			KeyIssues:        []string{},
		})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CombinedScore > candidates[j].CombinedScore
	})
	return candidates
}

func (m *Matcher) patientCoords(ctx context.Context, patient *PatientProfile) *Coordinates {
	if patient.Location == nil {
		return nil
	}
	if patient.Location.Latitude != nil && patient.Location.Longitude != nil {
		return &Coordinates{Lat: *patient.Location.Latitude, Lon: *patient.Location.Longitude}
	}
	if m.geocoder == nil || patient.Location.City == "" || patient.Location.State == "" {
		return nil
	}
	coords, ok := m.geocoder.Geocode(ctx, patient.Location.City, patient.Location.State)
	if !ok {
		return nil
	}
	return &coords
}

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joelkehle/trial-matcher/internal/extract"
	"github.com/joelkehle/trial-matcher/internal/geocode"
	"github.com/joelkehle/trial-matcher/internal/registry"
	"github.com/joelkehle/trial-matcher/internal/trialmatch"
)

func main() {
	patientPath := flag.String("patient", "", "Path to patient profile JSON")
	transcriptPath := flag.String("transcript", "", "Path to medical transcript to extract the profile from")
	registryURL := flag.String("registry-url", registry.DefaultBaseURL, "ClinicalTrials.gov API base URL")
	maxResults := flag.Int("max-results", registry.DefaultMaxResults, "Maximum studies to fetch from the registry")
	batchSize := flag.Int("batch-size", trialmatch.DefaultBatchSize, "Trials per LLM eligibility batch")
	geocodeDB := flag.String("geocode-db", "geocode.db", "Path to the SQLite geocoding cache")
	noLLM := flag.Bool("no-llm", false, "Skip LLM analysis and use rule-based eligibility only")
	outputPath := flag.String("output", "", "Path to write the match result JSON (defaults to stdout)")
	flag.Parse()

	if (*patientPath == "") == (*transcriptPath == "") {
		log.Fatal("exactly one of -patient or -transcript is required")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var caller trialmatch.LLMCaller
	if !*noLLM {
		c, err := trialmatch.NewAnthropicCallerFromEnv()
		if err != nil {
			log.Fatal(err)
		}
		caller = c
	}

	patient, err := loadPatient(ctx, caller, *patientPath, *transcriptPath)
	if err != nil {
		log.Fatal(err)
	}

	cache, err := geocode.NewCached(*geocodeDB, geocode.NewNominatim(geocode.NominatimConfig{}))
	if err != nil {
		log.Fatalf("open geocode cache: %v", err)
	}
	defer cache.Close()

	source := registry.NewClient(registry.SearchConfig{BaseURL: *registryURL, MaxResults: *maxResults})
	defer source.Close()

	matcher := trialmatch.NewMatcher(trialmatch.MatcherConfig{
		Source:    source,
		Geocoder:  cache,
		LLM:       caller,
		BatchSize: *batchSize,
	})

	result, err := matcher.Match(ctx, patient)
	if err != nil {
		log.Fatalf("match: %v", err)
	}
	log.Printf("trial-match finished: %d eligible of %d found", len(result.Candidates), result.TotalFound)

	if err := writeJSON(*outputPath, result); err != nil {
		log.Fatalf("write result: %v", err)
	}
}

func loadPatient(ctx context.Context, caller trialmatch.LLMCaller, patientPath, transcriptPath string) (*trialmatch.PatientProfile, error) {
	if patientPath != "" {
		b, err := os.ReadFile(patientPath)
		if err != nil {
			return nil, fmt.Errorf("read patient profile: %w", err)
		}
		var patient trialmatch.PatientProfile
		if err := json.Unmarshal(b, &patient); err != nil {
			return nil, fmt.Errorf("decode patient profile: %w", err)
		}
		return &patient, nil
	}

	if caller == nil {
		return nil, fmt.Errorf("-transcript requires LLM extraction; provide -patient when running with -no-llm")
	}
	b, err := os.ReadFile(transcriptPath)
	if err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	res := extract.NewExtractor(caller).Extract(ctx, string(b))
	if !res.Success {
		return nil, fmt.Errorf("transcript extraction failed: %s", res.ErrorMessage)
	}
	return &res.Patient, nil
}

func writeJSON(path string, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	if path == "" {
		_, err = fmt.Println(string(b))
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

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
	"github.com/joelkehle/trial-matcher/internal/trialmatch"
)

func main() {
	inputPath := flag.String("input", "", "Path to the medical transcript")
	outputPath := flag.String("output", "", "Path to write extraction JSON (defaults to stdout)")
	flag.Parse()

	if *inputPath == "" {
		log.Fatal("missing required -input")
	}

	caller, err := trialmatch.NewAnthropicCallerFromEnv()
	if err != nil {
		log.Fatal(err)
	}

	transcript, err := os.ReadFile(*inputPath)
	if err != nil {
		log.Fatalf("read transcript: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	result := extract.NewExtractor(caller).Extract(ctx, string(transcript))
	if !result.Success {
		log.Printf("patient-extract degraded: %s", result.ErrorMessage)
	}

	b, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		log.Fatalf("encode result: %v", err)
	}
	if *outputPath == "" {
		fmt.Println(string(b))
		return
	}
	if err := os.WriteFile(*outputPath, b, 0o644); err != nil {
		log.Fatalf("write result: %v", err)
	}
}

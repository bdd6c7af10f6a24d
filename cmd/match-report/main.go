package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joelkehle/trial-matcher/internal/report"
	"github.com/joelkehle/trial-matcher/internal/trialmatch"
)

func main() {
	inputPath := flag.String("input", "", "Path to saved match result JSON")
	outputPath := flag.String("output", "", "Path to write report markdown (defaults to stdout)")
	pdfPath := flag.String("pdf", "", "Optional path to render a PDF handout")
	stylePath := flag.String("style", "", "Optional CSS file for the PDF")
	flag.Parse()

	if *inputPath == "" {
		log.Fatal("missing required -input")
	}

	in, err := os.ReadFile(*inputPath)
	if err != nil {
		log.Fatalf("read input: %v", err)
	}
	var result trialmatch.MatchResult
	if err := json.Unmarshal(in, &result); err != nil {
		log.Fatalf("decode match result: %v", err)
	}

	markdown := report.BuildMarkdown(&result)
	if err := writeMarkdown(*outputPath, markdown); err != nil {
		log.Fatalf("write markdown: %v", err)
	}

	if *pdfPath != "" {
		renderer := report.NewChromiumPDFRenderer(*stylePath)
		pdf, err := renderer.Render(context.Background(), markdown)
		if err != nil {
			log.Fatalf("render pdf: %v", err)
		}
		if err := os.WriteFile(*pdfPath, pdf, 0o644); err != nil {
			log.Fatalf("write pdf: %v", err)
		}
		log.Printf("match-report wrote %d byte pdf to %s", len(pdf), *pdfPath)
	}
}

func writeMarkdown(outputPath, markdown string) error {
	if outputPath == "" {
		_, err := fmt.Print(markdown)
		return err
	}
	return os.WriteFile(outputPath, []byte(markdown), 0o644)
}

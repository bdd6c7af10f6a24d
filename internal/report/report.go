// Package report renders match results as markdown and PDF handouts for
// care teams.
package report

import (
	"fmt"
	"strings"
	"time"

	"github.com/joelkehle/trial-matcher/internal/trialmatch"
)

const registryStudyURL = "https://clinicaltrials.gov/study/"

// BuildMarkdown renders a match result as a reviewer-facing report. The
// candidate table preserves the combined-score ordering the filter produced;
// the deep-dive sections follow the ranking engine's ordering.
func BuildMarkdown(result *trialmatch.MatchResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Clinical Trial Match Report\n\n")
	fmt.Fprintf(&b, "- Patient: %s\n", sanitize(patientSummary(&result.Patient)))
	fmt.Fprintf(&b, "- Date: %s\n", time.Now().Format(time.RFC3339))
	fmt.Fprintf(&b, "- Trials found: %d, eligible after filtering: %d\n\n", result.TotalFound, len(result.Candidates))
	fmt.Fprintf(&b, "%s\n\n", result.Disclaimer)

	fmt.Fprintf(&b, "## Eligible Trials\n\n")
	if len(result.Candidates) == 0 {
		fmt.Fprintf(&b, "No trials passed eligibility filtering. Consider broadening the search condition or location.\n\n")
	} else {
		fmt.Fprintf(&b, "| # | Trial | Phase | Status | Eligibility | Location | Combined |\n")
		fmt.Fprintf(&b, "|---|-------|-------|--------|-------------|----------|----------|\n")
		for i, c := range result.Candidates {
			fmt.Fprintf(&b, "| %d | [%s](%s%s) %s | %s | %s | %.2f | %.2f | %.2f |\n",
				i+1, c.Trial.NCTID, registryStudyURL, c.Trial.NCTID, sanitizeCell(c.Trial.Title),
				phaseLabel(c.Trial.Phase), c.Trial.Status,
				c.EligibilityScore, c.LocationScore, c.CombinedScore)
		}
		fmt.Fprintf(&b, "\n")
	}

	for i, c := range result.Candidates {
		fmt.Fprintf(&b, "### %d. %s\n\n", i+1, sanitize(c.Trial.Title))
		fmt.Fprintf(&b, "- Registry: [%s](%s%s)\n", c.Trial.NCTID, registryStudyURL, c.Trial.NCTID)
		fmt.Fprintf(&b, "- Status: `%s`, Phase: `%s`\n", c.Trial.Status, phaseLabel(c.Trial.Phase))
		if c.Trial.Sponsor != "" {
			fmt.Fprintf(&b, "- Sponsor: %s\n", sanitize(c.Trial.Sponsor))
		}
		if site := nearestSiteLabel(c.Trial.Locations); site != "" {
			fmt.Fprintf(&b, "- Sites: %s\n", sanitize(site))
		}
		if c.Trial.Contact != nil {
			fmt.Fprintf(&b, "- Contact: %s\n", sanitize(contactLabel(c.Trial.Contact)))
		}
		if c.Reasoning != "" {
			fmt.Fprintf(&b, "- Assessment: %s\n", sanitize(c.Reasoning))
		}
		for _, issue := range c.KeyIssues {
			fmt.Fprintf(&b, "- [!] %s\n", sanitize(issue))
		}
		if ranked := findRanked(result.Ranked, c.Trial.NCTID); ranked != nil {
			fmt.Fprintf(&b, "- Match score: %.2f (%s)\n", ranked.MatchScore, sanitize(ranked.Reasoning))
			f := ranked.MatchFactors
			fmt.Fprintf(&b, "  - condition %.2f, eligibility fit %.2f, proximity %.2f, phase %.2f, enrollment %.2f\n",
				f.ConditionMatch, f.EligibilityFit, f.GeographicProximity, f.PhaseAppropriateness, f.EnrollmentStatus)
		}
		if c.Trial.BriefSummary != "" {
			fmt.Fprintf(&b, "\n%s\n", sanitize(c.Trial.BriefSummary))
		}
		fmt.Fprintf(&b, "\n")
	}

	fmt.Fprintf(&b, "---\n\n")
	fmt.Fprintf(&b, "Eligibility shown here is preliminary. Trial sites confirm final eligibility against their full protocol.\n")
	return b.String()
}

func patientSummary(p *trialmatch.PatientProfile) string {
	parts := []string{}
	if p.Age != nil {
		parts = append(parts, fmt.Sprintf("%d years old", *p.Age))
	}
	if p.Gender != "" {
		parts = append(parts, strings.ToLower(string(p.Gender)))
	}
	if p.PrimaryDiagnosis != "" {
		parts = append(parts, p.PrimaryDiagnosis)
	}
	if p.CancerStage != "" {
		parts = append(parts, p.CancerStage)
	}
	if p.Location != nil && p.Location.City != "" {
		parts = append(parts, p.Location.City+", "+p.Location.State)
	}
	if len(parts) == 0 {
		return "profile pending"
	}
	return strings.Join(parts, ", ")
}

func phaseLabel(p trialmatch.TrialPhase) string {
	if p == "" {
		return "N/A"
	}
	return string(p)
}

func nearestSiteLabel(locations []trialmatch.TrialLocation) string {
	names := []string{}
	for _, loc := range locations {
		label := loc.City
		if loc.State != "" {
			label += ", " + loc.State
		}
		if loc.Facility != "" {
			label = loc.Facility + " (" + label + ")"
		}
		if label == "" {
			continue
		}
		names = append(names, label)
		if len(names) == 3 {
			break
		}
	}
	out := strings.Join(names, "; ")
	if len(locations) > 3 {
		out += fmt.Sprintf("; and %d more", len(locations)-3)
	}
	return out
}

func contactLabel(c *trialmatch.ContactInfo) string {
	parts := []string{}
	for _, p := range []string{c.Name, c.Phone, c.Email} {
		if strings.TrimSpace(p) != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, ", ")
}

func findRanked(ranked []trialmatch.RankedTrial, nctID string) *trialmatch.RankedTrial {
	for i := range ranked {
		if ranked[i].Trial.NCTID == nctID {
			return &ranked[i]
		}
	}
	return nil
}

func sanitize(s string) string {
	return strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
}

func sanitizeCell(s string) string {
	s = sanitize(s)
	return strings.ReplaceAll(s, "|", "\\|")
}

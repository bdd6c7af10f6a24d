package registry

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/joelkehle/trial-matcher/internal/trialmatch"
)

// studyJSON mirrors the slice of the registry's v2 study document that the
// matching core consumes.
type studyJSON struct {
	ProtocolSection struct {
		IdentificationModule struct {
			NCTID      string `json:"nctId"`
			BriefTitle string `json:"briefTitle"`
		} `json:"identificationModule"`
		StatusModule struct {
			OverallStatus string `json:"overallStatus"`
		} `json:"statusModule"`
		DesignModule struct {
			Phases    []string `json:"phases"`
			StudyType string   `json:"studyType"`
		} `json:"designModule"`
		DescriptionModule struct {
			BriefSummary        string `json:"briefSummary"`
			DetailedDescription string `json:"detailedDescription"`
		} `json:"descriptionModule"`
		EligibilityModule struct {
			EligibilityCriteria string          `json:"eligibilityCriteria"`
			MinimumAge          string          `json:"minimumAge"`
			MaximumAge          string          `json:"maximumAge"`
			Sex                 string          `json:"sex"`
			Gender              string          `json:"gender"`
			HealthyVolunteers   json.RawMessage `json:"healthyVolunteers"`
		} `json:"eligibilityModule"`
		ContactsLocationsModule struct {
			CentralContacts []struct {
				Name  string `json:"name"`
				Phone string `json:"phone"`
				Email string `json:"email"`
			} `json:"centralContacts"`
			Locations []struct {
				Facility string `json:"facility"`
				City     string `json:"city"`
				State    string `json:"state"`
				Country  string `json:"country"`
				GeoPoint *struct {
					Lat float64 `json:"lat"`
					Lon float64 `json:"lon"`
				} `json:"geoPoint"`
			} `json:"locations"`
		} `json:"contactsLocationsModule"`
		OutcomesModule struct {
			PrimaryOutcomes []struct {
				Measure string `json:"measure"`
			} `json:"primaryOutcomes"`
			SecondaryOutcomes []struct {
				Measure string `json:"measure"`
			} `json:"secondaryOutcomes"`
		} `json:"outcomesModule"`
		SponsorCollaboratorsModule struct {
			LeadSponsor struct {
				Name string `json:"name"`
			} `json:"leadSponsor"`
		} `json:"sponsorCollaboratorsModule"`
	} `json:"protocolSection"`
}

var knownStatuses = map[string]trialmatch.TrialStatus{
	"RECRUITING":              trialmatch.StatusRecruiting,
	"NOT_YET_RECRUITING":      trialmatch.StatusNotYetRecruiting,
	"ENROLLING_BY_INVITATION": trialmatch.StatusEnrollingByInvitation,
	"ACTIVE_NOT_RECRUITING":   trialmatch.StatusActiveNotRecruiting,
	"COMPLETED":               trialmatch.StatusCompleted,
	"SUSPENDED":               trialmatch.StatusSuspended,
	"TERMINATED":              trialmatch.StatusTerminated,
	"WITHDRAWN":               trialmatch.StatusWithdrawn,
}

var knownPhases = map[string]trialmatch.TrialPhase{
	"EARLY_PHASE_1": trialmatch.PhaseEarly1,
	"PHASE_1":       trialmatch.Phase1,
	"PHASE_2":       trialmatch.Phase2,
	"PHASE_3":       trialmatch.Phase3,
	"PHASE_4":       trialmatch.Phase4,
	"NA":            trialmatch.PhaseNotApplicable,
}

// convertStudy maps a registry study onto a TrialRecord. Studies without an
// NCT id are unusable and reported as ok=false.
func convertStudy(study studyJSON) (trialmatch.TrialRecord, bool) {
	ps := study.ProtocolSection
	if strings.TrimSpace(ps.IdentificationModule.NCTID) == "" {
		return trialmatch.TrialRecord{}, false
	}

	status, ok := knownStatuses[ps.StatusModule.OverallStatus]
	if !ok {
		// The joinable-status filter was already applied server side, so an
		// unrecognized value is a registry vocabulary drift, not a closed
		// trial.
		status = trialmatch.StatusRecruiting
	}

	var phase trialmatch.TrialPhase
	if len(ps.DesignModule.Phases) > 0 {
		phase, ok = knownPhases[ps.DesignModule.Phases[0]]
		if !ok {
			phase = trialmatch.PhaseNotApplicable
		}
	}

	trial := trialmatch.TrialRecord{
		NCTID:               ps.IdentificationModule.NCTID,
		Title:               ps.IdentificationModule.BriefTitle,
		Status:              status,
		Phase:               phase,
		BriefSummary:        ps.DescriptionModule.BriefSummary,
		DetailedDescription: ps.DescriptionModule.DetailedDescription,
		Eligibility:         convertEligibility(study),
		StudyType:           ps.DesignModule.StudyType,
		Sponsor:             ps.SponsorCollaboratorsModule.LeadSponsor.Name,
	}

	for _, loc := range ps.ContactsLocationsModule.Locations {
		tl := trialmatch.TrialLocation{
			City:     loc.City,
			State:    loc.State,
			Country:  loc.Country,
			Facility: loc.Facility,
		}
		if loc.GeoPoint != nil {
			lat, lon := loc.GeoPoint.Lat, loc.GeoPoint.Lon
			tl.Latitude = &lat
			tl.Longitude = &lon
		}
		trial.Locations = append(trial.Locations, tl)
	}

	if contacts := ps.ContactsLocationsModule.CentralContacts; len(contacts) > 0 {
		trial.Contact = &trialmatch.ContactInfo{
			Name:  contacts[0].Name,
			Phone: contacts[0].Phone,
			Email: contacts[0].Email,
		}
	}

	if outcomes := ps.OutcomesModule.PrimaryOutcomes; len(outcomes) > 0 {
		trial.PrimaryOutcome = outcomes[0].Measure
	}
	for _, outcome := range ps.OutcomesModule.SecondaryOutcomes {
		trial.SecondaryOutcomes = append(trial.SecondaryOutcomes, outcome.Measure)
	}

	return trial, true
}

func convertEligibility(study studyJSON) *trialmatch.EligibilityCriteria {
	em := study.ProtocolSection.EligibilityModule
	crit := &trialmatch.EligibilityCriteria{}

	if v, ok := parseAgeYears(em.MinimumAge); ok {
		crit.AgeMin = &v
	}
	if v, ok := parseAgeYears(em.MaximumAge); ok {
		crit.AgeMax = &v
	}

	// The v2 API renamed gender to sex; accept either spelling.
	gender := em.Sex
	if gender == "" {
		gender = em.Gender
	}
	if gender == "" {
		gender = "ALL"
	}
	crit.Gender = gender

	hv := parseHealthyVolunteers(em.HealthyVolunteers)
	crit.HealthyVolunteers = &hv

	crit.InclusionCriteria, crit.ExclusionCriteria = splitCriteriaText(em.EligibilityCriteria)
	return crit
}

// parseAgeYears parses registry age strings like "18 Years". Month and week
// granularities round down to zero years, which the age filter treats the
// same as unbounded for adult patients.
func parseAgeYears(s string) (int, bool) {
	s = strings.TrimSpace(s)
	if s == "" || strings.EqualFold(s, "N/A") {
		return 0, false
	}
	fields := strings.Fields(s)
	if len(fields) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, false
	}
	if len(fields) > 1 && !strings.HasPrefix(strings.ToLower(fields[1]), "year") {
		return 0, true
	}
	return n, true
}

// parseHealthyVolunteers handles both the boolean and the legacy "Yes"/"No"
// string encodings the registry has used.
func parseHealthyVolunteers(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.EqualFold(strings.TrimSpace(s), "yes")
	}
	return false
}

// splitCriteriaText parses the registry's free-text eligibility block into
// inclusion and exclusion bullet lists.
func splitCriteriaText(text string) (inclusion, exclusion []string) {
	if strings.TrimSpace(text) == "" {
		return nil, nil
	}
	sections := strings.SplitN(text, "Exclusion Criteria:", 2)
	if len(sections) < 2 {
		return criteriaLines(strings.TrimPrefix(text, "Inclusion Criteria:")), nil
	}
	inclusion = criteriaLines(strings.ReplaceAll(sections[0], "Inclusion Criteria:", ""))
	exclusion = criteriaLines(sections[1])
	return inclusion, exclusion
}

func criteriaLines(text string) []string {
	var out []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(strings.TrimLeft(strings.TrimSpace(line), "*-• \t"))
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}

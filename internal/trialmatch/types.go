package trialmatch

const Disclaimer = "This is an automated trial-matching aid, not medical advice. " +
	"Eligibility determinations are preliminary and must be confirmed with the " +
	"trial site and the patient's care team."

const (
	DefaultBatchSize = 8
	// Earth radius in miles, matching the registry's distance conventions.
	earthRadiusMiles = 3956
)

type Gender string

const (
	GenderMale   Gender = "MALE"
	GenderFemale Gender = "FEMALE"
	GenderAll    Gender = "ALL"
)

type MenopausalStatus string

const (
	MenopausalPre     MenopausalStatus = "PREMENOPAUSAL"
	MenopausalPost    MenopausalStatus = "POSTMENOPAUSAL"
	MenopausalPeri    MenopausalStatus = "PERIMENOPAUSAL"
	MenopausalUnknown MenopausalStatus = "UNKNOWN"
)

type TrialStatus string

const (
	StatusRecruiting            TrialStatus = "RECRUITING"
	StatusNotYetRecruiting      TrialStatus = "NOT_YET_RECRUITING"
	StatusEnrollingByInvitation TrialStatus = "ENROLLING_BY_INVITATION"
	StatusActiveNotRecruiting   TrialStatus = "ACTIVE_NOT_RECRUITING"
	StatusCompleted             TrialStatus = "COMPLETED"
	StatusSuspended             TrialStatus = "SUSPENDED"
	StatusTerminated            TrialStatus = "TERMINATED"
	StatusWithdrawn             TrialStatus = "WITHDRAWN"
)

type TrialPhase string

const (
	PhaseEarly1        TrialPhase = "EARLY_PHASE_1"
	Phase1             TrialPhase = "PHASE_1"
	Phase2             TrialPhase = "PHASE_2"
	Phase3             TrialPhase = "PHASE_3"
	Phase4             TrialPhase = "PHASE_4"
	PhaseNotApplicable TrialPhase = "NOT_APPLICABLE"
)

type Location struct {
	City      string   `json:"city,omitempty"`
	State     string   `json:"state,omitempty"`
	ZipCode   string   `json:"zip_code,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

// PatientProfile is the structured record produced by transcript extraction.
// The matching core only reads it.
type PatientProfile struct {
	Age              *int              `json:"age,omitempty"`
	Gender           Gender            `json:"gender,omitempty"`
	MenopausalStatus MenopausalStatus  `json:"menopausal_status,omitempty"`
	PrimaryDiagnosis string            `json:"primary_diagnosis,omitempty"`
	Conditions       []string          `json:"conditions,omitempty"`
	Comorbidities    []string          `json:"comorbidities,omitempty"`
	CancerStage      string            `json:"cancer_stage,omitempty"`
	TumorMarkers     map[string]string `json:"tumor_markers,omitempty"`
	TumorSize        string            `json:"tumor_size,omitempty"`
	Medications      []string          `json:"medications,omitempty"`
	Allergies        []string          `json:"allergies,omitempty"`
	PrevTreatments   []string          `json:"previous_treatments,omitempty"`
	Location         *Location         `json:"location,omitempty"`
}

// InferredMenopausalStatus returns the explicit status when one is known,
// otherwise infers from age and gender: <45 pre, 45-54 peri, >=55 post.
func (p *PatientProfile) InferredMenopausalStatus() MenopausalStatus {
	if p.MenopausalStatus != "" && p.MenopausalStatus != MenopausalUnknown {
		return p.MenopausalStatus
	}
	if p.Gender == GenderMale {
		return MenopausalUnknown
	}
	if p.Age == nil {
		return MenopausalUnknown
	}
	switch {
	case *p.Age < 45:
		return MenopausalPre
	case *p.Age >= 55:
		return MenopausalPost
	default:
		return MenopausalPeri
	}
}

type TrialLocation struct {
	City      string   `json:"city,omitempty"`
	State     string   `json:"state,omitempty"`
	Country   string   `json:"country,omitempty"`
	Facility  string   `json:"facility,omitempty"`
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
}

type ContactInfo struct {
	Name  string `json:"name,omitempty"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

type EligibilityCriteria struct {
	AgeMin            *int     `json:"age_min,omitempty"`
	AgeMax            *int     `json:"age_max,omitempty"`
	Gender            string   `json:"gender,omitempty"`
	HealthyVolunteers *bool    `json:"healthy_volunteers,omitempty"`
	InclusionCriteria []string `json:"inclusion_criteria,omitempty"`
	ExclusionCriteria []string `json:"exclusion_criteria,omitempty"`
}

// TrialRecord is a registry study as consumed by the matching core.
// Read-only once built by the registry client.
type TrialRecord struct {
	NCTID               string               `json:"nct_id"`
	Title               string               `json:"title"`
	Status              TrialStatus          `json:"status"`
	Phase               TrialPhase           `json:"phase,omitempty"`
	BriefSummary        string               `json:"brief_summary,omitempty"`
	DetailedDescription string               `json:"detailed_description,omitempty"`
	Locations           []TrialLocation      `json:"locations,omitempty"`
	Contact             *ContactInfo         `json:"contact_info,omitempty"`
	Eligibility         *EligibilityCriteria `json:"eligibility_criteria,omitempty"`
	StudyType           string               `json:"study_type,omitempty"`
	PrimaryOutcome      string               `json:"primary_outcome,omitempty"`
	SecondaryOutcomes   []string             `json:"secondary_outcomes,omitempty"`
	Sponsor             string               `json:"sponsor,omitempty"`
}

// MatchFactors holds the five independent ranking signals, each in [0,1].
type MatchFactors struct {
	ConditionMatch       float64 `json:"condition_match"`
	EligibilityFit       float64 `json:"eligibility_fit"`
	GeographicProximity  float64 `json:"geographic_proximity"`
	PhaseAppropriateness float64 `json:"phase_appropriateness"`
	EnrollmentStatus     float64 `json:"enrollment_status"`
}

type RankedTrial struct {
	Trial        TrialRecord  `json:"trial"`
	MatchScore   float64      `json:"match_score"`
	MatchFactors MatchFactors `json:"match_factors"`
	Reasoning    string       `json:"reasoning,omitempty"`
}

// Verdict is one per-trial eligibility judgment parsed from a batch
// analysis response.
type Verdict struct {
	IsEligible       bool     `json:"is_eligible"`
	EligibilityScore float64  `json:"eligibility_score"`
	Reasoning        string   `json:"reasoning"`
	KeyIssues        []string `json:"key_issues"`
}

// ScoredCandidate is the intermediate filtering output: eligibility score
// blended with geocoded proximity before the ranking engine runs.
type ScoredCandidate struct {
	Trial            TrialRecord `json:"trial"`
	EligibilityScore float64     `json:"eligibility_score"`
	LocationScore    float64     `json:"location_score"`
	CombinedScore    float64     `json:"combined_score"`
	IsEligible       bool        `json:"is_eligible"`
	Reasoning        string      `json:"reasoning,omitempty"`
	KeyIssues        []string    `json:"key_issues,omitempty"`
}

// Coordinates is a resolved latitude/longitude pair.
type Coordinates struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// MatchResult is the serializable output of a full matching pass.
type MatchResult struct {
	Patient    PatientProfile    `json:"patient"`
	Candidates []ScoredCandidate `json:"candidates"`
	Ranked     []RankedTrial     `json:"ranked"`
	TotalFound int               `json:"total_found"`
	Disclaimer string            `json:"disclaimer"`
}

// Package registry is the ClinicalTrials.gov v2 API client. It maps registry
// studies into the matching core's trial records and applies the
// registry-side filters a patient search needs: enrollment status, gender,
// and healthy-volunteer exclusion.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/joelkehle/trial-matcher/internal/trialmatch"
)

const (
	DefaultBaseURL            = "https://clinicaltrials.gov/api/v2"
	DefaultMaxResults         = 25
	DefaultRateLimitPerMinute = 50

	userAgent = "trial-matcher/1.0"
)

// searchFields is the projection requested from the registry. Everything the
// filter and ranking stages read must be listed here.
var searchFields = []string{
	"NCTId", "BriefTitle", "DetailedDescription", "OverallStatus",
	"Phase", "StudyType", "BriefSummary", "Condition", "InterventionName",
	"PrimaryOutcomeMeasure", "SecondaryOutcomeMeasure", "EnrollmentCount",
	"StudyFirstPostDate", "LastUpdatePostDate", "CompletionDate",
	"LocationFacility", "LocationCity", "LocationState", "LocationCountry",
	"LocationGeoPoint", "CentralContactName", "CentralContactPhone",
	"CentralContactEMail", "LeadSponsorName", "CollaboratorName",
	"EligibilityCriteria", "MinimumAge", "MaximumAge", "Gender",
	"HealthyVolunteers",
}

// Only statuses a patient can actually join.
const joinableStatuses = "RECRUITING,NOT_YET_RECRUITING,ENROLLING_BY_INVITATION"

type SearchConfig struct {
	BaseURL            string
	MaxResults         int
	RateLimitPerMinute int
	HTTPClient         *http.Client
}

type Client struct {
	cfg     SearchConfig
	limiter *time.Ticker
}

func NewClient(cfg SearchConfig) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.MaxResults <= 0 {
		cfg.MaxResults = DefaultMaxResults
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = DefaultRateLimitPerMinute
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	interval := time.Minute / time.Duration(cfg.RateLimitPerMinute)
	return &Client{cfg: cfg, limiter: time.NewTicker(interval)}
}

// Close stops the rate-limit ticker. The client must not be used after.
func (c *Client) Close() {
	c.limiter.Stop()
}

type studiesResponse struct {
	Studies       []studyJSON `json:"studies"`
	NextPageToken string      `json:"nextPageToken"`
}

// SearchTrials queries the registry for studies matching the patient's
// condition and demographic profile. A registry outage surfaces as an error;
// individual malformed studies are skipped with a log line.
func (c *Client) SearchTrials(ctx context.Context, patient *trialmatch.PatientProfile) ([]trialmatch.TrialRecord, error) {
	params := c.buildSearchParams(patient)
	if err := c.waitRateLimit(ctx); err != nil {
		return nil, err
	}

	body, attempts, err := c.executeWithRetry(ctx, c.cfg.BaseURL+"/studies", params)
	if err != nil {
		return nil, fmt.Errorf("registry search after %d attempts: %w", attempts, err)
	}

	var parsed studiesResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("registry search response: %w", err)
	}

	trials := make([]trialmatch.TrialRecord, 0, len(parsed.Studies))
	for _, study := range parsed.Studies {
		trial, ok := convertStudy(study)
		if !ok {
			log.Printf("registry skipping study without nct id")
			continue
		}
		trials = append(trials, trial)
	}
	log.Printf("registry search returned %d studies, converted %d", len(parsed.Studies), len(trials))
	return trials, nil
}

// GetTrial fetches the full record for one study.
func (c *Client) GetTrial(ctx context.Context, nctID string) (*trialmatch.TrialRecord, error) {
	nctID = strings.TrimSpace(nctID)
	if nctID == "" {
		return nil, errors.New("nct id required")
	}
	if err := c.waitRateLimit(ctx); err != nil {
		return nil, err
	}

	params := url.Values{"format": {"json"}}
	body, attempts, err := c.executeWithRetry(ctx, c.cfg.BaseURL+"/studies/"+url.PathEscape(nctID), params)
	if err != nil {
		return nil, fmt.Errorf("registry lookup %s after %d attempts: %w", nctID, attempts, err)
	}

	var study studyJSON
	if err := json.Unmarshal(body, &study); err != nil {
		return nil, fmt.Errorf("registry study response: %w", err)
	}
	trial, ok := convertStudy(study)
	if !ok {
		return nil, fmt.Errorf("registry study %s missing identification", nctID)
	}
	return &trial, nil
}

func (c *Client) buildSearchParams(patient *trialmatch.PatientProfile) url.Values {
	params := url.Values{}
	params.Set("format", "json")
	params.Set("pageSize", strconv.Itoa(c.cfg.MaxResults))
	params.Set("fields", strings.Join(searchFields, ","))
	params.Set("filter.overallStatus", joinableStatuses)
	params.Set("sort", "@relevance")

	if cond := conditionQuery(patient); cond != "" {
		params.Set("query.cond", cond)
	}

	advanced := []string{}
	if patient.Gender == trialmatch.GenderMale || patient.Gender == trialmatch.GenderFemale {
		advanced = append(advanced, fmt.Sprintf("(AREA[Gender]%s OR AREA[Gender]ALL)", patient.Gender))
	}
	// Patients with a diagnosis should not be routed to healthy-volunteer
	// studies.
	if patient.PrimaryDiagnosis != "" || len(patient.Conditions) > 0 {
		advanced = append(advanced, "AREA[HealthyVolunteers]No")
	}
	if len(advanced) > 0 {
		params.Set("filter.advanced", strings.Join(advanced, " AND "))
	}
	return params
}

// conditionQuery builds the free-text condition search term. The primary
// diagnosis wins; secondary conditions fill in when no diagnosis was
// extracted.
func conditionQuery(patient *trialmatch.PatientProfile) string {
	if d := strings.TrimSpace(patient.PrimaryDiagnosis); d != "" {
		return d
	}
	for _, cond := range patient.Conditions {
		if c := strings.TrimSpace(cond); c != "" {
			return c
		}
	}
	return ""
}

func (c *Client) waitRateLimit(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.limiter.C:
		return nil
	}
}

func (c *Client) executeWithRetry(ctx context.Context, endpoint string, params url.Values) ([]byte, int, error) {
	var lastErr error
	attempts := 0
	for attempt := 1; attempt <= 4; attempt++ {
		attempts++
		body, code, retryAfter, err := c.executeOnce(ctx, endpoint, params)
		if err == nil {
			return body, attempts, nil
		}
		lastErr = err

		if code == http.StatusTooManyRequests {
			if attempt == 4 {
				break
			}
			sleep := retryAfter
			if sleep <= 0 {
				sleep = backoffDelay(attempt)
			}
			if err := sleepCtx(ctx, sleep); err != nil {
				return nil, attempts, err
			}
			continue
		}
		if code >= 500 || isTimeoutError(err) {
			if attempt == 4 {
				break
			}
			if err := sleepCtx(ctx, backoffDelay(attempt)); err != nil {
				return nil, attempts, err
			}
			continue
		}
		return nil, attempts, err
	}
	return nil, attempts, lastErr
}

func (c *Client) executeOnce(ctx context.Context, endpoint string, params url.Values) ([]byte, int, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+params.Encode(), nil)
	if err != nil {
		return nil, 0, 0, err
	}
	req.Header.Set("User-Agent", userAgent)

	res, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, 0, err
	}
	defer res.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(res.Body, 8<<20))

	retryAfter := parseRetryAfter(res.Header.Get("Retry-After"))
	if res.StatusCode >= 400 {
		return nil, res.StatusCode, retryAfter, fmt.Errorf("status code: %d", res.StatusCode)
	}
	return b, res.StatusCode, retryAfter, nil
}

func parseRetryAfter(v string) time.Duration {
	if strings.TrimSpace(v) == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err == nil {
		return time.Duration(secs) * time.Second
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDelay(attempt int) time.Duration {
	if attempt <= 1 {
		return 1 * time.Second
	}
	return 2 * time.Second
}

func isTimeoutError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

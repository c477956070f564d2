package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/szb37/psynudge/internal/models"
)

const defaultFeedTimeout = 30 * time.Second

// Opts holds configuration options for the HTTP feed clients.
type Opts struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// Option defines a configuration option for the HTTP feed clients.
type Option func(*Opts)

// WithBaseURL sets the upstream base URL.
func WithBaseURL(u string) Option {
	return func(o *Opts) { o.BaseURL = u }
}

// WithAPIKey sets the upstream API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithHTTPClient injects an HTTP client, for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *Opts) { o.HTTPClient = c }
}

func buildOpts(opts []Option) (Opts, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		return Opts{}, fmt.Errorf("base URL must be provided")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultFeedTimeout}
	}
	return cfg, nil
}

func getJSON(ctx context.Context, cfg Opts, endpoint string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("feed: build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.APIKey)
	}

	resp, err := cfg.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("feed: fetch %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("feed: %s returned status %d: %s", endpoint, resp.StatusCode, detail)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("feed: decode %s: %w", endpoint, err)
	}
	return nil
}

// HTTPEnrollmentSource pulls enrollment feeds from the enrollment platform.
type HTTPEnrollmentSource struct {
	cfg Opts
}

// NewHTTPEnrollmentSource returns an enrollment platform client.
func NewHTTPEnrollmentSource(opts ...Option) (*HTTPEnrollmentSource, error) {
	cfg, err := buildOpts(opts)
	if err != nil {
		return nil, err
	}
	return &HTTPEnrollmentSource{cfg: cfg}, nil
}

// FetchEnrollments gets the study's full enrollment list.
func (s *HTTPEnrollmentSource) FetchEnrollments(ctx context.Context, study models.Study) ([]models.EnrollmentRecord, error) {
	endpoint := fmt.Sprintf("%s/studies/%s/enrollments", s.cfg.BaseURL, url.PathEscape(study.ID))
	var records []models.EnrollmentRecord
	if err := getJSON(ctx, s.cfg, endpoint, &records); err != nil {
		return nil, err
	}
	return records, nil
}

// HTTPResponseSource pulls raw responses from the survey platform.
type HTTPResponseSource struct {
	cfg Opts
}

// NewHTTPResponseSource returns a survey platform client.
func NewHTTPResponseSource(opts ...Option) (*HTTPResponseSource, error) {
	cfg, err := buildOpts(opts)
	if err != nil {
		return nil, err
	}
	return &HTTPResponseSource{cfg: cfg}, nil
}

// FetchResponses gets the timepoint survey's responses submitted strictly
// after since. The upstream filter is advisory; the cutoff is re-applied
// locally.
func (s *HTTPResponseSource) FetchResponses(ctx context.Context, study models.Study, tp models.Timepoint, since time.Time) ([]models.SurveyResponse, error) {
	endpoint := fmt.Sprintf("%s/v2/surveys/%s/responses?submitted_after=%s",
		s.cfg.BaseURL, url.PathEscape(tp.SurveyID), url.QueryEscape(since.Format(time.RFC3339)))
	var responses []models.SurveyResponse
	if err := getJSON(ctx, s.cfg, endpoint, &responses); err != nil {
		return nil, err
	}
	return FilterSubmittedAfter(study.ID, responses, since), nil
}

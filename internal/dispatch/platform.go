package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/szb37/psynudge/internal/models"
)

const defaultPlatformTimeout = 30 * time.Second

// PlatformOpts holds configuration options for the platform dispatcher.
type PlatformOpts struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// PlatformOption defines a configuration option for the platform dispatcher.
type PlatformOption func(*PlatformOpts)

// WithBaseURL sets the survey platform base URL.
func WithBaseURL(u string) PlatformOption {
	return func(o *PlatformOpts) { o.BaseURL = u }
}

// WithAPIKey sets the survey platform API key.
func WithAPIKey(key string) PlatformOption {
	return func(o *PlatformOpts) { o.APIKey = key }
}

// WithHTTPClient injects an HTTP client, for tests.
func WithHTTPClient(c *http.Client) PlatformOption {
	return func(o *PlatformOpts) { o.HTTPClient = c }
}

// PlatformDispatcher sends nudge batches through the survey platform's
// timepoint send endpoint.
type PlatformDispatcher struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

// NewPlatformDispatcher returns a dispatcher for the survey platform API.
func NewPlatformDispatcher(opts ...PlatformOption) (*PlatformDispatcher, error) {
	var cfg PlatformOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("platform base URL must be provided")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: defaultPlatformTimeout}
	}
	return &PlatformDispatcher{
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  cfg.HTTPClient,
	}, nil
}

type sendRequest struct {
	ParticipantIDs []string `json:"participant_ids"`
}

// Dispatch posts the batch's participant list to the timepoint send endpoint.
func (d *PlatformDispatcher) Dispatch(ctx context.Context, batch models.NudgeBatch) error {
	endpoint := fmt.Sprintf("%s/v2/studies/%s/timepoints/%s/send",
		d.baseURL, url.PathEscape(batch.StudyID), url.PathEscape(batch.TimepointID))

	body, err := json.Marshal(sendRequest{ParticipantIDs: batch.ParticipantIDs})
	if err != nil {
		return fmt.Errorf("dispatch: encode send request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("dispatch: build send request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if d.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.apiKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("dispatch: send to platform: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		slog.Error("dispatch: platform rejected batch",
			"study", batch.StudyID, "timepoint", batch.TimepointID,
			"status", resp.StatusCode, "body", string(detail))
		return fmt.Errorf("dispatch: platform returned status %d", resp.StatusCode)
	}

	slog.Info("dispatch: batch sent via platform",
		"study", batch.StudyID, "timepoint", batch.TimepointID,
		"participants", len(batch.ParticipantIDs))
	return nil
}

// Package provider implements the HTTP client for the external scraping provider.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/gigradar/scrape-orchestrator/internal/metrics"
	"github.com/gigradar/scrape-orchestrator/internal/scrape"
)

// Config controls the provider client.
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to the provider's job-creation and status-lookup endpoints.
// Every call is bounded by the configured timeout; no lock is ever held
// while a request is in flight.
type Client struct {
	httpClient *http.Client
	cfg        Config
	logger     *zap.Logger
}

// New constructs a Client.
func New(cfg Config, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		cfg:        cfg,
		logger:     logger,
	}
}

type submitRequest struct {
	Market      string   `json:"market"`
	SearchTerms []string `json:"search_terms"`
	Limit       int      `json:"limit,omitempty"`
}

type submitResponse struct {
	RequestID string `json:"request_id"`
	Error     string `json:"error,omitempty"`
}

type statusResponse struct {
	Status          string `json:"status"`
	ResultCount     int    `json:"result_count"`
	QualityCount    int    `json:"quality_count"`
	ResultsLocation string `json:"results_location,omitempty"`
	ResultURL       string `json:"result_url,omitempty"`
	DownloadURL     string `json:"download_url,omitempty"`
	Error           string `json:"error,omitempty"`
}

// SubmitJob dispatches a scrape request and returns the provider's request id.
// A business rejection wraps scrape.ErrProviderRejected; a network or 5xx
// failure wraps scrape.ErrProviderUnreachable.
func (c *Client) SubmitJob(ctx context.Context, payload scrape.Payload) (string, error) {
	body, err := json.Marshal(submitRequest{
		Market:      payload.Market,
		SearchTerms: payload.SearchTerms,
		Limit:       payload.Limit,
	})
	if err != nil {
		return "", fmt.Errorf("marshal submit request: %w", err)
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/scrapes", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build submit request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ObserveProviderRequest("submit", "unreachable", time.Since(start))
		return "", fmt.Errorf("submit scrape: %w: %w", scrape.ErrProviderUnreachable, err)
	}
	defer closeBody(resp.Body, c.logger)

	var parsed submitResponse
	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if readErr == nil && len(raw) > 0 {
		// Error bodies are best-effort JSON; keep the raw text when they are not.
		_ = json.Unmarshal(raw, &parsed)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if parsed.RequestID == "" {
			metrics.ObserveProviderRequest("submit", "unreachable", time.Since(start))
			return "", fmt.Errorf("submit scrape: %w: response missing request_id", scrape.ErrProviderUnreachable)
		}
		metrics.ObserveProviderRequest("submit", "ok", time.Since(start))
		return parsed.RequestID, nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		metrics.ObserveProviderRequest("submit", "rejected", time.Since(start))
		return "", fmt.Errorf("submit scrape: %w: %s", scrape.ErrProviderRejected, errorDetail(parsed.Error, raw, resp.StatusCode))
	default:
		metrics.ObserveProviderRequest("submit", "unreachable", time.Since(start))
		return "", fmt.Errorf("submit scrape: %w: status %d", scrape.ErrProviderUnreachable, resp.StatusCode)
	}
}

// JobStatus queries the provider for the current state of a request.
func (c *Client) JobStatus(ctx context.Context, requestID string) (scrape.ProviderStatus, error) {
	if requestID == "" {
		return scrape.ProviderStatus{}, fmt.Errorf("request id is required")
	}

	start := time.Now()
	url := fmt.Sprintf("%s/v1/scrapes/%s", c.cfg.BaseURL, requestID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return scrape.ProviderStatus{}, fmt.Errorf("build status request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.ObserveProviderRequest("status", "unreachable", time.Since(start))
		return scrape.ProviderStatus{}, fmt.Errorf("query scrape status: %w: %w", scrape.ErrProviderUnreachable, err)
	}
	defer closeBody(resp.Body, c.logger)

	switch {
	case resp.StatusCode == http.StatusNotFound:
		metrics.ObserveProviderRequest("status", "not_found", time.Since(start))
		return scrape.ProviderStatus{}, fmt.Errorf("query scrape status %q: %w", requestID, scrape.ErrUnknownJob)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		metrics.ObserveProviderRequest("status", "unreachable", time.Since(start))
		return scrape.ProviderStatus{}, fmt.Errorf("query scrape status: %w: status %d", scrape.ErrProviderUnreachable, resp.StatusCode)
	}

	var parsed statusResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&parsed); err != nil {
		metrics.ObserveProviderRequest("status", "unreachable", time.Since(start))
		return scrape.ProviderStatus{}, fmt.Errorf("query scrape status: %w: decode response: %w", scrape.ErrProviderUnreachable, err)
	}

	state, err := mapState(parsed.Status)
	if err != nil {
		metrics.ObserveProviderRequest("status", "unreachable", time.Since(start))
		return scrape.ProviderStatus{}, fmt.Errorf("query scrape status: %w", err)
	}
	metrics.ObserveProviderRequest("status", "ok", time.Since(start))
	return scrape.ProviderStatus{
		State:           state,
		ResultCount:     parsed.ResultCount,
		QualityCount:    parsed.QualityCount,
		ResultsLocation: scrape.PreferredLocation(parsed.ResultsLocation, parsed.ResultURL, parsed.DownloadURL),
		ErrorMessage:    parsed.Error,
	}, nil
}

func mapState(s string) (scrape.ProviderState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "in_progress", "running", "pending", "processing":
		return scrape.ProviderStateInProgress, nil
	case "success", "succeeded", "completed":
		return scrape.ProviderStateSuccess, nil
	case "failure", "failed", "error":
		return scrape.ProviderStateFailure, nil
	default:
		return "", fmt.Errorf("unrecognized provider status %q", s)
	}
}

func errorDetail(parsed string, raw []byte, statusCode int) string {
	if parsed != "" {
		return parsed
	}
	if len(raw) > 0 {
		return string(raw)
	}
	return fmt.Sprintf("status %d", statusCode)
}

func closeBody(body io.ReadCloser, logger *zap.Logger) {
	if err := body.Close(); err != nil {
		logger.Warn("close response body", zap.Error(err))
	}
}

package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/eternisai/seo-research/internal/config"
	"github.com/eternisai/seo-research/internal/logger"
	"github.com/eternisai/seo-research/internal/research"
)

// Price is one row of a provider price table.
type Price struct {
	PerRequest research.Micros
	PerItem    research.Micros
}

// HTTPProvider talks to a JSON task API:
//
//	POST {base}{endpoint}   body: sub-request payload  -> {"id": "..."}
//	GET  {base}/tasks/{id}                              -> {"status": "...", "result": ..., "cost": 0.01, "error": "..."}
//
// Requests carry the API key as a bearer token.
type HTTPProvider struct {
	name       string
	apiKey     string
	baseURL    string
	prices     map[research.QueryType]Price
	httpClient *http.Client
	logger     *logger.Logger
}

// PollingHTTPProvider is an HTTPProvider whose API exposes task status.
type PollingHTTPProvider struct {
	*HTTPProvider
}

// NewHTTPProvider builds a provider from its configuration. The result is
// Pollable unless the configuration says otherwise.
func NewHTTPProvider(cfg config.ProviderConfig, log *logger.Logger) Provider {
	prices := make(map[research.QueryType]Price, len(cfg.Prices))
	for _, p := range cfg.Prices {
		prices[p.QueryType] = Price{
			PerRequest: research.MicrosFromFloat(p.PerRequest),
			PerItem:    research.MicrosFromFloat(p.PerItem),
		}
	}

	p := &HTTPProvider{
		name:    cfg.Name,
		apiKey:  cfg.APIKey,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		prices:  prices,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		logger: &logger.Logger{Logger: log.WithComponent("provider").With(slog.String("provider", cfg.Name))},
	}
	if !cfg.IsPollable() {
		return p
	}
	return &PollingHTTPProvider{HTTPProvider: p}
}

func (p *HTTPProvider) Name() string { return p.name }

// EstimateCost prices a sub-request from the price table: a flat fee plus a
// per-item fee for the number of items it asks for.
func (p *HTTPProvider) EstimateCost(t research.QueryType, payload json.RawMessage) (research.Micros, error) {
	price, ok := p.prices[t]
	if !ok {
		return 0, fmt.Errorf("provider %s has no price for %s", p.name, t)
	}
	return price.PerRequest + price.PerItem*research.Micros(itemCount(payload)), nil
}

// itemCount reads the requested item count from a sub-request payload.
func itemCount(payload json.RawMessage) int {
	var sizes struct {
		Limit int `json:"limit"`
		Depth int `json:"depth"`
	}
	if err := json.Unmarshal(payload, &sizes); err != nil {
		return 1
	}
	if sizes.Limit > 0 {
		return sizes.Limit
	}
	if sizes.Depth > 0 {
		return sizes.Depth
	}
	return 1
}

type submitResponse struct {
	ID     string `json:"id"`
	TaskID string `json:"task_id"`
}

func (p *HTTPProvider) SubmitTask(ctx context.Context, endpoint string, payload json.RawMessage) (string, error) {
	url := p.baseURL + "/" + strings.TrimLeft(endpoint, "/")

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	p.setHeaders(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to submit task to %s: %w", p.name, err)
	}
	defer resp.Body.Close()

	if err := p.checkStatus(resp, "submit"); err != nil {
		return "", err
	}

	var out submitResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("failed to decode submit response: %w", err)
	}
	id := out.ID
	if id == "" {
		id = out.TaskID
	}
	if id == "" {
		return "", fmt.Errorf("%s accepted the task without returning an id", p.name)
	}

	p.logger.Debug("submitted provider task",
		slog.String("endpoint", endpoint),
		slog.String("provider_task_id", id))

	return id, nil
}

type pollResponse struct {
	Status string          `json:"status"`
	Result json.RawMessage `json:"result"`
	Cost   float64         `json:"cost"`
	Error  string          `json:"error"`
}

// PollTask fetches the status of a submitted task. Transport and server
// errors are returned as errors; a task the provider gave up on is a
// PollFailed result.
func (p *PollingHTTPProvider) PollTask(ctx context.Context, providerTaskID string) (PollResult, error) {
	url := fmt.Sprintf("%s/tasks/%s", p.baseURL, providerTaskID)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return PollResult{}, fmt.Errorf("failed to create request: %w", err)
	}
	p.setHeaders(req)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return PollResult{}, fmt.Errorf("failed to poll %s: %w", p.name, err)
	}
	defer resp.Body.Close()

	if err := p.checkStatus(resp, "poll"); err != nil {
		return PollResult{}, err
	}

	var out pollResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return PollResult{}, fmt.Errorf("failed to decode poll response: %w", err)
	}

	p.logger.Debug("polled provider task",
		slog.String("provider_task_id", providerTaskID),
		slog.String("status", out.Status))

	switch out.Status {
	case "completed", "succeeded", "done":
		return Completed(out.Result, research.MicrosFromFloat(out.Cost)), nil
	case "failed", "error", "cancelled":
		reason := out.Error
		if reason == "" {
			reason = "provider reported failure"
		}
		return Failed(reason), nil
	default:
		return Pending(), nil
	}
}

func (p *HTTPProvider) setHeaders(req *http.Request) {
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
}

func (p *HTTPProvider) checkStatus(resp *http.Response, op string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	p.logger.Error("provider returned error",
		slog.String("operation", op),
		slog.Int("status_code", resp.StatusCode),
		slog.String("body", string(body)))

	if resp.StatusCode == http.StatusTooManyRequests {
		retryAfter := resp.Header.Get("Retry-After")
		return fmt.Errorf("%w: %s returned 429 (retry after %q)", ErrRateLimited, p.name, retryAfter)
	}
	return fmt.Errorf("%s returned status %d: %s", p.name, resp.StatusCode, strings.TrimSpace(string(body)))
}

var (
	_ Provider = (*HTTPProvider)(nil)
	_ Pollable = (*PollingHTTPProvider)(nil)
)

// Package client is a small Go client for the Kestrel HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// APIError is returned for non-2xx replies.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("kestrel api: status %d: %s", e.StatusCode, e.Message)
}

// Client talks to a running Kestrel server.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a client for baseURL.
func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Health returns nil when GET /health answers 200.
func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

// Analyze posts to /analyze, or /analyze/traditional when traditional is set.
func (c *Client) Analyze(ctx context.Context, req *domain.TransactionRequest, traditional bool) (*domain.EnhancedResult, error) {
	path := "/analyze"
	if traditional {
		path = "/analyze/traditional"
	}
	var out domain.EnhancedResult
	if err := c.do(ctx, http.MethodPost, path, req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Score posts to /score.
func (c *Client) Score(ctx context.Context, req *domain.TransactionRequest) (*domain.RiskScore, error) {
	var out domain.RiskScore
	if err := c.do(ctx, http.MethodPost, "/score", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Statistics fetches replayed statistics for a merchant. Zero bounds are
// omitted.
func (c *Client) Statistics(ctx context.Context, merchantID string, start, end time.Time) (*domain.FraudStatistics, error) {
	q := url.Values{}
	if !start.IsZero() {
		q.Set("start", start.Format(time.RFC3339))
	}
	if !end.IsZero() {
		q.Set("end", end.Format(time.RFC3339))
	}
	path := "/merchants/" + url.PathEscape(merchantID) + "/statistics"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out domain.FraudStatistics
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListRules fetches every rule.
func (c *Client) ListRules(ctx context.Context) ([]domain.FraudRule, error) {
	var out struct {
		Rules []domain.FraudRule `json:"rules"`
	}
	if err := c.do(ctx, http.MethodGet, "/rules", nil, &out); err != nil {
		return nil, err
	}
	return out.Rules, nil
}

// ToggleRule enables or disables a rule.
func (c *Client) ToggleRule(ctx context.Context, id string, enabled bool) (*domain.FraudRule, error) {
	var out domain.FraudRule
	body := map[string]bool{"enabled": enabled}
	if err := c.do(ctx, http.MethodPost, "/rules/"+url.PathEscape(id)+"/toggle", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// OracleStatus fetches the AI oracle status.
func (c *Client) OracleStatus(ctx context.Context) (*domain.OracleStatus, error) {
	var out domain.OracleStatus
	if err := c.do(ctx, http.MethodGet, "/oracle/status", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		msg := strings.TrimSpace(string(raw))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

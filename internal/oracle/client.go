// Package oracle implements the AI fraud oracle: an OpenAI-compatible chat
// completions client, a degraded free-text parser, a cache decorator and a
// rate-limited batch runner.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var (
	// ErrDisabled is returned when AI analysis is switched off.
	ErrDisabled = errors.New("ai analysis disabled")

	// ErrNoCredential is returned when no API key is configured.
	ErrNoCredential = errors.New("ai api key not configured")

	// ErrMalformedResponse is returned when the oracle reply has no usable content.
	ErrMalformedResponse = errors.New("malformed ai response")

	// ErrUpstream is returned for non-200 replies.
	ErrUpstream = errors.New("ai upstream error")
)

const systemPrompt = "You are a payment fraud analyst. You MUST respond with ONLY a valid JSON object " +
	`with the fields "isFraudulent" (boolean), "confidence" (number between 0 and 1), ` +
	`"reasoning" (string), "riskFactors" (array of strings) and "recommendations" (array of strings). ` +
	"Do not include any explanatory text, markdown formatting, or commentary before or after the JSON. " +
	"Start your response directly with { and end with }."

// Client calls an OpenAI-compatible chat completions endpoint.
type Client struct {
	httpClient    *http.Client
	baseURL       string
	apiKey        string
	model         string
	statusTimeout time.Duration
	logger        *slog.Logger
}

// NewClient creates an oracle client from configuration.
func NewClient(cfg domain.AIConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	model := cfg.Model
	if model == "" {
		model = "gpt-4o-mini"
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	statusTimeout := cfg.StatusTimeout
	if statusTimeout <= 0 {
		statusTimeout = 5 * time.Second
	}

	return &Client{
		baseURL:       baseURL,
		apiKey:        cfg.APIKey,
		model:         model,
		statusTimeout: statusTimeout,
		logger:        logger,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// chatResponse is the subset of the completions reply the client reads.
type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Analyze asks the oracle for a fraud opinion on tx. There is no retry; the
// caller bounds the call through ctx.
func (c *Client) Analyze(ctx context.Context, tx *domain.Transaction) (*domain.AIFraudAnalysis, error) {
	if c.apiKey == "" {
		return nil, ErrNoCredential
	}
	start := time.Now()

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: buildPrompt(tx)},
		},
		Temperature: 0.1,
		MaxTokens:   500,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d: %s", ErrUpstream, resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return nil, fmt.Errorf("%w: no completion content", ErrMalformedResponse)
	}

	content := parsed.Choices[0].Message.Content
	analysis, err := parseAnalysis(content)
	if err != nil {
		c.logger.Warn("ai response was not JSON, using free-text parser",
			"transaction_id", tx.ID,
			"error", err,
		)
		analysis = ParseFreeText(content)
	}

	analysis.AIModel = c.model
	if parsed.Model != "" {
		analysis.AIModel = parsed.Model
	}
	analysis.AnalysisTimeMs = time.Since(start).Milliseconds()
	return analysis, nil
}

// Status probes GET {baseURL}/models. A missing key reports unavailable
// without calling out.
func (c *Client) Status(ctx context.Context) domain.OracleStatus {
	status := domain.OracleStatus{
		Enabled:              true,
		Model:                c.model,
		CredentialConfigured: c.apiKey != "",
	}
	if c.apiKey == "" {
		return status
	}

	ctx, cancel := context.WithTimeout(ctx, c.statusTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return status
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug("ai status probe failed", "error", err)
		return status
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	status.Available = resp.StatusCode == http.StatusOK
	return status
}

func buildPrompt(tx *domain.Transaction) string {
	var b strings.Builder
	b.WriteString("Analyze this payment transaction for fraud risk.\n\n")
	fmt.Fprintf(&b, "Amount: %.2f %s\n", tx.Amount, tx.Currency)
	fmt.Fprintf(&b, "Customer: %s\n", tx.CustomerEmail)
	fmt.Fprintf(&b, "Merchant: %s\n", tx.MerchantID)
	fmt.Fprintf(&b, "New customer: %t\n", tx.IsNewCustomer)
	if tx.PaymentMethod != "" {
		fmt.Fprintf(&b, "Payment method: %s\n", tx.PaymentMethod)
	}
	if tx.IPAddress != "" {
		fmt.Fprintf(&b, "IP address: %s\n", tx.IPAddress)
	}
	if tx.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", tx.Description)
	}
	if !tx.CreatedAt.IsZero() {
		fmt.Fprintf(&b, "Time: %s\n", tx.CreatedAt.Format(time.RFC3339))
	}
	return b.String()
}

// FailureReason classifies an oracle error for metrics and logs.
func FailureReason(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, ErrDisabled):
		return "disabled"
	case errors.Is(err, ErrNoCredential):
		return "no_credential"
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "cancelled"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, ErrUpstream):
		return "upstream"
	default:
		return "transport"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

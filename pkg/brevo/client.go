// Package brevo provides a client for the Brevo transactional email API.
package brevo

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
)

// Client defines the Brevo operations used by the outreach engine.
type Client interface {
	// SendTemplate sends a transactional email from a stored template.
	SendTemplate(ctx context.Context, req SendRequest) (*SendResult, error)
}

// SendRequest describes one transactional send.
type SendRequest struct {
	ToEmail    string
	ToName     string
	TemplateID int64
	Params     map[string]any
	// IdempotencyKey is forwarded as a custom header so replayed sends
	// can be correlated downstream.
	IdempotencyKey string
	// Tags come back on webhook events, correlating them to the send.
	Tags []string
}

// SendResult is the parsed send response.
type SendResult struct {
	MessageID string `json:"messageId"`
}

// StatusError is returned for non-2xx API responses so callers can
// classify retryability by HTTP status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("brevo: status %d: %s", e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL sets a custom base URL (for testing).
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

type httpClient struct {
	apiKey  string
	baseURL string
	http    *http.Client
}

// NewClient creates a Brevo client.
func NewClient(apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: "https://api.brevo.com",
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type sendPayload struct {
	To         []recipient    `json:"to"`
	TemplateID int64          `json:"templateId"`
	Params     map[string]any `json:"params,omitempty"`
	Headers    map[string]any `json:"headers,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
}

type recipient struct {
	Email string `json:"email"`
	Name  string `json:"name,omitempty"`
}

func (c *httpClient) SendTemplate(ctx context.Context, req SendRequest) (*SendResult, error) {
	if req.ToEmail == "" {
		return nil, eris.New("brevo: recipient email is required")
	}
	if req.TemplateID <= 0 {
		return nil, eris.New("brevo: template id is required")
	}

	payload := sendPayload{
		To:         []recipient{{Email: req.ToEmail, Name: req.ToName}},
		TemplateID: req.TemplateID,
		Params:     req.Params,
		Tags:       req.Tags,
	}
	if req.IdempotencyKey != "" {
		payload.Headers = map[string]any{"X-Idempotency-Key": req.IdempotencyKey}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, eris.Wrap(err, "brevo: marshal payload")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v3/smtp/email", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "brevo: create request")
	}
	httpReq.Header.Set("api-key", c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "brevo: send")
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, eris.Wrap(err, "brevo: read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var result SendResult
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "brevo: parse response")
	}
	return &result, nil
}

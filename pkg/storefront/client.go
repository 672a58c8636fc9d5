// Package storefront provides a client for the storefront-builder API.
package storefront

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

// Client defines the storefront-builder operations used by the pipeline.
type Client interface {
	// ProvisionStore creates a pre-built store for a creator. Replays
	// carrying the same idempotency key return the original store.
	ProvisionStore(ctx context.Context, req ProvisionRequest) (*Store, error)

	// GetStore fetches a provisioned store by reference.
	GetStore(ctx context.Context, storeRef string) (*Store, error)
}

// ProvisionRequest describes the store to build.
type ProvisionRequest struct {
	CreatorName  string   `json:"creator_name"`
	Headline     string   `json:"headline"`
	About        string   `json:"about"`
	ProductIdeas []string `json:"product_ideas,omitempty"`
	NicheTags    []string `json:"niche_tags,omitempty"`
	// IdempotencyKey makes provisioning safe to retry.
	IdempotencyKey string `json:"-"`
}

// Store is a provisioned storefront.
type Store struct {
	Ref        string `json:"ref"`
	URL        string `json:"url"`
	ClaimToken string `json:"claim_token"`
	Status     string `json:"status"`
}

// StatusError is returned for non-2xx API responses so callers can
// classify retryability by HTTP status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("storefront: status %d: %s", e.StatusCode, e.Body)
}

// Option configures the client.
type Option func(*httpClient)

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

// NewClient creates a storefront-builder client for the given base URL.
func NewClient(baseURL, apiKey string, opts ...Option) Client {
	c := &httpClient{
		apiKey:  apiKey,
		baseURL: baseURL,
		http: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) ProvisionStore(ctx context.Context, req ProvisionRequest) (*Store, error) {
	if req.CreatorName == "" {
		return nil, eris.New("storefront: creator name is required")
	}
	if req.IdempotencyKey == "" {
		return nil, eris.New("storefront: idempotency key is required")
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "storefront: marshal request")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/stores", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "storefront: create request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", req.IdempotencyKey)

	return c.do(httpReq)
}

func (c *httpClient) GetStore(ctx context.Context, storeRef string) (*Store, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/stores/"+storeRef, nil)
	if err != nil {
		return nil, eris.Wrap(err, "storefront: create request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

	return c.do(httpReq)
}

func (c *httpClient) do(req *http.Request) (*Store, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "storefront: request")
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err != nil {
		return nil, eris.Wrap(err, "storefront: read response")
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	var store Store
	if err := json.Unmarshal(respBody, &store); err != nil {
		return nil, eris.Wrap(err, "storefront: parse response")
	}
	if store.Ref == "" {
		return nil, eris.New("storefront: response missing store ref")
	}
	return &store, nil
}

// Package aigen generates storefront copy for a scraped creator profile.
package aigen

import (
	"context"
	"encoding/json"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Client defines the content generation operations used by the pipeline.
type Client interface {
	GenerateStoreContent(ctx context.Context, req ContentRequest) (*StoreContent, error)
}

// ContentRequest carries the profile facts the generator works from.
type ContentRequest struct {
	DisplayName string   `json:"display_name"`
	Bio         string   `json:"bio,omitempty"`
	NicheTags   []string `json:"niche_tags,omitempty"`
	Links       []string `json:"links,omitempty"`
}

// StoreContent is the generated storefront copy.
type StoreContent struct {
	Headline     string   `json:"headline"`
	About        string   `json:"about"`
	ProductIdeas []string `json:"product_ideas"`
	Usage        TokenUsage
}

// TokenUsage tracks token consumption for cost attribution.
type TokenUsage struct {
	InputTokens  int64
	OutputTokens int64
}

// LogCost logs token usage with structured fields.
func (u TokenUsage) LogCost(model string) {
	zap.L().Info("content generation usage",
		zap.String("model", model),
		zap.Int64("input_tokens", u.InputTokens),
		zap.Int64("output_tokens", u.OutputTokens),
	)
}

const defaultModel = "claude-sonnet-4-5-20250929"

const systemPrompt = `You write storefront copy for a creator's pre-built merch store.
Given a creator profile as JSON, respond with a single JSON object:
{"headline": string, "about": string, "product_ideas": [string, ...]}.
Match the creator's niche and tone. Respond with JSON only.`

// Option configures the client.
type Option func(*sdkClient)

// WithModel overrides the default model.
func WithModel(model string) Option {
	return func(c *sdkClient) {
		if model != "" {
			c.model = model
		}
	}
}

// WithMaxTokens overrides the response token ceiling.
func WithMaxTokens(n int64) Option {
	return func(c *sdkClient) {
		if n > 0 {
			c.maxTokens = n
		}
	}
}

type sdkClient struct {
	client    sdk.Client
	model     string
	maxTokens int64
}

// NewClient creates a content generation client backed by the SDK.
func NewClient(apiKey string, opts ...Option) Client {
	c := &sdkClient{
		client:    sdk.NewClient(option.WithAPIKey(apiKey)),
		model:     defaultModel,
		maxTokens: 2048,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *sdkClient) GenerateStoreContent(ctx context.Context, req ContentRequest) (*StoreContent, error) {
	profile, err := json.Marshal(req)
	if err != nil {
		return nil, eris.Wrap(err, "aigen: marshal profile")
	}

	msg, err := c.client.Messages.New(ctx, sdk.MessageNewParams{
		Model:     sdk.Model(c.model),
		MaxTokens: c.maxTokens,
		System: []sdk.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(string(profile))),
		},
	})
	if err != nil {
		return nil, eris.Wrap(err, "aigen: create message")
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}

	content, err := ParseStoreContent(text.String())
	if err != nil {
		return nil, err
	}
	content.Usage = TokenUsage{
		InputTokens:  msg.Usage.InputTokens,
		OutputTokens: msg.Usage.OutputTokens,
	}
	content.Usage.LogCost(c.model)
	return content, nil
}

// ParseStoreContent extracts the JSON object from a model response,
// tolerating surrounding prose or code fences.
func ParseStoreContent(text string) (*StoreContent, error) {
	start := strings.IndexByte(text, '{')
	end := strings.LastIndexByte(text, '}')
	if start < 0 || end <= start {
		return nil, eris.New("aigen: no JSON object in response")
	}

	var content StoreContent
	if err := json.Unmarshal([]byte(text[start:end+1]), &content); err != nil {
		return nil, eris.Wrap(err, "aigen: parse response")
	}
	if content.Headline == "" {
		return nil, eris.New("aigen: response missing headline")
	}
	return &content, nil
}

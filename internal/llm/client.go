// Package llm asks an OpenAI compatible chat completion API (OpenRouter by
// default) for treatment advice.
package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"
)

var (
	// ErrDisabled indicates no API key is configured.
	ErrDisabled = errors.New("llm: disabled")
	// ErrEmptyResponse indicates the model answered without content.
	ErrEmptyResponse = errors.New("llm: empty response")
)

// Config describes the upstream completion endpoint.
type Config struct {
	BaseURL       string
	APIKey        string
	Model         string
	Timeout       time.Duration
	RatePerSecond float64
	Referer       string
	Title         string
}

// Client wraps the chat completion API with an outbound rate limit.
type Client struct {
	api     *openai.Client
	model   string
	limiter *rate.Limiter
	enabled bool
}

// New constructs a Client. Without an API key Recommend returns ErrDisabled.
func New(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"); base != "" {
		clientCfg.BaseURL = base
	}
	headers := map[string]string{}
	if cfg.Referer != "" {
		headers["HTTP-Referer"] = cfg.Referer
	}
	if cfg.Title != "" {
		headers["X-Title"] = cfg.Title
	}
	clientCfg.HTTPClient = &http.Client{
		Timeout:   timeout,
		Transport: headerTransport{base: http.DefaultTransport, headers: headers},
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	return &Client{
		api:     openai.NewClientWithConfig(clientCfg),
		model:   cfg.Model,
		limiter: rate.NewLimiter(limit, 1),
		enabled: strings.TrimSpace(cfg.APIKey) != "",
	}
}

// Enabled reports whether completions will be requested.
func (c *Client) Enabled() bool {
	return c != nil && c.enabled
}

// Recommend sends prompt as a single user message and returns the answer.
func (c *Client) Recommend(ctx context.Context, prompt string) (string, error) {
	if !c.Enabled() {
		return "", ErrDisabled
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("llm rate limit: %w", err)
	}
	resp, err := c.api.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	})
	if err != nil {
		return "", fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyResponse
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", ErrEmptyResponse
	}
	return content, nil
}

type headerTransport struct {
	base    http.RoundTripper
	headers map[string]string
}

func (t headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if len(t.headers) > 0 {
		req = req.Clone(req.Context())
		for k, v := range t.headers {
			req.Header.Set(k, v)
		}
	}
	return t.base.RoundTrip(req)
}

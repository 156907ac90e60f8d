// Package llm is the text-completion boundary used by the intent parser.
package llm

import (
	"context"
	"strings"

	clierr "github.com/ggonzalez94/intentrail/internal/errors"
	"github.com/ggonzalez94/intentrail/internal/httpx"
)

const (
	DefaultBaseURL = "https://api.openai.com/v1"
	DefaultModel   = "gpt-4o-mini"
)

// Completer turns a system prompt and a user message into the model's reply.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// CompleterFunc adapts a function to Completer.
type CompleterFunc func(ctx context.Context, system, user string) (string, error)

func (f CompleterFunc) Complete(ctx context.Context, system, user string) (string, error) {
	return f(ctx, system, user)
}

type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
}

// Client talks to any OpenAI-compatible chat completions endpoint.
type Client struct {
	http        *httpx.Client
	apiKey      string
	baseURL     string
	model       string
	temperature float64
}

func New(cfg Config, httpClient *httpx.Client) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = DefaultModel
	}
	return &Client{
		http:        httpClient,
		apiKey:      strings.TrimSpace(cfg.APIKey),
		baseURL:     baseURL,
		model:       model,
		temperature: cfg.Temperature,
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	if c.apiKey == "" {
		return "", clierr.New(clierr.CodeAuth, "missing completion API key (set INTENTRAIL_LLM_API_KEY or llm.api_key)")
	}
	body := chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Temperature: c.temperature,
	}
	var resp chatResponse
	headers := map[string]string{"Authorization": "Bearer " + c.apiKey}
	if err := httpx.PostJSON(ctx, c.http, c.baseURL+"/chat/completions", body, headers, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", clierr.New(clierr.CodeUnavailable, "completion response has no choices")
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", clierr.New(clierr.CodeUnavailable, "completion response is empty")
	}
	return content, nil
}

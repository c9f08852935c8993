package match

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

const (
	defaultModel       = "gpt-4o-mini"
	defaultTimeout     = 60 * time.Second
	defaultMaxTokens   = 400
	defaultTemperature = 0.1
)

// ClientConfig holds the settings for the OpenAI-compatible judge API.
type ClientConfig struct {
	APIKey      string
	BaseURL     string // empty selects the public OpenAI endpoint
	Model       string
	Timeout     time.Duration
	Temperature float32
	MaxTokens   int
}

// Client wraps the chat-completion API the suggester uses to judge
// candidate pairs.
type Client struct {
	api       *openai.Client
	model     string
	timeout   time.Duration
	temp      float32
	maxTokens int
}

// NewClient builds a judge client. An empty API key is an error:
// callers disable the suggester instead of constructing a dead client.
func NewClient(cfg ClientConfig) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("match: openai api key is required")
	}
	model := cfg.Model
	if model == "" {
		model = defaultModel
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	temp := cfg.Temperature
	if temp <= 0 {
		temp = defaultTemperature
	}
	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	apiCfg := openai.DefaultConfig(apiKey)
	if cfg.BaseURL != "" {
		apiCfg.BaseURL = cfg.BaseURL
	}
	return &Client{
		api:       openai.NewClientWithConfig(apiCfg),
		model:     model,
		timeout:   timeout,
		temp:      temp,
		maxTokens: maxTokens,
	}, nil
}

// Complete sends one system+user prompt pair and returns the text of
// the first choice.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.api.CreateChatCompletion(cctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		MaxTokens:   c.maxTokens,
		Temperature: c.temp,
	})
	if err != nil {
		return "", fmt.Errorf("match: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("match: completion returned no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// Package collab holds clients for the external collaborators stages
// call: the model backend behind analysis and planning stages.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tiktoken-go/tokenizer"

	"github.com/remedyops/conductor/internal/core/domain"
	"github.com/remedyops/conductor/internal/core/ports"
)

// ModelConfig configures the HTTP model client.
type ModelConfig struct {
	// BaseURL is the OpenAI-compatible API root, e.g.
	// https://api.openai.com/v1.
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	// Client overrides the HTTP client, used by tests.
	Client *http.Client
}

// HTTPModelClient talks to an OpenAI-compatible chat completion
// endpoint. Rate limits and server errors come back as transient so the
// stage invoker retries them; everything else is terminal for the stage.
type HTTPModelClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
	codec   tokenizer.Codec
	logger  *slog.Logger
}

var _ ports.ModelClient = (*HTTPModelClient)(nil)

// NewModelClient creates a model client.
func NewModelClient(cfg ModelConfig, logger *slog.Logger) (*HTTPModelClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("model base url required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("model name required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	codec, err := tokenizer.ForModel(tokenizer.Model(cfg.Model))
	if err != nil {
		// Unknown model names get the current encoding.
		codec, err = tokenizer.Get(tokenizer.O200kBase)
		if err != nil {
			return nil, fmt.Errorf("load tokenizer: %w", err)
		}
	}

	return &HTTPModelClient{
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		model:   cfg.Model,
		client:  client,
		codec:   codec,
		logger:  logger,
	}, nil
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete sends the prompt and returns the model's text reply.
func (c *HTTPModelClient) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:    c.model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return "", domain.Transient(fmt.Errorf("model request failed: %w", err))
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", domain.Transient(fmt.Errorf("read model response: %w", err))
	}

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return "", domain.Transient(fmt.Errorf("model returned status %d: %s", resp.StatusCode, truncate(respBody, 200)))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("model returned status %d: %s", resp.StatusCode, truncate(respBody, 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("unmarshal model response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("model response has no choices")
	}
	content := parsed.Choices[0].Message.Content

	c.logger.Debug("model completion",
		slog.String("model", c.model),
		slog.Int("prompt_tokens", c.CountTokens(prompt)),
		slog.Int("completion_tokens", c.CountTokens(content)),
		slog.Duration("elapsed", time.Since(start)),
	)
	return content, nil
}

// CountTokens returns the tokenizer's count for the text, used for
// logging and prompt budgeting.
func (c *HTTPModelClient) CountTokens(text string) int {
	ids, _, err := c.codec.Encode(text)
	if err != nil {
		return 0
	}
	return len(ids)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}

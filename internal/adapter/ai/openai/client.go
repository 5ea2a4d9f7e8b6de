// Package openai implements the LLM port against the OpenAI chat
// completions API (and any OpenAI-compatible endpoint).
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/fairyhunter13/thought-analyzer/internal/adapter/ai"
	"github.com/fairyhunter13/thought-analyzer/internal/adapter/observability"
	"github.com/fairyhunter13/thought-analyzer/internal/config"
	"github.com/fairyhunter13/thought-analyzer/internal/domain"
)

// Client implements domain.AIClient using the chat completions endpoint.
type Client struct {
	cfg config.Config
	hc  *http.Client
}

// New constructs an OpenAI chat client with a generous request timeout;
// per-call deadlines come from the caller's context.
func New(cfg config.Config) *Client {
	return &Client{
		cfg: cfg,
		hc:  ai.NewHTTPClient("openai", 120*time.Second),
	}
}

// Capabilities reports that chat completions have no prompt cache control.
func (c *Client) Capabilities() domain.AICapabilities {
	return domain.AICapabilities{
		SupportsPromptCache: false,
		MaxContextTokens:    c.cfg.MaxContextTokens,
	}
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Generate performs a single chat completion call. Retry policy lives in
// the pipeline, so every failure is returned classified but untried.
func (c *Client) Generate(ctx context.Context, req domain.GenerateRequest) (domain.GenerateResponse, error) {
	if c.cfg.AIAPIKey == "" {
		return domain.GenerateResponse{}, fmt.Errorf("op=openai.Generate: %w: AI_API_KEY missing", domain.ErrInvalidPayload)
	}

	system := req.System
	if req.CacheableContext != "" {
		// No cache control on this API; fold the cacheable block into
		// the system prompt.
		system = req.CacheableContext + "\n\n" + req.System
	}
	messages := make([]map[string]string, 0, len(req.Messages)+1)
	messages = append(messages, map[string]string{"role": "system", "content": system})
	for _, m := range req.Messages {
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxOutputTokens
	}
	body := map[string]any{
		"model":       c.cfg.AIModel,
		"temperature": 0.2,
		"max_tokens":  maxTokens,
		"messages":    messages,
	}
	b, _ := json.Marshal(body)

	start := time.Now()
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.AIBaseURL+"/chat/completions", bytes.NewReader(b))
	if err != nil {
		return domain.GenerateResponse{}, fmt.Errorf("op=openai.Generate: %w", err)
	}
	r.Header.Set("Authorization", "Bearer "+c.cfg.AIAPIKey)
	r.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(r)
	observability.AIRequestsTotal.WithLabelValues("openai", "chat").Inc()
	observability.AIRequestDuration.WithLabelValues("openai", "chat").Observe(time.Since(start).Seconds())
	if err != nil {
		return domain.GenerateResponse{}, fmt.Errorf("op=openai.Generate: %w", ai.ClassifyTransportError(err))
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.GenerateResponse{}, fmt.Errorf("op=openai.Generate: %w", ai.ClassifyTransportError(err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("ai provider non-2xx",
			slog.String("provider", "openai"),
			slog.String("op", "chat"),
			slog.Int("status", resp.StatusCode),
			slog.String("model", c.cfg.AIModel),
			slog.String("x_request_id", resp.Header.Get("X-Request-Id")),
			slog.String("body", ai.Snippet(string(bodyBytes), 512)))
		return domain.GenerateResponse{}, fmt.Errorf("op=openai.Generate: %w", ai.ClassifyHTTPStatus(resp.StatusCode, string(bodyBytes)))
	}

	var out chatResponse
	if err := json.Unmarshal(bodyBytes, &out); err != nil {
		return domain.GenerateResponse{}, fmt.Errorf("op=openai.Generate: decode: %w", err)
	}
	if len(out.Choices) == 0 {
		return domain.GenerateResponse{}, fmt.Errorf("op=openai.Generate: %w: empty choices", domain.ErrNetwork)
	}
	return domain.GenerateResponse{
		Content: out.Choices[0].Message.Content,
		Usage: domain.TokenUsage{
			InputTokens:  out.Usage.PromptTokens,
			OutputTokens: out.Usage.CompletionTokens,
		},
	}, nil
}

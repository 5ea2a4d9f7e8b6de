// Package anthropic implements the LLM port against the Anthropic
// messages API, using ephemeral cache_control on the shared user context
// block so repeated pipeline stages reuse the cached prefix.
package anthropic

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

const (
	apiVersion  = "2023-06-01"
	defaultBase = "https://api.anthropic.com/v1"
)

// Client implements domain.AIClient using the messages endpoint.
type Client struct {
	cfg     config.Config
	baseURL string
	hc      *http.Client
}

// New constructs an Anthropic messages client.
func New(cfg config.Config) *Client {
	base := cfg.AIBaseURL
	if base == "" || base == "https://api.openai.com/v1" {
		base = defaultBase
	}
	return &Client{
		cfg:     cfg,
		baseURL: base,
		hc:      ai.NewHTTPClient("anthropic", 120*time.Second),
	}
}

// Capabilities advertises prompt cache support.
func (c *Client) Capabilities() domain.AICapabilities {
	return domain.AICapabilities{
		SupportsPromptCache: true,
		MaxContextTokens:    c.cfg.MaxContextTokens,
	}
}

type systemBlock struct {
	Type         string          `json:"type"`
	Text         string          `json:"text"`
	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

type messagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

var ephemeral = json.RawMessage(`{"type":"ephemeral"}`)

// Generate performs a single messages call. The cacheable context becomes
// its own system block flagged ephemeral so the provider caches it across
// the five pipeline stages of one thought.
func (c *Client) Generate(ctx context.Context, req domain.GenerateRequest) (domain.GenerateResponse, error) {
	if c.cfg.AIAPIKey == "" {
		return domain.GenerateResponse{}, fmt.Errorf("op=anthropic.Generate: %w: AI_API_KEY missing", domain.ErrInvalidPayload)
	}

	system := make([]systemBlock, 0, 2)
	if req.CacheableContext != "" {
		system = append(system, systemBlock{Type: "text", Text: req.CacheableContext, CacheControl: ephemeral})
	}
	if req.System != "" {
		system = append(system, systemBlock{Type: "text", Text: req.System})
	}
	messages := make([]map[string]string, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, map[string]string{"role": m.Role, "content": m.Content})
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.cfg.MaxOutputTokens
	}
	body := map[string]any{
		"model":      c.cfg.AIModel,
		"max_tokens": maxTokens,
		"system":     system,
		"messages":   messages,
	}
	b, _ := json.Marshal(body)

	start := time.Now()
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/messages", bytes.NewReader(b))
	if err != nil {
		return domain.GenerateResponse{}, fmt.Errorf("op=anthropic.Generate: %w", err)
	}
	r.Header.Set("x-api-key", c.cfg.AIAPIKey)
	r.Header.Set("anthropic-version", apiVersion)
	r.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(r)
	observability.AIRequestsTotal.WithLabelValues("anthropic", "messages").Inc()
	observability.AIRequestDuration.WithLabelValues("anthropic", "messages").Observe(time.Since(start).Seconds())
	if err != nil {
		return domain.GenerateResponse{}, fmt.Errorf("op=anthropic.Generate: %w", ai.ClassifyTransportError(err))
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return domain.GenerateResponse{}, fmt.Errorf("op=anthropic.Generate: %w", ai.ClassifyTransportError(err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("ai provider non-2xx",
			slog.String("provider", "anthropic"),
			slog.String("op", "messages"),
			slog.Int("status", resp.StatusCode),
			slog.String("model", c.cfg.AIModel),
			slog.String("request_id", resp.Header.Get("Request-Id")),
			slog.String("body", ai.Snippet(string(bodyBytes), 512)))
		return domain.GenerateResponse{}, fmt.Errorf("op=anthropic.Generate: %w", ai.ClassifyHTTPStatus(resp.StatusCode, string(bodyBytes)))
	}

	var out messagesResponse
	if err := json.Unmarshal(bodyBytes, &out); err != nil {
		return domain.GenerateResponse{}, fmt.Errorf("op=anthropic.Generate: decode: %w", err)
	}
	var text string
	for _, block := range out.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	if text == "" {
		return domain.GenerateResponse{}, fmt.Errorf("op=anthropic.Generate: %w: empty content", domain.ErrNetwork)
	}
	return domain.GenerateResponse{
		Content: text,
		Usage: domain.TokenUsage{
			InputTokens:  out.Usage.InputTokens,
			OutputTokens: out.Usage.OutputTokens,
		},
	}, nil
}

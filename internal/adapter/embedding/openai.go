// Package embedding implements the Embedder port. The OpenAI client calls
// the embeddings endpoint and normalizes every vector to the configured
// dimension; Disabled is used when no embeddings provider is configured.
package embedding

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

// OpenAI implements domain.Embedder against the embeddings endpoint.
type OpenAI struct {
	cfg config.Config
	hc  *http.Client
}

// NewOpenAI constructs an embeddings client.
func NewOpenAI(cfg config.Config) *OpenAI {
	return &OpenAI{
		cfg: cfg,
		hc:  ai.NewHTTPClient("embeddings", 30*time.Second),
	}
}

// Dimension returns the configured vector dimension.
func (o *OpenAI) Dimension() int { return o.cfg.EmbeddingDimension }

// Embed returns a vector for the text, padded or truncated to the
// configured dimension so the vector store always sees a uniform width.
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	if o.cfg.AIAPIKey == "" {
		return nil, fmt.Errorf("op=embedding.Embed: %w: AI_API_KEY missing", domain.ErrEmbeddingUnavailable)
	}
	body := map[string]any{
		"model": o.cfg.EmbeddingsModel,
		"input": []string{text},
	}
	b, _ := json.Marshal(body)

	start := time.Now()
	r, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.EmbeddingsBaseURL+"/embeddings", bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("op=embedding.Embed: %w", err)
	}
	r.Header.Set("Authorization", "Bearer "+o.cfg.AIAPIKey)
	r.Header.Set("Content-Type", "application/json")

	resp, err := o.hc.Do(r)
	observability.AIRequestsTotal.WithLabelValues("openai", "embed").Inc()
	observability.AIRequestDuration.WithLabelValues("openai", "embed").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("op=embedding.Embed: %w", ai.ClassifyTransportError(err))
	}
	defer func() { _ = resp.Body.Close() }()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("op=embedding.Embed: %w", ai.ClassifyTransportError(err))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		slog.Warn("embeddings provider non-2xx",
			slog.String("provider", "openai"),
			slog.String("op", "embed"),
			slog.Int("status", resp.StatusCode),
			slog.String("model", o.cfg.EmbeddingsModel),
			slog.String("body", ai.Snippet(string(bodyBytes), 512)))
		return nil, fmt.Errorf("op=embedding.Embed: %w", ai.ClassifyHTTPStatus(resp.StatusCode, string(bodyBytes)))
	}

	var out struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(bodyBytes, &out); err != nil {
		return nil, fmt.Errorf("op=embedding.Embed: decode: %w", err)
	}
	if len(out.Data) == 0 {
		return nil, fmt.Errorf("op=embedding.Embed: %w: empty data", domain.ErrNetwork)
	}
	return FitDimension(out.Data[0].Embedding, o.cfg.EmbeddingDimension), nil
}

// FitDimension converts a raw vector to float32 at exactly dim entries,
// truncating a longer vector and zero-padding a shorter one.
func FitDimension(raw []float64, dim int) []float32 {
	v := make([]float32, dim)
	for i := 0; i < dim && i < len(raw); i++ {
		v[i] = float32(raw[i])
	}
	return v
}

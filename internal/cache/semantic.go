// Package cache implements the per-user semantic cache that guards the
// pipeline. A lookup embeds the thought text, searches the user's prior
// vectors, and returns stored stage outputs when a close enough match is
// found. The cache never fails a thought: every internal error degrades
// to a miss.
package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/thought-analyzer/internal/adapter/observability"
	"github.com/fairyhunter13/thought-analyzer/internal/domain"
)

// scoreEpsilon absorbs float rounding when comparing a similarity score
// against the configured threshold.
const scoreEpsilon = 1e-9

// searchLimit bounds how many candidates one lookup considers.
const searchLimit = 5

// Match is one candidate returned by a vector search.
type Match struct {
	ID      string
	Score   float64
	Payload map[string]any
}

// VectorIndex is the vector store port the cache runs on.
type VectorIndex interface {
	Ensure(ctx context.Context, dim int) error
	Upsert(ctx context.Context, id string, vector []float32, payload map[string]any) error
	// Search returns candidates for the user ordered by similarity.
	Search(ctx context.Context, vector []float32, userID string, limit int) ([]Match, error)
	// SetPayload merges the patch into an existing point's payload.
	SetPayload(ctx context.Context, id string, patch map[string]any) error
}

// Semantic implements domain.SemanticCache on a VectorIndex.
type Semantic struct {
	index     VectorIndex
	threshold float64
	ttl       time.Duration
	now       func() time.Time
}

// New constructs a semantic cache with the given similarity threshold and
// entry lifetime.
func New(index VectorIndex, threshold float64, ttl time.Duration) *Semantic {
	return &Semantic{index: index, threshold: threshold, ttl: ttl, now: time.Now}
}

// Lookup searches the user's cached thoughts for one similar enough to
// serve. Expired entries are skipped; ties on score go to the most
// recently created entry. A hit bumps the entry's hit accounting.
func (s *Semantic) Lookup(ctx context.Context, userID, text string, embedding []float32) (domain.StageOutputs, bool) {
	if len(embedding) == 0 {
		return domain.StageOutputs{}, false
	}
	matches, err := s.index.Search(ctx, embedding, userID, searchLimit)
	if err != nil {
		slog.Warn("cache search failed, treating as miss",
			slog.String("user_id", userID),
			slog.Any("error", err))
		observability.CacheLookupsTotal.WithLabelValues("error").Inc()
		return domain.StageOutputs{}, false
	}

	now := s.now()
	var best *Match
	var bestCreated int64
	for i := range matches {
		m := matches[i]
		if m.Score+scoreEpsilon < s.threshold {
			continue
		}
		if exp, ok := payloadInt64(m.Payload, "expires_at"); ok && exp <= now.Unix() {
			continue
		}
		created, _ := payloadInt64(m.Payload, "created_at")
		if best == nil || m.Score > best.Score || (m.Score == best.Score && created > bestCreated) {
			best = &matches[i]
			bestCreated = created
		}
	}
	if best == nil {
		observability.CacheLookupsTotal.WithLabelValues("miss").Inc()
		return domain.StageOutputs{}, false
	}

	raw, _ := best.Payload["outputs"].(string)
	var outputs domain.StageOutputs
	if err := json.Unmarshal([]byte(raw), &outputs); err != nil || !outputs.Complete() {
		slog.Warn("cache entry payload unreadable, treating as miss",
			slog.String("user_id", userID),
			slog.String("point_id", best.ID),
			slog.Any("error", err))
		observability.CacheLookupsTotal.WithLabelValues("error").Inc()
		return domain.StageOutputs{}, false
	}

	hits, _ := payloadInt64(best.Payload, "hit_count")
	if err := s.index.SetPayload(ctx, best.ID, map[string]any{
		"hit_count":   hits + 1,
		"last_hit_at": now.Unix(),
	}); err != nil {
		slog.Debug("cache hit accounting failed",
			slog.String("point_id", best.ID),
			slog.Any("error", err))
	}
	observability.CacheLookupsTotal.WithLabelValues("hit").Inc()
	slog.Info("semantic cache hit",
		slog.String("user_id", userID),
		slog.Float64("score", best.Score))
	return outputs, true
}

// Store writes completed stage outputs under the thought's embedding.
// Failures are logged and dropped; the thought already completed.
func (s *Semantic) Store(ctx context.Context, userID, text string, embedding []float32, outputs domain.StageOutputs) {
	if len(embedding) == 0 || !outputs.Complete() {
		return
	}
	raw, err := json.Marshal(outputs)
	if err != nil {
		slog.Warn("cache store marshal failed", slog.Any("error", err))
		return
	}
	now := s.now()
	payload := map[string]any{
		"user_id":     userID,
		"text":        text,
		"outputs":     string(raw),
		"created_at":  now.Unix(),
		"expires_at":  now.Add(s.ttl).Unix(),
		"hit_count":   int64(0),
		"last_hit_at": int64(0),
	}
	if err := s.index.Upsert(ctx, uuid.NewString(), embedding, payload); err != nil {
		slog.Warn("cache store failed",
			slog.String("user_id", userID),
			slog.Any("error", err))
	}
}

// payloadInt64 reads a numeric payload field, tolerating the float64 that
// JSON decoding produces.
func payloadInt64(payload map[string]any, key string) (int64, bool) {
	switch v := payload[key].(type) {
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}

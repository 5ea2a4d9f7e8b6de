// Package stub implements a fast, deterministic AI client for local
// development and tests. It recognizes which pipeline stage is asking by
// the shape of the prompt and returns a valid JSON payload for it.
package stub

import (
	"context"
	"strings"
	"time"

	"github.com/fairyhunter13/thought-analyzer/internal/domain"
)

// Client is a deterministic domain.AIClient.
type Client struct {
	// Latency is added to each call to resemble real work. Zero in tests.
	Latency time.Duration
}

func New() *Client { return &Client{Latency: 50 * time.Millisecond} }

// Capabilities reports a small but sufficient context window.
func (c *Client) Capabilities() domain.AICapabilities {
	return domain.AICapabilities{SupportsPromptCache: false, MaxContextTokens: 16000}
}

// Generate inspects the latest user message and returns canned JSON for
// the matching pipeline stage.
func (c *Client) Generate(ctx context.Context, req domain.GenerateRequest) (domain.GenerateResponse, error) {
	if c.Latency > 0 {
		select {
		case <-time.After(c.Latency):
		case <-ctx.Done():
			return domain.GenerateResponse{}, ctx.Err()
		}
	}
	var prompt string
	if len(req.Messages) > 0 {
		prompt = req.Messages[len(req.Messages)-1].Content
	}
	content := payloadFor(prompt)
	return domain.GenerateResponse{
		Content: content,
		Usage: domain.TokenUsage{
			InputTokens:  (len(req.System) + len(prompt)) / 4,
			OutputTokens: len(content) / 4,
		},
	}, nil
}

func payloadFor(prompt string) string {
	switch {
	case strings.Contains(prompt, "extract structured information"):
		return `{"type":"task","urgency":"soon","entities":{"people":[],"dates":[],"places":[],"topics":["planning"]},"emotional_tone":"neutral","implied_needs":["a concrete next step"]}`
	case strings.Contains(prompt, "deep contextual analysis"):
		return `{"goal_alignment":{"aligned_goals":["stay organized"],"conflicting_goals":[],"reasoning":"supports current focus"},"underlying_needs":["clarity"],"pattern_connections":["recurring planning theme"],"realistic_assessment":{"feasibility":"high","given_constraints":"limited evenings","time_required":"2h"},"unspoken_factors":["energy levels"]}`
	case strings.Contains(prompt, "value impact"):
		return `{"economic":{"score":5,"reasoning":"modest"},"relational":{"score":4,"reasoning":"minor"},"legacy":{"score":3,"reasoning":"small"},"health":{"score":6,"reasoning":"reduces stress"},"growth":{"score":7,"reasoning":"builds habit"},"weighted_total":5.0,"top_dimension":"growth"}`
	case strings.Contains(prompt, "action plan"):
		return `{"quick_wins":[{"action":"write it down","duration":"<30min","timing":"today","outcome":"captured"}],"main_actions":[{"action":"schedule a block","duration":"1h","prerequisites":[],"obstacles":["meetings"],"mitigation":"book early","timing":"morning"}],"delegation_opportunities":[],"success_metrics":["block completed"]}`
	case strings.Contains(prompt, "Determine the priority"):
		return `{"priority_level":"Medium","urgency_reasoning":"valuable but not urgent","strategic_fit":"supports ongoing goals","recommended_timeline":{"start":"this week","duration":"1 week","checkpoints":["first block done"]},"final_recommendation":"schedule the first block"}`
	default:
		return `{"type":"observation","urgency":"eventually","entities":{"people":[],"dates":[],"places":[],"topics":[]},"emotional_tone":"neutral","implied_needs":[]}`
	}
}

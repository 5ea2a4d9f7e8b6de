package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Context aliases context.Context so adapter signatures stay short.
type Context = context.Context

// ThoughtStatus is the persisted lifecycle state of a thought.
type ThoughtStatus string

// Status values. Transitions are monotonic:
// pending -> processing -> {completed | failed}. A failed thought may move
// back to pending only through the recovery sweeper while its attempt count
// is below the delivery budget.
const (
	ThoughtPending    ThoughtStatus = "pending"
	ThoughtProcessing ThoughtStatus = "processing"
	ThoughtCompleted  ThoughtStatus = "completed"
	ThoughtFailed     ThoughtStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s ThoughtStatus) Terminal() bool {
	return s == ThoughtCompleted || s == ThoughtFailed
}

// MaxThoughtBytes bounds the submitted text length.
const MaxThoughtBytes = 4096

// Thought is the unit of work: a user-submitted short text plus the
// accumulated analysis state.
type Thought struct {
	ID     string
	UserID string
	Text   string

	Status       ThoughtStatus
	AttemptCount int
	Outputs      StageOutputs

	Embedding          []float32
	UserContextVersion int

	ErrorKind    string
	ErrorMessage string

	CreatedAt           time.Time
	UpdatedAt           time.Time
	ProcessingStartedAt *time.Time
	ProcessedAt         *time.Time
}

// UserContext is the read-only profile every agent receives. The body is an
// opaque bounded blob; only the values ranking is interpreted, for agent 3's
// weighted total.
type UserContext struct {
	UserID    string
	Version   int
	Profile   json.RawMessage
	UpdatedAt time.Time
}

// ValuesRanking extracts the per-dimension weights from the profile blob.
// Missing or malformed rankings default every dimension to weight 1 so that
// the weighted total degrades to a plain mean.
func (u UserContext) ValuesRanking() map[string]float64 {
	weights := map[string]float64{}
	var body struct {
		ValuesRanking map[string]float64 `json:"values_ranking"`
	}
	if err := json.Unmarshal(u.Profile, &body); err == nil {
		for _, dim := range ValueDimensions() {
			if w, ok := body.ValuesRanking[dim]; ok && w > 0 {
				weights[dim] = w
			}
		}
	}
	for _, dim := range ValueDimensions() {
		if _, ok := weights[dim]; !ok {
			weights[dim] = 1
		}
	}
	return weights
}

// SubmitMode reports how an accepted thought will reach the workers.
type SubmitMode string

// Submit modes: stream when the broker accepted the event, deferred when the
// producer is disabled and the pending row waits for the sweeper or a batch
// fallback.
const (
	ModeStream   SubmitMode = "stream"
	ModeDeferred SubmitMode = "deferred"
)

// ThoughtRepository is the persistence sink. It is the sole point where
// status transitions are enforced; callers treat the row as opaque through
// this interface.
type ThoughtRepository interface {
	Create(ctx context.Context, t Thought) (string, error)
	Get(ctx context.Context, id string) (Thought, error)

	// BeginProcessing atomically moves {pending,failed} -> processing and
	// increments the attempt counter, returning the new count. A row already
	// processing within the grace window yields ErrInProgress; one stale
	// beyond the window is taken over.
	BeginProcessing(ctx context.Context, id string, grace time.Duration) (int, error)

	// WriteStage sets the named stage field; a no-op when already non-nil
	// (first-writer-wins under at-least-once redelivery).
	WriteStage(ctx context.Context, id string, stage StageName, output any) error

	// Release returns a processing row to pending after a transient failure
	// so the broker redelivery can begin again without waiting out the grace
	// window. Outputs and the attempt counter are untouched.
	Release(ctx context.Context, id string) error

	// Complete requires all five stage fields non-nil; otherwise ErrInvariant.
	Complete(ctx context.Context, id string, embedding []float32) error
	Fail(ctx context.Context, id, kind, message string) error

	SetUserContextVersion(ctx context.Context, id string, version int) error
	ListStuck(ctx context.Context, olderThan time.Time, offset, limit int) ([]Thought, error)
}

// UserContextRepository loads user profiles; read-only to the core.
type UserContextRepository interface {
	Get(ctx context.Context, userID string) (UserContext, error)
}

// Queue is the broker producer port.
type Queue interface {
	// SubmitThought publishes a ThoughtCreated event keyed by user id. It
	// returns ModeDeferred without publishing when the producer is disabled.
	SubmitThought(ctx context.Context, thoughtID, userID, text, priorityHint string) (SubmitMode, error)
}

// AIMessage is one turn of an LLM conversation.
type AIMessage struct {
	Role    string
	Content string
}

// GenerateRequest is a uniform completion request across providers.
// CacheableContext marks the portion of the system prompt the provider may
// cache; adapters without prompt-cache support fold it into the system prompt.
type GenerateRequest struct {
	System           string
	CacheableContext string
	Messages         []AIMessage
	MaxTokens        int
}

// TokenUsage reports provider-billed token counts.
type TokenUsage struct {
	InputTokens  int
	OutputTokens int
}

// GenerateResponse is the uniform completion result.
type GenerateResponse struct {
	Content string
	Usage   TokenUsage
}

// AICapabilities advertises what a provider supports.
type AICapabilities struct {
	SupportsPromptCache bool
	MaxContextTokens    int
}

// AIClient is the pluggable LLM port.
type AIClient interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
	Capabilities() AICapabilities
}

// Embedder produces fixed-dimension vectors for thought text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimension() int
}

// SemanticCache guards the pipeline with per-user vector similarity lookups.
// Implementations must never fail a thought: internal errors are swallowed
// and reported as a miss.
type SemanticCache interface {
	Lookup(ctx context.Context, userID, text string, embedding []float32) (StageOutputs, bool)
	Store(ctx context.Context, userID, text string, embedding []float32, outputs StageOutputs)
}

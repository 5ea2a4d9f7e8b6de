// Package event defines the wire-level envelope exchanged on the broker and
// the fan-out bus, with a canonical JSON codec. The same encoding is used on
// both transports; there is no schema translation between them.
package event

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fairyhunter13/thought-analyzer/internal/domain"
)

// Type tags the envelope variant.
type Type string

// Event types.
const (
	TypeThoughtCreated        Type = "thought_created"
	TypeThoughtProcessing     Type = "thought_processing"
	TypeThoughtAgentCompleted Type = "thought_agent_completed"
	TypeThoughtCompleted      Type = "thought_completed"
	TypeThoughtFailed         Type = "thought_failed"
)

// SchemaVersion is the only envelope version this build recognizes.
const SchemaVersion = 1

// Envelope is the common record for every event variant. Variant fields are
// zero/omitted for types that do not carry them.
type Envelope struct {
	EventID       string    `json:"event_id"`
	EventType     Type      `json:"event_type"`
	SchemaVersion int       `json:"schema_version"`
	OccurredAt    time.Time `json:"occurred_at"`
	ThoughtID     string    `json:"thought_id"`
	UserID        string    `json:"user_id"`

	// thought_created
	Text         string `json:"text,omitempty"`
	PriorityHint string `json:"priority_hint,omitempty"`

	// thought_agent_completed
	AgentName       string          `json:"agent_name,omitempty"`
	AgentNumber     int             `json:"agent_number,omitempty"`
	TotalAgents     int             `json:"total_agents,omitempty"`
	ProgressPercent int             `json:"progress_percent,omitempty"`
	AgentOutput     json.RawMessage `json:"agent_output,omitempty"`

	// thought_completed
	ProcessingTimeSeconds float64 `json:"processing_time_seconds,omitempty"`
	CacheHit              *bool   `json:"cache_hit,omitempty"`

	// thought_failed
	ErrorKind    string `json:"error_kind,omitempty"`
	ErrorMessage string `json:"error_message,omitempty"`
	RetryCount   int    `json:"retry_count,omitempty"`

	// Set only on dead-letter copies of the original envelope.
	FailureReason string `json:"failure_reason,omitempty"`
}

var knownTypes = map[Type]bool{
	TypeThoughtCreated:        true,
	TypeThoughtProcessing:     true,
	TypeThoughtAgentCompleted: true,
	TypeThoughtCompleted:      true,
	TypeThoughtFailed:         true,
}

func newEnvelope(t Type, thoughtID, userID string) Envelope {
	return Envelope{
		EventID:       ulid.MustNew(ulid.Timestamp(time.Now().UTC()), rand.Reader).String(),
		EventType:     t,
		SchemaVersion: SchemaVersion,
		OccurredAt:    time.Now().UTC(),
		ThoughtID:     thoughtID,
		UserID:        userID,
	}
}

// NewThoughtCreated builds the work order published to the broker.
func NewThoughtCreated(thoughtID, userID, text, priorityHint string) Envelope {
	env := newEnvelope(TypeThoughtCreated, thoughtID, userID)
	env.Text = text
	env.PriorityHint = priorityHint
	return env
}

// NewThoughtProcessing announces the start of a pipeline run.
func NewThoughtProcessing(thoughtID, userID string) Envelope {
	return newEnvelope(TypeThoughtProcessing, thoughtID, userID)
}

// NewAgentCompleted reports progress after one agent stage. The stage output
// is optional and omitted by callers when large.
func NewAgentCompleted(thoughtID, userID, agentName string, agentNumber int, output json.RawMessage) Envelope {
	env := newEnvelope(TypeThoughtAgentCompleted, thoughtID, userID)
	env.AgentName = agentName
	env.AgentNumber = agentNumber
	env.TotalAgents = domain.TotalStages
	env.ProgressPercent = agentNumber * 100 / domain.TotalStages
	env.AgentOutput = output
	return env
}

// NewThoughtCompleted reports a successful terminal transition.
func NewThoughtCompleted(thoughtID, userID string, processingTime time.Duration, cacheHit bool) Envelope {
	env := newEnvelope(TypeThoughtCompleted, thoughtID, userID)
	env.ProcessingTimeSeconds = processingTime.Seconds()
	env.CacheHit = &cacheHit
	return env
}

// NewThoughtFailed reports a failed terminal transition.
func NewThoughtFailed(thoughtID, userID, errorKind, errorMessage string, retryCount int) Envelope {
	env := newEnvelope(TypeThoughtFailed, thoughtID, userID)
	env.ErrorKind = errorKind
	env.ErrorMessage = errorMessage
	env.RetryCount = retryCount
	return env
}

// Encode serializes the envelope to canonical JSON.
func (e Envelope) Encode() ([]byte, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("op=event.encode: %w", err)
	}
	return b, nil
}

// Decode parses and validates an envelope. Unrecognized schema versions and
// unknown event types are permanent payload errors; the consumer routes them
// to the dead-letter topic.
func Decode(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope{}, fmt.Errorf("op=event.decode: %w: %v", domain.ErrInvalidPayload, err)
	}
	if env.SchemaVersion != SchemaVersion {
		return Envelope{}, fmt.Errorf("op=event.decode: %w: schema_version %d", domain.ErrInvalidPayload, env.SchemaVersion)
	}
	if !knownTypes[env.EventType] {
		return Envelope{}, fmt.Errorf("op=event.decode: %w: event_type %q", domain.ErrInvalidPayload, env.EventType)
	}
	if env.ThoughtID == "" || env.UserID == "" {
		return Envelope{}, fmt.Errorf("op=event.decode: %w: missing ids", domain.ErrInvalidPayload)
	}
	return env, nil
}

// Publisher pushes envelopes onto the per-user fan-out channel.
type Publisher interface {
	Publish(ctx context.Context, userID string, env Envelope) error
}

// Subscription is a live per-user stream of envelopes. Close releases the
// underlying pub/sub resources within a small bounded time.
type Subscription interface {
	C() <-chan Envelope
	Close() error
}

// Bus is the process-external fan-out transport. Delivery is best-effort:
// with no subscriber connected the event is dropped, and there is no replay.
type Bus interface {
	Publisher
	Subscribe(ctx context.Context, userID string) (Subscription, error)
}

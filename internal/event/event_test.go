package event_test

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/thought-analyzer/internal/domain"
	"github.com/fairyhunter13/thought-analyzer/internal/event"
)

func TestEnvelope_RoundTrip(t *testing.T) {
	t.Parallel()
	env := event.NewThoughtCreated("th-1", "u-1", "call the doctor", "high")
	require.NotEmpty(t, env.EventID)
	require.Equal(t, event.SchemaVersion, env.SchemaVersion)

	b, err := env.Encode()
	require.NoError(t, err)

	got, err := event.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, env.EventID, got.EventID)
	assert.Equal(t, event.TypeThoughtCreated, got.EventType)
	assert.Equal(t, "th-1", got.ThoughtID)
	assert.Equal(t, "u-1", got.UserID)
	assert.Equal(t, "call the doctor", got.Text)
	assert.Equal(t, "high", got.PriorityHint)
}

func TestDecode_RejectsBadInput(t *testing.T) {
	t.Parallel()
	_, err := event.Decode([]byte("{not json"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrInvalidPayload))

	good := event.NewThoughtProcessing("th-1", "u-1")

	wrongVersion := good
	wrongVersion.SchemaVersion = 99
	b, _ := json.Marshal(wrongVersion)
	_, err = event.Decode(b)
	assert.True(t, errors.Is(err, domain.ErrInvalidPayload))

	unknownType := good
	unknownType.EventType = "thought_exploded"
	b, _ = json.Marshal(unknownType)
	_, err = event.Decode(b)
	assert.True(t, errors.Is(err, domain.ErrInvalidPayload))

	noIDs := good
	noIDs.ThoughtID = ""
	b, _ = json.Marshal(noIDs)
	_, err = event.Decode(b)
	assert.True(t, errors.Is(err, domain.ErrInvalidPayload))
}

func TestNewAgentCompleted_Progress(t *testing.T) {
	t.Parallel()
	env := event.NewAgentCompleted("th-1", "u-1", "analysis", 2, json.RawMessage(`{"x":1}`))
	assert.Equal(t, event.TypeThoughtAgentCompleted, env.EventType)
	assert.Equal(t, 2, env.AgentNumber)
	assert.Equal(t, domain.TotalStages, env.TotalAgents)
	assert.Equal(t, 40, env.ProgressPercent)
}

func TestNewThoughtCompleted_CacheHitSerialized(t *testing.T) {
	t.Parallel()
	env := event.NewThoughtCompleted("th-1", "u-1", 1500*time.Millisecond, false)
	b, err := env.Encode()
	require.NoError(t, err)
	// cache_hit=false must survive encoding rather than being omitted.
	assert.Contains(t, string(b), `"cache_hit":false`)
	assert.Contains(t, string(b), `"processing_time_seconds":1.5`)
}

func TestEventIDs_Unique(t *testing.T) {
	t.Parallel()
	a := event.NewThoughtProcessing("th-1", "u-1")
	b := event.NewThoughtProcessing("th-1", "u-1")
	assert.NotEqual(t, a.EventID, b.EventID)
}

package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kgo"

	"github.com/fairyhunter13/thought-analyzer/internal/config"
	"github.com/fairyhunter13/thought-analyzer/internal/domain"
	"github.com/fairyhunter13/thought-analyzer/internal/event"
)

type nopHandler struct{}

func (nopHandler) Process(context.Context, event.Envelope) error { return nil }

type errHandler struct{ err error }

func (h errHandler) Process(context.Context, event.Envelope) error { return h.err }

type captureDLQ struct {
	records []*kgo.Record
	err     error
}

func (d *captureDLQ) ProduceSync(_ context.Context, rs ...*kgo.Record) kgo.ProduceResults {
	d.records = append(d.records, rs...)
	return kgo.ProduceResults{{Record: rs[0], Err: d.err}}
}

func testConsumer(h Handler, dlq *captureDLQ) *Consumer {
	return &Consumer{
		dlq:     dlq,
		cfg:     config.Config{DLQTopic: "thoughts.dlq"},
		handler: h,
	}
}

func workRecord(t *testing.T) (*kgo.Record, event.Envelope) {
	t.Helper()
	env := event.NewThoughtCreated("th_01", "user-7", "ship the release notes", "")
	b, err := env.Encode()
	require.NoError(t, err)
	return &kgo.Record{Topic: "thoughts.created", Key: []byte(env.UserID), Value: b}, env
}

func TestNewConsumer_RequiresBrokersAndGroup(t *testing.T) {
	t.Parallel()
	_, err := NewConsumer(config.Config{ConsumerGroup: "thought-workers"}, nopHandler{})
	require.Error(t, err)

	_, err = NewConsumer(config.Config{KafkaBrokers: []string{"localhost:9092"}}, nopHandler{})
	require.Error(t, err)
}

func TestHandleRecord_SuccessfulDeliveryCommits(t *testing.T) {
	t.Parallel()
	dlq := &captureDLQ{}
	c := testConsumer(nopHandler{}, dlq)
	rec, _ := workRecord(t)

	require.NoError(t, c.handleRecord(context.Background(), rec))
	assert.Empty(t, dlq.records)
}

func TestHandleRecord_TransientErrorRedelivers(t *testing.T) {
	t.Parallel()
	dlq := &captureDLQ{}
	handlerErr := fmt.Errorf("op=pipeline.classify: %w", domain.ErrNetwork)
	c := testConsumer(errHandler{err: handlerErr}, dlq)
	rec, _ := workRecord(t)

	err := c.handleRecord(context.Background(), rec)
	require.Error(t, err)
	assert.True(t, errors.Is(err, domain.ErrNetwork))
	assert.Empty(t, dlq.records, "a transient failure must not reach the dead letter topic")
}

func TestHandleRecord_PermanentErrorDeadLetters(t *testing.T) {
	t.Parallel()
	dlq := &captureDLQ{}
	handlerErr := fmt.Errorf("op=pipeline.classify: %w: refused by policy", domain.ErrContentPolicy)
	c := testConsumer(errHandler{err: handlerErr}, dlq)
	rec, orig := workRecord(t)

	require.NoError(t, c.handleRecord(context.Background(), rec),
		"a permanent failure is absorbed so the offset commits")
	require.Len(t, dlq.records, 1)

	dead := dlq.records[0]
	assert.Equal(t, "thoughts.dlq", dead.Topic)
	assert.Equal(t, []byte(orig.UserID), dead.Key)
	assert.Empty(t, dead.Headers)

	env, err := event.Decode(dead.Value)
	require.NoError(t, err)
	assert.Equal(t, orig.ThoughtID, env.ThoughtID)
	assert.Equal(t, orig.Text, env.Text)
	assert.Equal(t, handlerErr.Error(), env.FailureReason)
}

func TestHandleRecord_MalformedRecordDeadLettersWithRawPayload(t *testing.T) {
	t.Parallel()
	dlq := &captureDLQ{}
	c := testConsumer(nopHandler{}, dlq)
	raw := []byte(`{"event_type": "not a real event"`)
	rec := &kgo.Record{Topic: "thoughts.created", Value: raw}

	require.NoError(t, c.handleRecord(context.Background(), rec))
	require.Len(t, dlq.records, 1)

	dead := dlq.records[0]
	assert.Equal(t, "thoughts.dlq", dead.Topic)
	require.Len(t, dead.Headers, 1)
	assert.Equal(t, "original_payload", dead.Headers[0].Key)
	assert.Equal(t, raw, dead.Headers[0].Value)

	// The synthesized envelope carries no ids, only the failure reason.
	var env event.Envelope
	require.NoError(t, json.Unmarshal(dead.Value, &env))
	assert.NotEmpty(t, env.FailureReason)
}

func TestHandleRecord_CanceledContextRedelivers(t *testing.T) {
	t.Parallel()
	dlq := &captureDLQ{}
	c := testConsumer(errHandler{err: context.Canceled}, dlq)
	rec, _ := workRecord(t)

	err := c.handleRecord(context.Background(), rec)
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, dlq.records)
}

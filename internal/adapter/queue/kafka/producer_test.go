package kafka

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/twmb/franz-go/pkg/kerr"

	"github.com/fairyhunter13/thought-analyzer/internal/config"
	"github.com/fairyhunter13/thought-analyzer/internal/domain"
)

func TestNewProducer_DisabledDefersSubmissions(t *testing.T) {
	t.Parallel()
	p, err := NewProducer(config.Config{ProducerEnabled: false})
	require.NoError(t, err)

	mode, err := p.SubmitThought(context.Background(), "th-1", "u-1", "text", "")
	require.NoError(t, err)
	assert.Equal(t, domain.ModeDeferred, mode)

	assert.Error(t, p.Ping(context.Background()), "disabled producer is never ready")
	assert.NoError(t, p.Close())
}

func TestNewProducer_RequiresBrokers(t *testing.T) {
	t.Parallel()
	_, err := NewProducer(config.Config{ProducerEnabled: true})
	require.Error(t, err)
}

func TestRetriablePublishError(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name      string
		err       error
		retriable bool
	}{
		{"leader not available", kerr.LeaderNotAvailable, true},
		{"not enough replicas", kerr.NotEnoughReplicas, true},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("produce: %w", context.DeadlineExceeded), true},
		{"dial failure", &net.OpError{Op: "dial", Err: errors.New("connection refused")}, true},
		{"invalid topic", kerr.InvalidTopicException, false},
		{"message too large", kerr.MessageTooLarge, false},
		{"context canceled", context.Canceled, false},
		{"unknown error", errors.New("record failed"), false},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.retriable, retriablePublishError(tc.err))
		})
	}
}

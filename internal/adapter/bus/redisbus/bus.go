// Package redisbus implements the progress event bus on Redis pub/sub.
// Each user has one channel; workers publish envelopes and SSE handlers
// subscribe to relay them.
package redisbus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/fairyhunter13/thought-analyzer/internal/adapter/observability"
	"github.com/fairyhunter13/thought-analyzer/internal/event"
)

// Bus implements event.Bus on a Redis client.
type Bus struct {
	rdb    redis.UniversalClient
	prefix string
}

// New constructs a bus. prefix names the channel namespace, so the
// channel for a user is "<prefix>:<user_id>".
func New(rdb redis.UniversalClient, prefix string) *Bus {
	return &Bus{rdb: rdb, prefix: prefix}
}

// NewFromURL dials Redis from a URL.
func NewFromURL(url, prefix string) (*Bus, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("op=redisbus.NewFromURL: %w", err)
	}
	return New(redis.NewClient(opt), prefix), nil
}

// Client exposes the underlying Redis client for readiness probes.
func (b *Bus) Client() redis.UniversalClient { return b.rdb }

func (b *Bus) channel(userID string) string {
	return b.prefix + ":" + userID
}

// Publish pushes an envelope onto the user's channel. Publish failures
// don't fail the pipeline; progress delivery is best effort.
func (b *Bus) Publish(ctx context.Context, userID string, env event.Envelope) error {
	payload, err := env.Encode()
	if err != nil {
		return fmt.Errorf("op=redisbus.Publish: %w", err)
	}
	if err := b.rdb.Publish(ctx, b.channel(userID), payload).Err(); err != nil {
		return fmt.Errorf("op=redisbus.Publish: %w", err)
	}
	observability.EventsPublishedTotal.WithLabelValues(string(env.EventType)).Inc()
	return nil
}

// Subscribe opens a live stream of the user's envelopes. The subscription
// ends when Close is called or the context is cancelled.
func (b *Bus) Subscribe(ctx context.Context, userID string) (event.Subscription, error) {
	ps := b.rdb.Subscribe(ctx, b.channel(userID))
	// Force the subscribe round trip so a broken connection surfaces here
	// instead of as a silent empty stream.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("op=redisbus.Subscribe: %w", err)
	}

	sub := &subscription{ps: ps, ch: make(chan event.Envelope, 16)}
	go sub.pump(ctx, userID)
	return sub, nil
}

type subscription struct {
	ps *redis.PubSub
	ch chan event.Envelope
}

func (s *subscription) C() <-chan event.Envelope { return s.ch }

func (s *subscription) Close() error {
	return s.ps.Close()
}

// pump relays raw pub/sub messages into the typed channel until the
// underlying subscription closes. Undecodable payloads are dropped.
func (s *subscription) pump(ctx context.Context, userID string) {
	defer close(s.ch)
	msgs := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			_ = s.ps.Close()
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			env, err := event.Decode([]byte(m.Payload))
			if err != nil {
				slog.Warn("dropping undecodable progress event",
					slog.String("user_id", userID),
					slog.Any("error", err))
				continue
			}
			select {
			case s.ch <- env:
			case <-ctx.Done():
				_ = s.ps.Close()
				return
			}
		}
	}
}

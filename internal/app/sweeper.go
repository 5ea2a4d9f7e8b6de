package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/thought-analyzer/internal/adapter/observability"
	"github.com/fairyhunter13/thought-analyzer/internal/domain"
	"github.com/fairyhunter13/thought-analyzer/internal/event"
)

// Sweeper periodically rescues thoughts that stalled outside the normal
// delivery path: rows stuck in processing past the grace window (worker
// crashed mid-run) and pending rows whose job was never published (producer
// was disabled, or the publish failed after the insert).
type Sweeper struct {
	thoughts    domain.ThoughtRepository
	queue       domain.Queue
	bus         event.Publisher
	grace       time.Duration
	interval    time.Duration
	maxAttempts int
}

// NewSweeper constructs a Sweeper; a nil repository disables it.
func NewSweeper(thoughts domain.ThoughtRepository, queue domain.Queue, bus event.Publisher, grace, interval time.Duration, maxAttempts int) *Sweeper {
	if thoughts == nil {
		return nil
	}
	if grace <= 0 {
		grace = 10 * time.Minute
	}
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	return &Sweeper{
		thoughts:    thoughts,
		queue:       queue,
		bus:         bus,
		grace:       grace,
		interval:    interval,
		maxAttempts: maxAttempts,
	}
}

// Run loops until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	if s == nil || s.thoughts == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("recovery sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("thoughts.sweeper")
	ctx, span := tracer.Start(ctx, "Sweeper.sweepOnce")
	defer span.End()

	cutoff := time.Now().UTC().Add(-s.grace)
	const pageSize = 100

	totalChecked := 0
	totalRepublished := 0
	totalFailed := 0

	for offset := 0; ; offset += pageSize {
		thoughts, err := s.thoughts.ListStuck(ctx, cutoff, offset, pageSize)
		if err != nil {
			span.RecordError(err)
			slog.Error("sweep failed to list stalled thoughts", slog.Any("error", err))
			return
		}
		totalChecked += len(thoughts)
		if len(thoughts) == 0 {
			break
		}
		for _, t := range thoughts {
			if t.AttemptCount >= s.maxAttempts {
				s.failStuck(ctx, t)
				totalFailed++
				continue
			}
			if s.republish(ctx, t) {
				totalRepublished++
			}
		}
		if len(thoughts) < pageSize {
			break
		}
	}

	span.SetAttributes(
		attribute.Int("thoughts.total_checked", totalChecked),
		attribute.Int("thoughts.total_republished", totalRepublished),
		attribute.Int("thoughts.total_failed", totalFailed),
	)
	if totalChecked > 0 {
		slog.Info("sweep finished",
			slog.Int("checked", totalChecked),
			slog.Int("republished", totalRepublished),
			slog.Int("failed", totalFailed))
	}
}

// republish re-issues the work order. The consumer's claim handles stale
// processing rows, so no state change is needed before publishing.
func (s *Sweeper) republish(ctx context.Context, t domain.Thought) bool {
	if s.queue == nil {
		return false
	}
	mode, err := s.queue.SubmitThought(ctx, t.ID, t.UserID, t.Text, "")
	if err != nil {
		slog.Warn("sweep republish failed",
			slog.String("thought_id", t.ID),
			slog.Any("error", err))
		return false
	}
	if mode == domain.ModeDeferred {
		// Producer disabled on this instance; nothing the sweeper can do.
		return false
	}
	slog.Info("sweep republished stalled thought",
		slog.String("thought_id", t.ID),
		slog.String("status", string(t.Status)),
		slog.Int("attempt_count", t.AttemptCount))
	return true
}

func (s *Sweeper) failStuck(ctx context.Context, t domain.Thought) {
	msg := fmt.Sprintf("stalled in %s beyond %v with delivery budget exhausted", t.Status, s.grace)
	if err := s.thoughts.Fail(ctx, t.ID, domain.KindPermanentStuck, msg); err != nil {
		if !errors.Is(err, domain.ErrConflict) {
			slog.Error("sweep failed to mark thought failed",
				slog.String("thought_id", t.ID),
				slog.Any("error", err))
		}
		return
	}
	observability.ThoughtsFailedTotal.WithLabelValues(domain.KindPermanentStuck).Inc()
	if s.bus != nil {
		env := event.NewThoughtFailed(t.ID, t.UserID, domain.KindPermanentStuck, msg, t.AttemptCount)
		if err := s.bus.Publish(ctx, t.UserID, env); err != nil {
			slog.Warn("sweep failure event publish failed",
				slog.String("thought_id", t.ID),
				slog.Any("error", err))
		}
	}
	slog.Warn("sweep failed stuck thought",
		slog.String("thought_id", t.ID),
		slog.Int("attempt_count", t.AttemptCount))
}

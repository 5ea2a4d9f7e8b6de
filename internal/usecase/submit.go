// Package usecase contains application business logic services.
package usecase

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/thought-analyzer/internal/adapter/observability"
	"github.com/fairyhunter13/thought-analyzer/internal/domain"
	"github.com/fairyhunter13/thought-analyzer/pkg/textx"
)

// SubmitService accepts raw thoughts, persists a pending row, and hands the
// job to the broker.
type SubmitService struct {
	Thoughts domain.ThoughtRepository
	Users    domain.UserContextRepository
	Queue    domain.Queue
}

// NewSubmitService constructs a SubmitService with its dependencies.
func NewSubmitService(t domain.ThoughtRepository, u domain.UserContextRepository, q domain.Queue) SubmitService {
	return SubmitService{Thoughts: t, Users: u, Queue: q}
}

// Submit validates the text, records the pending thought, and publishes the
// job. The returned mode is deferred when the producer is disabled; the row
// then waits for the recovery sweeper.
func (s SubmitService) Submit(ctx domain.Context, userID, text, priorityHint string) (string, domain.SubmitMode, error) {
	text = textx.SanitizeText(text)
	if text == "" {
		return "", "", fmt.Errorf("%w: empty text", domain.ErrInvalidPayload)
	}
	if len(text) > domain.MaxThoughtBytes {
		return "", "", fmt.Errorf("%w: text exceeds %d bytes", domain.ErrInvalidPayload, domain.MaxThoughtBytes)
	}
	uc, err := s.Users.Get(ctx, userID)
	if err != nil {
		return "", "", err
	}

	id, err := s.Thoughts.Create(ctx, domain.Thought{
		UserID:             userID,
		Text:               text,
		UserContextVersion: uc.Version,
	})
	if err != nil {
		return "", "", err
	}

	mode, err := s.Queue.SubmitThought(ctx, id, userID, text, priorityHint)
	if err != nil {
		// The pending row survives; the sweeper republishes it later.
		slog.Warn("job publish failed, leaving thought for sweeper",
			slog.String("thought_id", id),
			slog.Any("error", err))
		return id, domain.ModeDeferred, nil
	}
	if mode == domain.ModeDeferred {
		observability.SubmitDeferredTotal.Inc()
	}
	return id, mode, nil
}

// Status reads one thought for the polling endpoint.
type StatusService struct {
	Thoughts domain.ThoughtRepository
}

// NewStatusService constructs a StatusService.
func NewStatusService(t domain.ThoughtRepository) StatusService {
	return StatusService{Thoughts: t}
}

// Fetch returns the thought row, surfacing ErrNotFound unchanged for the
// handler's 404 mapping.
func (s StatusService) Fetch(ctx domain.Context, id string) (domain.Thought, error) {
	t, err := s.Thoughts.Get(ctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return domain.Thought{}, err
		}
		return domain.Thought{}, fmt.Errorf("op=status.fetch: %w", err)
	}
	return t, nil
}

package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/thought-analyzer/internal/adapter/observability"
	"github.com/fairyhunter13/thought-analyzer/internal/config"
	"github.com/fairyhunter13/thought-analyzer/internal/domain"
	"github.com/fairyhunter13/thought-analyzer/internal/event"
	"github.com/fairyhunter13/thought-analyzer/pkg/textx"
)

// Orchestrator drives one thought through claim, cache lookup, the five
// agents, and the terminal transition. It implements the queue handler.
type Orchestrator struct {
	repo     domain.ThoughtRepository
	users    domain.UserContextRepository
	embedder domain.Embedder
	cache    domain.SemanticCache
	agents   *Agents
	bus      event.Publisher
	cfg      config.Config
}

// NewOrchestrator wires the pipeline together.
func NewOrchestrator(
	repo domain.ThoughtRepository,
	users domain.UserContextRepository,
	embedder domain.Embedder,
	sc domain.SemanticCache,
	agents *Agents,
	bus event.Publisher,
	cfg config.Config,
) *Orchestrator {
	return &Orchestrator{
		repo:     repo,
		users:    users,
		embedder: embedder,
		cache:    sc,
		agents:   agents,
		bus:      bus,
		cfg:      cfg,
	}
}

// Process handles one delivery of a thought job.
//
// A nil return means the outcome (completed or failed) is durable and the
// record may be committed. A transient error means nothing terminal was
// written, the row was released back to pending, and the delivery should
// be retried. Any other error is permanent; the row is failed and the
// caller dead-letters the record.
func (o *Orchestrator) Process(ctx context.Context, env event.Envelope) error {
	if env.EventType != event.TypeThoughtCreated {
		slog.Debug("ignoring non-job event", slog.String("event_type", string(env.EventType)))
		return nil
	}
	tracer := otel.Tracer("pipeline")
	ctx, span := tracer.Start(ctx, "pipeline.Process")
	defer span.End()
	span.SetAttributes(
		attribute.String("thought.id", env.ThoughtID),
		attribute.String("user.id", env.UserID),
	)

	attempt, err := o.repo.BeginProcessing(ctx, env.ThoughtID, o.cfg.StuckGrace)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrConflict):
		// Terminal already; an earlier delivery finished this thought.
		slog.Info("duplicate delivery for settled thought",
			slog.String("thought_id", env.ThoughtID))
		return nil
	case errors.Is(err, domain.ErrInProgress):
		return fmt.Errorf("op=pipeline.Process: %w", err)
	case errors.Is(err, domain.ErrNotFound):
		return fmt.Errorf("op=pipeline.Process: %w", err)
	default:
		// Database trouble: retryable, the claim never happened.
		return fmt.Errorf("op=pipeline.Process: %w: %v", domain.ErrNetwork, err)
	}
	observability.StartProcessingThought()

	if attempt > o.cfg.PipelineMaxAttempts {
		ferr := fmt.Errorf("%w: delivery budget exhausted after %d attempts", domain.ErrStuck, attempt)
		o.settleFailed(ctx, env, attempt, ferr)
		return fmt.Errorf("op=pipeline.Process: %w", ferr)
	}

	o.publish(ctx, env.UserID, event.NewThoughtProcessing(env.ThoughtID, env.UserID))

	if err := o.run(ctx, env, attempt); err != nil {
		if domain.IsTransient(err) && !errors.Is(err, context.Canceled) {
			if relErr := o.repo.Release(ctx, env.ThoughtID); relErr != nil {
				slog.Error("release after transient failure failed",
					slog.String("thought_id", env.ThoughtID),
					slog.Any("error", relErr))
			}
			observability.ThoughtsProcessing.Dec()
			slog.Warn("thought processing will retry",
				slog.String("thought_id", env.ThoughtID),
				slog.Int("attempt", attempt),
				slog.String("kind", domain.Kind(err)),
				slog.Any("error", err))
			return err
		}
		o.settleFailed(ctx, env, attempt, err)
		return err
	}
	return nil
}

// run executes the cache lookup and agent sequence for a claimed thought.
func (o *Orchestrator) run(ctx context.Context, env event.Envelope, attempt int) error {
	start := time.Now()

	thought, err := o.repo.Get(ctx, env.ThoughtID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrNetwork, err)
	}

	uc, err := o.users.Get(ctx, thought.UserID)
	if err != nil {
		if errors.Is(err, domain.ErrUnknownUser) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrNetwork, err)
	}
	if thought.UserContextVersion != uc.Version {
		if err := o.repo.SetUserContextVersion(ctx, thought.ID, uc.Version); err != nil {
			slog.Warn("pinning user context version failed",
				slog.String("thought_id", thought.ID),
				slog.Any("error", err))
		}
	}

	// Embedding failures only disable the cache; they never fail the run.
	var embedding []float32
	if v, err := o.embedder.Embed(ctx, textx.NormalizeForEmbedding(thought.Text)); err != nil {
		if !errors.Is(err, domain.ErrEmbeddingUnavailable) {
			slog.Warn("embedding failed, cache disabled for this thought",
				slog.String("thought_id", thought.ID),
				slog.Any("error", err))
		}
	} else {
		embedding = v
	}

	if len(embedding) > 0 {
		if outputs, ok := o.cache.Lookup(ctx, thought.UserID, thought.Text, embedding); ok {
			return o.settleFromCache(ctx, env, thought, outputs, embedding, start)
		}
	}

	outputs := thought.Outputs
	for i, stage := range domain.StageOrder() {
		if outputs.Stage(stage) != nil {
			// Written by an earlier delivery; resume past it.
			continue
		}
		result, err := o.runStage(ctx, uc, thought, stage, &outputs)
		if err != nil {
			return err
		}
		if err := o.repo.WriteStage(ctx, thought.ID, stage, result); err != nil {
			if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
				return err
			}
			return fmt.Errorf("%w: %v", domain.ErrNetwork, err)
		}
		raw, _ := domain.MarshalStage(result)
		o.publish(ctx, env.UserID, event.NewAgentCompleted(thought.ID, thought.UserID, string(stage), i+1, raw))
	}

	if err := o.repo.Complete(ctx, thought.ID, embedding); err != nil {
		if errors.Is(err, domain.ErrInvariant) || errors.Is(err, domain.ErrConflict) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrNetwork, err)
	}
	if len(embedding) > 0 {
		o.cache.Store(ctx, thought.UserID, thought.Text, embedding, outputs)
	}

	elapsed := time.Since(start)
	observability.CompleteThought(false)
	observability.PipelineDuration.Observe(elapsed.Seconds())
	o.publish(ctx, env.UserID, event.NewThoughtCompleted(thought.ID, thought.UserID, elapsed, false))
	slog.Info("thought completed",
		slog.String("thought_id", thought.ID),
		slog.String("user_id", thought.UserID),
		slog.Int("attempt", attempt),
		slog.Duration("elapsed", elapsed))
	return nil
}

// runStage dispatches one agent and records its output into outputs.
func (o *Orchestrator) runStage(ctx context.Context, uc domain.UserContext, t domain.Thought, stage domain.StageName, outputs *domain.StageOutputs) (any, error) {
	switch stage {
	case domain.StageClassification:
		v, err := o.agents.Classify(ctx, uc, t.Text)
		if err != nil {
			return nil, err
		}
		outputs.Classification = v
		return v, nil
	case domain.StageAnalysis:
		v, err := o.agents.Analyze(ctx, uc, t.Text, outputs.Classification)
		if err != nil {
			return nil, err
		}
		outputs.Analysis = v
		return v, nil
	case domain.StageValueImpact:
		v, err := o.agents.AssessValue(ctx, uc, t.Text, outputs.Classification, outputs.Analysis)
		if err != nil {
			return nil, err
		}
		outputs.ValueImpact = v
		return v, nil
	case domain.StageActionPlan:
		v, err := o.agents.PlanActions(ctx, uc, t.Text, outputs.Analysis, outputs.ValueImpact)
		if err != nil {
			return nil, err
		}
		outputs.ActionPlan = v
		return v, nil
	case domain.StagePriority:
		v, err := o.agents.Prioritize(ctx, uc, t.Text, outputs.ActionPlan, outputs.ValueImpact)
		if err != nil {
			return nil, err
		}
		outputs.Priority = v
		return v, nil
	default:
		return nil, fmt.Errorf("%w: unknown stage %q", domain.ErrInvariant, stage)
	}
}

// settleFromCache completes a thought from cached outputs without calling
// any agent.
func (o *Orchestrator) settleFromCache(ctx context.Context, env event.Envelope, t domain.Thought, outputs domain.StageOutputs, embedding []float32, start time.Time) error {
	for _, stage := range domain.StageOrder() {
		if t.Outputs.Stage(stage) != nil {
			continue
		}
		if err := o.repo.WriteStage(ctx, t.ID, stage, outputs.Stage(stage)); err != nil {
			if errors.Is(err, domain.ErrConflict) || errors.Is(err, domain.ErrNotFound) {
				return err
			}
			return fmt.Errorf("%w: %v", domain.ErrNetwork, err)
		}
	}
	if err := o.repo.Complete(ctx, t.ID, embedding); err != nil {
		if errors.Is(err, domain.ErrInvariant) || errors.Is(err, domain.ErrConflict) {
			return err
		}
		return fmt.Errorf("%w: %v", domain.ErrNetwork, err)
	}
	elapsed := time.Since(start)
	observability.CompleteThought(true)
	observability.PipelineDuration.Observe(elapsed.Seconds())
	o.publish(ctx, env.UserID, event.NewThoughtCompleted(t.ID, t.UserID, elapsed, true))
	slog.Info("thought completed from cache",
		slog.String("thought_id", t.ID),
		slog.String("user_id", t.UserID),
		slog.Duration("elapsed", elapsed))
	return nil
}

// settleFailed records a permanent failure and announces it.
func (o *Orchestrator) settleFailed(ctx context.Context, env event.Envelope, attempt int, cause error) {
	kind := domain.Kind(cause)
	if err := o.repo.Fail(ctx, env.ThoughtID, kind, cause.Error()); err != nil {
		slog.Error("recording thought failure failed",
			slog.String("thought_id", env.ThoughtID),
			slog.Any("error", err))
	}
	observability.FailThought(kind)
	o.publish(ctx, env.UserID, event.NewThoughtFailed(env.ThoughtID, env.UserID, kind, cause.Error(), attempt))
	slog.Error("thought failed permanently",
		slog.String("thought_id", env.ThoughtID),
		slog.String("user_id", env.UserID),
		slog.String("kind", kind),
		slog.Int("attempt", attempt),
		slog.Any("error", cause))
}

// publish shares a progress event; fan-out is best effort.
func (o *Orchestrator) publish(ctx context.Context, userID string, env event.Envelope) {
	if o.bus == nil {
		return
	}
	if err := o.bus.Publish(ctx, userID, env); err != nil {
		slog.Warn("progress event publish failed",
			slog.String("thought_id", env.ThoughtID),
			slog.String("event_type", string(env.EventType)),
			slog.Any("error", err))
	}
}

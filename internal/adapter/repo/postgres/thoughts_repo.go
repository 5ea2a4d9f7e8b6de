package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/thought-analyzer/internal/domain"
)

// ThoughtRepo persists and loads thoughts using a minimal pgx pool.
type ThoughtRepo struct{ Pool PgxPool }

// NewThoughtRepo constructs a ThoughtRepo with the given pool.
func NewThoughtRepo(p PgxPool) *ThoughtRepo { return &ThoughtRepo{Pool: p} }

// stageColumn maps a stage name onto its column. The whitelist keeps stage
// names out of SQL text.
func stageColumn(stage domain.StageName) (string, error) {
	for _, s := range domain.StageOrder() {
		if s == stage {
			return string(s), nil
		}
	}
	return "", fmt.Errorf("op=thought.stage_column: %w: unknown stage %q", domain.ErrInvariant, stage)
}

const thoughtColumns = `id, user_id, text, status, attempt_count,
	classification, analysis, value_impact, action_plan, priority,
	embedding, user_context_version, error_kind, error_message,
	created_at, updated_at, processing_started_at, processed_at`

// Create inserts a new pending thought and returns its id.
func (r *ThoughtRepo) Create(ctx domain.Context, t domain.Thought) (string, error) {
	tracer := otel.Tracer("repo.thoughts")
	ctx, span := tracer.Start(ctx, "thoughts.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "thoughts"),
	)
	id := t.ID
	if id == "" {
		id = uuid.New().String()
	}
	q := `INSERT INTO thoughts (id, user_id, text, status, user_context_version, created_at, updated_at)
		VALUES ($1,$2,$3,'pending',$4,now(),now())`
	_, err := r.Pool.Exec(ctx, q, id, t.UserID, t.Text, t.UserContextVersion)
	if err != nil {
		return "", fmt.Errorf("op=thought.create: %w", err)
	}
	return id, nil
}

// Get loads a thought by id.
func (r *ThoughtRepo) Get(ctx domain.Context, id string) (domain.Thought, error) {
	tracer := otel.Tracer("repo.thoughts")
	ctx, span := tracer.Start(ctx, "thoughts.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+thoughtColumns+` FROM thoughts WHERE id=$1`, id)
	t, err := scanThought(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Thought{}, fmt.Errorf("op=thought.get: %w", domain.ErrNotFound)
		}
		return domain.Thought{}, fmt.Errorf("op=thought.get: %w", err)
	}
	return t, nil
}

// BeginProcessing claims the row for this delivery. Pending and failed rows
// are claimed directly; a processing row is taken over only when its claim
// is older than the grace window. The returned count is the new attempt
// number.
func (r *ThoughtRepo) BeginProcessing(ctx domain.Context, id string, grace time.Duration) (int, error) {
	tracer := otel.Tracer("repo.thoughts")
	ctx, span := tracer.Start(ctx, "thoughts.BeginProcessing")
	defer span.End()
	staleBefore := time.Now().UTC().Add(-grace)
	q := `UPDATE thoughts
		SET status='processing', attempt_count=attempt_count+1, processing_started_at=now(), updated_at=now()
		WHERE id=$1 AND (status IN ('pending','failed')
			OR (status='processing' AND processing_started_at < $2))
		RETURNING attempt_count`
	var attempts int
	err := r.Pool.QueryRow(ctx, q, id, staleBefore).Scan(&attempts)
	if err == nil {
		return attempts, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, fmt.Errorf("op=thought.begin_processing: %w", err)
	}

	// The guarded update matched nothing; report why.
	var status string
	if err := r.Pool.QueryRow(ctx, `SELECT status FROM thoughts WHERE id=$1`, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("op=thought.begin_processing: %w", domain.ErrNotFound)
		}
		return 0, fmt.Errorf("op=thought.begin_processing: %w", err)
	}
	switch domain.ThoughtStatus(status) {
	case domain.ThoughtProcessing:
		return 0, fmt.Errorf("op=thought.begin_processing: %w", domain.ErrInProgress)
	default:
		return 0, fmt.Errorf("op=thought.begin_processing: status %s: %w", status, domain.ErrConflict)
	}
}

// WriteStage records a stage output. A stage already written by an earlier
// delivery wins; the second write is a silent no-op.
func (r *ThoughtRepo) WriteStage(ctx domain.Context, id string, stage domain.StageName, output any) error {
	tracer := otel.Tracer("repo.thoughts")
	ctx, span := tracer.Start(ctx, "thoughts.WriteStage")
	defer span.End()
	span.SetAttributes(attribute.String("stage", string(stage)))
	col, err := stageColumn(stage)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("op=thought.write_stage: marshal: %w", err)
	}
	q := fmt.Sprintf(`UPDATE thoughts SET %s=$2, updated_at=now() WHERE id=$1 AND %s IS NULL AND status='processing'`, col, col)
	tag, err := r.Pool.Exec(ctx, q, id, raw)
	if err != nil {
		return fmt.Errorf("op=thought.write_stage: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var written bool
	var status string
	check := fmt.Sprintf(`SELECT %s IS NOT NULL, status FROM thoughts WHERE id=$1`, col)
	if err := r.Pool.QueryRow(ctx, check, id).Scan(&written, &status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("op=thought.write_stage: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=thought.write_stage: %w", err)
	}
	if written {
		return nil
	}
	return fmt.Errorf("op=thought.write_stage: status %s: %w", status, domain.ErrConflict)
}

// Release returns a processing row to pending after a transient failure so
// the next delivery does not stall on the in-progress guard. Idempotent.
func (r *ThoughtRepo) Release(ctx domain.Context, id string) error {
	tracer := otel.Tracer("repo.thoughts")
	ctx, span := tracer.Start(ctx, "thoughts.Release")
	defer span.End()
	q := `UPDATE thoughts SET status='pending', processing_started_at=NULL, updated_at=now()
		WHERE id=$1 AND status='processing'`
	if _, err := r.Pool.Exec(ctx, q, id); err != nil {
		return fmt.Errorf("op=thought.release: %w", err)
	}
	return nil
}

// Complete moves the row to completed, requiring all five stage outputs.
// A row completed by an earlier delivery is accepted silently.
func (r *ThoughtRepo) Complete(ctx domain.Context, id string, embedding []float32) error {
	tracer := otel.Tracer("repo.thoughts")
	ctx, span := tracer.Start(ctx, "thoughts.Complete")
	defer span.End()
	q := `UPDATE thoughts
		SET status='completed', embedding=$2, error_kind='', error_message='',
			processed_at=now(), updated_at=now()
		WHERE id=$1 AND status='processing'
			AND classification IS NOT NULL AND analysis IS NOT NULL
			AND value_impact IS NOT NULL AND action_plan IS NOT NULL
			AND priority IS NOT NULL`
	tag, err := r.Pool.Exec(ctx, q, id, embedding)
	if err != nil {
		return fmt.Errorf("op=thought.complete: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status string
	var missing int
	check := `SELECT status,
		(classification IS NULL)::int + (analysis IS NULL)::int + (value_impact IS NULL)::int
			+ (action_plan IS NULL)::int + (priority IS NULL)::int
		FROM thoughts WHERE id=$1`
	if err := r.Pool.QueryRow(ctx, check, id).Scan(&status, &missing); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("op=thought.complete: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=thought.complete: %w", err)
	}
	if domain.ThoughtStatus(status) == domain.ThoughtCompleted {
		return nil
	}
	if missing > 0 {
		return fmt.Errorf("op=thought.complete: %d stages missing: %w", missing, domain.ErrInvariant)
	}
	return fmt.Errorf("op=thought.complete: status %s: %w", status, domain.ErrConflict)
}

// Fail moves the row to failed with a taxonomy kind and message. A row
// already failed is accepted silently; a completed row is a conflict.
func (r *ThoughtRepo) Fail(ctx domain.Context, id, kind, message string) error {
	tracer := otel.Tracer("repo.thoughts")
	ctx, span := tracer.Start(ctx, "thoughts.Fail")
	defer span.End()
	q := `UPDATE thoughts
		SET status='failed', error_kind=$2, error_message=$3, processed_at=now(), updated_at=now()
		WHERE id=$1 AND status IN ('pending','processing')`
	tag, err := r.Pool.Exec(ctx, q, id, kind, message)
	if err != nil {
		return fmt.Errorf("op=thought.fail: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	var status string
	if err := r.Pool.QueryRow(ctx, `SELECT status FROM thoughts WHERE id=$1`, id).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("op=thought.fail: %w", domain.ErrNotFound)
		}
		return fmt.Errorf("op=thought.fail: %w", err)
	}
	if domain.ThoughtStatus(status) == domain.ThoughtFailed {
		return nil
	}
	return fmt.Errorf("op=thought.fail: status %s: %w", status, domain.ErrConflict)
}

// SetUserContextVersion pins the context version the pipeline read.
func (r *ThoughtRepo) SetUserContextVersion(ctx domain.Context, id string, version int) error {
	tracer := otel.Tracer("repo.thoughts")
	ctx, span := tracer.Start(ctx, "thoughts.SetUserContextVersion")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `UPDATE thoughts SET user_context_version=$2, updated_at=now() WHERE id=$1`, id, version); err != nil {
		return fmt.Errorf("op=thought.set_context_version: %w", err)
	}
	return nil
}

// ListStuck pages through rows the sweeper cares about: processing rows
// whose claim predates olderThan, and pending rows untouched since then
// (deferred submissions waiting for a publisher).
func (r *ThoughtRepo) ListStuck(ctx domain.Context, olderThan time.Time, offset, limit int) ([]domain.Thought, error) {
	tracer := otel.Tracer("repo.thoughts")
	ctx, span := tracer.Start(ctx, "thoughts.ListStuck")
	defer span.End()
	q := `SELECT ` + thoughtColumns + ` FROM thoughts
		WHERE (status='processing' AND processing_started_at < $1)
			OR (status='pending' AND updated_at < $1)
		ORDER BY updated_at ASC
		OFFSET $2 LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, olderThan.UTC(), offset, limit)
	if err != nil {
		return nil, fmt.Errorf("op=thought.list_stuck: %w", err)
	}
	defer rows.Close()
	var out []domain.Thought
	for rows.Next() {
		t, err := scanThought(rows)
		if err != nil {
			return nil, fmt.Errorf("op=thought.list_stuck: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=thought.list_stuck: %w", err)
	}
	return out, nil
}

// scanThought reads one row in thoughtColumns order.
func scanThought(row pgx.Row) (domain.Thought, error) {
	var t domain.Thought
	var classification, analysis, valueImpact, actionPlan, priority []byte
	err := row.Scan(
		&t.ID, &t.UserID, &t.Text, &t.Status, &t.AttemptCount,
		&classification, &analysis, &valueImpact, &actionPlan, &priority,
		&t.Embedding, &t.UserContextVersion, &t.ErrorKind, &t.ErrorMessage,
		&t.CreatedAt, &t.UpdatedAt, &t.ProcessingStartedAt, &t.ProcessedAt,
	)
	if err != nil {
		return domain.Thought{}, err
	}
	if err := unmarshalStage(classification, &t.Outputs.Classification); err != nil {
		return domain.Thought{}, err
	}
	if err := unmarshalStage(analysis, &t.Outputs.Analysis); err != nil {
		return domain.Thought{}, err
	}
	if err := unmarshalStage(valueImpact, &t.Outputs.ValueImpact); err != nil {
		return domain.Thought{}, err
	}
	if err := unmarshalStage(actionPlan, &t.Outputs.ActionPlan); err != nil {
		return domain.Thought{}, err
	}
	if err := unmarshalStage(priority, &t.Outputs.Priority); err != nil {
		return domain.Thought{}, err
	}
	return t, nil
}

func unmarshalStage[T any](raw []byte, dst **T) error {
	if len(raw) == 0 {
		return nil
	}
	v := new(T)
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("stage decode: %w", err)
	}
	*dst = v
	return nil
}

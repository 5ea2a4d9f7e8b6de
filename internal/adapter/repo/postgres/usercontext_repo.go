package postgres

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/thought-analyzer/internal/domain"
)

// UserContextRepo loads user profiles. The pipeline reads contexts but
// never writes them; profile management belongs to an upstream system.
type UserContextRepo struct{ Pool PgxPool }

// NewUserContextRepo constructs a UserContextRepo with the given pool.
func NewUserContextRepo(p PgxPool) *UserContextRepo { return &UserContextRepo{Pool: p} }

// Get loads a user context by user id. A missing row is ErrUnknownUser so
// the consumer can dead-letter jobs for users that were never provisioned.
func (r *UserContextRepo) Get(ctx domain.Context, userID string) (domain.UserContext, error) {
	tracer := otel.Tracer("repo.user_contexts")
	ctx, span := tracer.Start(ctx, "user_contexts.Get")
	defer span.End()
	q := `SELECT user_id, version, profile, updated_at FROM user_contexts WHERE user_id=$1`
	var u domain.UserContext
	if err := r.Pool.QueryRow(ctx, q, userID).Scan(&u.UserID, &u.Version, &u.Profile, &u.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.UserContext{}, fmt.Errorf("op=user_context.get: %w", domain.ErrUnknownUser)
		}
		return domain.UserContext{}, fmt.Errorf("op=user_context.get: %w", err)
	}
	return u, nil
}

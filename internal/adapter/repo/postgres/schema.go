package postgres

import (
	"context"
	"fmt"
)

// Schema is the full DDL for the thoughts and user_contexts tables. Stage
// outputs live in one jsonb column per stage so a partially processed row
// can resume from its last completed stage after redelivery.
const Schema = `
CREATE TABLE IF NOT EXISTS user_contexts (
	user_id     TEXT PRIMARY KEY,
	version     INT NOT NULL DEFAULT 1,
	profile     JSONB NOT NULL DEFAULT '{}'::jsonb,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS thoughts (
	id                    TEXT PRIMARY KEY,
	user_id               TEXT NOT NULL REFERENCES user_contexts(user_id),
	text                  TEXT NOT NULL,
	status                TEXT NOT NULL DEFAULT 'pending',
	attempt_count         INT NOT NULL DEFAULT 0,

	classification        JSONB,
	analysis              JSONB,
	value_impact          JSONB,
	action_plan           JSONB,
	priority              JSONB,

	embedding             REAL[],
	user_context_version  INT NOT NULL DEFAULT 0,

	error_kind            TEXT NOT NULL DEFAULT '',
	error_message         TEXT NOT NULL DEFAULT '',

	created_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at            TIMESTAMPTZ NOT NULL DEFAULT now(),
	processing_started_at TIMESTAMPTZ,
	processed_at          TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_thoughts_user_created ON thoughts (user_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_thoughts_status_started ON thoughts (status, processing_started_at);
`

// EnsureSchema applies the DDL. Statements are idempotent.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	if _, err := pool.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("op=postgres.EnsureSchema: %w", err)
	}
	return nil
}

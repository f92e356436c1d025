// Package postgres provides a PostgreSQL-backed implementation of
// [memory.Store] for deployments where the learning store must be shared
// across machines or outlive a single workstation.
//
// The schema mirrors the embedded SQLite backend: three relations
// (memories, learnings, patterns) with identical upsert and promotion
// semantics. [Migrate] is idempotent and runs on every open.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, dsn)
//	if err != nil { … }
//	defer store.Close()
//
//	id, _ := store.StoreMemory(ctx, memory.Memory{Key: "style", Value: "tabs"})
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL — memories
// ─────────────────────────────────────────────────────────────────────────────

const ddlMemories = `
CREATE TABLE IF NOT EXISTS memories (
    id           TEXT              PRIMARY KEY,
    key          TEXT              NOT NULL,
    value        JSONB             NOT NULL DEFAULT 'null',
    category     TEXT              NOT NULL DEFAULT '',
    project_path TEXT              NOT NULL DEFAULT '',
    confidence   DOUBLE PRECISION  NOT NULL DEFAULT 0,
    access_count INTEGER           NOT NULL DEFAULT 0,
    created_at   TIMESTAMPTZ       NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ       NOT NULL DEFAULT now(),
    expires_at   TIMESTAMPTZ,
    tags         JSONB             NOT NULL DEFAULT '[]',
    UNIQUE (key, project_path)
);

CREATE INDEX IF NOT EXISTS idx_memories_category ON memories (category);
CREATE INDEX IF NOT EXISTS idx_memories_project  ON memories (project_path);
CREATE INDEX IF NOT EXISTS idx_memories_expires  ON memories (expires_at);
CREATE INDEX IF NOT EXISTS idx_memories_tags     ON memories USING GIN (tags);
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — learnings
// ─────────────────────────────────────────────────────────────────────────────

const ddlLearnings = `
CREATE TABLE IF NOT EXISTS learnings (
    id              TEXT              PRIMARY KEY,
    session_id      TEXT              NOT NULL DEFAULT '',
    user_input      TEXT              NOT NULL DEFAULT '',
    intent          TEXT              NOT NULL DEFAULT '',
    tasks_completed JSONB             NOT NULL DEFAULT '[]',
    success         BOOLEAN           NOT NULL DEFAULT FALSE,
    duration_ns     BIGINT            NOT NULL DEFAULT 0,
    learnings       JSONB             NOT NULL DEFAULT '[]',
    suggestions     JSONB             NOT NULL DEFAULT '[]',
    project_path    TEXT              NOT NULL DEFAULT '',
    confidence      DOUBLE PRECISION  NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ       NOT NULL DEFAULT now(),
    metadata        JSONB             NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_learnings_intent  ON learnings (intent);
CREATE INDEX IF NOT EXISTS idx_learnings_created ON learnings (created_at);
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — patterns
// ─────────────────────────────────────────────────────────────────────────────

const ddlPatterns = `
CREATE TABLE IF NOT EXISTS patterns (
    id           TEXT              PRIMARY KEY,
    pattern_type TEXT              NOT NULL,
    pattern_data TEXT              NOT NULL,
    frequency    INTEGER           NOT NULL DEFAULT 1,
    confidence   DOUBLE PRECISION  NOT NULL DEFAULT 0,
    created_at   TIMESTAMPTZ       NOT NULL DEFAULT now(),
    updated_at   TIMESTAMPTZ       NOT NULL DEFAULT now(),
    last_seen    TIMESTAMPTZ       NOT NULL DEFAULT now(),
    UNIQUE (pattern_type, pattern_data)
);

CREATE INDEX IF NOT EXISTS idx_patterns_type ON patterns (pattern_type);
`

// Migrate creates or ensures all required tables and indices exist.
// It is idempotent (CREATE TABLE IF NOT EXISTS / CREATE INDEX IF NOT EXISTS)
// and safe to call on every application start.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		ddlMemories,
		ddlLearnings,
		ddlPatterns,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres migrate: %w", err)
		}
	}
	return nil
}

// Low-value sweep bounds, identical to the SQLite backend.
const (
	sweepMinConfidence = 0.3
	sweepGracePeriod   = 7 * 24 * time.Hour
)

// sweep removes expired and low-value memories. Runs once on open.
func sweep(ctx context.Context, pool *pgxpool.Pool) (int64, error) {
	var removed int64

	tag, err := pool.Exec(ctx,
		`DELETE FROM memories WHERE expires_at IS NOT NULL AND expires_at < now()`)
	if err != nil {
		return 0, fmt.Errorf("expiry sweep: %w", err)
	}
	removed += tag.RowsAffected()

	tag, err = pool.Exec(ctx,
		`DELETE FROM memories WHERE confidence < $1 AND access_count = 0 AND created_at < $2`,
		sweepMinConfidence, time.Now().Add(-sweepGracePeriod))
	if err != nil {
		return removed, fmt.Errorf("low-value sweep: %w", err)
	}
	removed += tag.RowsAffected()

	return removed, nil
}

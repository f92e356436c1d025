// Package sqlite provides the default embedded implementation of
// [memory.Store], backed by the pure-Go modernc.org/sqlite driver.
//
// The store keeps all three relations (memories, learnings, patterns) in a
// single database file. Write-ahead logging is enabled on open and the
// connection pool is pinned to one connection, which serialises writers and
// keeps SQLITE_BUSY out of the hot path.
//
// Usage:
//
//	store, err := sqlite.Open("~/.polyvox/memory.db")
//	if err != nil { … }
//	defer store.Close()
//
//	id, _ := store.StoreMemory(ctx, memory.Memory{Key: "style", Value: "tabs"})
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ─────────────────────────────────────────────────────────────────────────────
// DDL — memories
// ─────────────────────────────────────────────────────────────────────────────

const ddlMemories = `
CREATE TABLE IF NOT EXISTS memories (
    id           TEXT    PRIMARY KEY,
    key          TEXT    NOT NULL,
    value        TEXT    NOT NULL DEFAULT 'null',
    category     TEXT    NOT NULL DEFAULT '',
    project_path TEXT    NOT NULL DEFAULT '',
    confidence   REAL    NOT NULL DEFAULT 0,
    access_count INTEGER NOT NULL DEFAULT 0,
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL,
    expires_at   INTEGER,
    tags         TEXT    NOT NULL DEFAULT '[]',
    UNIQUE (key, project_path)
);

CREATE INDEX IF NOT EXISTS idx_memories_category ON memories (category);
CREATE INDEX IF NOT EXISTS idx_memories_project  ON memories (project_path);
CREATE INDEX IF NOT EXISTS idx_memories_expires  ON memories (expires_at);
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — learnings
// ─────────────────────────────────────────────────────────────────────────────

const ddlLearnings = `
CREATE TABLE IF NOT EXISTS learnings (
    id              TEXT    PRIMARY KEY,
    session_id      TEXT    NOT NULL DEFAULT '',
    user_input      TEXT    NOT NULL DEFAULT '',
    intent          TEXT    NOT NULL DEFAULT '',
    tasks_completed TEXT    NOT NULL DEFAULT '[]',
    success         INTEGER NOT NULL DEFAULT 0,
    duration_ns     INTEGER NOT NULL DEFAULT 0,
    learnings       TEXT    NOT NULL DEFAULT '[]',
    suggestions     TEXT    NOT NULL DEFAULT '[]',
    project_path    TEXT    NOT NULL DEFAULT '',
    confidence      REAL    NOT NULL DEFAULT 0,
    created_at      INTEGER NOT NULL,
    metadata        TEXT    NOT NULL DEFAULT '{}'
);

CREATE INDEX IF NOT EXISTS idx_learnings_intent  ON learnings (intent);
CREATE INDEX IF NOT EXISTS idx_learnings_created ON learnings (created_at);
`

// ─────────────────────────────────────────────────────────────────────────────
// DDL — patterns
// ─────────────────────────────────────────────────────────────────────────────

const ddlPatterns = `
CREATE TABLE IF NOT EXISTS patterns (
    id           TEXT    PRIMARY KEY,
    pattern_type TEXT    NOT NULL,
    pattern_data TEXT    NOT NULL,
    frequency    INTEGER NOT NULL DEFAULT 1,
    confidence   REAL    NOT NULL DEFAULT 0,
    created_at   INTEGER NOT NULL,
    updated_at   INTEGER NOT NULL,
    last_seen    INTEGER NOT NULL,
    UNIQUE (pattern_type, pattern_data)
);

CREATE INDEX IF NOT EXISTS idx_patterns_type ON patterns (pattern_type);
`

// migrate ensures all tables and indices exist. Every statement is
// idempotent (CREATE … IF NOT EXISTS), so migrate is safe to run on every
// open.
func migrate(ctx context.Context, db *sql.DB) error {
	ddls := []struct {
		name string
		sql  string
	}{
		{"memories", ddlMemories},
		{"learnings", ddlLearnings},
		{"patterns", ddlPatterns},
	}
	for _, ddl := range ddls {
		if _, err := db.ExecContext(ctx, ddl.sql); err != nil {
			return fmt.Errorf("create %s: %w", ddl.name, err)
		}
	}
	return nil
}

// Low-value sweep bounds: memories below this confidence that were never
// accessed and are older than the grace period are deleted on open.
const (
	sweepMinConfidence = 0.3
	sweepGracePeriod   = 7 * 24 * time.Hour
)

// sweep removes expired and low-value memories. Runs once on open; the
// expiry filter on every read keeps stale rows invisible between opens.
func sweep(ctx context.Context, db *sql.DB, now time.Time) (int64, error) {
	var removed int64

	res, err := db.ExecContext(ctx,
		`DELETE FROM memories WHERE expires_at IS NOT NULL AND expires_at < ?`,
		now.UnixNano(),
	)
	if err != nil {
		return 0, fmt.Errorf("expiry sweep: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		removed += n
	}

	res, err = db.ExecContext(ctx,
		`DELETE FROM memories WHERE confidence < ? AND access_count = 0 AND created_at < ?`,
		sweepMinConfidence, now.Add(-sweepGracePeriod).UnixNano(),
	)
	if err != nil {
		return removed, fmt.Errorf("low-value sweep: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		removed += n
	}

	return removed, nil
}

package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/polyvox/polyvox/pkg/memory"
)

// Compile-time interface check.
var _ memory.Store = (*Store)(nil)

// dbtx is the subset of [sql.DB] and [sql.Tx] the store's query helpers rely
// on, allowing the same code to run inside and outside transactions.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store is the SQLite-backed [memory.Store]. Safe for concurrent use: the
// pool is pinned to a single connection, so statements execute serially.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
	closed atomic.Bool
}

// Option is a functional option for [Open].
type Option func(*Store)

// WithLogger sets the logger used for sweep and lifecycle messages.
// Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Open opens (or creates) the database file at path, enables write-ahead
// logging, ensures the schema exists and runs the startup sweep that removes
// expired and low-value memories.
//
// The special path ":memory:" opens a private in-memory database, useful for
// tests.
func Open(path string, opts ...Option) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite store: create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: open %q: %w", path, err)
	}

	// A single connection serialises writers. WAL plus synchronous=NORMAL
	// keeps writes fast while retaining crash recovery.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA busy_timeout = 5000",
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite store: %s: %w", strings.ToLower(pragma), err)
		}
	}

	if err := migrate(ctx, db); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: migrate: %w", err)
	}

	s := &Store{db: db, path: path, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	removed, err := sweep(ctx, db, time.Now())
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite store: startup sweep: %w", err)
	}
	if removed > 0 {
		s.logger.Info("memory sweep removed stale memories", "removed", removed, "path", path)
	}

	return s, nil
}

// Close releases the database handle. Idempotent.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("sqlite store: close: %w", err)
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Memories
// ─────────────────────────────────────────────────────────────────────────────

// memoryColumns is the canonical SELECT column list for memory rows, kept in
// one place so every query scans identically.
const memoryColumns = `id, key, value, category, project_path, confidence, access_count, created_at, updated_at, expires_at, tags`

// StoreMemory upserts m on (Key, ProjectPath) and returns the row's ID.
// An upsert over an existing row preserves its ID, CreatedAt and AccessCount.
func (s *Store) StoreMemory(ctx context.Context, m memory.Memory) (string, error) {
	if s.closed.Load() {
		return "", memory.ErrClosed
	}
	now := time.Now()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	if m.UpdatedAt.IsZero() {
		m.UpdatedAt = now
	}
	if err := memory.ValidateMemory(m); err != nil {
		return "", err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}

	id, err := upsertMemory(ctx, s.db, m)
	if err != nil {
		return "", fmt.Errorf("sqlite store: store memory %q: %w", m.Key, err)
	}
	return id, nil
}

// upsertMemory writes one memory row on any dbtx so that StoreMemory and the
// learning-promotion path share identical semantics.
func upsertMemory(ctx context.Context, q dbtx, m memory.Memory) (string, error) {
	valueJSON, err := json.Marshal(m.Value)
	if err != nil {
		return "", fmt.Errorf("marshal value: %w", err)
	}
	tagsJSON, err := json.Marshal(m.Tags)
	if err != nil {
		return "", fmt.Errorf("marshal tags: %w", err)
	}

	var expires any
	if !m.ExpiresAt.IsZero() {
		expires = m.ExpiresAt.UnixNano()
	}

	const stmt = `
INSERT INTO memories (id, key, value, category, project_path, confidence, access_count, created_at, updated_at, expires_at, tags)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (key, project_path) DO UPDATE SET
    value      = excluded.value,
    category   = excluded.category,
    confidence = excluded.confidence,
    updated_at = excluded.updated_at,
    expires_at = excluded.expires_at,
    tags       = excluded.tags
RETURNING id`

	var id string
	err = q.QueryRowContext(ctx, stmt,
		m.ID, m.Key, string(valueJSON), m.Category, m.ProjectPath, m.Confidence,
		m.AccessCount, m.CreatedAt.UnixNano(), m.UpdatedAt.UnixNano(), expires, string(tagsJSON),
	).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

// RetrieveMemories returns memories matching opts ordered by
// confidence·(accessCount+1) descending, then CreatedAt descending, and bumps
// the access counter of every returned row in the same transaction.
func (s *Store) RetrieveMemories(ctx context.Context, opts memory.SearchOptions) ([]memory.Memory, error) {
	if s.closed.Load() {
		return nil, memory.ErrClosed
	}
	now := time.Now()

	where := make([]string, 0, 5)
	args := make([]any, 0, 8)
	if !opts.IncludeExpired {
		where = append(where, "(expires_at IS NULL OR expires_at >= ?)")
		args = append(args, now.UnixNano())
	}
	if opts.Category != "" {
		where = append(where, "category = ?")
		args = append(args, opts.Category)
	}
	if opts.ProjectPath != "" {
		where = append(where, "project_path = ?")
		args = append(args, opts.ProjectPath)
	}
	if opts.MinConfidence > 0 {
		where = append(where, "confidence >= ?")
		args = append(args, opts.MinConfidence)
	}
	for _, tag := range opts.Tags {
		where = append(where, "EXISTS (SELECT 1 FROM json_each(memories.tags) WHERE json_each.value = ?)")
		args = append(args, tag)
	}

	query := "SELECT " + memoryColumns + " FROM memories"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY confidence * (access_count + 1) DESC, created_at DESC LIMIT ?"
	args = append(args, opts.EffectiveLimit())

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: retrieve memories: begin: %w", err)
	}
	defer tx.Rollback()

	memories, err := queryMemories(ctx, tx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: retrieve memories: %w", err)
	}

	if len(memories) > 0 {
		if err := bumpAccess(ctx, tx, memories, now); err != nil {
			return nil, fmt.Errorf("sqlite store: retrieve memories: bump access: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite store: retrieve memories: commit: %w", err)
	}

	// Reflect the post-increment state in the returned values.
	for i := range memories {
		memories[i].AccessCount++
		memories[i].UpdatedAt = now
	}
	return memories, nil
}

// bumpAccess increments the access counter and touches updated_at for rows.
func bumpAccess(ctx context.Context, tx dbtx, rows []memory.Memory, now time.Time) error {
	placeholders := make([]string, len(rows))
	args := make([]any, 0, len(rows)+1)
	args = append(args, now.UnixNano())
	for i, m := range rows {
		placeholders[i] = "?"
		args = append(args, m.ID)
	}
	stmt := "UPDATE memories SET access_count = access_count + 1, updated_at = ? WHERE id IN (" +
		strings.Join(placeholders, ", ") + ")"
	_, err := tx.ExecContext(ctx, stmt, args...)
	return err
}

// RetrieveRelevantMemories selects memories relevant to a free-text query in
// two passes: word matches over key, value and tags first, then a
// high-confidence top-up. Access counters are not touched.
func (s *Store) RetrieveRelevantMemories(ctx context.Context, query, projectPath string, limit int) ([]memory.RelevantMemory, error) {
	if s.closed.Load() {
		return nil, memory.ErrClosed
	}
	if limit <= 0 {
		limit = 10
	}
	now := time.Now().UnixNano()

	scope := "(expires_at IS NULL OR expires_at >= ?)"
	scopeArgs := []any{now}
	if projectPath != "" {
		scope += " AND project_path = ?"
		scopeArgs = append(scopeArgs, projectPath)
	}

	seen := make(map[string]bool, limit)
	out := make([]memory.RelevantMemory, 0, limit)

	// Pass 1: any query word appears in the key, value or tags.
	if words := memory.QueryWords(query); len(words) > 0 {
		matches := make([]string, len(words))
		args := append([]any(nil), scopeArgs...)
		for i, w := range words {
			matches[i] = "(instr(lower(key), ?) > 0 OR instr(lower(value), ?) > 0 OR instr(lower(tags), ?) > 0)"
			args = append(args, w, w, w)
		}
		stmt := "SELECT " + memoryColumns + " FROM memories WHERE " + scope +
			" AND (" + strings.Join(matches, " OR ") + ")" +
			" ORDER BY confidence * (access_count + 1) DESC, created_at DESC LIMIT ?"
		args = append(args, limit)

		found, err := queryMemories(ctx, s.db, stmt, args...)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: relevant memories: word pass: %w", err)
		}
		for _, m := range found {
			seen[m.ID] = true
			out = append(out, memory.RelevantMemory{Key: m.Key, Value: m.Value, Confidence: m.Confidence})
		}
	}

	// Pass 2: top-up with high-confidence memories, deduplicated by id.
	if len(out) < limit {
		stmt := "SELECT " + memoryColumns + " FROM memories WHERE " + scope +
			" AND confidence >= ? ORDER BY confidence DESC, created_at DESC LIMIT ?"
		args := append(append([]any(nil), scopeArgs...), highConfidenceFloor, limit+len(seen))

		found, err := queryMemories(ctx, s.db, stmt, args...)
		if err != nil {
			return nil, fmt.Errorf("sqlite store: relevant memories: top-up pass: %w", err)
		}
		for _, m := range found {
			if len(out) >= limit {
				break
			}
			if seen[m.ID] {
				continue
			}
			seen[m.ID] = true
			out = append(out, memory.RelevantMemory{Key: m.Key, Value: m.Value, Confidence: m.Confidence})
		}
	}

	return out, nil
}

// highConfidenceFloor is the minimum confidence for the relevance top-up pass.
const highConfidenceFloor = 0.7

// queryMemories runs a SELECT over memoryColumns and scans all rows.
func queryMemories(ctx context.Context, q dbtx, stmt string, args ...any) ([]memory.Memory, error) {
	rows, err := q.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []memory.Memory{}
	for rows.Next() {
		m, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// scanMemory decodes one memory row, unmarshalling the JSON value and tags.
func scanMemory(rows *sql.Rows) (memory.Memory, error) {
	var (
		m         memory.Memory
		valueJSON string
		tagsJSON  string
		createdNs int64
		updatedNs int64
		expiresNs sql.NullInt64
	)
	err := rows.Scan(&m.ID, &m.Key, &valueJSON, &m.Category, &m.ProjectPath,
		&m.Confidence, &m.AccessCount, &createdNs, &updatedNs, &expiresNs, &tagsJSON)
	if err != nil {
		return memory.Memory{}, fmt.Errorf("scan memory: %w", err)
	}
	if err := json.Unmarshal([]byte(valueJSON), &m.Value); err != nil {
		return memory.Memory{}, fmt.Errorf("unmarshal value for %q: %w", m.ID, err)
	}
	if err := json.Unmarshal([]byte(tagsJSON), &m.Tags); err != nil {
		return memory.Memory{}, fmt.Errorf("unmarshal tags for %q: %w", m.ID, err)
	}
	m.CreatedAt = time.Unix(0, createdNs)
	m.UpdatedAt = time.Unix(0, updatedNs)
	if expiresNs.Valid {
		m.ExpiresAt = time.Unix(0, expiresNs.Int64)
	}
	return m, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Learnings and patterns
// ─────────────────────────────────────────────────────────────────────────────

// StoreLearning inserts l and, in the same transaction, increments its
// pattern counters and stores any promoted memories. Returns the learning ID.
func (s *Store) StoreLearning(ctx context.Context, l memory.Learning) (string, error) {
	if s.closed.Load() {
		return "", memory.ErrClosed
	}
	now := time.Now()
	if l.ID == "" {
		l.ID = uuid.NewString()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now
	}

	tasksJSON, err := json.Marshal(l.TasksCompleted)
	if err != nil {
		return "", fmt.Errorf("sqlite store: marshal tasks: %w", err)
	}
	itemsJSON, err := json.Marshal(l.Learnings)
	if err != nil {
		return "", fmt.Errorf("sqlite store: marshal learnings: %w", err)
	}
	suggestionsJSON, err := json.Marshal(l.Suggestions)
	if err != nil {
		return "", fmt.Errorf("sqlite store: marshal suggestions: %w", err)
	}
	metadataJSON, err := json.Marshal(l.Metadata)
	if err != nil {
		return "", fmt.Errorf("sqlite store: marshal metadata: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("sqlite store: store learning: begin: %w", err)
	}
	defer tx.Rollback()

	const insertLearning = `
INSERT INTO learnings (id, session_id, user_input, intent, tasks_completed, success, duration_ns, learnings, suggestions, project_path, confidence, created_at, metadata)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = tx.ExecContext(ctx, insertLearning,
		l.ID, l.SessionID, l.UserInput, l.Intent, string(tasksJSON), l.Success,
		int64(l.Duration), string(itemsJSON), string(suggestionsJSON),
		l.ProjectPath, l.Confidence, l.CreatedAt.UnixNano(), string(metadataJSON),
	)
	if err != nil {
		return "", fmt.Errorf("sqlite store: insert learning: %w", err)
	}

	if err := upsertPatterns(ctx, tx, memory.DerivePatterns(l), now); err != nil {
		return "", fmt.Errorf("sqlite store: store learning: %w", err)
	}

	for _, m := range memory.PromoteMemories(l, now) {
		m.ID = uuid.NewString()
		if _, err := upsertMemory(ctx, tx, m); err != nil {
			return "", fmt.Errorf("sqlite store: promote memory %q: %w", m.Key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("sqlite store: store learning: commit: %w", err)
	}
	return l.ID, nil
}

// upsertPatterns increments the frequency of each pattern key, inserting rows
// with frequency 1 on first sight. Confidence is recomputed from the new
// frequency so repeated upserts stay consistent with
// [memory.PatternConfidence].
func upsertPatterns(ctx context.Context, tx dbtx, keys []memory.PatternKey, now time.Time) error {
	const stmt = `
INSERT INTO patterns (id, pattern_type, pattern_data, frequency, confidence, created_at, updated_at, last_seen)
VALUES (?, ?, ?, 1, ?, ?, ?, ?)
ON CONFLICT (pattern_type, pattern_data) DO UPDATE SET
    frequency  = patterns.frequency + 1,
    confidence = min(1.0, (patterns.frequency + 1) * 0.1),
    updated_at = excluded.updated_at,
    last_seen  = excluded.last_seen`

	nowNs := now.UnixNano()
	for _, key := range keys {
		_, err := tx.ExecContext(ctx, stmt,
			uuid.NewString(), key.Type, key.Data, memory.PatternConfidence(1), nowNs, nowNs, nowNs)
		if err != nil {
			return fmt.Errorf("upsert pattern %s/%s: %w", key.Type, key.Data, err)
		}
	}
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Statistics
// ─────────────────────────────────────────────────────────────────────────────

// topListLimit caps the TopIntents and TopPatterns lists.
const topListLimit = 5

// GetLearningStats aggregates outcome statistics across all learnings.
func (s *Store) GetLearningStats(ctx context.Context) (*memory.LearningStats, error) {
	if s.closed.Load() {
		return nil, memory.ErrClosed
	}

	stats := &memory.LearningStats{}
	var avgDurationNs float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(AVG(success), 0), COALESCE(AVG(duration_ns), 0), COALESCE(AVG(confidence), 0) FROM learnings`,
	).Scan(&stats.TotalLearnings, &stats.SuccessRate, &avgDurationNs, &stats.AverageConfidence)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: learning stats: %w", err)
	}
	stats.AverageDuration = time.Duration(avgDurationNs)

	stats.TopIntents, err = s.topIntents(ctx)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: learning stats: %w", err)
	}
	return stats, nil
}

// GetInsights returns counts, success rate, top intents, top patterns and
// the per-day learning trend for the trailing 7 calendar days.
func (s *Store) GetInsights(ctx context.Context) (*memory.Insights, error) {
	if s.closed.Load() {
		return nil, memory.ErrClosed
	}

	in := &memory.Insights{}
	err := s.db.QueryRowContext(ctx,
		`SELECT
            (SELECT COUNT(*) FROM memories),
            (SELECT COUNT(*) FROM learnings),
            (SELECT COALESCE(AVG(success), 0) FROM learnings)`,
	).Scan(&in.TotalMemories, &in.TotalLearnings, &in.SuccessRate)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: insights: %w", err)
	}

	if in.TopIntents, err = s.topIntents(ctx); err != nil {
		return nil, fmt.Errorf("sqlite store: insights: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT pattern_type, pattern_data, frequency FROM patterns
         ORDER BY frequency DESC, pattern_type ASC, pattern_data ASC LIMIT ?`, topListLimit)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: insights: top patterns: %w", err)
	}
	defer rows.Close()
	in.TopPatterns = []memory.PatternCount{}
	for rows.Next() {
		var p memory.PatternCount
		if err := rows.Scan(&p.PatternType, &p.PatternData, &p.Frequency); err != nil {
			return nil, fmt.Errorf("sqlite store: insights: scan pattern: %w", err)
		}
		in.TopPatterns = append(in.TopPatterns, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite store: insights: top patterns: %w", err)
	}

	if in.LearningTrend, err = s.learningTrend(ctx, time.Now()); err != nil {
		return nil, fmt.Errorf("sqlite store: insights: %w", err)
	}
	return in, nil
}

// topIntents returns the most frequent non-empty intents, highest first.
func (s *Store) topIntents(ctx context.Context) ([]memory.IntentCount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT intent, COUNT(*) AS n FROM learnings WHERE intent != ''
         GROUP BY intent ORDER BY n DESC, intent ASC LIMIT ?`, topListLimit)
	if err != nil {
		return nil, fmt.Errorf("top intents: %w", err)
	}
	defer rows.Close()

	out := []memory.IntentCount{}
	for rows.Next() {
		var ic memory.IntentCount
		if err := rows.Scan(&ic.Intent, &ic.Count); err != nil {
			return nil, fmt.Errorf("scan intent: %w", err)
		}
		out = append(out, ic)
	}
	return out, rows.Err()
}

// learningTrend returns per-day learning counts for the trailing 7 calendar
// days (UTC), oldest first, with zero-count days present.
func (s *Store) learningTrend(ctx context.Context, now time.Time) ([]memory.DayCount, error) {
	since := now.UTC().AddDate(0, 0, -6).Truncate(24 * time.Hour)

	rows, err := s.db.QueryContext(ctx,
		`SELECT strftime('%Y-%m-%d', created_at / 1000000000, 'unixepoch') AS day, COUNT(*)
         FROM learnings WHERE created_at >= ? GROUP BY day`, since.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("learning trend: %w", err)
	}
	defer rows.Close()

	byDay := make(map[string]int64, 7)
	for rows.Next() {
		var (
			day string
			n   int64
		)
		if err := rows.Scan(&day, &n); err != nil {
			return nil, fmt.Errorf("scan trend day: %w", err)
		}
		byDay[day] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("learning trend: %w", err)
	}

	trend := make([]memory.DayCount, 0, 7)
	for i := 6; i >= 0; i-- {
		day := now.UTC().AddDate(0, 0, -i).Format("2006-01-02")
		trend = append(trend, memory.DayCount{Day: day, Count: byDay[day]})
	}
	return trend, nil
}

// GetStats returns row counts per relation and the database file size.
func (s *Store) GetStats(ctx context.Context) (*memory.StoreStats, error) {
	if s.closed.Load() {
		return nil, memory.ErrClosed
	}

	stats := &memory.StoreStats{}
	err := s.db.QueryRowContext(ctx,
		`SELECT
            (SELECT COUNT(*) FROM memories),
            (SELECT COUNT(*) FROM learnings),
            (SELECT COUNT(*) FROM patterns),
            (SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size())`,
	).Scan(&stats.Memories, &stats.Learnings, &stats.Patterns, &stats.SizeBytes)
	if err != nil {
		return nil, fmt.Errorf("sqlite store: stats: %w", err)
	}
	return stats, nil
}

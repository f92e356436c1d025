package postgres

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/polyvox/polyvox/pkg/memory"
)

// Compile-time interface check.
var _ memory.Store = (*Store)(nil)

// Store is the PostgreSQL-backed [memory.Store]. It holds a single
// [pgxpool.Pool]; all operations are safe for concurrent use.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
	closed atomic.Bool
}

// Option is a functional option for [NewStore].
type Option func(*Store)

// WithLogger sets the logger used for sweep and lifecycle messages.
// Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// NewStore connects to the PostgreSQL database at dsn, runs [Migrate] to
// ensure the schema exists and performs the startup sweep of expired and
// low-value memories.
func NewStore(ctx context.Context, dsn string, opts ...Option) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: parse dsn: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	s := &Store{pool: pool, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	removed, err := sweep(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: startup sweep: %w", err)
	}
	if removed > 0 {
		s.logger.Info("memory sweep removed stale memories", "removed", removed)
	}

	return s, nil
}

// Close releases all connections held by the underlying pool. Idempotent.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.pool.Close()
	return nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Memories
// ─────────────────────────────────────────────────────────────────────────────

const memoryColumns = `id, key, value, category, project_path, confidence, access_count, created_at, updated_at, expires_at, tags`

// StoreMemory implements [memory.Store]. Upserts on (Key, ProjectPath),
// preserving the original ID, CreatedAt and AccessCount on conflict.
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

	id, err := upsertMemory(ctx, s.pool, m)
	if err != nil {
		return "", fmt.Errorf("postgres store: store memory %q: %w", m.Key, err)
	}
	return id, nil
}

// rowQuerier is the one method the upsert helper needs; both *pgxpool.Pool
// and pgx.Tx satisfy it, so StoreMemory and the learning-promotion path share
// identical semantics.
type rowQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// upsertMemory writes one memory row.
func upsertMemory(ctx context.Context, db rowQuerier, m memory.Memory) (string, error) {
	const q = `
		INSERT INTO memories
		    (id, key, value, category, project_path, confidence, access_count, created_at, updated_at, expires_at, tags)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (key, project_path) DO UPDATE SET
		    value      = EXCLUDED.value,
		    category   = EXCLUDED.category,
		    confidence = EXCLUDED.confidence,
		    updated_at = EXCLUDED.updated_at,
		    expires_at = EXCLUDED.expires_at,
		    tags       = EXCLUDED.tags
		RETURNING id`

	var expires *time.Time
	if !m.ExpiresAt.IsZero() {
		expires = &m.ExpiresAt
	}
	tags := m.Tags
	if tags == nil {
		tags = []string{}
	}

	var id string
	err := db.QueryRow(ctx, q,
		m.ID, m.Key, m.Value, m.Category, m.ProjectPath, m.Confidence,
		m.AccessCount, m.CreatedAt, m.UpdatedAt, expires, tags,
	).Scan(&id)
	if err != nil {
		return "", err
	}
	return id, nil
}

// RetrieveMemories implements [memory.Store]: filtered, ranked retrieval with
// the access-count bump applied in the same transaction.
func (s *Store) RetrieveMemories(ctx context.Context, opts memory.SearchOptions) ([]memory.Memory, error) {
	if s.closed.Load() {
		return nil, memory.ErrClosed
	}

	var args []any
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	conditions := []string{}
	if !opts.IncludeExpired {
		conditions = append(conditions, "(expires_at IS NULL OR expires_at >= now())")
	}
	if opts.Category != "" {
		conditions = append(conditions, "category = "+next(opts.Category))
	}
	if opts.ProjectPath != "" {
		conditions = append(conditions, "project_path = "+next(opts.ProjectPath))
	}
	if opts.MinConfidence > 0 {
		conditions = append(conditions, "confidence >= "+next(opts.MinConfidence))
	}
	for _, tag := range opts.Tags {
		conditions = append(conditions, "tags @> "+next([]string{tag}))
	}

	q := "SELECT " + memoryColumns + " FROM memories"
	if len(conditions) > 0 {
		q += " WHERE " + strings.Join(conditions, " AND ")
	}
	q += " ORDER BY confidence * (access_count + 1) DESC, created_at DESC LIMIT " + next(opts.EffectiveLimit())

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres store: retrieve memories: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres store: retrieve memories: %w", err)
	}
	memories, err := collectMemories(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres store: retrieve memories: %w", err)
	}

	now := time.Now()
	if len(memories) > 0 {
		ids := make([]string, len(memories))
		for i, m := range memories {
			ids[i] = m.ID
		}
		_, err := tx.Exec(ctx,
			`UPDATE memories SET access_count = access_count + 1, updated_at = $1 WHERE id = ANY($2)`,
			now, ids)
		if err != nil {
			return nil, fmt.Errorf("postgres store: retrieve memories: bump access: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("postgres store: retrieve memories: commit: %w", err)
	}

	for i := range memories {
		memories[i].AccessCount++
		memories[i].UpdatedAt = now
	}
	return memories, nil
}

// highConfidenceFloor is the minimum confidence for the relevance top-up pass.
const highConfidenceFloor = 0.7

// RetrieveRelevantMemories implements [memory.Store]: two-pass relevance
// selection without access-count side effects.
func (s *Store) RetrieveRelevantMemories(ctx context.Context, query, projectPath string, limit int) ([]memory.RelevantMemory, error) {
	if s.closed.Load() {
		return nil, memory.ErrClosed
	}
	if limit <= 0 {
		limit = 10
	}

	seen := make(map[string]bool, limit)
	out := make([]memory.RelevantMemory, 0, limit)

	// Pass 1: any query word appears in key, value or tags.
	if words := memory.QueryWords(query); len(words) > 0 {
		var args []any
		next := func(v any) string {
			args = append(args, v)
			return fmt.Sprintf("$%d", len(args))
		}

		scope := "(expires_at IS NULL OR expires_at >= now())"
		if projectPath != "" {
			scope += " AND project_path = " + next(projectPath)
		}
		matches := make([]string, len(words))
		for i, w := range words {
			p := next("%" + w + "%")
			matches[i] = fmt.Sprintf("(key ILIKE %s OR value::text ILIKE %s OR tags::text ILIKE %s)", p, p, p)
		}
		q := "SELECT " + memoryColumns + " FROM memories WHERE " + scope +
			" AND (" + strings.Join(matches, " OR ") + ")" +
			" ORDER BY confidence * (access_count + 1) DESC, created_at DESC LIMIT " + next(limit)

		rows, err := s.pool.Query(ctx, q, args...)
		if err != nil {
			return nil, fmt.Errorf("postgres store: relevant memories: word pass: %w", err)
		}
		found, err := collectMemories(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres store: relevant memories: word pass: %w", err)
		}
		for _, m := range found {
			seen[m.ID] = true
			out = append(out, memory.RelevantMemory{Key: m.Key, Value: m.Value, Confidence: m.Confidence})
		}
	}

	// Pass 2: high-confidence top-up, deduplicated by id.
	if len(out) < limit {
		var args []any
		next := func(v any) string {
			args = append(args, v)
			return fmt.Sprintf("$%d", len(args))
		}
		scope := "(expires_at IS NULL OR expires_at >= now())"
		if projectPath != "" {
			scope += " AND project_path = " + next(projectPath)
		}
		q := "SELECT " + memoryColumns + " FROM memories WHERE " + scope +
			" AND confidence >= " + next(highConfidenceFloor) +
			" ORDER BY confidence DESC, created_at DESC LIMIT " + next(limit+len(seen))

		rows, err := s.pool.Query(ctx, q, args...)
		if err != nil {
			return nil, fmt.Errorf("postgres store: relevant memories: top-up pass: %w", err)
		}
		found, err := collectMemories(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres store: relevant memories: top-up pass: %w", err)
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

// collectMemories scans all rows into memory values.
func collectMemories(rows pgx.Rows) ([]memory.Memory, error) {
	defer rows.Close()

	out := []memory.Memory{}
	for rows.Next() {
		var (
			m       memory.Memory
			expires *time.Time
		)
		err := rows.Scan(&m.ID, &m.Key, &m.Value, &m.Category, &m.ProjectPath,
			&m.Confidence, &m.AccessCount, &m.CreatedAt, &m.UpdatedAt, &expires, &m.Tags)
		if err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		if expires != nil {
			m.ExpiresAt = *expires
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ─────────────────────────────────────────────────────────────────────────────
// Learnings and patterns
// ─────────────────────────────────────────────────────────────────────────────

// StoreLearning implements [memory.Store]: learning insert, pattern counter
// updates and memory promotion in one transaction.
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

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("postgres store: store learning: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	const q = `
		INSERT INTO learnings
		    (id, session_id, user_input, intent, tasks_completed, success, duration_ns, learnings, suggestions, project_path, confidence, created_at, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`

	tasks := l.TasksCompleted
	if tasks == nil {
		tasks = []string{}
	}
	items := l.Learnings
	if items == nil {
		items = []memory.LearningItem{}
	}
	suggestions := l.Suggestions
	if suggestions == nil {
		suggestions = []string{}
	}
	metadata := l.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	_, err = tx.Exec(ctx, q,
		l.ID, l.SessionID, l.UserInput, l.Intent, tasks, l.Success,
		int64(l.Duration), items, suggestions, l.ProjectPath, l.Confidence,
		l.CreatedAt, metadata,
	)
	if err != nil {
		return "", fmt.Errorf("postgres store: insert learning: %w", err)
	}

	const upsertPattern = `
		INSERT INTO patterns (id, pattern_type, pattern_data, frequency, confidence, created_at, updated_at, last_seen)
		VALUES ($1, $2, $3, 1, $4, $5, $5, $5)
		ON CONFLICT (pattern_type, pattern_data) DO UPDATE SET
		    frequency  = patterns.frequency + 1,
		    confidence = LEAST(1.0, (patterns.frequency + 1) * 0.1),
		    updated_at = EXCLUDED.updated_at,
		    last_seen  = EXCLUDED.last_seen`

	for _, key := range memory.DerivePatterns(l) {
		_, err := tx.Exec(ctx, upsertPattern,
			uuid.NewString(), key.Type, key.Data, memory.PatternConfidence(1), now)
		if err != nil {
			return "", fmt.Errorf("postgres store: upsert pattern %s/%s: %w", key.Type, key.Data, err)
		}
	}

	for _, m := range memory.PromoteMemories(l, now) {
		m.ID = uuid.NewString()
		if _, err := upsertMemory(ctx, tx, m); err != nil {
			return "", fmt.Errorf("postgres store: promote memory %q: %w", m.Key, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("postgres store: store learning: commit: %w", err)
	}
	return l.ID, nil
}

// ─────────────────────────────────────────────────────────────────────────────
// Statistics
// ─────────────────────────────────────────────────────────────────────────────

const topListLimit = 5

// GetLearningStats implements [memory.Store].
func (s *Store) GetLearningStats(ctx context.Context) (*memory.LearningStats, error) {
	if s.closed.Load() {
		return nil, memory.ErrClosed
	}

	const q = `
		SELECT COUNT(*),
		       COALESCE(AVG(CASE WHEN success THEN 1.0 ELSE 0.0 END), 0),
		       COALESCE(AVG(duration_ns), 0),
		       COALESCE(AVG(confidence), 0)
		FROM   learnings`

	stats := &memory.LearningStats{}
	var avgDurationNs float64
	err := s.pool.QueryRow(ctx, q).Scan(
		&stats.TotalLearnings, &stats.SuccessRate, &avgDurationNs, &stats.AverageConfidence)
	if err != nil {
		return nil, fmt.Errorf("postgres store: learning stats: %w", err)
	}
	stats.AverageDuration = time.Duration(avgDurationNs)

	stats.TopIntents, err = s.topIntents(ctx)
	if err != nil {
		return nil, fmt.Errorf("postgres store: learning stats: %w", err)
	}
	return stats, nil
}

// GetInsights implements [memory.Store].
func (s *Store) GetInsights(ctx context.Context) (*memory.Insights, error) {
	if s.closed.Load() {
		return nil, memory.ErrClosed
	}

	const q = `
		SELECT (SELECT COUNT(*) FROM memories),
		       (SELECT COUNT(*) FROM learnings),
		       (SELECT COALESCE(AVG(CASE WHEN success THEN 1.0 ELSE 0.0 END), 0) FROM learnings)`

	in := &memory.Insights{}
	if err := s.pool.QueryRow(ctx, q).Scan(&in.TotalMemories, &in.TotalLearnings, &in.SuccessRate); err != nil {
		return nil, fmt.Errorf("postgres store: insights: %w", err)
	}

	var err error
	if in.TopIntents, err = s.topIntents(ctx); err != nil {
		return nil, fmt.Errorf("postgres store: insights: %w", err)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT pattern_type, pattern_data, frequency FROM patterns
		 ORDER BY frequency DESC, pattern_type ASC, pattern_data ASC LIMIT $1`, topListLimit)
	if err != nil {
		return nil, fmt.Errorf("postgres store: insights: top patterns: %w", err)
	}
	in.TopPatterns, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.PatternCount, error) {
		var p memory.PatternCount
		err := row.Scan(&p.PatternType, &p.PatternData, &p.Frequency)
		return p, err
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: insights: top patterns: %w", err)
	}

	if in.LearningTrend, err = s.learningTrend(ctx, time.Now()); err != nil {
		return nil, fmt.Errorf("postgres store: insights: %w", err)
	}
	return in, nil
}

// topIntents returns the most frequent non-empty intents, highest first.
func (s *Store) topIntents(ctx context.Context) ([]memory.IntentCount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT intent, COUNT(*) AS n FROM learnings WHERE intent != ''
		 GROUP BY intent ORDER BY n DESC, intent ASC LIMIT $1`, topListLimit)
	if err != nil {
		return nil, fmt.Errorf("top intents: %w", err)
	}
	out, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (memory.IntentCount, error) {
		var ic memory.IntentCount
		err := row.Scan(&ic.Intent, &ic.Count)
		return ic, err
	})
	if err != nil {
		return nil, fmt.Errorf("top intents: %w", err)
	}
	return out, nil
}

// learningTrend returns per-day learning counts for the trailing 7 calendar
// days (UTC), oldest first, with zero-count days present.
func (s *Store) learningTrend(ctx context.Context, now time.Time) ([]memory.DayCount, error) {
	since := now.UTC().AddDate(0, 0, -6).Truncate(24 * time.Hour)

	rows, err := s.pool.Query(ctx,
		`SELECT to_char(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, COUNT(*)
		 FROM learnings WHERE created_at >= $1 GROUP BY day`, since)
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

// GetStats implements [memory.Store].
func (s *Store) GetStats(ctx context.Context) (*memory.StoreStats, error) {
	if s.closed.Load() {
		return nil, memory.ErrClosed
	}

	const q = `
		SELECT (SELECT COUNT(*) FROM memories),
		       (SELECT COUNT(*) FROM learnings),
		       (SELECT COUNT(*) FROM patterns),
		       pg_total_relation_size('memories') +
		       pg_total_relation_size('learnings') +
		       pg_total_relation_size('patterns')`

	stats := &memory.StoreStats{}
	err := s.pool.QueryRow(ctx, q).Scan(&stats.Memories, &stats.Learnings, &stats.Patterns, &stats.SizeBytes)
	if err != nil {
		return nil, fmt.Errorf("postgres store: stats: %w", err)
	}
	return stats, nil
}

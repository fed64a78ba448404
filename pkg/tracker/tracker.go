// Package tracker records token usage reported by providers.
package tracker

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/deepshell/deepshell/pkg/models"
)

// Tracker records and queries token usage.
type Tracker interface {
	// Record stores a usage record.
	Record(ctx context.Context, rec models.UsageRecord) error
	// Query returns usage records created at or after since, newest first.
	Query(ctx context.Context, since time.Time) ([]models.UsageRecord, error)
	// Total returns the total tokens used since a given time.
	Total(ctx context.Context, since time.Time) (int64, error)
	// TotalFor is Total narrowed to a provider and model. Empty values
	// match everything.
	TotalFor(ctx context.Context, provider, model string, since time.Time) (int64, error)
	// Summary returns usage grouped by provider and model, optionally
	// filtered by provider.
	Summary(ctx context.Context, provider string) ([]models.UsageSummary, error)
}

// SQLiteTracker implements Tracker with a SQLite database.
type SQLiteTracker struct {
	db *sql.DB
}

const createTable = `
CREATE TABLE IF NOT EXISTS usage_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	provider TEXT NOT NULL,
	model TEXT NOT NULL,
	persona_id TEXT NOT NULL DEFAULT '',
	session_id TEXT NOT NULL DEFAULT '',
	prompt_tokens INTEGER NOT NULL,
	completion_tokens INTEGER NOT NULL,
	total_tokens INTEGER NOT NULL,
	cached INTEGER NOT NULL DEFAULT 0,
	created_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_time ON usage_records(created_at);
`

// New creates a SQLiteTracker on db and runs auto-migration.
func New(db *sql.DB) (*SQLiteTracker, error) {
	if _, err := db.Exec(createTable); err != nil {
		return nil, fmt.Errorf("migrate tracker db: %w", err)
	}
	return &SQLiteTracker{db: db}, nil
}

// Record stores a usage record. A zero CreatedAt is set to now.
func (t *SQLiteTracker) Record(ctx context.Context, rec models.UsageRecord) error {
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now()
	}
	if rec.TotalTokens == 0 {
		rec.TotalTokens = rec.PromptTokens + rec.CompletionTokens
	}
	_, err := t.db.ExecContext(ctx,
		`INSERT INTO usage_records (provider, model, persona_id, session_id, prompt_tokens, completion_tokens, total_tokens, cached, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Provider, rec.Model, rec.PersonaID, rec.SessionID,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens, rec.Cached, rec.CreatedAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Query returns usage records created at or after since, newest first.
func (t *SQLiteTracker) Query(ctx context.Context, since time.Time) ([]models.UsageRecord, error) {
	rows, err := t.db.QueryContext(ctx,
		`SELECT id, provider, model, persona_id, session_id, prompt_tokens, completion_tokens, total_tokens, cached, created_at
		 FROM usage_records WHERE created_at >= ? ORDER BY created_at DESC, id DESC`,
		since.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("query usage: %w", err)
	}
	defer rows.Close()

	var records []models.UsageRecord
	for rows.Next() {
		var r models.UsageRecord
		var created int64
		if err := rows.Scan(&r.ID, &r.Provider, &r.Model, &r.PersonaID, &r.SessionID,
			&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens, &r.Cached, &created); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		r.CreatedAt = time.Unix(0, created)
		records = append(records, r)
	}
	return records, rows.Err()
}

// Total returns the total tokens used since a given time. Cache hits
// cost nothing and are left out.
func (t *SQLiteTracker) Total(ctx context.Context, since time.Time) (int64, error) {
	return t.TotalFor(ctx, "", "", since)
}

// TotalFor returns the tokens used on provider and model since a given
// time. Empty provider or model match everything.
func (t *SQLiteTracker) TotalFor(ctx context.Context, provider, model string, since time.Time) (int64, error) {
	query := `SELECT COALESCE(SUM(total_tokens), 0) FROM usage_records WHERE cached = 0 AND created_at >= ?`
	args := []any{since.UnixNano()}
	if provider != "" {
		query += ` AND provider = ?`
		args = append(args, provider)
	}
	if model != "" {
		query += ` AND model = ?`
		args = append(args, model)
	}
	var total int64
	if err := t.db.QueryRowContext(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("total usage: %w", err)
	}
	return total, nil
}

// Summary returns aggregated usage grouped by provider and model.
func (t *SQLiteTracker) Summary(ctx context.Context, provider string) ([]models.UsageSummary, error) {
	query := `SELECT provider, model, COUNT(*), SUM(cached),
		 SUM(CASE WHEN cached = 0 THEN prompt_tokens ELSE 0 END),
		 SUM(CASE WHEN cached = 0 THEN completion_tokens ELSE 0 END),
		 SUM(CASE WHEN cached = 0 THEN total_tokens ELSE 0 END)
		 FROM usage_records`
	var args []any
	if provider != "" {
		query += ` WHERE provider = ?`
		args = append(args, provider)
	}
	query += ` GROUP BY provider, model ORDER BY provider, model`

	rows, err := t.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("summary: %w", err)
	}
	defer rows.Close()

	var summaries []models.UsageSummary
	for rows.Next() {
		var s models.UsageSummary
		if err := rows.Scan(&s.Provider, &s.Model, &s.RequestCount, &s.CachedCount,
			&s.TotalPrompt, &s.TotalCompletion, &s.TotalTokens); err != nil {
			return nil, fmt.Errorf("scan summary: %w", err)
		}
		summaries = append(summaries, s)
	}
	return summaries, rows.Err()
}

// Package stats persists per-request usage records to SQLite and serves the
// aggregated summaries the operator surface exposes. The store is optional:
// when it cannot be opened the proxy runs without usage history.
package stats

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS usage (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	timestamp   INTEGER NOT NULL,
	request_id  TEXT NOT NULL,
	account_id  TEXT NOT NULL DEFAULT '',
	model       TEXT NOT NULL DEFAULT '',
	outcome     TEXT NOT NULL,
	status_code INTEGER NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0
);

CREATE INDEX IF NOT EXISTS idx_usage_timestamp ON usage(timestamp);
CREATE INDEX IF NOT EXISTS idx_usage_account ON usage(account_id);
`

// Usage is one persisted request record.
type Usage struct {
	Timestamp  time.Time
	RequestID  string
	AccountID  string
	Model      string
	Outcome    string
	StatusCode int
	DurationMs int64
}

// AccountUsage aggregates one account's traffic.
type AccountUsage struct {
	AccountID string `json:"account_id"`
	Requests  int64  `json:"requests"`
	Successes int64  `json:"successes"`
	AvgMs     int64  `json:"avg_ms"`
}

// ModelUsage aggregates one model's traffic.
type ModelUsage struct {
	Model    string `json:"model"`
	Requests int64  `json:"requests"`
}

// Summary is the aggregate view over a time window.
type Summary struct {
	Since         time.Time      `json:"since"`
	TotalRequests int64          `json:"total_requests"`
	Successes     int64          `json:"successes"`
	Failures      int64          `json:"failures"`
	ByAccount     []AccountUsage `json:"by_account"`
	ByModel       []ModelUsage   `json:"by_model"`
}

// Store is the SQLite-backed usage store.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open creates or opens the usage database at path, creating parent
// directories and the schema as needed.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "stats")

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create stats directory %s: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open stats database %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable wal: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create stats schema: %w", err)
	}

	logger.Info("usage store opened", "path", path)
	return &Store{db: db, logger: logger}, nil
}

// RecordUsage persists one request record.
func (s *Store) RecordUsage(ctx context.Context, u Usage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO usage (timestamp, request_id, account_id, model, outcome, status_code, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		u.Timestamp.Unix(), u.RequestID, u.AccountID, u.Model, u.Outcome, u.StatusCode, u.DurationMs)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

// Summarize aggregates records at or after since.
func (s *Store) Summarize(ctx context.Context, since time.Time) (*Summary, error) {
	summary := &Summary{Since: since}
	cutoff := since.Unix()

	row := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END), 0)
		FROM usage WHERE timestamp >= ?`, cutoff)
	if err := row.Scan(&summary.TotalRequests, &summary.Successes); err != nil {
		return nil, fmt.Errorf("summarize totals: %w", err)
	}
	summary.Failures = summary.TotalRequests - summary.Successes

	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id,
		       COUNT(*),
		       COALESCE(SUM(CASE WHEN outcome = 'success' THEN 1 ELSE 0 END), 0),
		       COALESCE(CAST(AVG(duration_ms) AS INTEGER), 0)
		FROM usage
		WHERE timestamp >= ? AND account_id != ''
		GROUP BY account_id
		ORDER BY COUNT(*) DESC, account_id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("summarize accounts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var au AccountUsage
		if err := rows.Scan(&au.AccountID, &au.Requests, &au.Successes, &au.AvgMs); err != nil {
			return nil, fmt.Errorf("scan account usage: %w", err)
		}
		summary.ByAccount = append(summary.ByAccount, au)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("summarize accounts: %w", err)
	}

	modelRows, err := s.db.QueryContext(ctx, `
		SELECT model, COUNT(*)
		FROM usage
		WHERE timestamp >= ? AND model != ''
		GROUP BY model
		ORDER BY COUNT(*) DESC, model`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("summarize models: %w", err)
	}
	defer modelRows.Close()
	for modelRows.Next() {
		var mu ModelUsage
		if err := modelRows.Scan(&mu.Model, &mu.Requests); err != nil {
			return nil, fmt.Errorf("scan model usage: %w", err)
		}
		summary.ByModel = append(summary.ByModel, mu)
	}
	if err := modelRows.Err(); err != nil {
		return nil, fmt.Errorf("summarize models: %w", err)
	}

	return summary, nil
}

// Prune deletes records older than cutoff and returns how many went.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM usage WHERE timestamp < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("prune usage: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

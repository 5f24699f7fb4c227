// Package usage meters completion token consumption per user and enforces
// plan quotas. The session cache reports usage after each completion; the
// HTTP layer consults the gate before admitting a send.
package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

type Record struct {
	UserID   string `json:"user_id"`
	ThreadID string `json:"thread_id"`
	Model    string `json:"model"`
	Mode     string `json:"mode,omitempty"`

	InputTokens  int64 `json:"input_tokens"`
	OutputTokens int64 `json:"output_tokens"`
	ProcessingMs int64 `json:"processing_ms"`

	AtUnixMs int64 `json:"at_unix_ms"`
}

// Totals aggregates a user's consumption over one calendar month.
type Totals struct {
	Requests         int64   `json:"requests"`
	InputTokens      int64   `json:"input_tokens"`
	OutputTokens     int64   `json:"output_tokens"`
	EstimatedCostUSD float64 `json:"estimated_cost_usd"`
}

func (t Totals) TotalTokens() int64 {
	return t.InputTokens + t.OutputTokens
}

// Store is the SQLite-backed usage ledger. One row per completion.
type Store struct {
	db *sql.DB
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Insert(ctx context.Context, r Record) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	r.UserID = strings.TrimSpace(r.UserID)
	if r.UserID == "" {
		return errors.New("missing user_id")
	}
	if r.AtUnixMs <= 0 {
		r.AtUnixMs = time.Now().UnixMilli()
	}
	month := time.UnixMilli(r.AtUnixMs).UTC().Format("2006-01")

	_, err := s.db.ExecContext(ctx, `
INSERT INTO usage_events(
  user_id, thread_id, model, mode, month,
  input_tokens, output_tokens, processing_ms, at_unix_ms
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		r.UserID,
		strings.TrimSpace(r.ThreadID),
		strings.TrimSpace(r.Model),
		strings.TrimSpace(r.Mode),
		month,
		r.InputTokens,
		r.OutputTokens,
		r.ProcessingMs,
		r.AtUnixMs,
	)
	return err
}

// MonthlyTotals aggregates the user's consumption for the month containing
// the given time (UTC calendar month). Cost is re-estimated per model row.
func (s *Store) MonthlyTotals(ctx context.Context, userID string, at time.Time) (Totals, error) {
	if s == nil || s.db == nil {
		return Totals{}, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Totals{}, errors.New("missing user_id")
	}
	month := at.UTC().Format("2006-01")

	rows, err := s.db.QueryContext(ctx, `
SELECT model, COUNT(*), COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0)
FROM usage_events
WHERE user_id = ? AND month = ?
GROUP BY model
`, userID, month)
	if err != nil {
		return Totals{}, err
	}
	defer rows.Close()

	var t Totals
	for rows.Next() {
		var model string
		var requests, in, out int64
		if err := rows.Scan(&model, &requests, &in, &out); err != nil {
			return Totals{}, err
		}
		t.Requests += requests
		t.InputTokens += in
		t.OutputTokens += out
		t.EstimatedCostUSD += EstimateCostUSD(model, in, out)
	}
	return t, rows.Err()
}

func initSchema(db *sql.DB) error {
	if db == nil {
		return errors.New("nil db")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=WAL;`); err != nil {
		return fmt.Errorf("pragma journal_mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=3000;`); err != nil {
		return fmt.Errorf("pragma busy_timeout: %w", err)
	}
	return migrateSchema(db)
}

func migrateSchema(db *sql.DB) error {
	const targetVersion = 1

	var v int
	if err := db.QueryRow(`PRAGMA user_version;`).Scan(&v); err != nil {
		return fmt.Errorf("pragma user_version: %w", err)
	}
	if v >= targetVersion {
		return nil
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS usage_events (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  user_id TEXT NOT NULL,
  thread_id TEXT NOT NULL DEFAULT '',
  model TEXT NOT NULL DEFAULT '',
  mode TEXT NOT NULL DEFAULT '',
  month TEXT NOT NULL,
  input_tokens INTEGER NOT NULL DEFAULT 0,
  output_tokens INTEGER NOT NULL DEFAULT 0,
  processing_ms INTEGER NOT NULL DEFAULT 0,
  at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_usage_user_month ON usage_events(user_id, month);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

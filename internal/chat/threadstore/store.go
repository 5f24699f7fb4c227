package threadstore

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nbcon/assistant/internal/chat/feed"
)

// Store is the SQLite-backed conversation store for assistant threads and
// messages, scoped by user public id. It is the durable source of truth; the
// session cache reconciles against the change feed it emits.
//
// WAL is enabled to support concurrent reads while writing.
type Store struct {
	db  *sql.DB
	hub *feed.Hub
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

	return &Store{db: db, hub: feed.NewHub()}, nil
}

func (s *Store) Close() error {
	if s == nil {
		return nil
	}
	if s.hub != nil {
		s.hub.Close()
	}
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Feed exposes the change-feed hub. Events are published after the owning
// transaction commits, in commit order.
func (s *Store) Feed() *feed.Hub {
	if s == nil {
		return nil
	}
	return s.hub
}

// NewThreadID generates a cryptographically random thread id.
func NewThreadID() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "th_" + base64.RawURLEncoding.EncodeToString(b), nil
}

// NewMessageID generates a store-authoritative message id.
func NewMessageID() (string, error) {
	b := make([]byte, 18)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return "msg_" + base64.RawURLEncoding.EncodeToString(b), nil
}

type Thread struct {
	ThreadID string `json:"thread_id"`
	UserID   string `json:"user_id"`

	Title    string `json:"title"`
	Mode     string `json:"mode"`
	Language string `json:"language"`

	Starred  bool `json:"starred"`
	Archived bool `json:"archived"`

	CreatedAtUnixMs     int64  `json:"created_at_unix_ms"`
	UpdatedAtUnixMs     int64  `json:"updated_at_unix_ms"`
	LastMessageAtUnixMs int64  `json:"last_message_at_unix_ms"`
	LastMessagePreview  string `json:"last_message_preview"`
	MessageCount        int    `json:"message_count"`
}

type Message struct {
	ID       int64  `json:"id"`
	ThreadID string `json:"thread_id"`
	UserID   string `json:"user_id"`

	MessageID string `json:"message_id"`
	Role      string `json:"role"`

	Content         string `json:"content"`
	Mode            string `json:"mode"`
	Language        string `json:"language"`
	AttachmentsJSON string `json:"attachments_json,omitempty"`

	CreatedAtUnixMs int64 `json:"created_at_unix_ms"`
	UpdatedAtUnixMs int64 `json:"updated_at_unix_ms"`
}

func (s *Store) ListThreads(ctx context.Context, userID string) ([]Thread, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return nil, errors.New("missing user_id")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT thread_id, user_id, title, mode, language, starred, archived,
       created_at_unix_ms, updated_at_unix_ms, last_message_at_unix_ms,
       last_message_preview, message_count
FROM threads
WHERE user_id = ?
ORDER BY updated_at_unix_ms DESC, thread_id DESC
`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Thread, 0, 16)
	for rows.Next() {
		var t Thread
		if err := scanThread(rows.Scan, &t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type scanFn func(dest ...any) error

func scanThread(scan scanFn, t *Thread) error {
	var starred, archived int
	if err := scan(
		&t.ThreadID,
		&t.UserID,
		&t.Title,
		&t.Mode,
		&t.Language,
		&starred,
		&archived,
		&t.CreatedAtUnixMs,
		&t.UpdatedAtUnixMs,
		&t.LastMessageAtUnixMs,
		&t.LastMessagePreview,
		&t.MessageCount,
	); err != nil {
		return err
	}
	t.Starred = starred != 0
	t.Archived = archived != 0
	return nil
}

func (s *Store) GetThread(ctx context.Context, userID string, threadID string) (*Thread, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	threadID = strings.TrimSpace(threadID)
	if userID == "" || threadID == "" {
		return nil, errors.New("invalid request")
	}

	var t Thread
	row := s.db.QueryRowContext(ctx, `
SELECT thread_id, user_id, title, mode, language, starred, archived,
       created_at_unix_ms, updated_at_unix_ms, last_message_at_unix_ms,
       last_message_preview, message_count
FROM threads
WHERE user_id = ? AND thread_id = ?
`, userID, threadID)
	if err := scanThread(row.Scan, &t); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &t, nil
}

// CreateOrReuseThread returns an existing empty, non-archived thread of the
// same mode for the user when one exists; otherwise it creates a new thread.
// This is the store-side half of the no-duplicate-empty-threads guarantee.
func (s *Store) CreateOrReuseThread(ctx context.Context, userID string, title string, mode string, language string) (Thread, bool, error) {
	if s == nil || s.db == nil {
		return Thread{}, false, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	if userID == "" {
		return Thread{}, false, errors.New("missing user_id")
	}
	mode = strings.TrimSpace(strings.ToLower(mode))
	if mode == "" {
		mode = "chat"
	}
	title = strings.TrimSpace(title)
	if title == "" {
		title = "New Conversation"
	}
	language = strings.TrimSpace(strings.ToLower(language))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Thread{}, false, err
	}
	defer func() { _ = tx.Rollback() }()

	var existing Thread
	row := tx.QueryRowContext(ctx, `
SELECT thread_id, user_id, title, mode, language, starred, archived,
       created_at_unix_ms, updated_at_unix_ms, last_message_at_unix_ms,
       last_message_preview, message_count
FROM threads
WHERE user_id = ? AND mode = ? AND archived = 0 AND message_count = 0
ORDER BY updated_at_unix_ms DESC, thread_id DESC
LIMIT 1
`, userID, mode)
	switch err := scanThread(row.Scan, &existing); {
	case err == nil:
		if err := tx.Commit(); err != nil {
			return Thread{}, false, err
		}
		return existing, true, nil
	case errors.Is(err, sql.ErrNoRows):
		// Fall through to create.
	default:
		return Thread{}, false, err
	}

	id, err := NewThreadID()
	if err != nil {
		return Thread{}, false, err
	}
	now := time.Now().UnixMilli()
	t := Thread{
		ThreadID:        id,
		UserID:          userID,
		Title:           title,
		Mode:            mode,
		Language:        language,
		CreatedAtUnixMs: now,
		UpdatedAtUnixMs: now,
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO threads(
  thread_id, user_id, title, mode, language, starred, archived,
  created_at_unix_ms, updated_at_unix_ms, last_message_at_unix_ms,
  last_message_preview, message_count
) VALUES(?, ?, ?, ?, ?, 0, 0, ?, ?, 0, '', 0)
`, t.ThreadID, t.UserID, t.Title, t.Mode, t.Language, t.CreatedAtUnixMs, t.UpdatedAtUnixMs); err != nil {
		return Thread{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return Thread{}, false, err
	}

	s.publishThreadUpdate(t)
	return t, false, nil
}

// AppendMessage inserts a message and updates the thread's derived fields in
// the same transaction. It assigns a message id when the caller did not, and
// returns the authoritative id. The insert and the resulting thread update
// are published on the feed after commit.
func (s *Store) AppendMessage(ctx context.Context, userID string, m Message) (string, error) {
	if s == nil || s.db == nil {
		return "", errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	m.ThreadID = strings.TrimSpace(m.ThreadID)
	if userID == "" || m.ThreadID == "" {
		return "", errors.New("invalid request")
	}
	m.UserID = userID
	m.Role = strings.TrimSpace(strings.ToLower(m.Role))
	if m.Role != "user" && m.Role != "assistant" {
		return "", fmt.Errorf("unsupported role: %s", m.Role)
	}
	m.Content = strings.TrimRight(strings.ReplaceAll(m.Content, "\r\n", "\n"), "\n")
	if strings.TrimSpace(m.Content) == "" && strings.TrimSpace(m.AttachmentsJSON) == "" {
		return "", errors.New("empty message")
	}

	m.MessageID = strings.TrimSpace(m.MessageID)
	if m.MessageID == "" {
		id, err := NewMessageID()
		if err != nil {
			return "", err
		}
		m.MessageID = id
	}

	now := time.Now().UnixMilli()
	if m.CreatedAtUnixMs <= 0 {
		m.CreatedAtUnixMs = now
	}
	if m.UpdatedAtUnixMs <= 0 {
		m.UpdatedAtUnixMs = m.CreatedAtUnixMs
	}
	preview := buildPreview(m.Content)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	// Ensure the thread exists and belongs to the user.
	var t Thread
	row := tx.QueryRowContext(ctx, `
SELECT thread_id, user_id, title, mode, language, starred, archived,
       created_at_unix_ms, updated_at_unix_ms, last_message_at_unix_ms,
       last_message_preview, message_count
FROM threads
WHERE user_id = ? AND thread_id = ?
`, userID, m.ThreadID)
	if err := scanThread(row.Scan, &t); err != nil {
		return "", err
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO messages(
  thread_id, user_id, message_id, role, content, mode, language,
  attachments_json, created_at_unix_ms, updated_at_unix_ms
) VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`,
		m.ThreadID,
		userID,
		m.MessageID,
		m.Role,
		m.Content,
		m.Mode,
		m.Language,
		m.AttachmentsJSON,
		m.CreatedAtUnixMs,
		m.UpdatedAtUnixMs,
	); err != nil {
		return "", err
	}

	t.UpdatedAtUnixMs = m.UpdatedAtUnixMs
	t.LastMessageAtUnixMs = m.CreatedAtUnixMs
	t.LastMessagePreview = preview
	t.MessageCount++
	if _, err := tx.ExecContext(ctx, `
UPDATE threads
SET updated_at_unix_ms = ?,
    last_message_at_unix_ms = ?,
    last_message_preview = ?,
    message_count = message_count + 1
WHERE user_id = ? AND thread_id = ?
`, t.UpdatedAtUnixMs, t.LastMessageAtUnixMs, t.LastMessagePreview, userID, m.ThreadID); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}

	s.hub.Publish(feed.Event{
		Type: feed.EventTypeMessageInsert,
		Insert: &feed.MessageInsert{
			MessageID:   m.MessageID,
			ThreadID:    m.ThreadID,
			Role:        m.Role,
			Content:     m.Content,
			Mode:        m.Mode,
			Language:    m.Language,
			CreatedAtMs: m.CreatedAtUnixMs,
		},
	})
	s.publishThreadUpdate(t)
	return m.MessageID, nil
}

// ListMessages returns a thread's messages in insertion order.
func (s *Store) ListMessages(ctx context.Context, userID string, threadID string) ([]Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	threadID = strings.TrimSpace(threadID)
	if userID == "" || threadID == "" {
		return nil, errors.New("invalid request")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT id, thread_id, user_id, message_id, role, content, mode, language,
       attachments_json, created_at_unix_ms, updated_at_unix_ms
FROM messages
WHERE user_id = ? AND thread_id = ?
ORDER BY id ASC
`, userID, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Message, 0, 32)
	for rows.Next() {
		var m Message
		if err := rows.Scan(
			&m.ID,
			&m.ThreadID,
			&m.UserID,
			&m.MessageID,
			&m.Role,
			&m.Content,
			&m.Mode,
			&m.Language,
			&m.AttachmentsJSON,
			&m.CreatedAtUnixMs,
			&m.UpdatedAtUnixMs,
		); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) SetThreadStarred(ctx context.Context, userID string, threadID string, starred bool) error {
	return s.setThreadFlag(ctx, userID, threadID, "starred", starred)
}

func (s *Store) SetThreadArchived(ctx context.Context, userID string, threadID string, archived bool) error {
	return s.setThreadFlag(ctx, userID, threadID, "archived", archived)
}

func (s *Store) setThreadFlag(ctx context.Context, userID string, threadID string, column string, value bool) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	threadID = strings.TrimSpace(threadID)
	if userID == "" || threadID == "" {
		return errors.New("invalid request")
	}

	v := 0
	if value {
		v = 1
	}
	now := time.Now().UnixMilli()
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
UPDATE threads
SET %s = ?, updated_at_unix_ms = ?
WHERE user_id = ? AND thread_id = ?
`, column), v, now, userID, threadID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}

	if t, err := s.GetThread(ctx, userID, threadID); err == nil && t != nil {
		s.publishThreadUpdate(*t)
	}
	return nil
}

// DeleteThread removes the thread and cascades to its messages.
func (s *Store) DeleteThread(ctx context.Context, userID string, threadID string) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	userID = strings.TrimSpace(userID)
	threadID = strings.TrimSpace(threadID)
	if userID == "" || threadID == "" {
		return errors.New("invalid request")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE user_id = ? AND thread_id = ?`, userID, threadID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM threads WHERE user_id = ? AND thread_id = ?`, userID, threadID)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return sql.ErrNoRows
	}
	if err := tx.Commit(); err != nil {
		return err
	}

	s.hub.Publish(feed.Event{
		Type:   feed.EventTypeThreadDelete,
		Delete: &feed.ThreadDelete{ThreadID: threadID},
	})
	return nil
}

// DeleteArchivedBefore hard-deletes threads (any user) that were archived and
// last updated before the cutoff. Used by the retention sweeper. Returns the
// deleted thread ids.
func (s *Store) DeleteArchivedBefore(ctx context.Context, cutoffUnixMs int64) ([]string, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if cutoffUnixMs <= 0 {
		return nil, errors.New("invalid cutoff")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT thread_id, user_id
FROM threads
WHERE archived = 1 AND updated_at_unix_ms < ?
`, cutoffUnixMs)
	if err != nil {
		return nil, err
	}
	type ref struct{ threadID, userID string }
	refs := make([]ref, 0)
	for rows.Next() {
		var r ref
		if err := rows.Scan(&r.threadID, &r.userID); err != nil {
			rows.Close()
			return nil, err
		}
		refs = append(refs, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	deleted := make([]string, 0, len(refs))
	for _, r := range refs {
		if err := s.DeleteThread(ctx, r.userID, r.threadID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return deleted, err
		}
		deleted = append(deleted, r.threadID)
	}
	return deleted, nil
}

func (s *Store) publishThreadUpdate(t Thread) {
	if s == nil || s.hub == nil {
		return
	}
	s.hub.Publish(feed.Event{
		Type: feed.EventTypeThreadUpdate,
		Update: &feed.ThreadUpdate{
			ThreadID:        t.ThreadID,
			Title:           t.Title,
			Mode:            t.Mode,
			Starred:         t.Starred,
			Archived:        t.Archived,
			CreatedAtMs:     t.CreatedAtUnixMs,
			UpdatedAtMs:     t.UpdatedAtUnixMs,
			LastMessageAtMs: t.LastMessageAtUnixMs,
			Preview:         t.LastMessagePreview,
			MessageCount:    t.MessageCount,
		},
	})
}

func buildPreview(content string) string {
	content = strings.ReplaceAll(content, "\n", " ")
	content = strings.ReplaceAll(content, "\r", " ")
	content = strings.TrimSpace(content)
	return truncateRunes(content, 100)
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	n := 0
	for i := range s {
		if n >= max {
			return strings.TrimSpace(s[:i])
		}
		n++
	}
	return strings.TrimSpace(s)
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
CREATE TABLE IF NOT EXISTS threads (
  thread_id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  title TEXT NOT NULL DEFAULT '',
  mode TEXT NOT NULL DEFAULT 'chat',
  language TEXT NOT NULL DEFAULT '',
  starred INTEGER NOT NULL DEFAULT 0,
  archived INTEGER NOT NULL DEFAULT 0,
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL,
  last_message_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  last_message_preview TEXT NOT NULL DEFAULT '',
  message_count INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_threads_user_updated ON threads(user_id, updated_at_unix_ms DESC, thread_id DESC);
CREATE INDEX IF NOT EXISTS idx_threads_empty_by_mode ON threads(user_id, mode, archived, message_count);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(`
CREATE TABLE IF NOT EXISTS messages (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  thread_id TEXT NOT NULL,
  user_id TEXT NOT NULL,
  message_id TEXT NOT NULL,
  role TEXT NOT NULL,
  content TEXT NOT NULL DEFAULT '',
  mode TEXT NOT NULL DEFAULT '',
  language TEXT NOT NULL DEFAULT '',
  attachments_json TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  updated_at_unix_ms INTEGER NOT NULL,
  UNIQUE(thread_id, message_id)
);
CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(user_id, thread_id, id ASC);
`); err != nil {
		return err
	}

	if _, err := tx.Exec(fmt.Sprintf(`PRAGMA user_version=%d;`, targetVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

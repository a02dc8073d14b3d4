// Package archive is a local SQLite-backed copy of reconciled transcripts,
// so past conversations remain readable without the backend. Writes are
// best-effort snapshots taken after reconciliation; the archive is never
// the source of truth.
package archive

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aulament/tutorchat/internal/chat"
)

const snapshotOpTimeout = 5 * time.Second

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

// SnapshotThread replaces the archived transcript of threadID with
// messages. Implements chat.Archiver.
func (s *Store) SnapshotThread(threadID string, messages []chat.Message) error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return errors.New("missing thread id")
	}

	ctx, cancel := context.WithTimeout(context.Background(), snapshotOpTimeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE thread_id = ?`, threadID); err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	for i, m := range messages {
		body, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode message %q: %w", m.ID, err)
		}
		_, err = tx.ExecContext(ctx, `
INSERT INTO messages (thread_id, position, message_id, role, text_content, message_json, created_at_unix_ms)
VALUES (?, ?, ?, ?, ?, ?, ?)`,
			threadID, i, m.ID, string(m.Role), m.PlainText(), string(body), m.CreatedAt.UnixMilli())
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, `
INSERT INTO threads (thread_id, message_count, updated_at_unix_ms)
VALUES (?, ?, ?)
ON CONFLICT(thread_id) DO UPDATE SET
  message_count = excluded.message_count,
  updated_at_unix_ms = excluded.updated_at_unix_ms`,
		threadID, len(messages), now)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// Messages returns the archived transcript of a thread in order.
func (s *Store) Messages(ctx context.Context, threadID string) ([]chat.Message, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	threadID = strings.TrimSpace(threadID)
	if threadID == "" {
		return nil, errors.New("missing thread id")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT message_json FROM messages WHERE thread_id = ? ORDER BY position ASC`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []chat.Message
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var m chat.Message
		if err := json.Unmarshal([]byte(body), &m); err != nil {
			return nil, fmt.Errorf("decode archived message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// ThreadInfo summarizes one archived thread.
type ThreadInfo struct {
	ThreadID        string `json:"thread_id"`
	MessageCount    int    `json:"message_count"`
	UpdatedAtUnixMs int64  `json:"updated_at_unix_ms"`
}

// Threads lists archived threads, most recently updated first.
func (s *Store) Threads(ctx context.Context) ([]ThreadInfo, error) {
	if s == nil || s.db == nil {
		return nil, errors.New("store not initialized")
	}
	if ctx == nil {
		ctx = context.Background()
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT thread_id, message_count, updated_at_unix_ms
FROM threads ORDER BY updated_at_unix_ms DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ThreadInfo
	for rows.Next() {
		var t ThreadInfo
		if err := rows.Scan(&t.ThreadID, &t.MessageCount, &t.UpdatedAtUnixMs); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
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
	_, err := db.Exec(`
CREATE TABLE IF NOT EXISTS threads (
  thread_id          TEXT PRIMARY KEY,
  message_count      INTEGER NOT NULL DEFAULT 0,
  updated_at_unix_ms INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS messages (
  id                 INTEGER PRIMARY KEY AUTOINCREMENT,
  thread_id          TEXT NOT NULL,
  position           INTEGER NOT NULL,
  message_id         TEXT NOT NULL,
  role               TEXT NOT NULL,
  text_content       TEXT NOT NULL DEFAULT '',
  message_json       TEXT NOT NULL,
  created_at_unix_ms INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_messages_thread_position ON messages(thread_id, position);
`)
	return err
}

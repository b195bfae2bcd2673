package transcriptlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Compile-time interface assertion.
var _ Store = (*SQLiteStore)(nil)

const defaultSQLitePath = "data/dundra.db"

// SQLiteStore logs entries to a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and applies
// the schema. An empty path uses data/dundra.db.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		path = defaultSQLitePath
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("transcriptlog: create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("transcriptlog: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	stmts := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		`CREATE TABLE IF NOT EXISTS transcript_entries (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id  TEXT    NOT NULL,
			segment_id  TEXT    NOT NULL,
			speaker     TEXT    NOT NULL DEFAULT '',
			text        TEXT    NOT NULL,
			raw_text    TEXT    NOT NULL DEFAULT '',
			confidence  REAL    NOT NULL DEFAULT 1,
			timestamp   TEXT    NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS idx_transcript_entries_session ON transcript_entries(session_id, id)",
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("transcriptlog: init schema: %w", err)
		}
	}
	return nil
}

// Append implements [Store].
func (s *SQLiteStore) Append(ctx context.Context, e Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO transcript_entries(session_id, segment_id, speaker, text, raw_text, confidence, timestamp)
		 VALUES(?, ?, ?, ?, ?, ?, ?)`,
		e.SessionID,
		e.SegmentID,
		e.Speaker,
		e.Text,
		e.RawText,
		e.Confidence,
		e.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("transcriptlog: append entry for session %s: %w", e.SessionID, err)
	}
	return nil
}

// Recent implements [Store].
func (s *SQLiteStore) Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	q := `SELECT session_id, segment_id, speaker, text, raw_text, confidence, timestamp
	      FROM transcript_entries WHERE session_id = ? ORDER BY id DESC`
	args := []any{sessionID}
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("transcriptlog: query session %s: %w", sessionID, err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		var (
			e  Entry
			ts string
		)
		if err := rows.Scan(&e.SessionID, &e.SegmentID, &e.Speaker, &e.Text, &e.RawText, &e.Confidence, &ts); err != nil {
			return nil, fmt.Errorf("transcriptlog: scan entry: %w", err)
		}
		e.Timestamp, err = time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return nil, fmt.Errorf("transcriptlog: parse timestamp %q: %w", ts, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("transcriptlog: iterate entries: %w", err)
	}

	// Rows come newest first; callers want chronological order.
	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

// DeleteSession implements [Store].
func (s *SQLiteStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM transcript_entries WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("transcriptlog: delete session %s: %w", sessionID, err)
	}
	return nil
}

// Ping implements [Store].
func (s *SQLiteStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("transcriptlog: ping sqlite: %w", err)
	}
	return nil
}

// Close implements [Store].
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

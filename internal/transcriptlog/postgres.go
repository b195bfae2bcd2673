package transcriptlog

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Compile-time interface assertion.
var _ Store = (*PostgresStore)(nil)

const ddlTranscriptEntries = `
CREATE TABLE IF NOT EXISTS transcript_entries (
    id          BIGSERIAL         PRIMARY KEY,
    session_id  TEXT              NOT NULL,
    segment_id  TEXT              NOT NULL,
    speaker     TEXT              NOT NULL DEFAULT '',
    text        TEXT              NOT NULL,
    raw_text    TEXT              NOT NULL DEFAULT '',
    confidence  DOUBLE PRECISION  NOT NULL DEFAULT 1,
    timestamp   TIMESTAMPTZ       NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_transcript_entries_session
    ON transcript_entries (session_id, id);
`

// PostgresStore logs entries to a PostgreSQL transcript_entries table.
// All methods are safe for concurrent use.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore connects to dsn and runs [MigratePostgres].
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("transcriptlog: parse dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("transcriptlog: connect: %w", err)
	}
	if err := MigratePostgres(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

// MigratePostgres creates the transcript table and its index if missing.
func MigratePostgres(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, ddlTranscriptEntries); err != nil {
		return fmt.Errorf("transcriptlog: migrate: %w", err)
	}
	return nil
}

// Append implements [Store].
func (s *PostgresStore) Append(ctx context.Context, e Entry) error {
	const q = `
		INSERT INTO transcript_entries
		    (session_id, segment_id, speaker, text, raw_text, confidence, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := s.pool.Exec(ctx, q,
		e.SessionID,
		e.SegmentID,
		e.Speaker,
		e.Text,
		e.RawText,
		e.Confidence,
		e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("transcriptlog: append entry: %w", err)
	}
	return nil
}

// Recent implements [Store].
func (s *PostgresStore) Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error) {
	q := `
		SELECT session_id, segment_id, speaker, text, raw_text, confidence, timestamp
		FROM (
		    SELECT *
		    FROM   transcript_entries
		    WHERE  session_id = $1
		    ORDER  BY id DESC`
	args := []any{sessionID}
	if limit > 0 {
		q += "\n\t\t    LIMIT $2"
		args = append(args, limit)
	}
	q += "\n\t\t) recent\n\t\tORDER BY id"

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("transcriptlog: recent: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (Entry, error) {
		var e Entry
		err := row.Scan(&e.SessionID, &e.SegmentID, &e.Speaker, &e.Text, &e.RawText, &e.Confidence, &e.Timestamp)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("transcriptlog: scan rows: %w", err)
	}
	if entries == nil {
		entries = []Entry{}
	}
	return entries, nil
}

// DeleteSession implements [Store].
func (s *PostgresStore) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM transcript_entries WHERE session_id = $1`, sessionID); err != nil {
		return fmt.Errorf("transcriptlog: delete session: %w", err)
	}
	return nil
}

// Ping implements [Store].
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("transcriptlog: ping postgres: %w", err)
	}
	return nil
}

// Close implements [Store].
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

// Package transcriptlog persists final transcription segments per session.
//
// Three [Store] implementations are provided: an in-process [MemStore], a
// file-backed [SQLiteStore] and a [PostgresStore] backed by a pgx pool. Use
// [Open] to select one by driver name.
package transcriptlog

import (
	"context"
	"fmt"
	"time"
)

// Driver names accepted by [Open].
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Entry is one logged segment.
type Entry struct {
	SessionID  string    `json:"sessionId"`
	SegmentID  string    `json:"id"`
	Speaker    string    `json:"speaker"`
	Text       string    `json:"text"`
	RawText    string    `json:"rawText,omitempty"`
	Confidence float64   `json:"confidence"`
	Timestamp  time.Time `json:"timestamp"`
}

// Store is an append-only transcript log.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Append adds e to the log of e.SessionID.
	Append(ctx context.Context, e Entry) error

	// Recent returns up to limit of the newest entries for sessionID in
	// chronological order. limit ≤ 0 returns all entries.
	Recent(ctx context.Context, sessionID string, limit int) ([]Entry, error)

	// DeleteSession removes every entry for sessionID.
	DeleteSession(ctx context.Context, sessionID string) error

	// Ping reports whether the backing database is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}

// Open returns the store for driver. dsn is a file path for sqlite and a
// connection string for postgres. It is ignored for memory.
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch driver {
	case "", DriverMemory:
		return NewMemStore(), nil
	case DriverSQLite:
		return NewSQLiteStore(ctx, dsn)
	case DriverPostgres:
		return NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("transcriptlog: unknown driver %q", driver)
	}
}

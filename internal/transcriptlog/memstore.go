package transcriptlog

import (
	"context"
	"sync"
)

// Compile-time interface assertion.
var _ Store = (*MemStore)(nil)

// MemStore keeps entries in memory. Entries are lost on restart.
type MemStore struct {
	mu       sync.RWMutex
	sessions map[string][]Entry
}

// NewMemStore returns an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{sessions: make(map[string][]Entry)}
}

// Append implements [Store].
func (s *MemStore) Append(_ context.Context, e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[e.SessionID] = append(s.sessions[e.SessionID], e)
	return nil
}

// Recent implements [Store].
func (s *MemStore) Recent(_ context.Context, sessionID string, limit int) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	all := s.sessions[sessionID]
	if limit > 0 && len(all) > limit {
		all = all[len(all)-limit:]
	}
	out := make([]Entry, len(all))
	copy(out, all)
	return out, nil
}

// DeleteSession implements [Store].
func (s *MemStore) DeleteSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, sessionID)
	return nil
}

// Ping implements [Store]. It never fails.
func (s *MemStore) Ping(context.Context) error { return nil }

// Close implements [Store].
func (s *MemStore) Close() error { return nil }

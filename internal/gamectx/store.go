// Package gamectx owns the per-session [types.GameContext] instances.
//
// A context exists for a session only after [Store.Create] was called for it.
// Updates to unknown sessions are ignored rather than creating partial
// contexts, and reads of unknown sessions return [ErrNotFound]. Contexts that
// have not been touched for longer than a configurable age are removed by
// [Store.Cleanup].
package gamectx

import (
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/dundra/pkg/types"
)

// ErrNotFound is returned when no context exists for a session.
var ErrNotFound = errors.New("gamectx: context not found")

// DefaultLocation is the location assigned to freshly created contexts.
const DefaultLocation = "Starting Location"

// DefaultMaxRecentEvents caps the recent events kept per context.
const DefaultMaxRecentEvents = 50

// Option is a functional option for [New].
type Option func(*Store)

// WithClock overrides the time source. Intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

// WithMaxRecentEvents caps the number of recent events kept per context.
// Older events are dropped first. Values ≤ 0 are ignored.
func WithMaxRecentEvents(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxRecent = n
		}
	}
}

// Store maps session IDs to game contexts. All reads return deep copies, so
// callers may freely modify what they receive.
//
// All methods are safe for concurrent use.
type Store struct {
	mu        sync.RWMutex
	contexts  map[string]*types.GameContext
	now       func() time.Time
	maxRecent int
}

// New creates an empty store.
func New(opts ...Option) *Store {
	s := &Store{
		contexts:  make(map[string]*types.GameContext),
		now:       time.Now,
		maxRecent: DefaultMaxRecentEvents,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create inserts a fresh context for sessionID and returns it. An existing
// context for the same session is replaced, not merged.
func (s *Store) Create(campaignID, sessionID string) types.GameContext {
	gc := s.fresh(campaignID, sessionID)

	s.mu.Lock()
	_, replaced := s.contexts[sessionID]
	s.contexts[sessionID] = gc
	s.mu.Unlock()

	slog.Debug("game context created", "session_id", sessionID, "campaign_id", campaignID, "replaced", replaced)
	return gc.Clone()
}

// GetOrCreate returns the context of sessionID, creating it for campaignID
// when absent. created reports whether this call created it. Concurrent
// callers for the same session all observe the same context.
func (s *Store) GetOrCreate(campaignID, sessionID string) (gc types.GameContext, created bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.contexts[sessionID]; ok {
		return existing.Clone(), false
	}
	fresh := s.fresh(campaignID, sessionID)
	s.contexts[sessionID] = fresh
	return fresh.Clone(), true
}

func (s *Store) fresh(campaignID, sessionID string) *types.GameContext {
	return &types.GameContext{
		CampaignID:       campaignID,
		SessionID:        sessionID,
		CurrentLocation:  DefaultLocation,
		ActiveCharacters: []string{},
		OngoingQuests:    []string{},
		RecentEvents:     []string{},
		GameState:        types.GameStateUnknown,
		LastUpdated:      s.now(),
	}
}

// Get returns the context for sessionID or [ErrNotFound].
func (s *Store) Get(sessionID string) (types.GameContext, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	gc, ok := s.contexts[sessionID]
	if !ok {
		return types.GameContext{}, ErrNotFound
	}
	return gc.Clone(), nil
}

// Update merges u into the context for sessionID and stamps LastUpdated.
// Provided fields overwrite the stored ones. RecentEvents are appended and
// trimmed to the configured cap. Returns false, changing nothing, when the
// session has no context.
func (s *Store) Update(sessionID string, u types.ContextUpdate) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	gc, ok := s.contexts[sessionID]
	if !ok {
		return false
	}
	if u.CurrentLocation != nil {
		gc.CurrentLocation = *u.CurrentLocation
	}
	if u.ActiveCharacters != nil {
		gc.ActiveCharacters = append([]string{}, u.ActiveCharacters...)
	}
	if u.OngoingQuests != nil {
		gc.OngoingQuests = append([]string{}, u.OngoingQuests...)
	}
	if len(u.RecentEvents) > 0 {
		gc.RecentEvents = append(gc.RecentEvents, u.RecentEvents...)
		if over := len(gc.RecentEvents) - s.maxRecent; over > 0 {
			gc.RecentEvents = append([]string{}, gc.RecentEvents[over:]...)
		}
	}
	if u.GameState != nil && u.GameState.IsValid() {
		gc.GameState = *u.GameState
	}
	gc.LastUpdated = s.now()
	return true
}

// Delete removes the context for sessionID and reports whether one existed.
func (s *Store) Delete(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.contexts[sessionID]
	delete(s.contexts, sessionID)
	return ok
}

// Len returns the number of stored contexts.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.contexts)
}

// Cleanup removes every context whose LastUpdated is older than maxAge and
// returns how many were removed.
func (s *Store) Cleanup(maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, gc := range s.contexts {
		if gc.LastUpdated.Before(cutoff) {
			delete(s.contexts, id)
			removed++
		}
	}
	return removed
}

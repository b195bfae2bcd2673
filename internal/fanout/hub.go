// Package fanout delivers analysis events to every connection that joined a
// game session's room.
//
// Delivery is fire-and-forget: a subscriber whose queue is full loses the
// event, and late joiners get no replay.
package fanout

import (
	"context"
	"log/slog"
	"sort"
	"sync"

	"github.com/MrWong99/dundra/internal/observe"
	"github.com/MrWong99/dundra/internal/transport"
)

// Event names published to rooms.
const (
	EventAnalysisComplete = "analysis:complete"
	EventCardTriggers     = "cards:generate_triggers"
	EventImmediateTrigger = "cards:immediate_trigger"
	EventCharacterUpdates = "characters:updates"
	EventUrgentUpdates    = "characters:urgent_updates"
)

// Subscriber receives room events.
type Subscriber interface {
	// SubscriberID identifies the subscriber across rooms.
	SubscriberID() string

	// Deliver enqueues msg without blocking and reports whether it was
	// accepted.
	Deliver(msg transport.Message) bool
}

// Option configures a [Hub].
type Option func(*Hub)

// WithMetrics sets the metrics recorder for dropped events.
func WithMetrics(m *observe.Metrics) Option {
	return func(h *Hub) { h.metrics = m }
}

// Hub is a set of rooms keyed by session ID. All methods are safe for
// concurrent use.
type Hub struct {
	metrics *observe.Metrics

	mu    sync.RWMutex
	rooms map[string]map[string]Subscriber
}

// New creates an empty hub.
func New(opts ...Option) *Hub {
	h := &Hub{rooms: make(map[string]map[string]Subscriber)}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Join adds sub to the room of sessionID. Joining twice is a no-op.
func (h *Hub) Join(sessionID string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[sessionID]
	if !ok {
		room = make(map[string]Subscriber)
		h.rooms[sessionID] = room
	}
	room[sub.SubscriberID()] = sub
}

// Leave removes sub from the room of sessionID and reports whether it was a
// member. Empty rooms are dropped.
func (h *Hub) Leave(sessionID string, sub Subscriber) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.leaveLocked(sessionID, sub.SubscriberID())
}

// LeaveAll removes sub from every room and returns the session IDs it left.
func (h *Hub) LeaveAll(sub Subscriber) []string {
	id := sub.SubscriberID()
	h.mu.Lock()
	defer h.mu.Unlock()
	var left []string
	for sessionID, room := range h.rooms {
		if _, ok := room[id]; ok {
			h.leaveLocked(sessionID, id)
			left = append(left, sessionID)
		}
	}
	sort.Strings(left)
	return left
}

// Close removes the room of sessionID entirely and returns its former
// members.
func (h *Hub) Close(sessionID string) []Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	room := h.rooms[sessionID]
	delete(h.rooms, sessionID)
	out := make([]Subscriber, 0, len(room))
	for _, sub := range room {
		out = append(out, sub)
	}
	return out
}

func (h *Hub) leaveLocked(sessionID, id string) bool {
	room, ok := h.rooms[sessionID]
	if !ok {
		return false
	}
	if _, ok := room[id]; !ok {
		return false
	}
	delete(room, id)
	if len(room) == 0 {
		delete(h.rooms, sessionID)
	}
	return true
}

// Members returns the subscriber IDs in the room of sessionID, sorted.
func (h *Hub) Members(sessionID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	room := h.rooms[sessionID]
	out := make([]string, 0, len(room))
	for id := range room {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// IsMember reports whether sub is in the room of sessionID.
func (h *Hub) IsMember(sessionID string, sub Subscriber) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[sessionID][sub.SubscriberID()]
	return ok
}

// Publish encodes payload once and delivers it as event to every member of
// the room of sessionID. It returns the number of subscribers that accepted
// the event.
func (h *Hub) Publish(sessionID, event string, payload any) int {
	msg, err := transport.NewMessage(event, payload)
	if err != nil {
		slog.Error("fanout: encode event", "event", event, "session_id", sessionID, "err", err)
		return 0
	}

	h.mu.RLock()
	subs := make([]Subscriber, 0, len(h.rooms[sessionID]))
	for _, sub := range h.rooms[sessionID] {
		subs = append(subs, sub)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, sub := range subs {
		if sub.Deliver(msg) {
			delivered++
			continue
		}
		slog.Warn("fanout: subscriber queue full, event dropped",
			"event", event, "session_id", sessionID, "subscriber", sub.SubscriberID())
		if h.metrics != nil {
			h.metrics.FanoutDropped.Add(context.Background(), 1)
		}
	}
	return delivered
}

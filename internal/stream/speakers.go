package stream

import (
	"sort"
	"sync"

	"github.com/MrWong99/dundra/pkg/types"
)

// SpeakerRegistry maps diarization speaker tags to player names for one
// stream session and remembers which tags have been observed.
//
// All methods are safe for concurrent use.
type SpeakerRegistry struct {
	mu    sync.Mutex
	names map[string]string
	seen  map[string]struct{}
	order []string
}

// NewSpeakerRegistry returns an empty registry.
func NewSpeakerRegistry() *SpeakerRegistry {
	return &SpeakerRegistry{
		names: make(map[string]string),
		seen:  make(map[string]struct{}),
	}
}

// Observe records tag and reports whether it was seen for the first time.
// Empty tags are ignored.
func (r *SpeakerRegistry) Observe(tag string) bool {
	if tag == "" {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.seen[tag]; ok {
		return false
	}
	r.seen[tag] = struct{}{}
	r.order = append(r.order, tag)
	return true
}

// Map binds tag to name, replacing any earlier binding.
func (r *SpeakerRegistry) Map(tag, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[tag] = name
}

// Name returns the player name bound to tag.
func (r *SpeakerRegistry) Name(tag string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.names[tag]
	return n, ok
}

// Label returns the player name for tag, or a generic label when unmapped.
func (r *SpeakerRegistry) Label(tag string) string {
	if n, ok := r.Name(tag); ok {
		return n
	}
	return types.SpeakerLabel(tag)
}

// Mappings returns all bindings sorted by speaker tag.
func (r *SpeakerRegistry) Mappings() []types.SpeakerMapping {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]types.SpeakerMapping, 0, len(r.names))
	for tag, name := range r.names {
		out = append(out, types.SpeakerMapping{SpeakerID: tag, PlayerName: name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SpeakerID < out[j].SpeakerID })
	return out
}

// Detected returns the observed tags in first-seen order.
func (r *SpeakerRegistry) Detected() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Count returns the number of mapped speakers.
func (r *SpeakerRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.names)
}

// Reset discards all bindings and observations.
func (r *SpeakerRegistry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names = make(map[string]string)
	r.seen = make(map[string]struct{})
	r.order = nil
}

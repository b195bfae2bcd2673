// Package batch accumulates transcription segments per session and hands them
// to a flush function in batches.
//
// A batch is drained when the pending list reaches the size threshold, when
// the session has been quiet for the idle interval, or on demand. At most one
// flush runs per session at a time: batches drained while a flush is in
// flight queue behind it and are flushed in drain order.
package batch

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/dundra/internal/observe"
	"github.com/MrWong99/dundra/pkg/types"
)

// Default scheduler settings.
const (
	DefaultThreshold = 5
	DefaultIdleFlush = 30 * time.Second
)

// Flush reasons reported in logs and metrics.
const (
	ReasonThreshold = "threshold"
	ReasonIdle      = "idle"
	ReasonManual    = "manual"
)

// FlushFunc processes one drained batch. segs is owned by the callee.
type FlushFunc func(ctx context.Context, sessionID string, segs []types.TranscriptionSegment)

// Config configures a [Scheduler].
type Config struct {
	// Threshold is the pending count that triggers a flush. Defaults to 5.
	Threshold int

	// IdleFlush flushes a non-empty pending list once no segment arrived for
	// this long. Zero disables idle flushing.
	IdleFlush time.Duration
}

// Option is a functional option for [New].
type Option func(*Scheduler)

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Scheduler) {
		s.metrics = m
	}
}

type queue struct {
	pending   []types.TranscriptionSegment
	ready     [][]types.TranscriptionSegment
	reasons   []string
	running   bool
	discarded bool
	timer     *time.Timer
	idleGen   uint64
}

// Scheduler batches segments per session.
//
// All methods are safe for concurrent use.
type Scheduler struct {
	cfg     Config
	flush   FlushFunc
	metrics *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*queue
	closed   bool
}

// New creates a scheduler that hands drained batches to flush.
func New(cfg Config, flush FlushFunc, opts ...Option) *Scheduler {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:      cfg,
		flush:    flush,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*queue),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Submit appends seg to the pending list of sessionID. When the list reaches
// the threshold it is drained and scheduled for flushing, and Submit returns
// true. Segments submitted after Close are dropped.
func (s *Scheduler) Submit(sessionID string, seg types.TranscriptionSegment) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}

	q, ok := s.sessions[sessionID]
	if !ok {
		q = &queue{}
		s.sessions[sessionID] = q
	}
	q.discarded = false
	q.pending = append(q.pending, seg)

	if len(q.pending) >= s.cfg.Threshold {
		s.drainLocked(sessionID, q, ReasonThreshold)
		return true
	}
	s.armIdleLocked(sessionID, q)
	return false
}

// Pending returns the number of segments waiting for sessionID.
func (s *Scheduler) Pending(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if q, ok := s.sessions[sessionID]; ok {
		return len(q.pending)
	}
	return 0
}

// Flush drains whatever is pending for sessionID regardless of the threshold
// and returns the number of segments scheduled.
func (s *Scheduler) Flush(sessionID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.sessions[sessionID]
	if !ok || s.closed || len(q.pending) == 0 {
		return 0
	}
	n := len(q.pending)
	s.drainLocked(sessionID, q, ReasonManual)
	return n
}

// Discard drops everything pending or queued for sessionID. A flush already
// running completes.
func (s *Scheduler) Discard(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.sessions[sessionID]
	if !ok {
		return
	}
	dropped := len(q.pending)
	for _, b := range q.ready {
		dropped += len(b)
	}
	s.stopIdleLocked(q)
	q.pending, q.ready, q.reasons = nil, nil, nil
	if q.running {
		q.discarded = true
	} else {
		delete(s.sessions, sessionID)
	}
	if dropped > 0 {
		slog.Debug("discarded pending segments", "session_id", sessionID, "segments", dropped)
	}
}

// Close stops accepting segments, drops pending ones and waits for running
// flushes until ctx is done. Flushes still running then see their context
// cancelled.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		for id, q := range s.sessions {
			s.stopIdleLocked(q)
			if len(q.pending) > 0 {
				slog.Debug("dropping pending segments on close", "session_id", id, "segments", len(q.pending))
			}
			q.pending = nil
		}
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

// drainLocked moves the pending list to the ready queue and makes sure a
// worker is running for the session. Callers hold s.mu.
func (s *Scheduler) drainLocked(sessionID string, q *queue, reason string) {
	s.stopIdleLocked(q)
	batch := q.pending
	q.pending = nil
	q.ready = append(q.ready, batch)
	q.reasons = append(q.reasons, reason)

	if !q.running {
		q.running = true
		s.wg.Add(1)
		go s.run(sessionID, q)
	}
}

// run flushes ready batches for one session in order until none are left.
func (s *Scheduler) run(sessionID string, q *queue) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		if len(q.ready) == 0 {
			q.running = false
			if q.discarded && len(q.pending) == 0 && s.sessions[sessionID] == q {
				delete(s.sessions, sessionID)
			}
			s.mu.Unlock()
			return
		}
		batch, reason := q.ready[0], q.reasons[0]
		q.ready, q.reasons = q.ready[1:], q.reasons[1:]
		s.mu.Unlock()

		s.metrics.RecordBatchFlush(s.ctx, reason)
		slog.Debug("flushing batch", "session_id", sessionID, "segments", len(batch), "reason", reason)
		s.flush(s.ctx, sessionID, batch)
	}
}

func (s *Scheduler) armIdleLocked(sessionID string, q *queue) {
	if s.cfg.IdleFlush <= 0 {
		return
	}
	s.stopIdleLocked(q)
	gen := q.idleGen
	q.timer = time.AfterFunc(s.cfg.IdleFlush, func() { s.idle(sessionID, q, gen) })
}

// stopIdleLocked cancels the idle timer. Bumping the generation also
// invalidates a timer that already fired but has not taken the lock yet.
func (s *Scheduler) stopIdleLocked(q *queue) {
	q.idleGen++
	if q.timer != nil {
		q.timer.Stop()
		q.timer = nil
	}
}

func (s *Scheduler) idle(sessionID string, q *queue, gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || q.idleGen != gen || len(q.pending) == 0 || s.sessions[sessionID] != q {
		return
	}
	s.drainLocked(sessionID, q, ReasonIdle)
}

package transcriptlog

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Defaults for [NewWriter].
const (
	DefaultWriterBuffer = 256
	DefaultWriteTimeout = 5 * time.Second
)

// Writer appends entries to a [Store] from a single background goroutine so
// callers on the audio path never wait on the database. Entries are written
// in the order they were accepted.
type Writer struct {
	store   Store
	timeout time.Duration
	queue   chan writeReq
	done    chan struct{}

	mu     sync.RWMutex
	closed bool
}

// writeReq carries an entry, or a flush marker when ack is set.
type writeReq struct {
	entry Entry
	ack   chan struct{}
}

// NewWriter starts a writer in front of store holding up to buffer pending
// entries. Non-positive buffer uses [DefaultWriterBuffer].
func NewWriter(store Store, buffer int) *Writer {
	if buffer <= 0 {
		buffer = DefaultWriterBuffer
	}
	w := &Writer{
		store:   store,
		timeout: DefaultWriteTimeout,
		queue:   make(chan writeReq, buffer),
		done:    make(chan struct{}),
	}
	go w.loop()
	return w
}

// Append queues e without blocking. It reports false when e was dropped
// because the buffer is full or the writer is closed.
func (w *Writer) Append(e Entry) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		return false
	}
	select {
	case w.queue <- writeReq{entry: e}:
		return true
	default:
		slog.Warn("transcript log buffer full, entry dropped", "session_id", e.SessionID, "segment_id", e.SegmentID)
		return false
	}
}

// Flush waits until every entry accepted before the call has been handed to
// the store, or ctx is done.
func (w *Writer) Flush(ctx context.Context) error {
	ack := make(chan struct{})
	w.mu.RLock()
	if w.closed {
		w.mu.RUnlock()
		return nil
	}
	select {
	case w.queue <- writeReq{ack: ack}:
	case <-ctx.Done():
		w.mu.RUnlock()
		return ctx.Err()
	}
	w.mu.RUnlock()

	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting entries and waits for the queue to drain or ctx to
// end. The underlying store is left open.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()

	select {
	case <-w.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) loop() {
	defer close(w.done)
	for req := range w.queue {
		if req.ack != nil {
			close(req.ack)
			continue
		}
		w.write(req.entry)
	}
}

func (w *Writer) write(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), w.timeout)
	defer cancel()
	if err := w.store.Append(ctx, e); err != nil {
		slog.Warn("transcript log append failed", "session_id", e.SessionID, "segment_id", e.SegmentID, "err", err)
	}
}

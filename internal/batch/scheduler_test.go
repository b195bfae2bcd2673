package batch

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/dundra/pkg/types"
)

type flushCall struct {
	sessionID string
	ids       []string
}

// recorder collects flush calls. An optional gate blocks each flush until
// a value is received.
type recorder struct {
	mu    sync.Mutex
	calls []flushCall
	gate  chan struct{}
	inFly int
	max   int
}

func (r *recorder) flush(_ context.Context, sessionID string, segs []types.TranscriptionSegment) {
	r.mu.Lock()
	r.inFly++
	if r.inFly > r.max {
		r.max = r.inFly
	}
	r.mu.Unlock()

	if r.gate != nil {
		<-r.gate
	}

	ids := make([]string, len(segs))
	for i, s := range segs {
		ids[i] = s.ID
	}
	r.mu.Lock()
	r.calls = append(r.calls, flushCall{sessionID: sessionID, ids: ids})
	r.inFly--
	r.mu.Unlock()
}

func (r *recorder) snapshot() []flushCall {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]flushCall(nil), r.calls...)
}

func seg(id string) types.TranscriptionSegment {
	return types.TranscriptionSegment{ID: id, Text: "text " + id, Speaker: "DM", Confidence: 1}
}

func waitCalls(t *testing.T, r *recorder, n int) []flushCall {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got := r.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d flush calls, got %d", n, len(r.snapshot()))
	return nil
}

func TestScheduler_Threshold(t *testing.T) {
	r := &recorder{}
	s := New(Config{Threshold: 5}, r.flush)
	defer s.Close(context.Background())

	for i := 1; i <= 4; i++ {
		if s.Submit("S", seg(fmt.Sprint(i))) {
			t.Fatalf("Submit #%d triggered a flush", i)
		}
	}
	time.Sleep(10 * time.Millisecond)
	if n := len(r.snapshot()); n != 0 {
		t.Fatalf("flush calls after 4 segments = %d, want 0", n)
	}
	if s.Pending("S") != 4 {
		t.Errorf("Pending = %d, want 4", s.Pending("S"))
	}

	if !s.Submit("S", seg("5")) {
		t.Fatal("fifth Submit did not trigger a flush")
	}
	if s.Pending("S") != 0 {
		t.Errorf("Pending after drain = %d, want 0", s.Pending("S"))
	}

	waitCalls(t, r, 1)
	time.Sleep(10 * time.Millisecond)
	calls := r.snapshot()
	if len(calls) != 1 {
		t.Fatalf("flush calls = %d, want 1", len(calls))
	}
	want := []string{"1", "2", "3", "4", "5"}
	if fmt.Sprint(calls[0].ids) != fmt.Sprint(want) {
		t.Errorf("batch = %v, want %v", calls[0].ids, want)
	}
	if calls[0].sessionID != "S" {
		t.Errorf("sessionID = %q", calls[0].sessionID)
	}
}

func TestScheduler_SessionsIsolated(t *testing.T) {
	r := &recorder{}
	s := New(Config{Threshold: 2}, r.flush)
	defer s.Close(context.Background())

	s.Submit("A", seg("a1"))
	s.Submit("B", seg("b1"))
	s.Submit("A", seg("a2"))

	calls := waitCalls(t, r, 1)
	if calls[0].sessionID != "A" || fmt.Sprint(calls[0].ids) != "[a1 a2]" {
		t.Errorf("flush = %+v", calls[0])
	}
	if s.Pending("B") != 1 {
		t.Errorf("Pending(B) = %d, want 1", s.Pending("B"))
	}
}

func TestScheduler_OneFlushInFlightPerSession(t *testing.T) {
	r := &recorder{gate: make(chan struct{})}
	s := New(Config{Threshold: 2}, r.flush)

	for i := 1; i <= 6; i++ {
		s.Submit("S", seg(fmt.Sprint(i)))
	}
	// Three batches drained; only one may be running.
	time.Sleep(10 * time.Millisecond)
	for i := 0; i < 3; i++ {
		r.gate <- struct{}{}
	}

	calls := waitCalls(t, r, 3)
	want := []string{"[1 2]", "[3 4]", "[5 6]"}
	for i, c := range calls {
		if fmt.Sprint(c.ids) != want[i] {
			t.Errorf("batch %d = %v, want %s", i, c.ids, want[i])
		}
	}
	r.mu.Lock()
	maxInFlight := r.max
	r.mu.Unlock()
	if maxInFlight != 1 {
		t.Errorf("max concurrent flushes = %d, want 1", maxInFlight)
	}
	if err := s.Close(context.Background()); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestScheduler_IdleFlush(t *testing.T) {
	r := &recorder{}
	s := New(Config{Threshold: 5, IdleFlush: 20 * time.Millisecond}, r.flush)
	defer s.Close(context.Background())

	s.Submit("S", seg("1"))
	s.Submit("S", seg("2"))

	calls := waitCalls(t, r, 1)
	if fmt.Sprint(calls[0].ids) != "[1 2]" {
		t.Errorf("idle batch = %v", calls[0].ids)
	}
	if s.Pending("S") != 0 {
		t.Errorf("Pending = %d, want 0", s.Pending("S"))
	}
}

func TestScheduler_IdleFlushDisabled(t *testing.T) {
	r := &recorder{}
	s := New(Config{Threshold: 5}, r.flush)
	defer s.Close(context.Background())

	s.Submit("S", seg("1"))
	time.Sleep(30 * time.Millisecond)
	if n := len(r.snapshot()); n != 0 {
		t.Errorf("flush calls = %d, want 0 with idle flush disabled", n)
	}
}

func TestScheduler_ManualFlush(t *testing.T) {
	r := &recorder{}
	s := New(Config{Threshold: 5}, r.flush)
	defer s.Close(context.Background())

	if n := s.Flush("S"); n != 0 {
		t.Errorf("Flush on unknown session = %d", n)
	}
	s.Submit("S", seg("1"))
	s.Submit("S", seg("2"))
	s.Submit("S", seg("3"))

	if n := s.Flush("S"); n != 3 {
		t.Errorf("Flush = %d, want 3", n)
	}
	calls := waitCalls(t, r, 1)
	if fmt.Sprint(calls[0].ids) != "[1 2 3]" {
		t.Errorf("batch = %v", calls[0].ids)
	}
}

func TestScheduler_Discard(t *testing.T) {
	r := &recorder{}
	s := New(Config{Threshold: 5, IdleFlush: 10 * time.Millisecond}, r.flush)
	defer s.Close(context.Background())

	s.Submit("S", seg("1"))
	s.Submit("S", seg("2"))
	s.Discard("S")

	time.Sleep(30 * time.Millisecond)
	if n := len(r.snapshot()); n != 0 {
		t.Errorf("flush calls after Discard = %d, want 0", n)
	}
	if s.Pending("S") != 0 {
		t.Errorf("Pending = %d", s.Pending("S"))
	}
}

func TestScheduler_Close(t *testing.T) {
	r := &recorder{gate: make(chan struct{})}
	s := New(Config{Threshold: 1}, r.flush)

	s.Submit("S", seg("1"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := s.Close(ctx); err == nil {
		t.Error("Close returned nil while a flush was blocked")
	}
	close(r.gate)

	if s.Submit("S", seg("2")) {
		t.Error("Submit after Close triggered a flush")
	}
	if s.Pending("S") != 0 {
		t.Errorf("Pending after Close = %d", s.Pending("S"))
	}
	if err := s.Close(context.Background()); err != nil {
		t.Errorf("second Close: %v", err)
	}
}

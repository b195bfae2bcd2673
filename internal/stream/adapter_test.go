package stream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/dundra/pkg/provider/stt"
	sttmock "github.com/MrWong99/dundra/pkg/provider/stt/mock"
)

// recorder is an Observer that records every event in arrival order.
type recorder struct {
	mu       sync.Mutex
	events   []string
	texts    []Transcription
	detected []string
	mapped   [][2]string
	statuses []Status
	errs     []error
}

func (r *recorder) OnTranscription(t Transcription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "transcription")
	r.texts = append(r.texts, t)
}

func (r *recorder) OnSpeakerDetected(tag string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "speaker_detected:"+tag)
	r.detected = append(r.detected, tag)
}

func (r *recorder) OnSpeakerMapped(tag, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "speaker_mapped:"+tag)
	r.mapped = append(r.mapped, [2]string{tag, name})
}

func (r *recorder) OnStatus(s Status) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "status:"+string(s))
	r.statuses = append(r.statuses, s)
}

func (r *recorder) OnError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "error")
	r.errs = append(r.errs, err)
}

func (r *recorder) countStatus(s Status) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, got := range r.statuses {
		if got == s {
			n++
		}
	}
	return n
}

func (r *recorder) transcriptions() []Transcription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Transcription(nil), r.texts...)
}

func (r *recorder) detectedTags() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.detected...)
}

func (r *recorder) errors() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.errs...)
}

func (r *recorder) eventCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

// waitFor polls cond until it returns true or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func fastConfig(maxRestarts int) Config {
	return Config{
		Stream:            DefaultStreamConfig(),
		RestartBackoff:    time.Millisecond,
		MaxRestartBackoff: 4 * time.Millisecond,
		MaxRestarts:       maxRestarts,
	}
}

func tagged(text string, final bool, tag string) stt.Transcript {
	return stt.Transcript{
		Text:       text,
		IsFinal:    final,
		Confidence: 0.9,
		Words:      []stt.Word{{Word: text, SpeakerTag: tag}},
	}
}

func TestAdapter_StartUsesStreamConfig(t *testing.T) {
	p := &sttmock.Provider{}
	a := New("s1", p, &recorder{})
	defer a.Close()

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if p.CallCount() != 1 {
		t.Fatalf("StartStream calls = %d, want 1", p.CallCount())
	}
	cfg := p.StartStreamCalls[0].Cfg
	if cfg.SampleRate != 16000 || cfg.Language != "en-US" {
		t.Errorf("cfg = %+v, want 16000 Hz en-US", cfg)
	}
	if !cfg.Diarize || cfg.MinSpeakers != 2 || cfg.MaxSpeakers != 6 {
		t.Errorf("diarization = %v %d..%d, want true 2..6", cfg.Diarize, cfg.MinSpeakers, cfg.MaxSpeakers)
	}
	if !cfg.Punctuate || !cfg.WordTimeOffsets {
		t.Error("expected punctuation and word time offsets")
	}
	if len(cfg.Keywords) == 0 {
		t.Error("expected tabletop vocabulary keywords")
	}
}

func TestAdapter_StartError(t *testing.T) {
	p := &sttmock.Provider{StartStreamErr: errors.New("dial refused")}
	rec := &recorder{}
	a := New("s1", p, rec)

	if err := a.Start(context.Background()); err == nil {
		t.Fatal("expected error")
	}
	if a.IsActive() {
		t.Error("adapter must stay inactive after a failed start")
	}
	if rec.eventCount() != 0 {
		t.Errorf("events = %d, want 0", rec.eventCount())
	}
}

func TestAdapter_DoubleStartRejected(t *testing.T) {
	p := &sttmock.Provider{}
	rec := &recorder{}
	a := New("s1", p, rec)
	defer a.Close()

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	err := a.Start(context.Background())
	if !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("second Start = %v, want ErrAlreadyActive", err)
	}
	if p.CallCount() != 1 {
		t.Errorf("underlying streams = %d, want 1", p.CallCount())
	}
	if got := rec.countStatus(StatusStarted); got != 1 {
		t.Errorf("started events = %d, want 1", got)
	}
}

func TestAdapter_StopIdempotent(t *testing.T) {
	p := &sttmock.Provider{}
	rec := &recorder{}
	a := New("s1", p, rec)

	// Stop before any Start is a silent no-op.
	a.Stop()
	if rec.eventCount() != 0 {
		t.Fatalf("events after stop on idle adapter = %d, want 0", rec.eventCount())
	}

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	a.Stop()
	a.Stop()
	a.Stop()

	if got := rec.countStatus(StatusStopped); got != 1 {
		t.Errorf("stopped events = %d, want 1", got)
	}
	if got := p.LastSession().Closes(); got != 1 {
		t.Errorf("stream closes = %d, want 1", got)
	}
	if a.IsActive() {
		t.Error("adapter still active after Stop")
	}
}

func TestAdapter_RestartAfterStop(t *testing.T) {
	p := &sttmock.Provider{}
	a := New("s1", p, &recorder{})
	defer a.Close()

	for i := 0; i < 2; i++ {
		if err := a.Start(context.Background()); err != nil {
			t.Fatalf("Start #%d: %v", i, err)
		}
		a.Stop()
	}
	if p.CallCount() != 2 {
		t.Errorf("StartStream calls = %d, want 2", p.CallCount())
	}
}

func TestAdapter_SpeakerDetectedOncePerTag(t *testing.T) {
	p := &sttmock.Provider{}
	rec := &recorder{}
	a := New("s1", p, rec)
	defer a.Close()

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s := p.LastSession()
	for _, tag := range []string{"1", "1", "2", "1"} {
		s.Emit(tagged("line", true, tag))
	}
	waitFor(t, "four transcriptions", func() bool { return len(rec.transcriptions()) == 4 })

	got := rec.detectedTags()
	want := []string{"1", "2"}
	if len(got) != len(want) {
		t.Fatalf("detected = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("detected[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	// Detection precedes the transcription that carried the new tag.
	rec.mu.Lock()
	events := append([]string(nil), rec.events...)
	rec.mu.Unlock()
	if events[1] != "speaker_detected:1" || events[2] != "transcription" {
		t.Errorf("events = %v, want detection before first transcription", events)
	}
}

func TestAdapter_TranscriptionFields(t *testing.T) {
	p := &sttmock.Provider{}
	rec := &recorder{}
	a := New("s1", p, rec)
	defer a.Close()

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	a.UpdateSpeakerMapping("2", "Alice")

	s := p.LastSession()
	s.Emit(tagged("I attack", false, "2"))
	s.Emit(tagged("I attack the goblin", true, "2"))
	s.Emit(stt.Transcript{Text: "no words", IsFinal: true})
	waitFor(t, "three transcriptions", func() bool { return len(rec.transcriptions()) == 3 })

	got := rec.transcriptions()
	tests := []struct {
		text    string
		final   bool
		tag     string
		speaker string
	}{
		{"I attack", false, "2", "Alice"},
		{"I attack the goblin", true, "2", "Alice"},
		{"no words", true, "", "Unknown"},
	}
	for i, tc := range tests {
		if got[i].Text != tc.text || got[i].IsFinal != tc.final {
			t.Errorf("[%d] = %q final=%v, want %q final=%v", i, got[i].Text, got[i].IsFinal, tc.text, tc.final)
		}
		if got[i].SpeakerTag != tc.tag || got[i].Speaker != tc.speaker {
			t.Errorf("[%d] speaker = %q/%q, want %q/%q", i, got[i].SpeakerTag, got[i].Speaker, tc.tag, tc.speaker)
		}
		if got[i].Timestamp.IsZero() {
			t.Errorf("[%d] missing timestamp", i)
		}
	}
}

func TestAdapter_ProcessAudioChunk(t *testing.T) {
	t.Run("inactive is a no-op", func(t *testing.T) {
		p := &sttmock.Provider{}
		rec := &recorder{}
		a := New("s1", p, rec)

		a.ProcessAudioChunk([]byte{1, 2, 3})
		if rec.eventCount() != 0 {
			t.Errorf("events = %d, want 0", rec.eventCount())
		}
		if p.CallCount() != 0 {
			t.Error("must not open a stream")
		}
	})

	t.Run("forwards frames in order", func(t *testing.T) {
		p := &sttmock.Provider{}
		a := New("s1", p, &recorder{})
		defer a.Close()
		if err := a.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}

		a.ProcessAudioChunk([]byte{1})
		a.ProcessAudioChunk(nil)
		a.ProcessAudioChunk([]byte{2, 3})

		s := p.LastSession()
		if s.SendAudioCallCount() != 2 {
			t.Fatalf("sent = %d, want 2", s.SendAudioCallCount())
		}
		if s.SendAudioCalls[1][1] != 3 {
			t.Errorf("second frame = %v", s.SendAudioCalls[1])
		}
	})

	t.Run("send error surfaces as error event", func(t *testing.T) {
		p := &sttmock.Provider{}
		rec := &recorder{}
		a := New("s1", p, rec)
		defer a.Close()
		if err := a.Start(context.Background()); err != nil {
			t.Fatalf("Start: %v", err)
		}
		p.LastSession().SendAudioErr = errors.New("broken pipe")

		a.ProcessAudioChunk([]byte{1})
		if len(rec.errors()) != 1 {
			t.Errorf("errors = %d, want 1", len(rec.errors()))
		}
	})
}

func TestAdapter_NoEventsAfterStop(t *testing.T) {
	p := &sttmock.Provider{}
	rec := &recorder{}
	a := New("s1", p, rec)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s := p.LastSession()
	a.Stop()
	before := rec.eventCount()

	// Late results from the closed stream are ignored.
	s.Emit(tagged("late", true, "1"))
	time.Sleep(20 * time.Millisecond)

	if got := rec.eventCount(); got != before {
		t.Errorf("events after Stop = %d, want %d", got, before)
	}
	if p.CallCount() != 1 {
		t.Errorf("Stop must not trigger a restart, calls = %d", p.CallCount())
	}
}

func TestAdapter_AutoRestart(t *testing.T) {
	p := &sttmock.Provider{}
	rec := &recorder{}
	a := New("s1", p, rec, WithConfig(fastConfig(3)))
	defer a.Close()

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	upstream := errors.New("upstream reset")
	p.LastSession().Fail(upstream)

	waitFor(t, "restarted stream", func() bool { return p.CallCount() == 2 })
	waitFor(t, "second started status", func() bool { return rec.countStatus(StatusStarted) == 2 })

	errs := rec.errors()
	if len(errs) == 0 || !errors.Is(errs[0], upstream) {
		t.Errorf("errors = %v, want upstream fault first", errs)
	}
	if !a.IsActive() {
		t.Error("adapter must stay active across a restart")
	}

	// The new stream delivers results and accepts audio.
	p.LastSession().Emit(tagged("back", true, "1"))
	waitFor(t, "transcription on new stream", func() bool { return len(rec.transcriptions()) == 1 })
	a.ProcessAudioChunk([]byte{9})
	if p.LastSession().SendAudioCallCount() != 1 {
		t.Error("audio not forwarded to restarted stream")
	}
}

func TestAdapter_UnexpectedEndRestarts(t *testing.T) {
	p := &sttmock.Provider{}
	rec := &recorder{}
	a := New("s1", p, rec, WithConfig(fastConfig(3)))
	defer a.Close()

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	// Close without an error simulates the server ending the stream.
	_ = p.LastSession().Close()

	waitFor(t, "restart", func() bool { return p.CallCount() == 2 })
	errs := rec.errors()
	if len(errs) == 0 || !errors.Is(errs[0], ErrStreamEnded) {
		t.Errorf("errors = %v, want ErrStreamEnded", errs)
	}
}

func TestAdapter_RestartsExhausted(t *testing.T) {
	first := sttmock.NewSession()
	p := &sttmock.Provider{
		StartStreamFunc: func(call int) (stt.SessionHandle, error) {
			if call == 0 {
				return first, nil
			}
			return nil, errors.New("service unavailable")
		},
	}
	rec := &recorder{}
	a := New("s1", p, rec, WithConfig(fastConfig(2)))
	defer a.Close()

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	first.Fail(errors.New("reset"))

	waitFor(t, "failed status", func() bool { return rec.countStatus(StatusFailed) == 1 })

	if a.IsActive() {
		t.Error("adapter must be inactive after exhausting restarts")
	}
	// One initial dial plus MaxRestarts attempts.
	if got := p.CallCount(); got != 3 {
		t.Errorf("StartStream calls = %d, want 3", got)
	}
	errs := rec.errors()
	if !errors.Is(errs[len(errs)-1], ErrRestartsExhausted) {
		t.Errorf("last error = %v, want ErrRestartsExhausted", errs[len(errs)-1])
	}

	// A fresh Start is allowed after failure.
	p.StartStreamFunc = nil
	if err := a.Start(context.Background()); err != nil {
		t.Errorf("Start after failure: %v", err)
	}
}

func TestAdapter_Backoff(t *testing.T) {
	a := New("s1", &sttmock.Provider{}, &recorder{})

	tests := []struct {
		failures int
		want     time.Duration
	}{
		{1, 1 * time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{5, 16 * time.Second},
		{6, 30 * time.Second},
		{10, 30 * time.Second},
	}
	for _, tc := range tests {
		if got := a.backoff(tc.failures); got != tc.want {
			t.Errorf("backoff(%d) = %v, want %v", tc.failures, got, tc.want)
		}
	}
}

func TestAdapter_StatusAndMapping(t *testing.T) {
	p := &sttmock.Provider{}
	rec := &recorder{}
	a := New("table-7", p, rec)

	a.UpdateSpeakerMapping("1", "Bob")
	a.UpdateSpeakerMapping("2", "Carol")

	st := a.Status()
	if st.IsActive || st.SessionID != "table-7" || st.SpeakerCount != 2 {
		t.Errorf("Status = %+v", st)
	}
	if len(rec.mapped) != 2 || rec.mapped[0] != [2]string{"1", "Bob"} {
		t.Errorf("mapped events = %v", rec.mapped)
	}

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if !a.Status().IsActive {
		t.Error("expected active status")
	}

	a.Close()
	if a.Status().SpeakerCount != 0 {
		t.Error("Close must discard speaker mappings")
	}
}

// Package stream adapts a speech-to-text provider into a long-lived
// transcription session for one client connection.
//
// An [Adapter] owns at most one open [stt.SessionHandle] at a time. It
// forwards audio frames, relays recognition results to an [Observer], detects
// newly heard speakers and restarts the upstream stream with capped
// exponential backoff when it fails while the session is meant to be active.
//
// Every start, restart and stop bumps a generation counter. Results and
// faults carrying an older generation are dropped, so once Stop returns the
// observer receives nothing further from the stopped stream.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/dundra/internal/observe"
	"github.com/MrWong99/dundra/pkg/provider/stt"
)

var (
	// ErrAlreadyActive is returned by Start when the adapter already has an
	// open stream.
	ErrAlreadyActive = errors.New("transcription already active")

	// ErrStreamEnded reports that the upstream stream closed without an error
	// while it was still meant to be running.
	ErrStreamEnded = errors.New("speech stream ended unexpectedly")

	// ErrRestartsExhausted is delivered to the observer when the stream failed
	// more times in a row than the restart policy allows.
	ErrRestartsExhausted = errors.New("speech stream restart attempts exhausted")
)

// Default restart policy.
const (
	defaultRestartBackoff    = 1 * time.Second
	defaultMaxRestartBackoff = 30 * time.Second
	defaultMaxRestarts       = 10
)

// Status is a lifecycle state reported through [Observer.OnStatus].
type Status string

const (
	StatusStarted Status = "started"
	StatusStopped Status = "stopped"
	StatusFailed  Status = "failed"
)

// StatusInfo is a point-in-time snapshot of an adapter.
type StatusInfo struct {
	IsActive     bool   `json:"isActive"`
	SessionID    string `json:"sessionId"`
	SpeakerCount int    `json:"speakerCount"`
}

// Transcription is one recognition result relayed to the observer.
type Transcription struct {
	Text       string
	IsFinal    bool
	Confidence float64

	// SpeakerTag is the diarization tag of the first word, or "".
	SpeakerTag string

	// Speaker is the mapped player name, or a generic label for SpeakerTag.
	Speaker string

	Words     []stt.Word
	Timestamp time.Time
}

// Observer receives adapter events. Calls for one adapter are serialised and
// arrive in the order they were produced. Implementations must not call back
// into the adapter and should not block for long.
type Observer interface {
	OnTranscription(Transcription)
	OnSpeakerDetected(speakerTag string)
	OnSpeakerMapped(speakerTag, playerName string)
	OnStatus(Status)
	OnError(error)
}

// Config configures an [Adapter].
type Config struct {
	// Stream is passed to the provider on every (re)start.
	Stream stt.StreamConfig

	// RestartBackoff is the delay before the first restart attempt. Doubles
	// on each consecutive failure up to MaxRestartBackoff. Defaults to 1s.
	RestartBackoff time.Duration

	// MaxRestartBackoff caps the restart delay. Defaults to 30s.
	MaxRestartBackoff time.Duration

	// MaxRestarts is the number of consecutive failures tolerated before the
	// adapter gives up and reports [StatusFailed]. Defaults to 10.
	MaxRestarts int
}

// DefaultStreamConfig returns the recognition settings used for tabletop
// sessions: 16 kHz mono, en-US, two to six diarized speakers, punctuation,
// word offsets, interim results and the built-in tabletop vocabulary.
func DefaultStreamConfig() stt.StreamConfig {
	return stt.StreamConfig{
		SampleRate:      16000,
		Channels:        1,
		Language:        "en-US",
		Diarize:         true,
		MinSpeakers:     2,
		MaxSpeakers:     6,
		Punctuate:       true,
		WordTimeOffsets: true,
		InterimResults:  true,
		Keywords:        DefaultVocabulary(),
	}
}

// Option is a functional option for [New].
type Option func(*Adapter)

// WithConfig overrides the stream and restart configuration.
func WithConfig(cfg Config) Option {
	return func(a *Adapter) {
		a.cfg = cfg
	}
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *Adapter) {
		a.metrics = m
	}
}

// Adapter wraps one speech stream per active session.
//
// All methods are safe for concurrent use.
type Adapter struct {
	sessionID string
	provider  stt.Provider
	observer  Observer
	cfg       Config
	speakers  *SpeakerRegistry
	metrics   *observe.Metrics

	// emitMu serialises observer calls. Lock order is emitMu before mu.
	emitMu sync.Mutex

	mu       sync.Mutex
	active   bool
	gen      uint64
	handle   stt.SessionHandle
	runCtx   context.Context
	cancel   context.CancelFunc
	failures int
}

// New creates an idle adapter for sessionID. Call Start to open the stream.
func New(sessionID string, provider stt.Provider, observer Observer, opts ...Option) *Adapter {
	a := &Adapter{
		sessionID: sessionID,
		provider:  provider,
		observer:  observer,
		cfg:       Config{Stream: DefaultStreamConfig()},
		speakers:  NewSpeakerRegistry(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.cfg.RestartBackoff <= 0 {
		a.cfg.RestartBackoff = defaultRestartBackoff
	}
	if a.cfg.MaxRestartBackoff <= 0 {
		a.cfg.MaxRestartBackoff = defaultMaxRestartBackoff
	}
	if a.cfg.MaxRestarts <= 0 {
		a.cfg.MaxRestarts = defaultMaxRestarts
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	return a
}

// SessionID returns the identifier this adapter was created with.
func (a *Adapter) SessionID() string { return a.sessionID }

// Speakers returns the adapter's speaker registry.
func (a *Adapter) Speakers() *SpeakerRegistry { return a.speakers }

// Start opens the speech stream. It returns [ErrAlreadyActive] if a stream is
// already open. The stream outlives ctx's cancellation but keeps its values;
// call Stop to end it.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.active {
		a.mu.Unlock()
		return ErrAlreadyActive
	}
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h, err := a.provider.StartStream(runCtx, a.cfg.Stream)
	if err != nil {
		a.mu.Unlock()
		cancel()
		return fmt.Errorf("start speech stream: %w", err)
	}
	a.active = true
	a.gen++
	gen := a.gen
	a.handle = h
	a.runCtx = runCtx
	a.cancel = cancel
	a.failures = 0
	a.mu.Unlock()

	a.metrics.ActiveStreams.Add(ctx, 1)
	slog.Info("transcription started", "session_id", a.sessionID)

	a.emit(gen, func(o Observer) { o.OnStatus(StatusStarted) })
	go a.pump(gen, h)
	return nil
}

// ProcessAudioChunk forwards one audio frame to the open stream. When the
// adapter is not active the frame is dropped with a warning.
func (a *Adapter) ProcessAudioChunk(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	a.mu.Lock()
	h, active, gen := a.handle, a.active, a.gen
	a.mu.Unlock()

	if !active || h == nil {
		slog.Warn("audio chunk dropped, transcription not active", "session_id", a.sessionID, "bytes", len(chunk))
		return
	}
	if err := h.SendAudio(chunk); err != nil {
		if errors.Is(err, stt.ErrSessionClosed) {
			// The stream is being restarted; frames in between are lost.
			slog.Debug("audio chunk dropped, stream restarting", "session_id", a.sessionID)
			return
		}
		a.emit(gen, func(o Observer) { o.OnError(fmt.Errorf("send audio: %w", err)) })
	}
}

// Stop ends the stream and releases its resources. Stop is idempotent: only
// the call that actually stops an active stream reports [StatusStopped].
func (a *Adapter) Stop() {
	a.mu.Lock()
	if !a.active {
		a.mu.Unlock()
		return
	}
	a.active = false
	a.gen++
	h, cancel := a.handle, a.cancel
	a.handle, a.cancel = nil, nil
	a.mu.Unlock()

	cancel()
	if h != nil {
		if err := h.Close(); err != nil {
			slog.Warn("failed to close speech stream", "session_id", a.sessionID, "err", err)
		}
	}
	a.metrics.ActiveStreams.Add(context.Background(), -1)
	slog.Info("transcription stopped", "session_id", a.sessionID)

	// Waiting for emitMu guarantees no in-flight result is delivered after
	// Stop returns.
	a.emitMu.Lock()
	a.observer.OnStatus(StatusStopped)
	a.emitMu.Unlock()
}

// Close stops the stream and discards all speaker mappings.
func (a *Adapter) Close() {
	a.Stop()
	a.speakers.Reset()
}

// UpdateSpeakerMapping binds speakerTag to playerName and notifies the
// observer. It works whether or not the stream is active.
func (a *Adapter) UpdateSpeakerMapping(speakerTag, playerName string) {
	a.speakers.Map(speakerTag, playerName)
	slog.Debug("speaker mapped", "session_id", a.sessionID, "speaker_id", speakerTag, "player_name", playerName)

	a.emitMu.Lock()
	a.observer.OnSpeakerMapped(speakerTag, playerName)
	a.emitMu.Unlock()
}

// Status returns a snapshot of the adapter state.
func (a *Adapter) Status() StatusInfo {
	a.mu.Lock()
	active := a.active
	a.mu.Unlock()
	return StatusInfo{
		IsActive:     active,
		SessionID:    a.sessionID,
		SpeakerCount: a.speakers.Count(),
	}
}

// IsActive reports whether a stream is open or being restarted.
func (a *Adapter) IsActive() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// current reports whether gen is the live generation. Callers hold mu.
func (a *Adapter) current(gen uint64) bool {
	return a.active && a.gen == gen
}

// emit calls fn with the observer if gen is still the live generation.
func (a *Adapter) emit(gen uint64, fn func(Observer)) {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	a.mu.Lock()
	ok := a.current(gen)
	a.mu.Unlock()
	if ok {
		fn(a.observer)
	}
}

// pump relays results of one stream generation and triggers a restart when
// the stream ends while still current.
func (a *Adapter) pump(gen uint64, h stt.SessionHandle) {
	for t := range h.Transcripts() {
		a.deliver(gen, t)
	}

	a.mu.Lock()
	live := a.current(gen)
	a.mu.Unlock()
	if !live {
		return
	}

	err := h.Err()
	if err == nil {
		err = ErrStreamEnded
	}
	slog.Warn("speech stream failed", "session_id", a.sessionID, "err", err)
	a.emit(gen, func(o Observer) { o.OnError(err) })
	_ = h.Close()

	a.restart(gen)
}

func (a *Adapter) deliver(gen uint64, t stt.Transcript) {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()

	a.mu.Lock()
	if !a.current(gen) {
		a.mu.Unlock()
		return
	}
	a.failures = 0
	a.mu.Unlock()

	tag := t.SpeakerTag()
	if a.speakers.Observe(tag) {
		slog.Info("new speaker detected", "session_id", a.sessionID, "speaker_id", tag)
		a.observer.OnSpeakerDetected(tag)
	}
	a.observer.OnTranscription(Transcription{
		Text:       t.Text,
		IsFinal:    t.IsFinal,
		Confidence: t.Confidence,
		SpeakerTag: tag,
		Speaker:    a.speakers.Label(tag),
		Words:      t.Words,
		Timestamp:  time.Now(),
	})
}

// restart reopens the stream for generation gen with exponential backoff.
// It gives up once the consecutive failure count exceeds MaxRestarts.
func (a *Adapter) restart(gen uint64) {
	for {
		a.mu.Lock()
		if !a.current(gen) {
			a.mu.Unlock()
			return
		}
		a.failures++
		failures, runCtx := a.failures, a.runCtx
		a.mu.Unlock()

		if failures > a.cfg.MaxRestarts {
			a.exhaust(gen)
			return
		}

		delay := a.backoff(failures)
		slog.Info("restarting speech stream",
			"session_id", a.sessionID,
			"attempt", failures,
			"max_restarts", a.cfg.MaxRestarts,
			"backoff", delay,
		)
		timer := time.NewTimer(delay)
		select {
		case <-runCtx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		h, err := a.provider.StartStream(runCtx, a.cfg.Stream)

		a.mu.Lock()
		if !a.current(gen) {
			a.mu.Unlock()
			if h != nil {
				_ = h.Close()
			}
			return
		}
		if err != nil {
			a.mu.Unlock()
			a.metrics.RecordStreamRestart(runCtx, "failed")
			slog.Warn("speech stream restart failed", "session_id", a.sessionID, "attempt", failures, "err", err)
			a.emit(gen, func(o Observer) { o.OnError(fmt.Errorf("restart speech stream: %w", err)) })
			continue
		}
		a.gen++
		next := a.gen
		a.handle = h
		a.mu.Unlock()

		a.metrics.RecordStreamRestart(runCtx, "restarted")
		slog.Info("speech stream restarted", "session_id", a.sessionID, "attempt", failures)
		a.emit(next, func(o Observer) { o.OnStatus(StatusStarted) })
		go a.pump(next, h)
		return
	}
}

// exhaust deactivates the adapter after too many consecutive failures.
func (a *Adapter) exhaust(gen uint64) {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()

	a.mu.Lock()
	if !a.current(gen) {
		a.mu.Unlock()
		return
	}
	a.active = false
	a.gen++
	cancel := a.cancel
	a.handle, a.cancel = nil, nil
	a.mu.Unlock()

	cancel()
	a.metrics.ActiveStreams.Add(context.Background(), -1)
	a.metrics.RecordStreamRestart(context.Background(), "exhausted")
	slog.Error("giving up on speech stream", "session_id", a.sessionID, "max_restarts", a.cfg.MaxRestarts)

	a.observer.OnError(ErrRestartsExhausted)
	a.observer.OnStatus(StatusFailed)
}

func (a *Adapter) backoff(failures int) time.Duration {
	d := a.cfg.RestartBackoff
	for i := 1; i < failures; i++ {
		d *= 2
		if d >= a.cfg.MaxRestartBackoff {
			return a.cfg.MaxRestartBackoff
		}
	}
	return d
}

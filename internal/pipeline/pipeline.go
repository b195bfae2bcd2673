// Package pipeline ties final transcription segments to game-context aware
// analysis and publishes the results to the session's room.
//
// A segment handed to [Pipeline.HandleSegment] is name-corrected against the
// session's known characters and location, queued for the transcript log,
// optionally analyzed on the real-time fast path and queued for batch
// analysis. Batches are analyzed one at a time per session; their
// gameStateUpdate is folded into the context before the results are
// published.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/MrWong99/dundra/internal/analysis"
	"github.com/MrWong99/dundra/internal/batch"
	"github.com/MrWong99/dundra/internal/fanout"
	"github.com/MrWong99/dundra/internal/gamectx"
	"github.com/MrWong99/dundra/internal/observe"
	"github.com/MrWong99/dundra/internal/transcript"
	"github.com/MrWong99/dundra/internal/transcriptlog"
	"github.com/MrWong99/dundra/pkg/types"
)

// ErrNoContext is returned when an operation needs a game context the session
// does not have.
var ErrNoContext = errors.New("game context not found")

// ErrClosed is returned for work submitted after [Pipeline.Close].
var ErrClosed = errors.New("pipeline closed")

// DefaultRealtimeConcurrency bounds concurrent real-time analyses.
const DefaultRealtimeConcurrency = 4

// Event payloads published to session rooms.
type (
	AnalysisComplete struct {
		SessionID      string               `json:"sessionId"`
		AnalysisResult types.AnalysisResult `json:"analysisResult"`
		Context        types.GameContext    `json:"context"`
	}

	CardTriggers struct {
		SessionID string                        `json:"sessionId"`
		Triggers  []types.CardGenerationTrigger `json:"triggers"`
	}

	ImmediateTrigger struct {
		SessionID string                     `json:"sessionId"`
		Segment   types.TranscriptionSegment `json:"segment"`
		Actions   []string                   `json:"actions"`
	}

	CharacterUpdates struct {
		SessionID string                  `json:"sessionId"`
		Updates   []types.CharacterUpdate `json:"updates"`
	}
)

// Config tunes a [Pipeline].
type Config struct {
	// Batch configures batch accumulation.
	Batch batch.Config

	// RealtimeEnabled runs the real-time fast path for every handled segment.
	RealtimeEnabled bool

	// RealtimeConcurrency bounds concurrent real-time analyses. Segments
	// arriving while all slots are busy skip the fast path.
	RealtimeConcurrency int64

	// LogBuffer is how many transcript log entries may wait for the store.
	// Zero uses [transcriptlog.DefaultWriterBuffer].
	LogBuffer int
}

// Option configures a [Pipeline].
type Option func(*Pipeline)

// WithMetrics sets the metrics recorder passed on to the batch scheduler.
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

// WithCorrector replaces the default name corrector.
func WithCorrector(c *transcript.Corrector) Option {
	return func(p *Pipeline) { p.corrector = c }
}

// Pipeline is safe for concurrent use.
type Pipeline struct {
	engine    *analysis.Engine
	hub       *fanout.Hub
	store     transcriptlog.Store
	log       *transcriptlog.Writer
	corrector *transcript.Corrector
	scheduler *batch.Scheduler
	metrics   *observe.Metrics

	realtime bool
	sem      *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex // guards closed and wg.Add
	closed bool
	wg     sync.WaitGroup
}

// New creates a pipeline. log may be nil to disable the transcript log.
// Entries reach log through a [transcriptlog.Writer]; log itself is not
// closed by the pipeline.
func New(engine *analysis.Engine, hub *fanout.Hub, log transcriptlog.Store, cfg Config, opts ...Option) *Pipeline {
	if cfg.RealtimeConcurrency <= 0 {
		cfg.RealtimeConcurrency = DefaultRealtimeConcurrency
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		engine:   engine,
		hub:      hub,
		realtime: cfg.RealtimeEnabled,
		sem:      semaphore.NewWeighted(cfg.RealtimeConcurrency),
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, o := range opts {
		o(p)
	}
	if log != nil {
		p.store = log
		p.log = transcriptlog.NewWriter(log, cfg.LogBuffer)
	}
	if p.corrector == nil {
		p.corrector = transcript.NewCorrector(nil)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	p.scheduler = batch.New(cfg.Batch, p.flushBatch, batch.WithMetrics(p.metrics))
	return p
}

// JoinSession returns the context of sessionID, creating it for campaignID
// when absent.
func (p *Pipeline) JoinSession(campaignID, sessionID string) types.GameContext {
	gc, created := p.engine.GetOrCreateGameContext(campaignID, sessionID)
	if created {
		slog.Info("game context created", "session_id", sessionID, "campaign_id", campaignID)
	}
	return gc
}

// UpsertContext applies u to the context of sessionID, creating it for
// campaignID first when absent, and returns the result.
func (p *Pipeline) UpsertContext(campaignID, sessionID string, u types.ContextUpdate) (types.GameContext, error) {
	p.JoinSession(campaignID, sessionID)
	if !p.engine.UpdateGameContext(sessionID, u) {
		return types.GameContext{}, fmt.Errorf("pipeline: upsert %s: %w", sessionID, ErrNoContext)
	}
	return p.GetContext(sessionID)
}

// GetContext returns the context of sessionID or [ErrNoContext].
func (p *Pipeline) GetContext(sessionID string) (types.GameContext, error) {
	gc, err := p.engine.GetGameContext(sessionID)
	if errors.Is(err, gamectx.ErrNotFound) {
		return types.GameContext{}, ErrNoContext
	}
	return gc, err
}

// HandleSegment processes one final segment of sessionID and returns it after
// name correction. It fails with [ErrNoContext] when the session has no
// context. It does not wait on the transcript log or on analysis, so it is
// safe to call from audio callbacks.
func (p *Pipeline) HandleSegment(_ context.Context, sessionID string, seg types.TranscriptionSegment) (types.TranscriptionSegment, error) {
	gc, err := p.GetContext(sessionID)
	if err != nil {
		return seg, err
	}
	seg = types.NewSegment(seg)

	raw := seg.Text
	text, corrections := p.corrector.Correct(seg.Text, knownNames(gc))
	seg.Text = text
	for _, c := range corrections {
		slog.Debug("transcript name corrected",
			"session_id", sessionID,
			"original", c.Original,
			"corrected", c.Corrected,
			"confidence", c.Confidence,
		)
	}

	if p.log != nil {
		e := transcriptlog.Entry{
			SessionID:  sessionID,
			SegmentID:  seg.ID,
			Speaker:    seg.Speaker,
			Text:       seg.Text,
			Confidence: seg.Confidence,
			Timestamp:  seg.Timestamp,
		}
		if raw != seg.Text {
			e.RawText = raw
		}
		p.log.Append(e)
	}

	if p.realtime {
		if p.sem.TryAcquire(1) {
			started := p.Go(func(ctx context.Context) {
				defer p.sem.Release(1)
				if _, err := p.AnalyzeRealtime(ctx, sessionID, seg); err != nil {
					slog.Debug("realtime analysis skipped", "session_id", sessionID, "err", err)
				}
			})
			if !started {
				p.sem.Release(1)
			}
		} else {
			slog.Debug("realtime analysis at capacity, segment skipped", "session_id", sessionID, "segment_id", seg.ID)
		}
	}

	p.scheduler.Submit(sessionID, seg)
	return seg, nil
}

// Go runs fn on its own goroutine with a context that is cancelled when the
// pipeline closes. [Pipeline.Close] waits for fn to return. Go reports false,
// without running fn, once Close has been called.
func (p *Pipeline) Go(fn func(ctx context.Context)) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return false
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		fn(p.ctx)
	}()
	return true
}

// AnalyzeBatch analyzes segs immediately, folds the result into the context
// and publishes it. Pending segments of the session are not touched.
func (p *Pipeline) AnalyzeBatch(ctx context.Context, sessionID string, segs []types.TranscriptionSegment) (types.AnalysisResult, types.GameContext, error) {
	gc, err := p.GetContext(sessionID)
	if err != nil {
		return types.AnalysisResult{}, types.GameContext{}, err
	}
	for i := range segs {
		segs[i] = types.NewSegment(segs[i])
	}
	res := p.engine.AnalyzeTranscription(ctx, segs, gc)
	updated, err := p.apply(sessionID, res)
	if err != nil {
		return res, types.GameContext{}, err
	}
	return res, updated, nil
}

// AnalyzeRealtime runs the real-time analysis for one segment and publishes
// an immediate card trigger and urgent character updates when present.
func (p *Pipeline) AnalyzeRealtime(ctx context.Context, sessionID string, seg types.TranscriptionSegment) (types.RealtimeResult, error) {
	gc, err := p.GetContext(sessionID)
	if err != nil {
		return types.RealtimeResult{}, err
	}
	seg = types.NewSegment(seg)
	res := p.engine.AnalyzeRealTime(ctx, seg, gc)

	if res.TriggerCard {
		p.hub.Publish(sessionID, fanout.EventImmediateTrigger, ImmediateTrigger{
			SessionID: sessionID,
			Segment:   seg,
			Actions:   res.ImmediateActions,
		})
	}
	if len(res.UrgentUpdates) > 0 {
		p.hub.Publish(sessionID, fanout.EventUrgentUpdates, CharacterUpdates{
			SessionID: sessionID,
			Updates:   res.UrgentUpdates,
		})
	}
	return res, nil
}

// Flush schedules the pending segments of sessionID for analysis regardless
// of the batch threshold and returns how many were scheduled.
func (p *Pipeline) Flush(sessionID string) int {
	return p.scheduler.Flush(sessionID)
}

// Pending returns the number of segments of sessionID waiting for a batch.
func (p *Pipeline) Pending(sessionID string) int {
	return p.scheduler.Pending(sessionID)
}

// Transcript returns up to limit of the latest logged entries of sessionID,
// including every segment handled before the call.
func (p *Pipeline) Transcript(ctx context.Context, sessionID string, limit int) ([]transcriptlog.Entry, error) {
	if p.store == nil {
		return []transcriptlog.Entry{}, nil
	}
	if err := p.log.Flush(ctx); err != nil {
		return nil, fmt.Errorf("pipeline: transcript %s: %w", sessionID, err)
	}
	entries, err := p.store.Recent(ctx, sessionID, limit)
	if err != nil {
		return nil, fmt.Errorf("pipeline: transcript %s: %w", sessionID, err)
	}
	return entries, nil
}

// EndSession drops pending segments and the context of sessionID, and
// returns the room members that were subscribed to it. It reports false when
// the session had no context.
func (p *Pipeline) EndSession(sessionID string) ([]fanout.Subscriber, bool) {
	p.scheduler.Discard(sessionID)
	existed := p.engine.DeleteGameContext(sessionID)
	members := p.hub.Close(sessionID)
	if existed {
		slog.Info("session ended", "session_id", sessionID, "subscribers", len(members))
	}
	return members, existed
}

// Sweep removes contexts idle for longer than maxAge. Batches still pending
// for a swept session are dropped when they flush.
func (p *Pipeline) Sweep(maxAge time.Duration) int {
	return p.engine.CleanupOldContexts(maxAge.Hours())
}

// Close stops batch scheduling, waits for running analyses and drains the
// transcript log until ctx is done. Work submitted through [Pipeline.Go]
// after Close is refused.
func (p *Pipeline) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	err := p.scheduler.Close(ctx)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		if err == nil {
			err = ctx.Err()
		}
	}
	p.cancel()

	if p.log != nil {
		if lerr := p.log.Close(ctx); lerr != nil && err == nil {
			err = lerr
		}
	}
	return err
}

// flushBatch is the scheduler's flush function.
func (p *Pipeline) flushBatch(ctx context.Context, sessionID string, segs []types.TranscriptionSegment) {
	gc, err := p.GetContext(sessionID)
	if err != nil {
		slog.Info("context removed, batch dropped", "session_id", sessionID, "segments", len(segs))
		return
	}
	res := p.engine.AnalyzeTranscription(ctx, segs, gc)
	if _, err := p.apply(sessionID, res); err != nil {
		slog.Info("context removed during analysis, batch dropped", "session_id", sessionID, "segments", len(segs))
	}
}

// apply folds res into the context of sessionID and publishes the results.
func (p *Pipeline) apply(sessionID string, res types.AnalysisResult) (types.GameContext, error) {
	if !res.GameStateUpdate.IsEmpty() && !p.engine.UpdateGameContext(sessionID, res.GameStateUpdate) {
		return types.GameContext{}, ErrNoContext
	}
	updated, err := p.GetContext(sessionID)
	if err != nil {
		return types.GameContext{}, err
	}

	p.hub.Publish(sessionID, fanout.EventAnalysisComplete, AnalysisComplete{
		SessionID:      sessionID,
		AnalysisResult: res,
		Context:        updated,
	})
	if len(res.CardGenerationTriggers) > 0 {
		p.hub.Publish(sessionID, fanout.EventCardTriggers, CardTriggers{
			SessionID: sessionID,
			Triggers:  res.CardGenerationTriggers,
		})
	}
	if len(res.CharacterUpdates) > 0 {
		p.hub.Publish(sessionID, fanout.EventCharacterUpdates, CharacterUpdates{
			SessionID: sessionID,
			Updates:   res.CharacterUpdates,
		})
	}
	return updated, nil
}

// knownNames lists the names transcripts of gc are corrected against.
func knownNames(gc types.GameContext) []string {
	names := make([]string, 0, len(gc.ActiveCharacters)+1)
	for _, c := range gc.ActiveCharacters {
		if c = strings.TrimSpace(c); c != "" {
			names = append(names, c)
		}
	}
	if loc := strings.TrimSpace(gc.CurrentLocation); loc != "" && loc != gamectx.DefaultLocation {
		names = append(names, loc)
	}
	return names
}

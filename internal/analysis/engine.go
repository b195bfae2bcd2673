// Package analysis turns transcribed speech and the current game context into
// structured game signals using an LLM.
//
// The [Engine] offers two modes. [Engine.AnalyzeTranscription] analyzes a
// batch of segments and returns key moments, a partial context update, card
// triggers and character updates. [Engine.AnalyzeRealTime] is a cheaper
// single-segment check for urgent events.
//
// Analysis is advisory. Provider failures and malformed model output never
// surface as errors: the engine logs them and returns an empty result so the
// live session keeps running.
package analysis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/MrWong99/dundra/internal/gamectx"
	"github.com/MrWong99/dundra/internal/observe"
	"github.com/MrWong99/dundra/pkg/provider/llm"
	"github.com/MrWong99/dundra/pkg/types"
)

// ParseFailedSummary is the context summary of an empty batch result.
const ParseFailedSummary = "Analysis parsing failed"

const (
	defaultTemperature      = 0.1
	defaultMaxTokens        = 2000
	defaultRealtimeMaxToken = 500
)

// Option is a functional option for [New].
type Option func(*Engine)

// WithTemperature sets the sampling temperature for both modes.
func WithTemperature(t float64) Option {
	return func(e *Engine) {
		e.temperature = t
	}
}

// WithMaxTokens sets the completion budget for batch analysis.
func WithMaxTokens(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxTokens = n
		}
	}
}

// WithRealtimeMaxTokens sets the completion budget for real-time analysis.
func WithRealtimeMaxTokens(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.realtimeMaxTokens = n
		}
	}
}

// WithMetrics sets the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// Engine runs transcript analysis against an LLM and exposes the lifecycle of
// the game contexts that prime it.
//
// Engine is safe for concurrent use.
type Engine struct {
	llm   llm.Provider
	store *gamectx.Store

	temperature       float64
	maxTokens         int
	realtimeMaxTokens int
	metrics           *observe.Metrics
}

// New creates an engine backed by provider and store.
func New(provider llm.Provider, store *gamectx.Store, opts ...Option) *Engine {
	e := &Engine{
		llm:               provider,
		store:             store,
		temperature:       defaultTemperature,
		maxTokens:         defaultMaxTokens,
		realtimeMaxTokens: defaultRealtimeMaxToken,
	}
	for _, o := range opts {
		o(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// AnalyzeTranscription analyzes a batch of segments in the light of gc. It
// never fails: provider errors and unparsable replies yield [EmptyAnalysis].
func (e *Engine) AnalyzeTranscription(ctx context.Context, segments []types.TranscriptionSegment, gc types.GameContext) types.AnalysisResult {
	ctx, span := observe.StartAnalysisSpan(ctx, "batch", gc.SessionID, len(segments))
	defer span.End()
	start := time.Now()

	raw, err := e.complete(ctx, batchSystemPrompt, buildBatchPrompt(segments, gc), e.maxTokens)
	if err != nil {
		e.fail(ctx, span, "batch", "provider_error", start, gc.SessionID, err)
		return EmptyAnalysis()
	}

	res, err := ParseAnalysis(raw, segments)
	if err != nil {
		e.fail(ctx, span, "batch", "parse_error", start, gc.SessionID, err)
		return EmptyAnalysis()
	}

	e.metrics.RecordAnalysis(ctx, "batch", "ok", time.Since(start).Seconds())
	observe.SessionLogger(ctx, gc.SessionID).Debug("batch analysis complete",
		"segments", len(segments),
		"key_moments", len(res.KeyMoments),
		"card_triggers", len(res.CardGenerationTriggers),
		"character_updates", len(res.CharacterUpdates),
	)
	return res
}

// AnalyzeRealTime checks one segment for urgent actions. Failures yield an
// empty result with TriggerCard false.
func (e *Engine) AnalyzeRealTime(ctx context.Context, seg types.TranscriptionSegment, gc types.GameContext) types.RealtimeResult {
	ctx, span := observe.StartAnalysisSpan(ctx, "realtime", gc.SessionID, 1)
	defer span.End()
	start := time.Now()

	raw, err := e.complete(ctx, realtimeSystemPrompt, buildRealtimePrompt(seg, gc), e.realtimeMaxTokens)
	if err != nil {
		e.fail(ctx, span, "realtime", "provider_error", start, gc.SessionID, err)
		return EmptyRealtime()
	}

	res, err := ParseRealtime(raw)
	if err != nil {
		e.fail(ctx, span, "realtime", "parse_error", start, gc.SessionID, err)
		return EmptyRealtime()
	}

	e.metrics.RecordAnalysis(ctx, "realtime", "ok", time.Since(start).Seconds())
	return res
}

func (e *Engine) complete(ctx context.Context, system, prompt string, maxTokens int) (string, error) {
	req := llm.CompletionRequest{
		SystemPrompt: system,
		Messages:     []llm.Message{{Role: "user", Content: prompt}},
		Temperature:  e.temperature,
		MaxTokens:    e.llm.Capabilities().ClampMaxTokens(maxTokens),
		JSONOutput:   true,
	}
	resp, err := e.llm.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	if resp == nil {
		return "", errors.New("empty completion")
	}
	return resp.Content, nil
}

func (e *Engine) fail(ctx context.Context, span trace.Span, mode, status string, start time.Time, sessionID string, err error) {
	observe.FailSpan(span, status, err)
	e.metrics.RecordAnalysis(ctx, mode, status, time.Since(start).Seconds())
	observe.SessionLogger(ctx, sessionID).Warn("analysis degraded to empty result",
		"mode", mode,
		"reason", status,
		"err", err,
	)
}

// CreateGameContext creates (or resets) the context for sessionID.
func (e *Engine) CreateGameContext(campaignID, sessionID string) types.GameContext {
	return e.store.Create(campaignID, sessionID)
}

// GetOrCreateGameContext returns the context for sessionID, creating it for
// campaignID when absent. created reports whether it was created.
func (e *Engine) GetOrCreateGameContext(campaignID, sessionID string) (gc types.GameContext, created bool) {
	return e.store.GetOrCreate(campaignID, sessionID)
}

// GetGameContext returns the context for sessionID or [gamectx.ErrNotFound].
func (e *Engine) GetGameContext(sessionID string) (types.GameContext, error) {
	return e.store.Get(sessionID)
}

// UpdateGameContext merges u into the context for sessionID. Returns false
// when no context exists.
func (e *Engine) UpdateGameContext(sessionID string, u types.ContextUpdate) bool {
	return e.store.Update(sessionID, u)
}

// DeleteGameContext removes the context for sessionID and reports whether it
// existed.
func (e *Engine) DeleteGameContext(sessionID string) bool {
	return e.store.Delete(sessionID)
}

// CleanupOldContexts removes contexts not updated within maxAgeHours.
func (e *Engine) CleanupOldContexts(maxAgeHours float64) int {
	return e.store.Cleanup(time.Duration(maxAgeHours * float64(time.Hour)))
}

// EmptyAnalysis is the neutral batch result used when analysis fails.
func EmptyAnalysis() types.AnalysisResult {
	return types.AnalysisResult{
		KeyMoments:             []types.KeyMoment{},
		CardGenerationTriggers: []types.CardGenerationTrigger{},
		CharacterUpdates:       []types.CharacterUpdate{},
		ContextSummary:         ParseFailedSummary,
	}
}

// EmptyRealtime is the neutral real-time result used when analysis fails.
func EmptyRealtime() types.RealtimeResult {
	return types.RealtimeResult{
		ImmediateActions: []string{},
		UrgentUpdates:    []types.CharacterUpdate{},
	}
}

// wireKeyMoment accepts any timestamp string so that a malformed timestamp
// falls back instead of failing the whole result.
type wireKeyMoment struct {
	Type              types.KeyMomentType `json:"type"`
	Description       string              `json:"description"`
	Timestamp         string              `json:"timestamp"`
	Severity          types.Severity      `json:"severity"`
	RelatedCharacters []string            `json:"relatedCharacters"`
}

type wireAnalysis struct {
	KeyMoments             []wireKeyMoment               `json:"keyMoments"`
	GameStateUpdate        *types.ContextUpdate          `json:"gameStateUpdate"`
	CardGenerationTriggers []types.CardGenerationTrigger `json:"cardGenerationTriggers"`
	CharacterUpdates       []types.CharacterUpdate       `json:"characterUpdates"`
	ContextSummary         string                        `json:"contextSummary"`
}

// ParseAnalysis decodes a batch reply. A surrounding markdown code fence is
// removed first. Key moments without a usable timestamp take the first
// segment's timestamp. The returned slices are never nil.
func ParseAnalysis(raw string, segments []types.TranscriptionSegment) (types.AnalysisResult, error) {
	var w wireAnalysis
	if err := json.Unmarshal([]byte(stripMarkdown(raw)), &w); err != nil {
		return types.AnalysisResult{}, fmt.Errorf("analysis: parse batch reply: %w", err)
	}

	fallback := time.Now()
	if len(segments) > 0 && !segments[0].Timestamp.IsZero() {
		fallback = segments[0].Timestamp
	}

	res := types.AnalysisResult{
		KeyMoments:             make([]types.KeyMoment, 0, len(w.KeyMoments)),
		CardGenerationTriggers: nonNil(w.CardGenerationTriggers),
		CharacterUpdates:       nonNil(w.CharacterUpdates),
		ContextSummary:         w.ContextSummary,
	}
	for _, km := range w.KeyMoments {
		ts := fallback
		if parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(km.Timestamp)); err == nil {
			ts = parsed
		}
		res.KeyMoments = append(res.KeyMoments, types.KeyMoment{
			Type:              km.Type,
			Description:       km.Description,
			Timestamp:         ts,
			Severity:          km.Severity,
			RelatedCharacters: nonNil(km.RelatedCharacters),
		})
	}
	if w.GameStateUpdate != nil {
		res.GameStateUpdate = normalizeUpdate(*w.GameStateUpdate)
	}
	return res, nil
}

// ParseRealtime decodes a real-time reply. The returned slices are never nil.
func ParseRealtime(raw string) (types.RealtimeResult, error) {
	var res types.RealtimeResult
	if err := json.Unmarshal([]byte(stripMarkdown(raw)), &res); err != nil {
		return types.RealtimeResult{}, fmt.Errorf("analysis: parse realtime reply: %w", err)
	}
	res.ImmediateActions = nonNil(res.ImmediateActions)
	res.UrgentUpdates = nonNil(res.UrgentUpdates)
	return res, nil
}

// normalizeUpdate drops fields the model filled with placeholders: an empty
// location and an unknown game state value mean "unchanged".
func normalizeUpdate(u types.ContextUpdate) types.ContextUpdate {
	if u.CurrentLocation != nil && strings.TrimSpace(*u.CurrentLocation) == "" {
		u.CurrentLocation = nil
	}
	if u.GameState != nil && !u.GameState.IsValid() {
		u.GameState = nil
	}
	return u
}

// stripMarkdown removes optional markdown code fences (```json ... ```) that
// some models wrap around JSON output.
func stripMarkdown(s string) string {
	s = strings.TrimSpace(s)
	for _, prefix := range []string{"```json", "```"} {
		if after, ok := strings.CutPrefix(s, prefix); ok {
			s = after
			break
		}
	}
	if before, ok := strings.CutSuffix(s, "```"); ok {
		s = before
	}
	return strings.TrimSpace(s)
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

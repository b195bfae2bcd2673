// Package app wires all dundra subsystems into a running application.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run serves HTTP and drives background work until its context
// is cancelled, and Shutdown tears everything down in order.
//
// For testing, inject test doubles via functional options
// (WithTranscriptStore, WithMetrics). When an option is not provided, New
// creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/dundra/internal/analysis"
	"github.com/MrWong99/dundra/internal/batch"
	"github.com/MrWong99/dundra/internal/config"
	"github.com/MrWong99/dundra/internal/fanout"
	"github.com/MrWong99/dundra/internal/gamectx"
	"github.com/MrWong99/dundra/internal/gateway"
	"github.com/MrWong99/dundra/internal/health"
	"github.com/MrWong99/dundra/internal/observe"
	"github.com/MrWong99/dundra/internal/pipeline"
	"github.com/MrWong99/dundra/internal/stream"
	"github.com/MrWong99/dundra/internal/transcriptlog"
	"github.com/MrWong99/dundra/pkg/provider/llm"
	"github.com/MrWong99/dundra/pkg/provider/stt"
)

// readHeaderTimeout bounds how long a client may take to send request headers.
const readHeaderTimeout = 10 * time.Second

// Providers holds one interface value per provider slot. Populated by main.go
// via the config registry.
type Providers struct {
	LLM llm.Provider
	STT stt.Provider
}

// App owns all subsystem lifetimes and orchestrates the transcription and
// analysis pipeline.
type App struct {
	cfg       *config.Config
	providers *Providers
	metrics   *observe.Metrics
	scrape    http.Handler

	// Subsystems: initialised in New, torn down in Shutdown.
	transcripts transcriptlog.Store
	contexts    *gamectx.Store
	engine      *analysis.Engine
	hub         *fanout.Hub
	pipeline    *pipeline.Pipeline
	gateway     *gateway.Gateway
	health      *health.Handler
	server      *http.Server

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce    sync.Once
	shutdownErr error
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithTranscriptStore injects a transcript log instead of opening the one
// named in config. The caller keeps ownership and closes it.
func WithTranscriptStore(s transcriptlog.Store) Option {
	return func(a *App) { a.transcripts = s }
}

// WithMetrics injects the metrics instance. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithMetricsHandler sets the handler mounted at /metrics. Defaults to the
// default Prometheus registry.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.scrape = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. The providers struct
// comes from main.go (populated via the config registry).
//
// New performs all initialisation synchronously: transcript store
// connection, game context store, analysis engine, event hub, pipeline,
// session gateway and HTTP routes.
func New(ctx context.Context, cfg *config.Config, providers *Providers, opts ...Option) (*App, error) {
	if providers == nil || providers.LLM == nil {
		return nil, errors.New("app: an LLM provider is required")
	}
	if providers.STT == nil {
		return nil, errors.New("app: an STT provider is required")
	}

	a := &App{
		cfg:       cfg,
		providers: providers,
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	if a.scrape == nil {
		a.scrape = observe.MetricsHandler(nil)
	}

	// ── 1. Transcript log ────────────────────────────────────────────────
	if err := a.initTranscripts(ctx); err != nil {
		return nil, fmt.Errorf("app: init transcripts: %w", err)
	}

	// ── 2. Game contexts + analysis engine ───────────────────────────────
	a.contexts = gamectx.New(gamectx.WithMaxRecentEvents(cfg.Analysis.MaxRecentEvents))
	a.engine = analysis.New(providers.LLM, a.contexts,
		analysis.WithTemperature(cfg.Analysis.Temperature),
		analysis.WithMaxTokens(cfg.Analysis.MaxTokens),
		analysis.WithRealtimeMaxTokens(cfg.Analysis.RealtimeMaxTokens),
		analysis.WithMetrics(a.metrics),
	)

	// ── 3. Fan-out + pipeline ────────────────────────────────────────────
	a.hub = fanout.New(fanout.WithMetrics(a.metrics))
	a.pipeline = pipeline.New(a.engine, a.hub, a.transcripts, pipeline.Config{
		Batch: batch.Config{
			Threshold: cfg.Batch.Size,
			IdleFlush: cfg.Batch.IdleFlush,
		},
		RealtimeEnabled:     cfg.Analysis.RealtimeEnabled,
		RealtimeConcurrency: cfg.Analysis.RealtimeConcurrency,
	}, pipeline.WithMetrics(a.metrics))

	// ── 4. Session gateway ───────────────────────────────────────────────
	a.gateway = gateway.New(gateway.Config{
		STT:       providers.STT,
		Pipeline:  a.pipeline,
		Hub:       a.hub,
		Stream:    StreamConfig(cfg.Transcription),
		QueueSize: cfg.Server.QueueSize,
		Metrics:   a.metrics,
	})

	// ── 5. HTTP routes ───────────────────────────────────────────────────
	checkers := []health.Checker{health.PingChecker("transcripts", a.transcripts)}
	if p, ok := providers.LLM.(health.Pinger); ok {
		checkers = append(checkers, health.PingChecker("llm", p))
	}
	if p, ok := providers.STT.(health.Pinger); ok {
		checkers = append(checkers, health.PingChecker("stt", p))
	}
	a.health = health.New(checkers...)
	mux := http.NewServeMux()
	a.health.Register(mux)
	a.gateway.Register(mux, gateway.HTTPOptions{AllowAnyOrigin: cfg.Server.AllowAnyOrigin})
	mux.Handle("GET /metrics", a.scrape)

	a.server = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           observe.Middleware(a.metrics)(mux),
		ReadHeaderTimeout: readHeaderTimeout,
	}

	return a, nil
}

// initTranscripts opens the configured transcript log unless one was injected.
func (a *App) initTranscripts(ctx context.Context) error {
	if a.transcripts != nil {
		return nil
	}
	store, err := transcriptlog.Open(ctx, a.cfg.Storage.Driver, a.cfg.Storage.DSN)
	if err != nil {
		return err
	}
	a.transcripts = store
	a.closers = append(a.closers, store.Close)
	slog.Info("transcript log opened", "driver", a.cfg.Storage.Driver)
	return nil
}

// StreamConfig converts the transcription section into the adapter config
// used for every connection. The built-in tabletop vocabulary is always
// attached.
func StreamConfig(tc config.TranscriptionConfig) stream.Config {
	sc := stream.DefaultStreamConfig()
	sc.SampleRate = tc.SampleRate
	sc.Language = tc.Language
	sc.Encoding = tc.Encoding
	sc.Model = tc.Model
	sc.MinSpeakers = tc.MinSpeakers
	sc.MaxSpeakers = tc.MaxSpeakers
	sc.Punctuate = tc.Punctuate
	sc.WordTimeOffsets = tc.WordTimeOffsets
	sc.InterimResults = tc.InterimResults
	return stream.Config{
		Stream:            sc,
		RestartBackoff:    tc.RestartBackoff,
		MaxRestartBackoff: tc.MaxRestartBackoff,
		MaxRestarts:       tc.MaxRestarts,
	}
}

// Handler returns the root HTTP handler: health checks, the audio and room
// sockets, session diagnostics and /metrics, wrapped in the tracing middleware.
func (a *App) Handler() http.Handler {
	return a.server.Handler
}

// Gateway returns the session gateway.
func (a *App) Gateway() *gateway.Gateway {
	return a.gateway
}

// Pipeline returns the analysis pipeline.
func (a *App) Pipeline() *pipeline.Pipeline {
	return a.pipeline
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run listens on the configured address and calls [App.Serve].
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %q: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve accepts connections on ln and runs the context sweeper until ctx is
// cancelled or the server fails, then calls [App.Shutdown] bounded by
// server.shutdown_timeout.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	slog.Info("http server listening", "addr", ln.Addr().String(), "tls", a.cfg.Server.TLS != nil)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = a.server.Serve(ln)
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("app: http server: %w", err)
	})

	g.Go(func() error {
		a.sweep(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), a.cfg.Server.ShutdownTimeout)
		defer cancel()
		return a.Shutdown(sctx)
	})

	return g.Wait()
}

// sweep removes stale game contexts every context.sweep_interval.
func (a *App) sweep(ctx context.Context) {
	interval, maxAge := a.cfg.Context.SweepInterval, a.cfg.Context.MaxAge
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n := a.pipeline.Sweep(maxAge)
			if n == 0 {
				continue
			}
			a.metrics.ContextsSwept.Add(ctx, int64(n))
			slog.Info("swept stale game contexts", "removed", n, "max_age", maxAge)
		}
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown tears down all subsystems in order: readiness flips to failing,
// the listener stops accepting, connected sessions are closed, pending
// analyses are awaited and finally the closers run. It respects the context
// deadline and returns the joined errors of every step. Later calls return
// the result of the first.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		slog.Info("shutting down", "sessions", a.gateway.ActiveSessionCount(), "closers", len(a.closers))
		a.health.SetDraining()

		var errs []error
		if err := a.server.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http server: %w", err))
		}
		if err := a.gateway.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("gateway: %w", err))
		}
		if err := a.pipeline.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("pipeline: %w", err))
		}

		for i, closer := range a.closers {
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
				errs = append(errs, err)
			}
		}

		a.shutdownErr = errors.Join(errs...)
		slog.Info("shutdown complete")
	})
	return a.shutdownErr
}

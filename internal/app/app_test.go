package app_test

import (
	"context"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/MrWong99/dundra/internal/app"
	"github.com/MrWong99/dundra/internal/config"
	"github.com/MrWong99/dundra/internal/observe"
	"github.com/MrWong99/dundra/internal/pipeline"
	"github.com/MrWong99/dundra/internal/resilience"
	"github.com/MrWong99/dundra/internal/transcriptlog"
	"github.com/MrWong99/dundra/pkg/provider/llm"
	llmmock "github.com/MrWong99/dundra/pkg/provider/llm/mock"
	sttmock "github.com/MrWong99/dundra/pkg/provider/stt/mock"
)

// testConfig returns the default config with providers named.
func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Server.ListenAddr = "127.0.0.1:0"
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Providers.LLM.Name = "mock"
	cfg.Providers.STT.Name = "mock"
	return cfg
}

// testProviders returns mock LLM and STT providers.
func testProviders() *app.Providers {
	return &app.Providers{
		LLM: &llmmock.Provider{},
		STT: &sttmock.Provider{},
	}
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	mp := sdkmetric.NewMeterProvider()
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func newApp(t *testing.T, cfg *config.Config) *app.App {
	t.Helper()
	application, err := app.New(context.Background(), cfg, testProviders(),
		app.WithTranscriptStore(transcriptlog.NewMemStore()),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	return application
}

func shutdown(t *testing.T, a *app.App) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error: %v", err)
	}
}

func TestNew_RequiresProviders(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		providers *app.Providers
		want      string
	}{
		{"nil providers", nil, "LLM"},
		{"missing llm", &app.Providers{STT: &sttmock.Provider{}}, "LLM"},
		{"missing stt", &app.Providers{LLM: &llmmock.Provider{}}, "STT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := app.New(context.Background(), testConfig(), tt.providers)
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q should mention %s", err, tt.want)
			}
		})
	}
}

func TestNew_OpensConfiguredStore(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Storage.Driver = config.DriverSQLite
	cfg.Storage.DSN = filepath.Join(t.TempDir(), "transcripts.db")

	application, err := app.New(context.Background(), cfg, testProviders(), app.WithMetrics(testMetrics(t)))
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}

	rec := httptest.NewRecorder()
	application.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("readyz = %d, want %d: %s", rec.Code, http.StatusOK, rec.Body.String())
	}

	shutdown(t, application)
}

func TestNew_BadStoreFails(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Storage.Driver = "mongo"

	_, err := app.New(context.Background(), cfg, testProviders(), app.WithMetrics(testMetrics(t)))
	if err == nil {
		t.Fatal("expected error for unknown storage driver, got nil")
	}
}

func TestHandler_Routes(t *testing.T) {
	t.Parallel()

	application := newApp(t, testConfig())
	t.Cleanup(func() { shutdown(t, application) })

	srv := httptest.NewServer(application.Handler())
	t.Cleanup(srv.Close)

	tests := []struct {
		path       string
		wantStatus int
		wantBody   string
	}{
		{"/healthz", http.StatusOK, `"status":"ok"`},
		{"/readyz", http.StatusOK, `"transcripts":"ok"`},
		{"/api/sessions", http.StatusOK, `"activeSessions":0`},
		{"/api/sessions/nope", http.StatusNotFound, "session not found"},
		{"/metrics", http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			resp, err := http.Get(srv.URL + tt.path)
			if err != nil {
				t.Fatalf("GET %s: %v", tt.path, err)
			}
			defer resp.Body.Close()
			body, _ := io.ReadAll(resp.Body)

			if resp.StatusCode != tt.wantStatus {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.wantStatus)
			}
			if !strings.Contains(string(body), tt.wantBody) {
				t.Errorf("body %q should contain %q", body, tt.wantBody)
			}
		})
	}
}

func TestServe_ShutdownOnCancel(t *testing.T) {
	t.Parallel()

	application := newApp(t, testConfig())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- application.Serve(ctx, ln)
	}()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Fatalf("Serve() returned unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return within 5s after context cancellation")
	}

	// Shutdown already ran inside Serve; a second call is a no-op.
	shutdown(t, application)

	rec := httptest.NewRecorder()
	application.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz after shutdown = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
}

func TestReadyz_ProviderOutage(t *testing.T) {
	t.Parallel()

	model := resilience.NewLLM("openai", &llmmock.Provider{CompleteErr: errors.New("503")},
		resilience.BreakerConfig{MaxFailures: 1, ResetTimeout: time.Hour})
	application, err := app.New(context.Background(), testConfig(),
		&app.Providers{LLM: model, STT: resilience.NewSTT("deepgram", &sttmock.Provider{}, resilience.BreakerConfig{})},
		app.WithTranscriptStore(transcriptlog.NewMemStore()),
		app.WithMetrics(testMetrics(t)),
	)
	if err != nil {
		t.Fatalf("New() returned error: %v", err)
	}
	t.Cleanup(func() { shutdown(t, application) })

	readyz := func() *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		application.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/readyz", nil))
		return rec
	}

	if rec := readyz(); rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"llm":"ok"`) {
		t.Fatalf("readyz before outage = %d: %s", rec.Code, rec.Body.String())
	}

	if _, err := model.Complete(context.Background(), llm.CompletionRequest{}); err == nil {
		t.Fatal("expected completion error")
	}

	rec := readyz()
	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("readyz during outage = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	if !strings.Contains(rec.Body.String(), "circuit breaker is open") {
		t.Errorf("readyz body should name the open breaker: %s", rec.Body.String())
	}
}

func TestRun_ListenError(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Server.ListenAddr = "256.0.0.1:99999"
	application := newApp(t, cfg)
	t.Cleanup(func() { shutdown(t, application) })

	if err := application.Run(context.Background()); err == nil {
		t.Fatal("expected listen error, got nil")
	}
}

func TestServe_SweepsStaleContexts(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Context.SweepInterval = 10 * time.Millisecond
	cfg.Context.MaxAge = time.Millisecond
	application := newApp(t, cfg)

	application.Pipeline().JoinSession("campaign", "stale")

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- application.Serve(ctx, ln) }()
	defer func() {
		cancel()
		<-errCh
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		_, err := application.Pipeline().GetContext("stale")
		if errors.Is(err, pipeline.ErrNoContext) {
			return
		}
		if time.Now().After(deadline) {
			t.Fatal("stale context was not swept")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamConfig(t *testing.T) {
	t.Parallel()

	tc := config.Default().Transcription
	tc.SampleRate = 48000
	tc.Encoding = "opus"
	tc.Model = "nova-2"
	tc.MaxSpeakers = 4
	tc.InterimResults = false
	tc.MaxRestarts = 3

	got := app.StreamConfig(tc)

	if got.Stream.SampleRate != 48000 || got.Stream.Encoding != "opus" || got.Stream.Model != "nova-2" {
		t.Errorf("stream basics not mapped: %+v", got.Stream)
	}
	if got.Stream.MinSpeakers != 2 || got.Stream.MaxSpeakers != 4 {
		t.Errorf("speakers = %d..%d, want 2..4", got.Stream.MinSpeakers, got.Stream.MaxSpeakers)
	}
	if !got.Stream.Diarize {
		t.Error("diarization should stay enabled")
	}
	if got.Stream.InterimResults {
		t.Error("interim results should be disabled")
	}
	if len(got.Stream.Keywords) == 0 {
		t.Error("tabletop vocabulary should be attached")
	}
	if got.MaxRestarts != 3 || got.RestartBackoff != time.Second || got.MaxRestartBackoff != 30*time.Second {
		t.Errorf("restart policy = %+v", got)
	}
}

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known provider names per provider kind.
// Used by [Validate] to warn about unrecognised provider names.
var ValidProviderNames = map[string][]string{
	"llm": {"openai", "anthropic", "ollama", "gemini", "deepseek", "mistral", "groq", "llamacpp", "llamafile"},
	"stt": {"deepgram"},
}

// Load reads the YAML configuration file at path and returns a validated [Config].
// It is a convenience wrapper around [LoadFromReader].
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r on top of [Default], applies the
// environment overlay and validates the result. An empty document yields the
// defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := ApplyEnv(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg with DUNDRA_* environment variables. Variables that
// are unset leave the corresponding field untouched:
//
//	DUNDRA_LISTEN_ADDR, DUNDRA_LOG_LEVEL, DUNDRA_ALLOW_ANY_ORIGIN,
//	DUNDRA_LLM_API_KEY, DUNDRA_LLM_BASE_URL, DUNDRA_LLM_MODEL,
//	DUNDRA_STT_API_KEY, DUNDRA_STT_BASE_URL, DUNDRA_STT_MODEL,
//	DUNDRA_STORAGE_DRIVER, DUNDRA_STORAGE_DSN
func ApplyEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("config: environment: %w", err)
	}
	return nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.ListenAddr == "" {
		errs = append(errs, errors.New("server.listen_addr is required"))
	}
	if cfg.Server.ShutdownTimeout < 0 {
		errs = append(errs, fmt.Errorf("server.shutdown_timeout %s must not be negative", cfg.Server.ShutdownTimeout))
	}
	if cfg.Server.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("server.queue_size %d must not be negative", cfg.Server.QueueSize))
	}
	if tls := cfg.Server.TLS; tls != nil && (tls.CertFile == "" || tls.KeyFile == "") {
		errs = append(errs, errors.New("server.tls requires both cert_file and key_file"))
	}

	// Providers
	if cfg.Providers.LLM.Name == "" {
		errs = append(errs, errors.New("providers.llm.name is required"))
	}
	if cfg.Providers.STT.Name == "" {
		errs = append(errs, errors.New("providers.stt.name is required"))
	}
	validateProviderName("llm", cfg.Providers.LLM.Name)
	validateProviderName("stt", cfg.Providers.STT.Name)
	for i, fb := range cfg.Providers.LLMFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.llm_fallbacks[%d].name is required", i))
		}
		validateProviderName("llm", fb.Name)
	}
	for i, fb := range cfg.Providers.STTFallbacks {
		if fb.Name == "" {
			errs = append(errs, fmt.Errorf("providers.stt_fallbacks[%d].name is required", i))
		}
		validateProviderName("stt", fb.Name)
	}
	if cb := cfg.Providers.CircuitBreaker; cb.MaxFailures < 0 || cb.ResetTimeout < 0 || cb.HalfOpenMax < 0 {
		errs = append(errs, errors.New("providers.circuit_breaker values must not be negative"))
	}

	// Transcription
	tr := cfg.Transcription
	if tr.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("transcription.sample_rate %d must be positive", tr.SampleRate))
	}
	if tr.MinSpeakers < 1 {
		errs = append(errs, fmt.Errorf("transcription.min_speakers %d must be at least 1", tr.MinSpeakers))
	}
	if tr.MaxSpeakers < tr.MinSpeakers {
		errs = append(errs, fmt.Errorf("transcription.max_speakers %d is below min_speakers %d", tr.MaxSpeakers, tr.MinSpeakers))
	}
	if tr.RestartBackoff <= 0 {
		errs = append(errs, fmt.Errorf("transcription.restart_backoff %s must be positive", tr.RestartBackoff))
	}
	if tr.MaxRestartBackoff < tr.RestartBackoff {
		errs = append(errs, fmt.Errorf("transcription.max_restart_backoff %s is below restart_backoff %s", tr.MaxRestartBackoff, tr.RestartBackoff))
	}
	if tr.MaxRestarts < 1 {
		errs = append(errs, fmt.Errorf("transcription.max_restarts %d must be at least 1", tr.MaxRestarts))
	}

	// Analysis
	an := cfg.Analysis
	if an.Temperature < 0 || an.Temperature > 2 {
		errs = append(errs, fmt.Errorf("analysis.temperature %.2f is out of range [0, 2]", an.Temperature))
	}
	if an.MaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("analysis.max_tokens %d must be positive", an.MaxTokens))
	}
	if an.RealtimeMaxTokens <= 0 {
		errs = append(errs, fmt.Errorf("analysis.realtime_max_tokens %d must be positive", an.RealtimeMaxTokens))
	}
	if an.RealtimeEnabled && an.RealtimeConcurrency < 1 {
		errs = append(errs, fmt.Errorf("analysis.realtime_concurrency %d must be at least 1 when realtime is enabled", an.RealtimeConcurrency))
	}
	if an.MaxRecentEvents < 1 {
		errs = append(errs, fmt.Errorf("analysis.max_recent_events %d must be at least 1", an.MaxRecentEvents))
	}

	// Batch
	if cfg.Batch.Size < 1 {
		errs = append(errs, fmt.Errorf("batch.size %d must be at least 1", cfg.Batch.Size))
	}
	if cfg.Batch.IdleFlush < 0 {
		errs = append(errs, fmt.Errorf("batch.idle_flush %s must not be negative", cfg.Batch.IdleFlush))
	}

	// Context expiry
	if cfg.Context.MaxAge <= 0 {
		errs = append(errs, fmt.Errorf("context.max_age %s must be positive", cfg.Context.MaxAge))
	}
	if cfg.Context.SweepInterval <= 0 {
		errs = append(errs, fmt.Errorf("context.sweep_interval %s must be positive", cfg.Context.SweepInterval))
	}

	// Storage
	switch cfg.Storage.Driver {
	case "", DriverMemory:
	case DriverSQLite, DriverPostgres:
		if cfg.Storage.DSN == "" {
			errs = append(errs, fmt.Errorf("storage.dsn is required for driver %q", cfg.Storage.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.driver %q is invalid; valid values: memory, sqlite, postgres", cfg.Storage.Driver))
	}

	return errors.Join(errs...)
}

// validateProviderName logs a warning if name is non-empty and not found in
// the [ValidProviderNames] list for the given kind.
func validateProviderName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown provider name, may be a typo or third-party provider",
		"kind", kind,
		"name", name,
		"known", known,
	)
}

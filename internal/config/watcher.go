package config

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often a [Watcher] rereads the config file.
const DefaultWatchInterval = 5 * time.Second

// Reload describes one applied config change.
type Reload struct {
	Old, New *Config
	Diff     ConfigDiff
}

// Watcher rereads a config file and applies what can change at runtime.
// Only the log level is live; sections that changed otherwise are logged and
// reported in [Reload.Diff] as needing a restart. Edits that fail to load
// keep the last good config.
type Watcher struct {
	path     string
	interval time.Duration
	level    *slog.LevelVar
	onReload func(Reload)

	checkMu sync.Mutex

	mu      sync.Mutex
	current *Config
	raw     []byte
	badRaw  []byte
	lastErr error

	cancel context.CancelFunc
	done   chan struct{}
}

// WatchOption configures a [Watcher].
type WatchOption func(*Watcher)

// WithInterval sets the polling interval. Non-positive values keep
// [DefaultWatchInterval].
func WithInterval(d time.Duration) WatchOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLevelVar makes the watcher drive v from server.log_level. v is set
// from the initial file as well.
func WithLevelVar(v *slog.LevelVar) WatchOption {
	return func(w *Watcher) { w.level = v }
}

// OnReload registers fn to run after every applied change.
func OnReload(fn func(Reload)) WatchOption {
	return func(w *Watcher) { w.onReload = fn }
}

// Watch loads path and keeps rereading it until ctx is done or Stop is
// called.
func Watch(ctx context.Context, path string, opts ...WatchOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(w)
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	cfg, err := LoadFromReader(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("config: watch %q: %w", path, err)
	}
	w.current, w.raw = cfg, raw
	if w.level != nil {
		w.level.Set(cfg.Server.LogLevel.Slog())
	}

	ctx, w.cancel = context.WithCancel(ctx)
	go w.run(ctx)
	return w, nil
}

// Current returns the last config that loaded successfully.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Err returns why the file on disk is not in effect, or nil.
func (w *Watcher) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Stop ends polling and waits for an in-progress check. Safe to call more
// than once.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.Check()
		}
	}
}

// Check rereads the file now and reports whether a changed config was
// applied. Rewrites without effective changes only refresh the stored copy.
func (w *Watcher) Check() bool {
	w.checkMu.Lock()
	defer w.checkMu.Unlock()

	raw, err := os.ReadFile(w.path)
	if err != nil {
		w.fail(nil, err)
		return false
	}

	w.mu.Lock()
	seen := bytes.Equal(raw, w.raw) || (w.badRaw != nil && bytes.Equal(raw, w.badRaw))
	w.mu.Unlock()
	if seen {
		return false
	}

	cfg, err := LoadFromReader(bytes.NewReader(raw))
	if err != nil {
		w.fail(raw, err)
		return false
	}

	w.mu.Lock()
	old := w.current
	w.current, w.raw = cfg, raw
	w.badRaw, w.lastErr = nil, nil
	w.mu.Unlock()

	d := Diff(old, cfg)
	if !d.Changed() {
		slog.Debug("config file rewritten without effective changes", "path", w.path)
		return false
	}
	if d.LogLevelChanged && w.level != nil {
		w.level.Set(d.NewLogLevel.Slog())
		slog.Info("log level changed", "level", d.NewLogLevel)
	}
	if len(d.RestartRequired) > 0 {
		slog.Warn("config changes require a restart to take effect", "path", w.path, "sections", d.RestartRequired)
	}
	if w.onReload != nil {
		w.onReload(Reload{Old: old, New: cfg, Diff: d})
	}
	return true
}

// fail records err. A broken file is reported once until its content
// changes again.
func (w *Watcher) fail(raw []byte, err error) {
	w.mu.Lock()
	repeated := w.lastErr != nil && w.lastErr.Error() == err.Error()
	w.lastErr = err
	if raw != nil {
		w.badRaw = raw
	}
	w.mu.Unlock()

	if repeated {
		return
	}
	slog.Warn("config reload failed, keeping previous config", "path", w.path, "err", err)
}

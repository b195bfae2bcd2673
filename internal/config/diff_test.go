package config_test

import (
	"slices"
	"testing"
	"time"

	"github.com/MrWong99/dundra/internal/config"
)

func TestDiff_NoChanges(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	d := config.Diff(cfg, cfg)
	if d.Changed() {
		t.Errorf("expected no changes for identical configs, got %+v", d)
	}
}

func TestDiff_LogLevelChanged(t *testing.T) {
	t.Parallel()
	old := config.Default()
	new := config.Default()
	new.Server.LogLevel = config.LogDebug

	d := config.Diff(old, new)
	if !d.LogLevelChanged {
		t.Error("expected LogLevelChanged=true")
	}
	if d.NewLogLevel != config.LogDebug {
		t.Errorf("expected NewLogLevel=debug, got %q", d.NewLogLevel)
	}
	if len(d.RestartRequired) != 0 {
		t.Errorf("log level alone should not require a restart, got %v", d.RestartRequired)
	}
}

func TestDiff_RestartRequired(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   []string
	}{
		{
			name:   "listen addr",
			mutate: func(c *config.Config) { c.Server.ListenAddr = ":9999" },
			want:   []string{"server"},
		},
		{
			name:   "provider model",
			mutate: func(c *config.Config) { c.Providers.LLM.Model = "gpt-4o" },
			want:   []string{"providers"},
		},
		{
			name: "batch and context",
			mutate: func(c *config.Config) {
				c.Batch.Size = 20
				c.Context.MaxAge = time.Hour
			},
			want: []string{"batch", "context"},
		},
		{
			name: "storage and log level",
			mutate: func(c *config.Config) {
				c.Server.LogLevel = config.LogError
				c.Storage.Driver = config.DriverSQLite
			},
			want: []string{"storage"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			old := config.Default()
			new := config.Default()
			tt.mutate(new)

			d := config.Diff(old, new)
			if !slices.Equal(d.RestartRequired, tt.want) {
				t.Errorf("RestartRequired: got %v, want %v", d.RestartRequired, tt.want)
			}
			if !d.Changed() {
				t.Error("expected Changed()=true")
			}
		})
	}
}

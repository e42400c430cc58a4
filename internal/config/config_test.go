package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sentimental/internal/apperrors"
)

func writeConfigFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFileThenEnvOverrides(t *testing.T) {
	path := writeConfigFile(t, `
port: "8081"
poll:
  schedule: "*/2 * * * *"
  concurrency: 8
  reclaimAfter: 15m
store:
  backend: memory
sink:
  backend: sqlite
  dsn: file:results.db
provider:
  kind: chatgpt
  openai:
    model: gpt-4o-mini
`)
	t.Setenv("POLL_CONCURRENCY", "2")
	t.Setenv("OPENAI_API_KEY", "sk-test")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "8081", cfg.Port)
	assert.Equal(t, "*/2 * * * *", cfg.Poll.Schedule)
	assert.Equal(t, 2, cfg.Poll.Concurrency, "env overrides file")
	assert.Equal(t, 15*time.Minute, cfg.Poll.ReclaimAfter)
	assert.Equal(t, BackendMemory, cfg.Store.Backend)
	assert.Equal(t, BackendSQLite, cfg.Sink.Backend)
	assert.Equal(t, "chatgpt", cfg.Provider.Kind)
	assert.Equal(t, "gpt-4o-mini", cfg.Provider.OpenAI.Model)
	assert.Equal(t, "sk-test", cfg.Provider.OpenAI.APIKey)
	assert.Equal(t, 0.3, cfg.Provider.OpenAI.Temperature, "unset file values keep defaults")
	assert.Equal(t, DefaultJobTTL, cfg.Store.JobTTL)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("STORE_BACKEND", "dynamodb")
	t.Setenv("SINK_DSN", "postgres://localhost/results")

	_, err := Load("")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)
}

func TestLoadRequiresSinkDSN(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("SINK_BACKEND", "postgres")
	t.Setenv("SINK_DSN", "")

	_, err := Load("")
	require.Error(t, err)

	var appErr *apperrors.Error
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "SINK_DSN", appErr.Field)
}

func TestLoadReclaimWindow(t *testing.T) {
	tests := []struct {
		name      string
		reclaim   string
		deadline  string
		want      time.Duration
		wantField string
	}{
		{name: "defaults to the pass deadline", want: 4 * time.Minute},
		{name: "follows a custom deadline", deadline: "90s", want: 90 * time.Second},
		{name: "explicit window", reclaim: "15m", want: 15 * time.Minute},
		{name: "shorter than the deadline", reclaim: "1m", deadline: "2m", wantField: "STORING_RECLAIM_AFTER"},
		{name: "no deadline", deadline: "0s", wantField: "POLL_DEADLINE"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("STORE_BACKEND", "memory")
			t.Setenv("SINK_BACKEND", "memory")
			t.Setenv("DOCUMENT_BACKEND", "memory")
			t.Setenv("STORING_RECLAIM_AFTER", tt.reclaim)
			t.Setenv("POLL_DEADLINE", tt.deadline)

			cfg, err := Load("")
			if tt.wantField != "" {
				var appErr *apperrors.Error
				require.ErrorAs(t, err, &appErr)
				assert.Equal(t, tt.wantField, appErr.Field)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg.Poll.ReclaimAfter)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorIs(t, err, apperrors.ErrConfiguration)
}

func TestSlogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARN":    slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		cfg := &ServiceConfig{LogLevel: in}
		assert.Equal(t, want, cfg.SlogLevel(), in)
	}
}

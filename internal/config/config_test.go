package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "http://localhost:8787", cfg.QueueURL)
	assert.Equal(t, "http://localhost:11434", cfg.OllamaHost)
	assert.Equal(t, "http://localhost:7860", cfg.SDWebUIHost)
	assert.Equal(t, "http://localhost:8188", cfg.ComfyHost)
	assert.Equal(t, 2, cfg.MaxConcurrency)
	assert.Equal(t, 5*time.Second, cfg.PollBackoff)
	assert.Equal(t, 100*time.Millisecond, cfg.ProgressInterval)
	assert.Equal(t, 30*time.Minute, cfg.VideoJobTimeout)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.NotEmpty(t, cfg.WorkerName)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conduit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
queue_url: https://queue.example.com
queue_token: secret
worker_name: bench-01
max_concurrency: 4
video_job_timeout: 45m
log_level: debug
comfy_model_dirs:
  - /models/checkpoints
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://queue.example.com", cfg.QueueURL)
	assert.Equal(t, "secret", cfg.QueueToken)
	assert.Equal(t, "bench-01", cfg.WorkerName)
	assert.Equal(t, 4, cfg.MaxConcurrency)
	assert.Equal(t, 45*time.Minute, cfg.VideoJobTimeout)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, []string{"/models/checkpoints"}, cfg.ComfyModelDirs)

	// Keys absent from the file keep their defaults.
	assert.Equal(t, "http://localhost:11434", cfg.OllamaHost)
	assert.Equal(t, 5*time.Second, cfg.PollBackoff)
}

func TestLoadFileBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conduit.yaml")
	require.NoError(t, os.WriteFile(path, []byte("poll_backoff: soon\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "soon")
}

func TestLoadMissingFileIsIgnored(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8787", cfg.QueueURL)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conduit.yaml")
	require.NoError(t, os.WriteFile(path, []byte("queue_url: https://file.example.com\n"), 0o644))

	t.Setenv("CONDUIT_QUEUE_URL", "https://env.example.com")
	t.Setenv("CONDUIT_MAX_CONCURRENCY", "8")
	t.Setenv("CONDUIT_PROGRESS_INTERVAL", "250ms")
	t.Setenv("CONDUIT_LOG_LEVEL", "error")
	t.Setenv("OLLAMA_HOST", "http://gpu-box:11434")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "https://env.example.com", cfg.QueueURL)
	assert.Equal(t, 8, cfg.MaxConcurrency)
	assert.Equal(t, 250*time.Millisecond, cfg.ProgressInterval)
	assert.Equal(t, slog.LevelError, cfg.LogLevel)
	assert.Equal(t, "http://gpu-box:11434", cfg.OllamaHost)
}

func TestParseLogLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLogLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLogLevel("WARNING"))
	assert.Equal(t, slog.LevelError, ParseLogLevel("Error"))
	assert.Equal(t, slog.LevelInfo, ParseLogLevel("garbage"))
}

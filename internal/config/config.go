// Package config loads tunnel configuration from a YAML file and the
// environment. Environment variables always win over file values.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration values for the tunnel worker.
type Config struct {
	// Remote job queue
	QueueURL   string
	QueueToken string
	WorkerName string

	// Backend base URLs
	OllamaHost  string
	SDWebUIHost string
	ComfyHost   string

	// ComfyUI filesystem discovery fallback
	ComfyModelDirs []string

	// Dispatcher tuning
	MaxConcurrency   int
	PollBackoff      time.Duration
	ProgressInterval time.Duration
	VideoJobTimeout  time.Duration

	// Logging
	LogFile  string
	LogLevel slog.Level
}

// fileConfig mirrors the optional YAML config file. Every field is a
// pointer so absent keys fall through to the built-in defaults.
type fileConfig struct {
	QueueURL         *string  `yaml:"queue_url"`
	QueueToken       *string  `yaml:"queue_token"`
	WorkerName       *string  `yaml:"worker_name"`
	OllamaHost       *string  `yaml:"ollama_host"`
	SDWebUIHost      *string  `yaml:"sdwebui_host"`
	ComfyHost        *string  `yaml:"comfy_host"`
	ComfyModelDirs   []string `yaml:"comfy_model_dirs"`
	MaxConcurrency   *int     `yaml:"max_concurrency"`
	PollBackoff      *string  `yaml:"poll_backoff"`
	ProgressInterval *string  `yaml:"progress_interval"`
	VideoJobTimeout  *string  `yaml:"video_job_timeout"`
	LogFile          *string  `yaml:"log_file"`
	LogLevel         *string  `yaml:"log_level"`
}

// Load reads configuration: built-in defaults, then the YAML file at
// path (skipped when path is empty or missing), then environment
// variables.
func Load(path string) (Config, error) {
	cfg := Config{
		QueueURL:         "http://localhost:8787",
		WorkerName:       defaultWorkerName(),
		OllamaHost:       "http://localhost:11434",
		SDWebUIHost:      "http://localhost:7860",
		ComfyHost:        "http://localhost:8188",
		MaxConcurrency:   2,
		PollBackoff:      5 * time.Second,
		ProgressInterval: 100 * time.Millisecond,
		VideoJobTimeout:  30 * time.Minute,
		LogFile:          "/tmp/conduit.log",
		LogLevel:         slog.LevelInfo,
	}

	if path != "" {
		if err := applyFile(&cfg, path); err != nil {
			return cfg, err
		}
	}
	applyEnv(&cfg)
	return cfg, nil
}

func applyFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	setString(&cfg.QueueURL, fc.QueueURL)
	setString(&cfg.QueueToken, fc.QueueToken)
	setString(&cfg.WorkerName, fc.WorkerName)
	setString(&cfg.OllamaHost, fc.OllamaHost)
	setString(&cfg.SDWebUIHost, fc.SDWebUIHost)
	setString(&cfg.ComfyHost, fc.ComfyHost)
	setString(&cfg.LogFile, fc.LogFile)
	if len(fc.ComfyModelDirs) > 0 {
		cfg.ComfyModelDirs = fc.ComfyModelDirs
	}
	if fc.MaxConcurrency != nil {
		cfg.MaxConcurrency = *fc.MaxConcurrency
	}
	if fc.LogLevel != nil {
		cfg.LogLevel = ParseLogLevel(*fc.LogLevel)
	}
	if err := setDuration(&cfg.PollBackoff, fc.PollBackoff); err != nil {
		return err
	}
	if err := setDuration(&cfg.ProgressInterval, fc.ProgressInterval); err != nil {
		return err
	}
	return setDuration(&cfg.VideoJobTimeout, fc.VideoJobTimeout)
}

func applyEnv(cfg *Config) {
	cfg.QueueURL = getEnv("CONDUIT_QUEUE_URL", cfg.QueueURL)
	cfg.QueueToken = getEnv("CONDUIT_QUEUE_TOKEN", cfg.QueueToken)
	cfg.WorkerName = getEnv("CONDUIT_WORKER_NAME", cfg.WorkerName)
	cfg.OllamaHost = getEnv("OLLAMA_HOST", cfg.OllamaHost)
	cfg.SDWebUIHost = getEnv("CONDUIT_SDWEBUI_HOST", cfg.SDWebUIHost)
	cfg.ComfyHost = getEnv("CONDUIT_COMFY_HOST", cfg.ComfyHost)
	cfg.LogFile = getEnv("CONDUIT_LOG_FILE", cfg.LogFile)
	if v := os.Getenv("CONDUIT_LOG_LEVEL"); v != "" {
		cfg.LogLevel = ParseLogLevel(v)
	}

	if dirs := os.Getenv("CONDUIT_COMFY_MODEL_DIRS"); dirs != "" {
		cfg.ComfyModelDirs = strings.Split(dirs, string(os.PathListSeparator))
	}
	if v := os.Getenv("CONDUIT_MAX_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxConcurrency = n
		}
	}
	if v := os.Getenv("CONDUIT_POLL_BACKOFF"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.PollBackoff = d
		}
	}
	if v := os.Getenv("CONDUIT_PROGRESS_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.ProgressInterval = d
		}
	}
	if v := os.Getenv("CONDUIT_VIDEO_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.VideoJobTimeout = d
		}
	}
}

func defaultWorkerName() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "conduit"
	}
	return fmt.Sprintf("%s:%d", hostname, os.Getpid())
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func setString(dst *string, src *string) {
	if src != nil {
		*dst = *src
	}
}

func setDuration(dst *time.Duration, src *string) error {
	if src == nil {
		return nil
	}
	d, err := time.ParseDuration(*src)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", *src, err)
	}
	*dst = d
	return nil
}

// ParseLogLevel maps a level name to a slog.Level, defaulting to Info.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToUpper(s) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

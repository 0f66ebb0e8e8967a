package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
server:
  port: 9090
auth:
  enabled: true
  api_key: secret
db:
  dsn: postgres://harvester@localhost/rdf
  max_conns: 20
harvester:
  workers: 8
  schedule_interval_seconds: 30
  flush_size: 1000
  unavailable_threshold: 3
  derive_inferred: true
  respect_robots: false
  harvest_timeout_seconds: 120
queue:
  backend: memory
  capacity: 16
archive:
  backend: gcs
  gcs_bucket: raw-docs
  prefix: rdf
pubsub:
  project_id: demo
  topic_name: harvests
logging:
  development: false
  level: warn
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if !cfg.Auth.Enabled || cfg.Auth.APIKey != "secret" {
		t.Fatalf("expected auth enabled with secret key")
	}
	if cfg.DB.DSN != "postgres://harvester@localhost/rdf" || cfg.DB.MaxConns != 20 || cfg.DB.MinConns != 1 {
		t.Fatalf("unexpected db config: %+v", cfg.DB)
	}
	h := cfg.Harvester
	if h.Workers != 8 || h.FlushSize != 1000 || h.UnavailableThreshold != 3 || !h.DeriveInferred || h.RespectRobots {
		t.Fatalf("expected harvester overrides to apply: %+v", h)
	}
	if got := h.ScheduleInterval(); got != 30*time.Second {
		t.Fatalf("expected schedule interval 30s, got %v", got)
	}
	if got := h.HarvestTimeout(); got != 2*time.Minute {
		t.Fatalf("expected harvest timeout 2m, got %v", got)
	}
	if cfg.Queue.Backend != QueueMemory || cfg.Queue.Capacity != 16 {
		t.Fatalf("unexpected queue config: %+v", cfg.Queue)
	}
	if cfg.Archive.Backend != ArchiveGCS || cfg.Archive.GCSBucket != "raw-docs" || cfg.Archive.Prefix != "rdf" {
		t.Fatalf("unexpected archive config: %+v", cfg.Archive)
	}
	if cfg.PubSub.TopicName != "harvests" || cfg.Logging.Development || cfg.Logging.Level != "warn" {
		t.Fatalf("unexpected pubsub/logging config: %+v %+v", cfg.PubSub, cfg.Logging)
	}
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load(writeConfig(t, "db:\n  dsn: postgres://localhost/rdf\n"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	h := cfg.Harvester
	if h.UnavailableThreshold != 5 {
		t.Fatalf("expected default unavailable threshold 5, got %d", h.UnavailableThreshold)
	}
	if h.FlushSize != 50000 {
		t.Fatalf("expected default flush size 50000, got %d", h.FlushSize)
	}
	if !h.RespectRobots || h.Workers != 4 || h.HistoryKeep != 20 {
		t.Fatalf("unexpected harvester defaults: %+v", h)
	}
	if cfg.Queue.Backend != QueuePostgres || cfg.Archive.Backend != ArchiveNone {
		t.Fatalf("unexpected backend defaults: %q %q", cfg.Queue.Backend, cfg.Archive.Backend)
	}
	if got := cfg.DB.MaxConnLifetime(); got != time.Hour {
		t.Fatalf("expected 1h connection lifetime, got %v", got)
	}
}

func TestLoadEnvironmentOverrides(t *testing.T) {
	t.Setenv("HARVESTER_DB_DSN", "postgres://env/rdf")
	t.Setenv("HARVESTER_HARVESTER_WORKERS", "12")
	t.Setenv("HARVESTER_ARCHIVE_BACKEND", "local")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DB.DSN != "postgres://env/rdf" {
		t.Fatalf("expected DSN from env, got %q", cfg.DB.DSN)
	}
	if cfg.Harvester.Workers != 12 {
		t.Fatalf("expected 12 workers from env, got %d", cfg.Harvester.Workers)
	}
	if cfg.Archive.Backend != ArchiveLocal || cfg.Archive.BaseDir != "data/archive" {
		t.Fatalf("unexpected archive config: %+v", cfg.Archive)
	}
}

func TestLoadReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("HARVESTER_DB_DSN=postgres://dotenv/rdf\n"), 0o600); err != nil {
		t.Fatalf("failed to write .env: %v", err)
	}
	t.Chdir(dir)
	// Register a restore to unset, then clear it so godotenv may set it.
	t.Setenv("HARVESTER_DB_DSN", "")
	if err := os.Unsetenv("HARVESTER_DB_DSN"); err != nil {
		t.Fatalf("unsetenv: %v", err)
	}

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.DB.DSN != "postgres://dotenv/rdf" {
		t.Fatalf("expected DSN from .env, got %q", cfg.DB.DSN)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err == nil || !strings.Contains(err.Error(), "read config") {
		t.Fatalf("expected read config error, got %v", err)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server: ServerConfig{Port: 8080},
		DB:     DBConfig{DSN: "postgres://localhost/rdf"},
		Harvester: HarvesterConfig{
			Workers:              1,
			FlushSize:            10,
			UnavailableThreshold: 5,
			ScheduleBatchLimit:   10,
		},
		Queue:   QueueConfig{Backend: QueuePostgres, Capacity: 8},
		Archive: ArchiveConfig{Backend: ArchiveNone},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should be valid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"missing dsn", func(c *Config) { c.DB.DSN = "" }, "db.dsn"},
		{"no workers", func(c *Config) { c.Harvester.Workers = 0 }, "harvester.workers"},
		{"no flush size", func(c *Config) { c.Harvester.FlushSize = -1 }, "harvester.flush_size"},
		{"no threshold", func(c *Config) { c.Harvester.UnavailableThreshold = 0 }, "harvester.unavailable_threshold"},
		{"no schedule limit", func(c *Config) { c.Harvester.ScheduleBatchLimit = 0 }, "harvester.schedule_batch_limit"},
		{"negative history keep", func(c *Config) { c.Harvester.HistoryKeep = -1 }, "harvester.history_keep"},
		{"auth missing api key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"unknown queue", func(c *Config) { c.Queue.Backend = "kafka" }, "queue.backend"},
		{"queue without capacity", func(c *Config) { c.Queue.Capacity = 0 }, "queue.capacity"},
		{"unknown archive", func(c *Config) { c.Archive.Backend = "s3" }, "archive.backend"},
		{"local archive without dir", func(c *Config) { c.Archive.Backend = ArchiveLocal }, "archive.base_dir"},
		{"gcs archive without bucket", func(c *Config) { c.Archive.Backend = ArchiveGCS }, "archive.gcs_bucket"},
		{"topic without project", func(c *Config) { c.PubSub.TopicName = "t" }, "pubsub.project_id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

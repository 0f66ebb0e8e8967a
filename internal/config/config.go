// Package config loads and validates harvester configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Queue backends.
const (
	QueuePostgres = "postgres"
	QueueMemory   = "memory"
)

// Archive backends.
const (
	ArchiveNone   = "none"
	ArchiveMemory = "memory"
	ArchiveLocal  = "local"
	ArchiveGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Auth      AuthConfig      `mapstructure:"auth"`
	DB        DBConfig        `mapstructure:"db"`
	Harvester HarvesterConfig `mapstructure:"harvester"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Archive   ArchiveConfig   `mapstructure:"archive"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig controls access to the relational database.
type DBConfig struct {
	DSN                    string `mapstructure:"dsn"`
	MaxConns               int32  `mapstructure:"max_conns"`
	MinConns               int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSeconds int    `mapstructure:"max_conn_lifetime_seconds"`
}

// HarvesterConfig governs scheduling, fetching and persistence.
type HarvesterConfig struct {
	Workers                     int     `mapstructure:"workers"`
	ScheduleIntervalSeconds     int     `mapstructure:"schedule_interval_seconds"`
	ScheduleBatchLimit          int     `mapstructure:"schedule_batch_limit"`
	UrgentPollIntervalSeconds   int     `mapstructure:"urgent_poll_interval_seconds"`
	UnavailableThreshold        int     `mapstructure:"unavailable_threshold"`
	FlushSize                   int     `mapstructure:"flush_size"`
	DeriveInferred              bool    `mapstructure:"derive_inferred"`
	HistoryKeep                 int     `mapstructure:"history_keep"`
	ReapIntervalSeconds         int     `mapstructure:"reap_interval_seconds"`
	HistoryPruneIntervalSeconds int     `mapstructure:"history_prune_interval_seconds"`
	UserAgent                   string  `mapstructure:"user_agent"`
	FetchTimeoutSeconds         int     `mapstructure:"fetch_timeout_seconds"`
	RespectRobots               bool    `mapstructure:"respect_robots"`
	HarvestTimeoutSeconds       int     `mapstructure:"harvest_timeout_seconds"`
	MaxBodyBytes                int     `mapstructure:"max_body_bytes"`
	SourceClass                 string  `mapstructure:"source_class"`
	SourceIntervalMinutes       int     `mapstructure:"source_interval_minutes"`
	HostRPS                     float64 `mapstructure:"host_rps"`
	HostBurst                   int     `mapstructure:"host_burst"`
}

// QueueConfig selects where urgent requests wait. Capacity sizes the
// in-process channel between the dispatcher and the workers.
type QueueConfig struct {
	Backend  string `mapstructure:"backend"`
	Capacity int    `mapstructure:"capacity"`
}

// ArchiveConfig selects where raw documents are archived.
type ArchiveConfig struct {
	Backend   string `mapstructure:"backend"`
	BaseDir   string `mapstructure:"base_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for harvest notifications. An empty topic
// disables publishing.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment. A .env file in the working
// directory is applied to the environment first when present.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}

	v := viper.New()
	v.SetEnvPrefix("HARVESTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime_seconds", 3600)
	v.SetDefault("harvester.workers", 4)
	v.SetDefault("harvester.schedule_interval_seconds", 60)
	v.SetDefault("harvester.schedule_batch_limit", 100)
	v.SetDefault("harvester.urgent_poll_interval_seconds", 5)
	v.SetDefault("harvester.unavailable_threshold", 5)
	v.SetDefault("harvester.flush_size", 50000)
	v.SetDefault("harvester.derive_inferred", false)
	v.SetDefault("harvester.history_keep", 20)
	v.SetDefault("harvester.reap_interval_seconds", 300)
	v.SetDefault("harvester.history_prune_interval_seconds", 3600)
	v.SetDefault("harvester.user_agent", "rdf-harvester/0.1")
	v.SetDefault("harvester.fetch_timeout_seconds", 60)
	v.SetDefault("harvester.respect_robots", true)
	v.SetDefault("harvester.harvest_timeout_seconds", 1800)
	v.SetDefault("harvester.max_body_bytes", 0)
	v.SetDefault("harvester.source_class", "")
	v.SetDefault("harvester.source_interval_minutes", 1440)
	v.SetDefault("harvester.host_rps", 1.0)
	v.SetDefault("harvester.host_burst", 2)
	v.SetDefault("queue.backend", QueuePostgres)
	v.SetDefault("queue.capacity", 256)
	v.SetDefault("archive.backend", ArchiveNone)
	v.SetDefault("archive.base_dir", "data/archive")
	v.SetDefault("archive.gcs_bucket", "")
	v.SetDefault("archive.prefix", "documents")
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.DB.DSN == "" {
		return fmt.Errorf("db.dsn is required")
	}
	if c.Harvester.Workers <= 0 {
		return fmt.Errorf("harvester.workers must be > 0")
	}
	if c.Harvester.FlushSize <= 0 {
		return fmt.Errorf("harvester.flush_size must be > 0")
	}
	if c.Harvester.UnavailableThreshold <= 0 {
		return fmt.Errorf("harvester.unavailable_threshold must be > 0")
	}
	if c.Harvester.ScheduleBatchLimit <= 0 {
		return fmt.Errorf("harvester.schedule_batch_limit must be > 0")
	}
	if c.Harvester.HistoryKeep < 0 {
		return fmt.Errorf("harvester.history_keep must be >= 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Queue.Backend != QueuePostgres && c.Queue.Backend != QueueMemory {
		return fmt.Errorf("queue.backend %q is not supported", c.Queue.Backend)
	}
	if c.Queue.Capacity <= 0 {
		return fmt.Errorf("queue.capacity must be > 0")
	}
	switch c.Archive.Backend {
	case ArchiveNone, ArchiveMemory:
	case ArchiveLocal:
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir is required for the local backend")
		}
	case ArchiveGCS:
		if c.Archive.GCSBucket == "" {
			return fmt.Errorf("archive.gcs_bucket is required for the gcs backend")
		}
	default:
		return fmt.Errorf("archive.backend %q is not supported", c.Archive.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id is required when pubsub.topic_name is set")
	}
	return nil
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// ScheduleInterval is how often due sources are queued.
func (h HarvesterConfig) ScheduleInterval() time.Duration { return seconds(h.ScheduleIntervalSeconds) }

// UrgentPollInterval is how often the urgent queue is drained.
func (h HarvesterConfig) UrgentPollInterval() time.Duration {
	return seconds(h.UrgentPollIntervalSeconds)
}

// ReapInterval is how often sources queued for deletion are removed.
func (h HarvesterConfig) ReapInterval() time.Duration { return seconds(h.ReapIntervalSeconds) }

// HistoryPruneInterval is how often old harvest history is pruned.
func (h HarvesterConfig) HistoryPruneInterval() time.Duration {
	return seconds(h.HistoryPruneIntervalSeconds)
}

// FetchTimeout bounds one document fetch.
func (h HarvesterConfig) FetchTimeout() time.Duration { return seconds(h.FetchTimeoutSeconds) }

// HarvestTimeout bounds one harvest from fetch to commit.
func (h HarvesterConfig) HarvestTimeout() time.Duration { return seconds(h.HarvestTimeoutSeconds) }

// MaxConnLifetime is the pool connection lifetime.
func (d DBConfig) MaxConnLifetime() time.Duration { return seconds(d.MaxConnLifetimeSeconds) }

// Package config loads and validates analyzer configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

// Backend names accepted by the store, blob and publisher selectors.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendGCS      = "gcs"
	BackendLocal    = "local"
	BackendPubSub   = "pubsub"
	BackendNone     = "none"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	DB         DBConfig         `mapstructure:"db"`
	Quota      QuotaConfig      `mapstructure:"quota"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Storage    StorageConfig    `mapstructure:"storage"`
	PubSub     PubSubConfig     `mapstructure:"pubsub"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
	ShutdownGraceSeconds  int `mapstructure:"shutdown_grace_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
	// WorkerToken, when set, must be presented as a bearer token to
	// POST /v1/worker/run.
	WorkerToken string `mapstructure:"worker_token"`
}

// DBConfig selects and tunes the relational store.
type DBConfig struct {
	Backend            string `mapstructure:"backend"`
	DSN                string `mapstructure:"dsn"`
	MaxConns           int32  `mapstructure:"max_conns"`
	MinConns           int32  `mapstructure:"min_conns"`
	MaxConnLifetimeSec int    `mapstructure:"max_conn_lifetime_seconds"`
	MigrateOnStart     bool   `mapstructure:"migrate_on_start"`
	// SeedTeams populates the in-memory directory; postgres ignores it.
	SeedTeams []SeedTeam `mapstructure:"seed_teams"`
}

// SeedTeam is a team and its members loaded into the memory backend.
type SeedTeam struct {
	ID                 string   `mapstructure:"id"`
	Name               string   `mapstructure:"name"`
	PlanName           string   `mapstructure:"plan_name"`
	SubscriptionStatus string   `mapstructure:"subscription_status"`
	Members            []string `mapstructure:"members"`
}

// QuotaConfig sets per-tier daily ceilings.
type QuotaConfig struct {
	Ceilings map[string]int `mapstructure:"ceilings"`
	Timezone string         `mapstructure:"timezone"`
	Strict   bool           `mapstructure:"strict"`
}

// SchedulerConfig tunes scheduler passes.
type SchedulerConfig struct {
	JobTimeoutSeconds int    `mapstructure:"job_timeout_seconds"`
	MaxJobsPerPass    int    `mapstructure:"max_jobs_per_pass"`
	PriorityOrder     string `mapstructure:"priority_order"`
}

// DispatcherConfig controls continuous mode.
type DispatcherConfig struct {
	Enabled             bool   `mapstructure:"enabled"`
	Schedule            string `mapstructure:"schedule"`
	MaxConcurrentPasses int    `mapstructure:"max_concurrent_passes"`
}

// ExecutorConfig configures the simulated crawl executor.
type ExecutorConfig struct {
	MinLatencyMs int     `mapstructure:"min_latency_ms"`
	MaxLatencyMs int     `mapstructure:"max_latency_ms"`
	FailureRate  float64 `mapstructure:"failure_rate"`
	// PerHostRPS throttles crawls of one host; zero disables it.
	PerHostRPS   float64 `mapstructure:"per_host_rps"`
	PerHostBurst int     `mapstructure:"per_host_burst"`
}

// StorageConfig sets where report artifacts are archived.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	LocalDir  string `mapstructure:"local_dir"`
	Prefix    string `mapstructure:"prefix"`
}

// PubSubConfig holds metadata for job outcome notifications.
type PubSubConfig struct {
	Backend   string `mapstructure:"backend"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ProgressConfig tunes the lifecycle event hub.
type ProgressConfig struct {
	Enabled        bool `mapstructure:"enabled"`
	BufferSize     int  `mapstructure:"buffer_size"`
	MaxBatchEvents int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMs int  `mapstructure:"max_batch_wait_ms"`
	SinkTimeoutMs  int  `mapstructure:"sink_timeout_ms"`
	LogEvents      bool `mapstructure:"log_events"`
}

// TelemetryConfig controls OpenTelemetry tracing.
type TelemetryConfig struct {
	TracingEnabled bool    `mapstructure:"tracing_enabled"`
	ServiceName    string  `mapstructure:"service_name"`
	SampleRatio    float64 `mapstructure:"sample_ratio"`
	LogSpans       bool    `mapstructure:"log_spans"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ANALYZER")
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

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.shutdown_grace_seconds", 10)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("auth.worker_token", "")
	v.SetDefault("db.backend", BackendMemory)
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 1)
	v.SetDefault("db.max_conn_lifetime_seconds", 1800)
	v.SetDefault("db.migrate_on_start", false)
	v.SetDefault("quota.ceilings", map[string]int{"base": 50, "plus": 100})
	v.SetDefault("quota.timezone", "Local")
	v.SetDefault("quota.strict", false)
	v.SetDefault("scheduler.job_timeout_seconds", 120)
	v.SetDefault("scheduler.max_jobs_per_pass", 0)
	v.SetDefault("scheduler.priority_order", "asc")
	v.SetDefault("dispatcher.enabled", true)
	v.SetDefault("dispatcher.schedule", "@every 30s")
	v.SetDefault("dispatcher.max_concurrent_passes", 1)
	v.SetDefault("executor.min_latency_ms", 2000)
	v.SetDefault("executor.max_latency_ms", 5000)
	v.SetDefault("executor.failure_rate", 0.1)
	v.SetDefault("executor.per_host_rps", 0)
	v.SetDefault("executor.per_host_burst", 1)
	v.SetDefault("storage.backend", BackendNone)
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.local_dir", "./artifacts")
	v.SetDefault("storage.prefix", "reports")
	v.SetDefault("pubsub.backend", BackendNone)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "crawl-jobs")
	v.SetDefault("progress.enabled", true)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 100)
	v.SetDefault("progress.max_batch_wait_ms", 250)
	v.SetDefault("progress.sink_timeout_ms", 5000)
	v.SetDefault("progress.log_events", false)
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.service_name", "site-analyzer")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.log_spans", false)
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.DB.Backend {
	case BackendMemory:
		for i, team := range c.DB.SeedTeams {
			if strings.TrimSpace(team.ID) == "" {
				return fmt.Errorf("db.seed_teams[%d].id must be set", i)
			}
		}
	case BackendPostgres:
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("db.backend must be memory or postgres, got %q", c.DB.Backend)
	}
	for tier, ceiling := range c.Quota.Ceilings {
		if ceiling < 0 {
			return fmt.Errorf("quota.ceilings.%s must be >= 0", tier)
		}
	}
	if _, err := c.QuotaLocation(); err != nil {
		return err
	}
	if c.Scheduler.JobTimeoutSeconds < 0 {
		return fmt.Errorf("scheduler.job_timeout_seconds must be >= 0")
	}
	if c.Scheduler.MaxJobsPerPass < 0 {
		return fmt.Errorf("scheduler.max_jobs_per_pass must be >= 0")
	}
	if o := c.Scheduler.PriorityOrder; o != "asc" && o != "desc" {
		return fmt.Errorf("scheduler.priority_order must be asc or desc, got %q", o)
	}
	if c.Dispatcher.Enabled {
		if c.Dispatcher.MaxConcurrentPasses <= 0 {
			return fmt.Errorf("dispatcher.max_concurrent_passes must be > 0")
		}
		if _, err := cron.ParseStandard(c.Dispatcher.Schedule); err != nil {
			return fmt.Errorf("dispatcher.schedule: %w", err)
		}
	}
	if c.Executor.MinLatencyMs < 0 || c.Executor.MaxLatencyMs < c.Executor.MinLatencyMs {
		return fmt.Errorf("executor latency window must satisfy 0 <= min_latency_ms <= max_latency_ms")
	}
	if c.Executor.FailureRate < 0 || c.Executor.FailureRate > 1 {
		return fmt.Errorf("executor.failure_rate must be within [0,1]")
	}
	if c.Executor.PerHostRPS < 0 {
		return fmt.Errorf("executor.per_host_rps must be >= 0")
	}
	switch c.Storage.Backend {
	case BackendNone, BackendMemory:
	case BackendGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	case BackendLocal:
		if strings.TrimSpace(c.Storage.LocalDir) == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	default:
		return fmt.Errorf("storage.backend must be none, memory, local or gcs, got %q", c.Storage.Backend)
	}
	switch c.PubSub.Backend {
	case BackendNone, BackendMemory:
	case BackendPubSub:
		if c.PubSub.ProjectID == "" || c.PubSub.TopicName == "" {
			return fmt.Errorf("pubsub.project_id and pubsub.topic_name must be set for the pubsub backend")
		}
	default:
		return fmt.Errorf("pubsub.backend must be none, memory or pubsub, got %q", c.PubSub.Backend)
	}
	if r := c.Telemetry.SampleRatio; r < 0 || r > 1 {
		return fmt.Errorf("telemetry.sample_ratio must be within [0,1]")
	}
	if c.Progress.Enabled && c.Progress.BufferSize <= 0 {
		return fmt.Errorf("progress.buffer_size must be > 0 when progress is enabled")
	}
	return nil
}

// QuotaLocation resolves quota.timezone; empty or "Local" means the process zone.
func (c Config) QuotaLocation() (*time.Location, error) {
	name := strings.TrimSpace(c.Quota.Timezone)
	if name == "" || name == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("quota.timezone: %w", err)
	}
	return loc, nil
}

// JobTimeout converts scheduler.job_timeout_seconds to a duration.
func (c Config) JobTimeout() time.Duration {
	return time.Duration(c.Scheduler.JobTimeoutSeconds) * time.Second
}

// RequestTimeout bounds a single HTTP request.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ShutdownGrace bounds graceful shutdown.
func (c Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Server.ShutdownGraceSeconds) * time.Second
}

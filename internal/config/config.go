// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends for archived operation reports.
const (
	StorageNone   = "none"
	StorageMemory = "memory"
	StorageLocal  = "local"
	StorageGCS    = "gcs"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Relay    RelayConfig    `mapstructure:"relay"`
	Simulate SimulateConfig `mapstructure:"simulate"`
	Storage  StorageConfig  `mapstructure:"storage"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
	Schedule ScheduleConfig `mapstructure:"schedule"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                   int `mapstructure:"port"`
	RequestTimeoutSeconds  int `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSeconds int `mapstructure:"shutdown_timeout_seconds"`
}

// RelayConfig tunes every spawned relay.
type RelayConfig struct {
	// PaceMs is the delay after each signal; negative disables it.
	PaceMs        int `mapstructure:"pace_ms"`
	InboundBuffer int `mapstructure:"inbound_buffer"`
	// RetainSeconds keeps finished operations addressable in /v1/operations
	// before they are only visible in /v1/history.
	RetainSeconds int `mapstructure:"retain_seconds"`
	MaxFinished   int `mapstructure:"max_finished"`
}

// SimulateConfig shapes the simulated transfers.
type SimulateConfig struct {
	Objects     int    `mapstructure:"objects"`
	Deltas      int    `mapstructure:"deltas"`
	StepDelayMs int    `mapstructure:"step_delay_ms"`
	Ref         string `mapstructure:"ref"`
}

// StorageConfig selects where finished operation reports are archived.
type StorageConfig struct {
	Backend   string `mapstructure:"backend"`
	LocalDir  string `mapstructure:"local_dir"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	Prefix    string `mapstructure:"prefix"`
}

// DBConfig controls access to the relational database. A DSN selects
// Postgres; otherwise SQLitePath selects a local file; with neither, operation
// records stay in memory.
type DBConfig struct {
	DSN        string `mapstructure:"dsn"`
	SQLitePath string `mapstructure:"sqlite_path"`
	Table      string `mapstructure:"table"`
	MaxConns   int    `mapstructure:"max_conns"`
}

// PubSubConfig holds metadata for completion events. An empty project keeps
// events in an in-memory publisher.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// MetricsConfig toggles the Prometheus collectors and /metrics route.
type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// TracingConfig controls the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	// Output is "stdout", a file path, or empty to record spans without exporting.
	Output string `mapstructure:"output"`
}

// ScheduleConfig lists recurring simulated operations.
type ScheduleConfig struct {
	Jobs []ScheduleJob `mapstructure:"jobs"`
}

// ScheduleJob is one recurring operation.
type ScheduleJob struct {
	// Spec is a five-field cron expression or a descriptor like "@every 10m".
	Spec   string `mapstructure:"spec"`
	Kind   string `mapstructure:"kind"`
	Remote string `mapstructure:"remote"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PROGRESSRELAY")
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
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("server.shutdown_timeout_seconds", 10)
	v.SetDefault("relay.pace_ms", 1)
	v.SetDefault("relay.inbound_buffer", 16)
	v.SetDefault("relay.retain_seconds", 300)
	v.SetDefault("relay.max_finished", 128)
	v.SetDefault("simulate.objects", 20)
	v.SetDefault("simulate.deltas", 10)
	v.SetDefault("simulate.step_delay_ms", 50)
	v.SetDefault("simulate.ref", "refs/heads/main")
	v.SetDefault("storage.backend", StorageNone)
	v.SetDefault("storage.local_dir", "reports")
	v.SetDefault("storage.prefix", "reports")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.sqlite_path", "")
	v.SetDefault("db.table", "operations")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "operation-events")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "progressrelay")
	v.SetDefault("tracing.sample_ratio", 1.0)
	v.SetDefault("tracing.output", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("server.request_timeout_seconds must be > 0")
	}
	if c.Relay.InboundBuffer < 0 {
		return fmt.Errorf("relay.inbound_buffer must be >= 0")
	}
	if c.Relay.RetainSeconds < 0 {
		return fmt.Errorf("relay.retain_seconds must be >= 0")
	}
	if c.Relay.MaxFinished < 0 {
		return fmt.Errorf("relay.max_finished must be >= 0")
	}
	if c.Simulate.Objects <= 0 {
		return fmt.Errorf("simulate.objects must be > 0")
	}
	if c.Simulate.StepDelayMs < 0 {
		return fmt.Errorf("simulate.step_delay_ms must be >= 0")
	}
	switch c.Storage.Backend {
	case StorageNone, StorageMemory:
	case StorageLocal:
		if c.Storage.LocalDir == "" {
			return fmt.Errorf("storage.local_dir must be set for the local backend")
		}
	case StorageGCS:
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("storage.backend %q is not supported", c.Storage.Backend)
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return fmt.Errorf("tracing.sample_ratio must be within [0,1]")
	}
	for i, job := range c.Schedule.Jobs {
		if strings.TrimSpace(job.Spec) == "" {
			return fmt.Errorf("schedule.jobs[%d].spec must be set", i)
		}
		if job.Kind != "fetch" && job.Kind != "push" {
			return fmt.Errorf("schedule.jobs[%d].kind must be fetch or push", i)
		}
	}
	if c.PubSub.ProjectID != "" && c.PubSub.TopicName == "" {
		return fmt.Errorf("pubsub.topic_name must be set when pubsub.project_id is set")
	}
	return nil
}

// RelayRetain converts relay.retain_seconds into a duration.
func (c Config) RelayRetain() time.Duration {
	return time.Duration(c.Relay.RetainSeconds) * time.Second
}

// RelayPace converts relay.pace_ms into the relay's pace setting.
func (c Config) RelayPace() time.Duration {
	return time.Duration(c.Relay.PaceMs) * time.Millisecond
}

// StepDelay converts simulate.step_delay_ms into a duration.
func (c Config) StepDelay() time.Duration {
	return time.Duration(c.Simulate.StepDelayMs) * time.Millisecond
}

// RequestTimeout converts server.request_timeout_seconds into a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	if c.Server.ShutdownTimeoutSeconds <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Server.ShutdownTimeoutSeconds) * time.Second
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, 8080, cfg.Server.Port)
	require.Equal(t, time.Millisecond, cfg.RelayPace())
	require.Equal(t, 16, cfg.Relay.InboundBuffer)
	require.Equal(t, 5*time.Minute, cfg.RelayRetain())
	require.Equal(t, 128, cfg.Relay.MaxFinished)
	require.Equal(t, 20, cfg.Simulate.Objects)
	require.Equal(t, 50*time.Millisecond, cfg.StepDelay())
	require.Equal(t, StorageNone, cfg.Storage.Backend)
	require.Equal(t, "operations", cfg.DB.Table)
	require.Empty(t, cfg.DB.DSN)
	require.True(t, cfg.Metrics.Enabled)
	require.False(t, cfg.Tracing.Enabled)
	require.Equal(t, 10*time.Second, cfg.ShutdownTimeout())
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
  request_timeout_seconds: 5
relay:
  pace_ms: -1
  inbound_buffer: 64
  retain_seconds: 60
  max_finished: 10
simulate:
  objects: 7
  step_delay_ms: 0
storage:
  backend: gcs
  gcs_bucket: reports-bucket
  prefix: archive
db:
  dsn: postgres://relay@localhost/relay
  table: relay_operations
pubsub:
  project_id: demo
  topic_name: relay-events
logging:
  development: false
  level: debug
metrics:
  enabled: false
schedule:
  jobs:
    - spec: "@every 15m"
      kind: fetch
      remote: upstream
tracing:
  enabled: true
  sample_ratio: 0.25
  output: stdout
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, 9090, cfg.Server.Port)
	require.Equal(t, 5*time.Second, cfg.RequestTimeout())
	require.Negative(t, cfg.RelayPace())
	require.Equal(t, 64, cfg.Relay.InboundBuffer)
	require.Equal(t, time.Minute, cfg.RelayRetain())
	require.Equal(t, 10, cfg.Relay.MaxFinished)
	require.Equal(t, 7, cfg.Simulate.Objects)
	require.Zero(t, cfg.StepDelay())
	require.Equal(t, StorageGCS, cfg.Storage.Backend)
	require.Equal(t, "reports-bucket", cfg.Storage.GCSBucket)
	require.Equal(t, "archive", cfg.Storage.Prefix)
	require.Equal(t, "relay_operations", cfg.DB.Table)
	require.Equal(t, "relay-events", cfg.PubSub.TopicName)
	require.False(t, cfg.Logging.Development)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.False(t, cfg.Metrics.Enabled)
	require.True(t, cfg.Tracing.Enabled)
	require.Equal(t, "progressrelay", cfg.Tracing.ServiceName)
	require.InDelta(t, 0.25, cfg.Tracing.SampleRatio, 1e-9)
	require.Equal(t, "stdout", cfg.Tracing.Output)
	require.Equal(t, []ScheduleJob{{Spec: "@every 15m", Kind: "fetch", Remote: "upstream"}}, cfg.Schedule.Jobs)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("PROGRESSRELAY_SERVER_PORT", "7070")
	t.Setenv("PROGRESSRELAY_RELAY_PACE_MS", "5")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7070, cfg.Server.Port)
	require.Equal(t, 5*time.Millisecond, cfg.RelayPace())
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:   ServerConfig{Port: 8080, RequestTimeoutSeconds: 30},
		Simulate: SimulateConfig{Objects: 1},
		Storage:  StorageConfig{Backend: StorageNone},
	}
	require.NoError(t, base.Validate())

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"invalid timeout", func(c *Config) { c.Server.RequestTimeoutSeconds = 0 }, "server.request_timeout_seconds"},
		{"negative buffer", func(c *Config) { c.Relay.InboundBuffer = -1 }, "relay.inbound_buffer"},
		{"negative retain", func(c *Config) { c.Relay.RetainSeconds = -1 }, "relay.retain_seconds"},
		{"negative max finished", func(c *Config) { c.Relay.MaxFinished = -1 }, "relay.max_finished"},
		{"no objects", func(c *Config) { c.Simulate.Objects = 0 }, "simulate.objects"},
		{"negative delay", func(c *Config) { c.Simulate.StepDelayMs = -5 }, "simulate.step_delay_ms"},
		{"local without dir", func(c *Config) { c.Storage.Backend = StorageLocal }, "storage.local_dir"},
		{"gcs without bucket", func(c *Config) { c.Storage.Backend = StorageGCS }, "storage.gcs_bucket"},
		{"unknown backend", func(c *Config) { c.Storage.Backend = "s3" }, "storage.backend"},
		{"sample ratio above one", func(c *Config) { c.Tracing.SampleRatio = 1.5 }, "tracing.sample_ratio"},
		{"schedule without spec", func(c *Config) { c.Schedule.Jobs = []ScheduleJob{{Kind: "fetch"}} }, "schedule.jobs[0].spec"},
		{"schedule bad kind", func(c *Config) { c.Schedule.Jobs = []ScheduleJob{{Spec: "@hourly", Kind: "clone"}} }, "schedule.jobs[0].kind"},
		{"pubsub without topic", func(c *Config) { c.PubSub.ProjectID = "demo" }, "pubsub.topic_name"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			require.True(t, strings.Contains(err.Error(), tt.want), err.Error())
		})
	}
}

package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	ctx := context.Background()

	t.Run("LoadDefaults", func(t *testing.T) {
		cfg, err := Load(ctx)
		require.NoError(t, err)
		require.NotNil(t, cfg)

		assert.Equal(t, "info", cfg.Logging.Level)
		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)
		assert.Equal(t, "none", cfg.Tracing.Exporter)

		assert.Equal(t, QueueMemory, cfg.Queue.Backend)
		assert.Equal(t, 30*time.Minute, cfg.Queue.VisibilityTimeout)
		assert.Equal(t, "recount-pump", cfg.Queue.Redis.Prefix)

		assert.Equal(t, "sqlite", cfg.Ledger.Driver)
		assert.Equal(t, 2, cfg.Ledger.MaxConns)

		assert.True(t, cfg.Mover.Local.Enabled)
		assert.True(t, cfg.Mover.S3.Enabled)
		assert.False(t, cfg.Mover.Globus.Enabled)
		assert.Equal(t, 160*time.Second, cfg.Mover.Web.LivenessInterval)
		assert.Empty(t, cfg.Mover.Web.GetCommand)

		assert.Equal(t, 10, cfg.Worker.MaxFail)
		assert.True(t, cfg.Worker.SkipCompleted)
		assert.False(t, cfg.Worker.DeleteOnFailure)
		assert.Equal(t, 5*time.Second, cfg.Worker.PollInterval)
		assert.Equal(t, 1, cfg.Worker.CPUs)

		assert.Equal(t, "logs", cfg.Runner.LogDir)

		assert.True(t, cfg.Metrics.Enabled)
		assert.Equal(t, 9090, cfg.Metrics.Port)
	})

	t.Run("RuntimeOverrides", func(t *testing.T) {
		overrides := map[string]any{
			"worker": map[string]any{
				"queue":    "stage_4",
				"max_fail": 3,
			},
			"logging": map[string]any{
				"level": "debug",
			},
		}

		cfg, err := Load(ctx, overrides)
		require.NoError(t, err)

		assert.Equal(t, "stage_4", cfg.Worker.Queue)
		assert.Equal(t, 3, cfg.Worker.MaxFail)
		assert.Equal(t, "debug", cfg.Logging.Level)

		assert.Equal(t, "STRUCTURED", cfg.Logging.Profile)
		assert.Equal(t, 9090, cfg.Metrics.Port)
	})

	t.Run("EnvOverrides", func(t *testing.T) {
		t.Setenv("RECOUNT_PUMP_PORT", "3000")
		t.Setenv("RECOUNT_PUMP_LOG_LEVEL", "warn")
		t.Setenv("RECOUNT_PUMP_METRICS_ENABLED", "false")
		t.Setenv("RECOUNT_PUMP_QUEUE_BACKEND", "redis")
		t.Setenv("RECOUNT_PUMP_WORKER_DELETE_ON_FAILURE", "true")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 3000, cfg.Metrics.Port)
		assert.Equal(t, "warn", cfg.Logging.Level)
		assert.False(t, cfg.Metrics.Enabled)
		assert.Equal(t, QueueRedis, cfg.Queue.Backend)
		assert.True(t, cfg.Worker.DeleteOnFailure)
	})

	t.Run("ConfigPrecedence", func(t *testing.T) {
		t.Setenv("RECOUNT_PUMP_WORKER_MAX_FAIL", "4")

		cfg, err := Load(ctx, map[string]any{
			"worker": map[string]any{"max_fail": 5},
		})
		require.NoError(t, err)
		assert.Equal(t, 5, cfg.Worker.MaxFail)
	})

	t.Run("CanceledContext", func(t *testing.T) {
		canceled, cancel := context.WithCancel(ctx)
		cancel()
		_, err := Load(canceled)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestLoadFile(t *testing.T) {
	ctx := context.Background()

	dir := t.TempDir()
	path := filepath.Join(dir, "pump.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
queue:
  backend: sqs
  sqs:
    region: us-east-2
ledger:
  driver: postgres
  url: postgres://pump@localhost/pump
mover:
  s3:
    driver: minio
    endpoint: localhost:9000
  globus:
    enabled: true
    local_endpoint: abc-123
worker:
  queue: stage_1
  max_attempts: 3
runner:
  command: [singularity, exec, "{image}", "{job}", "{inputs}"]
`), 0644))

	t.Run("FileValues", func(t *testing.T) {
		cfg, err := LoadFile(ctx, path)
		require.NoError(t, err)

		assert.Equal(t, QueueSQS, cfg.Queue.Backend)
		assert.Equal(t, "us-east-2", cfg.Queue.SQS.Region)
		assert.Equal(t, "postgres", cfg.Ledger.Driver)
		assert.Equal(t, "minio", cfg.Mover.S3.Driver)
		assert.Equal(t, "localhost:9000", cfg.Mover.S3.Endpoint)
		assert.True(t, cfg.Mover.Globus.Enabled)
		assert.Equal(t, "abc-123", cfg.Mover.Globus.LocalEndpoint)
		assert.Equal(t, 3, cfg.Worker.MaxAttempts)
		assert.Equal(t, []string{"singularity", "exec", "{image}", "{job}", "{inputs}"}, cfg.Runner.Command)

		assert.Equal(t, 10, cfg.Worker.MaxFail, "defaults still apply")
	})

	t.Run("EnvBeatsFile", func(t *testing.T) {
		t.Setenv("RECOUNT_PUMP_QUEUE", "stage_2")
		cfg, err := LoadFile(ctx, path)
		require.NoError(t, err)
		assert.Equal(t, "stage_2", cfg.Worker.Queue)
	})

	t.Run("FromEnvVar", func(t *testing.T) {
		t.Setenv(ConfigFileEnv, path)
		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, "stage_1", cfg.Worker.Queue)
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := LoadFile(ctx, filepath.Join(dir, "nope.yaml"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})
}

func TestDurationParsing(t *testing.T) {
	ctx := context.Background()

	t.Run("DurationFromEnv", func(t *testing.T) {
		t.Setenv("RECOUNT_PUMP_WORKER_POLL_INTERVAL", "45s")
		t.Setenv("RECOUNT_PUMP_QUEUE_VISIBILITY_TIMEOUT", "5m")
		t.Setenv("RECOUNT_PUMP_MOVER_WEB_RETRY_SLEEP", "-1s")

		cfg, err := Load(ctx)
		require.NoError(t, err)

		assert.Equal(t, 45*time.Second, cfg.Worker.PollInterval)
		assert.Equal(t, 5*time.Minute, cfg.Queue.VisibilityTimeout)
		assert.Equal(t, -time.Second, cfg.Mover.Web.RetrySleep)
	})

	t.Run("CommandFromEnv", func(t *testing.T) {
		t.Setenv("RECOUNT_PUMP_MOVER_WEB_GET_COMMAND", "wget -q -O {out} {url}")

		cfg, err := Load(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"wget", "-q", "-O", "{out}", "{url}"}, cfg.Mover.Web.GetCommand)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		overrides map[string]any
		key       string
	}{
		{name: "bad profile", overrides: map[string]any{"logging": map[string]any{"profile": "PRETTY"}}, key: "logging.profile"},
		{name: "bad queue backend", overrides: map[string]any{"queue": map[string]any{"backend": "kafka"}}, key: "queue.backend"},
		{name: "bad ledger driver", overrides: map[string]any{"ledger": map[string]any{"driver": "mysql"}}, key: "ledger.driver"},
		{name: "bad s3 driver", overrides: map[string]any{"mover": map[string]any{"s3": map[string]any{"driver": "gcs"}}}, key: "mover.s3.driver"},
		{name: "zero max fail", overrides: map[string]any{"worker": map[string]any{"max_fail": 0}}, key: "worker.max_fail"},
		{name: "negative max attempts", overrides: map[string]any{"worker": map[string]any{"max_attempts": -1}}, key: "worker.max_attempts"},
		{name: "zero cpus", overrides: map[string]any{"worker": map[string]any{"cpus": 0}}, key: "worker.cpus"},
		{name: "no log dir", overrides: map[string]any{"runner": map[string]any{"log_dir": " "}}, key: "runner.log_dir"},
		{name: "bad port", overrides: map[string]any{"metrics": map[string]any{"port": 70000}}, key: "metrics.port"},
		{name: "bad exporter", overrides: map[string]any{"tracing": map[string]any{"exporter": "zipkin"}}, key: "tracing.exporter"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(context.Background(), tt.overrides)
			require.Error(t, err)

			var verr ValidationError
			require.ErrorAs(t, err, &verr)
			require.Len(t, verr, 1)
			assert.Equal(t, tt.key, verr[0].Key)
		})
	}
}

func TestEnvSpecs(t *testing.T) {
	v := viper.New()
	setDefaults(v)

	specs := getEnvSpecs(v)
	require.NotEmpty(t, specs)

	envVarNames := make(map[string]string)
	for _, spec := range specs {
		assert.Contains(t, spec.Name, "RECOUNT_PUMP_")
		assert.NotEmpty(t, spec.Path, "env var %s should have a path", spec.Name)
		envVarNames[spec.Name] = spec.Path
	}

	assert.Equal(t, "logging.level", envVarNames["RECOUNT_PUMP_LOG_LEVEL"])
	assert.Equal(t, "logging.level", envVarNames["RECOUNT_PUMP_LOGGING_LEVEL"])
	assert.Equal(t, "metrics.port", envVarNames["RECOUNT_PUMP_PORT"])
	assert.Equal(t, "metrics.port", envVarNames["RECOUNT_PUMP_METRICS_PORT"])
	assert.Equal(t, "worker.queue", envVarNames["RECOUNT_PUMP_QUEUE"])
	assert.Equal(t, "mover.globus.token", envVarNames["RECOUNT_PUMP_MOVER_GLOBUS_TOKEN"])
}

func TestFlatten(t *testing.T) {
	got := flatten("", map[string]any{
		"Worker": map[string]any{"queue": "q", "max_fail": 2},
		"metrics": map[string]any{
			"enabled": false,
		},
	})
	assert.Equal(t, map[string]any{
		"worker.queue":    "q",
		"worker.max_fail": 2,
		"metrics.enabled": false,
	}, got)
}

// Package config loads recount-pump configuration.
//
// Values are layered: built-in defaults, then an optional YAML file, then
// RECOUNT_PUMP_* environment variables, then runtime overrides. Later
// layers win.
package config

import (
	"fmt"
	"strings"
	"time"
)

// Config is the full configuration tree.
type Config struct {
	Logging LoggingConfig `mapstructure:"logging"`
	Tracing TracingConfig `mapstructure:"tracing"`
	Queue   QueueConfig   `mapstructure:"queue"`
	Ledger  LedgerConfig  `mapstructure:"ledger"`
	Mover   MoverConfig   `mapstructure:"mover"`
	Worker  WorkerConfig  `mapstructure:"worker"`
	Runner  RunnerConfig  `mapstructure:"runner"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

// TracingConfig configures span export.
type TracingConfig struct {
	Exporter    string  `mapstructure:"exporter"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// AWSConfig selects region, profile and credentials for AWS clients.
type AWSConfig struct {
	Region          string `mapstructure:"region"`
	Endpoint        string `mapstructure:"endpoint"`
	Profile         string `mapstructure:"profile"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
}

// QueueConfig selects the queue backend.
type QueueConfig struct {
	// Backend is one of memory, redis, sqs or amqp.
	Backend           string        `mapstructure:"backend"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`

	Redis RedisConfig `mapstructure:"redis"`
	SQS   AWSConfig   `mapstructure:"sqs"`
	AMQP  AMQPConfig  `mapstructure:"amqp"`
}

// RedisConfig configures the redis queue backend.
type RedisConfig struct {
	URL      string `mapstructure:"url"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

// AMQPConfig configures the amqp queue backend.
type AMQPConfig struct {
	URL string `mapstructure:"url"`
}

// LedgerConfig selects the attempt ledger store.
type LedgerConfig struct {
	Driver    string `mapstructure:"driver"`
	Path      string `mapstructure:"path"`
	URL       string `mapstructure:"url"`
	AuthToken string `mapstructure:"auth_token"`
	MaxConns  int    `mapstructure:"max_conns"`
}

// MoverConfig enables and configures the transfer backends.
type MoverConfig struct {
	Local  LocalMoverConfig  `mapstructure:"local"`
	S3     S3MoverConfig     `mapstructure:"s3"`
	Web    WebMoverConfig    `mapstructure:"web"`
	Globus GlobusMoverConfig `mapstructure:"globus"`
}

// LocalMoverConfig configures the local filesystem backend.
type LocalMoverConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// S3MoverConfig configures the object-store backend.
type S3MoverConfig struct {
	Enabled   bool `mapstructure:"enabled"`
	AWSConfig `mapstructure:",squash"`

	Driver         string `mapstructure:"driver"`
	ForcePathStyle bool   `mapstructure:"force_path_style"`
	Secure         bool   `mapstructure:"secure"`

	// Transient request failures are retried up to MaxAttempts times.
	MaxAttempts     int           `mapstructure:"max_attempts"`
	RetryBackoff    time.Duration `mapstructure:"retry_backoff"`
	RetryMaxBackoff time.Duration `mapstructure:"retry_max_backoff"`
}

// WebMoverConfig configures the http/https/ftp backend.
type WebMoverConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	GetCommand       []string      `mapstructure:"get_command"`
	HeadCommand      []string      `mapstructure:"head_command"`
	LivenessInterval time.Duration `mapstructure:"liveness_interval"`
	MaxAttempts      int           `mapstructure:"max_attempts"`
	// RetrySleep below zero disables the pause between attempts.
	RetrySleep     time.Duration `mapstructure:"retry_sleep"`
	TimeoutBackoff time.Duration `mapstructure:"timeout_backoff"`
	// MaxToolExitCode is the highest exit status the get command uses for
	// ordinary errors; anything above it is treated as a timeout.
	MaxToolExitCode int `mapstructure:"max_tool_exit_code"`
}

// GlobusMoverConfig configures the managed-transfer backend.
type GlobusMoverConfig struct {
	Enabled            bool          `mapstructure:"enabled"`
	BaseURL            string        `mapstructure:"base_url"`
	Token              string        `mapstructure:"token"`
	LocalEndpoint      string        `mapstructure:"local_endpoint"`
	ActivationLifetime time.Duration `mapstructure:"activation_lifetime"`
	PollInterval       time.Duration `mapstructure:"poll_interval"`
	Timeout            time.Duration `mapstructure:"timeout"`
	ProgressEvery      int           `mapstructure:"progress_every"`
	SubmitAttempts     int           `mapstructure:"submit_attempts"`
	SubmitBackoff      time.Duration `mapstructure:"submit_backoff"`
	SubmitMaxBackoff   time.Duration `mapstructure:"submit_max_backoff"`
	Label              string        `mapstructure:"label"`
}

// WorkerConfig configures the worker loop.
type WorkerConfig struct {
	Queue           string        `mapstructure:"queue"`
	MaxFail         int           `mapstructure:"max_fail"`
	DeleteOnFailure bool          `mapstructure:"delete_on_failure"`
	MaxAttempts     int           `mapstructure:"max_attempts"`
	SkipCompleted   bool          `mapstructure:"skip_completed"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	Node            string        `mapstructure:"node"`
	Name            string        `mapstructure:"name"`
	StagingDir      string        `mapstructure:"staging_dir"`
	CPUs            int           `mapstructure:"cpus"`
}

// RunnerConfig configures the analysis runner.
type RunnerConfig struct {
	Command []string `mapstructure:"command"`
	LogDir  string   `mapstructure:"log_dir"`
	Env     []string `mapstructure:"env"`
}

// MetricsConfig configures the health and metrics HTTP server.
type MetricsConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Queue backends.
const (
	QueueMemory = "memory"
	QueueRedis  = "redis"
	QueueSQS    = "sqs"
	QueueAMQP   = "amqp"
)

// FieldError is one invalid configuration value.
type FieldError struct {
	Key     string
	Message string
}

func (e FieldError) Error() string {
	return e.Key + ": " + e.Message
}

// ValidationError collects every invalid value found by Validate.
type ValidationError []FieldError

func (e ValidationError) Error() string {
	msgs := make([]string, len(e))
	for i, fe := range e {
		msgs[i] = fe.Error()
	}
	return "invalid configuration: " + strings.Join(msgs, "; ")
}

// Validate checks values that would otherwise fail deep inside a backend.
// Backend-specific requirements (credentials, URLs) are left to the backend
// constructors, which only run for the backends in use.
func (c *Config) Validate() error {
	var errs ValidationError
	add := func(key, format string, args ...any) {
		errs = append(errs, FieldError{Key: key, Message: fmt.Sprintf(format, args...)})
	}

	switch strings.ToUpper(c.Logging.Profile) {
	case "STRUCTURED", "CONSOLE":
	default:
		add("logging.profile", "must be STRUCTURED or CONSOLE, got %q", c.Logging.Profile)
	}
	switch strings.ToLower(c.Tracing.Exporter) {
	case "", "none", "stdout":
	default:
		add("tracing.exporter", "must be none or stdout, got %q", c.Tracing.Exporter)
	}
	switch strings.ToLower(c.Queue.Backend) {
	case QueueMemory, QueueRedis, QueueSQS, QueueAMQP:
	default:
		add("queue.backend", "unknown backend %q", c.Queue.Backend)
	}
	if c.Queue.VisibilityTimeout < 0 {
		add("queue.visibility_timeout", "must not be negative")
	}
	switch strings.ToLower(c.Ledger.Driver) {
	case "sqlite", "postgres", "postgresql", "pgx":
	default:
		add("ledger.driver", "unknown driver %q", c.Ledger.Driver)
	}
	if c.Ledger.MaxConns < 0 {
		add("ledger.max_conns", "must not be negative")
	}
	switch strings.ToLower(c.Mover.S3.Driver) {
	case "", "aws", "minio":
	default:
		add("mover.s3.driver", "must be aws or minio, got %q", c.Mover.S3.Driver)
	}
	if c.Worker.MaxFail < 1 {
		add("worker.max_fail", "must be at least 1")
	}
	if c.Worker.MaxAttempts < 0 {
		add("worker.max_attempts", "must not be negative")
	}
	if c.Worker.PollInterval < 0 {
		add("worker.poll_interval", "must not be negative")
	}
	if c.Worker.CPUs < 1 {
		add("worker.cpus", "must be at least 1")
	}
	if strings.TrimSpace(c.Runner.LogDir) == "" {
		add("runner.log_dir", "is required")
	}
	if c.Metrics.Port < 0 || c.Metrics.Port > 65535 {
		add("metrics.port", "out of range: %d", c.Metrics.Port)
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

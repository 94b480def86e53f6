// Package objectstore implements the mover backend for S3 and S3-compatible
// object storage.
package objectstore

import (
	"strings"
	"time"

	"github.com/langmead-lab/recount-pump/internal/awscfg"
)

// Retry defaults for transient client errors.
const (
	DefaultMaxAttempts = 4
	DefaultBackoff     = time.Second
	DefaultMaxBackoff  = 30 * time.Second
)

// Drivers.
const (
	DriverAWS   = "aws"
	DriverMinIO = "minio"
)

// Config configures the object-store backend.
//
// The bucket comes from each URL, so one backend serves every bucket the
// credentials can reach.
//
// For S3-compatible stores (MinIO, Wasabi, Ceph), set Endpoint and typically
// ForcePathStyle, or select the minio driver.
type Config struct {
	awscfg.Options

	// Driver selects the client library: "aws" (default) or "minio".
	Driver string

	// ForcePathStyle forces path-style URLs (bucket in path, not subdomain).
	ForcePathStyle bool

	// Secure enables TLS for the minio driver.
	Secure bool

	Retry RetryConfig
}

// RetryConfig bounds retries of throttled or interrupted requests.
type RetryConfig struct {
	MaxAttempts int
	Backoff     time.Duration
	MaxBackoff  time.Duration
}

func (r RetryConfig) withDefaults() RetryConfig {
	if r.MaxAttempts <= 0 {
		r.MaxAttempts = DefaultMaxAttempts
	}
	if r.Backoff <= 0 {
		r.Backoff = DefaultBackoff
	}
	if r.MaxBackoff <= 0 {
		r.MaxBackoff = DefaultMaxBackoff
	}
	return r
}

// Validate checks that required configuration is present.
func (c *Config) Validate() error {
	switch strings.ToLower(c.Driver) {
	case "", DriverAWS:
	case DriverMinIO:
		if c.Endpoint == "" {
			return &ConfigError{Field: "Endpoint", Message: "endpoint is required for the minio driver"}
		}
	default:
		return &ConfigError{Field: "Driver", Message: "unknown driver " + c.Driver}
	}

	if err := c.Options.Validate(); err != nil {
		return &ConfigError{Field: "AccessKeyID/SecretAccessKey", Message: err.Error()}
	}
	return nil
}

// ConfigError represents a configuration validation error.
type ConfigError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	return "objectstore config: " + e.Field + ": " + e.Message
}

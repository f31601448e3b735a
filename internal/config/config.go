// Package config holds the complete configuration for ocrelay, loadable from
// configuration files, environment variables, and command-line flags.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/edulab/ocrelay/internal/client"
	"github.com/edulab/ocrelay/internal/preprocess"
	"github.com/edulab/ocrelay/internal/relay"
)

// Config is the complete application configuration.
type Config struct {
	LogLevel string `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	Verbose  bool   `mapstructure:"verbose" yaml:"verbose" json:"verbose"`

	Upstream   UpstreamConfig   `mapstructure:"upstream" yaml:"upstream" json:"upstream"`
	Preprocess PreprocessConfig `mapstructure:"preprocess" yaml:"preprocess" json:"preprocess"`
	Retry      RetryConfig      `mapstructure:"retry" yaml:"retry" json:"retry"`
	Server     ServerConfig     `mapstructure:"server" yaml:"server" json:"server"`
}

// UpstreamConfig describes the remote OCR service.
type UpstreamConfig struct {
	BaseURL          string `mapstructure:"base_url" yaml:"base_url" json:"base_url"`
	TimeoutSec       int    `mapstructure:"timeout_sec" yaml:"timeout_sec" json:"timeout_sec"`
	PDFTimeoutSec    int    `mapstructure:"pdf_timeout_sec" yaml:"pdf_timeout_sec" json:"pdf_timeout_sec"`
	WarmupTimeoutSec int    `mapstructure:"warmup_timeout_sec" yaml:"warmup_timeout_sec" json:"warmup_timeout_sec"`
	Language         string `mapstructure:"language" yaml:"language" json:"language"`
}

// PreprocessConfig bounds the image payload shipped upstream.
type PreprocessConfig struct {
	MaxDimension int `mapstructure:"max_dimension" yaml:"max_dimension" json:"max_dimension"`
}

// RetryConfig holds the retry and concurrency policy.
type RetryConfig struct {
	MaxAttempts       int `mapstructure:"max_attempts" yaml:"max_attempts" json:"max_attempts"`
	InitialBackoffMs  int `mapstructure:"initial_backoff_ms" yaml:"initial_backoff_ms" json:"initial_backoff_ms"`
	MaxInFlight       int `mapstructure:"max_in_flight" yaml:"max_in_flight" json:"max_in_flight"`
	AcquireTimeoutSec int `mapstructure:"acquire_timeout_sec" yaml:"acquire_timeout_sec" json:"acquire_timeout_sec"`
}

// ServerConfig contains HTTP gateway settings.
type ServerConfig struct {
	Host            string `mapstructure:"host" yaml:"host" json:"host"`
	Port            int    `mapstructure:"port" yaml:"port" json:"port"`
	CORSOrigin      string `mapstructure:"cors_origin" yaml:"cors_origin" json:"cors_origin"`
	MaxUploadMB     int64  `mapstructure:"max_upload_mb" yaml:"max_upload_mb" json:"max_upload_mb"`
	ShutdownTimeout int    `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// DefaultConfig returns a configuration with sensible defaults. The upstream
// base URL has no default and must be provided.
func DefaultConfig() Config {
	return Config{
		LogLevel: "info",
		Verbose:  false,
		Upstream: UpstreamConfig{
			TimeoutSec:       int(client.DefaultTimeout / time.Second),
			PDFTimeoutSec:    int(client.DefaultPDFTimeout / time.Second),
			WarmupTimeoutSec: int(client.DefaultWarmupTimeout / time.Second),
			Language:         relay.DefaultLanguage,
		},
		Preprocess: PreprocessConfig{
			MaxDimension: preprocess.DefaultMaxDimension,
		},
		Retry: RetryConfig{
			MaxAttempts:       relay.DefaultMaxAttempts,
			InitialBackoffMs:  int(relay.DefaultInitialBackoff / time.Millisecond),
			MaxInFlight:       relay.DefaultMaxInFlight,
			AcquireTimeoutSec: int(relay.DefaultAcquireTimeout / time.Second),
		},
		Server: ServerConfig{
			Host:            "localhost",
			Port:            8080,
			CORSOrigin:      "*",
			MaxUploadMB:     25,
			ShutdownTimeout: 10,
		},
	}
}

// Validate checks the configuration, returning the first problem found.
func (c *Config) Validate() error {
	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !contains(validLogLevels, c.LogLevel) {
		return fmt.Errorf("invalid log level: %s (must be one of: %s)", c.LogLevel, strings.Join(validLogLevels, ", "))
	}

	if c.Upstream.BaseURL == "" {
		return fmt.Errorf("upstream.base_url is required")
	}
	u, err := url.Parse(c.Upstream.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("invalid upstream.base_url: %s", c.Upstream.BaseURL)
	}

	if c.Upstream.TimeoutSec <= 0 {
		return fmt.Errorf("invalid upstream.timeout_sec: %d (must be positive)", c.Upstream.TimeoutSec)
	}
	if c.Upstream.PDFTimeoutSec <= 0 {
		return fmt.Errorf("invalid upstream.pdf_timeout_sec: %d (must be positive)", c.Upstream.PDFTimeoutSec)
	}
	if c.Preprocess.MaxDimension < 64 {
		return fmt.Errorf("invalid preprocess.max_dimension: %d (must be at least 64)", c.Preprocess.MaxDimension)
	}
	if c.Retry.MaxAttempts <= 0 || c.Retry.MaxAttempts > 10 {
		return fmt.Errorf("invalid retry.max_attempts: %d (must be between 1 and 10)", c.Retry.MaxAttempts)
	}
	if c.Retry.InitialBackoffMs <= 0 {
		return fmt.Errorf("invalid retry.initial_backoff_ms: %d (must be positive)", c.Retry.InitialBackoffMs)
	}
	if c.Retry.MaxInFlight <= 0 {
		return fmt.Errorf("invalid retry.max_in_flight: %d (must be positive)", c.Retry.MaxInFlight)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d (must be between 1 and 65535)", c.Server.Port)
	}
	if c.Server.MaxUploadMB <= 0 {
		return fmt.Errorf("invalid max upload size: %d (must be positive)", c.Server.MaxUploadMB)
	}

	return nil
}

// ClientConfig converts the upstream section into a client configuration.
func (c *Config) ClientConfig() client.Config {
	cfg := client.DefaultConfig()
	cfg.BaseURL = c.Upstream.BaseURL
	cfg.Timeout = time.Duration(c.Upstream.TimeoutSec) * time.Second
	cfg.PDFTimeout = time.Duration(c.Upstream.PDFTimeoutSec) * time.Second
	cfg.WarmupTimeout = time.Duration(c.Upstream.WarmupTimeoutSec) * time.Second
	return cfg
}

// RelayConfig converts the retry and preprocess sections into an
// orchestrator configuration.
func (c *Config) RelayConfig() relay.Config {
	return relay.Config{
		MaxAttempts:     c.Retry.MaxAttempts,
		InitialBackoff:  time.Duration(c.Retry.InitialBackoffMs) * time.Millisecond,
		MaxInFlight:     c.Retry.MaxInFlight,
		AcquireTimeout:  time.Duration(c.Retry.AcquireTimeoutSec) * time.Second,
		MaxDimension:    c.Preprocess.MaxDimension,
		DefaultLanguage: c.Upstream.Language,
	}
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}

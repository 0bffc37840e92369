// Package telemetry provides OpenTelemetry instrumentation for the mirror.
// Tracing and metrics export over OTLP/HTTP and fall back to no-op
// providers when disabled.
package telemetry

import (
	"errors"
	"fmt"
	"time"
)

const (
	// DefaultServiceName is the default service name for telemetry
	DefaultServiceName = "catalog-mirror"

	// DefaultEndpoint is the default OTLP endpoint for telemetry
	DefaultEndpoint = "localhost:4318"

	// DefaultSampling is the default trace sampling rate (5%)
	DefaultSampling = 0.05

	// DefaultMetricsInterval is the default export interval for metrics
	DefaultMetricsInterval = 60 * time.Second
)

// Config represents the root telemetry configuration
type Config struct {
	// Enabled controls whether telemetry is enabled globally
	Enabled bool `yaml:"enabled"`

	// ServiceName defaults to "catalog-mirror"
	ServiceName string `yaml:"serviceName,omitempty"`

	// ServiceVersion defaults to the build version
	ServiceVersion string `yaml:"serviceVersion,omitempty"`

	// Endpoint is the OTLP/HTTP collector as "host:port"
	Endpoint string `yaml:"endpoint,omitempty"`

	// Insecure allows plain HTTP to the collector
	Insecure bool `yaml:"insecure,omitempty"`

	Tracing *TracingConfig `yaml:"tracing,omitempty"`
	Metrics *MetricsConfig `yaml:"metrics,omitempty"`
}

// TracingConfig defines tracing-specific configuration
type TracingConfig struct {
	Enabled bool `yaml:"enabled"`

	// Sampling is the trace sampling ratio in [0, 1]. Unset uses DefaultSampling.
	Sampling *float64 `yaml:"sampling,omitempty"`
}

// MetricsConfig defines metrics-specific configuration
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`

	// Interval is the export period. Unset uses DefaultMetricsInterval.
	Interval time.Duration `yaml:"interval,omitempty"`

	// Prometheus additionally serves the metrics on the ops API at /metrics
	Prometheus bool `yaml:"prometheus,omitempty"`
}

func (c *Config) serviceName() string {
	if c == nil || c.ServiceName == "" {
		return DefaultServiceName
	}
	return c.ServiceName
}

func (c *Config) endpoint() string {
	if c == nil || c.Endpoint == "" {
		return DefaultEndpoint
	}
	return c.Endpoint
}

// tracingEnabled reports whether spans should be exported
func (c *Config) tracingEnabled() bool {
	return c != nil && c.Enabled && c.Tracing != nil && c.Tracing.Enabled
}

// metricsEnabled reports whether metrics should be exported
func (c *Config) metricsEnabled() bool {
	return c != nil && c.Enabled && c.Metrics != nil && c.Metrics.Enabled
}

// sampling returns the configured ratio or DefaultSampling
func (c *TracingConfig) sampling() float64 {
	if c == nil || c.Sampling == nil {
		return DefaultSampling
	}
	return *c.Sampling
}

// interval returns the configured export interval or DefaultMetricsInterval
func (c *MetricsConfig) interval() time.Duration {
	if c == nil || c.Interval <= 0 {
		return DefaultMetricsInterval
	}
	return c.Interval
}

// Validate validates the telemetry configuration. A nil or disabled
// configuration is valid.
func (c *Config) Validate() error {
	if c == nil || !c.Enabled {
		return nil
	}

	var errs []error
	if c.Tracing != nil && c.Tracing.Sampling != nil {
		if s := *c.Tracing.Sampling; s < 0 || s > 1 {
			errs = append(errs, fmt.Errorf("tracing: sampling must be between 0.0 and 1.0, got %f", s))
		}
	}
	if c.Metrics != nil && c.Metrics.Interval < 0 {
		errs = append(errs, fmt.Errorf("metrics: interval must not be negative, got %s", c.Metrics.Interval))
	}
	return errors.Join(errs...)
}

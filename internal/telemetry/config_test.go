package telemetry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func ptr[T any](v T) *T {
	return &v
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{name: "nil config is valid", config: nil},
		{name: "disabled config skips checks", config: &Config{Tracing: &TracingConfig{Sampling: ptr(5.0)}}},
		{
			name:   "valid sampling",
			config: &Config{Enabled: true, Tracing: &TracingConfig{Enabled: true, Sampling: ptr(0.5)}},
		},
		{
			name:    "sampling above one",
			config:  &Config{Enabled: true, Tracing: &TracingConfig{Enabled: true, Sampling: ptr(1.5)}},
			wantErr: true,
		},
		{
			name:    "negative sampling",
			config:  &Config{Enabled: true, Tracing: &TracingConfig{Sampling: ptr(-0.1)}},
			wantErr: true,
		},
		{
			name:    "negative metrics interval",
			config:  &Config{Enabled: true, Metrics: &MetricsConfig{Enabled: true, Interval: -time.Second}},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.config.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_Defaults(t *testing.T) {
	t.Parallel()

	var nilCfg *Config
	assert.Equal(t, DefaultServiceName, nilCfg.serviceName())
	assert.Equal(t, DefaultEndpoint, nilCfg.endpoint())
	assert.False(t, nilCfg.tracingEnabled())
	assert.False(t, nilCfg.metricsEnabled())

	cfg := &Config{
		Enabled:     true,
		ServiceName: "mirror-eu",
		Endpoint:    "otel:4318",
		Tracing:     &TracingConfig{Enabled: true},
		Metrics:     &MetricsConfig{Enabled: false},
	}
	assert.Equal(t, "mirror-eu", cfg.serviceName())
	assert.Equal(t, "otel:4318", cfg.endpoint())
	assert.True(t, cfg.tracingEnabled())
	assert.False(t, cfg.metricsEnabled())
	assert.InDelta(t, DefaultSampling, cfg.Tracing.sampling(), 0.0001)
	assert.Equal(t, DefaultMetricsInterval, (&MetricsConfig{}).interval())
	assert.Equal(t, 10*time.Second, (&MetricsConfig{Interval: 10 * time.Second}).interval())

	// Explicit zero sampling is honoured
	assert.Zero(t, (&TracingConfig{Sampling: ptr(0.0)}).sampling())
}

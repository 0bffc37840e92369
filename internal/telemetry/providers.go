package telemetry

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

func newResource(ctx context.Context, cfg *Config, version string) (*resource.Resource, error) {
	if cfg.ServiceVersion != "" {
		version = cfg.ServiceVersion
	}
	// resource.New avoids schema URL conflicts with resource.Default()
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.serviceName()),
			semconv.ServiceVersion(version),
		),
		resource.WithHost(),
		resource.WithTelemetrySDK(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}
	return res, nil
}

// newTracerProvider returns an OTLP-exporting provider, or a no-op one when
// tracing is disabled
func newTracerProvider(ctx context.Context, cfg *Config, res *resource.Resource) (trace.TracerProvider, error) {
	if !cfg.tracingEnabled() {
		slog.Info("Tracing disabled, using no-op tracer provider")
		return tracenoop.NewTracerProvider(), nil
	}

	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(cfg.endpoint())}
	if cfg.Insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create OTLP trace exporter: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithResource(res),
		sdktrace.WithBatcher(exporter),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Tracing.sampling()))),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	if cfg.Insecure {
		slog.Warn("Tracing configured with insecure connection, spans are sent over plain HTTP")
	}
	slog.Info("Tracing initialized",
		"endpoint", cfg.endpoint(),
		"sampling_ratio", cfg.Tracing.sampling())
	return tp, nil
}

// newMeterProvider returns an OTLP-exporting provider, or a no-op one when
// metrics are disabled. When Prometheus is enabled the returned handler
// serves the scrape endpoint; it is nil otherwise.
func newMeterProvider(
	ctx context.Context, cfg *Config, res *resource.Resource,
) (metric.MeterProvider, http.Handler, error) {
	if !cfg.metricsEnabled() {
		slog.Info("Metrics disabled, using no-op meter provider")
		return metricnoop.NewMeterProvider(), nil, nil
	}

	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(cfg.endpoint())}
	if cfg.Insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create OTLP metric exporter: %w", err)
	}

	mpOpts := []sdkmetric.Option{
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter,
			sdkmetric.WithInterval(cfg.Metrics.interval()))),
	}

	var scrape http.Handler
	if cfg.Metrics.Prometheus {
		registry := prometheus.NewRegistry()
		promExporter, err := otelprom.New(otelprom.WithRegisterer(registry))
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Prometheus exporter: %w", err)
		}
		mpOpts = append(mpOpts, sdkmetric.WithReader(promExporter))
		scrape = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	}

	mp := sdkmetric.NewMeterProvider(mpOpts...)
	otel.SetMeterProvider(mp)

	slog.Info("Metrics initialized",
		"endpoint", cfg.endpoint(),
		"interval", cfg.Metrics.interval(),
		"prometheus", cfg.Metrics.Prometheus)
	return mp, scrape, nil
}

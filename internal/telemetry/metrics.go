// Package telemetry provides OpenTelemetry instrumentation for the mirror.
package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// JobMetricsMeterName is the name used for the job metrics meter
	JobMetricsMeterName = "github.com/stacklok/catalog-mirror/jobs"

	// SchedulerMetricsMeterName is the name used for the rate scheduler meter
	SchedulerMetricsMeterName = "github.com/stacklok/catalog-mirror/ratelimit"
)

// JobMetrics holds the OpenTelemetry instruments for job cycles
type JobMetrics struct {
	cycleDuration metric.Float64Histogram
	processed     metric.Int64Counter
	changed       metric.Int64Counter
	errored       metric.Int64Counter
}

// NewJobMetrics creates a new JobMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewJobMetrics(provider metric.MeterProvider) (*JobMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(JobMetricsMeterName)

	cycleDuration, err := meter.Float64Histogram(
		"catalog_mirror_job_cycle_duration_seconds",
		metric.WithDescription("Duration of job cycles in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.5, 1, 5, 10, 30, 60, 300, 900, 3600),
	)
	if err != nil {
		return nil, err
	}

	processed, err := meter.Int64Counter(
		"catalog_mirror_job_items_processed_total",
		metric.WithDescription("Items processed by job cycles"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	changed, err := meter.Int64Counter(
		"catalog_mirror_job_items_changed_total",
		metric.WithDescription("Items for which a change was recorded"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	errored, err := meter.Int64Counter(
		"catalog_mirror_job_items_errored_total",
		metric.WithDescription("Items that failed and were skipped"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, err
	}

	return &JobMetrics{
		cycleDuration: cycleDuration,
		processed:     processed,
		changed:       changed,
		errored:       errored,
	}, nil
}

// RecordCycle records the outcome of one job cycle
func (m *JobMetrics) RecordCycle(
	ctx context.Context, job string, duration time.Duration, processed, changed, errored int64, success bool,
) {
	if m == nil {
		return
	}

	jobAttr := metric.WithAttributes(attribute.String("job", job))
	m.cycleDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("job", job),
		attribute.Bool("success", success),
	))
	m.processed.Add(ctx, processed, jobAttr)
	m.changed.Add(ctx, changed, jobAttr)
	m.errored.Add(ctx, errored, jobAttr)
}

// SchedulerMetrics holds the OpenTelemetry instruments for the rate scheduler
type SchedulerMetrics struct {
	calls   metric.Int64Counter
	retries metric.Int64Counter
	wait    metric.Float64Histogram
}

// NewSchedulerMetrics creates a new SchedulerMetrics instance with the given meter provider.
// If provider is nil, it returns nil (no-op metrics).
func NewSchedulerMetrics(provider metric.MeterProvider) (*SchedulerMetrics, error) {
	if provider == nil {
		return nil, nil
	}

	meter := provider.Meter(SchedulerMetricsMeterName)

	calls, err := meter.Int64Counter(
		"catalog_mirror_scheduler_calls_total",
		metric.WithDescription("Outbound calls made through the rate scheduler"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	retries, err := meter.Int64Counter(
		"catalog_mirror_scheduler_retries_total",
		metric.WithDescription("Retried outbound calls"),
		metric.WithUnit("{call}"),
	)
	if err != nil {
		return nil, err
	}

	wait, err := meter.Float64Histogram(
		"catalog_mirror_scheduler_wait_seconds",
		metric.WithDescription("Time spent waiting for an endpoint class slot"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, err
	}

	return &SchedulerMetrics{calls: calls, retries: retries, wait: wait}, nil
}

// RecordCall records one outbound call and its outcome kind
func (m *SchedulerMetrics) RecordCall(ctx context.Context, class, outcome string) {
	if m == nil {
		return
	}
	m.calls.Add(ctx, 1, metric.WithAttributes(
		attribute.String("class", class),
		attribute.String("outcome", outcome),
	))
}

// RecordRetry records one retry of a call in the given class
func (m *SchedulerMetrics) RecordRetry(ctx context.Context, class string) {
	if m == nil {
		return
	}
	m.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("class", class)))
}

// RecordWait records how long a call waited for its class slot
func (m *SchedulerMetrics) RecordWait(ctx context.Context, class string, d time.Duration) {
	if m == nil {
		return
	}
	m.wait.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("class", class)))
}

// Package otel provides OpenTelemetry instrumentation utilities for the mirror.
package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// Common attribute keys for business context used across the application.
const (
	AttrCollection    = attribute.Key("store.collection")
	AttrJobName       = attribute.Key("job.name")
	AttrEndpointClass = attribute.Key("endpoint.class")
	AttrSubjectID     = attribute.Key("subject.id")
	AttrScope         = attribute.Key("chart.scope")
	AttrPageSize      = attribute.Key("pagination.limit")
	AttrResultCount   = attribute.Key("result.count")
)

// DBSystemPostgres is the database system attribute for PostgreSQL
var DBSystemPostgres = semconv.DBSystemPostgreSQL

// DBSystemMongo is the database system attribute for MongoDB
var DBSystemMongo = semconv.DBSystemMongoDB

// StartSpan starts a new span if the tracer is non-nil, otherwise returns a no-op span.
func StartSpan(
	ctx context.Context,
	tracer trace.Tracer,
	name string,
	opts ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	if tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return tracer.Start(ctx, name, opts...)
}

// RecordError records an error on a span and sets the span status to error.
// It safely handles nil spans and nil errors.
// The status description is generic so connection strings and queries stay
// out of the status; the full error is kept on the span event.
func RecordError(span trace.Span, err error) {
	if err != nil && span != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "operation failed")
	}
}

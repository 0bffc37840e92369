package telemetry

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

// HTTPInstrumentationName names the tracer and meter of the ops API
const HTTPInstrumentationName = "github.com/stacklok/catalog-mirror/http"

const unknownRoute = "unknown_route"

// HTTPMiddleware traces and measures ops API requests. Spans and metrics are
// labelled with the chi route pattern rather than the raw path.
func HTTPMiddleware(tp trace.TracerProvider, mp metric.MeterProvider) (func(http.Handler) http.Handler, error) {
	if tp == nil && mp == nil {
		return func(next http.Handler) http.Handler { return next }, nil
	}

	var (
		tracer   trace.Tracer
		duration metric.Float64Histogram
	)
	if tp != nil {
		tracer = tp.Tracer(HTTPInstrumentationName)
	}
	if mp != nil {
		var err error
		duration, err = mp.Meter(HTTPInstrumentationName).Float64Histogram(
			"catalog_mirror_http_request_duration_seconds",
			metric.WithDescription("Duration of ops API requests in seconds"),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.05, 0.1, 0.5, 1, 5),
		)
		if err != nil {
			return nil, err
		}
	}
	propagator := otel.GetTextMapPropagator()

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ctx := propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			var span trace.Span
			if tracer != nil {
				ctx, span = tracer.Start(ctx, r.Method+" "+r.URL.Path,
					trace.WithSpanKind(trace.SpanKindServer),
					trace.WithAttributes(semconv.HTTPRequestMethodKey.String(r.Method)))
				defer span.End()
			}

			next.ServeHTTP(ww, r.WithContext(ctx))

			route := routePattern(r)
			status := ww.Status()
			if span != nil {
				span.SetName(fmt.Sprintf("%s %s", r.Method, route))
				span.SetAttributes(
					semconv.HTTPRouteKey.String(route),
					semconv.HTTPResponseStatusCode(status))
				if status >= 500 {
					span.SetStatus(codes.Error, http.StatusText(status))
				}
			}
			if duration != nil {
				duration.Record(ctx, time.Since(start).Seconds(), metric.WithAttributes(
					attribute.String("method", r.Method),
					attribute.String("route", route),
					attribute.String("status_code", strconv.Itoa(status)),
				))
			}
		})
	}, nil
}

// routePattern returns the chi route pattern, or a constant for unmatched
// routes to keep label cardinality bounded
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
		return rctx.RoutePattern()
	}
	return unknownRoute
}

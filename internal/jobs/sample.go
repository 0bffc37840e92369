package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/catalog-mirror/internal/fetch"
	"github.com/stacklok/catalog-mirror/internal/model"
	"github.com/stacklok/catalog-mirror/internal/otel"
	"github.com/stacklok/catalog-mirror/internal/ratelimit"
	"github.com/stacklok/catalog-mirror/internal/sampler"
	"github.com/stacklok/catalog-mirror/internal/store"
	"github.com/stacklok/catalog-mirror/internal/walker"
)

// Sampler records readings of entities at fixed clock boundaries. It samples
// the configured ids, or every stored creation when none are configured.
type Sampler struct {
	store     store.Store
	walker    *walker.Walker
	sampler   *sampler.Sampler
	fetcher   fetch.SampleFetcher
	scheduler *ratelimit.Scheduler
	class     string
	interval  time.Duration
	ids       []string
	tracer    trace.Tracer
	opts      options

	mu       sync.Mutex
	boundary time.Time
}

var _ BoundaryWaiter = (*Sampler)(nil)

// NewSampler creates the sampler job
func NewSampler(
	s store.Store,
	fetcher fetch.SampleFetcher,
	scheduler *ratelimit.Scheduler,
	class string,
	interval time.Duration,
	ids []string,
	tracer trace.Tracer,
	opts ...Option,
) (*Sampler, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("sampling interval must be positive, got %s", interval)
	}
	o := newOptions(opts)
	return &Sampler{
		store:     s,
		walker:    walker.New(s),
		sampler:   sampler.New(sampler.WithClock(o.clock)),
		fetcher:   fetcher,
		scheduler: scheduler,
		class:     class,
		interval:  interval,
		ids:       slices.Clone(ids),
		tracer:    tracer,
		opts:      o,
	}, nil
}

// Name implements Job
func (*Sampler) Name() string {
	return NameSampler
}

// WaitForBoundary implements BoundaryWaiter. The boundary reached is the one
// the next Run tags its samples with.
func (j *Sampler) WaitForBoundary(ctx context.Context) error {
	b, err := j.sampler.WaitForNextBoundary(ctx, j.interval)
	if err != nil {
		return err
	}
	j.mu.Lock()
	j.boundary = b
	j.mu.Unlock()
	return nil
}

// takeBoundary returns the boundary reached by the last wait, or the most
// recent boundary when Run is called without waiting
func (j *Sampler) takeBoundary() time.Time {
	j.mu.Lock()
	defer j.mu.Unlock()
	b := j.boundary
	j.boundary = time.Time{}
	if b.IsZero() {
		b = sampler.NextBoundary(j.opts.clock.Now(), j.interval).Add(-j.interval)
	}
	return b
}

// Run implements Job
func (j *Sampler) Run(ctx context.Context) (*Result, *Error) {
	boundary := j.takeBoundary()
	ctx, span := otel.StartSpan(ctx, j.tracer, "job."+NameSampler,
		trace.WithAttributes(otel.AttrJobName.String(NameSampler)))
	defer span.End()

	work, done := graceful(ctx, j.opts.shutdownTimeout)
	defer done()

	res := &Result{}
	sampleChunk := func(ids []string) error {
		processed, written, err := j.sampleIDs(work, boundary, ids)
		res.add(processed, written, processed-written)
		return fatal(err)
	}

	if len(j.ids) > 0 {
		for chunk := range slices.Chunk(j.ids, j.opts.pageSize) {
			if ctx.Err() != nil {
				return res, newError(NameSampler, ctx.Err(), ReasonCancelled)
			}
			if err := sampleChunk(chunk); err != nil {
				otel.RecordError(span, err)
				return res, newError(NameSampler, err, ReasonFetchFailed)
			}
		}
		return res, nil
	}

	walkCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)
	_, err := j.walker.ForEachPage(walkCtx, store.CollectionCreations, j.opts.pageSize, func(_ context.Context, page []store.Document) error {
		ids := make([]string, len(page))
		for i, doc := range page {
			ids[i] = doc.ID
		}
		if err := sampleChunk(ids); err != nil {
			abort(err)
			return err
		}
		return nil
	})
	if cause := context.Cause(walkCtx); cause != nil && ctx.Err() == nil {
		err = cause
	}
	if err != nil {
		otel.RecordError(span, err)
		return res, newError(NameSampler, err, ReasonStorageFailed)
	}
	return res, nil
}

// sampleIDs fetches and appends the samples of ids. It returns the number of
// ids handled and of samples written; entities without a reading count as
// errored.
func (j *Sampler) sampleIDs(ctx context.Context, boundary time.Time, ids []string) (int, int, error) {
	readings, err := ratelimit.Do(ctx, j.scheduler, j.class, func(ctx context.Context) (map[string]model.Fields, error) {
		return j.fetcher.FetchReadings(ctx, ids)
	})
	if err != nil {
		slog.Warn("Failed to fetch readings", "job", NameSampler, "ids", len(ids), "error", err)
		return len(ids), 0, err
	}

	requested := make(map[string]model.Fields, len(ids))
	for _, id := range ids {
		if v, ok := readings[id]; ok {
			requested[id] = v
		}
	}
	samples := j.sampler.Sample(boundary, requested)
	docs := make([]store.Document, 0, len(samples))
	for _, s := range samples {
		doc, err := store.NewDocument(s.ID, s)
		if err != nil {
			return len(ids), 0, err
		}
		docs = append(docs, doc)
	}
	if len(docs) == 0 {
		return len(ids), 0, nil
	}
	if err := j.store.Append(ctx, store.CollectionSamples, docs); err != nil {
		slog.Warn("Failed to write samples", "job", NameSampler, "samples", len(docs), "error", err)
		return len(ids), 0, err
	}
	return len(ids), len(docs), nil
}

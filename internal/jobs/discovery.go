package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/catalog-mirror/internal/fetch"
	"github.com/stacklok/catalog-mirror/internal/model"
	"github.com/stacklok/catalog-mirror/internal/otel"
	"github.com/stacklok/catalog-mirror/internal/ratelimit"
	"github.com/stacklok/catalog-mirror/internal/reconcile"
	"github.com/stacklok/catalog-mirror/internal/store"
)

// DiscoveryPoll reconciles every creation shown on the discovery surface and
// seeds the creators it has not seen before. Seeded creators are picked up
// by the next creator sync.
type DiscoveryPoll struct {
	store     store.Store
	creations *reconcile.Reconciler
	creators  *reconcile.Reconciler
	fetcher   fetch.DiscoveryFetcher
	scheduler *ratelimit.Scheduler
	class     string
	tracer    trace.Tracer
	opts      options
}

// NewDiscoveryPoll creates the discovery poll job
func NewDiscoveryPoll(
	s store.Store,
	creations, creators *reconcile.Reconciler,
	fetcher fetch.DiscoveryFetcher,
	scheduler *ratelimit.Scheduler,
	class string,
	tracer trace.Tracer,
	opts ...Option,
) *DiscoveryPoll {
	return &DiscoveryPoll{
		store:     s,
		creations: creations,
		creators:  creators,
		fetcher:   fetcher,
		scheduler: scheduler,
		class:     class,
		tracer:    tracer,
		opts:      newOptions(opts),
	}
}

// Name implements Job
func (*DiscoveryPoll) Name() string {
	return NameDiscoveryPoll
}

// Run implements Job
func (j *DiscoveryPoll) Run(ctx context.Context) (*Result, *Error) {
	ctx, span := otel.StartSpan(ctx, j.tracer, "job."+NameDiscoveryPoll,
		trace.WithAttributes(otel.AttrJobName.String(NameDiscoveryPoll)))
	defer span.End()

	work, done := graceful(ctx, j.opts.shutdownTimeout)
	defer done()

	found, err := ratelimit.Do(work, j.scheduler, j.class, j.fetcher.Discover)
	if err != nil {
		otel.RecordError(span, err)
		return &Result{}, newError(NameDiscoveryPoll, err, ReasonFetchFailed)
	}
	span.SetAttributes(otel.AttrResultCount.Int(len(found.Creations)))

	res := &Result{}
	items := make([]reconcile.Item, 0, len(found.Creations))
	for _, rec := range found.Creations {
		items = append(items, reconcile.Item{ID: rec.ID, Fresh: rec})
	}
	for page := range slices.Chunk(items, j.opts.pageSize) {
		if ctx.Err() != nil {
			return res, newError(NameDiscoveryPoll, ctx.Err(), ReasonCancelled)
		}
		batch := j.creations.ReconcileBatch(work, page)
		res.add(batch.Processed, batch.Changed, batch.Errored)
		if err := batch.Fatal(); err != nil {
			return res, newError(NameDiscoveryPoll, err, ReasonStorageFailed)
		}
	}

	seeded, errored, err := j.seedCreators(work, found.CreatorIDs)
	res.add(seeded+errored, seeded, errored)
	if err != nil {
		otel.RecordError(span, err)
		return res, newError(NameDiscoveryPoll, err, ReasonStorageFailed)
	}
	return res, nil
}

// seedCreators inserts an empty record for every creator id not yet stored
func (j *DiscoveryPoll) seedCreators(ctx context.Context, ids []string) (seeded, errored int, err error) {
	var unknown []reconcile.Item
	for _, id := range ids {
		_, err := j.store.Get(ctx, j.creators.Collection(), id)
		switch {
		case errors.Is(err, store.ErrNotFound):
			unknown = append(unknown, reconcile.Item{
				ID:    id,
				Fresh: &model.Record{ID: id, Kind: model.KindCreator},
			})
		case err != nil:
			if fatal(err) != nil {
				return seeded, errored, fmt.Errorf("failed to look up creator %s: %w", id, err)
			}
			errored++
			slog.Warn("Failed to look up creator", "job", NameDiscoveryPoll, "id", id, "error", err)
		}
	}

	for page := range slices.Chunk(unknown, j.opts.pageSize) {
		batch := j.creators.ReconcileBatch(ctx, page)
		seeded += batch.Processed - batch.Errored
		errored += batch.Errored
		if err := batch.Fatal(); err != nil {
			return seeded, errored, err
		}
	}
	if seeded > 0 {
		slog.Info("Seeded new creators", "job", NameDiscoveryPoll, "count", seeded)
	}
	return seeded, errored, nil
}

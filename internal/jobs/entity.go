package jobs

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/stacklok/catalog-mirror/internal/fetch"
	"github.com/stacklok/catalog-mirror/internal/model"
	"github.com/stacklok/catalog-mirror/internal/otel"
	"github.com/stacklok/catalog-mirror/internal/ratelimit"
	"github.com/stacklok/catalog-mirror/internal/reconcile"
	"github.com/stacklok/catalog-mirror/internal/store"
	"github.com/stacklok/catalog-mirror/internal/walker"
)

// EntitySync walks every stored record of one kind, fetches its current
// state and reconciles it page by page
type EntitySync struct {
	name       string
	walker     *walker.Walker
	reconciler *reconcile.Reconciler
	fetcher    fetch.EntityFetcher
	scheduler  *ratelimit.Scheduler
	class      string
	tracer     trace.Tracer
	opts       options
}

// NewEntitySync creates a sync job. The reconciler decides which collection
// is walked.
func NewEntitySync(
	name string,
	s store.Store,
	reconciler *reconcile.Reconciler,
	fetcher fetch.EntityFetcher,
	scheduler *ratelimit.Scheduler,
	class string,
	tracer trace.Tracer,
	opts ...Option,
) *EntitySync {
	return &EntitySync{
		name:       name,
		walker:     walker.New(s),
		reconciler: reconciler,
		fetcher:    fetcher,
		scheduler:  scheduler,
		class:      class,
		tracer:     tracer,
		opts:       newOptions(opts),
	}
}

// Name implements Job
func (j *EntitySync) Name() string {
	return j.name
}

// Run implements Job
func (j *EntitySync) Run(ctx context.Context) (*Result, *Error) {
	collection := j.reconciler.Collection()
	ctx, span := otel.StartSpan(ctx, j.tracer, "job."+j.name,
		trace.WithAttributes(otel.AttrJobName.String(j.name), otel.AttrCollection.String(collection)))
	defer span.End()

	work, done := graceful(ctx, j.opts.shutdownTimeout)
	defer done()
	// A fatal item error stops the traversal before the next page
	walkCtx, abort := context.WithCancelCause(ctx)
	defer abort(nil)

	res := &Result{}
	_, err := j.walker.ForEachPage(walkCtx, collection, j.opts.pageSize, func(_ context.Context, page []store.Document) error {
		batch := j.syncPage(work, page)
		res.add(batch.Processed, batch.Changed, batch.Errored)
		if err := batch.Fatal(); err != nil {
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
		reason := ReasonStorageFailed
		if fatal(err) != nil {
			reason = ReasonFetchFailed
		}
		return res, newError(j.name, err, reason)
	}
	return res, nil
}

// syncPage fetches every record of the page and reconciles them together
func (j *EntitySync) syncPage(ctx context.Context, page []store.Document) *reconcile.BatchResult {
	items := make([]reconcile.Item, len(page))

	var g errgroup.Group
	g.SetLimit(j.opts.parallelism)
	for i, doc := range page {
		items[i].ID = doc.ID
		g.Go(func() error {
			rec, err := ratelimit.Do(ctx, j.scheduler, j.class, func(ctx context.Context) (*model.Record, error) {
				return j.fetcher.Fetch(ctx, doc.ID)
			})
			if err != nil {
				slog.Warn("Failed to fetch record",
					"job", j.name,
					"id", doc.ID,
					"error", err)
				items[i].Err = fmt.Errorf("fetch: %w", err)
				return nil
			}
			items[i].Fresh = rec
			return nil
		})
	}
	_ = g.Wait()

	return j.reconciler.ReconcileBatch(ctx, items)
}

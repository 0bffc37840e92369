package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/catalog-mirror/internal/failure"
	"github.com/stacklok/catalog-mirror/internal/fetch"
	"github.com/stacklok/catalog-mirror/internal/model"
	"github.com/stacklok/catalog-mirror/internal/otel"
	"github.com/stacklok/catalog-mirror/internal/ranking"
	"github.com/stacklok/catalog-mirror/internal/ratelimit"
	"github.com/stacklok/catalog-mirror/internal/store"
)

// ChartDiff captures the ranked list of every configured scope, diffs it
// against the stored one and writes the events with the new snapshot
type ChartDiff struct {
	store     store.Store
	fetcher   fetch.ChartFetcher
	scheduler *ratelimit.Scheduler
	class     string
	scopes    []model.Scope
	tracer    trace.Tracer
	opts      options
}

// NewChartDiff creates the chart differ job
func NewChartDiff(
	s store.Store,
	fetcher fetch.ChartFetcher,
	scheduler *ratelimit.Scheduler,
	class string,
	scopes []model.Scope,
	tracer trace.Tracer,
	opts ...Option,
) *ChartDiff {
	return &ChartDiff{
		store:     s,
		fetcher:   fetcher,
		scheduler: scheduler,
		class:     class,
		scopes:    scopes,
		tracer:    tracer,
		opts:      newOptions(opts),
	}
}

// Name implements Job
func (*ChartDiff) Name() string {
	return NameChartDiff
}

// Run implements Job. A failing scope is counted and the next one is
// processed.
func (j *ChartDiff) Run(ctx context.Context) (*Result, *Error) {
	ctx, span := otel.StartSpan(ctx, j.tracer, "job."+NameChartDiff,
		trace.WithAttributes(otel.AttrJobName.String(NameChartDiff)))
	defer span.End()

	work, done := graceful(ctx, j.opts.shutdownTimeout)
	defer done()

	res := &Result{}
	for _, scope := range j.scopes {
		if ctx.Err() != nil {
			return res, newError(NameChartDiff, ctx.Err(), ReasonCancelled)
		}
		events, err := j.diffScope(work, scope)
		if err != nil {
			if fatal(err) != nil {
				otel.RecordError(span, err)
				return res, newError(NameChartDiff, err, ReasonFetchFailed)
			}
			res.add(1, 0, 1)
			slog.Warn("Failed to diff chart",
				"job", NameChartDiff,
				"scope", scope.Key(),
				"kind", failure.KindOf(err).String(),
				"error", err)
			continue
		}
		res.add(1, events, 0)
	}
	return res, nil
}

// diffScope returns the number of events written for scope
func (j *ChartDiff) diffScope(ctx context.Context, scope model.Scope) (int, error) {
	ctx, span := otel.StartSpan(ctx, j.tracer, "chart.diff",
		trace.WithAttributes(otel.AttrScope.String(scope.Key())))
	defer span.End()

	curr, err := ratelimit.Do(ctx, j.scheduler, j.class, func(ctx context.Context) (model.Snapshot, error) {
		return j.fetcher.FetchChart(ctx, scope)
	})
	if err != nil {
		otel.RecordError(span, err)
		return 0, err
	}

	prev, err := j.loadSnapshot(ctx, scope)
	if err != nil {
		otel.RecordError(span, err)
		return 0, err
	}

	now := j.opts.clock.Now().UTC()
	curr.Scope = scope
	curr.CapturedAt = now
	diff, err := ranking.Diff(scope, prev, curr, now)
	if err != nil {
		otel.RecordError(span, err)
		return 0, failure.Permanent(err)
	}

	events := diff.Events
	if diff.ColdStart && j.opts.suppressColdStart {
		slog.Info("First snapshot of scope, suppressing events",
			"job", NameChartDiff,
			"scope", scope.Key(),
			"items", len(curr.Entries))
		events = nil
	}

	batch := store.NewBatch()
	snapDoc, err := store.NewDocument(scope.Key(), curr)
	if err != nil {
		return 0, failure.Permanent(err)
	}
	batch.Upsert(store.CollectionChartSnapshots, snapDoc)
	for _, ev := range events {
		doc, err := store.NewDocument(ev.ID, ev)
		if err != nil {
			return 0, failure.Permanent(err)
		}
		batch.Append(store.CollectionChartEvents, doc)
	}
	if err := j.store.Commit(ctx, batch); err != nil {
		otel.RecordError(span, err)
		return 0, fmt.Errorf("failed to commit chart %s: %w", scope, err)
	}

	span.SetAttributes(otel.AttrResultCount.Int(len(events)))
	if len(events) > 0 {
		counts := diff.Counts()
		slog.Debug("Chart changed",
			"job", NameChartDiff,
			"scope", scope.Key(),
			"added", counts[model.EventAdded],
			"moved", counts[model.EventMoved],
			"removed", counts[model.EventRemoved])
	}
	return len(events), nil
}

func (j *ChartDiff) loadSnapshot(ctx context.Context, scope model.Scope) (*model.Snapshot, error) {
	doc, err := j.store.Get(ctx, store.CollectionChartSnapshots, scope.Key())
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot %s: %w", scope, err)
	}
	var snap model.Snapshot
	if err := doc.Decode(&snap); err != nil {
		return nil, failure.Permanent(err)
	}
	return &snap, nil
}

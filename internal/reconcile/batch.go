package reconcile

import (
	"context"
	"log/slog"

	"github.com/stacklok/catalog-mirror/internal/failure"
	"github.com/stacklok/catalog-mirror/internal/model"
)

// Item is one record to reconcile
type Item struct {
	ID    string
	Fresh *model.Record
	// Err is a fetch failure for this id. The item is counted and skipped.
	Err error
}

// ItemResult is the outcome of one item of a batch
type ItemResult struct {
	ID      string
	Outcome *Outcome
	Err     error
}

// BatchResult summarises a reconciled page
type BatchResult struct {
	Items     []ItemResult
	Processed int
	Changed   int
	Errored   int
}

// Fatal returns the first fatal item error, if any
func (b *BatchResult) Fatal() error {
	for _, it := range b.Items {
		if failure.IsFatal(it.Err) {
			return it.Err
		}
	}
	return nil
}

// ReconcileBatch reconciles a page of records and commits them as one
// batch. When the batch commit fails every planned record is committed on
// its own, so one bad record never sinks the page.
func (r *Reconciler) ReconcileBatch(ctx context.Context, items []Item) *BatchResult {
	res := &BatchResult{Items: make([]ItemResult, len(items))}
	pending := make(map[string]*Outcome, len(items))
	var (
		planned []*Outcome
		index   []int
	)

	for i, it := range items {
		res.Items[i].ID = it.ID
		if it.Err != nil {
			res.Items[i].Err = it.Err
			continue
		}
		out, err := r.plan(ctx, it.ID, it.Fresh, pending)
		if err != nil {
			res.Items[i].Err = err
			continue
		}
		pending[it.ID] = out
		planned = append(planned, out)
		index = append(index, i)
	}

	if len(planned) > 0 {
		if err := r.commitAll(ctx, planned); err != nil {
			slog.Warn("Batch commit failed, committing records one by one",
				"job", r.origin,
				"records", len(planned),
				"error", err)
			r.commitEach(ctx, planned, index, res)
		}
		for n, out := range planned {
			i := index[n]
			if res.Items[i].Err == nil {
				res.Items[i].Outcome = out
				logOutcome(r.origin, out)
			}
		}
	}

	for _, it := range res.Items {
		res.Processed++
		switch {
		case it.Err != nil:
			res.Errored++
		case it.Outcome != nil && it.Outcome.Changed:
			res.Changed++
		}
	}
	return res
}

func (r *Reconciler) commitAll(ctx context.Context, planned []*Outcome) error {
	batch, err := r.batchFor(planned)
	if err != nil {
		return err
	}
	return r.store.Commit(ctx, batch)
}

func (r *Reconciler) commitEach(ctx context.Context, planned []*Outcome, index []int, res *BatchResult) {
	for n, out := range planned {
		i := index[n]
		batch, err := r.batchFor([]*Outcome{out})
		if err == nil {
			err = r.store.Commit(ctx, batch)
		}
		if err != nil {
			res.Items[i].Err = err
			slog.Warn("Failed to commit record",
				"job", r.origin,
				"id", out.ID,
				"kind", failure.KindOf(err).String(),
				"error", err)
		}
	}
}

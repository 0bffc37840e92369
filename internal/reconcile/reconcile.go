// Package reconcile detects field-level changes between a freshly fetched
// record and its stored version, and writes the merged record together with
// a changelog entry describing the change.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"k8s.io/utils/clock"

	"github.com/stacklok/catalog-mirror/internal/failure"
	"github.com/stacklok/catalog-mirror/internal/model"
	"github.com/stacklok/catalog-mirror/internal/store"
)

// Outcome is the result of reconciling one record
type Outcome struct {
	ID      string
	Changed bool
	// Created is true when no record was stored before
	Created bool
	Merged  *model.Record
	// Entry is the changelog entry written, nil when nothing changed
	Entry *model.ChangelogEntry
}

// Reconciler reconciles records of one kind on behalf of one job
type Reconciler struct {
	store      store.Store
	kind       model.EntityKind
	collection string
	origin     string
	ignored    map[string]struct{}
	clock      clock.PassiveClock
	newID      func() string
}

// Option configures a Reconciler
type Option func(*Reconciler)

// WithIgnoredFields excludes field paths such as "platform.lastPing" from
// change detection. Ignored fields are still merged and stored.
func WithIgnoredFields(paths ...string) Option {
	return func(r *Reconciler) {
		for _, p := range paths {
			r.ignored[p] = struct{}{}
		}
	}
}

// WithClock sets the clock used for timestamps
func WithClock(c clock.PassiveClock) Option {
	return func(r *Reconciler) {
		r.clock = c
	}
}

// WithIDGenerator sets the changelog entry id generator
func WithIDGenerator(f func() string) Option {
	return func(r *Reconciler) {
		r.newID = f
	}
}

// New creates a reconciler for records of kind, attributing changes to origin
func New(s store.Store, kind model.EntityKind, origin string, opts ...Option) (*Reconciler, error) {
	r := &Reconciler{
		store:   s,
		kind:    kind,
		origin:  origin,
		ignored: make(map[string]struct{}),
		clock:   clock.RealClock{},
		newID:   uuid.NewString,
	}
	switch kind {
	case model.KindCreation:
		r.collection = store.CollectionCreations
	case model.KindCreator:
		r.collection = store.CollectionCreators
	default:
		return nil, fmt.Errorf("unknown record kind %q", kind)
	}
	if s == nil {
		return nil, fmt.Errorf("store is required")
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Collection returns the collection the reconciler writes records to
func (r *Reconciler) Collection() string {
	return r.collection
}

// Reconcile compares fresh with the stored record under id and writes the
// merged record, plus one changelog entry when any tracked field changed.
// Both writes are committed as one batch. A failed commit leaves the caller
// to retry the whole reconcile; detection recomputes from the stored state,
// so a retry converges.
func (r *Reconciler) Reconcile(ctx context.Context, id string, fresh *model.Record) (*Outcome, error) {
	out, err := r.plan(ctx, id, fresh, nil)
	if err != nil {
		return nil, err
	}
	batch, err := r.batchFor([]*Outcome{out})
	if err != nil {
		return nil, err
	}
	if err := r.store.Commit(ctx, batch); err != nil {
		return nil, fmt.Errorf("failed to commit %s %s: %w", r.kind, id, err)
	}
	return out, nil
}

// plan loads the stored record and computes the outcome without writing.
// A record planned earlier in the same batch takes precedence over the
// stored one.
func (r *Reconciler) plan(ctx context.Context, id string, fresh *model.Record, pending map[string]*Outcome) (*Outcome, error) {
	if err := r.check(id, fresh); err != nil {
		return nil, err
	}

	var existing *model.Record
	if prev, ok := pending[id]; ok {
		existing = prev.Merged
	} else {
		var err error
		existing, err = r.load(ctx, id)
		if err != nil {
			return nil, err
		}
	}

	now := r.clock.Now().UTC()
	changes := Changes(existing, fresh, r.ignored)
	out := &Outcome{
		ID:      id,
		Created: existing == nil,
		Changed: len(changes) > 0,
		Merged:  Merge(existing, fresh, now),
	}
	if out.Changed {
		update := *fresh
		update.Owner = fresh.Owner.Clone()
		update.Platform = fresh.Platform.Clone()
		out.Entry = &model.ChangelogEntry{
			ID:        r.newID(),
			SubjectID: id,
			Kind:      r.kind,
			Update:    &update,
			Changes:   changes,
			Timestamp: now,
			Origin:    r.origin,
		}
	}
	return out, nil
}

func (r *Reconciler) check(id string, fresh *model.Record) error {
	if id == "" {
		return failure.Permanent(model.ErrMissingID)
	}
	if fresh == nil {
		return failure.Permanent(fmt.Errorf("%s %s: no data fetched", r.kind, id))
	}
	if fresh.ID == "" {
		fresh.ID = id
	}
	if fresh.Kind == "" {
		fresh.Kind = r.kind
	}
	if fresh.ID != id {
		return failure.Permanent(fmt.Errorf("%s %s: fetched record has id %s", r.kind, id, fresh.ID))
	}
	if fresh.Kind != r.kind {
		return failure.Permanent(fmt.Errorf("%s %s: fetched record has kind %s", r.kind, id, fresh.Kind))
	}
	if err := fresh.Validate(); err != nil {
		return failure.Permanent(err)
	}
	return nil
}

func (r *Reconciler) load(ctx context.Context, id string) (*model.Record, error) {
	doc, err := r.store.Get(ctx, r.collection, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load %s %s: %w", r.kind, id, err)
	}
	var rec model.Record
	if err := doc.Decode(&rec); err != nil {
		return nil, failure.Permanent(err)
	}
	return &rec, nil
}

// batchFor stages the merged records and their changelog entries. Each id
// is upserted once, with its last merged state.
func (r *Reconciler) batchFor(outcomes []*Outcome) (*store.Batch, error) {
	b := store.NewBatch()
	last := make(map[string]int, len(outcomes))
	for i, out := range outcomes {
		last[out.ID] = i
	}
	for i, out := range outcomes {
		if out.Entry != nil {
			doc, err := store.NewDocument(out.Entry.ID, out.Entry)
			if err != nil {
				return nil, failure.Permanent(err)
			}
			b.Append(store.CollectionChangelog, doc)
		}
		if last[out.ID] != i {
			continue
		}
		doc, err := store.NewDocument(out.ID, out.Merged)
		if err != nil {
			return nil, failure.Permanent(err)
		}
		b.Upsert(r.collection, doc)
	}
	return b, nil
}

func logOutcome(origin string, out *Outcome) {
	if !out.Changed {
		return
	}
	slog.Debug("Recorded change",
		"job", origin,
		"id", out.ID,
		"created", out.Created,
		"fields", len(out.Entry.Changes))
}

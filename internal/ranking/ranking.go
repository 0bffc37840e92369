// Package ranking compares two snapshots of a ranked list and classifies
// every item whose position changed.
package ranking

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/stacklok/catalog-mirror/internal/model"
)

// ErrDuplicateItem is returned when an item appears twice in one snapshot
var ErrDuplicateItem = errors.New("duplicate item in snapshot")

// Result holds the events of one diff call
type Result struct {
	// ColdStart is true when there was no previous snapshot for the scope.
	// Every item is then reported as ADDED; callers decide whether to keep
	// those events.
	ColdStart bool
	Events    []model.ChartEvent
}

// Counts returns the number of events per kind
func (r *Result) Counts() map[model.EventKind]int {
	out := make(map[model.EventKind]int, 3)
	for _, ev := range r.Events {
		out[ev.Kind]++
	}
	return out
}

// Diff compares prev with curr within scope. prev is nil when no snapshot was
// ever stored for the scope; an empty prev is a real, empty list.
//
// Every event of one call carries the same scope and timestamp. Items whose
// rank did not change produce no event.
func Diff(scope model.Scope, prev *model.Snapshot, curr model.Snapshot, at time.Time) (*Result, error) {
	if prev != nil && prev.Scope != scope {
		return nil, fmt.Errorf("previous snapshot scope %s does not match %s", prev.Scope, scope)
	}
	if curr.Scope != (model.Scope{}) && curr.Scope != scope {
		return nil, fmt.Errorf("current snapshot scope %s does not match %s", curr.Scope, scope)
	}

	var before map[string]int
	if prev != nil {
		var err error
		if before, err = ranks(prev.Entries); err != nil {
			return nil, fmt.Errorf("previous snapshot %s: %w", scope, err)
		}
	}
	after, err := ranks(curr.Entries)
	if err != nil {
		return nil, fmt.Errorf("current snapshot %s: %w", scope, err)
	}

	res := &Result{ColdStart: prev == nil}
	event := func(item string, kind model.EventKind, oldRank, newRank *int) {
		res.Events = append(res.Events, model.ChartEvent{
			ID:        uuid.NewString(),
			Scope:     scope,
			ItemID:    item,
			Kind:      kind,
			OldRank:   oldRank,
			NewRank:   newRank,
			Timestamp: at,
		})
	}

	for item, newRank := range after {
		oldRank, seen := before[item]
		switch {
		case !seen:
			event(item, model.EventAdded, nil, &newRank)
		case oldRank != newRank:
			event(item, model.EventMoved, &oldRank, &newRank)
		}
	}
	for item, oldRank := range before {
		if _, kept := after[item]; !kept {
			event(item, model.EventRemoved, &oldRank, nil)
		}
	}

	slices.SortFunc(res.Events, compareEvents)
	return res, nil
}

func ranks(entries []model.RankEntry) (map[string]int, error) {
	out := make(map[string]int, len(entries))
	for _, e := range entries {
		if e.ItemID == "" {
			return nil, fmt.Errorf("entry at rank %d has no item id", e.Rank)
		}
		if _, dup := out[e.ItemID]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateItem, e.ItemID)
		}
		out[e.ItemID] = e.Rank
	}
	return out, nil
}

var kindOrder = map[model.EventKind]int{
	model.EventAdded:   0,
	model.EventMoved:   1,
	model.EventRemoved: 2,
}

// compareEvents orders events by kind, then by the rank the event is about
// (the new rank, or the old one for removals), then by item id.
func compareEvents(a, b model.ChartEvent) int {
	return cmp.Or(
		cmp.Compare(kindOrder[a.Kind], kindOrder[b.Kind]),
		cmp.Compare(position(a), position(b)),
		cmp.Compare(a.ItemID, b.ItemID),
	)
}

func position(ev model.ChartEvent) int {
	if ev.NewRank != nil {
		return *ev.NewRank
	}
	if ev.OldRank != nil {
		return *ev.OldRank
	}
	return 0
}

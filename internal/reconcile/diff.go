package reconcile

import (
	"encoding/json"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/stacklok/catalog-mirror/internal/model"
)

// Changes computes the tracked field changes between the stored record and
// a freshly fetched one. existing may be nil: an absent record is an
// all-null baseline.
//
// A fresh field that is absent or null is never a change; it keeps the
// stored value. Explicit zero values ("", 0, false, [], {}) are values and
// are compared like any other.
func Changes(existing, fresh *model.Record, ignored map[string]struct{}) map[string]model.Change {
	changes := make(map[string]model.Change)
	for _, group := range model.Groups() {
		var prev model.Fields
		if existing != nil {
			prev = existing.Group(group)
		}
		for name, value := range fresh.Group(group) {
			path := model.FieldPath(group, name)
			if _, skip := ignored[path]; skip {
				continue
			}
			if value == nil {
				continue
			}
			old := prev[name]
			if equal(old, value) {
				continue
			}
			changes[path] = model.Change{Old: old, New: value}
		}
	}
	return changes
}

// Merge builds the record to store: every non-null fresh value wins, every
// other field keeps its stored value. Metadata is maintained here and never
// taken from the fetcher.
func Merge(existing, fresh *model.Record, now time.Time) *model.Record {
	merged := &model.Record{
		ID:   fresh.ID,
		Kind: fresh.Kind,
		Meta: model.Metadata{FirstSeen: now, LastSynced: now},
	}
	if existing != nil && !existing.Meta.FirstSeen.IsZero() {
		merged.Meta.FirstSeen = existing.Meta.FirstSeen
	}

	for _, group := range model.Groups() {
		var out model.Fields
		if existing != nil {
			out = existing.Group(group).Clone()
		}
		for name, value := range fresh.Group(group) {
			if value == nil {
				continue
			}
			if out == nil {
				out = make(model.Fields)
			}
			out[name] = value
		}
		merged.SetGroup(group, out)
	}
	return merged
}

// equal compares two field values by their JSON representation, so a
// counter read back from the store as 12.0 equals a freshly decoded 12.
func equal(a, b any) bool {
	return cmp.Equal(normalize(a), normalize(b))
}

func normalize(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return v
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return v
	}
	return out
}

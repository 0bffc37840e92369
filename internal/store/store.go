// Package store defines the document store the mirror writes into.
//
// The store is a keyed collection of JSON documents offering point reads,
// bulk upserts, ordered cursors for full scans, append-only sinks for
// changelog-like collections and a small aggregate for monitoring. Backends
// live in subpackages (postgres, mongo, memory).
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks -source=store.go Store,Cursor

// Collection names used by the mirror
const (
	CollectionCreations      = "creations"
	CollectionCreators       = "creators"
	CollectionChangelog      = "changelog"
	CollectionChartSnapshots = "chart_snapshots"
	CollectionChartEvents    = "chart_events"
	CollectionSamples        = "samples"
	CollectionJobStatus      = "job_status"
	CollectionCredentials    = "credentials"
)

// IsAppendOnly reports whether collection is an append-only sink.
// Sinks are written with Append and never read back by the jobs.
func IsAppendOnly(collection string) bool {
	switch collection {
	case CollectionChangelog, CollectionChartEvents, CollectionSamples:
		return true
	default:
		return false
	}
}

// ErrNotFound is returned by Get when no document exists for the key.
var ErrNotFound = errors.New("document not found")

// Document is a JSON document stored under a key
type Document struct {
	ID   string
	Data json.RawMessage
}

// NewDocument encodes v as the document body
func NewDocument(id string, v any) (Document, error) {
	if id == "" {
		return Document{}, fmt.Errorf("document id is required")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Document{}, fmt.Errorf("failed to encode document %s: %w", id, err)
	}
	return Document{ID: id, Data: data}, nil
}

// Decode decodes the document body into v
func (d Document) Decode(v any) error {
	if err := json.Unmarshal(d.Data, v); err != nil {
		return fmt.Errorf("failed to decode document %s: %w", d.ID, err)
	}
	return nil
}

// UpsertResult is the outcome of upserting a single document
type UpsertResult struct {
	ID  string
	Err error
}

// Failed returns the results that carry an error
func Failed(results []UpsertResult) []UpsertResult {
	var out []UpsertResult
	for _, r := range results {
		if r.Err != nil {
			out = append(out, r)
		}
	}
	return out
}

// Batch groups writes that belong to the same logical change
type Batch struct {
	Upserts map[string][]Document
	Appends map[string][]Document
}

// NewBatch returns an empty batch
func NewBatch() *Batch {
	return &Batch{
		Upserts: make(map[string][]Document),
		Appends: make(map[string][]Document),
	}
}

// Upsert adds a keyed write to the batch
func (b *Batch) Upsert(collection string, docs ...Document) {
	b.Upserts[collection] = append(b.Upserts[collection], docs...)
}

// Append adds append-only writes to the batch
func (b *Batch) Append(collection string, docs ...Document) {
	b.Appends[collection] = append(b.Appends[collection], docs...)
}

// Empty reports whether the batch carries no writes
func (b *Batch) Empty() bool {
	for _, docs := range b.Upserts {
		if len(docs) > 0 {
			return false
		}
	}
	for _, docs := range b.Appends {
		if len(docs) > 0 {
			return false
		}
	}
	return true
}

// AggregateQuery selects a numeric field to summarise over a collection.
// Field is a dotted path into the document body, e.g. "platform.visits".
type AggregateQuery struct {
	Field string
}

// AggregateResult summarises a numeric field over a collection.
// Count is the number of documents; Present is the number of documents in
// which the field holds a number.
type AggregateResult struct {
	Count   int64   `json:"count"`
	Present int64   `json:"present"`
	Sum     float64 `json:"sum"`
	Min     float64 `json:"min"`
	Max     float64 `json:"max"`
	Avg     float64 `json:"avg"`
}

// Cursor iterates a collection in key order, one page at a time.
type Cursor interface {
	// Next returns the next page. It returns io.EOF once the collection is
	// exhausted; a page is never empty when err is nil.
	Next(ctx context.Context) ([]Document, error)
	// Close releases the cursor. It is safe to call more than once.
	Close(ctx context.Context) error
}

// Store is the document store used by every job.
type Store interface {
	// Get returns the document stored under id, or ErrNotFound.
	Get(ctx context.Context, collection, id string) (Document, error)
	// BulkUpsert writes every document, reporting success per document.
	// The returned error is reserved for failures of the whole call.
	BulkUpsert(ctx context.Context, collection string, docs []Document) ([]UpsertResult, error)
	// OpenCursor opens a key-ordered cursor over the collection.
	OpenCursor(ctx context.Context, collection string, pageSize int) (Cursor, error)
	// Aggregate summarises a numeric field. Monitoring only.
	Aggregate(ctx context.Context, collection string, q AggregateQuery) (*AggregateResult, error)
	// Append writes to an append-only collection.
	Append(ctx context.Context, collection string, docs []Document) error
	// Commit writes all upserts and appends of the batch. Backends that
	// support transactions commit the batch atomically; others write every
	// upsert before any append.
	Commit(ctx context.Context, b *Batch) error
	// Close releases backend resources.
	Close(ctx context.Context) error
}

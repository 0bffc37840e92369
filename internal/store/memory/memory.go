// Package memory provides an in-process implementation of store.Store.
// It backs local runs and tests; nothing survives a restart.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/stacklok/catalog-mirror/internal/store"
)

// Store is an in-memory document store. Commit is atomic: every write of a
// batch is applied under one lock.
type Store struct {
	mu          sync.RWMutex
	collections map[string]map[string][]byte
	journals    map[string][]store.Document
	journalIDs  map[string]map[string]struct{}
	openCursors int
}

var _ store.Store = (*Store)(nil)

// New creates an empty in-memory store
func New() *Store {
	return &Store{
		collections: make(map[string]map[string][]byte),
		journals:    make(map[string][]store.Document),
		journalIDs:  make(map[string]map[string]struct{}),
	}
}

// Get implements store.Store
func (s *Store) Get(_ context.Context, collection, id string) (store.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	data, ok := s.collections[collection][id]
	if !ok {
		return store.Document{}, store.ErrNotFound
	}
	return store.Document{ID: id, Data: bytes.Clone(data)}, nil
}

// BulkUpsert implements store.Store
func (s *Store) BulkUpsert(_ context.Context, collection string, docs []store.Document) ([]store.UpsertResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	results := make([]store.UpsertResult, len(docs))
	for i, doc := range docs {
		results[i] = store.UpsertResult{ID: doc.ID, Err: s.upsertLocked(collection, doc)}
	}
	return results, nil
}

func (s *Store) upsertLocked(collection string, doc store.Document) error {
	if doc.ID == "" {
		return fmt.Errorf("document id is required")
	}
	coll, ok := s.collections[collection]
	if !ok {
		coll = make(map[string][]byte)
		s.collections[collection] = coll
	}
	coll[doc.ID] = bytes.Clone(doc.Data)
	return nil
}

// Append implements store.Store. Documents whose id is already in the
// collection are skipped.
func (s *Store) Append(_ context.Context, collection string, docs []store.Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendLocked(collection, docs)
	return nil
}

func (s *Store) appendLocked(collection string, docs []store.Document) {
	ids, ok := s.journalIDs[collection]
	if !ok {
		ids = make(map[string]struct{})
		s.journalIDs[collection] = ids
	}
	for _, doc := range docs {
		if _, dup := ids[doc.ID]; dup {
			continue
		}
		ids[doc.ID] = struct{}{}
		s.journals[collection] = append(s.journals[collection], store.Document{ID: doc.ID, Data: bytes.Clone(doc.Data)})
	}
}

// Commit implements store.Store
func (s *Store) Commit(_ context.Context, b *store.Batch) error {
	if b == nil || b.Empty() {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Validate first so a bad document leaves nothing behind
	for collection, docs := range b.Upserts {
		for _, doc := range docs {
			if doc.ID == "" {
				return fmt.Errorf("commit %s: document id is required", collection)
			}
		}
	}
	for collection, docs := range b.Upserts {
		for _, doc := range docs {
			_ = s.upsertLocked(collection, doc)
		}
	}
	for collection, docs := range b.Appends {
		s.appendLocked(collection, docs)
	}
	return nil
}

// OpenCursor implements store.Store
func (s *Store) OpenCursor(_ context.Context, collection string, pageSize int) (store.Cursor, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("page size must be positive, got %d", pageSize)
	}
	s.mu.Lock()
	s.openCursors++
	s.mu.Unlock()

	return &cursor{store: s, collection: collection, pageSize: pageSize}, nil
}

// Aggregate implements store.Store
func (s *Store) Aggregate(_ context.Context, collection string, q store.AggregateQuery) (*store.AggregateResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	acc := store.NewAccumulator(q.Field)
	if store.IsAppendOnly(collection) {
		for _, doc := range s.journals[collection] {
			acc.Add(doc.Data)
		}
	} else {
		for _, data := range s.collections[collection] {
			acc.Add(data)
		}
	}
	return acc.Result(), nil
}

// Close implements store.Store
func (*Store) Close(context.Context) error {
	return nil
}

// Journal returns a copy of an append-only collection, oldest first
func (s *Store) Journal(collection string) []store.Document {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return slices.Clone(s.journals[collection])
}

// OpenCursors returns the number of cursors not yet closed
func (s *Store) OpenCursors() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.openCursors
}

// cursor pages through keys greater than the last key it returned, so
// documents inserted behind the cursor are skipped and documents inserted
// ahead of it are seen.
type cursor struct {
	store      *Store
	collection string
	pageSize   int
	lastKey    string
	started    bool
	closed     bool
}

func (c *cursor) Next(ctx context.Context) ([]store.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if c.closed {
		return nil, fmt.Errorf("cursor is closed")
	}

	c.store.mu.RLock()
	defer c.store.mu.RUnlock()

	coll := c.store.collections[c.collection]
	keys := make([]string, 0, len(coll))
	for k := range coll {
		if !c.started || k > c.lastKey {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return nil, io.EOF
	}
	slices.Sort(keys)
	if len(keys) > c.pageSize {
		keys = keys[:c.pageSize]
	}

	page := make([]store.Document, len(keys))
	for i, k := range keys {
		page[i] = store.Document{ID: k, Data: bytes.Clone(coll[k])}
	}
	c.lastKey = keys[len(keys)-1]
	c.started = true
	return page, nil
}

func (c *cursor) Close(context.Context) error {
	if c.closed {
		return nil
	}
	c.closed = true
	c.store.mu.Lock()
	c.store.openCursors--
	c.store.mu.Unlock()
	return nil
}

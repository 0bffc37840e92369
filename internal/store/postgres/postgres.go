// Package postgres implements store.Store on PostgreSQL.
//
// Keyed collections share the document table and append-only sinks share
// the journal table; both are keyed by collection name. The schema lives in
// the database package.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/catalog-mirror/internal/otel"
	"github.com/stacklok/catalog-mirror/internal/store"
)

// TracerName is the name used for the postgres store tracer
const TracerName = "github.com/stacklok/catalog-mirror/store/postgres"

const (
	upsertSQL = `INSERT INTO document (collection, id, body)
VALUES ($1, $2, $3)
ON CONFLICT (collection, id) DO UPDATE SET body = EXCLUDED.body, updated_at = now()`

	appendSQL = `INSERT INTO journal (collection, id, body)
VALUES ($1, $2, $3)
ON CONFLICT (collection, id) DO NOTHING`

	firstPageSQL = `SELECT id, body FROM document
WHERE collection = $1
ORDER BY id COLLATE "C"
LIMIT $2`

	nextPageSQL = `SELECT id, body FROM document
WHERE collection = $1 AND id COLLATE "C" > $2
ORDER BY id COLLATE "C"
LIMIT $3`
)

// Store is a store.Store backed by a pgx pool
type Store struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

var _ store.Store = (*Store)(nil)

// Option configures the postgres store
type Option func(*Store)

// WithTracer sets the tracer used for store spans
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Store) {
		s.tracer = tracer
	}
}

// New creates a postgres store on an existing pool. The store owns the pool
// and closes it on Close.
func New(pool *pgxpool.Pool, opts ...Option) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pgx pool is required")
	}
	s := &Store{pool: pool}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

func (s *Store) startSpan(ctx context.Context, name, collection string) (context.Context, trace.Span) {
	return otel.StartSpan(ctx, s.tracer, name,
		trace.WithAttributes(otel.DBSystemPostgres, otel.AttrCollection.String(collection)))
}

// Get implements store.Store
func (s *Store) Get(ctx context.Context, collection, id string) (store.Document, error) {
	ctx, span := s.startSpan(ctx, "postgres.Get", collection)
	defer span.End()

	var body []byte
	err := s.pool.QueryRow(ctx,
		`SELECT body FROM document WHERE collection = $1 AND id = $2`, collection, id).Scan(&body)
	if errors.Is(err, pgx.ErrNoRows) {
		return store.Document{}, store.ErrNotFound
	}
	if err != nil {
		otel.RecordError(span, err)
		return store.Document{}, fmt.Errorf("failed to get %s/%s: %w", collection, id, err)
	}
	return store.Document{ID: id, Data: body}, nil
}

// BulkUpsert implements store.Store. Documents are sent as one pipeline;
// a failed statement aborts the remainder, so later items report the
// abort rather than silently succeeding.
func (s *Store) BulkUpsert(ctx context.Context, collection string, docs []store.Document) ([]store.UpsertResult, error) {
	ctx, span := s.startSpan(ctx, "postgres.BulkUpsert", collection)
	defer span.End()
	span.SetAttributes(otel.AttrResultCount.Int(len(docs)))

	results := make([]store.UpsertResult, len(docs))
	batch := &pgx.Batch{}
	var queued []int
	for i, doc := range docs {
		results[i].ID = doc.ID
		if doc.ID == "" {
			results[i].Err = fmt.Errorf("document id is required")
			continue
		}
		batch.Queue(upsertSQL, collection, doc.ID, []byte(doc.Data))
		queued = append(queued, i)
	}
	if len(queued) == 0 {
		return results, nil
	}

	br := s.pool.SendBatch(ctx, batch)
	for _, i := range queued {
		if _, err := br.Exec(); err != nil {
			results[i].Err = fmt.Errorf("failed to upsert %s/%s: %w", collection, docs[i].ID, err)
		}
	}
	if err := br.Close(); err != nil {
		// Connection-level failures surface here when every Exec failed too
		if len(store.Failed(results)) == len(queued) {
			otel.RecordError(span, err)
			return nil, fmt.Errorf("failed to upsert into %s: %w", collection, err)
		}
	}
	return results, nil
}

// Append implements store.Store
func (s *Store) Append(ctx context.Context, collection string, docs []store.Document) error {
	ctx, span := s.startSpan(ctx, "postgres.Append", collection)
	defer span.End()

	if len(docs) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, doc := range docs {
		batch.Queue(appendSQL, collection, doc.ID, []byte(doc.Data))
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		otel.RecordError(span, err)
		return fmt.Errorf("failed to append to %s: %w", collection, err)
	}
	return nil
}

// Commit implements store.Store. The batch is written in one serializable
// transaction.
func (s *Store) Commit(ctx context.Context, b *store.Batch) (err error) {
	if b == nil || b.Empty() {
		return nil
	}
	ctx, span := otel.StartSpan(ctx, s.tracer, "postgres.Commit", trace.WithAttributes(otel.DBSystemPostgres))
	defer span.End()

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		otel.RecordError(span, err)
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	batch := &pgx.Batch{}
	for collection, docs := range b.Upserts {
		for _, doc := range docs {
			if doc.ID == "" {
				return fmt.Errorf("commit %s: document id is required", collection)
			}
			batch.Queue(upsertSQL, collection, doc.ID, []byte(doc.Data))
		}
	}
	for collection, docs := range b.Appends {
		for _, doc := range docs {
			batch.Queue(appendSQL, collection, doc.ID, []byte(doc.Data))
		}
	}
	if err = tx.SendBatch(ctx, batch).Close(); err != nil {
		otel.RecordError(span, err)
		return fmt.Errorf("failed to write batch: %w", err)
	}
	if err = tx.Commit(ctx); err != nil {
		otel.RecordError(span, err)
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

// OpenCursor implements store.Store. The cursor is keyset-paginated on id,
// so it holds no server-side resources between pages.
func (s *Store) OpenCursor(_ context.Context, collection string, pageSize int) (store.Cursor, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("page size must be positive, got %d", pageSize)
	}
	return &cursor{store: s, collection: collection, pageSize: pageSize}, nil
}

// Aggregate implements store.Store
func (s *Store) Aggregate(ctx context.Context, collection string, q store.AggregateQuery) (*store.AggregateResult, error) {
	ctx, span := s.startSpan(ctx, "postgres.Aggregate", collection)
	defer span.End()

	table := "document"
	if store.IsAppendOnly(collection) {
		table = "journal"
	}
	path := strings.Split(q.Field, ".")
	// table is one of two constants
	query := fmt.Sprintf(`SELECT count(*), count(v),
       coalesce(sum(v), 0), coalesce(min(v), 0), coalesce(max(v), 0), coalesce(avg(v), 0)
FROM (
    SELECT CASE WHEN jsonb_typeof(body #> $2::text[]) = 'number'
                THEN (body #>> $2::text[])::float8 END AS v
    FROM %s WHERE collection = $1
) t`, table)

	var res store.AggregateResult
	err := s.pool.QueryRow(ctx, query, collection, path).
		Scan(&res.Count, &res.Present, &res.Sum, &res.Min, &res.Max, &res.Avg)
	if err != nil {
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to aggregate %s over %s: %w", q.Field, collection, err)
	}
	return &res, nil
}

// Close implements store.Store
func (s *Store) Close(context.Context) error {
	s.pool.Close()
	return nil
}

type cursor struct {
	store      *Store
	collection string
	pageSize   int
	lastKey    string
	started    bool
	closed     bool
}

func (c *cursor) Next(ctx context.Context) ([]store.Document, error) {
	if c.closed {
		return nil, fmt.Errorf("cursor is closed")
	}
	ctx, span := c.store.startSpan(ctx, "postgres.CursorNext", c.collection)
	defer span.End()

	var (
		rows pgx.Rows
		err  error
	)
	if c.started {
		rows, err = c.store.pool.Query(ctx, nextPageSQL, c.collection, c.lastKey, c.pageSize)
	} else {
		rows, err = c.store.pool.Query(ctx, firstPageSQL, c.collection, c.pageSize)
	}
	if err != nil {
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to read page of %s: %w", c.collection, err)
	}

	page, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.Document, error) {
		var doc store.Document
		var body []byte
		if err := row.Scan(&doc.ID, &body); err != nil {
			return store.Document{}, err
		}
		doc.Data = body
		return doc, nil
	})
	if err != nil {
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to scan page of %s: %w", c.collection, err)
	}
	if len(page) == 0 {
		return nil, io.EOF
	}
	c.lastKey = page[len(page)-1].ID
	c.started = true
	return page, nil
}

func (c *cursor) Close(context.Context) error {
	c.closed = true
	return nil
}

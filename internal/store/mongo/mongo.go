// Package mongo implements store.Store on MongoDB.
//
// Every collection maps to a MongoDB collection of the same name. A stored
// document is {_id: <id>, body: <document>}; bodies round-trip through
// relaxed extended JSON.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"io"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/catalog-mirror/internal/otel"
	"github.com/stacklok/catalog-mirror/internal/store"
)

// TracerName is the name used for the mongo store tracer
const TracerName = "github.com/stacklok/catalog-mirror/store/mongo"

const (
	bodyField        = "body"
	duplicateKeyCode = 11000
)

// Store is a store.Store backed by a MongoDB database. It has no
// multi-document transactions: Commit writes every upsert before any append,
// so an append never refers to state that was not written.
type Store struct {
	client *mongo.Client
	db     *mongo.Database
	tracer trace.Tracer
}

var _ store.Store = (*Store)(nil)

// Option configures the mongo store
type Option func(*Store)

// WithTracer sets the tracer used for store spans
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Store) {
		s.tracer = tracer
	}
}

// Connect dials uri and returns a store on the named database
func Connect(ctx context.Context, uri, database string, opts ...Option) (*Store, error) {
	if database == "" {
		return nil, fmt.Errorf("database name is required")
	}
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(ctx, nil); err != nil {
		_ = client.Disconnect(ctx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}
	s := &Store{client: client, db: client.Database(database)}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

type stored struct {
	ID   string   `bson:"_id"`
	Body bson.Raw `bson:"body"`
}

// toBSON converts a JSON body to the stored form
func toBSON(doc store.Document) (bson.D, error) {
	if doc.ID == "" {
		return nil, fmt.Errorf("document id is required")
	}
	var body bson.D
	if err := bson.UnmarshalExtJSON(doc.Data, false, &body); err != nil {
		return nil, fmt.Errorf("failed to convert document %s: %w", doc.ID, err)
	}
	return bson.D{{Key: "_id", Value: doc.ID}, {Key: bodyField, Value: body}}, nil
}

// fromBSON converts a stored document back to JSON
func fromBSON(s stored) (store.Document, error) {
	data, err := bson.MarshalExtJSON(s.Body, false, false)
	if err != nil {
		return store.Document{}, fmt.Errorf("failed to convert document %s: %w", s.ID, err)
	}
	return store.Document{ID: s.ID, Data: data}, nil
}

func (s *Store) startSpan(ctx context.Context, name, collection string) (context.Context, trace.Span) {
	return otel.StartSpan(ctx, s.tracer, name,
		trace.WithAttributes(otel.DBSystemMongo, otel.AttrCollection.String(collection)))
}

// Get implements store.Store
func (s *Store) Get(ctx context.Context, collection, id string) (store.Document, error) {
	ctx, span := s.startSpan(ctx, "mongo.Get", collection)
	defer span.End()

	var out stored
	err := s.db.Collection(collection).FindOne(ctx, bson.M{"_id": id}).Decode(&out)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return store.Document{}, store.ErrNotFound
	}
	if err != nil {
		otel.RecordError(span, err)
		return store.Document{}, fmt.Errorf("failed to get %s/%s: %w", collection, id, err)
	}
	return fromBSON(out)
}

// BulkUpsert implements store.Store. The write is unordered so one failing
// document does not stop the others.
func (s *Store) BulkUpsert(ctx context.Context, collection string, docs []store.Document) ([]store.UpsertResult, error) {
	ctx, span := s.startSpan(ctx, "mongo.BulkUpsert", collection)
	defer span.End()

	results := make([]store.UpsertResult, len(docs))
	var (
		models []mongo.WriteModel
		index  []int
	)
	for i, doc := range docs {
		results[i].ID = doc.ID
		d, err := toBSON(doc)
		if err != nil {
			results[i].Err = err
			continue
		}
		models = append(models, mongo.NewReplaceOneModel().
			SetFilter(bson.M{"_id": doc.ID}).
			SetReplacement(d).
			SetUpsert(true))
		index = append(index, i)
	}
	if len(models) == 0 {
		return results, nil
	}

	_, err := s.db.Collection(collection).BulkWrite(ctx, models, options.BulkWrite().SetOrdered(false))
	if err == nil {
		return results, nil
	}
	var bulkErr mongo.BulkWriteException
	if !errors.As(err, &bulkErr) {
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to upsert into %s: %w", collection, err)
	}
	for _, we := range bulkErr.WriteErrors {
		if we.Index < 0 || we.Index >= len(index) {
			continue
		}
		i := index[we.Index]
		results[i].Err = fmt.Errorf("failed to upsert %s/%s: %s", collection, docs[i].ID, we.Message)
	}
	return results, nil
}

// Append implements store.Store. Duplicate entry ids are ignored so a
// retried append is a no-op.
func (s *Store) Append(ctx context.Context, collection string, docs []store.Document) error {
	ctx, span := s.startSpan(ctx, "mongo.Append", collection)
	defer span.End()

	if len(docs) == 0 {
		return nil
	}
	items := make([]any, 0, len(docs))
	for _, doc := range docs {
		d, err := toBSON(doc)
		if err != nil {
			return err
		}
		items = append(items, d)
	}
	_, err := s.db.Collection(collection).InsertMany(ctx, items, options.InsertMany().SetOrdered(false))
	if err != nil && !onlyDuplicates(err) {
		otel.RecordError(span, err)
		return fmt.Errorf("failed to append to %s: %w", collection, err)
	}
	return nil
}

func onlyDuplicates(err error) bool {
	var bulkErr mongo.BulkWriteException
	if !errors.As(err, &bulkErr) || bulkErr.WriteConcernError != nil {
		return false
	}
	for _, we := range bulkErr.WriteErrors {
		if we.Code != duplicateKeyCode {
			return false
		}
	}
	return true
}

// Commit implements store.Store
func (s *Store) Commit(ctx context.Context, b *store.Batch) error {
	if b == nil || b.Empty() {
		return nil
	}
	for collection, docs := range b.Upserts {
		results, err := s.BulkUpsert(ctx, collection, docs)
		if err != nil {
			return err
		}
		if failed := store.Failed(results); len(failed) > 0 {
			return fmt.Errorf("commit %s: %w", collection, failed[0].Err)
		}
	}
	for collection, docs := range b.Appends {
		if err := s.Append(ctx, collection, docs); err != nil {
			return err
		}
	}
	return nil
}

// OpenCursor implements store.Store. Pages are read by _id range so the
// cursor holds no server-side state between pages.
func (s *Store) OpenCursor(_ context.Context, collection string, pageSize int) (store.Cursor, error) {
	if pageSize <= 0 {
		return nil, fmt.Errorf("page size must be positive, got %d", pageSize)
	}
	return &cursor{store: s, collection: collection, pageSize: pageSize}, nil
}

// Aggregate implements store.Store
func (s *Store) Aggregate(ctx context.Context, collection string, q store.AggregateQuery) (*store.AggregateResult, error) {
	ctx, span := s.startSpan(ctx, "mongo.Aggregate", collection)
	defer span.End()

	ref := "$" + bodyField + "." + q.Field
	numeric := bson.M{"$cond": bson.A{bson.M{"$isNumber": ref}, ref, nil}}
	pipeline := mongo.Pipeline{
		{{Key: "$project", Value: bson.M{"v": numeric}}},
		{{Key: "$group", Value: bson.M{
			"_id":     nil,
			"count":   bson.M{"$sum": 1},
			"present": bson.M{"$sum": bson.M{"$cond": bson.A{bson.M{"$eq": bson.A{"$v", nil}}, 0, 1}}},
			"sum":     bson.M{"$sum": "$v"},
			"min":     bson.M{"$min": "$v"},
			"max":     bson.M{"$max": "$v"},
			"avg":     bson.M{"$avg": "$v"},
		}}},
	}
	cur, err := s.db.Collection(collection).Aggregate(ctx, pipeline)
	if err != nil {
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to aggregate %s over %s: %w", q.Field, collection, err)
	}
	defer cur.Close(ctx)

	var rows []struct {
		Count   int64    `bson:"count"`
		Present int64    `bson:"present"`
		Sum     float64  `bson:"sum"`
		Min     *float64 `bson:"min"`
		Max     *float64 `bson:"max"`
		Avg     *float64 `bson:"avg"`
	}
	if err := cur.All(ctx, &rows); err != nil {
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to read aggregate of %s: %w", collection, err)
	}
	res := &store.AggregateResult{}
	if len(rows) == 0 {
		return res, nil
	}
	r := rows[0]
	res.Count, res.Present, res.Sum = r.Count, r.Present, r.Sum
	if r.Min != nil {
		res.Min = *r.Min
	}
	if r.Max != nil {
		res.Max = *r.Max
	}
	if r.Avg != nil {
		res.Avg = *r.Avg
	}
	return res, nil
}

// Close implements store.Store
func (s *Store) Close(ctx context.Context) error {
	return s.client.Disconnect(ctx)
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
	ctx, span := c.store.startSpan(ctx, "mongo.CursorNext", c.collection)
	defer span.End()

	filter := bson.M{}
	if c.started {
		filter = bson.M{"_id": bson.M{"$gt": c.lastKey}}
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}}).SetLimit(int64(c.pageSize))
	cur, err := c.store.db.Collection(c.collection).Find(ctx, filter, opts)
	if err != nil {
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to read page of %s: %w", c.collection, err)
	}
	defer cur.Close(ctx)

	var rows []stored
	if err := cur.All(ctx, &rows); err != nil {
		otel.RecordError(span, err)
		return nil, fmt.Errorf("failed to decode page of %s: %w", c.collection, err)
	}
	if len(rows) == 0 {
		return nil, io.EOF
	}
	page := make([]store.Document, 0, len(rows))
	for _, row := range rows {
		doc, err := fromBSON(row)
		if err != nil {
			return nil, err
		}
		page = append(page, doc)
	}
	c.lastKey = page[len(page)-1].ID
	c.started = true
	return page, nil
}

func (c *cursor) Close(context.Context) error {
	c.closed = true
	return nil
}

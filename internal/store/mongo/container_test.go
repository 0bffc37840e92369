package mongo

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	tc "github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/mongodb"

	"github.com/stacklok/catalog-mirror/internal/store"
)

func setupStore(t *testing.T) *Store {
	t.Helper()
	if testing.Short() {
		t.Skip("requires docker")
	}
	ctx := context.Background()

	container, err := mongodb.Run(ctx, "mongo:7")
	require.NoError(t, err)
	t.Cleanup(func() { tc.CleanupContainer(t, container) })

	uri, err := container.ConnectionString(ctx)
	require.NoError(t, err)

	s, err := Connect(ctx, uri, "mirror_test")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func doc(t *testing.T, id string, v any) store.Document {
	t.Helper()
	d, err := store.NewDocument(id, v)
	require.NoError(t, err)
	return d
}

func TestConnect_RequiresDatabase(t *testing.T) {
	t.Parallel()

	_, err := Connect(context.Background(), "mongodb://localhost:27017", "")
	assert.Error(t, err)
}

func TestStore_Mongo(t *testing.T) {
	t.Parallel()
	s := setupStore(t)
	ctx := context.Background()

	t.Run("get and upsert", func(t *testing.T) {
		_, err := s.Get(ctx, store.CollectionCreations, "missing")
		assert.ErrorIs(t, err, store.ErrNotFound)

		results, err := s.BulkUpsert(ctx, store.CollectionCreations, []store.Document{
			doc(t, "c-1", map[string]any{"platform": map[string]any{"visits": 10}}),
			doc(t, "c-2", map[string]any{"platform": map[string]any{"visits": 30}}),
		})
		require.NoError(t, err)
		assert.Empty(t, store.Failed(results))

		got, err := s.Get(ctx, store.CollectionCreations, "c-2")
		require.NoError(t, err)
		assert.JSONEq(t, `{"platform":{"visits":30}}`, string(got.Data))
	})

	t.Run("upsert replaces and reports bad documents", func(t *testing.T) {
		results, err := s.BulkUpsert(ctx, store.CollectionCreators, []store.Document{
			doc(t, "u-9", map[string]any{"name": "first"}),
			{ID: "u-bad", Data: []byte(`not json`)},
		})
		require.NoError(t, err)
		failed := store.Failed(results)
		require.Len(t, failed, 1)
		assert.Equal(t, "u-bad", failed[0].ID)

		_, err = s.BulkUpsert(ctx, store.CollectionCreators, []store.Document{doc(t, "u-9", map[string]any{"name": "second"})})
		require.NoError(t, err)
		got, err := s.Get(ctx, store.CollectionCreators, "u-9")
		require.NoError(t, err)
		assert.JSONEq(t, `{"name":"second"}`, string(got.Data))
	})

	t.Run("numbers round-trip", func(t *testing.T) {
		body := `{"owner":{"id":1099511627776,"tags":["a"]},"platform":{"visits":12,"rating":0.5,"note":null}}`
		_, err := s.BulkUpsert(ctx, "numbers", []store.Document{{ID: "n-1", Data: []byte(body)}})
		require.NoError(t, err)

		got, err := s.Get(ctx, "numbers", "n-1")
		require.NoError(t, err)
		assert.JSONEq(t, body, string(got.Data))
	})

	t.Run("cursor pages in key order", func(t *testing.T) {
		for _, id := range []string{"p-3", "p-1", "p-2"} {
			_, err := s.BulkUpsert(ctx, "paged", []store.Document{doc(t, id, map[string]any{})})
			require.NoError(t, err)
		}
		cur, err := s.OpenCursor(ctx, "paged", 2)
		require.NoError(t, err)
		defer cur.Close(ctx)

		var (
			seen  []string
			pages int
		)
		for {
			page, err := cur.Next(ctx)
			if errors.Is(err, io.EOF) {
				break
			}
			require.NoError(t, err)
			pages++
			for _, d := range page {
				seen = append(seen, d.ID)
			}
		}
		assert.Equal(t, []string{"p-1", "p-2", "p-3"}, seen)
		assert.Equal(t, 2, pages)
	})

	t.Run("commit and aggregate", func(t *testing.T) {
		b := store.NewBatch()
		b.Upsert(store.CollectionCreations, doc(t, "c-3", map[string]any{"platform": map[string]any{"visits": 20}}))
		entry := doc(t, "entry-1", map[string]any{"subjectId": "c-3"})
		b.Append(store.CollectionChangelog, entry)
		require.NoError(t, s.Commit(ctx, b))

		// Appending the same entry again is a no-op
		require.NoError(t, s.Append(ctx, store.CollectionChangelog, []store.Document{entry}))

		res, err := s.Aggregate(ctx, store.CollectionCreations, store.AggregateQuery{Field: "platform.visits"})
		require.NoError(t, err)
		assert.Equal(t, int64(3), res.Count)
		assert.Equal(t, int64(3), res.Present)
		assert.InDelta(t, 60, res.Sum, 0.0001)
		assert.InDelta(t, 20, res.Avg, 0.0001)
		assert.InDelta(t, 10, res.Min, 0.0001)
		assert.InDelta(t, 30, res.Max, 0.0001)

		res, err = s.Aggregate(ctx, store.CollectionChangelog, store.AggregateQuery{Field: "subjectId"})
		require.NoError(t, err)
		assert.Equal(t, int64(1), res.Count)
		assert.Zero(t, res.Present)
	})

	t.Run("append dedups within and across calls", func(t *testing.T) {
		a := doc(t, "e-a", map[string]any{"n": 1})
		require.NoError(t, s.Append(ctx, "entries", []store.Document{a, doc(t, "e-b", map[string]any{"n": 2})}))
		require.NoError(t, s.Append(ctx, "entries", []store.Document{a, doc(t, "e-c", map[string]any{"n": 3})}))

		res, err := s.Aggregate(ctx, "entries", store.AggregateQuery{Field: "n"})
		require.NoError(t, err)
		assert.Equal(t, int64(3), res.Count)
		assert.InDelta(t, 6, res.Sum, 0.0001)
	})

	t.Run("commit reports a bad document", func(t *testing.T) {
		b := store.NewBatch()
		b.Upsert(store.CollectionCreations, doc(t, "c-9", map[string]any{}), store.Document{})
		require.Error(t, s.Commit(ctx, b))
	})
}

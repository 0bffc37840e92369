package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDocument(t *testing.T) {
	t.Parallel()

	doc, err := NewDocument("c-1", map[string]any{"title": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "c-1", doc.ID)
	assert.JSONEq(t, `{"title":"hello"}`, string(doc.Data))

	var out map[string]any
	require.NoError(t, doc.Decode(&out))
	assert.Equal(t, "hello", out["title"])

	_, err = NewDocument("", map[string]any{})
	assert.Error(t, err)
}

func TestBatch(t *testing.T) {
	t.Parallel()

	b := NewBatch()
	assert.True(t, b.Empty())

	b.Upsert(CollectionCreations, Document{ID: "a", Data: []byte(`{}`)})
	assert.False(t, b.Empty())

	b2 := NewBatch()
	b2.Append(CollectionChangelog)
	assert.True(t, b2.Empty(), "appending no documents keeps the batch empty")
}

func TestFailed(t *testing.T) {
	t.Parallel()

	results := []UpsertResult{{ID: "a"}, {ID: "b", Err: assert.AnError}, {ID: "c"}}
	failed := Failed(results)
	require.Len(t, failed, 1)
	assert.Equal(t, "b", failed[0].ID)
}

func TestAccumulator(t *testing.T) {
	t.Parallel()

	acc := NewAccumulator("platform.visits")
	acc.Add([]byte(`{"platform":{"visits":10}}`))
	acc.Add([]byte(`{"platform":{"visits":30}}`))
	acc.Add([]byte(`{"platform":{"visits":"n/a"}}`))
	acc.Add([]byte(`{"owner":{}}`))

	res := acc.Result()
	assert.Equal(t, int64(4), res.Count)
	assert.Equal(t, int64(2), res.Present)
	assert.InDelta(t, 40, res.Sum, 0.0001)
	assert.InDelta(t, 10, res.Min, 0.0001)
	assert.InDelta(t, 30, res.Max, 0.0001)
	assert.InDelta(t, 20, res.Avg, 0.0001)
}

func TestAccumulator_NoValues(t *testing.T) {
	t.Parallel()

	acc := NewAccumulator("platform.visits")
	res := acc.Result()
	assert.Zero(t, res.Count)
	assert.Zero(t, res.Min)
	assert.Zero(t, res.Max)
	assert.Zero(t, res.Avg)
}

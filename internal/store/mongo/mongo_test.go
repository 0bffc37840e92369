package mongo

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/stacklok/catalog-mirror/internal/store"
)

func TestBSONRoundTrip(t *testing.T) {
	t.Parallel()

	in := store.Document{
		ID:   "c-1",
		Data: []byte(`{"owner":{"title":"Obby","tags":["a","b"]},"platform":{"visits":12,"rating":0.5,"note":null}}`),
	}
	d, err := toBSON(in)
	require.NoError(t, err)

	raw, err := bson.Marshal(d)
	require.NoError(t, err)
	var s stored
	require.NoError(t, bson.Unmarshal(raw, &s))
	assert.Equal(t, "c-1", s.ID)

	out, err := fromBSON(s)
	require.NoError(t, err)
	assert.Equal(t, "c-1", out.ID)
	assert.JSONEq(t, string(in.Data), string(out.Data))
}

func TestToBSON_Errors(t *testing.T) {
	t.Parallel()

	_, err := toBSON(store.Document{Data: []byte(`{}`)})
	assert.Error(t, err, "missing id")

	_, err = toBSON(store.Document{ID: "x", Data: []byte(`not json`)})
	assert.Error(t, err)
}

func TestOnlyDuplicates(t *testing.T) {
	t.Parallel()

	dup := mongo.BulkWriteException{WriteErrors: []mongo.BulkWriteError{
		{WriteError: mongo.WriteError{Index: 0, Code: duplicateKeyCode}},
	}}
	assert.True(t, onlyDuplicates(dup))

	mixed := mongo.BulkWriteException{WriteErrors: []mongo.BulkWriteError{
		{WriteError: mongo.WriteError{Index: 0, Code: duplicateKeyCode}},
		{WriteError: mongo.WriteError{Index: 1, Code: 2}},
	}}
	assert.False(t, onlyDuplicates(mixed))
	assert.False(t, onlyDuplicates(assert.AnError))
}

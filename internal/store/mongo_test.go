package store

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"
)

func TestMongoListSortBreaksTiesOnInsertStamp(t *testing.T) {
	assert.Equal(t, bson.D{
		{Key: "createdAt", Value: -1},
		{Key: createdField, Value: -1},
		{Key: "_id", Value: -1},
	}, listSort(Query{OrderBy: "createdAt", Desc: true}))

	assert.Equal(t, bson.D{
		{Key: createdField, Value: 1},
		{Key: "_id", Value: 1},
	}, listSort(Query{}))
}

func TestMongoInsertStampIsSortable(t *testing.T) {
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	clock := base
	m := &Mongo{Now: func() time.Time { return clock }}
	first := m.now()
	clock = base.Add(time.Nanosecond)
	second := m.now()
	assert.Less(t, first, second, "same-second inserts keep their order")
}

func TestEncodeDocHidesBookkeepingFields(t *testing.T) {
	raw, err := encodeDoc(bson.M{"_id": "t1", createdField: "2026-01-02T03:04:05.000000000Z", "id": "t1", "title": "Old"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"id":"t1","title":"Old"}`, string(raw))
}

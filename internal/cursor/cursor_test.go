package cursor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fauxdb/mongopg-gateway/internal/bson"
	"github.com/fauxdb/mongopg-gateway/internal/gatewayerr"
)

func docs(n int) []*bson.Document {
	out := make([]*bson.Document, n)
	for i := range out {
		out[i] = bson.NewDocument().Append("n", bson.Int32Val(int32(i)))
	}
	return out
}

func TestAdvanceExhaustsAndClosesCursor(t *testing.T) {
	r := NewRegistry(time.Minute)
	defer r.Close()

	c := r.New("db.coll", NewSliceBatch(docs(3)))
	batch, id, err := r.Advance(c.ID, 2)
	require.NoError(t, err)
	assert.Len(t, batch, 2)
	assert.Equal(t, c.ID, id)

	batch2, id2, err := r.Advance(c.ID, 2)
	require.NoError(t, err)
	assert.Len(t, batch2, 1)
	assert.Equal(t, int64(0), id2)

	_, err = r.Get(c.ID)
	require.Error(t, err)
	ge, ok := gatewayerr.As(err)
	require.True(t, ok)
	assert.Equal(t, gatewayerr.KindCursorNotFound, ge.Kind)
}

func TestGetMoreAfterCloseFailsWithCursorNotFound(t *testing.T) {
	r := NewRegistry(time.Minute)
	defer r.Close()

	c := r.New("db.coll", NewSliceBatch(docs(1)))
	_, id, err := r.Advance(c.ID, 10)
	require.NoError(t, err)
	require.Equal(t, int64(0), id)

	_, _, err = r.Advance(c.ID, 10)
	require.Error(t, err)
}

func TestKillManyReportsFoundAndNotFound(t *testing.T) {
	r := NewRegistry(time.Minute)
	defer r.Close()

	c1 := r.New("db.coll", NewSliceBatch(docs(5)))
	killed, notFound := r.KillMany([]int64{c1.ID, 9999})
	assert.Equal(t, []int64{c1.ID}, killed)
	assert.Equal(t, []int64{9999}, notFound)
}

func TestRegistryIDsAreNonZeroAndUnique(t *testing.T) {
	r := NewRegistry(time.Minute)
	defer r.Close()

	c1 := r.New("db.coll", NewSliceBatch(docs(1)))
	c2 := r.New("db.coll", NewSliceBatch(docs(1)))
	assert.NotZero(t, c1.ID)
	assert.NotZero(t, c2.ID)
	assert.NotEqual(t, c1.ID, c2.ID)
}

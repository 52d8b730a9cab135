package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fauxdb/mongopg-gateway/internal/bson"
)

func TestMarshalLiftRoundTrip(t *testing.T) {
	id := bson.NewObjectID()
	doc := bson.NewDocument().
		Append("_id", bson.ObjectIDVal(id)).
		Append("name", bson.String("ada")).
		Append("count", bson.Int32Val(42)).
		Append("big", bson.Int64Val(1<<40)).
		Append("ratio", bson.Double(3.5)).
		Append("nested", bson.Doc(bson.NewDocument().Append("x", bson.Int32Val(1)))).
		Append("tags", bson.Array([]bson.Value{bson.String("a"), bson.String("b")}))

	payload, err := MarshalDocument(doc)
	require.NoError(t, err)

	lifted, err := LiftRow(payload)
	require.NoError(t, err)

	assert.Equal(t, doc.Names(), lifted.Names())

	idVal, ok := lifted.Get("_id")
	require.True(t, ok)
	assert.Equal(t, bson.KindObjectID, idVal.Kind)
	assert.Equal(t, id, idVal.OID)

	countVal, _ := lifted.Get("count")
	assert.Equal(t, bson.KindInt32, countVal.Kind)

	bigVal, _ := lifted.Get("big")
	assert.Equal(t, bson.KindInt64, bigVal.Kind)

	ratioVal, _ := lifted.Get("ratio")
	assert.Equal(t, bson.KindDouble, ratioVal.Kind)
}

func TestLiftRowFieldOrderPreserved(t *testing.T) {
	doc := bson.NewDocument().Append("z", bson.Int32Val(1)).Append("a", bson.Int32Val(2))
	payload, err := MarshalDocument(doc)
	require.NoError(t, err)
	lifted, err := LiftRow(payload)
	require.NoError(t, err)
	assert.Equal(t, []string{"z", "a"}, lifted.Names())
}

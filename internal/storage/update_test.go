package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fauxdb/mongopg-gateway/internal/bson"
	"github.com/fauxdb/mongopg-gateway/internal/gatewayerr"
)

func sampleDoc() *bson.Document {
	return bson.NewDocument().
		Append("_id", bson.ObjectIDVal(bson.NewObjectID())).
		Append("name", bson.String("ada")).
		Append("age", bson.Int32Val(30)).
		Append("tags", bson.Array([]bson.Value{bson.String("x")}))
}

func TestApplyUpdateSet(t *testing.T) {
	doc := sampleDoc()
	spec := bson.NewDocument().Append("$set", bson.Doc(bson.NewDocument().Append("name", bson.String("grace"))))
	result, err := ApplyUpdate(doc, spec)
	require.NoError(t, err)
	v, _ := result.GetString("name")
	assert.Equal(t, "grace", v)

	original, _ := doc.GetString("name")
	assert.Equal(t, "ada", original, "original document must not be mutated")
}

func TestApplyUpdateIncPromotesWidth(t *testing.T) {
	doc := sampleDoc()
	spec := bson.NewDocument().Append("$inc", bson.Doc(bson.NewDocument().Append("age", bson.Int64Val(1<<40))))
	result, err := ApplyUpdate(doc, spec)
	require.NoError(t, err)
	v, ok := result.Get("age")
	require.True(t, ok)
	assert.Equal(t, bson.KindInt64, v.Kind)
}

func TestApplyUpdateUnset(t *testing.T) {
	doc := sampleDoc()
	spec := bson.NewDocument().Append("$unset", bson.Doc(bson.NewDocument().Append("age", bson.String(""))))
	result, err := ApplyUpdate(doc, spec)
	require.NoError(t, err)
	_, ok := result.Get("age")
	assert.False(t, ok)
}

func TestApplyUpdatePushAndPull(t *testing.T) {
	doc := sampleDoc()
	spec := bson.NewDocument().Append("$push", bson.Doc(bson.NewDocument().Append("tags", bson.String("y"))))
	result, err := ApplyUpdate(doc, spec)
	require.NoError(t, err)
	tags, _ := result.Get("tags")
	assert.Len(t, tags.Arr, 2)

	pullSpec := bson.NewDocument().Append("$pull", bson.Doc(bson.NewDocument().Append("tags", bson.String("x"))))
	result2, err := ApplyUpdate(result, pullSpec)
	require.NoError(t, err)
	tags2, _ := result2.Get("tags")
	assert.Len(t, tags2.Arr, 1)
}

func TestApplyUpdateMixedKeysFails(t *testing.T) {
	doc := sampleDoc()
	spec := bson.NewDocument().Append("$set", bson.Doc(bson.NewDocument())).Append("plain", bson.Int32Val(1))
	_, err := ApplyUpdate(doc, spec)
	require.Error(t, err)
	ge, ok := gatewayerr.As(err)
	require.True(t, ok)
	assert.Equal(t, gatewayerr.KindMixedUpdate, ge.Kind)
}

func TestApplyUpdatePlainReplacementPreservesID(t *testing.T) {
	doc := sampleDoc()
	id, _ := doc.Get("_id")
	replacement := bson.NewDocument().Append("name", bson.String("only"))
	result, err := ApplyUpdate(doc, replacement)
	require.NoError(t, err)
	gotID, ok := result.Get("_id")
	require.True(t, ok)
	assert.Equal(t, id, gotID)
	_, hasAge := result.Get("age")
	assert.False(t, hasAge)
}

func TestApplyUpdateDotNotation(t *testing.T) {
	doc := bson.NewDocument().Append("_id", bson.ObjectIDVal(bson.NewObjectID()))
	spec := bson.NewDocument().Append("$set", bson.Doc(bson.NewDocument().Append("a.b.c", bson.Int32Val(7))))
	result, err := ApplyUpdate(doc, spec)
	require.NoError(t, err)
	a, ok := result.Get("a")
	require.True(t, ok)
	b, ok := a.Doc.Get("b")
	require.True(t, ok)
	c, ok := b.Doc.Get("c")
	require.True(t, ok)
	assert.Equal(t, int32(7), c.Int32)
}

// TestApplyUpdateRepeatedIdenticalSetIsANoOp exercises the equality
// check Gateway.Update runs before writing a row: a second identical
// $set against the already-updated document must produce a document
// bson.Equal to the one already stored, so the SQL layer can skip the
// write and report modified=0 (spec.md §8 property 8).
func TestApplyUpdateRepeatedIdenticalSetIsANoOp(t *testing.T) {
	doc := sampleDoc()
	spec := bson.NewDocument().Append("$set", bson.Doc(bson.NewDocument().Append("name", bson.String("grace"))))

	once, err := ApplyUpdate(doc, spec)
	require.NoError(t, err)
	twice, err := ApplyUpdate(once, spec)
	require.NoError(t, err)

	assert.True(t, bson.Equal(bson.Doc(once), bson.Doc(twice)))
}

// TestApplyUpdateChangingSetIsNotANoOp is the negative case: a $set
// that actually changes a field value must not be mistaken for a no-op.
func TestApplyUpdateChangingSetIsNotANoOp(t *testing.T) {
	doc := sampleDoc()
	first := bson.NewDocument().Append("$set", bson.Doc(bson.NewDocument().Append("name", bson.String("grace"))))
	second := bson.NewDocument().Append("$set", bson.Doc(bson.NewDocument().Append("name", bson.String("ada"))))

	once, err := ApplyUpdate(doc, first)
	require.NoError(t, err)
	twice, err := ApplyUpdate(once, second)
	require.NoError(t, err)

	assert.False(t, bson.Equal(bson.Doc(once), bson.Doc(twice)))
}

package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fauxdb/mongopg-gateway/internal/bson"
	"github.com/fauxdb/mongopg-gateway/internal/gatewayerr"
)

func TestLowerFilterScalarEquality(t *testing.T) {
	f := bson.NewDocument().Append("name", bson.String("ada"))
	clause, args, err := LowerFilter(f)
	require.NoError(t, err)
	assert.Equal(t, `(data ->> 'name' = $1)`, clause)
	assert.Equal(t, []interface{}{"ada"}, args)
}

func TestLowerFilterComparisonOperators(t *testing.T) {
	f := bson.NewDocument().Append("age", bson.Doc(bson.NewDocument().Append("$gte", bson.Int32Val(21))))
	clause, args, err := LowerFilter(f)
	require.NoError(t, err)
	assert.Contains(t, clause, "::numeric >= $1")
	assert.Equal(t, []interface{}{float64(21)}, args)
}

func TestLowerFilterInOperator(t *testing.T) {
	f := bson.NewDocument().Append("status", bson.Doc(bson.NewDocument().Append("$in",
		bson.Array([]bson.Value{bson.String("a"), bson.String("b")}))))
	clause, args, err := LowerFilter(f)
	require.NoError(t, err)
	assert.Contains(t, clause, "IN ($1, $2)")
	assert.Equal(t, []interface{}{"a", "b"}, args)
}

func TestLowerFilterAndOr(t *testing.T) {
	f := bson.NewDocument().Append("$and", bson.Array([]bson.Value{
		bson.Doc(bson.NewDocument().Append("a", bson.Int32Val(1))),
		bson.Doc(bson.NewDocument().Append("b", bson.Int32Val(2))),
	}))
	clause, args, err := LowerFilter(f)
	require.NoError(t, err)
	assert.Contains(t, clause, "AND")
	assert.Len(t, args, 2)
}

func TestLowerFilterExists(t *testing.T) {
	f := bson.NewDocument().Append("f", bson.Doc(bson.NewDocument().Append("$exists", bson.Bool(false))))
	clause, _, err := LowerFilter(f)
	require.NoError(t, err)
	assert.Contains(t, clause, "NOT (data ? 'f')")
}

func TestLowerFilterUnsupportedOperatorFails(t *testing.T) {
	f := bson.NewDocument().Append("f", bson.Doc(bson.NewDocument().Append("$unknownOp", bson.Int32Val(1))))
	_, _, err := LowerFilter(f)
	require.Error(t, err)
	ge, ok := gatewayerr.As(err)
	require.True(t, ok)
	assert.Equal(t, "unsupported filter operator $unknownOp", ge.Message)
}

func TestLowerFilterEmpty(t *testing.T) {
	clause, args, err := LowerFilter(bson.NewDocument())
	require.NoError(t, err)
	assert.Equal(t, "TRUE", clause)
	assert.Nil(t, args)
}

package aggregation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fauxdb/mongopg-gateway/internal/bson"
)

func doc(fields ...interface{}) *bson.Document {
	d := bson.NewDocument()
	for i := 0; i+1 < len(fields); i += 2 {
		d.Append(fields[i].(string), fields[i+1].(bson.Value))
	}
	return d
}

func sampleDocs() []*bson.Document {
	return []*bson.Document{
		doc("name", bson.String("ada"), "dept", bson.String("eng"), "age", bson.Int32Val(30)),
		doc("name", bson.String("grace"), "dept", bson.String("eng"), "age", bson.Int32Val(40)),
		doc("name", bson.String("alan"), "dept", bson.String("research"), "age", bson.Int32Val(35)),
	}
}

func TestExecuteMatchAndSort(t *testing.T) {
	stages, err := ParsePipeline([]bson.Value{
		bson.Doc(doc("$match", bson.Doc(doc("dept", bson.String("eng"))))),
		bson.Doc(doc("$sort", bson.Doc(doc("age", bson.Int32Val(-1))))),
	})
	require.NoError(t, err)

	out, err := Execute(stages, sampleDocs())
	require.NoError(t, err)
	require.Len(t, out, 2)
	name, _ := out[0].GetString("name")
	assert.Equal(t, "grace", name)
}

func TestExecuteSkipLimit(t *testing.T) {
	stages, err := ParsePipeline([]bson.Value{
		bson.Doc(doc("$skip", bson.Int32Val(1))),
		bson.Doc(doc("$limit", bson.Int32Val(1))),
	})
	require.NoError(t, err)
	out, err := Execute(stages, sampleDocs())
	require.NoError(t, err)
	require.Len(t, out, 1)
	name, _ := out[0].GetString("name")
	assert.Equal(t, "grace", name)
}

func TestExecuteUnwind(t *testing.T) {
	docs := []*bson.Document{
		doc("name", bson.String("ada"), "tags", bson.Array([]bson.Value{bson.String("x"), bson.String("y")})),
		doc("name", bson.String("alan"), "tags", bson.Array(nil)),
	}
	stages, err := ParsePipeline([]bson.Value{
		bson.Doc(doc("$unwind", bson.String("$tags"))),
	})
	require.NoError(t, err)
	out, err := Execute(stages, docs)
	require.NoError(t, err)
	require.Len(t, out, 2)
}

func TestExecuteCount(t *testing.T) {
	stages, err := ParsePipeline([]bson.Value{
		bson.Doc(doc("$count", bson.String("total"))),
	})
	require.NoError(t, err)
	out, err := Execute(stages, sampleDocs())
	require.NoError(t, err)
	require.Len(t, out, 1)
	v, _ := out[0].Get("total")
	assert.Equal(t, int32(3), v.Int32)
}

func TestExecuteGroupSumAndPush(t *testing.T) {
	stages, err := ParsePipeline([]bson.Value{
		bson.Doc(doc(
			"$group", bson.Doc(doc(
				"_id", bson.String("$dept"),
				"count", bson.Doc(doc("$sum", bson.Int32Val(1))),
				"names", bson.Doc(doc("$push", bson.String("$name"))),
				"maxAge", bson.Doc(doc("$max", bson.String("$age"))),
			)),
		)),
	})
	require.NoError(t, err)

	out, err := Execute(stages, sampleDocs())
	require.NoError(t, err)
	require.Len(t, out, 2)

	var eng *bson.Document
	for _, d := range out {
		id, _ := d.GetString("_id")
		if id == "eng" {
			eng = d
		}
	}
	require.NotNil(t, eng)
	count, _ := eng.Get("count")
	assert.Equal(t, float64(2), count.Double)
	names, _ := eng.Get("names")
	assert.Len(t, names.Arr, 2)
	maxAge, _ := eng.Get("maxAge")
	assert.Equal(t, int32(40), maxAge.Int32)
}

func TestExecuteNotImplementedStage(t *testing.T) {
	stages, err := ParsePipeline([]bson.Value{
		bson.Doc(doc("$lookup", bson.Doc(doc()))),
	})
	require.NoError(t, err)
	_, err = Execute(stages, sampleDocs())
	require.Error(t, err)
}

func TestParsePipelineRejectsUnknownStage(t *testing.T) {
	_, err := ParsePipeline([]bson.Value{
		bson.Doc(doc("$bogus", bson.Int32Val(1))),
	})
	require.Error(t, err)
}

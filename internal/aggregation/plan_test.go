package aggregation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fauxdb/mongopg-gateway/internal/bson"
)

func TestBuildPlanPushdownEligible(t *testing.T) {
	stages, err := ParsePipeline([]bson.Value{
		bson.Doc(doc("$match", bson.Doc(doc("dept", bson.String("eng"))))),
		bson.Doc(doc("$sort", bson.Doc(doc("age", bson.Int32Val(1))))),
		bson.Doc(doc("$skip", bson.Int32Val(2))),
		bson.Doc(doc("$limit", bson.Int32Val(10))),
	})
	require.NoError(t, err)

	plan, ok := BuildPlan(stages)
	require.True(t, ok)
	assert.Equal(t, int32(2), plan.Skip)
	assert.Equal(t, int32(10), plan.Limit)
	require.NotNil(t, plan.Sort)
	require.NotNil(t, plan.Filter)
}

func TestBuildPlanRejectsGroup(t *testing.T) {
	stages, err := ParsePipeline([]bson.Value{
		bson.Doc(doc("$group", bson.Doc(doc("_id", bson.String("$dept"))))),
	})
	require.NoError(t, err)

	_, ok := BuildPlan(stages)
	assert.False(t, ok)
}

func TestBuildPlanRejectsComputedProject(t *testing.T) {
	stages, err := ParsePipeline([]bson.Value{
		bson.Doc(doc("$project", bson.Doc(doc("full", bson.String("$name"))))),
	})
	require.NoError(t, err)

	_, ok := BuildPlan(stages)
	assert.False(t, ok)
}

func TestApplyProjectionInclusion(t *testing.T) {
	d := doc("_id", bson.Int32Val(1), "name", bson.String("ada"), "age", bson.Int32Val(30))
	projection := doc("name", bson.Int32Val(1))
	out := ApplyProjection(d, projection)
	assert.Equal(t, []string{"_id", "name"}, out.Names())
}

func TestApplyProjectionExclusion(t *testing.T) {
	d := doc("_id", bson.Int32Val(1), "name", bson.String("ada"), "age", bson.Int32Val(30))
	projection := doc("age", bson.Int32Val(0))
	out := ApplyProjection(d, projection)
	assert.Equal(t, []string{"_id", "name"}, out.Names())
}

func TestApplyProjectionExcludeID(t *testing.T) {
	d := doc("_id", bson.Int32Val(1), "name", bson.String("ada"))
	projection := doc("_id", bson.Int32Val(0), "name", bson.Int32Val(1))
	out := ApplyProjection(d, projection)
	assert.Equal(t, []string{"name"}, out.Names())
}

// Package aggregation implements the aggregation pipeline engine
// (spec.md §4.5): parsing pipeline stages, choosing between pushdown
// and interpreted execution, and the interpreted stage contracts.
// Behaviorally grounded on original_source/src/aggregation_pipeline.rs
// (its PipelineStage enum and to_sql lowering), reimplemented as a Go
// tagged-struct slice and stage-function chain rather than a Rust enum
// match, and with the official driver-style opcode registry pattern
// the teacher uses for its own command dispatch.
package aggregation

import (
	"github.com/fauxdb/mongopg-gateway/internal/bson"
	"github.com/fauxdb/mongopg-gateway/internal/gatewayerr"
)

// Kind identifies a pipeline stage.
type Kind string

const (
	StageMatch       Kind = "$match"
	StageProject     Kind = "$project"
	StageGroup       Kind = "$group"
	StageSort        Kind = "$sort"
	StageSkip        Kind = "$skip"
	StageLimit       Kind = "$limit"
	StageUnwind      Kind = "$unwind"
	StageCount       Kind = "$count"
	StageLookup      Kind = "$lookup"
	StageGraphLookup Kind = "$graphLookup"
	StageFacet       Kind = "$facet"
	StageBucket      Kind = "$bucket"
	StageOut         Kind = "$out"
	StageMerge       Kind = "$merge"
	StageUnionWith   Kind = "$unionWith"
	StageDensify     Kind = "$densify"
	StageFill        Kind = "$fill"
)

// notImplementedStages execute-time-fail per spec.md §4.5: the parser
// recognizes them but running the pipeline returns NotImplemented.
var notImplementedStages = map[Kind]bool{
	StageLookup: true, StageGraphLookup: true, StageFacet: true,
	StageBucket: true, StageOut: true, StageMerge: true,
	StageUnionWith: true, StageDensify: true, StageFill: true,
}

// pushdownEligibleKinds is the stage set spec.md §4.5 allows for single-
// SQL-query execution; $project only qualifies in its 1/0-only (no
// expression) form, checked separately in plan.go.
var pushdownEligibleKinds = map[Kind]bool{
	StageMatch: true, StageSort: true, StageLimit: true,
	StageSkip: true, StageProject: true,
}

// Stage is one parsed pipeline stage.
type Stage struct {
	Kind Kind
	Arg  bson.Value
}

// ParsePipeline parses a pipeline array of single-key stage documents
// (spec.md §4.5).
func ParsePipeline(arr []bson.Value) ([]Stage, error) {
	stages := make([]Stage, 0, len(arr))
	for _, elem := range arr {
		if elem.Kind != bson.KindDocument || elem.Doc.Len() != 1 {
			return nil, gatewayerr.New(gatewayerr.KindInvalidArgument, "aggregation stage must be a single-key document")
		}
		name := elem.Doc.Names()[0]
		arg, _ := elem.Doc.Get(name)
		k := Kind(name)
		if !knownStage(k) {
			return nil, gatewayerr.New(gatewayerr.KindUnsupportedOperator, "unrecognized aggregation stage "+name)
		}
		stages = append(stages, Stage{Kind: k, Arg: arg})
	}
	return stages, nil
}

func knownStage(k Kind) bool {
	if pushdownEligibleKinds[k] || notImplementedStages[k] {
		return true
	}
	switch k {
	case StageGroup, StageUnwind, StageCount:
		return true
	default:
		return false
	}
}

package aggregation

import (
	"github.com/fauxdb/mongopg-gateway/internal/bson"
)

// Plan is the pushdown query shape produced when every stage in a
// pipeline qualifies (spec.md §4.5: "Pushdown is used iff every stage
// is in {$match, $sort, $limit, $skip, $project-with-1/0-only}").
type Plan struct {
	Filter     *bson.Document
	Sort       *bson.Document
	Skip       int32
	Limit      int32
	Projection *bson.Document
}

// BuildPlan attempts to compile stages into a single-query Plan. ok is
// false if any stage falls outside the pushdown set, in which case the
// caller must run Execute over the full collection scan instead.
func BuildPlan(stages []Stage) (*Plan, bool) {
	for _, s := range stages {
		if !pushdownEligibleKinds[s.Kind] {
			return nil, false
		}
		if s.Kind == StageProject && !isProjectionSimple(s.Arg) {
			return nil, false
		}
	}

	plan := &Plan{Filter: bson.NewDocument()}
	var andTerms []bson.Value
	for _, s := range stages {
		switch s.Kind {
		case StageMatch:
			if s.Arg.Kind == bson.KindDocument {
				andTerms = append(andTerms, s.Arg)
			}
		case StageSort:
			if s.Arg.Kind == bson.KindDocument {
				plan.Sort = s.Arg.Doc
			}
		case StageSkip:
			if f, ok := s.Arg.AsFloat64(); ok {
				plan.Skip += int32(f)
			}
		case StageLimit:
			if f, ok := s.Arg.AsFloat64(); ok {
				lim := int32(f)
				if plan.Limit == 0 || lim < plan.Limit {
					plan.Limit = lim
				}
			}
		case StageProject:
			if s.Arg.Kind == bson.KindDocument {
				plan.Projection = s.Arg.Doc
			}
		}
	}
	if len(andTerms) == 1 {
		plan.Filter = andTerms[0].Doc
	} else if len(andTerms) > 1 {
		plan.Filter = bson.NewDocument().Append("$and", bson.Array(andTerms))
	}
	return plan, true
}

// isProjectionSimple reports whether a $project argument is pure
// 1/0 inclusion/exclusion (no computed expressions), the only form
// spec.md §4.5 allows into the pushdown path.
func isProjectionSimple(v bson.Value) bool {
	if v.Kind != bson.KindDocument {
		return false
	}
	ok := true
	v.Doc.Each(func(_ string, fv bson.Value) bool {
		switch fv.Kind {
		case bson.KindInt32, bson.KindInt64, bson.KindDouble, bson.KindBool:
			return true
		default:
			ok = false
			return false
		}
	})
	return ok
}

// ApplyProjection filters doc's fields per a simple 1/0 projection
// spec, honoring spec.md §4.5's inclusion/exclusion-mode split with
// `_id` defaulted-in.
func ApplyProjection(doc *bson.Document, projection *bson.Document) *bson.Document {
	if projection == nil {
		return doc
	}
	inclusion, exclusion := false, false
	excludeID := false
	fields := map[string]bool{}
	projection.Each(func(name string, v bson.Value) bool {
		include := truthy(v)
		if name == "_id" {
			excludeID = !include
			return true
		}
		if include {
			inclusion = true
		} else {
			exclusion = true
		}
		fields[name] = include
		return true
	})

	out := bson.NewDocument()
	if inclusion {
		if !excludeID {
			if id, ok := doc.Get("_id"); ok {
				out.Append("_id", id)
			}
		}
		doc.Each(func(name string, v bson.Value) bool {
			if name == "_id" {
				return true
			}
			if fields[name] {
				out.Append(name, v)
			}
			return true
		})
		return out
	}
	if exclusion {
		doc.Each(func(name string, v bson.Value) bool {
			if name == "_id" && excludeID {
				return true
			}
			if excl, isField := fields[name]; isField && !excl {
				return true
			}
			out.Append(name, v)
			return true
		})
		return out
	}
	if excludeID {
		doc.Each(func(name string, v bson.Value) bool {
			if name == "_id" {
				return true
			}
			out.Append(name, v)
			return true
		})
		return out
	}
	return doc
}

func truthy(v bson.Value) bool {
	switch v.Kind {
	case bson.KindBool:
		return v.Bool
	default:
		if f, ok := v.AsFloat64(); ok {
			return f != 0
		}
		return true
	}
}

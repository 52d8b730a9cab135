package aggregation

import (
	"regexp"
	"sort"

	"github.com/fauxdb/mongopg-gateway/internal/bson"
	"github.com/fauxdb/mongopg-gateway/internal/gatewayerr"
)

// Execute runs the interpreted stage chain over input (spec.md §4.5).
// Stages that require materialization ($sort, $group) buffer
// internally; $limit trims after the fact rather than cancelling an
// upstream SQL cursor, since input here is already a fully-read slice.
func Execute(stages []Stage, input []*bson.Document) ([]*bson.Document, error) {
	docs := input
	for _, s := range stages {
		var err error
		docs, err = executeStage(s, docs)
		if err != nil {
			return nil, err
		}
	}
	return docs, nil
}

func executeStage(s Stage, docs []*bson.Document) ([]*bson.Document, error) {
	switch s.Kind {
	case StageMatch:
		return execMatch(s.Arg, docs)
	case StageProject:
		return execProject(s.Arg, docs)
	case StageSort:
		return execSort(s.Arg, docs)
	case StageSkip:
		return execSkip(s.Arg, docs)
	case StageLimit:
		return execLimit(s.Arg, docs)
	case StageUnwind:
		return execUnwind(s.Arg, docs)
	case StageGroup:
		return execGroup(s.Arg, docs)
	case StageCount:
		return execCount(s.Arg, docs)
	default:
		return nil, gatewayerr.New(gatewayerr.KindNotImplemented, string(s.Kind)+" is not implemented")
	}
}

func execMatch(arg bson.Value, docs []*bson.Document) ([]*bson.Document, error) {
	if arg.Kind != bson.KindDocument {
		return nil, gatewayerr.New(gatewayerr.KindInvalidArgument, "$match requires a document")
	}
	var out []*bson.Document
	for _, d := range docs {
		ok, err := evalFilter(arg.Doc, d)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, d)
		}
	}
	return out, nil
}

func execProject(arg bson.Value, docs []*bson.Document) ([]*bson.Document, error) {
	if arg.Kind != bson.KindDocument {
		return nil, gatewayerr.New(gatewayerr.KindInvalidArgument, "$project requires a document")
	}
	out := make([]*bson.Document, len(docs))
	for i, d := range docs {
		out[i] = ApplyProjection(d, arg.Doc)
	}
	return out, nil
}

func execSort(arg bson.Value, docs []*bson.Document) ([]*bson.Document, error) {
	if arg.Kind != bson.KindDocument {
		return nil, gatewayerr.New(gatewayerr.KindInvalidArgument, "$sort requires a document")
	}
	type key struct {
		name string
		desc bool
	}
	var keys []key
	arg.Doc.Each(func(name string, v bson.Value) bool {
		desc := false
		if f, ok := v.AsFloat64(); ok && f < 0 {
			desc = true
		}
		keys = append(keys, key{name: name, desc: desc})
		return true
	})

	out := append([]*bson.Document{}, docs...)
	sort.SliceStable(out, func(i, j int) bool {
		for _, k := range keys {
			vi, _ := out[i].Get(k.name)
			vj, _ := out[j].Get(k.name)
			cmp, ok := bson.Compare(vi, vj)
			if !ok || cmp == 0 {
				continue
			}
			if k.desc {
				return cmp > 0
			}
			return cmp < 0
		}
		return false
	})
	return out, nil
}

func execSkip(arg bson.Value, docs []*bson.Document) ([]*bson.Document, error) {
	n, ok := arg.AsFloat64()
	if !ok || n < 0 {
		return nil, gatewayerr.New(gatewayerr.KindInvalidArgument, "$skip requires a non-negative number")
	}
	skip := int(n)
	if skip >= len(docs) {
		return nil, nil
	}
	return docs[skip:], nil
}

func execLimit(arg bson.Value, docs []*bson.Document) ([]*bson.Document, error) {
	n, ok := arg.AsFloat64()
	if !ok || n < 0 {
		return nil, gatewayerr.New(gatewayerr.KindInvalidArgument, "$limit requires a non-negative number")
	}
	limit := int(n)
	if limit >= len(docs) {
		return docs, nil
	}
	return docs[:limit], nil
}

func execUnwind(arg bson.Value, docs []*bson.Document) ([]*bson.Document, error) {
	path, preserveEmpty := "", false
	switch arg.Kind {
	case bson.KindString:
		path = trimPathPrefix(arg.Str)
	case bson.KindDocument:
		p, err := arg.Doc.GetString("path")
		if err != nil {
			return nil, gatewayerr.New(gatewayerr.KindInvalidArgument, "$unwind requires a path")
		}
		path = trimPathPrefix(p)
		if pe, ok := arg.Doc.Get("preserveNullAndEmptyArrays"); ok && pe.Kind == bson.KindBool {
			preserveEmpty = pe.Bool
		}
	default:
		return nil, gatewayerr.New(gatewayerr.KindInvalidArgument, "$unwind requires a string or document")
	}

	var out []*bson.Document
	for _, d := range docs {
		v, ok := d.Get(path)
		if !ok || v.Kind != bson.KindArray || len(v.Arr) == 0 {
			if preserveEmpty {
				out = append(out, d)
			}
			continue
		}
		for _, elem := range v.Arr {
			clone := d.Clone()
			clone.Set(path, elem)
			out = append(out, clone)
		}
	}
	return out, nil
}

func trimPathPrefix(p string) string {
	if len(p) > 0 && p[0] == '$' {
		return p[1:]
	}
	return p
}

func execCount(arg bson.Value, docs []*bson.Document) ([]*bson.Document, error) {
	name, err := stringArg(arg)
	if err != nil {
		return nil, gatewayerr.New(gatewayerr.KindInvalidArgument, "$count requires a string field name")
	}
	out := bson.NewDocument().Append(name, bson.Int32Val(int32(len(docs))))
	return []*bson.Document{out}, nil
}

func stringArg(v bson.Value) (string, error) {
	if v.Kind != bson.KindString {
		return "", gatewayerr.New(gatewayerr.KindInvalidArgument, "expected a string argument")
	}
	return v.Str, nil
}

// evalFilter evaluates a $match filter document against an in-memory
// document, mirroring the operator semantics LowerFilter compiles into
// SQL so that $match behaves identically whether pushed down or
// interpreted.
func evalFilter(filter *bson.Document, d *bson.Document) (bool, error) {
	result := true
	var err error
	filter.Each(func(name string, v bson.Value) bool {
		var ok bool
		switch name {
		case "$and":
			ok, err = evalLogical(v, d, true)
		case "$or":
			ok, err = evalLogical(v, d, false)
		case "$not":
			if v.Kind != bson.KindDocument {
				err = gatewayerr.New(gatewayerr.KindUnsupportedOperator, "$not requires a document")
				return false
			}
			var inner bool
			inner, err = evalFilter(v.Doc, d)
			ok = !inner
		default:
			ok, err = evalField(name, v, d)
		}
		if err != nil {
			return false
		}
		if !ok {
			result = false
			return false
		}
		return true
	})
	if err != nil {
		return false, err
	}
	return result, nil
}

func evalLogical(v bson.Value, d *bson.Document, and bool) (bool, error) {
	if v.Kind != bson.KindArray {
		return false, gatewayerr.New(gatewayerr.KindUnsupportedOperator, "$and/$or require an array")
	}
	for _, elem := range v.Arr {
		if elem.Kind != bson.KindDocument {
			return false, gatewayerr.New(gatewayerr.KindUnsupportedOperator, "$and/$or elements must be documents")
		}
		ok, err := evalFilter(elem.Doc, d)
		if err != nil {
			return false, err
		}
		if and && !ok {
			return false, nil
		}
		if !and && ok {
			return true, nil
		}
	}
	return and, nil
}

func evalField(field string, v bson.Value, d *bson.Document) (bool, error) {
	actual, exists := d.Get(field)
	if v.Kind != bson.KindDocument {
		return exists && bson.Equal(actual, v), nil
	}
	match := true
	var err error
	v.Doc.Each(func(op string, opVal bson.Value) bool {
		var ok bool
		ok, err = evalOperator(op, opVal, actual, exists)
		if err != nil {
			return false
		}
		if !ok {
			match = false
			return false
		}
		return true
	})
	if err != nil {
		return false, err
	}
	return match, nil
}

func evalOperator(op string, opVal, actual bson.Value, exists bool) (bool, error) {
	switch op {
	case "$eq":
		return exists && bson.Equal(actual, opVal), nil
	case "$ne":
		return !exists || !bson.Equal(actual, opVal), nil
	case "$gt", "$gte", "$lt", "$lte":
		if !exists {
			return false, nil
		}
		cmp, ok := bson.Compare(actual, opVal)
		if !ok {
			return false, nil
		}
		switch op {
		case "$gt":
			return cmp > 0, nil
		case "$gte":
			return cmp >= 0, nil
		case "$lt":
			return cmp < 0, nil
		default:
			return cmp <= 0, nil
		}
	case "$in":
		if !exists || opVal.Kind != bson.KindArray {
			return false, nil
		}
		for _, e := range opVal.Arr {
			if bson.Equal(actual, e) {
				return true, nil
			}
		}
		return false, nil
	case "$nin":
		if opVal.Kind != bson.KindArray {
			return false, gatewayerr.New(gatewayerr.KindUnsupportedOperator, "$nin requires an array")
		}
		for _, e := range opVal.Arr {
			if bson.Equal(actual, e) {
				return false, nil
			}
		}
		return true, nil
	case "$exists":
		want := opVal.Kind == bson.KindBool && opVal.Bool
		return exists == want, nil
	case "$regex":
		pattern := ""
		switch opVal.Kind {
		case bson.KindString:
			pattern = opVal.Str
		case bson.KindRegex:
			pattern = opVal.Rx.Pattern
		default:
			return false, gatewayerr.New(gatewayerr.KindUnsupportedOperator, "$regex requires a string or regex")
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			return false, gatewayerr.New(gatewayerr.KindInvalidArgument, "invalid $regex pattern")
		}
		return exists && actual.Kind == bson.KindString && re.MatchString(actual.Str), nil
	default:
		return false, gatewayerr.New(gatewayerr.KindUnsupportedOperator, "unsupported filter operator "+op)
	}
}

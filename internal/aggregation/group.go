package aggregation

import (
	"github.com/fauxdb/mongopg-gateway/internal/bson"
	"github.com/fauxdb/mongopg-gateway/internal/gatewayerr"
	"github.com/fauxdb/mongopg-gateway/internal/storage"
)

// accumulator folds successive document values into a running state and
// emits the final field value once a group is fully consumed. Grounded
// on original_source/src/aggregation_pipeline.rs's GroupAccumulator enum,
// reimplemented as a Go interface so each operator lives in its own type
// instead of a match arm.
type accumulator interface {
	accumulate(v bson.Value, present bool)
	result() bson.Value
}

func newAccumulator(op string) (accumulator, error) {
	switch op {
	case "$sum":
		return &sumAccumulator{}, nil
	case "$avg":
		return &avgAccumulator{}, nil
	case "$min":
		return &minMaxAccumulator{min: true}, nil
	case "$max":
		return &minMaxAccumulator{min: false}, nil
	case "$first":
		return &firstAccumulator{}, nil
	case "$last":
		return &lastAccumulator{}, nil
	case "$push":
		return &pushAccumulator{}, nil
	case "$addToSet":
		return &addToSetAccumulator{}, nil
	case "$count":
		return &countAccumulator{}, nil
	default:
		return nil, gatewayerr.New(gatewayerr.KindUnsupportedOperator, "unsupported group accumulator "+op)
	}
}

type sumAccumulator struct{ total float64 }

func (a *sumAccumulator) accumulate(v bson.Value, present bool) {
	if f, ok := v.AsFloat64(); present && ok {
		a.total += f
	}
}
func (a *sumAccumulator) result() bson.Value { return bson.Double(a.total) }

type avgAccumulator struct {
	total float64
	n     int
}

func (a *avgAccumulator) accumulate(v bson.Value, present bool) {
	if f, ok := v.AsFloat64(); present && ok {
		a.total += f
		a.n++
	}
}
func (a *avgAccumulator) result() bson.Value {
	if a.n == 0 {
		return bson.Null()
	}
	return bson.Double(a.total / float64(a.n))
}

type minMaxAccumulator struct {
	min   bool
	value bson.Value
	set   bool
}

func (a *minMaxAccumulator) accumulate(v bson.Value, present bool) {
	if !present {
		return
	}
	if !a.set {
		a.value, a.set = v, true
		return
	}
	cmp, ok := bson.Compare(v, a.value)
	if !ok {
		return
	}
	if (a.min && cmp < 0) || (!a.min && cmp > 0) {
		a.value = v
	}
}
func (a *minMaxAccumulator) result() bson.Value {
	if !a.set {
		return bson.Null()
	}
	return a.value
}

type firstAccumulator struct {
	value bson.Value
	set   bool
}

func (a *firstAccumulator) accumulate(v bson.Value, present bool) {
	if present && !a.set {
		a.value, a.set = v, true
	}
}
func (a *firstAccumulator) result() bson.Value {
	if !a.set {
		return bson.Null()
	}
	return a.value
}

type lastAccumulator struct {
	value bson.Value
	set   bool
}

func (a *lastAccumulator) accumulate(v bson.Value, present bool) {
	if present {
		a.value, a.set = v, true
	}
}
func (a *lastAccumulator) result() bson.Value {
	if !a.set {
		return bson.Null()
	}
	return a.value
}

type pushAccumulator struct{ values []bson.Value }

func (a *pushAccumulator) accumulate(v bson.Value, present bool) {
	if present {
		a.values = append(a.values, v)
	}
}
func (a *pushAccumulator) result() bson.Value { return bson.Array(a.values) }

type addToSetAccumulator struct{ values []bson.Value }

func (a *addToSetAccumulator) accumulate(v bson.Value, present bool) {
	if !present {
		return
	}
	for _, existing := range a.values {
		if bson.Equal(existing, v) {
			return
		}
	}
	a.values = append(a.values, v)
}
func (a *addToSetAccumulator) result() bson.Value { return bson.Array(a.values) }

type countAccumulator struct{ n int32 }

func (a *countAccumulator) accumulate(_ bson.Value, _ bool) { a.n++ }
func (a *countAccumulator) result() bson.Value              { return bson.Int32Val(a.n) }

type groupField struct {
	name string
	op   string
	expr string     // field path referenced by the accumulator, without the leading "$"
	arg  bson.Value // the accumulator's argument, fed to every document when expr is empty
}

// execGroup implements $group (spec.md §4.5 supplement): `_id` may be a
// literal, a single field reference, or a document of field references;
// every other top-level key must be a single-operator accumulator
// expression. Groups are built in first-seen order since SQL pushdown
// never reaches this path.
func execGroup(arg bson.Value, docs []*bson.Document) ([]*bson.Document, error) {
	if arg.Kind != bson.KindDocument {
		return nil, gatewayerr.New(gatewayerr.KindInvalidArgument, "$group requires a document")
	}
	idExpr, ok := arg.Doc.Get("_id")
	if !ok {
		return nil, gatewayerr.New(gatewayerr.KindInvalidArgument, "$group requires an _id expression")
	}

	var fields []groupField
	var parseErr error
	arg.Doc.Each(func(name string, v bson.Value) bool {
		if name == "_id" {
			return true
		}
		if v.Kind != bson.KindDocument || v.Doc.Len() != 1 {
			parseErr = gatewayerr.New(gatewayerr.KindInvalidArgument, "group field "+name+" must be a single-operator accumulator")
			return false
		}
		op := v.Doc.Names()[0]
		opArg, _ := v.Doc.Get(op)
		expr := ""
		if opArg.Kind == bson.KindString {
			expr = trimPathPrefix(opArg.Str)
		}
		fields = append(fields, groupField{name: name, op: op, expr: expr, arg: opArg})
		return true
	})
	if parseErr != nil {
		return nil, parseErr
	}

	type bucket struct {
		id    bson.Value
		accum map[string]accumulator
	}
	var order []string
	buckets := map[string]*bucket{}

	for _, d := range docs {
		id := evalGroupKey(idExpr, d)
		key := groupKeyString(id)
		b, exists := buckets[key]
		if !exists {
			b = &bucket{id: id, accum: map[string]accumulator{}}
			for _, f := range fields {
				acc, err := newAccumulator(f.op)
				if err != nil {
					return nil, err
				}
				b.accum[f.name] = acc
			}
			buckets[key] = b
			order = append(order, key)
		}
		for _, f := range fields {
			v, present := f.arg, true
			if f.expr != "" {
				v, present = d.Get(f.expr)
			}
			b.accum[f.name].accumulate(v, present)
		}
	}

	out := make([]*bson.Document, 0, len(order))
	for _, key := range order {
		b := buckets[key]
		result := bson.NewDocument().Append("_id", b.id)
		for _, f := range fields {
			result.Append(f.name, b.accum[f.name].result())
		}
		out = append(out, result)
	}
	return out, nil
}

func evalGroupKey(idExpr bson.Value, d *bson.Document) bson.Value {
	if idExpr.Kind == bson.KindString && len(idExpr.Str) > 0 && idExpr.Str[0] == '$' {
		v, ok := d.Get(idExpr.Str[1:])
		if !ok {
			return bson.Null()
		}
		return v
	}
	if idExpr.Kind == bson.KindDocument {
		out := bson.NewDocument()
		idExpr.Doc.Each(func(name string, v bson.Value) bool {
			out.Append(name, evalGroupKey(v, d))
			return true
		})
		return bson.Doc(out)
	}
	return idExpr
}

// groupKeyString renders a group key to a map key via its marshaled
// JSON form, reusing MarshalDocument's encoding for scalars and
// documents alike rather than hand-rolling a second serialization.
func groupKeyString(v bson.Value) string {
	wrapper := bson.NewDocument().Append("k", v)
	payload, err := storage.MarshalDocument(wrapper)
	if err != nil {
		return v.Str
	}
	return string(payload)
}

package storage

import (
	"strings"

	"github.com/fauxdb/mongopg-gateway/internal/bson"
	"github.com/fauxdb/mongopg-gateway/internal/gatewayerr"
)

var updateOperators = map[string]bool{
	"$set": true, "$unset": true, "$inc": true, "$rename": true,
	"$push": true, "$pull": true,
}

// ApplyUpdate mutates a clone of doc according to updateSpec, applying
// spec.md §4.4.3's operator table, or (for a plain replacement
// document) replacing every field but `_id`. Mixing operator and
// non-operator keys fails with KindMixedUpdate.
func ApplyUpdate(doc *bson.Document, updateSpec *bson.Document) (*bson.Document, error) {
	hasOperators, hasPlain := false, false
	updateSpec.Each(func(name string, _ bson.Value) bool {
		if strings.HasPrefix(name, "$") {
			hasOperators = true
		} else {
			hasPlain = true
		}
		return true
	})
	if hasOperators && hasPlain {
		return nil, gatewayerr.New(gatewayerr.KindMixedUpdate, "update document mixes operator and plain fields")
	}

	result := doc.Clone()
	if !hasOperators {
		return replaceDocument(result, updateSpec), nil
	}

	var applyErr error
	updateSpec.Each(func(op string, arg bson.Value) bool {
		if !updateOperators[op] {
			applyErr = gatewayerr.New(gatewayerr.KindUnsupportedOperator, "unsupported update operator "+op)
			return false
		}
		if arg.Kind != bson.KindDocument {
			applyErr = gatewayerr.New(gatewayerr.KindInvalidArgument, op+" requires a document argument")
			return false
		}
		if err := applyOperator(result, op, arg.Doc); err != nil {
			applyErr = err
			return false
		}
		return true
	})
	if applyErr != nil {
		return nil, applyErr
	}
	return result, nil
}

func replaceDocument(existing *bson.Document, replacement *bson.Document) *bson.Document {
	out := bson.NewDocument()
	if id, ok := existing.Get("_id"); ok {
		out.Append("_id", id)
	}
	replacement.Each(func(name string, v bson.Value) bool {
		if name == "_id" {
			return true
		}
		out.Append(name, v)
		return true
	})
	return out
}

func applyOperator(doc *bson.Document, op string, arg *bson.Document) error {
	var err error
	arg.Each(func(path string, v bson.Value) bool {
		switch op {
		case "$set":
			setPath(doc, path, v)
		case "$unset":
			unsetPath(doc, path)
		case "$inc":
			err = incPath(doc, path, v)
		case "$rename":
			if v.Kind != bson.KindString {
				err = gatewayerr.New(gatewayerr.KindInvalidArgument, "$rename target must be a string")
				break
			}
			if existing, ok := getPath(doc, path); ok {
				unsetPath(doc, path)
				setPath(doc, v.Str, existing)
			}
		case "$push":
			pushPath(doc, path, v)
		case "$pull":
			pullPath(doc, path, v)
		}
		return err == nil
	})
	return err
}

// setPath/getPath/unsetPath resolve dot-notation left to right,
// creating intermediate documents on demand for $set (spec.md §4.4.3).
func setPath(doc *bson.Document, path string, v bson.Value) {
	parts := strings.Split(path, ".")
	cur := doc
	for i, part := range parts {
		if i == len(parts)-1 {
			cur.Set(part, v)
			return
		}
		next, ok := cur.Get(part)
		if !ok || next.Kind != bson.KindDocument {
			child := bson.NewDocument()
			cur.Set(part, bson.Doc(child))
			cur = child
			continue
		}
		cur = next.Doc
	}
}

func getPath(doc *bson.Document, path string) (bson.Value, bool) {
	parts := strings.Split(path, ".")
	cur := doc
	for i, part := range parts {
		v, ok := cur.Get(part)
		if !ok {
			return bson.Value{}, false
		}
		if i == len(parts)-1 {
			return v, true
		}
		if v.Kind != bson.KindDocument {
			return bson.Value{}, false
		}
		cur = v.Doc
	}
	return bson.Value{}, false
}

func unsetPath(doc *bson.Document, path string) {
	parts := strings.Split(path, ".")
	cur := doc
	for i, part := range parts {
		if i == len(parts)-1 {
			cur.Delete(part)
			return
		}
		next, ok := cur.Get(part)
		if !ok || next.Kind != bson.KindDocument {
			return
		}
		cur = next.Doc
	}
}

func incPath(doc *bson.Document, path string, delta bson.Value) error {
	if !delta.IsNumeric() {
		return gatewayerr.New(gatewayerr.KindInvalidArgument, "$inc requires a numeric value")
	}
	existing, ok := getPath(doc, path)
	if !ok {
		setPath(doc, path, delta)
		return nil
	}
	if !existing.IsNumeric() {
		return gatewayerr.New(gatewayerr.KindInvalidArgument, "$inc target field is not numeric")
	}
	setPath(doc, path, addNumeric(existing, delta))
	return nil
}

// addNumeric adds two numeric values, promoting to the widest width
// involved (spec.md §4.4.3: "promote widths minimally").
func addNumeric(a, b bson.Value) bson.Value {
	if a.Kind == bson.KindDouble || b.Kind == bson.KindDouble {
		af, _ := a.AsFloat64()
		bf, _ := b.AsFloat64()
		return bson.Double(af + bf)
	}
	if a.Kind == bson.KindInt64 || b.Kind == bson.KindInt64 {
		return bson.Int64Val(widenToInt64(a) + widenToInt64(b))
	}
	return bson.Int32Val(a.Int32 + b.Int32)
}

func widenToInt64(v bson.Value) int64 {
	if v.Kind == bson.KindInt64 {
		return v.Int64
	}
	return int64(v.Int32)
}

func pushPath(doc *bson.Document, path string, v bson.Value) {
	existing, ok := getPath(doc, path)
	if !ok || existing.Kind != bson.KindArray {
		setPath(doc, path, bson.Array([]bson.Value{v}))
		return
	}
	setPath(doc, path, bson.Array(append(append([]bson.Value{}, existing.Arr...), v)))
}

func pullPath(doc *bson.Document, path string, v bson.Value) {
	existing, ok := getPath(doc, path)
	if !ok || existing.Kind != bson.KindArray {
		return
	}
	kept := make([]bson.Value, 0, len(existing.Arr))
	for _, e := range existing.Arr {
		if !bson.Equal(e, v) {
			kept = append(kept, e)
		}
	}
	setPath(doc, path, bson.Array(kept))
}

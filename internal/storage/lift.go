package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"

	"github.com/fauxdb/mongopg-gateway/internal/bson"
)

// LiftRow parses a JSONB payload back into a BSON document, applying
// spec.md §4.4.2's numeric-width and ObjectId-recognition rules. Field
// order is taken from the JSON object as parsed (spec.md §4.4.2),
// which requires walking the token stream directly rather than going
// through map[string]interface{} (which Go's encoding/json does not
// order).
func LiftRow(payload []byte) (*bson.Document, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	v, err := liftValue(dec, "")
	if err != nil {
		return nil, fmt.Errorf("storage: malformed stored JSON: %w", err)
	}
	if v.Kind != bson.KindDocument {
		return nil, fmt.Errorf("storage: stored payload is not a JSON object")
	}
	return v.Doc, nil
}

// liftValue reads exactly one JSON value from dec. fieldName carries
// the enclosing object key so the `_id`-as-ObjectId rule can apply.
func liftValue(dec *json.Decoder, fieldName string) (bson.Value, error) {
	tok, err := dec.Token()
	if err != nil {
		return bson.Value{}, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			return liftObject(dec)
		case '[':
			return liftArray(dec)
		default:
			return bson.Value{}, fmt.Errorf("storage: unexpected JSON delimiter %q", t)
		}
	case nil:
		return bson.Null(), nil
	case bool:
		return bson.Bool(t), nil
	case string:
		if fieldName == "_id" && bson.IsObjectIDHex(t) {
			if id, err := bson.ParseObjectID(t); err == nil {
				return bson.ObjectIDVal(id), nil
			}
		}
		return bson.String(t), nil
	case json.Number:
		return liftNumber(t)
	default:
		return bson.Value{}, fmt.Errorf("storage: unrecognized JSON token %T", tok)
	}
}

func liftObject(dec *json.Decoder) (bson.Value, error) {
	doc := bson.NewDocument()
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return bson.Value{}, err
		}
		key, ok := keyTok.(string)
		if !ok {
			return bson.Value{}, fmt.Errorf("storage: expected JSON object key, got %T", keyTok)
		}
		v, err := liftValue(dec, key)
		if err != nil {
			return bson.Value{}, err
		}
		doc.Append(key, v)
	}
	if _, err := dec.Token(); err != nil { // consume closing '}'
		return bson.Value{}, err
	}
	return bson.Doc(doc), nil
}

func liftArray(dec *json.Decoder) (bson.Value, error) {
	var arr []bson.Value
	for dec.More() {
		v, err := liftValue(dec, "")
		if err != nil {
			return bson.Value{}, err
		}
		arr = append(arr, v)
	}
	if _, err := dec.Token(); err != nil { // consume closing ']'
		return bson.Value{}, err
	}
	return bson.Array(arr), nil
}

func liftNumber(n json.Number) (bson.Value, error) {
	if i, err := n.Int64(); err == nil {
		if i >= math.MinInt32 && i <= math.MaxInt32 {
			return bson.Int32Val(int32(i)), nil
		}
		return bson.Int64Val(i), nil
	}
	f, err := n.Float64()
	if err != nil {
		return bson.Value{}, fmt.Errorf("storage: malformed JSON number %q: %w", n.String(), err)
	}
	return bson.Double(f), nil
}

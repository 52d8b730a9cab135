package storage

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/fauxdb/mongopg-gateway/internal/bson"
)

// MarshalDocument renders a Document as JSON text suitable for storage
// in the `data JSONB` column, preserving field order (round-tripped by
// LiftRow's order-preserving decode). LiftRow reads a number without a
// fraction or exponent back as Int32 or Int64 by magnitude, so a
// whole-valued double or a small Int64 returns as Int32. ObjectID,
// DateTime, UUID, Binary and Regex values are written as JSON strings,
// and only an `_id` string of 24 hex digits lifts back as an ObjectID.
func MarshalDocument(d *bson.Document) ([]byte, error) {
	var buf bytes.Buffer
	if err := marshalValue(&buf, bson.Doc(d)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func marshalValue(buf *bytes.Buffer, v bson.Value) error {
	switch v.Kind {
	case bson.KindNull:
		buf.WriteString("null")
	case bson.KindBool:
		if v.Bool {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case bson.KindString:
		return writeJSONString(buf, v.Str)
	case bson.KindInt32:
		buf.WriteString(strconv.FormatInt(int64(v.Int32), 10))
	case bson.KindInt64:
		buf.WriteString(strconv.FormatInt(v.Int64, 10))
	case bson.KindDouble:
		buf.WriteString(strconv.FormatFloat(v.Double, 'g', -1, 64))
	case bson.KindObjectID:
		return writeJSONString(buf, v.OID.String())
	case bson.KindDateTime:
		return writeJSONString(buf, v.DateTime.UTC().Format("2006-01-02T15:04:05.000Z07:00"))
	case bson.KindUUID:
		return writeJSONString(buf, v.UUID.String())
	case bson.KindBinary:
		return writeJSONString(buf, string(v.Bin.Data))
	case bson.KindRegex:
		return writeJSONString(buf, v.Rx.Pattern)
	case bson.KindArray:
		buf.WriteByte('[')
		for i, e := range v.Arr {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := marshalValue(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	case bson.KindDocument:
		buf.WriteByte('{')
		first := true
		if v.Doc != nil {
			var err error
			v.Doc.Each(func(name string, fv bson.Value) bool {
				if !first {
					buf.WriteByte(',')
				}
				first = false
				if werr := writeJSONString(buf, name); werr != nil {
					err = werr
					return false
				}
				buf.WriteByte(':')
				if werr := marshalValue(buf, fv); werr != nil {
					err = werr
					return false
				}
				return true
			})
			if err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	default:
		return fmt.Errorf("storage: cannot marshal bson kind %d to JSON", v.Kind)
	}
	return nil
}

func writeJSONString(buf *bytes.Buffer, s string) error {
	encoded, err := json.Marshal(s)
	if err != nil {
		return err
	}
	buf.Write(encoded)
	return nil
}

package bson

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Decode errors. The codec is deliberately strict (spec.md §4.1, §9
// "Dynamic BSON parsing fallbacks"): a malformed document is always an
// error, never salvaged by a fallback heuristic.
var (
	ErrTruncatedDocument = errors.New("bson: truncated document")
	ErrBadTerminator     = errors.New("bson: missing trailing null terminator")
	ErrBadTypeTag        = errors.New("bson: unknown element type tag")
	ErrBadString         = errors.New("bson: malformed string or missing terminator")
	ErrOversizeDocument  = errors.New("bson: document exceeds 16MiB limit")
)

// Decode parses exactly one top-level document from buf, returning the
// document and the number of bytes consumed (equal to the declared
// length prefix on success).
func Decode(buf []byte) (*Document, int, error) {
	if len(buf) < 5 {
		return nil, 0, ErrTruncatedDocument
	}
	length := int32(binary.LittleEndian.Uint32(buf[0:4]))
	if length < 5 {
		return nil, 0, ErrTruncatedDocument
	}
	if length > MaxDocumentSize {
		return nil, 0, ErrOversizeDocument
	}
	if int(length) > len(buf) {
		return nil, 0, ErrTruncatedDocument
	}
	body := buf[4:length]
	if len(body) == 0 || body[len(body)-1] != 0x00 {
		return nil, 0, ErrBadTerminator
	}
	doc, pos, err := decodeElements(body[:len(body)-1])
	if err != nil {
		return nil, 0, err
	}
	if pos != len(body)-1 {
		return nil, 0, ErrTruncatedDocument
	}
	return doc, int(length), nil
}

func decodeElements(buf []byte) (*Document, int, error) {
	doc := NewDocument()
	pos := 0
	for pos < len(buf) {
		tag := buf[pos]
		pos++
		name, n, err := readCString(buf[pos:])
		if err != nil {
			return nil, 0, err
		}
		pos += n
		val, consumed, err := decodeValue(tag, buf[pos:])
		if err != nil {
			return nil, 0, err
		}
		pos += consumed
		doc.Append(name, val)
	}
	return doc, pos, nil
}

func readCString(buf []byte) (string, int, error) {
	idx := bytes.IndexByte(buf, 0x00)
	if idx < 0 {
		return "", 0, ErrBadString
	}
	if !utf8.Valid(buf[:idx]) {
		return "", 0, ErrBadString
	}
	return string(buf[:idx]), idx + 1, nil
}

func readString(buf []byte) (string, int, error) {
	if len(buf) < 4 {
		return "", 0, ErrTruncatedDocument
	}
	size := int32(binary.LittleEndian.Uint32(buf[0:4]))
	if size < 1 || int(4+size) > len(buf) {
		return "", 0, ErrTruncatedDocument
	}
	strBytes := buf[4 : 4+size-1]
	if buf[4+size-1] != 0x00 {
		return "", 0, ErrBadString
	}
	if !utf8.Valid(strBytes) {
		return "", 0, ErrBadString
	}
	return string(strBytes), int(4 + size), nil
}

func decodeValue(tag byte, buf []byte) (Value, int, error) {
	switch tag {
	case TypeDouble:
		if len(buf) < 8 {
			return Value{}, 0, ErrTruncatedDocument
		}
		bits := binary.LittleEndian.Uint64(buf[0:8])
		return Double(math.Float64frombits(bits)), 8, nil
	case TypeString:
		s, n, err := readString(buf)
		if err != nil {
			return Value{}, 0, err
		}
		return String(s), n, nil
	case TypeDocument:
		doc, n, err := Decode(buf)
		if err != nil {
			return Value{}, 0, err
		}
		return Doc(doc), n, nil
	case TypeArray:
		doc, n, err := Decode(buf)
		if err != nil {
			return Value{}, 0, err
		}
		arr := make([]Value, doc.Len())
		i := 0
		doc.Each(func(_ string, v Value) bool {
			arr[i] = v
			i++
			return true
		})
		return Array(arr), n, nil
	case TypeBinary:
		if len(buf) < 5 {
			return Value{}, 0, ErrTruncatedDocument
		}
		size := int32(binary.LittleEndian.Uint32(buf[0:4]))
		if size < 0 || int(5+size) > len(buf) {
			return Value{}, 0, ErrTruncatedDocument
		}
		subtype := buf[4]
		data := make([]byte, size)
		copy(data, buf[5:5+size])
		if subtype == 0x04 && size == 16 {
			u, err := uuid.FromBytes(data)
			if err == nil {
				return UUIDVal(u), int(5 + size), nil
			}
		}
		return BinaryVal(subtype, data), int(5 + size), nil
	case TypeObjectID:
		if len(buf) < 12 {
			return Value{}, 0, ErrTruncatedDocument
		}
		var id ObjectID
		copy(id[:], buf[0:12])
		return ObjectIDVal(id), 12, nil
	case TypeBool:
		if len(buf) < 1 {
			return Value{}, 0, ErrTruncatedDocument
		}
		if buf[0] != 0 && buf[0] != 1 {
			return Value{}, 0, fmt.Errorf("bson: invalid bool byte 0x%02x", buf[0])
		}
		return Bool(buf[0] == 1), 1, nil
	case TypeDateTime:
		if len(buf) < 8 {
			return Value{}, 0, ErrTruncatedDocument
		}
		ms := int64(binary.LittleEndian.Uint64(buf[0:8]))
		return DateTimeVal(time.UnixMilli(ms).UTC()), 8, nil
	case TypeNull:
		return Null(), 0, nil
	case TypeRegex:
		pattern, n1, err := readCString(buf)
		if err != nil {
			return Value{}, 0, err
		}
		flags, n2, err := readCString(buf[n1:])
		if err != nil {
			return Value{}, 0, err
		}
		return RegexVal(pattern, flags), n1 + n2, nil
	case TypeInt32:
		if len(buf) < 4 {
			return Value{}, 0, ErrTruncatedDocument
		}
		return Int32Val(int32(binary.LittleEndian.Uint32(buf[0:4]))), 4, nil
	case TypeTimestamp:
		if len(buf) < 8 {
			return Value{}, 0, ErrTruncatedDocument
		}
		ordinal := int32(binary.LittleEndian.Uint32(buf[0:4]))
		seconds := int32(binary.LittleEndian.Uint32(buf[4:8]))
		return TimestampVal(seconds, ordinal), 8, nil
	case TypeInt64:
		if len(buf) < 8 {
			return Value{}, 0, ErrTruncatedDocument
		}
		return Int64Val(int64(binary.LittleEndian.Uint64(buf[0:8]))), 8, nil
	default:
		return Value{}, 0, ErrBadTypeTag
	}
}

// Encode serializes a document with its original element order and a
// single trailing null, satisfying decode(encode(d)) == d (spec.md §8
// property 1).
func Encode(d *Document) []byte {
	var body bytes.Buffer
	d.Each(func(name string, v Value) bool {
		encodeElement(&body, name, v)
		return true
	})
	body.WriteByte(0x00)
	total := 4 + body.Len()
	out := make([]byte, 4, total)
	binary.LittleEndian.PutUint32(out, uint32(total))
	out = append(out, body.Bytes()...)
	return out
}

func encodeElement(buf *bytes.Buffer, name string, v Value) {
	buf.WriteByte(tagFor(v))
	buf.WriteString(name)
	buf.WriteByte(0x00)
	encodeValue(buf, v)
}

func tagFor(v Value) byte {
	switch v.Kind {
	case KindDouble:
		return TypeDouble
	case KindString:
		return TypeString
	case KindDocument:
		return TypeDocument
	case KindArray:
		return TypeArray
	case KindBinary, KindUUID:
		return TypeBinary
	case KindObjectID:
		return TypeObjectID
	case KindBool:
		return TypeBool
	case KindDateTime:
		return TypeDateTime
	case KindNull:
		return TypeNull
	case KindRegex:
		return TypeRegex
	case KindInt32:
		return TypeInt32
	case KindTimestamp:
		return TypeTimestamp
	case KindInt64:
		return TypeInt64
	default:
		return TypeNull
	}
}

func encodeValue(buf *bytes.Buffer, v Value) {
	switch v.Kind {
	case KindDouble:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], math.Float64bits(v.Double))
		buf.Write(b[:])
	case KindString:
		writeLengthPrefixedString(buf, v.Str)
	case KindDocument:
		if v.Doc == nil {
			buf.Write(Encode(NewDocument()))
			return
		}
		buf.Write(Encode(v.Doc))
	case KindArray:
		arrDoc := NewDocument()
		for i, e := range v.Arr {
			arrDoc.Append(strconv.Itoa(i), e)
		}
		buf.Write(Encode(arrDoc))
	case KindBinary:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(len(v.Bin.Data)))
		buf.Write(b[:])
		buf.WriteByte(v.Bin.Subtype)
		buf.Write(v.Bin.Data)
	case KindUUID:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], 16)
		buf.Write(b[:])
		buf.WriteByte(0x04)
		raw, _ := v.UUID.MarshalBinary()
		buf.Write(raw)
	case KindObjectID:
		buf.Write(v.OID[:])
	case KindBool:
		if v.Bool {
			buf.WriteByte(1)
		} else {
			buf.WriteByte(0)
		}
	case KindDateTime:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(v.DateTime.UnixMilli()))
		buf.Write(b[:])
	case KindNull:
		// no payload
	case KindRegex:
		buf.WriteString(v.Rx.Pattern)
		buf.WriteByte(0x00)
		buf.WriteString(v.Rx.Flags)
		buf.WriteByte(0x00)
	case KindInt32:
		var b [4]byte
		binary.LittleEndian.PutUint32(b[:], uint32(v.Int32))
		buf.Write(b[:])
	case KindTimestamp:
		var b [8]byte
		binary.LittleEndian.PutUint32(b[0:4], uint32(v.TS.Ordinal))
		binary.LittleEndian.PutUint32(b[4:8], uint32(v.TS.Seconds))
		buf.Write(b[:])
	case KindInt64:
		var b [8]byte
		binary.LittleEndian.PutUint64(b[:], uint64(v.Int64))
		buf.Write(b[:])
	}
}

func writeLengthPrefixedString(buf *bytes.Buffer, s string) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(len(s)+1))
	buf.Write(b[:])
	buf.WriteString(s)
	buf.WriteByte(0x00)
}

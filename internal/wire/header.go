// Package wire implements the MongoDB wire protocol framing layer
// (spec.md §4.2): header parsing, OP_MSG/OP_QUERY/OP_REPLY messages,
// and length-prefix-driven stream reads, grounded on the teacher's
// pkg/core/proxy/integrations/mongo/operation.go Decode/Operation
// split (there backed by the official driver's wiremessage package;
// here hand-rolled per this codec's own framing rules).
package wire

import (
	"encoding/binary"
	"errors"
)

// OpCode identifies the wire message kind.
type OpCode int32

const (
	OpReply OpCode = 1
	OpQuery OpCode = 2004
	OpMsg   OpCode = 2013
)

const (
	headerLength = 16
	// MaxMessageSize is the driver-visible maxMessageSizeBytes limit.
	MaxMessageSize = 48_000_000
)

var (
	ErrHeaderTooShort   = errors.New("wire: message shorter than 16-byte header")
	ErrMessageTooShort  = errors.New("wire: declared messageLength below header size")
	ErrMessageTooLarge  = errors.New("wire: message exceeds maxMessageSizeBytes")
	ErrUnknownOpCode    = errors.New("wire: unrecognized opCode")
	ErrTruncatedMessage = errors.New("wire: message body shorter than declared length")
)

// Header is the 16-byte prefix on every wire message.
type Header struct {
	MessageLength int32
	RequestID     int32
	ResponseTo    int32
	OpCode        OpCode
}

// ReadHeader parses the fixed header from the front of buf. buf must
// be at least 16 bytes; the caller is responsible for having already
// read that much off the stream.
func ReadHeader(buf []byte) (Header, error) {
	if len(buf) < headerLength {
		return Header{}, ErrHeaderTooShort
	}
	h := Header{
		MessageLength: int32(binary.LittleEndian.Uint32(buf[0:4])),
		RequestID:     int32(binary.LittleEndian.Uint32(buf[4:8])),
		ResponseTo:    int32(binary.LittleEndian.Uint32(buf[8:12])),
		OpCode:        OpCode(binary.LittleEndian.Uint32(buf[12:16])),
	}
	if h.MessageLength < headerLength {
		return h, ErrMessageTooShort
	}
	if h.MessageLength > MaxMessageSize {
		return h, ErrMessageTooLarge
	}
	return h, nil
}

func putHeader(buf []byte, h Header) {
	binary.LittleEndian.PutUint32(buf[0:4], uint32(h.MessageLength))
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.RequestID))
	binary.LittleEndian.PutUint32(buf[8:12], uint32(h.ResponseTo))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(h.OpCode))
}

func appendi32(dst []byte, v int32) []byte {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	return append(dst, b[:]...)
}

func appendi64(dst []byte, v int64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	return append(dst, b[:]...)
}

func readi32(buf []byte) (int32, []byte, bool) {
	if len(buf) < 4 {
		return 0, buf, false
	}
	return int32(binary.LittleEndian.Uint32(buf[0:4])), buf[4:], true
}

func readi64(buf []byte) (int64, []byte, bool) {
	if len(buf) < 8 {
		return 0, buf, false
	}
	return int64(binary.LittleEndian.Uint64(buf[0:8])), buf[8:], true
}

func readCString(buf []byte) (string, []byte, bool) {
	for i, b := range buf {
		if b == 0x00 {
			return string(buf[:i]), buf[i+1:], true
		}
	}
	return "", buf, false
}

func appendCString(dst []byte, s string) []byte {
	dst = append(dst, s...)
	return append(dst, 0x00)
}

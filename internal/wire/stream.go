package wire

import (
	"bufio"
	"fmt"
	"io"
)

// ReadMessage performs the length-prefix-driven read spec.md §4.2
// requires: read the 4-byte length, then exactly messageLength-4 more
// bytes, never acting on a partial frame. Returns the parsed header
// and the full message body (header bytes excluded).
func ReadMessage(r *bufio.Reader) (Header, []byte, error) {
	prefix := make([]byte, headerLength)
	if _, err := io.ReadFull(r, prefix); err != nil {
		return Header{}, nil, err
	}
	h, err := ReadHeader(prefix)
	if err != nil {
		return Header{}, nil, err
	}
	remaining := int(h.MessageLength) - headerLength
	if remaining < 0 {
		return h, nil, ErrMessageTooShort
	}
	body := make([]byte, remaining)
	if _, err := io.ReadFull(r, body); err != nil {
		return h, nil, fmt.Errorf("wire: reading message body: %w", err)
	}
	return h, body, nil
}

// WriteMessage writes a fully encoded frame (as produced by Msg.Encode
// or Reply.Encode) to w.
func WriteMessage(w io.Writer, frame []byte) error {
	_, err := w.Write(frame)
	return err
}

// RequestIDCounter is a monotonic per-connection counter for
// server-initiated requestIDs, starting at 1 (spec.md §4.2).
type RequestIDCounter struct {
	next int32
}

// Next returns the next requestID, starting at 1.
func (c *RequestIDCounter) Next() int32 {
	c.next++
	return c.next
}

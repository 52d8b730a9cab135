package wire

import (
	"errors"
	"fmt"

	"github.com/fauxdb/mongopg-gateway/internal/bson"
)

var (
	ErrBadSectionKind  = errors.New("wire: unknown OP_MSG section kind")
	ErrNoSingleSection = errors.New("wire: OP_MSG has no kind=0 section")
)

// checksumPresent (spec.md §4.2) is bit 0 of the OP_MSG flags; it marks
// a trailing checksum. DecodeMsg rejects such frames rather than
// accepting a checksum it does not verify.
const checksumPresent uint32 = 1 << 0

// MsgSection is one OP_MSG body section.
type MsgSection struct {
	Kind       byte
	Body       *bson.Document   // kind 0
	Identifier string           // kind 1
	Docs       []*bson.Document // kind 1
}

// Msg is a decoded OP_MSG message.
type Msg struct {
	Header   Header
	Flags    uint32
	Sections []MsgSection
}

// Body returns the single command document carried in the kind=0
// section, which every OP_MSG the core accepts must have exactly one
// of (spec.md §4.2).
func (m *Msg) Body() (*bson.Document, error) {
	for _, s := range m.Sections {
		if s.Kind == 0 {
			return s.Body, nil
		}
	}
	return nil, ErrNoSingleSection
}

// Query is a decoded legacy OP_QUERY message.
type Query struct {
	Header               Header
	Flags                int32
	FullCollectionName    string
	NumberToSkip          int32
	NumberToReturn        int32
	Document              *bson.Document
	ReturnFieldsSelector  *bson.Document
}

// Reply is an OP_REPLY message, server-initiated only.
type Reply struct {
	Header         Header
	ResponseFlags  int32
	CursorID       int64
	StartingFrom   int32
	NumberReturned int32
	Documents      []*bson.Document
}

// DecodeMsg parses an OP_MSG body (the bytes following the header).
func DecodeMsg(h Header, body []byte) (*Msg, error) {
	flags, rest, ok := readi32(body)
	if !ok {
		return nil, fmt.Errorf("wire: OP_MSG missing flags: %w", ErrTruncatedMessage)
	}
	m := &Msg{Header: h, Flags: uint32(flags)}
	if m.Flags&checksumPresent != 0 {
		return nil, errors.New("wire: OP_MSG with the checksumPresent flag is not accepted")
	}

	for len(rest) > 0 {
		kind := rest[0]
		rest = rest[1:]
		switch kind {
		case 0:
			doc, n, err := bson.Decode(rest)
			if err != nil {
				return nil, fmt.Errorf("wire: OP_MSG section 0: %w", err)
			}
			m.Sections = append(m.Sections, MsgSection{Kind: 0, Body: doc})
			rest = rest[n:]
		case 1:
			size, after, ok := readi32(rest)
			if !ok || int(size) > len(rest) {
				return nil, fmt.Errorf("wire: OP_MSG section 1 size: %w", ErrTruncatedMessage)
			}
			seqEnd := rest[4:size]
			ident, docBytes, ok := readCString(seqEnd)
			if !ok {
				return nil, fmt.Errorf("wire: OP_MSG section 1 identifier: %w", ErrTruncatedMessage)
			}
			var docs []*bson.Document
			for len(docBytes) > 0 {
				doc, n, err := bson.Decode(docBytes)
				if err != nil {
					return nil, fmt.Errorf("wire: OP_MSG section 1 document: %w", err)
				}
				docs = append(docs, doc)
				docBytes = docBytes[n:]
			}
			m.Sections = append(m.Sections, MsgSection{Kind: 1, Identifier: ident, Docs: docs})
			rest = after[size-4:]
		default:
			return nil, ErrBadSectionKind
		}
	}
	return m, nil
}

// Encode serializes an OP_MSG with requestID/responseTo filled in by
// the caller (spec.md §4.2: server responses always set flags=0 and
// carry exactly one kind=0 section).
func (m *Msg) Encode(requestID, responseTo int32) []byte {
	body := appendi32(nil, int32(m.Flags))
	for _, s := range m.Sections {
		body = append(body, s.Kind)
		switch s.Kind {
		case 0:
			body = append(body, bson.Encode(s.Body)...)
		case 1:
			seqBody := appendCString(nil, s.Identifier)
			for _, d := range s.Docs {
				seqBody = append(seqBody, bson.Encode(d)...)
			}
			size := int32(4 + len(seqBody))
			body = appendi32(body, size)
			body = append(body, seqBody...)
		}
	}
	total := headerLength + len(body)
	out := make([]byte, headerLength, total)
	putHeader(out, Header{MessageLength: int32(total), RequestID: requestID, ResponseTo: responseTo, OpCode: OpMsg})
	return append(out, body...)
}

// NewCommandReply builds a single-section OP_MSG carrying doc as the
// kind=0 command reply body, flags=0 as required for server responses.
func NewCommandReply(doc *bson.Document) *Msg {
	return &Msg{Sections: []MsgSection{{Kind: 0, Body: doc}}}
}

// DecodeQuery parses an OP_QUERY body.
func DecodeQuery(h Header, body []byte) (*Query, error) {
	q := &Query{Header: h}
	var rest []byte
	var ok bool

	q.Flags, rest, ok = readi32(body)
	if !ok {
		return nil, fmt.Errorf("wire: OP_QUERY flags: %w", ErrTruncatedMessage)
	}
	q.FullCollectionName, rest, ok = readCString(rest)
	if !ok {
		return nil, fmt.Errorf("wire: OP_QUERY collection name: %w", ErrTruncatedMessage)
	}
	q.NumberToSkip, rest, ok = readi32(rest)
	if !ok {
		return nil, fmt.Errorf("wire: OP_QUERY numberToSkip: %w", ErrTruncatedMessage)
	}
	q.NumberToReturn, rest, ok = readi32(rest)
	if !ok {
		return nil, fmt.Errorf("wire: OP_QUERY numberToReturn: %w", ErrTruncatedMessage)
	}
	doc, n, err := bson.Decode(rest)
	if err != nil {
		return nil, fmt.Errorf("wire: OP_QUERY query document: %w", err)
	}
	q.Document = doc
	rest = rest[n:]
	if len(rest) > 0 {
		sel, _, err := bson.Decode(rest)
		if err == nil {
			q.ReturnFieldsSelector = sel
		}
	}
	return q, nil
}

// NewReply builds an OP_REPLY response to an OP_QUERY, per spec.md
// §4.2's "response to OP_QUERY must be OP_REPLY" rule.
func NewReply(docs []*bson.Document) *Reply {
	return &Reply{
		NumberReturned: int32(len(docs)),
		Documents:      docs,
	}
}

// Encode serializes an OP_REPLY.
func (r *Reply) Encode(requestID, responseTo int32) []byte {
	body := appendi32(nil, r.ResponseFlags)
	body = appendi64(body, r.CursorID)
	body = appendi32(body, r.StartingFrom)
	body = appendi32(body, r.NumberReturned)
	for _, d := range r.Documents {
		body = append(body, bson.Encode(d)...)
	}
	total := headerLength + len(body)
	out := make([]byte, headerLength, total)
	putHeader(out, Header{MessageLength: int32(total), RequestID: requestID, ResponseTo: responseTo, OpCode: OpReply})
	return append(out, body...)
}

// Decode dispatches on h.OpCode to parse the message body, returning
// either a *Msg or a *Query as interface{} — the serving loop
// (internal/server) type-switches on the result, mirroring the teacher's Operation-per-opcode
// split without needing a shared interface for opcodes with disjoint
// shapes (a Query and a Msg don't share a meaningful Operation surface
// once you've dropped Encode's shared plumbing).
func Decode(h Header, body []byte) (interface{}, error) {
	switch h.OpCode {
	case OpMsg:
		return DecodeMsg(h, body)
	case OpQuery:
		return DecodeQuery(h, body)
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownOpCode, h.OpCode)
	}
}

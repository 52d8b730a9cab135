package wire_test

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fauxdb/mongopg-gateway/internal/bson"
	"github.com/fauxdb/mongopg-gateway/internal/wire"
)

func TestMsgRoundTrip(t *testing.T) {
	cmd := bson.NewDocument().Append("ping", bson.Int32Val(1))
	reply := wire.NewCommandReply(cmd)
	frame := reply.Encode(7, 3)

	h, err := wire.ReadHeader(frame[:16])
	require.NoError(t, err)
	assert.Equal(t, wire.OpMsg, h.OpCode)
	assert.Equal(t, int32(7), h.RequestID)
	assert.Equal(t, int32(3), h.ResponseTo)

	decoded, err := wire.DecodeMsg(h, frame[16:])
	require.NoError(t, err)
	body, err := decoded.Body()
	require.NoError(t, err)
	v, ok := body.Get("ping")
	require.True(t, ok)
	assert.Equal(t, bson.KindInt32, v.Kind)
}

func TestReadMessageFramesOverStream(t *testing.T) {
	cmd := bson.NewDocument().Append("ok", bson.Double(1))
	msg := wire.NewCommandReply(cmd)
	frame := msg.Encode(1, 0)

	r := bufio.NewReader(bytes.NewReader(frame))
	h, body, err := wire.ReadMessage(r)
	require.NoError(t, err)
	assert.Equal(t, wire.OpMsg, h.OpCode)
	assert.Equal(t, len(frame)-16, len(body))
}

func TestDecodeQueryHandshake(t *testing.T) {
	query := bson.NewDocument().Append("isMaster", bson.Int32Val(1))
	var buf bytes.Buffer
	buf.Write([]byte{0, 0, 0, 0}) // flags
	buf.WriteString("admin.$cmd")
	buf.WriteByte(0x00)
	buf.Write([]byte{0, 0, 0, 0}) // numberToSkip
	buf.Write([]byte{1, 0, 0, 0}) // numberToReturn
	buf.Write(bson.Encode(query))

	h := wire.Header{OpCode: wire.OpQuery}
	q, err := wire.DecodeQuery(h, buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "admin.$cmd", q.FullCollectionName)
	assert.Equal(t, int32(1), q.NumberToReturn)

	v, ok := q.Document.Get("isMaster")
	require.True(t, ok)
	assert.Equal(t, bson.KindInt32, v.Kind)
}

func TestReplyEncode(t *testing.T) {
	doc := bson.NewDocument().Append("ok", bson.Double(1))
	reply := wire.NewReply([]*bson.Document{doc})
	frame := reply.Encode(1, 5)

	h, err := wire.ReadHeader(frame[:16])
	require.NoError(t, err)
	assert.Equal(t, wire.OpReply, h.OpCode)
	assert.Equal(t, int32(5), h.ResponseTo)
}

func TestHeaderRejectsOversizeMessage(t *testing.T) {
	buf := make([]byte, 16)
	buf[0], buf[1], buf[2], buf[3] = 0xFF, 0xFF, 0xFF, 0x7F
	_, err := wire.ReadHeader(buf)
	assert.ErrorIs(t, err, wire.ErrMessageTooLarge)
}

func TestRequestIDCounterStartsAtOne(t *testing.T) {
	var c wire.RequestIDCounter
	assert.Equal(t, int32(1), c.Next())
	assert.Equal(t, int32(2), c.Next())
}

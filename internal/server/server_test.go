package server

import (
	"bufio"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fauxdb/mongopg-gateway/internal/bson"
	"github.com/fauxdb/mongopg-gateway/internal/config"
	"github.com/fauxdb/mongopg-gateway/internal/dispatcher"
	"github.com/fauxdb/mongopg-gateway/internal/resilience"
	"github.com/fauxdb/mongopg-gateway/internal/wire"
)

// encodeOpQuery builds a raw legacy OP_QUERY frame the way a pre-3.6
// driver's initial handshake does: isMaster against admin.$cmd with no
// return-fields selector. There is no production encoder for this
// opcode (the gateway only ever decodes it), so the test builds the
// bytes directly per spec.md §4.2's OP_QUERY layout.
func encodeOpQuery(requestID int32, fullCollectionName string, query *bson.Document) []byte {
	var body []byte
	body = binary.LittleEndian.AppendUint32(body, 0) // flags
	body = append(body, fullCollectionName...)
	body = append(body, 0x00)
	body = binary.LittleEndian.AppendUint32(body, 0) // numberToSkip
	body = binary.LittleEndian.AppendUint32(body, uint32(1)) // numberToReturn
	body = append(body, bson.Encode(query)...)

	total := 16 + len(body)
	frame := make([]byte, 16, total)
	binary.LittleEndian.PutUint32(frame[0:4], uint32(total))
	binary.LittleEndian.PutUint32(frame[4:8], uint32(requestID))
	binary.LittleEndian.PutUint32(frame[8:12], 0)
	binary.LittleEndian.PutUint32(frame[12:16], uint32(wire.OpQuery))
	return append(frame, body...)
}

func testServer() *Server {
	cfg := config.Default()
	deps := &dispatcher.Deps{Config: cfg, StartedAt: time.Now()}
	disp := dispatcher.New(deps)
	breakers := resilience.NewRegistry(resilience.BreakerConfig{
		VolumeThreshold: 20, FailureThreshold: 10, SuccessThreshold: 3,
		SleepWindow: time.Second, Timeout: time.Second,
	})
	limiter := resilience.NewLimiter(resilience.RateLimitConfig{Enabled: false})
	shutdown := resilience.NewShutdown(zap.NewNop(), time.Second, time.Second)
	return &Server{cfg: cfg, dispatcher: disp, breakers: breakers, limiter: limiter, shutdown: shutdown, logger: zap.NewNop()}
}

func TestHandleConnPingRoundTrip(t *testing.T) {
	s := testServer()
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		s.handleConn(serverConn)
		close(done)
	}()

	cmd := bson.NewDocument().Append("ping", bson.Int32Val(1)).Append("$db", bson.String("admin"))
	req := wire.NewCommandReply(cmd) // reuse Msg builder: single kind=0 section
	frame := req.Encode(1, 0)
	_, err := clientConn.Write(frame)
	require.NoError(t, err)

	reader := bufio.NewReader(clientConn)
	h, body, err := wire.ReadMessage(reader)
	require.NoError(t, err)
	require.Equal(t, wire.OpMsg, h.OpCode)
	require.EqualValues(t, 1, h.ResponseTo)

	respMsg, err := wire.DecodeMsg(h, body)
	require.NoError(t, err)
	reply, err := respMsg.Body()
	require.NoError(t, err)

	ok, found := reply.Get("ok")
	require.True(t, found)
	require.Equal(t, bson.KindDouble, ok.Kind)
	require.Equal(t, float64(1), ok.Double)

	clientConn.Close()
	<-done
}

func TestHandleConnUnknownCommandKeepsConnectionOpen(t *testing.T) {
	s := testServer()
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		s.handleConn(serverConn)
		close(done)
	}()

	cmd := bson.NewDocument().Append("notACommand", bson.Int32Val(1)).Append("$db", bson.String("admin"))
	frame := wire.NewCommandReply(cmd).Encode(1, 0)
	_, err := clientConn.Write(frame)
	require.NoError(t, err)

	reader := bufio.NewReader(clientConn)
	h, body, err := wire.ReadMessage(reader)
	require.NoError(t, err)
	respMsg, err := wire.DecodeMsg(h, body)
	require.NoError(t, err)
	reply, err := respMsg.Body()
	require.NoError(t, err)

	okV, _ := reply.Get("ok")
	require.Equal(t, float64(0), okV.Double)
	codeV, _ := reply.Get("code")
	require.EqualValues(t, 59, codeV.Int32)

	// A second ping on the same connection proves it stayed open.
	ping := bson.NewDocument().Append("ping", bson.Int32Val(1)).Append("$db", bson.String("admin"))
	_, err = clientConn.Write(wire.NewCommandReply(ping).Encode(2, 0))
	require.NoError(t, err)
	h2, body2, err := wire.ReadMessage(reader)
	require.NoError(t, err)
	require.EqualValues(t, 2, h2.ResponseTo)
	respMsg2, err := wire.DecodeMsg(h2, body2)
	require.NoError(t, err)
	reply2, err := respMsg2.Body()
	require.NoError(t, err)
	ok2, _ := reply2.Get("ok")
	require.Equal(t, float64(1), ok2.Double)

	clientConn.Close()
	<-done
}

func TestHandleConnLegacyOpQueryHandshakeGetsOpReply(t *testing.T) {
	s := testServer()
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		s.handleConn(serverConn)
		close(done)
	}()

	isMaster := bson.NewDocument().Append("isMaster", bson.Int32Val(1))
	_, err := clientConn.Write(encodeOpQuery(1, "admin.$cmd", isMaster))
	require.NoError(t, err)

	reader := bufio.NewReader(clientConn)
	h, body, err := wire.ReadMessage(reader)
	require.NoError(t, err)
	require.Equal(t, wire.OpReply, h.OpCode)
	require.EqualValues(t, 1, h.ResponseTo)

	// OP_REPLY body: responseFlags(4) cursorID(8) startingFrom(4) numberReturned(4) then documents.
	require.GreaterOrEqual(t, len(body), 20)
	numberReturned := int32(binary.LittleEndian.Uint32(body[16:20]))
	require.EqualValues(t, 1, numberReturned)
	doc, _, err := bson.Decode(body[20:])
	require.NoError(t, err)
	writable, found := doc.Get("isWritablePrimary")
	require.True(t, found)
	require.True(t, writable.Bool)

	clientConn.Close()
	<-done
}

// encodeMsgWithMalformedSection builds a structurally valid OP_MSG
// frame (correct 16-byte header, messageLength matching the actual
// byte count) whose single kind=0 section contains a BSON document
// with a bad trailing terminator. wire.ReadMessage reads this frame
// cleanly; only the nested bson.Decode call fails, so the stream
// position stays trustworthy (spec.md §7) even though the command body
// itself is malformed.
func encodeMsgWithMalformedSection(requestID int32) []byte {
	var body []byte
	body = binary.LittleEndian.AppendUint32(body, 0) // flags
	body = append(body, 0)                           // section kind 0
	// A 5-byte "document": length prefix says 5, body is one byte that
	// isn't the required 0x00 terminator.
	body = binary.LittleEndian.AppendUint32(body, 5)
	body = append(body, 0xFF)

	total := 16 + len(body)
	frame := make([]byte, 16, total)
	binary.LittleEndian.PutUint32(frame[0:4], uint32(total))
	binary.LittleEndian.PutUint32(frame[4:8], uint32(requestID))
	binary.LittleEndian.PutUint32(frame[8:12], 0)
	binary.LittleEndian.PutUint32(frame[12:16], uint32(wire.OpMsg))
	return append(frame, body...)
}

func TestHandleConnMalformedBodyWithinValidFrameGetsErrorReplyNotClose(t *testing.T) {
	s := testServer()
	clientConn, serverConn := net.Pipe()
	defer clientConn.Close()

	done := make(chan struct{})
	go func() {
		s.handleConn(serverConn)
		close(done)
	}()

	_, err := clientConn.Write(encodeMsgWithMalformedSection(1))
	require.NoError(t, err)

	reader := bufio.NewReader(clientConn)
	h, body, err := wire.ReadMessage(reader)
	require.NoError(t, err)
	require.Equal(t, wire.OpMsg, h.OpCode)
	require.EqualValues(t, 1, h.ResponseTo)

	respMsg, err := wire.DecodeMsg(h, body)
	require.NoError(t, err)
	reply, err := respMsg.Body()
	require.NoError(t, err)

	ok, _ := reply.Get("ok")
	require.Equal(t, float64(0), ok.Double)
	code, _ := reply.Get("code")
	require.EqualValues(t, 22, code.Int32)
	codeName, _ := reply.Get("codeName")
	require.Equal(t, "InvalidBSON", codeName.Str)

	// The connection must stay open: a second, valid ping still gets answered.
	ping := bson.NewDocument().Append("ping", bson.Int32Val(1)).Append("$db", bson.String("admin"))
	_, err = clientConn.Write(wire.NewCommandReply(ping).Encode(2, 0))
	require.NoError(t, err)
	h2, body2, err := wire.ReadMessage(reader)
	require.NoError(t, err)
	require.EqualValues(t, 2, h2.ResponseTo)
	respMsg2, err := wire.DecodeMsg(h2, body2)
	require.NoError(t, err)
	reply2, err := respMsg2.Body()
	require.NoError(t, err)
	ok2, _ := reply2.Get("ok")
	require.Equal(t, float64(1), ok2.Double)

	clientConn.Close()
	<-done
}

func TestSplitNamespace(t *testing.T) {
	db, coll := splitNamespace("mydb.$cmd")
	require.Equal(t, "mydb", db)
	require.Equal(t, "$cmd", coll)

	db, coll = splitNamespace("noDot")
	require.Equal(t, "noDot", db)
	require.Equal(t, "", coll)
}

func TestIsBackendFailureCode(t *testing.T) {
	require.True(t, isBackendFailureCode(7))
	require.True(t, isBackendFailureCode(50))
	require.True(t, isBackendFailureCode(2))
	require.False(t, isBackendFailureCode(59))
}

package dispatcher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fauxdb/mongopg-gateway/internal/bson"
	"github.com/fauxdb/mongopg-gateway/internal/config"
	"github.com/fauxdb/mongopg-gateway/internal/cursor"
)

func testDispatcher() (*Dispatcher, *Session) {
	cfg := config.Default()
	deps := &Deps{Config: cfg, StartedAt: time.Now()}
	sess := &Session{ConnectionID: 7, Cursors: cursor.NewRegistry(time.Minute)}
	return New(deps), sess
}

func TestDispatchUnknownCommandReturnsCommandNotFound(t *testing.T) {
	d, sess := testDispatcher()
	cmd := bson.NewDocument().Append("frobnicate", bson.Int32Val(1))
	reply := d.Dispatch(context.Background(), sess, "admin", cmd)

	ok, _ := reply.Get("ok")
	assert.Equal(t, float64(0), ok.Double)
	code, _ := reply.Get("code")
	assert.EqualValues(t, 59, code.Int32)
	codeName, _ := reply.Get("codeName")
	assert.Equal(t, "CommandNotFound", codeName.Str)
}

func TestDispatchEmptyCommandIsInvalidArgument(t *testing.T) {
	d, sess := testDispatcher()
	reply := d.Dispatch(context.Background(), sess, "admin", bson.NewDocument())
	code, _ := reply.Get("code")
	assert.EqualValues(t, 9, code.Int32)
}

func TestHandlePing(t *testing.T) {
	d, sess := testDispatcher()
	cmd := bson.NewDocument().Append("ping", bson.Int32Val(1))
	reply := d.Dispatch(context.Background(), sess, "admin", cmd)
	ok, _ := reply.Get("ok")
	assert.Equal(t, float64(1), ok.Double)
}

func TestHandleHelloShapesRequiredFields(t *testing.T) {
	d, sess := testDispatcher()
	cmd := bson.NewDocument().Append("hello", bson.Int32Val(1))
	reply := d.Dispatch(context.Background(), sess, "admin", cmd)

	ok, _ := reply.Get("ok")
	assert.Equal(t, float64(1), ok.Double)
	helloOk, _ := reply.Get("helloOk")
	assert.True(t, helloOk.Bool)
	writable, _ := reply.Get("isWritablePrimary")
	assert.True(t, writable.Bool)
	maxWire, _ := reply.Get("maxWireVersion")
	assert.EqualValues(t, 17, maxWire.Int32)
	maxBSON, _ := reply.Get("maxBsonObjectSize")
	assert.EqualValues(t, 16777216, maxBSON.Int32)
	maxMsg, _ := reply.Get("maxMessageSizeBytes")
	assert.EqualValues(t, 48000000, maxMsg.Int32)
	connID, _ := reply.Get("connectionId")
	assert.EqualValues(t, 7, connID.Int64)
}

func TestHandleIsMasterAlias(t *testing.T) {
	d, sess := testDispatcher()
	cmd := bson.NewDocument().Append("isMaster", bson.Int32Val(1))
	reply := d.Dispatch(context.Background(), sess, "admin", cmd)
	writable, _ := reply.Get("isWritablePrimary")
	assert.True(t, writable.Bool)
}

func TestHandleBuildInfo(t *testing.T) {
	d, sess := testDispatcher()
	cmd := bson.NewDocument().Append("buildInfo", bson.Int32Val(1))
	reply := d.Dispatch(context.Background(), sess, "admin", cmd)
	ok, _ := reply.Get("ok")
	assert.Equal(t, float64(1), ok.Double)
	bits, _ := reply.Get("bits")
	assert.EqualValues(t, 64, bits.Int32)
}

func TestHandleServerStatusSurfacesPoolStats(t *testing.T) {
	d, sess := testDispatcher()
	cmd := bson.NewDocument().Append("serverStatus", bson.Int32Val(1))
	reply := d.Dispatch(context.Background(), sess, "admin", cmd)
	ok, _ := reply.Get("ok")
	assert.Equal(t, float64(1), ok.Double)
	_, hasPool := reply.Get("pool")
	assert.True(t, hasPool)
}

func TestHandleExplainIsNotImplemented(t *testing.T) {
	d, sess := testDispatcher()
	cmd := bson.NewDocument().Append("explain", bson.Doc(bson.NewDocument().Append("find", bson.String("widgets"))))
	reply := d.Dispatch(context.Background(), sess, "admin", cmd)
	code, _ := reply.Get("code")
	assert.EqualValues(t, 238, code.Int32)
}

func TestHandleKillCursorsReportsKilledAndNotFound(t *testing.T) {
	d, sess := testDispatcher()
	live := sess.Cursors.New("db.coll", cursor.NewSliceBatch([]*bson.Document{bson.NewDocument()}))

	cmd := bson.NewDocument().
		Append("killCursors", bson.String("coll")).
		Append("cursors", bson.Array([]bson.Value{bson.Int64Val(live.ID), bson.Int64Val(999)}))
	reply := d.Dispatch(context.Background(), sess, "db", cmd)

	ok, _ := reply.Get("ok")
	assert.Equal(t, float64(1), ok.Double)
	killed, _ := reply.Get("cursorsKilled")
	require.Len(t, killed.Arr, 1)
	assert.EqualValues(t, live.ID, killed.Arr[0].Int64)
	notFound, _ := reply.Get("cursorsNotFound")
	require.Len(t, notFound.Arr, 1)
	assert.EqualValues(t, 999, notFound.Arr[0].Int64)

	_, err := sess.Cursors.Get(live.ID)
	assert.Error(t, err)
}

func TestHandleGetMoreOnUnknownCursorFails(t *testing.T) {
	d, sess := testDispatcher()
	cmd := bson.NewDocument().
		Append("getMore", bson.Int64Val(12345)).
		Append("collection", bson.String("widgets"))
	reply := d.Dispatch(context.Background(), sess, "db", cmd)
	code, _ := reply.Get("code")
	assert.EqualValues(t, 43, code.Int32)
}

package dispatcher

import (
	"context"
	"time"

	"github.com/fauxdb/mongopg-gateway/internal/bson"
)

// Wire-protocol constants spec.md §4.6/§9 fixes: maxBsonObjectSize is
// the 16 MiB BSON document limit, maxWireVersion is pinned to 17 (the
// spec resolves the source's 13-vs-17 ambiguity in favor of 17).
const (
	maxBSONObjectSize  = 16777216
	maxWriteBatchSize  = 100000
	minWireVersion     = 0
	maxWireVersion     = 17
)

func handleHello(_ context.Context, deps *Deps, sess *Session, _ string, _ *bson.Document) (*bson.Document, error) {
	return okDoc().
		Append("helloOk", bson.Bool(true)).
		Append("isWritablePrimary", bson.Bool(true)).
		Append("maxBsonObjectSize", bson.Int32Val(maxBSONObjectSize)).
		Append("maxMessageSizeBytes", bson.Int32Val(48000000)).
		Append("maxWriteBatchSize", bson.Int32Val(maxWriteBatchSize)).
		Append("minWireVersion", bson.Int32Val(minWireVersion)).
		Append("maxWireVersion", bson.Int32Val(maxWireVersion)).
		Append("readOnly", bson.Bool(false)).
		Append("localTime", bson.DateTimeVal(time.Now())).
		Append("connectionId", bson.Int64Val(sess.ConnectionID)), nil
}

func handlePing(context.Context, *Deps, *Session, string, *bson.Document) (*bson.Document, error) {
	return okDoc(), nil
}

func handleBuildInfo(context.Context, *Deps, *Session, string, *bson.Document) (*bson.Document, error) {
	return okDoc().
		Append("version", bson.String("6.0.0-gateway")).
		Append("versionArray", bson.Array([]bson.Value{
			bson.Int32Val(6), bson.Int32Val(0), bson.Int32Val(0), bson.Int32Val(0),
		})).
		Append("gitVersion", bson.String("unknown")).
		Append("maxBsonObjectSize", bson.Int32Val(maxBSONObjectSize)).
		Append("bits", bson.Int32Val(64)), nil
}

// handleServerStatus surfaces pool.Stats (SPEC_FULL.md's supplemented
// command: the distilled spec has no serverStatus entry, but exposing
// the pool's own bookkeeping this way gives operators a standard
// Mongo-shaped health probe for free).
func handleServerStatus(_ context.Context, deps *Deps, _ *Session, _ string, _ *bson.Document) (*bson.Document, error) {
	stats := deps.Pool.Stats()
	uptimeSeconds := int64(time.Since(deps.StartedAt).Seconds())
	pool := bson.NewDocument().
		Append("total", bson.Int32Val(stats.Total)).
		Append("active", bson.Int32Val(stats.Active)).
		Append("idle", bson.Int32Val(stats.Idle)).
		Append("errorCount", bson.Int64Val(stats.ErrorCount)).
		Append("queryCount", bson.Int64Val(stats.QueryCount)).
		Append("avgLatencyMs", bson.Double(stats.AvgLatencyMs))
	return okDoc().
		Append("host", bson.String(deps.Config.Server.Host)).
		Append("version", bson.String("6.0.0-gateway")).
		Append("uptime", bson.Int64Val(uptimeSeconds)).
		Append("pool", bson.Doc(pool)), nil
}

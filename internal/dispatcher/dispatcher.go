// Package dispatcher implements the command registry (spec.md §4.6):
// the first field name of a command document selects a handler from a
// map[string]HandlerFunc, mirroring the teacher's
// pkg/core/proxy/integrations/mongo/command.go Command type and its
// CommandAndCollection() convention ("first key names the command"),
// generalized from a parser into a full dispatch table per spec.md
// §9's redesign note ("mapping from command name to handler function;
// no deep hierarchy required").
package dispatcher

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/fauxdb/mongopg-gateway/internal/bson"
	"github.com/fauxdb/mongopg-gateway/internal/config"
	"github.com/fauxdb/mongopg-gateway/internal/cursor"
	"github.com/fauxdb/mongopg-gateway/internal/gatewayerr"
	"github.com/fauxdb/mongopg-gateway/internal/pool"
	"github.com/fauxdb/mongopg-gateway/internal/resilience"
	"github.com/fauxdb/mongopg-gateway/internal/storage"
)

// Deps bundles every collaborator a handler may need, built once at
// startup and shared read-only across connections.
type Deps struct {
	Storage   *storage.Gateway
	Config    *config.Config
	Breakers  *resilience.Registry
	Pool      *pool.Pool
	Logger    *zap.Logger
	StartedAt time.Time
}

// Session is the per-connection state a handler may read or mutate:
// its cursor registry and a monotonic fake connection id surfaced in
// `hello`'s connectionId field.
type Session struct {
	ConnectionID int64
	Cursors      *cursor.Registry
}

// HandlerFunc implements one command. db is the target database
// ("" for commands that don't scope to one, e.g. listDatabases); cmd
// is the full command body document.
type HandlerFunc func(ctx context.Context, deps *Deps, sess *Session, db string, cmd *bson.Document) (*bson.Document, error)

// Dispatcher holds the command registry.
type Dispatcher struct {
	deps     *Deps
	handlers map[string]HandlerFunc
}

// New builds a Dispatcher with every command spec.md §4.6 requires
// registered.
func New(deps *Deps) *Dispatcher {
	d := &Dispatcher{deps: deps, handlers: make(map[string]HandlerFunc)}
	d.register("hello", handleHello)
	d.register("isMaster", handleHello)
	d.register("ismaster", handleHello)
	d.register("ping", handlePing)
	d.register("buildInfo", handleBuildInfo)
	d.register("buildinfo", handleBuildInfo)
	d.register("serverStatus", handleServerStatus)
	d.register("find", handleFind)
	d.register("getMore", handleGetMore)
	d.register("killCursors", handleKillCursors)
	d.register("insert", handleInsert)
	d.register("update", handleUpdate)
	d.register("delete", handleDelete)
	d.register("count", handleCount)
	d.register("countDocuments", handleCount)
	d.register("aggregate", handleAggregate)
	d.register("create", handleCreate)
	d.register("drop", handleDrop)
	d.register("listCollections", handleListCollections)
	d.register("listDatabases", handleListDatabases)
	d.register("createIndexes", handleCreateIndexes)
	d.register("dropIndexes", handleDropIndexes)
	d.register("listIndexes", handleListIndexes)
	d.register("explain", handleExplain)
	return d
}

func (d *Dispatcher) register(name string, h HandlerFunc) {
	d.handlers[name] = h
}

// Dispatch identifies the command from cmd's first field and runs its
// handler, always returning a well-formed reply document — errors are
// classified into `ok:0` bodies here rather than propagated to the
// serving loop, per spec.md §7's propagation policy.
func (d *Dispatcher) Dispatch(ctx context.Context, sess *Session, db string, cmd *bson.Document) *bson.Document {
	if cmd == nil || cmd.Len() == 0 {
		return errorDoc(gatewayerr.New(gatewayerr.KindInvalidArgument, "empty command document"))
	}
	name := cmd.Names()[0]
	handler, ok := d.handlers[name]
	if !ok {
		return errorDoc(gatewayerr.New(gatewayerr.KindCommandNotFound, "no such command: '"+name+"'"))
	}
	reply, err := handler(ctx, d.deps, sess, db, cmd)
	if err != nil {
		return errorDoc(err)
	}
	return reply
}

// errorDoc classifies err into the `ok:0` response shape spec.md §7
// requires, wrapping anything not already a *gatewayerr.Error as
// KindInternal so a handler bug never leaks a raw Go error string
// without a code.
func errorDoc(err error) *bson.Document {
	ge := classify(err)
	doc := bson.NewDocument().
		Append("ok", bson.Double(0)).
		Append("errmsg", bson.String(ge.Error())).
		Append("code", bson.Int32Val(ge.Code())).
		Append("codeName", bson.String(ge.CodeName()))
	if ge.RetryAfterMs > 0 {
		doc.Append("retryAfterMs", bson.Int64Val(ge.RetryAfterMs))
	}
	return doc
}

// classify coerces any error into a *gatewayerr.Error, wrapping it as
// KindInternal if it isn't already classified, so callers never need
// to check the ok of gatewayerr.As themselves.
func classify(err error) *gatewayerr.Error {
	ge, ok := gatewayerr.As(err)
	if !ok {
		return gatewayerr.Wrap(gatewayerr.KindInternal, "internal error", err)
	}
	return ge
}

func okDoc() *bson.Document {
	return bson.NewDocument().Append("ok", bson.Double(1))
}

// commandTarget returns the collection name named by cmd's command
// field, when that value is a string (as opposed to a bare `1` for
// database-scoped commands like `ping`/`listCollections`).
func commandTarget(cmd *bson.Document) (string, bool) {
	name := cmd.Names()[0]
	v, _ := cmd.Get(name)
	if v.Kind != bson.KindString {
		return "", false
	}
	return v.Str, true
}

func getDocumentField(cmd *bson.Document, name string) *bson.Document {
	v, ok := cmd.Get(name)
	if !ok || v.Kind != bson.KindDocument {
		return nil
	}
	return v.Doc
}

func getArrayField(cmd *bson.Document, name string) []bson.Value {
	v, ok := cmd.Get(name)
	if !ok || v.Kind != bson.KindArray {
		return nil
	}
	return v.Arr
}

func getInt32Field(cmd *bson.Document, name string, def int32) int32 {
	v, ok := cmd.Get(name)
	if !ok {
		return def
	}
	if f, ok := v.AsFloat64(); ok {
		return int32(f)
	}
	return def
}

func getInt64Field(cmd *bson.Document, name string, def int64) int64 {
	v, ok := cmd.Get(name)
	if !ok {
		return def
	}
	if f, ok := v.AsFloat64(); ok {
		return int64(f)
	}
	return def
}

func getBoolField(cmd *bson.Document, name string, def bool) bool {
	v, ok := cmd.Get(name)
	if !ok || v.Kind != bson.KindBool {
		return def
	}
	return v.Bool
}

func namespace(db, coll string) string { return db + "." + coll }

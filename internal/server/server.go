// Package server implements the per-connection serving loop (spec.md
// §4.7/C7): accept, read a frame, gate it through the rate limiter and
// the "dispatch" circuit breaker, dispatch it, write the reply,
// repeat — grounded on the teacher's
// pkg/core/proxy/integrations/mongo/decode.go read-decode-dispatch-write
// skeleton (stripped of its mock-matching concerns) and unified with
// original_source/src/server.rs per spec.md §9's redesign note: one
// serving loop, not three.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/fauxdb/mongopg-gateway/internal/bson"
	"github.com/fauxdb/mongopg-gateway/internal/config"
	"github.com/fauxdb/mongopg-gateway/internal/cursor"
	"github.com/fauxdb/mongopg-gateway/internal/dispatcher"
	"github.com/fauxdb/mongopg-gateway/internal/gatewayerr"
	"github.com/fauxdb/mongopg-gateway/internal/resilience"
	"github.com/fauxdb/mongopg-gateway/internal/wire"
)

// Server owns the TCP listener and the collaborators every connection
// shares read-only: the command dispatcher's fixed Deps, the rate
// limiter, and the shutdown coordinator.
type Server struct {
	cfg        *config.Config
	dispatcher *dispatcher.Dispatcher
	breakers   *resilience.Registry
	limiter    *resilience.Limiter
	shutdown   *resilience.Shutdown
	logger     *zap.Logger

	listener    net.Listener
	activeConns atomic.Int64
	nextConnID  atomic.Int64
	wg          sync.WaitGroup
}

// New builds a Server. cfg, dispatcher, breakers, limiter, and
// shutdown are all constructed once at startup and shared across every
// connection's task (spec.md §5: "no global mutable state otherwise").
func New(cfg *config.Config, d *dispatcher.Dispatcher, breakers *resilience.Registry, limiter *resilience.Limiter, shutdown *resilience.Shutdown, logger *zap.Logger) *Server {
	return &Server{cfg: cfg, dispatcher: d, breakers: breakers, limiter: limiter, shutdown: shutdown, logger: logger}
}

// Run listens on cfg.Server.Host:Port and accepts connections until the
// shutdown coordinator signals drain, then waits for in-flight
// connection tasks to finish (bounded by the caller via
// shutdown.ForceExitAfter).
func (s *Server) Run() error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", addr, err)
	}
	s.listener = ln
	s.logger.Info("gateway listening", zap.String("addr", ln.Addr().String()))

	go func() {
		<-s.shutdown.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if s.shutdown.Draining() {
				break
			}
			var netErr net.Error
			if errors.As(err, &netErr) && !netErr.Timeout() {
				break
			}
			continue
		}
		if s.shutdown.Draining() {
			_ = conn.Close()
			continue
		}
		if s.cfg.Server.MaxConnections > 0 && s.activeConns.Load() >= int64(s.cfg.Server.MaxConnections) {
			s.logger.Debug("rejecting connection over max_connections", zap.String("remote", conn.RemoteAddr().String()))
			_ = conn.Close()
			continue
		}
		s.activeConns.Add(1)
		s.wg.Add(1)
		go s.handleConn(conn)
	}

	s.wg.Wait()
	return nil
}

// Drain waits for every in-flight connection task to finish, used by
// the caller to feed ForceExitAfter (spec.md §4.8).
func (s *Server) Drain() <-chan struct{} {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	return done
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.activeConns.Add(-1)
	defer conn.Close()

	connID := s.nextConnID.Add(1)
	if tcp, ok := conn.(*net.TCPConn); ok && s.cfg.Server.KeepAlive > 0 {
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(s.cfg.Server.KeepAlive)
	}

	cursors := cursor.NewRegistry(s.cfg.Cursor.Timeout)
	defer cursors.Close()
	sess := &dispatcher.Session{ConnectionID: connID, Cursors: cursors}

	reader := bufio.NewReader(conn)
	var respIDs wire.RequestIDCounter
	breaker := s.breakers.Get("dispatch")
	scope := conn.RemoteAddr().String()

	for {
		select {
		case <-s.shutdown.Done():
			return
		default:
		}

		if s.cfg.Server.ConnectionTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.cfg.Server.ConnectionTimeout))
		}

		header, body, err := wire.ReadMessage(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug("closing connection on framing error", zap.Int64("connID", connID), zap.Error(err))
			}
			return
		}

		frame, closeConn := s.handleMessage(conn, scope, header, body, sess, breaker, &respIDs)
		if frame != nil {
			if werr := wire.WriteMessage(conn, frame); werr != nil {
				s.logger.Debug("closing connection on write error", zap.Int64("connID", connID), zap.Error(werr))
				return
			}
		}
		if closeConn {
			return
		}
	}
}

// handleMessage decodes one frame, gates it through the rate limiter
// and the dispatch circuit breaker, runs the dispatcher, and encodes
// the reply in the opcode the request demands (spec.md §4.2: OP_QUERY
// gets OP_REPLY, OP_MSG gets OP_MSG). wire.ReadMessage already consumed
// exactly messageLength bytes, so a decode failure for a known opcode
// is a malformed command body, not a lost framing sync; it is answered
// with an ok:0, code:22 reply rather than closing the connection
// (spec.md §7). Only a genuinely unrecognized opcode closes the
// connection, since there is no reply shape to encode for it. Any
// later panic is recovered into an InternalError reply because framing
// is still intact at that point.
func (s *Server) handleMessage(conn net.Conn, scope string, h wire.Header, body []byte, sess *dispatcher.Session, breaker *resilience.Breaker, respIDs *wire.RequestIDCounter) (frame []byte, closeConn bool) {
	req, err := wire.Decode(h, body)
	if err != nil {
		if errors.Is(err, wire.ErrUnknownOpCode) {
			s.logger.Debug("unrecognized opcode, closing connection", zap.Error(err))
			return nil, true
		}
		// wire.ReadMessage already read exactly messageLength bytes off the
		// stream before handleMessage ran, so the stream position is still
		// trustworthy here: a decode failure for a known opcode is a
		// malformed command body (spec.md §7), not a lost framing sync.
		ge := gatewayerr.Wrap(gatewayerr.KindBSONMalformed, "malformed command body", err)
		return s.encodeReply(h, errorDocFromErr(ge), respIDs), false
	}

	cmdDoc, db, err := requestCommand(req)
	if err != nil {
		return s.encodeReply(h, errorDocFromErr(err), respIDs), false
	}

	if rlErr := s.limiter.Allow(scope); rlErr != nil {
		return s.encodeReply(h, errorDocFromErr(rlErr), respIDs), false
	}

	reply := s.dispatchOne(sess, db, cmdDoc, breaker)
	return s.encodeReply(h, reply, respIDs), false
}

// dispatchOne runs the dispatcher under the "dispatch" circuit breaker
// and recovers any panic escaping a handler, matching spec.md §4.7's
// "any panic/unexpected fault is caught, logged, and converted to an
// ok:0, code:1 response if framing is intact."
func (s *Server) dispatchOne(sess *dispatcher.Session, db string, cmdDoc *bson.Document, breaker *resilience.Breaker) (reply *bson.Document) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("recovered panic in command handler", zap.Any("panic", r))
			reply = errorDocFromErr(gatewayerr.Wrap(gatewayerr.KindInternal, "internal error", fmt.Errorf("panic: %v", r)))
		}
	}()

	breakerErr := breaker.Call(func() error {
		reply = s.dispatcher.Dispatch(context.Background(), sess, db, cmdDoc)
		if code, ok := replyCode(reply); ok && isBackendFailureCode(code) {
			return fmt.Errorf("backend dependency failure, code %d", code)
		}
		return nil
	})
	if breakerErr != nil {
		if ge, ok := gatewayerr.As(breakerErr); ok && ge.Kind == gatewayerr.KindCircuitOpen {
			// Allow() short-circuited before Dispatch ran; reply was
			// never set by the closure above.
			reply = errorDocFromErr(ge)
		}
		// Otherwise breakerErr just mirrors a failure already recorded
		// in reply by Dispatch; reply stands as-is.
	}
	return reply
}

func (s *Server) encodeReply(h wire.Header, reply *bson.Document, respIDs *wire.RequestIDCounter) []byte {
	switch h.OpCode {
	case wire.OpQuery:
		r := wire.NewReply([]*bson.Document{reply})
		return r.Encode(respIDs.Next(), h.RequestID)
	default: // OpMsg and any future opcode that still gets an OP_MSG reply
		m := wire.NewCommandReply(reply)
		return m.Encode(respIDs.Next(), h.RequestID)
	}
}

// requestCommand extracts the command document and target database
// from a decoded request, regardless of which opcode carried it.
func requestCommand(req interface{}) (*bson.Document, string, error) {
	switch m := req.(type) {
	case *wire.Msg:
		body, err := m.Body()
		if err != nil {
			return nil, "", gatewayerr.Wrap(gatewayerr.KindBSONMalformed, "OP_MSG missing command body", err)
		}
		return body, dbField(body), nil
	case *wire.Query:
		db, _ := splitNamespace(m.FullCollectionName)
		return m.Document, db, nil
	default:
		return nil, "", gatewayerr.New(gatewayerr.KindCommandNotFound, "unsupported request opcode")
	}
}

// dbField reads the standard "$db" command field OP_MSG commands carry
// (spec.md §4.6's namespace table assumes db is always known).
func dbField(cmd *bson.Document) string {
	db, err := cmd.GetString("$db")
	if err != nil {
		return ""
	}
	return db
}

func splitNamespace(ns string) (db, coll string) {
	for i := 0; i < len(ns); i++ {
		if ns[i] == '.' {
			return ns[:i], ns[i+1:]
		}
	}
	return ns, ""
}

func replyCode(reply *bson.Document) (int32, bool) {
	if reply == nil {
		return 0, false
	}
	v, ok := reply.Get("code")
	if !ok || v.Kind != bson.KindInt32 {
		return 0, false
	}
	return v.Int32, true
}

// isBackendFailureCode reports whether code names a gatewayerr kind
// that should count against the "dispatch" breaker's failure budget —
// command-shaped errors (bad arguments, unknown commands) should not
// trip it, only dependency failures (spec.md §4.8: "one per logical
// dependency").
func isBackendFailureCode(code int32) bool {
	switch code {
	case 7, 50, 2: // HostUnreachable, MaxTimeMSExpired, BadValue (backend query failure)
		return true
	default:
		return false
	}
}

func errorDocFromErr(err error) *bson.Document {
	ge, ok := gatewayerr.As(err)
	if !ok {
		ge = gatewayerr.Wrap(gatewayerr.KindInternal, "internal error", err)
	}
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

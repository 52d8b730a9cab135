// Package pool wraps pgxpool.Pool with the acquire/timeout, stats,
// and error-classification contract spec.md §4.3 requires, grounded
// on the teacher's database/sql wrapper pattern in
// pkg/platform/sql/flakiness/db.go (constructor takes a *zap.Logger,
// owns its connection handle, exposes context-scoped methods) adapted
// from database/sql to pgx/v5's pgxpool.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/fauxdb/mongopg-gateway/internal/gatewayerr"
)

// Stats mirrors the counters spec.md §4.3 requires the pool to
// maintain.
type Stats struct {
	Total       int32
	Active      int32
	Idle        int32
	ErrorCount  int64
	QueryCount  int64
	AvgLatencyMs float64
}

// Pool acquires pgx connections with the gateway's own timeout and
// statistics bookkeeping layered over pgxpool's native acquire path.
type Pool struct {
	pg     *pgxpool.Pool
	logger *zap.Logger

	mu          sync.Mutex
	errorCount  int64
	queryCount  int64
	latencySumMs float64
}

// Config mirrors the subset of database.* options spec.md §6 names.
type Config struct {
	ConnectionString  string
	PoolSize          int32
	MaxLifetime       time.Duration
	IdleTimeout       time.Duration
	ConnectionTimeout time.Duration
	QueryTimeout      time.Duration
}

// New builds a Pool from a pgxpool.Config adapted from cfg, setting
// MaxConns/MaxConnLifetime/MaxConnIdleTime so reaping (spec.md §4.3's
// "idle connections exceeding idle_timeout are reaped" and "age
// exceeding max_lifetime retired on next release") is delegated to
// pgxpool's own background health checker rather than reimplemented.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Pool, error) {
	pgCfg, err := pgxpool.ParseConfig(cfg.ConnectionString)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindBackendUnavailable, "parse backend connection string", err)
	}
	if cfg.PoolSize > 0 {
		pgCfg.MaxConns = cfg.PoolSize
	}
	if cfg.MaxLifetime > 0 {
		pgCfg.MaxConnLifetime = cfg.MaxLifetime
	}
	if cfg.IdleTimeout > 0 {
		pgCfg.MaxConnIdleTime = cfg.IdleTimeout
	}

	pg, err := pgxpool.NewWithConfig(ctx, pgCfg)
	if err != nil {
		return nil, gatewayerr.Wrap(gatewayerr.KindBackendUnavailable, "connect to backend", err)
	}
	return &Pool{pg: pg, logger: logger}, nil
}

// Close releases all pooled connections.
func (p *Pool) Close() { p.pg.Close() }

// Conn is a borrowed connection; callers must call Release when done.
type Conn struct {
	release func()
	raw     *pgxpool.Conn
	pool    *Pool
}

// Acquire borrows a connection, failing with KindBackendUnavailable
// ("PoolExhausted" per spec.md §4.3) if timeout elapses first.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*Conn, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	raw, err := p.pg.Acquire(acquireCtx)
	if err != nil {
		atomic.AddInt64(&p.errorCount, 1)
		return nil, gatewayerr.Wrap(gatewayerr.KindBackendUnavailable, "pool exhausted", err)
	}
	return &Conn{raw: raw, pool: p, release: raw.Release}, nil
}

// Release returns the connection to the pool. Per spec.md §4.3, a
// connection that ended its last call in a transport error is
// discarded instead of reused; pgx's Conn.Release already does this
// when the underlying connection is marked broken, so no extra
// bookkeeping is needed here.
func (c *Conn) Release() { c.release() }

func (p *Pool) recordLatency(start time.Time, err error) {
	elapsed := float64(time.Since(start).Microseconds()) / 1000.0
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queryCount++
	p.latencySumMs += elapsed
	if err != nil {
		p.errorCount++
	}
}

// Execute runs a statement with a per-call timeout (spec.md §4.3:
// "exceeding the timeout cancels the statement and returns
// QueryTimeout") and returns rows affected.
func (c *Conn) Execute(ctx context.Context, timeout time.Duration, sql string, args ...interface{}) (int64, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	tag, err := c.raw.Exec(callCtx, sql, args...)
	c.pool.recordLatency(start, err)
	if err != nil {
		if callCtx.Err() != nil {
			return 0, gatewayerr.Wrap(gatewayerr.KindTimeout, "query timeout", err)
		}
		return 0, gatewayerr.Wrap(gatewayerr.KindBackendQuery, "backend exec failed", err)
	}
	return tag.RowsAffected(), nil
}

// Query runs a statement with a per-call deadline and returns the rows
// handle; the deadline stays in force until the caller closes rows, so
// cancellation is the caller's responsibility via ctx (the serving loop
// dispatches with context.Background(), so the per-call timeout is the
// only deadline on a command's queries).
func (c *Conn) Query(ctx context.Context, timeout time.Duration, sql string, args ...interface{}) (pgx.Rows, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	start := time.Now()
	rows, err := c.raw.Query(callCtx, sql, args...)
	if err != nil {
		cancel()
		c.pool.recordLatency(start, err)
		if callCtx.Err() != nil {
			return nil, gatewayerr.Wrap(gatewayerr.KindTimeout, "query timeout", err)
		}
		return nil, gatewayerr.Wrap(gatewayerr.KindBackendQuery, "backend query failed", err)
	}
	c.pool.recordLatency(start, nil)
	return &cancelingRows{Rows: rows, cancel: cancel}, nil
}

// cancelingRows ties the query's context cancellation to rows.Close so
// the timeout context isn't leaked once iteration finishes.
type cancelingRows struct {
	pgx.Rows
	cancel context.CancelFunc
}

func (r *cancelingRows) Close() {
	r.Rows.Close()
	r.cancel()
}

// Stats reports the counters spec.md §4.3 requires, taking total/
// active/idle from pgxpool's own live statistics. A nil Pool reports
// all-zero counters.
func (p *Pool) Stats() Stats {
	if p == nil {
		return Stats{}
	}
	s := p.pg.Stat()
	p.mu.Lock()
	defer p.mu.Unlock()
	avg := 0.0
	if p.queryCount > 0 {
		avg = p.latencySumMs / float64(p.queryCount)
	}
	return Stats{
		Total:        s.TotalConns(),
		Active:       s.AcquiredConns(),
		Idle:         s.IdleConns(),
		ErrorCount:   p.errorCount,
		QueryCount:   p.queryCount,
		AvgLatencyMs: avg,
	}
}

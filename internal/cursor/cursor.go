// Package cursor is the connection-scoped cursor registry (spec.md
// §4.9): server-owned iterators over find/aggregate result sets,
// addressed by a 64-bit non-zero id, reaped after an idle timeout.
// No single teacher file maps onto this directly; the shape — a
// mutex-guarded map plus a background reaper goroutine started
// alongside the owning connection — follows the same pattern the
// teacher uses for its proxy-side connection tracking
// (keploy-keploy/pkg/core/proxy/connection.go's per-connection state
// map), adapted from "tracked until the connection closes" to
// "tracked until idle-timeout or explicit kill".
package cursor

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fauxdb/mongopg-gateway/internal/bson"
	"github.com/fauxdb/mongopg-gateway/internal/gatewayerr"
)

// Batch produces the next slice of documents lazily; Done reports
// whether the underlying iterator is exhausted. Both find and
// aggregate register the slice-backed implementation (NewSliceBatch),
// since each materializes its full result before creating the cursor.
type Batch interface {
	Next(batchSize int32) ([]*bson.Document, error)
	Done() bool
}

// sliceBatch adapts an already-fetched document slice into a Batch,
// used when the producing query has no further server-side paging of
// its own (the common case: storage.Find already applied skip/limit).
type sliceBatch struct {
	docs []*bson.Document
	pos  int
}

func NewSliceBatch(docs []*bson.Document) Batch { return &sliceBatch{docs: docs} }

func (b *sliceBatch) Next(batchSize int32) ([]*bson.Document, error) {
	if batchSize <= 0 {
		batchSize = int32(len(b.docs))
	}
	end := b.pos + int(batchSize)
	if end > len(b.docs) {
		end = len(b.docs)
	}
	out := b.docs[b.pos:end]
	b.pos = end
	return out, nil
}

func (b *sliceBatch) Done() bool { return b.pos >= len(b.docs) }

// Cursor is one server-owned iterator.
type Cursor struct {
	ID       int64
	Namespace string
	Batch    Batch
	lastUsed atomic.Int64 // unix nanos
}

func (c *Cursor) touch(now time.Time) { c.lastUsed.Store(now.UnixNano()) }

// Registry owns every live cursor for one connection. A Registry must
// not be shared across connections (spec.md §4.9: "cursors do not
// survive their connection").
type Registry struct {
	mu      sync.Mutex
	cursors map[int64]*Cursor
	next    int64
	timeout time.Duration
	stop    chan struct{}
	stopped atomic.Bool
}

// NewRegistry builds a cursor registry with a background idle reaper;
// Close must be called when the owning connection is torn down.
func NewRegistry(idleTimeout time.Duration) *Registry {
	r := &Registry{
		cursors: make(map[int64]*Cursor),
		timeout: idleTimeout,
		stop:    make(chan struct{}),
	}
	go r.reapLoop()
	return r
}

// New registers a fresh cursor with a unique, non-zero id scoped to
// this registry.
func (r *Registry) New(namespace string, batch Batch) *Cursor {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	c := &Cursor{ID: r.next, Namespace: namespace, Batch: batch}
	c.touch(time.Now())
	r.cursors[c.ID] = c
	return c
}

// Get returns the live cursor for id, or ErrCursorNotFound.
func (r *Registry) Get(id int64) (*Cursor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.cursors[id]
	if !ok {
		return nil, gatewayerr.New(gatewayerr.KindCursorNotFound, "cursor not found")
	}
	c.touch(time.Now())
	return c, nil
}

// Advance fetches the next batch for id and drops the cursor from the
// registry if it is now exhausted, matching the "id=0 iff no cursor
// was retained" contract of spec.md §4.6/§8 property 4.
func (r *Registry) Advance(id int64, batchSize int32) ([]*bson.Document, int64, error) {
	c, err := r.Get(id)
	if err != nil {
		return nil, 0, err
	}
	docs, err := c.Batch.Next(batchSize)
	if err != nil {
		return nil, 0, err
	}
	if c.Batch.Done() {
		r.Kill(id)
		return docs, 0, nil
	}
	return docs, id, nil
}

// Kill removes a cursor, idempotently.
func (r *Registry) Kill(id int64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.cursors[id]; !ok {
		return false
	}
	delete(r.cursors, id)
	return true
}

// KillMany removes several cursors, returning the ones actually killed
// and the ones not found (spec.md §4.6's killCursors response shape).
func (r *Registry) KillMany(ids []int64) (killed, notFound []int64) {
	for _, id := range ids {
		if r.Kill(id) {
			killed = append(killed, id)
		} else {
			notFound = append(notFound, id)
		}
	}
	return killed, notFound
}

// Close stops the reaper and drops every cursor; called on connection
// teardown so no cursor outlives its connection.
func (r *Registry) Close() {
	if r.stopped.CompareAndSwap(false, true) {
		close(r.stop)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cursors = make(map[int64]*Cursor)
}

func (r *Registry) reapLoop() {
	if r.timeout <= 0 {
		return
	}
	ticker := time.NewTicker(r.timeout / 4)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.reapIdle()
		}
	}
}

func (r *Registry) reapIdle() {
	cutoff := time.Now().Add(-r.timeout).UnixNano()
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, c := range r.cursors {
		if c.lastUsed.Load() < cutoff {
			delete(r.cursors, id)
		}
	}
}

package resilience

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// Shutdown coordinates graceful drain-then-force-exit (spec.md §4.8),
// grounded on the teacher's cli package signal.Notify-on-a-channel
// style (cli/index.go, cli/mcp.go) rather than context.signal.NotifyContext.
type Shutdown struct {
	logger *zap.Logger
	sig    chan os.Signal
	done   chan struct{}

	mu       sync.Mutex
	draining bool

	graceful time.Duration
	force    time.Duration
}

// NewShutdown builds a coordinator listening for SIGINT/SIGTERM.
func NewShutdown(logger *zap.Logger, graceful, force time.Duration) *Shutdown {
	s := &Shutdown{
		logger:   logger,
		sig:      make(chan os.Signal, 1),
		done:     make(chan struct{}),
		graceful: graceful,
		force:    force,
	}
	signal.Notify(s.sig, os.Interrupt, syscall.SIGTERM)
	return s
}

// Draining reports whether shutdown has been signaled; the serving
// loop stops accepting new connections once this is true.
func (s *Shutdown) Draining() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining
}

// Done is closed once a shutdown signal has been received; long-running
// loops select on it at their next suspension point (spec.md §5).
func (s *Shutdown) Done() <-chan struct{} { return s.done }

// Wait blocks until a signal arrives, marks draining, and returns a
// context that is cancelled after graceful_timeout elapses — callers
// pass this to in-flight work so it can cancel on drain-overrun.
// ForceExitAfter is what force-exits the process if drain does not
// complete in time.
func (s *Shutdown) Wait() context.Context {
	<-s.sig
	s.logger.Info("shutdown signal received, draining connections")
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()
	close(s.done)

	ctx, cancel := context.WithTimeout(context.Background(), s.graceful)
	go func() {
		<-ctx.Done()
		cancel()
	}()
	return ctx
}

// ForceExitAfter force-exits the process if drainComplete is not
// closed within graceful_timeout+force_timeout of this call; the
// caller invokes it once shutdown has been signaled.
func (s *Shutdown) ForceExitAfter(drainComplete <-chan struct{}) {
	timer := time.NewTimer(s.graceful + s.force)
	defer timer.Stop()
	select {
	case <-drainComplete:
	case <-timer.C:
		s.logger.Error("graceful drain exceeded force_timeout, forcing exit")
		os.Exit(1)
	}
}

package resilience

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/fauxdb/mongopg-gateway/internal/gatewayerr"
)

// RateLimitConfig mirrors config.RateLimitingConfig, kept separate for
// the same reason as BreakerConfig.
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerSecond float64
	BurstSize         int
}

type bucket struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Limiter is a scoped token-bucket rate limiter (spec.md §4.8): one
// rate.Limiter per scope key (e.g. "global", an IP, a user id, a
// collection namespace), grounded on the teacher's
// pkg/service/load/scheduler.go use of golang.org/x/time/rate.
type Limiter struct {
	cfg RateLimitConfig

	mu      sync.Mutex
	buckets map[string]*bucket
	stop    chan struct{}
}

// NewLimiter builds a Limiter and starts its hourly eviction reaper
// (spec.md §4.8: "buckets untouched for one hour are evicted").
func NewLimiter(cfg RateLimitConfig) *Limiter {
	l := &Limiter{cfg: cfg, buckets: make(map[string]*bucket), stop: make(chan struct{})}
	if cfg.Enabled {
		go l.reapLoop()
	}
	return l
}

// Allow attempts to consume one token from scope's bucket, returning a
// KindRateLimited error carrying RetryAfterMs when exhausted.
func (l *Limiter) Allow(scope string) error {
	if !l.cfg.Enabled {
		return nil
	}
	l.mu.Lock()
	b, ok := l.buckets[scope]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(l.cfg.RequestsPerSecond), l.cfg.BurstSize)}
		l.buckets[scope] = b
	}
	b.lastUsed = time.Now()
	limiter := b.limiter
	l.mu.Unlock()

	res := limiter.Reserve()
	if !res.OK() {
		return gatewayerr.New(gatewayerr.KindRateLimited, "rate limit exceeded")
	}
	delay := res.Delay()
	if delay <= 0 {
		return nil
	}
	res.Cancel()
	retryAfterMs := delay.Milliseconds()
	if retryAfterMs <= 0 {
		retryAfterMs = 1
	}
	return &gatewayerr.Error{Kind: gatewayerr.KindRateLimited, Message: "rate limit exceeded", RetryAfterMs: retryAfterMs}
}

func (l *Limiter) reapLoop() {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.reapIdle()
		}
	}
}

func (l *Limiter) reapIdle() {
	cutoff := time.Now().Add(-time.Hour)
	l.mu.Lock()
	defer l.mu.Unlock()
	for scope, b := range l.buckets {
		if b.lastUsed.Before(cutoff) {
			delete(l.buckets, scope)
		}
	}
}

// Close stops the eviction reaper.
func (l *Limiter) Close() {
	select {
	case <-l.stop:
	default:
		close(l.stop)
	}
}

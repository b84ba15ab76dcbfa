// Package ratelimit provides per-client request throttling for the
// platform API.
package ratelimit

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Config tunes the token bucket kept per client.
type Config struct {
	// RequestsPerMinute is the sustained rate one client may hold.
	RequestsPerMinute int
	// BurstSize is how far above the sustained rate a client may spike.
	BurstSize int
	// CleanupInterval is how often idle buckets are discarded.
	CleanupInterval time.Duration
}

// DefaultConfig allows a steady request per second with short bursts.
func DefaultConfig() Config {
	return Config{
		RequestsPerMinute: 60,
		BurstSize:         10,
		CleanupInterval:   time.Minute,
	}
}

// Limiter keeps one token bucket per client key.
type Limiter struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[string]*bucket
	done    chan struct{}
}

type bucket struct {
	tokens float64
	seen   time.Time
}

// take refills the bucket for the elapsed time and spends one token if
// available.
func (b *bucket) take(now time.Time, perSecond, burst float64) bool {
	b.tokens += now.Sub(b.seen).Seconds() * perSecond
	if b.tokens > burst {
		b.tokens = burst
	}
	b.seen = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// New creates a limiter and starts its idle-bucket sweeper.
func New(cfg Config) *Limiter {
	l := &Limiter{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		done:    make(chan struct{}),
	}
	go l.sweep()
	return l
}

// Stop terminates the sweeper goroutine.
func (l *Limiter) Stop() {
	close(l.done)
}

func (l *Limiter) sweep() {
	ticker := time.NewTicker(l.cfg.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			idle := time.Now().Add(-2 * time.Minute)
			l.mu.Lock()
			for key, b := range l.buckets {
				if b.seen.Before(idle) {
					delete(l.buckets, key)
				}
			}
			l.mu.Unlock()
		case <-l.done:
			return
		}
	}
}

// Allow reports whether a request under key fits within its budget.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	b, ok := l.buckets[key]
	if !ok {
		l.buckets[key] = &bucket{tokens: float64(l.cfg.BurstSize) - 1, seen: now}
		return true
	}
	return b.take(now, float64(l.cfg.RequestsPerMinute)/60.0, float64(l.cfg.BurstSize))
}

// Middleware throttles requests by client IP. Requests carrying an
// Authorization header are bucketed by that credential instead, so clients
// behind one NAT do not share a budget.
func (l *Limiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if cred := c.GetHeader("Authorization"); cred != "" {
			key = "auth:" + cred[:min(20, len(cred))]
		}

		if !l.Allow(key) {
			c.JSON(http.StatusTooManyRequests, gin.H{
				"error":       "rate_limit_exceeded",
				"message":     "Too many requests. Slow down and retry.",
				"retry_after": 1,
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

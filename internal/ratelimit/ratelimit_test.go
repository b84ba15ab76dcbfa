package ratelimit

import (
	"testing"
	"time"
)

func newLimiter(perMinute, burst int) *Limiter {
	return New(Config{
		RequestsPerMinute: perMinute,
		BurstSize:         burst,
		CleanupInterval:   time.Minute,
	})
}

func TestAllowBurstThenDeny(t *testing.T) {
	l := newLimiter(60, 5)
	defer l.Stop()

	for i := 0; i < 5; i++ {
		if !l.Allow("10.0.0.1") {
			t.Errorf("request %d within burst should be allowed", i)
		}
	}
	if l.Allow("10.0.0.1") {
		t.Error("request past burst should be denied")
	}
}

func TestAllowRefillsOverTime(t *testing.T) {
	l := newLimiter(600, 1) // 10 tokens/s, no burst headroom
	defer l.Stop()

	if !l.Allow("client") {
		t.Fatal("first request should be allowed")
	}
	if l.Allow("client") {
		t.Fatal("immediate second request should be denied")
	}

	time.Sleep(110 * time.Millisecond)
	if !l.Allow("client") {
		t.Error("request after refill window should be allowed")
	}
}

func TestBucketsAreIndependent(t *testing.T) {
	l := newLimiter(60, 3)
	defer l.Stop()

	for i := 0; i < 3; i++ {
		l.Allow("client-a")
	}
	if l.Allow("client-a") {
		t.Error("client-a should be throttled")
	}
	if !l.Allow("client-b") {
		t.Error("client-b has its own bucket and should pass")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.RequestsPerMinute != 60 || cfg.BurstSize != 10 {
		t.Errorf("unexpected defaults: %+v", cfg)
	}
	if cfg.CleanupInterval != time.Minute {
		t.Errorf("cleanup interval = %v, want 1m", cfg.CleanupInterval)
	}
}

package gateway

import "testing"

func TestRateLimiterDisabledWhenRPSNonPositive(t *testing.T) {
	r := NewRateLimiter(0)
	for i := 0; i < 100; i++ {
		if !r.Allow("client-a") {
			t.Fatalf("expected disabled limiter to always allow")
		}
	}
}

func TestRateLimiterBlocksAfterBurst(t *testing.T) {
	r := NewRateLimiter(1)
	allowed := 0
	for i := 0; i < 10; i++ {
		if r.Allow("client-a") {
			allowed++
		}
	}
	if allowed >= 10 {
		t.Fatalf("expected limiter to block some of 10 rapid requests at rps=1, allowed=%d", allowed)
	}
	if allowed == 0 {
		t.Fatalf("expected limiter to allow at least the initial burst")
	}
}

func TestRateLimiterTracksClientsIndependently(t *testing.T) {
	r := NewRateLimiter(1)
	for i := 0; i < 5; i++ {
		r.Allow("client-a")
	}
	if !r.Allow("client-b") {
		t.Fatalf("expected a fresh client to have its own budget")
	}
}

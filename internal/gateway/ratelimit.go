package gateway

import (
	"sync"

	"golang.org/x/time/rate"
)

// maxTrackedClients bounds the limiter map so a flood of short-lived
// connections cannot grow it unboundedly; entries are evicted lazily on
// Forget, mirroring the bounded-tracking shape of the teacher's webhook
// rate limiter.
const maxTrackedClients = 4096

// RateLimiter enforces a per-connection requests-per-second budget on
// gateway RPCs (§4.1). burst is fixed at 5 to tolerate a UI's initial
// burst of subscribe/list calls on connect.
type RateLimiter struct {
	rps   float64
	burst int

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewRateLimiter builds a limiter; rps <= 0 disables limiting entirely.
func NewRateLimiter(rps int) *RateLimiter {
	return &RateLimiter{
		rps:      float64(rps),
		burst:    5,
		limiters: make(map[string]*rate.Limiter),
	}
}

// Enabled reports whether limiting is active.
func (r *RateLimiter) Enabled() bool { return r.rps > 0 }

// Allow reports whether clientID may issue another request right now.
func (r *RateLimiter) Allow(clientID string) bool {
	if !r.Enabled() {
		return true
	}
	return r.limiterFor(clientID).Allow()
}

func (r *RateLimiter) limiterFor(clientID string) *rate.Limiter {
	r.mu.Lock()
	defer r.mu.Unlock()

	if l, ok := r.limiters[clientID]; ok {
		return l
	}
	if len(r.limiters) >= maxTrackedClients {
		// evict an arbitrary entry rather than grow unbounded; map
		// iteration order is random enough for this purpose.
		for k := range r.limiters {
			delete(r.limiters, k)
			break
		}
	}
	l := rate.NewLimiter(rate.Limit(r.rps), r.burst)
	r.limiters[clientID] = l
	return l
}

// Forget drops a client's limiter state, called on disconnect.
func (r *RateLimiter) Forget(clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.limiters, clientID)
}

package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Pacer enforces a fixed minimum interval between sequential work items.
// The first call to Wait returns immediately.
type Pacer struct {
	limiter *rate.Limiter
}

// NewPacer returns a token bucket refilling one token per interval with a
// burst of one. A non-positive interval disables pacing.
func NewPacer(interval time.Duration) *Pacer {
	if interval <= 0 {
		return &Pacer{limiter: rate.NewLimiter(rate.Inf, 1)}
	}
	return &Pacer{limiter: rate.NewLimiter(rate.Every(interval), 1)}
}

func (p *Pacer) Wait(ctx context.Context) error {
	return p.limiter.Wait(ctx)
}

// KeyedLimiter keeps one token bucket per key (client IP for the API).
// Idle buckets are evicted lazily on access.
type KeyedLimiter struct {
	mu      sync.Mutex
	rps     rate.Limit
	burst   int
	idle    time.Duration
	clients map[string]*keyedEntry
	lastGC  time.Time
}

type keyedEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewKeyedLimiter(requestsPerSecond float64, burst int, idle time.Duration) *KeyedLimiter {
	if idle <= 0 {
		idle = 10 * time.Minute
	}
	return &KeyedLimiter{
		rps:     rate.Limit(requestsPerSecond),
		burst:   burst,
		idle:    idle,
		clients: make(map[string]*keyedEntry),
		lastGC:  time.Now(),
	}
}

// Allow reports whether key may proceed now.
func (k *KeyedLimiter) Allow(key string) bool {
	k.mu.Lock()
	now := time.Now()
	if now.Sub(k.lastGC) > k.idle {
		for key, e := range k.clients {
			if now.Sub(e.lastSeen) > k.idle {
				delete(k.clients, key)
			}
		}
		k.lastGC = now
	}

	e, ok := k.clients[key]
	if !ok {
		e = &keyedEntry{limiter: rate.NewLimiter(k.rps, k.burst)}
		k.clients[key] = e
	}
	e.lastSeen = now
	k.mu.Unlock()

	return e.limiter.Allow()
}

func (k *KeyedLimiter) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.clients)
}

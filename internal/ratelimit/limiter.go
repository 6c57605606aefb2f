package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter bounds outbound probe traffic, globally and per target host.
type Limiter struct {
	limiter        *rate.Limiter
	requestDelay   time.Duration
	burstSize      int
	lastRequestMap map[string]time.Time
	mu             sync.Mutex
}

type Config struct {
	// RequestsPerSecond limits the number of requests per second
	RequestsPerSecond float64

	// BurstSize allows brief bursts above the rate limit
	BurstSize int

	// MinDelay is the minimum delay between requests to the same host
	MinDelay time.Duration
}

// DefaultConfig keeps a single scan polite towards a shared-hosting target.
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 10.0,
		BurstSize:         5,
		MinDelay:          100 * time.Millisecond,
	}
}

func NewLimiter(config Config) *Limiter {
	return &Limiter{
		limiter:        rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.BurstSize),
		requestDelay:   config.MinDelay,
		burstSize:      config.BurstSize,
		lastRequestMap: make(map[string]time.Time),
	}
}

// Wait blocks until the rate limiter allows the request
func (l *Limiter) Wait(ctx context.Context) error {
	return l.limiter.Wait(ctx)
}

// WaitForHost waits for the global bucket, then enforces MinDelay between
// requests to the same host.
func (l *Limiter) WaitForHost(ctx context.Context, host string) error {
	if err := l.limiter.Wait(ctx); err != nil {
		return err
	}

	for {
		l.mu.Lock()
		last, exists := l.lastRequestMap[host]
		now := time.Now()
		if !exists || now.Sub(last) >= l.requestDelay {
			l.lastRequestMap[host] = now
			l.mu.Unlock()
			return nil
		}
		wait := l.requestDelay - now.Sub(last)
		l.mu.Unlock()

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		}
	}
}

// Allow checks if a request is allowed without blocking
func (l *Limiter) Allow() bool {
	return l.limiter.Allow()
}

// Reset forgets per-host history.
func (l *Limiter) Reset() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastRequestMap = make(map[string]time.Time)
}

func (l *Limiter) GetStats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()

	return Stats{
		TrackedHosts: len(l.lastRequestMap),
		BurstSize:    l.burstSize,
		RequestDelay: l.requestDelay,
	}
}

type Stats struct {
	TrackedHosts int
	BurstSize    int
	RequestDelay time.Duration
}

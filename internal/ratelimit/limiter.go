// Package ratelimit implements the token-bucket throttle shared by the
// HTTP transport.
package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// Limiter is a token-bucket rate limiter. The bucket holds at most burst
// tokens and refills continuously at rate tokens per second.
type Limiter struct {
	rate  float64
	burst float64

	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
}

// New creates a Limiter with the given refill rate (tokens per second)
// and burst capacity. The bucket starts full.
func New(ratePerSecond float64, burst int) *Limiter {
	return &Limiter{
		rate:       ratePerSecond,
		burst:      float64(burst),
		tokens:     float64(burst),
		lastRefill: time.Now(),
	}
}

// Wait blocks until a token is available, then consumes it. Callers are
// delayed, never refused. The sleep happens while the limiter mutex is
// held, so a caller already waiting cannot be overtaken by a later one.
//
// Returns early only if ctx is cancelled during the wait.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(l.lastRefill).Seconds()
	l.tokens = math.Min(l.burst, l.tokens+elapsed*l.rate)
	l.lastRefill = now

	if l.tokens >= 1 {
		l.tokens--
		return nil
	}

	wait := time.Duration((1 - l.tokens) / l.rate * float64(time.Second))
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	// The token generated during the sleep is the one consumed.
	l.tokens = 0
	l.lastRefill = time.Now()
	return nil
}

// Tokens reports the current token count after refill. Intended for
// observation; the value is stale as soon as the lock is released.
func (l *Limiter) Tokens() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	l.tokens = math.Min(l.burst, l.tokens+now.Sub(l.lastRefill).Seconds()*l.rate)
	l.lastRefill = now
	return l.tokens
}

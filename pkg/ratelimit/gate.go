// Package ratelimit provides a shared minimum-interval gate for calls to
// rate-limited external providers.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Gate enforces one request per fixed interval across all callers. The limit
// is global to the provider account, so the gate is shared rather than
// per-worker.
type Gate struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time
}

// NewGate creates a gate with the given minimum interval between requests.
// A zero or negative interval disables the gate.
func NewGate(interval time.Duration) *Gate {
	return &Gate{interval: interval}
}

// Wait blocks until the caller may proceed or the context expires. Slots are
// handed out in FIFO order of arrival at the internal lock.
func (g *Gate) Wait(ctx context.Context) error {
	if g.interval <= 0 {
		return ctx.Err()
	}

	g.mu.Lock()
	now := time.Now()
	wait := g.next.Sub(now)
	if wait < 0 {
		wait = 0
	}
	g.next = now.Add(wait).Add(g.interval)
	g.mu.Unlock()

	if wait == 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Interval returns the configured minimum interval.
func (g *Gate) Interval() time.Duration {
	return g.interval
}

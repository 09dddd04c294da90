// Copyright 2024-2026 Aiku AI

// Package remotecall holds the discipline every call to the remote chat
// service goes through: a shared rate limiter, a bounded retry loop and the
// classification of remote failures into transient and fatal ones.
package remotecall

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Limiter hands out time slots no closer together than its interval.
// All callers sharing a Limiter are serialized on one cursor.
type Limiter struct {
	interval time.Duration
	clock    clockwork.Clock

	mu   sync.Mutex
	last time.Time
}

// NewLimiter creates a Limiter with the given minimum slot spacing.
func NewLimiter(interval time.Duration, clk clockwork.Clock) *Limiter {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	return &Limiter{interval: interval, clock: clk}
}

// Next blocks until the next slot, which is no earlier than the previous
// slot plus interval*factor. A factor below 1 counts as 1. If ctx ends
// first the slot stays consumed and ctx.Err() is returned.
func (l *Limiter) Next(ctx context.Context, factor int) error {
	if factor < 1 {
		factor = 1
	}
	l.mu.Lock()
	now := l.clock.Now()
	slot := now
	if !l.last.IsZero() {
		if earliest := l.last.Add(l.interval * time.Duration(factor)); earliest.After(now) {
			slot = earliest
		}
	}
	l.last = slot
	l.mu.Unlock()

	delay := slot.Sub(now)
	if delay <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-l.clock.After(delay):
		return nil
	}
}

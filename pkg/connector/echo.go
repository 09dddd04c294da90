// Copyright 2024-2026 Aiku AI

package connector

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultEchoTTL          = time.Hour
	DefaultEchoReapInterval = 10 * time.Minute
)

// echoTable remembers the IDs of posts the bridge made itself so that their
// reflection in the remote event stream can be dropped.
type echoTable struct {
	ttl time.Duration

	mu      sync.Mutex
	entries map[string]time.Time
}

func newEchoTable(ttl time.Duration) *echoTable {
	if ttl <= 0 {
		ttl = DefaultEchoTTL
	}
	return &echoTable{ttl: ttl, entries: make(map[string]time.Time)}
}

func (t *echoTable) Record(postID string, sentAt time.Time) {
	t.mu.Lock()
	t.entries[postID] = sentAt
	t.mu.Unlock()
}

// Seen reports whether postID was recorded. Records stay until reaped, so
// every later event about the same post matches too.
func (t *echoTable) Seen(postID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[postID]
	return ok
}

// Reap drops entries older than the TTL and returns how many were dropped.
func (t *echoTable) Reap(now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for postID, sentAt := range t.entries {
		if now.Sub(sentAt) >= t.ttl {
			delete(t.entries, postID)
			n++
		}
	}
	return n
}

func (t *echoTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// inflight is the set of outstanding outbound sends. The remote pipeline
// waits on a snapshot of it before deciding whether an event is an echo, so
// that a post whose ID has not been recorded yet is not mistaken for a
// foreign one.
type inflight struct {
	mu      sync.Mutex
	next    uint64
	pending map[uint64]chan struct{}
}

func newInflight() *inflight {
	return &inflight{pending: make(map[uint64]chan struct{})}
}

// sendGuard is released exactly once, whatever the outcome of the send.
type sendGuard struct {
	once    sync.Once
	release func()
}

func (g *sendGuard) Done() { g.once.Do(g.release) }

func (f *inflight) Add() *sendGuard {
	f.mu.Lock()
	key := f.next
	f.next++
	ch := make(chan struct{})
	f.pending[key] = ch
	f.mu.Unlock()
	return &sendGuard{release: func() {
		f.mu.Lock()
		delete(f.pending, key)
		f.mu.Unlock()
		close(ch)
	}}
}

// Wait blocks until every guard outstanding at call time is released.
// Guards added afterwards are not waited for.
func (f *inflight) Wait(ctx context.Context) error {
	f.mu.Lock()
	snapshot := make([]chan struct{}, 0, len(f.pending))
	for _, ch := range f.pending {
		snapshot = append(snapshot, ch)
	}
	f.mu.Unlock()
	for _, ch := range snapshot {
		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (f *inflight) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

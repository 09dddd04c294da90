// Copyright 2024-2026 Aiku AI

// Package presence folds per-room presence signals for remote users into a
// single debounced online/offline stream per user.
package presence

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	DefaultOfflineGrace = 3 * time.Minute
	DefaultHeartbeat    = 4 * time.Minute
)

// Emitter receives aggregate presence changes. Calls are serialized and
// never made with the state lock held.
type Emitter func(identity string, online bool)

// Aggregator tracks, per remote identity, the set of rooms it is present in.
// An identity is online while that set is non-empty. Going offline is
// delayed by the offline grace period so that brief departures are not
// reported, and online identities are re-announced on every heartbeat.
type Aggregator struct {
	clock     clockwork.Clock
	grace     time.Duration
	heartbeat time.Duration
	emit      Emitter

	// emitMu is taken before mu and held across the emitter call, so a
	// decision and its emission are not reordered with another one.
	emitMu sync.Mutex
	mu     sync.Mutex
	users  map[string]*userState
}

type userState struct {
	rooms map[string]struct{}

	offline    clockwork.Timer
	offlineGen int
	beat       clockwork.Timer
	beatGen    int
}

// New creates an Aggregator. Zero durations select the defaults.
func New(clk clockwork.Clock, grace, heartbeat time.Duration, emit Emitter) *Aggregator {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	if grace <= 0 {
		grace = DefaultOfflineGrace
	}
	if heartbeat <= 0 {
		heartbeat = DefaultHeartbeat
	}
	return &Aggregator{
		clock:     clk,
		grace:     grace,
		heartbeat: heartbeat,
		emit:      emit,
		users:     make(map[string]*userState),
	}
}

// SetPresent records whether identity is present in room.
func (a *Aggregator) SetPresent(identity, room string, present bool) {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	a.mu.Lock()
	st, ok := a.users[identity]
	if !ok {
		if !present {
			a.mu.Unlock()
			return
		}
		st = &userState{rooms: make(map[string]struct{})}
		a.users[identity] = st
	}
	was := len(st.rooms) > 0
	if present {
		st.rooms[room] = struct{}{}
	} else {
		delete(st.rooms, room)
	}
	now := len(st.rooms) > 0

	announce := false
	switch {
	case !was && now:
		if st.offline != nil {
			st.offline.Stop()
			st.offline = nil
			st.offlineGen++
		} else {
			announce = true
			a.armHeartbeat(identity, st)
		}
	case was && !now:
		st.offlineGen++
		gen := st.offlineGen
		st.offline = a.clock.AfterFunc(a.grace, func() { a.expire(identity, st, gen) })
	}
	a.mu.Unlock()

	if announce {
		a.emit(identity, true)
	}
}

func (a *Aggregator) armHeartbeat(identity string, st *userState) {
	st.beatGen++
	gen := st.beatGen
	st.beat = a.clock.AfterFunc(a.heartbeat, func() { a.beat(identity, st, gen) })
}

func (a *Aggregator) beat(identity string, st *userState, gen int) {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	a.mu.Lock()
	if st.beatGen != gen {
		a.mu.Unlock()
		return
	}
	a.armHeartbeat(identity, st)
	a.mu.Unlock()
	a.emit(identity, true)
}

func (a *Aggregator) expire(identity string, st *userState, gen int) {
	a.emitMu.Lock()
	defer a.emitMu.Unlock()
	a.mu.Lock()
	if st.offlineGen != gen || len(st.rooms) > 0 {
		a.mu.Unlock()
		return
	}
	st.offline = nil
	if st.beat != nil {
		st.beat.Stop()
		st.beat = nil
	}
	st.beatGen++
	if a.users[identity] == st {
		delete(a.users, identity)
	}
	a.mu.Unlock()
	a.emit(identity, false)
}

// ClearRoom marks every identity as absent from room.
func (a *Aggregator) ClearRoom(room string) {
	a.mu.Lock()
	var present []string
	for identity, st := range a.users {
		if _, ok := st.rooms[room]; ok {
			present = append(present, identity)
		}
	}
	a.mu.Unlock()
	for _, identity := range present {
		a.SetPresent(identity, room, false)
	}
}

// Online reports whether identity is currently considered online,
// including during the offline grace period.
func (a *Aggregator) Online(identity string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.users[identity]
	return ok
}

// Stop cancels every pending timer without emitting anything.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for identity, st := range a.users {
		if st.offline != nil {
			st.offline.Stop()
		}
		if st.beat != nil {
			st.beat.Stop()
		}
		st.offlineGen++
		st.beatGen++
		delete(a.users, identity)
	}
}

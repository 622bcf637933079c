// Package ratelimit implements the per-(peer, event kind) sliding-window
// rate limiter of spec.md §4.F: a capped timestamp history per key, gated
// by a token-bucket pre-check so a burst is rejected cheaply before the
// more expensive window scan runs. Grounded on the teacher's
// CheckControlRate (room.go) — a per-client rolling counter reset once
// per second — generalized to an arbitrary window and per-key bucket, and
// on golang.org/x/time/rate for the token-bucket layer.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Key identifies one (peer, event kind) pair being limited.
type Key struct {
	Peer string
	Kind string
}

// Seeder supplies a key's durably recorded event history so the in-memory
// sliding window survives a process restart (spec.md §4.F: "the limiter
// persists to the session-store backend so restarts do not wipe
// history"). internal/store.Store implements this via
// RateLimitEventTimes.
type Seeder interface {
	RateLimitEventTimes(peerKey, eventKind string, since time.Time) ([]time.Time, error)
}

// windowState is the sliding-window history plus token bucket for one Key.
type windowState struct {
	mu        sync.Mutex
	events    []time.Time // capped, oldest-first
	bucket    *rate.Limiter
}

// Limiter enforces a maximum event count per key within a rolling window,
// backed by a token bucket as a cheap first-pass gate. Safe for concurrent
// use across many keys and callers.
type Limiter struct {
	window    time.Duration
	maxEvents int
	burst     int
	ratePerS  float64
	seeder    Seeder

	mu    sync.Mutex
	state map[Key]*windowState
}

// New builds a Limiter allowing at most maxEvents per window duration per
// key, pre-gated by a token bucket refilling at ratePerS tokens/second
// with the given burst capacity. seeder may be nil, in which case history
// is best-effort in-memory only (no durable restore on restart); pass the
// session store to satisfy spec.md §4.F's restart-durability requirement.
func New(window time.Duration, maxEvents int, ratePerS float64, burst int, seeder Seeder) *Limiter {
	return &Limiter{
		window:    window,
		maxEvents: maxEvents,
		ratePerS:  ratePerS,
		burst:     burst,
		seeder:    seeder,
		state:     make(map[Key]*windowState),
	}
}

// stateFor returns k's windowState, lazily seeding it from durable storage
// the first time this key is consulted in this process's lifetime — this
// is what makes rate-limit history survive a restart: the in-memory
// window otherwise starts empty and would let a previously-throttled peer
// back in immediately.
func (l *Limiter) stateFor(k Key, now time.Time) *windowState {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.state[k]
	if ok {
		return s
	}
	s = &windowState{bucket: rate.NewLimiter(rate.Limit(l.ratePerS), l.burst)}
	if l.seeder != nil {
		if times, err := l.seeder.RateLimitEventTimes(k.Peer, k.Kind, now.Add(-l.window)); err == nil {
			s.events = times
		}
	}
	l.state[k] = s
	return s
}

// Allow reports whether an event for k is permitted right now, recording
// it if so. Rejects immediately if the token bucket has no tokens left;
// otherwise prunes events older than the window and compares the
// remaining count against maxEvents.
func (l *Limiter) Allow(k Key) bool {
	return l.AllowAt(k, time.Now())
}

// AllowAt is Allow with an explicit clock, used by tests to avoid
// depending on wall-clock timing.
func (l *Limiter) AllowAt(k Key, now time.Time) bool {
	s := l.stateFor(k, now)
	if !s.bucket.AllowN(now, 1) {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := now.Add(-l.window)
	i := 0
	for i < len(s.events) && s.events[i].Before(cutoff) {
		i++
	}
	s.events = s.events[i:]

	if len(s.events) >= l.maxEvents {
		return false
	}
	s.events = append(s.events, now)
	return true
}

// Reset discards all history for k, used when a peer reconnects with a
// fresh identity or a session ends.
func (l *Limiter) Reset(k Key) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.state, k)
}

// Prune drops every key whose window has been empty since before cutoff,
// bounding memory growth across long-lived peers. Intended to be called
// periodically (spec.md §4.F: every 5 minutes) by a background worker.
func (l *Limiter) Prune(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for k, s := range l.state {
		s.mu.Lock()
		empty := len(s.events) == 0 || s.events[len(s.events)-1].Before(cutoff)
		s.mu.Unlock()
		if empty {
			delete(l.state, k)
			removed++
		}
	}
	return removed
}

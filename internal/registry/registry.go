// Package registry is the thread-safe connected-participant directory
// (spec.md §4.D), keyed by participant UUID, with RLock-snapshot-then-send
// broadcast and unicast helpers. Grounded on the teacher's Room type
// (room.go): an RWMutex-guarded map, a pooled snapshot slice for
// zero-allocation fan-out, and the "marshal/encode before acquiring the
// lock" discipline.
package registry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/zfogg/ascii-chat-sub011/internal/transport"
	"github.com/zfogg/ascii-chat-sub011/internal/wire"
)

// Entry is one connected participant tracked by the registry.
type Entry struct {
	ParticipantID uuid.UUID
	SessionID     uuid.UUID
	Transport     transport.Transport
}

// targetPool recycles the snapshot slice used by Broadcast across calls,
// matching the teacher's targetPool to avoid a per-broadcast allocation.
var targetPool = sync.Pool{
	New: func() any { s := make([]*Entry, 0, 16); return &s },
}

// Registry tracks every connected participant across every session served
// by one process.
type Registry struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*Entry
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{entries: make(map[uuid.UUID]*Entry)}
}

// Add registers a participant, replacing any prior entry under the same
// ID (a reconnect). Returns the replaced entry's Transport, or nil if
// there wasn't one, so the caller can close the stale connection.
func (r *Registry) Add(e *Entry) transport.Transport {
	r.mu.Lock()
	defer r.mu.Unlock()
	var replaced transport.Transport
	if existing, ok := r.entries[e.ParticipantID]; ok {
		replaced = existing.Transport
	}
	r.entries[e.ParticipantID] = e
	return replaced
}

// Remove deletes a participant from the registry. Returns false if it
// wasn't present.
func (r *Registry) Remove(participantID uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[participantID]; !ok {
		return false
	}
	delete(r.entries, participantID)
	return true
}

// Get returns the entry for participantID, or nil if not connected.
func (r *Registry) Get(participantID uuid.UUID) *Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.entries[participantID]
}

// Count returns the number of connected participants.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// SessionMembers returns a snapshot of every entry belonging to sessionID.
func (r *Registry) SessionMembers(sessionID uuid.UUID) []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.SessionID == sessionID {
			out = append(out, e)
		}
	}
	return out
}

// Broadcast sends ptype/payload to every participant in sessionID except
// excludeID (pass uuid.Nil to exclude no one). Targets are snapshotted
// under a read lock and released before any I/O, so one slow peer's Send
// cannot block the registry for everyone else.
func (r *Registry) Broadcast(ctx context.Context, sessionID uuid.UUID, excludeID uuid.UUID, ptype wire.PacketType, payload []byte) {
	sp := targetPool.Get().(*[]*Entry)
	targets := (*sp)[:0]

	r.mu.RLock()
	for _, e := range r.entries {
		if e.SessionID != sessionID || e.ParticipantID == excludeID {
			continue
		}
		targets = append(targets, e)
	}
	r.mu.RUnlock()

	for _, e := range targets {
		if err := e.Transport.Send(ctx, ptype, payload); err != nil {
			slog.Warn("registry broadcast send failed", "participant", e.ParticipantID, "err", err)
		}
	}

	*sp = targets[:0]
	targetPool.Put(sp)
}

// Unicast sends ptype/payload to exactly one participant. Returns false
// if the participant isn't connected.
func (r *Registry) Unicast(ctx context.Context, participantID uuid.UUID, ptype wire.PacketType, payload []byte) bool {
	r.mu.RLock()
	e, ok := r.entries[participantID]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if err := e.Transport.Send(ctx, ptype, payload); err != nil {
		slog.Warn("registry unicast send failed", "participant", participantID, "err", err)
		return false
	}
	return true
}

// ForEach invokes fn for every entry in sessionID, stopping early if fn
// returns false. fn is called after the snapshot is released, so it may
// itself call back into the Registry without deadlocking.
func (r *Registry) ForEach(sessionID uuid.UUID, fn func(*Entry) bool) {
	for _, e := range r.SessionMembers(sessionID) {
		if !fn(e) {
			return
		}
	}
}

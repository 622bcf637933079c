// Package ring implements the virtual ring topology of spec.md §4.J: a
// lexicographically sorted, immutable ordering of a session's participant
// UUIDs, used both for consensus round relaying (next/prev) and for
// identifying the fixed ring leader (the highest UUID) who triggers an
// election. uuid.UUID's underlying [16]byte array already orders
// byte-wise, so sorting is a plain slices.SortFunc over uuid.Compare — no
// third-party ordering library fits better than the one uuid.UUID ships
// with (see DESIGN.md).
package ring

import (
	"slices"

	"github.com/google/uuid"

	"github.com/zfogg/ascii-chat-sub011/internal/wire"
)

// Ring is an immutable, lexicographically sorted view of a session's
// participant set, centered on one local participant (myID).
type Ring struct {
	members []uuid.UUID // sorted ascending
	myIndex int
}

// New builds a Ring from participantIDs, sorted ascending by UUID byte
// value. Returns an error if myID is not present in participantIDs or if
// participantIDs contains a duplicate.
func New(participantIDs []uuid.UUID, myID uuid.UUID) (*Ring, error) {
	if len(participantIDs) == 0 {
		return nil, wire.NewError(wire.ErrInvalidParam, "ring requires at least one participant")
	}
	members := append([]uuid.UUID(nil), participantIDs...)
	slices.SortFunc(members, uuid.UUID.Compare)

	for i := 1; i < len(members); i++ {
		if members[i] == members[i-1] {
			return nil, wire.NewError(wire.ErrInvalidParam, "duplicate participant %s in ring", members[i])
		}
	}

	idx := slices.Index(members, myID)
	if idx < 0 {
		return nil, wire.NewError(wire.ErrInvalidParam, "participant %s not present in ring", myID)
	}
	return &Ring{members: members, myIndex: idx}, nil
}

// Members returns the sorted participant list. The returned slice must
// not be mutated by callers.
func (r *Ring) Members() []uuid.UUID {
	return r.members
}

// Size returns the number of participants in the ring.
func (r *Ring) Size() int {
	return len(r.members)
}

// Position returns the local participant's index in the sorted ring.
func (r *Ring) Position() int {
	return r.myIndex
}

// Leader returns the ring leader: the last participant in lexicographic
// UUID order. The leader is the participant responsible for triggering an
// election once stats collection completes (spec.md §4.M).
func (r *Ring) Leader() uuid.UUID {
	return r.members[len(r.members)-1]
}

// IsLeader reports whether the local participant is the ring leader.
func (r *Ring) IsLeader() bool {
	return r.myIndex == len(r.members)-1
}

// Next returns the participant immediately after the local participant,
// wrapping around to index 0 at the end of the ring.
func (r *Ring) Next() uuid.UUID {
	return r.members[(r.myIndex+1)%len(r.members)]
}

// Prev returns the participant immediately before the local participant,
// wrapping around to the last index at the start of the ring.
func (r *Ring) Prev() uuid.UUID {
	return r.members[(r.myIndex-1+len(r.members))%len(r.members)]
}

// NextFrom returns the participant immediately after id in ring order,
// for walking the ring from a participant other than the local one.
func (r *Ring) NextFrom(id uuid.UUID) (uuid.UUID, error) {
	idx := slices.Index(r.members, id)
	if idx < 0 {
		return uuid.Nil, wire.NewError(wire.ErrInvalidParam, "participant %s not present in ring", id)
	}
	return r.members[(idx+1)%len(r.members)], nil
}

// PrevFrom returns the participant immediately before id in ring order,
// the counterpart to NextFrom used when relaying a stats-update message
// backward on behalf of a participant other than the local one.
func (r *Ring) PrevFrom(id uuid.UUID) (uuid.UUID, error) {
	idx := slices.Index(r.members, id)
	if idx < 0 {
		return uuid.Nil, wire.NewError(wire.ErrInvalidParam, "participant %s not present in ring", id)
	}
	return r.members[(idx-1+len(r.members))%len(r.members)], nil
}

// Contains reports whether id is a member of the ring.
func (r *Ring) Contains(id uuid.UUID) bool {
	return slices.Index(r.members, id) >= 0
}

// Package consensus implements the ring-relayed host-election subsystem
// of spec.md §4.K–N: a per-session state machine, the deterministic
// election scoring function, the round coordinator that drives both
// around the ring topology (internal/ring), and the host migration
// monitor. Grounded on the teacher's Room lifecycle (explicit states
// driven by incoming messages rather than blocking reads) and on
// main.go's ticker-driven background task idiom.
package consensus

import (
	"github.com/google/uuid"

	"github.com/zfogg/ascii-chat-sub011/internal/wire"
)

// State is one state of the per-round consensus state machine (spec.md
// §4.K).
type State int

const (
	StateIdle State = iota
	StateCollecting
	StateElectionStart
	StateElectionComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateCollecting:
		return "COLLECTING"
	case StateElectionStart:
		return "ELECTION_START"
	case StateElectionComplete:
		return "ELECTION_COMPLETE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// initialMetricsCapacity is the state machine's starting metrics-vector
// capacity (spec.md §4.K); it grows geometrically via ordinary append.
const initialMetricsCapacity = 10

// Machine is one session's consensus state machine. Not safe for
// concurrent use — callers (the Coordinator) serialize access under their
// own lock, matching spec.md §5's "owned by one thread" model.
type Machine struct {
	state      State
	roundID    uint32
	initiator  uuid.UUID
	deadlineNs uint64
	metrics    []wire.ParticipantMetrics
}

// NewMachine creates a Machine in StateIdle.
func NewMachine() *Machine {
	return &Machine{state: StateIdle, metrics: make([]wire.ParticipantMetrics, 0, initialMetricsCapacity)}
}

// State returns the current state.
func (m *Machine) State() State {
	return m.state
}

// RoundID returns the round identifier of the in-progress or most
// recently completed round.
func (m *Machine) RoundID() uint32 {
	return m.roundID
}

// Metrics returns the accumulated metrics vector for the current round.
// The returned slice must not be mutated by callers.
func (m *Machine) Metrics() []wire.ParticipantMetrics {
	return m.metrics
}

// StartCollection transitions IDLE -> COLLECTING, beginning a fresh round.
func (m *Machine) StartCollection(roundID uint32, initiator uuid.UUID, deadlineNs uint64) error {
	if m.state != StateIdle {
		return wire.NewError(wire.ErrInvalidState, "start_collection illegal from %s", m.state)
	}
	m.state = StateCollecting
	m.roundID = roundID
	m.initiator = initiator
	m.deadlineNs = deadlineNs
	m.metrics = m.metrics[:0]
	return nil
}

// AddMetrics appends one participant's measured metrics to the round
// vector. Valid only in COLLECTING.
func (m *Machine) AddMetrics(entry wire.ParticipantMetrics) error {
	if m.state != StateCollecting {
		return wire.NewError(wire.ErrInvalidState, "add_metrics illegal from %s", m.state)
	}
	m.metrics = append(m.metrics, entry)
	return nil
}

// AddMetricsBatch appends multiple entries at once, used when forwarding
// an accumulated STATS_UPDATE vector.
func (m *Machine) AddMetricsBatch(entries []wire.ParticipantMetrics) error {
	if m.state != StateCollecting {
		return wire.NewError(wire.ErrInvalidState, "add_metrics illegal from %s", m.state)
	}
	m.metrics = append(m.metrics, entries...)
	return nil
}

// CollectionComplete transitions COLLECTING -> ELECTION_START if
// isLeader, otherwise COLLECTING -> IDLE (a non-leader's work ends once it
// has forwarded the vector onward).
func (m *Machine) CollectionComplete(isLeader bool) error {
	if m.state != StateCollecting {
		return wire.NewError(wire.ErrInvalidState, "collection_complete illegal from %s", m.state)
	}
	if isLeader {
		m.state = StateElectionStart
	} else {
		m.state = StateIdle
	}
	return nil
}

// ComputeElection transitions ELECTION_START -> ELECTION_COMPLETE. Valid
// only at the leader.
func (m *Machine) ComputeElection() error {
	if m.state != StateElectionStart {
		return wire.NewError(wire.ErrInvalidState, "compute_election illegal from %s", m.state)
	}
	m.state = StateElectionComplete
	return nil
}

// ResetToIdle transitions ELECTION_COMPLETE -> IDLE, ending the round.
func (m *Machine) ResetToIdle() error {
	if m.state != StateElectionComplete {
		return wire.NewError(wire.ErrInvalidState, "reset_to_idle illegal from %s", m.state)
	}
	m.state = StateIdle
	m.metrics = m.metrics[:0]
	return nil
}

// Abandon transitions COLLECTING -> IDLE when the round's deadline passes
// before the vector completes its lap (spec.md §4.M rule 6).
func (m *Machine) Abandon() error {
	if m.state != StateCollecting {
		return wire.NewError(wire.ErrInvalidState, "abandon illegal from %s", m.state)
	}
	m.state = StateIdle
	m.metrics = m.metrics[:0]
	return nil
}

// Fail transitions any state to FAILED, a terminal state for the machine.
func (m *Machine) Fail() {
	m.state = StateFailed
}

// ForceIdle unconditionally resets to IDLE, used when the ring topology
// changes mid-round (spec.md §4.M rule 7) — any state, no error.
func (m *Machine) ForceIdle() {
	m.state = StateIdle
	m.metrics = m.metrics[:0]
}

// DeadlineNs returns the current round's deadline, valid while COLLECTING.
func (m *Machine) DeadlineNs() uint64 {
	return m.deadlineNs
}

// Initiator returns the participant who started the current/most recent
// round.
func (m *Machine) Initiator() uuid.UUID {
	return m.initiator
}

package discovery

import (
	"github.com/google/uuid"
)

// ConnState is the per-connection state a discovery server tracks across
// packets on one socket (spec.md §3 "Connection state"). One instance is
// created on accept and discarded on handler exit.
type ConnState struct {
	SessionID         uuid.UUID
	ParticipantID     uuid.UUID
	Joined            bool
	HandshakeComplete bool

	// Multi-key SESSION_CREATE accumulation (spec.md §4.H, §9).
	MultiKeyMode           bool
	PendingKeys            [][32]byte
	PendingCapabilities    uint8
	PendingMaxParticipants uint8
	PendingSessionType     uint8
	PendingServerAddress   string
}

// NewConnState returns a freshly accepted, unauthenticated connection state.
func NewConnState() *ConnState {
	return &ConnState{}
}

func (c *ConnState) resetMultiKey() {
	c.MultiKeyMode = false
	c.PendingKeys = nil
	c.PendingCapabilities = 0
	c.PendingMaxParticipants = 0
	c.PendingSessionType = 0
	c.PendingServerAddress = ""
}

func (c *ConnState) hasPendingKey(k [32]byte) bool {
	for _, existing := range c.PendingKeys {
		if existing == k {
			return true
		}
	}
	return false
}

package consensus

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zfogg/ascii-chat-sub011/internal/ring"
	"github.com/zfogg/ascii-chat-sub011/internal/wire"
)

// roundInterval is how often the leader schedules a new round.
const roundInterval = 5 * time.Minute

// roundDeadline bounds how long a round may spend in COLLECTING before it
// is abandoned (spec.md §4.M rule 6).
const roundDeadline = 30 * time.Second

// Sender is the subset of internal/registry.Registry's API the
// coordinator needs to relay consensus packets. Kept as an interface so
// the coordinator can be tested without a real registry or transport.
type Sender interface {
	Unicast(ctx context.Context, participantID uuid.UUID, ptype wire.PacketType, payload []byte) bool
	Broadcast(ctx context.Context, sessionID, excludeID uuid.UUID, ptype wire.PacketType, payload []byte)
}

// Coordinator drives one session's consensus round across the ring
// topology (spec.md §4.M). One Coordinator instance is owned by one
// goroutine; external events are delivered via its On* methods, each of
// which takes the internal lock, matching spec.md §5's "thread-safe
// posting functions" model.
type Coordinator struct {
	sessionID uuid.UUID
	myID      uuid.UUID
	sender    Sender
	measure   func() wire.ParticipantMetrics
	now       func() time.Time

	mu          sync.Mutex
	ring        *ring.Ring
	machine     *Machine
	nextRoundAt time.Time
	nextRoundID uint32

	haveResult  bool
	lastHostID  uuid.UUID
	lastBackup  uuid.UUID
	lastMetrics []wire.ParticipantMetrics
}

// NewCoordinator builds a Coordinator for one session. measure is called
// to obtain this process's own current ParticipantMetrics each time it
// joins a round.
func NewCoordinator(sessionID, myID uuid.UUID, topology *ring.Ring, sender Sender, measure func() wire.ParticipantMetrics) *Coordinator {
	return &Coordinator{
		sessionID:   sessionID,
		myID:        myID,
		sender:      sender,
		measure:     measure,
		now:         time.Now,
		ring:        topology,
		machine:     NewMachine(),
		nextRoundAt: time.Now().Add(roundInterval),
	}
}

// SetClock overrides the coordinator's time source; used by tests.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
}

// TimeUntilNextRound returns the remaining duration before this
// coordinator (if leader) would start a new round. Never negative.
func (c *Coordinator) TimeUntilNextRound() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	d := c.nextRoundAt.Sub(c.now())
	if d < 0 {
		return 0
	}
	return d
}

// GetCurrentHost returns the most recently stored election result. Returns
// ERROR_INVALID_STATE if no round has ever succeeded (spec.md §4.M).
func (c *Coordinator) GetCurrentHost() (host, backup uuid.UUID, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.haveResult {
		return uuid.Nil, uuid.Nil, wire.NewError(wire.ErrInvalidState, "no election has ever completed")
	}
	return c.lastHostID, c.lastBackup, nil
}

// OnRingMembers adopts a new topology and forcibly resets the state
// machine to IDLE (spec.md §4.M rule 7), abandoning any in-progress round.
func (c *Coordinator) OnRingMembers(topology *ring.Ring) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ring = topology
	c.machine.ForceIdle()
}

// Tick drives scheduling: if this process is the ring leader and the
// round interval has elapsed, it starts a fresh round and sends
// STATS_COLLECTION_START to prev(leader) (spec.md §4.M rule 1).
func (c *Coordinator) Tick(ctx context.Context) {
	c.mu.Lock()
	now := c.now()
	if !c.ring.IsLeader() || now.Before(c.nextRoundAt) {
		c.mu.Unlock()
		return
	}
	c.nextRoundAt = now.Add(roundInterval)
	c.nextRoundID++
	roundID := c.nextRoundID
	deadlineNs := uint64(now.Add(roundDeadline).UnixNano())

	if err := c.machine.StartCollection(roundID, c.myID, deadlineNs); err != nil {
		slog.Warn("consensus: leader could not start round", "err", err)
		c.mu.Unlock()
		return
	}
	own := c.measure()
	own.ParticipantID = c.myID
	_ = c.machine.AddMetrics(own)
	prev := c.ring.Prev()
	sessionID := c.sessionID
	c.mu.Unlock()

	payload := wire.EncodeStatsCollectionStart(wire.StatsCollectionStart{
		SessionID:   sessionID,
		InitiatorID: c.myID,
		RoundID:     roundID,
		DeadlineNs:  deadlineNs,
	})
	c.sender.Unicast(ctx, prev, wire.PacketStatsCollectionStart, payload)
}

// CheckDeadline abandons the current round if it is still COLLECTING past
// its deadline (spec.md §4.M rule 6). Safe to call periodically alongside
// Tick.
func (c *Coordinator) CheckDeadline() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.machine.State() != StateCollecting {
		return
	}
	if uint64(c.now().UnixNano()) <= c.machine.DeadlineNs() {
		return
	}
	if err := c.machine.Abandon(); err != nil {
		slog.Warn("consensus: abandon failed", "err", err)
		return
	}
	slog.Warn("consensus: round abandoned at deadline", "round_id", c.machine.RoundID())
}

// OnStatsCollectionStart handles receipt of STATS_COLLECTION_START
// (spec.md §4.M rule 2): transitions to COLLECTING, measures and adds
// local metrics, then forwards the one-entry vector toward prev.
func (c *Coordinator) OnStatsCollectionStart(ctx context.Context, initiatorID uuid.UUID, roundID uint32, deadlineNs uint64) error {
	c.mu.Lock()
	if err := c.machine.StartCollection(roundID, initiatorID, deadlineNs); err != nil {
		c.mu.Unlock()
		return err
	}
	own := c.measure()
	own.ParticipantID = c.myID
	_ = c.machine.AddMetrics(own)
	vector := append([]wire.ParticipantMetrics(nil), c.machine.Metrics()...)
	prev := c.ring.Prev()
	sessionID := c.sessionID
	myID := c.myID
	c.mu.Unlock()

	payload := wire.EncodeStatsUpdate(wire.StatsUpdate{SessionID: sessionID, SenderID: myID, RoundID: roundID, Metrics: vector})
	c.sender.Unicast(ctx, prev, wire.PacketStatsUpdate, payload)
	return nil
}

// OnStatsUpdate handles receipt of STATS_UPDATE (spec.md §4.M rule 3): a
// participant that has not yet joined the round (still IDLE) joins it
// first, adding its own metrics; the incoming vector is then merged in.
// If this process is the round's initiator, the vector has traversed the
// full ring and the leader proceeds to election; otherwise it forwards
// the merged vector on toward its own prev.
func (c *Coordinator) OnStatsUpdate(ctx context.Context, senderID uuid.UUID, roundID uint32, metrics []wire.ParticipantMetrics) error {
	c.mu.Lock()

	if c.machine.State() == StateIdle {
		if err := c.machine.StartCollection(roundID, c.ring.Leader(), uint64(c.now().Add(roundDeadline).UnixNano())); err != nil {
			c.mu.Unlock()
			return err
		}
		own := c.measure()
		own.ParticipantID = c.myID
		_ = c.machine.AddMetrics(own)
	}

	if c.machine.State() != StateCollecting {
		c.mu.Unlock()
		return wire.NewError(wire.ErrInvalidState, "stats_update received outside collecting")
	}
	if err := c.machine.AddMetricsBatch(metrics); err != nil {
		c.mu.Unlock()
		return err
	}

	if c.myID == c.machine.Initiator() {
		result, err := c.completeAsLeader()
		c.mu.Unlock()
		if err != nil {
			return err
		}
		c.sender.Broadcast(ctx, c.sessionID, uuid.Nil, wire.PacketRingElectionResult, wire.EncodeRingElectionResult(result))
		return nil
	}

	vector := append([]wire.ParticipantMetrics(nil), c.machine.Metrics()...)
	prev := c.ring.Prev()
	sessionID := c.sessionID
	myID := c.myID
	if err := c.machine.CollectionComplete(false); err != nil {
		c.mu.Unlock()
		return err
	}
	c.mu.Unlock()

	payload := wire.EncodeStatsUpdate(wire.StatsUpdate{SessionID: sessionID, SenderID: myID, RoundID: roundID, Metrics: vector})
	c.sender.Unicast(ctx, prev, wire.PacketStatsUpdate, payload)
	return nil
}

// completeAsLeader must be called with c.mu held. It runs the election,
// stores the result, and returns the wire message to broadcast.
func (c *Coordinator) completeAsLeader() (wire.RingElectionResult, error) {
	if err := c.machine.CollectionComplete(true); err != nil {
		return wire.RingElectionResult{}, err
	}
	elected, err := Elect(c.machine.Metrics())
	if err != nil {
		c.machine.Fail()
		return wire.RingElectionResult{}, err
	}
	if err := c.machine.ComputeElection(); err != nil {
		return wire.RingElectionResult{}, err
	}

	result := wire.RingElectionResult{
		SessionID:   c.sessionID,
		LeaderID:    c.myID,
		RoundID:     c.machine.RoundID(),
		HostID:      elected.Host,
		BackupID:    elected.Backup,
		ElectedAtNs: uint64(c.now().UnixNano()),
		Metrics:     c.machine.Metrics(),
	}

	c.haveResult = true
	c.lastHostID = elected.Host
	c.lastBackup = elected.Backup
	c.lastMetrics = append([]wire.ParticipantMetrics(nil), c.machine.Metrics()...)

	if err := c.machine.ResetToIdle(); err != nil {
		return wire.RingElectionResult{}, err
	}
	return result, nil
}

// OnElectionResult handles receipt of a broadcast RING_ELECTION_RESULT
// (spec.md §4.M rule 5): every participant (including the leader's own
// broadcast echo) verifies the result against the carried metrics and, if
// valid, stores it as the current host/backup.
func (c *Coordinator) OnElectionResult(result wire.RingElectionResult) error {
	if !Verify(result.Metrics, result.HostID, result.BackupID) {
		return wire.NewError(wire.ErrCryptoVerification, "election result failed verification")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.haveResult = true
	c.lastHostID = result.HostID
	c.lastBackup = result.BackupID
	return nil
}

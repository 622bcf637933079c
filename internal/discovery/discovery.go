// Package discovery implements the ACDS dispatch table (spec.md §4.H, §4.I):
// session lifecycle (create/lookup/join/leave), WebRTC signaling relay, and
// host-lifecycle/migration bookkeeping. One Server instance is shared by
// every accepted connection; per-connection state lives in ConnState.
//
// Grounded on server/internal/httpapi/server.go's route-table shape (here a
// map[wire.PacketType]handlerFunc instead of HTTP routes) and
// server/api.go's dispatch-by-message-type idiom.
package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zfogg/ascii-chat-sub011/internal/consensus"
	"github.com/zfogg/ascii-chat-sub011/internal/ratelimit"
	"github.com/zfogg/ascii-chat-sub011/internal/registry"
	"github.com/zfogg/ascii-chat-sub011/internal/ring"
	"github.com/zfogg/ascii-chat-sub011/internal/store"
	"github.com/zfogg/ascii-chat-sub011/internal/wire"
)

// Config carries discovery-server policy (spec.md §4.H, §6).
type Config struct {
	RequireServerIdentity bool
	RequireClientIdentity bool
	TimestampWindow       time.Duration // default 5 minutes
	SessionExpiry         time.Duration
	STUNServers           []string
	TURNServers           []string
}

func (c Config) storeConfig() store.Config {
	return store.Config{STUNServers: c.STUNServers, TURNServers: c.TURNServers, SessionExpiry: c.SessionExpiry}
}

// Outbound is a reply packet the caller must send back on the originating
// connection.
type Outbound struct {
	Type    wire.PacketType
	Payload []byte
}

func errorOutbound(code wire.ErrorCode, format string, args ...any) []Outbound {
	return []Outbound{{
		Type:    wire.PacketError,
		Payload: wire.EncodeErrorPayload(wire.ErrorPayload{Code: code, Message: fmt.Sprintf(format, args...)}),
	}}
}

// Server dispatches ACIP session/signaling/host-lifecycle packets against a
// durable store, a live-connection registry, a rate limiter, and the
// migration monitor.
type Server struct {
	store     *store.Store
	registry  *registry.Registry
	limiter   *ratelimit.Limiter
	migration *consensus.MigrationMonitor
	cfg       Config
	now       func() time.Time

	genMu       sync.Mutex
	generations map[uuid.UUID]uint32
}

// NewServer builds a discovery Server wired to its collaborators.
func NewServer(st *store.Store, reg *registry.Registry, limiter *ratelimit.Limiter, migration *consensus.MigrationMonitor, cfg Config) *Server {
	if cfg.TimestampWindow == 0 {
		cfg.TimestampWindow = 5 * time.Minute
	}
	return &Server{
		store: st, registry: reg, limiter: limiter, migration: migration, cfg: cfg, now: time.Now,
		generations: make(map[uuid.UUID]uint32),
	}
}

// nextGeneration returns the next monotonically increasing RingMembers
// generation number for sessionID (spec.md §6).
func (s *Server) nextGeneration(sessionID uuid.UUID) uint32 {
	s.genMu.Lock()
	defer s.genMu.Unlock()
	s.generations[sessionID]++
	return s.generations[sessionID]
}

// ringMembersFor builds a RingMembers announcement for sessionID from the
// given participant set, sorted the same way internal/ring does so
// RingLeaderIndex agrees with what each client's own ring.Ring computes.
func ringMembersFor(sessionID uuid.UUID, ids []uuid.UUID, generation uint32) wire.RingMembers {
	sorted := append([]uuid.UUID(nil), ids...)
	slices.SortFunc(sorted, uuid.UUID.Compare)
	leaderIdx := uint8(0)
	if n := len(sorted); n > 0 {
		leaderIdx = uint8(n - 1)
	}
	return wire.RingMembers{SessionID: sessionID, ParticipantIDs: sorted, RingLeaderIndex: leaderIdx, Generation: generation}
}

// SetClock overrides the server's time source; used by tests.
func (s *Server) SetClock(now func() time.Time) {
	s.now = now
}

type handlerFunc func(*Server, context.Context, *ConnState, string, []byte) []Outbound

var dispatchTable = map[wire.PacketType]handlerFunc{
	wire.PacketSessionCreate:     (*Server).handleSessionCreate,
	wire.PacketSessionLookup:     (*Server).handleSessionLookup,
	wire.PacketSessionJoin:       (*Server).handleSessionJoin,
	wire.PacketSessionLeave:      (*Server).handleSessionLeave,
	wire.PacketWebRTCSDP:         (*Server).handleWebRTCSDP,
	wire.PacketWebRTCICE:         (*Server).handleWebRTCICE,
	wire.PacketDiscoveryPing:     (*Server).handleDiscoveryPing,
	wire.PacketHostAnnouncement:  (*Server).handleHostAnnouncement,
	wire.PacketHostLost:          (*Server).handleHostLost,

	// Ring-consensus packets (spec.md §4.M): the server never acts on round
	// state, it only forwards the unchanged frame. STATS_COLLECTION_START
	// and STATS_UPDATE go to the sender's ring predecessor,
	// RING_ELECTION_RESULT goes to the whole session, and STATS_ACK goes
	// to the ring leader.
	wire.PacketStatsCollectionStart: (*Server).handleStatsCollectionStart,
	wire.PacketStatsUpdate:          (*Server).handleStatsUpdate,
	wire.PacketRingElectionResult:   (*Server).handleRingElectionResult,
	wire.PacketStatsAck:             (*Server).handleStatsAck,
}

// multiKeyAllowed is the small set of packet types accepted while a
// connection is mid-multi-key-accumulation (spec.md §4.H).
var multiKeyAllowed = map[wire.PacketType]bool{
	wire.PacketSessionCreate: true,
	wire.PacketDiscoveryPing: true,
	wire.PacketPing:          true,
	wire.PacketPong:          true,
}

// HandlePacket dispatches one decoded ACIP packet against conn's state,
// returning zero or more reply packets for the caller to send back on the
// same connection. Broadcasts/relays to other connections are performed
// directly against the registry as a side effect.
func (s *Server) HandlePacket(ctx context.Context, conn *ConnState, peerAddr string, ptype wire.PacketType, payload []byte) []Outbound {
	if conn.MultiKeyMode && !multiKeyAllowed[ptype] {
		return errorOutbound(wire.ErrInvalidParam, "only SESSION_CREATE/PING accepted in multi-key mode")
	}

	h, ok := dispatchTable[ptype]
	if !ok {
		return errorOutbound(wire.ErrInvalidParam, "unsupported packet type %d", ptype)
	}
	return h(s, ctx, conn, peerAddr, payload)
}

func (s *Server) rateCheck(peerAddr, kind string) bool {
	ok := s.limiter.AllowAt(ratelimit.Key{Peer: peerAddr, Kind: kind}, s.now())
	if ok {
		if err := s.store.RecordRateLimitEvent(peerAddr, kind, s.now()); err != nil {
			slog.Warn("discovery: record rate limit event", "err", err)
		}
	}
	return ok
}

func peerHost(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}

func (s *Server) handleSessionCreate(ctx context.Context, conn *ConnState, peerAddr string, payload []byte) []Outbound {
	req, err := wire.DecodeSessionCreate(payload)
	if err != nil {
		return errorOutbound(wire.ErrNetworkProtocol, "%v", err)
	}

	if !s.rateCheck(peerAddr, "SESSION_CREATE") {
		return errorOutbound(wire.ErrRateLimited, "session_create rate limit exceeded")
	}

	if req.IsFinalize() {
		return s.finalizeSessionCreate(conn)
	}

	if !conn.MultiKeyMode {
		if s.cfg.RequireServerIdentity {
			if !validTimestamp(req.Timestamp, s.now(), s.cfg.TimestampWindow) {
				return errorOutbound(wire.ErrInvalidParam, "stale or future timestamp")
			}
			msg := buildCreateMessage(req.Timestamp, req.Capabilities, req.MaxParticipants)
			if !verifySignature(req.IdentityPubkey, msg, req.Signature) {
				return errorOutbound(wire.ErrCryptoVerification, "session_create signature verification failed")
			}
		}
		if req.SessionType == wire.SessionTypeDirectTCP {
			if req.ServerAddress == "" {
				req.ServerAddress = peerHost(peerAddr)
			} else if req.ServerAddress != peerHost(peerAddr) {
				return errorOutbound(wire.ErrInvalidParam, "server address does not match observed peer")
			}
		}
		conn.MultiKeyMode = true
		conn.PendingKeys = [][32]byte{req.IdentityPubkey}
		conn.PendingCapabilities = req.Capabilities
		conn.PendingMaxParticipants = req.MaxParticipants
		conn.PendingSessionType = req.SessionType
		conn.PendingServerAddress = req.ServerAddress
		return nil
	}

	if conn.hasPendingKey(req.IdentityPubkey) {
		return errorOutbound(wire.ErrInvalidParam, "duplicate identity key")
	}
	if len(conn.PendingKeys) >= wire.MaxIdentityKeys {
		return errorOutbound(wire.ErrInvalidParam, "too many identity keys")
	}
	conn.PendingKeys = append(conn.PendingKeys, req.IdentityPubkey)
	return nil
}

func (s *Server) finalizeSessionCreate(conn *ConnState) []Outbound {
	if !conn.MultiKeyMode || len(conn.PendingKeys) == 0 {
		return errorOutbound(wire.ErrInvalidState, "session_create finalize without pending keys")
	}

	res, err := s.store.Create(store.CreateRequest{
		Capabilities:    conn.PendingCapabilities,
		MaxParticipants: conn.PendingMaxParticipants,
		SessionType:     conn.PendingSessionType,
		ServerAddress:   conn.PendingServerAddress,
		IdentityKeys:    conn.PendingKeys,
	}, s.cfg.storeConfig())
	conn.resetMultiKey()
	if err != nil {
		return errorOutbound(wire.ErrInvalidParam, "%v", err)
	}

	return []Outbound{{
		Type: wire.PacketSessionCreated,
		Payload: wire.EncodeSessionCreated(wire.SessionCreated{
			SessionID:     res.SessionID,
			SessionString: res.SessionString,
			STUNServers:   res.STUNServers,
			TURNServers:   res.TURNServers,
		}),
	}}
}

func (s *Server) handleSessionLookup(ctx context.Context, conn *ConnState, peerAddr string, payload []byte) []Outbound {
	req, err := wire.DecodeSessionLookup(payload)
	if err != nil {
		return errorOutbound(wire.ErrNetworkProtocol, "%v", err)
	}
	if !s.rateCheck(peerAddr, "SESSION_LOOKUP") {
		return errorOutbound(wire.ErrRateLimited, "session_lookup rate limit exceeded")
	}
	info, err := s.store.Lookup(req.SessionString)
	if err != nil {
		return errorOutbound(wire.ErrInvalidParam, "%v", err)
	}
	return []Outbound{{Type: wire.PacketSessionInfo, Payload: wire.EncodeSessionInfo(info)}}
}

func (s *Server) handleSessionJoin(ctx context.Context, conn *ConnState, peerAddr string, payload []byte) []Outbound {
	req, err := wire.DecodeSessionJoin(payload)
	if err != nil {
		return errorOutbound(wire.ErrNetworkProtocol, "%v", err)
	}
	if !s.rateCheck(peerAddr, "SESSION_JOIN") {
		return errorOutbound(wire.ErrRateLimited, "session_join rate limit exceeded")
	}
	if s.cfg.RequireClientIdentity {
		if !validTimestamp(req.Timestamp, s.now(), s.cfg.TimestampWindow) {
			return errorOutbound(wire.ErrInvalidParam, "stale or future timestamp")
		}
		msg := buildJoinMessage(req.Timestamp, req.SessionString)
		if !verifySignature(req.IdentityPubkey, msg, req.Signature) {
			return errorOutbound(wire.ErrCryptoVerification, "session_join signature verification failed")
		}
	}

	joined, err := s.store.Join(store.JoinRequest{SessionString: req.SessionString, IdentityPubkey: req.IdentityPubkey})
	if err != nil {
		return errorOutbound(wire.ErrInvalidParam, "%v", err)
	}
	out := []Outbound{{Type: wire.PacketSessionJoined, Payload: wire.EncodeSessionJoined(joined)}}
	if !joined.Success {
		return out
	}
	conn.SessionID = joined.SessionID
	conn.ParticipantID = joined.ParticipantID
	conn.Joined = true

	// Announce the new ring membership to the joiner directly (not yet
	// registered to receive a registry broadcast) and to everyone already
	// connected (spec.md §6).
	existing := s.registry.SessionMembers(joined.SessionID)
	ids := make([]uuid.UUID, 0, len(existing)+1)
	for _, e := range existing {
		ids = append(ids, e.ParticipantID)
	}
	ids = append(ids, joined.ParticipantID)
	members := ringMembersFor(joined.SessionID, ids, s.nextGeneration(joined.SessionID))
	payload := wire.EncodeRingMembers(members)
	out = append(out, Outbound{Type: wire.PacketRingMembers, Payload: payload})
	s.registry.Broadcast(ctx, joined.SessionID, joined.ParticipantID, wire.PacketRingMembers, payload)
	return out
}

func (s *Server) handleSessionLeave(ctx context.Context, conn *ConnState, peerAddr string, payload []byte) []Outbound {
	req, err := wire.DecodeSessionLeave(payload)
	if err != nil {
		return errorOutbound(wire.ErrNetworkProtocol, "%v", err)
	}
	if err := s.store.Leave(req.SessionID, req.ParticipantID); err != nil {
		slog.Warn("discovery: leave failed", "err", err)
	}
	if conn.ParticipantID == req.ParticipantID {
		conn.Joined = false
		conn.SessionID = uuid.Nil
		conn.ParticipantID = uuid.Nil
	}

	remaining := s.registry.SessionMembers(req.SessionID)
	ids := make([]uuid.UUID, 0, len(remaining))
	for _, e := range remaining {
		if e.ParticipantID != req.ParticipantID {
			ids = append(ids, e.ParticipantID)
		}
	}
	if len(ids) > 0 {
		members := ringMembersFor(req.SessionID, ids, s.nextGeneration(req.SessionID))
		s.registry.Broadcast(ctx, req.SessionID, req.ParticipantID, wire.PacketRingMembers, wire.EncodeRingMembers(members))
	}
	return nil
}

func (s *Server) handleWebRTCSDP(ctx context.Context, conn *ConnState, peerAddr string, payload []byte) []Outbound {
	return s.relayWebRTCSignal(ctx, wire.PacketWebRTCSDP, payload)
}

func (s *Server) handleWebRTCICE(ctx context.Context, conn *ConnState, peerAddr string, payload []byte) []Outbound {
	return s.relayWebRTCSignal(ctx, wire.PacketWebRTCICE, payload)
}

// relayWebRTCSignal implements the relay of spec.md §4.I: broadcast when
// RecipientID is all-zero, otherwise a single unicast by participant id.
func (s *Server) relayWebRTCSignal(ctx context.Context, ptype wire.PacketType, payload []byte) []Outbound {
	sig, err := wire.DecodeWebRTCSignal(payload)
	if err != nil {
		return errorOutbound(wire.ErrNetworkProtocol, "%v", err)
	}
	if _, err := s.store.FindByID(sig.SessionID); err != nil {
		return errorOutbound(wire.ErrNetworkProtocol, "session not found")
	}

	if sig.IsBroadcast() {
		s.registry.Broadcast(ctx, sig.SessionID, sig.SenderID, ptype, payload)
		return nil
	}

	target := s.registry.Get(sig.RecipientID)
	if target == nil || target.SessionID != sig.SessionID {
		return errorOutbound(wire.ErrNetworkProtocol, "recipient participant offline")
	}
	s.registry.Unicast(ctx, sig.RecipientID, ptype, payload)
	return nil
}

func (s *Server) handleDiscoveryPing(ctx context.Context, conn *ConnState, peerAddr string, payload []byte) []Outbound {
	return []Outbound{{Type: wire.PacketDiscoveryPong, Payload: nil}}
}

func (s *Server) handleHostAnnouncement(ctx context.Context, conn *ConnState, peerAddr string, payload []byte) []Outbound {
	ann, err := wire.DecodeHostAnnouncement(payload)
	if err != nil {
		return errorOutbound(wire.ErrNetworkProtocol, "%v", err)
	}
	if err := s.store.UpdateHost(ann.SessionID, ann.HostID, ann.HostAddress, ann.HostPort, ann.ConnectionType); err != nil {
		return errorOutbound(wire.ErrInvalidParam, "%v", err)
	}
	if s.migration != nil {
		s.migration.CancelMigration(ann.SessionID)
	}
	return nil
}

// sessionRing builds the current ring topology for sessionID from
// connected registry members. Returns an error if fewer than one member
// is connected; the "center" id is arbitrary since these helpers only use
// PrevFrom/NextFrom, never Position/IsLeader.
func (s *Server) sessionRing(sessionID uuid.UUID) (*ring.Ring, error) {
	members := s.registry.SessionMembers(sessionID)
	if len(members) == 0 {
		return nil, wire.NewError(wire.ErrInvalidState, "no connected members for session %s", sessionID)
	}
	ids := make([]uuid.UUID, len(members))
	for i, m := range members {
		ids[i] = m.ParticipantID
	}
	return ring.New(ids, ids[0])
}

// relayRingHop forwards an opaque ring-consensus frame to the single
// participant immediately before fromID in ring order. The server never
// interprets round state; it only computes ring adjacency so that a
// client's Coordinator (spec.md §4.M) can address "my prev" without
// holding direct connections to other participants (spec.md §4.J).
func (s *Server) relayRingHop(ctx context.Context, sessionID, fromID uuid.UUID, ptype wire.PacketType, payload []byte) []Outbound {
	topology, err := s.sessionRing(sessionID)
	if err != nil {
		return errorOutbound(wire.ErrInvalidState, "%v", err)
	}
	target, err := topology.PrevFrom(fromID)
	if err != nil {
		return errorOutbound(wire.ErrInvalidParam, "%v", err)
	}
	if !s.registry.Unicast(ctx, target, ptype, payload) {
		return errorOutbound(wire.ErrNetworkProtocol, "ring neighbor %s not connected", target)
	}
	return nil
}

func (s *Server) handleStatsCollectionStart(ctx context.Context, conn *ConnState, peerAddr string, payload []byte) []Outbound {
	start, err := wire.DecodeStatsCollectionStart(payload)
	if err != nil {
		return errorOutbound(wire.ErrNetworkProtocol, "%v", err)
	}
	return s.relayRingHop(ctx, start.SessionID, start.InitiatorID, wire.PacketStatsCollectionStart, payload)
}

func (s *Server) handleStatsUpdate(ctx context.Context, conn *ConnState, peerAddr string, payload []byte) []Outbound {
	update, err := wire.DecodeStatsUpdate(payload)
	if err != nil {
		return errorOutbound(wire.ErrNetworkProtocol, "%v", err)
	}
	return s.relayRingHop(ctx, update.SessionID, update.SenderID, wire.PacketStatsUpdate, payload)
}

// handleRingElectionResult broadcasts the final result to every connected
// participant, including the leader's own connection, matching
// coordinator.go's OnElectionResult comment ("every participant,
// including the leader's own broadcast echo").
func (s *Server) handleRingElectionResult(ctx context.Context, conn *ConnState, peerAddr string, payload []byte) []Outbound {
	result, err := wire.DecodeRingElectionResult(payload)
	if err != nil {
		return errorOutbound(wire.ErrNetworkProtocol, "%v", err)
	}
	if _, err := s.store.FindByID(result.SessionID); err != nil {
		return errorOutbound(wire.ErrNetworkProtocol, "session not found")
	}
	s.registry.Broadcast(ctx, result.SessionID, uuid.Nil, wire.PacketRingElectionResult, payload)
	return nil
}

// handleStatsAck relays an acknowledgment back to the leader only.
func (s *Server) handleStatsAck(ctx context.Context, conn *ConnState, peerAddr string, payload []byte) []Outbound {
	ack, err := wire.DecodeStatsAck(payload)
	if err != nil {
		return errorOutbound(wire.ErrNetworkProtocol, "%v", err)
	}
	topology, err := s.sessionRing(ack.SessionID)
	if err != nil {
		return errorOutbound(wire.ErrInvalidState, "%v", err)
	}
	s.registry.Unicast(ctx, topology.Leader(), wire.PacketStatsAck, payload)
	return nil
}

func (s *Server) handleHostLost(ctx context.Context, conn *ConnState, peerAddr string, payload []byte) []Outbound {
	hl, err := wire.DecodeHostLost(payload)
	if err != nil {
		return errorOutbound(wire.ErrNetworkProtocol, "%v", err)
	}
	if err := s.store.StartMigration(hl.SessionID); err != nil {
		return errorOutbound(wire.ErrInvalidParam, "%v", err)
	}
	if s.migration != nil {
		if !s.migration.OnHostLost(hl.SessionID) {
			slog.Warn("discovery: migration arena full", "session", hl.SessionID)
		}
	}
	return nil
}

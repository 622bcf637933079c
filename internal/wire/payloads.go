package wire

import (
	"bytes"
	"encoding/binary"

	"github.com/google/uuid"
)

// MaxIdentityKeys bounds the number of identity keys a session may
// whitelist (spec.md §3 invariant c).
const MaxIdentityKeys = 8

// MaxRingParticipants bounds RingMembers.Participants (spec.md §6).
const MaxRingParticipants = 64

// Session type values carried in SessionCreate.SessionType / SessionInfo.SessionType
// (spec.md §3).
const (
	SessionTypeDirectTCP uint8 = iota
	SessionTypeWebRTC
	SessionTypeRelayed
)

const (
	addressFieldLen   = 64
	sessionStringLen  = 48
	pubkeyLen         = 32
	signatureLen      = 64
)

func putUUID(buf []byte, id uuid.UUID) { copy(buf, id[:]) }

func getUUID(buf []byte) uuid.UUID {
	var id uuid.UUID
	copy(id[:], buf)
	return id
}

// putFixedString writes s into a fixed-width, NUL-padded field.
func putFixedString(buf []byte, s string) {
	n := copy(buf, s)
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
}

func getFixedString(buf []byte) string {
	n := bytes.IndexByte(buf, 0)
	if n < 0 {
		n = len(buf)
	}
	return string(buf[:n])
}

// ParticipantMetrics is the network-quality measurement relayed around the
// ring and consumed by the election algorithm (spec.md §3, §6). Wire form
// is packed big-endian with no padding.
type ParticipantMetrics struct {
	ParticipantID        uuid.UUID
	NATTier              uint8 // 0 LAN, 1 Public, 2 UPnP, 3 STUN, 4 TURN
	UploadKbps           uint32
	RTTNs                uint64
	StunProbeSuccessPct  uint8
	PublicAddress        string
	PublicPort           uint16
	ConnectionType       uint8
	MeasurementTimeNs    uint64
	MeasurementWindowNs  uint64
}

// ParticipantMetricsWireLen is the packed size of one ParticipantMetrics.
const ParticipantMetricsWireLen = 16 + 1 + 4 + 8 + 1 + addressFieldLen + 2 + 1 + 8 + 8

func EncodeParticipantMetrics(m ParticipantMetrics) []byte {
	buf := make([]byte, ParticipantMetricsWireLen)
	off := 0
	putUUID(buf[off:off+16], m.ParticipantID)
	off += 16
	buf[off] = m.NATTier
	off++
	binary.BigEndian.PutUint32(buf[off:off+4], m.UploadKbps)
	off += 4
	binary.BigEndian.PutUint64(buf[off:off+8], m.RTTNs)
	off += 8
	buf[off] = m.StunProbeSuccessPct
	off++
	putFixedString(buf[off:off+addressFieldLen], m.PublicAddress)
	off += addressFieldLen
	binary.BigEndian.PutUint16(buf[off:off+2], m.PublicPort)
	off += 2
	buf[off] = m.ConnectionType
	off++
	binary.BigEndian.PutUint64(buf[off:off+8], m.MeasurementTimeNs)
	off += 8
	binary.BigEndian.PutUint64(buf[off:off+8], m.MeasurementWindowNs)
	off += 8
	return buf
}

func DecodeParticipantMetrics(buf []byte) (ParticipantMetrics, error) {
	if len(buf) < ParticipantMetricsWireLen {
		return ParticipantMetrics{}, NewError(ErrNetworkProtocol, "short participant_metrics")
	}
	var m ParticipantMetrics
	off := 0
	m.ParticipantID = getUUID(buf[off : off+16])
	off += 16
	m.NATTier = buf[off]
	off++
	m.UploadKbps = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	m.RTTNs = binary.BigEndian.Uint64(buf[off : off+8])
	off += 8
	m.StunProbeSuccessPct = buf[off]
	off++
	m.PublicAddress = getFixedString(buf[off : off+addressFieldLen])
	off += addressFieldLen
	m.PublicPort = binary.BigEndian.Uint16(buf[off : off+2])
	off += 2
	m.ConnectionType = buf[off]
	off++
	m.MeasurementTimeNs = binary.BigEndian.Uint64(buf[off : off+8])
	off += 8
	m.MeasurementWindowNs = binary.BigEndian.Uint64(buf[off : off+8])
	off += 8
	return m, nil
}

// RingMembers announces the current ring membership (spec.md §6).
type RingMembers struct {
	SessionID        uuid.UUID
	ParticipantIDs   []uuid.UUID // <= MaxRingParticipants
	RingLeaderIndex  uint8
	Generation       uint32
}

func EncodeRingMembers(m RingMembers) []byte {
	n := len(m.ParticipantIDs)
	if n > MaxRingParticipants {
		n = MaxRingParticipants
	}
	buf := make([]byte, 16+n*16+1+1+4)
	off := 0
	putUUID(buf[off:off+16], m.SessionID)
	off += 16
	for i := 0; i < n; i++ {
		putUUID(buf[off:off+16], m.ParticipantIDs[i])
		off += 16
	}
	buf[off] = uint8(n)
	off++
	buf[off] = m.RingLeaderIndex
	off++
	binary.BigEndian.PutUint32(buf[off:off+4], m.Generation)
	return buf
}

func DecodeRingMembers(buf []byte) (RingMembers, error) {
	if len(buf) < 16+1 {
		return RingMembers{}, NewError(ErrNetworkProtocol, "short ring_members")
	}
	var m RingMembers
	off := 0
	m.SessionID = getUUID(buf[off : off+16])
	off += 16

	// num_participants sits after the variable-length id array; scan from the
	// end of the fixed tail instead of guessing n up front.
	if len(buf) < off+1+1+4 {
		return RingMembers{}, NewError(ErrNetworkProtocol, "short ring_members tail")
	}
	tailStart := len(buf) - (1 + 1 + 4)
	num := int(buf[tailStart])
	if tailStart < off || off+num*16 != tailStart {
		return RingMembers{}, NewError(ErrNetworkProtocol, "ring_members length mismatch")
	}
	ids := make([]uuid.UUID, num)
	for i := 0; i < num; i++ {
		ids[i] = getUUID(buf[off : off+16])
		off += 16
	}
	m.ParticipantIDs = ids
	m.RingLeaderIndex = buf[tailStart+1]
	m.Generation = binary.BigEndian.Uint32(buf[tailStart+2 : tailStart+6])
	return m, nil
}

// StatsCollectionStart kicks off a consensus round (spec.md §6).
type StatsCollectionStart struct {
	SessionID   uuid.UUID
	InitiatorID uuid.UUID
	RoundID     uint32
	DeadlineNs  uint64
}

const statsCollectionStartLen = 16 + 16 + 4 + 8

func EncodeStatsCollectionStart(s StatsCollectionStart) []byte {
	buf := make([]byte, statsCollectionStartLen)
	putUUID(buf[0:16], s.SessionID)
	putUUID(buf[16:32], s.InitiatorID)
	binary.BigEndian.PutUint32(buf[32:36], s.RoundID)
	binary.BigEndian.PutUint64(buf[36:44], s.DeadlineNs)
	return buf
}

func DecodeStatsCollectionStart(buf []byte) (StatsCollectionStart, error) {
	if len(buf) < statsCollectionStartLen {
		return StatsCollectionStart{}, NewError(ErrNetworkProtocol, "short stats_collection_start")
	}
	return StatsCollectionStart{
		SessionID:   getUUID(buf[0:16]),
		InitiatorID: getUUID(buf[16:32]),
		RoundID:     binary.BigEndian.Uint32(buf[32:36]),
		DeadlineNs:  binary.BigEndian.Uint64(buf[36:44]),
	}, nil
}

// StatsUpdate carries the accumulated metrics vector around the ring
// (spec.md §6).
type StatsUpdate struct {
	SessionID uuid.UUID
	SenderID  uuid.UUID
	RoundID   uint32
	Metrics   []ParticipantMetrics
}

func EncodeStatsUpdate(s StatsUpdate) []byte {
	buf := make([]byte, 16+16+4+1+len(s.Metrics)*ParticipantMetricsWireLen)
	off := 0
	putUUID(buf[off:off+16], s.SessionID)
	off += 16
	putUUID(buf[off:off+16], s.SenderID)
	off += 16
	binary.BigEndian.PutUint32(buf[off:off+4], s.RoundID)
	off += 4
	buf[off] = uint8(len(s.Metrics))
	off++
	for _, m := range s.Metrics {
		copy(buf[off:off+ParticipantMetricsWireLen], EncodeParticipantMetrics(m))
		off += ParticipantMetricsWireLen
	}
	return buf
}

func DecodeStatsUpdate(buf []byte) (StatsUpdate, error) {
	if len(buf) < 16+16+4+1 {
		return StatsUpdate{}, NewError(ErrNetworkProtocol, "short stats_update")
	}
	var s StatsUpdate
	off := 0
	s.SessionID = getUUID(buf[off : off+16])
	off += 16
	s.SenderID = getUUID(buf[off : off+16])
	off += 16
	s.RoundID = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	num := int(buf[off])
	off++
	if len(buf) < off+num*ParticipantMetricsWireLen {
		return StatsUpdate{}, NewError(ErrNetworkProtocol, "short stats_update metrics")
	}
	s.Metrics = make([]ParticipantMetrics, num)
	for i := 0; i < num; i++ {
		m, err := DecodeParticipantMetrics(buf[off : off+ParticipantMetricsWireLen])
		if err != nil {
			return StatsUpdate{}, err
		}
		s.Metrics[i] = m
		off += ParticipantMetricsWireLen
	}
	return s, nil
}

// RingElectionResult announces the elected host/backup (spec.md §6).
type RingElectionResult struct {
	SessionID     uuid.UUID
	LeaderID      uuid.UUID
	RoundID       uint32
	HostID        uuid.UUID
	HostAddress   string
	HostPort      uint16
	BackupID      uuid.UUID
	BackupAddress string
	BackupPort    uint16
	ElectedAtNs   uint64
	Metrics       []ParticipantMetrics
}

const ringElectionResultFixedLen = 16 + 16 + 4 + 16 + addressFieldLen + 2 + 16 + addressFieldLen + 2 + 8 + 1

func EncodeRingElectionResult(r RingElectionResult) []byte {
	buf := make([]byte, ringElectionResultFixedLen+len(r.Metrics)*ParticipantMetricsWireLen)
	off := 0
	putUUID(buf[off:off+16], r.SessionID)
	off += 16
	putUUID(buf[off:off+16], r.LeaderID)
	off += 16
	binary.BigEndian.PutUint32(buf[off:off+4], r.RoundID)
	off += 4
	putUUID(buf[off:off+16], r.HostID)
	off += 16
	putFixedString(buf[off:off+addressFieldLen], r.HostAddress)
	off += addressFieldLen
	binary.BigEndian.PutUint16(buf[off:off+2], r.HostPort)
	off += 2
	putUUID(buf[off:off+16], r.BackupID)
	off += 16
	putFixedString(buf[off:off+addressFieldLen], r.BackupAddress)
	off += addressFieldLen
	binary.BigEndian.PutUint16(buf[off:off+2], r.BackupPort)
	off += 2
	binary.BigEndian.PutUint64(buf[off:off+8], r.ElectedAtNs)
	off += 8
	buf[off] = uint8(len(r.Metrics))
	off++
	for _, m := range r.Metrics {
		copy(buf[off:off+ParticipantMetricsWireLen], EncodeParticipantMetrics(m))
		off += ParticipantMetricsWireLen
	}
	return buf
}

func DecodeRingElectionResult(buf []byte) (RingElectionResult, error) {
	if len(buf) < ringElectionResultFixedLen {
		return RingElectionResult{}, NewError(ErrNetworkProtocol, "short ring_election_result")
	}
	var r RingElectionResult
	off := 0
	r.SessionID = getUUID(buf[off : off+16])
	off += 16
	r.LeaderID = getUUID(buf[off : off+16])
	off += 16
	r.RoundID = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	r.HostID = getUUID(buf[off : off+16])
	off += 16
	r.HostAddress = getFixedString(buf[off : off+addressFieldLen])
	off += addressFieldLen
	r.HostPort = binary.BigEndian.Uint16(buf[off : off+2])
	off += 2
	r.BackupID = getUUID(buf[off : off+16])
	off += 16
	r.BackupAddress = getFixedString(buf[off : off+addressFieldLen])
	off += addressFieldLen
	r.BackupPort = binary.BigEndian.Uint16(buf[off : off+2])
	off += 2
	r.ElectedAtNs = binary.BigEndian.Uint64(buf[off : off+8])
	off += 8
	num := int(buf[off])
	off++
	if len(buf) < off+num*ParticipantMetricsWireLen {
		return RingElectionResult{}, NewError(ErrNetworkProtocol, "short ring_election_result metrics")
	}
	r.Metrics = make([]ParticipantMetrics, num)
	for i := 0; i < num; i++ {
		m, err := DecodeParticipantMetrics(buf[off : off+ParticipantMetricsWireLen])
		if err != nil {
			return RingElectionResult{}, err
		}
		r.Metrics[i] = m
		off += ParticipantMetricsWireLen
	}
	return r, nil
}

// StatsAck acknowledges receipt/storage of an election result (spec.md §6).
type StatsAck struct {
	SessionID      uuid.UUID
	ParticipantID  uuid.UUID
	RoundID        uint32
	AckStatus      uint8
	StoredHostID   uuid.UUID
	StoredBackupID uuid.UUID
}

const statsAckLen = 16 + 16 + 4 + 1 + 16 + 16

func EncodeStatsAck(s StatsAck) []byte {
	buf := make([]byte, statsAckLen)
	off := 0
	putUUID(buf[off:off+16], s.SessionID)
	off += 16
	putUUID(buf[off:off+16], s.ParticipantID)
	off += 16
	binary.BigEndian.PutUint32(buf[off:off+4], s.RoundID)
	off += 4
	buf[off] = s.AckStatus
	off++
	putUUID(buf[off:off+16], s.StoredHostID)
	off += 16
	putUUID(buf[off:off+16], s.StoredBackupID)
	return buf
}

func DecodeStatsAck(buf []byte) (StatsAck, error) {
	if len(buf) < statsAckLen {
		return StatsAck{}, NewError(ErrNetworkProtocol, "short stats_ack")
	}
	var s StatsAck
	off := 0
	s.SessionID = getUUID(buf[off : off+16])
	off += 16
	s.ParticipantID = getUUID(buf[off : off+16])
	off += 16
	s.RoundID = binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	s.AckStatus = buf[off]
	off++
	s.StoredHostID = getUUID(buf[off : off+16])
	off += 16
	s.StoredBackupID = getUUID(buf[off : off+16])
	return s, nil
}

// SessionCreate is a single accumulate-or-finalize packet (spec.md §4.H,
// §6, §9): an all-zero IdentityPubkey finalizes the session.
type SessionCreate struct {
	IdentityPubkey [pubkeyLen]byte
	Timestamp      uint64
	Capabilities   uint8
	MaxParticipants uint8
	SessionType    uint8
	ServerAddress  string
	Signature      [signatureLen]byte
}

const sessionCreateLen = pubkeyLen + 8 + 1 + 1 + 1 + addressFieldLen + signatureLen

func (s SessionCreate) IsFinalize() bool {
	var zero [pubkeyLen]byte
	return s.IdentityPubkey == zero
}

func EncodeSessionCreate(s SessionCreate) []byte {
	buf := make([]byte, sessionCreateLen)
	off := 0
	copy(buf[off:off+pubkeyLen], s.IdentityPubkey[:])
	off += pubkeyLen
	binary.BigEndian.PutUint64(buf[off:off+8], s.Timestamp)
	off += 8
	buf[off] = s.Capabilities
	off++
	buf[off] = s.MaxParticipants
	off++
	buf[off] = s.SessionType
	off++
	putFixedString(buf[off:off+addressFieldLen], s.ServerAddress)
	off += addressFieldLen
	copy(buf[off:off+signatureLen], s.Signature[:])
	return buf
}

func DecodeSessionCreate(buf []byte) (SessionCreate, error) {
	if len(buf) < sessionCreateLen {
		return SessionCreate{}, NewError(ErrNetworkProtocol, "short session_create")
	}
	var s SessionCreate
	off := 0
	copy(s.IdentityPubkey[:], buf[off:off+pubkeyLen])
	off += pubkeyLen
	s.Timestamp = binary.BigEndian.Uint64(buf[off : off+8])
	off += 8
	s.Capabilities = buf[off]
	off++
	s.MaxParticipants = buf[off]
	off++
	s.SessionType = buf[off]
	off++
	s.ServerAddress = getFixedString(buf[off : off+addressFieldLen])
	off += addressFieldLen
	copy(s.Signature[:], buf[off:off+signatureLen])
	return s, nil
}

// SessionLookup requests the current SessionInfo for a session string
// (spec.md §4.H).
type SessionLookup struct {
	SessionString string
}

func EncodeSessionLookup(l SessionLookup) []byte {
	buf := make([]byte, sessionStringLen)
	putFixedString(buf, l.SessionString)
	return buf
}

func DecodeSessionLookup(buf []byte) (SessionLookup, error) {
	if len(buf) < sessionStringLen {
		return SessionLookup{}, NewError(ErrNetworkProtocol, "short session_lookup")
	}
	return SessionLookup{SessionString: getFixedString(buf[:sessionStringLen])}, nil
}

// SessionLeave ends a participant's membership in a session (spec.md §4.H).
type SessionLeave struct {
	SessionID     uuid.UUID
	ParticipantID uuid.UUID
}

func EncodeSessionLeave(l SessionLeave) []byte {
	buf := make([]byte, 32)
	putUUID(buf[0:16], l.SessionID)
	putUUID(buf[16:32], l.ParticipantID)
	return buf
}

func DecodeSessionLeave(buf []byte) (SessionLeave, error) {
	if len(buf) < 32 {
		return SessionLeave{}, NewError(ErrNetworkProtocol, "short session_leave")
	}
	return SessionLeave{SessionID: getUUID(buf[0:16]), ParticipantID: getUUID(buf[16:32])}, nil
}

// SessionJoin requests membership in an existing session (spec.md §6).
type SessionJoin struct {
	SessionString  string
	IdentityPubkey [pubkeyLen]byte
	Timestamp      uint64
	Signature      [signatureLen]byte
}

const sessionJoinLen = sessionStringLen + pubkeyLen + 8 + signatureLen

func EncodeSessionJoin(s SessionJoin) []byte {
	buf := make([]byte, sessionJoinLen)
	off := 0
	putFixedString(buf[off:off+sessionStringLen], s.SessionString)
	off += sessionStringLen
	copy(buf[off:off+pubkeyLen], s.IdentityPubkey[:])
	off += pubkeyLen
	binary.BigEndian.PutUint64(buf[off:off+8], s.Timestamp)
	off += 8
	copy(buf[off:off+signatureLen], s.Signature[:])
	return buf
}

func DecodeSessionJoin(buf []byte) (SessionJoin, error) {
	if len(buf) < sessionJoinLen {
		return SessionJoin{}, NewError(ErrNetworkProtocol, "short session_join")
	}
	var s SessionJoin
	off := 0
	s.SessionString = getFixedString(buf[off : off+sessionStringLen])
	off += sessionStringLen
	copy(s.IdentityPubkey[:], buf[off:off+pubkeyLen])
	off += pubkeyLen
	s.Timestamp = binary.BigEndian.Uint64(buf[off : off+8])
	off += 8
	copy(s.Signature[:], buf[off:off+signatureLen])
	return s, nil
}

// WebRTCSignal is the shared layout of WEBRTC_SDP and WEBRTC_ICE payloads
// (spec.md §4.I). An all-zero RecipientID means broadcast.
type WebRTCSignal struct {
	SessionID   uuid.UUID
	SenderID    uuid.UUID
	RecipientID uuid.UUID
	Payload     []byte
}

func EncodeWebRTCSignal(s WebRTCSignal) []byte {
	buf := make([]byte, 16+16+16+len(s.Payload))
	off := 0
	putUUID(buf[off:off+16], s.SessionID)
	off += 16
	putUUID(buf[off:off+16], s.SenderID)
	off += 16
	putUUID(buf[off:off+16], s.RecipientID)
	off += 16
	copy(buf[off:], s.Payload)
	return buf
}

func DecodeWebRTCSignal(buf []byte) (WebRTCSignal, error) {
	if len(buf) < 48 {
		return WebRTCSignal{}, NewError(ErrNetworkProtocol, "short webrtc signal")
	}
	var s WebRTCSignal
	s.SessionID = getUUID(buf[0:16])
	s.SenderID = getUUID(buf[16:32])
	s.RecipientID = getUUID(buf[32:48])
	s.Payload = append([]byte(nil), buf[48:]...)
	return s, nil
}

// IsBroadcast reports whether the signal targets every other participant.
func (s WebRTCSignal) IsBroadcast() bool {
	return s.RecipientID == uuid.Nil
}

// HostAnnouncement/HostLost share the same minimal layout: a session id plus
// (for announcement) the new host's id/address/port.
type HostAnnouncement struct {
	SessionID      uuid.UUID
	HostID         uuid.UUID
	HostAddress    string
	HostPort       uint16
	ConnectionType uint8
}

const hostAnnouncementLen = 16 + 16 + addressFieldLen + 2 + 1

func EncodeHostAnnouncement(h HostAnnouncement) []byte {
	buf := make([]byte, hostAnnouncementLen)
	off := 0
	putUUID(buf[off:off+16], h.SessionID)
	off += 16
	putUUID(buf[off:off+16], h.HostID)
	off += 16
	putFixedString(buf[off:off+addressFieldLen], h.HostAddress)
	off += addressFieldLen
	binary.BigEndian.PutUint16(buf[off:off+2], h.HostPort)
	off += 2
	buf[off] = h.ConnectionType
	return buf
}

func DecodeHostAnnouncement(buf []byte) (HostAnnouncement, error) {
	if len(buf) < hostAnnouncementLen {
		return HostAnnouncement{}, NewError(ErrNetworkProtocol, "short host_announcement")
	}
	var h HostAnnouncement
	off := 0
	h.SessionID = getUUID(buf[off : off+16])
	off += 16
	h.HostID = getUUID(buf[off : off+16])
	off += 16
	h.HostAddress = getFixedString(buf[off : off+addressFieldLen])
	off += addressFieldLen
	h.HostPort = binary.BigEndian.Uint16(buf[off : off+2])
	off += 2
	h.ConnectionType = buf[off]
	return h, nil
}

// HostLost carries only the session id (spec.md §6 implies minimal payload;
// the server derives everything else from its own state).
type HostLost struct {
	SessionID uuid.UUID
}

func EncodeHostLost(h HostLost) []byte {
	buf := make([]byte, 16)
	putUUID(buf, h.SessionID)
	return buf
}

func DecodeHostLost(buf []byte) (HostLost, error) {
	if len(buf) < 16 {
		return HostLost{}, NewError(ErrNetworkProtocol, "short host_lost")
	}
	return HostLost{SessionID: getUUID(buf[0:16])}, nil
}

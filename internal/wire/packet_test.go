package wire

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestFrameRoundTrip(t *testing.T) {
	payload := []byte("hello ACIP")
	frame := EncodeFrame(PacketDiscoveryPing, 0, payload)

	ptype, got, err := DecodeFrame(frame)
	require.NoError(t, err)
	require.Equal(t, PacketDiscoveryPing, ptype)
	require.Equal(t, payload, got)
}

func TestFrameBadMagic(t *testing.T) {
	frame := EncodeFrame(PacketDiscoveryPing, 0, nil)
	frame[0] ^= 0xFF
	_, _, err := DecodeFrame(frame)
	require.Error(t, err)
	var ce *CoreError
	require.ErrorAs(t, err, &ce)
	require.Equal(t, ErrNetworkProtocol, ce.Code)
}

func TestFrameCorruptPayload(t *testing.T) {
	frame := EncodeFrame(PacketDiscoveryPing, 0, []byte("payload"))
	frame[len(frame)-1] ^= 0xFF
	_, _, err := DecodeFrame(frame)
	require.Error(t, err)
}

func TestFrameShortHeader(t *testing.T) {
	_, _, err := DecodeFrame([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestParticipantMetricsRoundTrip(t *testing.T) {
	m := ParticipantMetrics{
		ParticipantID:       uuid.New(),
		NATTier:             2,
		UploadKbps:          50_000,
		RTTNs:               30_000_000,
		StunProbeSuccessPct: 95,
		PublicAddress:       "203.0.113.7",
		PublicPort:          51820,
		ConnectionType:      1,
		MeasurementTimeNs:   123456789,
		MeasurementWindowNs: 5_000_000_000,
	}
	buf := EncodeParticipantMetrics(m)
	require.Len(t, buf, ParticipantMetricsWireLen)
	got, err := DecodeParticipantMetrics(buf)
	require.NoError(t, err)
	require.Equal(t, m, got)
}

func TestRingMembersRoundTrip(t *testing.T) {
	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	rm := RingMembers{
		SessionID:       uuid.New(),
		ParticipantIDs:  ids,
		RingLeaderIndex: 2,
		Generation:      7,
	}
	buf := EncodeRingMembers(rm)
	got, err := DecodeRingMembers(buf)
	require.NoError(t, err)
	require.Equal(t, rm.SessionID, got.SessionID)
	require.Equal(t, rm.ParticipantIDs, got.ParticipantIDs)
	require.Equal(t, rm.RingLeaderIndex, got.RingLeaderIndex)
	require.Equal(t, rm.Generation, got.Generation)
}

func TestStatsUpdateRoundTripZeroMetrics(t *testing.T) {
	su := StatsUpdate{SessionID: uuid.New(), SenderID: uuid.New(), RoundID: 1}
	buf := EncodeStatsUpdate(su)
	got, err := DecodeStatsUpdate(buf)
	require.NoError(t, err)
	require.Empty(t, got.Metrics)
	require.Equal(t, su.RoundID, got.RoundID)
}

func TestSessionCreateIsFinalize(t *testing.T) {
	var sc SessionCreate
	require.True(t, sc.IsFinalize())
	sc.IdentityPubkey[0] = 1
	require.False(t, sc.IsFinalize())
}

func TestWebRTCSignalBroadcast(t *testing.T) {
	s := WebRTCSignal{SessionID: uuid.New(), SenderID: uuid.New()}
	require.True(t, s.IsBroadcast())
	s.RecipientID = uuid.New()
	require.False(t, s.IsBroadcast())

	buf := EncodeWebRTCSignal(WebRTCSignal{SessionID: s.SessionID, SenderID: s.SenderID, Payload: []byte("sdp-blob")})
	got, err := DecodeWebRTCSignal(buf)
	require.NoError(t, err)
	require.Equal(t, []byte("sdp-blob"), got.Payload)
}

func TestSessionJoinedRoundTrip(t *testing.T) {
	sj := SessionJoined{
		Success:       false,
		SessionID:     uuid.New(),
		ParticipantID: uuid.Nil,
		ErrCode:       ErrInvalidParam,
		ErrMessage:    "identity key not whitelisted",
	}
	buf := EncodeSessionJoined(sj)
	got, err := DecodeSessionJoined(buf)
	require.NoError(t, err)
	require.Equal(t, sj, got)
}

func TestSessionCreatedRoundTrip(t *testing.T) {
	sc := SessionCreated{
		SessionID:     uuid.New(),
		SessionString: "brave-ember-otter",
		STUNServers:   []string{"stun:stun.example.com:3478"},
		TURNServers:   nil,
	}
	buf := EncodeSessionCreated(sc)
	got, err := DecodeSessionCreated(buf)
	require.NoError(t, err)
	require.Equal(t, sc.SessionID, got.SessionID)
	require.Equal(t, sc.SessionString, got.SessionString)
	require.Equal(t, sc.STUNServers, got.STUNServers)
	require.Empty(t, got.TURNServers)
}

func TestSessionLookupRoundTrip(t *testing.T) {
	buf := EncodeSessionLookup(SessionLookup{SessionString: "brave-ember-otter"})
	got, err := DecodeSessionLookup(buf)
	require.NoError(t, err)
	require.Equal(t, "brave-ember-otter", got.SessionString)
}

func TestSessionLeaveRoundTrip(t *testing.T) {
	sl := SessionLeave{SessionID: uuid.New(), ParticipantID: uuid.New()}
	buf := EncodeSessionLeave(sl)
	got, err := DecodeSessionLeave(buf)
	require.NoError(t, err)
	require.Equal(t, sl, got)
}

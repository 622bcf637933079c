package discovery

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/zfogg/ascii-chat-sub011/internal/ratelimit"
	"github.com/zfogg/ascii-chat-sub011/internal/registry"
	"github.com/zfogg/ascii-chat-sub011/internal/store"
	"github.com/zfogg/ascii-chat-sub011/internal/transport"
	"github.com/zfogg/ascii-chat-sub011/internal/wire"
)

// newIdentityTestServer builds a Server with a fixed clock so signature and
// timestamp-skew boundary tests don't race wall-clock time.
func newIdentityTestServer(t *testing.T, cfg Config, now time.Time) (*Server, *store.Store) {
	t.Helper()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := registry.New()
	limiter := ratelimit.New(0, 1000, 1000, 1000, st)
	srv := NewServer(st, reg, limiter, nil, cfg)
	srv.SetClock(func() time.Time { return now })
	return srv, st
}

func newTestServer(t *testing.T) (*Server, *store.Store, *registry.Registry) {
	t.Helper()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	reg := registry.New()
	limiter := ratelimit.New(0, 1000, 1000, 1000, st)
	srv := NewServer(st, reg, limiter, nil, Config{
		STUNServers: []string{"stun:stun.example.com:3478"},
	})
	return srv, st, reg
}

func key(b byte) [32]byte {
	var k [32]byte
	k[0] = b
	return k
}

// fakeTransport records every Send call, including the payload, so a test
// can assert that two participants received byte-identical packets.
type fakeTransport struct {
	mu   sync.Mutex
	sent []recordedSend
}

type recordedSend struct {
	ptype   wire.PacketType
	payload []byte
}

func (f *fakeTransport) Send(_ context.Context, ptype wire.PacketType, payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, recordedSend{ptype: ptype, payload: append([]byte(nil), payload...)})
	return nil
}
func (f *fakeTransport) Recv(context.Context) (wire.PacketType, []byte, error) { return 0, nil, nil }
func (f *fakeTransport) Close() error                                          { return nil }
func (f *fakeTransport) PeerInfo() transport.PeerInfo                          { return transport.PeerInfo{} }

func (f *fakeTransport) records() []recordedSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]recordedSend(nil), f.sent...)
}

// TestMultiKeySessionCreateAccumulatesAndFinalizes covers spec.md §8
// scenario 3: three non-zero keys accumulated across separate packets,
// finalized by a zero-key packet, session created with the configured
// STUN list; a duplicate key on a later packet in a fresh multi-key round
// is rejected with INVALID_PARAM.
func TestMultiKeySessionCreateAccumulatesAndFinalizes(t *testing.T) {
	srv, _, _ := newTestServer(t)
	conn := NewConnState()
	ctx := context.Background()

	k1, k2, k3 := key(0x01), key(0x02), key(0x03)

	for _, k := range [][32]byte{k1, k2, k3} {
		out := srv.HandlePacket(ctx, conn, "198.51.100.1:9000", wire.PacketSessionCreate,
			wire.EncodeSessionCreate(wire.SessionCreate{IdentityPubkey: k}))
		require.Empty(t, out, "accumulate packets produce no reply")
	}
	require.True(t, conn.MultiKeyMode)
	require.Len(t, conn.PendingKeys, 3)

	out := srv.HandlePacket(ctx, conn, "198.51.100.1:9000", wire.PacketSessionCreate,
		wire.EncodeSessionCreate(wire.SessionCreate{}))
	require.Len(t, out, 1)
	require.Equal(t, wire.PacketSessionCreated, out[0].Type)

	created, err := wire.DecodeSessionCreated(out[0].Payload)
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, created.SessionID)
	require.NotEmpty(t, created.SessionString)
	require.Equal(t, []string{"stun:stun.example.com:3478"}, created.STUNServers)

	require.False(t, conn.MultiKeyMode)
	require.Empty(t, conn.PendingKeys)

	// A fresh multi-key round that repeats an already-used key within
	// itself is rejected; the store's own uniqueness is exercised in
	// internal/store's tests.
	out = srv.HandlePacket(ctx, conn, "198.51.100.1:9000", wire.PacketSessionCreate,
		wire.EncodeSessionCreate(wire.SessionCreate{IdentityPubkey: k2}))
	require.Empty(t, out)
	out = srv.HandlePacket(ctx, conn, "198.51.100.1:9000", wire.PacketSessionCreate,
		wire.EncodeSessionCreate(wire.SessionCreate{IdentityPubkey: k2}))
	require.Len(t, out, 1)
	require.Equal(t, wire.PacketError, out[0].Type)
	errPayload, err := wire.DecodeErrorPayload(out[0].Payload)
	require.NoError(t, err)
	require.Equal(t, wire.ErrInvalidParam, errPayload.Code)
}

func TestMultiKeyModeRejectsUnrelatedPacketTypes(t *testing.T) {
	srv, _, _ := newTestServer(t)
	conn := NewConnState()
	ctx := context.Background()

	srv.HandlePacket(ctx, conn, "198.51.100.1:9000", wire.PacketSessionCreate,
		wire.EncodeSessionCreate(wire.SessionCreate{IdentityPubkey: key(0x01)}))
	require.True(t, conn.MultiKeyMode)

	out := srv.HandlePacket(ctx, conn, "198.51.100.1:9000", wire.PacketSessionLookup,
		wire.EncodeSessionLookup(wire.SessionLookup{SessionString: "whatever"}))
	require.Len(t, out, 1)
	require.Equal(t, wire.PacketError, out[0].Type)
	errPayload, err := wire.DecodeErrorPayload(out[0].Payload)
	require.NoError(t, err)
	require.Equal(t, wire.ErrInvalidParam, errPayload.Code)
}

func TestMultiKeyModeRejectsTooManyKeys(t *testing.T) {
	srv, _, _ := newTestServer(t)
	conn := NewConnState()
	ctx := context.Background()

	for i := 0; i < wire.MaxIdentityKeys; i++ {
		out := srv.HandlePacket(ctx, conn, "198.51.100.1:9000", wire.PacketSessionCreate,
			wire.EncodeSessionCreate(wire.SessionCreate{IdentityPubkey: key(byte(i + 1))}))
		require.Empty(t, out)
	}
	out := srv.HandlePacket(ctx, conn, "198.51.100.1:9000", wire.PacketSessionCreate,
		wire.EncodeSessionCreate(wire.SessionCreate{IdentityPubkey: key(0xFF)}))
	require.Len(t, out, 1)
	errPayload, err := wire.DecodeErrorPayload(out[0].Payload)
	require.NoError(t, err)
	require.Equal(t, wire.ErrInvalidParam, errPayload.Code)
}

// TestBroadcastSignalingReachesEveryoneButSender covers spec.md §8 scenario
// 4: A sends a WEBRTC_SDP broadcast; B and C receive an identical packet,
// A does not.
func TestBroadcastSignalingReachesEveryoneButSender(t *testing.T) {
	srv, _, reg := newTestServer(t)
	ctx := context.Background()

	// The session must exist in the store for the relay's lookup to pass.
	created, err := srv.store.Create(store.CreateRequest{
		Capabilities:    0,
		MaxParticipants: 8,
		SessionType:     wire.SessionTypeWebRTC,
		IdentityKeys:    [][32]byte{key(0x01)},
	}, store.Config{})
	require.NoError(t, err)
	sessionID := created.SessionID

	a, b, c := uuid.New(), uuid.New(), uuid.New()
	ta, tb, tc := &fakeTransport{}, &fakeTransport{}, &fakeTransport{}
	reg.Add(&registry.Entry{ParticipantID: a, SessionID: sessionID, Transport: ta})
	reg.Add(&registry.Entry{ParticipantID: b, SessionID: sessionID, Transport: tb})
	reg.Add(&registry.Entry{ParticipantID: c, SessionID: sessionID, Transport: tc})

	conn := NewConnState()
	payload := wire.EncodeWebRTCSignal(wire.WebRTCSignal{
		SessionID: sessionID,
		SenderID:  a,
		Payload:   []byte("sdp-offer-blob"),
	})
	out := srv.HandlePacket(ctx, conn, "198.51.100.1:9000", wire.PacketWebRTCSDP, payload)
	require.Empty(t, out)

	require.Empty(t, ta.records(), "sender must not receive its own broadcast")

	bRecords := tb.records()
	cRecords := tc.records()
	require.Len(t, bRecords, 1)
	require.Len(t, cRecords, 1)
	require.Equal(t, wire.PacketWebRTCSDP, bRecords[0].ptype)
	require.Equal(t, bRecords[0].payload, cRecords[0].payload)

	gotB, err := wire.DecodeWebRTCSignal(bRecords[0].payload)
	require.NoError(t, err)
	require.Equal(t, []byte("sdp-offer-blob"), gotB.Payload)
	require.Equal(t, a, gotB.SenderID)
}

func TestUnicastSignalRoutesToSingleRecipientOnly(t *testing.T) {
	srv, _, reg := newTestServer(t)
	ctx := context.Background()

	created, err := srv.store.Create(store.CreateRequest{
		Capabilities:    0,
		MaxParticipants: 8,
		SessionType:     wire.SessionTypeWebRTC,
		IdentityKeys:    [][32]byte{key(0x03)},
	}, store.Config{})
	require.NoError(t, err)

	a, b, c := uuid.New(), uuid.New(), uuid.New()
	ta, tb, tc := &fakeTransport{}, &fakeTransport{}, &fakeTransport{}
	reg.Add(&registry.Entry{ParticipantID: a, SessionID: created.SessionID, Transport: ta})
	reg.Add(&registry.Entry{ParticipantID: b, SessionID: created.SessionID, Transport: tb})
	reg.Add(&registry.Entry{ParticipantID: c, SessionID: created.SessionID, Transport: tc})

	conn := NewConnState()
	payload := wire.EncodeWebRTCSignal(wire.WebRTCSignal{
		SessionID:   created.SessionID,
		SenderID:    a,
		RecipientID: b,
		Payload:     []byte("ice-candidate"),
	})
	out := srv.HandlePacket(ctx, conn, "198.51.100.1:9000", wire.PacketWebRTCICE, payload)
	require.Empty(t, out)

	require.Empty(t, ta.records())
	require.Empty(t, tc.records())
	require.Len(t, tb.records(), 1)
	require.Equal(t, wire.PacketWebRTCICE, tb.records()[0].ptype)
}

func TestUnicastSignalToOfflineRecipientErrors(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()

	created, err := srv.store.Create(store.CreateRequest{
		Capabilities:    0,
		MaxParticipants: 8,
		SessionType:     wire.SessionTypeWebRTC,
		IdentityKeys:    [][32]byte{key(0x04)},
	}, store.Config{})
	require.NoError(t, err)

	conn := NewConnState()
	payload := wire.EncodeWebRTCSignal(wire.WebRTCSignal{
		SessionID:   created.SessionID,
		SenderID:    uuid.New(),
		RecipientID: uuid.New(),
		Payload:     []byte("ice-candidate"),
	})
	out := srv.HandlePacket(ctx, conn, "198.51.100.1:9000", wire.PacketWebRTCICE, payload)
	require.Len(t, out, 1)
	require.Equal(t, wire.PacketError, out[0].Type)
	errPayload, err := wire.DecodeErrorPayload(out[0].Payload)
	require.NoError(t, err)
	require.Equal(t, wire.ErrNetworkProtocol, errPayload.Code)
}

func TestSessionLookupAndJoinAndLeaveRoundTrip(t *testing.T) {
	srv, _, _ := newTestServer(t)
	ctx := context.Background()

	created, err := srv.store.Create(store.CreateRequest{
		Capabilities:    3,
		MaxParticipants: 4,
		SessionType:     wire.SessionTypeDirectTCP,
		IdentityKeys:    [][32]byte{key(0x05)},
	}, store.Config{})
	require.NoError(t, err)

	conn := NewConnState()
	out := srv.HandlePacket(ctx, conn, "198.51.100.1:9000", wire.PacketSessionLookup,
		wire.EncodeSessionLookup(wire.SessionLookup{SessionString: created.SessionString}))
	require.Len(t, out, 1)
	info, err := wire.DecodeSessionInfo(out[0].Payload)
	require.NoError(t, err)
	require.True(t, info.Found)
	require.Equal(t, created.SessionID, info.SessionID)

	out = srv.HandlePacket(ctx, conn, "198.51.100.1:9000", wire.PacketSessionJoin,
		wire.EncodeSessionJoin(wire.SessionJoin{SessionString: created.SessionString, IdentityPubkey: key(0x05)}))
	require.Len(t, out, 2)
	joined, err := wire.DecodeSessionJoined(out[0].Payload)
	require.NoError(t, err)
	require.True(t, joined.Success)
	require.True(t, conn.Joined)
	require.Equal(t, joined.ParticipantID, conn.ParticipantID)

	require.Equal(t, wire.PacketRingMembers, out[1].Type)
	members, err := wire.DecodeRingMembers(out[1].Payload)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{joined.ParticipantID}, members.ParticipantIDs)

	out = srv.HandlePacket(ctx, conn, "198.51.100.1:9000", wire.PacketSessionLeave,
		wire.EncodeSessionLeave(wire.SessionLeave{SessionID: joined.SessionID, ParticipantID: joined.ParticipantID}))
	require.Empty(t, out)
	require.False(t, conn.Joined)
}

func TestHostAnnouncementUpdatesHostAndHostLostStartsMigration(t *testing.T) {
	srv, st, _ := newTestServer(t)
	ctx := context.Background()

	created, err := srv.store.Create(store.CreateRequest{
		Capabilities:    0,
		MaxParticipants: 4,
		SessionType:     wire.SessionTypeDirectTCP,
		IdentityKeys:    [][32]byte{key(0x06)},
	}, store.Config{})
	require.NoError(t, err)

	hostID := uuid.New()
	conn := NewConnState()
	out := srv.HandlePacket(ctx, conn, "198.51.100.1:9000", wire.PacketHostAnnouncement,
		wire.EncodeHostAnnouncement(wire.HostAnnouncement{
			SessionID:   created.SessionID,
			HostID:      hostID,
			HostAddress: "203.0.113.5",
			HostPort:    7000,
		}))
	require.Empty(t, out)

	found, err := st.FindByID(created.SessionID)
	require.NoError(t, err)
	require.Equal(t, hostID, found.HostID)

	out = srv.HandlePacket(ctx, conn, "198.51.100.1:9000", wire.PacketHostLost,
		wire.EncodeHostLost(wire.HostLost{SessionID: created.SessionID}))
	require.Empty(t, out)

	found, err = st.FindByID(created.SessionID)
	require.NoError(t, err)
	require.True(t, found.InMigration)
}

func TestDiscoveryPingRepliesPong(t *testing.T) {
	srv, _, _ := newTestServer(t)
	conn := NewConnState()
	out := srv.HandlePacket(context.Background(), conn, "198.51.100.1:9000", wire.PacketDiscoveryPing, nil)
	require.Len(t, out, 1)
	require.Equal(t, wire.PacketDiscoveryPong, out[0].Type)
}

// TestSessionCreateTimestampBoundary covers spec.md §8's boundary behavior
// for the signed-transcript timestamp check: accepted at exactly
// now_ms-window and now_ms+60s, rejected one millisecond outside either
// edge.
func TestSessionCreateTimestampBoundary(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	window := 2 * time.Second
	nowMs := uint64(now.UnixMilli())
	lowerBound := nowMs - uint64(window.Milliseconds())
	upperBound := nowMs + 60_000

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	var pk [32]byte
	copy(pk[:], pub)

	signedCreate := func(ts uint64) wire.SessionCreate {
		sig := ed25519.Sign(priv, buildCreateMessage(ts, 1, 4))
		var sigArr [64]byte
		copy(sigArr[:], sig)
		return wire.SessionCreate{IdentityPubkey: pk, Timestamp: ts, Capabilities: 1, MaxParticipants: 4, Signature: sigArr}
	}

	cases := []struct {
		name      string
		timestamp uint64
		wantErr   bool
	}{
		{"exact lower bound accepted", lowerBound, false},
		{"one ms before lower bound rejected", lowerBound - 1, true},
		{"exact upper bound accepted", upperBound, false},
		{"one ms past upper bound rejected", upperBound + 1, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, _ := newIdentityTestServer(t, Config{RequireServerIdentity: true, TimestampWindow: window}, now)
			conn := NewConnState()
			out := srv.HandlePacket(context.Background(), conn, "198.51.100.1:9000", wire.PacketSessionCreate,
				wire.EncodeSessionCreate(signedCreate(tc.timestamp)))
			if tc.wantErr {
				require.Len(t, out, 1)
				require.Equal(t, wire.PacketError, out[0].Type)
				errPayload, err := wire.DecodeErrorPayload(out[0].Payload)
				require.NoError(t, err)
				require.Equal(t, wire.ErrInvalidParam, errPayload.Code)
				require.False(t, conn.MultiKeyMode)
			} else {
				require.Empty(t, out)
				require.True(t, conn.MultiKeyMode)
			}
		})
	}
}

// TestSessionCreateSignatureVerification covers spec.md §8's signature
// requirement for require_server_identity: a correctly signed transcript
// is accepted, a tampered signature and a signature from an unrelated key
// are both rejected with ERROR_CRYPTO_VERIFICATION.
func TestSessionCreateSignatureVerification(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	ts := uint64(now.UnixMilli())

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	validSig := ed25519.Sign(priv, buildCreateMessage(ts, 2, 8))

	mkReq := func(pk ed25519.PublicKey, sig []byte) wire.SessionCreate {
		var pkArr [32]byte
		copy(pkArr[:], pk)
		var sigArr [64]byte
		copy(sigArr[:], sig)
		return wire.SessionCreate{IdentityPubkey: pkArr, Timestamp: ts, Capabilities: 2, MaxParticipants: 8, Signature: sigArr}
	}

	t.Run("valid signature accepted", func(t *testing.T) {
		srv, _ := newIdentityTestServer(t, Config{RequireServerIdentity: true, TimestampWindow: time.Minute}, now)
		conn := NewConnState()
		out := srv.HandlePacket(context.Background(), conn, "198.51.100.1:9000", wire.PacketSessionCreate,
			wire.EncodeSessionCreate(mkReq(pub, validSig)))
		require.Empty(t, out)
		require.True(t, conn.MultiKeyMode)
	})

	t.Run("tampered signature rejected", func(t *testing.T) {
		tampered := append([]byte(nil), validSig...)
		tampered[0] ^= 0xFF
		srv, _ := newIdentityTestServer(t, Config{RequireServerIdentity: true, TimestampWindow: time.Minute}, now)
		conn := NewConnState()
		out := srv.HandlePacket(context.Background(), conn, "198.51.100.1:9000", wire.PacketSessionCreate,
			wire.EncodeSessionCreate(mkReq(pub, tampered)))
		require.Len(t, out, 1)
		errPayload, err := wire.DecodeErrorPayload(out[0].Payload)
		require.NoError(t, err)
		require.Equal(t, wire.ErrCryptoVerification, errPayload.Code)
		require.False(t, conn.MultiKeyMode)
	})

	t.Run("signature from wrong key rejected", func(t *testing.T) {
		srv, _ := newIdentityTestServer(t, Config{RequireServerIdentity: true, TimestampWindow: time.Minute}, now)
		conn := NewConnState()
		out := srv.HandlePacket(context.Background(), conn, "198.51.100.1:9000", wire.PacketSessionCreate,
			wire.EncodeSessionCreate(mkReq(otherPub, validSig)))
		require.Len(t, out, 1)
		errPayload, err := wire.DecodeErrorPayload(out[0].Payload)
		require.NoError(t, err)
		require.Equal(t, wire.ErrCryptoVerification, errPayload.Code)
	})
}

// TestSessionJoinTimestampBoundary mirrors
// TestSessionCreateTimestampBoundary for require_client_identity's
// SESSION_JOIN check.
func TestSessionJoinTimestampBoundary(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	window := 2 * time.Second
	nowMs := uint64(now.UnixMilli())
	lowerBound := nowMs - uint64(window.Milliseconds())
	upperBound := nowMs + 60_000

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	var pk [32]byte
	copy(pk[:], pub)

	cases := []struct {
		name      string
		timestamp uint64
		wantErr   bool
	}{
		{"exact lower bound accepted", lowerBound, false},
		{"one ms before lower bound rejected", lowerBound - 1, true},
		{"exact upper bound accepted", upperBound, false},
		{"one ms past upper bound rejected", upperBound + 1, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv, st := newIdentityTestServer(t, Config{RequireClientIdentity: true, TimestampWindow: window}, now)
			created, err := st.Create(store.CreateRequest{
				Capabilities: 1, MaxParticipants: 4, SessionType: wire.SessionTypeDirectTCP,
				IdentityKeys: [][32]byte{pk},
			}, store.Config{})
			require.NoError(t, err)

			sig := ed25519.Sign(priv, buildJoinMessage(tc.timestamp, created.SessionString))
			var sigArr [64]byte
			copy(sigArr[:], sig)

			conn := NewConnState()
			out := srv.HandlePacket(context.Background(), conn, "198.51.100.1:9000", wire.PacketSessionJoin,
				wire.EncodeSessionJoin(wire.SessionJoin{
					SessionString:  created.SessionString,
					IdentityPubkey: pk,
					Timestamp:      tc.timestamp,
					Signature:      sigArr,
				}))
			if tc.wantErr {
				require.Len(t, out, 1)
				require.Equal(t, wire.PacketError, out[0].Type)
				errPayload, err := wire.DecodeErrorPayload(out[0].Payload)
				require.NoError(t, err)
				require.Equal(t, wire.ErrInvalidParam, errPayload.Code)
				require.False(t, conn.Joined)
			} else {
				require.Len(t, out, 2)
				joined, err := wire.DecodeSessionJoined(out[0].Payload)
				require.NoError(t, err)
				require.True(t, joined.Success)
				require.True(t, conn.Joined)
			}
		})
	}
}

// TestSessionJoinSignatureVerification mirrors
// TestSessionCreateSignatureVerification for require_client_identity's
// SESSION_JOIN check.
func TestSessionJoinSignatureVerification(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_000)
	ts := uint64(now.UnixMilli())

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	var pk [32]byte
	copy(pk[:], pub)
	otherPub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	var otherPk [32]byte
	copy(otherPk[:], otherPub)

	newSession := func(t *testing.T, st *store.Store) string {
		created, err := st.Create(store.CreateRequest{
			Capabilities: 1, MaxParticipants: 4, SessionType: wire.SessionTypeDirectTCP,
			IdentityKeys: [][32]byte{pk},
		}, store.Config{})
		require.NoError(t, err)
		return created.SessionString
	}

	t.Run("valid signature accepted", func(t *testing.T) {
		srv, st := newIdentityTestServer(t, Config{RequireClientIdentity: true, TimestampWindow: time.Minute}, now)
		sessionString := newSession(t, st)
		sig := ed25519.Sign(priv, buildJoinMessage(ts, sessionString))
		var sigArr [64]byte
		copy(sigArr[:], sig)

		conn := NewConnState()
		out := srv.HandlePacket(context.Background(), conn, "198.51.100.1:9000", wire.PacketSessionJoin,
			wire.EncodeSessionJoin(wire.SessionJoin{SessionString: sessionString, IdentityPubkey: pk, Timestamp: ts, Signature: sigArr}))
		require.Len(t, out, 2)
		joined, err := wire.DecodeSessionJoined(out[0].Payload)
		require.NoError(t, err)
		require.True(t, joined.Success)
	})

	t.Run("tampered signature rejected", func(t *testing.T) {
		srv, st := newIdentityTestServer(t, Config{RequireClientIdentity: true, TimestampWindow: time.Minute}, now)
		sessionString := newSession(t, st)
		sig := ed25519.Sign(priv, buildJoinMessage(ts, sessionString))
		sig[0] ^= 0xFF
		var sigArr [64]byte
		copy(sigArr[:], sig)

		conn := NewConnState()
		out := srv.HandlePacket(context.Background(), conn, "198.51.100.1:9000", wire.PacketSessionJoin,
			wire.EncodeSessionJoin(wire.SessionJoin{SessionString: sessionString, IdentityPubkey: pk, Timestamp: ts, Signature: sigArr}))
		require.Len(t, out, 1)
		require.Equal(t, wire.PacketError, out[0].Type)
		errPayload, err := wire.DecodeErrorPayload(out[0].Payload)
		require.NoError(t, err)
		require.Equal(t, wire.ErrCryptoVerification, errPayload.Code)
	})

	t.Run("signature from wrong key rejected", func(t *testing.T) {
		srv, st := newIdentityTestServer(t, Config{RequireClientIdentity: true, TimestampWindow: time.Minute}, now)
		sessionString := newSession(t, st)
		sig := ed25519.Sign(priv, buildJoinMessage(ts, sessionString))
		var sigArr [64]byte
		copy(sigArr[:], sig)

		conn := NewConnState()
		out := srv.HandlePacket(context.Background(), conn, "198.51.100.1:9000", wire.PacketSessionJoin,
			wire.EncodeSessionJoin(wire.SessionJoin{SessionString: sessionString, IdentityPubkey: otherPk, Timestamp: ts, Signature: sigArr}))
		require.Len(t, out, 1)
		require.Equal(t, wire.PacketError, out[0].Type)
		errPayload, err := wire.DecodeErrorPayload(out[0].Payload)
		require.NoError(t, err)
		require.Equal(t, wire.ErrCryptoVerification, errPayload.Code)
	})
}

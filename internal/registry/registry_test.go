package registry

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/zfogg/ascii-chat-sub011/internal/transport"
	"github.com/zfogg/ascii-chat-sub011/internal/wire"
)

// fakeTransport records every Send call; used to assert fan-out behavior
// without opening real sockets.
type fakeTransport struct {
	mu       sync.Mutex
	sent     []wire.PacketType
	failNext bool
}

func (f *fakeTransport) Send(_ context.Context, ptype wire.PacketType, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		return wire.NewError(wire.ErrNetwork, "simulated send failure")
	}
	f.sent = append(f.sent, ptype)
	return nil
}
func (f *fakeTransport) Recv(context.Context) (wire.PacketType, []byte, error) { return 0, nil, nil }
func (f *fakeTransport) Close() error                                          { return nil }
func (f *fakeTransport) PeerInfo() transport.PeerInfo                          { return transport.PeerInfo{} }

func (f *fakeTransport) sentTypes() []wire.PacketType {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]wire.PacketType(nil), f.sent...)
}

func TestRegistryAddGetRemove(t *testing.T) {
	r := New()
	id := uuid.New()
	sess := uuid.New()
	ft := &fakeTransport{}

	require.Nil(t, r.Add(&Entry{ParticipantID: id, SessionID: sess, Transport: ft}))
	require.Equal(t, 1, r.Count())
	require.Same(t, ft, r.Get(id).Transport.(*fakeTransport))

	require.True(t, r.Remove(id))
	require.Nil(t, r.Get(id))
	require.False(t, r.Remove(id))
}

func TestRegistryAddReplacesAndReturnsStale(t *testing.T) {
	r := New()
	id := uuid.New()
	sess := uuid.New()
	oldT := &fakeTransport{}
	newT := &fakeTransport{}

	require.Nil(t, r.Add(&Entry{ParticipantID: id, SessionID: sess, Transport: oldT}))
	replaced := r.Add(&Entry{ParticipantID: id, SessionID: sess, Transport: newT})
	require.Same(t, oldT, replaced)
	require.Equal(t, 1, r.Count())
}

func TestRegistryBroadcastExcludesSenderAndOtherSessions(t *testing.T) {
	r := New()
	sess := uuid.New()
	otherSess := uuid.New()

	sender := uuid.New()
	peerA := uuid.New()
	peerB := uuid.New()
	outsider := uuid.New()

	senderT := &fakeTransport{}
	peerAT := &fakeTransport{}
	peerBT := &fakeTransport{}
	outsiderT := &fakeTransport{}

	r.Add(&Entry{ParticipantID: sender, SessionID: sess, Transport: senderT})
	r.Add(&Entry{ParticipantID: peerA, SessionID: sess, Transport: peerAT})
	r.Add(&Entry{ParticipantID: peerB, SessionID: sess, Transport: peerBT})
	r.Add(&Entry{ParticipantID: outsider, SessionID: otherSess, Transport: outsiderT})

	r.Broadcast(context.Background(), sess, sender, wire.PacketHostAnnouncement, []byte("x"))

	require.Empty(t, senderT.sentTypes())
	require.Equal(t, []wire.PacketType{wire.PacketHostAnnouncement}, peerAT.sentTypes())
	require.Equal(t, []wire.PacketType{wire.PacketHostAnnouncement}, peerBT.sentTypes())
	require.Empty(t, outsiderT.sentTypes())
}

func TestRegistryUnicastMissingParticipant(t *testing.T) {
	r := New()
	ok := r.Unicast(context.Background(), uuid.New(), wire.PacketPing, nil)
	require.False(t, ok)
}

func TestRegistryBroadcastToleratesOneFailingPeer(t *testing.T) {
	r := New()
	sess := uuid.New()
	failing := uuid.New()
	ok := uuid.New()

	failingT := &fakeTransport{failNext: true}
	okT := &fakeTransport{}

	r.Add(&Entry{ParticipantID: failing, SessionID: sess, Transport: failingT})
	r.Add(&Entry{ParticipantID: ok, SessionID: sess, Transport: okT})

	r.Broadcast(context.Background(), sess, uuid.Nil, wire.PacketDiscoveryPing, nil)

	require.Equal(t, []wire.PacketType{wire.PacketDiscoveryPing}, okT.sentTypes())
}

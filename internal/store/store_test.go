package store

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/zfogg/ascii-chat-sub011/internal/wire"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func key(b byte) [32]byte {
	var k [32]byte
	k[0] = b
	return k
}

func TestCreateRejectsKeyCountOutOfRange(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Create(CreateRequest{IdentityKeys: nil}, Config{})
	require.Error(t, err)

	keys := make([][32]byte, wire.MaxIdentityKeys+1)
	for i := range keys {
		keys[i] = key(byte(i + 1))
	}
	_, err = s.Create(CreateRequest{IdentityKeys: keys}, Config{})
	require.Error(t, err)
}

func TestCreateRejectsDuplicateKey(t *testing.T) {
	s := newTestStore(t)
	k := key(0x01)
	_, err := s.Create(CreateRequest{IdentityKeys: [][32]byte{k, k}}, Config{})
	require.Error(t, err)
}

func TestCreateAndLookupRoundTrip(t *testing.T) {
	s := newTestStore(t)
	res, err := s.Create(CreateRequest{
		Capabilities:    3,
		MaxParticipants: 8,
		SessionType:     1,
		IdentityKeys:    [][32]byte{key(0x01), key(0x02), key(0x03)},
	}, Config{STUNServers: []string{"stun:example.org:3478"}})
	require.NoError(t, err)
	require.NotEmpty(t, res.SessionString)
	require.Equal(t, []string{"stun:example.org:3478"}, res.STUNServers)

	info, err := s.Lookup(res.SessionString)
	require.NoError(t, err)
	require.True(t, info.Found)
	require.Equal(t, res.SessionID, info.SessionID)
	require.EqualValues(t, 8, info.MaxParticipants)
	require.EqualValues(t, 0, info.ParticipantCount)
}

func TestLookupMissingIsSafe(t *testing.T) {
	s := newTestStore(t)
	info, err := s.Lookup("nonexistent-session-string")
	require.NoError(t, err)
	require.False(t, info.Found)
}

func TestJoinRejectsUnwhitelistedKey(t *testing.T) {
	s := newTestStore(t)
	res, err := s.Create(CreateRequest{MaxParticipants: 4, IdentityKeys: [][32]byte{key(0x01)}}, Config{})
	require.NoError(t, err)

	joined, err := s.Join(JoinRequest{SessionString: res.SessionString, IdentityPubkey: key(0x02)})
	require.NoError(t, err)
	require.False(t, joined.Success)
	require.Equal(t, wire.ErrInvalidParam, joined.ErrCode)
}

func TestJoinSucceedsAndEnforcesCapacity(t *testing.T) {
	s := newTestStore(t)
	res, err := s.Create(CreateRequest{
		MaxParticipants: 1,
		IdentityKeys:    [][32]byte{key(0x01), key(0x02)},
	}, Config{})
	require.NoError(t, err)

	joined, err := s.Join(JoinRequest{SessionString: res.SessionString, IdentityPubkey: key(0x01)})
	require.NoError(t, err)
	require.True(t, joined.Success)
	require.Equal(t, res.SessionID, joined.SessionID)

	full, err := s.Join(JoinRequest{SessionString: res.SessionString, IdentityPubkey: key(0x02)})
	require.NoError(t, err)
	require.False(t, full.Success)
	require.Equal(t, wire.ErrInvalidParam, full.ErrCode)
}

func TestLeaveRemovesMembership(t *testing.T) {
	s := newTestStore(t)
	res, err := s.Create(CreateRequest{MaxParticipants: 2, IdentityKeys: [][32]byte{key(0x01)}}, Config{})
	require.NoError(t, err)
	joined, err := s.Join(JoinRequest{SessionString: res.SessionString, IdentityPubkey: key(0x01)})
	require.NoError(t, err)

	require.NoError(t, s.Leave(res.SessionID, joined.ParticipantID))

	info, err := s.Lookup(res.SessionString)
	require.NoError(t, err)
	require.EqualValues(t, 0, info.ParticipantCount)
}

func TestUpdateHostAndStartMigrationAndClearHost(t *testing.T) {
	s := newTestStore(t)
	res, err := s.Create(CreateRequest{MaxParticipants: 2, IdentityKeys: [][32]byte{key(0x01)}}, Config{})
	require.NoError(t, err)

	hID := uuid.New()
	require.NoError(t, s.UpdateHost(res.SessionID, hID, "10.0.0.5", 9000, 1))

	sess, err := s.FindByID(res.SessionID)
	require.NoError(t, err)
	require.Equal(t, hID, sess.HostID)
	require.False(t, sess.InMigration)

	require.NoError(t, s.StartMigration(res.SessionID))
	sess, err = s.FindByID(res.SessionID)
	require.NoError(t, err)
	require.True(t, sess.InMigration)
	require.Zero(t, sess.HostID)

	require.NoError(t, s.ClearHost(res.SessionID))
	sess, err = s.FindByID(res.SessionID)
	require.NoError(t, err)
	require.False(t, sess.InMigration)
}

func TestUpdateHostMissingSessionErrors(t *testing.T) {
	s := newTestStore(t)
	err := s.UpdateHost(uuid.New(), uuid.New(), "", 0, 0)
	require.Error(t, err)
}

func TestCleanupExpiredRemovesPastSessions(t *testing.T) {
	s := newTestStore(t)
	res, err := s.Create(CreateRequest{MaxParticipants: 1, IdentityKeys: [][32]byte{key(0x01)}}, Config{SessionExpiry: time.Nanosecond})
	require.NoError(t, err)

	n, err := s.CleanupExpired()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)

	_, err = s.FindByID(res.SessionID)
	require.Error(t, err)
}

func TestRateLimitEventPersistenceAndPrune(t *testing.T) {
	s := newTestStore(t)
	base := time.Now()
	require.NoError(t, s.RecordRateLimitEvent("1.2.3.4", "SESSION_CREATE", base))
	require.NoError(t, s.RecordRateLimitEvent("1.2.3.4", "SESSION_CREATE", base.Add(time.Second)))

	n, err := s.CountRateLimitEvents("1.2.3.4", "SESSION_CREATE", base.Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, 2, n)

	pruned, err := s.PruneRateLimitEvents(base.Add(500 * time.Millisecond))
	require.NoError(t, err)
	require.EqualValues(t, 1, pruned)

	n, err = s.CountRateLimitEvents("1.2.3.4", "SESSION_CREATE", base.Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

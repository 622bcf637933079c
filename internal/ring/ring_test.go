package ring

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func mustUUID(t *testing.T, s string) uuid.UUID {
	t.Helper()
	id, err := uuid.Parse(s)
	require.NoError(t, err)
	return id
}

func TestNewSortsAscending(t *testing.T) {
	a := mustUUID(t, "00000000-0000-0000-0000-000000000001")
	b := mustUUID(t, "00000000-0000-0000-0000-000000000002")
	c := mustUUID(t, "00000000-0000-0000-0000-000000000003")

	r, err := New([]uuid.UUID{c, a, b}, b)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{a, b, c}, r.Members())
	require.Equal(t, 1, r.Position())
}

func TestNewRejectsMissingSelf(t *testing.T) {
	a := mustUUID(t, "00000000-0000-0000-0000-000000000001")
	b := mustUUID(t, "00000000-0000-0000-0000-000000000002")
	other := mustUUID(t, "00000000-0000-0000-0000-000000000099")

	_, err := New([]uuid.UUID{a, b}, other)
	require.Error(t, err)
}

func TestNewRejectsDuplicates(t *testing.T) {
	a := mustUUID(t, "00000000-0000-0000-0000-000000000001")
	_, err := New([]uuid.UUID{a, a}, a)
	require.Error(t, err)
}

func TestLeaderIsHighestUUID(t *testing.T) {
	a := mustUUID(t, "00000000-0000-0000-0000-000000000001")
	b := mustUUID(t, "00000000-0000-0000-0000-000000000002")
	c := mustUUID(t, "00000000-0000-0000-0000-000000000003")

	r, err := New([]uuid.UUID{c, b, a}, a)
	require.NoError(t, err)
	require.Equal(t, c, r.Leader())
	require.False(t, r.IsLeader())

	rLeader, err := New([]uuid.UUID{c, b, a}, c)
	require.NoError(t, err)
	require.True(t, rLeader.IsLeader())
}

func TestNextPrevWrapAround(t *testing.T) {
	a := mustUUID(t, "00000000-0000-0000-0000-000000000001")
	b := mustUUID(t, "00000000-0000-0000-0000-000000000002")
	c := mustUUID(t, "00000000-0000-0000-0000-000000000003")

	r, err := New([]uuid.UUID{a, b, c}, c)
	require.NoError(t, err)
	require.Equal(t, a, r.Next()) // wraps past the end
	require.Equal(t, b, r.Prev())

	rFirst, err := New([]uuid.UUID{a, b, c}, a)
	require.NoError(t, err)
	require.Equal(t, b, rFirst.Next())
	require.Equal(t, c, rFirst.Prev()) // wraps before the start
}

func TestNextFromArbitraryMember(t *testing.T) {
	a := mustUUID(t, "00000000-0000-0000-0000-000000000001")
	b := mustUUID(t, "00000000-0000-0000-0000-000000000002")
	c := mustUUID(t, "00000000-0000-0000-0000-000000000003")

	r, err := New([]uuid.UUID{a, b, c}, a)
	require.NoError(t, err)

	next, err := r.NextFrom(b)
	require.NoError(t, err)
	require.Equal(t, c, next)

	_, err = r.NextFrom(mustUUID(t, "00000000-0000-0000-0000-000000000099"))
	require.Error(t, err)
}

func TestSingleParticipantRing(t *testing.T) {
	a := mustUUID(t, "00000000-0000-0000-0000-000000000001")
	r, err := New([]uuid.UUID{a}, a)
	require.NoError(t, err)
	require.True(t, r.IsLeader())
	require.Equal(t, a, r.Next())
	require.Equal(t, a, r.Prev())
}

package bufpool

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGetPutSizeClasses(t *testing.T) {
	b := Get(100)
	require.Len(t, b.Bytes, 100)
	Put(b)
	require.Nil(t, b.Bytes)
}

func TestGetOversized(t *testing.T) {
	b := Get(ClassLarge + 1)
	require.Len(t, b.Bytes, ClassLarge+1)
	require.Equal(t, -1, b.class)
	Put(b) // no-op, must not panic
}

func TestPutNilSafe(t *testing.T) {
	Put(nil)
}

package ddos

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestConnLimiterEnforcesPerIPCap(t *testing.T) {
	c := NewConnLimiter(100, 2)
	require.True(t, c.TryAcquire("10.0.0.1"))
	require.True(t, c.TryAcquire("10.0.0.1"))
	require.False(t, c.TryAcquire("10.0.0.1"))

	c.Release("10.0.0.1")
	require.True(t, c.TryAcquire("10.0.0.1"))
}

func TestConnLimiterEnforcesGlobalCap(t *testing.T) {
	c := NewConnLimiter(1, 10)
	require.True(t, c.TryAcquire("10.0.0.1"))
	require.False(t, c.TryAcquire("10.0.0.2"))
	require.Equal(t, int64(1), c.GlobalCount())

	c.Release("10.0.0.1")
	require.True(t, c.TryAcquire("10.0.0.2"))
}

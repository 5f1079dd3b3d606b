package registry

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/secbeat/fleet/internal/events"
	"github.com/secbeat/fleet/internal/ids"
)

func TestObserveTwiceLeavesExactlyLatest(t *testing.T) {
	r := New(time.Hour)
	defer r.Close()

	node := ids.NewNodeId()
	r.Observe(events.Heartbeat{NodeId: node, Status: events.StatusHealthy, CPUPercent: 0.1})
	r.Observe(events.Heartbeat{NodeId: node, Status: events.StatusHealthy, CPUPercent: 0.2})

	require.Equal(t, 1, r.Len())
	entry, ok := r.Get(node)
	require.True(t, ok)
	require.Equal(t, 0.2, entry.Heartbeat.CPUPercent)
	require.False(t, entry.Unhealthy)
}

func TestSilenceMarksUnhealthyThenEvicts(t *testing.T) {
	r := New(5 * time.Millisecond)
	defer r.Close()

	node := ids.NewNodeId()
	r.Observe(events.Heartbeat{NodeId: node, Status: events.StatusHealthy})

	require.Eventually(t, func() bool {
		entry, ok := r.Get(node)
		return ok && entry.Unhealthy
	}, time.Second, 10*time.Millisecond, "entry should become unhealthy after 3H of silence")

	require.Eventually(t, func() bool {
		_, ok := r.Get(node)
		return !ok
	}, time.Second, 10*time.Millisecond, "entry should be evicted after 10H of silence")
}

func TestCallbacksFireOnceOnUnhealthyThenEviction(t *testing.T) {
	r := New(5 * time.Millisecond)
	defer r.Close()

	var unhealthyCount, evictedCount atomic.Int64
	node := ids.NewNodeId()
	r.OnUnhealthy(func(id ids.NodeId) {
		require.Equal(t, node, id)
		unhealthyCount.Add(1)
	})
	r.OnEvicted(func(id ids.NodeId) {
		require.Equal(t, node, id)
		evictedCount.Add(1)
	})

	r.Observe(events.Heartbeat{NodeId: node, Status: events.StatusHealthy})

	require.Eventually(t, func() bool {
		return evictedCount.Load() == 1
	}, time.Second, 10*time.Millisecond)

	require.Equal(t, int64(1), unhealthyCount.Load(), "unhealthy callback must fire exactly once, not on every sweep tick")
}

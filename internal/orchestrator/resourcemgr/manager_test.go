package resourcemgr

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/secbeat/fleet/internal/events"
	"github.com/secbeat/fleet/internal/ids"
	"github.com/secbeat/fleet/internal/orchestrator/registry"
)

type fakeTerminator struct {
	mu    sync.Mutex
	calls []ids.NodeId
}

func (f *fakeTerminator) Terminate(ctx context.Context, node ids.NodeId, reason string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, node)
	return nil
}

func (f *fakeTerminator) calledWith() []ids.NodeId {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ids.NodeId(nil), f.calls...)
}

func seedRegistry(t *testing.T, reg *registry.Registry, cpus ...float64) []ids.NodeId {
	t.Helper()
	nodes := make([]ids.NodeId, len(cpus))
	for i, cpu := range cpus {
		nodes[i] = ids.NewNodeId()
		reg.Observe(events.Heartbeat{
			NodeId:            nodes[i],
			CPUPercent:        cpu,
			ActiveConnections: int64(i),
		})
	}
	return nodes
}

func TestScaleUpFiresWebhookAfterStreak(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := registry.New(time.Hour)
	defer reg.Close()
	seedRegistry(t, reg, 0.9, 0.95)

	terminator := &fakeTerminator{}
	m := New(Config{ProvisioningWebhookURL: srv.URL, ScaleUpStreakRequired: 2}, reg, terminator)

	m.checkOnce()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(0), hits.Load(), "must not fire before the streak requirement is met")

	m.checkOnce()
	require.Eventually(t, func() bool {
		return hits.Load() == 1
	}, time.Second, 10*time.Millisecond, "must fire once the streak requirement is met")

	m.notifier.Shutdown()
}

func TestScaleDownTerminatesNodeWithFewestConnections(t *testing.T) {
	reg := registry.New(time.Hour)
	defer reg.Close()
	nodes := seedRegistry(t, reg, 0.1, 0.1, 0.1)

	terminator := &fakeTerminator{}
	m := New(Config{
		ScaleDownStreakRequired: 3,
		MinFleetSize:            1,
	}, reg, terminator)

	for i := 0; i < 3; i++ {
		m.checkOnce()
	}

	calls := terminator.calledWith()
	require.Len(t, calls, 1)
	require.Equal(t, nodes[0], calls[0], "node 0 was seeded with the fewest active connections")
}

func TestScaleDownSkippedWhenFleetAtMinimum(t *testing.T) {
	reg := registry.New(time.Hour)
	defer reg.Close()
	seedRegistry(t, reg, 0.1)

	terminator := &fakeTerminator{}
	m := New(Config{ScaleDownStreakRequired: 1, MinFleetSize: 1}, reg, terminator)
	m.checkOnce()

	require.Empty(t, terminator.calledWith())
}

func TestStreakResetsWhenConditionStopsHolding(t *testing.T) {
	reg := registry.New(time.Hour)
	defer reg.Close()
	seedRegistry(t, reg, 0.9)

	terminator := &fakeTerminator{}
	m := New(Config{ScaleUpStreakRequired: 2}, reg, terminator)
	m.checkOnce()
	require.Equal(t, 1, m.scaleUpStreak)

	reg.Observe(events.Heartbeat{NodeId: ids.NewNodeId(), CPUPercent: 0.5})
	m.checkOnce()
	require.Equal(t, 0, m.scaleUpStreak, "streak must reset once average CPU falls back into the neutral band")
}

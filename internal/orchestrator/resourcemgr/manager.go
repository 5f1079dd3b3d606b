// Package resourcemgr implements the orchestrator's Resource Manager: a
// periodic CPU-hysteresis loop over the Node Registry that requests
// fleet scale-up via a provisioning webhook and scale-down via a node's
// Management API.
package resourcemgr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/secbeat/fleet/internal/ids"
	"github.com/secbeat/fleet/internal/orchestrator/registry"
	"github.com/secbeat/fleet/internal/webhooks"
)

// NodeTerminator issues a graceful termination command to one node's
// Management API. pkg/mgmtclient.Directory satisfies this by routing to
// the mgmtclient.Client registered for the node id.
type NodeTerminator interface {
	Terminate(ctx context.Context, node ids.NodeId, reason string, gracePeriod time.Duration) error
}

// Config bundles the Resource Manager's construction parameters.
type Config struct {
	ScalingCheckInterval    time.Duration // default 60s
	ScaleUpCPUThreshold     float64       // default 0.80
	ScaleDownCPUThreshold   float64       // default 0.30
	ScaleUpStreakRequired   int           // default 2
	ScaleDownStreakRequired int           // default 5
	MinFleetSize            int
	ProvisioningWebhookURL  string
	TerminationGrace        time.Duration // default 30s
}

func (c *Config) applyDefaults() {
	if c.ScalingCheckInterval <= 0 {
		c.ScalingCheckInterval = 60 * time.Second
	}
	if c.ScaleUpCPUThreshold <= 0 {
		c.ScaleUpCPUThreshold = 0.80
	}
	if c.ScaleDownCPUThreshold <= 0 {
		c.ScaleDownCPUThreshold = 0.30
	}
	if c.ScaleUpStreakRequired <= 0 {
		c.ScaleUpStreakRequired = 2
	}
	if c.ScaleDownStreakRequired <= 0 {
		c.ScaleDownStreakRequired = 5
	}
	if c.TerminationGrace <= 0 {
		c.TerminationGrace = 30 * time.Second
	}
}

// Manager runs the scaling-check loop.
type Manager struct {
	cfg        Config
	registry   *registry.Registry
	terminator NodeTerminator
	notifier   *webhooks.Notifier

	mu              sync.Mutex
	scaleUpStreak   int
	scaleDownStreak int

	stop chan struct{}
	done chan struct{}
}

// New builds a Manager. It does not start its loop until Start is called.
func New(cfg Config, reg *registry.Registry, terminator NodeTerminator) *Manager {
	cfg.applyDefaults()
	return &Manager{
		cfg:        cfg,
		registry:   reg,
		terminator: terminator,
		notifier:   webhooks.NewNotifier(cfg.ProvisioningWebhookURL, 2),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start runs the scaling-check loop until Drain is called.
func (m *Manager) Start() {
	go m.loop()
}

// Drain stops the scaling-check loop and the provisioning notifier. It
// satisfies nodelifecycle.Drainer even though, unlike data-plane
// components, the Resource Manager has no in-flight connections to wait
// out.
func (m *Manager) Drain() {
	close(m.stop)
	<-m.done
	m.notifier.Shutdown()
}

func (m *Manager) loop() {
	defer close(m.done)
	ticker := time.NewTicker(m.cfg.ScalingCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.checkOnce()
		}
	}
}

func (m *Manager) checkOnce() {
	entries := m.registry.Snapshot()
	if len(entries) == 0 {
		return
	}

	var totalCPU float64
	for _, e := range entries {
		totalCPU += e.Heartbeat.CPUPercent
	}
	avgCPU := totalCPU / float64(len(entries))

	m.mu.Lock()
	defer m.mu.Unlock()

	if avgCPU > m.cfg.ScaleUpCPUThreshold {
		m.scaleUpStreak++
		m.scaleDownStreak = 0
		if m.scaleUpStreak >= m.cfg.ScaleUpStreakRequired {
			m.requestScaleUp(avgCPU)
		}
		return
	}

	if avgCPU < m.cfg.ScaleDownCPUThreshold {
		m.scaleDownStreak++
		m.scaleUpStreak = 0
		if m.scaleDownStreak >= m.cfg.ScaleDownStreakRequired && len(entries) > m.cfg.MinFleetSize {
			m.requestScaleDown(entries)
		}
		return
	}

	m.scaleUpStreak = 0
	m.scaleDownStreak = 0
}

func (m *Manager) requestScaleUp(avgCPU float64) {
	m.notifier.Emit(webhooks.Event{
		Reason:    "cpu_high",
		Timestamp: time.Now().UTC(),
		Data: map[string]any{
			"avg_cpu_percent": avgCPU,
		},
	})
}

func (m *Manager) requestScaleDown(entries []registry.Entry) {
	fewest := entries[0]
	for _, e := range entries[1:] {
		if e.Heartbeat.ActiveConnections < fewest.Heartbeat.ActiveConnections {
			fewest = e
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.terminator.Terminate(ctx, fewest.NodeId, "fleet scale-down", m.cfg.TerminationGrace); err != nil {
		slog.Warn("resourcemgr: scale-down termination call failed", "node", fewest.NodeId, "err", err)
		return
	}
	slog.Info("resourcemgr: scale-down terminated node", "node", fewest.NodeId)
}

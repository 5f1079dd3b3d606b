// Command orchestrator runs the fleet control plane: it consumes node
// heartbeats and telemetry off the shared event bus, tracks fleet health in
// the Node Registry, fires behavioral block rules, drives scale-up/down
// decisions via the Resource Manager, and streams live fleet status to
// connected dashboards, per sections 4.9-4.11 of the spec.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/secbeat/fleet/internal/config"
	"github.com/secbeat/fleet/internal/events"
	"github.com/secbeat/fleet/internal/fleeterr"
	"github.com/secbeat/fleet/internal/identity"
	"github.com/secbeat/fleet/internal/ids"
	"github.com/secbeat/fleet/internal/orchestrator/behavioral"
	"github.com/secbeat/fleet/internal/orchestrator/registry"
	"github.com/secbeat/fleet/internal/orchestrator/resourcemgr"
	"github.com/secbeat/fleet/internal/orchestrator/rulepublisher"
	"github.com/secbeat/fleet/internal/websocket"
	"github.com/secbeat/fleet/pkg/mgmtclient"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		kind, _ := fleeterr.KindOf(err)
		slog.Error("orchestrator: startup failed", "err", err, "kind", kind)
		os.Exit(1)
	}
}

func run() error {
	configPath := os.Getenv("SECBEAT_CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}
	cfgManager, err := config.NewManager(configPath)
	if err != nil {
		return fleeterr.Wrap(fleeterr.ConfigInvalid, "load config", err)
	}
	cfg := cfgManager.Current()

	instanceID := os.Getenv("SECBEAT_ORCHESTRATOR_INSTANCE_ID")
	if instanceID == "" {
		instanceID = "primary"
	}
	slog.Info("orchestrator: starting", "instance_id", instanceID)

	eventClient := events.NewClient(events.Config{
		ProjectID:         cfg.Events.ProjectID,
		NodeID:            ids.NewNodeId(),
		PublishTimeout:    time.Duration(cfg.Events.PublishTimeoutSec) * time.Second,
		QueueDepth:        cfg.Events.QueueDepth,
		HeartbeatInterval: time.Duration(cfg.Events.HeartbeatIntervalSec) * time.Second,
		FanIn:             true,
	})
	defer eventClient.Close()

	var nodeIdentity *identity.NodeIdentity
	if cfg.Events.MTLSEnabled {
		nodeIdentity, err = identity.New(cfg.Events.SpiffeSocketPath)
		if err != nil {
			return fleeterr.Wrap(fleeterr.CertLoadFailed, "connect to spire workload api", err)
		}
		defer nodeIdentity.Close()
	}

	heartbeatInterval := time.Duration(cfg.Events.HeartbeatIntervalSec) * time.Second
	reg := registry.New(heartbeatInterval)
	defer reg.Close()

	directory := mgmtclient.NewDirectory()

	streamer := websocket.NewFleetStreamer()
	streamerStop := make(chan struct{})
	go streamer.Run(streamerStop)
	defer close(streamerStop)

	reg.OnUnhealthy(func(node ids.NodeId) {
		slog.Warn("orchestrator: node unhealthy", "node_id", node.String())
		streamer.StreamNodeUnhealthy(node.String())
	})
	reg.OnEvicted(func(node ids.NodeId) {
		slog.Warn("orchestrator: node evicted", "node_id", node.String())
		streamer.StreamNodeEvicted(node.String())
		directory.Remove(node)
	})

	blockEmitter := &streamingPublisher{
		publisher: rulepublisher.New(eventClient),
		streamer:  streamer,
	}
	expert := behavioral.New(behavioral.Config{
		WindowWidth: time.Duration(cfg.Orchestrator.BehavioralWindowSec) * time.Second,
		BucketWidth: time.Duration(cfg.Orchestrator.BehavioralBucketSec) * time.Second,
		Rules:       behavioral.DefaultRules(),
	}, blockEmitter)

	eventClient.OnTelemetry(func(_ context.Context, ev events.TelemetryEvent) {
		if err := expert.Observe(ev); err != nil {
			slog.Warn("orchestrator: behavioral expert observe failed", "err", err)
		}
	})

	eventClient.OnHeartbeat(func(_ context.Context, hb events.Heartbeat) {
		reg.Observe(hb)
		streamer.StreamHeartbeat(hb)
		registerNode(directory, hb, cfg.Management.BearerToken, nodeIdentity, cfg.Events.TrustDomain)
	})

	resourceManager := resourcemgr.New(resourcemgr.Config{
		ScalingCheckInterval:    time.Duration(cfg.Orchestrator.ScalingCheckIntervalSec) * time.Second,
		ScaleUpCPUThreshold:     cfg.Orchestrator.ScaleUpCPUThreshold,
		ScaleDownCPUThreshold:   cfg.Orchestrator.ScaleDownCPUThreshold,
		ScaleUpStreakRequired:   cfg.Orchestrator.ScaleUpStreakRequired,
		ScaleDownStreakRequired: cfg.Orchestrator.ScaleDownStreakRequired,
		MinFleetSize:            cfg.Orchestrator.MinFleetSize,
		ProvisioningWebhookURL:  cfg.Orchestrator.ProvisioningWebhookURL,
		TerminationGrace:        time.Duration(cfg.Orchestrator.TerminationGraceSec) * time.Second,
	}, reg, directory)
	resourceManager.Start()
	defer resourceManager.Drain()

	mux := http.NewServeMux()
	mux.HandleFunc("/ws/fleet", streamer.HandleWebSocket)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	dashboardServer := &http.Server{
		Addr:    cfg.Orchestrator.DashboardBindAddr,
		Handler: mux,
	}
	go func() {
		if err := dashboardServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("orchestrator: dashboard server failed", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for sig := range sigCh {
		if sig == syscall.SIGHUP {
			if err := cfgManager.Reload(""); err != nil {
				slog.Warn("orchestrator: config reload failed, keeping previous config", "err", err)
			} else {
				slog.Info("orchestrator: config reloaded")
			}
			continue
		}
		slog.Info("orchestrator: received shutdown signal", "signal", sig.String())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = dashboardServer.Shutdown(shutdownCtx)
		cancel()
		return nil
	}
	return nil
}

// registerNode lazily builds a mgmtclient.Client for a node the orchestrator
// hasn't seen before, using the management address it advertises in its own
// heartbeat as the fleet's only node-discovery channel.
func registerNode(directory *mgmtclient.Directory, hb events.Heartbeat, token string, nodeIdentity *identity.NodeIdentity, trustDomain string) {
	if hb.ManagementAddr == "" {
		return
	}
	clientCfg := mgmtclient.Config{BaseURL: hb.ManagementAddr, Token: token}
	if nodeIdentity != nil {
		clientCfg.Transport = &http.Transport{
			TLSClientConfig: nodeIdentity.ClientTLSConfig(trustDomain, hb.NodeId),
		}
	}
	directory.Set(hb.NodeId, mgmtclient.New(clientCfg))
}

// streamingPublisher publishes a BlockCommand through the event bus and
// mirrors it to the dashboard stream, so a published command shows up on
// secbeat.commands.block and in the live fleet-status feed at once.
type streamingPublisher struct {
	publisher *rulepublisher.Publisher
	streamer  *websocket.FleetStreamer
}

func (p *streamingPublisher) PublishBlockCommand(cmd events.BlockCommand) error {
	if err := p.publisher.PublishBlockCommand(cmd); err != nil {
		return err
	}
	p.streamer.StreamBlockCommand(cmd)
	return nil
}

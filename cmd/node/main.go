// Command node runs one mitigation node: ingress listener, optional SYN
// proxy and TLS terminator, HTTP proxy core, WAF engine, DDoS controller,
// event client, and local Management API, wired together per section 4 of
// the spec and driven by a nodelifecycle.Manager state machine.
package main

import (
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/secbeat/fleet/internal/config"
	"github.com/secbeat/fleet/internal/ddos"
	"github.com/secbeat/fleet/internal/events"
	"github.com/secbeat/fleet/internal/fleeterr"
	"github.com/secbeat/fleet/internal/httpproxy"
	"github.com/secbeat/fleet/internal/identity"
	"github.com/secbeat/fleet/internal/ids"
	"github.com/secbeat/fleet/internal/ingress"
	"github.com/secbeat/fleet/internal/management"
	"github.com/secbeat/fleet/internal/metrics"
	"github.com/secbeat/fleet/internal/nodelifecycle"
	"github.com/secbeat/fleet/internal/synproxy"
	"github.com/secbeat/fleet/internal/tlsterm"
	"github.com/secbeat/fleet/internal/waf"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := run(); err != nil {
		kind, _ := fleeterr.KindOf(err)
		slog.Error("node: startup failed", "err", err, "kind", kind)
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

	nodeID := ids.NewNodeId()
	slog.Info("node: starting", "node_id", nodeID.String(), "platform_mode", cfg.Platform.Mode)

	m := metrics.New()

	wafEngine := waf.NewEngine()
	wafEngine.SetMetrics(m)
	if cfg.Waf.RulesPath != "" {
		if err := wafEngine.LoadFile(cfg.Waf.RulesPath, cfg.Waf.RulesFormat); err != nil {
			slog.Warn("node: initial waf rule load failed, starting with empty rule set", "err", err)
		}
	}

	ddosController := ddos.NewController(ddos.Config{
		StaticBlacklist:     cfg.DDoS.Blacklist.StaticBlacklist,
		StaticWhitelist:     cfg.DDoS.Blacklist.StaticWhitelist,
		GlobalConnMax:       int64(cfg.Network.MaxGlobalConnections),
		PerIPConnMax:        int64(cfg.Network.MaxConnectionsPerIP),
		RequestsPerSecond:   cfg.DDoS.RateLimiting.RequestsPerSecond,
		BurstSize:           cfg.DDoS.RateLimiting.BurstSize,
		MaxRateLimitBuckets: cfg.DDoS.RateLimiting.MaxBuckets,
	})
	ddosController.SetMetrics(m)

	eventClient := events.NewClient(events.Config{
		ProjectID:         cfg.Events.ProjectID,
		NodeID:            nodeID,
		PublishTimeout:    time.Duration(cfg.Events.PublishTimeoutSec) * time.Second,
		QueueDepth:        cfg.Events.QueueDepth,
		HeartbeatInterval: time.Duration(cfg.Events.HeartbeatIntervalSec) * time.Second,
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

	httpproxyCfg := httpproxy.Config{
		MaxRequestSize: 10 << 20,
	}
	origin := os.Getenv("SECBEAT_ORIGIN_URL")
	if origin == "" {
		origin = "http://127.0.0.1:8080"
	}
	originURL, err := url.Parse(origin)
	if err != nil {
		return fleeterr.Wrap(fleeterr.ConfigInvalid, "parse SECBEAT_ORIGIN_URL", err)
	}
	httpproxyCfg.Origin = originURL

	proxy := httpproxy.New(httpproxyCfg, nodeID, wafEngine, ddosController, eventClient)

	var terminator *tlsterm.Terminator
	if cfg.TLS.Enabled {
		certFile := os.Getenv("SECBEAT_TLS_CERT_FILE")
		keyFile := os.Getenv("SECBEAT_TLS_KEY_FILE")
		cert, certErr := tls.LoadX509KeyPair(certFile, keyFile)
		if certErr != nil {
			return fleeterr.Wrap(fleeterr.CertLoadFailed, "load tls certificate", certErr)
		}
		terminator = tlsterm.New(tlsterm.Options{
			Certificates:          []tls.Certificate{cert},
			ALPNProtocols:         cfg.TLS.ALPNProtocols,
			HandshakeTimeout:      time.Duration(cfg.TLS.HandshakeTimeoutSec) * time.Second,
			SessionTicketsEnabled: cfg.TLS.SessionTicketsEnabled,
		})
	}

	synProxy := synproxy.NewProxy(cfg.SynProxy.Interface, cfg.Platform.Mode, time.Duration(cfg.SynProxy.CookieTimeoutSec)*time.Second)
	synProxy.SetMetrics(m)
	if cfg.SynProxy.Enabled {
		if err := synProxy.Start(); err != nil {
			return err
		}
		defer synProxy.Close()
	}

	handler := buildConnHandler(terminator, proxy)

	listener, err := ingress.New(ingress.Config{
		BindAddr:   cfg.Network.BindAddr,
		DrainGrace: time.Duration(cfg.Network.GracePeriodSec) * time.Second,
	}, ddosController, handler)
	if err != nil {
		return fleeterr.Wrap(fleeterr.ConfigInvalid, "bind ingress listener", err)
	}

	lifecycle := nodelifecycle.New(listener)

	mgmtServer := management.New(cfg.Management.BearerToken, lifecycle, wafEngine, ddosController, m)
	mgmtHTTPServer := &http.Server{
		Addr:    cfg.Management.BindAddr,
		Handler: mgmtServer,
	}
	if nodeIdentity != nil {
		mgmtHTTPServer.TLSConfig = nodeIdentity.ServerTLSConfig(cfg.Events.TrustDomain, "primary")
	}

	ctx, cancel := context.WithCancel(context.Background())
	lifecycle.OnTerminate(cancel)

	go func() {
		var serveErr error
		if mgmtHTTPServer.TLSConfig != nil {
			serveErr = mgmtHTTPServer.ListenAndServeTLS("", "")
		} else {
			serveErr = mgmtHTTPServer.ListenAndServe()
		}
		if serveErr != nil && serveErr != http.ErrServerClosed {
			slog.Error("node: management api server failed", "err", serveErr)
		}
	}()

	go func() {
		if err := listener.Serve(); err != nil {
			slog.Error("node: ingress listener stopped with error", "err", err)
		}
	}()

	managementAddr := os.Getenv("SECBEAT_ADVERTISE_MANAGEMENT_ADDR")
	if managementAddr == "" {
		scheme := "http"
		if nodeIdentity != nil {
			scheme = "https"
		}
		managementAddr = scheme + "://" + cfg.Management.BindAddr
	}
	go heartbeatLoop(ctx, nodeID, eventClient, lifecycle, listener, managementAddr, time.Duration(cfg.Events.HeartbeatIntervalSec)*time.Second)

	eventClient.OnBlockCommand(func(_ context.Context, cmd events.BlockCommand) {
		if err := ddosController.Block(cmd.Target, cmd.Reason, time.Duration(cmd.TTLSeconds)*time.Second); err != nil {
			slog.Warn("node: failed to apply block command", "target", cmd.Target, "err", err)
		}
	})

	lifecycle.MarkHealthy()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if err := cfgManager.Reload(""); err != nil {
					slog.Warn("node: config reload failed, keeping previous config", "err", err)
				} else {
					slog.Info("node: config reloaded")
				}
				continue
			}
			slog.Info("node: received shutdown signal", "signal", sig.String())
			lifecycle.Terminate(sig.String(), time.Duration(cfg.Network.GracePeriodSec)*time.Second)
		case <-ctx.Done():
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = mgmtHTTPServer.Shutdown(shutdownCtx)
			shutdownCancel()
			slog.Info("node: terminated cleanly")
			return nil
		}
	}
}

// buildConnHandler adapts the TLS terminator (when present) and HTTP proxy
// core into the ingress.Handler a single accepted connection is dispatched
// to: handshake (if TLS is enabled) then serve HTTP/1.1 over the result.
func buildConnHandler(terminator *tlsterm.Terminator, proxy *httpproxy.Proxy) ingress.Handler {
	return func(conn net.Conn) {
		var httpConn net.Conn = conn
		if terminator != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			tlsConn, err := terminator.Handshake(ctx, conn)
			cancel()
			if err != nil {
				slog.Warn("node: tls handshake failed", "err", err)
				return
			}
			httpConn = tlsConn
		}

		singleConnListener := &oneShotListener{conn: httpConn}
		connDone := make(chan struct{})
		srv := &http.Server{
			Handler: proxy,
			ConnState: func(_ net.Conn, state http.ConnState) {
				if state == http.StateClosed || state == http.StateHijacked {
					close(connDone)
				}
			},
		}
		// Serve returns as soon as the second Accept fails; wait for the
		// server to finish with the connection before handing it back.
		_ = srv.Serve(singleConnListener)
		<-connDone
	}
}

// oneShotListener adapts a single already-accepted net.Conn into a
// net.Listener that yields it exactly once, so the standard library's
// http.Server can drive request parsing and keep-alive over a connection
// the ingress listener already accepted and admitted.
type oneShotListener struct {
	conn net.Conn
	done bool
}

func (l *oneShotListener) Accept() (net.Conn, error) {
	if l.done {
		return nil, net.ErrClosed
	}
	l.done = true
	return l.conn, nil
}

func (l *oneShotListener) Close() error   { return nil }
func (l *oneShotListener) Addr() net.Addr { return l.conn.LocalAddr() }

func heartbeatLoop(ctx context.Context, nodeID ids.NodeId, client *events.Client, lifecycle *nodelifecycle.Manager, listener *ingress.Listener, managementAddr string, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			client.PublishHeartbeat(events.Heartbeat{
				NodeId:            nodeID,
				Status:            statusOf(lifecycle.State()),
				ActiveConnections: int64(listener.ActiveConns()),
				TimestampUnixNano: time.Now().UnixNano(),
				ManagementAddr:    managementAddr,
			})
		}
	}
}

func statusOf(s nodelifecycle.State) events.NodeStatus {
	switch s {
	case nodelifecycle.Healthy:
		return events.StatusHealthy
	case nodelifecycle.Degraded:
		return events.StatusDegraded
	case nodelifecycle.Draining:
		return events.StatusDraining
	case nodelifecycle.Terminating:
		return events.StatusTerminating
	default:
		return events.StatusDegraded
	}
}

// Package httpproxy implements the HTTP Proxy Core: request parsing and
// size limits, WAF invocation, pooled origin connections behind a circuit
// breaker, standard forwarding headers, and telemetry emission, per
// section 4.4 of the spec.
package httpproxy

import (
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/httputil"
	"net/netip"
	"net/url"
	"time"

	"github.com/secbeat/fleet/internal/circuitbreaker"
	"github.com/secbeat/fleet/internal/ddos"
	"github.com/secbeat/fleet/internal/events"
	"github.com/secbeat/fleet/internal/fleeterr"
	"github.com/secbeat/fleet/internal/ids"
	"github.com/secbeat/fleet/internal/waf"
)

// TelemetryPublisher is the subset of the Event Client the proxy core
// needs, kept as an interface so tests can substitute a recorder.
type TelemetryPublisher interface {
	PublishTelemetry(ev events.TelemetryEvent)
}

// Config bundles per-phase timeouts and limits. Proxy applies
// MaxRequestSize and the two origin timeouts; ReadHeaderTimeout and
// ReadBodyTimeout are defaulted but not applied by Proxy.
type Config struct {
	Origin *url.URL

	MaxRequestSize        int64
	ReadHeaderTimeout     time.Duration
	ReadBodyTimeout       time.Duration
	OriginConnectTimeout  time.Duration
	OriginResponseTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxRequestSize <= 0 {
		c.MaxRequestSize = 10 << 20 // 10MiB
	}
	if c.ReadHeaderTimeout <= 0 {
		c.ReadHeaderTimeout = 5 * time.Second
	}
	if c.ReadBodyTimeout <= 0 {
		c.ReadBodyTimeout = 30 * time.Second
	}
	if c.OriginConnectTimeout <= 0 {
		c.OriginConnectTimeout = 5 * time.Second
	}
	if c.OriginResponseTimeout <= 0 {
		c.OriginResponseTimeout = 30 * time.Second
	}
}

// Proxy is the http.Handler the TLS terminator's (or plain-TCP) listener
// hands requests to.
type Proxy struct {
	cfg       Config
	nodeID    ids.NodeId
	waf       *waf.Engine
	ddos      *ddos.Controller
	telemetry TelemetryPublisher
	breaker   *circuitbreaker.CircuitBreaker
	rp        *httputil.ReverseProxy
}

// New builds a Proxy targeting cfg.Origin.
func New(cfg Config, nodeID ids.NodeId, wafEngine *waf.Engine, ddosController *ddos.Controller, telemetry TelemetryPublisher) *Proxy {
	cfg.applyDefaults()

	p := &Proxy{
		cfg:       cfg,
		nodeID:    nodeID,
		waf:       wafEngine,
		ddos:      ddosController,
		telemetry: telemetry,
		breaker:   circuitbreaker.New(circuitbreaker.DefaultConfig("origin:" + cfg.Origin.Host)),
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: cfg.OriginConnectTimeout,
		}).DialContext,
		ResponseHeaderTimeout: cfg.OriginResponseTimeout,
		MaxIdleConnsPerHost:   64,
		IdleConnTimeout:       90 * time.Second,
	}

	rp := httputil.NewSingleHostReverseProxy(cfg.Origin)
	rp.Transport = &breakerTransport{breaker: p.breaker, next: transport}
	rp.ErrorHandler = p.handleOriginError
	rp.ModifyResponse = p.recordResponseTelemetry
	p.rp = rp

	return p
}

// ServeHTTP enforces the request size limit, consults the DDoS controller
// and WAF engine, and — only if both admit the request — forwards it to
// the origin.
func (p *Proxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	clientAddr, ok := clientAddrOf(r)
	if !ok {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}

	switch p.ddos.CheckRequest(clientAddr) {
	case ddos.RequestDeniedBlocklist:
		p.recordBlock(clientAddr, events.TelemetryConn)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("blocked"))
		return
	case ddos.RequestDeniedRateLimit:
		p.recordBlock(clientAddr, events.TelemetryRateLimit)
		w.Header().Set("Retry-After", "1")
		w.WriteHeader(http.StatusTooManyRequests)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, p.cfg.MaxRequestSize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		p.recordError(clientAddr, http.StatusRequestEntityTooLarge)
		w.WriteHeader(http.StatusRequestEntityTooLarge)
		return
	}
	r.Body = io.NopCloser(byteReader(body))
	r.ContentLength = int64(len(body))

	decision := p.waf.Evaluate(r, body)
	if decision.Blocked {
		p.recordBlock(clientAddr, events.TelemetryWafBlock)
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("blocked"))
		return
	}

	setForwardingHeaders(r, clientAddr)
	p.rp.ServeHTTP(w, r)
}

func (p *Proxy) handleOriginError(w http.ResponseWriter, r *http.Request, err error) {
	clientAddr, _ := clientAddrOf(r)
	slog.Warn("httpproxy: origin request failed", "err", fleeterr.Wrap(fleeterr.OriginUnavailable, "origin request failed", err))
	p.recordError(clientAddr, http.StatusBadGateway)
	w.WriteHeader(http.StatusBadGateway)
}

func (p *Proxy) recordResponseTelemetry(resp *http.Response) error {
	clientAddr, _ := clientAddrOf(resp.Request)
	if resp.StatusCode >= 400 {
		p.recordError(clientAddr, resp.StatusCode)
	}
	return nil
}

func (p *Proxy) recordError(addr netip.Addr, status int) {
	kind := events.TelemetryError4xx
	if status >= 500 {
		kind = events.TelemetryError5xx
	}
	p.recordBlock(addr, kind)
}

func (p *Proxy) recordBlock(addr netip.Addr, kind events.TelemetryKind) {
	if p.telemetry == nil {
		return
	}
	p.telemetry.PublishTelemetry(events.TelemetryEvent{
		NodeId:            p.nodeID,
		ClientIP:          addr.String(),
		Kind:              kind,
		TimestampUnixNano: time.Now().UnixNano(),
	})
}

func clientAddrOf(r *http.Request) (netip.Addr, bool) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return netip.Addr{}, false
	}
	return addr, true
}

func setForwardingHeaders(r *http.Request, clientAddr netip.Addr) {
	r.Header.Set("X-Forwarded-For", clientAddr.String())
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	r.Header.Set("X-Forwarded-Proto", scheme)
}

func byteReader(b []byte) *nopByteReader {
	return &nopByteReader{b: b}
}

// nopByteReader is a minimal io.Reader over an in-memory buffer, used to
// re-wrap a request body after it has already been fully read for WAF body
// inspection and the max-size check.
type nopByteReader struct {
	b   []byte
	pos int
}

func (n *nopByteReader) Read(p []byte) (int, error) {
	if n.pos >= len(n.b) {
		return 0, io.EOF
	}
	c := copy(p, n.b[n.pos:])
	n.pos += c
	return c, nil
}

// Package tlsterm terminates client-facing TLS, per section 4.3 of the
// spec: TLS 1.2/1.3, configurable handshake timeout, SNI/ALPN capture, and
// process-local session resumption tickets.
package tlsterm

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/secbeat/fleet/internal/fleeterr"
)

// Conn is the result of a successful handshake: a net.Conn plus the
// negotiated ALPN protocol and the client's SNI host name.
type Conn struct {
	net.Conn
	NegotiatedProto string
	ServerName      string
}

// Terminator wraps a *tls.Config and enforces a handshake deadline.
type Terminator struct {
	cfg               *tls.Config
	handshakeTimeout  time.Duration
	handshakeFailures atomic.Int64
}

// Options configures certificate material and handshake behavior. Cert
// loading itself is out of scope (section 1's non-goals): callers hand in
// an already-loaded tls.Certificate, typically read from disk once at
// startup by the process wiring code in cmd/node.
type Options struct {
	Certificates          []tls.Certificate
	ALPNProtocols         []string
	HandshakeTimeout      time.Duration
	SessionTicketsEnabled bool
}

// New builds a Terminator. It never touches the filesystem; CertLoadFailed
// is raised by the caller before Options even reaches here.
func New(opts Options) *Terminator {
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	cfg := &tls.Config{
		Certificates:           opts.Certificates,
		MinVersion:             tls.VersionTLS12,
		MaxVersion:             tls.VersionTLS13,
		NextProtos:             opts.ALPNProtocols,
		SessionTicketsDisabled: !opts.SessionTicketsEnabled,
	}
	return &Terminator{cfg: cfg, handshakeTimeout: opts.HandshakeTimeout}
}

// Handshake performs the TLS server handshake over raw within the
// configured timeout, returning the negotiated ALPN protocol and SNI.
// Handshake failures increment a counter rather than being logged at info
// level, per the spec; callers decide how (or whether) to surface them.
func (t *Terminator) Handshake(ctx context.Context, raw net.Conn) (*Conn, error) {
	tconn := tls.Server(raw, t.cfg)

	deadline := time.Now().Add(t.handshakeTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := tconn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("tlsterm: set deadline: %w", err)
	}

	if err := tconn.HandshakeContext(ctx); err != nil {
		t.handshakeFailures.Add(1)
		return nil, fleeterr.Wrap(fleeterr.HandshakeFailed, "tls handshake failed", err)
	}
	// Clear the handshake-only deadline; no read or write deadline is set
	// on the connection after this point.
	if err := tconn.SetDeadline(time.Time{}); err != nil {
		return nil, fmt.Errorf("tlsterm: clear deadline: %w", err)
	}

	state := tconn.ConnectionState()
	return &Conn{
		Conn:            tconn,
		NegotiatedProto: state.NegotiatedProtocol,
		ServerName:      state.ServerName,
	}, nil
}

// HandshakeFailures returns the running count of failed handshakes.
func (t *Terminator) HandshakeFailures() int64 {
	return t.handshakeFailures.Load()
}

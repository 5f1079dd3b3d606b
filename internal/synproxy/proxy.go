package synproxy

import (
	"crypto/rand"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/secbeat/fleet/internal/fleeterr"
	"github.com/secbeat/fleet/internal/metrics"
	"github.com/secbeat/fleet/internal/syncookie"
)

// Proxy is the stateless SYN proxy. On platforms/containers without raw
// socket access it degrades to a no-op (the ingress listener falls back to
// the regular net.Listener accept path) unless platform.mode == "syn", in
// which case missing capability is a fatal startup error.
type Proxy struct {
	iface      string
	mode       string
	cookies    *syncookie.Broker
	handshakes *syncookie.HandshakeStore

	enabled atomic.Bool
	conn    *ipv4.RawConn

	droppedSyns atomic.Int64
	issuedSyns  atomic.Int64
	stop        chan struct{}

	metrics *metrics.Registry
}

// SetMetrics attaches a metrics.Registry the Proxy increments on every
// drop (an ACK failing cookie validation or a SYN-ACK that could not be
// sent). Optional: a nil registry is a no-op.
func (p *Proxy) SetMetrics(m *metrics.Registry) {
	p.metrics = m
}

// NewProxy builds a Proxy. Call Start to probe capability and begin
// operation.
func NewProxy(iface, mode string, cookieTimeout time.Duration) *Proxy {
	return &Proxy{
		iface:      iface,
		mode:       mode,
		cookies:    syncookie.NewBroker(randomSecret(), time.Hour, 10*time.Minute),
		handshakes: syncookie.NewHandshakeStore(cookieTimeout),
		stop:       make(chan struct{}),
	}
}

func randomSecret() []byte {
	b := make([]byte, 32)
	// best-effort; a zero secret still yields a (weaker) deterministic
	// cookie rather than a startup failure, since cookie unforgeability
	// is a defense-in-depth layer here, not the sole admission control.
	_, _ = rand.Read(b)
	return b
}

// Start probes raw-socket capability and, if available, binds a raw IPv4
// socket and begins the SYN intercept loop. If unavailable: fatal when
// mode == "syn", otherwise the proxy disables itself and logs once.
func (p *Proxy) Start() error {
	if err := ProbeRawSocketCapability(); err != nil {
		if p.mode == "syn" {
			return fleeterr.Wrap(fleeterr.CapabilityMissing, "syn proxy requires raw socket access", err)
		}
		slog.Warn("synproxy: raw socket unavailable, continuing in tcp mode", "err", err)
		return nil
	}

	ipConn, err := net.ListenIP("ip4:tcp", nil)
	if err != nil {
		if p.mode == "syn" {
			return fleeterr.Wrap(fleeterr.CapabilityMissing, "syn proxy listen failed", err)
		}
		slog.Warn("synproxy: raw listen failed, continuing in tcp mode", "err", err)
		return nil
	}

	rawConn, err := ipv4.NewRawConn(ipConn)
	if err != nil {
		ipConn.Close()
		if p.mode == "syn" {
			return fleeterr.Wrap(fleeterr.CapabilityMissing, "syn proxy raw conn failed", err)
		}
		slog.Warn("synproxy: raw conn unavailable, continuing in tcp mode", "err", err)
		return nil
	}

	p.conn = rawConn
	p.enabled.Store(true)
	go p.readLoop()
	return nil
}

// Enabled reports whether the proxy is actively intercepting SYNs.
func (p *Proxy) Enabled() bool { return p.enabled.Load() }

// Stats returns the SYN-issued and SYN-dropped counters for telemetry.
func (p *Proxy) Stats() (issued, dropped int64) {
	return p.issuedSyns.Load(), p.droppedSyns.Load()
}

// Close stops the intercept loop and releases the raw socket.
func (p *Proxy) Close() {
	if !p.enabled.Load() {
		return
	}
	close(p.stop)
	p.cookies.Close()
	p.handshakes.Close()
	if p.conn != nil {
		p.conn.Close()
	}
}

func (p *Proxy) readLoop() {
	buf := make([]byte, 65535)
	for {
		select {
		case <-p.stop:
			return
		default:
		}

		header, payload, _, err := p.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-p.stop:
				return
			default:
				continue
			}
		}
		p.handle(header, payload)
	}
}

func (p *Proxy) handle(header *ipv4.Header, payload []byte) {
	seg, ok := parseSegment(prependHeader(header, payload))
	if !ok {
		return
	}

	switch {
	case seg.isBareSYN():
		p.handleSyn(seg)
	case seg.isACK():
		p.handleAck(seg)
	}
}

// prependHeader reconstructs a minimal IPv4 header in front of the TCP
// payload so parseSegment can work from a single contiguous buffer
// regardless of how the platform's raw socket delivered header+payload.
func prependHeader(h *ipv4.Header, payload []byte) []byte {
	buf := make([]byte, 20+len(payload))
	buf[0] = 0x45
	buf[9] = 6
	copy(buf[12:16], h.Src.To4())
	copy(buf[16:20], h.Dst.To4())
	copy(buf[20:], payload)
	return buf
}

func (p *Proxy) handleSyn(seg segment) {
	cookie := p.cookies.Construct(seg.srcIP[:], seg.srcPort, seg.dstPort)
	ack := buildSynAck(seg, cookie)

	dst := net.IPv4(seg.srcIP[0], seg.srcIP[1], seg.srcIP[2], seg.srcIP[3])
	h := &ipv4.Header{
		Version:  4,
		Len:      20,
		TotalLen: len(ack),
		TTL:      64,
		Protocol: 6,
		Dst:      dst,
	}
	if err := p.conn.WriteTo(h, ack[20:], nil); err != nil {
		p.recordDrop()
		return
	}
	p.issuedSyns.Add(1)
}

func (p *Proxy) handleAck(seg segment) {
	expected := p.cookies.Validate(seg.ackSeq-1, seg.srcIP[:], seg.srcPort, seg.dstPort)
	if !expected {
		p.recordDrop()
		return
	}
	p.handshakes.Put(net.IP(seg.srcIP[:]).String(), seg.srcPort, seg.dstPort)
}

func (p *Proxy) recordDrop() {
	p.droppedSyns.Add(1)
	if p.metrics != nil {
		p.metrics.SynDrops.Inc()
	}
}

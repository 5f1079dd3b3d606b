// Package syncookie implements stateless SYN cookie construction and
// validation for the SYN proxy, per section 4.2 of the spec. Secrets rotate
// on a timer; the previous secret remains valid for a grace window so
// cookies issued just before a rotation still validate, grounded on the
// teacher's TokenBroker current/previous-secret rotation pattern.
package syncookie

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"
)

// Broker constructs and validates SYN cookies.
type Broker struct {
	mu         sync.RWMutex
	secret     []byte
	prevSecret []byte
	graceUntil time.Time

	rotationPeriod time.Duration
	gracePeriod    time.Duration

	stop chan struct{}
}

// NewBroker creates a Broker with an initial random-ish secret (callers
// should seed it from a CSPRNG at startup) and starts the background
// rotation loop.
func NewBroker(initialSecret []byte, rotationPeriod, gracePeriod time.Duration) *Broker {
	if rotationPeriod <= 0 {
		rotationPeriod = time.Hour
	}
	if gracePeriod <= 0 {
		gracePeriod = 10 * time.Minute
	}
	b := &Broker{
		secret:         append([]byte(nil), initialSecret...),
		rotationPeriod: rotationPeriod,
		gracePeriod:    gracePeriod,
		stop:           make(chan struct{}),
	}
	go b.rotateLoop()
	return b
}

// Close stops the background rotation loop.
func (b *Broker) Close() { close(b.stop) }

func (b *Broker) rotateLoop() {
	ticker := time.NewTicker(b.rotationPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.rotate()
		case <-b.stop:
			return
		}
	}
}

func (b *Broker) rotate() {
	fresh := make([]byte, 32)
	if _, err := rand.Read(fresh); err != nil {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.prevSecret = b.secret
	b.secret = fresh
	b.graceUntil = time.Now().Add(b.gracePeriod)
}

// Construct builds a 32-bit cookie (suitable for use directly as a TCP
// initial sequence number) binding srcIP, srcPort, dstPort and a coarse
// time counter so Validate can later check freshness without retaining
// per-connection state.
func (b *Broker) Construct(srcIP []byte, srcPort, dstPort uint16) uint32 {
	b.mu.RLock()
	secret := b.secret
	b.mu.RUnlock()

	return cookieFor(secret, srcIP, srcPort, dstPort, timeCounter())
}

// Validate checks cookie against the current secret and, inside the grace
// window, the previous secret. It also re-derives the cookie for the
// current and immediately-preceding time counters to tolerate clock skew
// within the cookie's validity window.
func (b *Broker) Validate(cookie uint32, srcIP []byte, srcPort, dstPort uint16) bool {
	b.mu.RLock()
	secret, prevSecret, graceUntil := b.secret, b.prevSecret, b.graceUntil
	b.mu.RUnlock()

	now := timeCounter()
	for _, tc := range []uint32{now, now - 1} {
		if cookie == cookieFor(secret, srcIP, srcPort, dstPort, tc) {
			return true
		}
	}

	if prevSecret != nil && time.Now().Before(graceUntil) {
		for _, tc := range []uint32{now, now - 1} {
			if cookie == cookieFor(prevSecret, srcIP, srcPort, dstPort, tc) {
				return true
			}
		}
	}
	return false
}

// timeCounter buckets time into 64-second windows, the conventional SYN
// cookie granularity.
func timeCounter() uint32 {
	return uint32(time.Now().Unix() / 64)
}

func cookieFor(secret, srcIP []byte, srcPort, dstPort uint16, timeCounter uint32) uint32 {
	mac := hmac.New(sha256.New, secret)
	mac.Write(srcIP)
	var portBuf [4]byte
	binary.BigEndian.PutUint16(portBuf[0:2], srcPort)
	binary.BigEndian.PutUint16(portBuf[2:4], dstPort)
	mac.Write(portBuf[:])
	var tcBuf [4]byte
	binary.BigEndian.PutUint32(tcBuf[:], timeCounter)
	mac.Write(tcBuf[:])

	sum := mac.Sum(nil)
	return binary.BigEndian.Uint32(sum[:4])
}

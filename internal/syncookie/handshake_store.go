package syncookie

import (
	"strconv"
	"sync"
	"time"
)

// HandshakeEntry records a half-open connection accepted via a valid cookie,
// bridging the stateless cookie exchange to the stateful proxy connection
// that follows once the ACK arrives.
type HandshakeEntry struct {
	SrcIP     string
	SrcPort   uint16
	DstPort   uint16
	AcceptAt  time.Time
	ExpiresAt time.Time
}

// HandshakeStore is a TTL-bounded map of in-flight handshakes, grounded on
// the teacher's NonceStore cleanup-loop shape.
type HandshakeStore struct {
	mu      sync.Mutex
	entries map[string]HandshakeEntry
	ttl     time.Duration
	stop    chan struct{}
}

// NewHandshakeStore creates a store whose entries expire after ttl and
// starts its background cleanup loop.
func NewHandshakeStore(ttl time.Duration) *HandshakeStore {
	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	s := &HandshakeStore{
		entries: make(map[string]HandshakeEntry),
		ttl:     ttl,
		stop:    make(chan struct{}),
	}
	go s.cleanupLoop()
	return s
}

// Close stops the background cleanup loop.
func (s *HandshakeStore) Close() { close(s.stop) }

// key identifies a handshake by the 3-tuple the cookie itself is bound to.
func key(srcIP string, srcPort, dstPort uint16) string {
	return srcIP + "|" + strconv.Itoa(int(srcPort)) + "|" + strconv.Itoa(int(dstPort))
}

// Put records a newly accepted handshake.
func (s *HandshakeStore) Put(srcIP string, srcPort, dstPort uint16) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key(srcIP, srcPort, dstPort)] = HandshakeEntry{
		SrcIP:     srcIP,
		SrcPort:   srcPort,
		DstPort:   dstPort,
		AcceptAt:  now,
		ExpiresAt: now.Add(s.ttl),
	}
}

// Take removes and returns the handshake entry for the given 3-tuple, if it
// exists and has not expired.
func (s *HandshakeStore) Take(srcIP string, srcPort, dstPort uint16) (HandshakeEntry, bool) {
	k := key(srcIP, srcPort, dstPort)
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[k]
	if !ok {
		return HandshakeEntry{}, false
	}
	delete(s.entries, k)
	if time.Now().After(e.ExpiresAt) {
		return HandshakeEntry{}, false
	}
	return e, true
}

// Len reports the number of tracked in-flight handshakes.
func (s *HandshakeStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *HandshakeStore) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stop:
			return
		}
	}
}

func (s *HandshakeStore) cleanup() {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.entries {
		if now.After(e.ExpiresAt) {
			delete(s.entries, k)
		}
	}
}

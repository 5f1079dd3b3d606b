package ingress

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/secbeat/fleet/internal/ddos"
)

func newController(t *testing.T) *ddos.Controller {
	t.Helper()
	return ddos.NewController(ddos.Config{
		GlobalConnMax:       100,
		PerIPConnMax:        1,
		RequestsPerSecond:   100,
		BurstSize:           100,
		MaxRateLimitBuckets: 100,
	})
}

func TestServeDispatchesAdmittedConnections(t *testing.T) {
	controller := newController(t)
	handled := make(chan struct{}, 1)

	l, err := New(Config{BindAddr: "127.0.0.1:0"}, controller, func(conn net.Conn) {
		handled <- struct{}{}
	})
	require.NoError(t, err)
	go func() { _ = l.Serve() }()
	defer l.Drain()

	conn, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn.Close()

	select {
	case <-handled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not invoked")
	}
}

func TestServeRejectsOverPerIPConnLimit(t *testing.T) {
	controller := newController(t)
	release := make(chan struct{})

	l, err := New(Config{BindAddr: "127.0.0.1:0"}, controller, func(conn net.Conn) {
		<-release
	})
	require.NoError(t, err)
	go func() { _ = l.Serve() }()
	defer func() {
		close(release)
		l.Drain()
	}()

	conn1, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn1.Close()

	time.Sleep(50 * time.Millisecond)

	conn2, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer conn2.Close()

	buf := make([]byte, 1)
	_ = conn2.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	_, err = conn2.Read(buf)
	require.Error(t, err, "rejected connection should be closed with no data")

	time.Sleep(50 * time.Millisecond)
	stats := l.Stats()
	require.Equal(t, int64(1), stats.Accepted)
	require.Equal(t, int64(1), stats.Rejected)
}

func TestDrainStopsNewAcceptsAndClosesListener(t *testing.T) {
	controller := newController(t)
	l, err := New(Config{BindAddr: "127.0.0.1:0"}, controller, func(conn net.Conn) {})
	require.NoError(t, err)
	go func() { _ = l.Serve() }()

	l.Drain()

	_, err = net.Dial("tcp", l.Addr().String())
	require.Error(t, err, "listener should be closed after drain")
}

package websocket

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gorillaws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/secbeat/fleet/internal/events"
	"github.com/secbeat/fleet/internal/ids"
)

func TestFleetStreamerBroadcastsHeartbeatToConnectedClient(t *testing.T) {
	streamer := NewFleetStreamer()
	stop := make(chan struct{})
	defer close(stop)
	go streamer.Run(stop)

	srv := httptest.NewServer(http.HandlerFunc(streamer.HandleWebSocket))
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	conn, _, err := gorillaws.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool {
		return streamer.Stats().ConnectedClients == 1
	}, time.Second, 10*time.Millisecond)

	node := ids.NewNodeId()
	streamer.StreamHeartbeat(events.Heartbeat{NodeId: node, Status: events.StatusHealthy})

	var got FleetEvent
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, "node_heartbeat", got.Type)
	require.Equal(t, node.String(), got.NodeID)
}

// Package websocket streams live fleet status to connected dashboards: the
// orchestrator broadcasts node registry changes and BlockCommand
// dispatches over a WebSocket hub so an external UI can render fleet
// health without polling the Management API.
package websocket

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/secbeat/fleet/internal/events"
)

// FleetEvent is one update pushed to every connected dashboard client.
type FleetEvent struct {
	Type      string    `json:"type"` // "node_heartbeat", "node_unhealthy", "node_evicted", "block_command"
	NodeID    string    `json:"node_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data,omitempty"`
}

// FleetStreamer manages WebSocket connections for live fleet-status
// updates, structured as a registration/broadcast hub in the same shape
// the teacher uses for its own live-update streamer.
type FleetStreamer struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan FleetEvent
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
}

// NewFleetStreamer builds a FleetStreamer. Call Run in its own goroutine
// before accepting connections via HandleWebSocket.
func NewFleetStreamer() *FleetStreamer {
	return &FleetStreamer{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan FleetEvent, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Run is the hub's event loop; it blocks until stop is closed.
func (s *FleetStreamer) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			s.mu.Lock()
			for client := range s.clients {
				client.Close()
			}
			s.mu.Unlock()
			return

		case client := <-s.register:
			s.mu.Lock()
			s.clients[client] = true
			s.mu.Unlock()
			slog.Info("websocket: dashboard client connected", "total", len(s.clients))

		case client := <-s.unregister:
			s.mu.Lock()
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				client.Close()
			}
			s.mu.Unlock()

		case event := <-s.broadcast:
			s.mu.RLock()
			for client := range s.clients {
				if err := client.WriteJSON(event); err != nil {
					slog.Warn("websocket: dashboard write failed, dropping client", "err", err)
					client.Close()
					delete(s.clients, client)
				}
			}
			s.mu.RUnlock()
		}
	}
}

// HandleWebSocket upgrades an HTTP request into a dashboard subscription.
func (s *FleetStreamer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket: upgrade failed", "err", err)
		return
	}

	s.register <- conn

	go func() {
		defer func() { s.unregister <- conn }()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// BroadcastEvent pushes event to every connected dashboard, non-blocking:
// a full queue drops the event rather than stalling the caller.
func (s *FleetStreamer) BroadcastEvent(event FleetEvent) {
	event.Timestamp = time.Now()
	select {
	case s.broadcast <- event:
	default:
		slog.Warn("websocket: broadcast queue full, dropping fleet event", "type", event.Type)
	}
}

// StreamHeartbeat broadcasts a node's latest heartbeat.
func (s *FleetStreamer) StreamHeartbeat(hb events.Heartbeat) {
	s.BroadcastEvent(FleetEvent{Type: "node_heartbeat", NodeID: hb.NodeId.String(), Data: hb})
}

// StreamNodeUnhealthy broadcasts that a node has gone silent past the
// Unhealthy threshold.
func (s *FleetStreamer) StreamNodeUnhealthy(nodeID string) {
	s.BroadcastEvent(FleetEvent{Type: "node_unhealthy", NodeID: nodeID})
}

// StreamNodeEvicted broadcasts that a node has been evicted from the
// registry after prolonged silence.
func (s *FleetStreamer) StreamNodeEvicted(nodeID string) {
	s.BroadcastEvent(FleetEvent{Type: "node_evicted", NodeID: nodeID})
}

// StreamBlockCommand broadcasts a BlockCommand as it is published, so a
// dashboard can show fleet-wide mitigation actions live.
func (s *FleetStreamer) StreamBlockCommand(cmd events.BlockCommand) {
	s.BroadcastEvent(FleetEvent{Type: "block_command", Data: cmd})
}

// Stats reports the hub's current connection and queue depth.
type Stats struct {
	ConnectedClients int `json:"connected_clients"`
	BroadcastQueue   int `json:"broadcast_queue"`
}

func (s *FleetStreamer) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{ConnectedClients: len(s.clients), BroadcastQueue: len(s.broadcast)}
}

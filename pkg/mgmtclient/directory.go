package mgmtclient

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/secbeat/fleet/internal/ids"
)

// Directory maps node ids to their Management API clients, built from the
// orchestrator's view of each node's advertised management address. It
// satisfies resourcemgr.NodeTerminator, letting the Resource Manager
// address nodes by id without knowing about HTTP at all.
type Directory struct {
	mu      sync.RWMutex
	clients map[ids.NodeId]*Client
}

// NewDirectory builds an empty Directory.
func NewDirectory() *Directory {
	return &Directory{clients: make(map[ids.NodeId]*Client)}
}

// Set registers (or replaces) the client used to reach node.
func (d *Directory) Set(node ids.NodeId, client *Client) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.clients[node] = client
}

// Remove drops a node's client, e.g. once it's been evicted from the
// registry.
func (d *Directory) Remove(node ids.NodeId) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.clients, node)
}

// Terminate looks up node's client and requests graceful termination.
func (d *Directory) Terminate(ctx context.Context, node ids.NodeId, reason string, gracePeriod time.Duration) error {
	d.mu.RLock()
	client, ok := d.clients[node]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("mgmtclient: no management client registered for node %s", node)
	}
	return client.Terminate(ctx, reason, gracePeriod)
}

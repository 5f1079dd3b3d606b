// Package rulepublisher wraps the fleet Event Client to publish
// BlockCommands on secbeat.commands.block, stamping a correlation id when
// the caller didn't supply one. It satisfies the Behavioral Expert's
// BlockCommandEmitter interface.
package rulepublisher

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/secbeat/fleet/internal/events"
)

// eventClient is the subset of *events.Client this package depends on.
type eventClient interface {
	PublishBlockCommand(cmd events.BlockCommand)
}

// Publisher publishes BlockCommands through an underlying event client.
// Publishing is fire-and-forget: the client's bounded outbox silently drops
// under backpressure or while disconnected, per section 4.7 of the spec.
type Publisher struct {
	client eventClient
	seq    atomic.Int64
}

// New builds a Publisher over client.
func New(client eventClient) *Publisher {
	return &Publisher{client: client}
}

// PublishBlockCommand publishes cmd, assigning a correlation id if cmd
// didn't already carry one.
func (p *Publisher) PublishBlockCommand(cmd events.BlockCommand) error {
	if cmd.CorrelationId == "" {
		cmd.CorrelationId = fmt.Sprintf("%s-%d-%d", cmd.Target, time.Now().UnixNano(), p.seq.Add(1))
	}
	p.client.PublishBlockCommand(cmd)
	return nil
}

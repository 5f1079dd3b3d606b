package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/secbeat/fleet/internal/ids"
	"github.com/secbeat/fleet/internal/wire"
)

func TestEnqueueDropsWhenOutboxFull(t *testing.T) {
	c := &Client{
		outbox: make(chan outboxMsg, 1),
	}

	c.enqueue("heartbeat", wire.KindHeartbeat, Heartbeat{NodeId: ids.NewNodeId()})
	require.Equal(t, int64(0), c.Stats().Dropped)

	c.enqueue("heartbeat", wire.KindHeartbeat, Heartbeat{NodeId: ids.NewNodeId()})
	require.Equal(t, int64(1), c.Stats().Dropped, "second enqueue must drop once the bounded outbox is full")
}

func TestPublishDropsWhenDisconnected(t *testing.T) {
	c := &Client{
		outbox:    make(chan outboxMsg, 1),
		connected: false,
	}

	c.publish(outboxMsg{topic: "heartbeat", body: []byte("x")})
	require.Equal(t, int64(1), c.Stats().Dropped)
	require.Equal(t, int64(0), c.Stats().Published)
}

func TestOnBlockCommandInvokesAllHandlers(t *testing.T) {
	c := &Client{outbox: make(chan outboxMsg, 1)}

	var gotA, gotB BlockCommand
	c.OnBlockCommand(func(_ context.Context, cmd BlockCommand) { gotA = cmd })
	c.OnBlockCommand(func(_ context.Context, cmd BlockCommand) { gotB = cmd })

	want := BlockCommand{Target: "1.2.3.4/32", TTLSeconds: 300, Reason: "test", CorrelationId: "corr-1"}
	c.handlersMu.RLock()
	handlers := append([]CommandHandler(nil), c.handlers...)
	c.handlersMu.RUnlock()
	for _, h := range handlers {
		h(context.Background(), want)
	}

	require.Equal(t, want, gotA)
	require.Equal(t, want, gotB)
}

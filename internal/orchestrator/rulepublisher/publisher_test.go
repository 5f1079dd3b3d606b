package rulepublisher

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/secbeat/fleet/internal/events"
)

type fakeClient struct {
	mu   sync.Mutex
	cmds []events.BlockCommand
}

func (f *fakeClient) PublishBlockCommand(cmd events.BlockCommand) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cmds = append(f.cmds, cmd)
}

func TestPublishStampsCorrelationIdWhenMissing(t *testing.T) {
	client := &fakeClient{}
	p := New(client)

	require.NoError(t, p.PublishBlockCommand(events.BlockCommand{Target: "203.0.113.1", Reason: "test"}))

	require.Len(t, client.cmds, 1)
	require.NotEmpty(t, client.cmds[0].CorrelationId)
}

func TestPublishPreservesExistingCorrelationId(t *testing.T) {
	client := &fakeClient{}
	p := New(client)

	require.NoError(t, p.PublishBlockCommand(events.BlockCommand{Target: "203.0.113.2", CorrelationId: "pre-set"}))

	require.Equal(t, "pre-set", client.cmds[0].CorrelationId)
}

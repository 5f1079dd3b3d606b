package mgmtclient

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/secbeat/fleet/internal/ids"
)

func TestDirectoryTerminateRoutesToRegisteredClient(t *testing.T) {
	var hit bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hit = true
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	dir := NewDirectory()
	node := ids.NewNodeId()
	dir.Set(node, New(Config{BaseURL: srv.URL}))

	err := dir.Terminate(context.Background(), node, "scale-down", 30*time.Second)
	require.NoError(t, err)
	require.True(t, hit)
}

func TestDirectoryTerminateUnknownNodeReturnsError(t *testing.T) {
	dir := NewDirectory()
	err := dir.Terminate(context.Background(), ids.NewNodeId(), "scale-down", time.Second)
	require.Error(t, err)
}

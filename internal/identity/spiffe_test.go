package identity

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/secbeat/fleet/internal/ids"
)

func TestNodeSPIFFEIDIncludesTrustDomainAndNodeId(t *testing.T) {
	node := ids.NewNodeId()
	id := NodeSPIFFEID("secbeat.example.com", node)

	require.Equal(t, "secbeat.example.com", id.TrustDomain().String())
	require.Contains(t, id.String(), node.String())
	require.Contains(t, id.String(), "/node/")
}

func TestOrchestratorSPIFFEIDIncludesInstanceID(t *testing.T) {
	id := OrchestratorSPIFFEID("secbeat.example.com", "primary")
	require.Equal(t, "spiffe://secbeat.example.com/orchestrator/primary", id.String())
}

// Package identity provides SPIFFE/SPIRE-based mutual TLS identity for the
// node-to-orchestrator control plane: the orchestrator's calls into a
// node's Management API are authenticated on both ends by X.509 SVID.
package identity

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"time"

	"github.com/spiffe/go-spiffe/v2/spiffeid"
	"github.com/spiffe/go-spiffe/v2/spiffetls/tlsconfig"
	"github.com/spiffe/go-spiffe/v2/workloadapi"

	"github.com/secbeat/fleet/internal/ids"
)

// NodeIdentity holds a workload's X.509 SVID source, used to build mTLS
// configs for both the Management API server (nodes) and its callers (the
// orchestrator).
type NodeIdentity struct {
	source *workloadapi.X509Source
}

// New connects to the local SPIRE agent over socketPath and fetches this
// workload's X.509 SVID. A short timeout keeps a missing SPIRE agent from
// blocking node startup indefinitely.
func New(socketPath string) (*NodeIdentity, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	source, err := workloadapi.NewX509Source(
		ctx,
		workloadapi.WithClientOptions(workloadapi.WithAddr(socketPath)),
	)
	if err != nil {
		return nil, fmt.Errorf("identity: failed to connect to SPIRE agent at %s: %w", socketPath, err)
	}

	slog.Info("identity: connected to SPIRE agent", "socket_path", socketPath)
	return &NodeIdentity{source: source}, nil
}

// Close releases the underlying SVID source.
func (n *NodeIdentity) Close() error {
	return n.source.Close()
}

// SPIFFEID returns this workload's own SPIFFE ID, as issued by SPIRE.
func (n *NodeIdentity) SPIFFEID() (spiffeid.ID, error) {
	svid, err := n.source.GetX509SVID()
	if err != nil {
		return spiffeid.ID{}, fmt.Errorf("identity: failed to get SVID: %w", err)
	}
	return svid.ID, nil
}

// ServerTLSConfig returns a mTLS server config for the Management API:
// it presents this node's SVID and authorizes only the caller whose SPIFFE
// ID is exactly OrchestratorSPIFFEID(trustDomain, orchestratorID).
func (n *NodeIdentity) ServerTLSConfig(trustDomain, orchestratorID string) *tls.Config {
	authorizer := tlsconfig.AuthorizeID(OrchestratorSPIFFEID(trustDomain, orchestratorID))
	return tlsconfig.MTLSServerConfig(n.source, n.source, authorizer)
}

// ClientTLSConfig returns a mTLS client config the orchestrator uses when
// calling into a specific node's Management API.
func (n *NodeIdentity) ClientTLSConfig(trustDomain string, node ids.NodeId) *tls.Config {
	authorizer := tlsconfig.AuthorizeID(NodeSPIFFEID(trustDomain, node))
	return tlsconfig.MTLSClientConfig(n.source, n.source, authorizer)
}

// NodeSPIFFEID builds the SPIFFE ID a mitigation node presents.
func NodeSPIFFEID(trustDomain string, node ids.NodeId) spiffeid.ID {
	id, err := spiffeid.FromString(fmt.Sprintf("spiffe://%s/node/%s", trustDomain, node.String()))
	if err != nil {
		// trustDomain and node.String() are both validated inputs (a
		// configured domain name and a UUID render), so a malformed ID
		// here indicates a programming error, not bad input.
		panic(fmt.Sprintf("identity: invalid node SPIFFE ID: %v", err))
	}
	return id
}

// OrchestratorSPIFFEID builds the SPIFFE ID the orchestrator presents.
func OrchestratorSPIFFEID(trustDomain, orchestratorID string) spiffeid.ID {
	id, err := spiffeid.FromString(fmt.Sprintf("spiffe://%s/orchestrator/%s", trustDomain, orchestratorID))
	if err != nil {
		panic(fmt.Sprintf("identity: invalid orchestrator SPIFFE ID: %v", err))
	}
	return id
}

package events

import "github.com/secbeat/fleet/internal/ids"

// NodeStatus is the lifecycle state a node reports in its Heartbeat.
type NodeStatus string

const (
	StatusHealthy     NodeStatus = "Healthy"
	StatusDegraded    NodeStatus = "Degraded"
	StatusDraining    NodeStatus = "Draining"
	StatusTerminating NodeStatus = "Terminating"
)

// TelemetryKind classifies a single TelemetryEvent.
type TelemetryKind string

const (
	TelemetryError4xx  TelemetryKind = "Error4xx"
	TelemetryError5xx  TelemetryKind = "Error5xx"
	TelemetryWafBlock  TelemetryKind = "WafBlock"
	TelemetryRateLimit TelemetryKind = "RateLimit"
	TelemetryConn      TelemetryKind = "Conn"
)

// Heartbeat is published by a node every H seconds on the shared
// secbeat.heartbeat topic.
type Heartbeat struct {
	NodeId            ids.NodeId `cbor:"1,keyasint"`
	Status            NodeStatus `cbor:"2,keyasint"`
	ActiveConnections int64      `cbor:"3,keyasint"`
	CPUPercent        float64    `cbor:"4,keyasint"`
	MemPercent        float64    `cbor:"5,keyasint"`
	RequestsPerSecond float64    `cbor:"6,keyasint"`
	TimestampUnixNano int64      `cbor:"7,keyasint"`
	// ManagementAddr is the node's Management API base URL (e.g.
	// "https://10.0.1.4:9443"), so the orchestrator's Resource Manager can
	// address a newly-seen node without a separate discovery mechanism.
	ManagementAddr string `cbor:"8,keyasint"`
}

// TelemetryEvent is fire-and-forget, published on the shared
// secbeat.telemetry topic; the NodeId field identifies the sender, and no
// per-node telemetry topic is used.
type TelemetryEvent struct {
	NodeId            ids.NodeId    `cbor:"1,keyasint"`
	ClientIP          string        `cbor:"2,keyasint"`
	Kind              TelemetryKind `cbor:"3,keyasint"`
	TimestampUnixNano int64         `cbor:"4,keyasint"`
}

// BlockCommand instructs nodes to block a target IP or CIDR. Published by
// the orchestrator on secbeat.commands.block; implicitly acked by the
// subsequent drop in TelemetryEvents from the blocked target.
type BlockCommand struct {
	Target        string `cbor:"1,keyasint"` // IP or CIDR
	TTLSeconds    int64  `cbor:"2,keyasint"`
	Reason        string `cbor:"3,keyasint"`
	CorrelationId string `cbor:"4,keyasint"`
}

// Package ids defines the mitigation node's opaque 128-bit identifier.
package ids

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
)

// NodeId is a 128-bit opaque identifier, stable for the process lifetime,
// generated once at startup (section 3 of the spec).
type NodeId [16]byte

// NewNodeId generates a fresh random NodeId.
func NewNodeId() NodeId {
	return NodeId(uuid.New())
}

// ParseNodeId parses a NodeId from its canonical string form.
func ParseNodeId(s string) (NodeId, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return NodeId{}, err
	}
	return NodeId(u), nil
}

// String returns the canonical UUID-style string form.
func (n NodeId) String() string {
	return uuid.UUID(n).String()
}

// MarshalText implements encoding.TextMarshaler so NodeId round-trips
// cleanly through JSON/CBOR telemetry payloads.
func (n NodeId) MarshalText() ([]byte, error) {
	return []byte(n.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (n *NodeId) UnmarshalText(text []byte) error {
	parsed, err := ParseNodeId(string(text))
	if err != nil {
		return err
	}
	*n = parsed
	return nil
}

// MarshalCBOR implements cbor.Marshaler, encoding the id as a 16-byte
// string rather than a 16-element array of integers.
func (n NodeId) MarshalCBOR() ([]byte, error) {
	return cbor.Marshal(n[:])
}

// UnmarshalCBOR implements cbor.Unmarshaler.
func (n *NodeId) UnmarshalCBOR(data []byte) error {
	var b []byte
	if err := cbor.Unmarshal(data, &b); err != nil {
		return err
	}
	if len(b) != len(n) {
		return fmt.Errorf("ids: NodeId must decode to %d bytes, got %d", len(n), len(b))
	}
	copy(n[:], b)
	return nil
}

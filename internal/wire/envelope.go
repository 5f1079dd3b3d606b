// Package wire defines the envelope format carried over the fleet
// messaging bus between mitigation nodes and the orchestrator.
package wire

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Kind identifies the payload carried by an Envelope.
type Kind string

const (
	KindHeartbeat    Kind = "heartbeat"
	KindTelemetry    Kind = "telemetry"
	KindBlockCommand Kind = "block_command"
	KindNodeCommand  Kind = "node_command"
)

// EnvelopeVersion is bumped whenever the wire shape changes incompatibly.
// A node that receives an unknown Kind (e.g. from a newer version) drops the
// envelope rather than failing the decode of the rest of the stream.
const EnvelopeVersion uint16 = 1

// Envelope is the outer frame every bus message is wrapped in. Payload is
// itself CBOR, encoded independently so Kind can be inspected without
// decoding the full body.
type Envelope struct {
	Version  uint16 `cbor:"1,keyasint"`
	Kind     Kind   `cbor:"2,keyasint"`
	Payload  []byte `cbor:"3,keyasint"`
	IssuedAt int64  `cbor:"4,keyasint"` // unix nanos
}

// Encode wraps payload of the given kind into a CBOR-encoded Envelope.
func Encode(kind Kind, issuedAtUnixNano int64, payload any) ([]byte, error) {
	body, err := cbor.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal payload: %w", err)
	}
	env := Envelope{
		Version:  EnvelopeVersion,
		Kind:     kind,
		Payload:  body,
		IssuedAt: issuedAtUnixNano,
	}
	out, err := cbor.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal envelope: %w", err)
	}
	return out, nil
}

// Decode unwraps an Envelope from raw bytes. Callers dispatch on Kind before
// decoding Payload into a concrete type via DecodePayload.
func Decode(raw []byte) (Envelope, error) {
	var env Envelope
	if err := cbor.Unmarshal(raw, &env); err != nil {
		return Envelope{}, fmt.Errorf("wire: unmarshal envelope: %w", err)
	}
	return env, nil
}

// DecodePayload decodes the Envelope's Payload into out, which must be a
// pointer to the concrete type expected for env.Kind.
func DecodePayload(env Envelope, out any) error {
	if err := cbor.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("wire: unmarshal payload for kind %s: %w", env.Kind, err)
	}
	return nil
}

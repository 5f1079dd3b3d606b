package wire

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type samplePayload struct {
	Foo string `cbor:"1,keyasint"`
	Bar int    `cbor:"2,keyasint"`
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	raw, err := Encode(KindTelemetry, 1234, samplePayload{Foo: "x", Bar: 7})
	require.NoError(t, err)

	env, err := Decode(raw)
	require.NoError(t, err)
	require.Equal(t, EnvelopeVersion, env.Version)
	require.Equal(t, KindTelemetry, env.Kind)
	require.Equal(t, int64(1234), env.IssuedAt)

	var got samplePayload
	require.NoError(t, DecodePayload(env, &got))
	require.Equal(t, samplePayload{Foo: "x", Bar: 7}, got)
}

func TestDecodeRejectsGarbage(t *testing.T) {
	_, err := Decode([]byte{0xff, 0x00, 0x01})
	require.Error(t, err)
}

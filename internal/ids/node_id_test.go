package ids

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNodeIdRoundTripsThroughString(t *testing.T) {
	n := NewNodeId()
	parsed, err := ParseNodeId(n.String())
	require.NoError(t, err)
	require.Equal(t, n, parsed)
}

func TestNodeIdTextMarshalRoundTrip(t *testing.T) {
	n := NewNodeId()
	text, err := n.MarshalText()
	require.NoError(t, err)

	var got NodeId
	require.NoError(t, got.UnmarshalText(text))
	require.Equal(t, n, got)
}

func TestNodeIdCBORRoundTrip(t *testing.T) {
	n := NewNodeId()
	data, err := n.MarshalCBOR()
	require.NoError(t, err)

	var got NodeId
	require.NoError(t, got.UnmarshalCBOR(data))
	require.Equal(t, n, got)
}

func TestTwoNodeIdsAreDistinct(t *testing.T) {
	a := NewNodeId()
	b := NewNodeId()
	require.NotEqual(t, a, b)
}

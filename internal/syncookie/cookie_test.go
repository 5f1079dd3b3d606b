package syncookie

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestConstructValidateRoundTrip(t *testing.T) {
	b := NewBroker([]byte("initial-secret"), time.Hour, 10*time.Minute)
	defer b.Close()

	ip := []byte{10, 0, 0, 1}
	cookie := b.Construct(ip, 5555, 443)
	require.True(t, b.Validate(cookie, ip, 5555, 443))
}

func TestValidateRejectsMismatchedTuple(t *testing.T) {
	b := NewBroker([]byte("initial-secret"), time.Hour, 10*time.Minute)
	defer b.Close()

	ip := []byte{10, 0, 0, 1}
	cookie := b.Construct(ip, 5555, 443)
	require.False(t, b.Validate(cookie, ip, 6666, 443))
}

func TestValidateAcceptsPreviousSecretDuringGraceWindow(t *testing.T) {
	b := NewBroker([]byte("initial-secret"), time.Hour, 10*time.Minute)
	defer b.Close()

	ip := []byte{10, 0, 0, 1}
	cookie := b.Construct(ip, 5555, 443)

	b.rotate()
	require.True(t, b.Validate(cookie, ip, 5555, 443), "cookie from before rotation must validate during the grace window")
}

func TestHandshakeStorePutTake(t *testing.T) {
	s := NewHandshakeStore(time.Minute)
	defer s.Close()

	s.Put("10.0.0.1", 1234, 443)
	require.Equal(t, 1, s.Len())

	entry, ok := s.Take("10.0.0.1", 1234, 443)
	require.True(t, ok)
	require.Equal(t, "10.0.0.1", entry.SrcIP)
	require.Equal(t, 0, s.Len())

	_, ok = s.Take("10.0.0.1", 1234, 443)
	require.False(t, ok)
}

package circuitbreaker

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCircuitBreakerTripsAfterThreshold(t *testing.T) {
	cfg := DefaultConfig("origin")
	cfg.Interval = time.Minute
	cfg.Timeout = 10 * time.Millisecond
	cb := New(cfg)

	for i := 0; i < 5; i++ {
		_, err := cb.Execute(func() (interface{}, error) { return nil, errors.New("boom") })
		require.Error(t, err)
	}

	require.Equal(t, StateOpen, cb.State())
	_, err := cb.Execute(func() (interface{}, error) { return "ok", nil })
	require.ErrorIs(t, err, ErrCircuitOpen)
}

func TestCircuitBreakerRecoversAfterTimeout(t *testing.T) {
	cfg := DefaultConfig("origin")
	cfg.Interval = time.Minute
	cfg.Timeout = 5 * time.Millisecond
	cfg.MaxRequests = 1
	cb := New(cfg)

	for i := 0; i < 5; i++ {
		_, _ = cb.Execute(func() (interface{}, error) { return nil, errors.New("boom") })
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(10 * time.Millisecond)
	_, err := cb.Execute(func() (interface{}, error) { return "ok", nil })
	require.NoError(t, err)
	require.Equal(t, StateClosed, cb.State())
}

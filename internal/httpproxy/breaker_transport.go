package httpproxy

import (
	"fmt"
	"net/http"

	"github.com/secbeat/fleet/internal/circuitbreaker"
)

// breakerTransport wraps an http.RoundTripper with a circuit breaker so a
// failing origin stops accumulating stalled requests against it instead of
// every request paying the full dial/response timeout.
type breakerTransport struct {
	breaker *circuitbreaker.CircuitBreaker
	next    http.RoundTripper
}

func (t *breakerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	result, err := t.breaker.Execute(func() (interface{}, error) {
		return t.next.RoundTrip(req)
	})
	if err != nil {
		return nil, err
	}
	resp, ok := result.(*http.Response)
	if !ok {
		return nil, fmt.Errorf("httpproxy: unexpected round trip result type %T", result)
	}
	return resp, nil
}

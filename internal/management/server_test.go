package management

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/secbeat/fleet/internal/ddos"
	"github.com/secbeat/fleet/internal/metrics"
	"github.com/secbeat/fleet/internal/waf"
)

type fakeNode struct {
	healthy       bool
	terminateArgs struct {
		reason string
		grace  time.Duration
	}
}

func (f *fakeNode) Healthy() bool { return f.healthy }
func (f *fakeNode) Terminate(reason string, grace time.Duration) {
	f.terminateArgs.reason = reason
	f.terminateArgs.grace = grace
}

func newTestServer(t *testing.T) (*Server, *fakeNode) {
	t.Helper()
	node := &fakeNode{healthy: true}
	wafEngine := waf.NewEngine()
	blocklist := ddos.NewController(ddos.Config{
		GlobalConnMax: 100, PerIPConnMax: 100, RequestsPerSecond: 10, BurstSize: 10, MaxRateLimitBuckets: 100,
	})
	return New("test-token", node, wafEngine, blocklist, nil), node
}

func TestHealthReflectsNodeState(t *testing.T) {
	s, node := newTestServer(t)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	node.healthy = false
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNonGetEndpointsRequireBearerToken(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest("POST", "/control/terminate", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest("POST", "/control/terminate", strings.NewReader(`{}`))
	req.Header.Set("Authorization", "Bearer wrong-token")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestTerminateInvokesNodeController(t *testing.T) {
	s, node := newTestServer(t)

	req := httptest.NewRequest("POST", "/control/terminate", strings.NewReader(`{"reason":"deploy","grace_period_seconds":30}`))
	req.Header.Set("Authorization", "Bearer test-token")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, "deploy", node.terminateArgs.reason)
	require.Equal(t, 30*time.Second, node.terminateArgs.grace)
}

func TestWafReloadThenDeleteRule(t *testing.T) {
	s, _ := newTestServer(t)

	body := `[{"id":"r1","action":"block","target":"uri","pattern":"\\.\\./"}]`
	req := httptest.NewRequest("POST", "/waf/reload", strings.NewReader(body))
	req.Header.Set("Authorization", "Bearer test-token")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, s.wafEngine.Rules(), 1)

	req = httptest.NewRequest("DELETE", "/waf/rules/r1", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Empty(t, s.wafEngine.Rules())
}

func TestWafDeleteUnknownRuleReturnsNotFound(t *testing.T) {
	s, _ := newTestServer(t)
	req := httptest.NewRequest("DELETE", "/waf/rules/nope", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatsReflectsCounters(t *testing.T) {
	node := &fakeNode{healthy: true}
	wafEngine := waf.NewEngine()
	blocklist := ddos.NewController(ddos.Config{
		GlobalConnMax: 100, PerIPConnMax: 100, RequestsPerSecond: 10, BurstSize: 10, MaxRateLimitBuckets: 100,
	})
	m := metrics.New()
	m.WafBlocks.Inc()
	s := New("test-token", node, wafEngine, blocklist, m)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest("GET", "/stats", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var snapshot map[string]float64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snapshot))
	require.Equal(t, float64(1), snapshot["secbeat_waf_blocks_total"])
}

func TestBlocklistAddThenRemove(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest("POST", "/blocklist", strings.NewReader(`{"ip":"203.0.113.5","ttl":60,"reason":"test"}`))
	req.Header.Set("Authorization", "Bearer test-token")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest("DELETE", "/blocklist/203.0.113.5", nil)
	req.Header.Set("Authorization", "Bearer test-token")
	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
}

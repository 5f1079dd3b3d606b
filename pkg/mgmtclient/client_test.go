package mgmtclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTerminateSendsReasonAndGracePeriod(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/control/terminate", r.URL.Path)
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Token: "secret"})
	err := c.Terminate(context.Background(), "deploy", 30*time.Second)
	require.NoError(t, err)
	require.Equal(t, "deploy", gotBody["reason"])
	require.Equal(t, float64(30), gotBody["grace_period_seconds"])
}

func TestHealthParsesStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL})
	status, err := c.Health(context.Background())
	require.NoError(t, err)
	require.Equal(t, "healthy", status.Status)
}

func TestNonSuccessStatusReturnsError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Token: "wrong"})
	err := c.UnblockIP(context.Background(), "203.0.113.5")
	require.Error(t, err)
}

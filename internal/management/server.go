// Package management implements the node's local Management API: a
// bearer-token-authenticated HTTP server for health checks, graceful
// termination, WAF rule reload, and blocklist edits, per section 4.8 of
// the spec.
package management

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"github.com/secbeat/fleet/internal/ddos"
	"github.com/secbeat/fleet/internal/metrics"
	"github.com/secbeat/fleet/internal/waf"
)

// NodeController is the subset of node lifecycle the Management API drives.
type NodeController interface {
	// Healthy reports whether /health should return 200 (true) or 503
	// (false, while draining).
	Healthy() bool
	// Terminate begins graceful shutdown with the given grace period and
	// reason; it must return immediately (the caller responds 202).
	Terminate(reason string, gracePeriod time.Duration)
}

// Server is the Management API's HTTP handler.
type Server struct {
	tokenHash []byte
	node      NodeController
	wafEngine *waf.Engine
	blocklist *ddos.Controller
	metrics   *metrics.Registry
	router    *mux.Router
}

// New builds a Server. token is the single static bearer token every
// non-GET request must present; it is bcrypt-hashed once here and the
// plaintext is never retained, so every request comparison runs against
// the hash rather than a stored copy of the token itself. metrics may be
// nil if the node wasn't given a metrics.Registry.
func New(token string, node NodeController, wafEngine *waf.Engine, blocklist *ddos.Controller, m *metrics.Registry) *Server {
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		// Only possible if token exceeds bcrypt's 72-byte input limit;
		// fall back to an empty hash that can never match so
		// authenticated endpoints fail closed instead of panicking.
		slog.Error("management: failed to hash bearer token, authenticated endpoints will reject all requests", "err", err)
		hash = []byte{}
	}

	s := &Server{tokenHash: hash, node: node, wafEngine: wafEngine, blocklist: blocklist, metrics: m}

	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/stats", s.handleStats).Methods(http.MethodGet)
	r.HandleFunc("/control/terminate", s.authenticated(s.handleTerminate)).Methods(http.MethodPost)
	r.HandleFunc("/waf/reload", s.authenticated(s.handleWafReload)).Methods(http.MethodPost)
	r.HandleFunc("/waf/rules/{id}", s.authenticated(s.handleWafDeleteRule)).Methods(http.MethodDelete)
	r.HandleFunc("/blocklist", s.authenticated(s.handleBlocklistAdd)).Methods(http.MethodPost)
	r.HandleFunc("/blocklist/{ip}", s.authenticated(s.handleBlocklistRemove)).Methods(http.MethodDelete)
	s.router = r

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// authenticated wraps next with bearer-token enforcement. A missing header
// and a mismatched token both yield 401, without distinguishing the two in
// the response body.
func (s *Server) authenticated(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		authHeader := r.Header.Get("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(authHeader, prefix) {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		presented := strings.TrimPrefix(authHeader, prefix)
		if bcrypt.CompareHashAndPassword(s.tokenHash, []byte(presented)) != nil {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.node.Healthy() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "draining"})
}

// handleStats is an internal accessor for the node's in-process counters.
// It is not a Prometheus exposition endpoint: no text-format scraping is
// supported, per the spec's Non-goals around metrics exposition. It
// exists purely so operational tooling can read current counts without
// running a scraper.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeJSON(w, http.StatusOK, map[string]float64{})
		return
	}
	snapshot, err := s.metrics.Snapshot()
	if err != nil {
		http.Error(w, `{"error":"failed to gather metrics"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

type terminateRequest struct {
	Reason             string `json:"reason"`
	GracePeriodSeconds int    `json:"grace_period_seconds"`
}

func (s *Server) handleTerminate(w http.ResponseWriter, r *http.Request) {
	var req terminateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
		return
	}
	grace := time.Duration(req.GracePeriodSeconds) * time.Second
	s.node.Terminate(req.Reason, grace)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "terminating"})
}

func (s *Server) handleWafReload(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, `{"error":"read failed"}`, http.StatusBadRequest)
		return
	}

	format := r.URL.Query().Get("format")
	var rules []waf.Rule
	if decodeErr := decodeRules(body, format, &rules); decodeErr != nil {
		http.Error(w, `{"error":"`+decodeErr.Error()+`"}`, http.StatusBadRequest)
		return
	}

	if err := s.wafEngine.LoadRules(rules); err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

func (s *Server) handleWafDeleteRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rules := s.wafEngine.Rules()
	found := false
	for _, rule := range rules {
		if rule.ID == id {
			found = true
			break
		}
	}
	if !found {
		http.Error(w, `{"error":"rule not found"}`, http.StatusNotFound)
		return
	}
	s.wafEngine.RemoveCustomPattern(id)
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

type blocklistAddRequest struct {
	IP     string `json:"ip"`
	TTL    int    `json:"ttl"`
	Reason string `json:"reason"`
}

func (s *Server) handleBlocklistAdd(w http.ResponseWriter, r *http.Request) {
	var req blocklistAddRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid body"}`, http.StatusBadRequest)
		return
	}
	if err := s.blocklist.Block(req.IP, req.Reason, time.Duration(req.TTL)*time.Second); err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "blocked"})
}

func (s *Server) handleBlocklistRemove(w http.ResponseWriter, r *http.Request) {
	ip := mux.Vars(r)["ip"]
	if err := s.blocklist.Unblock(ip); err != nil {
		http.Error(w, `{"error":"`+err.Error()+`"}`, http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "unblocked"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

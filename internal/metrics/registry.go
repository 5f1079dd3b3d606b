// Package metrics holds the node's in-process counters (SYN drops, WAF
// blocks, rate-limit rejects). It deliberately has no HTTP exposition
// handler: per the spec's Non-goals, a scrapeable /metrics endpoint is out
// of scope. Counters are read back through Snapshot, which the Management
// API surfaces as a plain JSON accessor instead.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Registry bundles the node's counters behind an unregistered local
// prometheus.Registry, so nothing here collides with a process-wide
// default registry if one is ever introduced elsewhere.
type Registry struct {
	SynDrops         prometheus.Counter
	ConnRejects      prometheus.Counter
	RateLimitRejects prometheus.Counter
	WafBlocks        prometheus.Counter

	reg *prometheus.Registry
}

// New builds a Registry with all counters registered and zeroed.
func New() *Registry {
	m := &Registry{
		SynDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "secbeat_syn_drops_total",
			Help: "SYN proxy drops: ACKs failing cookie validation and SYN-ACKs that could not be sent.",
		}),
		ConnRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "secbeat_conn_rejects_total",
			Help: "Connections rejected by the DDoS controller's blocklist or connection caps.",
		}),
		RateLimitRejects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "secbeat_rate_limit_rejects_total",
			Help: "Requests rejected by the per-IP token-bucket rate limiter.",
		}),
		WafBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "secbeat_waf_blocks_total",
			Help: "Requests blocked by a matching WAF rule.",
		}),
	}

	m.reg = prometheus.NewRegistry()
	m.reg.MustRegister(m.SynDrops, m.ConnRejects, m.RateLimitRejects, m.WafBlocks)
	return m
}

// Snapshot gathers the registered counters into a name->value map, for the
// Management API's internal stats accessor.
func (m *Registry) Snapshot() (map[string]float64, error) {
	families, err := m.reg.Gather()
	if err != nil {
		return nil, err
	}
	out := make(map[string]float64, len(families))
	for _, family := range families {
		for _, metric := range family.GetMetric() {
			out[family.GetName()] = metric.GetCounter().GetValue()
		}
	}
	return out, nil
}

package waf

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sync/atomic"

	"gopkg.in/yaml.v2"

	"github.com/secbeat/fleet/internal/metrics"
)

// Match describes a rule that fired against a request.
type Match struct {
	RuleID   string
	Name     string
	Severity Severity
	Action   Action
}

// Decision is the engine's verdict for a single request: at most one
// blocking match (which short-circuits evaluation) plus every logging-only
// match observed along the way.
type Decision struct {
	Blocked    bool
	Block      Match
	LogMatches []Match
}

// Engine holds the live RuleSet behind an atomic pointer so Evaluate never
// blocks on a concurrent reload, per the spec's read-mostly swap policy.
type Engine struct {
	current atomic.Pointer[RuleSet]
	metrics *metrics.Registry
}

// NewEngine builds an Engine with an empty rule set.
func NewEngine() *Engine {
	e := &Engine{}
	e.current.Store(&RuleSet{})
	return e
}

// SetMetrics attaches a metrics.Registry the Engine increments on every
// blocking match. Optional: a nil registry is a no-op.
func (e *Engine) SetMetrics(m *metrics.Registry) {
	e.metrics = m
}

// LoadFile reads, decodes (YAML when format is "yaml", JSON otherwise) and compiles the rule file
// at path, then atomically swaps it in. On any error the previously active
// rule set is left untouched.
func (e *Engine) LoadFile(path, format string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("waf: read rule file: %w", err)
	}

	var rules []Rule
	switch format {
	case "yaml":
		err = yaml.Unmarshal(data, &rules)
	default:
		err = json.Unmarshal(data, &rules)
	}
	if err != nil {
		return fmt.Errorf("waf: decode rule file: %w", err)
	}

	rs, err := compileRuleSet(rules)
	if err != nil {
		return err
	}
	e.current.Store(rs)
	return nil
}

// LoadRules compiles rules directly (used by tests and the management API's
// bulk-reload path) and swaps them in atomically.
func (e *Engine) LoadRules(rules []Rule) error {
	rs, err := compileRuleSet(rules)
	if err != nil {
		return err
	}
	e.current.Store(rs)
	return nil
}

// AddCustomPattern compiles rule against the current set and swaps in the
// result, leaving the active set unchanged on error.
func (e *Engine) AddCustomPattern(r Rule) error {
	current := e.current.Load()
	next, err := current.withRule(r)
	if err != nil {
		return err
	}
	e.current.Store(next)
	return nil
}

// RemoveCustomPattern removes the rule with the given id, if present.
func (e *Engine) RemoveCustomPattern(id string) {
	current := e.current.Load()
	e.current.Store(current.withoutRule(id))
}

// Rules returns the currently active rule set's plain Rule view.
func (e *Engine) Rules() []Rule {
	return e.current.Load().Rules()
}

// Evaluate scans req against the active rule set. The first matching
// blocking rule (in rule-set order) short-circuits; all logging matches
// encountered before the short-circuit (or across the whole set, if no
// block matched) are returned for telemetry.
func (e *Engine) Evaluate(req *http.Request, body []byte) Decision {
	rs := e.current.Load()

	var decision Decision
	for _, cr := range rs.rules {
		if !matches(cr, req, body) {
			continue
		}
		m := Match{RuleID: cr.ID, Name: cr.Name, Severity: cr.Severity, Action: cr.Action}
		if cr.Action == ActionBlock {
			decision.Blocked = true
			decision.Block = m
			if e.metrics != nil {
				e.metrics.WafBlocks.Inc()
			}
			return decision
		}
		decision.LogMatches = append(decision.LogMatches, m)
	}
	return decision
}

func matches(cr compiledRule, req *http.Request, body []byte) bool {
	switch cr.Target {
	case TargetURI:
		return cr.re.MatchString(req.URL.Path)
	case TargetQuery:
		return cr.re.MatchString(req.URL.RawQuery)
	case TargetMethod:
		return cr.re.MatchString(req.Method)
	case TargetHeader:
		for _, values := range req.Header {
			for _, v := range values {
				if cr.re.MatchString(v) {
					return true
				}
			}
		}
		return false
	case TargetBody:
		return cr.re.Match(body)
	default:
		return false
	}
}

package waf

import "fmt"

// RuleSet is an immutable, compiled collection of rules. A new RuleSet is
// always built in full (never mutated in place) so the Engine can publish
// it via a single atomic pointer swap.
type RuleSet struct {
	rules []compiledRule
}

// compileRuleSet compiles rules, rejecting duplicate ids and any rule whose
// pattern fails to compile. On the first error it returns immediately,
// naming the offending rule, per the spec's "reload returns an error
// describing the first invalid rule" requirement.
func compileRuleSet(rules []Rule) (*RuleSet, error) {
	seen := make(map[string]struct{}, len(rules))
	compiled := make([]compiledRule, 0, len(rules))

	for _, r := range rules {
		if _, dup := seen[r.ID]; dup {
			return nil, fmt.Errorf("waf: duplicate rule id %q", r.ID)
		}
		seen[r.ID] = struct{}{}

		cr, err := compileRule(r)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, cr)
	}

	return &RuleSet{rules: compiled}, nil
}

// withRule returns a new RuleSet with rule added (or replacing any existing
// rule of the same id), leaving the receiver untouched.
func (rs *RuleSet) withRule(r Rule) (*RuleSet, error) {
	cr, err := compileRule(r)
	if err != nil {
		return nil, err
	}
	next := make([]compiledRule, 0, len(rs.rules)+1)
	for _, existing := range rs.rules {
		if existing.ID != r.ID {
			next = append(next, existing)
		}
	}
	next = append(next, cr)
	return &RuleSet{rules: next}, nil
}

// withoutRule returns a new RuleSet with the rule matching id removed.
func (rs *RuleSet) withoutRule(id string) *RuleSet {
	next := make([]compiledRule, 0, len(rs.rules))
	for _, existing := range rs.rules {
		if existing.ID != id {
			next = append(next, existing)
		}
	}
	return &RuleSet{rules: next}
}

// Rules returns the plain Rule view of the set, for the management API.
func (rs *RuleSet) Rules() []Rule {
	out := make([]Rule, 0, len(rs.rules))
	for _, cr := range rs.rules {
		out = append(out, cr.Rule)
	}
	return out
}

package waf

import (
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluateBlocksPathTraversal(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.LoadRules([]Rule{
		{ID: "r1", Name: "path traversal", Severity: SeverityHigh, Action: ActionBlock, Target: TargetURI, Pattern: `\.\./`},
	}))

	req := httptest.NewRequest("GET", "/../../etc/passwd", nil)
	decision := e.Evaluate(req, nil)
	require.True(t, decision.Blocked)
	require.Equal(t, "r1", decision.Block.RuleID)
}

func TestEvaluateAllowsCleanRequest(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.LoadRules([]Rule{
		{ID: "r1", Action: ActionBlock, Target: TargetURI, Pattern: `\.\./`},
	}))

	req := httptest.NewRequest("GET", "/healthy/path", nil)
	decision := e.Evaluate(req, nil)
	require.False(t, decision.Blocked)
}

func TestEvaluateAccumulatesLogMatches(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.LoadRules([]Rule{
		{ID: "r1", Action: ActionLog, Target: TargetURI, Pattern: `/admin`},
	}))

	req := httptest.NewRequest("GET", "/admin/panel", nil)
	decision := e.Evaluate(req, nil)
	require.False(t, decision.Blocked)
	require.Len(t, decision.LogMatches, 1)
	require.Equal(t, "r1", decision.LogMatches[0].RuleID)
}

func TestLoadRulesRejectsDuplicateIDs(t *testing.T) {
	e := NewEngine()
	err := e.LoadRules([]Rule{
		{ID: "r1", Action: ActionBlock, Target: TargetURI, Pattern: "a"},
		{ID: "r1", Action: ActionBlock, Target: TargetURI, Pattern: "b"},
	})
	require.Error(t, err)
}

func TestLoadRulesRejectsInvalidPattern(t *testing.T) {
	e := NewEngine()
	err := e.LoadRules([]Rule{
		{ID: "r1", Action: ActionBlock, Target: TargetURI, Pattern: "("},
	})
	require.Error(t, err)
}

func TestReloadWithInvalidFileKeepsPreviousRuleSet(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.LoadRules([]Rule{
		{ID: "r1", Action: ActionBlock, Target: TargetURI, Pattern: `\.\./`},
	}))

	dir := t.TempDir()
	badPath := filepath.Join(dir, "rules.json")
	require.NoError(t, os.WriteFile(badPath, []byte(`not json`), 0o600))

	err := e.LoadFile(badPath, "json")
	require.Error(t, err)

	rules := e.Rules()
	require.Len(t, rules, 1)
	require.Equal(t, "r1", rules[0].ID)
}

func TestAddRemoveCustomPatternLeavesOtherRulesUnchanged(t *testing.T) {
	e := NewEngine()
	require.NoError(t, e.LoadRules([]Rule{
		{ID: "r1", Action: ActionBlock, Target: TargetURI, Pattern: "a"},
	}))

	require.NoError(t, e.AddCustomPattern(Rule{ID: "r2", Action: ActionLog, Target: TargetURI, Pattern: "b"}))
	require.Len(t, e.Rules(), 2)

	e.RemoveCustomPattern("r2")
	rules := e.Rules()
	require.Len(t, rules, 1)
	require.Equal(t, "r1", rules[0].ID)
}

package policy

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redteamingai/proxy/internal/core"
)

// fakeSource is an in-memory RuleSource with call counting.
type fakeSource struct {
	mu    sync.Mutex
	rules map[string][]core.PolicyRule
	loads int
	hits  map[string]int
	fail  bool
}

func newFakeSource() *fakeSource {
	return &fakeSource{rules: map[string][]core.PolicyRule{}, hits: map[string]int{}}
}

func (f *fakeSource) ListEnabledRules(_ context.Context, tenantID string) ([]core.PolicyRule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loads++
	if f.fail {
		return nil, errors.New("store unavailable")
	}
	return f.rules[tenantID], nil
}

func (f *fakeSource) IncrementRuleHit(_ context.Context, ruleID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hits[ruleID]++
	return nil
}

func newTestEngine(t *testing.T, src RuleSource) *Engine {
	t.Helper()
	e, err := NewEngine(src, 5*time.Minute, 10*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(e.Close)
	return e
}

func rule(id, tenant, name, condition string, action core.PolicyAction, sev core.PolicySeverity) core.PolicyRule {
	return core.PolicyRule{
		ID: id, TenantID: tenant, Name: name, Condition: condition,
		Action: action, Severity: sev, Enabled: true,
	}
}

func TestEvaluate_CostBlockRule(t *testing.T) {
	src := newFakeSource()
	src.rules["t1"] = []core.PolicyRule{
		rule("r1", "t1", "expensive_call", "cost > 0.50", core.ActionBlock, core.SeverityHigh),
	}
	e := newTestEngine(t, src)

	res := e.Evaluate(context.Background(), &core.LoggedEvent{TenantID: "t1", CostUSD: 0.75}, nil)
	assert.Equal(t, core.ActionBlock, res.Action)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "expensive_call", res.Violations[0].Name)
	assert.Equal(t, 30, res.Score)

	// Cheap call does not match.
	res = e.Evaluate(context.Background(), &core.LoggedEvent{TenantID: "t1", CostUSD: 0.10}, nil)
	assert.Equal(t, core.ActionAllow, res.Action)
	assert.Empty(t, res.Violations)
}

func TestEvaluate_ToolAndModelContext(t *testing.T) {
	src := newFakeSource()
	src.rules["t1"] = []core.PolicyRule{
		rule("r1", "t1", "no_shell", `tools.exists(t, t == "shell_exec")`, core.ActionAlert, core.SeverityCritical),
		rule("r2", "t1", "gpt4_only", `model.startsWith("gpt-4")`, core.ActionAlert, core.SeverityLow),
	}
	e := newTestEngine(t, src)

	res := e.Evaluate(context.Background(),
		&core.LoggedEvent{TenantID: "t1", Model: "gpt-4o"},
		[]string{"shell_exec", "search"},
	)
	assert.Equal(t, core.ActionAlert, res.Action)
	assert.Len(t, res.Violations, 2)
	assert.Equal(t, 50, res.Score)
}

func TestEvaluate_BlockWinsOverAlert(t *testing.T) {
	src := newFakeSource()
	src.rules["t1"] = []core.PolicyRule{
		rule("r1", "t1", "alerting", "true", core.ActionAlert, core.SeverityLow),
		rule("r2", "t1", "blocking", "cost >= 0.0", core.ActionBlock, core.SeverityLow),
	}
	e := newTestEngine(t, src)

	res := e.Evaluate(context.Background(), &core.LoggedEvent{TenantID: "t1"}, nil)
	assert.Equal(t, core.ActionBlock, res.Action)
}

func TestEvaluate_BrokenConditionNeverMatches(t *testing.T) {
	src := newFakeSource()
	src.rules["t1"] = []core.PolicyRule{
		rule("r1", "t1", "unparseable", "while(true){}", core.ActionBlock, core.SeverityCritical),
		rule("r2", "t1", "type_error", `model + 1 == 2`, core.ActionBlock, core.SeverityCritical),
		rule("r3", "t1", "non_boolean", `"a string"`, core.ActionBlock, core.SeverityCritical),
		rule("r4", "t1", "fine", "cost > 0.1", core.ActionAlert, core.SeverityMedium),
	}
	e := newTestEngine(t, src)

	// Broken rules fail closed to non-match without starving the good one.
	res := e.Evaluate(context.Background(), &core.LoggedEvent{TenantID: "t1", CostUSD: 0.2}, nil)
	assert.Equal(t, core.ActionAlert, res.Action)
	require.Len(t, res.Violations, 1)
	assert.Equal(t, "fine", res.Violations[0].Name)
}

func TestEvaluate_RuleIsolation(t *testing.T) {
	src := newFakeSource()
	src.rules["t1"] = []core.PolicyRule{
		rule("r1", "t1", "first", "cost > 100.0", core.ActionBlock, core.SeverityLow),
		rule("r2", "t1", "second", "cost > 100.0", core.ActionBlock, core.SeverityLow),
	}
	e := newTestEngine(t, src)

	res := e.Evaluate(context.Background(), &core.LoggedEvent{TenantID: "t1", CostUSD: 1}, nil)
	assert.Empty(t, res.Violations, "no condition may influence another rule's outcome")
	assert.Equal(t, core.ActionAllow, res.Action)
}

func TestRuleCache(t *testing.T) {
	src := newFakeSource()
	src.rules["t1"] = []core.PolicyRule{
		rule("r1", "t1", "any", "true", core.ActionAlert, core.SeverityLow),
	}
	e := newTestEngine(t, src)

	ev := &core.LoggedEvent{TenantID: "t1"}
	e.Evaluate(context.Background(), ev, nil)
	e.Evaluate(context.Background(), ev, nil)
	e.Evaluate(context.Background(), ev, nil)

	src.mu.Lock()
	loads := src.loads
	src.mu.Unlock()
	assert.Equal(t, 1, loads, "rules load once within the TTL")

	e.Invalidate("t1")
	e.Evaluate(context.Background(), ev, nil)
	src.mu.Lock()
	loads = src.loads
	src.mu.Unlock()
	assert.Equal(t, 2, loads)
}

func TestRuleCache_ServesStaleOnReloadFailure(t *testing.T) {
	src := newFakeSource()
	src.rules["t1"] = []core.PolicyRule{
		rule("r1", "t1", "any", "true", core.ActionAlert, core.SeverityLow),
	}
	e, err := NewEngine(src, time.Millisecond, 10*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(e.Close)

	res := e.Evaluate(context.Background(), &core.LoggedEvent{TenantID: "t1"}, nil)
	require.Len(t, res.Violations, 1)

	time.Sleep(5 * time.Millisecond)
	src.mu.Lock()
	src.fail = true
	src.mu.Unlock()

	res = e.Evaluate(context.Background(), &core.LoggedEvent{TenantID: "t1"}, nil)
	assert.Len(t, res.Violations, 1, "stale rules keep serving when reload fails")
}

func TestEvaluate_HitCountsRecordedByWorker(t *testing.T) {
	src := newFakeSource()
	src.rules["t1"] = []core.PolicyRule{
		rule("r1", "t1", "any", "true", core.ActionAlert, core.SeverityLow),
	}
	e := newTestEngine(t, src)

	ev := &core.LoggedEvent{TenantID: "t1"}
	for i := 0; i < 3; i++ {
		res := e.Evaluate(context.Background(), ev, nil)
		require.Len(t, res.Violations, 1)
	}

	// Counts land asynchronously through the single hit worker.
	require.Eventually(t, func() bool {
		src.mu.Lock()
		defer src.mu.Unlock()
		return src.hits["r1"] == 3
	}, time.Second, 5*time.Millisecond)
}

func TestEvaluate_NoRulesTenant(t *testing.T) {
	e := newTestEngine(t, newFakeSource())
	res := e.Evaluate(context.Background(), &core.LoggedEvent{TenantID: "empty"}, nil)
	assert.Equal(t, core.ActionAllow, res.Action)
	assert.Equal(t, 0, res.Score)
}

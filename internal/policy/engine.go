// Package policy evaluates tenant-defined rules against intercepted events.
// Rule conditions are CEL expressions run in a sandbox: only the bound
// request context is visible, evaluation is cost-limited and hard-capped at
// a wall-clock budget, and every failure is treated as "rule did not match".
package policy

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/cel-go/cel"

	"github.com/redteamingai/proxy/internal/core"
)

// RuleSource supplies a tenant's enabled rules. Implemented by the sqlite
// store.
type RuleSource interface {
	ListEnabledRules(ctx context.Context, tenantID string) ([]core.PolicyRule, error)
	IncrementRuleHit(ctx context.Context, ruleID string) error
}

const hitBuffer = 256

// Engine owns the per-tenant rule cache and the shared CEL environment.
// Rule-hit accounting is funneled through one worker goroutine so a hot
// matching rule never spawns unbounded goroutines.
type Engine struct {
	source      RuleSource
	env         *cel.Env
	cacheTTL    time.Duration
	evalTimeout time.Duration

	hits     chan string
	stop     chan struct{}
	stopOnce sync.Once

	mu    sync.RWMutex
	cache map[string]*cacheEntry
}

type cacheEntry struct {
	rules   []compiledRule
	expires time.Time
}

type compiledRule struct {
	rule core.PolicyRule
	prg  cel.Program // nil when the condition failed to compile
}

// NewEngine builds the CEL environment and an empty cache. The environment
// exposes only the request context; CEL itself has no I/O, filesystem, or
// host access.
func NewEngine(source RuleSource, cacheTTL, evalTimeout time.Duration) (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("event", cel.DynType),
		cel.Variable("tools", cel.ListType(cel.StringType)),
		cel.Variable("model", cel.StringType),
		cel.Variable("cost", cel.DoubleType),
		cel.Variable("agentId", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create CEL environment: %w", err)
	}
	e := &Engine{
		source:      source,
		env:         env,
		cacheTTL:    cacheTTL,
		evalTimeout: evalTimeout,
		hits:        make(chan string, hitBuffer),
		stop:        make(chan struct{}),
		cache:       make(map[string]*cacheEntry),
	}
	go e.hitLoop()
	return e, nil
}

// hitLoop drains the hit channel, writing counts off the hot path.
func (e *Engine) hitLoop() {
	for {
		select {
		case ruleID := <-e.hits:
			if err := e.source.IncrementRuleHit(context.Background(), ruleID); err != nil {
				slog.Debug("rule hit count update failed", "rule_id", ruleID, "error", err)
			}
		case <-e.stop:
			return
		}
	}
}

// Close stops the hit worker. Pending hits in the buffer are dropped.
func (e *Engine) Close() {
	e.stopOnce.Do(func() { close(e.stop) })
}

// Evaluate runs every enabled rule of the event's tenant against the event.
// The pre-parsed tool list is shared with the scanner to avoid double work.
func (e *Engine) Evaluate(ctx context.Context, ev *core.LoggedEvent, tools []string) core.PolicyResult {
	res := core.PolicyResult{Action: core.ActionAllow}

	rules := e.tenantRules(ctx, ev.TenantID)
	if len(rules) == 0 {
		return res
	}

	if tools == nil {
		tools = []string{}
	}
	input := map[string]any{
		"event": map[string]any{
			"id":                ev.ID,
			"tenant_id":         ev.TenantID,
			"agent_id":          ev.AgentID,
			"model":             ev.Model,
			"cost_usd":          ev.CostUSD,
			"prompt_tokens":     ev.PromptTokens,
			"completion_tokens": ev.CompletionTokens,
			"latency_ms":        ev.LatencyMs,
			"tools":             tools,
		},
		"tools":   tools,
		"model":   ev.Model,
		"cost":    ev.CostUSD,
		"agentId": ev.AgentID,
	}

	hasBlock, hasAlert := false, false
	for _, cr := range rules {
		if !e.ruleMatches(ctx, cr, input) {
			continue
		}
		res.Violations = append(res.Violations, cr.rule)
		res.Score += core.SeverityScore(cr.rule.Severity)
		switch cr.rule.Action {
		case core.ActionBlock:
			hasBlock = true
		case core.ActionAlert:
			hasAlert = true
		}

		// Best-effort hit accounting; a full buffer drops the count rather
		// than blocking evaluation.
		select {
		case e.hits <- cr.rule.ID:
		default:
			slog.Debug("hit buffer full, dropping count", "rule_id", cr.rule.ID)
		}
	}

	if res.Score > 100 {
		res.Score = 100
	}
	switch {
	case hasBlock:
		res.Action = core.ActionBlock
	case hasAlert:
		res.Action = core.ActionAlert
	}
	return res
}

// ruleMatches evaluates one compiled rule under the sandbox budget. A rule
// matches only when the condition cleanly returns boolean true; compile
// errors, timeouts, and type mismatches all count as non-matches.
func (e *Engine) ruleMatches(ctx context.Context, cr compiledRule, input map[string]any) bool {
	if cr.prg == nil {
		return false
	}

	evalCtx, cancel := context.WithTimeout(ctx, e.evalTimeout)
	defer cancel()

	out, _, err := cr.prg.ContextEval(evalCtx, input)
	if err != nil {
		slog.Warn("policy condition evaluation failed",
			"rule", cr.rule.Name, "tenant_id", cr.rule.TenantID, "error", err)
		return false
	}
	matched, ok := out.Value().(bool)
	if !ok {
		slog.Warn("policy condition returned non-boolean",
			"rule", cr.rule.Name, "tenant_id", cr.rule.TenantID)
		return false
	}
	return matched
}

// tenantRules returns the cached compiled rules for a tenant, reloading from
// the source when the entry is missing or stale. A failed reload serves the
// stale entry when one exists; otherwise the tenant evaluates with no rules.
func (e *Engine) tenantRules(ctx context.Context, tenantID string) []compiledRule {
	now := time.Now()

	e.mu.RLock()
	entry, ok := e.cache[tenantID]
	e.mu.RUnlock()
	if ok && now.Before(entry.expires) {
		return entry.rules
	}

	rules, err := e.source.ListEnabledRules(ctx, tenantID)
	if err != nil {
		slog.Warn("policy rule reload failed", "tenant_id", tenantID, "error", err)
		if ok {
			return entry.rules
		}
		return nil
	}

	compiled := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		compiled = append(compiled, compiledRule{rule: r, prg: e.compile(r)})
	}

	// Readers see either the prior entry or the fully-built new one.
	e.mu.Lock()
	e.cache[tenantID] = &cacheEntry{rules: compiled, expires: now.Add(e.cacheTTL)}
	e.mu.Unlock()
	return compiled
}

// compile builds the sandboxed program for one rule. InterruptCheckFrequency
// makes ContextEval honor the wall-clock cap; CostLimit bounds work even
// within a single check interval.
func (e *Engine) compile(r core.PolicyRule) cel.Program {
	ast, issues := e.env.Compile(r.Condition)
	if issues != nil && issues.Err() != nil {
		slog.Warn("policy condition failed to compile",
			"rule", r.Name, "tenant_id", r.TenantID, "error", issues.Err())
		return nil
	}
	prg, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		slog.Warn("policy program construction failed",
			"rule", r.Name, "tenant_id", r.TenantID, "error", err)
		return nil
	}
	return prg
}

// Invalidate drops a tenant's cache entry, forcing a reload on the next
// evaluation. Used when the external rule CRUD surface changes rules.
func (e *Engine) Invalidate(tenantID string) {
	e.mu.Lock()
	delete(e.cache, tenantID)
	e.mu.Unlock()
}

// ViolationNames projects matched rule names in order for the flags union.
func ViolationNames(res core.PolicyResult) []string {
	names := make([]string, 0, len(res.Violations))
	for _, v := range res.Violations {
		names = append(names, v.Name)
	}
	return names
}

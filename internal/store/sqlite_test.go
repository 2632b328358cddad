package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/redteamingai/proxy/internal/core"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndUpdateEvent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	ev, err := s.InsertEvent(ctx, core.LoggedEvent{
		Timestamp: time.Now().UTC(),
		TenantID:  "t1",
		AgentID:   "agent-a",
		Model:     "gpt-4o",
		CostUSD:   0.0042,
		Tools:     []string{"search", "calculator"},
	})
	require.NoError(t, err)
	require.NotEmpty(t, ev.ID)

	// Event starts unscored.
	got, err := s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, 0, got.RiskScore)
	assert.False(t, got.Blocked)
	assert.Equal(t, []string{"search", "calculator"}, got.Tools)

	err = s.UpdateSecurityResult(ctx, ev.ID, core.SecurityDecision{
		RiskScore: 72,
		Blocked:   true,
		Flags:     []string{"credential_access", "prompt_injection"},
	})
	require.NoError(t, err)

	got, err = s.GetEvent(ctx, ev.ID)
	require.NoError(t, err)
	assert.Equal(t, 72, got.RiskScore)
	assert.True(t, got.Blocked)
	assert.Equal(t, []string{"credential_access", "prompt_injection"}, got.Flags)
}

func TestUpdateSecurityResult_MissingEvent(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdateSecurityResult(context.Background(), "no-such-id", core.SecurityDecision{})
	assert.Error(t, err)
}

func TestCountEventsInMonth(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 8, 15, 12, 0, 0, 0, time.UTC)

	// Two in the current month, one from July.
	for _, ts := range []time.Time{
		now, now.Add(-24 * time.Hour), time.Date(2026, 7, 30, 0, 0, 0, 0, time.UTC),
	} {
		_, err := s.InsertEvent(ctx, core.LoggedEvent{Timestamp: ts, TenantID: "t1"})
		require.NoError(t, err)
	}
	// Another tenant's event never counts.
	_, err := s.InsertEvent(ctx, core.LoggedEvent{Timestamp: now, TenantID: "t2"})
	require.NoError(t, err)

	n, err := s.CountEventsInMonth(ctx, "t1", now)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestTenantLookupByKey(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateTenant(ctx, core.Tenant{
		ID: "t1", APIKey: "rtai_abc123", MonthlyLimit: 500,
	}))

	tenant, err := s.GetTenantByKey(ctx, "rtai_abc123")
	require.NoError(t, err)
	require.NotNil(t, tenant)
	assert.Equal(t, "t1", tenant.ID)
	assert.Equal(t, 500, tenant.MonthlyLimit)

	missing, err := s.GetTenantByKey(ctx, "rtai_nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestAgentBlockList(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	blocked, err := s.IsAgentBlocked(ctx, "t1", "agent-a")
	require.NoError(t, err)
	assert.False(t, blocked)

	require.NoError(t, s.BlockAgent(ctx, "t1", "agent-a", "post-stream block"))
	// Idempotent.
	require.NoError(t, s.BlockAgent(ctx, "t1", "agent-a", "again"))

	blocked, err = s.IsAgentBlocked(ctx, "t1", "agent-a")
	require.NoError(t, err)
	assert.True(t, blocked)

	// No cross-tenant visibility.
	blocked, err = s.IsAgentBlocked(ctx, "t2", "agent-a")
	require.NoError(t, err)
	assert.False(t, blocked)
}

func TestListEnabledRules(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.CreateRule(ctx, core.PolicyRule{
		TenantID: "t1", Name: "expensive", Condition: "cost > 0.5",
		Action: core.ActionBlock, Severity: core.SeverityHigh, Enabled: true,
	})
	require.NoError(t, err)
	_, err = s.CreateRule(ctx, core.PolicyRule{
		TenantID: "t1", Name: "disabled", Condition: "true",
		Action: core.ActionAlert, Severity: core.SeverityLow, Enabled: false,
	})
	require.NoError(t, err)

	rules, err := s.ListEnabledRules(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.Equal(t, "expensive", rules[0].Name)
	assert.Equal(t, core.ActionBlock, rules[0].Action)

	require.NoError(t, s.IncrementRuleHit(ctx, rules[0].ID))
	rules, err = s.ListEnabledRules(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rules[0].HitCount)
}

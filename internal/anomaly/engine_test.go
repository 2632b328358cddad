package anomaly

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/redteamingai/proxy/internal/core"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	ws := NewWindowStore(10*time.Minute, time.Hour)
	t.Cleanup(ws.Stop)
	return NewEngine(ws)
}

func TestBurstSpike(t *testing.T) {
	e := newTestEngine(t)
	base := time.Now()

	var res core.AnomalyResult
	for i := 0; i < 6; i++ {
		res = e.Analyze(&core.LoggedEvent{
			TenantID:  "t1",
			AgentID:   "agent-a",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	// Calls 1-5 stay quiet; the 6th crosses >5 in 10s.
	assert.Contains(t, res.Flags, "burst_spike")
	assert.False(t, res.ShouldBlock)
}

func TestHighFrequency(t *testing.T) {
	e := newTestEngine(t)
	base := time.Now()

	var res core.AnomalyResult
	for i := 0; i < 21; i++ {
		// Spread beyond 10s so burst_spike does not fire.
		res = e.Analyze(&core.LoggedEvent{
			TenantID:  "t1",
			AgentID:   "agent-a",
			Timestamp: base.Add(time.Duration(i) * 12 * time.Second),
		})
	}
	assert.Contains(t, res.Flags, "high_frequency")
	assert.NotContains(t, res.Flags, "burst_spike")
}

func TestCredentialAccessHardBlocks(t *testing.T) {
	e := newTestEngine(t)
	res := e.Analyze(&core.LoggedEvent{
		TenantID:  "t1",
		AgentID:   "agent-a",
		Timestamp: time.Now(),
		Tools:     []string{"read_api_key"},
	})
	assert.Contains(t, res.Flags, "credential_access")
	assert.True(t, res.ShouldBlock, "credential access must hard-block regardless of score")
}

func TestFileExfiltrationHardBlocks(t *testing.T) {
	e := newTestEngine(t)
	tools := make([]string, 11)
	for i := range tools {
		tools[i] = "file_read"
	}
	res := e.Analyze(&core.LoggedEvent{
		TenantID: "t1", AgentID: "agent-a", Timestamp: time.Now(), Tools: tools,
	})
	assert.Contains(t, res.Flags, "file_exfiltration")
	assert.True(t, res.ShouldBlock)
}

func TestLargePayloadAndCost(t *testing.T) {
	e := newTestEngine(t)
	res := e.Analyze(&core.LoggedEvent{
		TenantID:   "t1",
		Timestamp:  time.Now(),
		RawRequest: strings.Repeat("x", 51201),
		CostUSD:    0.75,
	})
	assert.Contains(t, res.Flags, "large_payload")
	assert.Contains(t, res.Flags, "excessive_cost")
	assert.Equal(t, scoreLargePayload+scoreExcessiveCost, res.Score)
}

func TestRepeatedFailures(t *testing.T) {
	e := newTestEngine(t)
	base := time.Now()

	var res core.AnomalyResult
	for i := 0; i < 6; i++ {
		res = e.Analyze(&core.LoggedEvent{
			TenantID:    "t1",
			AgentID:     "agent-a",
			Timestamp:   base.Add(time.Duration(i) * 30 * time.Second),
			RawResponse: `{"error": {"message": "rate limited"}}`,
		})
	}
	assert.Contains(t, res.Flags, "repeated_failures")
}

func TestToolEnumeration(t *testing.T) {
	e := newTestEngine(t)
	res := e.Analyze(&core.LoggedEvent{
		TenantID:  "t1",
		AgentID:   "agent-a",
		Timestamp: time.Now(),
		Tools:     []string{"a", "b", "c", "d", "e", "f", "g", "h", "i"},
	})
	assert.Contains(t, res.Flags, "tool_enumeration")
}

func TestToolEnumerationAgesOutForActiveAgent(t *testing.T) {
	ws := NewWindowStore(10*time.Minute, time.Hour)
	t.Cleanup(ws.Stop)
	e := NewEngine(ws)
	base := time.Now()

	e.Analyze(&core.LoggedEvent{
		TenantID:  "t1",
		AgentID:   "agent-a",
		Timestamp: base,
		Tools:     []string{"a", "b", "c", "d", "e", "f", "g", "h", "i"},
	})
	// An intervening call keeps the window alive past the tool burst.
	e.Analyze(&core.LoggedEvent{
		TenantID: "t1", AgentID: "agent-a", Timestamp: base.Add(6 * time.Minute),
	})

	ws.Evict(base.Add(12 * time.Minute))

	res := e.Analyze(&core.LoggedEvent{
		TenantID: "t1", AgentID: "agent-a", Timestamp: base.Add(12 * time.Minute),
	})
	assert.NotContains(t, res.Flags, "tool_enumeration",
		"tools from before the retention horizon must not keep counting")
}

func TestScoreCappedAt100(t *testing.T) {
	e := newTestEngine(t)
	tools := make([]string, 11)
	for i := range tools {
		tools[i] = "file_read"
	}
	tools = append(tools, "read_api_key", "http_fetch", "spawn_agent",
		"a", "b", "c", "d", "e", "f")

	res := e.Analyze(&core.LoggedEvent{
		TenantID:   "t1",
		Timestamp:  time.Now(),
		Tools:      tools,
		RawRequest: strings.Repeat("x", 60000),
		CostUSD:    1.0,
	})
	assert.Equal(t, 100, res.Score)
	assert.True(t, res.ShouldBlock)
}

func TestTenantIsolation(t *testing.T) {
	e := newTestEngine(t)
	base := time.Now()

	for i := 0; i < 6; i++ {
		e.Analyze(&core.LoggedEvent{
			TenantID:  "t1",
			AgentID:   "shared-name",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	// Same agent name under another tenant starts from a clean window.
	res := e.Analyze(&core.LoggedEvent{
		TenantID: "t2", AgentID: "shared-name", Timestamp: base.Add(6 * time.Second),
	})
	assert.NotContains(t, res.Flags, "burst_spike")
}

func TestAnonymousAgentBucket(t *testing.T) {
	e := newTestEngine(t)
	base := time.Now()

	var res core.AnomalyResult
	for i := 0; i < 6; i++ {
		// No agent id: all calls share the tenant's anonymous bucket.
		res = e.Analyze(&core.LoggedEvent{
			TenantID:  "t1",
			Timestamp: base.Add(time.Duration(i) * time.Second),
		})
	}
	assert.Contains(t, res.Flags, "burst_spike")
}

func TestIsErrorResponse(t *testing.T) {
	cases := []struct {
		raw  string
		want bool
	}{
		{"", false},
		{"all good", false},
		{"request FAILED upstream", true},
		{"an Exception occurred", true},
		{`{"error": "bad key"}`, true},
		{`{"choices": []}`, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, IsErrorResponse(tc.raw), "raw=%q", tc.raw)
	}
}

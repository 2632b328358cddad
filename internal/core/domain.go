// Package core defines the shared domain types for the RedTeamingAI proxy:
// intercepted events, tenants, policy rules, and the security decision
// produced by the analysis pipeline.
package core

import "time"

// LoggedEvent is one intercepted LLM call. The interceptor creates it once
// per request; the pipeline mutates it exactly once via the security-result
// update (risk score, blocked, flags).
type LoggedEvent struct {
	ID               string    `json:"id"`
	Timestamp        time.Time `json:"timestamp"`
	TenantID         string    `json:"tenant_id"`
	AgentID          string    `json:"agent_id,omitempty"`
	Model            string    `json:"model"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	CostUSD          float64   `json:"cost_usd"`
	LatencyMs        int64     `json:"latency_ms"`
	Tools            []string  `json:"tools,omitempty"`
	RequestHash      string    `json:"request_hash"`
	ResponseSnippet  string    `json:"response_snippet"`
	RiskScore        int       `json:"risk_score"`
	Blocked          bool      `json:"blocked"`
	Flags            []string  `json:"flags,omitempty"`
	RawRequest       string    `json:"raw_request"`
	RawResponse      string    `json:"raw_response"`
}

// Tenant is a customer identified by an opaque API key. Read-only for the
// proxy data path.
type Tenant struct {
	ID           string `json:"id"`
	APIKey       string `json:"api_key"`
	MonthlyLimit int    `json:"monthly_limit"`
	Blocked      bool   `json:"blocked"`
}

// PolicyAction is the enforcement outcome of a matched rule.
type PolicyAction string

const (
	ActionAllow PolicyAction = "ALLOW"
	ActionBlock PolicyAction = "BLOCK"
	ActionAlert PolicyAction = "ALERT"
)

// PolicySeverity weights a matched rule's contribution to the policy score.
type PolicySeverity string

const (
	SeverityLow      PolicySeverity = "LOW"
	SeverityMedium   PolicySeverity = "MEDIUM"
	SeverityHigh     PolicySeverity = "HIGH"
	SeverityCritical PolicySeverity = "CRITICAL"
)

// SeverityScore maps a severity to its score contribution.
func SeverityScore(s PolicySeverity) int {
	switch s {
	case SeverityLow:
		return 10
	case SeverityMedium:
		return 20
	case SeverityHigh:
		return 30
	case SeverityCritical:
		return 40
	default:
		return 0
	}
}

// PolicyRule is a tenant-owned, user-defined detection rule. Condition is
// source text for the sandboxed evaluator; disabled rules are never evaluated.
type PolicyRule struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Condition   string         `json:"condition"`
	Action      PolicyAction   `json:"action"`
	Severity    PolicySeverity `json:"severity"`
	Enabled     bool           `json:"enabled"`
	HitCount    int64          `json:"hit_count"`
	CreatedAt   time.Time      `json:"created_at"`
}

// AnomalyResult is the anomaly engine's output for one event.
type AnomalyResult struct {
	Score       int      `json:"score"`
	Flags       []string `json:"flags"`
	ShouldBlock bool     `json:"should_block"`
}

// MatchedPattern is one injection-scanner hit.
type MatchedPattern struct {
	Name        string `json:"name"`
	Layer       string `json:"layer"` // phrase | regex | structural
	Confidence  int    `json:"confidence"`
	MatchedText string `json:"matched_text"` // capped at 180 chars
}

// InjectionResult is the injection scanner's output for one event.
type InjectionResult struct {
	Score             int              `json:"score"`
	Confidence        int              `json:"confidence"`
	InjectionDetected bool             `json:"injection_detected"`
	Patterns          []MatchedPattern `json:"patterns"`
}

// PolicyResult is the policy engine's output for one event.
type PolicyResult struct {
	Score      int          `json:"score"`
	Action     PolicyAction `json:"action"`
	Violations []PolicyRule `json:"violations"`
}

// SecurityDecision is the combined result of the three engines for one event.
// Never persisted standalone; its fields are projected into the LoggedEvent
// security-result update.
type SecurityDecision struct {
	EventID          string          `json:"event_id"`
	RiskScore        int             `json:"risk_score"`
	Blocked          bool            `json:"blocked"`
	Flags            []string        `json:"flags"`
	Anomaly          AnomalyResult   `json:"anomaly"`
	Injection        InjectionResult `json:"injection"`
	Policy           PolicyResult    `json:"policy"`
	ProcessingTimeMs int64           `json:"processing_time_ms"`
}

// DedupFlags returns the union of the given flag lists with duplicates
// removed, preserving first-seen order.
func DedupFlags(lists ...[]string) []string {
	seen := make(map[string]struct{})
	var out []string
	for _, list := range lists {
		for _, f := range list {
			if _, ok := seen[f]; ok {
				continue
			}
			seen[f] = struct{}{}
			out = append(out, f)
		}
	}
	return out
}

// Package anomaly implements heuristic anomaly detection over per-agent
// sliding windows: call frequency, bursts, payload size, cost, tool usage,
// and failure patterns.
package anomaly

import (
	"encoding/json"
	"regexp"
	"time"

	"github.com/redteamingai/proxy/internal/core"
)

// Per-rule score contributions. Scores are additive and capped at 100.
const (
	scoreHighFrequency    = 40
	scoreBurstSpike       = 35
	scoreLargePayload     = 25
	scoreExcessiveCost    = 30
	scoreFileExfiltration = 50
	scoreExternalNetwork  = 45
	scoreCredentialAccess = 60
	scoreRecursiveSpawn   = 35
	scoreRepeatedFailures = 30
	scoreToolEnumeration  = 45
)

const (
	largePayloadBytes   = 51200
	excessiveCostUSD    = 0.50
	blockScoreThreshold = 80
)

var (
	errorResponseRe    = regexp.MustCompile(`(?i)error|fail(ed|ure)?|exception`)
	externalNetworkRe  = regexp.MustCompile(`(?i)http|fetch|request|webhook`)
	credentialAccessRe = regexp.MustCompile(`(?i)secret|password|api.?key|token|credential`)
	recursiveSpawnRe   = regexp.MustCompile(`(?i)agent|delegate|spawn`)
)

// Engine evaluates the anomaly rule set against an event and its agent's
// sliding window.
type Engine struct {
	windows *WindowStore
}

// NewEngine creates an anomaly engine over the given window store.
func NewEngine(windows *WindowStore) *Engine {
	return &Engine{windows: windows}
}

// Windows exposes the underlying store (for shutdown wiring).
func (e *Engine) Windows() *WindowStore { return e.windows }

// Analyze records the event in its agent window and evaluates every rule.
// Each rule emits at most one flag; the score is the capped sum of flag
// scores and shouldBlock is set at score ≥ 80 or on a hard-block flag.
func (e *Engine) Analyze(ev *core.LoggedEvent) core.AnomalyResult {
	now := ev.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	snap := e.windows.Observe(ev.TenantID, ev.AgentID, now, ev.Tools, IsErrorResponse(ev.RawResponse))

	var (
		res       core.AnomalyResult
		hardBlock bool
	)
	addFlag := func(name string, score int, hard bool) {
		res.Flags = append(res.Flags, name)
		res.Score += score
		if hard {
			hardBlock = true
		}
	}

	if countSince(snap.CallTimes, now, 5*time.Minute) > 20 {
		addFlag("high_frequency", scoreHighFrequency, false)
	}
	if countSince(snap.CallTimes, now, 10*time.Second) > 5 {
		addFlag("burst_spike", scoreBurstSpike, false)
	}
	if len(ev.RawRequest) > largePayloadBytes {
		addFlag("large_payload", scoreLargePayload, false)
	}
	if ev.CostUSD > excessiveCostUSD {
		addFlag("excessive_cost", scoreExcessiveCost, false)
	}

	fileToolCalls := 0
	for _, tool := range ev.Tools {
		if tool == "file_read" || tool == "list_directory" {
			fileToolCalls++
		}
	}
	if fileToolCalls > 10 {
		addFlag("file_exfiltration", scoreFileExfiltration, true)
	}
	if anyMatch(ev.Tools, externalNetworkRe) {
		addFlag("external_network", scoreExternalNetwork, false)
	}
	if anyMatch(ev.Tools, credentialAccessRe) {
		addFlag("credential_access", scoreCredentialAccess, true)
	}
	if anyMatch(ev.Tools, recursiveSpawnRe) {
		addFlag("recursive_spawn", scoreRecursiveSpawn, false)
	}

	if countSince(snap.ErrorTimes, now, 10*time.Minute) > 5 {
		addFlag("repeated_failures", scoreRepeatedFailures, false)
	}
	if distinctCount(snap.Tools) > 8 {
		addFlag("tool_enumeration", scoreToolEnumeration, false)
	}

	if res.Score > 100 {
		res.Score = 100
	}
	res.ShouldBlock = res.Score >= blockScoreThreshold || hardBlock
	return res
}

func anyMatch(tools []string, re *regexp.Regexp) bool {
	for _, t := range tools {
		if re.MatchString(t) {
			return true
		}
	}
	return false
}

// IsErrorResponse classifies an upstream response body as an error: either
// the text matches the error keyword pattern, or it is valid JSON carrying
// an "error" field.
func IsErrorResponse(raw string) bool {
	if raw == "" {
		return false
	}
	if errorResponseRe.MatchString(raw) {
		return true
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal([]byte(raw), &body); err == nil {
		if _, ok := body["error"]; ok {
			return true
		}
	}
	return false
}

package proxy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/redteamingai/proxy/internal/alerts"
	"github.com/redteamingai/proxy/internal/core"
	"github.com/redteamingai/proxy/internal/metrics"
	"github.com/redteamingai/proxy/internal/pipeline"
	"github.com/redteamingai/proxy/internal/pricing"
	"github.com/redteamingai/proxy/internal/store"
)

const (
	headerTenantKey = "X-RedTeamingAI-Key"
	headerAgentID   = "X-Agent-ID"
	headerEventID   = "X-RedTeamingAI-Event-ID"
	headerRiskScore = "X-RedTeamingAI-Risk-Score"

	maxBodyBytes       = 10 << 20
	responseSnippetLen = 256
	alertRiskThreshold = 50
)

// EventPublisher delivers a finalized event to the tenant's subscribers.
// Satisfied by the broadcast hub and by its Redis bridge.
type EventPublisher interface {
	Publish(tenantID string, ev *core.LoggedEvent)
}

// Interceptor runs the per-request state machine: authenticate, gate,
// forward, account, persist, analyze, publish, respond. Everything after
// the auth and quota gates is fail-open: analysis or persistence trouble
// degrades to plain proxying, never to a dropped client response.
type Interceptor struct {
	store      *store.Store
	forwarder  *Forwarder
	pipeline   *pipeline.Pipeline
	publisher  EventPublisher
	alerts     alerts.Sink
	metrics    *metrics.Metrics
	upgradeURL string
}

// NewInterceptor wires the data path together.
func NewInterceptor(st *store.Store, fwd *Forwarder, pl *pipeline.Pipeline, pub EventPublisher, sink alerts.Sink, m *metrics.Metrics, upgradeURL string) *Interceptor {
	return &Interceptor{
		store:      st,
		forwarder:  fwd,
		pipeline:   pl,
		publisher:  pub,
		alerts:     sink,
		metrics:    m,
		upgradeURL: upgradeURL,
	}
}

func (ic *Interceptor) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		ic.metrics.Requests.WithLabelValues("error").Inc()
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			// Never forward a truncated payload upstream.
			writeError(w, http.StatusRequestEntityTooLarge, "PROXY_ERROR", "request body exceeds 10 MB", nil)
			return
		}
		writeError(w, http.StatusBadGateway, "PROXY_ERROR", "failed to read request body", nil)
		return
	}

	// AUTH
	key := r.Header.Get(headerTenantKey)
	if key == "" {
		key = bodyAPIKey(body)
	}
	if key == "" {
		ic.metrics.Requests.WithLabelValues("auth_failed").Inc()
		writeError(w, http.StatusUnauthorized, "AUTH_REQUIRED", "missing API key", nil)
		return
	}
	tenant, err := ic.store.GetTenantByKey(ctx, key)
	if err != nil {
		slog.Error("tenant lookup failed", "error", err)
		ic.metrics.Requests.WithLabelValues("error").Inc()
		writeError(w, http.StatusBadGateway, "PROXY_ERROR", "authentication unavailable", nil)
		return
	}
	if tenant == nil || tenant.Blocked {
		ic.metrics.Requests.WithLabelValues("auth_failed").Inc()
		writeError(w, http.StatusUnauthorized, "AUTH_INVALID", "invalid API key", nil)
		return
	}

	// AGENT_CHECK
	agentID := r.Header.Get(headerAgentID)
	if agentID != "" {
		blocked, err := ic.store.IsAgentBlocked(ctx, tenant.ID, agentID)
		if err != nil {
			slog.Warn("agent block check failed, allowing", "tenant_id", tenant.ID, "agent_id", agentID, "error", err)
		} else if blocked {
			ic.metrics.Requests.WithLabelValues("agent_blocked").Inc()
			writeError(w, http.StatusForbidden, "AGENT_BLOCKED", "agent is blocked for this tenant", nil)
			return
		}
	}

	// QUOTA_CHECK. The cap is enforced for every tenant; a zero limit admits
	// no events.
	count, err := ic.store.CountEventsInMonth(ctx, tenant.ID, time.Now().UTC())
	if err != nil {
		slog.Warn("quota check failed, allowing", "tenant_id", tenant.ID, "error", err)
	} else if count >= tenant.MonthlyLimit {
		ic.metrics.Requests.WithLabelValues("quota_exceeded").Inc()
		writeError(w, http.StatusTooManyRequests, "PLAN_LIMIT", "monthly event limit reached",
			map[string]any{"upgradeUrl": ic.upgradeURL})
		return
	}

	// FORWARD
	fwd, err := ic.forwarder.Forward(ctx, r.URL.Path, body, w)
	if err != nil {
		if errors.Is(err, ErrUnsupportedProvider) {
			ic.metrics.Requests.WithLabelValues("error").Inc()
			writeError(w, http.StatusBadGateway, "PROXY_ERROR", "unsupported provider path", nil)
			return
		}
		slog.Error("upstream forward failed", "path", r.URL.Path, "error", err)
		ic.metrics.Requests.WithLabelValues("error").Inc()
		writeError(w, http.StatusBadGateway, "PROXY_ERROR", "upstream unavailable", nil)
		return
	}

	// ACCOUNT
	ev := ic.buildEvent(tenant.ID, agentID, body, fwd, start)

	// The remaining steps must survive a client disconnect on a streamed
	// response, so they run on a non-cancellable context.
	bg := context.WithoutCancel(ctx)

	// PERSIST_INITIAL
	ev, err = ic.store.InsertEvent(bg, ev)
	if err != nil {
		slog.Error("event insert failed", "tenant_id", tenant.ID, "error", err)
		ic.failOpen(bg, w, r.URL.Path, body, fwd)
		return
	}

	// ANALYZE
	dec := ic.pipeline.Analyze(bg, &ev)
	ic.metrics.PipelineDuration.Observe(float64(dec.ProcessingTimeMs) / 1000)

	ev.RiskScore = dec.RiskScore
	ev.Blocked = dec.Blocked
	ev.Flags = dec.Flags

	// PERSIST_FINAL
	if err := ic.store.UpdateSecurityResult(bg, ev.ID, dec); err != nil {
		slog.Error("security result update failed", "event_id", ev.ID, "error", err)
		ic.failOpen(bg, w, r.URL.Path, body, fwd)
		return
	}

	// PUBLISH
	ic.publisher.Publish(tenant.ID, &ev)

	if dec.Blocked || dec.RiskScore > alertRiskThreshold {
		ic.alerts.Enqueue(&ev)
	}
	if dec.Blocked {
		ic.metrics.Requests.WithLabelValues("blocked").Inc()
		ic.metrics.Blocks.WithLabelValues(blockingEngine(dec)).Inc()
	} else {
		ic.metrics.Requests.WithLabelValues("allowed").Inc()
	}

	// RESPOND
	ic.respond(bg, w, tenant.ID, agentID, &ev, dec, fwd)
}

// respond delivers the final client response for the buffered case and runs
// the post-hoc compensation for the streamed case.
func (ic *Interceptor) respond(ctx context.Context, w http.ResponseWriter, tenantID, agentID string, ev *core.LoggedEvent, dec core.SecurityDecision, fwd *ForwardResult) {
	if fwd.Streamed {
		// Bytes are already flushed; a late block cannot un-send them. The
		// agent goes on the block list so its next call fails at the gate.
		if dec.Blocked && agentID != "" {
			if err := ic.store.BlockAgent(ctx, tenantID, agentID, "blocked after streamed response, event "+ev.ID); err != nil {
				slog.Error("post-hoc agent block failed", "tenant_id", tenantID, "agent_id", agentID, "error", err)
			} else {
				slog.Warn("agent blocked post-hoc after streamed response",
					"tenant_id", tenantID, "agent_id", agentID, "event_id", ev.ID)
			}
		}
		return
	}

	if dec.Blocked {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":     "request blocked by security policy",
			"eventId":   ev.ID,
			"riskScore": dec.RiskScore,
			"flags":     dec.Flags,
		})
		return
	}

	copyHeaders(w.Header(), fwd.Header)
	w.Header().Set(headerEventID, ev.ID)
	w.Header().Set(headerRiskScore, strconv.Itoa(dec.RiskScore))
	w.WriteHeader(fwd.Status)
	w.Write([]byte(fwd.RawResponse))
}

// failOpen relays the upstream response without analysis after a hot-path
// fault. When the prior forward already streamed to the client there is
// nothing left to send; otherwise the buffered result is replayed, and only
// if that result is unusable is the upstream called a second time.
func (ic *Interceptor) failOpen(ctx context.Context, w http.ResponseWriter, path string, body []byte, prior *ForwardResult) {
	ic.metrics.Requests.WithLabelValues("fail_open").Inc()

	if prior != nil && prior.Streamed {
		return
	}
	if prior != nil {
		copyHeaders(w.Header(), prior.Header)
		w.WriteHeader(prior.Status)
		w.Write([]byte(prior.RawResponse))
		return
	}

	fwd, err := ic.forwarder.Forward(ctx, path, body, w)
	if err != nil {
		slog.Error("fail-open forward failed", "path", path, "error", err)
		writeError(w, http.StatusBadGateway, "PROXY_ERROR", "upstream unavailable", nil)
		return
	}
	if !fwd.Streamed {
		copyHeaders(w.Header(), fwd.Header)
		w.WriteHeader(fwd.Status)
		w.Write([]byte(fwd.RawResponse))
	}
}

// buildEvent assembles the pre-analysis event skeleton from the request and
// the upstream result.
func (ic *Interceptor) buildEvent(tenantID, agentID string, body []byte, fwd *ForwardResult, start time.Time) core.LoggedEvent {
	model, tools := parseRequestMeta(body)
	promptTokens, completionTokens := parseUsage(fwd.RawResponse)

	hash := sha256.Sum256(body)
	snippet := fwd.RawResponse
	if len(snippet) > responseSnippetLen {
		snippet = snippet[:responseSnippetLen]
	}

	return core.LoggedEvent{
		Timestamp:        start.UTC(),
		TenantID:         tenantID,
		AgentID:          agentID,
		Model:            model,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		CostUSD:          pricing.Cost(model, promptTokens, completionTokens),
		LatencyMs:        fwd.LatencyMs,
		Tools:            tools,
		RequestHash:      hex.EncodeToString(hash[:]),
		ResponseSnippet:  snippet,
		RawRequest:       string(body),
		RawResponse:      fwd.RawResponse,
	}
}

// parseRequestMeta extracts the model name and requested tool names from the
// request body. Malformed payloads yield empty values, never an error.
func parseRequestMeta(body []byte) (string, []string) {
	var req struct {
		Model string `json:"model"`
		Tools []struct {
			Name     string `json:"name"`
			Function struct {
				Name string `json:"name"`
			} `json:"function"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return "", nil
	}

	var tools []string
	for _, t := range req.Tools {
		switch {
		case t.Name != "":
			tools = append(tools, t.Name)
		case t.Function.Name != "":
			tools = append(tools, t.Function.Name)
		}
	}
	return req.Model, tools
}

// parseUsage reads token counts from the upstream response, accepting both
// the OpenAI and Anthropic field names. Missing or malformed usage counts as
// zero.
func parseUsage(rawResponse string) (int, int) {
	var resp struct {
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			InputTokens      int `json:"input_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			OutputTokens     int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal([]byte(rawResponse), &resp); err != nil {
		return 0, 0
	}

	prompt := resp.Usage.PromptTokens
	if prompt == 0 {
		prompt = resp.Usage.InputTokens
	}
	completion := resp.Usage.CompletionTokens
	if completion == 0 {
		completion = resp.Usage.OutputTokens
	}
	return prompt, completion
}

// bodyAPIKey reads the apiKey fallback field from the request body.
func bodyAPIKey(body []byte) string {
	var payload struct {
		APIKey string `json:"apiKey"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.APIKey
}

// blockingEngine names the first engine that mandated the block, for the
// block counter.
func blockingEngine(dec core.SecurityDecision) string {
	switch {
	case dec.Anomaly.ShouldBlock:
		return "anomaly"
	case dec.Injection.Confidence >= 80:
		return "injection"
	default:
		return "policy"
	}
}

func writeError(w http.ResponseWriter, status int, code, message string, extra map[string]any) {
	body := map[string]any{"error": message, "code": code}
	for k, v := range extra {
		body[k] = v
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Warn("response encode failed", "error", err)
	}
}

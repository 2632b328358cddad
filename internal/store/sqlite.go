// Package store is the sqlite persistence layer for the proxy: logged
// events, tenants, policy rules, and the per-tenant agent block list.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"

	"github.com/redteamingai/proxy/internal/core"
)

// Store wraps the sqlite handle. The database serializes its own writes;
// callers treat InsertEvent and UpdateSecurityResult as atomic operations.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the database at path and bootstraps the schema.
// Pass ":memory:" for an in-process database in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite at %s: %w", path, err)
	}
	// modernc sqlite is single-writer; a second writer conn would just
	// contend on the file lock.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing handle (used by tests that share a connection).
func New(db *sql.DB) (*Store, error) {
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS events (
		id TEXT PRIMARY KEY,
		timestamp TEXT NOT NULL,
		tenant_id TEXT NOT NULL,
		agent_id TEXT,
		model TEXT,
		prompt_tokens INTEGER NOT NULL DEFAULT 0,
		completion_tokens INTEGER NOT NULL DEFAULT 0,
		cost_usd REAL NOT NULL DEFAULT 0,
		latency_ms INTEGER NOT NULL DEFAULT 0,
		tools JSON,
		request_hash TEXT,
		response_snippet TEXT,
		risk_score INTEGER NOT NULL DEFAULT 0,
		blocked INTEGER NOT NULL DEFAULT 0,
		flags JSON,
		raw_request TEXT,
		raw_response TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_events_tenant_time ON events(tenant_id, timestamp);

	CREATE TABLE IF NOT EXISTS tenants (
		id TEXT PRIMARY KEY,
		api_key TEXT NOT NULL UNIQUE,
		monthly_limit INTEGER NOT NULL DEFAULT 1000,
		blocked INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS policy_rules (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		name TEXT NOT NULL,
		description TEXT,
		condition TEXT NOT NULL,
		action TEXT NOT NULL DEFAULT 'ALERT',
		severity TEXT NOT NULL DEFAULT 'MEDIUM',
		enabled INTEGER NOT NULL DEFAULT 1,
		hit_count INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_rules_tenant ON policy_rules(tenant_id, enabled);

	CREATE TABLE IF NOT EXISTS blocked_agents (
		tenant_id TEXT NOT NULL,
		agent_id TEXT NOT NULL,
		reason TEXT,
		created_at TEXT NOT NULL,
		PRIMARY KEY (tenant_id, agent_id)
	);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Close closes the underlying handle.
func (s *Store) Close() error { return s.db.Close() }

// ============================================================================
// EVENTS
// ============================================================================

// InsertEvent persists a new event and returns it with its assigned id.
func (s *Store) InsertEvent(ctx context.Context, ev core.LoggedEvent) (core.LoggedEvent, error) {
	ev.ID = uuid.New().String()
	toolsJSON, _ := json.Marshal(ev.Tools)
	flagsJSON, _ := json.Marshal(ev.Flags)

	_, err := s.db.ExecContext(ctx, `INSERT INTO events (
		id, timestamp, tenant_id, agent_id, model, prompt_tokens, completion_tokens,
		cost_usd, latency_ms, tools, request_hash, response_snippet, risk_score,
		blocked, flags, raw_request, raw_response
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.Timestamp.UTC().Format(time.RFC3339Nano), ev.TenantID, ev.AgentID,
		ev.Model, ev.PromptTokens, ev.CompletionTokens, ev.CostUSD, ev.LatencyMs,
		string(toolsJSON), ev.RequestHash, ev.ResponseSnippet, ev.RiskScore,
		boolToInt(ev.Blocked), string(flagsJSON), ev.RawRequest, ev.RawResponse,
	)
	if err != nil {
		return core.LoggedEvent{}, fmt.Errorf("insert event: %w", err)
	}
	return ev, nil
}

// UpdateSecurityResult writes the pipeline outcome onto the event row.
// The single UPDATE makes the risk_score/blocked/flags change atomic.
func (s *Store) UpdateSecurityResult(ctx context.Context, eventID string, d core.SecurityDecision) error {
	flagsJSON, _ := json.Marshal(d.Flags)
	res, err := s.db.ExecContext(ctx,
		`UPDATE events SET risk_score = ?, blocked = ?, flags = ? WHERE id = ?`,
		d.RiskScore, boolToInt(d.Blocked), string(flagsJSON), eventID,
	)
	if err != nil {
		return fmt.Errorf("update security result: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("update security result: event %s not found", eventID)
	}
	return nil
}

// GetEvent loads one event by id.
func (s *Store) GetEvent(ctx context.Context, id string) (*core.LoggedEvent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT
		id, timestamp, tenant_id, agent_id, model, prompt_tokens, completion_tokens,
		cost_usd, latency_ms, tools, request_hash, response_snippet, risk_score,
		blocked, flags, raw_request, raw_response
	FROM events WHERE id = ?`, id)
	return scanEvent(row)
}

// CountEventsInMonth counts a tenant's events in the calendar month that
// contains now. Used by the quota gate.
func (s *Store) CountEventsInMonth(ctx context.Context, tenantID string, now time.Time) (int, error) {
	start := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE tenant_id = ? AND timestamp >= ?`,
		tenantID, start.Format(time.RFC3339Nano),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

func scanEvent(row *sql.Row) (*core.LoggedEvent, error) {
	var (
		ev        core.LoggedEvent
		ts        string
		agentID   sql.NullString
		toolsJSON sql.NullString
		flagsJSON sql.NullString
		blocked   int
	)
	err := row.Scan(&ev.ID, &ts, &ev.TenantID, &agentID, &ev.Model,
		&ev.PromptTokens, &ev.CompletionTokens, &ev.CostUSD, &ev.LatencyMs,
		&toolsJSON, &ev.RequestHash, &ev.ResponseSnippet, &ev.RiskScore,
		&blocked, &flagsJSON, &ev.RawRequest, &ev.RawResponse)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ev.Timestamp, _ = time.Parse(time.RFC3339Nano, ts)
	ev.AgentID = agentID.String
	ev.Blocked = blocked != 0
	if toolsJSON.Valid {
		json.Unmarshal([]byte(toolsJSON.String), &ev.Tools)
	}
	if flagsJSON.Valid {
		json.Unmarshal([]byte(flagsJSON.String), &ev.Flags)
	}
	return &ev, nil
}

// ============================================================================
// TENANTS & BLOCKED AGENTS
// ============================================================================

// GetTenantByKey resolves an API key to its tenant. Returns nil when the key
// is unknown.
func (s *Store) GetTenantByKey(ctx context.Context, apiKey string) (*core.Tenant, error) {
	var (
		t       core.Tenant
		blocked int
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, api_key, monthly_limit, blocked FROM tenants WHERE api_key = ?`,
		apiKey,
	).Scan(&t.ID, &t.APIKey, &t.MonthlyLimit, &blocked)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup tenant: %w", err)
	}
	t.Blocked = blocked != 0
	return &t, nil
}

// CreateTenant inserts a tenant row.
func (s *Store) CreateTenant(ctx context.Context, t core.Tenant) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tenants (id, api_key, monthly_limit, blocked) VALUES (?, ?, ?, ?)`,
		t.ID, t.APIKey, t.MonthlyLimit, boolToInt(t.Blocked),
	)
	return err
}

// IsAgentBlocked reports whether (tenant, agent) is on the block list.
func (s *Store) IsAgentBlocked(ctx context.Context, tenantID, agentID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM blocked_agents WHERE tenant_id = ? AND agent_id = ?`,
		tenantID, agentID,
	).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check blocked agent: %w", err)
	}
	return n > 0, nil
}

// BlockAgent adds (tenant, agent) to the block list. Idempotent.
func (s *Store) BlockAgent(ctx context.Context, tenantID, agentID, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO blocked_agents (tenant_id, agent_id, reason, created_at)
		 VALUES (?, ?, ?, ?)`,
		tenantID, agentID, reason, time.Now().UTC().Format(time.RFC3339Nano),
	)
	return err
}

// ============================================================================
// POLICY RULES
// ============================================================================

// ListEnabledRules returns a tenant's enabled policy rules.
func (s *Store) ListEnabledRules(ctx context.Context, tenantID string) ([]core.PolicyRule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT
		id, tenant_id, name, description, condition, action, severity, enabled, hit_count, created_at
	FROM policy_rules WHERE tenant_id = ? AND enabled = 1`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	var out []core.PolicyRule
	for rows.Next() {
		var (
			r       core.PolicyRule
			desc    sql.NullString
			enabled int
			created string
		)
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Name, &desc, &r.Condition,
			&r.Action, &r.Severity, &enabled, &r.HitCount, &created); err != nil {
			return nil, err
		}
		r.Description = desc.String
		r.Enabled = enabled != 0
		r.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		out = append(out, r)
	}
	return out, rows.Err()
}

// CreateRule inserts a policy rule, assigning an id when absent.
func (s *Store) CreateRule(ctx context.Context, r core.PolicyRule) (core.PolicyRule, error) {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO policy_rules
		(id, tenant_id, name, description, condition, action, severity, enabled, hit_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.TenantID, r.Name, r.Description, r.Condition, string(r.Action),
		string(r.Severity), boolToInt(r.Enabled), r.HitCount,
		r.CreatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return core.PolicyRule{}, fmt.Errorf("insert rule: %w", err)
	}
	return r, nil
}

// IncrementRuleHit bumps a rule's hit counter. Best-effort.
func (s *Store) IncrementRuleHit(ctx context.Context, ruleID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE policy_rules SET hit_count = hit_count + 1 WHERE id = ?`, ruleID)
	return err
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Package broadcast fans finalized events out to live dashboard subscribers.
// The hub keeps per-tenant subscriber sets; delivery is best-effort and a
// slow or dead subscriber is dropped rather than ever blocking a publish.
package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/redteamingai/proxy/internal/core"
)

const sendBuffer = 64

// envelope is the wire frame sent to subscribers.
type envelope struct {
	Type    string            `json:"type"`
	Payload *core.LoggedEvent `json:"payload"`
}

// Subscriber is one live dashboard connection. All outbound frames go
// through Send; the owning write pump is the only goroutine touching the
// underlying connection.
type Subscriber struct {
	ID       string
	TenantID string
	Send     chan []byte
	done     chan struct{}
	once     sync.Once
}

// Done is closed when the subscriber is dropped.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) close() {
	s.once.Do(func() { close(s.done) })
}

// Hub owns the tenant → subscriber-set registry.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscriber]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[*Subscriber]struct{})}
}

// Subscribe registers a new subscriber for the tenant.
func (h *Hub) Subscribe(tenantID string) *Subscriber {
	sub := &Subscriber{
		ID:       uuid.New().String(),
		TenantID: tenantID,
		Send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}

	h.mu.Lock()
	set := h.subs[tenantID]
	if set == nil {
		set = make(map[*Subscriber]struct{})
		h.subs[tenantID] = set
	}
	set[sub] = struct{}{}
	h.mu.Unlock()

	slog.Info("subscriber connected", "subscriber_id", sub.ID, "tenant_id", tenantID)
	return sub
}

// Unsubscribe deregisters and closes the subscriber. Safe to call more than
// once.
func (h *Hub) Unsubscribe(sub *Subscriber) {
	h.mu.Lock()
	if set, ok := h.subs[sub.TenantID]; ok {
		delete(set, sub)
		if len(set) == 0 {
			delete(h.subs, sub.TenantID)
		}
	}
	h.mu.Unlock()

	sub.close()
	slog.Info("subscriber disconnected", "subscriber_id", sub.ID, "tenant_id", sub.TenantID)
}

// Publish delivers the finalized event to every open subscriber of its
// tenant. Subscribers whose mailbox is full are dropped; the registry lock
// is never held across a send.
func (h *Hub) Publish(tenantID string, ev *core.LoggedEvent) {
	data, err := json.Marshal(envelope{Type: "event", Payload: ev})
	if err != nil {
		slog.Error("event marshal failed", "event_id", ev.ID, "error", err)
		return
	}

	h.mu.RLock()
	set := h.subs[tenantID]
	targets := make([]*Subscriber, 0, len(set))
	for sub := range set {
		targets = append(targets, sub)
	}
	h.mu.RUnlock()

	for _, sub := range targets {
		select {
		case sub.Send <- data:
		default:
			slog.Warn("subscriber mailbox full, dropping subscriber",
				"subscriber_id", sub.ID, "tenant_id", tenantID)
			h.Unsubscribe(sub)
		}
	}
}

// SubscriberCount returns the number of open subscribers for a tenant.
func (h *Hub) SubscriberCount(tenantID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[tenantID])
}

// Package alerts defines the narrow signal interface between the data path
// and external alert delivery. The core only enqueues; dispatch (email,
// chat) lives outside this repo.
package alerts

import (
	"log/slog"
	"sync/atomic"

	"github.com/redteamingai/proxy/internal/core"
)

// Sink receives alert-worthy events. Enqueue must never block the data path.
type Sink interface {
	Enqueue(ev *core.LoggedEvent)
}

// Queue is a bounded channel-backed Sink. When the queue is full the event
// is dropped and counted; the proxy path is never delayed by slow consumers.
type Queue struct {
	ch      chan *core.LoggedEvent
	dropped atomic.Int64
}

// NewQueue creates a queue with the given capacity.
func NewQueue(capacity int) *Queue {
	return &Queue{ch: make(chan *core.LoggedEvent, capacity)}
}

// Enqueue adds the event without blocking.
func (q *Queue) Enqueue(ev *core.LoggedEvent) {
	select {
	case q.ch <- ev:
	default:
		n := q.dropped.Add(1)
		slog.Warn("alert queue full, dropping alert",
			"event_id", ev.ID, "tenant_id", ev.TenantID, "dropped_total", n)
	}
}

// Events exposes the queue for the external dispatcher to drain.
func (q *Queue) Events() <-chan *core.LoggedEvent { return q.ch }

// Dropped returns how many alerts were dropped on overflow.
func (q *Queue) Dropped() int64 { return q.dropped.Load() }

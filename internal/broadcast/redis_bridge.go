package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/redteamingai/proxy/internal/core"
)

const channelPrefix = "rtai:events:"

// RedisBridge distributes finalized events across pods via Redis Pub/Sub.
// A single-pod deployment publishes straight to the local hub; with the
// bridge, every pod's hub receives every tenant's events, so dashboard
// clients see the full stream regardless of which pod they connected to.
type RedisBridge struct {
	rdb *redis.Client
	hub *Hub
}

// NewRedisBridge wraps the hub with cross-pod distribution.
func NewRedisBridge(rdb *redis.Client, hub *Hub) *RedisBridge {
	return &RedisBridge{rdb: rdb, hub: hub}
}

// Publish sends the event to the tenant's Redis channel. The local hub is
// fed by the subscription loop, so events arrive exactly once per pod; on a
// Redis failure delivery falls back to local-only.
func (b *RedisBridge) Publish(tenantID string, ev *core.LoggedEvent) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("event marshal failed", "event_id", ev.ID, "error", err)
		return
	}
	if err := b.rdb.Publish(context.Background(), channelPrefix+tenantID, data).Err(); err != nil {
		slog.Warn("redis publish failed, local-only delivery",
			"tenant_id", tenantID, "error", err)
		b.hub.Publish(tenantID, ev)
	}
}

// Run subscribes to every tenant channel and feeds received events into the
// local hub. Blocks until ctx is cancelled.
func (b *RedisBridge) Run(ctx context.Context) {
	sub := b.rdb.PSubscribe(ctx, channelPrefix+"*")
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			tenantID := strings.TrimPrefix(msg.Channel, channelPrefix)
			var ev core.LoggedEvent
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				slog.Warn("bridge received malformed event", "channel", msg.Channel, "error", err)
				continue
			}
			b.hub.Publish(tenantID, &ev)
		case <-ctx.Done():
			return
		}
	}
}

package broadcast

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/redteamingai/proxy/internal/core"
)

const (
	pingPeriod = 30 * time.Second // heartbeat interval
	pongWait   = 10 * time.Second // deadline armed after each ping
	writeWait  = 10 * time.Second
	maxMsgSize = 4096
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// TenantAuth resolves an opaque API key to a tenant; nil tenant means
// unknown key.
type TenantAuth interface {
	GetTenantByKey(ctx context.Context, apiKey string) (*core.Tenant, error)
}

// WSHandler upgrades dashboard connections at /ws?key=<tenant_key> and runs
// the per-subscriber pumps.
type WSHandler struct {
	hub  *Hub
	auth TenantAuth
}

// NewWSHandler wires the hub to the subscriber channel endpoint.
func NewWSHandler(hub *Hub, auth TenantAuth) *WSHandler {
	return &WSHandler{hub: hub, auth: auth}
}

func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		http.Error(w, "missing key", http.StatusUnauthorized)
		return
	}
	tenant, err := h.auth.GetTenantByKey(r.Context(), key)
	if err != nil {
		slog.Error("tenant lookup failed during upgrade", "error", err)
		http.Error(w, "auth unavailable", http.StatusInternalServerError)
		return
	}
	if tenant == nil || tenant.Blocked {
		http.Error(w, "invalid key", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	sub := h.hub.Subscribe(tenant.ID)

	// Two goroutines with clear ownership: writePump owns all writes
	// (events, pings, close), readPump owns all reads (pongs, client close).
	go h.writePump(sub, conn)
	go h.readPump(sub, conn)
}

func (h *WSHandler) writePump(sub *Subscriber, conn *websocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		h.hub.Unsubscribe(sub)
		conn.Close()
	}()

	for {
		select {
		case data := <-sub.Send:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				slog.Warn("subscriber write failed", "subscriber_id", sub.ID, "error", err)
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				slog.Warn("subscriber ping failed", "subscriber_id", sub.ID, "error", err)
				return
			}
			// Arm the pong deadline; a silent peer is force-closed by the
			// read pump when this expires.
			conn.SetReadDeadline(time.Now().Add(pongWait))

		case <-sub.Done():
			conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

func (h *WSHandler) readPump(sub *Subscriber, conn *websocket.Conn) {
	defer func() {
		h.hub.Unsubscribe(sub)
		conn.Close()
	}()

	conn.SetReadLimit(maxMsgSize)
	conn.SetReadDeadline(time.Now().Add(pingPeriod + pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pingPeriod + pongWait))
		return nil
	})

	// The channel is server-to-client; inbound frames only feed liveness.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("subscriber read error", "subscriber_id", sub.ID, "error", err)
			}
			return
		}
	}
}

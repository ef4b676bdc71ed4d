// ABOUTME: Websocket endpoint streaming a tenant's events from the Broadcaster
// ABOUTME: One JSON event per frame; pings keep idle connections alive

package events

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// TenantFunc resolves the authenticated tenant of a request.
type TenantFunc func(r *http.Request) (string, bool)

// StreamHandler upgrades requests to websockets and relays tenant events.
type StreamHandler struct {
	broadcaster *Broadcaster
	tenant      TenantFunc
	upgrader    websocket.Upgrader
	logger      *slog.Logger
}

// NewStreamHandler creates a stream handler. Pass nil logger for default.
func NewStreamHandler(b *Broadcaster, tenant TenantFunc, logger *slog.Logger) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{
		broadcaster: b,
		tenant:      tenant,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		logger: logger.With("component", "event_stream"),
	}
}

func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	tenantID, ok := h.tenant(r)
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ctx := r.Context()
	events, subID := h.broadcaster.Subscribe(ctx, tenantID)
	defer h.broadcaster.Unsubscribe(tenantID, subID)

	h.logger.Info("stream opened", "tenant_id", tenantID, "sub_id", subID)

	// Reader goroutine: drains control frames and notices client close.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-closed:
			h.logger.Info("stream closed by client", "tenant_id", tenantID, "sub_id", subID)
			return
		case ev, ok := <-events:
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("stream write failed", "tenant_id", tenantID, "error", err)
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

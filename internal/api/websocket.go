package api

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"harbor/internal/ws"
)

// WebSocketHandler upgrades /ws connections. Authentication happens over
// the socket itself via the auth frame, so the upgrade only enforces the
// origin policy.
type WebSocketHandler struct {
	hub      *ws.Hub
	upgrader websocket.Upgrader
}

func NewWebSocketHandler(hub *ws.Hub, allowedOrigins []string) *WebSocketHandler {
	return &WebSocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(allowedOrigins, r.Header.Get("Origin"))
			},
		},
	}
}

// originAllowed accepts loopback origins unconditionally, exact entries,
// and entries with a trailing * as prefix matches. An empty allow-list
// accepts everything.
func originAllowed(allowed []string, origin string) bool {
	if origin == "" {
		// Non-browser clients send no Origin header.
		return true
	}

	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return true
	}

	if len(allowed) == 0 {
		return true
	}
	for _, entry := range allowed {
		if entry == "*" || entry == origin {
			return true
		}
		if strings.HasSuffix(entry, "*") && strings.HasPrefix(origin, strings.TrimSuffix(entry, "*")) {
			return true
		}
	}
	return false
}

func (h *WebSocketHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "component", "api", "remote", r.RemoteAddr, "error", err)
		return
	}

	session := ws.NewSession(h.hub, conn)
	go session.WritePump()
	go session.ReadPump()
}

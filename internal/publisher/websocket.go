package publisher

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 30 * time.Second

	maxInboundSize = 512
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// The dashboard is served from arbitrary origins in deployments
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientRequest is the only inbound message shape clients may send
type clientRequest struct {
	Type  string `json:"type"`
	Limit int    `json:"limit"`
}

// WSHandler upgrades HTTP connections and bridges them onto the hub
type WSHandler struct {
	hub    *Hub
	logger *slog.Logger
}

// NewWSHandler creates the /ws/status handler
func NewWSHandler(hub *Hub, logger *slog.Logger) *WSHandler {
	return &WSHandler{hub: hub, logger: logger}
}

// ServeHTTP upgrades the connection and starts the read and write pumps
func (h *WSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err, "remote", r.RemoteAddr)
		return
	}

	sub := h.hub.Subscribe()

	go h.writePump(conn, sub)
	go h.readPump(conn, sub)
}

// readPump consumes inbound frames, answering get_recent_runs requests.
// Exiting the loop detaches the subscriber, which in turn stops the write
// pump.
func (h *WSHandler) readPump(conn *websocket.Conn, sub *Subscriber) {
	defer func() {
		sub.Close()
		conn.Close()
	}()

	conn.SetReadLimit(maxInboundSize)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				h.logger.Debug("websocket read error", "error", err)
			}
			return
		}

		var req clientRequest
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}

		if req.Type == "get_recent_runs" {
			h.hub.SendRecentRuns(sub, req.Limit)
		}
	}
}

// writePump drains the subscriber queue onto the socket and pings every 30s
func (h *WSHandler) writePump(conn *websocket.Conn, sub *Subscriber) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case frame, ok := <-sub.Out():
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

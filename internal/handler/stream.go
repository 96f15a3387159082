package handler

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const (
	streamBuffer = 64
	writeWait    = 5 * time.Second
)

// StreamNetwork pushes every new communication log entry to the client until
// it disconnects.
func (h *SimulatorHandler) StreamNetwork(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("WebSocket upgrade failed", map[string]interface{}{"error": err.Error()})
		return
	}
	defer conn.Close()

	entries, unsubscribe := h.env.Link.Subscribe(streamBuffer)
	defer unsubscribe()

	h.logger.Info("WebSocket client connected", map[string]interface{}{"remote": r.RemoteAddr})

	// The read loop only notices the client going away.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(map[string]interface{}{
				"type":  "network_message",
				"entry": e,
			}); err != nil {
				h.logger.Warn("WebSocket write failed", map[string]interface{}{"error": err.Error()})
				return
			}
		case <-closed:
			h.logger.Info("WebSocket client disconnected", map[string]interface{}{"remote": r.RemoteAddr})
			return
		case <-r.Context().Done():
			return
		}
	}
}

package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // origin policy belongs to the proxy
}

const wsWriteWait = 10 * time.Second

// GET /v1/research/{id}/ws streams the same events as JSON messages and
// closes normally after the terminal event.
func (h *Handler) handleWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	src, code, err := h.openEvents(r.Context(), id, lastEventID(r))
	if err != nil {
		writeError(w, code, err.Error())
		return
	}
	defer src.close()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	for _, ev := range src.replay {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(ev); err != nil {
			return
		}
	}
	if src.live == nil {
		closeNormal(conn)
		return
	}

	pongWait := 3 * h.heartbeat
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Reader pump: discards client messages and notices disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-gone:
			h.logger.Debug("WebSocket client disconnected", zap.String("request_id", id))
			return
		case ev, ok := <-src.live:
			if !ok {
				closeNormal(conn)
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}

func closeNormal(conn *websocket.Conn) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream complete"),
		time.Now().Add(wsWriteWait))
}

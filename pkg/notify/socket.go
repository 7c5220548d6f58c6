package notify

import (
	"context"
	"time"

	"github.com/gorilla/websocket"

	"github.com/leynos/wildside-sub000/pkg/core"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4 * 1024
)

// Snapshot returns the current status of a request.
type Snapshot func(ctx context.Context) (core.StatusEvent, error)

// Serve streams the events of requestID to conn until the client goes
// away, ctx ends, or a terminal status has been written. The connection
// is closed on return.
//
// When current is non-nil its event is written once the subscription is
// in place, so a client that connects late still sees where the request
// stands. The snapshot may repeat the next pushed event.
func (h *Hub) Serve(ctx context.Context, conn *websocket.Conn, requestID string, current Snapshot) {
	sub := h.Subscribe(requestID)
	defer h.Unsubscribe(sub)
	defer conn.Close()

	gone := make(chan struct{})
	go readPump(conn, gone)

	if current != nil {
		ev, err := current(ctx)
		if err != nil {
			h.logger.Warn("status snapshot failed", "request_id", requestID, "error", err)
			writeClose(conn)
			return
		}
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(ev); err != nil || ev.Status.Terminal() {
			writeClose(conn)
			return
		}
	}

	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			writeClose(conn)
			return
		case <-gone:
			return
		case ev, ok := <-sub.C:
			if !ok {
				writeClose(conn)
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				h.logger.Debug("websocket write failed", "request_id", requestID, "error", err)
				return
			}
			if ev.Status.Terminal() {
				writeClose(conn)
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards client frames and reports when the peer disconnects.
func readPump(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)

	conn.SetReadLimit(maxMessageSize)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.NextReader(); err != nil {
			return
		}
	}
}

func writeClose(conn *websocket.Conn) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

package hub

import (
	"context"
	"net/http"

	"github.com/coder/websocket"

	"github.com/0xmhha/usage-sentinel/pkg/logger"
)

// wsConn adapts a websocket connection to the Conn interface.
type wsConn struct {
	conn *websocket.Conn
}

// Send implements Conn.Send.
func (c *wsConn) Send(ctx context.Context, data []byte) error {
	return c.conn.Write(ctx, websocket.MessageText, data)
}

// Close implements Conn.Close.
func (c *wsConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}

// Handler returns an http.Handler that upgrades requests to websocket
// observers on the given hub.
//
// The handler owns the read side: every inbound frame is passed to
// the hub as a control message, and a read error (including client
// disconnect) unregisters the observer.
func Handler(h Hub, log logger.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			log.Warn("websocket accept failed", "remote", r.RemoteAddr, "error", err)
			return
		}

		observerID, err := h.Register(&wsConn{conn: conn})
		if err != nil {
			log.Warn("observer rejected", "remote", r.RemoteAddr, "error", err)
			_ = conn.Close(websocket.StatusTryAgainLater, "hub unavailable")
			return
		}
		defer h.Unregister(observerID)

		for {
			_, data, readErr := conn.Read(r.Context())
			if readErr != nil {
				log.Debug("observer read ended",
					"observer", observerID,
					"error", readErr)
				return
			}
			h.HandleInbound(observerID, data)
		}
	})
}

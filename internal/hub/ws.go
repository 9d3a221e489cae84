// ABOUTME: WebSocket adapter that binds coder/websocket connections to hub sessions
// ABOUTME: Runs the read loop and dispatches each text frame to the request handler

package hub

import (
	"context"
	"errors"
	"net/http"

	"github.com/coder/websocket"
)

// maxFrameBytes caps a single inbound frame.
const maxFrameBytes = 1 << 20

type wsConn struct {
	c *websocket.Conn
}

func (w wsConn) Write(ctx context.Context, data []byte) error {
	return w.c.Write(ctx, websocket.MessageText, data)
}

func (w wsConn) Close(code int, reason string) error {
	return w.c.Close(websocket.StatusCode(code), reason)
}

// ServeWebSocket upgrades the request and serves the session until the peer
// disconnects, the session is replaced, or ctx ends. identity must already be
// authenticated.
func (h *Hub) ServeWebSocket(w http.ResponseWriter, r *http.Request, identity Identity, originPatterns []string) error {
	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: originPatterns,
	})
	if err != nil {
		return err
	}
	c.SetReadLimit(maxFrameBytes)

	s := h.Register(identity, wsConn{c: c})
	defer h.Unregister(s)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		select {
		case <-s.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
		if typ != websocket.MessageText {
			_ = s.Send(ErrorEvent{Reason: "invalid_request", Message: "binary frames are not supported"})
			continue
		}
		h.Dispatch(ctx, s, data)
	}
}

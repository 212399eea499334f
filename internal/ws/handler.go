// Package ws serves the chat protocol over websocket. Each binary message
// carries one envelope body (compression tag plus payload, no length
// prefix); the router runs the connection from there.
package ws

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"safechat/server/internal/protocol"
	"safechat/server/internal/router"
)

const writeTimeout = 5 * time.Second

// Handler owns websocket transport for the server.
type Handler struct {
	ctx      context.Context
	router   *router.Router
	codec    *protocol.Codec
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler serving connections through rt.
// ctx bounds every served connection; cancelling it closes them all.
func NewHandler(ctx context.Context, rt *router.Router, codec *protocol.Codec) *Handler {
	return &Handler{
		ctx:    ctx,
		router: rt,
		codec:  codec,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}

	ip := c.RealIP()
	port := remotePort(conn)
	h.router.ServeConn(h.ctx, &transport{conn: conn, codec: h.codec}, ip, port)
	return nil
}

// remotePort extracts the peer's source port; 0 when the address does not
// parse.
func remotePort(conn *websocket.Conn) int {
	_, portStr, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}

// transport adapts one websocket connection to the router's Transport.
type transport struct {
	conn  *websocket.Conn
	codec *protocol.Codec
}

// ReadEnvelope blocks for the next binary message and decodes it. Decode
// failures come back as *router.FrameError so the connection survives them;
// an oversized message is fatal. The size cap is enforced here instead of
// through SetReadLimit: gorilla answers a tripped read limit with its own
// 1009 close and rejects every write after it, which would swallow the
// error envelope the router still owes the peer.
func (t *transport) ReadEnvelope() (*protocol.Envelope, error) {
	const limit = protocol.MaxPayloadSize + protocol.TagSize
	for {
		mt, r, err := t.conn.NextReader()
		if err != nil {
			return nil, err
		}
		switch mt {
		case websocket.BinaryMessage:
		case websocket.TextMessage:
			return nil, &router.FrameError{Err: fmt.Errorf("text frame, want binary")}
		default:
			continue
		}
		data, err := io.ReadAll(io.LimitReader(r, limit+1))
		if err != nil {
			return nil, err
		}
		if len(data) > limit {
			return nil, fmt.Errorf("%w: websocket message over limit", protocol.ErrPayloadTooLarge)
		}
		env, err := t.codec.DecodeBody(data)
		if err != nil {
			return nil, &router.FrameError{Err: err}
		}
		return env, nil
	}
}

func (t *transport) WriteEnvelope(env *protocol.Envelope) error {
	body, err := t.codec.EncodeBody(env)
	if err != nil {
		return err
	}
	_ = t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteMessage(websocket.BinaryMessage, body)
}

func (t *transport) Close() error { return t.conn.Close() }

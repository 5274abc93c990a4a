package http

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/jmehdipour/im-gateway/internal/http/middleware"
	"github.com/jmehdipour/im-gateway/internal/session"
	"github.com/jmehdipour/im-gateway/internal/util"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"
	"golang.org/x/net/websocket"
)

var errConnClosed = errors.New("websocket: connection closed")

const (
	wsWriteTimeout = 10 * time.Second
	wsMaxFrame     = 64 << 10
)

// wsConn adapts a websocket to session.Conn. Writes are serialized; Close is
// idempotent and runs the OnClose hooks once.
type wsConn struct {
	id      string
	ws      *websocket.Conn
	created time.Time

	wmu sync.Mutex

	mu     sync.Mutex
	closed bool
	hooks  []func()
}

var _ session.Conn = (*wsConn)(nil)

func newWSConn(ws *websocket.Conn) *wsConn {
	return &wsConn{id: util.NewConnID(), ws: ws, created: time.Now()}
}

func (c *wsConn) ID() string           { return c.id }
func (c *wsConn) CreatedAt() time.Time { return c.created }

func (c *wsConn) Alive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *wsConn) Write(payload []byte) error {
	if !c.Alive() {
		return errConnClosed
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return websocket.Message.Send(c.ws, string(payload))
}

func (c *wsConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	hooks := c.hooks
	c.hooks = nil
	c.mu.Unlock()

	err := c.ws.Close()
	for _, fn := range hooks {
		fn()
	}
	return err
}

func (c *wsConn) OnClose(fn func()) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		fn()
		return
	}
	c.hooks = append(c.hooks, fn)
	c.mu.Unlock()
}

type wsOptions struct {
	// Heartbeat is the longest a client may stay silent; 0 disables the check.
	Heartbeat time.Duration
	Presence  PresenceReader // optional, refreshed on ping
}

// wsHandler upgrades an authenticated request and keeps the session registered
// until the client goes away, stays silent past the heartbeat timeout, or a
// newer login replaces it.
// GET /ws?device=ios
func wsHandler(reg *session.Registry, opts wsOptions, log *zap.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, ok := middleware.UserIDFromCtx(c)
		if !ok {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthenticated"})
		}
		device := c.QueryParam("device")

		srv := websocket.Server{Handler: func(ws *websocket.Conn) {
			ws.MaxPayloadBytes = wsMaxFrame
			conn := newWSConn(ws)
			defer conn.Close()

			reg.Register(userID, device, conn)
			log.Debug("websocket open",
				zap.String("user_id", userID),
				zap.String("device", device),
				zap.String("conn", conn.ID()))

			for {
				if opts.Heartbeat > 0 {
					_ = ws.SetReadDeadline(time.Now().Add(opts.Heartbeat))
				}
				var frame string
				if err := websocket.Message.Receive(ws, &frame); err != nil {
					var ne net.Error
					if errors.As(err, &ne) && ne.Timeout() {
						log.Info("websocket idle, closing",
							zap.String("user_id", userID),
							zap.String("conn", conn.ID()),
							zap.Duration("heartbeat", opts.Heartbeat))
					}
					return
				}
				if isPing(frame) {
					_ = conn.Write([]byte(`{"type":"pong"}`))
					touchPresence(opts.Presence, userID, log)
				}
			}
		}}
		srv.ServeHTTP(c.Response(), c.Request())
		return nil
	}
}

func touchPresence(p PresenceReader, userID string, log *zap.Logger) {
	if p == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := p.Touch(ctx, userID); err != nil {
		log.Debug("presence touch failed", zap.String("user_id", userID), zap.Error(err))
	}
}

func isPing(frame string) bool {
	f := strings.TrimSpace(frame)
	return f == "ping" || strings.Contains(f, `"type":"ping"`)
}

// Package relay is the signaling relay: one WebSocket per participant,
// call-control envelopes forwarded to their addressee, location frames
// fanned out to subject watchers. The relay never inspects SDP and never
// touches media; peers exchange media directly.
package relay

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tmirzaev/Pulse/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

// SignalConn abstracts the per-participant outbound pipe.
// Owned by the controller; the controller must Close() it.
type SignalConn interface {
	TrySend([]byte) error
	Close()
}

type Controller struct {
	Registry *Registry
	Hub      *WatchHub
	Limiter  *FrameRateLimiter

	// ReadLimit caps inbound message size; zero means no cap.
	ReadLimit int64
}

func NewController(reg *Registry, hub *WatchHub, limiter *FrameRateLimiter) *Controller {
	return &Controller{Registry: reg, Hub: hub, Limiter: limiter}
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	pid := domain.ParticipantID(c.GetString("client_token"))
	log.Info().Str("module", "relay").Str("pid", string(pid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade")
		return
	}
	if ctl.ReadLimit > 0 {
		ws.SetReadLimit(ctl.ReadLimit)
	}

	conn := &wsConn{
		conn: ws,
		send: make(chan []byte, 32),
	}

	ctx, cancel := context.WithCancel(ctx)
	ctl.Registry.Bind(pid, conn, cancel)

	go ctl.writePump(ctx, conn)
	go ctl.readPump(ctx, pid, conn)
}

// Package client implements the participant side of the signaling channel:
// one persistent WebSocket to the relay, multiplexing call-control and
// location traffic.
package client

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/tmirzaev/Pulse/internal/domain"
	"github.com/tmirzaev/Pulse/internal/protocol"
)

type ChannelState string

const (
	StateConnected    ChannelState = "connected"
	StateDisconnected ChannelState = "disconnected"
)

var ErrChannelDown = errors.New("channel disconnected")

const (
	reconnectMin = time.Second
	reconnectMax = 30 * time.Second
)

// Channel is the injected signaling dependency of the call and tracking
// layers. It reconnects on its own; consumers observe drops through
// OnStateChange. Watch subscriptions survive a drop: they are re-sent
// silently after reconnect, without surfacing any event.
type Channel struct {
	url        string
	header     http.Header
	dialer     *websocket.Dialer
	pingPeriod time.Duration

	mu       sync.Mutex
	conn     *websocket.Conn
	send     chan []byte
	state    ChannelState
	watches  map[domain.SubjectID]struct{}
	closed   bool
	handlers []func(protocol.Envelope)
	stateFns []func(ChannelState)
}

func NewChannel(url string, header http.Header, pingPeriod time.Duration) *Channel {
	return &Channel{
		url:        url,
		header:     header,
		dialer:     websocket.DefaultDialer,
		pingPeriod: pingPeriod,
		state:      StateDisconnected,
		watches:    make(map[domain.SubjectID]struct{}),
	}
}

// OnMessage registers an inbound envelope handler. Register before Connect.
func (c *Channel) OnMessage(fn func(protocol.Envelope)) {
	c.mu.Lock()
	c.handlers = append(c.handlers, fn)
	c.mu.Unlock()
}

// OnStateChange registers a connection state handler. Register before Connect.
func (c *Channel) OnStateChange(fn func(ChannelState)) {
	c.mu.Lock()
	c.stateFns = append(c.stateFns, fn)
	c.mu.Unlock()
}

func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts the dial/redial loop and returns immediately.
func (c *Channel) Connect(ctx context.Context) {
	go c.run(ctx)
}

func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

// Send marshals env and queues it. Fails fast when disconnected; the
// channel is best-effort and callers own their own timeouts.
func (c *Channel) Send(to domain.ParticipantID, env protocol.Envelope) error {
	env.To = to
	data, err := protocol.Marshal(env)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || c.send == nil {
		return ErrChannelDown
	}
	select {
	case c.send <- data:
		return nil
	default:
		return errors.New("send buffer full")
	}
}

// Watch subscribes to a subject's location frames. The subscription is
// remembered and re-sent after every reconnect.
func (c *Channel) Watch(subject domain.SubjectID) error {
	c.mu.Lock()
	c.watches[subject] = struct{}{}
	c.mu.Unlock()
	env, err := protocol.New(protocol.TypeWatch, "", "", protocol.WatchPayload{SubjectID: subject})
	if err != nil {
		return err
	}
	if err := c.Send("", env); err != nil && !errors.Is(err, ErrChannelDown) {
		return err
	}
	return nil
}

func (c *Channel) Unwatch(subject domain.SubjectID) error {
	c.mu.Lock()
	delete(c.watches, subject)
	c.mu.Unlock()
	env, err := protocol.New(protocol.TypeUnwatch, "", "", protocol.WatchPayload{SubjectID: subject})
	if err != nil {
		return err
	}
	if err := c.Send("", env); err != nil && !errors.Is(err, ErrChannelDown) {
		return err
	}
	return nil
}

func (c *Channel) run(ctx context.Context) {
	backoff := reconnectMin
	for {
		if ctx.Err() != nil || c.isClosed() {
			return
		}

		conn, resp, err := c.dialer.DialContext(ctx, c.url, c.header)
		if resp != nil && resp.Body != nil {
			_ = resp.Body.Close()
		}
		if err != nil {
			log.Warn().Err(err).Str("module", "client.channel").Dur("retry_in", backoff).Msg("dial failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, reconnectMax)
			continue
		}
		backoff = reconnectMin

		send := make(chan []byte, 32)
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			_ = conn.Close()
			return
		}
		c.conn = conn
		c.send = send
		c.state = StateConnected
		stateFns := append([]func(ChannelState){}, c.stateFns...)
		c.mu.Unlock()

		log.Info().Str("module", "client.channel").Msg("connected")
		for _, fn := range stateFns {
			fn(StateConnected)
		}
		c.resubscribe()

		connCtx, cancel := context.WithCancel(ctx)
		go c.writePump(connCtx, conn, send)
		c.readLoop(conn)
		cancel()

		c.mu.Lock()
		c.conn = nil
		c.send = nil
		c.state = StateDisconnected
		stateFns = append([]func(ChannelState){}, c.stateFns...)
		c.mu.Unlock()

		log.Info().Str("module", "client.channel").Msg("disconnected")
		for _, fn := range stateFns {
			fn(StateDisconnected)
		}
	}
}

// resubscribe silently restores watch subscriptions after a reconnect.
func (c *Channel) resubscribe() {
	c.mu.Lock()
	subjects := make([]domain.SubjectID, 0, len(c.watches))
	for s := range c.watches {
		subjects = append(subjects, s)
	}
	c.mu.Unlock()
	for _, s := range subjects {
		env, err := protocol.New(protocol.TypeWatch, "", "", protocol.WatchPayload{SubjectID: s})
		if err != nil {
			continue
		}
		_ = c.Send("", env)
	}
}

func (c *Channel) writePump(ctx context.Context, conn *websocket.Conn, send chan []byte) {
	ticker := time.NewTicker(c.pingPeriod)
	defer ticker.Stop()
	ping, _ := protocol.Marshal(protocol.Envelope{Type: protocol.TypePing})

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, ping); err != nil {
				log.Error().Err(err).Str("module", "client.channel").Msg("writePump ping error")
				return
			}
		case data := <-send:
			if err := conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "client.channel").Msg("writePump write error")
				return
			}
		}
	}
}

func (c *Channel) readLoop(conn *websocket.Conn) {
	defer func() { _ = conn.Close() }()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Warn().Err(err).Str("module", "client.channel").Msg("read error")
			return
		}
		env, err := protocol.Unmarshal(data)
		if err != nil {
			log.Error().Err(err).Str("module", "client.channel").Msg("bad envelope")
			continue
		}
		if env.Type == protocol.TypePong {
			continue
		}
		c.mu.Lock()
		handlers := append([]func(protocol.Envelope){}, c.handlers...)
		c.mu.Unlock()
		for _, fn := range handlers {
			fn(env)
		}
	}
}

func (c *Channel) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

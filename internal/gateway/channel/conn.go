package channel

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/erebus-sh/erebus/pkg/auth"
	"github.com/erebus-sh/erebus/pkg/clock"
	"github.com/erebus-sh/erebus/pkg/logging"
	"github.com/erebus-sh/erebus/pkg/protocol"
)

// Connection lifecycle states.
const (
	statePending int32 = iota
	stateAuthenticated
	stateClosing
	stateClosed
)

// outItem is one queued egress write. onWritten fires with the monotonic
// time after the websocket write completes.
type outItem struct {
	data      []byte
	onWritten func(t float64)
}

// Conn is one live client connection. The websocket read loop runs on its
// own goroutine and forwards frames to the owning actor; the write loop is
// the single writer on the socket. Subscription state is owned exclusively
// by the actor goroutine.
type Conn struct {
	ID           string
	registry     *Registry
	cfg          Config
	logger       logging.Logger
	ws           *websocket.Conn
	locationHint string

	state atomic.Int32

	// grant is set by the actor during attach and owned by its goroutine.
	grant *auth.Grant
	actor atomic.Pointer[Actor]

	// subscribed is owned by the actor goroutine.
	subscribed map[string]struct{}

	send         chan outItem
	pendingBytes atomic.Int64
	ingressBytes atomic.Int64
	egressBytes  atomic.Int64
	lastSentSeq  atomic.Uint64
	missedPongs  atomic.Int32

	// publish budget window, owned by the actor goroutine
	pubWindowStart time.Time
	pubCount       int

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn wraps an upgraded websocket.
func NewConn(ws *websocket.Conn, locationHint string, registry *Registry, cfg Config, logger logging.Logger) *Conn {
	return &Conn{
		ID:           uuid.New().String(),
		registry:     registry,
		cfg:          cfg.withDefaults(),
		logger:       logger,
		ws:           ws,
		locationHint: locationHint,
		subscribed:   make(map[string]struct{}),
		send:         make(chan outItem, 512),
		closed:       make(chan struct{}),
	}
}

// Serve runs the connection to completion. grantToken, when non-empty,
// came from the X-Grant upgrade header and authenticates the connection
// before the first frame.
func (c *Conn) Serve(grantToken string) {
	go c.writeLoop()

	if grantToken != "" {
		if !c.authenticate(grantToken) {
			return
		}
	}
	c.readLoop()
}

// readLoop pumps frames from the websocket to the actor.
func (c *Conn) readLoop() {
	defer c.shutdown(websocket.CloseNormalClosure, "")

	readWait := 3 * c.cfg.HeartbeatInterval
	c.ws.SetReadLimit(int64(c.cfg.MaxFrameSize))
	_ = c.ws.SetReadDeadline(time.Now().Add(readWait))
	c.ws.SetPongHandler(func(string) error {
		c.missedPongs.Store(0)
		return c.ws.SetReadDeadline(time.Now().Add(readWait))
	})

	// A pending connection has a bounded window to produce a valid Connect
	grace := time.AfterFunc(c.cfg.ConnectGrace, func() {
		if c.state.Load() == statePending {
			c.shutdown(protocol.CloseRequestTimeout, "no connect within grace window")
		}
	})
	defer grace.Stop()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			// A read deadline expiring means the peer stopped answering
			// heartbeats
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				c.shutdown(protocol.CloseRequestTimeout, "heartbeat timeout")
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.WithError(err).WithFields(logging.Fields{
					"conn_id": c.ID,
				}).Debug("Connection read error")
			}
			return
		}
		c.ingressBytes.Add(int64(len(data)))

		env, err := protocol.Decode(data, c.cfg.MaxFrameSize)
		if err != nil {
			c.shutdown(protocol.CloseBadRequest, "malformed frame")
			return
		}

		actor := c.actor.Load()
		if actor == nil {
			// Only Connect is meaningful before authentication
			if env.Type != protocol.PacketConnect {
				c.shutdown(protocol.CloseUnauthorized, "connect required")
				return
			}
			if !c.authenticate(env.Connect.GrantJWT) {
				return
			}
			continue
		}

		actor.dispatch(c, env)
	}
}

// authenticate verifies a grant token, routes the connection to its channel
// actor, and transitions to Authenticated. Returns false when the
// connection was closed instead.
func (c *Conn) authenticate(token string) bool {
	grant, err := c.registry.verifier.Verify(token)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrExpiredGrant), errors.Is(err, auth.ErrBadGrantSignature):
			c.shutdown(protocol.CloseUnauthorized, "grant rejected")
		default:
			c.shutdown(protocol.CloseBadRequest, "grant malformed")
		}
		return false
	}

	actor := c.registry.GetOrCreate(grant.ProjectID, grant.Channel, c.locationHint)
	if err := actor.Attach(c, grant); err != nil {
		c.shutdown(protocol.ClosePreconditionFailed, err.Error())
		return false
	}

	c.actor.Store(actor)
	c.state.Store(stateAuthenticated)
	return true
}

// writeLoop is the single writer on the socket: queued frames, heartbeat
// pings, and the closing handshake all funnel through here.
func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case item := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			err := c.ws.WriteMessage(websocket.TextMessage, item.data)
			c.pendingBytes.Add(-int64(len(item.data)))
			if err != nil {
				c.shutdown(protocol.CloseRequestTimeout, "egress write failed")
				return
			}
			c.egressBytes.Add(int64(len(item.data)))
			if item.onWritten != nil {
				item.onWritten(clock.Monotonic())
			}

		case <-ticker.C:
			if c.missedPongs.Load() >= 2 {
				c.shutdown(protocol.CloseRequestTimeout, "heartbeat timeout")
				return
			}
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.shutdown(protocol.CloseRequestTimeout, "heartbeat write failed")
				return
			}
			c.missedPongs.Add(1)

		case <-c.closed:
			return
		}
	}
}

// enqueue queues an egress frame without blocking the actor. Returns false
// when the connection's byte budget or queue is exhausted; the caller then
// closes the connection with a flow-control error.
func (c *Conn) enqueue(data []byte, onWritten func(t float64)) bool {
	size := int64(len(data))
	if c.pendingBytes.Add(size) > c.cfg.EgressBudget {
		c.pendingBytes.Add(-size)
		return false
	}
	select {
	case c.send <- outItem{data: data, onWritten: onWritten}:
		return true
	case <-c.closed:
		c.pendingBytes.Add(-size)
		return false
	default:
		c.pendingBytes.Add(-size)
		return false
	}
}

// shutdown closes the transport and detaches from the actor. Safe to call
// from any goroutine except the actor's own loop (the actor uses
// closeTransport plus direct map removal instead).
func (c *Conn) shutdown(code int, reason string) {
	c.closeTransport(code, reason)
	if a := c.actor.Load(); a != nil {
		a.Detach(c)
	}
}

// closeTransport performs the websocket-level close exactly once.
func (c *Conn) closeTransport(code int, reason string) {
	c.closeOnce.Do(func() {
		c.state.Store(stateClosing)
		deadline := time.Now().Add(c.cfg.WriteTimeout)
		msg := websocket.FormatCloseMessage(code, reason)
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, deadline)
		close(c.closed)
		_ = c.ws.Close()
		c.state.Store(stateClosed)
	})
}

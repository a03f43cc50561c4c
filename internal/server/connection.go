package server

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voiceping/router/internal/protocol"
	vperrors "github.com/voiceping/router/pkg/errors"
	"github.com/voiceping/router/pkg/logger"
)

const (
	writeWait         = 10 * time.Second
	maxMessageSize    = 512 * 1024
	maxControlPayload = 125
	sendQueueSize     = 256
)

// ConnectionSink receives a connection's decoded frames, its liveness
// signals and its single close notification. Handlers for one socket never
// run concurrently.
type ConnectionSink interface {
	OnMessage(f *protocol.Frame)
	OnLiveness()
	OnClose()
}

// Connection owns one full-duplex socket: frame parsing, the liveness
// ping/pong exchange and clean close. Liveness is judged by whichever side
// pings; inbound pings are answered with a pong carrying the resolved user
// id, inbound pongs extend the read deadline.
type Connection struct {
	conn     *websocket.Conn
	key      string
	clientID string
	deviceID string
	userID   string
	role     string

	pingPeriod time.Duration
	pongWait   time.Duration

	send chan []byte
	quit chan struct{}
	log  *logger.Logger

	mu     sync.Mutex
	sink   ConnectionSink
	closed bool

	closeOnce    sync.Once
	lastActivity atomic.Int64
}

func NewConnection(conn *websocket.Conn, key, clientID, deviceID, userID, role string, pingPeriod time.Duration, log *logger.Logger) *Connection {
	c := &Connection{
		conn:       conn,
		key:        key,
		clientID:   clientID,
		deviceID:   deviceID,
		userID:     userID,
		role:       role,
		pingPeriod: pingPeriod,
		pongWait:   pingPeriod * 2,
		send:       make(chan []byte, sendQueueSize),
		quit:       make(chan struct{}),
		log:        log.WithUser(userID),
	}
	c.touch()
	return c
}

func (c *Connection) Key() string      { return c.key }
func (c *Connection) ClientID() string { return c.clientID }
func (c *Connection) DeviceID() string { return c.deviceID }
func (c *Connection) UserID() string   { return c.userID }
func (c *Connection) Role() string     { return c.role }

// LastActivity is the time of the most recent inbound frame or control
// frame on this socket.
func (c *Connection) LastActivity() time.Time {
	return time.UnixMilli(c.lastActivity.Load())
}

func (c *Connection) touch() {
	c.lastActivity.Store(time.Now().UnixMilli())
}

// notifyLiveness surfaces a ping or pong upstream. Liveness is judged by
// whichever side pings, so both directions count.
func (c *Connection) notifyLiveness() {
	c.mu.Lock()
	sink := c.sink
	c.mu.Unlock()
	if sink != nil {
		sink.OnLiveness()
	}
}

// SetSink attaches the upstream handler. Must be called before Start.
func (c *Connection) SetSink(sink ConnectionSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

// Start launches the read and write pumps.
func (c *Connection) Start() {
	go c.writePump()
	go c.readPump()
}

func (c *Connection) readPump() {
	defer c.teardown()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.pongWait))

	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		c.touch()
		c.notifyLiveness()
		return nil
	})

	// The pong we send back carries the resolved user id, truncated to the
	// control-frame payload limit.
	pongPayload := []byte(c.userID)
	if len(pongPayload) > maxControlPayload {
		pongPayload = pongPayload[:maxControlPayload]
	}
	c.conn.SetPingHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.pongWait))
		c.touch()
		c.notifyLiveness()
		return c.conn.WriteControl(websocket.PongMessage, pongPayload, time.Now().Add(writeWait))
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Warnf("socket read failed: %v", err)
			}
			return
		}
		c.touch()

		frame, err := protocol.Decode(message)
		if err != nil {
			// A single malformed frame is logged and skipped, the socket
			// stays up.
			c.log.Warnf("dropping inbound frame: %v", err)
			continue
		}

		c.mu.Lock()
		sink := c.sink
		c.mu.Unlock()
		if sink != nil {
			sink.OnMessage(frame)
		}
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(c.pingPeriod)
	defer func() {
		ticker.Stop()
		c.teardown()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.quit:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// Send queues raw bytes for delivery iff the socket is still open. Write
// failures never propagate to the caller.
func (c *Connection) Send(data []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return vperrors.ErrSocketClosed
	}
	select {
	case c.send <- data:
		return nil
	default:
		c.log.Warnf("send queue full, dropping outbound frame")
		return nil
	}
}

// SendFrame encodes then sends.
func (c *Connection) SendFrame(f *protocol.Frame) error {
	data, err := protocol.Encode(f)
	if err != nil {
		return err
	}
	return c.Send(data)
}

// Close tears the socket down. Event handlers are detached before the one
// close notification is surfaced; nothing is emitted afterwards.
func (c *Connection) Close() {
	c.teardown()
}

func (c *Connection) teardown() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		sink := c.sink
		c.sink = nil
		c.mu.Unlock()

		close(c.quit)
		c.conn.Close()

		if sink != nil {
			sink.OnClose()
		}
	})
}

package server

import (
	"sync"

	"github.com/voiceping/router/internal/protocol"
	"github.com/voiceping/router/pkg/logger"
)

// Socket is the slice of a Connection the identity layer needs. Accepting
// the interface keeps the duplicate-login logic testable without a live
// websocket.
type Socket interface {
	Key() string
	ClientID() string
	DeviceID() string
	UserID() string
	Role() string
	SendFrame(f *protocol.Frame) error
	Close()
}

// ClientSink receives a client's frames, liveness signals and lifecycle
// transitions. The router implements it.
type ClientSink interface {
	OnFrame(f *protocol.Frame, c *Client)
	OnLiveness(c *Client)
	OnSocketClosed(s Socket)
	OnUnregister(c *Client)
}

// Client aggregates the sockets of one logical user. At most one socket is
// registered at a time: a duplicate login displaces the previous socket,
// which is told why and closed.
type Client struct {
	userID string
	sink   ClientSink
	log    *logger.Logger

	mu     sync.Mutex
	socket Socket
	role   string
}

func NewClient(userID string, sink ClientSink, log *logger.Logger) *Client {
	return &Client{userID: userID, sink: sink, log: log.WithUser(userID)}
}

func (c *Client) UserID() string {
	return c.userID
}

// Role reports the role presented by the most recent socket.
func (c *Client) Role() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// Socket returns the currently registered socket, nil when offline.
func (c *Client) Socket() Socket {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.socket
}

// RegisterSocket adopts a socket and returns the sink its connection must
// use. Re-registration with the same handshake key is idempotent; a
// different key displaces the old socket with a LOGIN_DUPLICATED frame.
func (c *Client) RegisterSocket(s Socket) ConnectionSink {
	c.mu.Lock()
	old := c.socket
	if old != nil && old.Key() == s.Key() {
		c.mu.Unlock()
		return &clientConnSink{client: c, socket: s}
	}
	c.socket = s
	c.role = s.Role()
	c.mu.Unlock()

	if old != nil {
		c.log.Infof("duplicate login, displacing socket %s", old.Key())
		old.SendFrame(&protocol.Frame{
			Channel: protocol.ChannelPrivate,
			Type:    protocol.MessageLoginDuplicated,
			To:      c.userID,
		})
		old.Close()
	}
	return &clientConnSink{client: c, socket: s}
}

// Deliver forwards a frame to the registered socket. Returns false when the
// user has no socket on this instance.
func (c *Client) Deliver(f *protocol.Frame) bool {
	c.mu.Lock()
	s := c.socket
	c.mu.Unlock()
	if s == nil {
		return false
	}
	s.SendFrame(f)
	return true
}

func (c *Client) socketClosed(s Socket) {
	c.mu.Lock()
	last := c.socket != nil && c.socket.Key() == s.Key()
	if last {
		c.socket = nil
	}
	c.mu.Unlock()

	c.sink.OnSocketClosed(s)
	if last {
		c.sink.OnUnregister(c)
	}
}

// clientConnSink binds one socket's events to its owning client. A displaced
// socket's close never unregisters the client that already adopted a newer
// socket.
type clientConnSink struct {
	client *Client
	socket Socket
}

func (s *clientConnSink) OnMessage(f *protocol.Frame) {
	s.client.sink.OnFrame(f, s.client)
}

func (s *clientConnSink) OnLiveness() {
	s.client.sink.OnLiveness(s.client)
}

func (s *clientConnSink) OnClose() {
	s.client.socketClosed(s.socket)
}

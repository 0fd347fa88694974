package gateway

import (
	"errors"
	"sync"
	"time"
)

var errClientClosed = errors.New("client closed")

// Client is one accepted transport connection, wrapped with the session
// binding and liveness timestamps the engine and the heartbeat sweep need.
// It implements party.Peer.
type Client struct {
	conn Conn

	mu            sync.Mutex
	sessionCode   string
	participantID string
	lastSeen      time.Time
	lastPong      time.Time
	closed        bool

	closeOnce sync.Once
}

func newClient(conn Conn, now time.Time) *Client {
	return &Client{conn: conn, lastSeen: now, lastPong: now}
}

// Send writes one frame. A closed client rejects every send instead of
// touching a dead transport.
func (c *Client) Send(frame []byte) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return errClientClosed
	}
	return c.conn.Send(frame)
}

// Bind attaches the client to a session and participant after a successful
// create or join.
func (c *Client) Bind(code, participantID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionCode = code
	c.participantID = participantID
}

func (c *Client) Binding() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionCode, c.participantID
}

func (c *Client) ClearBinding() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionCode = ""
	c.participantID = ""
}

// touch records inbound traffic. Called before decoding, so even garbage
// frames count as liveness.
func (c *Client) touch(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastSeen = now
}

func (c *Client) pong(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastPong = now
}

func (c *Client) lastPongAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPong
}

func (c *Client) markClosed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

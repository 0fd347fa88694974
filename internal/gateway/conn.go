package gateway

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is the transport seam between the gateway and a websocket library.
// One implementation exists per transport; tests plug in fakes.
type Conn interface {
	Send(data []byte) error
	Ping() error
	Close() error
}

const writeWait = 10 * time.Second

// wsConn adapts a gorilla websocket connection. Writes are serialized with a
// mutex because the engine's fan-out and the heartbeat sweep run on
// different goroutines.
type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func newWSConn(conn *websocket.Conn) *wsConn {
	return &wsConn{conn: conn}
}

func (c *wsConn) Send(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *wsConn) Ping() error {
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *wsConn) Close() error {
	return c.conn.Close()
}

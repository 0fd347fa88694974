package connector

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tbellini/watchparty/internal/protocol"
	"github.com/tbellini/watchparty/internal/reliability"
)

// State is the connector's connection lifecycle state. Reconnecting is
// layered on top of a previously joined session dropping unexpectedly; a
// user-initiated disconnect goes straight back to Disconnected.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

var (
	ErrNotConnected = errors.New("not connected")
)

// Transport is one live bidirectional message connection.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a transport to the server. Injected so tests can run without
// a network.
type Dialer func(ctx context.Context, url string) (Transport, error)

type wsTransport struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (t *wsTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.conn.ReadMessage()
	return data, err
}

func (t *wsTransport) WriteMessage(data []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return t.conn.WriteMessage(websocket.TextMessage, data)
}

func (t *wsTransport) Close() error {
	return t.conn.Close()
}

func dialWebsocket(ctx context.Context, url string) (Transport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return &wsTransport{conn: conn}, nil
}

// Identity is what the device asserts about itself on create and join.
type Identity struct {
	PlexServerID string
	UserID       string
	DisplayName  string
}

type Config struct {
	URL          string
	PingInterval time.Duration
	BackoffBase  time.Duration
	BackoffCap   time.Duration
	Dialer       Dialer
}

// Connector keeps a device attached to the party server: it owns the
// transport, a receive loop, a protocol-level ping loop and, after an
// unexpected drop while in a session, a reconnect loop that re-dials and
// rejoins. All loops hang off one per-connection context so a user
// disconnect cancels them together before the transport goes away.
type Connector struct {
	cfg Config
	log *zap.Logger

	mu          sync.Mutex
	state       State
	transport   Transport
	connCancel  context.CancelFunc
	dropOnce    *sync.Once
	identity    Identity
	sessionCode string
	selfID      string
	inSession   bool

	handler func(protocol.ServerMessage)
	stateCB func(State)
}

func New(cfg Config, log *zap.Logger) *Connector {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 30 * time.Second
	}
	if cfg.Dialer == nil {
		cfg.Dialer = dialWebsocket
	}
	return &Connector{cfg: cfg, log: log, state: StateDisconnected}
}

// OnMessage registers the handler for decoded server messages. Register
// before Connect; the receive loop reads it without further locking.
func (c *Connector) OnMessage(fn func(protocol.ServerMessage)) {
	c.handler = fn
}

// OnStateChange registers an observer for lifecycle transitions.
func (c *Connector) OnStateChange(fn func(State)) {
	c.stateCB = fn
}

func (c *Connector) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SessionCode returns the code of the session this device last joined, or
// empty when it is not in one.
func (c *Connector) SessionCode() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.inSession {
		return ""
	}
	return c.sessionCode
}

// Connect opens the transport and starts the receive and ping loops. A
// connector that is not disconnected treats Connect as a no-op.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	t, err := c.cfg.Dialer(ctx, c.cfg.URL)
	if err != nil {
		c.setState(StateDisconnected)
		return err
	}
	c.attach(t)
	return nil
}

// attach installs a fresh transport and spawns its loops under a new
// per-connection context.
func (c *Connector) attach(t Transport) {
	connCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	c.transport = t
	c.connCancel = cancel
	c.dropOnce = &sync.Once{}
	c.setStateLocked(StateConnected)
	once := c.dropOnce
	c.mu.Unlock()

	go c.receiveLoop(connCtx, t, once)
	go c.pingLoop(connCtx, t, once)
}

// Send encodes and writes one client message. Failures surface to the
// caller; the receive loop notices the broken transport separately.
func (c *Connector) Send(msg protocol.ClientMessage) error {
	frame, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	t := c.transport
	c.mu.Unlock()
	if t == nil {
		return ErrNotConnected
	}
	return t.WriteMessage(frame)
}

// CreateSession asks the server for a new party, remembering the identity
// for later rejoin.
func (c *Connector) CreateSession(id Identity) error {
	c.mu.Lock()
	c.identity = id
	c.mu.Unlock()
	return c.Send(protocol.CreateSession{
		PlexServerID: id.PlexServerID,
		UserID:       id.UserID,
		DisplayName:  id.DisplayName,
	})
}

// JoinSession joins an existing party, remembering code and identity for
// later rejoin.
func (c *Connector) JoinSession(code string, id Identity) error {
	c.mu.Lock()
	c.identity = id
	c.sessionCode = code
	c.mu.Unlock()
	return c.Send(protocol.JoinSession{
		Code:         code,
		PlexServerID: id.PlexServerID,
		UserID:       id.UserID,
		DisplayName:  id.DisplayName,
	})
}

// Leave tells the server this device is going; it also disarms the
// reconnect machinery so the drop that follows is treated as intentional.
func (c *Connector) Leave(endForAll bool) error {
	c.mu.Lock()
	c.inSession = false
	c.mu.Unlock()
	return c.Send(protocol.LeaveSession{EndForAll: endForAll})
}

// Disconnect is a user-initiated teardown: stop every loop, then close the
// transport, without entering the reconnect state machine.
func (c *Connector) Disconnect() {
	c.mu.Lock()
	c.inSession = false
	cancel := c.connCancel
	t := c.transport
	c.transport = nil
	c.connCancel = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if t != nil {
		_ = t.Close()
	}
}

// detach tears down the current transport without touching the session
// memory, so a reconnect attempt that half-succeeded can retry.
func (c *Connector) detach(t Transport) {
	c.mu.Lock()
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	if c.transport == t {
		c.transport = nil
	}
	c.mu.Unlock()
	_ = t.Close()
}

func (c *Connector) receiveLoop(ctx context.Context, t Transport, once *sync.Once) {
	for {
		data, err := t.ReadMessage()
		if err != nil {
			c.handleDrop(ctx, t, once, err)
			return
		}
		msg, werr := protocol.DecodeServerMessage(data)
		if werr != nil {
			c.handleDrop(ctx, t, once, werr)
			return
		}
		c.observe(msg)
		if c.handler != nil {
			c.handler(msg)
		}
	}
}

// pingLoop keeps a protocol-level latency probe flowing; the transport-level
// heartbeat belongs to the server.
func (c *Connector) pingLoop(ctx context.Context, t Transport, once *sync.Once) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			frame, err := protocol.Encode(protocol.Ping{SentAtMs: time.Now().UnixMilli()})
			if err != nil {
				continue
			}
			if err := t.WriteMessage(frame); err != nil {
				c.handleDrop(ctx, t, once, err)
				return
			}
		}
	}
}

// observe mirrors the bits of server traffic the connector itself needs:
// which session it is in and its own participant id.
func (c *Connector) observe(msg protocol.ServerMessage) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch m := msg.(type) {
	case protocol.Created:
		c.sessionCode = m.Code
		c.selfID = m.ParticipantID
		c.inSession = true
	case protocol.Joined:
		c.sessionCode = m.Code
		c.selfID = m.ParticipantID
		c.inSession = true
	case protocol.SessionEnded:
		c.inSession = false
	}
}

// handleDrop runs once per connection, whichever loop hit the failure
// first. It decides between staying down and spawning the reconnect loop.
func (c *Connector) handleDrop(ctx context.Context, t Transport, once *sync.Once, cause error) {
	once.Do(func() {
		// A context already cancelled on entry means Disconnect ran first
		// and the state is settled. Sample it before the teardown below
		// cancels the same context.
		intentional := ctx.Err() != nil

		c.mu.Lock()
		if c.connCancel != nil {
			c.connCancel()
			c.connCancel = nil
		}
		if c.transport == t {
			c.transport = nil
		}
		rejoin := c.inSession
		c.mu.Unlock()
		_ = t.Close()

		if intentional {
			return
		}
		if !rejoin || reliability.IsTerminalCloseError(cause) {
			c.log.Info("connection closed", zap.Error(cause))
			c.setState(StateDisconnected)
			return
		}

		c.log.Warn("connection lost, reconnecting", zap.Error(cause))
		c.setState(StateReconnecting)
		go c.reconnectLoop()
	})
}

// reconnectLoop re-dials with exponential backoff and re-sends the join for
// the remembered session. It exits when the rejoin is sent (resetting the
// backoff implicitly) or when the device stops considering itself in a
// session.
func (c *Connector) reconnectLoop() {
	attempt := 0
	for {
		delay := reliability.ExponentialBackoff(attempt, c.cfg.BackoffBase, c.cfg.BackoffCap)
		time.Sleep(delay)

		c.mu.Lock()
		if !c.inSession || c.state != StateReconnecting {
			c.mu.Unlock()
			return
		}
		code := c.sessionCode
		id := c.identity
		c.mu.Unlock()

		dialCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		t, err := c.cfg.Dialer(dialCtx, c.cfg.URL)
		cancel()
		if err != nil {
			attempt++
			c.log.Debug("reconnect dial failed",
				zap.Int("attempt", attempt),
				zap.Error(err))
			continue
		}

		c.attach(t)
		if err := c.JoinSession(code, id); err != nil {
			attempt++
			c.detach(t)
			c.setState(StateReconnecting)
			continue
		}
		c.log.Info("rejoined session", zap.String("code", code))
		return
	}
}

func (c *Connector) setState(s State) {
	c.mu.Lock()
	c.setStateLocked(s)
	c.mu.Unlock()
}

// setStateLocked requires c.mu held. The callback fires on the caller's
// goroutine; observers must not call back into the connector synchronously.
func (c *Connector) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	if c.stateCB != nil {
		cb := c.stateCB
		go cb(s)
	}
}

package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tbellini/watchparty/internal/observability"
	"github.com/tbellini/watchparty/internal/party"
	"github.com/tbellini/watchparty/internal/protocol"
)

type fakeConn struct {
	mu       sync.Mutex
	sent     [][]byte
	pings    int
	closes   int
	failSend bool
}

func (c *fakeConn) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failSend {
		return fmt.Errorf("send failed")
	}
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pings++
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	return nil
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	ns := fmt.Sprintf("test_gateway_%d", time.Now().UnixNano())
	metrics := observability.NewMetrics(ns)
	registry := party.NewRegistry(6)
	engine := party.NewEngine(registry, metrics, zap.NewNop(), 2*time.Second, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go engine.Run(ctx)

	return New(engine, metrics, zap.NewNop(), 15*time.Second, 45*time.Second, true)
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", url, err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func sendClient(t *testing.T, conn *websocket.Conn, msg protocol.ClientMessage) {
	t.Helper()
	frame, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("encode %T: %v", msg, err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		t.Fatalf("write %T: %v", msg, err)
	}
}

func readServer(t *testing.T, conn *websocket.Conn) protocol.ServerMessage {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read message: %v", err)
	}
	msg, werr := protocol.DecodeServerMessage(data)
	if werr != nil {
		t.Fatalf("decode server frame: %v", werr)
	}
	return msg
}

func TestHealthEndpoint(t *testing.T) {
	g := newTestGateway(t)
	ts := httptest.NewServer(g.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	body, _ := io.ReadAll(res.Body)
	if string(body) != "ok" {
		t.Fatalf("body = %q, want %q", body, "ok")
	}
}

func TestLatencyEndpointServesJSON(t *testing.T) {
	g := newTestGateway(t)
	g.metrics.Latency.Observe(observability.StageDispatch, 3*time.Millisecond)
	ts := httptest.NewServer(g.Router())
	defer ts.Close()

	res, err := http.Get(ts.URL + "/debug/latency")
	if err != nil {
		t.Fatalf("GET /debug/latency error = %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want %d", res.StatusCode, http.StatusOK)
	}
	var snap observability.LatencySnapshot
	if err := json.NewDecoder(res.Body).Decode(&snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if len(snap.Stages) != 1 || snap.Stages[0].Stage != observability.StageDispatch {
		t.Fatalf("snapshot stages = %+v, want one dispatch entry", snap.Stages)
	}
}

func TestCreateSessionOverWebsocket(t *testing.T) {
	g := newTestGateway(t)
	ts := httptest.NewServer(g.Router())
	defer ts.Close()

	conn := dialWS(t, ts)
	sendClient(t, conn, protocol.CreateSession{PlexServerID: "srv1", UserID: "alice", DisplayName: "Alice"})

	created, ok := readServer(t, conn).(protocol.Created)
	if !ok {
		t.Fatalf("first reply should be Created")
	}
	if created.Code == "" || created.ParticipantID == "" {
		t.Fatalf("unexpected created: %+v", created)
	}

	snap, ok := readServer(t, conn).(protocol.LobbySnapshot)
	if !ok || len(snap.Participants) != 1 || !snap.Participants[0].IsHost {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}
}

func TestBadFrameKeepsConnectionOpen(t *testing.T) {
	g := newTestGateway(t)
	ts := httptest.NewServer(g.Router())
	defer ts.Close()

	conn := dialWS(t, ts)
	if err := conn.WriteMessage(websocket.TextMessage, []byte(`{garbage`)); err != nil {
		t.Fatalf("write garbage: %v", err)
	}
	errMsg, ok := readServer(t, conn).(protocol.Error)
	if !ok || errMsg.Code != protocol.CodeInvalidJSON {
		t.Fatalf("reply = %+v, want invalid_json error", errMsg)
	}

	// The connection must survive the bad frame.
	sendClient(t, conn, protocol.CreateSession{PlexServerID: "srv1", UserID: "alice", DisplayName: "Alice"})
	if _, ok := readServer(t, conn).(protocol.Created); !ok {
		t.Fatalf("connection should still accept valid messages")
	}
}

func TestPeerCloseRemovesParticipant(t *testing.T) {
	g := newTestGateway(t)
	ts := httptest.NewServer(g.Router())
	defer ts.Close()

	connA := dialWS(t, ts)
	sendClient(t, connA, protocol.CreateSession{PlexServerID: "srv1", UserID: "alice", DisplayName: "Alice"})
	created := readServer(t, connA).(protocol.Created)
	readServer(t, connA) // own snapshot

	connB := dialWS(t, ts)
	sendClient(t, connB, protocol.JoinSession{Code: created.Code, PlexServerID: "srv1", UserID: "bob", DisplayName: "Bob"})
	readServer(t, connB) // joined
	snap := readServer(t, connA).(protocol.LobbySnapshot)
	if len(snap.Participants) != 2 {
		t.Fatalf("snapshot participants = %d, want 2", len(snap.Participants))
	}

	_ = connB.Close()

	deadline := time.Now().Add(2 * time.Second)
	for {
		if time.Now().After(deadline) {
			t.Fatalf("never observed the one-participant snapshot")
		}
		snap, ok := readServer(t, connA).(protocol.LobbySnapshot)
		if ok && len(snap.Participants) == 1 {
			return
		}
	}
}

func TestHeartbeatSweepForceClosesStaleClients(t *testing.T) {
	g := newTestGateway(t)
	conn := &fakeConn{}
	stale := newClient(conn, time.Now().Add(-2*time.Minute))
	g.set.Add(stale)

	g.sweep(time.Now())

	conn.mu.Lock()
	closes := conn.closes
	conn.mu.Unlock()
	if closes != 1 {
		t.Fatalf("closes = %d, want 1", closes)
	}
	if g.set.Len() != 0 {
		t.Fatalf("stale client should be removed from the set")
	}
	if err := stale.Send([]byte("x")); err == nil {
		t.Fatalf("closed client must reject sends")
	}
}

func TestHeartbeatSweepPingsHealthyClients(t *testing.T) {
	g := newTestGateway(t)
	conn := &fakeConn{}
	healthy := newClient(conn, time.Now())
	g.set.Add(healthy)

	g.sweep(time.Now())

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.pings != 1 {
		t.Fatalf("pings = %d, want 1", conn.pings)
	}
	if conn.closes != 0 {
		t.Fatalf("healthy client must not be closed")
	}
}

func TestCloseClientRunsOnce(t *testing.T) {
	g := newTestGateway(t)
	conn := &fakeConn{}
	client := newClient(conn, time.Now())
	g.set.Add(client)

	g.closeClient(client, "test")
	g.closeClient(client, "test again")

	conn.mu.Lock()
	defer conn.mu.Unlock()
	if conn.closes != 1 {
		t.Fatalf("closes = %d, want exactly 1", conn.closes)
	}
}

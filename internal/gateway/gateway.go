package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/tbellini/watchparty/internal/observability"
	"github.com/tbellini/watchparty/internal/party"
)

// Gateway accepts websocket connections, frames their traffic into the
// engine and watches their liveness. It owns the Client objects; sessions
// hold non-owning peer references to them.
type Gateway struct {
	engine  *party.Engine
	metrics *observability.Metrics
	log     *zap.Logger
	set     *connectionSet

	heartbeatInterval time.Duration
	heartbeatTimeout  time.Duration

	upgrader websocket.Upgrader
}

func New(engine *party.Engine, metrics *observability.Metrics, log *zap.Logger, heartbeatInterval, heartbeatTimeout time.Duration, allowAnyOrigin bool) *Gateway {
	if heartbeatInterval <= 0 {
		heartbeatInterval = 15 * time.Second
	}
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 45 * time.Second
	}
	return &Gateway{
		engine:            engine,
		metrics:           metrics,
		log:               log,
		set:               newConnectionSet(),
		heartbeatInterval: heartbeatInterval,
		heartbeatTimeout:  heartbeatTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				if allowAnyOrigin {
					return true
				}
				origin := strings.TrimSpace(r.Header.Get("Origin"))
				if origin == "" {
					// Native device clients omit Origin. Allow them.
					return true
				}
				u, err := url.Parse(origin)
				if err != nil {
					return false
				}
				if u.Scheme != "http" && u.Scheme != "https" {
					return false
				}
				return strings.EqualFold(u.Host, r.Host)
			},
		},
	}
}

func (g *Gateway) Router() http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})
	r.Get("/debug/latency", g.handleLatency)
	r.Get("/ws", g.handleWS)
	return r
}

// handleHealth is a plain liveness probe, deliberately outside the protocol.
func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleLatency dumps the short-horizon dispatch and broadcast timings as
// JSON for quick inspection without a metrics pipeline.
func (g *Gateway) handleLatency(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(g.metrics.Latency.Snapshot())
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	wsc, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := newClient(newWSConn(wsc), time.Now())
	g.set.Add(client)
	g.metrics.ConnectedClients.Set(float64(g.set.Len()))
	g.log.Debug("connection accepted", zap.String("remote", r.RemoteAddr))

	wsc.SetReadLimit(1 << 20)
	wsc.SetPongHandler(func(string) error {
		client.pong(time.Now())
		return nil
	})

	for {
		msgType, data, err := wsc.ReadMessage()
		if err != nil {
			break
		}
		client.touch(time.Now())
		if msgType != websocket.TextMessage {
			continue
		}
		g.engine.HandleFrame(client, data)
	}

	g.closeClient(client, "connection dropped")
}

// StartHeartbeat pings every open client on a fixed interval and
// force-closes those whose last pong is older than the timeout. This sweep
// is independent of the session TTL sweep.
func (g *Gateway) StartHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(g.heartbeatInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.sweep(time.Now())
			}
		}
	}()
}

func (g *Gateway) sweep(now time.Time) {
	for _, client := range g.set.All() {
		if now.Sub(client.lastPongAt()) > g.heartbeatTimeout {
			g.metrics.HeartbeatCloses.Inc()
			g.closeClient(client, "heartbeat timeout")
			continue
		}
		if err := client.conn.Ping(); err != nil {
			g.closeClient(client, "ping failed")
		}
	}
}

// closeClient tears a connection down exactly once, whatever raced to cause
// it, and hands the disconnect to the engine's leave path.
func (g *Gateway) closeClient(c *Client, reason string) {
	c.closeOnce.Do(func() {
		c.markClosed()
		_ = c.conn.Close()
		g.set.Remove(c)
		g.metrics.ConnectedClients.Set(float64(g.set.Len()))
		g.log.Debug("connection closed", zap.String("reason", reason))
		g.engine.HandleDisconnect(c)
	})
}

// Package realtime tracks live annotator sessions and pushes update
// messages to them over WebSockets. One identity has at most one session; a
// new login displaces the old one. A heartbeat sweep pings every session and
// closes those that did not answer the previous ping.
package realtime

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"pkt.systems/markd/api"
	"pkt.systems/markd/internal/clock"
	"pkt.systems/markd/internal/svcfields"
	"pkt.systems/pslog"
)

const (
	// DefaultHeartbeatInterval is the time between heartbeat sweeps.
	DefaultHeartbeatInterval = 2 * time.Second
	// DefaultWriteTimeout bounds every frame written to a client.
	DefaultWriteTimeout = 5 * time.Second

	// ReasonShutdown is sent to every session when the server stops.
	ReasonShutdown = "Server shutting down."

	maxMessageSize = 64 << 10
)

// Config wires a Hub.
type Config struct {
	Logger            pslog.Logger
	Clock             clock.Clock
	HeartbeatInterval time.Duration
	WriteTimeout      time.Duration
}

// Hub owns the session registry, the notification bus and the heartbeat,
// and serves the WebSocket endpoint.
type Hub struct {
	logger       pslog.Logger
	clock        clock.Clock
	interval     time.Duration
	writeTimeout time.Duration
	upgrader     websocket.Upgrader

	registry *Registry
	bus      *Bus

	sweepMu   sync.Mutex
	lastSweep time.Time
}

// NewHub builds a hub with an empty registry.
func NewHub(cfg Config) *Hub {
	logger := svcfields.WithSubsystem(cfg.Logger, "realtime")
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	registry := NewRegistry(cfg.Logger)
	return &Hub{
		logger:       logger,
		clock:        clock.OrReal(cfg.Clock),
		interval:     cfg.HeartbeatInterval,
		writeTimeout: cfg.WriteTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		registry: registry,
		bus:      NewBus(registry, cfg.Logger),
	}
}

// Registry returns the session registry.
func (h *Hub) Registry() *Registry { return h.registry }

// Bus returns the notification bus.
func (h *Hub) Bus() *Bus { return h.bus }

// ServeHTTP upgrades the request and runs the session until the client goes
// away. Requests without a usable bearer token are upgraded and closed with
// 1008 so browser clients see the reason.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	identity, authErr := IdentityFromRequest(r)
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("realtime.upgrade.error", "error", err)
		return
	}
	sess := newSession(conn, identity, h.writeTimeout)
	logger := h.logger.With(svcfields.ConnKey, sess.ID())
	if authErr != nil {
		logger.Debug("realtime.session.unauthenticated", "error", authErr)
		sess.Close(ClosePolicyViolation, ReasonTokenNeeded)
		return
	}
	logger = logger.With(svcfields.IdentityKey, identity)

	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		h.registry.Ack(identity, sess, h.clock.Now())
		return nil
	})

	h.registry.Register(identity, sess)
	h.bus.metrics.recordSessions(r.Context(), 1)
	h.bus.StatusChanged(identity, api.StatusActive)

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				logger.Debug("realtime.session.read_error", "error", err)
			}
			break
		}
		if msgType != websocket.TextMessage {
			continue
		}
		logger.Debug("realtime.session.message", "bytes", len(data))
		if err := sess.Send(append([]byte("Received: "), data...)); err != nil {
			logger.Debug("realtime.session.reply_error", "error", err)
		}
	}

	sess.drop()
	h.bus.metrics.recordSessions(context.Background(), -1)
	if h.registry.Unregister(identity, sess) {
		h.bus.StatusChanged(identity, api.StatusOffline)
	}
}

// Sweep runs one heartbeat pass: new sessions get a baseline and a ping,
// sessions that acknowledged since the previous sweep get a ping, and the
// rest are closed with ReasonTimedOut.
func (h *Hub) Sweep() {
	h.sweepMu.Lock()
	now := h.clock.Now()
	previous := h.lastSweep
	h.lastSweep = now
	h.sweepMu.Unlock()

	for _, target := range h.registry.sweep(now, previous) {
		if target.timedOut {
			h.logger.Info("realtime.heartbeat.timeout", svcfields.IdentityKey, target.identity, svcfields.ConnKey, target.conn.ID())
			h.bus.metrics.recordTimeout(context.Background())
			if err := target.conn.Close(CloseGoingAway, ReasonTimedOut); err != nil {
				h.logger.Debug("realtime.heartbeat.close_error", svcfields.IdentityKey, target.identity, "error", err)
			}
			continue
		}
		if err := target.conn.Ping(); err != nil {
			h.logger.Debug("realtime.heartbeat.ping_error", svcfields.IdentityKey, target.identity, "error", err)
		}
	}
}

// Run sweeps every heartbeat interval until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) error {
	h.logger.Info("realtime.heartbeat.start", "interval", h.interval)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-h.clock.After(h.interval):
			h.Sweep()
		}
	}
}

// CloseAll closes every session with ReasonShutdown.
func (h *Hub) CloseAll() {
	for _, conn := range h.registry.Conns() {
		conn.Close(CloseGoingAway, ReasonShutdown)
	}
}

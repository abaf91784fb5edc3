package realtime

import (
	"slices"
	"sync"
	"time"

	"pkt.systems/markd/internal/svcfields"
	"pkt.systems/pslog"
)

// Close codes and reasons sent to clients.
const (
	CloseGoingAway       = 1001
	ClosePolicyViolation = 1008

	ReasonDisplaced   = "Client logged in from another location."
	ReasonTimedOut    = "Client timed out."
	ReasonTokenNeeded = "Authorization Token is required."
)

// Conn is a live client connection as seen by the registry and bus.
type Conn interface {
	// ID is unique per connection.
	ID() string
	// Send writes one text frame.
	Send(payload []byte) error
	// Ping writes a ping control frame.
	Ping() error
	// Close sends a close frame with code and reason and drops the
	// connection.
	Close(code int, reason string) error
}

type entry struct {
	conn   Conn
	ack    time.Time
	hasAck bool
	// pending entries are registered but wait for the displaced connection
	// to close; broadcasts and sweeps skip them.
	pending bool
}

// Registry maps identities to their single live connection.
type Registry struct {
	logger pslog.Logger

	mu       sync.Mutex
	sessions map[string]*entry
}

// NewRegistry returns an empty registry.
func NewRegistry(logger pslog.Logger) *Registry {
	return &Registry{
		logger:   svcfields.WithSubsystem(logger, "realtime.registry"),
		sessions: make(map[string]*entry),
	}
}

// Register installs conn for identity. An existing connection for the same
// identity is closed with ReasonDisplaced before conn becomes visible to
// broadcasts. The close runs outside the registry lock.
func (r *Registry) Register(identity string, conn Conn) {
	r.mu.Lock()
	old, ok := r.sessions[identity]
	if ok && old.conn == conn {
		r.mu.Unlock()
		return
	}
	e := &entry{conn: conn, pending: ok}
	r.sessions[identity] = e
	r.mu.Unlock()

	if ok {
		r.logger.Info("realtime.session.displaced", svcfields.IdentityKey, identity, svcfields.ConnKey, old.conn.ID(), "by", conn.ID())
		if err := old.conn.Close(CloseGoingAway, ReasonDisplaced); err != nil {
			r.logger.Debug("realtime.session.displace_close_error", svcfields.IdentityKey, identity, "error", err)
		}
		r.mu.Lock()
		e.pending = false
		r.mu.Unlock()
	}
	r.logger.Info("realtime.session.registered", svcfields.IdentityKey, identity, svcfields.ConnKey, conn.ID())
}

// Unregister removes identity only while it still maps to conn, so a stale
// close never evicts a newer session. It reports whether conn was removed.
func (r *Registry) Unregister(identity string, conn Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.sessions[identity]
	if !ok || current.conn != conn {
		return false
	}
	delete(r.sessions, identity)
	r.logger.Info("realtime.session.unregistered", svcfields.IdentityKey, identity, svcfields.ConnKey, conn.ID())
	return true
}

// Ack records a liveness acknowledgement from conn.
func (r *Registry) Ack(identity string, conn Conn, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if current, ok := r.sessions[identity]; ok && current.conn == conn {
		current.ack = at
		current.hasAck = true
	}
}

// Lookup returns the live connection for identity.
func (r *Registry) Lookup(identity string) (Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.sessions[identity]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Identities lists connected identities in order.
func (r *Registry) Identities() []string {
	r.mu.Lock()
	out := make([]string, 0, len(r.sessions))
	for identity := range r.sessions {
		out = append(out, identity)
	}
	r.mu.Unlock()
	slices.Sort(out)
	return out
}

// Conns copies the current recipients.
func (r *Registry) Conns() []Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Conn, 0, len(r.sessions))
	for _, e := range r.sessions {
		if !e.pending {
			out = append(out, e.conn)
		}
	}
	return out
}

type sweepTarget struct {
	identity string
	conn     Conn
	timedOut bool
}

// sweep applies one heartbeat pass at now against the previous sweep time
// and returns what to do with each connection. Sessions seen for the first
// time get now as their baseline.
func (r *Registry) sweep(now, previous time.Time) []sweepTarget {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sweepTarget, 0, len(r.sessions))
	for identity, e := range r.sessions {
		if e.pending {
			continue
		}
		target := sweepTarget{identity: identity, conn: e.conn}
		switch {
		case !e.hasAck:
			e.ack, e.hasAck = now, true
		case !e.ack.After(previous):
			target.timedOut = true
		}
		out = append(out, target)
	}
	return out
}

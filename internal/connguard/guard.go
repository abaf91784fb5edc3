// Package connguard rejects connections from peers that repeatedly open
// sockets without speaking HTTP or fail the TLS handshake. It sits between
// net.Listen and http.Server so abusive peers never reach the router or the
// realtime hub.
package connguard

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"pkt.systems/markd/internal/clock"
	"pkt.systems/markd/internal/svcfields"
	"pkt.systems/pslog"
)

// Defaults applied by New.
const (
	DefaultFailureThreshold = 5
	DefaultFailureWindow    = 30 * time.Second
	DefaultBlockDuration    = 5 * time.Minute
	DefaultProbeTimeout     = 2 * time.Second
)

// Config controls the guard. A zero FailureThreshold records nothing and never
// blocks.
type Config struct {
	FailureThreshold int
	// FailureWindow is the sliding window failures are counted in.
	FailureWindow time.Duration
	// BlockDuration is how long a peer stays blocked once the threshold trips.
	BlockDuration time.Duration
	// ProbeTimeout bounds the wait for the first byte on plain TCP and for the
	// TLS handshake. Zero skips the plain-TCP probe.
	ProbeTimeout time.Duration
	Logger       pslog.Logger
	Clock        clock.Clock
}

type peerState struct {
	failures     []time.Time
	blockedUntil time.Time
}

// Guard tracks failures per peer IP.
type Guard struct {
	cfg    Config
	logger pslog.Logger
	clock  clock.Clock

	mu    sync.Mutex
	peers map[string]*peerState
}

// New returns a guard; zero durations take the package defaults.
func New(cfg Config) *Guard {
	if cfg.FailureThreshold < 0 {
		cfg.FailureThreshold = 0
	}
	if cfg.FailureWindow <= 0 {
		cfg.FailureWindow = DefaultFailureWindow
	}
	if cfg.BlockDuration <= 0 {
		cfg.BlockDuration = DefaultBlockDuration
	}
	if cfg.ProbeTimeout < 0 {
		cfg.ProbeTimeout = 0
	}
	return &Guard{
		cfg:    cfg,
		logger: svcfields.WithSubsystem(svcfields.EnsureLogger(cfg.Logger), "server.connguard"),
		clock:  clock.OrReal(cfg.Clock),
		peers:  make(map[string]*peerState),
	}
}

// WrapListener returns ln guarded by g. Connections are admitted
// concurrently so a silent peer never stalls Accept. When tlsConfig is set
// the returned listener yields completed *tls.Conn values and the caller must
// serve plain HTTP on it.
func (g *Guard) WrapListener(ln net.Listener, tlsConfig *tls.Config) net.Listener {
	if g == nil || ln == nil {
		return ln
	}
	l := &listener{
		Listener:  ln,
		guard:     g,
		tlsConfig: tlsConfig,
		admitted:  make(chan net.Conn),
		done:      make(chan struct{}),
	}
	go l.acceptLoop()
	return l
}

// Blocked reports whether the host part of remote is currently blocked.
func (g *Guard) Blocked(remote string) bool {
	host := peerHost(remote)
	if g == nil || host == "" {
		return false
	}
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	state := g.peers[host]
	if state == nil || state.blockedUntil.IsZero() {
		return false
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}
	if len(state.failures) == 0 {
		delete(g.peers, host)
	}
	g.logger.Info("connguard.unblocked", "remote", host)
	return false
}

// recordFailure notes a failed connection and reports whether the peer is now
// blocked.
func (g *Guard) recordFailure(remote, reason string) bool {
	host := peerHost(remote)
	if g.cfg.FailureThreshold <= 0 || host == "" {
		return false
	}
	now := g.clock.Now()

	g.mu.Lock()
	defer g.mu.Unlock()
	state := g.peers[host]
	if state == nil {
		state = &peerState{}
		g.peers[host] = state
	}
	if state.blockedUntil.After(now) {
		return true
	}
	state.blockedUntil = time.Time{}

	cutoff := now.Add(-g.cfg.FailureWindow)
	kept := state.failures[:0]
	for _, at := range state.failures {
		if !at.Before(cutoff) {
			kept = append(kept, at)
		}
	}
	state.failures = append(kept, now)
	if len(state.failures) < g.cfg.FailureThreshold {
		g.logger.Debug("connguard.suspicious", "remote", host, "reason", reason, "count", len(state.failures), "threshold", g.cfg.FailureThreshold)
		return false
	}
	state.failures = nil
	state.blockedUntil = now.Add(g.cfg.BlockDuration)
	g.logger.Warn("connguard.blocked", "remote", host, "reason", reason, "window", g.cfg.FailureWindow, "duration", g.cfg.BlockDuration)
	return true
}

func peerHost(raw string) string {
	raw = strings.TrimSpace(raw)
	if host, _, err := net.SplitHostPort(raw); err == nil {
		return host
	}
	return raw
}

type listener struct {
	net.Listener
	guard     *Guard
	tlsConfig *tls.Config

	admitted  chan net.Conn
	done      chan struct{}
	acceptErr error
}

func (l *listener) acceptLoop() {
	defer close(l.done)
	for {
		conn, err := l.Listener.Accept()
		if err != nil {
			l.acceptErr = err
			return
		}
		go l.admitAsync(conn)
	}
}

func (l *listener) admitAsync(conn net.Conn) {
	accepted, err := l.admit(conn)
	if err != nil {
		_ = conn.Close()
		return
	}
	select {
	case l.admitted <- accepted:
	case <-l.done:
		_ = accepted.Close()
	}
}

// Accept returns the next connection that passed the guard.
func (l *listener) Accept() (net.Conn, error) {
	select {
	case conn := <-l.admitted:
		return conn, nil
	case <-l.done:
		return nil, l.acceptErr
	}
}

func (l *listener) admit(conn net.Conn) (net.Conn, error) {
	remote := ""
	if addr := conn.RemoteAddr(); addr != nil {
		remote = addr.String()
	}
	if l.guard.Blocked(remote) {
		l.guard.logger.Debug("connguard.rejected", "remote", remote)
		return nil, errBlocked
	}
	if l.tlsConfig != nil {
		return l.handshake(conn, remote)
	}
	return l.probe(conn, remote)
}

var errBlocked = errors.New("connguard: peer blocked")

func (l *listener) handshake(conn net.Conn, remote string) (net.Conn, error) {
	tlsConn := tls.Server(conn, l.tlsConfig)
	if timeout := l.guard.cfg.ProbeTimeout; timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(timeout))
	}
	err := tlsConn.Handshake()
	_ = conn.SetDeadline(time.Time{})
	if err != nil {
		// Slow clients are not abusive; only malformed handshakes count.
		if !isTimeout(err) {
			l.guard.recordFailure(remote, "tls_handshake")
		}
		return nil, err
	}
	return tlsConn, nil
}

func (l *listener) probe(conn net.Conn, remote string) (net.Conn, error) {
	timeout := l.guard.cfg.ProbeTimeout
	if timeout <= 0 {
		return conn, nil
	}
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return conn, nil
	}
	first := make([]byte, 1)
	n, err := conn.Read(first)
	_ = conn.SetReadDeadline(time.Time{})
	if err != nil || n == 0 {
		l.guard.recordFailure(remote, "silent_connect")
		if err == nil {
			err = io.EOF
		}
		return nil, err
	}
	return &prefixedConn{Conn: conn, prefix: first[:n]}, nil
}

func isTimeout(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// prefixedConn replays the probed byte before reading from the socket.
type prefixedConn struct {
	net.Conn
	prefix []byte
}

func (c *prefixedConn) Read(p []byte) (int, error) {
	if len(c.prefix) == 0 {
		return c.Conn.Read(p)
	}
	n := copy(p, c.prefix)
	c.prefix = c.prefix[n:]
	return n, nil
}

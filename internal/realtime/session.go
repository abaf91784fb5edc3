package realtime

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/xid"
)

var errSessionClosed = errors.New("realtime: session closed")

// session adapts a gorilla websocket connection to Conn. Writes are
// serialised by writeMu; the connection has a single reader, the hub's read
// loop.
type session struct {
	id           string
	identity     string
	conn         *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	closed  atomic.Bool
}

func newSession(conn *websocket.Conn, identity string, writeTimeout time.Duration) *session {
	return &session{
		id:           xid.New().String(),
		identity:     identity,
		conn:         conn,
		writeTimeout: writeTimeout,
	}
}

func (s *session) ID() string { return s.id }

func (s *session) Send(payload []byte) error {
	if s.closed.Load() {
		return errSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

func (s *session) Ping() error {
	if s.closed.Load() {
		return errSessionClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.writeTimeout))
}

func (s *session) Close(code int, reason string) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.writeMu.Lock()
	err := s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), time.Now().Add(s.writeTimeout))
	s.writeMu.Unlock()
	if cerr := s.conn.Close(); err == nil && !errors.Is(cerr, websocket.ErrCloseSent) {
		err = cerr
	}
	return err
}

// drop closes the socket without a close frame, after the peer went away.
func (s *session) drop() {
	if s.closed.CompareAndSwap(false, true) {
		s.conn.Close()
	}
}

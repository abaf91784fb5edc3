package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"pkt.systems/markd/api"
	"pkt.systems/markd/internal/clock"
	"pkt.systems/pslog"
)

func TestHubSweepClosesSilentSessions(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC))
	hub := NewHub(Config{Logger: pslog.NoopLogger(), Clock: clk})
	alive := newFakeConn("alive")
	silent := newFakeConn("silent")
	hub.Registry().Register("alice", alive)
	hub.Registry().Register("bob", silent)

	hub.Sweep()
	if alive.pingCount() != 1 || silent.pingCount() != 1 {
		t.Fatalf("expected a ping per session on first sweep")
	}

	clk.Advance(time.Second)
	hub.Registry().Ack("alice", alive, clk.Now())
	clk.Advance(time.Second)
	hub.Sweep()

	if got := alive.pingCount(); got != 2 {
		t.Fatalf("expected alive to be pinged again, got %d pings", got)
	}
	if len(alive.closeCalls()) != 0 {
		t.Fatal("alive session must stay open")
	}
	closes := silent.closeCalls()
	if len(closes) != 1 || closes[0].code != CloseGoingAway || closes[0].reason != ReasonTimedOut {
		t.Fatalf("expected timed out close, got %+v", closes)
	}
}

func TestHubRunSweepsOnInterval(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(0, 0))
	hub := NewHub(Config{Logger: pslog.NoopLogger(), Clock: clk, HeartbeatInterval: 2 * time.Second})
	conn := newFakeConn("c")
	hub.Registry().Register("alice", conn)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- hub.Run(ctx) }()

	if !clk.BlockUntil(1, time.Second) {
		t.Fatal("heartbeat loop did not wait on the clock")
	}
	clk.Advance(time.Second)
	if conn.pingCount() != 0 {
		t.Fatal("sweep ran before the interval elapsed")
	}
	clk.Advance(time.Second)
	if !clk.BlockUntil(1, time.Second) {
		t.Fatal("heartbeat loop did not re-arm")
	}
	if got := conn.pingCount(); got != 1 {
		t.Fatalf("expected 1 ping, got %d", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("run did not stop on cancel")
	}
}

func wsURL(server *httptest.Server, token string) string {
	u := "ws" + strings.TrimPrefix(server.URL, "http")
	if token != "" {
		u += "?" + AccessTokenParam + "=" + token
	}
	return u
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readStatus(t *testing.T, conn *websocket.Conn) api.StatusUpdate {
	t.Helper()
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var envelope struct {
		Type api.MessageType `json:"type"`
		api.StatusUpdate
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
	if envelope.Type != api.TypeStatusUpdate {
		t.Fatalf("expected StatusUpdate, got %s", data)
	}
	return envelope.StatusUpdate
}

func expectClose(t *testing.T, conn *websocket.Conn, code int, reason string) {
	t.Helper()
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		if !errors.As(err, &closeErr) {
			t.Fatalf("expected close error, got %v", err)
		}
		if closeErr.Code != code || closeErr.Text != reason {
			t.Fatalf("expected close %d %q, got %d %q", code, reason, closeErr.Code, closeErr.Text)
		}
		return
	}
}

func TestHubRejectsMissingToken(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{Logger: pslog.NoopLogger()})
	server := httptest.NewServer(hub)
	defer server.Close()

	conn := dial(t, wsURL(server, ""))
	expectClose(t, conn, ClosePolicyViolation, ReasonTokenNeeded)
	if hub.Registry().Len() != 0 {
		t.Fatal("unauthenticated client must not be registered")
	}
}

func TestHubSessionLifecycle(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{Logger: pslog.NoopLogger()})
	server := httptest.NewServer(hub)
	defer server.Close()

	alice := dial(t, wsURL(server, UnsignedToken("alice")))
	if st := readStatus(t, alice); st.User != "alice" || st.Status != api.StatusActive {
		t.Fatalf("expected own active status, got %+v", st)
	}

	if err := alice.WriteMessage(websocket.TextMessage, []byte("hello")); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, data, err := alice.ReadMessage()
	if err != nil {
		t.Fatalf("read echo: %v", err)
	}
	if string(data) != "Received: hello" {
		t.Fatalf("unexpected echo %q", data)
	}

	bob := dial(t, wsURL(server, UnsignedToken("bob")))
	if st := readStatus(t, bob); st.User != "bob" || st.Status != api.StatusActive {
		t.Fatalf("bob: unexpected status %+v", st)
	}
	if st := readStatus(t, alice); st.User != "bob" || st.Status != api.StatusActive {
		t.Fatalf("alice: expected bob active, got %+v", st)
	}

	if err := bob.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")); err != nil {
		t.Fatalf("close bob: %v", err)
	}
	if st := readStatus(t, alice); st.User != "bob" || st.Status != api.StatusOffline {
		t.Fatalf("alice: expected bob offline, got %+v", st)
	}
}

func TestHubDisplacesSameIdentity(t *testing.T) {
	t.Parallel()

	hub := NewHub(Config{Logger: pslog.NoopLogger()})
	server := httptest.NewServer(hub)
	defer server.Close()

	first := dial(t, wsURL(server, UnsignedToken("alice")))
	readStatus(t, first)

	second := dial(t, wsURL(server, UnsignedToken("alice")))
	expectClose(t, first, CloseGoingAway, ReasonDisplaced)
	if st := readStatus(t, second); st.User != "alice" || st.Status != api.StatusActive {
		t.Fatalf("expected active status on new session, got %+v", st)
	}
	if hub.Registry().Len() != 1 {
		t.Fatalf("expected a single session, got %d", hub.Registry().Len())
	}
}

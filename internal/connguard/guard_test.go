package connguard

import (
	"bufio"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"pkt.systems/markd/internal/clock"
)

func TestGuardBlocksAfterThreshold(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	g := New(Config{FailureThreshold: 3, FailureWindow: time.Second, BlockDuration: time.Minute, Clock: clk})
	remote := "10.0.0.7:5555"

	if g.recordFailure(remote, "silent_connect") {
		t.Fatal("first failure should not block")
	}
	clk.Advance(100 * time.Millisecond)
	if g.recordFailure(remote, "silent_connect") {
		t.Fatal("second failure should not block")
	}
	clk.Advance(100 * time.Millisecond)
	if !g.recordFailure(remote, "silent_connect") {
		t.Fatal("third failure should block")
	}
	if !g.Blocked("10.0.0.7:6000") {
		t.Fatal("block applies to the host regardless of port")
	}
	if g.Blocked("10.0.0.8:5555") {
		t.Fatal("other hosts must not be blocked")
	}
	clk.Advance(2 * time.Minute)
	if g.Blocked(remote) {
		t.Fatal("expected block to expire")
	}
}

func TestGuardFailuresOutsideWindowExpire(t *testing.T) {
	t.Parallel()

	clk := clock.NewManual(time.Unix(1_700_000_000, 0))
	g := New(Config{FailureThreshold: 2, FailureWindow: time.Second, Clock: clk})
	remote := "10.0.0.7:5555"

	g.recordFailure(remote, "silent_connect")
	clk.Advance(2 * time.Second)
	if g.recordFailure(remote, "silent_connect") {
		t.Fatal("failure outside the window should not count")
	}
}

func TestGuardZeroThresholdNeverBlocks(t *testing.T) {
	t.Parallel()

	g := New(Config{})
	for i := 0; i < 100; i++ {
		if g.recordFailure("10.0.0.7:1", "silent_connect") {
			t.Fatal("zero threshold must not block")
		}
	}
}

func TestPrefixedConnReplaysProbedByte(t *testing.T) {
	t.Parallel()

	server, client := net.Pipe()
	defer server.Close()
	go func() {
		_, _ = client.Write([]byte("bc"))
		_ = client.Close()
	}()

	conn := &prefixedConn{Conn: server, prefix: []byte("a")}
	got, err := io.ReadAll(conn)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
}

func TestListenerServesHTTPAndBlocksSilentPeers(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	g := New(Config{FailureThreshold: 2, ProbeTimeout: 50 * time.Millisecond})
	srv := &http.Server{Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ok")
	})}
	go func() { _ = srv.Serve(g.WrapListener(ln, nil)) }()
	defer srv.Close()
	addr := ln.Addr().String()

	resp, err := http.Get("http://" + addr + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok" {
		t.Fatalf("unexpected body %q", body)
	}

	for i := 0; i < 2; i++ {
		conn, err := net.Dial("tcp", addr)
		if err != nil {
			t.Fatalf("dial: %v", err)
		}
		// Wait for the guard to give up on the silent socket.
		_, _ = bufio.NewReader(conn).ReadByte()
		conn.Close()
	}
	if !g.Blocked("127.0.0.1") {
		t.Fatal("expected silent peer to be blocked")
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

type scriptedConn struct {
	net.Conn
	readErr error
}

func (c scriptedConn) Read([]byte) (int, error)    { return 0, c.readErr }
func (c scriptedConn) Write(p []byte) (int, error) { return len(p), nil }
func (c scriptedConn) Close() error                { return nil }
func (c scriptedConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(10, 0, 0, 9), Port: 443}
}
func (c scriptedConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 4242}
}
func (c scriptedConn) SetDeadline(time.Time) error      { return nil }
func (c scriptedConn) SetReadDeadline(time.Time) error  { return nil }
func (c scriptedConn) SetWriteDeadline(time.Time) error { return nil }

func TestHandshakeTimeoutsDoNotBlock(t *testing.T) {
	t.Parallel()

	srv := httptest.NewUnstartedServer(http.NotFoundHandler())
	srv.StartTLS()
	defer srv.Close()
	tlsConfig := &tls.Config{Certificates: srv.TLS.Certificates, MinVersion: tls.VersionTLS12}

	g := New(Config{FailureThreshold: 2, ProbeTimeout: time.Second})
	l := &listener{guard: g, tlsConfig: tlsConfig}
	for i := 0; i < 3; i++ {
		if _, err := l.handshake(scriptedConn{readErr: timeoutErr{}}, "10.0.0.9:443"); err == nil {
			t.Fatal("expected handshake error")
		}
	}
	if g.Blocked("10.0.0.9") {
		t.Fatal("timeouts must not block")
	}
	for i := 0; i < 2; i++ {
		if _, err := l.handshake(scriptedConn{readErr: io.EOF}, "10.0.0.9:443"); err == nil {
			t.Fatal("expected handshake error")
		}
	}
	if !g.Blocked("10.0.0.9") {
		t.Fatal("malformed handshakes must block after the threshold")
	}
}

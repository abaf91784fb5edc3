package realtime

import (
	"slices"
	"testing"
	"time"

	"pkt.systems/pslog"
)

func TestRegistryDisplacesPreviousSession(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(pslog.NoopLogger())
	first := newFakeConn("c1")
	second := newFakeConn("c2")
	reg.Register("alice", first)
	reg.Register("alice", second)

	closes := first.closeCalls()
	if len(closes) != 1 || closes[0].code != CloseGoingAway || closes[0].reason != ReasonDisplaced {
		t.Fatalf("expected displaced close on first conn, got %+v", closes)
	}
	if len(second.closeCalls()) != 0 {
		t.Fatalf("new session must stay open")
	}
	got, ok := reg.Lookup("alice")
	if !ok || got != second {
		t.Fatalf("expected second conn registered, got %v", got)
	}
	if reg.Len() != 1 {
		t.Fatalf("expected 1 session, got %d", reg.Len())
	}
}

func TestRegistryReRegisterSameConnIsNoop(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(pslog.NoopLogger())
	conn := newFakeConn("c1")
	reg.Register("alice", conn)
	reg.Register("alice", conn)
	if len(conn.closeCalls()) != 0 {
		t.Fatalf("re-registering the same conn must not close it")
	}
}

func TestRegistryStaleUnregisterKeepsNewerSession(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(pslog.NoopLogger())
	first := newFakeConn("c1")
	second := newFakeConn("c2")
	reg.Register("alice", first)
	reg.Register("alice", second)

	if reg.Unregister("alice", first) {
		t.Fatal("stale unregister must not remove the newer session")
	}
	if got, _ := reg.Lookup("alice"); got != second {
		t.Fatalf("expected second conn to remain")
	}
	if !reg.Unregister("alice", second) {
		t.Fatal("expected current session to be removed")
	}
	if _, ok := reg.Lookup("alice"); ok {
		t.Fatal("expected alice to be gone")
	}
}

func TestRegistryIdentitiesSorted(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(pslog.NoopLogger())
	for _, id := range []string{"carol", "alice", "bob"} {
		reg.Register(id, newFakeConn(id))
	}
	if got := reg.Identities(); !slices.Equal(got, []string{"alice", "bob", "carol"}) {
		t.Fatalf("unexpected identities %v", got)
	}
}

func TestRegistrySweepTimesOutMissingAck(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(pslog.NoopLogger())
	alive := newFakeConn("alive")
	silent := newFakeConn("silent")
	reg.Register("alice", alive)
	reg.Register("bob", silent)

	t0 := time.Unix(1000, 0)
	for _, target := range reg.sweep(t0, time.Time{}) {
		if target.timedOut {
			t.Fatalf("first sweep must only set baselines, %s timed out", target.identity)
		}
	}

	reg.Ack("alice", alive, t0.Add(500*time.Millisecond))
	reg.Ack("bob", newFakeConn("impostor"), t0.Add(500*time.Millisecond))

	t1 := t0.Add(2 * time.Second)
	timedOut := map[string]bool{}
	for _, target := range reg.sweep(t1, t0) {
		timedOut[target.identity] = target.timedOut
	}
	if timedOut["alice"] {
		t.Fatal("alice acknowledged and must not time out")
	}
	if !timedOut["bob"] {
		t.Fatal("bob never acknowledged and must time out")
	}
}

type slowCloseConn struct {
	*fakeConn
	closing chan struct{}
	release chan struct{}
}

func (c *slowCloseConn) Close(code int, reason string) error {
	close(c.closing)
	<-c.release
	return c.fakeConn.Close(code, reason)
}

func TestRegistryDisplacementDoesNotHoldLock(t *testing.T) {
	t.Parallel()

	reg := NewRegistry(pslog.NoopLogger())
	stale := &slowCloseConn{fakeConn: newFakeConn("stale"), closing: make(chan struct{}), release: make(chan struct{})}
	other := newFakeConn("bob-conn")
	reg.Register("alice", stale)
	reg.Register("bob", other)

	fresh := newFakeConn("fresh")
	registered := make(chan struct{})
	go func() {
		defer close(registered)
		reg.Register("alice", fresh)
	}()
	<-stale.closing

	conns := reg.Conns()
	if len(conns) != 1 || conns[0] != other {
		t.Fatalf("expected only bob while alice hands over, got %d conns", len(conns))
	}
	reg.Ack("bob", other, time.Now())

	close(stale.release)
	<-registered
	if got := reg.Conns(); len(got) != 2 || !slices.Contains(got, Conn(fresh)) {
		t.Fatalf("expected fresh conn visible after handoff, got %d conns", len(got))
	}
	if closes := stale.closeCalls(); len(closes) != 1 || closes[0].reason != ReasonDisplaced {
		t.Fatalf("expected displaced close, got %+v", closes)
	}
}

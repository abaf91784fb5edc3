package lease

import (
	"errors"
	"sync"
	"testing"

	"pkt.systems/markd/internal/core"
)

func TestAcquireReleaseScenario(t *testing.T) {
	t.Parallel()

	m := New()
	steps := []struct {
		name    string
		op      func() error
		wantErr error
	}{
		{"alice acquires", func() error { return m.Acquire("p1", "alice") }, nil},
		{"bob is locked out", func() error { return m.Acquire("p1", "bob") }, core.ErrLocked},
		{"bob cannot release", func() error { return m.Release("p1", "bob") }, core.ErrNotHolder},
		{"alice releases", func() error { return m.Release("p1", "alice") }, nil},
		{"bob acquires", func() error { return m.Acquire("p1", "bob") }, nil},
	}
	for _, step := range steps {
		err := step.op()
		if step.wantErr == nil && err != nil {
			t.Fatalf("%s: unexpected error %v", step.name, err)
		}
		if step.wantErr != nil && !errors.Is(err, step.wantErr) {
			t.Fatalf("%s: expected %v, got %v", step.name, step.wantErr, err)
		}
	}
	if holder, ok := m.Holder("p1"); !ok || holder != "bob" {
		t.Fatalf("expected bob to hold p1, got %q %v", holder, ok)
	}
}

func TestRenewalIsIdempotent(t *testing.T) {
	t.Parallel()

	var changes []Change
	m := New(WithChangeHook(func(c Change) { changes = append(changes, c) }))
	for range 3 {
		if err := m.Acquire("marking/0|1", "alice"); err != nil {
			t.Fatalf("acquire: %v", err)
		}
	}
	if len(changes) != 1 {
		t.Fatalf("expected one change for repeated acquire, got %d", len(changes))
	}
	if err := m.Release("marking/0|1", "alice"); err != nil {
		t.Fatalf("release: %v", err)
	}
	if len(changes) != 2 || !changes[1].Released {
		t.Fatalf("expected release change, got %+v", changes)
	}
}

func TestReleaseFreeResource(t *testing.T) {
	t.Parallel()

	m := New()
	if err := m.Release("project/0", "alice"); !errors.Is(err, core.ErrNotHolder) {
		t.Fatalf("expected ErrNotHolder, got %v", err)
	}
}

func TestCheck(t *testing.T) {
	t.Parallel()

	m := New()
	if err := m.Check("project/0", "anyone"); err != nil {
		t.Fatalf("unleased resource rejected: %v", err)
	}
	m.Acquire("project/0", "alice")
	if err := m.Check("project/0", "alice"); err != nil {
		t.Fatalf("holder rejected: %v", err)
	}
	err := m.Check("project/0", "bob")
	if !errors.Is(err, core.ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	f := core.AsFailure(err)
	if f.Code != "locked" || f.Detail != "project/0 held by alice" {
		t.Fatalf("unexpected failure %+v", f)
	}
}

func TestGuard(t *testing.T) {
	t.Parallel()

	m := New()
	m.Acquire("project/0", "alice")
	ran := false
	err := m.Guard("project/0", "bob", func() error { ran = true; return nil })
	if !errors.Is(err, core.ErrLocked) || ran {
		t.Fatalf("expected locked without running fn, got %v ran=%v", err, ran)
	}
	if err := m.Guard("project/0", "alice", func() error { ran = true; return nil }); err != nil || !ran {
		t.Fatalf("holder guard: %v ran=%v", err, ran)
	}
	want := errors.New("write failed")
	if err := m.Guard("project/1", "bob", func() error { return want }); !errors.Is(err, want) {
		t.Fatalf("expected fn error, got %v", err)
	}
}

func TestConcurrentAcquireHasOneWinner(t *testing.T) {
	t.Parallel()

	m := New()
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		winners []string
	)
	for _, id := range []string{"a", "b", "c", "d", "e", "f", "g", "h"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if m.Acquire("project/0", id) == nil {
				mu.Lock()
				winners = append(winners, id)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %v", winners)
	}
	if holder, _ := m.Holder("project/0"); holder != winners[0] {
		t.Fatalf("holder %q differs from winner %q", holder, winners[0])
	}
}

func TestSnapshotAndResourceIDs(t *testing.T) {
	t.Parallel()

	m := New()
	m.Acquire(Resource(KindProject, "1"), "bob")
	m.Acquire(Resource(KindMarking, "0|5"), "alice")
	snap := m.Snapshot()
	if len(snap) != 2 || snap[0].Resource != "marking/0|5" || snap[1].Holder != "bob" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
	kind, key, ok := SplitResource("marking/0|5")
	if !ok || kind != KindMarking || key != "0|5" {
		t.Fatalf("unexpected split %q %q %v", kind, key, ok)
	}
	if _, _, ok := SplitResource("project/"); ok {
		t.Fatal("expected empty key to be rejected")
	}
}

package clock_test

import (
	"testing"
	"time"

	"pkt.systems/markd/internal/clock"
)

func TestRealNowIsUTC(t *testing.T) {
	t.Parallel()

	if loc := (clock.Real{}).Now().Location(); loc != time.UTC {
		t.Fatalf("expected UTC, got %v", loc)
	}
}

func TestManualAdvanceReleasesDueWaiters(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	m := clock.NewManual(start)
	short := m.After(time.Second)
	long := m.After(3 * time.Second)
	if got := m.Pending(); got != 2 {
		t.Fatalf("expected 2 pending waiters, got %d", got)
	}

	m.Advance(2 * time.Second)
	select {
	case at := <-short:
		if !at.Equal(start.Add(2 * time.Second)) {
			t.Fatalf("unexpected fire time %v", at)
		}
	default:
		t.Fatal("short waiter did not fire")
	}
	select {
	case <-long:
		t.Fatal("long waiter fired early")
	default:
	}
	if got := m.Pending(); got != 1 {
		t.Fatalf("expected 1 pending waiter, got %d", got)
	}
}

func TestManualAfterNonPositiveFiresImmediately(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	select {
	case <-m.After(0):
	default:
		t.Fatal("zero duration waiter should fire immediately")
	}
}

func TestManualBlockUntil(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(0, 0))
	go func() {
		time.Sleep(10 * time.Millisecond)
		m.After(time.Minute)
	}()
	if !m.BlockUntil(1, time.Second) {
		t.Fatal("expected a waiter to be registered")
	}
	if m.BlockUntil(2, 20*time.Millisecond) {
		t.Fatal("did not expect a second waiter")
	}
}

func TestSinceUsesSuppliedClock(t *testing.T) {
	t.Parallel()

	m := clock.NewManual(time.Unix(100, 0))
	mark := m.Now()
	m.Advance(1500 * time.Millisecond)
	if got := clock.Since(m, mark); got != 1500*time.Millisecond {
		t.Fatalf("expected 1.5s, got %v", got)
	}
}

package retry_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"pkt.systems/markd/internal/storage"
	"pkt.systems/markd/internal/storage/memory"
	"pkt.systems/markd/internal/storage/retry"
)

type fakeClock struct {
	sleeps []time.Duration
	now    time.Time
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- f.now.Add(d)
	return ch
}

func (f *fakeClock) Sleep(d time.Duration) {
	f.sleeps = append(f.sleeps, d)
	f.now = f.now.Add(d)
}

// flaky fails the first failures PutObject calls with err.
type flaky struct {
	*memory.Store
	failures int
	err      error
	calls    int
	bodies   []string
}

func (f *flaky) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	f.calls++
	data, _ := io.ReadAll(body)
	f.bodies = append(f.bodies, string(data))
	if f.calls <= f.failures {
		return nil, f.err
	}
	return f.Store.PutObject(ctx, key, bytes.NewReader(data), opts)
}

func TestRetryReplaysBodyOnTransientErrors(t *testing.T) {
	t.Parallel()

	inner := &flaky{Store: memory.New(), failures: 2, err: storage.NewTransientError(errors.New("503"))}
	clk := &fakeClock{}
	b := retry.Wrap(inner, nil, clk, retry.Config{MaxAttempts: 4, BaseDelay: 10 * time.Millisecond, MaxDelay: 15 * time.Millisecond, Multiplier: 2})

	if _, err := b.PutObject(context.Background(), "projects.json", bytes.NewBufferString(`{"a":1}`), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("put: %v", err)
	}
	if inner.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", inner.calls)
	}
	for i, body := range inner.bodies {
		if body != `{"a":1}` {
			t.Fatalf("attempt %d wrote %q", i+1, body)
		}
	}
	want := []time.Duration{10 * time.Millisecond, 15 * time.Millisecond}
	if len(clk.sleeps) != len(want) {
		t.Fatalf("unexpected sleeps %v", clk.sleeps)
	}
	for i := range want {
		if clk.sleeps[i] != want[i] {
			t.Fatalf("sleep %d = %v want %v", i, clk.sleeps[i], want[i])
		}
	}
}

func TestRetryStopsOnPermanentErrors(t *testing.T) {
	t.Parallel()

	permanent := errors.New("access denied")
	inner := &flaky{Store: memory.New(), failures: 5, err: permanent}
	clk := &fakeClock{}
	b := retry.Wrap(inner, nil, clk, retry.Config{MaxAttempts: 5})

	_, err := b.PutObject(context.Background(), "projects.json", bytes.NewBufferString(`{}`), storage.PutObjectOptions{})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
	if inner.calls != 1 || len(clk.sleeps) != 0 {
		t.Fatalf("expected a single attempt, got %d calls %d sleeps", inner.calls, len(clk.sleeps))
	}
}

func TestRetryGivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	inner := &flaky{Store: memory.New(), failures: 10, err: storage.NewTransientError(errors.New("timeout"))}
	b := retry.Wrap(inner, nil, &fakeClock{}, retry.Config{MaxAttempts: 3})

	_, err := b.PutObject(context.Background(), "projects.json", bytes.NewBufferString(`{}`), storage.PutObjectOptions{})
	if !storage.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if inner.calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", inner.calls)
	}
}

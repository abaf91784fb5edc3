package storage_test

import (
	"errors"
	"fmt"
	"testing"

	"pkt.systems/markd/internal/storage"
)

func TestTransientErrorClassification(t *testing.T) {
	t.Parallel()

	base := errors.New("connection reset")
	wrapped := fmt.Errorf("put: %w", storage.NewTransientError(base))
	if !storage.IsTransient(wrapped) {
		t.Fatal("expected wrapped transient error to be detected")
	}
	if !errors.Is(wrapped, base) {
		t.Fatal("transient error must unwrap to its cause")
	}
	if storage.IsTransient(base) {
		t.Fatal("plain error must not be transient")
	}
	if storage.NewTransientError(nil) != nil {
		t.Fatal("nil error must stay nil")
	}
}

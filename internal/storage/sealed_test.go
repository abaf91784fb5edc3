package storage_test

import (
	"bytes"
	"context"
	"testing"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
	"pkt.systems/markd/internal/storage"
	"pkt.systems/markd/internal/storage/memory"
)

func newTestCrypto(t *testing.T, snappy bool) *storage.Crypto {
	t.Helper()
	root, err := keymgmt.GenerateRootKey()
	if err != nil {
		t.Fatalf("generate root key: %v", err)
	}
	mat, err := kryptograf.New(root).MintDEK([]byte(storage.SnapshotContext))
	if err != nil {
		t.Fatalf("mint dek: %v", err)
	}
	crypto, err := storage.NewCrypto(storage.CryptoConfig{
		Enabled:    true,
		RootKey:    root,
		Descriptor: mat.Descriptor,
		Snappy:     snappy,
	})
	if err != nil {
		t.Fatalf("new crypto: %v", err)
	}
	return crypto
}

func TestSealedBackendEncryptsAtRest(t *testing.T) {
	t.Parallel()

	for _, snappy := range []bool{false, true} {
		inner := memory.New()
		backend := storage.Sealed(inner, newTestCrypto(t, snappy))
		ctx := context.Background()
		plain := []byte(`{"0|1":{"taggedClassIDs":["hasTrees"],"boxMarkings":[]}}`)

		if _, err := backend.PutObject(ctx, "markingDatas.json", bytes.NewReader(plain), storage.PutObjectOptions{ContentType: storage.ContentTypeJSON}); err != nil {
			t.Fatalf("put: %v", err)
		}
		raw, info, err := storage.ReadAll(ctx, inner, "markingDatas.json")
		if err != nil {
			t.Fatalf("raw read: %v", err)
		}
		if bytes.Contains(raw, []byte("hasTrees")) {
			t.Fatal("payload stored in plaintext")
		}
		if info.ContentType != storage.ContentTypeJSONEncrypted {
			t.Fatalf("unexpected content type %q", info.ContentType)
		}
		got, _, err := storage.ReadAll(ctx, backend, "markingDatas.json")
		if err != nil {
			t.Fatalf("sealed read: %v", err)
		}
		if !bytes.Equal(got, plain) {
			t.Fatalf("round trip mismatch: %q", got)
		}
	}
}

func TestNewCryptoDisabled(t *testing.T) {
	t.Parallel()

	crypto, err := storage.NewCrypto(storage.CryptoConfig{})
	if err != nil {
		t.Fatalf("new crypto: %v", err)
	}
	if crypto.Enabled() {
		t.Fatal("disabled config must not enable crypto")
	}
	inner := memory.New()
	if storage.Sealed(inner, crypto) != storage.Backend(inner) {
		t.Fatal("disabled crypto should return the inner backend")
	}
	if _, err := storage.NewCrypto(storage.CryptoConfig{Enabled: true}); err == nil {
		t.Fatal("expected error without root key")
	}
}

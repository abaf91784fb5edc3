package storage

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"sync"

	"pkt.systems/kryptograf"
	"pkt.systems/kryptograf/keymgmt"
)

// SnapshotDescriptorName names the kryptograf descriptor markd stores in its
// key file.
const SnapshotDescriptorName = "markd/snapshot"

// SnapshotContext is the kryptograf context bound to snapshot objects.
const SnapshotContext = "markd:snapshot"

const snapshotChunkSize = 16 * 1024

// CryptoConfig drives the creation of a Crypto helper.
type CryptoConfig struct {
	Enabled           bool
	RootKey           keymgmt.RootKey
	Descriptor        keymgmt.Descriptor
	Snappy            bool
	DisableBufferPool bool
}

// Crypto seals snapshot objects with kryptograf envelope encryption.
type Crypto struct {
	kg       kryptograf.Kryptograf
	material kryptograf.Material
}

var (
	snapshotBufferPool sync.Pool
	snapshotReadPool   = sync.Pool{
		New: func() any { return bufio.NewReaderSize(bytes.NewReader(nil), snapshotChunkSize) },
	}
)

// NewCrypto returns nil when encryption is disabled.
func NewCrypto(cfg CryptoConfig) (*Crypto, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.RootKey == (keymgmt.RootKey{}) {
		return nil, fmt.Errorf("storage crypto: root key required when encryption enabled")
	}
	if cfg.Descriptor == (keymgmt.Descriptor{}) {
		return nil, fmt.Errorf("storage crypto: descriptor %q required when encryption enabled", SnapshotDescriptorName)
	}
	kg := kryptograf.New(cfg.RootKey).WithChunkSize(snapshotChunkSize)
	if !cfg.DisableBufferPool {
		kg = kg.WithOptions(
			kryptograf.WithBufferPool(&snapshotBufferPool),
			kryptograf.WithSourceReadBufferPool(&snapshotReadPool),
		)
	}
	if cfg.Snappy {
		kg = kg.WithSnappy()
	}
	mat, err := kg.ReconstructDEK([]byte(SnapshotContext), cfg.Descriptor)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: reconstruct snapshot DEK: %w", err)
	}
	return &Crypto{kg: kg, material: mat}, nil
}

// Enabled reports whether c seals payloads.
func (c *Crypto) Enabled() bool { return c != nil }

// Seal encrypts plaintext.
func (c *Crypto) Seal(plaintext []byte) ([]byte, error) {
	if !c.Enabled() {
		return plaintext, nil
	}
	var buf bytes.Buffer
	buf.Grow(len(plaintext) + 256)
	w, err := c.kg.EncryptWriter(&buf, c.material)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: encrypt: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		w.Close()
		return nil, fmt.Errorf("storage crypto: encrypt write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("storage crypto: encrypt close: %w", err)
	}
	return buf.Bytes(), nil
}

// OpenReader returns a reader yielding the plaintext of src.
func (c *Crypto) OpenReader(src io.Reader) (io.ReadCloser, error) {
	if !c.Enabled() {
		return io.NopCloser(src), nil
	}
	r, err := c.kg.DecryptReader(src, c.material)
	if err != nil {
		return nil, fmt.Errorf("storage crypto: decrypt: %w", err)
	}
	return r, nil
}

// Close wipes the cached key material.
func (c *Crypto) Close() {
	if c.Enabled() {
		c.material.Zero()
	}
}

// LoadKeyFile reads the root key and snapshot descriptor from a kryptograf
// PEM key file.
func LoadKeyFile(path string) (keymgmt.RootKey, keymgmt.Descriptor, error) {
	store, err := keymgmt.LoadPEM(path)
	if err != nil {
		return keymgmt.RootKey{}, keymgmt.Descriptor{}, fmt.Errorf("load key file: %w", err)
	}
	root, ok, err := store.RootKey()
	if err != nil {
		return keymgmt.RootKey{}, keymgmt.Descriptor{}, fmt.Errorf("read root key: %w", err)
	}
	if !ok {
		return keymgmt.RootKey{}, keymgmt.Descriptor{}, fmt.Errorf("key file %s has no root key", path)
	}
	desc, ok, err := store.Descriptor(SnapshotDescriptorName)
	if err != nil {
		return keymgmt.RootKey{}, keymgmt.Descriptor{}, fmt.Errorf("read descriptor: %w", err)
	}
	if !ok {
		return keymgmt.RootKey{}, keymgmt.Descriptor{}, fmt.Errorf("key file %s has no %q descriptor", path, SnapshotDescriptorName)
	}
	return root, desc, nil
}

// GenerateKeyFile returns PEM content holding a fresh root key and snapshot
// descriptor.
func GenerateKeyFile() ([]byte, error) {
	var out []byte
	store, err := keymgmt.LoadPEMInto([]byte{}, &out)
	if err != nil {
		return nil, fmt.Errorf("prepare key file: %w", err)
	}
	root, err := store.EnsureRootKey()
	if err != nil {
		return nil, fmt.Errorf("generate root key: %w", err)
	}
	if _, err := store.EnsureDescriptor(SnapshotDescriptorName, root, []byte(SnapshotContext)); err != nil {
		return nil, fmt.Errorf("generate descriptor: %w", err)
	}
	if err := store.Commit(); err != nil {
		return nil, fmt.Errorf("commit key file: %w", err)
	}
	return out, nil
}

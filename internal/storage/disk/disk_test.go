package disk

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"pkt.systems/markd/internal/storage"
	"pkt.systems/markd/internal/storage/storagetest"
)

func TestDiskBackend(t *testing.T) {
	t.Parallel()

	store, err := New(Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	storagetest.RunBackend(t, store, "snap/")
}

func TestDiskRootIsExclusive(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	first, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := New(Config{Root: root}); !errors.Is(err, errHeld) {
		t.Fatalf("expected errHeld for second open, got %v", err)
	}
	if err := first.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	second, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("reopen after close: %v", err)
	}
	second.Close()
}

func TestDiskPersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	root := t.TempDir()
	ctx := context.Background()
	store, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if _, err := store.PutObject(ctx, "projects.json", bytes.NewBufferString(`{"0":{}}`), storage.PutObjectOptions{ContentType: storage.ContentTypeJSON}); err != nil {
		t.Fatalf("put: %v", err)
	}
	store.Close()

	if _, err := os.Stat(filepath.Join(root, "objects", "projects.json"+infoSuffix)); err != nil {
		t.Fatalf("expected info sidecar: %v", err)
	}
	entries, err := os.ReadDir(filepath.Join(root, "tmp"))
	if err != nil {
		t.Fatalf("read tmp: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("expected tmp dir to be empty, found %d entries", len(entries))
	}

	reopened, err := New(Config{Root: root})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer reopened.Close()
	data, info, err := storage.ReadAll(ctx, reopened, "projects.json")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != `{"0":{}}` || info.ContentType != storage.ContentTypeJSON {
		t.Fatalf("unexpected object %q (%s)", data, info.ContentType)
	}
}

func TestDiskRejectsEscapingKeys(t *testing.T) {
	t.Parallel()

	store, err := New(Config{Root: t.TempDir()})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer store.Close()
	for _, key := range []string{"", "/", "a.json" + infoSuffix} {
		if _, err := store.dataPath(key); err == nil {
			t.Fatalf("expected %q to be rejected", key)
		}
	}
	p, err := store.dataPath("../../etc/passwd")
	if err != nil {
		t.Fatalf("dataPath: %v", err)
	}
	if rel, _ := filepath.Rel(store.objectDir, p); rel != filepath.Join("etc", "passwd") {
		t.Fatalf("key escaped object dir: %s", p)
	}
}

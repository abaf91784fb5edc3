// Package storagetest holds behaviour checks shared by every storage backend
// test.
package storagetest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"

	"pkt.systems/markd/internal/storage"
)

// RunBackend exercises get, conditional put, delete and paged listing
// against b. Keys are created under prefix so callers can share a bucket.
func RunBackend(t *testing.T, b storage.Backend, prefix string) {
	t.Helper()
	ctx := context.Background()
	key := prefix + "projects.json"

	if _, err := b.GetObject(ctx, key); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("get missing: expected ErrNotFound, got %v", err)
	}

	info, err := b.PutObject(ctx, key, bytes.NewReader([]byte(`{"0":{}}`)), storage.PutObjectOptions{
		IfNotExists: true,
		ContentType: storage.ContentTypeJSON,
	})
	if err != nil {
		t.Fatalf("put create: %v", err)
	}
	if info.ETag == "" {
		t.Fatal("put create: expected etag")
	}
	if _, err := b.PutObject(ctx, key, bytes.NewReader([]byte(`{}`)), storage.PutObjectOptions{IfNotExists: true}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("put if-not-exists on existing: expected ErrCASMismatch, got %v", err)
	}

	data, got, err := storage.ReadAll(ctx, b, key)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(data) != `{"0":{}}` {
		t.Fatalf("read: unexpected body %q", data)
	}
	if got.ETag != info.ETag {
		t.Fatalf("read: etag %q differs from put etag %q", got.ETag, info.ETag)
	}

	updated, err := b.PutObject(ctx, key, bytes.NewReader([]byte(`{"1":{}}`)), storage.PutObjectOptions{ExpectedETag: info.ETag})
	if err != nil {
		t.Fatalf("put cas: %v", err)
	}
	if _, err := b.PutObject(ctx, key, bytes.NewReader([]byte(`{}`)), storage.PutObjectOptions{ExpectedETag: info.ETag}); !errors.Is(err, storage.ErrCASMismatch) {
		t.Fatalf("put stale etag: expected ErrCASMismatch, got %v", err)
	}
	data, _, err = storage.ReadAll(ctx, b, key)
	if err != nil {
		t.Fatalf("read after cas: %v", err)
	}
	if string(data) != `{"1":{}}` {
		t.Fatalf("read after cas: unexpected body %q", data)
	}

	for i := 0; i < 3; i++ {
		k := fmt.Sprintf("%spage/%02d.json", prefix, i)
		if _, err := b.PutObject(ctx, k, bytes.NewReader([]byte(`{}`)), storage.PutObjectOptions{}); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	first, err := b.ListObjects(ctx, storage.ListOptions{Prefix: prefix + "page/", Limit: 2})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(first.Objects) != 2 || !first.Truncated {
		t.Fatalf("list: expected 2 truncated results, got %d truncated=%v", len(first.Objects), first.Truncated)
	}
	all, err := storage.ListAll(ctx, b, prefix+"page/")
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("list all: expected 3 objects, got %d", len(all))
	}
	for i, obj := range all {
		if want := fmt.Sprintf("%spage/%02d.json", prefix, i); obj.Key != want {
			t.Fatalf("list all: object %d is %q want %q", i, obj.Key, want)
		}
	}

	if err := b.DeleteObject(ctx, key, storage.DeleteObjectOptions{ExpectedETag: updated.ETag}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := b.GetObject(ctx, key); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("get after delete: expected ErrNotFound, got %v", err)
	}
	if err := b.DeleteObject(ctx, key, storage.DeleteObjectOptions{}); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("delete missing: expected ErrNotFound, got %v", err)
	}
	if err := b.DeleteObject(ctx, key, storage.DeleteObjectOptions{IgnoreNotFound: true}); err != nil {
		t.Fatalf("delete missing ignored: %v", err)
	}
}

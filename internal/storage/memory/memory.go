// Package memory implements storage.Backend in process memory. It backs the
// mem:// store URL, which is meant for tests and local development.
package memory

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/markd/internal/storage"
)

// Store is an in-memory storage.Backend.
type Store struct {
	mu   sync.RWMutex
	objs map[string]object
}

type object struct {
	payload     []byte
	etag        string
	contentType string
	updated     time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{objs: make(map[string]object)}
}

func (s *Store) Close() error { return nil }

func (s *Store) GetObject(_ context.Context, key string) (*storage.GetObjectResult, error) {
	s.mu.RLock()
	obj, ok := s.objs[key]
	s.mu.RUnlock()
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &storage.GetObjectResult{
		Reader: io.NopCloser(bytes.NewReader(obj.payload)),
		Info:   obj.info(key),
	}, nil
}

func (s *Store) PutObject(_ context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(payload)
	obj := object{
		payload:     payload,
		etag:        hex.EncodeToString(sum[:]),
		contentType: opts.ContentType,
		updated:     time.Now().UTC(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.objs[key]
	if opts.IfNotExists && exists {
		return nil, storage.ErrCASMismatch
	}
	if opts.ExpectedETag != "" && (!exists || current.etag != opts.ExpectedETag) {
		return nil, storage.ErrCASMismatch
	}
	s.objs[key] = obj
	return obj.info(key), nil
}

func (s *Store) DeleteObject(_ context.Context, key string, opts storage.DeleteObjectOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, exists := s.objs[key]
	if !exists {
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	if opts.ExpectedETag != "" && current.etag != opts.ExpectedETag {
		return storage.ErrCASMismatch
	}
	delete(s.objs, key)
	return nil
}

func (s *Store) ListObjects(_ context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	s.mu.RLock()
	keys := make([]string, 0, len(s.objs))
	for key := range s.objs {
		if strings.HasPrefix(key, opts.Prefix) && key > opts.StartAfter {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	result := &storage.ListResult{}
	for _, key := range keys {
		if opts.Limit > 0 && len(result.Objects) == opts.Limit {
			result.Truncated = true
			result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
			break
		}
		result.Objects = append(result.Objects, *s.objs[key].info(key))
	}
	s.mu.RUnlock()
	return result, nil
}

func (o object) info(key string) *storage.ObjectInfo {
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         o.etag,
		Size:         int64(len(o.payload)),
		LastModified: o.updated,
		ContentType:  o.contentType,
	}
}

// Package disk implements storage.Backend on a local directory. Objects are
// written to a temp file and renamed into place, with a sidecar .info.json
// holding the ETag and content type. The root is locked for the lifetime of
// the Store so only one markd process persists into it.
package disk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/markd/internal/storage"
	"pkt.systems/pslog"
)

const (
	lockFileName = "markd.lock"
	infoSuffix   = ".info.json"
)

var errHeld = errors.New("disk: root is locked by another process")

var (
	openRootsMu sync.Mutex
	openRoots   = map[string]struct{}{}
)

// Config configures the disk backend.
type Config struct {
	Root string
}

// Store is a storage.Backend rooted at a directory.
type Store struct {
	root      string
	objectDir string
	tmpDir    string
	lock      *os.File

	mu     sync.Mutex
	closed bool
}

type objectInfoRecord struct {
	ETag          string `json:"etag"`
	ContentType   string `json:"content_type,omitempty"`
	UpdatedAtUnix int64  `json:"updated_at_unix"`
}

// New prepares the directory layout under cfg.Root and takes the root lock.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("disk: root path required")
	}
	root, err := filepath.Abs(filepath.Clean(cfg.Root))
	if err != nil {
		return nil, fmt.Errorf("disk: resolve root: %w", err)
	}
	s := &Store{
		root:      root,
		objectDir: filepath.Join(root, "objects"),
		tmpDir:    filepath.Join(root, "tmp"),
	}
	for _, dir := range []string{s.objectDir, s.tmpDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("disk: prepare directory %q: %w", dir, err)
		}
	}

	openRootsMu.Lock()
	defer openRootsMu.Unlock()
	if _, busy := openRoots[root]; busy {
		return nil, errHeld
	}
	lock, err := os.OpenFile(filepath.Join(root, lockFileName), os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("disk: open lock file: %w", err)
	}
	if err := tryLock(lock); err != nil {
		lock.Close()
		if errors.Is(err, errHeld) {
			return nil, err
		}
		return nil, fmt.Errorf("disk: lock root: %w", err)
	}
	s.lock = lock
	openRoots[root] = struct{}{}
	return s, nil
}

// Root returns the absolute root directory.
func (s *Store) Root() string { return s.root }

// Close releases the root lock.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	openRootsMu.Lock()
	delete(openRoots, s.root)
	openRootsMu.Unlock()
	err := unlock(s.lock)
	if cerr := s.lock.Close(); err == nil {
		err = cerr
	}
	return err
}

func (s *Store) logger(ctx context.Context) pslog.Logger {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return logger.With("storage_backend", "disk")
}

func (s *Store) dataPath(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("disk: object key required")
	}
	clean := strings.TrimPrefix(path.Clean("/"+key), "/")
	if clean == "" || strings.HasSuffix(clean, infoSuffix) {
		return "", fmt.Errorf("disk: invalid object key %q", key)
	}
	return filepath.Join(s.objectDir, filepath.FromSlash(clean)), nil
}

func (s *Store) info(key, dataPath string) (*storage.ObjectInfo, error) {
	fi, err := os.Stat(dataPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("disk: stat %q: %w", key, err)
	}
	raw, err := os.ReadFile(dataPath + infoSuffix)
	if err != nil {
		return nil, fmt.Errorf("disk: read info for %q: %w", key, err)
	}
	var rec objectInfoRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("disk: decode info for %q: %w", key, err)
	}
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         rec.ETag,
		Size:         fi.Size(),
		LastModified: fi.ModTime().UTC(),
		ContentType:  rec.ContentType,
	}, nil
}

// GetObject opens the object for streaming.
func (s *Store) GetObject(ctx context.Context, key string) (*storage.GetObjectResult, error) {
	logger := s.logger(ctx)
	dataPath, err := s.dataPath(key)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	f, err := os.Open(dataPath)
	if err != nil {
		s.mu.Unlock()
		if errors.Is(err, os.ErrNotExist) {
			logger.Trace("disk.get_object.not_found", "key", key)
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("disk: open %q: %w", key, err)
	}
	info, err := s.info(key, dataPath)
	s.mu.Unlock()
	if err != nil {
		f.Close()
		return nil, err
	}
	logger.Trace("disk.get_object.success", "key", key, "etag", info.ETag, "size", info.Size)
	return &storage.GetObjectResult{Reader: f, Info: info}, nil
}

// PutObject writes body atomically, honouring ExpectedETag and IfNotExists.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger := s.logger(ctx)
	dataPath, err := s.dataPath(key)
	if err != nil {
		return nil, err
	}
	tmp, err := os.CreateTemp(s.tmpDir, "object-*")
	if err != nil {
		return nil, fmt.Errorf("disk: create temp for %q: %w", key, err)
	}
	defer os.Remove(tmp.Name())
	hasher := sha256.New()
	written, err := io.Copy(io.MultiWriter(tmp, hasher), body)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("disk: write %q: %w", key, err)
	}
	etag := hex.EncodeToString(hasher.Sum(nil))

	s.mu.Lock()
	defer s.mu.Unlock()
	if opts.IfNotExists || opts.ExpectedETag != "" {
		current, err := s.info(key, dataPath)
		switch {
		case err != nil && !errors.Is(err, storage.ErrNotFound):
			return nil, err
		case opts.IfNotExists && current != nil:
			logger.Debug("disk.put_object.exists", "key", key)
			return nil, storage.ErrCASMismatch
		case opts.ExpectedETag != "" && (current == nil || current.ETag != opts.ExpectedETag):
			logger.Debug("disk.put_object.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag)
			return nil, storage.ErrCASMismatch
		}
	}
	if err := os.MkdirAll(filepath.Dir(dataPath), 0o755); err != nil {
		return nil, fmt.Errorf("disk: prepare directory for %q: %w", key, err)
	}
	now := time.Now().UTC()
	rec, err := json.Marshal(objectInfoRecord{ETag: etag, ContentType: opts.ContentType, UpdatedAtUnix: now.Unix()})
	if err != nil {
		return nil, err
	}
	if err := s.writeAtomic(dataPath+infoSuffix, rec); err != nil {
		return nil, fmt.Errorf("disk: write info for %q: %w", key, err)
	}
	if err := os.Rename(tmp.Name(), dataPath); err != nil {
		return nil, fmt.Errorf("disk: rename %q: %w", key, err)
	}
	_ = syncDir(filepath.Dir(dataPath))
	logger.Debug("disk.put_object.success", "key", key, "size", written, "etag", etag)
	return &storage.ObjectInfo{Key: key, ETag: etag, Size: written, LastModified: now, ContentType: opts.ContentType}, nil
}

// DeleteObject removes the object and its info sidecar.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	dataPath, err := s.dataPath(key)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, err := s.info(key, dataPath)
	if errors.Is(err, storage.ErrNotFound) {
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	if err != nil {
		return err
	}
	if opts.ExpectedETag != "" && current.ETag != opts.ExpectedETag {
		return storage.ErrCASMismatch
	}
	if err := os.Remove(dataPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("disk: remove %q: %w", key, err)
	}
	if err := os.Remove(dataPath + infoSuffix); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("disk: remove info for %q: %w", key, err)
	}
	for dir := filepath.Dir(dataPath); dir != s.objectDir; dir = filepath.Dir(dir) {
		if err := os.Remove(dir); err != nil {
			break
		}
	}
	s.logger(ctx).Debug("disk.delete_object.success", "key", key)
	return nil
}

// ListObjects walks the object tree in lexical key order.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	var keys []string
	s.mu.Lock()
	defer s.mu.Unlock()
	err := filepath.WalkDir(s.objectDir, func(p string, d os.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() || strings.HasSuffix(d.Name(), infoSuffix) {
			return nil
		}
		rel, err := filepath.Rel(s.objectDir, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, opts.Prefix) && key > opts.StartAfter {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("disk: list objects: %w", err)
	}
	sort.Strings(keys)
	result := &storage.ListResult{}
	if opts.Limit > 0 && len(keys) > opts.Limit {
		keys = keys[:opts.Limit]
		result.Truncated = true
		result.NextStartAfter = keys[len(keys)-1]
	}
	for _, key := range keys {
		info, err := s.info(key, filepath.Join(s.objectDir, filepath.FromSlash(key)))
		if err != nil {
			return nil, err
		}
		result.Objects = append(result.Objects, *info)
	}
	s.logger(ctx).Trace("disk.list_objects.success", "prefix", opts.Prefix, "count", len(result.Objects), "truncated", result.Truncated)
	return result, nil
}

func (s *Store) writeAtomic(dest string, payload []byte) error {
	tmp, err := os.CreateTemp(s.tmpDir, "info-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	_, err = tmp.Write(payload)
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dest)
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

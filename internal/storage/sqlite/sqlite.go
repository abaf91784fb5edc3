// Package sqlite implements storage.Backend as rows in a single SQLite table,
// for the sqlite:///path.db store URL.
package sqlite

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	_ "embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"pkt.systems/markd/internal/storage"
	"pkt.systems/pslog"
)

//go:embed schema.sql
var schemaSQL string

// Schema versions:
// 1 - objects table
const currentSchemaVersion = 1

// Store keeps snapshot objects in a SQLite database opened in WAL mode.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and applies the schema.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite: database path required")
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: connect: %w", err)
	}
	// one writer at a time; more connections only produce SQLITE_BUSY
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("sqlite: %q: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: apply schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite: set user_version: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) logger(ctx context.Context) pslog.Logger {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return logger.With("storage_backend", "sqlite")
}

// GetObject loads the row for key. The body is fully buffered.
func (s *Store) GetObject(ctx context.Context, key string) (*storage.GetObjectResult, error) {
	var (
		body    []byte
		info    = storage.ObjectInfo{Key: key}
		updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT body, etag, content_type, updated_at FROM objects WHERE key = ?`, key,
	).Scan(&body, &info.ETag, &info.ContentType, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get %q: %w", key, err)
	}
	info.Size = int64(len(body))
	info.LastModified = time.Unix(0, updated).UTC()
	s.logger(ctx).Trace("sqlite.get_object.success", "key", key, "etag", info.ETag, "size", info.Size)
	return &storage.GetObjectResult{Reader: io.NopCloser(bytes.NewReader(body)), Info: &info}, nil
}

// PutObject upserts key inside a transaction so the ETag check and write are
// atomic.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	if key == "" {
		return nil, fmt.Errorf("sqlite: object key required")
	}
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("sqlite: read body for %q: %w", key, err)
	}
	sum := sha256.Sum256(payload)
	etag := hex.EncodeToString(sum[:])
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()
	if opts.IfNotExists || opts.ExpectedETag != "" {
		current, err := currentETag(ctx, tx, key)
		if err != nil {
			return nil, err
		}
		if (opts.IfNotExists && current != "") || (opts.ExpectedETag != "" && current != opts.ExpectedETag) {
			s.logger(ctx).Debug("sqlite.put_object.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag)
			return nil, storage.ErrCASMismatch
		}
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO objects (key, body, etag, content_type, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET body = excluded.body, etag = excluded.etag,
		   content_type = excluded.content_type, updated_at = excluded.updated_at`,
		key, payload, etag, opts.ContentType, now.UnixNano(),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: put %q: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("sqlite: commit: %w", err)
	}
	s.logger(ctx).Debug("sqlite.put_object.success", "key", key, "etag", etag, "size", len(payload))
	return &storage.ObjectInfo{Key: key, ETag: etag, Size: int64(len(payload)), LastModified: now, ContentType: opts.ContentType}, nil
}

// DeleteObject removes key.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer tx.Rollback()
	current, err := currentETag(ctx, tx, key)
	if err != nil {
		return err
	}
	if current == "" {
		if opts.IgnoreNotFound {
			return nil
		}
		return storage.ErrNotFound
	}
	if opts.ExpectedETag != "" && current != opts.ExpectedETag {
		return storage.ErrCASMismatch
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM objects WHERE key = ?`, key); err != nil {
		return fmt.Errorf("sqlite: delete %q: %w", key, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	s.logger(ctx).Debug("sqlite.delete_object.success", "key", key)
	return nil
}

// ListObjects pages through keys with the given prefix.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	limit := -1
	if opts.Limit > 0 {
		limit = opts.Limit + 1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, etag, content_type, length(body), updated_at FROM objects
		 WHERE substr(key, 1, length(?)) = ? AND key > ? ORDER BY key LIMIT ?`,
		opts.Prefix, opts.Prefix, opts.StartAfter, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list objects: %w", err)
	}
	defer rows.Close()
	result := &storage.ListResult{}
	for rows.Next() {
		var (
			info    storage.ObjectInfo
			updated int64
		)
		if err := rows.Scan(&info.Key, &info.ETag, &info.ContentType, &info.Size, &updated); err != nil {
			return nil, fmt.Errorf("sqlite: scan object: %w", err)
		}
		info.LastModified = time.Unix(0, updated).UTC()
		result.Objects = append(result.Objects, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: list objects: %w", err)
	}
	if opts.Limit > 0 && len(result.Objects) > opts.Limit {
		result.Objects = result.Objects[:opts.Limit]
		result.Truncated = true
		result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
	}
	return result, nil
}

func currentETag(ctx context.Context, tx *sql.Tx, key string) (string, error) {
	var etag string
	err := tx.QueryRowContext(ctx, `SELECT etag FROM objects WHERE key = ?`, key).Scan(&etag)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("sqlite: load etag for %q: %w", key, err)
	}
	return etag, nil
}

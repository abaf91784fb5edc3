// Package storage defines the object backend markd persists snapshot
// collections into, plus the helpers shared by every backend implementation.
package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound indicates the requested object does not exist.
	ErrNotFound = errors.New("storage: not found")
	// ErrCASMismatch indicates a conditional write lost against a concurrent
	// writer.
	ErrCASMismatch = errors.New("storage: cas mismatch")
)

const (
	// ContentTypeJSON is used for plaintext snapshot objects.
	ContentTypeJSON = "application/json"
	// ContentTypeJSONEncrypted is used for kryptograf-sealed snapshot objects.
	ContentTypeJSONEncrypted = "application/vnd.markd+json-encrypted"
)

// Backend stores opaque objects by key. Keys are slash separated and never
// start with a slash.
type Backend interface {
	GetObject(ctx context.Context, key string) (*GetObjectResult, error)
	PutObject(ctx context.Context, key string, body io.Reader, opts PutObjectOptions) (*ObjectInfo, error)
	DeleteObject(ctx context.Context, key string, opts DeleteObjectOptions) error
	ListObjects(ctx context.Context, opts ListOptions) (*ListResult, error)
	Close() error
}

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	ETag         string
	Size         int64
	LastModified time.Time
	ContentType  string
}

// GetObjectResult carries the object body. Callers must close Reader.
type GetObjectResult struct {
	Reader io.ReadCloser
	Info   *ObjectInfo
}

// PutObjectOptions controls conditional writes.
type PutObjectOptions struct {
	// ExpectedETag makes the write succeed only when the current object has
	// this ETag.
	ExpectedETag string
	// IfNotExists makes the write succeed only when no object exists.
	IfNotExists bool
	ContentType string
}

// DeleteObjectOptions controls conditional deletes.
type DeleteObjectOptions struct {
	ExpectedETag   string
	IgnoreNotFound bool
}

// ListOptions filters a listing.
type ListOptions struct {
	Prefix     string
	StartAfter string
	Limit      int
}

// ListResult is one page of a listing, sorted by key.
type ListResult struct {
	Objects        []ObjectInfo
	NextStartAfter string
	Truncated      bool
}

type transientError struct {
	err error
}

func (t transientError) Error() string { return t.err.Error() }
func (t transientError) Unwrap() error { return t.err }

// NewTransientError marks err as retryable.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return transientError{err: err}
}

// IsTransient reports whether err was marked as retryable.
func IsTransient(err error) bool {
	var te transientError
	return errors.As(err, &te)
}

// ReadAll fetches key and returns its full body.
func ReadAll(ctx context.Context, b Backend, key string) ([]byte, *ObjectInfo, error) {
	res, err := b.GetObject(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	defer res.Reader.Close()
	data, err := io.ReadAll(res.Reader)
	if err != nil {
		return nil, nil, err
	}
	return data, res.Info, nil
}

// ListAll drains every page of a listing.
func ListAll(ctx context.Context, b Backend, prefix string) ([]ObjectInfo, error) {
	var (
		out   []ObjectInfo
		after string
	)
	for {
		page, err := b.ListObjects(ctx, ListOptions{Prefix: prefix, StartAfter: after})
		if err != nil {
			return nil, err
		}
		out = append(out, page.Objects...)
		if !page.Truncated || page.NextStartAfter == "" {
			return out, nil
		}
		after = page.NextStartAfter
	}
}

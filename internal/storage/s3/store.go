// Package s3 implements storage.Backend on S3-compatible object storage
// through minio-go. It serves the s3:// store URL (MinIO, Ceph, R2, ...).
package s3

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"time"

	minio "github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/minio/minio-go/v7/pkg/encrypt"

	"pkt.systems/markd/internal/storage"
	"pkt.systems/pslog"
)

// Config controls the behaviour of the S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	ServerSideEnc  string
	KMSKeyID       string
	CustomCreds    *credentials.Credentials
	Transport      http.RoundTripper
}

// Store implements storage.Backend on an S3 bucket.
type Store struct {
	client *minio.Client
	cfg    Config
}

// New constructs a Store. Credentials come from cfg.CustomCreds or, when
// unset, the AWS/MinIO environment, the shared credentials file and IAM, in
// that order.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = "s3.amazonaws.com"
		if cfg.Region != "" {
			endpoint = fmt.Sprintf("s3.%s.amazonaws.com", cfg.Region)
		}
	}
	if cfg.Transport == nil {
		cfg.Transport = defaultTransport()
	}
	creds := cfg.CustomCreds
	if creds == nil {
		creds = credentials.NewChainCredentials([]credentials.Provider{
			&credentials.EnvAWS{},
			&credentials.EnvMinio{},
			&credentials.FileAWSCredentials{},
			&credentials.IAM{},
		})
	}
	options := &minio.Options{
		Creds:     creds,
		Secure:    !cfg.Insecure,
		Region:    cfg.Region,
		Transport: cfg.Transport,
	}
	if cfg.ForcePathStyle {
		options.BucketLookup = minio.BucketLookupPath
	}
	client, err := minio.New(endpoint, options)
	if err != nil {
		return nil, fmt.Errorf("s3: create client: %w", err)
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport() http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	clone.MaxIdleConns = 64
	clone.MaxIdleConnsPerHost = 16
	clone.IdleConnTimeout = 90 * time.Second
	clone.TLSHandshakeTimeout = 10 * time.Second
	clone.ExpectContinueTimeout = time.Second
	return clone
}

func (s *Store) Close() error { return nil }

// BucketExists reports whether the configured bucket is reachable.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	return s.client.BucketExists(ctx, s.cfg.Bucket)
}

// Config returns the effective configuration.
func (s *Store) Config() Config { return s.cfg }

func (s *Store) logger(ctx context.Context) pslog.Logger {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return logger.With("storage_backend", "s3", "bucket", s.cfg.Bucket)
}

func (s *Store) object(key string) string {
	key = strings.TrimPrefix(key, "/")
	if s.cfg.Prefix == "" {
		return key
	}
	return path.Join(s.cfg.Prefix, key)
}

func (s *Store) logical(object string) (string, bool) {
	if s.cfg.Prefix == "" {
		return object, true
	}
	return strings.CutPrefix(object, s.cfg.Prefix+"/")
}

// GetObject streams key from the bucket.
func (s *Store) GetObject(ctx context.Context, key string) (*storage.GetObjectResult, error) {
	logger := s.logger(ctx)
	object := s.object(key)
	obj, err := s.client.GetObject(ctx, s.cfg.Bucket, object, minio.GetObjectOptions{})
	if err != nil {
		return nil, wrapError(err, "s3: get object")
	}
	stat, err := obj.Stat()
	if err != nil {
		obj.Close()
		if isNotFound(err) {
			logger.Trace("s3.get_object.not_found", "key", key, "object", object)
			return nil, storage.ErrNotFound
		}
		logger.Debug("s3.get_object.stat_error", "key", key, "object", object, "error", err)
		return nil, wrapError(err, "s3: stat object")
	}
	logger.Trace("s3.get_object.success", "key", key, "etag", stat.ETag, "size", stat.Size)
	return &storage.GetObjectResult{
		Reader: &notFoundAwareObject{object: obj},
		Info: &storage.ObjectInfo{
			Key:          key,
			ETag:         stripETag(stat.ETag),
			Size:         stat.Size,
			LastModified: stat.LastModified,
			ContentType:  stat.ContentType,
		},
	}, nil
}

// PutObject uploads body. Conditional options are checked with a HEAD first
// and enforced again with If-Match / If-None-Match on the upload.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger := s.logger(ctx)
	object := s.object(key)
	putOpts := minio.PutObjectOptions{ContentType: opts.ContentType}
	if putOpts.ContentType == "" {
		putOpts.ContentType = "application/octet-stream"
	}
	s.applySSE(&putOpts)
	if opts.IfNotExists || opts.ExpectedETag != "" {
		current, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{})
		exists := err == nil
		if err != nil && !isNotFound(err) {
			return nil, wrapError(err, "s3: stat object")
		}
		if opts.IfNotExists && exists {
			logger.Debug("s3.put_object.exists", "key", key)
			return nil, storage.ErrCASMismatch
		}
		if opts.ExpectedETag != "" && (!exists || stripETag(current.ETag) != opts.ExpectedETag) {
			logger.Debug("s3.put_object.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag)
			return nil, storage.ErrCASMismatch
		}
		if opts.ExpectedETag != "" {
			putOpts.SetMatchETag(opts.ExpectedETag)
		} else {
			putOpts.SetMatchETagExcept("*")
		}
	}
	length := int64(-1)
	if sized, ok := body.(interface{ Len() int }); ok {
		length = int64(sized.Len())
	}
	info, err := s.client.PutObject(ctx, s.cfg.Bucket, object, body, length, putOpts)
	if err != nil {
		if isPreconditionFailed(err) {
			logger.Debug("s3.put_object.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag)
			return nil, storage.ErrCASMismatch
		}
		logger.Debug("s3.put_object.error", "key", key, "object", object, "error", err)
		return nil, wrapError(err, "s3: put object")
	}
	logger.Debug("s3.put_object.success", "key", key, "etag", info.ETag, "size", info.Size)
	return &storage.ObjectInfo{
		Key:          key,
		ETag:         stripETag(info.ETag),
		Size:         info.Size,
		LastModified: time.Now().UTC(),
		ContentType:  putOpts.ContentType,
	}, nil
}

// DeleteObject removes key. S3 deletes are idempotent, so existence and the
// expected ETag are checked with a HEAD first.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	logger := s.logger(ctx)
	object := s.object(key)
	stat, err := s.client.StatObject(ctx, s.cfg.Bucket, object, minio.StatObjectOptions{})
	if err != nil {
		if isNotFound(err) {
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		}
		return wrapError(err, "s3: stat object")
	}
	if opts.ExpectedETag != "" && stripETag(stat.ETag) != opts.ExpectedETag {
		logger.Debug("s3.delete_object.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag, "current_etag", stripETag(stat.ETag))
		return storage.ErrCASMismatch
	}
	if err := s.client.RemoveObject(ctx, s.cfg.Bucket, object, minio.RemoveObjectOptions{}); err != nil {
		logger.Debug("s3.delete_object.error", "key", key, "error", err)
		return wrapError(err, "s3: delete object")
	}
	logger.Debug("s3.delete_object.success", "key", key)
	return nil
}

// ListObjects lists keys under opts.Prefix in lexical order.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	listOpts := minio.ListObjectsOptions{Prefix: s.object(opts.Prefix), Recursive: true}
	if opts.Prefix == "" && s.cfg.Prefix != "" {
		listOpts.Prefix = s.cfg.Prefix + "/"
	}
	if opts.StartAfter != "" {
		listOpts.StartAfter = s.object(opts.StartAfter)
	}
	if opts.Limit > 0 {
		listOpts.MaxKeys = opts.Limit + 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	result := &storage.ListResult{}
	for obj := range s.client.ListObjects(ctx, s.cfg.Bucket, listOpts) {
		if obj.Err != nil {
			return nil, wrapError(obj.Err, "s3: list objects")
		}
		key, ok := s.logical(obj.Key)
		if !ok || (opts.StartAfter != "" && key <= opts.StartAfter) {
			continue
		}
		if opts.Limit > 0 && len(result.Objects) == opts.Limit {
			result.Truncated = true
			result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
			break
		}
		result.Objects = append(result.Objects, storage.ObjectInfo{
			Key:          key,
			ETag:         stripETag(obj.ETag),
			Size:         obj.Size,
			LastModified: obj.LastModified,
			ContentType:  obj.ContentType,
		})
	}
	s.logger(ctx).Trace("s3.list_objects.success", "prefix", opts.Prefix, "count", len(result.Objects), "truncated", result.Truncated)
	return result, nil
}

func (s *Store) applySSE(opts *minio.PutObjectOptions) {
	switch strings.ToUpper(s.cfg.ServerSideEnc) {
	case "AES256":
		opts.ServerSideEncryption = encrypt.NewSSE()
	case "AWS:KMS", "KMS":
		if s.cfg.KMSKeyID != "" {
			if enc, err := encrypt.NewSSEKMS(s.cfg.KMSKeyID, nil); err == nil {
				opts.ServerSideEncryption = enc
			}
		}
	}
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

type objectReader interface {
	io.Reader
	io.Closer
}

// notFoundAwareObject maps a 404 surfacing on the first Read (minio fetches
// lazily) to storage.ErrNotFound.
type notFoundAwareObject struct {
	object objectReader
}

func (o *notFoundAwareObject) Read(p []byte) (int, error) {
	n, err := o.object.Read(p)
	if err != nil && isNotFound(err) {
		err = storage.ErrNotFound
	}
	return n, err
}

func (o *notFoundAwareObject) Close() error { return o.object.Close() }

func isNotFound(err error) bool {
	var resp minio.ErrorResponse
	return errors.As(err, &resp) && resp.StatusCode == http.StatusNotFound
}

func isPreconditionFailed(err error) bool {
	var resp minio.ErrorResponse
	if !errors.As(err, &resp) {
		return false
	}
	if resp.StatusCode == http.StatusPreconditionFailed {
		return true
	}
	return resp.StatusCode == http.StatusConflict && (resp.Code == "ConditionalRequestConflict" || resp.Code == "OperationAborted")
}

func wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	if isRetryable(err) {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}

func isRetryable(err error) bool {
	if storage.IsNetworkError(err) {
		return true
	}
	var resp minio.ErrorResponse
	return errors.As(err, &resp) && storage.RetryableStatus(resp.StatusCode)
}

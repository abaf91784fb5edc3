// Package aws implements storage.Backend with the AWS SDK for Go v2. It
// serves the aws:// store URL and picks up credentials from the standard AWS
// config chain (env, shared config, SSO, IMDS).
package aws

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	smithy "github.com/aws/smithy-go"

	"pkt.systems/markd/internal/storage"
	"pkt.systems/pslog"
)

// Config controls the behaviour of the AWS S3 storage backend.
type Config struct {
	Endpoint       string
	Region         string
	Bucket         string
	Prefix         string
	Insecure       bool
	ForcePathStyle bool
	ServerSideEnc  string
	KMSKeyID       string
}

// Store implements storage.Backend backed by AWS S3.
type Store struct {
	client *s3.Client
	cfg    Config
}

const opTimeout = 2 * time.Minute

// New loads the default AWS configuration for cfg.Region and builds a client.
func New(cfg Config) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("aws: bucket is required")
	}
	if cfg.Region == "" {
		return nil, fmt.Errorf("aws: region is required")
	}
	cfg.Endpoint = strings.TrimSpace(cfg.Endpoint)
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")

	awsCfg, err := awsconfig.LoadDefaultConfig(
		context.Background(),
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithHTTPClient(&http.Client{Transport: defaultTransport(cfg.Insecure)}),
	)
	if err != nil {
		return nil, fmt.Errorf("aws: load config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.ForcePathStyle
		if cfg.Endpoint != "" {
			endpoint := cfg.Endpoint
			if !strings.Contains(endpoint, "://") {
				scheme := "https"
				if cfg.Insecure {
					scheme = "http"
				}
				endpoint = scheme + "://" + endpoint
			}
			o.BaseEndpoint = aws.String(endpoint)
		}
	})
	return &Store{client: client, cfg: cfg}, nil
}

func defaultTransport(insecure bool) http.RoundTripper {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return http.DefaultTransport
	}
	clone := base.Clone()
	clone.MaxIdleConns = 64
	clone.MaxIdleConnsPerHost = 16
	clone.IdleConnTimeout = 90 * time.Second
	clone.TLSHandshakeTimeout = 10 * time.Second
	if insecure {
		clone.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return clone
}

func (s *Store) Close() error { return nil }

// Config returns a copy of the configuration used to build the store.
func (s *Store) Config() Config { return s.cfg }

func (s *Store) logger(ctx context.Context) pslog.Logger {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return logger.With("storage_backend", "aws", "bucket", s.cfg.Bucket)
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= opTimeout {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, opTimeout)
}

func (s *Store) object(key string) string {
	key = strings.TrimPrefix(key, "/")
	if s.cfg.Prefix == "" {
		return key
	}
	return s.cfg.Prefix + "/" + key
}

// BucketExists returns whether the configured bucket exists.
func (s *Store) BucketExists(ctx context.Context) (bool, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	if _, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.cfg.Bucket)}); err != nil {
		if isNotFound(err) {
			return false, nil
		}
		return false, s.wrapError(err, "aws: head bucket")
	}
	return true, nil
}

// GetObject streams key. The returned reader owns the request timeout.
func (s *Store) GetObject(ctx context.Context, key string) (*storage.GetObjectResult, error) {
	logger := s.logger(ctx)
	ctx, cancel := withTimeout(ctx)
	object := s.object(key)
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(object),
	})
	if err != nil {
		cancel()
		if isNotFound(err) {
			logger.Trace("aws.get_object.not_found", "key", key, "object", object)
			return nil, storage.ErrNotFound
		}
		logger.Debug("aws.get_object.error", "key", key, "object", object, "error", err)
		return nil, s.wrapError(err, "aws: get object")
	}
	info := &storage.ObjectInfo{
		Key:          key,
		ETag:         stripETag(aws.ToString(resp.ETag)),
		Size:         aws.ToInt64(resp.ContentLength),
		LastModified: aws.ToTime(resp.LastModified),
		ContentType:  aws.ToString(resp.ContentType),
	}
	logger.Trace("aws.get_object.success", "key", key, "etag", info.ETag, "size", info.Size)
	return &storage.GetObjectResult{Reader: &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}, Info: info}, nil
}

// PutObject uploads body with If-Match / If-None-Match guards.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	logger := s.logger(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	object := s.object(key)
	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	input := &s3.PutObjectInput{
		Bucket:      aws.String(s.cfg.Bucket),
		Key:         aws.String(object),
		Body:        body,
		ContentType: aws.String(contentType),
	}
	if opts.ExpectedETag != "" {
		input.IfMatch = aws.String(opts.ExpectedETag)
	} else if opts.IfNotExists {
		input.IfNoneMatch = aws.String("*")
	}
	applySSE(input, s.cfg.ServerSideEnc, s.cfg.KMSKeyID)

	length := int64(-1)
	if seeker, ok := body.(io.Seeker); ok {
		if current, err := seeker.Seek(0, io.SeekCurrent); err == nil {
			if end, err := seeker.Seek(0, io.SeekEnd); err == nil {
				length = end - current
				_, _ = seeker.Seek(current, io.SeekStart)
			}
		}
	}
	if length >= 0 {
		input.ContentLength = aws.Int64(length)
	}
	out, err := s.client.PutObject(ctx, input)
	if err != nil {
		if isPreconditionFailed(err) || (opts.ExpectedETag != "" && isNotFound(err)) {
			logger.Debug("aws.put_object.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag)
			return nil, storage.ErrCASMismatch
		}
		logger.Debug("aws.put_object.error", "key", key, "object", object, "error", err)
		return nil, s.wrapError(err, "aws: put object")
	}
	info := &storage.ObjectInfo{
		Key:          key,
		ETag:         stripETag(aws.ToString(out.ETag)),
		Size:         max(length, 0),
		LastModified: time.Now().UTC(),
		ContentType:  contentType,
	}
	logger.Debug("aws.put_object.success", "key", key, "etag", info.ETag, "size", info.Size)
	return info, nil
}

// DeleteObject removes key. A HEAD runs first since S3 deletes succeed on
// missing keys.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	logger := s.logger(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	object := s.object(key)
	head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)})
	if err != nil {
		if isNotFound(err) {
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		}
		return s.wrapError(err, "aws: head object")
	}
	if opts.ExpectedETag != "" && stripETag(aws.ToString(head.ETag)) != opts.ExpectedETag {
		logger.Debug("aws.delete_object.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag)
		return storage.ErrCASMismatch
	}
	input := &s3.DeleteObjectInput{Bucket: aws.String(s.cfg.Bucket), Key: aws.String(object)}
	if opts.ExpectedETag != "" {
		input.IfMatch = aws.String(opts.ExpectedETag)
	}
	if _, err := s.client.DeleteObject(ctx, input); err != nil {
		if isPreconditionFailed(err) {
			return storage.ErrCASMismatch
		}
		logger.Debug("aws.delete_object.error", "key", key, "object", object, "error", err)
		return s.wrapError(err, "aws: delete object")
	}
	logger.Debug("aws.delete_object.success", "key", key)
	return nil
}

// ListObjects lists keys under opts.Prefix. Without a limit every page is
// followed.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	logger := s.logger(ctx)
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	root := ""
	if s.cfg.Prefix != "" {
		root = s.cfg.Prefix + "/"
	}
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.cfg.Bucket),
		Prefix: aws.String(root + strings.TrimPrefix(opts.Prefix, "/")),
	}
	if opts.StartAfter != "" {
		input.StartAfter = aws.String(root + strings.TrimPrefix(opts.StartAfter, "/"))
	}
	if opts.Limit > 0 {
		input.MaxKeys = aws.Int32(int32(opts.Limit + 1))
	}
	result := &storage.ListResult{}
	paginator := s3.NewListObjectsV2Paginator(s.client, input)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			logger.Debug("aws.list_objects.error", "prefix", opts.Prefix, "error", err)
			return nil, s.wrapError(err, "aws: list objects")
		}
		for _, obj := range page.Contents {
			key, ok := strings.CutPrefix(aws.ToString(obj.Key), root)
			if !ok {
				continue
			}
			if opts.Limit > 0 && len(result.Objects) == opts.Limit {
				result.Truncated = true
				result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
				logger.Trace("aws.list_objects.success", "prefix", opts.Prefix, "count", len(result.Objects), "truncated", true)
				return result, nil
			}
			result.Objects = append(result.Objects, storage.ObjectInfo{
				Key:          key,
				ETag:         stripETag(aws.ToString(obj.ETag)),
				Size:         aws.ToInt64(obj.Size),
				LastModified: aws.ToTime(obj.LastModified),
			})
		}
	}
	logger.Trace("aws.list_objects.success", "prefix", opts.Prefix, "count", len(result.Objects), "truncated", false)
	return result, nil
}

type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}

func applySSE(input *s3.PutObjectInput, mode, keyID string) {
	switch strings.ToUpper(mode) {
	case "AES256":
		input.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "AWS:KMS", "KMS":
		input.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if keyID != "" {
			input.SSEKMSKeyId = aws.String(keyID)
		}
	}
}

func stripETag(etag string) string {
	return strings.Trim(etag, "\"")
}

func (s *Store) wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	retryable := isRetryable(err)
	err = fmt.Errorf("%s: %w", msg, err)
	if retryable {
		return storage.NewTransientError(err)
	}
	return err
}

func isRetryable(err error) bool {
	if storage.IsNetworkError(err) {
		return true
	}
	status, ok := httpStatusCode(err)
	return ok && storage.RetryableStatus(status)
}

func httpStatusCode(err error) (int, bool) {
	var statusErr interface{ HTTPStatusCode() int }
	if errors.As(err, &statusErr) {
		return statusErr.HTTPStatusCode(), true
	}
	var respErr *awshttp.ResponseError
	if errors.As(err, &respErr) {
		return respErr.HTTPStatusCode(), true
	}
	return 0, false
}

func isNotFound(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "NoSuchKey", "NotFound", "NoSuchBucket":
			return true
		}
	}
	status, ok := httpStatusCode(err)
	return ok && status == http.StatusNotFound
}

func isPreconditionFailed(err error) bool {
	if err == nil {
		return false
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "PreconditionFailed", "ConditionalRequestConflict", "OperationAborted":
			return true
		}
	}
	status, ok := httpStatusCode(err)
	return ok && (status == http.StatusPreconditionFailed || status == http.StatusConflict)
}

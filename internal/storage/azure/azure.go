// Package azure implements storage.Backend on Azure Blob Storage for the
// azure://account/container/prefix store URL.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"pkt.systems/markd/internal/storage"
	"pkt.systems/pslog"
)

// Config controls connectivity to Azure Blob Storage.
type Config struct {
	Account    string
	AccountKey string
	Endpoint   string
	SASToken   string
	Container  string
	Prefix     string
}

// Store implements storage.Backend backed by a blob container.
type Store struct {
	client    *azblob.Client
	endpoint  string
	container string
	prefix    string
}

// New builds a client from a SAS token or shared key and creates the
// container when it does not exist.
func New(cfg Config) (*Store, error) {
	client, endpoint, err := newClient(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if _, err := client.CreateContainer(ctx, cfg.Container, nil); err != nil && !isContainerExists(err) {
		return nil, fmt.Errorf("azure: create container: %w", err)
	}
	return &Store{
		client:    client,
		endpoint:  endpoint,
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
	}, nil
}

func newClient(cfg Config) (*azblob.Client, string, error) {
	if cfg.Account == "" {
		return nil, "", fmt.Errorf("azure: account is required")
	}
	if cfg.Container == "" {
		return nil, "", fmt.Errorf("azure: container is required")
	}
	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	clientOpts := &azblob.ClientOptions{ClientOptions: azcore.ClientOptions{Transport: defaultTransporter()}}
	if cfg.SASToken != "" {
		withSAS, err := appendSASToken(endpoint, cfg.SASToken)
		if err != nil {
			return nil, "", err
		}
		client, err := azblob.NewClientWithNoCredential(withSAS, clientOpts)
		if err != nil {
			return nil, "", fmt.Errorf("azure: create client: %w", err)
		}
		return client, endpoint, nil
	}
	if cfg.AccountKey == "" {
		return nil, "", fmt.Errorf("azure: account key or SAS token required")
	}
	cred, err := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
	if err != nil {
		return nil, "", fmt.Errorf("azure: build credentials: %w", err)
	}
	client, err := azblob.NewClientWithSharedKeyCredential(endpoint, cred, clientOpts)
	if err != nil {
		return nil, "", fmt.Errorf("azure: create client: %w", err)
	}
	return client, endpoint, nil
}

type transportAdapter struct {
	rt http.RoundTripper
}

func (t transportAdapter) Do(req *http.Request) (*http.Response, error) {
	return t.rt.RoundTrip(req)
}

func defaultTransporter() policy.Transporter {
	base, ok := http.DefaultTransport.(*http.Transport)
	if !ok {
		return transportAdapter{rt: http.DefaultTransport}
	}
	clone := base.Clone()
	clone.MaxIdleConns = 64
	clone.MaxIdleConnsPerHost = 16
	clone.IdleConnTimeout = 90 * time.Second
	clone.TLSHandshakeTimeout = 10 * time.Second
	return transportAdapter{rt: clone}
}

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	sas = strings.TrimPrefix(sas, "?")
	if u.RawQuery != "" {
		u.RawQuery += "&" + sas
	} else {
		u.RawQuery = sas
	}
	return u.String(), nil
}

func (s *Store) Close() error { return nil }

// Endpoint returns the blob service endpoint without credentials.
func (s *Store) Endpoint() string { return s.endpoint }

func (s *Store) logger(ctx context.Context) pslog.Logger {
	logger := pslog.LoggerFromContext(ctx)
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return logger.With("storage_backend", "azure", "container", s.container)
}

func (s *Store) blobName(key string) (string, error) {
	key = strings.Trim(key, "/")
	if key == "" {
		return "", fmt.Errorf("azure: object key required")
	}
	parts := strings.Split(key, "/")
	for i, segment := range parts {
		parts[i] = url.PathEscape(segment)
	}
	name := path.Join(parts...)
	if s.prefix != "" {
		name = path.Join(s.prefix, name)
	}
	return name, nil
}

func (s *Store) logicalKey(name string) (string, bool) {
	if s.prefix != "" {
		trimmed, ok := strings.CutPrefix(name, s.prefix+"/")
		if !ok {
			return "", false
		}
		name = trimmed
	}
	parts := strings.Split(name, "/")
	for i, segment := range parts {
		value, err := url.PathUnescape(segment)
		if err != nil {
			return "", false
		}
		parts[i] = value
	}
	return strings.Join(parts, "/"), true
}

// GetObject downloads key as a stream.
func (s *Store) GetObject(ctx context.Context, key string) (*storage.GetObjectResult, error) {
	name, err := s.blobName(key)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.DownloadStream(ctx, s.container, name, nil)
	if err != nil {
		if isNotFound(err) {
			s.logger(ctx).Trace("azure.get_object.not_found", "key", key)
			return nil, storage.ErrNotFound
		}
		return nil, wrapError(err, "azure: download object")
	}
	info := &storage.ObjectInfo{Key: key}
	if resp.ETag != nil {
		info.ETag = string(*resp.ETag)
	}
	if resp.ContentLength != nil {
		info.Size = *resp.ContentLength
	}
	if resp.LastModified != nil {
		info.LastModified = resp.LastModified.UTC()
	}
	if resp.ContentType != nil {
		info.ContentType = *resp.ContentType
	}
	s.logger(ctx).Trace("azure.get_object.success", "key", key, "etag", info.ETag, "size", info.Size)
	return &storage.GetObjectResult{Reader: resp.Body, Info: info}, nil
}

// PutObject uploads a blob with If-Match / If-None-Match access conditions.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	name, err := s.blobName(key)
	if err != nil {
		return nil, err
	}
	uploadOpts := &azblob.UploadStreamOptions{HTTPHeaders: &blob.HTTPHeaders{}}
	if opts.ContentType != "" {
		uploadOpts.HTTPHeaders.BlobContentType = to.Ptr(opts.ContentType)
	}
	if opts.ExpectedETag != "" {
		uploadOpts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfMatch: to.Ptr(azcore.ETag(opts.ExpectedETag))},
		}
	} else if opts.IfNotExists {
		uploadOpts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfNoneMatch: to.Ptr(azcore.ETagAny)},
		}
	}
	counter := &countingReader{r: body}
	resp, err := s.client.UploadStream(ctx, s.container, name, counter, uploadOpts)
	if err != nil {
		if isPreconditionFailed(err) || (opts.ExpectedETag != "" && isNotFound(err)) {
			s.logger(ctx).Debug("azure.put_object.cas_mismatch", "key", key, "expected_etag", opts.ExpectedETag)
			return nil, storage.ErrCASMismatch
		}
		return nil, wrapError(err, "azure: upload object")
	}
	info := &storage.ObjectInfo{Key: key, ContentType: opts.ContentType, Size: counter.n, LastModified: time.Now().UTC()}
	if resp.ETag != nil {
		info.ETag = string(*resp.ETag)
	}
	s.logger(ctx).Debug("azure.put_object.success", "key", key, "etag", info.ETag, "size", info.Size)
	return info, nil
}

// DeleteObject removes the blob, optionally enforcing a matching ETag.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	name, err := s.blobName(key)
	if err != nil {
		return err
	}
	deleteOpts := &azblob.DeleteBlobOptions{}
	if opts.ExpectedETag != "" {
		deleteOpts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{IfMatch: to.Ptr(azcore.ETag(opts.ExpectedETag))},
		}
	}
	if _, err := s.client.DeleteBlob(ctx, s.container, name, deleteOpts); err != nil {
		if isNotFound(err) {
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		}
		if isPreconditionFailed(err) {
			return storage.ErrCASMismatch
		}
		return wrapError(err, "azure: delete object")
	}
	s.logger(ctx).Debug("azure.delete_object.success", "key", key)
	return nil
}

// ListObjects lists blobs under opts.Prefix in lexical order.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	listPrefix := ""
	if s.prefix != "" {
		listPrefix = s.prefix + "/"
	}
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{Prefix: to.Ptr(listPrefix)})
	result := &storage.ListResult{}
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, wrapError(err, "azure: list objects")
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			key, ok := s.logicalKey(*item.Name)
			if !ok || !strings.HasPrefix(key, opts.Prefix) || (opts.StartAfter != "" && key <= opts.StartAfter) {
				continue
			}
			if opts.Limit > 0 && len(result.Objects) == opts.Limit {
				result.Truncated = true
				result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
				return result, nil
			}
			info := storage.ObjectInfo{Key: key}
			if props := item.Properties; props != nil {
				if props.ETag != nil {
					info.ETag = string(*props.ETag)
				}
				if props.ContentLength != nil {
					info.Size = *props.ContentLength
				}
				if props.LastModified != nil {
					info.LastModified = props.LastModified.UTC()
				}
				if props.ContentType != nil {
					info.ContentType = *props.ContentType
				}
			}
			result.Objects = append(result.Objects, info)
		}
	}
	s.logger(ctx).Trace("azure.list_objects.success", "prefix", opts.Prefix, "count", len(result.Objects))
	return result, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

func isContainerExists(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusConflict && strings.EqualFold(respErr.ErrorCode, "ContainerAlreadyExists")
}

func isPreconditionFailed(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && (respErr.StatusCode == http.StatusPreconditionFailed || respErr.StatusCode == http.StatusConflict)
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}

func wrapError(err error, msg string) error {
	wrapped := fmt.Errorf("%s: %w", msg, err)
	var respErr *azcore.ResponseError
	if storage.IsNetworkError(err) || (errors.As(err, &respErr) && storage.RetryableStatus(respErr.StatusCode)) {
		return storage.NewTransientError(wrapped)
	}
	return wrapped
}

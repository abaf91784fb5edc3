package markd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	minioCredentials "github.com/minio/minio-go/v7/pkg/credentials"

	"pkt.systems/markd/internal/clock"
	"pkt.systems/markd/internal/storage"
	awsstore "pkt.systems/markd/internal/storage/aws"
	azurestore "pkt.systems/markd/internal/storage/azure"
	"pkt.systems/markd/internal/storage/disk"
	"pkt.systems/markd/internal/storage/memory"
	"pkt.systems/markd/internal/storage/retry"
	"pkt.systems/markd/internal/storage/s3"
	"pkt.systems/markd/internal/storage/sqlite"
	"pkt.systems/pslog"
)

// CredentialSummary describes which credentials were selected for object
// storage, for logging.
type CredentialSummary struct {
	AccessKey string
	HasSecret bool
	Source    string
}

const readyTimeout = 10 * time.Second

// OpenBackend builds the storage backend cfg.Store names. Object stores are
// checked for reachability and wrapped with transient-error retries. When
// storage encryption is enabled the result seals every object.
func OpenBackend(ctx context.Context, cfg Config, logger pslog.Logger, clk clock.Clock) (storage.Backend, error) {
	crypto, err := openCrypto(cfg)
	if err != nil {
		return nil, err
	}
	backend, err := openRawBackend(ctx, cfg, logger, clk)
	if err != nil {
		crypto.Close()
		return nil, err
	}
	if crypto.Enabled() {
		logger.Info("storage.encryption.enabled", "key_file", cfg.KryptografKeyFile, "snappy", !cfg.DisableSnappy)
		return storage.Sealed(backend, crypto), nil
	}
	return backend, nil
}

func openCrypto(cfg Config) (*storage.Crypto, error) {
	if !cfg.StorageEncryption {
		return nil, nil
	}
	root, desc, err := storage.LoadKeyFile(cfg.KryptografKeyFile)
	if err != nil {
		return nil, fmt.Errorf("storage encryption: %w", err)
	}
	return storage.NewCrypto(storage.CryptoConfig{
		Enabled:    true,
		RootKey:    root,
		Descriptor: desc,
		Snappy:     !cfg.DisableSnappy,
	})
}

func openRawBackend(ctx context.Context, cfg Config, logger pslog.Logger, clk clock.Clock) (storage.Backend, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return nil, fmt.Errorf("parse store URL: %w", err)
	}
	retryLogger := logger.With("storage_backend", u.Scheme)
	switch strings.ToLower(u.Scheme) {
	case SchemeMemory, "memory", "":
		return memory.New(), nil
	case SchemeDisk:
		root, err := localPath(u)
		if err != nil {
			return nil, err
		}
		return disk.New(disk.Config{Root: root})
	case SchemeSQLite:
		path, err := localPath(u)
		if err != nil {
			return nil, err
		}
		return sqlite.Open(path)
	case SchemeS3:
		s3cfg, summary, err := BuildS3Config(cfg)
		if err != nil {
			return nil, err
		}
		logger.Info("storage.s3.credentials", "source", summary.Source, "access_key", summary.AccessKey, "has_secret", summary.HasSecret)
		store, err := s3.New(s3cfg)
		if err != nil {
			return nil, err
		}
		if err := ensureBucket(ctx, store, s3cfg.Bucket); err != nil {
			store.Close()
			return nil, err
		}
		return retry.Wrap(store, retryLogger, clk, retry.DefaultConfig), nil
	case SchemeAWS:
		awscfg, err := BuildAWSConfig(cfg)
		if err != nil {
			return nil, err
		}
		store, err := awsstore.New(awscfg)
		if err != nil {
			return nil, err
		}
		if err := ensureBucket(ctx, store, awscfg.Bucket); err != nil {
			store.Close()
			return nil, err
		}
		return retry.Wrap(store, retryLogger, clk, retry.DefaultConfig), nil
	case SchemeAzure:
		azcfg, err := BuildAzureConfig(cfg)
		if err != nil {
			return nil, err
		}
		store, err := azurestore.New(azcfg)
		if err != nil {
			return nil, err
		}
		return retry.Wrap(store, retryLogger, clk, retry.DefaultConfig), nil
	default:
		return nil, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
}

type bucketChecker interface {
	BucketExists(ctx context.Context) (bool, error)
}

func ensureBucket(ctx context.Context, store bucketChecker, bucket string) error {
	ctx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()
	exists, err := store.BucketExists(ctx)
	if err != nil {
		return fmt.Errorf("object store connectivity check failed: %w", err)
	}
	if !exists {
		return fmt.Errorf("object store bucket %s does not exist", bucket)
	}
	return nil
}

// localPath extracts the filesystem path from disk:///abs/path or
// sqlite:///abs/path.db. A host component is treated as the first path
// segment, so disk://data resolves to /data.
func localPath(u *url.URL) (string, error) {
	p := strings.TrimSpace(u.Path)
	if host := strings.TrimSpace(u.Host); host != "" {
		p = "/" + host + "/" + strings.TrimPrefix(p, "/")
	}
	if p == "" || p == "/" {
		return "", fmt.Errorf("%s store path required (e.g. %s:///var/lib/markd)", u.Scheme, u.Scheme)
	}
	return filepath.Clean(p), nil
}

// bucketAndPrefix splits "/bucket/prefix..." or host+path into bucket and
// prefix.
func bucketAndPrefix(host, path string) (string, string) {
	bucket := strings.TrimSpace(host)
	prefix := strings.Trim(path, "/")
	if bucket == "" {
		parts := strings.SplitN(prefix, "/", 2)
		bucket = parts[0]
		prefix = ""
		if len(parts) == 2 {
			prefix = parts[1]
		}
	}
	return bucket, prefix
}

// BuildS3Config parses s3://bucket[/prefix] for S3-compatible services. The
// service endpoint comes from --s3-endpoint.
func BuildS3Config(cfg Config) (s3.Config, CredentialSummary, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != SchemeS3 {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket, prefix := bucketAndPrefix(u.Host, u.Path)
	if bucket == "" {
		return s3.Config{}, CredentialSummary{}, fmt.Errorf("s3 store missing bucket (expected s3://bucket[/prefix])")
	}
	creds, summary, err := resolveS3Credentials()
	if err != nil {
		return s3.Config{}, summary, err
	}
	return s3.Config{
		Endpoint:       strings.TrimSpace(cfg.S3Endpoint),
		Region:         strings.TrimSpace(cfg.S3Region),
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       cfg.S3Insecure,
		ForcePathStyle: cfg.S3PathStyle,
		ServerSideEnc:  cfg.S3SSE,
		KMSKeyID:       cfg.S3KMSKeyID,
		CustomCreds:    creds,
	}, summary, nil
}

// BuildAWSConfig parses aws://bucket[/prefix] for AWS S3 through the AWS
// SDK. Credentials come from the SDK's default chain.
func BuildAWSConfig(cfg Config) (awsstore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return awsstore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != SchemeAWS {
		return awsstore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	bucket, prefix := bucketAndPrefix(u.Host, u.Path)
	if bucket == "" {
		return awsstore.Config{}, fmt.Errorf("aws store missing bucket (expected aws://bucket[/prefix])")
	}
	region := strings.TrimSpace(cfg.S3Region)
	if region == "" {
		return awsstore.Config{}, fmt.Errorf("aws store requires region (set --s3-region or MARKD_S3_REGION)")
	}
	return awsstore.Config{
		Endpoint:       strings.TrimSpace(cfg.S3Endpoint),
		Region:         region,
		Bucket:         bucket,
		Prefix:         prefix,
		Insecure:       cfg.S3Insecure,
		ForcePathStyle: cfg.S3PathStyle,
		ServerSideEnc:  cfg.S3SSE,
		KMSKeyID:       cfg.S3KMSKeyID,
	}, nil
}

// BuildAzureConfig parses azure://account/container[/prefix].
func BuildAzureConfig(cfg Config) (azurestore.Config, error) {
	u, err := url.Parse(cfg.Store)
	if err != nil {
		return azurestore.Config{}, fmt.Errorf("parse store URL: %w", err)
	}
	if u.Scheme != SchemeAzure {
		return azurestore.Config{}, fmt.Errorf("store scheme %q not supported", u.Scheme)
	}
	account := strings.TrimSpace(u.Host)
	if account == "" {
		account = firstEnv("AZURE_STORAGE_ACCOUNT", "AZURE_STORAGE_ACCOUNT_NAME")
	}
	if account == "" {
		return azurestore.Config{}, fmt.Errorf("azure: account name required (set azure://account/... or AZURE_STORAGE_ACCOUNT)")
	}
	path := strings.Trim(u.Path, "/")
	container, prefix, _ := strings.Cut(path, "/")
	if container == "" {
		return azurestore.Config{}, fmt.Errorf("azure store missing container (expected azure://account/container[/prefix])")
	}
	key := strings.TrimSpace(cfg.AzureKey)
	if key == "" {
		key = firstEnv("MARKD_AZURE_KEY", "AZURE_STORAGE_KEY", "AZURE_STORAGE_ACCOUNT_KEY")
	}
	sas := strings.TrimSpace(cfg.AzureSASToken)
	if sas == "" {
		sas = firstEnv("MARKD_AZURE_SAS_TOKEN", "AZURE_STORAGE_SAS_TOKEN")
	}
	return azurestore.Config{
		Account:    account,
		AccountKey: key,
		Endpoint:   strings.TrimSpace(cfg.AzureEndpoint),
		SASToken:   sas,
		Container:  container,
		Prefix:     prefix,
	}, nil
}

func resolveS3Credentials() (*minioCredentials.Credentials, CredentialSummary, error) {
	accessKey := strings.TrimSpace(os.Getenv("MARKD_S3_ACCESS_KEY_ID"))
	secretKey := os.Getenv("MARKD_S3_SECRET_ACCESS_KEY")
	sessionToken := os.Getenv("MARKD_S3_SESSION_TOKEN")
	summary := CredentialSummary{AccessKey: accessKey, HasSecret: secretKey != "", Source: "env:MARKD_S3_ACCESS_KEY_ID"}
	if accessKey == "" && secretKey == "" {
		summary.Source = "chain"
		return nil, summary, nil
	}
	if accessKey == "" || secretKey == "" {
		return nil, summary, fmt.Errorf("s3 credentials incomplete (need access key and secret key)")
	}
	return minioCredentials.NewStaticV4(accessKey, secretKey, sessionToken), summary, nil
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if val := strings.TrimSpace(os.Getenv(name)); val != "" {
			return val
		}
	}
	return ""
}

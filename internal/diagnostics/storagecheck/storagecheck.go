// Package storagecheck exercises a configured snapshot backend end to end:
// listing, conditional writes, reads, deletes and decoding the current
// snapshot. `markd verify store` prints the results.
package storagecheck

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"pkt.systems/markd"
	"pkt.systems/markd/internal/clock"
	"pkt.systems/markd/internal/storage"
	"pkt.systems/markd/internal/store"
	"pkt.systems/pslog"
)

// DiagnosticsPrefix holds the synthetic objects written by VerifyStore.
const DiagnosticsPrefix = "markd-diagnostics"

const checkTimeout = 30 * time.Second

// Result captures the outcome of store verification checks.
type Result struct {
	Provider          string
	Location          string
	Prefix            string
	Endpoint          string
	Insecure          bool
	Encrypted         bool
	Credentials       markd.CredentialSummary
	Checks            []CheckResult
	RecommendedPolicy string
}

// Passed reports whether all checks succeeded.
func (r Result) Passed() bool {
	for _, check := range r.Checks {
		if check.Err != nil {
			return false
		}
	}
	return true
}

// CheckResult is the outcome of a single verification step.
type CheckResult struct {
	Name string
	Err  error
}

// VerifyStore opens the backend cfg.Store names and runs every check against
// it. An error is returned only when cfg itself cannot be interpreted;
// failing checks are reported in Result.
func VerifyStore(ctx context.Context, cfg markd.Config, logger pslog.Logger) (Result, error) {
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	result, err := describe(cfg)
	if err != nil {
		return Result{}, err
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()

	backend, err := markd.OpenBackend(ctx, cfg, logger, clock.Real{})
	result.Checks = append(result.Checks, CheckResult{Name: "Open", Err: err})
	if err != nil {
		result.finish(cfg)
		return result, nil
	}
	defer backend.Close()

	run := func(name string, fn func(context.Context) error) {
		result.Checks = append(result.Checks, CheckResult{Name: name, Err: fn(ctx)})
	}
	key := path.Join(DiagnosticsPrefix, uuid.Must(uuid.NewV7()).String()+".json")
	payload := []byte(`{"diagnostic":true}`)
	var etag string

	run("ListObjects", func(ctx context.Context) error {
		_, err := backend.ListObjects(ctx, storage.ListOptions{Limit: 1})
		return err
	})
	run("PutObject", func(ctx context.Context) error {
		info, err := backend.PutObject(ctx, key, bytes.NewReader(payload), storage.PutObjectOptions{IfNotExists: true, ContentType: storage.ContentTypeJSON})
		if err != nil {
			return err
		}
		etag = info.ETag
		return nil
	})
	run("GetObject", func(ctx context.Context) error {
		res, err := backend.GetObject(ctx, key)
		if err != nil {
			return err
		}
		defer res.Reader.Close()
		got, err := io.ReadAll(res.Reader)
		if err != nil {
			return err
		}
		if !bytes.Equal(got, payload) {
			return fmt.Errorf("read back %d bytes that differ from the %d written", len(got), len(payload))
		}
		if cfg.StorageEncryption && res.Info != nil && res.Info.ContentType != storage.ContentTypeJSONEncrypted {
			return fmt.Errorf("object stored with content type %q, expected sealed", res.Info.ContentType)
		}
		return nil
	})
	run("ConditionalPut", func(ctx context.Context) error {
		if etag == "" {
			return errors.New("no etag from PutObject")
		}
		info, err := backend.PutObject(ctx, key, bytes.NewReader(payload), storage.PutObjectOptions{ExpectedETag: etag, ContentType: storage.ContentTypeJSON})
		if err != nil {
			return fmt.Errorf("matching etag rejected: %w", err)
		}
		_, err = backend.PutObject(ctx, key, bytes.NewReader(payload), storage.PutObjectOptions{IfNotExists: true})
		if !errors.Is(err, storage.ErrCASMismatch) {
			return fmt.Errorf("if-not-exists on an existing object returned %v", err)
		}
		etag = info.ETag
		return nil
	})
	run("DeleteObject", func(ctx context.Context) error {
		if err := backend.DeleteObject(ctx, key, storage.DeleteObjectOptions{ExpectedETag: etag}); err != nil {
			return err
		}
		if _, err := backend.GetObject(ctx, key); !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("object still readable after delete: %v", err)
		}
		return nil
	})
	run("RestoreSnapshot", func(ctx context.Context) error {
		st := store.New(store.Config{Backend: backend, Logger: logger})
		if err := st.Restore(ctx); err != nil && !errors.Is(err, store.ErrNoSnapshot) {
			return err
		}
		return nil
	})
	result.finish(cfg)
	return result, nil
}

func (r *Result) finish(cfg markd.Config) {
	if r.Provider == markd.SchemeAWS && !r.Passed() {
		r.RecommendedPolicy = buildAWSPolicy(r.Location, r.Prefix)
	}
}

func describe(cfg markd.Config) (Result, error) {
	res := Result{Provider: cfg.StoreScheme(), Encrypted: cfg.StorageEncryption}
	switch res.Provider {
	case markd.SchemeS3:
		s3cfg, creds, err := markd.BuildS3Config(cfg)
		if err != nil {
			return Result{}, err
		}
		res.Location, res.Prefix, res.Endpoint, res.Insecure, res.Credentials = s3cfg.Bucket, s3cfg.Prefix, s3cfg.Endpoint, s3cfg.Insecure, creds
	case markd.SchemeAWS:
		awscfg, err := markd.BuildAWSConfig(cfg)
		if err != nil {
			return Result{}, err
		}
		res.Location, res.Prefix, res.Endpoint, res.Insecure = awscfg.Bucket, awscfg.Prefix, awscfg.Endpoint, awscfg.Insecure
		res.Credentials = markd.CredentialSummary{Source: "aws-sdk"}
	case markd.SchemeAzure:
		azcfg, err := markd.BuildAzureConfig(cfg)
		if err != nil {
			return Result{}, err
		}
		res.Location, res.Prefix, res.Endpoint = azcfg.Account+"/"+azcfg.Container, azcfg.Prefix, azcfg.Endpoint
	default:
		u, err := url.Parse(cfg.Store)
		if err != nil {
			return Result{}, fmt.Errorf("parse store URL: %w", err)
		}
		res.Location = strings.TrimSuffix(u.Host+u.Path, "/")
	}
	return res, nil
}

func buildAWSPolicy(bucket, prefix string) string {
	objects := fmt.Sprintf("arn:aws:s3:::%s/*", bucket)
	if trim := strings.Trim(prefix, "/"); trim != "" {
		objects = fmt.Sprintf("arn:aws:s3:::%s/%s/*", bucket, trim)
	}
	policy := map[string]any{
		"Version": "2012-10-17",
		"Statement": []any{
			map[string]any{
				"Effect":   "Allow",
				"Action":   []string{"s3:ListBucket", "s3:GetBucketLocation"},
				"Resource": []string{"arn:aws:s3:::" + bucket},
			},
			map[string]any{
				"Effect":   "Allow",
				"Action":   []string{"s3:GetObject", "s3:PutObject", "s3:DeleteObject"},
				"Resource": []string{objects},
			},
		},
	}
	enc, _ := json.MarshalIndent(policy, "", "  ")
	return string(enc)
}

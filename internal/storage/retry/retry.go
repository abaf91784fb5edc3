// Package retry wraps a storage.Backend so transient failures are retried
// with exponential backoff.
package retry

import (
	"bytes"
	"context"
	"io"
	"time"

	"pkt.systems/markd/internal/clock"
	"pkt.systems/markd/internal/storage"
	"pkt.systems/pslog"
)

// Config controls retry behaviour.
type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Multiplier  float64
}

// DefaultConfig is used by the server for object-store backends.
var DefaultConfig = Config{MaxAttempts: 5, BaseDelay: 50 * time.Millisecond, MaxDelay: 2 * time.Second, Multiplier: 2}

// Wrap returns a backend that retries errors marked with
// storage.NewTransientError.
func Wrap(inner storage.Backend, logger pslog.Logger, clk clock.Clock, cfg Config) storage.Backend {
	if inner == nil {
		return nil
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultConfig.BaseDelay
	}
	if cfg.Multiplier <= 0 {
		cfg.Multiplier = DefaultConfig.Multiplier
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig.MaxDelay
	}
	if logger == nil {
		logger = pslog.NoopLogger()
	}
	return &backend{inner: inner, logger: logger, clock: clock.OrReal(clk), cfg: cfg}
}

type backend struct {
	inner  storage.Backend
	logger pslog.Logger
	clock  clock.Clock
	cfg    Config
}

func (b *backend) GetObject(ctx context.Context, key string) (*storage.GetObjectResult, error) {
	var res *storage.GetObjectResult
	err := b.do(ctx, "get_object", key, func(ctx context.Context) error {
		var err error
		res, err = b.inner.GetObject(ctx, key)
		return err
	})
	return res, err
}

// PutObject buffers body once so every attempt writes the full payload.
func (b *backend) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	payload, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	var info *storage.ObjectInfo
	err = b.do(ctx, "put_object", key, func(ctx context.Context) error {
		var err error
		info, err = b.inner.PutObject(ctx, key, bytes.NewReader(payload), opts)
		return err
	})
	return info, err
}

func (b *backend) DeleteObject(ctx context.Context, key string, opts storage.DeleteObjectOptions) error {
	return b.do(ctx, "delete_object", key, func(ctx context.Context) error {
		return b.inner.DeleteObject(ctx, key, opts)
	})
}

func (b *backend) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	var res *storage.ListResult
	err := b.do(ctx, "list_objects", opts.Prefix, func(ctx context.Context) error {
		var err error
		res, err = b.inner.ListObjects(ctx, opts)
		return err
	})
	return res, err
}

func (b *backend) Close() error { return b.inner.Close() }

func (b *backend) do(ctx context.Context, op, key string, fn func(context.Context) error) error {
	delay := b.cfg.BaseDelay
	var err error
	for attempt := 1; attempt <= b.cfg.MaxAttempts; attempt++ {
		if err = fn(ctx); err == nil || !storage.IsTransient(err) || attempt == b.cfg.MaxAttempts {
			return err
		}
		b.logger.Warn("storage.retry.transient",
			"operation", op,
			"key", key,
			"attempt", attempt,
			"max_attempts", b.cfg.MaxAttempts,
			"delay", delay,
			"error", err,
		)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.clock.Sleep(delay)
		delay = time.Duration(float64(delay) * b.cfg.Multiplier)
		if delay > b.cfg.MaxDelay {
			delay = b.cfg.MaxDelay
		}
	}
	return err
}

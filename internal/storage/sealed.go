package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
)

// Sealed wraps inner so every object body is encrypted with crypto on write
// and decrypted on read. A nil or disabled crypto returns inner unchanged.
func Sealed(inner Backend, crypto *Crypto) Backend {
	if inner == nil || !crypto.Enabled() {
		return inner
	}
	return &sealed{inner: inner, crypto: crypto}
}

type sealed struct {
	inner  Backend
	crypto *Crypto
}

func (s *sealed) GetObject(ctx context.Context, key string) (*GetObjectResult, error) {
	res, err := s.inner.GetObject(ctx, key)
	if err != nil {
		return nil, err
	}
	plain, err := s.crypto.OpenReader(res.Reader)
	if err != nil {
		res.Reader.Close()
		return nil, fmt.Errorf("open %s: %w", key, err)
	}
	return &GetObjectResult{Reader: &stackedCloser{ReadCloser: plain, under: res.Reader}, Info: res.Info}, nil
}

func (s *sealed) PutObject(ctx context.Context, key string, body io.Reader, opts PutObjectOptions) (*ObjectInfo, error) {
	plain, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	sealedBody, err := s.crypto.Seal(plain)
	if err != nil {
		return nil, fmt.Errorf("seal %s: %w", key, err)
	}
	opts.ContentType = ContentTypeJSONEncrypted
	return s.inner.PutObject(ctx, key, bytes.NewReader(sealedBody), opts)
}

func (s *sealed) DeleteObject(ctx context.Context, key string, opts DeleteObjectOptions) error {
	return s.inner.DeleteObject(ctx, key, opts)
}

func (s *sealed) ListObjects(ctx context.Context, opts ListOptions) (*ListResult, error) {
	return s.inner.ListObjects(ctx, opts)
}

func (s *sealed) Close() error {
	s.crypto.Close()
	return s.inner.Close()
}

type stackedCloser struct {
	io.ReadCloser
	under io.Closer
}

func (s *stackedCloser) Close() error {
	err := s.ReadCloser.Close()
	if uerr := s.under.Close(); err == nil {
		err = uerr
	}
	return err
}

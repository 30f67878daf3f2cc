package storage

import (
	"context"
	"io"
)

// ReadOnly wraps an adapter so reads pass through and every write or delete
// fails with ErrReadOnly. It guards backends whose entitlement has lapsed.
type ReadOnly struct {
	inner Adapter
}

// NewReadOnly wraps inner
func NewReadOnly(inner Adapter) *ReadOnly {
	return &ReadOnly{inner: inner}
}

// Unwrap returns the wrapped adapter
func (r *ReadOnly) Unwrap() Adapter { return r.inner }

func (r *ReadOnly) Store(ctx context.Context, path string, content io.Reader, contentType string) error {
	return ErrReadOnly
}

func (r *ReadOnly) Delete(ctx context.Context, path string) error {
	return ErrReadOnly
}

func (r *ReadOnly) Retrieve(ctx context.Context, path string) (io.ReadCloser, error) {
	return r.inner.Retrieve(ctx, path)
}

func (r *ReadOnly) RetrieveRange(ctx context.Context, path string, rng *ByteRange) (*Object, error) {
	return r.inner.RetrieveRange(ctx, path, rng)
}

func (r *ReadOnly) Exists(ctx context.Context, path string) (bool, error) {
	return r.inner.Exists(ctx, path)
}

func (r *ReadOnly) GetSize(ctx context.Context, path string) (int64, error) {
	return r.inner.GetSize(ctx, path)
}

func (r *ReadOnly) Stat(ctx context.Context, path string) (*ObjectInfo, error) {
	return r.inner.Stat(ctx, path)
}

func (r *ReadOnly) List(ctx context.Context, prefix string) ([]string, error) {
	return r.inner.List(ctx, prefix)
}

// SupportsStreaming forwards to the wrapped adapter
func (r *ReadOnly) SupportsStreaming() bool {
	s, ok := r.inner.(Streamer)
	return ok && s.SupportsStreaming()
}

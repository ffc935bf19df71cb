package cache

import (
	"context"
	"fmt"
	"io"

	"permagate/pkg/types"
)

// Object is a cached body with the metadata it was stored with. The caller
// must close Body.
type Object struct {
	Meta types.CacheMeta
	Body io.ReadCloser
}

// Writer persists one cache object. Nothing written becomes visible to Get
// until Commit succeeds; Discard drops everything written so far. Calling
// either after the other is a no-op.
type Writer interface {
	io.Writer
	Commit() error
	Discard() error
}

// Store is a content-address keyed byte store. Get returns an error
// wrapping types.ErrNotFound on a miss, including when a stored entry fails
// its length check.
type Store interface {
	Get(ctx context.Context, key string) (*Object, error)
	Put(ctx context.Context, key string, meta types.CacheMeta) (Writer, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	Close() error
}

func missf(key string, format string, args ...interface{}) error {
	return fmt.Errorf("%w: cache key %s: %s", types.ErrNotFound, key, fmt.Sprintf(format, args...))
}

// lengthReader fails with ErrTruncated when the wrapped body ends before or
// runs past the expected length.
type lengthReader struct {
	io.ReadCloser
	expected int64
	read     int64
}

func newLengthReader(body io.ReadCloser, expected int64) io.ReadCloser {
	if expected < 0 {
		return body
	}
	return &lengthReader{ReadCloser: body, expected: expected}
}

func (r *lengthReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.read += int64(n)
	if r.read > r.expected {
		return n, fmt.Errorf("%w: read %d of %d bytes", types.ErrTruncated, r.read, r.expected)
	}
	if err == io.EOF && r.read != r.expected {
		return n, fmt.Errorf("%w: read %d of %d bytes", types.ErrTruncated, r.read, r.expected)
	}
	return n, err
}

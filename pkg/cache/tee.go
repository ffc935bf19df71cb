package cache

import (
	"context"
	"fmt"
	"io"
	"sync/atomic"

	"permagate/pkg/types"

	"go.uber.org/zap"
)

const (
	teeBufferSize = 32 * 1024
	teeQueueDepth = 8
)

// TeeAndServe copies src to sink while persisting the same bytes under key.
// The cache write runs on its own goroutine fed through a bounded queue. A
// failure on either side, or on src, fails the call and discards the cache
// entry. When the byte count differs from meta.ContentLength the entry is
// discarded and the call still succeeds: the client already has its bytes.
func (c *Cache) TeeAndServe(ctx context.Context, key string, meta types.CacheMeta, src io.Reader, sink io.Writer) (int64, error) {
	w, err := c.Put(ctx, key, meta)
	if err != nil {
		c.logger.Warn("Cache unavailable, serving uncached",
			zap.String("key", key),
			zap.Error(err))
		return io.Copy(sink, src)
	}
	return c.teeAndServe(ctx, key, meta, w, src, sink)
}

func (c *Cache) teeAndServe(ctx context.Context, key string, meta types.CacheMeta, w Writer, src io.Reader, sink io.Writer) (int64, error) {
	pieces := make(chan []byte, teeQueueDepth)
	done := make(chan struct{})
	var aborted, failed atomic.Bool
	var writeErr error

	go func() {
		defer close(done)
		for p := range pieces {
			if aborted.Load() || failed.Load() {
				continue
			}
			if _, err := w.Write(p); err != nil {
				writeErr = err
				failed.Store(true)
			}
		}
	}()

	var n int64
	fail := func(reason string, err error) (int64, error) {
		aborted.Store(true)
		close(pieces)
		<-done
		w.Discard()
		c.metrics.CacheDiscardedWrites.WithLabelValues(reason).Inc()
		c.logger.Debug("Discarded cache write",
			zap.String("key", key),
			zap.String("reason", reason),
			zap.Int64("bytes", n),
			zap.Error(err))
		return n, err
	}

	buf := make([]byte, teeBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			return fail("cancelled", err)
		}
		if failed.Load() {
			return fail("cache", fmt.Errorf("failed to write cache entry %s: %w", key, writeErr))
		}

		nr, rerr := src.Read(buf)
		if nr > 0 {
			if _, err := sink.Write(buf[:nr]); err != nil {
				return fail("client", fmt.Errorf("failed to write response: %w", err))
			}
			n += int64(nr)

			piece := make([]byte, nr)
			copy(piece, buf[:nr])
			select {
			case pieces <- piece:
			case <-ctx.Done():
				return fail("cancelled", ctx.Err())
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			return fail("source", fmt.Errorf("failed to read source: %w", rerr))
		}
	}

	close(pieces)
	<-done
	if failed.Load() {
		w.Discard()
		c.metrics.CacheDiscardedWrites.WithLabelValues("cache").Inc()
		return n, fmt.Errorf("failed to write cache entry %s: %w", key, writeErr)
	}

	c.finish(key, meta, w, n)
	return n, nil
}

// finish commits w when n matches the declared length and discards it
// otherwise. Neither outcome is an error for the caller.
func (c *Cache) finish(key string, meta types.CacheMeta, w Writer, n int64) {
	if meta.ContentLength >= 0 && n != meta.ContentLength {
		w.Discard()
		c.metrics.CacheDiscardedWrites.WithLabelValues("truncated").Inc()
		c.logger.Warn("Discarded truncated cache write",
			zap.String("key", key),
			zap.Int64("declared", meta.ContentLength),
			zap.Int64("written", n))
		return
	}

	if err := w.Commit(); err != nil {
		c.metrics.CacheDiscardedWrites.WithLabelValues("commit").Inc()
		c.logger.Warn("Failed to commit cache write",
			zap.String("key", key),
			zap.Error(err))
	}
}

// NewTeeReader returns a reader over src that persists every byte read
// under key. Reaching EOF commits the entry subject to the length check;
// closing early, a src error or a cache write error discards it. A cache
// write error is also returned to the reader. Copying the untouched reader
// into a writer with io.Copy goes through TeeAndServe.
func (c *Cache) NewTeeReader(ctx context.Context, key string, meta types.CacheMeta, src io.ReadCloser) io.ReadCloser {
	w, err := c.Put(ctx, key, meta)
	if err != nil {
		c.logger.Warn("Cache unavailable, serving uncached",
			zap.String("key", key),
			zap.Error(err))
		return src
	}
	return &teeReader{ctx: ctx, cache: c, key: key, meta: meta, src: src, w: w}
}

type teeReader struct {
	ctx      context.Context
	cache    *Cache
	key      string
	meta     types.CacheMeta
	src      io.ReadCloser
	w        Writer
	n        int64
	finished bool
}

func (t *teeReader) Read(p []byte) (int, error) {
	n, err := t.src.Read(p)
	if n > 0 && !t.finished {
		if _, werr := t.w.Write(p[:n]); werr != nil {
			t.discard("cache")
			return n, fmt.Errorf("failed to write cache entry %s: %w", t.key, werr)
		}
		t.n += int64(n)
	}

	switch {
	case t.finished:
	case err == io.EOF:
		t.finished = true
		t.cache.finish(t.key, t.meta, t.w, t.n)
	case err != nil:
		t.discard("source")
	}
	return n, err
}

// WriteTo serves the whole body to sink with the concurrent tee when nothing
// has been read yet, and falls back to plain reads otherwise.
func (t *teeReader) WriteTo(sink io.Writer) (int64, error) {
	if t.finished || t.n > 0 {
		return io.Copy(sink, struct{ io.Reader }{t})
	}
	t.finished = true
	return t.cache.teeAndServe(t.ctx, t.key, t.meta, t.w, t.src, sink)
}

func (t *teeReader) Close() error {
	if !t.finished {
		t.discard("closed")
	}
	return t.src.Close()
}

func (t *teeReader) discard(reason string) {
	t.finished = true
	t.w.Discard()
	t.cache.metrics.CacheDiscardedWrites.WithLabelValues(reason).Inc()
	t.cache.logger.Debug("Discarded cache write",
		zap.String("key", t.key),
		zap.String("reason", reason),
		zap.Int64("bytes", t.n))
}

package cache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"permagate/pkg/metrics"
	"permagate/pkg/types"

	"go.uber.org/zap"
)

// Cache is the streaming cache tier: an optional in-memory hot tier in
// front of a durable cold store. Reads fall through hot to cold and promote
// small cold hits; writes go to both tiers.
type Cache struct {
	hot     *MemoryStore
	cold    Store
	logger  *zap.Logger
	metrics *metrics.GatewayMetrics
}

// New builds the cache tier. hot may be nil.
func New(hot *MemoryStore, cold Store, logger *zap.Logger, m *metrics.GatewayMetrics) *Cache {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Cache{hot: hot, cold: cold, logger: logger, metrics: m}
}

// Get reads key from the hot tier, then the cold tier, promoting cold hits
// that fit the hot tier.
func (c *Cache) Get(ctx context.Context, key string) (*Object, error) {
	if c.hot != nil {
		if obj, err := c.hot.Get(ctx, key); err == nil {
			c.metrics.CacheHits.WithLabelValues("hot").Inc()
			return obj, nil
		}
	}

	obj, err := c.cold.Get(ctx, key)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			c.metrics.CacheMisses.Inc()
		}
		return nil, err
	}
	c.metrics.CacheHits.WithLabelValues("cold").Inc()

	if c.hot == nil || !c.hot.Fits(obj.Meta.ContentLength) {
		return obj, nil
	}
	return c.promote(ctx, key, obj)
}

// promote copies a small cold hit into the hot tier. A body that turns out
// shorter than declared is treated as a miss.
func (c *Cache) promote(ctx context.Context, key string, obj *Object) (*Object, error) {
	defer obj.Body.Close()

	data, err := io.ReadAll(io.LimitReader(obj.Body, obj.Meta.ContentLength+1))
	if err != nil {
		if errors.Is(err, types.ErrTruncated) {
			c.metrics.CacheMisses.Inc()
			return nil, missf(key, "truncated body")
		}
		return nil, fmt.Errorf("failed to read cache entry: %w", err)
	}
	if int64(len(data)) != obj.Meta.ContentLength {
		c.metrics.CacheMisses.Inc()
		return nil, missf(key, "length mismatch")
	}

	if w, err := c.hot.Put(ctx, key, obj.Meta); err == nil {
		w.Write(data)
		w.Commit()
	}
	return &Object{Meta: obj.Meta, Body: io.NopCloser(bytes.NewReader(data))}, nil
}

// Put returns a writer for the cold tier that also fills the hot tier when
// meta fits it.
func (c *Cache) Put(ctx context.Context, key string, meta types.CacheMeta) (Writer, error) {
	cold, err := c.cold.Put(ctx, key, meta)
	if err != nil {
		return nil, err
	}

	w := &tieredWriter{cold: cold, metrics: c.metrics}
	if c.hot != nil && c.hot.Fits(meta.ContentLength) {
		if hot, err := c.hot.Put(ctx, key, meta); err == nil {
			w.hot = hot
		}
	}
	return w, nil
}

// Delete removes key from both tiers.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if c.hot != nil {
		c.hot.Delete(ctx, key)
	}
	return c.cold.Delete(ctx, key)
}

// Ping checks the cold tier.
func (c *Cache) Ping(ctx context.Context) error {
	return c.cold.Ping(ctx)
}

func (c *Cache) Close() error {
	if c.hot != nil {
		c.hot.Close()
	}
	return c.cold.Close()
}

type tieredWriter struct {
	cold    Writer
	hot     Writer
	metrics *metrics.GatewayMetrics
}

func (w *tieredWriter) Write(p []byte) (int, error) {
	n, err := w.cold.Write(p)
	if w.hot != nil && n > 0 {
		w.hot.Write(p[:n])
	}
	return n, err
}

// Commit publishes to the hot tier only after the cold tier accepted the
// object.
func (w *tieredWriter) Commit() error {
	if err := w.cold.Commit(); err != nil {
		if w.hot != nil {
			w.hot.Discard()
		}
		return err
	}
	if w.hot != nil {
		w.hot.Commit()
	}
	w.metrics.CacheWrites.Inc()
	return nil
}

func (w *tieredWriter) Discard() error {
	if w.hot != nil {
		w.hot.Discard()
	}
	return w.cold.Discard()
}

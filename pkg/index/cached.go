package index

import (
	"context"
	"errors"
	"time"

	"permagate/pkg/types"

	"github.com/jellydator/ttlcache/v3"
)

// CachedIndex keeps recently looked-up headers in memory. Misses are cached
// too, for negativeTTL, so a burst of requests for an unknown id reaches
// the next index once. Chunk locations are never cached: a chunk set grows
// until it is complete.
type CachedIndex struct {
	next        Index
	headers     *ttlcache.Cache[string, *types.ContentHeader]
	negativeTTL time.Duration
}

// NewCachedIndex caches hits for ttl and misses for negativeTTL.
func NewCachedIndex(next Index, ttl, negativeTTL time.Duration) *CachedIndex {
	headers := ttlcache.New[string, *types.ContentHeader](
		ttlcache.WithTTL[string, *types.ContentHeader](ttl),
		ttlcache.WithDisableTouchOnHit[string, *types.ContentHeader](),
	)
	go headers.Start()

	return &CachedIndex{next: next, headers: headers, negativeTTL: negativeTTL}
}

// GetHeader answers from the cache and falls through to next on a miss.
func (c *CachedIndex) GetHeader(ctx context.Context, id string) (*types.ContentHeader, error) {
	if item := c.headers.Get(id); item != nil {
		h := item.Value()
		if h == nil {
			return nil, types.NotFoundf("no header for %s", id)
		}
		copied := *h
		return &copied, nil
	}

	h, err := c.next.GetHeader(ctx, id)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) && c.negativeTTL > 0 {
			c.headers.Set(id, nil, c.negativeTTL)
		}
		return nil, err
	}

	stored := *h
	c.headers.Set(id, &stored, ttlcache.DefaultTTL)
	return h, nil
}

func (c *CachedIndex) GetChunkLocations(ctx context.Context, root string) ([]types.ChunkLocation, error) {
	return c.next.GetChunkLocations(ctx, root)
}

// Invalidate drops any cached answer for id.
func (c *CachedIndex) Invalidate(id string) {
	c.headers.Delete(id)
}

// Stop ends the expiry loop.
func (c *CachedIndex) Stop() {
	c.headers.Stop()
}

package cache

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"permagate/pkg/types"

	"github.com/dgraph-io/ristretto/v2"
)

const defaultNumCounters = 1e6

type memItem struct {
	meta types.CacheMeta
	data []byte
}

// MemoryStore is the hot tier: a cost-bounded ristretto cache holding
// objects no larger than maxItem bytes. Larger writes are dropped on Commit.
type MemoryStore struct {
	cache   *ristretto.Cache[string, *memItem]
	maxItem int64
}

// NewMemoryStore creates a hot tier of at most maxCost bytes.
func NewMemoryStore(maxCost, maxItem int64) (*MemoryStore, error) {
	if maxCost <= 0 {
		return nil, fmt.Errorf("hot cache size must be positive")
	}

	c, err := ristretto.NewCache(&ristretto.Config[string, *memItem]{
		MaxCost:     maxCost,
		NumCounters: defaultNumCounters,
		BufferItems: 64,
		Cost: func(item *memItem) int64 {
			return int64(len(item.data))
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create hot cache: %w", err)
	}
	return &MemoryStore{cache: c, maxItem: maxItem}, nil
}

// Fits reports whether an object of the given length may enter the hot tier.
func (s *MemoryStore) Fits(length int64) bool {
	return length >= 0 && (s.maxItem <= 0 || length <= s.maxItem)
}

func (s *MemoryStore) Get(ctx context.Context, key string) (*Object, error) {
	item, ok := s.cache.Get(key)
	if !ok {
		return nil, missf(key, "not in hot tier")
	}
	return &Object{Meta: item.meta, Body: io.NopCloser(bytes.NewReader(item.data))}, nil
}

func (s *MemoryStore) Put(ctx context.Context, key string, meta types.CacheMeta) (Writer, error) {
	return &bufferWriter{
		key: key,
		commit: func(data []byte) error {
			size := int64(len(data))
			if !s.Fits(size) || (meta.ContentLength >= 0 && size != meta.ContentLength) {
				return nil
			}
			item := &memItem{meta: meta, data: append([]byte(nil), data...)}
			s.cache.Set(key, item, size)
			s.cache.Wait()
			return nil
		},
	}, nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.cache.Del(key)
	return nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	s.cache.Close()
	return nil
}

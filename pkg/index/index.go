// Package index holds the metadata the resolver consults before it touches
// content: headers per id and chunk locations per data root.
package index

import (
	"context"
	"time"

	"permagate/pkg/types"
)

// Index answers the lookups the resolver needs. GetHeader returns an error
// wrapping types.ErrNotFound for unknown ids.
type Index interface {
	GetHeader(ctx context.Context, id string) (*types.ContentHeader, error)
	GetChunkLocations(ctx context.Context, root string) ([]types.ChunkLocation, error)
}

// Writer records what ingestion and import jobs learn.
type Writer interface {
	PutHeader(ctx context.Context, h types.ContentHeader) error
	PutChunkLocation(ctx context.Context, loc types.ChunkLocation) error
	SetBundleStatus(ctx context.Context, id, status string, attempts int, lastErr string) error
}

// BundleStatus is the recorded outcome of importing a bundle container.
type BundleStatus struct {
	ID        string
	Status    string
	Attempts  int
	LastError string
	UpdatedAt time.Time
}

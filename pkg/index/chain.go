package index

import (
	"context"
	"errors"

	"permagate/pkg/types"
)

// Chain asks each index in turn. The first header found wins; the first
// non-empty chunk set wins.
type Chain []Index

// GetHeader returns the first header any index knows.
func (c Chain) GetHeader(ctx context.Context, id string) (*types.ContentHeader, error) {
	var firstErr error
	for _, idx := range c {
		h, err := idx.GetHeader(ctx, id)
		if err == nil {
			return h, nil
		}
		if !errors.Is(err, types.ErrNotFound) && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return nil, firstErr
	}
	return nil, types.NotFoundf("no header for %s", id)
}

func (c Chain) GetChunkLocations(ctx context.Context, root string) ([]types.ChunkLocation, error) {
	var firstErr error
	for _, idx := range c {
		locs, err := idx.GetChunkLocations(ctx, root)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if len(locs) > 0 {
			return locs, nil
		}
	}
	return nil, firstErr
}

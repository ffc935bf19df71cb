package index

import (
	"context"
	"strconv"
	"time"

	"permagate/pkg/bundle"
	"permagate/pkg/types"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

// lookupTimeout bounds a shared origin lookup, which outlives any single
// caller's context.
const lookupTimeout = 30 * time.Second

// JSONFetcher is the racing fetch used to read transaction documents.
type JSONFetcher interface {
	FetchJSON(ctx context.Context, path string, v interface{}) error
}

// txDocument is the part of an origin's GET /tx/{id} response we read.
type txDocument struct {
	ID       string             `json:"id"`
	DataRoot string             `json:"data_root"`
	DataSize string             `json:"data_size"`
	Tags     []types.EncodedTag `json:"tags"`
}

// OriginIndex looks headers up on the origins themselves. Concurrent
// lookups for the same id share one fetch.
type OriginIndex struct {
	fetcher JSONFetcher
	group   singleflight.Group
	logger  *zap.Logger
}

// NewOriginIndex creates an index that reads headers through fetcher.
func NewOriginIndex(fetcher JSONFetcher, logger *zap.Logger) *OriginIndex {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OriginIndex{fetcher: fetcher, logger: logger}
}

// GetHeader fetches the header for id from origins. The shared fetch runs
// detached from every caller; each caller stops waiting when its own ctx
// ends.
func (o *OriginIndex) GetHeader(ctx context.Context, id string) (*types.ContentHeader, error) {
	ch := o.group.DoChan(id, func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
		defer cancel()

		var tx txDocument
		if err := o.fetcher.FetchJSON(fetchCtx, "tx/"+id, &tx); err != nil {
			return nil, err
		}
		return headerFromTx(id, tx)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Shared {
		o.logger.Debug("Shared origin header lookup", zap.String("id", id))
	}

	copied := *res.Val.(*types.ContentHeader)
	return &copied, nil
}

// GetChunkLocations always returns nothing: origins do not list the chunks
// of a root.
func (o *OriginIndex) GetChunkLocations(ctx context.Context, root string) ([]types.ChunkLocation, error) {
	return nil, nil
}

func headerFromTx(id string, tx txDocument) (*types.ContentHeader, error) {
	if tx.ID != id {
		return nil, types.Validationf("origin returned transaction %q for %s", tx.ID, id)
	}

	var size int64
	if tx.DataSize != "" {
		n, err := strconv.ParseInt(tx.DataSize, 10, 64)
		if err != nil || n < 0 {
			return nil, types.Validationf("transaction %s has invalid data_size %q", id, tx.DataSize)
		}
		size = n
	}

	tags, err := bundle.DecodeTags(tx.Tags)
	if err != nil {
		return nil, types.Validationf("transaction %s tags: %v", id, err)
	}

	return &types.ContentHeader{
		ID:          id,
		DataRoot:    tx.DataRoot,
		DataSize:    size,
		ContentType: tags.ContentType(),
		Tags:        tags,
	}, nil
}

package chunk

import (
	"context"
	"fmt"

	"permagate/pkg/cache"
	"permagate/pkg/metrics"
	"permagate/pkg/types"

	"go.uber.org/zap"
)

// UploadedChunk is the body of a chunk upload. Sizes and offsets arrive as
// decimal strings.
type UploadedChunk struct {
	DataRoot string `json:"data_root"`
	DataSize int64  `json:"data_size,string"`
	DataPath string `json:"data_path"`
	Offset   int64  `json:"offset,string"`
	Chunk    string `json:"chunk"`
}

// LocationWriter records accepted pieces.
type LocationWriter interface {
	PutChunkLocation(ctx context.Context, loc types.ChunkLocation) error
}

// Enqueuer schedules follow-up work.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload interface{}) (string, error)
}

// Ingestor accepts uploaded pieces whose inclusion proof validates against
// their data root, and only those.
type Ingestor struct {
	store   cache.Store
	index   LocationWriter
	jobs    Enqueuer
	logger  *zap.Logger
	metrics *metrics.GatewayMetrics
}

// NewIngestor builds an ingestor. jobs may be nil, in which case accepted
// pieces are not exported to origins.
func NewIngestor(store cache.Store, index LocationWriter, jobs Enqueuer, logger *zap.Logger, m *metrics.GatewayMetrics) *Ingestor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	return &Ingestor{store: store, index: index, jobs: jobs, logger: logger, metrics: m}
}

// Ingest validates c, caches the piece under its left bound and records its
// location.
func (i *Ingestor) Ingest(ctx context.Context, c UploadedChunk) (*types.ChunkLocation, error) {
	if err := types.ValidateID(c.DataRoot); err != nil {
		return nil, err
	}
	if c.DataSize <= 0 {
		return nil, types.Validationf("data_size must be positive")
	}
	if c.DataPath == "" {
		return nil, types.Validationf("data_path is required")
	}

	root, err := types.DecodeB64URL(c.DataRoot)
	if err != nil {
		return nil, types.Validationf("data_root: %v", err)
	}
	path, err := types.DecodeB64URL(c.DataPath)
	if err != nil {
		return nil, types.Validationf("data_path: %v", err)
	}
	data, err := types.DecodeB64URL(c.Chunk)
	if err != nil {
		return nil, types.Validationf("chunk: %v", err)
	}
	if len(data) == 0 || len(data) > MaxChunkSize {
		return nil, types.Validationf("chunk size %d outside 1..%d", len(data), MaxChunkSize)
	}

	result, err := ValidateChunk(root, c.DataSize, c.Offset, path, data)
	if err != nil {
		return nil, err
	}

	loc := types.ChunkLocation{
		DataRoot:  c.DataRoot,
		DataSize:  c.DataSize,
		Offset:    result.LeftBound,
		ChunkSize: result.ChunkSize,
	}

	w, err := i.store.Put(ctx, loc.Key(), types.CacheMeta{ContentLength: loc.ChunkSize})
	if err != nil {
		return nil, fmt.Errorf("failed to store chunk: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		w.Discard()
		return nil, fmt.Errorf("failed to store chunk: %w", err)
	}
	if err := w.Commit(); err != nil {
		return nil, fmt.Errorf("failed to store chunk: %w", err)
	}

	if err := i.index.PutChunkLocation(ctx, loc); err != nil {
		return nil, fmt.Errorf("failed to record chunk location: %w", err)
	}
	i.metrics.ChunksIngested.Inc()

	if i.jobs != nil {
		_, err := i.jobs.Enqueue(ctx, types.JobExportChunk, types.ChunkExport{
			DataRoot:  c.DataRoot,
			DataSize:  c.DataSize,
			DataPath:  c.DataPath,
			Offset:    loc.Offset,
			ChunkSize: loc.ChunkSize,
		})
		if err != nil {
			// The piece is stored and indexed; only the relay is lost.
			i.logger.Warn("Failed to enqueue chunk export",
				zap.String("root", c.DataRoot),
				zap.Int64("offset", loc.Offset),
				zap.Error(err))
		}
	}

	i.logger.Debug("Chunk ingested",
		zap.String("root", c.DataRoot),
		zap.Int64("offset", loc.Offset),
		zap.Int64("size", loc.ChunkSize))
	return &loc, nil
}

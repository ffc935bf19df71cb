package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"permagate/pkg/bundle"
	"permagate/pkg/cache"
	"permagate/pkg/chunk"
	"permagate/pkg/origin"
	"permagate/pkg/resolver"
	"permagate/pkg/types"

	"go.uber.org/zap"
)

// Fetcher is the racing fetch jobs relay through.
type Fetcher interface {
	Fetch(ctx context.Context, req origin.Request) (*origin.Response, error)
}

// HeaderSource looks up transaction headers, normally on origins.
type HeaderSource interface {
	GetHeader(ctx context.Context, id string) (*types.ContentHeader, error)
}

// IndexWriter is where imported headers and bundle outcomes are stored.
type IndexWriter interface {
	PutHeader(ctx context.Context, h types.ContentHeader) error
	PutHeaders(ctx context.Context, headers []types.ContentHeader) error
	SetBundleStatus(ctx context.Context, id, status string, attempts int, lastErr string) error
}

// ContentResolver resolves bundle containers by id.
type ContentResolver interface {
	Resolve(ctx context.Context, id string) (*resolver.Content, error)
}

// Invalidator drops stale cached lookups for ids whose headers were just
// written.
type Invalidator interface {
	Invalidate(id string)
}

// Enqueuer schedules follow-up jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload interface{}) (string, error)
}

// HandlerDeps are the collaborators jobs run against. Lookups may be nil.
type HandlerDeps struct {
	Fetcher  Fetcher
	Headers  HeaderSource
	Index    IndexWriter
	Lookups  Invalidator
	Resolver ContentResolver
	Pieces   cache.Store
	Jobs     Enqueuer
}

// Handlers implements the four gateway job types.
type Handlers struct {
	deps   HandlerDeps
	logger *zap.Logger
}

// NewHandlers creates the job handlers over deps.
func NewHandlers(deps HandlerDeps, logger *zap.Logger) *Handlers {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handlers{deps: deps, logger: logger}
}

// Register installs every handler on r.
func (h *Handlers) Register(r *Runner) {
	r.Handle(types.JobDispatch, HandlerFunc(h.Dispatch))
	r.Handle(types.JobImport, HandlerFunc(h.Import))
	r.Handle(types.JobImportBundle, HandlerFunc(h.ImportBundle))
	r.Handle(types.JobExportChunk, HandlerFunc(h.ExportChunk))
}

// Dispatch relays a submitted transaction document to origins.
func (h *Handlers) Dispatch(ctx context.Context, env *Envelope) error {
	var job types.DispatchJob
	if err := env.Decode(&job); err != nil {
		return permanent("%w", err)
	}
	if len(job.Raw) == 0 {
		return permanent("dispatch %s has no transaction body", job.ID)
	}

	if err := h.post(ctx, "/tx", job.Raw); err != nil {
		return fmt.Errorf("failed to dispatch %s: %w", job.ID, err)
	}
	h.logger.Info("Transaction dispatched", zap.String("id", job.ID))
	return nil
}

// Import copies a transaction header from origins into the local index and
// schedules a bundle import when the transaction declares itself one.
func (h *Handlers) Import(ctx context.Context, env *Envelope) error {
	var job types.ImportJob
	if err := env.Decode(&job); err != nil {
		return permanent("%w", err)
	}
	if err := types.ValidateID(job.ID); err != nil {
		return err
	}

	header, err := h.deps.Headers.GetHeader(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to fetch header %s: %w", job.ID, err)
	}
	if err := h.deps.Index.PutHeader(ctx, *header); err != nil {
		return err
	}
	h.invalidate(job.ID)

	if isBundle(header.Tags) && h.deps.Jobs != nil {
		if _, err := h.deps.Jobs.Enqueue(ctx, types.JobImportBundle, types.ImportJob{ID: job.ID}); err != nil {
			return fmt.Errorf("failed to schedule bundle import: %w", err)
		}
		if err := h.deps.Index.SetBundleStatus(ctx, job.ID, types.BundleStatusPending, 0, ""); err != nil {
			h.logger.Warn("Failed to record bundle status", zap.String("bundle", job.ID), zap.Error(err))
		}
	}

	h.logger.Debug("Header imported", zap.String("id", job.ID))
	return nil
}

// ImportBundle resolves a bundle container and indexes every item under it.
func (h *Handlers) ImportBundle(ctx context.Context, env *Envelope) error {
	var job types.ImportJob
	if err := env.Decode(&job); err != nil {
		return permanent("%w", err)
	}
	if err := types.ValidateID(job.ID); err != nil {
		return err
	}

	content, err := h.deps.Resolver.Resolve(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("failed to resolve bundle %s: %w", job.ID, err)
	}
	items, err := bundle.Parse(content.Body)
	// Reaching EOF lets a teed container commit to the cache.
	io.Copy(io.Discard, io.LimitReader(content.Body, bundle.MaxSize))
	content.Body.Close()
	if err != nil {
		return err
	}

	headers, err := bundle.Headers(job.ID, items)
	if err != nil {
		return err
	}
	if err := h.deps.Index.PutHeaders(ctx, headers); err != nil {
		return err
	}
	for _, hdr := range headers {
		h.invalidate(hdr.ID)
	}
	if err := h.deps.Index.SetBundleStatus(ctx, job.ID, types.BundleStatusComplete, env.Attempts+1, ""); err != nil {
		return err
	}

	h.logger.Info("Bundle imported", zap.String("id", job.ID), zap.Int("items", len(headers)))
	return nil
}

// ExportChunk re-posts an ingested piece to origins.
func (h *Handlers) ExportChunk(ctx context.Context, env *Envelope) error {
	var job types.ChunkExport
	if err := env.Decode(&job); err != nil {
		return permanent("%w", err)
	}

	key := types.ChunkKey(job.DataRoot, job.Offset)
	obj, err := h.deps.Pieces.Get(ctx, key)
	if errors.Is(err, types.ErrNotFound) {
		return permanent("piece %s is no longer cached", key)
	}
	if err != nil {
		return err
	}
	data, err := io.ReadAll(io.LimitReader(obj.Body, chunk.MaxChunkSize+1))
	obj.Body.Close()
	if err != nil {
		return fmt.Errorf("failed to read piece %s: %w", key, err)
	}
	if int64(len(data)) != job.ChunkSize {
		return permanent("piece %s holds %d bytes, expected %d", key, len(data), job.ChunkSize)
	}

	body, err := json.Marshal(chunk.UploadedChunk{
		DataRoot: job.DataRoot,
		DataSize: job.DataSize,
		DataPath: job.DataPath,
		Offset:   job.Offset,
		Chunk:    types.EncodeB64URL(data),
	})
	if err != nil {
		return permanent("%w", err)
	}

	if err := h.post(ctx, "/chunk", body); err != nil {
		return fmt.Errorf("failed to export piece %s: %w", key, err)
	}
	h.logger.Debug("Chunk exported", zap.String("root", job.DataRoot), zap.Int64("offset", job.Offset))
	return nil
}

func (h *Handlers) post(ctx context.Context, path string, body []byte) error {
	header := make(http.Header)
	header.Set("Content-Type", "application/json")

	resp, err := h.deps.Fetcher.Fetch(ctx, origin.Request{
		Method: http.MethodPost,
		Path:   path,
		Body:   body,
		Header: header,
	})
	if err != nil {
		return err
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	return resp.Body.Close()
}

func (h *Handlers) invalidate(id string) {
	if h.deps.Lookups != nil {
		h.deps.Lookups.Invalidate(id)
	}
}

func isBundle(tags types.Tags) bool {
	format, ok := tags.Get("Bundle-Format")
	return ok && strings.EqualFold(format, "json")
}

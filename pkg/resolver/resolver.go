// Package resolver turns a content id into a byte stream. It tries, in
// order, the cache tier, chunk reconstruction, the parent bundle and finally
// a racing fetch against origins, and re-enters itself for manifests and
// bundles under a shared depth limit.
package resolver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"permagate/pkg/bundle"
	"permagate/pkg/cache"
	"permagate/pkg/chunk"
	"permagate/pkg/index"
	"permagate/pkg/manifest"
	"permagate/pkg/metrics"
	"permagate/pkg/origin"
	"permagate/pkg/types"

	"go.uber.org/zap"
)

const DefaultMaxDepth = 8

// Stage names reported in Content.Source and the resolution metrics.
const (
	SourceCache  = "cache"
	SourceChunks = "chunks"
	SourceBundle = "bundle"
	SourceOrigin = "origin"

	// SourceIndex marks a Stat answered from an index header alone.
	SourceIndex = "index"
)

// Content is a resolved id. The caller must close Body.
type Content struct {
	ID            string
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64
	Source        string
}

// Fetcher is the racing fetch used for the origin stage.
type Fetcher interface {
	Fetch(ctx context.Context, req origin.Request) (*origin.Response, error)
}

// Enqueuer schedules header imports for ids only origins knew about.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload interface{}) (string, error)
}

// Deps are the stages a Resolver tries. Any of them may be nil.
type Deps struct {
	Cache   *cache.Cache
	Index   index.Index
	Fetcher Fetcher
	Chunks  *chunk.Reconstructor
	Jobs    Enqueuer
}

// Config bounds manifest and bundle recursion.
type Config struct {
	MaxDepth int
}

// Resolver runs the retrieval stages for an id.
type Resolver struct {
	deps     Deps
	maxDepth int
	logger   *zap.Logger
	metrics  *metrics.GatewayMetrics
}

// New creates a Resolver. MaxDepth defaults to DefaultMaxDepth.
func New(deps Deps, cfg Config, logger *zap.Logger, m *metrics.GatewayMetrics) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultMaxDepth
	}
	return &Resolver{deps: deps, maxDepth: cfg.MaxDepth, logger: logger, metrics: m}
}

// Resolve returns the raw content of id.
func (r *Resolver) Resolve(ctx context.Context, id string) (*Content, error) {
	return r.resolve(ctx, id, 0)
}

// ResolvePath resolves id and, when it is a path manifest, follows subpath
// through it. Nested manifests are followed until a non-manifest is found.
func (r *Resolver) ResolvePath(ctx context.Context, id, subpath string) (*Content, error) {
	return r.resolvePath(ctx, id, subpath, 0)
}

// Stat describes what ResolvePath would return without retrieving the body.
// Cached objects and indexed headers answer directly; manifests and unknown
// ids fall back to a full resolution. The returned Body must still be closed.
func (r *Resolver) Stat(ctx context.Context, id, subpath string) (*Content, error) {
	if trimmed(subpath) != "" {
		return r.ResolvePath(ctx, id, subpath)
	}
	if err := types.ValidateID(id); err != nil {
		return nil, err
	}

	if c := r.fromCache(ctx, id); c != nil {
		c.Body.Close()
		if !manifest.IsManifest(c.ContentType) {
			c.Body = http.NoBody
			return c, nil
		}
	} else if h := r.header(ctx, id); h != nil {
		contentType := orDefault(headerContentType(h))
		if !manifest.IsManifest(contentType) {
			return &Content{
				ID:            id,
				Body:          http.NoBody,
				ContentType:   contentType,
				ContentLength: h.DataSize,
				Source:        SourceIndex,
			}, nil
		}
	}
	return r.ResolvePath(ctx, id, subpath)
}

func (r *Resolver) resolvePath(ctx context.Context, id, subpath string, depth int) (*Content, error) {
	if depth > r.maxDepth {
		return nil, fmt.Errorf("%w: manifest chain at %s", types.ErrDepthExceeded, id)
	}

	c, err := r.resolve(ctx, id, depth)
	if err != nil {
		return nil, err
	}
	if !manifest.IsManifest(c.ContentType) {
		if trimmed(subpath) != "" {
			c.Body.Close()
			return nil, types.NotFoundf("%s is not a manifest, no path %q", id, subpath)
		}
		return c, nil
	}

	m, err := manifest.Parse(c.Body)
	drain(c.Body, manifest.MaxSize)
	c.Body.Close()
	if err != nil {
		return nil, err
	}

	if trimmed(subpath) == "" && (m.Index == nil || m.Index.Path == "") {
		// No index document: serve the manifest itself.
		return r.resolve(ctx, id, depth)
	}

	target, err := manifest.ResolvePath(m, subpath)
	if err != nil {
		return nil, err
	}
	r.logger.Debug("Manifest path resolved",
		zap.String("manifest", id),
		zap.String("path", subpath),
		zap.String("target", target))
	return r.resolvePath(ctx, target, "", depth+1)
}

func (r *Resolver) resolve(ctx context.Context, id string, depth int) (*Content, error) {
	if depth > r.maxDepth {
		return nil, fmt.Errorf("%w: bundle chain at %s", types.ErrDepthExceeded, id)
	}
	if err := types.ValidateID(id); err != nil {
		return nil, err
	}

	start := time.Now()
	c, err := r.stages(ctx, id, depth)
	if err != nil {
		return nil, err
	}

	r.metrics.Resolutions.WithLabelValues(c.Source).Inc()
	if depth == 0 {
		r.metrics.ResolveLatency.Observe(time.Since(start).Seconds())
	}
	r.logger.Debug("Content resolved",
		zap.String("id", id),
		zap.String("source", c.Source),
		zap.Int64("length", c.ContentLength),
		zap.Int("depth", depth))
	return c, nil
}

// stages tries each retrieval path at most once.
func (r *Resolver) stages(ctx context.Context, id string, depth int) (*Content, error) {
	if c := r.fromCache(ctx, id); c != nil {
		return c, nil
	}

	header := r.header(ctx, id)

	if header.Chunked() {
		c, err := r.fromChunks(ctx, header)
		if err == nil {
			return c, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Debug("Chunk stage failed", zap.String("id", id), zap.Error(err))
	}

	if header != nil && header.Parent != "" {
		c, err := r.fromBundle(ctx, header, depth)
		if err == nil {
			return c, nil
		}
		if errors.Is(err, types.ErrDepthExceeded) {
			return nil, err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		r.logger.Debug("Bundle stage failed", zap.String("id", id), zap.Error(err))
	}

	return r.fromOrigin(ctx, id, header)
}

func (r *Resolver) fromCache(ctx context.Context, id string) *Content {
	if r.deps.Cache == nil {
		return nil
	}
	obj, err := r.deps.Cache.Get(ctx, id)
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			r.logger.Warn("Cache read failed", zap.String("id", id), zap.Error(err))
		}
		return nil
	}
	return &Content{
		ID:            id,
		Body:          obj.Body,
		ContentType:   orDefault(obj.Meta.ContentType),
		ContentLength: obj.Meta.ContentLength,
		Source:        SourceCache,
	}
}

// header returns nil when no index knows id; lookup failures count as
// unknown.
func (r *Resolver) header(ctx context.Context, id string) *types.ContentHeader {
	if r.deps.Index == nil {
		return nil
	}
	h, err := r.deps.Index.GetHeader(ctx, id)
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			r.logger.Warn("Header lookup failed", zap.String("id", id), zap.Error(err))
		}
		return nil
	}
	return h
}

func (r *Resolver) fromChunks(ctx context.Context, h *types.ContentHeader) (*Content, error) {
	if r.deps.Chunks == nil {
		return nil, types.NotFoundf("no chunk store")
	}
	locs, err := r.deps.Index.GetChunkLocations(ctx, h.DataRoot)
	if err != nil {
		return nil, err
	}
	if _, ok := chunk.Complete(h.DataSize, locs); !ok {
		return nil, types.NotFoundf("chunk set for %s incomplete", h.DataRoot)
	}

	stream, err := r.deps.Chunks.Assemble(ctx, h.DataRoot, h.DataSize, locs)
	if err != nil {
		return nil, err
	}

	contentType := headerContentType(h)
	return &Content{
		ID:            h.ID,
		Body:          r.tee(ctx, h.ID, contentType, h.DataSize, stream),
		ContentType:   contentType,
		ContentLength: h.DataSize,
		Source:        SourceChunks,
	}, nil
}

func (r *Resolver) fromBundle(ctx context.Context, h *types.ContentHeader, depth int) (*Content, error) {
	parent, err := r.resolve(ctx, h.Parent, depth+1)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve parent %s: %w", h.Parent, err)
	}

	items, err := bundle.Parse(parent.Body)
	drain(parent.Body, bundle.MaxSize)
	parent.Body.Close()
	if err != nil {
		return nil, err
	}

	item, err := bundle.ResolveItem(items, h.ID)
	if err != nil {
		return nil, err
	}

	size := int64(len(item.Data))
	return &Content{
		ID:            h.ID,
		Body:          r.tee(ctx, h.ID, item.ContentType, size, io.NopCloser(bytes.NewReader(item.Data))),
		ContentType:   item.ContentType,
		ContentLength: size,
		Source:        SourceBundle,
	}, nil
}

func (r *Resolver) fromOrigin(ctx context.Context, id string, h *types.ContentHeader) (*Content, error) {
	if r.deps.Fetcher == nil {
		return nil, types.NotFoundf("%s not cached and no origins configured", id)
	}

	resp, err := r.deps.Fetcher.Fetch(ctx, origin.Request{Path: id, Accept: origin.AcceptOK})
	if err != nil {
		if errors.Is(err, types.ErrNotFound) || errors.Is(err, types.ErrUpstreamUnavailable) || ctx.Err() != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", types.ErrNotFound, id, err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" && h != nil {
		contentType = headerContentType(h)
	}
	contentType = orDefault(contentType)

	length := resp.ContentLength()
	if length < 0 && h != nil && h.DataSize > 0 && h.DataRoot != "" {
		length = h.DataSize
	}

	if h == nil && r.deps.Jobs != nil {
		if _, err := r.deps.Jobs.Enqueue(ctx, types.JobImport, types.ImportJob{ID: id}); err != nil {
			r.logger.Debug("Failed to schedule header import", zap.String("id", id), zap.Error(err))
		}
	}

	return &Content{
		ID:            id,
		Body:          r.tee(ctx, id, contentType, length, resp.Body),
		ContentType:   contentType,
		ContentLength: length,
		Source:        SourceOrigin,
	}, nil
}

// tee persists body under id while it is read. Bodies of unknown length are
// served uncached: a cache entry must carry the length it was checked
// against.
func (r *Resolver) tee(ctx context.Context, id, contentType string, length int64, body io.ReadCloser) io.ReadCloser {
	if r.deps.Cache == nil || length < 0 {
		return body
	}
	return r.deps.Cache.NewTeeReader(ctx, id, types.CacheMeta{
		ContentType:   contentType,
		ContentLength: length,
	}, body)
}

func headerContentType(h *types.ContentHeader) string {
	if h.ContentType != "" {
		return h.ContentType
	}
	return h.Tags.ContentType()
}

func orDefault(contentType string) string {
	if contentType == "" {
		return types.DefaultContentType
	}
	return contentType
}

func trimmed(subpath string) string {
	return strings.Trim(subpath, "/")
}

// drain reads what a decoder left behind so a tee reader reaches EOF and
// commits.
func drain(r io.Reader, limit int64) {
	io.Copy(io.Discard, io.LimitReader(r, limit))
}

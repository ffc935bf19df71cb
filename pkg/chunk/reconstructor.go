package chunk

import (
	"context"
	"errors"
	"fmt"
	"io"

	"permagate/pkg/cache"
	"permagate/pkg/metrics"
	"permagate/pkg/origin"
	"permagate/pkg/types"

	"go.uber.org/zap"
)

const DefaultPrefetch = 4

// Fetcher is the racing fetch used for pieces missing from the cache.
type Fetcher interface {
	Fetch(ctx context.Context, req origin.Request) (*origin.Response, error)
}

// Reconstructor turns a complete chunk set back into one ordered stream.
// Pieces are read from the cache tier and, on a miss, raced from origins.
// Proofs are not re-checked here: only pieces accepted at ingestion or
// served by an origin for the exact (root, offset) are ever read.
type Reconstructor struct {
	store    cache.Store
	fetcher  Fetcher
	prefetch int
	logger   *zap.Logger
	metrics  *metrics.GatewayMetrics
}

// NewReconstructor creates a Reconstructor that keeps up to prefetch chunk
// reads in flight.
func NewReconstructor(store cache.Store, fetcher Fetcher, prefetch int, logger *zap.Logger, m *metrics.GatewayMetrics) *Reconstructor {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	if prefetch <= 0 {
		prefetch = DefaultPrefetch
	}
	return &Reconstructor{
		store:    store,
		fetcher:  fetcher,
		prefetch: prefetch,
		logger:   logger,
		metrics:  m,
	}
}

// Assemble starts a reconstruction of root. It refuses to start unless locs
// cover exactly size bytes; nothing is fetched for an incomplete set.
func (r *Reconstructor) Assemble(ctx context.Context, root string, size int64, locs []types.ChunkLocation) (*Stream, error) {
	sorted, ok := Complete(size, locs)
	if !ok {
		return nil, types.Validationf("incomplete chunk set for %s: %d pieces do not cover %d bytes", root, len(locs), size)
	}

	r.metrics.ChunkReconstructions.Inc()
	r.logger.Debug("Assembling chunked content",
		zap.String("root", root),
		zap.Int64("size", size),
		zap.Int("pieces", len(sorted)))

	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		ctx:     ctx,
		cancel:  cancel,
		size:    size,
		root:    root,
		locs:    sorted,
		results: make([]chan pieceResult, len(sorted)),
		fetch:   r.piece,
	}
	for i := 0; i < len(sorted) && i < r.prefetch; i++ {
		s.start(i)
	}
	s.launched = min(r.prefetch, len(sorted))
	return s, nil
}

func (r *Reconstructor) piece(ctx context.Context, root string, loc types.ChunkLocation) ([]byte, error) {
	key := types.ChunkKey(root, loc.Offset)

	if data, ok := r.cached(ctx, key, loc.ChunkSize); ok {
		r.metrics.ChunkPieces.WithLabelValues("cache").Inc()
		return data, nil
	}
	if r.fetcher == nil {
		return nil, types.NotFoundf("chunk at offset %d of %s not cached", loc.Offset, root)
	}

	resp, err := r.fetcher.Fetch(ctx, origin.Request{
		Path:   fmt.Sprintf("chunk/%s/%d", root, loc.Offset),
		Accept: origin.AcceptOK,
	})
	if err != nil {
		return nil, fmt.Errorf("chunk at offset %d of %s: %w", loc.Offset, root, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, loc.ChunkSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read chunk at offset %d of %s: %w", loc.Offset, root, err)
	}
	if int64(len(data)) != loc.ChunkSize {
		return nil, fmt.Errorf("%w: chunk at offset %d of %s is %d bytes from %s, want %d",
			types.ErrTruncated, loc.Offset, root, len(data), resp.Host, loc.ChunkSize)
	}
	r.metrics.ChunkPieces.WithLabelValues("origin").Inc()

	if w, err := r.store.Put(ctx, key, types.CacheMeta{ContentLength: loc.ChunkSize}); err == nil {
		if _, err := w.Write(data); err != nil {
			w.Discard()
		} else if err := w.Commit(); err != nil {
			r.logger.Warn("Failed to cache chunk", zap.String("key", key), zap.Error(err))
		}
	}
	return data, nil
}

func (r *Reconstructor) cached(ctx context.Context, key string, size int64) ([]byte, bool) {
	obj, err := r.store.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, types.ErrNotFound) {
			r.logger.Warn("Chunk cache read failed", zap.String("key", key), zap.Error(err))
		}
		return nil, false
	}
	defer obj.Body.Close()

	data, err := io.ReadAll(io.LimitReader(obj.Body, size+1))
	if err != nil || int64(len(data)) != size {
		return nil, false
	}
	return data, true
}

type pieceResult struct {
	data []byte
	err  error
}

// Stream yields the pieces of one reconstruction in ascending offset order.
// Up to the prefetch window of upcoming pieces are fetched concurrently; a
// piece that completes early waits until every earlier piece was emitted.
// A Stream is not restartable.
type Stream struct {
	ctx      context.Context
	cancel   context.CancelFunc
	size     int64
	root     string
	locs     []types.ChunkLocation
	results  []chan pieceResult
	fetch    func(ctx context.Context, root string, loc types.ChunkLocation) ([]byte, error)
	next     int
	launched int
	err      error

	current []byte
}

func (s *Stream) start(i int) {
	ch := make(chan pieceResult, 1)
	s.results[i] = ch
	loc := s.locs[i]
	go func() {
		data, err := s.fetch(s.ctx, s.root, loc)
		ch <- pieceResult{data: data, err: err}
	}()
}

// Size is the total length of the reconstructed content.
func (s *Stream) Size() int64 {
	return s.size
}

// Next returns the next piece, or io.EOF after the last one. Any failure is
// sticky and cancels the outstanding fetches.
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	if s.err != nil {
		return nil, s.err
	}
	if s.next >= len(s.locs) {
		s.cancel()
		s.err = io.EOF
		return nil, io.EOF
	}

	var res pieceResult
	select {
	case res = <-s.results[s.next]:
	case <-ctx.Done():
		return nil, s.fail(ctx.Err())
	case <-s.ctx.Done():
		return nil, s.fail(s.ctx.Err())
	}
	if res.err != nil {
		return nil, s.fail(res.err)
	}

	s.results[s.next] = nil
	s.next++
	if s.launched < len(s.locs) {
		s.start(s.launched)
		s.launched++
	}
	return res.data, nil
}

func (s *Stream) fail(err error) error {
	s.err = err
	s.cancel()
	return err
}

// Read implements io.Reader over Next.
func (s *Stream) Read(p []byte) (int, error) {
	for len(s.current) == 0 {
		piece, err := s.Next(s.ctx)
		if err != nil {
			return 0, err
		}
		s.current = piece
	}
	n := copy(p, s.current)
	s.current = s.current[n:]
	return n, nil
}

// Close abandons the reconstruction and cancels pending fetches.
func (s *Stream) Close() error {
	if s.err == nil {
		s.err = errors.New("chunk stream closed")
	}
	s.cancel()
	return nil
}

// Package server is the gateway's HTTP surface: content by id and path,
// chunk and transaction submission, health and metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"permagate/pkg/chunk"
	"permagate/pkg/metrics"
	"permagate/pkg/resolver"
	"permagate/pkg/types"

	"github.com/jellydator/ttlcache/v3"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
)

const (
	DefaultReadTimeout  = 30 * time.Second
	DefaultWriteTimeout = 10 * time.Minute

	maxChunkBody = 2 * 1024 * 1024
	maxTxBody    = 16 * 1024 * 1024
)

// Resolver maps an id and optional manifest path to content.
type Resolver interface {
	ResolvePath(ctx context.Context, id, subpath string) (*resolver.Content, error)
}

// Stater describes content without retrieving it. HEAD requests use it when
// the Resolver provides it.
type Stater interface {
	Stat(ctx context.Context, id, subpath string) (*resolver.Content, error)
}

// Ingestor accepts uploaded chunks.
type Ingestor interface {
	Ingest(ctx context.Context, c chunk.UploadedChunk) (*types.ChunkLocation, error)
}

// Enqueuer schedules background jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, jobType string, payload interface{}) (string, error)
}

// Origins exposes the ranked origin list.
type Origins interface {
	Snapshot() []types.OriginNode
}

// Pinger is anything whose reachability the health endpoints report.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Config holds the listener addresses, timeouts and per-client rate limit.
type Config struct {
	Address       string
	HealthAddress string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration

	// RequestsPerSecond of zero disables rate limiting.
	RequestsPerSecond float64
	Burst             int
}

// Deps are the collaborators behind the routes. Ingestor, Jobs and Queue may
// be nil, which switches their endpoints off.
type Deps struct {
	Resolver Resolver
	Ingestor Ingestor
	Jobs     Enqueuer
	Origins  Origins
	Cache    Pinger
	Queue    Pinger
	Gatherer prometheus.Gatherer
}

// Server serves the HTTP API and the gRPC health service.
type Server struct {
	cfg     Config
	deps    Deps
	logger  *zap.Logger
	metrics *metrics.GatewayMetrics

	mux      *http.ServeMux
	handler  http.Handler
	limiters *ttlcache.Cache[string, *rate.Limiter]

	httpServer   *http.Server
	listener     net.Listener
	grpcServer   *grpc.Server
	grpcListener net.Listener
	health       *health.Server

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Server with its routes and middleware wired.
func New(cfg Config, deps Deps, logger *zap.Logger, m *metrics.GatewayMetrics) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.Burst <= 0 {
		cfg.Burst = max(1, int(cfg.RequestsPerSecond))
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		logger:  logger,
		metrics: m,
		mux:     http.NewServeMux(),
		stopCh:  make(chan struct{}),
	}

	if cfg.RequestsPerSecond > 0 {
		s.limiters = ttlcache.New[string, *rate.Limiter](
			ttlcache.WithTTL[string, *rate.Limiter](time.Minute),
			ttlcache.WithDisableTouchOnHit[string, *rate.Limiter](),
		)
		go s.limiters.Start()
	}

	s.routes()
	s.handler = s.logRequests(s.rateLimit(s.mux))
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /{$}", s.handleInfo)
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /health/live", s.handleLiveness)
	s.mux.HandleFunc("GET /health/ready", s.handleReadiness)
	s.mux.Handle("GET /metrics", s.metricsHandler())

	s.mux.HandleFunc("POST /chunk", s.handleChunk)
	s.mux.HandleFunc("POST /tx", s.handleTx)

	s.mux.HandleFunc("GET /{id}", s.handleContent)
	s.mux.HandleFunc("GET /{id}/{path...}", s.handleContent)
}

// Handler returns the full middleware-wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start binds the HTTP listener, and the gRPC health listener when one is
// configured, and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Address, err)
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		ErrorLog:          zap.NewStdLog(s.logger.Named("http")),
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server failed", zap.Error(err))
		}
	}()

	if s.cfg.HealthAddress != "" {
		if err := s.startHealthServer(); err != nil {
			s.httpServer.Close()
			return err
		}
	}

	s.logger.Info("Gateway listening",
		zap.String("address", listener.Addr().String()),
		zap.String("health_address", s.cfg.HealthAddress))
	return nil
}

// Addr returns the bound HTTP address once started.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.Address
	}
	return s.listener.Addr().String()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}
	if s.grpcServer != nil {
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
	}
	if s.limiters != nil {
		s.limiters.Stop()
	}
	s.wg.Wait()

	s.logger.Info("Gateway stopped")
	return err
}

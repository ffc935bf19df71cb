package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"permagate/pkg/cache"
	"permagate/pkg/chunk"
	"permagate/pkg/config"
	"permagate/pkg/index"
	"permagate/pkg/metrics"
	"permagate/pkg/origin"
	"permagate/pkg/queue"
	"permagate/pkg/resolver"
	"permagate/pkg/server"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// gateway is every component of a running node, wired from one Config.
type gateway struct {
	cfg      *config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	metrics  *metrics.GatewayMetrics

	origins  *origin.Registry
	fetcher  *origin.Fetcher
	cache    *cache.Cache
	sqlite   *index.SQLiteIndex
	headers  *index.CachedIndex
	resolver *resolver.Resolver
	ingestor *chunk.Ingestor

	redis  *redis.Client
	queue  *queue.RedisQueue
	runner *queue.Runner
	jobs   server.Enqueuer
}

func newGateway(cfg *config.Config, logger *zap.Logger) (*gateway, error) {
	g := &gateway{
		cfg:      cfg,
		logger:   logger,
		registry: prometheus.NewRegistry(),
	}
	g.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	g.metrics = metrics.NewGatewayMetrics(g.registry)

	g.origins = g.originRegistry()
	g.fetcher = origin.NewFetcher(originClient, g.origins, origin.FetcherConfig{
		Stagger:        cfg.Origins.Stagger.Std(),
		AttemptTimeout: cfg.Origins.AttemptTimeout.Std(),
		MaxCandidates:  cfg.Origins.MaxCandidates,
	}, logger.Named("fetcher"), g.metrics)

	var err error
	if g.cache, err = openCache(cfg.Cache, logger.Named("cache"), g.metrics); err != nil {
		return nil, err
	}

	if dir := filepath.Dir(cfg.Index.Path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			g.Close()
			return nil, fmt.Errorf("failed to create index directory: %w", err)
		}
	}
	if g.sqlite, err = index.OpenSQLite(cfg.Index.Path, logger.Named("index")); err != nil {
		g.Close()
		return nil, err
	}
	g.headers = index.NewCachedIndex(g.sqlite, cfg.Index.HeaderTTL.Std(), cfg.Index.NegativeTTL.Std())

	originIndex := index.NewOriginIndex(g.fetcher, logger.Named("origin-index"))
	var lookups index.Index = g.headers
	if cfg.Index.OriginLookup {
		lookups = index.Chain{g.headers, originIndex}
	}

	if cfg.Queue.RedisAddress != "" {
		g.redis = redis.NewClient(&redis.Options{Addr: cfg.Queue.RedisAddress})
		g.queue = queue.NewRedisQueue(g.redis, cfg.Queue.Prefix, logger.Named("queue"), g.metrics)
		g.jobs = g.queue
	}

	chunks := chunk.NewReconstructor(g.cache, g.fetcher, cfg.Resolver.ChunkPrefetch, logger.Named("chunks"), g.metrics)
	g.ingestor = chunk.NewIngestor(g.cache, g.sqlite, g.jobs, logger.Named("ingest"), g.metrics)
	g.resolver = resolver.New(resolver.Deps{
		Cache:   g.cache,
		Index:   lookups,
		Fetcher: g.fetcher,
		Chunks:  chunks,
		Jobs:    g.jobs,
	}, resolver.Config{MaxDepth: cfg.Resolver.MaxDepth}, logger.Named("resolver"), g.metrics)

	if g.queue != nil {
		g.runner = queue.NewRunner(g.queue, queue.RunnerConfig{
			Workers:           cfg.Queue.Workers,
			Lease:             cfg.Queue.Lease.Std(),
			MaxBundleAttempts: cfg.Queue.MaxBundleAttempts,
			RetryBase:         cfg.Queue.RetryBase.Std(),
			RetryMax:          cfg.Queue.RetryMax.Std(),
		}, g.sqlite, logger.Named("runner"), g.metrics)

		queue.NewHandlers(queue.HandlerDeps{
			Fetcher:  g.fetcher,
			Headers:  originIndex,
			Index:    g.sqlite,
			Lookups:  g.headers,
			Resolver: g.resolver,
			Pieces:   g.cache,
			Jobs:     g.queue,
		}, logger.Named("jobs")).Register(g.runner)
	}

	return g, nil
}

var originClient = &http.Client{}

func (g *gateway) originRegistry() *origin.Registry {
	reg := origin.NewRegistry(origin.RegistryConfig{
		RefreshInterval: g.cfg.Origins.RefreshInterval.Std(),
		PingTimeout:     g.cfg.Origins.PingTimeout.Std(),
	}, originClient, g.logger.Named("origins"), g.metrics)
	reg.Configure(g.cfg.Origins.Hosts)
	return reg
}

func openCache(cfg config.CacheConfig, logger *zap.Logger, m *metrics.GatewayMetrics) (*cache.Cache, error) {
	var (
		cold cache.Store
		err  error
	)
	switch cfg.Backend {
	case config.CacheBadger:
		cold, err = cache.NewBadgerStore(cfg.Dir, logger)
	case config.CacheS3:
		cold, err = cache.NewS3Store(cache.S3Options{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			PathStyle:       cfg.S3.PathStyle,
			Prefix:          cfg.S3.Prefix,
		}, logger)
	default:
		cold, err = cache.NewFSStore(cfg.Dir, cfg.VerifyDigests, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open %s cache: %w", cfg.Backend, err)
	}

	var hot *cache.MemoryStore
	if cfg.HotSize > 0 {
		if hot, err = cache.NewMemoryStore(int64(cfg.HotSize), int64(cfg.HotMaxItem)); err != nil {
			cold.Close()
			return nil, err
		}
	}

	logger.Info("Cache ready",
		zap.String("backend", string(cfg.Backend)),
		zap.Bool("hot_tier", hot != nil))
	return cache.New(hot, cold, logger, m), nil
}

func (g *gateway) server() *server.Server {
	deps := server.Deps{
		Resolver: g.resolver,
		Ingestor: g.ingestor,
		Jobs:     g.jobs,
		Origins:  g.origins,
		Cache:    g.cache,
		Gatherer: g.registry,
	}
	if g.queue != nil {
		deps.Queue = g.queue
	}

	return server.New(server.Config{
		Address:           g.cfg.Server.Address,
		HealthAddress:     g.cfg.Server.HealthAddress,
		ReadTimeout:       g.cfg.Server.ReadTimeout.Std(),
		WriteTimeout:      g.cfg.Server.WriteTimeout.Std(),
		RequestsPerSecond: g.cfg.Limits.RequestsPerSecond,
		Burst:             g.cfg.Limits.Burst,
	}, deps, g.logger.Named("http"), g.metrics)
}

// start launches the background loops: origin refresh and, with a queue,
// the job runner.
func (g *gateway) start(ctx context.Context) error {
	if g.queue != nil {
		if err := g.queue.Ping(ctx); err != nil {
			return fmt.Errorf("failed to reach redis at %s: %w", g.cfg.Queue.RedisAddress, err)
		}
		g.runner.Start(ctx)
	}
	g.origins.Start(ctx)
	return nil
}

// Close stops the background loops and releases every store. Safe on a
// partially built gateway.
func (g *gateway) Close() {
	if g.runner != nil {
		g.runner.Stop()
	}
	if g.origins != nil {
		g.origins.Stop()
	}
	if g.headers != nil {
		g.headers.Stop()
	}
	if g.redis != nil {
		if err := g.redis.Close(); err != nil {
			g.logger.Warn("Failed to close redis client", zap.Error(err))
		}
	}
	if g.sqlite != nil {
		if err := g.sqlite.Close(); err != nil {
			g.logger.Warn("Failed to close index", zap.Error(err))
		}
	}
	if g.cache != nil {
		if err := g.cache.Close(); err != nil {
			g.logger.Warn("Failed to close cache", zap.Error(err))
		}
	}
}

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// GatewayMetrics holds every collector the gateway exports.
type GatewayMetrics struct {
	// Origin metrics
	OriginsOnline      prometheus.Gauge
	OriginResponseTime *prometheus.GaugeVec
	OriginHeight       *prometheus.GaugeVec

	// Race metrics
	RaceAttempts  prometheus.Counter
	RaceWins      *prometheus.CounterVec
	RaceCancelled prometheus.Counter
	RaceFailures  *prometheus.CounterVec
	RaceLatency   prometheus.Histogram

	// Cache metrics
	CacheHits            *prometheus.CounterVec
	CacheMisses          prometheus.Counter
	CacheWrites          prometheus.Counter
	CacheDiscardedWrites *prometheus.CounterVec

	// Chunk metrics
	ChunkReconstructions prometheus.Counter
	ChunkPieces          *prometheus.CounterVec
	ChunksIngested       prometheus.Counter

	// Resolution metrics
	Resolutions    *prometheus.CounterVec
	ResolveLatency prometheus.Histogram
	RateLimited    prometheus.Counter

	// Job metrics
	JobsEnqueued  *prometheus.CounterVec
	JobsCompleted *prometheus.CounterVec
	JobsFailed    *prometheus.CounterVec
	JobsReclaimed prometheus.Counter
}

// NewGatewayMetrics creates and registers the gateway collectors.
func NewGatewayMetrics(registry prometheus.Registerer) *GatewayMetrics {
	if registry == nil {
		registry = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registry)

	return &GatewayMetrics{
		OriginsOnline: factory.NewGauge(prometheus.GaugeOpts{
			Name: "permagate_origins_online",
			Help: "Number of origins that answered the last liveness ping",
		}),
		OriginResponseTime: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "permagate_origin_response_seconds",
			Help: "Response time of the last liveness ping per origin",
		}, []string{"host"}),
		OriginHeight: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "permagate_origin_height",
			Help: "Chain height reported by each origin",
		}, []string{"host"}),

		RaceAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "permagate_race_attempts_total",
			Help: "Total number of origin requests issued by racing fetches",
		}),
		RaceWins: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "permagate_race_wins_total",
			Help: "Races won per origin",
		}, []string{"host"}),
		RaceCancelled: factory.NewCounter(prometheus.CounterOpts{
			Name: "permagate_race_cancelled_total",
			Help: "Losing race attempts cancelled after a winner was chosen",
		}),
		RaceFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "permagate_race_failures_total",
			Help: "Races with no acceptable response, by classified status",
		}, []string{"status"}),
		RaceLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "permagate_race_latency_seconds",
			Help:    "Time until a race produced a winner or failed",
			Buckets: prometheus.DefBuckets,
		}),

		CacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "permagate_cache_hits_total",
			Help: "Cache hits per tier",
		}, []string{"tier"}),
		CacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "permagate_cache_misses_total",
			Help: "Cache misses",
		}),
		CacheWrites: factory.NewCounter(prometheus.CounterOpts{
			Name: "permagate_cache_writes_total",
			Help: "Committed cache writes",
		}),
		CacheDiscardedWrites: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "permagate_cache_discarded_writes_total",
			Help: "Cache writes discarded, by reason",
		}, []string{"reason"}),

		ChunkReconstructions: factory.NewCounter(prometheus.CounterOpts{
			Name: "permagate_chunk_reconstructions_total",
			Help: "Objects served by chunk reconstruction",
		}),
		ChunkPieces: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "permagate_chunk_pieces_total",
			Help: "Chunk pieces read, by source",
		}, []string{"source"}),
		ChunksIngested: factory.NewCounter(prometheus.CounterOpts{
			Name: "permagate_chunks_ingested_total",
			Help: "Uploaded chunks accepted after proof validation",
		}),

		Resolutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "permagate_resolutions_total",
			Help: "Resolutions by the stage that produced the content",
		}, []string{"source"}),
		ResolveLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "permagate_resolve_latency_seconds",
			Help:    "Time to first byte of a resolution",
			Buckets: prometheus.DefBuckets,
		}),
		RateLimited: factory.NewCounter(prometheus.CounterOpts{
			Name: "permagate_rate_limited_total",
			Help: "Requests rejected by the per-client rate limiter",
		}),

		JobsEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "permagate_jobs_enqueued_total",
			Help: "Jobs enqueued by type",
		}, []string{"type"}),
		JobsCompleted: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "permagate_jobs_completed_total",
			Help: "Jobs completed by type",
		}, []string{"type"}),
		JobsFailed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "permagate_jobs_failed_total",
			Help: "Job attempts that failed, by type and outcome",
		}, []string{"type", "outcome"}),
		JobsReclaimed: factory.NewCounter(prometheus.CounterOpts{
			Name: "permagate_jobs_reclaimed_total",
			Help: "Jobs re-queued after their lease expired",
		}),
	}
}

// NewNop returns metrics registered on a private registry, for tests and
// components built without a metrics sink.
func NewNop() *GatewayMetrics {
	return NewGatewayMetrics(prometheus.NewRegistry())
}

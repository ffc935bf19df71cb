package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"permagate/pkg/utils"

	"gopkg.in/yaml.v3"
)

// CacheBackend names the cold cache tier.
type CacheBackend string

const (
	CacheFS     CacheBackend = "fs"
	CacheBadger CacheBackend = "badger"
	CacheS3     CacheBackend = "s3"
)

// Config is the complete gateway configuration.
type Config struct {
	Server   ServerConfig   `json:"server" yaml:"server"`
	Origins  OriginsConfig  `json:"origins" yaml:"origins"`
	Cache    CacheConfig    `json:"cache" yaml:"cache"`
	Index    IndexConfig    `json:"index" yaml:"index"`
	Queue    QueueConfig    `json:"queue" yaml:"queue"`
	Resolver ResolverConfig `json:"resolver" yaml:"resolver"`
	Limits   LimitsConfig   `json:"limits" yaml:"limits"`
}

// ServerConfig configures the HTTP and health listeners.
type ServerConfig struct {
	Address       string   `json:"address" yaml:"address"`
	HealthAddress string   `json:"health_address" yaml:"health_address"`
	ReadTimeout   Duration `json:"read_timeout" yaml:"read_timeout"`
	WriteTimeout  Duration `json:"write_timeout" yaml:"write_timeout"`
}

// OriginsConfig lists origins and tunes ranking and racing.
type OriginsConfig struct {
	Hosts           []string `json:"hosts" yaml:"hosts"`
	RefreshInterval Duration `json:"refresh_interval" yaml:"refresh_interval"`
	PingTimeout     Duration `json:"ping_timeout" yaml:"ping_timeout"`
	Stagger         Duration `json:"stagger" yaml:"stagger"`
	AttemptTimeout  Duration `json:"attempt_timeout" yaml:"attempt_timeout"`
	MaxCandidates   int      `json:"max_candidates" yaml:"max_candidates"`
}

// CacheConfig selects the cold backend and sizes the hot tier.
type CacheConfig struct {
	Backend       CacheBackend   `json:"backend" yaml:"backend"`
	Dir           string         `json:"dir" yaml:"dir"`
	HotSize       utils.ByteSize `json:"hot_size" yaml:"hot_size"`
	HotMaxItem    utils.ByteSize `json:"hot_max_item" yaml:"hot_max_item"`
	S3            S3Config       `json:"s3" yaml:"s3"`
	VerifyDigests bool           `json:"verify_digests" yaml:"verify_digests"`
}

// S3Config addresses the bucket used by the s3 backend.
type S3Config struct {
	Bucket          string `json:"bucket" yaml:"bucket"`
	Region          string `json:"region" yaml:"region"`
	Endpoint        string `json:"endpoint" yaml:"endpoint"`
	AccessKeyID     string `json:"access_key_id" yaml:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key" yaml:"secret_access_key"`
	PathStyle       bool   `json:"path_style" yaml:"path_style"`
	Prefix          string `json:"prefix" yaml:"prefix"`
}

// IndexConfig locates the header index and sizes its lookup cache.
type IndexConfig struct {
	Path         string   `json:"path" yaml:"path"`
	HeaderTTL    Duration `json:"header_ttl" yaml:"header_ttl"`
	NegativeTTL  Duration `json:"negative_ttl" yaml:"negative_ttl"`
	OriginLookup bool     `json:"origin_lookup" yaml:"origin_lookup"`
}

// QueueConfig enables the redis job queue.
type QueueConfig struct {
	RedisAddress      string   `json:"redis_address" yaml:"redis_address"`
	Prefix            string   `json:"prefix" yaml:"prefix"`
	Workers           int      `json:"workers" yaml:"workers"`
	Lease             Duration `json:"lease" yaml:"lease"`
	MaxBundleAttempts int      `json:"max_bundle_attempts" yaml:"max_bundle_attempts"`
	RetryBase         Duration `json:"retry_base" yaml:"retry_base"`
	RetryMax          Duration `json:"retry_max" yaml:"retry_max"`
}

type ResolverConfig struct {
	MaxDepth      int `json:"max_depth" yaml:"max_depth"`
	ChunkPrefetch int `json:"chunk_prefetch" yaml:"chunk_prefetch"`
}

// LimitsConfig is the per-client request rate limit.
type LimitsConfig struct {
	RequestsPerSecond float64 `json:"requests_per_second" yaml:"requests_per_second"`
	Burst             int     `json:"burst" yaml:"burst"`
}

// Default returns a configuration that runs against the public gateway with
// a local filesystem cache.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":3000",
			ReadTimeout:  Duration(30 * time.Second),
			WriteTimeout: Duration(10 * time.Minute),
		},
		Origins: OriginsConfig{
			Hosts:           []string{"https://arweave.net"},
			RefreshInterval: Duration(30 * time.Second),
			PingTimeout:     Duration(5 * time.Second),
			Stagger:         Duration(500 * time.Millisecond),
			AttemptTimeout:  Duration(30 * time.Second),
			MaxCandidates:   5,
		},
		Cache: CacheConfig{
			Backend:    CacheFS,
			Dir:        "./data/cache",
			HotSize:    utils.ByteSize(256 * utils.MegaByte),
			HotMaxItem: utils.ByteSize(utils.MegaByte),
		},
		Index: IndexConfig{
			Path:         "./data/index.db",
			HeaderTTL:    Duration(10 * time.Minute),
			NegativeTTL:  Duration(30 * time.Second),
			OriginLookup: true,
		},
		Queue: QueueConfig{
			Prefix:            "permagate",
			Workers:           4,
			Lease:             Duration(5 * time.Minute),
			MaxBundleAttempts: 5,
			RetryBase:         Duration(time.Second),
			RetryMax:          Duration(10 * time.Minute),
		},
		Resolver: ResolverConfig{
			MaxDepth:      8,
			ChunkPrefetch: 4,
		},
		Limits: LimitsConfig{
			RequestsPerSecond: 50,
			Burst:             100,
		},
	}
}

// LoadConfig reads a JSON or YAML (by extension) config file on top of the
// defaults.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, cfg)
	default:
		err = json.Unmarshal(data, cfg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// LoadFromEnv overlays PERMAGATE_* environment variables onto cfg.
func LoadFromEnv(cfg *Config) *Config {
	if cfg == nil {
		cfg = Default()
	}

	cfg.Server.Address = getEnv("PERMAGATE_ADDRESS", cfg.Server.Address)
	cfg.Server.HealthAddress = getEnv("PERMAGATE_HEALTH_ADDRESS", cfg.Server.HealthAddress)

	if hosts := os.Getenv("PERMAGATE_ORIGINS"); hosts != "" {
		cfg.Origins.Hosts = splitList(hosts)
	}

	cfg.Cache.Backend = CacheBackend(getEnv("PERMAGATE_CACHE_BACKEND", string(cfg.Cache.Backend)))
	cfg.Cache.Dir = getEnv("PERMAGATE_CACHE_DIR", cfg.Cache.Dir)
	cfg.Cache.S3.Bucket = getEnv("PERMAGATE_S3_BUCKET", cfg.Cache.S3.Bucket)
	cfg.Cache.S3.Region = getEnv("PERMAGATE_S3_REGION", cfg.Cache.S3.Region)
	cfg.Cache.S3.Endpoint = getEnv("PERMAGATE_S3_ENDPOINT", cfg.Cache.S3.Endpoint)

	cfg.Index.Path = getEnv("PERMAGATE_INDEX_PATH", cfg.Index.Path)
	cfg.Queue.RedisAddress = getEnv("PERMAGATE_REDIS_ADDRESS", cfg.Queue.RedisAddress)

	if v := os.Getenv("PERMAGATE_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.Workers = n
		}
	}

	return cfg
}

// Validate rejects configurations the gateway cannot start with.
func (c *Config) Validate() error {
	if len(c.Origins.Hosts) == 0 {
		return fmt.Errorf("at least one origin host is required")
	}
	for _, host := range c.Origins.Hosts {
		if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
			return fmt.Errorf("origin %q must include an http:// or https:// scheme", host)
		}
	}

	switch c.Cache.Backend {
	case CacheFS, CacheBadger:
		if c.Cache.Dir == "" {
			return fmt.Errorf("cache.dir is required for the %s backend", c.Cache.Backend)
		}
	case CacheS3:
		if c.Cache.S3.Bucket == "" {
			return fmt.Errorf("cache.s3.bucket is required for the s3 backend")
		}
		if (c.Cache.S3.AccessKeyID == "") != (c.Cache.S3.SecretAccessKey == "") {
			return fmt.Errorf("cache.s3 credentials need both access_key_id and secret_access_key")
		}
	default:
		return fmt.Errorf("unknown cache backend %q", c.Cache.Backend)
	}

	if c.Resolver.MaxDepth < 1 {
		return fmt.Errorf("resolver.max_depth must be at least 1")
	}
	if c.Queue.RedisAddress != "" && c.Queue.Workers < 1 {
		return fmt.Errorf("queue.workers must be at least 1 when a queue is configured")
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

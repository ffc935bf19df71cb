package origin

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"permagate/pkg/metrics"
	"permagate/pkg/types"

	"go.uber.org/zap"
)

const (
	DefaultRefreshInterval = 30 * time.Second
	DefaultPingTimeout     = 5 * time.Second

	maxInfoBytes = 64 * 1024
)

// RegistryConfig controls how often origins are pinged.
type RegistryConfig struct {
	// RefreshInterval between liveness rounds; zero or negative disables
	// the background loop.
	RefreshInterval time.Duration
	PingTimeout     time.Duration
}

// Registry tracks the configured origins and their liveness ranking. The
// ranked list is swapped atomically and never mutated in place, so readers
// always see a complete snapshot.
type Registry struct {
	client  *http.Client
	config  RegistryConfig
	logger  *zap.Logger
	metrics *metrics.GatewayMetrics

	nodes     atomic.Pointer[[]types.OriginNode]
	refreshMu sync.Mutex

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRegistry creates a registry with an empty host list.
func NewRegistry(cfg RegistryConfig, client *http.Client, logger *zap.Logger, m *metrics.GatewayMetrics) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = DefaultPingTimeout
	}

	r := &Registry{
		client:  client,
		config:  cfg,
		logger:  logger,
		metrics: m,
		stopCh:  make(chan struct{}),
	}
	empty := []types.OriginNode{}
	r.nodes.Store(&empty)
	return r
}

// Configure replaces the host list. Hosts that were already known keep their
// last liveness state; new hosts start offline until the next refresh.
func (r *Registry) Configure(hosts []string) {
	previous := r.byHost()

	seen := make(map[string]bool, len(hosts))
	nodes := make([]types.OriginNode, 0, len(hosts))
	for _, host := range hosts {
		host = normalizeHost(host)
		if host == "" || seen[host] {
			continue
		}
		seen[host] = true

		if node, ok := previous[host]; ok {
			nodes = append(nodes, node)
			continue
		}
		nodes = append(nodes, types.OriginNode{Host: host})
	}

	rankNodes(nodes)
	r.nodes.Store(&nodes)

	r.logger.Info("Configured origins", zap.Strings("hosts", hostsOf(nodes)))
}

// Snapshot returns a copy of the current ranked list.
func (r *Registry) Snapshot() []types.OriginNode {
	current := *r.nodes.Load()
	out := make([]types.OriginNode, len(current))
	copy(out, current)
	return out
}

// Candidates returns up to n top-ranked online hosts. When no host is
// online every configured host is returned, so a configured registry never
// yields an empty candidate set. n <= 0 means no limit.
func (r *Registry) Candidates(n int) []string {
	current := *r.nodes.Load()

	var hosts []string
	for _, node := range current {
		if node.Online {
			hosts = append(hosts, node.Host)
		}
	}
	if len(hosts) == 0 {
		hosts = hostsOf(current)
	}

	if n > 0 && len(hosts) > n {
		hosts = hosts[:n]
	}
	return hosts
}

// Start runs an immediate refresh and then the periodic refresh loop until
// Stop is called or ctx ends.
func (r *Registry) Start(ctx context.Context) {
	if r.config.RefreshInterval <= 0 {
		r.logger.Info("Origin refresh loop disabled")
		return
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.Refresh(ctx)

		ticker := time.NewTicker(r.config.RefreshInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				r.Refresh(ctx)
			case <-ctx.Done():
				return
			case <-r.stopCh:
				return
			}
		}
	}()
}

// Stop ends the refresh loop and waits for an in-flight round to finish.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// Refresh pings every host concurrently and swaps in the re-ranked list.
// Failed pings mark a host offline; no error is returned.
func (r *Registry) Refresh(ctx context.Context) {
	r.refreshMu.Lock()
	defer r.refreshMu.Unlock()

	snapshot := r.nodes.Load()
	current := *snapshot
	updated := make([]types.OriginNode, len(current))

	var wg sync.WaitGroup
	for i, node := range current {
		wg.Add(1)
		go func(i int, node types.OriginNode) {
			defer wg.Done()
			updated[i] = r.ping(ctx, node)
		}(i, node)
	}
	wg.Wait()

	online := 0
	for i, node := range updated {
		if node.Online {
			online++
			r.metrics.OriginResponseTime.WithLabelValues(node.Host).Set(node.ResponseTime.Seconds())
			r.metrics.OriginHeight.WithLabelValues(node.Host).Set(float64(node.Height))
		}
		r.logTransition(current[i], node)
	}
	rankNodes(updated)

	// Configure may have replaced the list while we were pinging; its list
	// wins and these results are dropped.
	if !r.nodes.CompareAndSwap(snapshot, &updated) {
		r.logger.Debug("Origin list replaced during refresh, discarding results")
		return
	}
	r.metrics.OriginsOnline.Set(float64(online))
}

func (r *Registry) ping(ctx context.Context, node types.OriginNode) types.OriginNode {
	ctx, cancel := context.WithTimeout(ctx, r.config.PingTimeout)
	defer cancel()

	node.LastChecked = time.Now()
	start := time.Now()

	info, err := r.fetchInfo(ctx, node.Host)
	if err != nil {
		r.logger.Debug("Origin ping failed",
			zap.String("host", node.Host),
			zap.Error(err))
		node.Online = false
		return node
	}

	node.Online = true
	node.ResponseTime = time.Since(start)
	node.Height = info.Height
	node.LastInfo = info
	return node
}

func (r *Registry) fetchInfo(ctx context.Context, host string) (*types.NodeInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, host+"/info", nil)
	if err != nil {
		return nil, err
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}

	var info types.NodeInfo
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxInfoBytes)).Decode(&info); err != nil {
		return nil, fmt.Errorf("failed to decode info: %w", err)
	}
	return &info, nil
}

func (r *Registry) logTransition(before, after types.OriginNode) {
	if before.Online == after.Online && !before.LastChecked.IsZero() {
		return
	}
	if after.Online {
		r.logger.Info("Origin online",
			zap.String("host", after.Host),
			zap.Int64("height", after.Height),
			zap.Duration("response_time", after.ResponseTime))
	} else {
		r.logger.Warn("Origin offline", zap.String("host", after.Host))
	}
}

func (r *Registry) byHost() map[string]types.OriginNode {
	current := *r.nodes.Load()
	out := make(map[string]types.OriginNode, len(current))
	for _, node := range current {
		out[node.Host] = node
	}
	return out
}

// rankNodes orders online hosts first, then by descending height, then by
// ascending response time.
func rankNodes(nodes []types.OriginNode) {
	sort.SliceStable(nodes, func(i, j int) bool {
		if nodes[i].Online != nodes[j].Online {
			return nodes[i].Online
		}
		if nodes[i].Height != nodes[j].Height {
			return nodes[i].Height > nodes[j].Height
		}
		return nodes[i].ResponseTime < nodes[j].ResponseTime
	})
}

func hostsOf(nodes []types.OriginNode) []string {
	hosts := make([]string, len(nodes))
	for i, node := range nodes {
		hosts[i] = node.Host
	}
	return hosts
}

func normalizeHost(host string) string {
	return strings.TrimRight(strings.TrimSpace(host), "/")
}

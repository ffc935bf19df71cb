package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"permagate/pkg/config"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var contentID = strings.Repeat("q", 43)

func testConfig(t *testing.T, originURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Origins.Hosts = []string{originURL}
	cfg.Origins.RefreshInterval = 0
	cfg.Origins.Stagger = 0
	cfg.Cache.Dir = filepath.Join(dir, "cache")
	cfg.Index.Path = filepath.Join(dir, "index", "index.db")
	cfg.Limits.RequestsPerSecond = 0
	require.NoError(t, cfg.Validate())
	return cfg
}

func testOrigin(t *testing.T, hits *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/info":
			w.Write([]byte(`{"network":"test.N.1","height":42}`))
		case "/" + contentID:
			hits.Add(1)
			w.Header().Set("Content-Type", "text/plain")
			w.Header().Set("Content-Length", "11")
			w.Write([]byte("hello world"))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestGatewayServesAndCaches(t *testing.T) {
	var hits atomic.Int32
	origin := testOrigin(t, &hits)

	g, err := newGateway(testConfig(t, origin.URL), zap.NewNop())
	require.NoError(t, err)
	defer g.Close()

	g.origins.Refresh(context.Background())
	require.Len(t, g.origins.Candidates(0), 1)

	handler := g.server().Handler()
	for i := 0; i < 2; i++ {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/"+contentID, nil))
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "hello world", rec.Body.String())
	}
	assert.Equal(t, int32(1), hits.Load())

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"queue":"disabled"`)

	// Without a queue the write endpoints are switched off.
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tx", strings.NewReader(`{"id":"`+contentID+`"}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGatewayWithQueue(t *testing.T) {
	var hits atomic.Int32
	origin := testOrigin(t, &hits)
	mr := miniredis.RunT(t)

	cfg := testConfig(t, origin.URL)
	cfg.Queue.RedisAddress = mr.Addr()
	cfg.Queue.Workers = 1

	g, err := newGateway(cfg, zap.NewNop())
	require.NoError(t, err)
	defer g.Close()
	require.NotNil(t, g.runner)

	ctx := context.Background()
	handler := g.server().Handler()

	// Content only an origin knows about schedules a header import.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/"+contentID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	stats, err := g.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Ready)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/tx", strings.NewReader(`{"id":"`+contentID+`"}`)))
	require.Equal(t, http.StatusAccepted, rec.Code)

	stats, err = g.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), stats.Ready)

	require.NoError(t, g.start(ctx))
	// The test origin knows no /tx routes, so every job fails and is parked
	// for retry rather than left ready.
	assert.Eventually(t, func() bool {
		stats, err := g.queue.Stats(ctx)
		return err == nil && stats.Ready == 0 && stats.Processing == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestGatewayRejectsUnreachableRedis(t *testing.T) {
	var hits atomic.Int32
	origin := testOrigin(t, &hits)

	cfg := testConfig(t, origin.URL)
	cfg.Queue.RedisAddress = "127.0.0.1:1"

	g, err := newGateway(cfg, zap.NewNop())
	require.NoError(t, err)
	defer g.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.Error(t, g.start(ctx))
}

func TestRenderOrigins(t *testing.T) {
	var hits atomic.Int32
	origin := testOrigin(t, &hits)

	cfg := testConfig(t, origin.URL)
	cfg.Origins.Hosts = append(cfg.Origins.Hosts, "http://127.0.0.1:1")
	g := &gateway{cfg: cfg, logger: zap.NewNop()}
	reg := g.originRegistry()
	reg.Refresh(context.Background())

	out := renderOrigins(reg.Snapshot())
	assert.Contains(t, out, "Origins (1/2 online)")
	assert.Contains(t, out, origin.URL)
	assert.Contains(t, out, "test.N.1")
}

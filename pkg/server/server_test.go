package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"permagate/pkg/chunk"
	"permagate/pkg/resolver"
	"permagate/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var (
	idA = strings.Repeat("A", 43)
	idB = strings.Repeat("B", 43)
)

type fakeResolver struct {
	mu    sync.Mutex
	calls int
	body  map[string]string
	err   map[string]error
}

func (f *fakeResolver) ResolvePath(ctx context.Context, id, subpath string) (*resolver.Content, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()

	key := id
	if subpath != "" {
		key = id + "/" + subpath
	}
	if err, ok := f.err[key]; ok {
		return nil, err
	}
	body, ok := f.body[key]
	if !ok {
		return nil, types.NotFoundf("%s", key)
	}
	resolved := id
	if subpath != "" {
		resolved = idB
	}
	return &resolver.Content{
		ID:            resolved,
		Body:          io.NopCloser(strings.NewReader(body)),
		ContentType:   "text/plain",
		ContentLength: int64(len(body)),
		Source:        resolver.SourceCache,
	}, nil
}

// statResolver answers HEAD from metadata and counts full resolutions.
type statResolver struct {
	fakeResolver
	stats int
}

func (f *statResolver) Stat(ctx context.Context, id, subpath string) (*resolver.Content, error) {
	f.mu.Lock()
	f.stats++
	f.mu.Unlock()
	return &resolver.Content{
		ID:            id,
		Body:          http.NoBody,
		ContentType:   "image/png",
		ContentLength: 1234,
		Source:        resolver.SourceIndex,
	}, nil
}

type fakeJobs struct {
	mu   sync.Mutex
	jobs []string
	err  error
}

func (f *fakeJobs) Enqueue(ctx context.Context, jobType string, payload interface{}) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, jobType)
	return fmt.Sprintf("job-%d", len(f.jobs)), nil
}

type fakeIngestor struct {
	err error
}

func (f *fakeIngestor) Ingest(ctx context.Context, c chunk.UploadedChunk) (*types.ChunkLocation, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &types.ChunkLocation{DataRoot: c.DataRoot, DataSize: c.DataSize, Offset: c.Offset, ChunkSize: 10}, nil
}

type fakeOrigins []types.OriginNode

func (f fakeOrigins) Snapshot() []types.OriginNode { return f }

type pinger struct{ err error }

func (p pinger) Ping(ctx context.Context) error { return p.err }

func newTestServer(t *testing.T, cfg Config, deps Deps) *Server {
	t.Helper()
	if deps.Resolver == nil {
		deps.Resolver = &fakeResolver{body: map[string]string{
			idA:               "hello",
			idA + "/docs/a.md": "# doc",
		}}
	}
	if deps.Origins == nil {
		deps.Origins = fakeOrigins{{Host: "https://a.example", Online: true}, {Host: "https://b.example"}}
	}
	if deps.Cache == nil {
		deps.Cache = pinger{}
	}
	s := New(cfg, deps, nil, nil)
	t.Cleanup(func() { s.Shutdown(context.Background()) })
	return s
}

func do(s *Server, method, target string, body io.Reader, header map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, body)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestContentRoutes(t *testing.T) {
	s := newTestServer(t, Config{}, Deps{})

	rec := do(s, http.MethodGet, "/"+idA, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))
	assert.Equal(t, "5", rec.Header().Get("Content-Length"))
	assert.Equal(t, `"`+idA+`"`, rec.Header().Get("ETag"))
	assert.Equal(t, immutableCacheControl, rec.Header().Get("Cache-Control"))
	assert.Equal(t, resolver.SourceCache, rec.Header().Get("X-Permagate-Source"))

	rec = do(s, http.MethodGet, "/"+idA+"/docs/a.md", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# doc", rec.Body.String())
	assert.Equal(t, `"`+idB+`"`, rec.Header().Get("ETag"))
	assert.Equal(t, idB, rec.Header().Get("X-Permagate-Resolved-Id"))

	rec = do(s, http.MethodHead, "/"+idA, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Content-Length"))
	assert.Empty(t, rec.Body.String())
}

func TestContentHeadUsesStat(t *testing.T) {
	res := &statResolver{fakeResolver: fakeResolver{body: map[string]string{idA: "hello"}}}
	s := newTestServer(t, Config{}, Deps{Resolver: res})

	rec := do(s, http.MethodHead, "/"+idA, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1234", rec.Header().Get("Content-Length"))
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, resolver.SourceIndex, rec.Header().Get("X-Permagate-Source"))
	assert.Empty(t, rec.Body.String())
	assert.Equal(t, 1, res.stats)
	assert.Equal(t, 0, res.calls)

	rec = do(s, http.MethodGet, "/"+idA, nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())
	assert.Equal(t, 1, res.stats)
	assert.Equal(t, 1, res.calls)
}

func TestContentNotModified(t *testing.T) {
	res := &fakeResolver{body: map[string]string{idA: "hello", idA + "/x": "x"}}
	s := newTestServer(t, Config{}, Deps{Resolver: res})

	rec := do(s, http.MethodGet, "/"+idA, nil, map[string]string{"If-None-Match": `"` + idA + `"`})
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Equal(t, 0, res.calls)

	rec = do(s, http.MethodGet, "/"+idA+"/x", nil, map[string]string{"If-None-Match": `W/"other", "` + idB + `"`})
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Equal(t, 1, res.calls)

	rec = do(s, http.MethodGet, "/"+idA, nil, map[string]string{"If-None-Match": `"stale"`})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestContentErrors(t *testing.T) {
	s := newTestServer(t, Config{}, Deps{Resolver: &fakeResolver{err: map[string]error{
		idA:           fmt.Errorf("%w: all origins failed", types.ErrUpstreamUnavailable),
		idB:           &types.OriginError{Status: http.StatusGone, Err: types.ErrNotFound},
		idA + "/loop": fmt.Errorf("%w: manifest chain", types.ErrDepthExceeded),
		idA + "/slow": fmt.Errorf("%w: %w", types.ErrUpstreamUnavailable, context.DeadlineExceeded),
	}}})

	tests := []struct {
		path   string
		status int
	}{
		{"/not-an-id", http.StatusBadRequest},
		{"/" + strings.Repeat("C", 43), http.StatusNotFound},
		{"/" + idA, http.StatusBadGateway},
		{"/" + idB, http.StatusGone},
		{"/" + idA + "/loop", http.StatusLoopDetected},
		{"/" + idA + "/slow", http.StatusGatewayTimeout},
	}
	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			rec := do(s, http.MethodGet, tt.path, nil, nil)
			assert.Equal(t, tt.status, rec.Code)
			var body errorBody
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
			assert.NotEmpty(t, body.Error)
		})
	}
}

func TestChunkUpload(t *testing.T) {
	s := newTestServer(t, Config{}, Deps{Ingestor: &fakeIngestor{}})

	body := `{"data_root":"` + idA + `","data_size":"10","data_path":"cA","offset":"0","chunk":"Y2h1bms"}`
	rec := do(s, http.MethodPost, "/chunk", strings.NewReader(body), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, idA, resp["data_root"])
	assert.Equal(t, "10", resp["chunk_size"])

	rec = do(s, http.MethodPost, "/chunk", strings.NewReader("{not json"), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rejecting := newTestServer(t, Config{}, Deps{Ingestor: &fakeIngestor{err: types.Validationf("invalid proof")}})
	rec = do(rejecting, http.MethodPost, "/chunk", strings.NewReader(body), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	disabled := newTestServer(t, Config{}, Deps{})
	rec = do(disabled, http.MethodPost, "/chunk", strings.NewReader(body), nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestTxSubmission(t *testing.T) {
	jobs := &fakeJobs{}
	s := newTestServer(t, Config{}, Deps{Jobs: jobs})

	rec := do(s, http.MethodPost, "/tx", strings.NewReader(`{"id":"`+idA+`","data_size":"0","tags":[]}`), nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{types.JobDispatch, types.JobImport}, jobs.jobs)

	rec = do(s, http.MethodPost, "/tx", strings.NewReader(`{"id":"short"}`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(s, http.MethodPost, "/tx", strings.NewReader(`[`), nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	failing := newTestServer(t, Config{}, Deps{Jobs: &fakeJobs{err: errors.New("redis down")}})
	rec = do(failing, http.MethodPost, "/tx", strings.NewReader(`{"id":"`+idA+`"}`), nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, Config{}, Deps{Queue: pinger{}})

	rec := do(s, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report HealthReport
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, "healthy", report.Status)
	assert.Equal(t, 1, report.OriginsOnline)
	assert.Len(t, report.Origins, 2)
	assert.Equal(t, "ok", report.Cache)
	assert.Equal(t, "ok", report.Queue)

	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health/ready", nil, nil).Code)
	assert.Equal(t, http.StatusOK, do(s, http.MethodGet, "/health/live", nil, nil).Code)

	down := newTestServer(t, Config{}, Deps{Cache: pinger{err: errors.New("disk gone")}})
	rec = do(down, http.MethodGet, "/health", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, http.StatusServiceUnavailable, do(down, http.MethodGet, "/health/ready", nil, nil).Code)

	offline := newTestServer(t, Config{}, Deps{Origins: fakeOrigins{{Host: "https://a.example"}}})
	rec = do(offline, http.MethodGet, "/health", nil, nil)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&report))
	assert.Equal(t, "degraded", report.Status)
	assert.Equal(t, http.StatusServiceUnavailable, do(offline, http.MethodGet, "/health/ready", nil, nil).Code)
}

func TestMetricsAndInfo(t *testing.T) {
	s := newTestServer(t, Config{}, Deps{})

	rec := do(s, http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(s, http.MethodGet, "/", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info map[string]interface{}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&info))
	assert.Equal(t, "permagate", info["name"])
	assert.Equal(t, float64(1), info["origins_online"])
}

func TestRateLimit(t *testing.T) {
	s := newTestServer(t, Config{RequestsPerSecond: 1, Burst: 2}, Deps{})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		codes = append(codes, do(s, http.MethodGet, "/"+idA, nil, nil).Code)
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)

	rec := do(s, http.MethodGet, "/"+idA, nil, nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))

	// A different client has its own bucket.
	req := httptest.NewRequest(http.MethodGet, "/"+idA, nil)
	req.RemoteAddr = "10.0.0.9:4242"
	other := httptest.NewRecorder()
	s.Handler().ServeHTTP(other, req)
	assert.Equal(t, http.StatusOK, other.Code)
}

func TestStartAndGRPCHealth(t *testing.T) {
	s := New(Config{Address: "127.0.0.1:0", HealthAddress: "127.0.0.1:0"}, Deps{
		Resolver: &fakeResolver{body: map[string]string{idA: "hello"}},
		Origins:  fakeOrigins{{Host: "https://a.example", Online: true}},
		Cache:    pinger{},
	}, nil, nil)
	require.NoError(t, s.Start())

	resp, err := http.Get("http://" + s.Addr() + "/" + idA)
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, "hello", string(body))

	conn, err := grpc.NewClient(s.grpcListener.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	check, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, check.Status)

	require.NoError(t, s.Shutdown(ctx))
}

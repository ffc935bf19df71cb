package origin

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"permagate/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func infoServer(t *testing.T, height int64, delay time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/info" {
			http.NotFound(w, r)
			return
		}
		if delay > 0 {
			time.Sleep(delay)
		}
		json.NewEncoder(w).Encode(types.NodeInfo{Network: "arweave.N.1", Height: height})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestRegistryRanking(t *testing.T) {
	low := infoServer(t, 100, 0)
	high := infoServer(t, 200, 0)
	slowHigh := infoServer(t, 200, 50*time.Millisecond)
	down := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	t.Cleanup(down.Close)

	r := NewRegistry(RegistryConfig{PingTimeout: time.Second}, nil, nil, nil)
	r.Configure([]string{down.URL, low.URL, slowHigh.URL, high.URL + "/"})
	r.Refresh(context.Background())

	nodes := r.Snapshot()
	require.Len(t, nodes, 4)
	assert.Equal(t, high.URL, nodes[0].Host)
	assert.Equal(t, slowHigh.URL, nodes[1].Host)
	assert.Equal(t, low.URL, nodes[2].Host)
	assert.Equal(t, down.URL, nodes[3].Host)
	assert.False(t, nodes[3].Online)
	assert.Equal(t, int64(200), nodes[0].Height)
	require.NotNil(t, nodes[0].LastInfo)
	assert.Equal(t, "arweave.N.1", nodes[0].LastInfo.Network)

	assert.Equal(t, []string{high.URL, slowHigh.URL}, r.Candidates(2))
	assert.Equal(t, []string{high.URL, slowHigh.URL, low.URL}, r.Candidates(0))
}

func TestRegistryCandidatesFailSafe(t *testing.T) {
	r := NewRegistry(RegistryConfig{}, nil, nil, nil)
	assert.Empty(t, r.Candidates(3))

	r.Configure([]string{"http://a.invalid", "http://b.invalid", "http://a.invalid"})
	// Nothing has been pinged yet, so every configured host is offered.
	assert.Equal(t, []string{"http://a.invalid", "http://b.invalid"}, r.Candidates(0))
	assert.Equal(t, []string{"http://a.invalid"}, r.Candidates(1))
}

func TestRegistryConfigureKeepsState(t *testing.T) {
	srv := infoServer(t, 42, 0)

	r := NewRegistry(RegistryConfig{PingTimeout: time.Second}, nil, nil, nil)
	r.Configure([]string{srv.URL})
	r.Refresh(context.Background())

	r.Configure([]string{"http://new.invalid", srv.URL})
	nodes := r.Snapshot()
	require.Len(t, nodes, 2)
	assert.Equal(t, srv.URL, nodes[0].Host)
	assert.True(t, nodes[0].Online)
	assert.Equal(t, int64(42), nodes[0].Height)
	assert.False(t, nodes[1].Online)
}

func TestRegistrySnapshotIsCopy(t *testing.T) {
	r := NewRegistry(RegistryConfig{}, nil, nil, nil)
	r.Configure([]string{"http://a.invalid"})

	snap := r.Snapshot()
	snap[0].Host = "mutated"
	assert.Equal(t, "http://a.invalid", r.Snapshot()[0].Host)
}

func TestRegistryStartStop(t *testing.T) {
	srv := infoServer(t, 7, 0)

	r := NewRegistry(RegistryConfig{RefreshInterval: 10 * time.Millisecond, PingTimeout: time.Second}, nil, nil, nil)
	r.Configure([]string{srv.URL})
	r.Start(context.Background())
	defer r.Stop()

	assert.Eventually(t, func() bool {
		nodes := r.Snapshot()
		return len(nodes) == 1 && nodes[0].Online
	}, 2*time.Second, 10*time.Millisecond)

	r.Stop()
	r.Stop()
}

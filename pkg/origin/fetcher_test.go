package origin

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"permagate/pkg/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func statusServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

type staticSource []string

func (s staticSource) Candidates(n int) []string {
	if n > 0 && len(s) > n {
		return s[:n]
	}
	return s
}

func TestFetchFirstAcceptableWins(t *testing.T) {
	var slowCancelled atomic.Bool
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
			slowCancelled.Store(true)
		case <-time.After(5 * time.Second):
			io.WriteString(w, "slow")
		}
	}))
	t.Cleanup(slow.Close)
	fast := statusServer(t, http.StatusOK, "fast")

	f := NewFetcher(nil, staticSource{slow.URL, fast.URL}, FetcherConfig{}, nil, nil)
	resp, err := f.Fetch(context.Background(), Request{Path: "/abc"})
	require.NoError(t, err)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())

	assert.Equal(t, "fast", string(body))
	assert.Equal(t, fast.URL, resp.Host)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Eventually(t, slowCancelled.Load, 2*time.Second, 10*time.Millisecond)
}

func TestFetchFailureClassification(t *testing.T) {
	tests := []struct {
		name     string
		statuses []int
		want     int
	}{
		{"NotFoundBeatsPending", []int{http.StatusAccepted, http.StatusNotFound}, http.StatusNotFound},
		{"NotFoundBeatsGone", []int{http.StatusGone, http.StatusNotFound, http.StatusInternalServerError}, http.StatusNotFound},
		{"GoneBeatsPending", []int{http.StatusAccepted, http.StatusGone}, http.StatusGone},
		{"PendingOnly", []int{http.StatusAccepted, http.StatusBadGateway}, http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var hosts []string
			for _, status := range tt.statuses {
				hosts = append(hosts, statusServer(t, status, "").URL)
			}

			f := NewFetcher(nil, nil, FetcherConfig{}, nil, nil)
			_, err := f.Fetch(context.Background(), Request{Path: "/x", Hosts: hosts, Accept: AcceptOK})
			require.Error(t, err)

			var originErr *types.OriginError
			require.True(t, errors.As(err, &originErr))
			assert.Equal(t, tt.want, originErr.Status)
			assert.ErrorIs(t, err, types.ErrNotFound)
		})
	}
}

func TestFetchAllFailedIsUnavailable(t *testing.T) {
	a := statusServer(t, http.StatusInternalServerError, "")
	b := statusServer(t, http.StatusBadGateway, "")

	f := NewFetcher(nil, staticSource{a.URL, b.URL}, FetcherConfig{}, nil, nil)
	_, err := f.Fetch(context.Background(), Request{Path: "/x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrUpstreamUnavailable)
	assert.Equal(t, http.StatusBadGateway, types.HTTPStatus(err))
}

func TestFetchAllTimedOut(t *testing.T) {
	hang := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(hang.Close)

	f := NewFetcher(nil, staticSource{hang.URL}, FetcherConfig{AttemptTimeout: 50 * time.Millisecond}, nil, nil)
	_, err := f.Fetch(context.Background(), Request{Path: "/x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, types.ErrUpstreamUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFetchNoOrigins(t *testing.T) {
	f := NewFetcher(nil, staticSource{}, FetcherConfig{}, nil, nil)
	_, err := f.Fetch(context.Background(), Request{Path: "/x"})
	assert.ErrorIs(t, err, types.ErrUpstreamUnavailable)
}

func TestFetchStaggerSkipsLaterAttempts(t *testing.T) {
	var secondHits atomic.Int32
	first := statusServer(t, http.StatusOK, "ok")
	second := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		secondHits.Add(1)
		io.WriteString(w, "late")
	}))
	t.Cleanup(second.Close)

	f := NewFetcher(nil, staticSource{first.URL, second.URL}, FetcherConfig{Stagger: 200 * time.Millisecond}, nil, nil)
	resp, err := f.Fetch(context.Background(), Request{Path: "/x"})
	require.NoError(t, err)
	resp.Body.Close()

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, int32(0), secondHits.Load())
}

func TestFetchCallerCancellation(t *testing.T) {
	hang := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(hang.Close)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	f := NewFetcher(nil, staticSource{hang.URL}, FetcherConfig{}, nil, nil)
	_, err := f.Fetch(ctx, Request{Path: "/x"})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestFetchForwardsMethodAndBody(t *testing.T) {
	var gotMethod, gotBody, gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		gotHeader = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusAccepted)
	}))
	t.Cleanup(srv.Close)

	f := NewFetcher(nil, staticSource{srv.URL}, FetcherConfig{}, nil, nil)
	resp, err := f.Fetch(context.Background(), Request{
		Method: http.MethodPost,
		Path:   "tx",
		Body:   []byte(`{"id":"x"}`),
		Header: http.Header{"Content-Type": []string{"application/json"}},
	})
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.Status)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, `{"id":"x"}`, gotBody)
	assert.Equal(t, "application/json", gotHeader)
}

func TestFetchJSON(t *testing.T) {
	srv := statusServer(t, http.StatusOK, `{"height": 12}`)

	f := NewFetcher(nil, staticSource{srv.URL}, FetcherConfig{}, nil, nil)
	var info types.NodeInfo
	require.NoError(t, f.FetchJSON(context.Background(), "/info", &info))
	assert.Equal(t, int64(12), info.Height)

	bad := statusServer(t, http.StatusOK, `not json`)
	f = NewFetcher(nil, staticSource{bad.URL}, FetcherConfig{}, nil, nil)
	err := f.FetchJSON(context.Background(), "/info", &info)
	assert.ErrorIs(t, err, types.ErrValidation)
}

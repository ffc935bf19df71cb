package origin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"permagate/pkg/metrics"
	"permagate/pkg/types"

	"go.uber.org/zap"
)

const (
	DefaultStagger        = 500 * time.Millisecond
	DefaultAttemptTimeout = 30 * time.Second
	DefaultMaxCandidates  = 5

	maxJSONBytes = 4 * 1024 * 1024
)

// AcceptFunc decides whether an origin response wins the race.
type AcceptFunc func(status int, header http.Header) bool

// DefaultAccept accepts 200, 201, 202 and 208.
func DefaultAccept(status int, _ http.Header) bool {
	switch status {
	case http.StatusOK, http.StatusCreated, http.StatusAccepted, http.StatusAlreadyReported:
		return true
	}
	return false
}

// AcceptOK accepts only 200, for reads where a 202 means "not yet available".
func AcceptOK(status int, _ http.Header) bool {
	return status == http.StatusOK
}

// CandidateSource supplies ranked hosts for a race.
type CandidateSource interface {
	Candidates(n int) []string
}

// FetcherConfig tunes the racing fetch.
type FetcherConfig struct {
	// Stagger delays attempt i by i*Stagger; zero fires every attempt at once.
	Stagger        time.Duration
	AttemptTimeout time.Duration
	MaxCandidates  int
}

// Request describes one logical fetch raced across origins.
type Request struct {
	Method string
	Path   string
	Body   []byte
	Header http.Header
	Accept AcceptFunc
	// Hosts overrides the registry candidates.
	Hosts []string
}

// Response is the winning origin response. Closing Body releases the
// winner's request.
type Response struct {
	Host   string
	Status int
	Header http.Header
	Body   io.ReadCloser
}

// ContentLength returns the declared length or -1.
func (r *Response) ContentLength() int64 {
	if v := r.Header.Get("Content-Length"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return -1
}

// Fetcher races a request across origins and keeps the first acceptable
// response.
type Fetcher struct {
	client  *http.Client
	source  CandidateSource
	config  FetcherConfig
	logger  *zap.Logger
	metrics *metrics.GatewayMetrics
}

type attemptResult struct {
	index  int
	host   string
	status int
	resp   *http.Response
	winner bool
	err    error
}

// NewFetcher creates a Fetcher racing the candidates source ranks.
func NewFetcher(client *http.Client, source CandidateSource, cfg FetcherConfig, logger *zap.Logger, m *metrics.GatewayMetrics) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	if client == nil {
		client = http.DefaultClient
	}
	if cfg.Stagger < 0 {
		cfg.Stagger = 0
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = DefaultMaxCandidates
	}

	return &Fetcher{
		client:  client,
		source:  source,
		config:  cfg,
		logger:  logger,
		metrics: m,
	}
}

// Fetch issues req to every candidate host concurrently and returns the
// first response accepted by req.Accept. Every other attempt is cancelled
// as soon as a winner exists. When nothing is accepted the failure is
// classified from the observed statuses: 404 > 410 > 202 > unavailable.
func (f *Fetcher) Fetch(ctx context.Context, req Request) (*Response, error) {
	hosts := req.Hosts
	if len(hosts) == 0 && f.source != nil {
		hosts = f.source.Candidates(f.config.MaxCandidates)
	}
	if len(hosts) == 0 {
		return nil, fmt.Errorf("%w: no origins configured", types.ErrUpstreamUnavailable)
	}

	accept := req.Accept
	if accept == nil {
		accept = DefaultAccept
	}
	if req.Method == "" {
		req.Method = http.MethodGet
	}

	start := time.Now()
	raceCtx, cancelRace := context.WithCancel(ctx)

	var resolved atomic.Bool
	// Buffered so attempts that finish after Fetch returned never block.
	results := make(chan attemptResult, len(hosts))
	cancels := make([]context.CancelFunc, len(hosts))

	for i, host := range hosts {
		var attemptCtx context.Context
		if f.config.AttemptTimeout > 0 {
			attemptCtx, cancels[i] = context.WithTimeout(raceCtx, f.config.AttemptTimeout)
		} else {
			attemptCtx, cancels[i] = context.WithCancel(raceCtx)
		}
		go f.attempt(attemptCtx, i, normalizeHost(host), req, accept, &resolved, results)
	}

	var failures []attemptResult
	for received := 0; received < len(hosts); received++ {
		var r attemptResult
		select {
		case r = <-results:
		case <-ctx.Done():
			cancelRace()
			go drainResults(results, len(hosts)-received)
			return nil, ctx.Err()
		}

		if !r.winner {
			cancels[r.index]()
			failures = append(failures, r)
			continue
		}

		for j, cancel := range cancels {
			if j != r.index {
				cancel()
			}
		}
		cancelled := len(hosts) - received - 1
		f.metrics.RaceCancelled.Add(float64(cancelled))
		f.metrics.RaceWins.WithLabelValues(r.host).Inc()
		f.metrics.RaceLatency.Observe(time.Since(start).Seconds())

		f.logger.Debug("Race won",
			zap.String("path", req.Path),
			zap.String("host", r.host),
			zap.Int("status", r.status),
			zap.Int("cancelled", cancelled),
			zap.Duration("elapsed", time.Since(start)))

		release := cancels[r.index]
		return &Response{
			Host:   r.host,
			Status: r.status,
			Header: r.resp.Header,
			Body: &raceBody{ReadCloser: r.resp.Body, release: func() {
				release()
				cancelRace()
			}},
		}, nil
	}

	cancelRace()
	f.metrics.RaceLatency.Observe(time.Since(start).Seconds())

	err := classify(failures)
	f.logger.Debug("Race failed",
		zap.String("path", req.Path),
		zap.Int("origins", len(hosts)),
		zap.Error(err))

	var originErr *types.OriginError
	if errors.As(err, &originErr) {
		f.metrics.RaceFailures.WithLabelValues(strconv.Itoa(originErr.Status)).Inc()
	} else {
		f.metrics.RaceFailures.WithLabelValues("unavailable").Inc()
	}
	return nil, err
}

func (f *Fetcher) attempt(ctx context.Context, index int, host string, req Request, accept AcceptFunc, resolved *atomic.Bool, results chan<- attemptResult) {
	result := attemptResult{index: index, host: host}

	if delay := time.Duration(index) * f.config.Stagger; delay > 0 {
		timer := time.NewTimer(delay)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			result.err = ctx.Err()
			results <- result
			return
		}
	}
	if resolved.Load() {
		result.err = context.Canceled
		results <- result
		return
	}

	var body io.Reader
	if req.Body != nil {
		body = bytes.NewReader(req.Body)
	}
	httpReq, err := http.NewRequestWithContext(ctx, req.Method, host+"/"+strings.TrimLeft(req.Path, "/"), body)
	if err != nil {
		result.err = err
		results <- result
		return
	}
	for k, values := range req.Header {
		for _, v := range values {
			httpReq.Header.Add(k, v)
		}
	}

	f.metrics.RaceAttempts.Inc()
	resp, err := f.client.Do(httpReq)
	if err != nil {
		result.err = err
		results <- result
		return
	}

	result.status = resp.StatusCode
	if accept(resp.StatusCode, resp.Header) && resolved.CompareAndSwap(false, true) {
		result.resp = resp
		result.winner = true
		results <- result
		return
	}

	resp.Body.Close()
	results <- result
}

// drainResults closes a winning body that arrived after the caller gave up.
func drainResults(results <-chan attemptResult, remaining int) {
	for i := 0; i < remaining; i++ {
		if r := <-results; r.resp != nil {
			r.resp.Body.Close()
		}
	}
}

// classify turns the failed attempts of a race into a single error.
func classify(failures []attemptResult) error {
	seen := make(map[int]bool)
	var timeouts, errs int
	var lastErr error
	for _, r := range failures {
		if r.err != nil {
			errs++
			lastErr = r.err
			if errors.Is(r.err, context.DeadlineExceeded) {
				timeouts++
			}
			continue
		}
		seen[r.status] = true
		lastErr = fmt.Errorf("status %d", r.status)
	}

	for _, status := range []int{http.StatusNotFound, http.StatusGone, http.StatusAccepted} {
		if seen[status] {
			return &types.OriginError{Status: status, Err: types.ErrNotFound}
		}
	}

	if errs > 0 && timeouts == errs && len(seen) == 0 {
		return fmt.Errorf("%w: %w", types.ErrUpstreamUnavailable, context.DeadlineExceeded)
	}
	if lastErr == nil {
		return types.ErrUpstreamUnavailable
	}
	return fmt.Errorf("%w: %v", types.ErrUpstreamUnavailable, lastErr)
}

// FetchJSON races a GET for path and decodes a 200 response into v.
func (f *Fetcher) FetchJSON(ctx context.Context, path string, v interface{}) error {
	resp, err := f.Fetch(ctx, Request{Path: path, Accept: AcceptOK})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxJSONBytes)).Decode(v); err != nil {
		return types.Validationf("decoding %s from %s: %v", path, resp.Host, err)
	}
	return nil
}

type raceBody struct {
	io.ReadCloser
	release func()
	once    sync.Once
}

func (b *raceBody) Close() error {
	err := b.ReadCloser.Close()
	b.once.Do(b.release)
	return err
}

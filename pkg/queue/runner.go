package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"permagate/pkg/metrics"
	"permagate/pkg/types"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	DefaultWorkers           = 4
	DefaultLease             = 5 * time.Minute
	DefaultPollInterval      = time.Second
	DefaultMaxBundleAttempts = 5
	DefaultRetryBase         = time.Second
	DefaultRetryMax          = 10 * time.Minute
)

// Handler processes one job. Returning an error wrapped with
// backoff.Permanent, or one wrapping types.ErrValidation, buries the job
// instead of retrying it.
type Handler interface {
	Handle(ctx context.Context, env *Envelope) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, env *Envelope) error

func (f HandlerFunc) Handle(ctx context.Context, env *Envelope) error {
	return f(ctx, env)
}

// StatusRecorder stores the outcome of bundle imports.
type StatusRecorder interface {
	SetBundleStatus(ctx context.Context, id, status string, attempts int, lastErr string) error
}

// RunnerConfig sizes the worker pool and the retry schedule.
type RunnerConfig struct {
	Workers           int
	Lease             time.Duration
	PollInterval      time.Duration
	MaxBundleAttempts int
	RetryBase         time.Duration
	RetryMax          time.Duration
}

// Runner pulls jobs off a RedisQueue and hands them to the handler
// registered for their type.
type Runner struct {
	queue    *RedisQueue
	cfg      RunnerConfig
	status   StatusRecorder
	logger   *zap.Logger
	metrics  *metrics.GatewayMetrics
	handlers map[string]Handler

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRunner creates a Runner. status may be nil.
func NewRunner(q *RedisQueue, cfg RunnerConfig, status StatusRecorder, logger *zap.Logger, m *metrics.GatewayMetrics) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxBundleAttempts <= 0 {
		cfg.MaxBundleAttempts = DefaultMaxBundleAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = DefaultRetryMax
	}

	return &Runner{
		queue:    q,
		cfg:      cfg,
		status:   status,
		logger:   logger,
		metrics:  m,
		handlers: make(map[string]Handler),
		stopCh:   make(chan struct{}),
	}
}

// Handle registers h for jobType. Call before Start.
func (r *Runner) Handle(jobType string, h Handler) {
	r.handlers[jobType] = h
}

// Start launches the workers and the maintenance loop that promotes due
// retries and reclaims expired leases.
func (r *Runner) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-r.stopCh
		cancel()
	}()

	r.wg.Add(1)
	go r.maintain(ctx)

	for i := 0; i < r.cfg.Workers; i++ {
		r.wg.Add(1)
		go r.work(ctx, i)
	}

	r.logger.Info("Job runner started",
		zap.Int("workers", r.cfg.Workers),
		zap.Duration("lease", r.cfg.Lease))
}

// Stop cancels in-flight jobs and waits for the workers to exit. Cancelled
// jobs keep their lease and are reclaimed once it expires.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() {
		close(r.stopCh)
	})
	r.wg.Wait()
}

func (r *Runner) maintain(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := r.queue.PromoteDelayed(ctx, now); err != nil && ctx.Err() == nil {
				r.logger.Warn("Failed to promote delayed jobs", zap.Error(err))
			}
			if _, err := r.queue.ReclaimExpired(ctx, now); err != nil && ctx.Err() == nil {
				r.logger.Warn("Failed to reclaim expired jobs", zap.Error(err))
			}
		}
	}
}

func (r *Runner) work(ctx context.Context, worker int) {
	defer r.wg.Done()

	for {
		ran, err := r.RunOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.logger.Error("Worker failed to take a job", zap.Int("worker", worker), zap.Error(err))
		}
		if ran {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(r.cfg.PollInterval):
		}
	}
}

// RunOnce takes at most one job and processes it. It reports whether a job
// was taken.
func (r *Runner) RunOnce(ctx context.Context) (bool, error) {
	env, err := r.queue.Dequeue(ctx, r.cfg.Lease)
	if err != nil {
		return false, err
	}
	if env == nil {
		return false, nil
	}
	return true, r.process(ctx, env)
}

func (r *Runner) process(ctx context.Context, env *Envelope) error {
	logger := r.logger.With(zap.String("job", env.ID), zap.String("type", env.Type))
	// Queue bookkeeping outlives a shutdown that lands mid-job.
	qctx := context.WithoutCancel(ctx)

	handler, ok := r.handlers[env.Type]
	if !ok {
		logger.Error("No handler for job type")
		env.LastError = "no handler"
		r.metrics.JobsFailed.WithLabelValues(env.Type, "permanent").Inc()
		return r.queue.Bury(qctx, env)
	}

	start := time.Now()
	err := handler.Handle(ctx, env)
	if err == nil {
		r.metrics.JobsCompleted.WithLabelValues(env.Type).Inc()
		logger.Debug("Job completed", zap.Duration("duration", time.Since(start)))
		return r.queue.Ack(qctx, env)
	}

	if ctx.Err() != nil {
		// Shutting down: leave the lease to expire so the job is reclaimed.
		return nil
	}

	env.Attempts++
	env.LastError = err.Error()

	if isPermanent(err) {
		logger.Error("Job failed permanently", zap.Int("attempts", env.Attempts), zap.Error(err))
		r.metrics.JobsFailed.WithLabelValues(env.Type, "permanent").Inc()
		r.recordBundle(qctx, env, types.BundleStatusFailed)
		return r.queue.Bury(qctx, env)
	}

	if env.Type == types.JobImportBundle && env.Attempts >= r.cfg.MaxBundleAttempts {
		logger.Error("Giving up on bundle import", zap.Int("attempts", env.Attempts), zap.Error(err))
		r.metrics.JobsFailed.WithLabelValues(env.Type, "gave_up").Inc()
		r.recordBundle(qctx, env, types.BundleStatusFailed)
		return r.queue.Bury(qctx, env)
	}

	delay := r.retryDelay(env.Attempts)
	logger.Warn("Job failed, retrying",
		zap.Int("attempts", env.Attempts),
		zap.Duration("delay", delay),
		zap.Error(err))
	r.metrics.JobsFailed.WithLabelValues(env.Type, "retry").Inc()
	r.recordBundle(qctx, env, types.BundleStatusPending)
	return r.queue.Retry(qctx, env, delay)
}

func (r *Runner) recordBundle(ctx context.Context, env *Envelope, status string) {
	if env.Type != types.JobImportBundle || r.status == nil {
		return
	}
	var job types.ImportJob
	if err := env.Decode(&job); err != nil || job.ID == "" {
		return
	}
	if err := r.status.SetBundleStatus(ctx, job.ID, status, env.Attempts, env.LastError); err != nil {
		r.logger.Warn("Failed to record bundle status", zap.String("bundle", job.ID), zap.Error(err))
	}
}

// retryDelay returns the exponential delay before retry number attempts
// (1-based), capped at RetryMax.
func (r *Runner) retryDelay(attempts int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryBase
	b.MaxInterval = r.cfg.RetryMax
	b.MaxElapsedTime = 0
	b.Reset()

	delay := b.NextBackOff()
	for i := 1; i < attempts; i++ {
		delay = b.NextBackOff()
	}
	return delay
}

func isPermanent(err error) bool {
	var perm *backoff.PermanentError
	return errors.As(err, &perm) || errors.Is(err, types.ErrValidation)
}

// permanent marks err as not worth retrying.
func permanent(format string, args ...interface{}) error {
	return backoff.Permanent(fmt.Errorf(format, args...))
}

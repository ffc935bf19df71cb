package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"permagate/pkg/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Keys, relative to the configured prefix:
//
//	jobs        hash   id -> envelope JSON
//	ready       list   ids waiting for a worker (popped from the right)
//	delayed     zset   ids scored by the unix ms they become ready
//	processing  zset   ids scored by the unix ms their lease expires
//	dead        list   envelopes that will not be retried
const (
	keyJobs       = "jobs"
	keyReady      = "ready"
	keyDelayed    = "delayed"
	keyProcessing = "processing"
	keyDead       = "dead"
)

// claim moves one ready id into the processing set under a lease.
var claimScript = redis.NewScript(`
local id = redis.call('RPOP', KEYS[1])
if not id then
	return false
end
redis.call('ZADD', KEYS[2], ARGV[1], id)
return id
`)

// release moves every member of a zset scored at or below ARGV[1] onto the
// ready list and returns how many moved.
var releaseScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	redis.call('RPUSH', KEYS[2], id)
end
return #ids
`)

// Stats is a point-in-time view of the queue sizes.
type Stats struct {
	Ready      int64 `json:"ready"`
	Delayed    int64 `json:"delayed"`
	Processing int64 `json:"processing"`
	Dead       int64 `json:"dead"`
}

// RedisQueue is a reliable queue: a dequeued job stays in the processing
// set until it is acked, retried or buried, and goes back to ready when its
// lease expires.
type RedisQueue struct {
	client  redis.UniversalClient
	prefix  string
	logger  *zap.Logger
	metrics *metrics.GatewayMetrics
}

// NewRedisQueue creates a queue whose keys live under prefix.
func NewRedisQueue(client redis.UniversalClient, prefix string, logger *zap.Logger, m *metrics.GatewayMetrics) *RedisQueue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if m == nil {
		m = metrics.NewNop()
	}
	if prefix == "" {
		prefix = "permagate"
	}
	return &RedisQueue{client: client, prefix: prefix, logger: logger, metrics: m}
}

func (q *RedisQueue) key(name string) string {
	return q.prefix + ":" + name
}

// Enqueue wraps payload in a new envelope and makes it ready.
func (q *RedisQueue) Enqueue(ctx context.Context, jobType string, payload interface{}) (string, error) {
	env, err := NewEnvelope(jobType, payload)
	if err != nil {
		return "", err
	}
	if err := q.Push(ctx, env); err != nil {
		return "", err
	}
	return env.ID, nil
}

// Push makes env ready.
func (q *RedisQueue) Push(ctx context.Context, env *Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.key(keyJobs), env.ID, raw)
		pipe.LPush(ctx, q.key(keyReady), env.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to enqueue %s job: %w", env.Type, err)
	}

	q.metrics.JobsEnqueued.WithLabelValues(env.Type).Inc()
	q.logger.Debug("Job enqueued", zap.String("id", env.ID), zap.String("type", env.Type))
	return nil
}

// Dequeue claims the oldest ready job for lease. It returns nil, nil when
// nothing is ready.
func (q *RedisQueue) Dequeue(ctx context.Context, lease time.Duration) (*Envelope, error) {
	for {
		deadline := time.Now().Add(lease).UnixMilli()
		id, err := claimScript.Run(ctx, q.client,
			[]string{q.key(keyReady), q.key(keyProcessing)}, deadline).Text()
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if err != nil {
			return nil, fmt.Errorf("failed to claim job: %w", err)
		}

		env, err := q.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if env == nil {
			// Acked by a worker whose lease had already expired.
			q.client.ZRem(ctx, q.key(keyProcessing), id)
			continue
		}
		return env, nil
	}
}

func (q *RedisQueue) load(ctx context.Context, id string) (*Envelope, error) {
	raw, err := q.client.HGet(ctx, q.key(keyJobs), id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}

	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("failed to decode job %s: %w", id, err)
	}
	return &env, nil
}

// Ack removes a finished job.
func (q *RedisQueue) Ack(ctx context.Context, env *Envelope) error {
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.key(keyProcessing), env.ID)
		pipe.HDel(ctx, q.key(keyJobs), env.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to ack job %s: %w", env.ID, err)
	}
	return nil
}

// Retry stores env's updated attempt count and schedules it after delay.
func (q *RedisQueue) Retry(ctx context.Context, env *Envelope, delay time.Duration) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	readyAt := time.Now().Add(delay).UnixMilli()
	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.key(keyJobs), env.ID, raw)
		pipe.ZRem(ctx, q.key(keyProcessing), env.ID)
		pipe.ZAdd(ctx, q.key(keyDelayed), redis.Z{Score: float64(readyAt), Member: env.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to schedule retry of job %s: %w", env.ID, err)
	}
	return nil
}

// Bury moves env to the dead list; it is never retried.
func (q *RedisQueue) Bury(ctx context.Context, env *Envelope) error {
	raw, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode envelope: %w", err)
	}

	_, err = q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, q.key(keyProcessing), env.ID)
		pipe.HDel(ctx, q.key(keyJobs), env.ID)
		pipe.LPush(ctx, q.key(keyDead), raw)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to bury job %s: %w", env.ID, err)
	}
	return nil
}

// PromoteDelayed makes every delayed job due by now ready.
func (q *RedisQueue) PromoteDelayed(ctx context.Context, now time.Time) (int, error) {
	n, err := releaseScript.Run(ctx, q.client,
		[]string{q.key(keyDelayed), q.key(keyReady)}, strconv.FormatInt(now.UnixMilli(), 10)).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to promote delayed jobs: %w", err)
	}
	return n, nil
}

// ReclaimExpired puts jobs whose lease expired by now back on the ready
// list, at the front. A worker that died mid-job therefore never leaves
// the job stuck in processing.
func (q *RedisQueue) ReclaimExpired(ctx context.Context, now time.Time) (int, error) {
	n, err := releaseScript.Run(ctx, q.client,
		[]string{q.key(keyProcessing), q.key(keyReady)}, strconv.FormatInt(now.UnixMilli(), 10)).Int()
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim expired jobs: %w", err)
	}
	if n > 0 {
		q.metrics.JobsReclaimed.Add(float64(n))
		q.logger.Warn("Reclaimed jobs with expired leases", zap.Int("count", n))
	}
	return n, nil
}

// Stats counts jobs in each state.
func (q *RedisQueue) Stats(ctx context.Context) (*Stats, error) {
	pipe := q.client.Pipeline()
	ready := pipe.LLen(ctx, q.key(keyReady))
	delayed := pipe.ZCard(ctx, q.key(keyDelayed))
	processing := pipe.ZCard(ctx, q.key(keyProcessing))
	dead := pipe.LLen(ctx, q.key(keyDead))
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to read queue stats: %w", err)
	}
	return &Stats{
		Ready:      ready.Val(),
		Delayed:    delayed.Val(),
		Processing: processing.Val(),
		Dead:       dead.Val(),
	}, nil
}

func (q *RedisQueue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

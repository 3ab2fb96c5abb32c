package queue

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisQueue implements a reliable list-backed queue. Keys move from the
// pending list to a processing list with BLMOVE and leave it on Ack, so a
// crashed consumer's jobs can be recovered. Each job's state lives in a hash
// that doubles as the dedup marker.
type RedisQueue struct {
	client      *redis.Client
	pending     string
	processing  string
	failed      string
	jobPrefix   string
	maxAttempts int
	ttl         time.Duration
	poll        time.Duration
	now         func() time.Time
}

// publishScript enqueues a job unless its hash says it is live or done.
// KEYS: job hash, pending list, failed set. ARGV: key, type, body, updated_at, ttl seconds.
var publishScript = redis.NewScript(`
local st = redis.call('HGET', KEYS[1], 'state')
if st and st ~= 'failed' then
  return 0
end
redis.call('DEL', KEYS[1])
redis.call('HSET', KEYS[1], 'key', ARGV[1], 'type', ARGV[2], 'body', ARGV[3], 'state', 'queued', 'attempts', 0, 'updated_at', ARGV[4])
redis.call('EXPIRE', KEYS[1], ARGV[5])
redis.call('ZREM', KEYS[3], ARGV[1])
redis.call('LPUSH', KEYS[2], ARGV[1])
return 1
`)

// NewRedisQueue builds a queue rooted at key.
func NewRedisQueue(client *redis.Client, key string, maxAttempts int, ttl time.Duration) *RedisQueue {
	if key == "" {
		key = "attendance:checkins"
	}
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	if ttl <= 0 {
		ttl = 72 * time.Hour
	}
	return &RedisQueue{
		client:      client,
		pending:     key,
		processing:  key + ":processing",
		failed:      key + ":failed",
		jobPrefix:   key + ":job:",
		maxAttempts: maxAttempts,
		ttl:         ttl,
		poll:        5 * time.Second,
		now:         time.Now,
	}
}

func (q *RedisQueue) jobKey(key string) string { return q.jobPrefix + key }

// Publish enqueues a job unless an equivalent one is live or done.
func (q *RedisQueue) Publish(ctx context.Context, job Job) (bool, error) {
	if job.Key == "" {
		return false, errors.New("queue: job key required")
	}
	n, err := publishScript.Run(ctx, q.client,
		[]string{q.jobKey(job.Key), q.pending, q.failed},
		job.Key, job.Type, string(job.Body), q.stamp(), int(q.ttl.Seconds()),
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Consume streams deliveries using BLMOVE.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Delivery, error) {
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			key, err := q.client.BLMove(ctx, q.pending, q.processing, "RIGHT", "LEFT", q.poll).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !errors.Is(err, redis.Nil) {
					time.Sleep(time.Second)
				}
				continue
			}
			d, ok, err := q.start(ctx, key)
			if err != nil || !ok {
				continue
			}
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (q *RedisQueue) start(ctx context.Context, key string) (Delivery, bool, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(key)).Result()
	if err != nil {
		return Delivery{}, false, err
	}
	if len(fields) == 0 {
		// Expired before anyone picked it up.
		return Delivery{}, false, q.client.LRem(ctx, q.processing, 1, key).Err()
	}
	pipe := q.client.TxPipeline()
	attempts := pipe.HIncrBy(ctx, q.jobKey(key), "attempts", 1)
	pipe.HSet(ctx, q.jobKey(key), "state", string(StateProcessing), "updated_at", q.stamp())
	if _, err := pipe.Exec(ctx); err != nil {
		return Delivery{}, false, err
	}
	return Delivery{
		Job:     Job{Key: key, Type: fields["type"], Body: []byte(fields["body"])},
		Attempt: int(attempts.Val()),
	}, true, nil
}

// Ack records the final outcome and releases the processing slot.
func (q *RedisQueue) Ack(ctx context.Context, key string, out Outcome) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(key),
		"state", string(out.State),
		"result", out.Result,
		"error_kind", out.ErrorKind,
		"error", out.Error,
		"updated_at", q.stamp(),
	)
	pipe.Expire(ctx, q.jobKey(key), q.ttl)
	pipe.LRem(ctx, q.processing, 1, key)
	if out.State == StateFailed {
		now := q.now()
		pipe.ZAdd(ctx, q.failed, redis.Z{Score: float64(now.UnixNano()), Member: key})
		// Hashes of entries older than the ttl have expired.
		pipe.ZRemRangeByScore(ctx, q.failed, "-inf", "("+strconv.FormatInt(now.Add(-q.ttl).UnixNano(), 10))
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Nack requeues a transient failure until the attempt budget is spent.
func (q *RedisQueue) Nack(ctx context.Context, key string, cause error) (bool, error) {
	attempts, err := q.client.HGet(ctx, q.jobKey(key), "attempts").Int()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, ErrUnknownJob
		}
		return false, err
	}
	if attempts >= q.maxAttempts {
		return false, q.Ack(ctx, key, Outcome{State: StateFailed, ErrorKind: "INTERNAL", Error: errText(cause)})
	}
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.jobKey(key), "state", string(StateQueued), "error", errText(cause), "updated_at", q.stamp())
	pipe.LRem(ctx, q.processing, 1, key)
	pipe.LPush(ctx, q.pending, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return true, nil
}

// Recover moves jobs orphaned in the processing list back to pending. Call
// it before consuming; with several workers sharing a queue it may hand a
// running job out twice, which the consumer's idempotency absorbs.
func (q *RedisQueue) Recover(ctx context.Context) (int, error) {
	moved := 0
	for {
		_, err := q.client.LMove(ctx, q.processing, q.pending, "RIGHT", "RIGHT").Result()
		if errors.Is(err, redis.Nil) {
			return moved, nil
		}
		if err != nil {
			return moved, err
		}
		moved++
	}
}

// Status returns the state of a job.
func (q *RedisQueue) Status(ctx context.Context, key string) (JobStatus, error) {
	fields, err := q.client.HGetAll(ctx, q.jobKey(key)).Result()
	if err != nil {
		return JobStatus{}, err
	}
	if len(fields) == 0 {
		return JobStatus{}, ErrUnknownJob
	}
	return parseStatus(key, fields), nil
}

// Failed lists failed jobs, most recent first. Entries whose hash expired
// are dropped from the set as they are found.
func (q *RedisQueue) Failed(ctx context.Context, limit int) ([]JobStatus, error) {
	if limit <= 0 {
		limit = 50
	}
	keys, err := q.client.ZRevRange(ctx, q.failed, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]JobStatus, 0, len(keys))
	var stale []any
	for _, k := range keys {
		st, err := q.Status(ctx, k)
		if errors.Is(err, ErrUnknownJob) {
			stale = append(stale, k)
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	if len(stale) > 0 {
		if err := q.client.ZRem(ctx, q.failed, stale...).Err(); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (q *RedisQueue) stamp() string { return q.now().UTC().Format(time.RFC3339Nano) }

func parseStatus(key string, f map[string]string) JobStatus {
	attempts, _ := strconv.Atoi(f["attempts"])
	updated, _ := time.Parse(time.RFC3339Nano, f["updated_at"])
	return JobStatus{
		Key:       key,
		Type:      f["type"],
		State:     State(f["state"]),
		Attempts:  attempts,
		ErrorKind: f["error_kind"],
		Error:     f["error"],
		Result:    f["result"],
		UpdatedAt: updated,
	}
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
)

// newTestRedisQueue needs a disposable Redis; set TEST_REDIS_ADDR to run.
func newTestRedisQueue(t *testing.T, maxAttempts int) (*RedisQueue, *redis.Client) {
	t.Helper()
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis unavailable: %v", err)
	}
	key := fmt.Sprintf("test:%s:%d", t.Name(), time.Now().UnixNano())
	q := NewRedisQueue(client, key, maxAttempts, time.Minute)
	q.poll = 100 * time.Millisecond
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := client.Keys(ctx, key+"*").Result()
		if len(keys) > 0 {
			client.Del(ctx, keys...)
		}
		client.Close()
	})
	return q, client
}

func TestRedisLifecycle(t *testing.T) {
	q, _ := newTestRedisQueue(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ok, err := q.Publish(ctx, Job{Key: "k1", Type: "checkin", Body: []byte("payload")})
	if err != nil || !ok {
		t.Fatalf("publish: %v %v", ok, err)
	}
	if ok, _ := q.Publish(ctx, Job{Key: "k1", Type: "checkin"}); ok {
		t.Fatal("live job must not be published twice")
	}

	ch, _ := q.Consume(ctx)
	d := receive(t, ch)
	if d.Job.Key != "k1" || string(d.Job.Body) != "payload" || d.Attempt != 1 {
		t.Fatalf("unexpected delivery %+v", d)
	}
	if err := q.Ack(ctx, "k1", Outcome{State: StateSucceeded, Result: "rec-1"}); err != nil {
		t.Fatal(err)
	}
	st, err := q.Status(ctx, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if st.State != StateSucceeded || st.Result != "rec-1" || st.Attempts != 1 {
		t.Fatalf("unexpected status %+v", st)
	}
	if ok, _ := q.Publish(ctx, Job{Key: "k1", Type: "checkin"}); ok {
		t.Fatal("succeeded job must not be republished")
	}
}

func TestRedisNackThenFailedList(t *testing.T) {
	q, _ := newTestRedisQueue(t, 2)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := q.Publish(ctx, Job{Key: "k1", Type: "checkin"}); err != nil {
		t.Fatal(err)
	}
	ch, _ := q.Consume(ctx)
	receive(t, ch)
	requeued, err := q.Nack(ctx, "k1", errors.New("db unavailable"))
	if err != nil || !requeued {
		t.Fatalf("first nack: %v %v", requeued, err)
	}
	if d := receive(t, ch); d.Attempt != 2 {
		t.Fatalf("attempt = %d", d.Attempt)
	}
	requeued, err = q.Nack(ctx, "k1", errors.New("db unavailable"))
	if err != nil || requeued {
		t.Fatalf("second nack should fail the job: %v %v", requeued, err)
	}

	failed, err := q.Failed(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].Key != "k1" || failed[0].ErrorKind != "INTERNAL" {
		t.Fatalf("unexpected failed list %+v", failed)
	}
	if ok, _ := q.Publish(ctx, Job{Key: "k1", Type: "checkin"}); !ok {
		t.Fatal("failed job should be republishable")
	}
	if failed, _ := q.Failed(ctx, 10); len(failed) != 0 {
		t.Fatalf("republished job still listed as failed: %+v", failed)
	}
}

func TestRedisRecoverMovesOrphans(t *testing.T) {
	q, client := newTestRedisQueue(t, 3)
	ctx := context.Background()

	if _, err := q.Publish(ctx, Job{Key: "k1", Type: "checkin"}); err != nil {
		t.Fatal(err)
	}
	// Simulate a consumer that died after BLMOVE.
	if err := client.LMove(ctx, q.pending, q.processing, "RIGHT", "LEFT").Err(); err != nil {
		t.Fatal(err)
	}
	n, err := q.Recover(ctx)
	if err != nil || n != 1 {
		t.Fatalf("recover: %d %v", n, err)
	}
	if l, _ := client.LLen(ctx, q.pending).Result(); l != 1 {
		t.Fatalf("pending length = %d", l)
	}
	if _, err := q.Status(ctx, "missing"); !errors.Is(err, ErrUnknownJob) {
		t.Fatalf("expected ErrUnknownJob, got %v", err)
	}
}

func TestRedisFailedSetDropsExpiredEntries(t *testing.T) {
	q, client := newTestRedisQueue(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// A member whose hash is gone, and one older than the job ttl.
	client.ZAdd(ctx, q.failed, redis.Z{Score: float64(time.Now().UnixNano()), Member: "gone"})
	client.ZAdd(ctx, q.failed, redis.Z{Score: float64(time.Now().Add(-2 * time.Hour).UnixNano()), Member: "old"})

	if _, err := q.Publish(ctx, Job{Key: "k1", Type: "checkin"}); err != nil {
		t.Fatal(err)
	}
	ch, _ := q.Consume(ctx)
	receive(t, ch)
	if requeued, err := q.Nack(ctx, "k1", errors.New("db unavailable")); err != nil || requeued {
		t.Fatalf("nack should fail the job: %v %v", requeued, err)
	}
	if err := client.ZScore(ctx, q.failed, "old").Err(); !errors.Is(err, redis.Nil) {
		t.Fatalf("entry past the ttl should be trimmed, got %v", err)
	}

	failed, err := q.Failed(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(failed) != 1 || failed[0].Key != "k1" {
		t.Fatalf("unexpected failed list %+v", failed)
	}
	if n, _ := client.ZCard(ctx, q.failed).Result(); n != 1 {
		t.Fatalf("expired entry left in the set, card = %d", n)
	}
}

package queue

import (
	"context"
	"errors"
	"testing"
	"time"
)

func receive(t *testing.T, ch <-chan Delivery) Delivery {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	return Delivery{}
}

func TestInMemoryPublishDedup(t *testing.T) {
	ctx := context.Background()
	q := NewInMemory(8, 3)

	ok, err := q.Publish(ctx, Job{Key: "k1", Type: "checkin", Body: []byte("a")})
	if err != nil || !ok {
		t.Fatalf("first publish: %v %v", ok, err)
	}
	ok, err = q.Publish(ctx, Job{Key: "k1", Type: "checkin", Body: []byte("a")})
	if err != nil || ok {
		t.Fatalf("second publish should be deduplicated: %v %v", ok, err)
	}
	if _, err := q.Publish(ctx, Job{Type: "checkin"}); err == nil {
		t.Error("expected error for empty key")
	}

	st, err := q.Status(ctx, "k1")
	if err != nil {
		t.Fatal(err)
	}
	if st.State != StateQueued {
		t.Errorf("state = %s", st.State)
	}
}

func TestInMemoryLifecycle(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := NewInMemory(8, 3)

	if _, err := q.Publish(ctx, Job{Key: "k1", Type: "checkin", Body: []byte("payload")}); err != nil {
		t.Fatal(err)
	}
	ch, _ := q.Consume(ctx)
	d := receive(t, ch)
	if d.Job.Key != "k1" || string(d.Job.Body) != "payload" || d.Attempt != 1 {
		t.Fatalf("unexpected delivery %+v", d)
	}
	if st, _ := q.Status(ctx, "k1"); st.State != StateProcessing {
		t.Errorf("state = %s", st.State)
	}

	if err := q.Ack(ctx, "k1", Outcome{State: StateSucceeded, Result: "rec-1"}); err != nil {
		t.Fatal(err)
	}
	st, _ := q.Status(ctx, "k1")
	if st.State != StateSucceeded || st.Result != "rec-1" {
		t.Errorf("status = %+v", st)
	}

	// Finished jobs still block republishing.
	if ok, _ := q.Publish(ctx, Job{Key: "k1"}); ok {
		t.Error("succeeded job must not be republished")
	}
}

func TestInMemoryFailedCanBeRepublished(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := NewInMemory(8, 3)

	_, _ = q.Publish(ctx, Job{Key: "k1"})
	ch, _ := q.Consume(ctx)
	receive(t, ch)
	_ = q.Ack(ctx, "k1", Outcome{State: StateFailed, ErrorKind: "TIME_WINDOW", Error: "too late"})

	failed, _ := q.Failed(ctx, 10)
	if len(failed) != 1 || failed[0].ErrorKind != "TIME_WINDOW" {
		t.Fatalf("failed = %+v", failed)
	}

	ok, err := q.Publish(ctx, Job{Key: "k1"})
	if err != nil || !ok {
		t.Fatalf("failed job should be republishable: %v %v", ok, err)
	}
	if failed, _ := q.Failed(ctx, 10); len(failed) != 0 {
		t.Errorf("republished job must leave the failed list: %+v", failed)
	}
}

func TestInMemoryNackRetriesThenFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := NewInMemory(8, 2)
	cause := errors.New("db unavailable")

	_, _ = q.Publish(ctx, Job{Key: "k1"})
	ch, _ := q.Consume(ctx)

	receive(t, ch)
	requeued, err := q.Nack(ctx, "k1", cause)
	if err != nil || !requeued {
		t.Fatalf("first nack: %v %v", requeued, err)
	}

	d := receive(t, ch)
	if d.Attempt != 2 {
		t.Errorf("attempt = %d", d.Attempt)
	}
	requeued, err = q.Nack(ctx, "k1", cause)
	if err != nil || requeued {
		t.Fatalf("second nack should exhaust attempts: %v %v", requeued, err)
	}
	st, _ := q.Status(ctx, "k1")
	if st.State != StateFailed || st.ErrorKind != "INTERNAL" || st.Error != "db unavailable" {
		t.Errorf("status = %+v", st)
	}
}

func TestInMemoryNackFailsWhenBufferFull(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	q := NewInMemory(1, 5)

	_, _ = q.Publish(ctx, Job{Key: "k1"})
	ch, _ := q.Consume(ctx)
	receive(t, ch)
	// The consumer loop holds k2 waiting for a reader, k3 fills the buffer.
	_, _ = q.Publish(ctx, Job{Key: "k2"})
	_, _ = q.Publish(ctx, Job{Key: "k3"})

	done := make(chan struct{})
	var (
		requeued bool
		err      error
	)
	go func() {
		requeued, err = q.Nack(ctx, "k1", errors.New("db unavailable"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("nack blocked on a full buffer")
	}
	if err != nil || requeued {
		t.Fatalf("nack on a full buffer should fail the job: %v %v", requeued, err)
	}
	st, _ := q.Status(ctx, "k1")
	if st.State != StateFailed || st.Error != "queue full on retry: db unavailable" {
		t.Errorf("status = %+v", st)
	}
	if failed, _ := q.Failed(ctx, 10); len(failed) != 1 || failed[0].Key != "k1" {
		t.Errorf("failed = %+v", failed)
	}
}

func TestInMemoryUnknownJob(t *testing.T) {
	q := NewInMemory(1, 1)
	if _, err := q.Status(context.Background(), "nope"); !errors.Is(err, ErrUnknownJob) {
		t.Errorf("err = %v", err)
	}
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateSucceeded, StateDuplicate, StateFailed} {
		if !s.Terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []State{StateQueued, StateProcessing} {
		if s.Terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestParseStatus(t *testing.T) {
	st := parseStatus("k", map[string]string{
		"type": "checkin", "state": "failed", "attempts": "3",
		"error_kind": "NOT_FOUND", "error": "course missing",
		"updated_at": "2026-03-02T09:05:00Z",
	})
	if st.Attempts != 3 || st.State != StateFailed || st.UpdatedAt.IsZero() {
		t.Errorf("parsed = %+v", st)
	}
}

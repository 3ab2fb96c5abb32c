package queue

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrUnknownJob is returned by Status for keys the queue never saw or has
// already forgotten.
var ErrUnknownJob = errors.New("queue: unknown job")

// Job is one unit of work. Key is the idempotency key: while a job with the
// same key is queued, running or finished successfully, publishing it again
// is a no-op.
type Job struct {
	Key  string
	Type string
	Body []byte
}

// State is where a job is in its lifecycle.
type State string

const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateSucceeded  State = "succeeded"
	StateDuplicate  State = "duplicate"
	StateFailed     State = "failed"
)

// Terminal reports whether the job will not run again on its own.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateDuplicate || s == StateFailed
}

// JobStatus is the observable state of a job.
type JobStatus struct {
	Key       string    `json:"key"`
	Type      string    `json:"type"`
	State     State     `json:"state"`
	Attempts  int       `json:"attempts"`
	ErrorKind string    `json:"error_kind,omitempty"`
	Error     string    `json:"error,omitempty"`
	Result    string    `json:"result,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Outcome finishes a delivery.
type Outcome struct {
	State     State
	Result    string
	ErrorKind string
	Error     string
}

// Delivery is a job handed to a consumer. Attempt starts at 1.
type Delivery struct {
	Job     Job
	Attempt int
}

// Queue is the abstraction over different backends. Delivery is
// at-least-once: a consumer that dies before Ack sees the job again.
type Queue interface {
	Publish(ctx context.Context, job Job) (bool, error)
	Consume(ctx context.Context) (<-chan Delivery, error)
	Ack(ctx context.Context, key string, out Outcome) error
	Nack(ctx context.Context, key string, cause error) (bool, error)
	Status(ctx context.Context, key string) (JobStatus, error)
	Failed(ctx context.Context, limit int) ([]JobStatus, error)
}

// InMemory is a channel-backed queue for dev/testing.
type InMemory struct {
	ch          chan string
	maxAttempts int
	now         func() time.Time

	mu     sync.Mutex
	jobs   map[string]*memJob
	failed []string
}

type memJob struct {
	job    Job
	status JobStatus
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size, maxAttempts int) *InMemory {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &InMemory{
		ch:          make(chan string, size),
		maxAttempts: maxAttempts,
		now:         time.Now,
		jobs:        make(map[string]*memJob),
	}
}

// Publish enqueues a job unless an equivalent one is live or done.
func (q *InMemory) Publish(ctx context.Context, job Job) (bool, error) {
	if job.Key == "" {
		return false, errors.New("queue: job key required")
	}
	q.mu.Lock()
	if j, ok := q.jobs[job.Key]; ok && j.status.State != StateFailed {
		q.mu.Unlock()
		return false, nil
	}
	q.jobs[job.Key] = &memJob{job: job, status: JobStatus{
		Key: job.Key, Type: job.Type, State: StateQueued, UpdatedAt: q.now(),
	}}
	q.dropFailed(job.Key)
	q.mu.Unlock()

	select {
	case q.ch <- job.Key:
		return true, nil
	case <-ctx.Done():
		q.mu.Lock()
		delete(q.jobs, job.Key)
		q.mu.Unlock()
		return false, ctx.Err()
	}
}

// Consume returns a channel for workers.
func (q *InMemory) Consume(ctx context.Context) (<-chan Delivery, error) {
	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case key := <-q.ch:
				d, ok := q.start(key)
				if !ok {
					continue
				}
				select {
				case out <- d:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (q *InMemory) start(key string) (Delivery, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[key]
	if !ok {
		return Delivery{}, false
	}
	j.status.State = StateProcessing
	j.status.Attempts++
	j.status.UpdatedAt = q.now()
	return Delivery{Job: j.job, Attempt: j.status.Attempts}, true
}

// Ack records the final outcome of a delivery.
func (q *InMemory) Ack(_ context.Context, key string, out Outcome) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[key]
	if !ok {
		return ErrUnknownJob
	}
	j.status.State = out.State
	j.status.Result = out.Result
	j.status.ErrorKind = out.ErrorKind
	j.status.Error = out.Error
	j.status.UpdatedAt = q.now()
	if out.State == StateFailed {
		q.failed = append(q.failed, key)
	}
	return nil
}

// Nack requeues a delivery that failed for a transient reason, or fails it
// once the attempt budget is spent. The caller may be the only consumer, so
// a full buffer fails the job instead of waiting for room.
func (q *InMemory) Nack(ctx context.Context, key string, cause error) (bool, error) {
	q.mu.Lock()
	j, ok := q.jobs[key]
	if !ok {
		q.mu.Unlock()
		return false, ErrUnknownJob
	}
	if j.status.Attempts >= q.maxAttempts {
		q.mu.Unlock()
		return false, q.Ack(ctx, key, Outcome{State: StateFailed, ErrorKind: "INTERNAL", Error: errText(cause)})
	}
	j.status.State = StateQueued
	j.status.Error = errText(cause)
	j.status.UpdatedAt = q.now()
	q.mu.Unlock()

	select {
	case q.ch <- key:
		return true, nil
	default:
		return false, q.Ack(ctx, key, Outcome{
			State:     StateFailed,
			ErrorKind: "INTERNAL",
			Error:     "queue full on retry: " + errText(cause),
		})
	}
}

// Status returns the state of a job.
func (q *InMemory) Status(_ context.Context, key string) (JobStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[key]
	if !ok {
		return JobStatus{}, ErrUnknownJob
	}
	return j.status, nil
}

// Failed lists failed jobs, most recent first.
func (q *InMemory) Failed(_ context.Context, limit int) ([]JobStatus, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []JobStatus
	for i := len(q.failed) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		if j, ok := q.jobs[q.failed[i]]; ok && j.status.State == StateFailed {
			out = append(out, j.status)
		}
	}
	return out, nil
}

func (q *InMemory) dropFailed(key string) {
	for i, k := range q.failed {
		if k == key {
			q.failed = append(q.failed[:i], q.failed[i+1:]...)
			return
		}
	}
}

func errText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

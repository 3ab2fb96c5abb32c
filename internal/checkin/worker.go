package checkin

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"classattend/internal/apperr"
	"classattend/internal/metrics"
	"classattend/internal/queue"
)

// Worker consumes check-in jobs and records their outcome on the queue.
type Worker struct {
	q    queue.Queue
	proc *Processor
	log  *zap.Logger
}

func NewWorker(q queue.Queue, proc *Processor, log *zap.Logger) *Worker {
	return &Worker{q: q, proc: proc, log: log}
}

// Run consumes until ctx is cancelled. Several Runs may share one queue.
func (w *Worker) Run(ctx context.Context) error {
	deliveries, err := w.q.Consume(ctx)
	if err != nil {
		return err
	}
	for d := range deliveries {
		w.Handle(ctx, d)
	}
	return nil
}

// Handle processes one delivery. Fatal errors fail the job for good;
// anything else is handed back to the queue for another attempt.
func (w *Worker) Handle(ctx context.Context, d queue.Delivery) {
	start := time.Now()
	log := w.log.With(zap.String("job_key", d.Job.Key), zap.Int("attempt", d.Attempt))

	if d.Job.Type != JobType {
		w.ack(ctx, log, d.Job.Key, failed(apperr.Validation("unsupported job type %q", d.Job.Type)))
		return
	}
	var pl Payload
	if err := json.Unmarshal(d.Job.Body, &pl); err != nil {
		w.ack(ctx, log, d.Job.Key, failed(apperr.Validation("malformed check-in payload")))
		return
	}
	mode := string(pl.Modality())

	res, err := w.proc.Process(ctx, pl)
	metrics.CheckinJobDuration.Observe(time.Since(start).Seconds())
	switch {
	case err == nil:
		out := queue.Outcome{State: queue.StateSucceeded, Result: res.RecordID}
		if res.Duplicate {
			out.State = queue.StateDuplicate
		}
		metrics.CheckinJobs.WithLabelValues(string(out.State), mode).Inc()
		log.Info("check-in processed",
			zap.String("record_id", res.RecordID),
			zap.String("status", res.Status.String()),
			zap.Bool("duplicate", res.Duplicate),
		)
		w.ack(ctx, log, d.Job.Key, out)
	case apperr.Fatal(err):
		metrics.CheckinJobs.WithLabelValues(string(queue.StateFailed), mode).Inc()
		log.Info("check-in rejected", zap.String("kind", string(apperr.KindOf(err))), zap.Error(err))
		w.ack(ctx, log, d.Job.Key, failed(err))
	default:
		log.Warn("check-in failed, handing back to queue", zap.Error(err))
		retried, nerr := w.q.Nack(ctx, d.Job.Key, err)
		if nerr != nil {
			log.Error("nack failed", zap.Error(nerr))
			return
		}
		if !retried {
			metrics.CheckinJobs.WithLabelValues(string(queue.StateFailed), mode).Inc()
		}
	}
}

func (w *Worker) ack(ctx context.Context, log *zap.Logger, key string, out queue.Outcome) {
	if err := w.q.Ack(ctx, key, out); err != nil {
		log.Error("ack failed", zap.Error(err))
	}
}

func failed(err error) queue.Outcome {
	return queue.Outcome{
		State:     queue.StateFailed,
		ErrorKind: string(apperr.KindOf(err)),
		Error:     apperr.MessageOf(err),
	}
}

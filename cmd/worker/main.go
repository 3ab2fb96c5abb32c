package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"classattend/internal/app"
	"classattend/internal/config"
	"classattend/internal/logger"
	"classattend/internal/queue"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logger.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		panic(err)
	}
	defer func() { _ = log.Sync() }()

	if err := run(cfg, log); err != nil {
		log.Fatal("worker failed", zap.Error(err))
	}
}

func run(cfg config.App, log *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.QueueBackend == "memory" {
		log.Warn("QUEUE_BACKEND=memory is private to one process; the API runs its own workers in that mode")
	}

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	if rq, ok := a.Queue.(*queue.RedisQueue); ok {
		n, err := rq.Recover(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			log.Info("requeued orphaned check-in jobs", zap.Int("count", n))
		}
	}

	if !cfg.FaceSkip {
		healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := a.Face.Health(healthCtx); err != nil {
			log.Warn("face service not healthy; photo check-ins will carry no score", zap.Error(err))
		}
		cancel()
	}

	sched, err := a.Sweeper.Schedule(cfg.SweepSchedule, 2*time.Minute)
	if err != nil {
		return err
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	log.Info("worker started",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.String("queue", cfg.QueueBackend),
		zap.String("sweep_schedule", cfg.SweepSchedule),
	)
	err = a.RunWorkers(ctx, cfg.WorkerConcurrency)
	log.Info("worker exiting")
	return err
}

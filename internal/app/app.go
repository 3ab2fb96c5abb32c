// Package app assembles the attendance services from configuration. Both
// binaries build the same graph; they differ in what they run on top of it.
package app

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"classattend/internal/api"
	"classattend/internal/blob"
	"classattend/internal/checkin"
	"classattend/internal/config"
	"classattend/internal/faceclient"
	"classattend/internal/httpmiddleware"
	"classattend/internal/leave"
	"classattend/internal/memstore"
	"classattend/internal/queue"
	"classattend/internal/repository"
	"classattend/internal/seed"
	"classattend/internal/store"
	"classattend/internal/sweep"
	"classattend/internal/view"
	"classattend/internal/window"
)

// Store is everything the services need from persistence, plus the sync
// writes used for seeding. Both repository.Repository and memstore.Store
// satisfy it.
type Store interface {
	checkin.Store
	leave.Store
	window.Store
	view.Store
	sweep.Store
	seed.Target
}

var (
	_ Store = (*repository.Repository)(nil)
	_ Store = (*memstore.Store)(nil)
)

// App is the assembled service graph.
type App struct {
	Config config.App
	Log    *zap.Logger

	DB    *store.DB
	Redis *store.Redis
	Store Store
	Queue queue.Queue
	Face  *faceclient.Client

	Checkins  *checkin.Service
	Processor *checkin.Processor
	Windows   *window.Manager
	Views     *view.Resolver
	Leaves    *leave.Service
	Sweeper   *sweep.Sweeper
}

// New connects the configured backends and builds the services.
func New(ctx context.Context, cfg config.App, log *zap.Logger) (*App, error) {
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, Log: log}

	switch cfg.StoreBackend {
	case "memory":
		log.Warn("using in-memory store; data is lost on restart")
		a.Store = memstore.New()
	default:
		db, err := store.NewDB(ctx, cfg.DatabaseURL)
		if err != nil {
			if db != nil {
				_ = db.Close()
			}
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		a.DB = db
		if cfg.MigrateOnStart {
			if err := store.RunMigrations(db.Client, log); err != nil {
				a.Close()
				return nil, err
			}
		}
		a.Store = repository.NewRepository(db.Client)
	}

	if cfg.SeedFile != "" {
		f, err := seed.Load(cfg.SeedFile)
		if err == nil {
			err = seed.Apply(ctx, a.Store, f, log.Named("seed"))
		}
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	switch cfg.QueueBackend {
	case "memory":
		a.Queue = queue.NewInMemory(256, cfg.QueueMaxAttempts)
	default:
		a.Redis = store.NewRedis(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		a.Queue = queue.NewRedisQueue(a.Redis.Client, cfg.QueueKey, cfg.QueueMaxAttempts, cfg.JobTTL)
	}

	blobs, err := blob.New(cfg)
	if err != nil {
		a.Close()
		return nil, err
	}
	var uploader leave.Uploader
	if blobs != nil {
		uploader = blobs
	} else {
		log.Warn("no blob store configured; leave attachments will be recorded as failed")
	}

	a.Face = faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
	a.Windows = window.NewManager(a.Store, window.Options{
		OpenDelay:       cfg.WindowOpenDelay,
		DefaultDuration: cfg.WindowDefaultDuration,
	}, log.Named("window"))
	a.Processor = checkin.NewProcessor(a.Store, a.Windows, a.Face, checkin.Options{
		Before: cfg.SelfCheckinBefore,
		After:  cfg.SelfCheckinAfter,
	}, log.Named("checkin"))
	a.Checkins = checkin.NewService(a.Queue, log.Named("checkin"))
	a.Views = view.NewResolver(a.Store, a.Windows, loc)
	a.Leaves = leave.NewService(a.Store, uploader, log.Named("leave"))
	a.Sweeper = sweep.New(a.Store, cfg.SweepLookback, log.Named("sweep"))
	return a, nil
}

// Router builds the HTTP handler over the services.
func (a *App) Router() http.Handler {
	health := map[string]api.HealthCheck{}
	if a.DB != nil {
		health["db"] = a.DB.Healthy
	}
	if a.Redis != nil {
		health["redis"] = a.Redis.Healthy
	}

	var limiter httpmiddleware.Limiter
	if a.Redis != nil {
		limiter = httpmiddleware.NewRedisWindow(a.Redis.Client, "attendance:ratelimit", a.Config.RateLimitPerMin, a.Log.Named("ratelimit"))
	} else {
		limiter = httpmiddleware.NewSimpleTokenBucket(a.Config.RateLimitPerMin, a.Config.RateLimitPerMin)
	}

	return api.NewRouter(api.Options{
		JWTIssuer:     a.Config.JWTIssuer,
		JWTSigningKey: a.Config.JWTSigningKey,
		CORSOrigins:   a.Config.CORSOrigins,
		RequestLog:    !a.Config.Production(),
	}, api.Deps{
		Checkins:  a.Checkins,
		Processor: a.Processor,
		Views:     a.Views,
		Windows:   a.Windows,
		Leaves:    a.Leaves,
		Sweeper:   a.Sweeper,
		Limiter:   limiter,
		Health:    health,
		Log:       a.Log.Named("api"),
	})
}

// RunWorkers consumes check-in jobs with n concurrent workers until ctx is
// cancelled or one of them fails.
func (a *App) RunWorkers(ctx context.Context, n int) error {
	if n <= 0 {
		n = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < n; i++ {
		w := checkin.NewWorker(a.Queue, a.Processor, a.Log.Named("worker").With(zap.Int("worker", i)))
		g.Go(func() error { return w.Run(ctx) })
	}
	return g.Wait()
}

// Close releases backend connections.
func (a *App) Close() {
	if err := a.Redis.Close(); err != nil {
		a.Log.Warn("close redis", zap.Error(err))
	}
	if err := a.DB.Close(); err != nil {
		a.Log.Warn("close postgres", zap.Error(err))
	}
}

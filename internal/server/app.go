// Package server assembles the long-lived services of a harvester process and
// runs its HTTP listeners.
package server

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/JakeFAU/stackharvest/internal/api"
	"github.com/JakeFAU/stackharvest/internal/clock/system"
	"github.com/JakeFAU/stackharvest/internal/config"
	"github.com/JakeFAU/stackharvest/internal/crawler"
	"github.com/JakeFAU/stackharvest/internal/fleet"
	"github.com/JakeFAU/stackharvest/internal/fleet/ec2"
	fleetmemory "github.com/JakeFAU/stackharvest/internal/fleet/memory"
	"github.com/JakeFAU/stackharvest/internal/hash/sha256"
	"github.com/JakeFAU/stackharvest/internal/id/uuid"
	"github.com/JakeFAU/stackharvest/internal/monitor"
	"github.com/JakeFAU/stackharvest/internal/policy/ratelimit"
	"github.com/JakeFAU/stackharvest/internal/progress"
	"github.com/JakeFAU/stackharvest/internal/progress/sinks"
	memorypublisher "github.com/JakeFAU/stackharvest/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/stackharvest/internal/publisher/pubsub"
	"github.com/JakeFAU/stackharvest/internal/queue"
	"github.com/JakeFAU/stackharvest/internal/scrape"
	"github.com/JakeFAU/stackharvest/internal/storage"
	"github.com/JakeFAU/stackharvest/internal/worker"
)

// App holds the shared services of one process. Components are built from it
// on demand so each command only pays for what it runs.
type App struct {
	Config    config.Config
	Logger    *zap.Logger
	Clock     crawler.Clock
	Queue     *queue.Queue
	Store     crawler.QuestionStore
	Publisher crawler.Publisher
	Events    *progress.Hub

	redis     redis.UniversalClient
	ownsRedis bool
	ids       *uuid.Generator
	limiter   *ratelimit.Limiter
	closers   []func() error
}

const (
	memoryTopic       = "task-events"
	eventCloseTimeout = 10 * time.Second
)

// Build dials Redis and opens the question store and event publisher.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	client, err := queue.NewRedisClient(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	app, err := BuildWithClient(ctx, cfg, client, logger)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	app.ownsRedis = true
	return app, nil
}

// BuildWithClient is Build over an existing Redis client, which the App will not close.
func BuildWithClient(ctx context.Context, cfg config.Config, client redis.UniversalClient, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	app := &App{
		Config: cfg,
		Logger: logger,
		Clock:  system.New(),
		redis:  client,
		ids:    uuid.New(),
		limiter: ratelimit.New(ratelimit.Config{
			RequestsPerSecond: cfg.Scraper.RequestsPerSecond,
			Burst:             cfg.Scraper.Burst,
		}),
	}

	q, err := queue.New(client, queue.ConfigFrom(cfg.Redis, cfg.Queue), app.Clock, sha256.New(), app.ids, logger.Named("queue"))
	if err != nil {
		return nil, fmt.Errorf("queue init failed: %w", err)
	}
	app.Queue = q

	app.Store, err = storage.NewQuestionStore(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("question store init failed: %w", err)
	}
	logger.Info("question store ready", zap.String("driver", cfg.Database.Driver))

	if err := app.setupPublisher(ctx); err != nil {
		app.Store.Close()
		return nil, err
	}
	return app, nil
}

// setupPublisher picks the event transport and starts the hub that batches
// worker events onto it.
func (a *App) setupPublisher(ctx context.Context) error {
	topic := a.Config.PubSub.Topic
	if a.Config.PubSub.ProjectID == "" || topic == "" {
		a.Logger.Info("no Pub/Sub topic configured, task events stay in memory")
		a.Publisher = memorypublisher.NewBounded(1000)
		topic = memoryTopic
	} else {
		pub, err := gcppublisher.New(ctx, a.Config.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub init failed: %w", err)
		}
		a.Publisher = pub
		a.closers = append(a.closers, pub.Close)
		a.Logger.Info("Pub/Sub publisher initialized",
			zap.String("project", a.Config.PubSub.ProjectID),
			zap.String("topic", topic),
		)
	}
	publish, err := sinks.NewPublisher(a.Publisher, topic)
	if err != nil {
		return err
	}
	a.Events = progress.NewHub(progress.Config{Logger: a.Logger.Named("events")},
		publish, sinks.NewLog(a.Logger.Named("events")))
	return nil
}

// NewWorker builds a worker with concurrency slots; zero uses worker.concurrency.
// An empty id is replaced by a generated one derived from the hostname.
func (a *App) NewWorker(id string, concurrency int) (*worker.Worker, error) {
	if id == "" {
		host, err := os.Hostname()
		if err != nil {
			host = ""
		}
		if id, err = a.ids.WorkerID("worker", host); err != nil {
			return nil, err
		}
	}
	sessions, err := scrape.NewFactory(a.Config.Scraper, a.limiter, a.Logger.Named("scrape"))
	if err != nil {
		return nil, fmt.Errorf("session factory init failed: %w", err)
	}
	cfg := worker.ConfigFrom(id, a.Config.Worker)
	if concurrency > 0 {
		cfg.Concurrency = concurrency
	}
	return worker.New(a.Queue, a.Store, sessions, a.Events, a.Clock, cfg, a.Logger.Named("worker"))
}

// NewAPI builds the health server. The shutdown key and grace period come from config.
func (a *App) NewAPI(stopWorkers func(), localWorkers func() []worker.Stats) *api.Server {
	return api.NewServer(a.Queue, a.Store, a.Clock, api.Options{
		ShutdownKey:  a.Config.Auth.ShutdownKey,
		GracePeriod:  a.Config.Shutdown.GracePeriod,
		StopWorkers:  stopWorkers,
		LocalWorkers: localWorkers,
	}, a.Logger.Named("api"))
}

// NewMonitor builds the background monitor over the host's system probe.
func (a *App) NewMonitor() (*monitor.Monitor, error) {
	return monitor.New(a.Queue, monitor.NewSystemProbe(a.Config.Monitor.DiskPath),
		monitor.ConfigFrom(a.Config.Monitor), a.Logger.Named("monitor"))
}

// NewProvisioner returns the configured fleet provisioner.
func (a *App) NewProvisioner(ctx context.Context) (crawler.Provisioner, error) {
	switch a.Config.Fleet.Provider {
	case "ec2":
		p, err := ec2.Dial(ctx, ec2.ConfigFrom(a.Config.Fleet), a.Clock, a.Logger.Named("ec2"))
		if err != nil {
			return nil, fmt.Errorf("ec2 provisioner init failed: %w", err)
		}
		return p, nil
	case "", "memory":
		return fleetmemory.New(a.Clock), nil
	default:
		return nil, fmt.Errorf("unknown fleet.provider %q", a.Config.Fleet.Provider)
	}
}

// NewScaler builds the fleet scaler over the configured provisioner.
func (a *App) NewScaler(ctx context.Context) (*fleet.Scaler, error) {
	prov, err := a.NewProvisioner(ctx)
	if err != nil {
		return nil, err
	}
	return fleet.New(a.Queue, prov, a.Clock, fleet.ConfigFrom(a.Config.Fleet), a.Logger.Named("fleet"))
}

// Close flushes pending task events, then releases the store, publisher and,
// when owned, the Redis client.
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), eventCloseTimeout)
	if err := a.Events.Close(ctx); err != nil {
		a.Logger.Warn("task events not flushed", zap.Error(err))
	}
	cancel()
	for _, closeFn := range a.closers {
		if err := closeFn(); err != nil {
			a.Logger.Warn("close failed", zap.Error(err))
		}
	}
	a.Store.Close()
	if a.ownsRedis {
		if err := a.redis.Close(); err != nil {
			a.Logger.Warn("redis client close failed", zap.Error(err))
		}
	}
	if err := a.Logger.Sync(); err != nil {
		a.Logger.Debug("logger sync failed", zap.Error(err))
	}
}

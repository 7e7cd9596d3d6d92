// Package orchestrator drives a complete harvesting run: it plans the task
// queue, starts local workers and/or a cloud fleet, reports progress and
// stops the run once the target is reached or the queue is exhausted.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/stackharvest/internal/crawler"
	"github.com/JakeFAU/stackharvest/internal/worker"
)

// Mode selects where workers run.
type Mode string

// Run modes.
const (
	ModeLocal  Mode = "local"
	ModeCloud  Mode = "cloud"
	ModeHybrid Mode = "hybrid"
)

// QuestionsPerPage is the listing page size used to turn a question target into a page budget.
const QuestionsPerPage = 50

const finalTimeout = 30 * time.Second

// ErrStopRun ends the run cleanly when returned by a Service.
var ErrStopRun = errors.New("run stop requested")

// ParseMode validates a mode name.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(s); m {
	case ModeLocal, ModeCloud, ModeHybrid:
		return m, nil
	default:
		return "", fmt.Errorf("mode must be local, cloud or hybrid, got %q", s)
	}
}

func (m Mode) local() bool { return m == ModeLocal || m == ModeHybrid }
func (m Mode) cloud() bool { return m == ModeCloud || m == ModeHybrid }

// Queue is the part of the task queue a run coordinates.
type Queue interface {
	Ping(ctx context.Context) error
	Initialize(ctx context.Context, pageBudget int) (int, error)
	Stats(ctx context.Context) (crawler.QueueStats, error)
	DrainForShutdown(ctx context.Context) (int, error)
}

// Store is the part of the question store a run reads.
type Store interface {
	Ping(ctx context.Context) error
	Count(ctx context.Context) (int64, error)
}

// Pool runs local workers; dispatcher.Dispatcher implements it.
type Pool interface {
	Run(ctx context.Context) error
	Stop()
	Stats() []worker.Stats
}

// Fleet launches and sizes cloud instances; fleet.Scaler implements it.
type Fleet interface {
	Launch(ctx context.Context, n int) ([]crawler.Instance, error)
	Run(ctx context.Context) error
	TerminateAll(ctx context.Context) error
}

// Service is a background component that runs for the duration of a run,
// such as the health server or the monitor.
type Service struct {
	Name string
	Run  func(ctx context.Context) error
}

// Options are the command line knobs of a run.
type Options struct {
	Mode       Mode
	Instances  int
	Target     int64
	PageBudget int
	SetupOnly  bool
	Interval   time.Duration
}

// Deps are the collaborators of a run. Pool is required in local modes and
// Fleet in cloud modes.
type Deps struct {
	Queue    Queue
	Store    Store
	Pool     Pool
	Fleet    Fleet
	Services []Service
	// Export, when set, runs after the final statistics are logged.
	Export func(ctx context.Context) (string, error)
	Clock  crawler.Clock
	Logger *zap.Logger
}

// Progress is one progress report.
type Progress struct {
	Stats              crawler.QueueStats
	StoredQuestions    int64
	Percent            float64
	Runtime            time.Duration
	TasksPerMinute     float64
	QuestionsPerMinute float64
	ETA                time.Duration
}

// Orchestrator runs one harvest.
type Orchestrator struct {
	opts    Options
	deps    Deps
	logger  *zap.Logger
	started time.Time
}

// New validates the options against the provided collaborators.
func New(opts Options, deps Deps) (*Orchestrator, error) {
	if deps.Queue == nil || deps.Store == nil || deps.Clock == nil {
		return nil, fmt.Errorf("queue, store and clock are required")
	}
	if _, err := ParseMode(string(opts.Mode)); err != nil {
		return nil, err
	}
	if !opts.SetupOnly {
		if opts.Mode.local() && deps.Pool == nil {
			return nil, fmt.Errorf("%s mode needs a local worker pool", opts.Mode)
		}
		if opts.Mode.cloud() && deps.Fleet == nil {
			return nil, fmt.Errorf("%s mode needs a fleet", opts.Mode)
		}
	}
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	return &Orchestrator{opts: opts, deps: deps, logger: deps.Logger}, nil
}

// PageBudget converts a question target into listing pages, falling back to
// the configured budget when no target is set.
func PageBudget(target int64, fallback int) int {
	if target <= 0 {
		return fallback
	}
	return int((target + QuestionsPerPage - 1) / QuestionsPerPage)
}

// Setup checks connectivity and plans a fresh task queue.
func (o *Orchestrator) Setup(ctx context.Context) (int, error) {
	if err := o.deps.Queue.Ping(ctx); err != nil {
		return 0, fmt.Errorf("coordination store unavailable: %w", err)
	}
	if err := o.deps.Store.Ping(ctx); err != nil {
		return 0, fmt.Errorf("question store unavailable: %w", err)
	}
	budget := PageBudget(o.opts.Target, o.opts.PageBudget)
	n, err := o.deps.Queue.Initialize(ctx, budget)
	if err != nil {
		return 0, err
	}
	o.logger.Info("infrastructure ready", zap.Int("tasks", n), zap.Int("page_budget", budget))
	return n, nil
}

// Run performs setup, runs workers and services until the run is finished or
// ctx is canceled, then stops workers, drains the queue and tears the fleet down.
func (o *Orchestrator) Run(ctx context.Context) error {
	if _, err := o.Setup(ctx); err != nil {
		return err
	}
	if o.opts.SetupOnly {
		o.logger.Info("setup only, not starting workers")
		return nil
	}
	o.started = o.deps.Clock.Now()
	o.logger.Info("harvest starting",
		zap.String("mode", string(o.opts.Mode)),
		zap.Int64("target", o.opts.Target),
	)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()
	g, gctx := errgroup.WithContext(runCtx)

	var launchErr error
	if o.opts.Mode.cloud() {
		if _, err := o.deps.Fleet.Launch(gctx, o.opts.Instances); err != nil {
			launchErr = err
			o.logger.Error("initial fleet launch failed", zap.Error(err))
		}
		g.Go(func() error { return o.deps.Fleet.Run(gctx) })
	}
	if o.opts.Mode.local() {
		g.Go(func() error { return o.deps.Pool.Run(gctx) })
	}
	for _, svc := range o.deps.Services {
		g.Go(func() error {
			err := svc.Run(gctx)
			switch {
			case errors.Is(err, ErrStopRun):
				o.logger.Info("run stopped by service", zap.String("service", svc.Name))
				stop()
				return nil
			case err != nil && !errors.Is(err, context.Canceled):
				return fmt.Errorf("%s: %w", svc.Name, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		o.watch(gctx)
		stop()
		return nil
	})

	runErr := g.Wait()
	return errors.Join(launchErr, runErr, o.shutdown())
}

// watch reports progress every interval and returns once the run is finished.
func (o *Orchestrator) watch(ctx context.Context) {
	ticker := time.NewTicker(o.opts.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		p, err := o.Progress(ctx)
		if err != nil {
			if ctx.Err() == nil {
				o.logger.Warn("progress check failed", zap.Error(err))
			}
			continue
		}
		o.report(p)
		if reason := o.finished(p); reason != "" {
			o.logger.Info("harvest finished", zap.String("reason", reason))
			return
		}
	}
}

// Progress reads the queue and store and derives rates.
func (o *Orchestrator) Progress(ctx context.Context) (Progress, error) {
	stats, err := o.deps.Queue.Stats(ctx)
	if err != nil {
		return Progress{}, err
	}
	stored, err := o.deps.Store.Count(ctx)
	if err != nil {
		return Progress{}, fmt.Errorf("count questions: %w", err)
	}
	p := Progress{Stats: stats, StoredQuestions: stored}
	if stats.TotalTasks > 0 {
		p.Percent = float64(stats.CompletedTasks) / float64(stats.TotalTasks) * 100
	}
	if !o.started.IsZero() {
		p.Runtime = o.deps.Clock.Now().Sub(o.started)
	}
	if minutes := p.Runtime.Minutes(); minutes > 0 {
		p.TasksPerMinute = float64(stats.CompletedTasks) / minutes
		p.QuestionsPerMinute = float64(stored) / minutes
		if p.TasksPerMinute > 0 {
			p.ETA = time.Duration(float64(stats.PendingTasks) / p.TasksPerMinute * float64(time.Minute))
		}
	}
	return p, nil
}

// finished returns why the run is over, or "".
func (o *Orchestrator) finished(p Progress) string {
	if o.opts.Target > 0 && p.StoredQuestions >= o.opts.Target {
		return "target reached"
	}
	s := p.Stats
	if s.PendingTasks == 0 && s.ProcessingTasks == 0 && s.CompletedTasks+s.FailedTasks > 0 {
		return "queue exhausted"
	}
	return ""
}

func (o *Orchestrator) report(p Progress) {
	fields := []zap.Field{
		zap.Int64("completed_tasks", p.Stats.CompletedTasks),
		zap.Int64("total_tasks", p.Stats.TotalTasks),
		zap.String("progress", fmt.Sprintf("%.1f%%", p.Percent)),
		zap.Int64("pending", p.Stats.PendingTasks),
		zap.Int64("processing", p.Stats.ProcessingTasks),
		zap.Int64("failed_tasks", p.Stats.FailedTasks),
		zap.Int64("questions", p.StoredQuestions),
		zap.Int64("active_workers", p.Stats.ActiveWorkers),
		zap.Duration("runtime", p.Runtime.Round(time.Second)),
		zap.Float64("tasks_per_minute", p.TasksPerMinute),
		zap.Float64("questions_per_minute", p.QuestionsPerMinute),
	}
	if p.ETA > 0 {
		fields = append(fields, zap.Duration("eta", p.ETA.Round(time.Minute)))
	}
	o.logger.Info("harvest progress", fields...)
}

// shutdown runs after every component has returned. It uses a fresh context
// so cleanup still happens when the parent was canceled.
func (o *Orchestrator) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), finalTimeout)
	defer cancel()

	var errs []error
	if o.deps.Pool != nil && o.opts.Mode.local() {
		o.deps.Pool.Stop()
	}
	if n, err := o.deps.Queue.DrainForShutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("drain queue: %w", err))
	} else if n > 0 {
		o.logger.Info("in-flight tasks returned to pending", zap.Int("tasks", n))
	}
	if o.deps.Fleet != nil && o.opts.Mode.cloud() {
		if err := o.deps.Fleet.TerminateAll(ctx); err != nil {
			errs = append(errs, fmt.Errorf("terminate fleet: %w", err))
		}
	}

	if p, err := o.Progress(ctx); err != nil {
		o.logger.Warn("final statistics unavailable", zap.Error(err))
	} else {
		o.logger.Info("final statistics",
			zap.Duration("runtime", p.Runtime.Round(time.Second)),
			zap.Int64("completed_tasks", p.Stats.CompletedTasks),
			zap.Int64("failed_tasks", p.Stats.FailedTasks),
			zap.Int64("total_questions", p.Stats.TotalQuestions),
			zap.Int64("stored_questions", p.StoredQuestions),
		)
	}
	if o.deps.Pool != nil {
		for _, s := range o.deps.Pool.Stats() {
			o.logger.Info("worker summary",
				zap.String("worker_id", s.WorkerID),
				zap.Int64("tasks_completed", s.TasksCompleted),
				zap.Int64("tasks_failed", s.TasksFailed),
				zap.Int64("questions", s.QuestionsScraped),
				zap.Float64("questions_per_minute", s.QuestionsPerMinute),
			)
		}
	}
	if o.deps.Export != nil {
		uri, err := o.deps.Export(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("export: %w", err))
		} else {
			o.logger.Info("final data exported", zap.String("uri", uri))
		}
	}
	return errors.Join(errs...)
}

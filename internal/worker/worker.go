// Package worker claims harvesting tasks from the queue and drives the
// scrape-and-store loop over each task's page range.
package worker

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stackharvest/internal/config"
	"github.com/JakeFAU/stackharvest/internal/crawler"
	"github.com/JakeFAU/stackharvest/internal/metrics"
	"github.com/JakeFAU/stackharvest/internal/progress"
	"github.com/JakeFAU/stackharvest/internal/queue"
)

// State is the worker lifecycle state.
type State string

const (
	// StateStopped is reported before Run and after every slot has exited.
	StateStopped State = "stopped"
	// StateRunning means slots are claiming tasks.
	StateRunning State = "running"
	// StateDraining means no new tasks are claimed and in-flight tasks are finishing.
	StateDraining State = "draining"
)

const reportTimeout = 10 * time.Second

// Config controls Worker behavior.
type Config struct {
	ID                string
	Concurrency       int
	TaskTimeout       time.Duration
	IdleBackoff       time.Duration
	HeartbeatInterval time.Duration
	ShutdownTimeout   time.Duration
	MinDelay          time.Duration
	MaxDelay          time.Duration
	FullContentRatio  float64
}

// ConfigFrom maps service configuration onto worker settings.
func ConfigFrom(id string, cfg config.WorkerConfig) Config {
	return Config{
		ID:                id,
		Concurrency:       cfg.Concurrency,
		TaskTimeout:       cfg.TaskTimeout,
		IdleBackoff:       cfg.IdleBackoff,
		HeartbeatInterval: cfg.HeartbeatInterval,
		ShutdownTimeout:   cfg.ShutdownTimeout,
		MinDelay:          cfg.MinDelay,
		MaxDelay:          cfg.MaxDelay,
		FullContentRatio:  cfg.FullContentRatio,
	}
}

// Stats is a point-in-time view of one worker's progress.
type Stats struct {
	WorkerID           string  `json:"worker_id"`
	State              State   `json:"state"`
	Concurrency        int     `json:"concurrency"`
	TasksCompleted     int64   `json:"tasks_completed"`
	TasksFailed        int64   `json:"tasks_failed"`
	QuestionsScraped   int64   `json:"questions_scraped"`
	RuntimeSeconds     float64 `json:"runtime_seconds"`
	QuestionsPerMinute float64 `json:"questions_per_minute"`
	ActiveSessions     int64   `json:"active_sessions"`
}

// Worker runs a bounded number of slots, each owning one scraping session.
type Worker struct {
	queue    crawler.TaskQueue
	store    crawler.QuestionStore
	sessions crawler.SessionFactory
	events   progress.Emitter
	clock    crawler.Clock
	backoff  *crawler.ExponentialBackoff
	cfg      Config
	logger   *zap.Logger
	random   func() float64

	mu        sync.Mutex
	state     State
	startedAt time.Time
	stopOnce  sync.Once
	stopCh    chan struct{}

	completed      atomic.Int64
	failed         atomic.Int64
	questions      atomic.Int64
	activeSessions atomic.Int64
}

// New constructs a Worker. events may be nil.
func New(
	q crawler.TaskQueue,
	store crawler.QuestionStore,
	sessions crawler.SessionFactory,
	events progress.Emitter,
	clock crawler.Clock,
	cfg Config,
	logger *zap.Logger,
) (*Worker, error) {
	if q == nil || store == nil || sessions == nil || clock == nil {
		return nil, fmt.Errorf("queue, store, session factory and clock are required")
	}
	if cfg.ID == "" {
		return nil, fmt.Errorf("worker id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 300 * time.Second
	}
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = 10 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 60 * time.Second
	}
	if cfg.MaxDelay < cfg.MinDelay {
		cfg.MaxDelay = cfg.MinDelay
	}
	return &Worker{
		queue:    q,
		store:    store,
		sessions: sessions,
		events:   events,
		clock:    clock,
		backoff:  crawler.NewExponentialBackoff(time.Second, time.Minute),
		cfg:      cfg,
		logger:   logger.With(zap.String("worker_id", cfg.ID)),
		random:   rand.Float64,
		state:    StateStopped,
		stopCh:   make(chan struct{}),
	}, nil
}

// ID returns the identifier the worker claims tasks under.
func (w *Worker) ID() string {
	return w.cfg.ID
}

// Run claims and processes tasks until ctx is canceled or Stop is called,
// then drains in-flight tasks for up to the shutdown timeout.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	if w.state != StateStopped {
		w.mu.Unlock()
		return fmt.Errorf("worker %s is already %s", w.cfg.ID, w.state)
	}
	w.state = StateRunning
	w.startedAt = w.clock.Now()
	w.mu.Unlock()

	claimCtx, stopClaiming := context.WithCancel(ctx)
	defer stopClaiming()
	go func() {
		select {
		case <-w.stopCh:
			stopClaiming()
		case <-claimCtx.Done():
		}
	}()

	// In-flight tasks outlive the shutdown signal until the drain deadline.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	w.logger.Info("worker started",
		zap.Int("concurrency", w.cfg.Concurrency),
		zap.Duration("task_timeout", w.cfg.TaskTimeout),
	)

	var wg sync.WaitGroup
	for slot := 0; slot < w.cfg.Concurrency; slot++ {
		wg.Add(1)
		go func(slot int) {
			defer wg.Done()
			w.runSlot(claimCtx, workCtx, slot)
		}(slot)
	}
	slotsDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(slotsDone)
	}()
	go w.heartbeatLoop(workCtx, slotsDone)

	select {
	case <-slotsDone:
	case <-claimCtx.Done():
		w.setState(StateDraining)
		w.logger.Info("worker draining", zap.Duration("timeout", w.cfg.ShutdownTimeout))
		timer := time.NewTimer(w.cfg.ShutdownTimeout)
		select {
		case <-slotsDone:
			timer.Stop()
		case <-timer.C:
			w.logger.Warn("drain timeout reached, canceling in-flight tasks")
			cancelWork()
			<-slotsDone
		}
	}

	w.setState(StateStopped)
	stats := w.Stats()
	w.logger.Info("worker stopped",
		zap.Int64("tasks_completed", stats.TasksCompleted),
		zap.Int64("tasks_failed", stats.TasksFailed),
		zap.Int64("questions", stats.QuestionsScraped),
	)
	return nil
}

// Stop stops claiming new tasks. Run returns once in-flight tasks finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
}

// State returns the current lifecycle state.
func (w *Worker) State() State {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Stats reports counters accumulated since Run started.
func (w *Worker) Stats() Stats {
	w.mu.Lock()
	state, started := w.state, w.startedAt
	w.mu.Unlock()

	stats := Stats{
		WorkerID:         w.cfg.ID,
		State:            state,
		Concurrency:      w.cfg.Concurrency,
		TasksCompleted:   w.completed.Load(),
		TasksFailed:      w.failed.Load(),
		QuestionsScraped: w.questions.Load(),
		ActiveSessions:   w.activeSessions.Load(),
	}
	if !started.IsZero() {
		runtime := w.clock.Now().Sub(started)
		stats.RuntimeSeconds = runtime.Seconds()
		if runtime > 0 {
			stats.QuestionsPerMinute = float64(stats.QuestionsScraped) / runtime.Minutes()
		}
	}
	return stats
}

func (w *Worker) setState(s State) {
	w.mu.Lock()
	w.state = s
	w.mu.Unlock()
}

// runSlot is one pool member. It owns its session for its whole lifetime.
func (w *Worker) runSlot(claimCtx, workCtx context.Context, slot int) {
	logger := w.logger.With(zap.Int("slot", slot))
	var session crawler.Session
	defer func() {
		if session == nil {
			return
		}
		if err := session.Close(); err != nil {
			logger.Warn("close session", zap.Error(err))
		}
		w.activeSessions.Add(-1)
	}()

	failures := 0
	for claimCtx.Err() == nil {
		task, err := w.queue.NextTask(claimCtx, w.cfg.ID)
		if err != nil {
			if claimCtx.Err() != nil {
				return
			}
			failures++
			delay := w.backoff.Delay(failures)
			logger.Error("claim task failed", zap.Error(err), zap.Duration("backoff", delay))
			_ = sleep(claimCtx, delay)
			continue
		}
		failures = 0
		if task == nil {
			_ = sleep(claimCtx, w.cfg.IdleBackoff)
			continue
		}

		if session == nil {
			session, err = w.sessions.NewSession(w.cfg.ID)
			if err != nil {
				session = nil
				logger.Error("create session", zap.Error(err))
				w.fail(workCtx, *task, fmt.Errorf("create session: %w", err))
				continue
			}
			w.activeSessions.Add(1)
		}
		w.execute(workCtx, logger, session, *task)
	}
}

func (w *Worker) execute(ctx context.Context, logger *zap.Logger, session crawler.Session, task crawler.Task) {
	logger = logger.With(zap.String("task_id", task.ID))
	logger.Info("processing task",
		zap.String("url", task.URL),
		zap.Int("start_page", task.StartPage),
		zap.Int("end_page", task.EndPage),
	)

	start := time.Now()
	taskCtx, cancel := context.WithTimeout(ctx, w.cfg.TaskTimeout)
	items, err := w.processTask(taskCtx, logger, session, task)
	timedOut := errors.Is(taskCtx.Err(), context.DeadlineExceeded)
	cancel()

	switch {
	case timedOut:
		w.fail(ctx, task, fmt.Errorf("%w after %s (%d questions stored)", crawler.ErrTaskTimeout, w.cfg.TaskTimeout, items))
		metrics.ObserveTask("timeout", time.Since(start))
	case err != nil && ctx.Err() != nil:
		// Hard shutdown: leave the entry in processing for drain or the reaper.
		logger.Warn("task abandoned on shutdown", zap.Error(err))
	case err != nil:
		w.fail(ctx, task, err)
		metrics.ObserveTask("failed", time.Since(start))
	default:
		w.complete(ctx, task, items)
		metrics.ObserveTask("completed", time.Since(start))
	}
}

// processTask scrapes every page in the task's range and returns how many
// questions were persisted.
func (w *Worker) processTask(ctx context.Context, logger *zap.Logger, session crawler.Session, task crawler.Task) (int, error) {
	items := 0
	for page := task.StartPage; page <= task.EndPage; page++ {
		if err := ctx.Err(); err != nil {
			return items, err
		}
		pageURL := crawler.PageURL(task.URL, page)
		dup, err := w.queue.IsDuplicate(ctx, crawler.DedupURL, pageURL)
		if err != nil {
			return items, fmt.Errorf("check page %d: %w", page, err)
		}
		if dup {
			metrics.ObservePage("duplicate")
			logger.Debug("page already scraped", zap.Int("page", page))
			continue
		}

		questions, err := session.ScrapePage(ctx, pageURL)
		if err != nil {
			metrics.ObservePage("failed")
			return items, fmt.Errorf("scrape page %d: %w", page, err)
		}
		fresh, err := w.freshQuestions(ctx, logger, session, questions)
		if err != nil {
			return items, err
		}
		stored := 0
		if len(fresh) > 0 {
			stored, err = w.store.StoreBatch(ctx, fresh)
			if err != nil {
				return items, fmt.Errorf("store page %d: %w", page, err)
			}
		}
		for _, q := range fresh {
			if _, err := w.queue.MarkSeen(ctx, crawler.DedupQuestion, q.QuestionID); err != nil {
				return items + stored, fmt.Errorf("mark question %s seen: %w", q.QuestionID, err)
			}
		}
		if _, err := w.queue.MarkSeen(ctx, crawler.DedupURL, pageURL); err != nil {
			return items, fmt.Errorf("mark page %d seen: %w", page, err)
		}

		items += stored
		w.questions.Add(int64(stored))
		metrics.ObservePage("scraped")
		metrics.AddQuestions(w.cfg.ID, stored)
		logger.Info("page scraped",
			zap.Int("page", page),
			zap.Int("found", len(questions)),
			zap.Int("stored", stored),
		)

		if page < task.EndPage {
			if err := sleep(ctx, w.pageDelay()); err != nil {
				return items, err
			}
		}
	}
	return items, nil
}

// freshQuestions keeps questions not seen before and enriches a sample of
// them with full content. Questions are marked seen only after they are
// stored, so a retried task stores what an earlier attempt lost.
func (w *Worker) freshQuestions(
	ctx context.Context,
	logger *zap.Logger,
	session crawler.Session,
	questions []crawler.Question,
) ([]crawler.Question, error) {
	fresh := make([]crawler.Question, 0, len(questions))
	onPage := make(map[string]struct{}, len(questions))
	for _, q := range questions {
		if q.QuestionID == "" {
			continue
		}
		if _, ok := onPage[q.QuestionID]; ok {
			continue
		}
		onPage[q.QuestionID] = struct{}{}
		dup, err := w.queue.IsDuplicate(ctx, crawler.DedupQuestion, q.QuestionID)
		if err != nil {
			return nil, fmt.Errorf("check question %s: %w", q.QuestionID, err)
		}
		if dup {
			continue
		}
		q.WorkerID = w.cfg.ID
		if q.ScrapedAt.IsZero() {
			q.ScrapedAt = w.clock.Now()
		}
		if w.cfg.FullContentRatio > 0 && w.random() < w.cfg.FullContentRatio {
			full, err := session.ScrapeDetail(ctx, q)
			switch {
			case err == nil:
				q = full
			case ctx.Err() != nil:
				return nil, ctx.Err()
			default:
				logger.Warn("scrape question detail", zap.String("question_id", q.QuestionID), zap.Error(err))
			}
		}
		fresh = append(fresh, q)
	}
	return fresh, nil
}

func (w *Worker) complete(ctx context.Context, task crawler.Task, items int) {
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	done, err := w.queue.CompleteTask(reportCtx, task, items)
	if err != nil {
		w.logReportError("complete task", task, err)
		return
	}
	w.completed.Add(1)
	w.emit(done, "")
}

func (w *Worker) fail(ctx context.Context, task crawler.Task, cause error) {
	reportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), reportTimeout)
	defer cancel()
	updated, err := w.queue.FailTask(reportCtx, task, cause.Error())
	if err != nil {
		w.logReportError("fail task", task, err)
		return
	}
	w.failed.Add(1)
	w.emit(updated, cause.Error())
}

func (w *Worker) logReportError(action string, task crawler.Task, err error) {
	if errors.Is(err, queue.ErrLeaseLost) {
		w.logger.Warn(action+": task was reassigned", zap.String("task_id", task.ID))
		return
	}
	w.logger.Error(action, zap.String("task_id", task.ID), zap.Error(err))
}

func (w *Worker) emit(task crawler.Task, reason string) {
	if w.events == nil {
		return
	}
	w.events.Emit(crawler.TaskEvent{
		TaskID:   task.ID,
		WorkerID: w.cfg.ID,
		Status:   task.Status,
		Items:    task.Items,
		Retries:  task.Retries,
		Reason:   reason,
		At:       w.clock.Now(),
	})
}

// heartbeatLoop keeps the worker alive in the queue while tasks run longer
// than the claim cadence.
func (w *Worker) heartbeatLoop(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.Heartbeat(ctx, w.cfg.ID); err != nil {
				w.logger.Warn("heartbeat failed", zap.Error(err))
			}
		}
	}
}

func (w *Worker) pageDelay() time.Duration {
	spread := w.cfg.MaxDelay - w.cfg.MinDelay
	if spread <= 0 {
		return w.cfg.MinDelay
	}
	return w.cfg.MinDelay + time.Duration(w.random()*float64(spread))
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

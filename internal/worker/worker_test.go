package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/stackharvest/internal/crawler"
	"github.com/JakeFAU/stackharvest/internal/hash/sha256"
	"github.com/JakeFAU/stackharvest/internal/id/uuid"
	"github.com/JakeFAU/stackharvest/internal/queue"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type fakeQueue struct {
	mu         sync.Mutex
	tasks      []crawler.Task
	completed  map[string]int
	failed     map[string]string
	seen       map[string]bool
	heartbeats int
	claimErr   error
	reportErr  error
	requeue    bool
}

func newFakeQueue(tasks ...crawler.Task) *fakeQueue {
	return &fakeQueue{
		tasks:     tasks,
		completed: make(map[string]int),
		failed:    make(map[string]string),
		seen:      make(map[string]bool),
	}
}

func (q *fakeQueue) NextTask(ctx context.Context, workerID string) (*crawler.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heartbeats++
	if q.claimErr != nil {
		return nil, q.claimErr
	}
	if len(q.tasks) == 0 {
		return nil, ctx.Err()
	}
	task := q.tasks[0]
	q.tasks = q.tasks[1:]
	task.WorkerID = workerID
	task.Status = crawler.TaskStatusRunning
	return &task, nil
}

func (q *fakeQueue) CompleteTask(_ context.Context, task crawler.Task, items int) (crawler.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.reportErr != nil {
		return crawler.Task{}, q.reportErr
	}
	q.completed[task.ID] = items
	task.Status = crawler.TaskStatusCompleted
	task.Items = items
	return task, nil
}

func (q *fakeQueue) FailTask(_ context.Context, task crawler.Task, reason string) (crawler.Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.reportErr != nil {
		return crawler.Task{}, q.reportErr
	}
	q.failed[task.ID] = reason
	task.Retries++
	task.Status = crawler.TaskStatusPending
	if q.requeue {
		retry := task
		retry.WorkerID = ""
		q.tasks = append(q.tasks, retry)
	}
	return task, nil
}

func (q *fakeQueue) IsDuplicate(_ context.Context, kind crawler.DedupKind, key string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.seen[string(kind)+"|"+key], nil
}

func (q *fakeQueue) MarkSeen(_ context.Context, kind crawler.DedupKind, key string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	k := string(kind) + "|" + key
	if q.seen[k] {
		return false, nil
	}
	q.seen[k] = true
	return true, nil
}

func (q *fakeQueue) Heartbeat(context.Context, string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.heartbeats++
	return nil
}

func (q *fakeQueue) completedItems(id string) (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n, ok := q.completed[id]
	return n, ok
}

func (q *fakeQueue) failReason(id string) (string, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.failed[id]
	return r, ok
}

type fakeStore struct {
	mu        sync.Mutex
	questions map[string]crawler.Question
	err       error
	failures  int
}

func newFakeStore() *fakeStore {
	return &fakeStore{questions: make(map[string]crawler.Question)}
}

func (s *fakeStore) StoreBatch(_ context.Context, qs []crawler.Question) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	if s.failures > 0 {
		s.failures--
		return 0, errors.New("connection reset")
	}
	n := 0
	for _, q := range qs {
		if _, ok := s.questions[q.QuestionID]; ok {
			continue
		}
		s.questions[q.QuestionID] = q
		n++
	}
	return n, nil
}

func (s *fakeStore) Count(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.questions)), nil
}

func (s *fakeStore) Stats(ctx context.Context) (crawler.StoreStats, error) {
	n, _ := s.Count(ctx)
	return crawler.StoreStats{TotalQuestions: n}, nil
}

func (s *fakeStore) List(context.Context, int) ([]crawler.Question, error) { return nil, nil }

func (s *fakeStore) Ping(context.Context) error { return nil }
func (s *fakeStore) Close()                     {}

func (s *fakeStore) get(id string) (crawler.Question, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.questions[id]
	return q, ok
}

// fakeSession returns two questions per page, keyed by page number unless
// repeat is set.
type fakeSession struct {
	mu        sync.Mutex
	pages     []string
	details   int
	closed    bool
	repeat    bool
	pageErr   error
	detailErr error
	block     bool
}

func (s *fakeSession) ScrapePage(ctx context.Context, pageURL string) ([]crawler.Question, error) {
	if s.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pageErr != nil {
		return nil, s.pageErr
	}
	s.pages = append(s.pages, pageURL)
	key := pageURL
	if s.repeat {
		key = "same"
	}
	return []crawler.Question{
		{QuestionID: key + "-a", Title: "A"},
		{QuestionID: key + "-b", Title: "B"},
		{Title: "no id"},
	}, nil
}

func (s *fakeSession) ScrapeDetail(_ context.Context, q crawler.Question) (crawler.Question, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.details++
	if s.detailErr != nil {
		return q, s.detailErr
	}
	q.Content = "full body"
	return q, nil
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *fakeSession) scraped() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.pages...)
}

type fakeFactory struct {
	mu       sync.Mutex
	sessions []*fakeSession
	template fakeSession
	err      error
}

func (f *fakeFactory) NewSession(string) (crawler.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	s := &fakeSession{
		repeat:    f.template.repeat,
		pageErr:   f.template.pageErr,
		detailErr: f.template.detailErr,
		block:     f.template.block,
	}
	f.sessions = append(f.sessions, s)
	return s, nil
}

func (f *fakeFactory) all() []*fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*fakeSession(nil), f.sessions...)
}

func testConfig() Config {
	return Config{
		ID:                "worker-test",
		Concurrency:       1,
		TaskTimeout:       2 * time.Second,
		IdleBackoff:       10 * time.Millisecond,
		HeartbeatInterval: 20 * time.Millisecond,
		ShutdownTimeout:   time.Second,
	}
}

type fakeEmitter struct {
	mu     sync.Mutex
	events []crawler.TaskEvent
}

func (e *fakeEmitter) Emit(evt crawler.TaskEvent) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, evt)
}

func (e *fakeEmitter) emitted() []crawler.TaskEvent {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]crawler.TaskEvent(nil), e.events...)
}

func newTestWorker(t *testing.T, q crawler.TaskQueue, store crawler.QuestionStore, factory crawler.SessionFactory, cfg Config) (*Worker, *fakeEmitter) {
	t.Helper()
	events := &fakeEmitter{}
	w, err := New(q, store, factory, events, &fakeClock{now: time.Unix(1000, 0)}, cfg, zap.NewNop())
	require.NoError(t, err)
	return w, events
}

func startWorker(t *testing.T, w *Worker) (context.CancelFunc, <-chan error) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	finished := make(chan struct{})
	go func() {
		done <- w.Run(ctx)
		close(finished)
	}()
	t.Cleanup(func() {
		cancel()
		<-finished
	})
	return cancel, done
}

func task(id string, start, end int) crawler.Task {
	return crawler.Task{
		ID:        id,
		URL:       "https://stackoverflow.com/questions",
		StartPage: start,
		EndPage:   end,
		Status:    crawler.TaskStatusPending,
	}
}

func TestNew_Validates(t *testing.T) {
	t.Parallel()

	_, err := New(nil, newFakeStore(), &fakeFactory{}, nil, &fakeClock{}, testConfig(), nil)
	require.Error(t, err)

	cfg := testConfig()
	cfg.ID = ""
	_, err = New(newFakeQueue(), newFakeStore(), &fakeFactory{}, nil, &fakeClock{}, cfg, nil)
	require.Error(t, err)
}

func TestWorker_ProcessesTaskAndCompletes(t *testing.T) {
	t.Parallel()

	q := newFakeQueue(task("task_000001", 1, 2))
	store := newFakeStore()
	factory := &fakeFactory{}
	w, events := newTestWorker(t, q, store, factory, testConfig())
	startWorker(t, w)

	require.Eventually(t, func() bool {
		_, ok := q.completedItems("task_000001")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	items, _ := q.completedItems("task_000001")
	require.Equal(t, 4, items)
	stored, err := store.Count(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 4, stored)

	sessions := factory.all()
	require.Len(t, sessions, 1)
	require.Equal(t, []string{
		"https://stackoverflow.com/questions?page=1",
		"https://stackoverflow.com/questions?page=2",
	}, sessions[0].scraped())

	q1, ok := store.get("https://stackoverflow.com/questions?page=1-a")
	require.True(t, ok)
	require.Equal(t, "worker-test", q1.WorkerID)
	require.False(t, q1.ScrapedAt.IsZero())

	require.Eventually(t, func() bool { return len(events.emitted()) == 1 }, time.Second, 10*time.Millisecond)
	event := events.emitted()[0]
	require.Equal(t, "task_000001", event.TaskID)
	require.Equal(t, crawler.TaskStatusCompleted, event.Status)
	require.Equal(t, 4, event.Items)

	stats := w.Stats()
	require.EqualValues(t, 1, stats.TasksCompleted)
	require.EqualValues(t, 4, stats.QuestionsScraped)
	require.EqualValues(t, 1, stats.ActiveSessions)
	require.Equal(t, StateRunning, stats.State)
}

func TestWorker_SkipsScrapedPagesAndSeenQuestions(t *testing.T) {
	t.Parallel()

	q := newFakeQueue(task("task_000001", 1, 3))
	_, _ = q.MarkSeen(context.Background(), crawler.DedupURL, "https://stackoverflow.com/questions?page=2")
	store := newFakeStore()
	factory := &fakeFactory{template: fakeSession{repeat: true}}
	w, _ := newTestWorker(t, q, store, factory, testConfig())
	startWorker(t, w)

	require.Eventually(t, func() bool {
		_, ok := q.completedItems("task_000001")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	items, _ := q.completedItems("task_000001")
	require.Equal(t, 2, items, "repeated questions are only stored once")
	require.Equal(t, []string{
		"https://stackoverflow.com/questions?page=1",
		"https://stackoverflow.com/questions?page=3",
	}, factory.all()[0].scraped())

	dup, err := q.IsDuplicate(context.Background(), crawler.DedupURL, "https://stackoverflow.com/questions?page=3")
	require.NoError(t, err)
	require.True(t, dup)
}

func TestWorker_ScrapeFailureFailsTask(t *testing.T) {
	t.Parallel()

	q := newFakeQueue(task("task_000001", 1, 2))
	factory := &fakeFactory{template: fakeSession{pageErr: errors.New("page load failed")}}
	w, events := newTestWorker(t, q, newFakeStore(), factory, testConfig())
	startWorker(t, w)

	require.Eventually(t, func() bool {
		_, ok := q.failReason("task_000001")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	reason, _ := q.failReason("task_000001")
	require.Contains(t, reason, "scrape page 1")
	require.Contains(t, reason, "page load failed")
	require.Eventually(t, func() bool { return w.Stats().TasksFailed == 1 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return len(events.emitted()) == 1 }, time.Second, 10*time.Millisecond)
	event := events.emitted()[0]
	require.Equal(t, reason, event.Reason)
}

func TestWorker_TaskTimeoutFailsTask(t *testing.T) {
	t.Parallel()

	q := newFakeQueue(task("task_000001", 1, 1))
	factory := &fakeFactory{template: fakeSession{block: true}}
	cfg := testConfig()
	cfg.TaskTimeout = 50 * time.Millisecond
	w, _ := newTestWorker(t, q, newFakeStore(), factory, cfg)
	startWorker(t, w)

	require.Eventually(t, func() bool {
		_, ok := q.failReason("task_000001")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	reason, _ := q.failReason("task_000001")
	require.True(t, strings.HasPrefix(reason, crawler.ErrTaskTimeout.Error()), reason)
}

func TestWorker_FullContentSampling(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		ratio       float64
		detailErr   error
		wantDetails int
		wantContent string
	}{
		{name: "disabled", ratio: 0, wantDetails: 0},
		{name: "always", ratio: 1, wantDetails: 2, wantContent: "full body"},
		{name: "detail errors keep summary", ratio: 1, detailErr: errors.New("429"), wantDetails: 2},
	}
	for _, tc := range tests {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			q := newFakeQueue(task("task_000001", 1, 1))
			store := newFakeStore()
			factory := &fakeFactory{template: fakeSession{detailErr: tc.detailErr}}
			cfg := testConfig()
			cfg.FullContentRatio = tc.ratio
			w, _ := newTestWorker(t, q, store, factory, cfg)
			startWorker(t, w)

			require.Eventually(t, func() bool {
				_, ok := q.completedItems("task_000001")
				return ok
			}, 2*time.Second, 10*time.Millisecond)

			session := factory.all()[0]
			session.mu.Lock()
			details := session.details
			session.mu.Unlock()
			require.Equal(t, tc.wantDetails, details)

			stored, ok := store.get("https://stackoverflow.com/questions?page=1-a")
			require.True(t, ok)
			require.Equal(t, tc.wantContent, stored.Content)
		})
	}
}

func TestWorker_OneSessionPerSlot(t *testing.T) {
	t.Parallel()

	tasks := make([]crawler.Task, 0, 12)
	for i := 1; i <= 12; i++ {
		tasks = append(tasks, task(fmt.Sprintf("task_%06d", i), i, i))
	}
	q := newFakeQueue(tasks...)
	factory := &fakeFactory{}
	cfg := testConfig()
	cfg.Concurrency = 3
	w, _ := newTestWorker(t, q, newFakeStore(), factory, cfg)
	cancel, done := startWorker(t, w)

	require.Eventually(t, func() bool { return w.Stats().TasksCompleted == 12 }, 3*time.Second, 10*time.Millisecond)
	require.LessOrEqual(t, len(factory.all()), 3)

	cancel()
	require.NoError(t, <-done)
	for _, s := range factory.all() {
		s.mu.Lock()
		closed := s.closed
		s.mu.Unlock()
		require.True(t, closed)
	}
	require.Equal(t, StateStopped, w.State())
	require.Zero(t, w.Stats().ActiveSessions)
}

func TestWorker_StopDrainsAndStops(t *testing.T) {
	t.Parallel()

	q := newFakeQueue()
	w, _ := newTestWorker(t, q, newFakeStore(), &fakeFactory{}, testConfig())
	require.Equal(t, StateStopped, w.State())

	done := make(chan error, 1)
	go func() { done <- w.Run(context.Background()) }()
	require.Eventually(t, func() bool { return w.State() == StateRunning }, time.Second, 5*time.Millisecond)

	w.Stop()
	w.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("worker did not stop")
	}
	require.Equal(t, StateStopped, w.State())
}

func TestWorker_LostLeaseIsNotCounted(t *testing.T) {
	t.Parallel()

	q := newFakeQueue(task("task_000001", 1, 1))
	q.reportErr = fmt.Errorf("complete task: %w", queue.ErrLeaseLost)
	w, events := newTestWorker(t, q, newFakeStore(), &fakeFactory{}, testConfig())
	startWorker(t, w)

	require.Eventually(t, func() bool { return w.Stats().QuestionsScraped == 2 }, 2*time.Second, 10*time.Millisecond)
	require.Never(t, func() bool { return w.Stats().TasksCompleted > 0 }, 100*time.Millisecond, 10*time.Millisecond)
	require.Empty(t, events.emitted())
}

func TestWorker_RetryStoresQuestionsAfterStoreFailure(t *testing.T) {
	t.Parallel()

	q := newFakeQueue(task("task_000001", 1, 1))
	q.requeue = true
	store := newFakeStore()
	store.failures = 1
	w, _ := newTestWorker(t, q, store, &fakeFactory{}, testConfig())
	startWorker(t, w)

	require.Eventually(t, func() bool {
		_, ok := q.completedItems("task_000001")
		return ok
	}, 3*time.Second, 10*time.Millisecond)

	reason, failed := q.failReason("task_000001")
	require.True(t, failed)
	require.Contains(t, reason, "store page 1")
	items, _ := q.completedItems("task_000001")
	require.Equal(t, 2, items)
	n, err := store.Count(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 2, n)

	seen, err := q.IsDuplicate(context.Background(), crawler.DedupQuestion, "https://stackoverflow.com/questions?page=1-a")
	require.NoError(t, err)
	require.True(t, seen)
}

func TestWorker_SessionErrorFailsTask(t *testing.T) {
	t.Parallel()

	q := newFakeQueue(task("task_000001", 1, 1))
	factory := &fakeFactory{err: errors.New("chrome not found")}
	w, _ := newTestWorker(t, q, newFakeStore(), factory, testConfig())
	startWorker(t, w)

	require.Eventually(t, func() bool {
		_, ok := q.failReason("task_000001")
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	reason, _ := q.failReason("task_000001")
	require.Contains(t, reason, "chrome not found")
}

func TestWorker_RunAgainstRedisQueue(t *testing.T) {
	t.Parallel()

	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := &fakeClock{now: time.Unix(1000, 0)}
	q, err := queue.New(client, queue.Config{
		Targets:       []string{"https://stackoverflow.com/questions"},
		PageRangeSize: 2,
		MaxRetries:    3,
		ClaimTimeout:  time.Second,
	}, clock, sha256.New(), uuid.New(), zap.NewNop())
	require.NoError(t, err)
	planned, err := q.Initialize(context.Background(), 6)
	require.NoError(t, err)
	require.Equal(t, 3, planned)

	store := newFakeStore()
	cfg := testConfig()
	cfg.Concurrency = 2
	w, _ := newTestWorker(t, q, store, &fakeFactory{}, cfg)
	startWorker(t, w)

	require.Eventually(t, func() bool {
		stats, err := q.Stats(context.Background())
		return err == nil && stats.CompletedTasks == 3
	}, 5*time.Second, 20*time.Millisecond)

	stats, err := q.Stats(context.Background())
	require.NoError(t, err)
	require.EqualValues(t, 12, stats.TotalQuestions)
	require.EqualValues(t, 12, stats.UniqueQuestions)
	require.EqualValues(t, 6, stats.ScrapedURLs)
	require.Zero(t, stats.PendingTasks)
	require.Zero(t, stats.ProcessingTasks)
}

func TestPageDelayWithinBounds(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.MinDelay = 2 * time.Second
	cfg.MaxDelay = 5 * time.Second
	w, _ := newTestWorker(t, newFakeQueue(), newFakeStore(), &fakeFactory{}, cfg)
	for i := 0; i < 100; i++ {
		d := w.pageDelay()
		require.GreaterOrEqual(t, d, 2*time.Second)
		require.Less(t, d, 5*time.Second)
	}

	w.random = func() float64 { return 0.5 }
	require.Equal(t, 3500*time.Millisecond, w.pageDelay())
}

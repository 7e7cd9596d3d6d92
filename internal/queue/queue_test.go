package queue

import (
	"context"
	"errors"
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
)

var twoTargets = []string{
	"https://stackoverflow.com/questions",
	"https://stackoverflow.com/questions/tagged/go",
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	q      *Queue
	client *redis.Client
	clock  *fakeClock
	mr     *miniredis.Miniredis
}

func newTestEnv(t *testing.T, cfg Config) *testEnv {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	if cfg.Targets == nil {
		cfg.Targets = twoTargets
	}
	if cfg.ClaimTimeout == 0 {
		cfg.ClaimTimeout = time.Second
	}
	clock := newFakeClock()
	q, err := New(client, cfg, clock, sha256.New(), uuid.New(), zap.NewNop())
	require.NoError(t, err)
	return &testEnv{q: q, client: client, clock: clock, mr: mr}
}

func (e *testEnv) llen(t *testing.T, key string) int64 {
	t.Helper()
	n, err := e.client.LLen(context.Background(), key).Result()
	require.NoError(t, err)
	return n
}

func (e *testEnv) total(t *testing.T) int64 {
	t.Helper()
	return e.llen(t, KeyPending) + e.llen(t, KeyProcessing) + e.llen(t, KeyCompleted) + e.llen(t, KeyFailed)
}

func (e *testEnv) claim(t *testing.T, workerID string) crawler.Task {
	t.Helper()
	task, err := e.q.NextTask(context.Background(), workerID)
	require.NoError(t, err)
	require.NotNil(t, task)
	return *task
}

func TestNew_RequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{}, newFakeClock(), sha256.New(), uuid.New(), nil)
	require.Error(t, err)

	client := redis.NewClient(&redis.Options{Addr: "localhost:0"})
	defer client.Close()
	_, err = New(client, Config{}, nil, sha256.New(), uuid.New(), nil)
	require.Error(t, err)
}

func TestPlanTasks(t *testing.T) {
	t.Parallel()

	now := time.Unix(1700000000, 0).UTC()
	tasks := PlanTasks(twoTargets, 120, 50, now)
	require.Len(t, tasks, 6)

	require.Equal(t, "task_000001", tasks[0].ID)
	require.Equal(t, "https://stackoverflow.com/questions?page=1", tasks[0].URL)
	require.Equal(t, 1, tasks[0].StartPage)
	require.Equal(t, 50, tasks[0].EndPage)
	require.Equal(t, 101, tasks[2].StartPage)
	require.Equal(t, 120, tasks[2].EndPage)
	require.Equal(t, "https://stackoverflow.com/questions/tagged/go?page=51", tasks[4].URL)
	require.Equal(t, "task_000006", tasks[5].ID)
	for _, task := range tasks {
		require.Equal(t, crawler.TaskStatusPending, task.Status)
		require.Equal(t, now, task.CreatedAt)
	}

	require.Empty(t, PlanTasks(twoTargets, 0, 50, now))
	require.Empty(t, PlanTasks(twoTargets, 10, 0, now))
}

func TestInitialize_PlansRangesPerTarget(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{PageRangeSize: 50})
	ctx := context.Background()

	n, err := env.q.Initialize(ctx, 100)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	require.EqualValues(t, 4, env.llen(t, KeyPending))

	stats, err := env.q.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 4, stats.TotalTasks)
	require.EqualValues(t, 0, stats.CompletedTasks)
	require.EqualValues(t, 4, stats.PendingTasks)
	require.EqualValues(t, 0, stats.ProcessingTasks)
	require.Equal(t, env.clock.Now(), stats.StartTime)
}

func TestInitialize_ResetsPreviousRunButKeepsDedup(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{PageRangeSize: 50})
	ctx := context.Background()

	_, err := env.q.Initialize(ctx, 100)
	require.NoError(t, err)
	task := env.claim(t, "w1")
	_, err = env.q.CompleteTask(ctx, task, 10)
	require.NoError(t, err)
	_, err = env.q.MarkSeen(ctx, crawler.DedupURL, "https://x/q?page=1")
	require.NoError(t, err)

	n, err := env.q.Initialize(ctx, 50)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	stats, err := env.q.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, stats.PendingTasks)
	require.EqualValues(t, 0, stats.CompletedCount)
	require.EqualValues(t, 0, stats.TotalQuestions)
	require.EqualValues(t, 1, stats.ScrapedURLs)
}

func TestInitialize_RejectsEmptyPlan(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	_, err := env.q.Initialize(context.Background(), 0)
	require.Error(t, err)
}

func TestNextTask_ClaimsInCreationOrder(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{PageRangeSize: 50})
	ctx := context.Background()
	_, err := env.q.Initialize(ctx, 100)
	require.NoError(t, err)

	first := env.claim(t, "worker-a")
	require.Equal(t, "task_000001", first.ID)
	require.Equal(t, "worker-a", first.WorkerID)
	require.Equal(t, crawler.TaskStatusRunning, first.Status)
	require.NotEmpty(t, first.Lease)
	require.NotNil(t, first.StartedAt)
	require.NotEmpty(t, first.Raw())

	processing, err := env.client.LRange(ctx, KeyProcessing, 0, -1).Result()
	require.NoError(t, err)
	require.Equal(t, []string{first.Raw()}, processing)

	second := env.claim(t, "worker-b")
	require.Equal(t, "task_000002", second.ID)
	require.NotEqual(t, first.Lease, second.Lease)

	active, err := env.client.SMembers(ctx, KeyActive).Result()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"worker-a", "worker-b"}, active)
}

func TestNextTask_ReturnsNilWhenEmpty(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	task, err := env.q.NextTask(context.Background(), "idle-worker")
	require.NoError(t, err)
	require.Nil(t, task)

	workers, err := env.q.Workers(context.Background())
	require.NoError(t, err)
	require.Len(t, workers, 1)
	require.True(t, workers[0].Alive)
}

func TestNextTask_QuarantinesCorruptEntry(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	ctx := context.Background()
	require.NoError(t, env.client.LPush(ctx, KeyPending, "{not json").Err())

	task, err := env.q.NextTask(ctx, "w1")
	require.Error(t, err)
	require.Nil(t, task)
	require.EqualValues(t, 0, env.llen(t, KeyProcessing))
	require.EqualValues(t, 1, env.llen(t, KeyFailed))
}

func TestNextTask_ConcurrentClaimsAreExclusive(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{PageRangeSize: 5})
	ctx := context.Background()
	total, err := env.q.Initialize(ctx, 50)
	require.NoError(t, err)
	require.Equal(t, 20, total)

	var (
		mu     sync.Mutex
		seen   = make(map[string]int)
		wg     sync.WaitGroup
		errsCh = make(chan error, 8)
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			workerID := "worker-" + string(rune('a'+id))
			for {
				task, err := env.q.NextTask(ctx, workerID)
				if err != nil {
					errsCh <- err
					return
				}
				if task == nil {
					return
				}
				mu.Lock()
				seen[task.ID]++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	close(errsCh)
	for err := range errsCh {
		require.NoError(t, err)
	}

	require.Len(t, seen, total)
	for id, count := range seen {
		require.Equal(t, 1, count, "task %s handed out more than once", id)
	}
	require.EqualValues(t, total, env.llen(t, KeyProcessing))
	require.EqualValues(t, 0, env.llen(t, KeyPending))
}

func TestTaskMoves_ConserveTaskCount(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{PageRangeSize: 10, MaxRetries: 2})
	ctx := context.Background()
	total, err := env.q.Initialize(ctx, 30)
	require.NoError(t, err)
	require.EqualValues(t, total, env.total(t))

	steps := []func(){
		func() { env.claim(t, "w1") },
		func() {
			task := env.claim(t, "w2")
			_, err := env.q.CompleteTask(ctx, task, 3)
			require.NoError(t, err)
		},
		func() {
			task := env.claim(t, "w3")
			_, err := env.q.FailTask(ctx, task, "boom")
			require.NoError(t, err)
		},
		func() {
			task := env.claim(t, "w3")
			updated, err := env.q.FailTask(ctx, task, "boom")
			require.NoError(t, err)
			_ = updated
		},
		func() {
			_, err := env.q.DrainForShutdown(ctx)
			require.NoError(t, err)
		},
	}
	for i, step := range steps {
		step()
		require.EqualValues(t, total, env.total(t), "after step %d", i)
	}
}

func TestFailTask_RetryBudgetExhaustedMovesToFailed(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{PageRangeSize: 50, MaxRetries: 3, Targets: twoTargets[:1]})
	ctx := context.Background()
	_, err := env.q.Initialize(ctx, 50)
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		task := env.claim(t, "w1")
		require.Equal(t, attempt-1, task.Retries)
		updated, err := env.q.FailTask(ctx, task, "page load failed")
		require.NoError(t, err)
		require.Equal(t, attempt, updated.Retries)
		if attempt < 3 {
			require.Equal(t, crawler.TaskStatusPending, updated.Status)
			require.Empty(t, updated.WorkerID)
			require.EqualValues(t, 1, env.llen(t, KeyPending))
		} else {
			require.Equal(t, crawler.TaskStatusFailed, updated.Status)
		}
	}

	require.EqualValues(t, 0, env.llen(t, KeyPending))
	require.EqualValues(t, 0, env.llen(t, KeyProcessing))
	require.EqualValues(t, 1, env.llen(t, KeyFailed))

	stats, err := env.q.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.FailedTasks)

	next, err := env.q.NextTask(ctx, "w1")
	require.NoError(t, err)
	require.Nil(t, next)
}

func TestFailTask_ThenSuccessKeepsRetryCount(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{PageRangeSize: 50, MaxRetries: 3, Targets: twoTargets[:1]})
	ctx := context.Background()
	_, err := env.q.Initialize(ctx, 50)
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, err := env.q.FailTask(ctx, env.claim(t, "w1"), "transient")
		require.NoError(t, err)
	}
	done, err := env.q.CompleteTask(ctx, env.claim(t, "w1"), 5)
	require.NoError(t, err)
	require.Equal(t, 2, done.Retries)
	require.Equal(t, crawler.TaskStatusCompleted, done.Status)

	completed, err := env.client.LRange(ctx, KeyCompleted, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, completed, 1)
	stored, err := decodeTask(completed[0])
	require.NoError(t, err)
	require.Equal(t, 2, stored.Retries)
	require.Equal(t, 5, stored.Items)
}

func TestFailTask_RequeuesBehindFreshWork(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{PageRangeSize: 50, Targets: twoTargets[:1]})
	ctx := context.Background()
	_, err := env.q.Initialize(ctx, 150)
	require.NoError(t, err)

	first := env.claim(t, "w1")
	_, err = env.q.FailTask(ctx, first, "timeout")
	require.NoError(t, err)

	require.Equal(t, "task_000002", env.claim(t, "w1").ID)
	require.Equal(t, "task_000003", env.claim(t, "w1").ID)
	require.Equal(t, "task_000001", env.claim(t, "w1").ID)
}

func TestCompleteTask_UpdatesCounters(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{PageRangeSize: 50})
	ctx := context.Background()
	_, err := env.q.Initialize(ctx, 100)
	require.NoError(t, err)

	task := env.claim(t, "w1")
	_, err = env.q.CompleteTask(ctx, task, 37)
	require.NoError(t, err)

	stats, err := env.q.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.CompletedTasks)
	require.EqualValues(t, 37, stats.TotalQuestions)
	require.EqualValues(t, 0, stats.ProcessingTasks)
	require.EqualValues(t, 3, stats.PendingTasks)

	for _, key := range []string{KeyPending, KeyProcessing} {
		entries, err := env.client.LRange(ctx, key, 0, -1).Result()
		require.NoError(t, err)
		for _, raw := range entries {
			other, err := decodeTask(raw)
			require.NoError(t, err)
			require.NotEqual(t, task.ID, other.ID)
		}
	}
}

func TestCompleteTask_RejectsUnclaimedTask(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	_, err := env.q.CompleteTask(context.Background(), crawler.Task{ID: "task_000001"}, 1)
	require.Error(t, err)
	_, err = env.q.FailTask(context.Background(), crawler.Task{ID: "task_000001"}, "x")
	require.Error(t, err)
}

func TestCompleteTask_StaleAssignmentIsFenced(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{PageRangeSize: 50, Targets: twoTargets[:1], LivenessWindow: 5 * time.Minute})
	ctx := context.Background()
	_, err := env.q.Initialize(ctx, 50)
	require.NoError(t, err)

	stale := env.claim(t, "slow-worker")
	env.clock.Advance(6 * time.Minute)
	reassigned, err := env.q.ReapDeadWorkers(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, reassigned)

	fresh := env.claim(t, "fast-worker")
	require.Equal(t, stale.ID, fresh.ID)

	_, err = env.q.CompleteTask(ctx, stale, 99)
	require.True(t, errors.Is(err, ErrLeaseLost))
	_, err = env.q.FailTask(ctx, stale, "late")
	require.True(t, errors.Is(err, ErrLeaseLost))

	_, err = env.q.CompleteTask(ctx, fresh, 12)
	require.NoError(t, err)

	stats, err := env.q.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.CompletedTasks)
	require.EqualValues(t, 12, stats.TotalQuestions)
	require.EqualValues(t, 1, stats.CompletedCount)
}

func TestDedup_URLMarkedSeen(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	ctx := context.Background()

	dup, err := env.q.IsDuplicate(ctx, crawler.DedupURL, "http://x/page=1")
	require.NoError(t, err)
	require.False(t, dup)

	added, err := env.q.MarkSeen(ctx, crawler.DedupURL, "http://x/page=1")
	require.NoError(t, err)
	require.True(t, added)

	dup, err = env.q.IsDuplicate(ctx, crawler.DedupURL, "http://x/page=1")
	require.NoError(t, err)
	require.True(t, dup)

	dup, err = env.q.IsDuplicate(ctx, crawler.DedupURL, "HTTP://X:80/page=1#frag")
	require.NoError(t, err)
	require.True(t, dup, "normalized variants share a fingerprint")

	stats, err := env.q.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, stats.UniqueQuestions)
}

func TestDedup_MarkSeenIsIdempotent(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	ctx := context.Background()

	added, err := env.q.MarkSeen(ctx, crawler.DedupQuestion, "79123456")
	require.NoError(t, err)
	require.True(t, added)
	added, err = env.q.MarkSeen(ctx, crawler.DedupQuestion, "79123456")
	require.NoError(t, err)
	require.False(t, added)

	size, err := env.client.SCard(ctx, KeyQuestions).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, size)

	stats, err := env.q.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.UniqueQuestions)
	require.EqualValues(t, 1, stats.SeenQuestions)
}

func TestDedup_RejectsBadInput(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	ctx := context.Background()
	_, err := env.q.MarkSeen(ctx, crawler.DedupKind("tag"), "go")
	require.Error(t, err)
	_, err = env.q.IsDuplicate(ctx, crawler.DedupURL, "   ")
	require.Error(t, err)
}

func TestReapDeadWorkers_ReassignsStaleWorkerTasks(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{PageRangeSize: 50, LivenessWindow: 5 * time.Minute})
	ctx := context.Background()
	_, err := env.q.Initialize(ctx, 50)
	require.NoError(t, err)

	orphan := env.claim(t, "dead-worker")
	env.clock.Advance(6 * time.Minute)
	kept := env.claim(t, "live-worker")

	reassigned, err := env.q.ReapDeadWorkers(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, reassigned)

	pending, err := env.client.LRange(ctx, KeyPending, 0, -1).Result()
	require.NoError(t, err)
	require.Len(t, pending, 1)
	back, err := decodeTask(pending[0])
	require.NoError(t, err)
	require.Equal(t, orphan.ID, back.ID)
	require.Empty(t, back.WorkerID)
	require.Empty(t, back.Lease)
	require.Equal(t, crawler.TaskStatusPending, back.Status)
	require.Zero(t, back.Retries)

	processing, err := env.client.LRange(ctx, KeyProcessing, 0, -1).Result()
	require.NoError(t, err)
	require.Equal(t, []string{kept.Raw()}, processing)

	active, err := env.client.SMembers(ctx, KeyActive).Result()
	require.NoError(t, err)
	require.Equal(t, []string{"live-worker"}, active)
	_, err = env.client.HGet(ctx, KeyHeartbeat, "dead-worker").Result()
	require.ErrorIs(t, err, redis.Nil)
}

func TestReapDeadWorkers_OwnerWithoutHeartbeatIsDead(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{PageRangeSize: 50, Targets: twoTargets[:1]})
	ctx := context.Background()
	_, err := env.q.Initialize(ctx, 50)
	require.NoError(t, err)

	env.claim(t, "ghost")
	require.NoError(t, env.client.HDel(ctx, KeyHeartbeat, "ghost").Err())

	reassigned, err := env.q.ReapDeadWorkers(ctx)
	require.NoError(t, err)
	require.Zero(t, reassigned, "a task started inside the window is left alone")

	env.clock.Advance(6 * time.Minute)
	reassigned, err = env.q.ReapDeadWorkers(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, reassigned)
	require.EqualValues(t, 1, env.llen(t, KeyPending))

	isMember, err := env.client.SIsMember(ctx, KeyActive, "ghost").Result()
	require.NoError(t, err)
	require.False(t, isMember)
}

func TestReapDeadWorkers_KeepsTaskOfWorkerThatReportedIn(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{PageRangeSize: 50, Targets: twoTargets[:1]})
	ctx := context.Background()
	_, err := env.q.Initialize(ctx, 50)
	require.NoError(t, err)

	claimed := env.claim(t, "slow")
	stale, err := env.client.HGet(ctx, KeyHeartbeat, "slow").Result()
	require.NoError(t, err)
	env.clock.Advance(6 * time.Minute)
	require.NoError(t, env.q.Heartbeat(ctx, "slow"))

	// The reaper judged "slow" on its old heartbeat; the move must be refused.
	encoded, err := encodeTask(resetToPending(claimed))
	require.NoError(t, err)
	keys := []string{KeyProcessing, KeyPending, KeyHeartbeat}
	n, err := reapScript.Run(ctx, env.client, keys, claimed.Raw(), encoded, "slow", stale).Int()
	require.NoError(t, err)
	require.Equal(t, -1, n)

	forgotten, err := forgetWorkersScript.Run(ctx, env.client, []string{KeyHeartbeat, KeyActive}, "slow", stale).StringSlice()
	require.NoError(t, err)
	require.Empty(t, forgotten)

	require.EqualValues(t, 1, env.llen(t, KeyProcessing))
	require.EqualValues(t, 0, env.llen(t, KeyPending))
	_, err = env.client.HGet(ctx, KeyHeartbeat, "slow").Result()
	require.NoError(t, err)
}

func TestReapDeadWorkers_ReturnsUnassignedEntryAfterWindow(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{PageRangeSize: 50, Targets: twoTargets[:1], LivenessWindow: 5 * time.Minute})
	ctx := context.Background()
	_, err := env.q.Initialize(ctx, 50)
	require.NoError(t, err)

	// A worker that dies between the pop and the assignment leaves this behind.
	raw, err := env.client.BRPopLPush(ctx, KeyPending, KeyProcessing, time.Second).Result()
	require.NoError(t, err)

	reassigned, err := env.q.ReapDeadWorkers(ctx)
	require.NoError(t, err)
	require.Zero(t, reassigned)
	tracked, err := env.client.HExists(ctx, KeyUnassigned, raw).Result()
	require.NoError(t, err)
	require.True(t, tracked)

	env.clock.Advance(24 * time.Hour)
	reassigned, err = env.q.ReapDeadWorkers(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, reassigned)
	require.EqualValues(t, 1, env.llen(t, KeyPending))
	require.EqualValues(t, 0, env.llen(t, KeyProcessing))

	n, err := env.client.HLen(ctx, KeyUnassigned).Result()
	require.NoError(t, err)
	require.Zero(t, n)

	task := env.claim(t, "w2")
	require.Equal(t, "task_000001", task.ID)
}

func TestReapDeadWorkers_PrunesTrackingForAssignedEntries(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{PageRangeSize: 50, Targets: twoTargets[:1]})
	ctx := context.Background()
	_, err := env.q.Initialize(ctx, 50)
	require.NoError(t, err)
	require.NoError(t, env.client.HSet(ctx, KeyUnassigned, "gone-entry", env.clock.Now().Format(time.RFC3339Nano)).Err())

	_, err = env.q.ReapDeadWorkers(ctx)
	require.NoError(t, err)
	n, err := env.client.HLen(ctx, KeyUnassigned).Result()
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestReapDeadWorkers_NoopWhenAllAlive(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{PageRangeSize: 50})
	ctx := context.Background()
	_, err := env.q.Initialize(ctx, 50)
	require.NoError(t, err)
	env.claim(t, "w1")
	env.clock.Advance(time.Minute)

	reassigned, err := env.q.ReapDeadWorkers(ctx)
	require.NoError(t, err)
	require.Zero(t, reassigned)
	require.EqualValues(t, 1, env.llen(t, KeyProcessing))
}

func TestDrainForShutdown_ReturnsProcessingToPending(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{PageRangeSize: 25, Targets: twoTargets[:1]})
	ctx := context.Background()
	_, err := env.q.Initialize(ctx, 100)
	require.NoError(t, err)

	done := env.claim(t, "w1")
	_, err = env.q.CompleteTask(ctx, done, 4)
	require.NoError(t, err)
	env.claim(t, "w1")
	env.claim(t, "w2")

	drained, err := env.q.DrainForShutdown(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, drained)

	require.EqualValues(t, 0, env.llen(t, KeyProcessing))
	require.EqualValues(t, 3, env.llen(t, KeyPending))
	require.EqualValues(t, 1, env.llen(t, KeyCompleted))

	pending, err := env.client.LRange(ctx, KeyPending, 0, -1).Result()
	require.NoError(t, err)
	for _, raw := range pending {
		task, err := decodeTask(raw)
		require.NoError(t, err)
		require.Empty(t, task.WorkerID)
		require.Equal(t, crawler.TaskStatusPending, task.Status)
	}
}

func TestWorkers_ReportsAge(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{LivenessWindow: 5 * time.Minute})
	ctx := context.Background()
	require.NoError(t, env.q.Heartbeat(ctx, "b"))
	env.clock.Advance(10 * time.Minute)
	require.NoError(t, env.q.Heartbeat(ctx, "a"))

	workers, err := env.q.Workers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 2)
	require.Equal(t, "a", workers[0].WorkerID)
	require.True(t, workers[0].Alive)
	require.Equal(t, "b", workers[1].WorkerID)
	require.False(t, workers[1].Alive)
	require.InDelta(t, 600, workers[1].AgeSeconds, 0.001)

	require.Error(t, env.q.Heartbeat(ctx, ""))
}

func TestStats_EmptyStore(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	stats, err := env.q.Stats(context.Background())
	require.NoError(t, err)
	require.Equal(t, crawler.QueueStats{}, stats)
}

func TestKeyPrefixIsolatesRuns(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{KeyPrefix: "run1:", PageRangeSize: 50})
	ctx := context.Background()
	_, err := env.q.Initialize(ctx, 50)
	require.NoError(t, err)

	require.EqualValues(t, 0, env.llen(t, KeyPending))
	require.EqualValues(t, 2, env.llen(t, "run1:"+KeyPending))
}

func TestPing(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t, Config{})
	require.NoError(t, env.q.Ping(context.Background()))
	env.mr.Close()
	require.Error(t, env.q.Ping(context.Background()))
}

package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/JakeFAU/stackharvest/internal/crawler"
)

const pushBatchSize = 500

// PlanTasks partitions pageBudget pages of every target into consecutive ranges.
// Ranges are inclusive and 1-based: budget 100 with size 50 yields 1-50 and 51-100.
func PlanTasks(targets []string, pageBudget, rangeSize int, now time.Time) []crawler.Task {
	if pageBudget <= 0 || rangeSize <= 0 {
		return nil
	}
	tasks := make([]crawler.Task, 0, len(targets)*((pageBudget+rangeSize-1)/rangeSize))
	for _, target := range targets {
		for start := 1; start <= pageBudget; start += rangeSize {
			end := start + rangeSize - 1
			if end > pageBudget {
				end = pageBudget
			}
			tasks = append(tasks, crawler.Task{
				ID:        fmt.Sprintf("task_%06d", len(tasks)+1),
				URL:       crawler.PageURL(target, start),
				StartPage: start,
				EndPage:   end,
				Status:    crawler.TaskStatusPending,
				CreatedAt: now,
			})
		}
	}
	return tasks
}

// Initialize discards the previous run's task lists and statistics, then enqueues
// a fresh plan. Deduplication sets are kept so a new run skips known pages.
func (q *Queue) Initialize(ctx context.Context, pageBudget int) (int, error) {
	now := q.clock.Now()
	tasks := PlanTasks(q.cfg.Targets, pageBudget, q.cfg.PageRangeSize, now)
	if len(tasks) == 0 {
		return 0, fmt.Errorf("no tasks planned for page budget %d over %d targets", pageBudget, len(q.cfg.Targets))
	}

	encoded := make([]any, 0, len(tasks))
	for _, task := range tasks {
		raw, err := encodeTask(task)
		if err != nil {
			return 0, err
		}
		encoded = append(encoded, raw)
	}

	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, q.keys.pending, q.keys.processing, q.keys.completed, q.keys.failed, q.keys.stats, q.keys.unassigned)
		for start := 0; start < len(encoded); start += pushBatchSize {
			end := start + pushBatchSize
			if end > len(encoded) {
				end = len(encoded)
			}
			pipe.LPush(ctx, q.keys.pending, encoded[start:end]...)
		}
		pipe.HSet(ctx, q.keys.stats,
			"total_tasks", len(tasks),
			"completed_tasks", 0,
			"failed_tasks", 0,
			"total_questions", 0,
			"unique_questions", 0,
			"start_time", now.Format(time.RFC3339Nano),
		)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("initialize tasks: %w", err)
	}
	q.logger.Info("task queue initialized",
		zap.Int("tasks", len(tasks)),
		zap.Int("targets", len(q.cfg.Targets)),
		zap.Int("page_budget", pageBudget),
	)
	return len(tasks), nil
}

// NextTask claims the oldest pending task for workerID, blocking up to the claim
// timeout. It returns nil without error when no task became available.
func (q *Queue) NextTask(ctx context.Context, workerID string) (*crawler.Task, error) {
	if err := q.Heartbeat(ctx, workerID); err != nil {
		return nil, err
	}
	raw, err := q.client.BRPopLPush(ctx, q.keys.pending, q.keys.processing, q.cfg.ClaimTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim task: %w", err)
	}

	task, err := decodeTask(raw)
	if err != nil {
		q.quarantine(ctx, raw)
		return nil, err
	}

	lease, err := q.ids.NewID()
	if err != nil {
		return nil, fmt.Errorf("generate lease: %w", err)
	}
	started := q.clock.Now()
	task.WorkerID = workerID
	task.Status = crawler.TaskStatusRunning
	task.StartedAt = &started
	task.Lease = lease

	assigned, err := q.move(ctx, q.keys.processing, q.keys.processing, raw, task)
	if err != nil {
		return nil, err
	}
	if assigned == "" {
		// Drained or reaped between the pop and the assignment; it is back in pending.
		return nil, nil
	}
	claimed := task.WithRaw(assigned)
	q.logger.Debug("task claimed",
		zap.String("task_id", task.ID),
		zap.String("worker_id", workerID),
		zap.Int("start_page", task.StartPage),
		zap.Int("end_page", task.EndPage),
	)
	return &claimed, nil
}

// CompleteTask moves a claimed task to the completed list and records its item count.
func (q *Queue) CompleteTask(ctx context.Context, task crawler.Task, items int) (crawler.Task, error) {
	if task.Raw() == "" {
		return crawler.Task{}, fmt.Errorf("task %s was not claimed from this queue", task.ID)
	}
	done := task
	done.Status = crawler.TaskStatusCompleted
	done.Items = items
	done.Error = ""
	done.Lease = ""

	moved, err := q.move(ctx, q.keys.processing, q.keys.completed, task.Raw(), done,
		"completed_tasks", 1,
		"total_questions", items,
	)
	if err != nil {
		return crawler.Task{}, err
	}
	if moved == "" {
		return crawler.Task{}, fmt.Errorf("complete task %s: %w", task.ID, ErrLeaseLost)
	}
	q.logger.Info("task completed",
		zap.String("task_id", task.ID),
		zap.String("worker_id", task.WorkerID),
		zap.Int("questions", items),
	)
	return done.WithRaw(moved), nil
}

// FailTask records a failure. Tasks with retry budget left return to the tail of
// pending; exhausted tasks move to the failed list.
func (q *Queue) FailTask(ctx context.Context, task crawler.Task, reason string) (crawler.Task, error) {
	if task.Raw() == "" {
		return crawler.Task{}, fmt.Errorf("task %s was not claimed from this queue", task.ID)
	}
	next := task
	next.Retries++
	next.Error = reason
	next.Lease = ""

	var (
		moved string
		err   error
	)
	if next.Retries < q.cfg.MaxRetries {
		next = resetToPending(next)
		moved, err = q.move(ctx, q.keys.processing, q.keys.pending, task.Raw(), next)
	} else {
		next.Status = crawler.TaskStatusFailed
		moved, err = q.move(ctx, q.keys.processing, q.keys.failed, task.Raw(), next, "failed_tasks", 1)
	}
	if err != nil {
		return crawler.Task{}, err
	}
	if moved == "" {
		return crawler.Task{}, fmt.Errorf("fail task %s: %w", task.ID, ErrLeaseLost)
	}
	q.logger.Warn("task failed",
		zap.String("task_id", task.ID),
		zap.String("worker_id", task.WorkerID),
		zap.Int("retries", next.Retries),
		zap.String("status", string(next.Status)),
		zap.String("reason", reason),
	)
	return next.WithRaw(moved), nil
}

// DrainForShutdown returns every processing task to pending so other workers
// can pick them up. Pending, completed and failed lists are untouched.
func (q *Queue) DrainForShutdown(ctx context.Context) (int, error) {
	entries, err := q.client.LRange(ctx, q.keys.processing, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list processing tasks: %w", err)
	}
	drained := 0
	for _, raw := range entries {
		task, err := decodeTask(raw)
		if err != nil {
			q.quarantine(ctx, raw)
			continue
		}
		moved, err := q.move(ctx, q.keys.processing, q.keys.pending, raw, resetToPending(task))
		if err != nil {
			return drained, err
		}
		if moved != "" {
			drained++
		}
	}
	q.logger.Info("processing tasks drained", zap.Int("tasks", drained))
	return drained, nil
}

// move atomically replaces raw in src with the encoding of next pushed onto dst,
// applying stats increments given as field/amount pairs. It returns the new
// encoding, or "" when raw was no longer in src.
func (q *Queue) move(ctx context.Context, src, dst, raw string, next crawler.Task, incr ...any) (string, error) {
	encoded, err := encodeTask(next)
	if err != nil {
		return "", err
	}
	args := make([]any, 0, 2+len(incr))
	args = append(args, raw, encoded)
	for i := 0; i+1 < len(incr); i += 2 {
		args = append(args, incr[i], toArg(incr[i+1]))
	}
	n, err := moveScript.Run(ctx, q.client, []string{src, dst, q.keys.stats}, args...).Int()
	if err != nil {
		return "", fmt.Errorf("move task %s: %w", next.ID, err)
	}
	if n == 0 {
		return "", nil
	}
	return encoded, nil
}

// quarantine moves an undecodable processing entry to the failed list.
func (q *Queue) quarantine(ctx context.Context, raw string) {
	q.logger.Error("undecodable task entry moved to failed list", zap.String("entry", raw))
	keys := []string{q.keys.processing, q.keys.failed, q.keys.stats}
	if err := moveScript.Run(ctx, q.client, keys, raw, raw, "failed_tasks", "1").Err(); err != nil {
		q.logger.Error("quarantine task entry", zap.Error(err))
	}
}

func resetToPending(task crawler.Task) crawler.Task {
	task.Status = crawler.TaskStatusPending
	task.WorkerID = ""
	task.StartedAt = nil
	task.Lease = ""
	return task
}

func encodeTask(task crawler.Task) (string, error) {
	data, err := json.Marshal(task)
	if err != nil {
		return "", fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	return string(data), nil
}

func decodeTask(raw string) (crawler.Task, error) {
	var task crawler.Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		return crawler.Task{}, fmt.Errorf("decode task: %w", err)
	}
	return task.WithRaw(raw), nil
}

func toArg(v any) any {
	switch n := v.(type) {
	case int:
		return strconv.Itoa(n)
	case int64:
		return strconv.FormatInt(n, 10)
	default:
		return v
	}
}

package queue

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/JakeFAU/stackharvest/internal/crawler"
)

// Heartbeat records workerID as alive now.
func (q *Queue) Heartbeat(ctx context.Context, workerID string) error {
	if workerID == "" {
		return fmt.Errorf("worker id is required")
	}
	now := q.clock.Now().Format(time.RFC3339Nano)
	_, err := q.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, q.keys.heartbeat, workerID, now)
		pipe.SAdd(ctx, q.keys.active, workerID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record heartbeat: %w", err)
	}
	return nil
}

// ReapDeadWorkers returns tasks held by dead workers to pending and forgets those
// workers. A worker is dead when its heartbeat is older than the liveness window,
// or when it has no heartbeat record and its task started longer ago than the
// window. Each move re-checks the owner's heartbeat atomically, so a worker that
// reported in after the snapshot keeps its task. Entries popped into processing
// but never assigned are returned once they have been seen ownerless for a full
// window. It reports how many tasks were reassigned.
func (q *Queue) ReapDeadWorkers(ctx context.Context) (int, error) {
	beats, err := q.client.HGetAll(ctx, q.keys.heartbeat).Result()
	if err != nil {
		return 0, fmt.Errorf("read heartbeats: %w", err)
	}
	now := q.clock.Now()
	// stale maps a dead worker to the heartbeat value it was judged on; "" means no record.
	stale := make(map[string]string)
	for workerID, ts := range beats {
		if !q.alive(ts, now) {
			stale[workerID] = ts
		}
	}

	entries, err := q.client.LRange(ctx, q.keys.processing, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("list processing tasks: %w", err)
	}
	reassigned := 0
	present := make(map[string]struct{}, len(entries))
	for _, raw := range entries {
		present[raw] = struct{}{}
		task, err := decodeTask(raw)
		if err != nil {
			q.quarantine(ctx, raw)
			continue
		}
		if task.WorkerID == "" {
			moved, err := q.reapUnassigned(ctx, raw, task, now)
			if err != nil {
				return reassigned, err
			}
			if moved {
				reassigned++
			}
			continue
		}

		observed, known := beats[task.WorkerID]
		switch {
		case known && q.alive(observed, now):
			continue
		case !known && task.StartedAt != nil && now.Sub(*task.StartedAt) <= q.cfg.LivenessWindow:
			continue
		}
		encoded, err := encodeTask(resetToPending(task))
		if err != nil {
			return reassigned, err
		}
		keys := []string{q.keys.processing, q.keys.pending, q.keys.heartbeat}
		n, err := reapScript.Run(ctx, q.client, keys, raw, encoded, task.WorkerID, observed).Int()
		if err != nil {
			return reassigned, fmt.Errorf("reap task %s: %w", task.ID, err)
		}
		if n != 1 {
			continue
		}
		stale[task.WorkerID] = observed
		reassigned++
		q.logger.Warn("reassigned task from dead worker",
			zap.String("task_id", task.ID),
			zap.String("worker_id", task.WorkerID),
		)
	}

	if err := q.pruneUnassigned(ctx, present); err != nil {
		return reassigned, err
	}
	if len(stale) > 0 {
		args := make([]any, 0, 2*len(stale))
		for id, ts := range stale {
			args = append(args, id, ts)
		}
		forgotten, err := forgetWorkersScript.Run(ctx, q.client, []string{q.keys.heartbeat, q.keys.active}, args...).StringSlice()
		if err != nil {
			return reassigned, fmt.Errorf("forget dead workers: %w", err)
		}
		if len(forgotten) > 0 || reassigned > 0 {
			sort.Strings(forgotten)
			q.logger.Info("reaped dead workers", zap.Strings("worker_ids", forgotten), zap.Int("tasks", reassigned))
		}
	}
	return reassigned, nil
}

// reapUnassigned tracks an ownerless processing entry and returns it to pending
// once it has been ownerless for longer than the liveness window.
func (q *Queue) reapUnassigned(ctx context.Context, raw string, task crawler.Task, now time.Time) (bool, error) {
	if err := q.client.HSetNX(ctx, q.keys.unassigned, raw, now.Format(time.RFC3339Nano)).Err(); err != nil {
		return false, fmt.Errorf("track unassigned task %s: %w", task.ID, err)
	}
	first, err := q.client.HGet(ctx, q.keys.unassigned, raw).Result()
	if err != nil {
		return false, fmt.Errorf("read unassigned task %s: %w", task.ID, err)
	}
	if q.alive(first, now) {
		return false, nil
	}
	moved, err := q.move(ctx, q.keys.processing, q.keys.pending, raw, resetToPending(task))
	if err != nil {
		return false, err
	}
	if err := q.client.HDel(ctx, q.keys.unassigned, raw).Err(); err != nil {
		return false, fmt.Errorf("clear unassigned task %s: %w", task.ID, err)
	}
	if moved == "" {
		return false, nil
	}
	q.logger.Warn("returned unassigned task to pending", zap.String("task_id", task.ID))
	return true, nil
}

// pruneUnassigned drops tracking for entries no longer in processing.
func (q *Queue) pruneUnassigned(ctx context.Context, present map[string]struct{}) error {
	tracked, err := q.client.HKeys(ctx, q.keys.unassigned).Result()
	if err != nil {
		return fmt.Errorf("list unassigned tasks: %w", err)
	}
	var gone []string
	for _, raw := range tracked {
		if _, ok := present[raw]; !ok {
			gone = append(gone, raw)
		}
	}
	if len(gone) == 0 {
		return nil
	}
	if err := q.client.HDel(ctx, q.keys.unassigned, gone...).Err(); err != nil {
		return fmt.Errorf("prune unassigned tasks: %w", err)
	}
	return nil
}

// Workers lists heartbeat records ordered by worker id.
func (q *Queue) Workers(ctx context.Context) ([]crawler.WorkerHeartbeat, error) {
	beats, err := q.client.HGetAll(ctx, q.keys.heartbeat).Result()
	if err != nil {
		return nil, fmt.Errorf("read heartbeats: %w", err)
	}
	now := q.clock.Now()
	out := make([]crawler.WorkerHeartbeat, 0, len(beats))
	for workerID, ts := range beats {
		hb := crawler.WorkerHeartbeat{WorkerID: workerID}
		if seen, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			hb.LastSeen = seen
			hb.AgeSeconds = now.Sub(seen).Seconds()
			hb.Alive = now.Sub(seen) <= q.cfg.LivenessWindow
		}
		out = append(out, hb)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WorkerID < out[j].WorkerID })
	return out, nil
}

func (q *Queue) alive(ts string, now time.Time) bool {
	seen, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return false
	}
	return now.Sub(seen) <= q.cfg.LivenessWindow
}

package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/JakeFAU/stackharvest/internal/crawler"
)

// Stats combines the stored counters with live list and set sizes.
func (q *Queue) Stats(ctx context.Context) (crawler.QueueStats, error) {
	var (
		counters   *redis.StringStringMapCmd
		pending    *redis.IntCmd
		processing *redis.IntCmd
		completed  *redis.IntCmd
		failed     *redis.IntCmd
		active     *redis.IntCmd
		urls       *redis.IntCmd
		questions  *redis.IntCmd
	)
	_, err := q.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		counters = pipe.HGetAll(ctx, q.keys.stats)
		pending = pipe.LLen(ctx, q.keys.pending)
		processing = pipe.LLen(ctx, q.keys.processing)
		completed = pipe.LLen(ctx, q.keys.completed)
		failed = pipe.LLen(ctx, q.keys.failed)
		active = pipe.SCard(ctx, q.keys.active)
		urls = pipe.SCard(ctx, q.keys.urls)
		questions = pipe.SCard(ctx, q.keys.questions)
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return crawler.QueueStats{}, fmt.Errorf("read stats: %w", err)
	}

	c := counters.Val()
	stats := crawler.QueueStats{
		TotalTasks:      parseCounter(c["total_tasks"]),
		CompletedTasks:  parseCounter(c["completed_tasks"]),
		FailedTasks:     parseCounter(c["failed_tasks"]),
		TotalQuestions:  parseCounter(c["total_questions"]),
		UniqueQuestions: parseCounter(c["unique_questions"]),
		PendingTasks:    pending.Val(),
		ProcessingTasks: processing.Val(),
		CompletedCount:  completed.Val(),
		FailedCount:     failed.Val(),
		ActiveWorkers:   active.Val(),
		ScrapedURLs:     urls.Val(),
		SeenQuestions:   questions.Val(),
	}
	if ts, ok := c["start_time"]; ok {
		if start, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			stats.StartTime = start
		}
	}
	return stats, nil
}

func parseCounter(v string) int64 {
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0
	}
	return n
}

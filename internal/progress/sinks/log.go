package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/stackharvest/internal/crawler"
)

// Log writes each task event to a zap logger.
type Log struct {
	logger *zap.Logger
}

// NewLog returns a Log sink; a nil logger discards events.
func NewLog(logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger}
}

// Consume logs failures at warn and everything else at debug.
func (s *Log) Consume(_ context.Context, batch []crawler.TaskEvent) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("task_id", evt.TaskID),
			zap.String("worker_id", evt.WorkerID),
			zap.String("status", string(evt.Status)),
			zap.Int("questions", evt.Items),
			zap.Int("retries", evt.Retries),
			zap.Time("at", evt.At),
		}
		if evt.Reason != "" {
			fields = append(fields, zap.String("reason", evt.Reason))
		}
		if evt.Status == crawler.TaskStatusFailed {
			s.logger.Warn("task event", fields...)
			continue
		}
		s.logger.Debug("task event", fields...)
	}
	return nil
}

// Close is a no-op.
func (s *Log) Close(context.Context) error { return nil }

// Package monitor periodically checks host and queue health, reaps dead
// workers and logs threshold breaches.
package monitor

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stackharvest/internal/config"
	"github.com/JakeFAU/stackharvest/internal/crawler"
	"github.com/JakeFAU/stackharvest/internal/metrics"
)

// Queue is what the monitor needs from the task queue.
type Queue interface {
	Stats(ctx context.Context) (crawler.QueueStats, error)
	ReapDeadWorkers(ctx context.Context) (int, error)
}

// Config holds the tick interval and alert thresholds.
type Config struct {
	Interval         time.Duration
	CPUThreshold     float64
	MemoryThreshold  float64
	DiskThreshold    float64
	PendingThreshold int64
}

// ConfigFrom maps service configuration onto monitor settings.
func ConfigFrom(cfg config.MonitorConfig) Config {
	return Config{
		Interval:         cfg.Interval,
		CPUThreshold:     cfg.CPUThreshold,
		MemoryThreshold:  cfg.MemoryThreshold,
		DiskThreshold:    cfg.DiskThreshold,
		PendingThreshold: cfg.PendingThreshold,
	}
}

// Alert is one breached threshold.
type Alert struct {
	Name      string
	Value     float64
	Threshold float64
}

func (a Alert) String() string {
	return fmt.Sprintf("%s %.1f breaches %.1f", a.Name, a.Value, a.Threshold)
}

// Monitor runs the periodic health check.
type Monitor struct {
	queue  Queue
	probe  Probe
	cfg    Config
	logger *zap.Logger
}

// New constructs a Monitor. Zero thresholds fall back to 80/85/90 percent and 1000 pending tasks.
func New(queue Queue, probe Probe, cfg Config, logger *zap.Logger) (*Monitor, error) {
	if queue == nil || probe == nil {
		return nil, fmt.Errorf("queue and probe are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.CPUThreshold <= 0 {
		cfg.CPUThreshold = 80
	}
	if cfg.MemoryThreshold <= 0 {
		cfg.MemoryThreshold = 85
	}
	if cfg.DiskThreshold <= 0 {
		cfg.DiskThreshold = 90
	}
	if cfg.PendingThreshold <= 0 {
		cfg.PendingThreshold = 1000
	}
	return &Monitor{queue: queue, probe: probe, cfg: cfg, logger: logger}, nil
}

// Run checks once immediately and then every interval until ctx is done.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := m.Check(ctx); err != nil && ctx.Err() == nil {
			m.logger.Error("monitor check failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Check samples the host, reaps dead workers, refreshes gauges and returns the
// alerts that were logged. Probe failures are logged and skip host alerts; queue
// failures are returned.
func (m *Monitor) Check(ctx context.Context) ([]Alert, error) {
	var usage *Usage
	if u, err := m.probe.Sample(ctx); err != nil {
		m.logger.Warn("system probe failed", zap.Error(err))
	} else {
		usage = &u
		metrics.SetSystem(u.CPUPercent, u.MemoryPercent, u.DiskPercent)
	}

	reaped, err := m.queue.ReapDeadWorkers(ctx)
	if err != nil {
		return nil, fmt.Errorf("reap dead workers: %w", err)
	}
	if reaped > 0 {
		m.logger.Warn("reassigned tasks from dead workers", zap.Int("tasks", reaped))
	}

	stats, err := m.queue.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("read queue stats: %w", err)
	}
	metrics.SetQueueStats(stats)

	alerts := Evaluate(usage, stats, m.cfg)
	for _, a := range alerts {
		m.logger.Warn("threshold breached",
			zap.String("alert", a.Name),
			zap.Float64("value", a.Value),
			zap.Float64("threshold", a.Threshold),
		)
	}
	return alerts, nil
}

// Evaluate compares a sample against the thresholds. A nil usage skips host checks.
func Evaluate(usage *Usage, stats crawler.QueueStats, cfg Config) []Alert {
	var alerts []Alert
	if usage != nil {
		if usage.CPUPercent > cfg.CPUThreshold {
			alerts = append(alerts, Alert{Name: "high_cpu", Value: usage.CPUPercent, Threshold: cfg.CPUThreshold})
		}
		if usage.MemoryPercent > cfg.MemoryThreshold {
			alerts = append(alerts, Alert{Name: "high_memory", Value: usage.MemoryPercent, Threshold: cfg.MemoryThreshold})
		}
		if usage.DiskPercent > cfg.DiskThreshold {
			alerts = append(alerts, Alert{Name: "high_disk", Value: usage.DiskPercent, Threshold: cfg.DiskThreshold})
		}
	}
	if stats.PendingTasks > cfg.PendingThreshold {
		alerts = append(alerts, Alert{
			Name:      "queue_backlog",
			Value:     float64(stats.PendingTasks),
			Threshold: float64(cfg.PendingThreshold),
		})
	}
	if stats.ActiveWorkers == 0 {
		alerts = append(alerts, Alert{Name: "no_active_workers"})
	}
	return alerts
}

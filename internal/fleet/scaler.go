// Package fleet sizes the worker fleet to the queue backlog and replaces
// unhealthy instances.
package fleet

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/stackharvest/internal/config"
	"github.com/JakeFAU/stackharvest/internal/crawler"
	"github.com/JakeFAU/stackharvest/internal/metrics"
)

// Config holds the scaling policy.
type Config struct {
	MinInstances       int
	MaxInstances       int
	ScaleUpThreshold   int64
	ScaleDownThreshold int64
	TasksPerInstance   int64
	ScaleDownStep      int64
	Interval           time.Duration
	// BootGrace protects freshly launched instances from application health
	// terminations while the worker boots.
	BootGrace time.Duration
}

// ConfigFrom maps service configuration onto scaler settings.
func ConfigFrom(cfg config.FleetConfig) Config {
	return Config{
		MinInstances:       cfg.MinInstances,
		MaxInstances:       cfg.MaxInstances,
		ScaleUpThreshold:   cfg.ScaleUpThreshold,
		ScaleDownThreshold: cfg.ScaleDownThreshold,
		TasksPerInstance:   cfg.TasksPerInstance,
		ScaleDownStep:      cfg.ScaleDownStep,
		Interval:           cfg.Interval,
		BootGrace:          cfg.BootGrace,
	}
}

// TickResult summarises one scaling decision.
type TickResult struct {
	Pending    int64    `json:"pending_tasks"`
	Unhealthy  []string `json:"unhealthy,omitempty"`
	Launched   []string `json:"launched,omitempty"`
	Terminated []string `json:"terminated,omitempty"`
	FleetSize  int      `json:"fleet_size"`
}

// Discoverer is implemented by provisioners that can list the instances they
// previously launched.
type Discoverer interface {
	Discover(ctx context.Context) ([]crawler.Instance, error)
}

// Scaler tracks the instances it manages, oldest first.
type Scaler struct {
	queue       crawler.StatsReader
	provisioner crawler.Provisioner
	clock       crawler.Clock
	cfg         Config
	logger      *zap.Logger

	mu        sync.Mutex
	instances []crawler.Instance
}

// New constructs a Scaler.
func New(queue crawler.StatsReader, provisioner crawler.Provisioner, clock crawler.Clock, cfg Config, logger *zap.Logger) (*Scaler, error) {
	if queue == nil || provisioner == nil || clock == nil {
		return nil, fmt.Errorf("queue, provisioner and clock are required")
	}
	if cfg.MinInstances < 0 || cfg.MaxInstances < cfg.MinInstances {
		return nil, fmt.Errorf("invalid fleet bounds min=%d max=%d", cfg.MinInstances, cfg.MaxInstances)
	}
	if cfg.TasksPerInstance <= 0 {
		cfg.TasksPerInstance = 200
	}
	if cfg.ScaleDownStep <= 0 {
		cfg.ScaleDownStep = 100
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scaler{
		queue:       queue,
		provisioner: provisioner,
		clock:       clock,
		cfg:         cfg,
		logger:      logger,
	}, nil
}

// Instances returns the tracked fleet, oldest first.
func (s *Scaler) Instances() []crawler.Instance {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]crawler.Instance(nil), s.instances...)
}

// Adopt starts tracking instances launched elsewhere.
func (s *Scaler) Adopt(instances ...crawler.Instance) {
	s.mu.Lock()
	s.instances = append(s.instances, instances...)
	n := len(s.instances)
	s.mu.Unlock()
	metrics.SetFleetSize(n)
}

// Sync adopts instances the provisioner reports that are not yet tracked.
// It is a no-op for provisioners without discovery.
func (s *Scaler) Sync(ctx context.Context) (int, error) {
	d, ok := s.provisioner.(Discoverer)
	if !ok {
		return 0, nil
	}
	found, err := d.Discover(ctx)
	if err != nil {
		return 0, fmt.Errorf("discover instances: %w", err)
	}
	known := make(map[string]struct{})
	for _, inst := range s.Instances() {
		known[inst.ID] = struct{}{}
	}
	var fresh []crawler.Instance
	for _, inst := range found {
		if _, ok := known[inst.ID]; !ok {
			fresh = append(fresh, inst)
		}
	}
	if len(fresh) > 0 {
		s.Adopt(fresh...)
		s.logger.Info("existing instances adopted", zap.Strings("instance_ids", instanceIDs(fresh)))
	}
	return len(fresh), nil
}

// Launch provisions up to n instances without exceeding the maximum fleet size.
func (s *Scaler) Launch(ctx context.Context, n int) ([]crawler.Instance, error) {
	s.mu.Lock()
	headroom := s.cfg.MaxInstances - len(s.instances)
	s.mu.Unlock()
	if n > headroom {
		n = headroom
	}
	if n <= 0 {
		return nil, nil
	}
	launched, err := s.provisioner.Launch(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("launch %d instances: %w", n, err)
	}
	s.Adopt(launched...)
	metrics.ObserveFleetAction("launch", len(launched))
	s.logger.Info("instances launched", zap.Int("count", len(launched)), zap.Strings("instance_ids", instanceIDs(launched)))
	return launched, nil
}

// Terminate terminates ids and stops tracking them.
func (s *Scaler) Terminate(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := s.provisioner.Terminate(ctx, ids); err != nil {
		return fmt.Errorf("terminate %v: %w", ids, err)
	}
	drop := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		drop[id] = struct{}{}
	}
	s.mu.Lock()
	kept := s.instances[:0]
	for _, inst := range s.instances {
		if _, ok := drop[inst.ID]; !ok {
			kept = append(kept, inst)
		}
	}
	s.instances = kept
	n := len(s.instances)
	s.mu.Unlock()

	metrics.SetFleetSize(n)
	metrics.ObserveFleetAction("terminate", len(ids))
	s.logger.Info("instances terminated", zap.Strings("instance_ids", ids))
	return nil
}

// TerminateAll terminates every tracked instance.
func (s *Scaler) TerminateAll(ctx context.Context) error {
	return s.Terminate(ctx, instanceIDs(s.Instances()))
}

// Run ticks every interval until ctx is done. Tick errors are logged; the
// next tick reconsiders the backlog.
func (s *Scaler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()
	for {
		if _, err := s.Tick(ctx); err != nil && ctx.Err() == nil {
			s.logger.Error("scaling tick failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// Tick replaces unhealthy instances, then scales up or down on the pending backlog.
func (s *Scaler) Tick(ctx context.Context) (TickResult, error) {
	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return TickResult{}, fmt.Errorf("read queue stats: %w", err)
	}
	result := TickResult{Pending: stats.PendingTasks}
	var errs []error

	unhealthy, err := s.unhealthy(ctx)
	if err != nil {
		errs = append(errs, err)
	} else if len(unhealthy) > 0 {
		s.logger.Warn("removing unhealthy instances", zap.Strings("instance_ids", unhealthy))
		if err := s.Terminate(ctx, unhealthy); err != nil {
			errs = append(errs, err)
		} else {
			result.Unhealthy = unhealthy
		}
	}

	size := len(s.Instances())
	s.logger.Info("scaling check",
		zap.Int64("pending", stats.PendingTasks),
		zap.Int64("active_workers", stats.ActiveWorkers),
		zap.Int("instances", size),
	)
	switch {
	case stats.PendingTasks > s.cfg.ScaleUpThreshold && size < s.cfg.MaxInstances:
		n := int(stats.PendingTasks/s.cfg.TasksPerInstance) + 1
		launched, err := s.Launch(ctx, n)
		if err != nil {
			errs = append(errs, err)
		}
		result.Launched = instanceIDs(launched)
	case stats.PendingTasks < s.cfg.ScaleDownThreshold && size > s.cfg.MinInstances:
		n := int((s.cfg.ScaleDownThreshold-stats.PendingTasks)/s.cfg.ScaleDownStep) + 1
		if n > size-s.cfg.MinInstances {
			n = size - s.cfg.MinInstances
		}
		oldest := instanceIDs(s.Instances()[:n])
		if err := s.Terminate(ctx, oldest); err != nil {
			errs = append(errs, err)
		} else {
			result.Terminated = oldest
		}
	}

	result.FleetSize = len(s.Instances())
	return result, errors.Join(errs...)
}

// unhealthy lists instances to remove. Provider state failures are removed
// at once; application failures only after the boot grace period.
func (s *Scaler) unhealthy(ctx context.Context) ([]string, error) {
	instances := s.Instances()
	if len(instances) == 0 {
		return nil, nil
	}
	health, err := s.provisioner.Health(ctx, instances)
	if err != nil {
		return nil, fmt.Errorf("check instance health: %w", err)
	}
	now := s.clock.Now()
	var out []string
	for _, inst := range instances {
		h, ok := health[inst.ID]
		if !ok || h.Healthy() {
			continue
		}
		if h.State == crawler.InstanceStateRunning && now.Sub(inst.LaunchedAt) < s.cfg.BootGrace {
			continue
		}
		out = append(out, inst.ID)
	}
	return out, nil
}

func instanceIDs(instances []crawler.Instance) []string {
	if len(instances) == 0 {
		return nil
	}
	ids := make([]string, 0, len(instances))
	for _, inst := range instances {
		ids = append(ids, inst.ID)
	}
	return ids
}

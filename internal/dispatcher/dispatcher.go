// Package dispatcher runs a pool of workers inside one process.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/stackharvest/internal/worker"
)

// Worker is the lifecycle surface of worker.Worker.
type Worker interface {
	ID() string
	Run(ctx context.Context) error
	Stop()
	Stats() worker.Stats
}

// Dispatcher fans a run out across its workers.
type Dispatcher struct {
	workers []Worker
	logger  *zap.Logger
	done    chan struct{}
	once    sync.Once
}

// New creates a Dispatcher.
func New(logger *zap.Logger, workers ...Worker) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		workers: workers,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Run starts all workers and blocks until every one has returned. Workers stop
// when ctx is canceled or Stop is called.
func (d *Dispatcher) Run(ctx context.Context) error {
	defer d.once.Do(func() { close(d.done) })
	if len(d.workers) == 0 {
		return fmt.Errorf("dispatcher has no workers")
	}

	errs := make([]error, len(d.workers))
	var wg sync.WaitGroup
	for i, w := range d.workers {
		wg.Add(1)
		go func(i int, w Worker) {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				errs[i] = fmt.Errorf("worker %s: %w", w.ID(), err)
			}
		}(i, w)
	}
	d.logger.Info("dispatcher started", zap.Int("workers", len(d.workers)))
	wg.Wait()
	d.logger.Info("dispatcher stopped")
	return errors.Join(errs...)
}

// Stop asks every worker to stop claiming tasks.
func (d *Dispatcher) Stop() {
	for _, w := range d.workers {
		w.Stop()
	}
}

// Done is closed once Run has returned.
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

// Stats snapshots every worker.
func (d *Dispatcher) Stats() []worker.Stats {
	out := make([]worker.Stats, 0, len(d.workers))
	for _, w := range d.workers {
		out = append(out, w.Stats())
	}
	return out
}

// Package memory provides an in-process fleet used in local mode and tests.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/JakeFAU/stackharvest/internal/crawler"
)

type instance struct {
	crawler.Instance
	health crawler.InstanceHealth
}

// Provisioner implements crawler.Provisioner without real compute. Launched
// instances report running and healthy until told otherwise.
type Provisioner struct {
	mu        sync.Mutex
	clock     crawler.Clock
	seq       int
	instances map[string]*instance
	// LaunchErr, when set, fails every Launch call.
	LaunchErr error
}

// New creates an empty fleet.
func New(clock crawler.Clock) *Provisioner {
	return &Provisioner{clock: clock, instances: make(map[string]*instance)}
}

// Launch creates n running instances.
func (p *Provisioner) Launch(ctx context.Context, n int) ([]crawler.Instance, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("launch canceled: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.LaunchErr != nil {
		return nil, p.LaunchErr
	}
	out := make([]crawler.Instance, 0, n)
	for i := 0; i < n; i++ {
		p.seq++
		inst := crawler.Instance{
			ID:         fmt.Sprintf("mem-%04d", p.seq),
			Address:    "127.0.0.1",
			LaunchedAt: p.clock.Now(),
		}
		p.instances[inst.ID] = &instance{
			Instance: inst,
			health:   crawler.InstanceHealth{State: crawler.InstanceStateRunning, AppHealthy: true},
		}
		out = append(out, inst)
	}
	return out, nil
}

// Terminate marks ids terminated. Unknown ids are an error.
func (p *Provisioner) Terminate(_ context.Context, ids []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		if _, ok := p.instances[id]; !ok {
			return fmt.Errorf("unknown instance %s", id)
		}
	}
	for _, id := range ids {
		p.instances[id].health = crawler.InstanceHealth{State: crawler.InstanceStateTerminated}
	}
	return nil
}

// Health reports the recorded health of each instance.
func (p *Provisioner) Health(_ context.Context, instances []crawler.Instance) (map[string]crawler.InstanceHealth, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]crawler.InstanceHealth, len(instances))
	for _, inst := range instances {
		if rec, ok := p.instances[inst.ID]; ok {
			out[inst.ID] = rec.health
		} else {
			out[inst.ID] = crawler.InstanceHealth{State: crawler.InstanceStateUnknown, Detail: "not found"}
		}
	}
	return out, nil
}

// SetHealth overrides the health reported for id.
func (p *Provisioner) SetHealth(id string, health crawler.InstanceHealth) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if rec, ok := p.instances[id]; ok {
		rec.health = health
	}
}

// Discover returns instances that have not been terminated, oldest first.
func (p *Provisioner) Discover(context.Context) ([]crawler.Instance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []crawler.Instance
	for _, rec := range p.instances {
		if rec.health.State != crawler.InstanceStateTerminated {
			out = append(out, rec.Instance)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Running lists instances that have not been terminated.
func (p *Provisioner) Running() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var ids []string
	for id, rec := range p.instances {
		if rec.health.State != crawler.InstanceStateTerminated {
			ids = append(ids, id)
		}
	}
	return ids
}

package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// Usage is a host utilisation sample in percent.
type Usage struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
}

// Probe samples host utilisation.
type Probe interface {
	Sample(ctx context.Context) (Usage, error)
}

// SystemProbe reads utilisation from the local host via gopsutil.
type SystemProbe struct {
	diskPath string
	window   time.Duration
}

// NewSystemProbe measures disk usage at diskPath and CPU over a one second window.
func NewSystemProbe(diskPath string) *SystemProbe {
	if diskPath == "" {
		diskPath = "/"
	}
	return &SystemProbe{diskPath: diskPath, window: time.Second}
}

// Sample blocks for the CPU window.
func (p *SystemProbe) Sample(ctx context.Context) (Usage, error) {
	var u Usage
	percents, err := cpu.PercentWithContext(ctx, p.window, false)
	if err != nil {
		return u, fmt.Errorf("sample cpu: %w", err)
	}
	if len(percents) > 0 {
		u.CPUPercent = percents[0]
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return u, fmt.Errorf("sample memory: %w", err)
	}
	u.MemoryPercent = vm.UsedPercent
	du, err := disk.UsageWithContext(ctx, p.diskPath)
	if err != nil {
		return u, fmt.Errorf("sample disk %s: %w", p.diskPath, err)
	}
	u.DiskPercent = du.UsedPercent
	return u, nil
}

// Package hoststats samples the host's CPU and memory utilization.
package hoststats

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Usage is a point-in-time utilization reading, in percent.
type Usage struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
}

// Sampler reads current host utilization.
type Sampler interface {
	Sample(ctx context.Context) (Usage, error)
}

// System samples the real host through gopsutil.
type System struct{}

func (System) Sample(ctx context.Context) (Usage, error) {
	var u Usage
	// interval 0 compares against the previous call
	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return u, fmt.Errorf("cpu percent: %w", err)
	}
	if len(pct) > 0 {
		u.CPUPercent = pct[0]
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return u, fmt.Errorf("virtual memory: %w", err)
	}
	u.MemoryPercent = vm.UsedPercent
	return u, nil
}

// Static always returns the same reading. Used by tests and when host
// sampling is disabled.
type Static Usage

func (s Static) Sample(context.Context) (Usage, error) {
	return Usage(s), nil
}

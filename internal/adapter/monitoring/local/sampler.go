// Package local samples the host itself, for single-node deployments without
// a Prometheus stack.
package local

import (
	"context"
	"fmt"

	"github.com/cr4342/msearch-sub004/internal/core/port"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

type sampler struct{}

// NewResourceSampler reads CPU and memory usage from the local host.
func NewResourceSampler() port.ResourceSampler {
	return &sampler{}
}

func (*sampler) Sample(ctx context.Context) (float64, float64, error) {
	// Interval 0 compares against the previous call instead of blocking.
	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return 0, 0, fmt.Errorf("sample cpu: %w", err)
	}
	if len(cpuPercents) == 0 {
		return 0, 0, fmt.Errorf("sample cpu: empty result")
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("sample memory: %w", err)
	}

	return cpuPercents[0], vm.UsedPercent, nil
}

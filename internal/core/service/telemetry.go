package service

import (
	"context"
	"time"

	"github.com/cr4342/msearch-sub004/internal/core/port"
	"go.uber.org/zap"
)

// RunResourceTelemetry feeds sampler readings into the batch controller until
// ctx is cancelled. A failed sample is logged and skipped; the loop survives.
func RunResourceTelemetry(ctx context.Context, sampler port.ResourceSampler, batch *BatchSizeController, interval time.Duration, log *zap.Logger) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("Stopping resource telemetry loop")
			return
		case <-ticker.C:
			cpuPercent, memPercent, err := sampler.Sample(ctx)
			if err != nil {
				log.Warn("Resource sample failed", zap.Error(err))
				continue
			}
			size := batch.Adjust(cpuPercent, memPercent)
			log.Debug("Resource sample",
				zap.Float64("cpu_percent", cpuPercent),
				zap.Float64("mem_percent", memPercent),
				zap.Int("batch_size", size))
		}
	}
}

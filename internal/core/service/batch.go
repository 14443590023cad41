package service

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// BatchSettings tunes the additive-increase/additive-decrease controller.
// Thresholds are deliberately asymmetric: increases need headroom on both
// metrics while a single hot metric forces a decrease, which avoids
// oscillation at the boundary.
type BatchSettings struct {
	InitialSize       int           `mapstructure:"initial_size"`
	MinSize           int           `mapstructure:"min_size"`
	MaxSize           int           `mapstructure:"max_size"`
	AdjustmentStep    int           `mapstructure:"adjustment_step"`
	IncreaseThreshold float64       `mapstructure:"increase_threshold"` // Both metrics below -> grow
	DecreaseThreshold float64       `mapstructure:"decrease_threshold"` // Either metric above -> shrink
	Cooldown          time.Duration `mapstructure:"cooldown"`
}

// DefaultBatchSettings mirrors the conservative production defaults.
func DefaultBatchSettings() BatchSettings {
	return BatchSettings{
		InitialSize:       8,
		MinSize:           1,
		MaxSize:           32,
		AdjustmentStep:    2,
		IncreaseThreshold: 70,
		DecreaseThreshold: 85,
		Cooldown:          30 * time.Second,
	}
}

func (s *BatchSettings) normalize() {
	if s.MinSize < 1 {
		s.MinSize = 1
	}
	if s.MaxSize < s.MinSize {
		s.MaxSize = s.MinSize
	}
	if s.InitialSize < s.MinSize {
		s.InitialSize = s.MinSize
	}
	if s.InitialSize > s.MaxSize {
		s.InitialSize = s.MaxSize
	}
	if s.AdjustmentStep < 1 {
		s.AdjustmentStep = 1
	}
}

// BatchSizeController maps periodic CPU/memory samples to a batch size
// recommendation. It owns its state; workers read through Current only.
type BatchSizeController struct {
	mu       sync.Mutex
	settings BatchSettings
	current  int
	lastAdj  time.Time
	count    int64
	now      func() time.Time
	log      *zap.Logger
}

func NewBatchSizeController(settings BatchSettings, log *zap.Logger) *BatchSizeController {
	settings.normalize()
	return &BatchSizeController{
		settings: settings,
		current:  settings.InitialSize,
		now:      time.Now,
		log:      log,
	}
}

// Current returns a read-only snapshot of the batch size.
func (c *BatchSizeController) Current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Adjustments returns how many accepted adjustments have occurred.
func (c *BatchSizeController) Adjustments() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

// Adjust applies one telemetry sample and returns the (possibly unchanged)
// batch size. Accepted adjustments are spaced at least Cooldown apart; a
// clamped no-op does not reset the cooldown.
func (c *BatchSizeController) Adjust(cpuPercent, memPercent float64) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if !c.lastAdj.IsZero() && now.Sub(c.lastAdj) < c.settings.Cooldown {
		return c.current
	}

	next := c.current
	switch {
	case cpuPercent < c.settings.IncreaseThreshold && memPercent < c.settings.IncreaseThreshold && c.current < c.settings.MaxSize:
		next = min(c.current+c.settings.AdjustmentStep, c.settings.MaxSize)
	case (cpuPercent > c.settings.DecreaseThreshold || memPercent > c.settings.DecreaseThreshold) && c.current > c.settings.MinSize:
		next = max(c.current-c.settings.AdjustmentStep, c.settings.MinSize)
	}

	if next == c.current {
		return c.current
	}

	c.log.Info("Adjusted batch size",
		zap.Int("from", c.current),
		zap.Int("to", next),
		zap.Float64("cpu_percent", cpuPercent),
		zap.Float64("mem_percent", memPercent))
	c.current = next
	c.lastAdj = now
	c.count++
	return c.current
}

// Reset restores the initial batch size and clears adjustment counters.
func (c *BatchSizeController) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.settings.InitialSize
	c.lastAdj = time.Time{}
	c.count = 0
}

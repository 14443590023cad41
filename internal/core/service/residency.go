package service

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cr4342/msearch-sub004/internal/core/domain"
	"github.com/cr4342/msearch-sub004/internal/core/port"
	"go.uber.org/zap"
)

// ResidencySettings tunes model eviction.
type ResidencySettings struct {
	MaxModelsInMemory int           `mapstructure:"max_models_in_memory"`
	InactiveTimeout   time.Duration `mapstructure:"inactive_timeout"`
	CleanupInterval   time.Duration `mapstructure:"cleanup_interval"`
}

// DefaultResidencySettings returns the residency defaults.
func DefaultResidencySettings() ResidencySettings {
	return ResidencySettings{
		MaxModelsInMemory: 3,
		InactiveTimeout:   5 * time.Minute,
		CleanupInterval:   time.Minute,
	}
}

// ModelResidencyManager tracks which heavyweight models are considered loaded
// and reclaims them under idle or count pressure. The actual memory release
// belongs to the model layer; this component only tracks state and asks.
type ModelResidencyManager struct {
	settings   ResidencySettings
	modelLayer port.ModelLayer
	log        *zap.Logger

	mu      sync.Mutex
	records map[string]*domain.ModelResidencyRecord
	now     func() time.Time
}

func NewModelResidencyManager(settings ResidencySettings, modelLayer port.ModelLayer, log *zap.Logger) *ModelResidencyManager {
	if settings.MaxModelsInMemory < 1 {
		settings.MaxModelsInMemory = 1
	}
	if settings.CleanupInterval <= 0 {
		settings.CleanupInterval = time.Minute
	}
	return &ModelResidencyManager{
		settings:   settings,
		modelLayer: modelLayer,
		log:        log,
		records:    make(map[string]*domain.ModelResidencyRecord),
		now:        time.Now,
	}
}

// Track registers or refreshes a residency record as loaded.
func (m *ModelResidencyManager) Track(modelType string, sizeGB float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	rec, ok := m.records[modelType]
	if !ok {
		rec = &domain.ModelResidencyRecord{ModelType: modelType}
		m.records[modelType] = rec
	}
	rec.SizeGB = sizeGB
	rec.Loaded = true
	rec.LastUsed = now
}

// MarkUsed increments usage and refreshes last-used. No-op if untracked.
func (m *ModelResidencyManager) MarkUsed(modelType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[modelType]
	if !ok {
		return
	}
	rec.UsageCount++
	rec.LastUsed = m.now()
}

// EnsureLoaded makes the model resident before a worker uses it: loads it
// through the model layer if needed, then records the use.
func (m *ModelResidencyManager) EnsureLoaded(ctx context.Context, modelType string, sizeGB float64) error {
	loaded, err := m.modelLayer.IsLoaded(ctx, modelType)
	if err != nil {
		return fmt.Errorf("check model %s: %w", modelType, err)
	}
	if !loaded {
		if err := m.modelLayer.Load(ctx, modelType); err != nil {
			return fmt.Errorf("load model %s: %w", modelType, err)
		}
	}
	m.Track(modelType, sizeGB)
	m.MarkUsed(modelType)
	return nil
}

// EvictionCandidates selects models to unload. Genuinely idle models come
// first; only when none are idle and the loaded count exceeds the cap does it
// fall back to evicting the least-used until the cap is met.
func (m *ModelResidencyManager) EvictionCandidates() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var idle []string
	var loaded []*domain.ModelResidencyRecord
	for _, rec := range m.records {
		if !rec.Loaded {
			continue
		}
		loaded = append(loaded, rec)
		if m.settings.InactiveTimeout > 0 && rec.IdleFor(now) > m.settings.InactiveTimeout {
			idle = append(idle, rec.ModelType)
		}
	}
	if len(idle) > 0 {
		sort.Strings(idle)
		return idle
	}

	excess := len(loaded) - m.settings.MaxModelsInMemory
	if excess <= 0 {
		return nil
	}
	sort.Slice(loaded, func(i, j int) bool {
		if loaded[i].UsageCount != loaded[j].UsageCount {
			return loaded[i].UsageCount < loaded[j].UsageCount
		}
		return loaded[i].LastUsed.Before(loaded[j].LastUsed)
	})
	out := make([]string, 0, excess)
	for _, rec := range loaded[:excess] {
		out = append(out, rec.ModelType)
	}
	return out
}

// Unload marks the record unloaded and delegates the memory release to the
// model layer. Returns false for untracked or already-unloaded models.
func (m *ModelResidencyManager) Unload(ctx context.Context, modelType string) bool {
	m.mu.Lock()
	rec, ok := m.records[modelType]
	if !ok || !rec.Loaded {
		m.mu.Unlock()
		return false
	}
	rec.Loaded = false
	m.mu.Unlock()

	if err := m.modelLayer.Unload(ctx, modelType); err != nil {
		// State already reflects the intent; the model layer retries on its
		// own schedule.
		m.log.Warn("Model layer unload failed", zap.String("model", modelType), zap.Error(err))
	}
	m.log.Info("Unloaded model", zap.String("model", modelType))
	return true
}

// RunPeriodicCleanup evicts in the background until ctx is cancelled. A
// failing pass is logged and never stops the loop.
func (m *ModelResidencyManager) RunPeriodicCleanup(ctx context.Context) {
	ticker := time.NewTicker(m.settings.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Info("Stopping residency cleanup loop")
			return
		case <-ticker.C:
			m.cleanupPass(ctx)
		}
	}
}

func (m *ModelResidencyManager) cleanupPass(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("Residency cleanup pass panicked", zap.Any("panic", r))
		}
	}()
	candidates := m.EvictionCandidates()
	for _, modelType := range candidates {
		if m.Unload(ctx, modelType) {
			m.log.Debug("Evicted model", zap.String("model", modelType))
		}
	}
}

// Stats returns a snapshot of the residency table.
func (m *ModelResidencyManager) Stats() domain.ResidencyStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := domain.ResidencyStats{
		TotalModels: len(m.records),
		MaxModels:   m.settings.MaxModelsInMemory,
	}
	for _, rec := range m.records {
		if rec.Loaded {
			stats.LoadedModels++
			stats.TotalMemoryGB += rec.SizeGB
		}
	}
	return stats
}

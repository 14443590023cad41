package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// fakeModelLayer records load/unload calls in place of the inference sidecar.
type fakeModelLayer struct {
	mu       sync.Mutex
	loaded   map[string]bool
	unloads  []string
	loadErr  error
	checkErr error
}

func newFakeModelLayer() *fakeModelLayer {
	return &fakeModelLayer{loaded: map[string]bool{}}
}

func (f *fakeModelLayer) Load(_ context.Context, modelType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return f.loadErr
	}
	f.loaded[modelType] = true
	return nil
}

func (f *fakeModelLayer) Unload(_ context.Context, modelType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loaded[modelType] = false
	f.unloads = append(f.unloads, modelType)
	return nil
}

func (f *fakeModelLayer) IsLoaded(_ context.Context, modelType string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.checkErr != nil {
		return false, f.checkErr
	}
	return f.loaded[modelType], nil
}

func newTestResidency(t *testing.T, settings ResidencySettings) (*ModelResidencyManager, *fakeModelLayer, *fakeClock) {
	t.Helper()
	layer := newFakeModelLayer()
	clock := &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	m := NewModelResidencyManager(settings, layer, zap.NewNop())
	m.now = clock.Now
	return m, layer, clock
}

func TestEvictionPrefersIdleModels(t *testing.T) {
	settings := ResidencySettings{MaxModelsInMemory: 3, InactiveTimeout: 300 * time.Second}
	m, _, clock := newTestResidency(t, settings)

	m.Track("text-encoder", 1.2)
	clock.Advance(390 * time.Second)
	m.Track("image-encoder", 2.4)
	clock.Advance(10 * time.Second)

	// text-encoder has been idle 400s, image-encoder only 10s.
	assert.Equal(t, []string{"text-encoder"}, m.EvictionCandidates())
}

func TestEvictionFallsBackToLeastUsed(t *testing.T) {
	settings := ResidencySettings{MaxModelsInMemory: 2, InactiveTimeout: time.Hour}
	m, _, _ := newTestResidency(t, settings)

	m.Track("text-encoder", 1.2)
	m.Track("image-encoder", 2.4)
	m.Track("video-encoder", 3.6)
	m.MarkUsed("text-encoder")
	m.MarkUsed("text-encoder")
	m.MarkUsed("video-encoder")
	m.MarkUsed("video-encoder")
	m.MarkUsed("image-encoder")

	// Nothing is idle, one model over the cap: the least-used goes.
	assert.Equal(t, []string{"image-encoder"}, m.EvictionCandidates())
}

func TestEvictionNoneUnderCap(t *testing.T) {
	settings := ResidencySettings{MaxModelsInMemory: 3, InactiveTimeout: time.Hour}
	m, _, _ := newTestResidency(t, settings)

	m.Track("text-encoder", 1.2)
	m.Track("image-encoder", 2.4)
	assert.Empty(t, m.EvictionCandidates())
}

func TestUnloadDelegatesAndIsIdempotent(t *testing.T) {
	m, layer, _ := newTestResidency(t, DefaultResidencySettings())
	layer.loaded["text-encoder"] = true
	m.Track("text-encoder", 1.2)

	require.True(t, m.Unload(context.Background(), "text-encoder"))
	assert.Equal(t, []string{"text-encoder"}, layer.unloads)

	// Already unloaded and never tracked both report false.
	assert.False(t, m.Unload(context.Background(), "text-encoder"))
	assert.False(t, m.Unload(context.Background(), "unknown"))
}

func TestEnsureLoadedLoadsOnce(t *testing.T) {
	m, layer, _ := newTestResidency(t, DefaultResidencySettings())

	require.NoError(t, m.EnsureLoaded(context.Background(), "text-encoder", 1.2))
	assert.True(t, layer.loaded["text-encoder"])

	require.NoError(t, m.EnsureLoaded(context.Background(), "text-encoder", 1.2))

	stats := m.Stats()
	assert.Equal(t, 1, stats.LoadedModels)
	assert.InDelta(t, 1.2, stats.TotalMemoryGB, 0.001)
}

func TestEnsureLoadedPropagatesLoadError(t *testing.T) {
	m, layer, _ := newTestResidency(t, DefaultResidencySettings())
	layer.loadErr = errors.New("out of device memory")

	err := m.EnsureLoaded(context.Background(), "video-encoder", 3.6)
	require.Error(t, err)
	assert.ErrorContains(t, err, "out of device memory")
	assert.Zero(t, m.Stats().LoadedModels)
}

func TestMarkUsedUntrackedIsNoOp(t *testing.T) {
	m, _, _ := newTestResidency(t, DefaultResidencySettings())
	m.MarkUsed("ghost")
	assert.Zero(t, m.Stats().TotalModels)
}

func TestResidencyStats(t *testing.T) {
	m, _, _ := newTestResidency(t, DefaultResidencySettings())
	m.Track("text-encoder", 1.2)
	m.Track("image-encoder", 2.4)
	m.Unload(context.Background(), "image-encoder")

	stats := m.Stats()
	assert.Equal(t, 2, stats.TotalModels)
	assert.Equal(t, 1, stats.LoadedModels)
	assert.Equal(t, 3, stats.MaxModels)
	assert.InDelta(t, 1.2, stats.TotalMemoryGB, 0.001)
}

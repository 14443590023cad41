package service

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func testBatchSettings() BatchSettings {
	return BatchSettings{
		InitialSize:       16,
		MinSize:           1,
		MaxSize:           32,
		AdjustmentStep:    2,
		IncreaseThreshold: 70,
		DecreaseThreshold: 85,
		Cooldown:          30 * time.Second,
	}
}

// fakeClock drives the controller's time source deterministically.
type fakeClock struct {
	t time.Time
}

func (f *fakeClock) Now() time.Time          { return f.t }
func (f *fakeClock) Advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestController(t *testing.T, settings BatchSettings) (*BatchSizeController, *fakeClock) {
	t.Helper()
	clock := &fakeClock{t: time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)}
	c := NewBatchSizeController(settings, zap.NewNop())
	c.now = clock.Now
	return c, clock
}

func TestBatchControllerIncreaseDecreaseCycle(t *testing.T) {
	c, clock := newTestController(t, testBatchSettings())
	require.Equal(t, 16, c.Current())

	// Low load on both metrics: grow by one step.
	assert.Equal(t, 18, c.Adjust(50, 60))

	// Memory crosses the decrease threshold, but the cooldown window is
	// still open so the size must not move.
	clock.Advance(10 * time.Second)
	assert.Equal(t, 18, c.Adjust(50, 90))

	// Once the cooldown elapses the same sample shrinks the batch.
	clock.Advance(30 * time.Second)
	assert.Equal(t, 16, c.Adjust(50, 90))

	assert.EqualValues(t, 2, c.Adjustments())
}

func TestBatchControllerSingleHotMetricShrinks(t *testing.T) {
	tests := []struct {
		name string
		cpu  float64
		mem  float64
		want int
	}{
		{"cpu hot", 90, 40, 14},
		{"mem hot", 40, 90, 14},
		{"both hot", 95, 95, 14},
		{"both low", 40, 40, 18},
		{"mid band holds", 75, 75, 16},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestController(t, testBatchSettings())
			assert.Equal(t, tt.want, c.Adjust(tt.cpu, tt.mem))
		})
	}
}

func TestBatchControllerClampsAtBounds(t *testing.T) {
	settings := testBatchSettings()
	settings.InitialSize = 31
	c, clock := newTestController(t, settings)

	assert.Equal(t, 32, c.Adjust(10, 10))
	clock.Advance(time.Minute)
	// At the ceiling already; low load is a no-op.
	assert.Equal(t, 32, c.Adjust(10, 10))

	settings.InitialSize = 2
	c, clock = newTestController(t, settings)
	assert.Equal(t, 1, c.Adjust(99, 99))
	clock.Advance(time.Minute)
	assert.Equal(t, 1, c.Adjust(99, 99))
}

func TestBatchControllerNoOpDoesNotResetCooldown(t *testing.T) {
	c, clock := newTestController(t, testBatchSettings())

	assert.Equal(t, 18, c.Adjust(50, 50))

	// A rejected sample inside the window must not extend the window.
	clock.Advance(20 * time.Second)
	assert.Equal(t, 18, c.Adjust(50, 50))

	clock.Advance(10 * time.Second)
	assert.Equal(t, 20, c.Adjust(50, 50))
}

func TestBatchControllerReset(t *testing.T) {
	c, _ := newTestController(t, testBatchSettings())
	c.Adjust(50, 50)
	require.Equal(t, 18, c.Current())

	c.Reset()
	assert.Equal(t, 16, c.Current())
	assert.EqualValues(t, 0, c.Adjustments())
	// Cooldown cleared: an adjustment is accepted immediately.
	assert.Equal(t, 18, c.Adjust(50, 50))
}

func TestBatchSettingsNormalize(t *testing.T) {
	s := BatchSettings{InitialSize: 100, MinSize: -3, MaxSize: 0, AdjustmentStep: 0}
	s.normalize()
	assert.Equal(t, 1, s.MinSize)
	assert.Equal(t, 1, s.MaxSize)
	assert.Equal(t, 1, s.InitialSize)
	assert.Equal(t, 1, s.AdjustmentStep)
}

package audio

import (
	"context"
	"sync"
	"time"

	"github.com/gradientgeeks/mitra-voice/pkg/audioio"
)

// LevelInterval is the cadence at which Watch reports the input level.
const LevelInterval = 100 * time.Millisecond

// LevelMeter tracks the RMS level of an audio stream for UI metering.
type LevelMeter struct {
	mu    sync.Mutex
	level float64
}

// NewLevelMeter creates an idle meter.
func NewLevelMeter() *LevelMeter {
	return &LevelMeter{}
}

// Update recomputes the level from one frame of samples.
func (m *LevelMeter) Update(samples []int16) {
	rms := audioio.CalculateRMS(samples)

	m.mu.Lock()
	m.level = rms
	m.mu.Unlock()
}

// Level returns the most recent RMS level in [0, 1].
func (m *LevelMeter) Level() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.level
}

// Watch invokes fn with the current level ten times per second until
// the context is cancelled.
func (m *LevelMeter) Watch(ctx context.Context, fn func(level float64)) {
	ticker := time.NewTicker(LevelInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn(m.Level())
		}
	}
}

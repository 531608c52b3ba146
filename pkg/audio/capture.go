// Package audio provides the session-facing capture and playback
// managers. Capture owns the microphone and delivers raw PCM16 frames
// to a callback; Player owns the speaker and plays streamed response
// audio with immediate barge-in cancellation.
package audio

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gradientgeeks/mitra-voice/pkg/audioio"
)

// activeWindow is how recently a frame must have arrived for the
// capture to count as active.
const activeWindow = time.Second

// Capture manages microphone capture for a voice session.
//
// Pause and Resume gate frame delivery without releasing the device, so
// resuming is instant and does not re-trigger a permission prompt.
type Capture struct {
	cfg    audioio.Config
	logger *slog.Logger

	// OnFrame receives each captured PCM16 frame. Set before calling
	// StartStreaming.
	OnFrame func(pcm []byte)

	mu      sync.Mutex
	source  audioio.Source
	running bool
	cancel  context.CancelFunc

	paused    atomic.Bool
	lastFrame atomic.Int64 // unix nanos of most recent delivered frame

	meter *LevelMeter
}

// NewCapture creates a capture manager. A zero Config gets defaults.
func NewCapture(cfg audioio.Config, logger *slog.Logger) *Capture {
	if cfg.SampleRate == 0 {
		cfg = audioio.DefaultConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Capture{
		cfg:    cfg,
		logger: logger,
		meter:  NewLevelMeter(),
	}
}

// Initialize probes the microphone by opening and immediately closing
// the capture device. It reports whether the device is usable, which
// doubles as the permission check on platforms that prompt on first
// open.
func (c *Capture) Initialize() bool {
	source, err := audioio.NewSource(c.cfg, c.logger)
	if err != nil {
		c.logger.Warn("microphone unavailable", "error", err)
		return false
	}

	if err := source.Start(context.Background()); err != nil {
		c.logger.Warn("microphone open failed", "error", err)
		source.Close()
		return false
	}

	source.Stop()
	source.Close()
	return true
}

// StartStreaming opens the microphone and begins delivering frames to
// OnFrame. It reports whether streaming started.
func (c *Capture) StartStreaming(ctx context.Context) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.running {
		return true
	}

	source, err := audioio.NewSource(c.cfg, c.logger)
	if err != nil {
		c.logger.Error("create audio source", "error", err)
		return false
	}

	streamCtx, cancel := context.WithCancel(ctx)
	if err := source.Start(streamCtx); err != nil {
		c.logger.Error("start audio source", "error", err)
		cancel()
		source.Close()
		return false
	}

	c.source = source
	c.cancel = cancel
	c.running = true
	c.paused.Store(false)

	go c.streamLoop(streamCtx, source)

	c.logger.Info("microphone streaming started",
		"sample_rate", c.cfg.SampleRate,
	)

	return true
}

func (c *Capture) streamLoop(ctx context.Context, source audioio.Source) {
	for {
		chunk, err := source.Read(ctx)
		if err != nil {
			return
		}

		c.lastFrame.Store(time.Now().UnixNano())
		c.meter.Update(chunk.Samples)

		if c.paused.Load() {
			continue
		}

		if c.OnFrame != nil {
			c.OnFrame(chunk.Bytes())
		}
	}
}

// Pause stops frame delivery while keeping the device open.
func (c *Capture) Pause() {
	if c.paused.CompareAndSwap(false, true) {
		c.logger.Debug("capture paused")
	}
}

// Resume restores frame delivery after Pause.
func (c *Capture) Resume() {
	if c.paused.CompareAndSwap(true, false) {
		c.logger.Debug("capture resumed")
	}
}

// Paused reports whether frame delivery is currently gated.
func (c *Capture) Paused() bool {
	return c.paused.Load()
}

// Stop releases the microphone. Safe to call repeatedly.
func (c *Capture) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return nil
	}

	c.running = false
	c.cancel()

	err := c.source.Stop()
	c.source.Close()
	c.source = nil

	c.logger.Info("microphone streaming stopped")

	return err
}

// IsActive reports whether frames are actually flowing, not merely
// whether streaming was requested. A device that silently stalls goes
// inactive within a second.
func (c *Capture) IsActive() bool {
	c.mu.Lock()
	running := c.running
	c.mu.Unlock()

	if !running {
		return false
	}

	last := c.lastFrame.Load()
	if last == 0 {
		return false
	}
	return time.Since(time.Unix(0, last)) < activeWindow
}

// Level returns the current microphone input level in [0, 1].
func (c *Capture) Level() float64 {
	return c.meter.Level()
}

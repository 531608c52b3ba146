package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Watchdog tuning defaults.
const (
	DefaultWatchdogInterval = 5 * time.Second
	DefaultRestartDelay     = 500 * time.Millisecond
	DefaultMaxRestarts      = 3
)

// Watchdog detects that capture silently stopped producing frames and
// performs a bounded restart. Consecutive failures beyond the ceiling
// surface a terminal stall error instead of looping.
type Watchdog struct {
	interval     time.Duration
	restartDelay time.Duration
	maxRestarts  int
	logger       *slog.Logger

	// isActive reports whether frames are actually flowing.
	isActive func() bool
	// stop and start restart the capture pipeline.
	stop  func()
	start func() bool
	// onGiveUp receives the terminal stall error.
	onGiveUp func(error)
}

// NewWatchdog wires a watchdog over a capture pipeline. Zero durations
// and counts get defaults.
func NewWatchdog(interval, restartDelay time.Duration, maxRestarts int,
	isActive func() bool, stop func(), start func() bool,
	onGiveUp func(error), logger *slog.Logger) *Watchdog {

	if interval <= 0 {
		interval = DefaultWatchdogInterval
	}
	if restartDelay <= 0 {
		restartDelay = DefaultRestartDelay
	}
	if maxRestarts <= 0 {
		maxRestarts = DefaultMaxRestarts
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Watchdog{
		interval:     interval,
		restartDelay: restartDelay,
		maxRestarts:  maxRestarts,
		logger:       logger,
		isActive:     isActive,
		stop:         stop,
		start:        start,
		onGiveUp:     onGiveUp,
	}
}

// Run monitors until the context is cancelled. Call it on its own
// goroutine; it returns when monitoring stops.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	failures := 0

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if w.isActive() {
			failures = 0
			continue
		}

		failures++
		w.logger.Warn("capture stalled",
			"consecutive_failures", failures,
			"max", w.maxRestarts,
		)

		if failures > w.maxRestarts {
			w.onGiveUp(fmt.Errorf("%w: %d consecutive restart failures", ErrCaptureStalled, failures-1))
			return
		}

		// One bounded restart per tick, never a tight retry loop.
		w.stop()

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.restartDelay):
		}

		if w.start() {
			w.logger.Info("capture restarted")
		} else {
			w.logger.Warn("capture restart failed")
		}
	}
}

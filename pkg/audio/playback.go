package audio

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/gradientgeeks/mitra-voice/pkg/audioio"
)

// Player manages speaker playback of streamed response audio.
//
// Audio arrives as a sequence of PCM16 chunks belonging to one
// utterance. Append starts playback on the first chunk, Finish drains
// the tail, and Cancel discards everything buffered immediately for
// barge-in.
type Player struct {
	cfg    audioio.Config
	logger *slog.Logger

	// OnPlaybackStart fires when the first chunk of an utterance is
	// written. OnPlaybackEnd fires when the utterance finishes or is
	// cancelled.
	OnPlaybackStart func()
	OnPlaybackEnd   func()

	// OnError receives asynchronous playback failures.
	OnError func(error)

	mu      sync.Mutex
	sink    audioio.Sink
	open    bool
	playing bool

	// utterance counts playback runs so a Finish still draining an old
	// utterance cannot end a newer one.
	utterance uint64
}

// NewPlayer creates a playback manager. A zero Config gets the
// playback defaults.
func NewPlayer(cfg audioio.Config, logger *slog.Logger) *Player {
	if cfg.SampleRate == 0 {
		cfg = audioio.PlaybackConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Player{
		cfg:    cfg,
		logger: logger,
	}
}

// Start opens the speaker device.
func (p *Player) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.open {
		return nil
	}

	sink, err := audioio.NewSink(p.cfg, p.logger)
	if err != nil {
		return fmt.Errorf("create audio sink: %w", err)
	}
	if err := sink.Start(ctx); err != nil {
		sink.Close()
		return fmt.Errorf("start audio sink: %w", err)
	}

	p.sink = sink
	p.open = true

	return nil
}

// Append writes one PCM16 chunk of the current utterance. The first
// chunk marks the start of playback.
func (p *Player) Append(ctx context.Context, pcm []byte) error {
	if len(pcm) == 0 {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.open {
		return fmt.Errorf("player not started")
	}

	started := !p.playing
	p.playing = true
	if started {
		p.utterance++
	}

	var chunk audioio.AudioChunk
	chunk.FromBytes(pcm, p.cfg.SampleRate, p.cfg.Channels)

	if err := p.sink.Write(ctx, chunk); err != nil {
		p.playing = false
		p.reportError(err)
		return err
	}

	if started && p.OnPlaybackStart != nil {
		p.OnPlaybackStart()
	}

	return nil
}

// Finish waits for the buffered tail of the utterance to drain, then
// marks playback complete. The lock is released while draining so a
// concurrent Cancel is never delayed behind the tail. If a newer
// utterance started while the tail drained, it is left untouched.
func (p *Player) Finish(ctx context.Context) error {
	p.mu.Lock()
	if !p.playing {
		p.mu.Unlock()
		return nil
	}
	gen := p.utterance
	sink := p.sink
	p.mu.Unlock()

	err := sink.Flush(ctx)

	p.mu.Lock()
	finished := p.playing && p.utterance == gen
	if finished {
		p.playing = false
	}
	end := p.OnPlaybackEnd
	p.mu.Unlock()

	if finished && end != nil {
		end()
	}

	return err
}

// Cancel discards buffered audio immediately. Safe to call when
// nothing is playing; repeated calls are no-ops.
func (p *Player) Cancel() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.playing {
		return
	}

	if err := p.sink.Clear(); err != nil {
		p.reportError(err)
	}
	p.playing = false

	p.logger.Debug("playback cancelled")

	if p.OnPlaybackEnd != nil {
		p.OnPlaybackEnd()
	}
}

// IsPlaying reports whether an utterance is currently in flight.
func (p *Player) IsPlaying() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.playing
}

// Close releases the speaker device.
func (p *Player) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.open {
		return nil
	}

	p.open = false
	p.playing = false

	p.sink.Stop()
	err := p.sink.Close()
	p.sink = nil

	return err
}

func (p *Player) reportError(err error) {
	p.logger.Error("playback error", "error", err)
	if p.OnError != nil {
		p.OnError(err)
	}
}

package audioio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

// recorderCommand returns the platform recorder invocation producing raw
// S16LE PCM on stdout.
func recorderCommand(cfg Config) (string, []string, error) {
	rate := strconv.Itoa(cfg.SampleRate)
	ch := strconv.Itoa(cfg.Channels)

	switch runtime.GOOS {
	case "linux":
		args := []string{"-q", "-t", "raw", "-f", "S16_LE", "-r", rate, "-c", ch}
		if cfg.Device != "" {
			args = append(args, "-D", cfg.Device)
		}
		return "arecord", append(args, "-"), nil
	case "darwin":
		args := []string{"-q", "-t", "raw", "-b", "16", "-e", "signed-integer", "-r", rate, "-c", ch, "-"}
		return "rec", args, nil
	default:
		return "", nil, fmt.Errorf("no recorder command for %s", runtime.GOOS)
	}
}

// playerCommand returns the platform player invocation consuming raw
// S16LE PCM on stdin.
func playerCommand(cfg Config) (string, []string, error) {
	rate := strconv.Itoa(cfg.SampleRate)
	ch := strconv.Itoa(cfg.Channels)

	switch runtime.GOOS {
	case "linux":
		args := []string{"-q", "-t", "raw", "-f", "S16_LE", "-r", rate, "-c", ch}
		if cfg.Device != "" {
			args = append(args, "-D", cfg.Device)
		}
		return "aplay", append(args, "-"), nil
	case "darwin":
		args := []string{"-q", "-t", "raw", "-b", "16", "-e", "signed-integer", "-r", rate, "-c", ch, "-"}
		return "play", args, nil
	default:
		return "", nil, fmt.Errorf("no player command for %s", runtime.GOOS)
	}
}

// ExecSource captures audio by piping a platform recorder command.
type ExecSource struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	running  bool
	closed   bool
	cmd      *exec.Cmd
	streamCh chan AudioChunk
	stopCh   chan struct{}

	chunksRead  atomic.Int64
	samplesRead atomic.Int64
	overruns    atomic.Int64
}

// newExecSource creates an exec-backed audio source.
func newExecSource(cfg Config, logger *slog.Logger) (*ExecSource, error) {
	if _, _, err := recorderCommand(cfg); err != nil {
		return nil, err
	}

	return &ExecSource{
		cfg:      cfg,
		logger:   logger,
		streamCh: make(chan AudioChunk, 10),
		stopCh:   make(chan struct{}),
	}, nil
}

// Start spawns the recorder process and begins reading frames.
func (s *ExecSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return io.ErrClosedPipe
	}
	if s.running {
		return nil
	}

	name, args, err := recorderCommand(s.cfg)
	if err != nil {
		return err
	}

	cmd := exec.Command(name, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("recorder stdout: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start recorder %s: %w", name, err)
	}

	s.cmd = cmd
	s.running = true
	s.stopCh = make(chan struct{})
	s.streamCh = make(chan AudioChunk, 10)

	go s.captureLoop(ctx, stdout, s.streamCh, s.stopCh)

	s.logger.Info("recorder started",
		"command", name,
		"sample_rate", s.cfg.SampleRate,
	)

	return nil
}

// captureLoop owns the stream channel: only it sends, and it closes
// the channel on exit so Stop cannot race a send against a close.
func (s *ExecSource) captureLoop(ctx context.Context, stdout io.Reader, chunks chan AudioChunk, stop chan struct{}) {
	defer close(chunks)

	buf := make([]byte, s.cfg.BufferBytes())

	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return
		case <-stop:
			return
		default:
		}

		if _, err := io.ReadFull(stdout, buf); err != nil {
			select {
			case <-stop:
			default:
				s.logger.Warn("recorder pipe closed", "error", err)
				s.Stop()
			}
			return
		}

		var chunk AudioChunk
		chunk.FromBytes(buf, s.cfg.SampleRate, s.cfg.Channels)

		select {
		case chunks <- chunk:
			s.chunksRead.Add(1)
			s.samplesRead.Add(int64(len(chunk.Samples)))
		default:
			s.overruns.Add(1)
			s.logger.Debug("capture buffer full, dropping chunk")
		}
	}
}

// Stop halts capture and terminates the recorder process.
func (s *ExecSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.running = false
	close(s.stopCh)

	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
		s.cmd.Wait()
		s.cmd = nil
	}

	s.logger.Info("recorder stopped")

	return nil
}

// Read reads the next audio chunk.
func (s *ExecSource) Read(ctx context.Context) (AudioChunk, error) {
	select {
	case <-ctx.Done():
		return AudioChunk{}, ctx.Err()
	case chunk, ok := <-s.streamCh:
		if !ok {
			return AudioChunk{}, io.EOF
		}
		return chunk, nil
	}
}

// Stream returns the audio chunk channel.
func (s *ExecSource) Stream() <-chan AudioChunk {
	return s.streamCh
}

// Config returns the audio configuration.
func (s *ExecSource) Config() Config {
	return s.cfg
}

// Name returns "exec".
func (s *ExecSource) Name() string {
	return "exec"
}

// Close releases resources.
func (s *ExecSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.Stop()
	return nil
}

// Stats returns source statistics.
func (s *ExecSource) Stats() SourceStats {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	return SourceStats{
		ChunksRead:  s.chunksRead.Load(),
		SamplesRead: s.samplesRead.Load(),
		Overruns:    s.overruns.Load(),
		Running:     running,
		Backend:     "exec",
	}
}

var _ SourceWithStats = (*ExecSource)(nil)

// ExecSink plays audio by piping a platform player command.
type ExecSink struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	closed  bool
	cmd     *exec.Cmd
	stdin   io.WriteCloser

	chunksWritten  atomic.Int64
	samplesWritten atomic.Int64
	underruns      atomic.Int64

	// lastWrite tracks when the most recent chunk was handed to the
	// player, used to estimate how much audio is still draining.
	lastWrite      time.Time
	pendingSamples int64
}

// newExecSink creates an exec-backed audio sink.
func newExecSink(cfg Config, logger *slog.Logger) (*ExecSink, error) {
	if _, _, err := playerCommand(cfg); err != nil {
		return nil, err
	}

	return &ExecSink{
		cfg:    cfg,
		logger: logger,
	}, nil
}

// Start spawns the player process.
func (s *ExecSink) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return io.ErrClosedPipe
	}
	if s.running {
		return nil
	}

	if err := s.spawnLocked(); err != nil {
		return err
	}
	s.running = true

	s.logger.Info("player started", "sample_rate", s.cfg.SampleRate)

	return nil
}

func (s *ExecSink) spawnLocked() error {
	name, args, err := playerCommand(s.cfg)
	if err != nil {
		return err
	}

	cmd := exec.Command(name, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("player stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start player %s: %w", name, err)
	}

	s.cmd = cmd
	s.stdin = stdin
	s.pendingSamples = 0
	return nil
}

func (s *ExecSink) killLocked() {
	if s.stdin != nil {
		s.stdin.Close()
		s.stdin = nil
	}
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
		s.cmd.Wait()
		s.cmd = nil
	}
	s.pendingSamples = 0
}

// Stop halts playback and terminates the player process.
func (s *ExecSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.running = false
	s.killLocked()

	s.logger.Info("player stopped")

	return nil
}

// Write sends audio to the player.
func (s *ExecSink) Write(ctx context.Context, chunk AudioChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return io.ErrClosedPipe
	}
	if !s.running || s.stdin == nil {
		return fmt.Errorf("sink not running")
	}

	if _, err := s.stdin.Write(chunk.Bytes()); err != nil {
		s.underruns.Add(1)
		return fmt.Errorf("write to player: %w", err)
	}

	s.chunksWritten.Add(1)
	s.samplesWritten.Add(int64(len(chunk.Samples)))
	s.pendingSamples += int64(len(chunk.Samples))
	s.lastWrite = time.Now()

	return nil
}

// Flush waits for an estimate of the remaining buffered audio to drain.
func (s *ExecSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	pending := s.pendingSamples
	since := time.Since(s.lastWrite)
	s.pendingSamples = 0
	s.mu.Unlock()

	if pending == 0 || s.cfg.SampleRate == 0 {
		return nil
	}

	remaining := time.Duration(float64(pending)/float64(s.cfg.SampleRate*s.cfg.Channels)*float64(time.Second)) - since
	if remaining <= 0 {
		return nil
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(remaining):
		return nil
	}
}

// Clear discards buffered audio by restarting the player process. This
// is the barge-in path, so latency matters more than gracefulness.
func (s *ExecSink) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}

	s.killLocked()
	if err := s.spawnLocked(); err != nil {
		s.running = false
		return fmt.Errorf("restart player: %w", err)
	}

	s.logger.Debug("player buffer cleared")

	return nil
}

// Config returns the audio configuration.
func (s *ExecSink) Config() Config {
	return s.cfg
}

// Name returns "exec".
func (s *ExecSink) Name() string {
	return "exec"
}

// Close releases resources.
func (s *ExecSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.Stop()
	return nil
}

// Stats returns sink statistics.
func (s *ExecSink) Stats() SinkStats {
	s.mu.Lock()
	running := s.running
	buffered := s.pendingSamples
	s.mu.Unlock()

	return SinkStats{
		ChunksWritten:   s.chunksWritten.Load(),
		SamplesWritten:  s.samplesWritten.Load(),
		Underruns:       s.underruns.Load(),
		Running:         running,
		Backend:         "exec",
		BufferedSamples: buffered,
	}
}

var _ SinkWithStats = (*ExecSink)(nil)

package session

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gradientgeeks/mitra-voice/pkg/audio"
	"github.com/gradientgeeks/mitra-voice/pkg/audioio"
	"github.com/gradientgeeks/mitra-voice/pkg/protocol"
	"github.com/gradientgeeks/mitra-voice/pkg/transport"
)

// Config holds controller configuration.
type Config struct {
	// BackendURL is the REST bootstrap base URL.
	BackendURL string

	// AuthToken is the bearer token for bootstrap and transport.
	AuthToken string

	// Voice and Language are defaults applied when StartOptions leave
	// them empty.
	Voice    string
	Language string

	// Transport tunes the WebSocket channel.
	Transport transport.Config

	// Capture and Playback tune the audio engines.
	Capture  audioio.Config
	Playback audioio.Config

	// Watchdog tuning. Zero values get defaults.
	WatchdogInterval time.Duration
	RestartDelay     time.Duration
	MaxRestarts      int
}

// DefaultConfig returns production controller defaults. BackendURL and
// AuthToken must still be set by the caller.
func DefaultConfig() Config {
	return Config{
		Voice:            "Puck",
		Language:         "en",
		Transport:        transport.DefaultConfig(),
		Capture:          audioio.DefaultConfig(),
		Playback:         audioio.PlaybackConfig(),
		WatchdogInterval: DefaultWatchdogInterval,
		RestartDelay:     DefaultRestartDelay,
		MaxRestarts:      DefaultMaxRestarts,
	}
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.BackendURL == "" {
		return fmt.Errorf("session: backend URL is required")
	}
	return nil
}

// StartOptions selects the voice, language, and topic for one session.
// Empty fields fall back to the controller config.
type StartOptions struct {
	Voice           string
	Language        string
	ProblemCategory string

	// DisableVAD turns off server-side voice activity detection.
	DisableVAD bool
}

// Snapshot is a point-in-time debug view of the controller.
type Snapshot struct {
	State           string             `json:"state"`
	SessionID       string             `json:"session_id,omitempty"`
	Voice           string             `json:"voice,omitempty"`
	Language        string             `json:"language,omitempty"`
	ProblemCategory string             `json:"problem_category,omitempty"`
	CreatedAt       time.Time          `json:"created_at,omitempty"`
	ConnectedFor    float64            `json:"connected_for_seconds,omitempty"`
	Muted           bool               `json:"muted"`
	CaptureActive   bool               `json:"capture_active"`
	Playing         bool               `json:"playing"`
	InputLevel      float64            `json:"input_level"`
	TranscriptLen   int                `json:"transcript_len"`
	TotalTokens     int                `json:"total_tokens"`
	LastInterrupt   *InterruptionEvent `json:"last_interruption,omitempty"`
	LastError       string             `json:"last_error,omitempty"`
}

// Controller orchestrates one voice session at a time: it owns the
// capture and playback engines, the transport channel, the state
// machine, and the event stream subscribers observe.
type Controller struct {
	cfg    Config
	logger *slog.Logger

	bootstrap *BootstrapClient
	capture   *audio.Capture
	player    *audio.Player
	events    *broadcaster

	mu            sync.Mutex
	state         State
	session       *VoiceSession
	channel       *transport.Channel
	transcript    []TranscriptEvent
	lastInterrupt *InterruptionEvent
	lastErr       error
	totalTokens   int
	micMuted      bool
	captureWanted bool
	cancel        context.CancelFunc
	sessCtx       context.Context

	// startGen invalidates an in-flight StartSession when EndSession
	// runs before the session machinery is installed.
	startGen uint64
}

// NewController builds a controller with its own capture and playback
// engines. There is exactly one microphone and one speaker per
// process; callers construct one controller and keep it.
func NewController(cfg Config, logger *slog.Logger) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	c := &Controller{
		cfg:       cfg,
		logger:    logger,
		bootstrap: NewBootstrapClient(cfg.BackendURL, cfg.AuthToken, logger),
		capture:   audio.NewCapture(cfg.Capture, logger.With("component", "capture")),
		player:    audio.NewPlayer(cfg.Playback, logger.With("component", "playback")),
		events:    newBroadcaster(logger),
		state:     StateDisconnected,
	}

	c.capture.OnFrame = c.onFrame
	c.player.OnError = func(err error) {
		c.events.publish(Event{Kind: EventErrored, Err: err})
	}

	return c, nil
}

// StartSession creates a server-side session, opens the transport, and
// drives the state machine to connecting. It fails with
// ErrSessionAlreadyActive if a session is live, and with
// ErrErrorNotCleared if a previous failure has not been cleared.
func (c *Controller) StartSession(ctx context.Context, opts StartOptions) (*VoiceSession, error) {
	c.mu.Lock()
	if c.state == StateError {
		c.mu.Unlock()
		return nil, ErrErrorNotCleared
	}
	if c.state != StateDisconnected {
		c.mu.Unlock()
		return nil, ErrSessionAlreadyActive
	}

	voice := opts.Voice
	if voice == "" {
		voice = c.cfg.Voice
	}
	language := opts.Language
	if language == "" {
		language = c.cfg.Language
	}

	c.transcript = nil
	c.lastInterrupt = nil
	c.lastErr = nil
	c.totalTokens = 0
	c.micMuted = false
	c.startGen++
	gen := c.startGen
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	// Permission probe first so denial surfaces as its own category
	// before any network traffic.
	if !c.capture.Initialize() {
		err := NewError(CategoryPermission, "microphone unavailable", ErrMicrophonePermission)
		c.failStart(gen, err)
		return nil, err
	}

	resp, err := c.bootstrap.StartSession(ctx, StartRequest{
		ProblemCategory: opts.ProblemCategory,
		VoiceOption:     voice,
		Language:        language,
	})
	if err != nil {
		c.failStart(gen, err)
		return nil, err
	}
	if !c.startStillCurrent(gen) {
		return nil, ErrStartAborted
	}

	sess := &VoiceSession{
		ID:              resp.SessionID,
		VoiceOption:     voice,
		LanguageTag:     language,
		ProblemCategory: opts.ProblemCategory,
		WebsocketURL:    resp.WebsocketURL,
		CreatedAt:       resp.CreatedAt,
	}

	ch, err := transport.Dial(ctx, resp.WebsocketURL, c.cfg.AuthToken, c.cfg.Transport, c.logger.With("component", "transport"))
	if err != nil {
		wrapped := NewError(CategoryTransport, "connect to voice endpoint", err)
		c.failStart(gen, wrapped)
		return nil, wrapped
	}

	init, err := protocol.NewInitializeMessage(voice, language, !opts.DisableVAD)
	if err == nil {
		err = ch.Send(init)
	}
	if err != nil {
		ch.Close()
		wrapped := NewError(CategoryTransport, "initialize live session", err)
		c.failStart(gen, wrapped)
		return nil, wrapped
	}

	if err := c.player.Start(context.Background()); err != nil {
		// Session continues; playback failures surface as events.
		c.logger.Error("speaker unavailable", "error", err)
		c.events.publish(Event{Kind: EventErrored, Err: err})
	}

	sessCtx, cancel := context.WithCancel(context.Background())

	c.mu.Lock()
	if c.startGen != gen || c.state != StateConnecting {
		// EndSession won the race while the session was being
		// established; nothing must be installed on its behalf.
		c.mu.Unlock()
		cancel()
		ch.Close()
		c.player.Close()
		go func() {
			cleanupCtx, cancelCleanup := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelCleanup()
			c.bootstrap.EndSession(cleanupCtx, sess.ID)
		}()
		return nil, ErrStartAborted
	}
	c.session = sess
	c.channel = ch
	c.cancel = cancel
	c.sessCtx = sessCtx
	c.mu.Unlock()

	watchdog := NewWatchdog(c.cfg.WatchdogInterval, c.cfg.RestartDelay, c.cfg.MaxRestarts,
		c.captureHealthy, c.stopCapture, c.restartCapture, c.fail,
		c.logger.With("component", "watchdog"))

	g, gctx := errgroup.WithContext(sessCtx)
	g.Go(func() error { return c.dispatchLoop(gctx, ch) })
	g.Go(func() error { watchdog.Run(gctx); return nil })
	go func() {
		if err := g.Wait(); err != nil {
			c.logger.Debug("session loops finished", "error", err)
		}
	}()

	c.logger.Info("session starting",
		"session_id", sess.ID,
		"voice", voice,
		"language", language,
	)

	out := *sess
	return &out, nil
}

// EndSession tears the session down from any state. Idempotent; calling
// it while disconnected is a no-op.
func (c *Controller) EndSession() error {
	c.mu.Lock()

	if c.state == StateDisconnected && c.session == nil {
		c.mu.Unlock()
		return nil
	}

	// Invalidate any StartSession still establishing a session.
	c.startGen++

	sess := c.session
	if c.channel != nil && c.state.Active() {
		if bye, err := protocol.NewEndSessionMessage(); err == nil {
			c.channel.Send(bye) // best effort
		}
	}

	c.teardownLocked()
	c.setStateLocked(StateDisconnected)
	c.session = nil
	c.mu.Unlock()

	if sess != nil && sess.ID != "" {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.bootstrap.EndSession(ctx, sess.ID); err != nil {
				c.logger.Debug("server-side session cleanup failed", "error", err)
			}
		}()
	}

	c.logger.Info("session ended")
	return nil
}

// ToggleMicrophone pauses or resumes capture without changing the
// connection state or closing the transport. Pausing also tells the
// server the stream went quiet.
func (c *Controller) ToggleMicrophone() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.state.Active() {
		return
	}

	if c.micMuted {
		c.micMuted = false
		c.capture.Resume()
		c.logger.Info("microphone resumed")
		return
	}

	c.micMuted = true
	c.capture.Pause()
	if c.channel != nil {
		if msg, err := protocol.NewAudioStreamEndMessage(); err == nil {
			c.channel.Send(msg)
		}
	}
	c.logger.Info("microphone muted")
}

// ClearError resets from the error state back to disconnected. In any
// other state it reports ErrNotInErrorState and changes nothing.
func (c *Controller) ClearError() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateError {
		return ErrNotInErrorState
	}

	c.session = nil
	c.lastErr = nil
	c.setStateLocked(StateDisconnected)
	return nil
}

// State returns the current connection state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MicrophoneMuted reports whether capture is paused by the user.
func (c *Controller) MicrophoneMuted() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.micMuted
}

// Transcript returns a copy of the session transcript in arrival order.
func (c *Controller) Transcript() []TranscriptEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]TranscriptEvent, len(c.transcript))
	copy(out, c.transcript)
	return out
}

// Subscribe registers an event subscriber. Events arrive in publish
// order on a buffered channel; cancel unsubscribes and closes it.
func (c *Controller) Subscribe(buffer int) (<-chan Event, func()) {
	return c.events.subscribe(buffer)
}

// Snapshot returns a point-in-time debug view.
func (c *Controller) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := Snapshot{
		State:         c.state.String(),
		Muted:         c.micMuted,
		CaptureActive: c.capture.IsActive(),
		Playing:       c.player.IsPlaying(),
		InputLevel:    c.capture.Level(),
		TranscriptLen: len(c.transcript),
		TotalTokens:   c.totalTokens,
		LastInterrupt: c.lastInterrupt,
	}
	if c.session != nil {
		snap.SessionID = c.session.ID
		snap.Voice = c.session.VoiceOption
		snap.Language = c.session.LanguageTag
		snap.ProblemCategory = c.session.ProblemCategory
		snap.CreatedAt = c.session.CreatedAt
		snap.ConnectedFor = c.session.Duration().Seconds()
	}
	if c.lastErr != nil {
		snap.LastError = c.lastErr.Error()
	}
	return snap
}

// dispatchLoop is the single point where inbound messages are handled,
// in receipt order. It returns when the channel ends.
func (c *Controller) dispatchLoop(ctx context.Context, ch *transport.Channel) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch.Inbound():
			if !ok {
				return c.handleChannelEnd(ch)
			}
			c.handleMessage(msg)
		}
	}
}

func (c *Controller) handleChannelEnd(ch *transport.Channel) error {
	err := ch.Err()

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.channel != ch {
		return nil // already torn down locally
	}

	if err != nil {
		c.failLocked(NewError(CategoryTransport, "connection lost", err))
		return err
	}

	// Server closed cleanly without a session_ended envelope.
	c.teardownLocked()
	c.setStateLocked(StateDisconnected)
	c.session = nil
	return nil
}

// handleMessage applies one inbound envelope to the state machine.
// State transitions publish before any same-message side effect so
// subscribers never see an effect ahead of its state.
func (c *Controller) handleMessage(msg *protocol.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch msg.Type {
	case protocol.TypeSessionReady:
		if c.state != StateConnecting {
			c.dropLocked(msg, "not connecting")
			return
		}
		if c.session != nil {
			c.session.ConnectedAt = time.Now()
		}
		c.setStateLocked(StateConnected)
		c.setStateLocked(StateListening)
		c.ensureStreamingLocked()

	case protocol.TypeSpeechStarted:
		if c.state != StateListening {
			c.dropLocked(msg, "not listening")
			return
		}
		c.setStateLocked(StateUserSpeaking)

	case protocol.TypeSpeechEnded:
		if c.state != StateUserSpeaking {
			c.dropLocked(msg, "user not speaking")
			return
		}
		c.setStateLocked(StateProcessing)

	case protocol.TypeInputTranscription:
		c.appendTranscriptLocked(msg, RoleUser)

	case protocol.TypeOutputTranscription:
		c.appendTranscriptLocked(msg, RoleAssistant)

	case protocol.TypeAudioResponseStart:
		// Listening is allowed too: the assistant may open with a
		// greeting before the user has said anything.
		if c.state != StateProcessing && c.state != StateListening {
			c.dropLocked(msg, "no response expected")
			return
		}
		c.setStateLocked(StateAISpeaking)

	case protocol.TypeAudioResponseChunk:
		c.handleAudioChunkLocked(msg)

	case protocol.TypeAudioResponseEnd:
		if c.state != StateAISpeaking {
			c.dropLocked(msg, "not speaking")
			return
		}
		c.setStateLocked(StateListening)
		finishCtx := c.sessCtx
		if finishCtx == nil {
			finishCtx = context.Background()
		}
		go c.player.Finish(finishCtx)

	case protocol.TypeInterruption:
		if !c.state.Active() {
			c.dropLocked(msg, "no active session")
			return
		}
		data, err := msg.GetInterruptionData()
		reason := "speech_detected"
		if err == nil && data.Reason != "" {
			reason = data.Reason
		}
		c.setStateLocked(StateUserSpeaking)
		c.player.Cancel()
		interrupt := &InterruptionEvent{OccurredAt: time.Now(), Reason: reason}
		c.lastInterrupt = interrupt
		c.events.publish(Event{Kind: EventInterrupted, Interruption: interrupt})

	case protocol.TypeError:
		data, err := msg.GetErrorData()
		message := "remote error"
		if err == nil && data.Message != "" {
			message = data.Message
		}
		c.failLocked(NewError(CategoryRemote, message, nil))

	case protocol.TypeSessionEnded:
		c.teardownLocked()
		c.setStateLocked(StateDisconnected)
		c.session = nil

	case protocol.TypeUsage:
		if data, err := msg.GetUsageData(); err == nil {
			c.totalTokens = data.TotalTokens
			c.events.publish(Event{Kind: EventUsage, TotalTokens: data.TotalTokens})
		}

	default:
		// Forward compatibility: unknown types never kill the session.
		c.logger.Warn("dropping unknown message type", "type", msg.Type)
	}
}

func (c *Controller) appendTranscriptLocked(msg *protocol.Message, role Role) {
	data, err := msg.GetTranscriptionData()
	if err != nil {
		c.logger.Warn("malformed transcription", "error", err)
		return
	}

	ev := TranscriptEvent{
		Role:      role,
		Text:      data.Text,
		Timestamp: time.Now(),
		IsPartial: data.IsPartial,
	}
	c.transcript = append(c.transcript, ev)
	c.events.publish(Event{Kind: EventTranscriptAppended, Transcript: &ev})
}

func (c *Controller) handleAudioChunkLocked(msg *protocol.Message) {
	data, err := msg.GetAudioChunkData()
	if err != nil {
		c.logger.Warn("malformed audio chunk", "error", err)
		return
	}
	pcm, err := data.DecodeAudio()
	if err != nil {
		c.logger.Warn("undecodable audio chunk", "error", err)
		return
	}

	// The playback engine expects 24 kHz; anything else is resampled
	// at the boundary rather than rejected.
	if rate := mimeSampleRate(data.MimeType); rate > 0 && rate != c.cfg.Playback.SampleRate {
		pcm = audioio.ResampleBytes(pcm, rate, c.cfg.Playback.SampleRate)
	}

	c.events.publish(Event{Kind: EventAudioReceived, AudioBytes: len(pcm)})

	ctx := c.sessCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := c.player.Append(ctx, pcm); err != nil {
		c.logger.Warn("playback append failed", "error", err)
	}
}

func (c *Controller) dropLocked(msg *protocol.Message, why string) {
	c.logger.Debug("dropping message",
		"type", msg.Type,
		"state", c.state.String(),
		"reason", why,
	)
}

// setStateLocked moves the state machine and publishes the change
// before the caller performs any further side effects.
func (c *Controller) setStateLocked(next State) {
	if c.state == next {
		return
	}
	prev := c.state
	c.state = next

	c.logger.Info("state changed",
		"from", prev.String(),
		"to", next.String(),
	)
	c.events.publish(Event{Kind: EventStateChanged, Previous: prev, State: next})
}

// ensureStreamingLocked starts capture if it is not already running.
// Re-entrant: entering listening repeatedly is a no-op once streaming.
func (c *Controller) ensureStreamingLocked() {
	ctx := c.sessCtx
	if ctx == nil {
		ctx = context.Background()
	}

	if !c.capture.StartStreaming(ctx) {
		err := NewError(CategoryPermission, "microphone streaming failed", ErrMicrophonePermission)
		c.events.publish(Event{Kind: EventErrored, Err: err})
		return
	}
	c.captureWanted = true
}

// onFrame forwards one captured PCM frame onto the transport.
func (c *Controller) onFrame(pcm []byte) {
	c.mu.Lock()
	ch := c.channel
	active := c.state.Active()
	c.mu.Unlock()

	if ch == nil || !active {
		return
	}

	msg, err := protocol.NewAudioStreamMessage(pcm)
	if err != nil {
		return
	}
	if err := ch.Send(msg); err != nil {
		// Transport failure surfaces through the channel end path.
		c.logger.Debug("audio frame send failed", "error", err)
	}
}

// startStillCurrent reports whether an in-flight start attempt is
// still the live one, i.e. no EndSession superseded it while a
// establishment step ran outside the lock.
func (c *Controller) startStillCurrent(gen uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.startGen == gen && c.state == StateConnecting
}

// failStart escalates a failure of one start attempt. It is a no-op
// when that attempt was already aborted by EndSession, so an abandoned
// start can never drag a disconnected controller into the error state.
func (c *Controller) failStart(gen uint64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.startGen != gen || c.state != StateConnecting {
		return
	}
	c.failLocked(err)
}

// fail moves to the error state and tears the session machinery down.
func (c *Controller) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failLocked(err)
}

func (c *Controller) failLocked(err error) {
	if c.state == StateError {
		return
	}

	c.lastErr = err
	c.teardownLocked()
	c.setStateLocked(StateError)
	c.events.publish(Event{Kind: EventErrored, Err: err})

	c.logger.Error("session failed",
		"category", string(CategoryOf(err)),
		"error", err,
	)
}

// teardownLocked cancels the session goroutines and releases the
// microphone, speaker, and transport. Leaves state untouched.
func (c *Controller) teardownLocked() {
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.sessCtx = nil
	c.captureWanted = false
	c.micMuted = false

	c.capture.Stop()
	c.player.Cancel()
	c.player.Close()

	if c.channel != nil {
		c.channel.Close()
		c.channel = nil
	}
}

// captureHealthy is the watchdog's liveness probe. It reports healthy
// when streaming is not expected so the watchdog only acts on real
// stalls.
func (c *Controller) captureHealthy() bool {
	c.mu.Lock()
	wanted := c.captureWanted
	c.mu.Unlock()

	if !wanted {
		return true
	}
	return c.capture.IsActive()
}

func (c *Controller) stopCapture() {
	c.capture.Stop()
}

// restartCapture restarts streaming for the watchdog, preserving a
// user-requested mute across the restart.
func (c *Controller) restartCapture() bool {
	c.mu.Lock()
	ctx := c.sessCtx
	muted := c.micMuted
	wanted := c.captureWanted
	c.mu.Unlock()

	if !wanted || ctx == nil {
		return true
	}

	if !c.capture.StartStreaming(ctx) {
		return false
	}
	if muted {
		c.capture.Pause()
	}
	return true
}

// mimeSampleRate extracts the rate parameter from a mime type like
// "audio/pcm;rate=24000". Returns 0 when absent.
func mimeSampleRate(mime string) int {
	const prefix = "rate="
	idx := strings.Index(mime, prefix)
	if idx < 0 {
		return 0
	}
	rest := mime[idx+len(prefix):]
	if end := strings.IndexAny(rest, ";, "); end >= 0 {
		rest = rest[:end]
	}
	rate, err := strconv.Atoi(rest)
	if err != nil {
		return 0
	}
	return rate
}

// Package session implements the voice conversation engine: the
// session lifecycle state machine, the orchestration between
// microphone capture, the duplex transport channel, and interruptible
// playback, and the event stream the UI observes.
package session

import "time"

// State is the connection state of the voice session. It is the single
// source of truth the UI observes; derived status like "is the user
// speaking" is read from it, never tracked separately.
type State int

const (
	// StateDisconnected indicates no session. Initial and terminal.
	StateDisconnected State = iota
	// StateConnecting indicates the session is being established.
	StateConnecting
	// StateConnected indicates the transport is open and the session
	// is ready.
	StateConnected
	// StateListening indicates the assistant is waiting for the user.
	StateListening
	// StateUserSpeaking indicates server VAD detected user speech.
	StateUserSpeaking
	// StateProcessing indicates the user finished and a reply is being
	// generated.
	StateProcessing
	// StateAISpeaking indicates reply audio is playing.
	StateAISpeaking
	// StateError is terminal until ClearError resets to disconnected.
	StateError
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateListening:
		return "listening"
	case StateUserSpeaking:
		return "userSpeaking"
	case StateProcessing:
		return "processing"
	case StateAISpeaking:
		return "aiSpeaking"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// Active reports whether a session is live: connected through speaking,
// excluding disconnected, connecting, and error.
func (s State) Active() bool {
	switch s {
	case StateConnected, StateListening, StateUserSpeaking, StateProcessing, StateAISpeaking:
		return true
	default:
		return false
	}
}

// VoiceSession represents one logical conversation-over-voice
// instance. At most one exists per Controller at a time.
type VoiceSession struct {
	// ID is the opaque server-assigned session identifier.
	ID string `json:"session_id"`

	// VoiceOption is the selected synthetic voice.
	VoiceOption string `json:"voice_option"`

	// LanguageTag is the conversation language (BCP 47).
	LanguageTag string `json:"language"`

	// ProblemCategory is an optional topic hint.
	ProblemCategory string `json:"problem_category,omitempty"`

	// WebsocketURL is the duplex endpoint assigned by the bootstrap.
	WebsocketURL string `json:"websocket_url"`

	// CreatedAt is when the server created the session.
	CreatedAt time.Time `json:"created_at"`

	// ConnectedAt is when the transport finished connecting, zero
	// until then.
	ConnectedAt time.Time `json:"connected_at,omitempty"`
}

// Duration returns how long the session has been connected.
func (s *VoiceSession) Duration() time.Duration {
	if s.ConnectedAt.IsZero() {
		return 0
	}
	return time.Since(s.ConnectedAt)
}

// Role attributes a transcript fragment.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// TranscriptEvent is one attributed utterance fragment. Fragments are
// appended in arrival order and never mutated.
type TranscriptEvent struct {
	Role      Role      `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
	IsPartial bool      `json:"is_partial"`
}

// InterruptionEvent records a barge-in.
type InterruptionEvent struct {
	OccurredAt time.Time `json:"occurred_at"`
	Reason     string    `json:"reason"`
}

// Package protocol defines the control envelopes exchanged with the
// conversational backend over the voice WebSocket. Every frame on the
// wire is a JSON envelope with a type discriminator and a payload;
// binary audio rides inside envelopes as base64 PCM.
package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// MessageType identifies the type of a control envelope.
type MessageType string

const (
	// Client → Server messages
	TypeInitializeLiveSession MessageType = "initialize_live_session" // Session configuration
	TypeAudioStream           MessageType = "audio_stream"            // Microphone audio
	TypeAudioStreamEnd        MessageType = "audio_stream_end"        // Capture paused
	TypeEndSession            MessageType = "end_session"             // Polite goodbye

	// Server → Client messages
	TypeSessionReady        MessageType = "session_ready"        // Ready to listen
	TypeSpeechStarted       MessageType = "speech_started"       // VAD: user began speaking
	TypeSpeechEnded         MessageType = "speech_ended"         // VAD: user stopped speaking
	TypeInputTranscription  MessageType = "input_transcription"  // User speech as text
	TypeAudioResponseStart  MessageType = "audio_response_start" // Reply audio begins
	TypeAudioResponseChunk  MessageType = "audio_response_chunk" // Reply audio payload
	TypeAudioResponseEnd    MessageType = "audio_response_end"   // Reply audio finished
	TypeOutputTranscription MessageType = "output_transcription" // Reply speech as text
	TypeInterruption        MessageType = "interruption"         // User barged in
	TypeError               MessageType = "error"                // Remote failure
	TypeSessionEnded        MessageType = "session_ended"        // Server-initiated close
	TypeUsage               MessageType = "usage"                // Token accounting
)

// Audio format constants. Outbound capture is 16 kHz, inbound synthesis
// is 24 kHz; both are 16-bit little-endian mono PCM.
const (
	InputMimeType  = "audio/pcm;rate=16000"
	OutputMimeType = "audio/pcm;rate=24000"

	InputSampleRate  = 16000
	OutputSampleRate = 24000
)

// VAD sensitivity values accepted by the backend.
const (
	StartSensitivityHigh = "START_SENSITIVITY_HIGH"
	StartSensitivityLow  = "START_SENSITIVITY_LOW"
	EndSensitivityHigh   = "END_SENSITIVITY_HIGH"
	EndSensitivityLow    = "END_SENSITIVITY_LOW"
)

// Default VAD tuning used when the caller does not override it.
const (
	DefaultPrefixPaddingMs   = 200
	DefaultSilenceDurationMs = 800
)

// Message is the base wrapper for all control envelopes.
type Message struct {
	Type MessageType     `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// NewMessage creates a new envelope with the given payload.
func NewMessage(msgType MessageType, data interface{}) (*Message, error) {
	var rawData json.RawMessage
	if data != nil {
		var err error
		rawData, err = json.Marshal(data)
		if err != nil {
			return nil, fmt.Errorf("protocol: marshal %s payload: %w", msgType, err)
		}
	}

	return &Message{
		Type: msgType,
		Data: rawData,
	}, nil
}

// ParseData unmarshals the envelope payload into the provided struct.
func (m *Message) ParseData(v interface{}) error {
	if m.Data == nil {
		return nil
	}
	return json.Unmarshal(m.Data, v)
}

// Bytes returns the JSON-encoded envelope.
func (m *Message) Bytes() ([]byte, error) {
	return json.Marshal(m)
}

// ParseMessage parses a JSON envelope from bytes.
func ParseMessage(data []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("protocol: parse message: %w", err)
	}
	return &msg, nil
}

// =============================================================================
// Client → Server payloads
// =============================================================================

// InitializeData configures the live session on connect.
type InitializeData struct {
	ResponseModalities       []string            `json:"response_modalities"`
	SpeechConfig             SpeechConfig        `json:"speech_config"`
	InputAudioTranscription  struct{}            `json:"input_audio_transcription"`
	OutputAudioTranscription struct{}            `json:"output_audio_transcription"`
	RealtimeInputConfig      RealtimeInputConfig `json:"realtime_input_config"`
}

// SpeechConfig selects the synthesized voice and language.
type SpeechConfig struct {
	VoiceConfig  VoiceConfig `json:"voice_config"`
	LanguageCode string      `json:"language_code"`
}

// VoiceConfig names a prebuilt synthetic voice.
type VoiceConfig struct {
	PrebuiltVoiceConfig PrebuiltVoiceConfig `json:"prebuilt_voice_config"`
}

// PrebuiltVoiceConfig is the innermost voice selector.
type PrebuiltVoiceConfig struct {
	VoiceName string `json:"voice_name"`
}

// RealtimeInputConfig tunes server-side voice activity detection.
type RealtimeInputConfig struct {
	AutomaticActivityDetection ActivityDetection `json:"automatic_activity_detection"`
}

// ActivityDetection holds the VAD knobs.
type ActivityDetection struct {
	Disabled                 bool   `json:"disabled"`
	StartOfSpeechSensitivity string `json:"start_of_speech_sensitivity"`
	EndOfSpeechSensitivity   string `json:"end_of_speech_sensitivity"`
	PrefixPaddingMs          int    `json:"prefix_padding_ms"`
	SilenceDurationMs        int    `json:"silence_duration_ms"`
}

// AudioStreamData carries one outbound microphone frame.
type AudioStreamData struct {
	Audio    string `json:"audio"` // base64 PCM16
	MimeType string `json:"mime_type"`
}

// =============================================================================
// Server → Client payloads
// =============================================================================

// TranscriptionData carries one utterance fragment, user or assistant.
type TranscriptionData struct {
	Text      string `json:"text"`
	IsPartial bool   `json:"is_partial"`
}

// AudioChunkData carries one inbound synthesized audio frame.
type AudioChunkData struct {
	Audio    string `json:"audio"` // base64 PCM16
	MimeType string `json:"mime_type,omitempty"`
}

// InterruptionData describes a barge-in.
type InterruptionData struct {
	Reason string `json:"reason"`
}

// ErrorData carries a remote error message.
type ErrorData struct {
	Message string `json:"message"`
}

// UsageData carries token accounting for the session.
type UsageData struct {
	TotalTokens int `json:"total_tokens"`
}

// DecodeAudio decodes the base64 audio payload to raw PCM bytes.
func (d *AudioChunkData) DecodeAudio() ([]byte, error) {
	pcm, err := base64.StdEncoding.DecodeString(d.Audio)
	if err != nil {
		return nil, fmt.Errorf("protocol: decode audio chunk: %w", err)
	}
	return pcm, nil
}

package protocol

import (
	"encoding/base64"
	"fmt"
)

// NewInitializeMessage creates the session bootstrap envelope. VAD is
// tuned for close-talking mobile microphones when enableVAD is true,
// disabled entirely otherwise.
func NewInitializeMessage(voice, language string, enableVAD bool) (*Message, error) {
	data := InitializeData{
		ResponseModalities: []string{"AUDIO"},
		SpeechConfig: SpeechConfig{
			VoiceConfig: VoiceConfig{
				PrebuiltVoiceConfig: PrebuiltVoiceConfig{
					VoiceName: voice,
				},
			},
			LanguageCode: language,
		},
		RealtimeInputConfig: RealtimeInputConfig{
			AutomaticActivityDetection: ActivityDetection{
				Disabled:                 !enableVAD,
				StartOfSpeechSensitivity: StartSensitivityHigh,
				EndOfSpeechSensitivity:   EndSensitivityHigh,
				PrefixPaddingMs:          DefaultPrefixPaddingMs,
				SilenceDurationMs:        DefaultSilenceDurationMs,
			},
		},
	}
	return NewMessage(TypeInitializeLiveSession, data)
}

// NewAudioStreamMessage wraps one raw PCM16 microphone frame.
func NewAudioStreamMessage(pcm []byte) (*Message, error) {
	data := AudioStreamData{
		Audio:    base64.StdEncoding.EncodeToString(pcm),
		MimeType: InputMimeType,
	}
	return NewMessage(TypeAudioStream, data)
}

// NewAudioStreamEndMessage signals that microphone capture paused.
func NewAudioStreamEndMessage() (*Message, error) {
	return NewMessage(TypeAudioStreamEnd, nil)
}

// NewEndSessionMessage asks the server to close the session cleanly.
func NewEndSessionMessage() (*Message, error) {
	return NewMessage(TypeEndSession, nil)
}

// GetTranscriptionData extracts a transcription payload. Valid for
// input_transcription and output_transcription envelopes.
func (m *Message) GetTranscriptionData() (*TranscriptionData, error) {
	if m.Type != TypeInputTranscription && m.Type != TypeOutputTranscription {
		return nil, fmt.Errorf("protocol: message type is %s, not a transcription", m.Type)
	}
	var data TranscriptionData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetAudioChunkData extracts an audio_response_chunk payload.
func (m *Message) GetAudioChunkData() (*AudioChunkData, error) {
	if m.Type != TypeAudioResponseChunk {
		return nil, fmt.Errorf("protocol: message type is %s, not %s", m.Type, TypeAudioResponseChunk)
	}
	var data AudioChunkData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetInterruptionData extracts an interruption payload.
func (m *Message) GetInterruptionData() (*InterruptionData, error) {
	if m.Type != TypeInterruption {
		return nil, fmt.Errorf("protocol: message type is %s, not %s", m.Type, TypeInterruption)
	}
	var data InterruptionData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetErrorData extracts an error payload.
func (m *Message) GetErrorData() (*ErrorData, error) {
	if m.Type != TypeError {
		return nil, fmt.Errorf("protocol: message type is %s, not %s", m.Type, TypeError)
	}
	var data ErrorData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

// GetUsageData extracts a usage payload.
func (m *Message) GetUsageData() (*UsageData, error) {
	if m.Type != TypeUsage {
		return nil, fmt.Errorf("protocol: message type is %s, not %s", m.Type, TypeUsage)
	}
	var data UsageData
	if err := m.ParseData(&data); err != nil {
		return nil, err
	}
	return &data, nil
}

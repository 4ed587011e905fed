// Package realtime holds the upstream provider's session protocol: the
// configuration injected on session start and the dial parameters the relay
// uses to reach the provider's realtime endpoint.
package realtime

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// DefaultURL is the provider's realtime WebSocket endpoint.
const DefaultURL = "wss://api.openai.com/v1/realtime"

// DefaultModel is the realtime model used when none is configured.
const DefaultModel = "gpt-4o-realtime-preview"

// BetaHeader is the protocol-version header required by the provider.
const (
	BetaHeaderName  = "OpenAI-Beta"
	BetaHeaderValue = "realtime=v1"
)

// Provider application close codes the relay treats as non-retryable.
// Redialing cannot fix a bad credential or a revoked entitlement.
const (
	ClosePolicyViolation    = 1008
	CloseInvalidCredential  = 4001
	CloseInsufficientAccess = 4003
)

// NonRetryableClose reports whether an upstream close code is terminal.
func NonRetryableClose(code int) bool {
	switch code {
	case ClosePolicyViolation, CloseInvalidCredential, CloseInsufficientAccess:
		return true
	}
	return false
}

// Headers builds the auth and protocol-version headers for an upstream dial.
func Headers(apiKey string) http.Header {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+apiKey)
	h.Set(BetaHeaderName, BetaHeaderValue)
	return h
}

// SessionConfig is the session.update payload injected once per upstream
// session, immediately after session.created and before any audio is
// forwarded. Without it the provider runs with default session parameters.
type SessionConfig struct {
	Modalities              []string             `json:"modalities,omitempty"`
	Instructions            string               `json:"instructions,omitempty"`
	Voice                   string               `json:"voice,omitempty"`
	InputAudioFormat        string               `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string               `json:"output_audio_format,omitempty"`
	InputAudioTranscription *TranscriptionConfig `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection       `json:"turn_detection,omitempty"`
	Temperature             float64              `json:"temperature,omitempty"`
	MaxResponseOutputTokens int                  `json:"max_response_output_tokens,omitempty"`
}

// TranscriptionConfig enables transcription of the user's input audio.
type TranscriptionConfig struct {
	Model string `json:"model,omitempty"`
}

// TurnDetection configures the provider's server-side voice activity
// detection.
type TurnDetection struct {
	Type              string  `json:"type,omitempty"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

// DefaultSessionConfig returns the fixed session parameters for voice chat:
// PCM16 audio both ways, whisper transcription, server VAD.
func DefaultSessionConfig(instructions, voice string) SessionConfig {
	if voice == "" {
		voice = "alloy"
	}
	return SessionConfig{
		Modalities:        []string{"text", "audio"},
		Instructions:      instructions,
		Voice:             voice,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		InputAudioTranscription: &TranscriptionConfig{
			Model: "whisper-1",
		},
		TurnDetection: &TurnDetection{
			Type:              "server_vad",
			Threshold:         0.5,
			PrefixPaddingMs:   300,
			SilenceDurationMs: 500,
		},
		Temperature:             0.8,
		MaxResponseOutputTokens: 4096,
	}
}

// UpdateFrame wraps the config in a session.update envelope with a fresh
// event id, serialized for the wire.
func (c SessionConfig) UpdateFrame() ([]byte, error) {
	return json.Marshal(map[string]any{
		"event_id": "evt_" + uuid.New().String()[:12],
		"type":     "session.update",
		"session":  c,
	})
}

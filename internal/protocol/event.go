package protocol

import "encoding/json"

// Client event types (client → relay → provider).
const (
	EventTypeSessionUpdate          = "session.update"
	EventTypeInputAudioBufferAppend = "input_audio_buffer.append"
	EventTypeInputAudioBufferCommit = "input_audio_buffer.commit"
	EventTypeInputAudioBufferClear  = "input_audio_buffer.clear"
	EventTypeResponseCreate         = "response.create"
	EventTypeResponseCancel         = "response.cancel"
)

// Server event types (provider → relay → client).
const (
	EventTypeError = "error"

	EventTypeSessionCreated = "session.created"
	EventTypeSessionUpdated = "session.updated"

	EventTypeInputAudioBufferSpeechStarted = "input_audio_buffer.speech_started"
	EventTypeInputAudioBufferSpeechStopped = "input_audio_buffer.speech_stopped"

	EventTypeResponseAudioDelta = "response.audio.delta"
	EventTypeResponseAudioDone  = "response.audio.done"

	EventTypeResponseAudioTranscriptDelta = "response.audio_transcript.delta"
	EventTypeResponseAudioTranscriptDone  = "response.audio_transcript.done"
)

// Event is the tagged union exchanged over the realtime channel. Only the
// fields the relay and client act on are decoded; everything else rides along
// in Raw so frames can be forwarded verbatim.
type Event struct {
	Type    string `json:"type"`
	EventID string `json:"event_id,omitempty"`

	// Audio carries base64 PCM16 for input_audio_buffer.append.
	Audio string `json:"audio,omitempty"`

	// Delta carries a base64 audio fragment or a transcript text fragment,
	// depending on Type.
	Delta string `json:"delta,omitempty"`

	// Session is present on session.created / session.updated.
	Session *SessionInfo `json:"session,omitempty"`

	// Error is present on error events.
	Error *EventError `json:"error,omitempty"`

	// Raw is the original frame as received. Not serialized.
	Raw []byte `json:"-"`
}

// SessionInfo is the subset of the provider's session resource acted on here.
type SessionInfo struct {
	ID    string `json:"id,omitempty"`
	Model string `json:"model,omitempty"`
}

// EventError is the error payload of an error event.
type EventError struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
	Details string `json:"details,omitempty"`
}

// Parse decodes a raw frame into an Event, retaining the original bytes.
func Parse(raw []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return nil, err
	}
	ev.Raw = raw
	return &ev, nil
}

// ErrorFrame builds a serialized in-band error event. Runtime failures reach
// the client as these frames, never as transport-level faults.
func ErrorFrame(message, details string) []byte {
	raw, _ := json.Marshal(Event{
		Type: EventTypeError,
		Error: &EventError{
			Type:    "relay_error",
			Message: message,
			Details: details,
		},
	})
	return raw
}

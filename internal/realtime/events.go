package realtime

import (
	"encoding/json"
	"errors"
)

// Server event types the bridge looks at. Every other event is still
// dispatched to "*" handlers.
const (
	EventError                        = "error"
	EventSessionCreated               = "session.created"
	EventSessionUpdated               = "session.updated"
	EventSpeechStarted                = "input_audio_buffer.speech_started"
	EventSpeechStopped                = "input_audio_buffer.speech_stopped"
	EventInputTranscriptionCompleted  = "conversation.item.input_audio_transcription.completed"
	EventResponseTextDelta            = "response.text.delta"
	EventResponseAudioDelta           = "response.audio.delta"
	EventResponseAudioTranscriptDelta = "response.audio_transcript.delta"
	EventResponseAudioTranscriptDone  = "response.audio_transcript.done"
	EventResponseDone                 = "response.done"
)

// Event is one server event. Raw holds the payload exactly as received.
type Event struct {
	Type    string
	EventID string
	Raw     json.RawMessage
}

func ParseEvent(b []byte) (Event, error) {
	var head struct {
		Type    string `json:"type"`
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(b, &head); err != nil {
		return Event{}, err
	}
	if head.Type == "" {
		return Event{}, errors.New("event without type")
	}
	return Event{Type: head.Type, EventID: head.EventID, Raw: append(json.RawMessage(nil), b...)}, nil
}

// Decode unmarshals the raw payload into v.
func (e Event) Decode(v any) error {
	return json.Unmarshal(e.Raw, v)
}

// Delta is the common shape of response.*.delta events.
type Delta struct {
	ResponseID   string `json:"response_id"`
	ItemID       string `json:"item_id"`
	OutputIndex  int    `json:"output_index"`
	ContentIndex int    `json:"content_index"`
	Delta        string `json:"delta"`
}

// Transcript is the shape of *.transcription.completed and *transcript.done events.
type Transcript struct {
	ItemID     string `json:"item_id"`
	Transcript string `json:"transcript"`
}

// ErrorEvent is the shape of the "error" server event.
type ErrorEvent struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

type Session struct {
	Modalities              []string       `json:"modalities,omitempty"`
	Instructions            string         `json:"instructions,omitempty"`
	Voice                   string         `json:"voice,omitempty"`
	InputAudioFormat        string         `json:"input_audio_format,omitempty"`
	OutputAudioFormat       string         `json:"output_audio_format,omitempty"`
	InputAudioTranscription *Transcription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *TurnDetection `json:"turn_detection,omitempty"`
	Temperature             float64        `json:"temperature,omitempty"`
}

type Transcription struct {
	Model string `json:"model"`
}

// TurnDetection configures vendor-side voice activity detection.
type TurnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold,omitempty"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms,omitempty"`
	SilenceDurationMs int     `json:"silence_duration_ms,omitempty"`
}

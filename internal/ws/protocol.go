package ws

import (
	"encoding/json"
	"errors"
)

// inbound is the client envelope. Media frames follow the telephony media
// stream shape: {"event":"media","media":{"payload":"<base64>"}}.
type inbound struct {
	Event     string `json:"event"`
	Type      string `json:"type"`
	StreamSid string `json:"streamSid"`
	Start     *struct {
		StreamSid        string            `json:"streamSid"`
		Language         string            `json:"language"`
		CustomParameters map[string]string `json:"customParameters"`
	} `json:"start"`
	Media *struct {
		Payload string `json:"payload"`
		Track   string `json:"track"`
	} `json:"media"`
	Ts any `json:"ts"`
}

var errEmptyEnvelope = errors.New("message has neither event nor type")

func parseInbound(b []byte) (inbound, error) {
	var m inbound
	if err := json.Unmarshal(b, &m); err != nil {
		return m, err
	}
	if m.Event == "" && m.Type == "" {
		return m, errEmptyEnvelope
	}
	return m, nil
}

// startLanguage returns the language requested in a start frame, if any.
func (m inbound) startLanguage() string {
	if m.Start == nil {
		return ""
	}
	if m.Start.Language != "" {
		return m.Start.Language
	}
	return m.Start.CustomParameters["language"]
}

func errorEvent(detail string) map[string]any {
	return map[string]any{"event": "error", "detail": detail}
}

func transcriptEvent(text string, final bool, confidence float32, speaker int32) map[string]any {
	ev := map[string]any{
		"event":      "transcript",
		"text":       text,
		"isFinal":    final,
		"confidence": confidence,
	}
	if speaker > 0 {
		ev["speaker"] = speaker
	}
	return ev
}

func responseEvent(text string) map[string]any {
	return map[string]any{"event": "response", "text": text}
}

func responseDeltaEvent(delta string) map[string]any {
	return map[string]any{"event": "response.delta", "text": delta}
}

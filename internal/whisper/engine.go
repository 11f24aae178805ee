package whisper

import "strings"

// Engine transcribes 16kHz mono float32 audio.
// Implementations may be a no-op (stub) or backed by whisper.cpp (build tag: whisper_cpp).
type Engine interface {
	// Transcribe runs a full-context pass over samples and returns the joined
	// segment text and the detected or used language. lang is a BCP-47 tag or
	// two-letter code; empty means the engine default.
	Transcribe(samples []float32, lang string) (text string, detected string, err error)
	Close() error
}

// SampleRate is the only rate whisper models accept.
const SampleRate = 16000

type Options struct {
	ModelPath string
	Threads   int
	Language  string
}

// BaseLanguage reduces a BCP-47 tag such as "en-IN" to the two-letter code whisper expects.
func BaseLanguage(lang string) string {
	lang = strings.TrimSpace(lang)
	if lang == "" {
		return "auto"
	}
	base, _, _ := strings.Cut(lang, "-")
	return strings.ToLower(base)
}

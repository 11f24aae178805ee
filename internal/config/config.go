package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

const (
	ModePipeline = "pipeline"
	ModeRealtime = "realtime"

	BackendGoogle  = "google"
	BackendWhisper = "whisper"

	EncodingLinear16 = "linear16"
	EncodingMulaw    = "mulaw"
	EncodingWAV      = "wav"

	StyleChat       = "chat"
	StyleCompletion = "completion"
)

var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Addr string
	Mode string

	// Inbound audio
	SampleRate int
	Encoding   string
	RecordDir  string

	// Recognition
	SpeechBackend         string
	SpeechLanguage        string
	SpeechDiarization     bool
	SpeechInterimResults  bool
	SpeechPunctuation     bool
	SpeechModel           string
	GoogleCredentialsFile string
	WhisperModelPath      string

	// Completion
	OpenAIAPIKey         string
	OpenAIBaseURL        string
	CompletionStyle      string
	CompletionModel      string
	SystemPrompt         string
	MaxTokens            int
	Temperature          float64
	CompletionTimeoutSec int
	CompletionStream     bool
	FallbackText         string

	// Response translation
	TranslationBaseURL    string
	ResponseLanguage      string
	TranslationTimeoutSec int

	// Hosted realtime voice
	RealtimeURL             string
	RealtimeModel           string
	RealtimeVoice           string
	RealtimeInstructions    string
	RealtimeAudioFormat     string
	RealtimeVADThreshold    float64
	RealtimePrefixPaddingMs int
	RealtimeSilenceMs       int
	RealtimeTranscribeModel string
	RealtimeForwardEvents   []string
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		switch v {
		case "0", "false", "no", "off", "False", "FALSE":
			return false
		default:
			return true
		}
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// LoadDotenv loads the given .env files (or ./.env when none are given).
// Missing files are not an error.
func LoadDotenv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

func Load() Config {
	return Config{
		Addr: getenv("VOICEBRIDGE_ADDR", ":5000"),
		Mode: getenv("VOICEBRIDGE_MODE", ModePipeline),

		SampleRate: getenvInt("AUDIO_SAMPLE_RATE", 8000),
		Encoding:   getenv("AUDIO_ENCODING", EncodingLinear16),
		RecordDir:  getenv("RECORD_DIR", ""),

		SpeechBackend:         getenv("SPEECH_BACKEND", BackendGoogle),
		SpeechLanguage:        getenv("SPEECH_LANGUAGE", "en-IN"),
		SpeechDiarization:     getenvBool("SPEECH_DIARIZATION", true),
		SpeechInterimResults:  getenvBool("SPEECH_INTERIM_RESULTS", true),
		SpeechPunctuation:     getenvBool("SPEECH_PUNCTUATION", true),
		SpeechModel:           getenv("SPEECH_MODEL", ""),
		GoogleCredentialsFile: getenv("GOOGLE_CREDENTIALS_FILE", ""),
		WhisperModelPath:      getenv("WHISPER_MODEL_PATH", "./models/ggml-base.en.bin"),

		OpenAIAPIKey:         getenv("OPENAI_API_KEY", ""),
		OpenAIBaseURL:        getenv("OPENAI_BASE_URL", ""),
		CompletionStyle:      getenv("COMPLETION_STYLE", StyleChat),
		CompletionModel:      getenv("COMPLETION_MODEL", "gpt-4o-mini"),
		SystemPrompt:         getenv("COMPLETION_SYSTEM_PROMPT", "You are a helpful voice assistant. Answer briefly; your reply will be spoken aloud."),
		MaxTokens:            getenvInt("COMPLETION_MAX_TOKENS", 150),
		Temperature:          getenvFloat("COMPLETION_TEMPERATURE", 0.7),
		CompletionTimeoutSec: getenvInt("COMPLETION_TIMEOUT", 20),
		CompletionStream:     getenvBool("COMPLETION_STREAM", false),
		FallbackText:         getenv("FALLBACK_TEXT", "Sorry, I couldn't process that."),

		TranslationBaseURL:    getenv("TRANSLATION_BASE_URL", ""),
		ResponseLanguage:      getenv("RESPONSE_LANGUAGE", ""),
		TranslationTimeoutSec: getenvInt("TRANSLATION_TIMEOUT", 8),

		RealtimeURL:             getenv("REALTIME_URL", "wss://api.openai.com/v1/realtime"),
		RealtimeModel:           getenv("REALTIME_MODEL", "gpt-4o-realtime-preview"),
		RealtimeVoice:           getenv("REALTIME_VOICE", "alloy"),
		RealtimeInstructions:    getenv("REALTIME_INSTRUCTIONS", "You are a helpful voice assistant. Keep answers short."),
		RealtimeAudioFormat:     getenv("REALTIME_AUDIO_FORMAT", "g711_ulaw"),
		RealtimeVADThreshold:    getenvFloat("REALTIME_VAD_THRESHOLD", 0.5),
		RealtimePrefixPaddingMs: getenvInt("REALTIME_VAD_PREFIX_MS", 300),
		RealtimeSilenceMs:       getenvInt("REALTIME_VAD_SILENCE_MS", 500),
		RealtimeTranscribeModel: getenv("REALTIME_TRANSCRIBE_MODEL", "whisper-1"),
		RealtimeForwardEvents:   getenvList("REALTIME_FORWARD_EVENTS"),
	}
}

// Validate reports the first inconsistency in c, wrapped in ErrInvalid.
func (c Config) Validate() error {
	switch c.Mode {
	case ModePipeline, ModeRealtime:
	default:
		return fmt.Errorf("%w: mode %q (want %s or %s)", ErrInvalid, c.Mode, ModePipeline, ModeRealtime)
	}
	if c.Addr == "" {
		return fmt.Errorf("%w: empty listen address", ErrInvalid)
	}
	if c.OpenAIAPIKey == "" {
		return fmt.Errorf("%w: OPENAI_API_KEY is required", ErrInvalid)
	}

	if c.Mode == ModeRealtime {
		switch c.RealtimeAudioFormat {
		case "pcm16", "g711_ulaw", "g711_alaw":
		default:
			return fmt.Errorf("%w: realtime audio format %q", ErrInvalid, c.RealtimeAudioFormat)
		}
		return nil
	}

	if c.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate must be positive, got %d", ErrInvalid, c.SampleRate)
	}
	switch c.Encoding {
	case EncodingLinear16, EncodingMulaw, EncodingWAV:
	default:
		return fmt.Errorf("%w: audio encoding %q", ErrInvalid, c.Encoding)
	}
	switch c.SpeechBackend {
	case BackendGoogle:
	case BackendWhisper:
		if c.Encoding == EncodingMulaw {
			return fmt.Errorf("%w: whisper backend needs linear16 or wav audio", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: speech backend %q", ErrInvalid, c.SpeechBackend)
	}
	if c.RecordDir != "" && c.Encoding == EncodingMulaw {
		return fmt.Errorf("%w: recording needs linear16 or wav audio", ErrInvalid)
	}
	switch c.CompletionStyle {
	case StyleChat, StyleCompletion:
	default:
		return fmt.Errorf("%w: completion style %q", ErrInvalid, c.CompletionStyle)
	}
	if c.MaxTokens <= 0 {
		return fmt.Errorf("%w: max tokens must be positive, got %d", ErrInvalid, c.MaxTokens)
	}
	return nil
}

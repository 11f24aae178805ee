package speech

import (
	"context"
	"fmt"
	"io"
	"strings"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"github.com/obiente/voicebridge/internal/audio"
	"github.com/obiente/voicebridge/internal/whisper"
)

const (
	defaultWorkWindow   = whisper.SampleRate / 2 // 0.5s of new audio per pass
	defaultMaxUtterance = 30 * whisper.SampleRate
	stableThreshold     = 2
)

// Whisper recognizes audio locally by re-running a whisper engine over the
// current utterance whenever enough new audio has arrived. Text up to the last
// sentence terminator is final once it stays unchanged across passes; the rest
// stays interim until a later pass completes it.
type Whisper struct {
	engine       whisper.Engine
	inRate       int
	language     string
	workWindow   int
	maxUtterance int
}

// NewWhisper returns a recognizer for PCM16 audio at inRate. The engine may be
// shared between recognizers.
func NewWhisper(engine whisper.Engine, inRate int, language string) *Whisper {
	return &Whisper{
		engine:       engine,
		inRate:       inRate,
		language:     language,
		workWindow:   defaultWorkWindow,
		maxUtterance: defaultMaxUtterance,
	}
}

func (w *Whisper) Name() string { return "whisper" }

func (w *Whisper) Recognize(ctx context.Context, src ChunkSource, results chan<- Result) error {
	var (
		utterance  []float32
		passedAt   int
		carry      []byte // odd trailing byte of the previous block
		finalized  string // prefix of the utterance text already sent as final
		lastStable string
		stableRuns int
	)
	reset := func() {
		utterance = utterance[:0]
		passedAt = 0
		finalized = ""
		lastStable = ""
		stableRuns = 0
	}

	for {
		block, err := src.Next(ctx)
		if err == io.EOF {
			if len(utterance) == 0 {
				return nil
			}
			text, lang, err := w.engine.Transcribe(utterance, w.language)
			if err != nil {
				return fmt.Errorf("whisper flush: %w", err)
			}
			if rest := pendingText(text, finalized); rest != "" {
				return deliver(ctx, results, Result{Transcript: rest, IsFinal: true, Stability: 1, Language: lang})
			}
			return nil
		}
		if err != nil {
			return err
		}

		if len(carry) > 0 {
			block = append(carry, block...)
			carry = nil
		}
		if len(block)%2 == 1 {
			carry = []byte{block[len(block)-1]}
			block = block[:len(block)-1]
		}
		pcm, err := audio.PCM16ToFloat32(block)
		if err != nil {
			return fmt.Errorf("whisper decode: %w", err)
		}
		utterance = append(utterance, audio.ResampleLinear(pcm, w.inRate, whisper.SampleRate)...)
		if len(utterance)-passedAt < w.workWindow {
			continue
		}
		passedAt = len(utterance)

		text, lang, err := w.engine.Transcribe(utterance, w.language)
		if err != nil {
			return fmt.Errorf("whisper pass: %w", err)
		}
		full := len(utterance) >= w.maxUtterance

		// Track the completed sentences only once they extend past what was finalized.
		completed := completedSentences(text)
		if completed != "" && len(completed) > len(finalized) {
			if completed == lastStable {
				stableRuns++
			} else {
				lastStable = completed
				stableRuns = 1
			}
		} else {
			lastStable = ""
			stableRuns = 0
		}

		switch {
		case full:
			if rest := pendingText(text, finalized); rest != "" {
				if err := deliver(ctx, results, Result{Transcript: rest, IsFinal: true, Stability: 1, Language: lang}); err != nil {
					return err
				}
			}
			log.Debug().Int("samples", len(utterance)).Msg("whisper: utterance reached max length")
			reset()
		case stableRuns >= stableThreshold:
			sentence := pendingText(completed, finalized)
			if err := deliver(ctx, results, Result{Transcript: sentence, IsFinal: true, Stability: 1, Language: lang}); err != nil {
				return err
			}
			log.Debug().Str("text", sentence).Int("samples", len(utterance)).Msg("whisper: sentence finalized")
			finalized = completed
			lastStable = ""
			stableRuns = 0
			// Nothing spoken after the sentence: start the next utterance fresh.
			if pendingText(text, finalized) == "" {
				reset()
			}
		default:
			rest := pendingText(text, finalized)
			if rest == "" {
				continue
			}
			stability := float32(stableRuns) / float32(stableThreshold)
			if err := deliver(ctx, results, Result{Transcript: rest, Stability: stability, Language: lang}); err != nil {
				return err
			}
		}
	}
}

// completedSentences returns text up to and including its last sentence
// terminator, or "" when there is none.
func completedSentences(text string) string {
	text = strings.TrimSpace(text)
	if i := strings.LastIndexFunc(text, isSentenceEnd); i >= 0 {
		_, size := utf8.DecodeRuneInString(text[i:])
		return text[:i+size]
	}
	return ""
}

// pendingText is text with the already finalized prefix removed. When a later
// pass rewrote the prefix the whole text is pending.
func pendingText(text, finalized string) string {
	text = strings.TrimSpace(text)
	if finalized != "" && strings.HasPrefix(text, finalized) {
		return strings.TrimSpace(text[len(finalized):])
	}
	return text
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '。', '！', '？':
		return true
	}
	return false
}

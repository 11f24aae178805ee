//go:build whisper_cpp

package whisper

import (
	"fmt"
	"io"
	"runtime"
	"strings"
	"sync"

	whisperpkg "github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"
	"github.com/rs/zerolog/log"
)

// maxSamples bounds a single pass to 30s of audio.
const maxSamples = 30 * SampleRate

type engineCPP struct {
	model    whisperpkg.Model
	threads  uint
	language string     // default when a pass names none
	mu       sync.Mutex // whisper.cpp contexts crash under concurrent use of one model
}

func NewEngine(opts Options) (Engine, error) {
	threads := uint(runtime.NumCPU())
	if opts.Threads > 0 {
		threads = uint(opts.Threads)
	}
	m, err := whisperpkg.New(opts.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("load model: %w", err)
	}
	log.Info().Str("model", opts.ModelPath).Uint("threads", threads).Msg("whisper: model loaded")
	return &engineCPP{
		model:    m,
		threads:  threads,
		language: BaseLanguage(opts.Language),
	}, nil
}

func (e *engineCPP) Close() error {
	if e.model != nil {
		return e.model.Close()
	}
	return nil
}

func (e *engineCPP) Transcribe(samples []float32, lang string) (string, string, error) {
	// < 100ms
	if len(samples) < SampleRate/10 {
		return "", "", nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if len(samples) > maxSamples {
		log.Warn().Int("samples", len(samples)).Int("max", maxSamples).Msg("whisper: truncating long audio")
		samples = samples[len(samples)-maxSamples:]
	}

	ctx, err := e.model.NewContext()
	if err != nil {
		return "", "", fmt.Errorf("create context: %w", err)
	}
	ctx.SetThreads(e.threads)
	language := e.language
	if lang != "" {
		language = BaseLanguage(lang)
	}
	_ = ctx.SetLanguage(language)
	ctx.SetSplitOnWord(true)
	ctx.SetMaxSegmentLength(0)
	ctx.SetMaxTokensPerSegment(0)
	ctx.SetAudioCtx(0)

	if err := ctx.Process(samples, nil, nil, nil); err != nil {
		return "", "", fmt.Errorf("process audio: %w", err)
	}

	var segments []string
	for {
		seg, err := ctx.NextSegment()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Warn().Err(err).Msg("whisper: error reading segment")
			break
		}
		if text := strings.TrimSpace(seg.Text); text != "" {
			segments = append(segments, text)
		}
	}

	lang = ctx.Language()
	if lang == "" || lang == "auto" {
		lang = ctx.DetectedLanguage()
	}
	full := strings.TrimSpace(strings.Join(segments, " "))
	log.Debug().Str("full", full).Str("lang", lang).Int("segments", len(segments)).Int("samples", len(samples)).Msg("whisper: pass complete")
	return full, lang, nil
}

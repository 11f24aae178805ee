package ws

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/obiente/voicebridge/internal/audio"
	"github.com/obiente/voicebridge/internal/config"
	"github.com/obiente/voicebridge/internal/speech"
)

const (
	// drainWait bounds how long a graceful stop waits for the last reply.
	drainWait = 30 * time.Second
	// maxRecognizeRetries is how many consecutive failed recognizer runs are
	// retried before the session gives up on recognition.
	maxRecognizeRetries = 3
	// healthyRun resets the retry count when a run lasted at least this long.
	healthyRun = 30 * time.Second
)

// recognizeBackoff is the delay before the first retry; it grows linearly.
var recognizeBackoff = 500 * time.Millisecond

var (
	errBadPayload        = errors.New("invalid base64 audio")
	errRecognitionFailed = errors.New("recognition unavailable")
)

// pipelineSession streams audio into a recognizer and answers each final
// transcript through the responder.
type pipelineSession struct {
	id   string
	cfg  config.Config
	deps Deps
	peer *peer
	log  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	stream   *audio.Stream
	recorder *audio.Recorder
	language string
	started  bool
	failed   atomic.Bool
	wg       sync.WaitGroup
}

func newPipelineSession(parent context.Context, id string, cfg config.Config, deps Deps, p *peer, logger zerolog.Logger) *pipelineSession {
	ctx, cancel := context.WithCancel(parent)
	return &pipelineSession{
		id:       id,
		cfg:      cfg,
		deps:     deps,
		peer:     p,
		log:      logger,
		ctx:      ctx,
		cancel:   cancel,
		stream:   audio.NewStream(),
		language: cfg.SpeechLanguage,
	}
}

// setLanguage overrides the recognition language until recognition starts.
func (s *pipelineSession) setLanguage(lang string) {
	if lang == "" {
		return
	}
	if s.started {
		s.log.Warn().Str("language", lang).Msg("language change ignored after audio started")
		return
	}
	s.language = lang
}

func (s *pipelineSession) forward([]byte) error {
	return errors.New("client events are only accepted in realtime mode")
}

func (s *pipelineSession) media(payload string) error {
	raw, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return errBadPayload
	}
	pcm := raw
	if s.cfg.Encoding == config.EncodingWAV {
		if pcm, err = audio.WAVToPCM16(raw, s.cfg.SampleRate); err != nil {
			return fmt.Errorf("decode audio failed: %w", err)
		}
	}

	if s.failed.Load() {
		return errRecognitionFailed
	}
	if !s.started {
		if err := s.start(); err != nil {
			return err
		}
	}
	if s.recorder != nil {
		if err := s.recorder.Write(pcm); err != nil {
			s.log.Warn().Err(err).Msg("recording write failed")
		}
	}
	s.stream.Fill(pcm)
	return nil
}

func (s *pipelineSession) start() error {
	rec, err := s.deps.NewRecognizer(s.language)
	if err != nil {
		return fmt.Errorf("recognizer unavailable: %w", err)
	}
	s.started = true

	if s.cfg.RecordDir != "" {
		if r, err := audio.NewRecorder(s.cfg.RecordDir, s.id, s.cfg.SampleRate); err != nil {
			s.log.Warn().Err(err).Msg("recording disabled")
		} else {
			s.recorder = r
		}
	}

	s.log.Info().Str("recognizer", rec.Name()).Str("language", s.language).Int("rate", s.cfg.SampleRate).Msg("recognition started")

	results := make(chan speech.Result, 16)
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		defer close(results)
		s.recognize(rec, results)
	}()
	go func() {
		defer s.wg.Done()
		for r := range results {
			s.handle(r)
		}
	}()
	return nil
}

// recognize runs the recognizer until the stream is drained. Expired backend
// streams are reopened at once; other failures, or a run that ends before the
// stream does, are retried with backoff. After maxRecognizeRetries the session
// is marked failed and stops buffering audio.
func (s *pipelineSession) recognize(rec speech.Recognizer, results chan<- speech.Result) {
	retries := 0
	for {
		began := time.Now()
		err := rec.Recognize(s.ctx, s.stream, results)
		if s.ctx.Err() != nil || s.stream.Drained() {
			if err != nil && s.ctx.Err() == nil {
				s.log.Error().Err(err).Msg("recognition failed at end of stream")
			}
			return
		}
		if errors.Is(err, speech.ErrStreamExpired) {
			s.log.Info().Msg("recognition stream expired, reopening")
			continue
		}
		if err == nil {
			err = errors.New("recognizer stopped before end of stream")
		}
		if time.Since(began) >= healthyRun {
			retries = 0
		}
		if retries >= maxRecognizeRetries {
			s.log.Error().Err(err).Int("retries", retries).Msg("recognition failed, giving up")
			s.failed.Store(true)
			s.stream.Close()
			_ = s.peer.send(errorEvent("recognition failed"))
			return
		}
		retries++
		wait := time.Duration(retries) * recognizeBackoff
		s.log.Warn().Err(err).Int("retry", retries).Dur("backoff", wait).Msg("recognition interrupted, retrying")
		select {
		case <-s.ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (s *pipelineSession) handle(r speech.Result) {
	if !r.IsFinal {
		s.log.Debug().Str("interim", r.Transcript).Msg("transcript")
		if s.cfg.SpeechInterimResults {
			_ = s.peer.send(transcriptEvent(r.Transcript, false, r.Confidence, r.SpeakerTag))
		}
		return
	}

	text := strings.TrimSpace(r.Transcript)
	s.log.Info().Str("final", text).Int32("speaker", r.SpeakerTag).Msg("transcript")
	_ = s.peer.send(transcriptEvent(text, true, r.Confidence, r.SpeakerTag))
	if text == "" {
		return
	}

	reply := s.respond(text)
	if s.deps.Translator.Enabled() {
		ctx, cancel := context.WithTimeout(s.ctx, time.Duration(s.cfg.TranslationTimeoutSec)*time.Second)
		if t, err := s.deps.Translator.Translate(ctx, reply, s.language); err != nil {
			s.log.Warn().Err(err).Msg("reply translation failed")
		} else {
			reply = t
		}
		cancel()
	}
	if err := s.peer.send(responseEvent(reply)); err != nil {
		s.log.Warn().Err(err).Msg("failed to send response")
	}
}

func (s *pipelineSession) respond(text string) string {
	var (
		reply string
		err   error
	)
	// Deltas are only streamed when the reply is sent untranslated.
	if s.cfg.CompletionStream && !s.deps.Translator.Enabled() {
		reply, err = s.deps.Responder.RespondStream(s.ctx, text, func(d string) {
			_ = s.peer.send(responseDeltaEvent(d))
		})
	} else {
		reply, err = s.deps.Responder.Respond(s.ctx, text)
	}
	if err != nil {
		s.log.Error().Err(err).Msg("completion failed")
		return s.cfg.FallbackText
	}
	return reply
}

func (s *pipelineSession) stop(graceful bool) {
	s.stream.Close()
	if !graceful {
		s.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainWait):
		s.log.Warn().Msg("session drain timed out")
		s.cancel()
		<-done
	}
	s.cancel()

	if s.recorder != nil {
		if err := s.recorder.Close(); err != nil {
			s.log.Warn().Err(err).Msg("recording close failed")
		} else {
			s.log.Info().Str("path", s.recorder.Path()).Int("samples", s.recorder.Samples()).Msg("recording saved")
		}
	}
}

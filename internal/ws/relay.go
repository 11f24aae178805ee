package ws

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/obiente/voicebridge/internal/config"
	"github.com/obiente/voicebridge/internal/realtime"
)

// realtimeSession relays audio to a hosted realtime voice connection and
// forwards its events back to the client unchanged.
type realtimeSession struct {
	cfg    config.Config
	peer   *peer
	log    zerolog.Logger
	client *realtime.Client

	ctx    context.Context
	cancel context.CancelFunc
	allow  map[string]bool // nil forwards everything
	wg     sync.WaitGroup

	audioOut atomic.Int64 // decoded bytes of response audio
}

func newRealtimeSession(parent context.Context, id string, cfg config.Config, deps Deps, p *peer, logger zerolog.Logger) (*realtimeSession, error) {
	if deps.DialRealtime == nil {
		return nil, errors.New("realtime dialer not configured")
	}
	ctx, cancel := context.WithCancel(parent)
	client, err := deps.DialRealtime(ctx)
	if err != nil {
		cancel()
		return nil, err
	}

	s := &realtimeSession{
		cfg:    cfg,
		peer:   p,
		log:    logger,
		client: client,
		ctx:    ctx,
		cancel: cancel,
	}
	if len(cfg.RealtimeForwardEvents) > 0 {
		s.allow = make(map[string]bool, len(cfg.RealtimeForwardEvents))
		for _, t := range cfg.RealtimeForwardEvents {
			s.allow[t] = true
		}
	}

	client.On("*", s.relay)
	client.On(realtime.EventInputTranscriptionCompleted, func(ev realtime.Event) {
		var t realtime.Transcript
		if ev.Decode(&t) == nil {
			s.log.Info().Str("heard", t.Transcript).Msg("realtime: input transcript")
		}
	})
	client.On(realtime.EventResponseAudioTranscriptDone, func(ev realtime.Event) {
		var t realtime.Transcript
		if ev.Decode(&t) == nil {
			s.log.Info().Str("said", t.Transcript).Msg("realtime: response transcript")
		}
	})
	client.OnTextDelta(func(d realtime.Delta) {
		s.log.Trace().Str("response", d.ResponseID).Str("delta", d.Delta).Msg("realtime: text delta")
	})
	client.OnAudioDelta(func(d realtime.Delta) {
		s.audioOut.Add(int64(base64.StdEncoding.DecodedLen(len(d.Delta))))
	})
	client.On(realtime.EventError, func(ev realtime.Event) {
		var e realtime.ErrorEvent
		if ev.Decode(&e) == nil {
			s.log.Error().Str("type", e.Error.Type).Str("code", e.Error.Code).Str("message", e.Error.Message).Msg("realtime: upstream error")
		}
	})

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := client.Run(ctx); err != nil {
			s.log.Warn().Err(err).Msg("realtime: upstream closed")
		}
		// Upstream is gone; end the client connection too unless we are the ones stopping.
		if ctx.Err() == nil {
			_ = p.send(errorEvent("realtime upstream closed"))
			p.close(websocket.CloseGoingAway, "upstream closed")
		}
	}()

	if err := client.UpdateSession(ctx, sessionFromConfig(cfg)); err != nil {
		s.stop(false)
		return nil, fmt.Errorf("session.update: %w", err)
	}
	logger.Info().Str("session", id).Str("model", cfg.RealtimeModel).Str("format", cfg.RealtimeAudioFormat).Msg("realtime: session configured")
	return s, nil
}

func sessionFromConfig(cfg config.Config) realtime.Session {
	s := realtime.Session{
		Modalities:        []string{"audio", "text"},
		Instructions:      cfg.RealtimeInstructions,
		Voice:             cfg.RealtimeVoice,
		InputAudioFormat:  cfg.RealtimeAudioFormat,
		OutputAudioFormat: cfg.RealtimeAudioFormat,
		TurnDetection: &realtime.TurnDetection{
			Type:              "server_vad",
			Threshold:         cfg.RealtimeVADThreshold,
			PrefixPaddingMs:   cfg.RealtimePrefixPaddingMs,
			SilenceDurationMs: cfg.RealtimeSilenceMs,
		},
	}
	if cfg.RealtimeTranscribeModel != "" {
		s.InputAudioTranscription = &realtime.Transcription{Model: cfg.RealtimeTranscribeModel}
	}
	return s
}

func (s *realtimeSession) relay(ev realtime.Event) {
	if s.allow != nil && !s.allow[ev.Type] {
		return
	}
	if err := s.peer.sendRaw(ev.Raw); err != nil && !errors.Is(err, errPeerClosed) {
		s.log.Warn().Err(err).Str("type", ev.Type).Msg("realtime: relay to client failed")
	}
}

func (s *realtimeSession) media(payload string) error {
	// The upstream takes base64 directly; only validate it.
	if _, err := base64.StdEncoding.DecodeString(payload); err != nil {
		return errBadPayload
	}
	return s.client.AppendAudio(s.ctx, payload)
}

func (s *realtimeSession) forward(raw []byte) error {
	return s.client.SendRaw(s.ctx, raw)
}

func (s *realtimeSession) stop(bool) {
	s.cancel()
	_ = s.client.Close()
	s.wg.Wait()
	s.log.Info().Int64("audio_out_bytes", s.audioOut.Load()).Msg("realtime: session ended")
}

package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/obiente/voicebridge/internal/config"
	"github.com/obiente/voicebridge/internal/llm"
	"github.com/obiente/voicebridge/internal/realtime"
	"github.com/obiente/voicebridge/internal/speech"
	"github.com/obiente/voicebridge/internal/translation"
)

const readWait = 60 * time.Second

// Deps are the external systems a session talks to.
type Deps struct {
	// NewRecognizer returns a recognizer for the session language (pipeline mode).
	NewRecognizer func(language string) (speech.Recognizer, error)
	// Responder answers final transcripts (pipeline mode).
	Responder llm.Responder
	// Translator optionally translates replies (pipeline mode).
	Translator *translation.Client
	// DialRealtime opens the hosted voice connection (realtime mode).
	DialRealtime func(ctx context.Context) (*realtime.Client, error)
}

type Server struct {
	cfg      config.Config
	deps     Deps
	upgrader websocket.Upgrader
}

// session is the per-connection bridge behind the read loop.
type session interface {
	// media handles one base64 payload from a media frame.
	media(payload string) error
	// forward handles a raw client event (realtime mode only).
	forward(raw []byte) error
	// stop ends the session. graceful lets in-flight work finish first.
	stop(graceful bool)
}

func NewServer(cfg config.Config, deps Deps) *Server {
	return &Server{
		cfg:  cfg,
		deps: deps,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  1024 * 16,
			WriteBufferSize: 1024 * 16,
		},
	}
}

func (s *Server) Handle(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	id := uuid.NewString()
	logger := log.With().Str("session", id).Str("mode", s.cfg.Mode).Logger()
	logger.Info().Str("remote", r.RemoteAddr).Msg("websocket connection established")
	defer logger.Info().Msg("websocket connection closed")

	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error { _ = conn.SetReadDeadline(time.Now().Add(readWait)); return nil })

	p := newPeer(conn)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sess session
	if s.cfg.Mode == config.ModeRealtime {
		rs, err := newRealtimeSession(ctx, id, s.cfg, s.deps, p, logger)
		if err != nil {
			logger.Error().Err(err).Msg("realtime upstream unavailable")
			_ = p.send(errorEvent("realtime upstream unavailable"))
			p.close(websocket.CloseTryAgainLater, "upstream unavailable")
			return
		}
		sess = rs
	} else {
		sess = newPipelineSession(ctx, id, s.cfg, s.deps, p, logger)
	}
	stopped := false
	defer func() {
		if !stopped {
			sess.stop(false)
		}
	}()

	for {
		mt, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				logger.Warn().Err(err).Msg("ws read error")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		if mt != websocket.TextMessage {
			continue
		}

		msg, err := parseInbound(data)
		if errors.Is(err, errEmptyEnvelope) {
			_ = p.send(errorEvent("unknown event"))
			continue
		}
		if err != nil {
			_ = p.send(errorEvent("invalid json"))
			continue
		}
		if msg.Event == "" {
			// Realtime client events are identified by "type".
			if s.cfg.Mode != config.ModeRealtime {
				_ = p.send(errorEvent("unknown event"))
				continue
			}
			if err := sess.forward(data); err != nil {
				logger.Warn().Err(err).Str("type", msg.Type).Msg("forward client event failed")
				_ = p.send(errorEvent("forward failed"))
			}
			continue
		}

		switch msg.Event {
		case "connected", "mark":
		case "ping":
			_ = p.send(map[string]any{"event": "pong", "ts": msg.Ts})
		case "start":
			sid := msg.StreamSid
			if msg.Start != nil && msg.Start.StreamSid != "" {
				sid = msg.Start.StreamSid
			}
			if ps, ok := sess.(*pipelineSession); ok {
				ps.setLanguage(msg.startLanguage())
			}
			logger.Info().Str("stream_sid", sid).Str("language", msg.startLanguage()).Msg("stream started")
			_ = p.send(map[string]any{"event": "started", "session_id": id, "streamSid": sid})
		case "media":
			if msg.Media == nil || msg.Media.Payload == "" {
				continue
			}
			if err := sess.media(msg.Media.Payload); err != nil {
				logger.Warn().Err(err).Msg("media frame rejected")
				_ = p.send(errorEvent(err.Error()))
			}
		case "stop":
			stopped = true
			sess.stop(true)
			_ = p.send(map[string]any{"event": "stopped"})
			p.close(websocket.CloseNormalClosure, "")
			return
		default:
			_ = p.send(errorEvent("unknown event"))
		}
	}
}

// Package realtime is a small client for the OpenAI Realtime API. It sends
// client events and dispatches server events to registered handlers; it does
// not interpret the conversation.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	DefaultURL   = "wss://api.openai.com/v1/realtime"
	writeTimeout = 10 * time.Second
)

type Config struct {
	URL         string
	Model       string
	APIKey      string
	DialTimeout time.Duration
}

// Handler receives one server event. Handlers run on the read loop and must not block.
type Handler func(Event)

type Client struct {
	conn *websocket.Conn

	wmu sync.Mutex

	hmu      sync.RWMutex
	handlers map[string][]Handler

	closeOnce sync.Once
}

// Dial opens a realtime connection for cfg.Model.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("realtime: api key is required")
	}
	base := cfg.URL
	if base == "" {
		base = DefaultURL
	}
	u, err := url.Parse(base)
	if err != nil {
		return nil, fmt.Errorf("realtime: parse url: %w", err)
	}
	if cfg.Model != "" {
		q := u.Query()
		q.Set("model", cfg.Model)
		u.RawQuery = q.Encode()
	}

	timeout := cfg.DialTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: timeout,
		ReadBufferSize:   1024 * 16,
		WriteBufferSize:  1024 * 16,
	}
	h := http.Header{}
	h.Set("Authorization", "Bearer "+cfg.APIKey)
	h.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := dialer.DialContext(ctx, u.String(), h)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime: dial %s: %w (http %d)", u.Host, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("realtime: dial %s: %w", u.Host, err)
	}
	log.Debug().Str("host", u.Host).Str("model", cfg.Model).Msg("realtime: connected")
	return &Client{conn: conn, handlers: make(map[string][]Handler)}, nil
}

// On registers h for events of type typ. The type "*" receives every event.
func (c *Client) On(typ string, h Handler) {
	c.hmu.Lock()
	defer c.hmu.Unlock()
	c.handlers[typ] = append(c.handlers[typ], h)
}

func (c *Client) dispatch(ev Event) {
	c.hmu.RLock()
	hs := append([]Handler(nil), c.handlers[ev.Type]...)
	hs = append(hs, c.handlers["*"]...)
	c.hmu.RUnlock()
	for _, h := range hs {
		h(ev)
	}
}

// Send JSON-encodes and writes one client event.
func (c *Client) Send(ctx context.Context, event any) error {
	b, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("realtime: encode event: %w", err)
	}
	return c.SendRaw(ctx, b)
}

// SendRaw writes an already encoded client event.
func (c *Client) SendRaw(ctx context.Context, b []byte) error {
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(deadline)
	if err := c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return fmt.Errorf("realtime: write: %w", err)
	}
	return nil
}

// Run reads server events until the connection closes or ctx is cancelled.
// A normal close or cancellation returns nil.
func (c *Client) Run(ctx context.Context) error {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = c.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("realtime: read: %w", err)
		}
		ev, err := ParseEvent(data)
		if err != nil {
			log.Warn().Err(err).Msg("realtime: dropping undecodable event")
			continue
		}
		c.dispatch(ev)
	}
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.wmu.Lock()
		_ = c.conn.SetWriteDeadline(time.Now().Add(time.Second))
		_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		c.wmu.Unlock()
		err = c.conn.Close()
	})
	return err
}

// UpdateSession sends session.update.
func (c *Client) UpdateSession(ctx context.Context, s Session) error {
	return c.Send(ctx, map[string]any{"type": "session.update", "session": s})
}

// AppendAudio sends input_audio_buffer.append with already base64-encoded audio.
func (c *Client) AppendAudio(ctx context.Context, b64 string) error {
	return c.Send(ctx, map[string]any{"type": "input_audio_buffer.append", "audio": b64})
}

// OnTextDelta registers h for text and audio-transcript deltas.
func (c *Client) OnTextDelta(h func(Delta)) {
	fn := func(ev Event) {
		var d Delta
		if err := ev.Decode(&d); err == nil {
			h(d)
		}
	}
	c.On(EventResponseTextDelta, fn)
	c.On(EventResponseAudioTranscriptDelta, fn)
}

// OnAudioDelta registers h for audio deltas. Delta.Delta is base64 audio.
func (c *Client) OnAudioDelta(h func(Delta)) {
	c.On(EventResponseAudioDelta, func(ev Event) {
		var d Delta
		if err := ev.Decode(&d); err == nil {
			h(d)
		}
	})
}

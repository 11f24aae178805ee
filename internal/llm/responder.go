// Package llm turns final transcripts into assistant replies.
package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"
)

// Responder produces a reply for one final transcript.
type Responder interface {
	Respond(ctx context.Context, transcript string) (string, error)
	// RespondStream calls onDelta for each piece of the reply as it arrives and
	// returns the full reply.
	RespondStream(ctx context.Context, transcript string, onDelta func(string)) (string, error)
}

const (
	StyleChat       = "chat"
	StyleCompletion = "completion"
)

type Options struct {
	APIKey       string
	BaseURL      string
	Style        string
	Model        string
	SystemPrompt string
	MaxTokens    int
	Temperature  float32
	Timeout      time.Duration
}

// OpenAI answers through the OpenAI completions or chat completions API.
type OpenAI struct {
	client *openai.Client
	opts   Options
}

func NewOpenAI(opts Options) *OpenAI {
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	if opts.Style == "" {
		opts.Style = StyleChat
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = 150
	}
	return &OpenAI{client: openai.NewClientWithConfig(cfg), opts: opts}
}

func (o *OpenAI) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.opts.Timeout > 0 {
		return context.WithTimeout(ctx, o.opts.Timeout)
	}
	return context.WithCancel(ctx)
}

func (o *OpenAI) messages(transcript string) []openai.ChatCompletionMessage {
	var msgs []openai.ChatCompletionMessage
	if o.opts.SystemPrompt != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: o.opts.SystemPrompt})
	}
	return append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: transcript})
}

func (o *OpenAI) Respond(ctx context.Context, transcript string) (string, error) {
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	if o.opts.Style == StyleCompletion {
		resp, err := o.client.CreateCompletion(ctx, openai.CompletionRequest{
			Model:       o.opts.Model,
			Prompt:      transcript,
			MaxTokens:   o.opts.MaxTokens,
			Temperature: o.opts.Temperature,
		})
		if err != nil {
			return "", fmt.Errorf("openai completion: %w", err)
		}
		if len(resp.Choices) == 0 {
			return "", errors.New("openai completion: no choices")
		}
		return strings.TrimSpace(resp.Choices[0].Text), nil
	}

	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.opts.Model,
		Messages:    o.messages(transcript),
		MaxTokens:   o.opts.MaxTokens,
		Temperature: o.opts.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("openai chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai chat completion: no choices")
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

func (o *OpenAI) RespondStream(ctx context.Context, transcript string, onDelta func(string)) (string, error) {
	if o.opts.Style == StyleCompletion {
		text, err := o.Respond(ctx, transcript)
		if err != nil {
			return "", err
		}
		if onDelta != nil && text != "" {
			onDelta(text)
		}
		return text, nil
	}

	ctx, cancel := o.withTimeout(ctx)
	defer cancel()

	stream, err := o.client.CreateChatCompletionStream(ctx, openai.ChatCompletionRequest{
		Model:       o.opts.Model,
		Messages:    o.messages(transcript),
		MaxTokens:   o.opts.MaxTokens,
		Temperature: o.opts.Temperature,
		Stream:      true,
	})
	if err != nil {
		return "", fmt.Errorf("openai chat stream: %w", err)
	}
	defer stream.Close()

	var sb strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("openai chat stream: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		sb.WriteString(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	}
	return strings.TrimSpace(sb.String()), nil
}

// fallback replaces any responder failure with a fixed reply.
type fallback struct {
	next Responder
	text string
}

// WithFallback logs errors from r and answers with text instead.
func WithFallback(r Responder, text string) Responder {
	return &fallback{next: r, text: text}
}

func (f *fallback) Respond(ctx context.Context, transcript string) (string, error) {
	out, err := f.next.Respond(ctx, transcript)
	if err != nil {
		log.Error().Err(err).Str("transcript", transcript).Msg("llm: error communicating with completion api")
		return f.text, nil
	}
	return out, nil
}

func (f *fallback) RespondStream(ctx context.Context, transcript string, onDelta func(string)) (string, error) {
	out, err := f.next.RespondStream(ctx, transcript, onDelta)
	if err != nil {
		log.Error().Err(err).Str("transcript", transcript).Msg("llm: error communicating with completion api")
		return f.text, nil
	}
	return out, nil
}

// Package speech adapts streaming speech-recognition backends to a common
// pull-from-source, push-results shape.
package speech

import (
	"context"
	"errors"
)

// ErrStreamExpired is returned when the backend closed the stream because it
// hit its maximum duration. The caller may open a new stream on the same source.
var ErrStreamExpired = errors.New("speech: recognition stream expired")

// ChunkSource yields concatenated audio blocks until io.EOF.
type ChunkSource interface {
	Next(ctx context.Context) ([]byte, error)
}

// Result is one recognition update.
type Result struct {
	Transcript string
	IsFinal    bool
	Stability  float32
	Confidence float32
	SpeakerTag int32
	Language   string
}

// Recognizer consumes audio from src and delivers results until src is
// exhausted, ctx is cancelled, or the backend fails. It does not close results.
type Recognizer interface {
	Name() string
	Recognize(ctx context.Context, src ChunkSource, results chan<- Result) error
}

func deliver(ctx context.Context, results chan<- Result, r Result) error {
	select {
	case results <- r:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

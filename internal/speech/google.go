package speech

import (
	"context"
	"errors"
	"fmt"
	"io"

	gspeech "cloud.google.com/go/speech/apiv1"
	"cloud.google.com/go/speech/apiv1/speechpb"
	"github.com/rs/zerolog/log"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// GoogleConfig holds the recognition settings sent as the first message of
// every stream.
type GoogleConfig struct {
	LanguageCode    string
	SampleRate      int
	Encoding        string // "linear16" or "mulaw"
	Diarization     bool
	InterimResults  bool
	Punctuation     bool
	Model           string
	CredentialsFile string
}

// StreamOpener opens one bidirectional recognition stream.
type StreamOpener func(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error)

// Google recognizes audio with Google Cloud Speech-to-Text streaming recognition.
type Google struct {
	cfg    GoogleConfig
	open   StreamOpener
	client *gspeech.Client
}

func NewGoogle(ctx context.Context, cfg GoogleConfig) (*Google, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := gspeech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create google speech client: %w", err)
	}
	g := NewGoogleWithOpener(cfg, func(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error) {
		return client.StreamingRecognize(ctx)
	})
	g.client = client
	return g, nil
}

// NewGoogleWithOpener builds a recognizer on top of an arbitrary stream opener.
func NewGoogleWithOpener(cfg GoogleConfig, open StreamOpener) *Google {
	return &Google{cfg: cfg, open: open}
}

// WithLanguage returns a recognizer for another language on the same client.
func (g *Google) WithLanguage(lang string) *Google {
	if lang == "" || lang == g.cfg.LanguageCode {
		return g
	}
	cfg := g.cfg
	cfg.LanguageCode = lang
	return &Google{cfg: cfg, open: g.open}
}

func (g *Google) Name() string { return "google" }

func (g *Google) Close() error {
	if g.client != nil {
		return g.client.Close()
	}
	return nil
}

// StreamingConfig builds the configuration request for a new stream.
func (g *Google) StreamingConfig() *speechpb.StreamingRecognitionConfig {
	enc := speechpb.RecognitionConfig_LINEAR16
	if g.cfg.Encoding == "mulaw" {
		enc = speechpb.RecognitionConfig_MULAW
	}
	rc := &speechpb.RecognitionConfig{
		Encoding:                   enc,
		SampleRateHertz:            int32(g.cfg.SampleRate),
		LanguageCode:               g.cfg.LanguageCode,
		EnableAutomaticPunctuation: g.cfg.Punctuation,
		Model:                      g.cfg.Model,
	}
	if g.cfg.Diarization {
		rc.DiarizationConfig = &speechpb.SpeakerDiarizationConfig{EnableSpeakerDiarization: true}
	}
	return &speechpb.StreamingRecognitionConfig{
		Config:         rc,
		InterimResults: g.cfg.InterimResults,
	}
}

func (g *Google) Recognize(ctx context.Context, src ChunkSource, results chan<- Result) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := g.open(ctx)
	if err != nil {
		return fmt.Errorf("open recognize stream: %w", err)
	}
	if err := stream.Send(&speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{StreamingConfig: g.StreamingConfig()},
	}); err != nil {
		return fmt.Errorf("send streaming config: %w", err)
	}

	pumpErr := make(chan error, 1)
	go func() { pumpErr <- g.pump(ctx, stream, src) }()

	recvErr := g.receive(ctx, stream, results)
	cancel()
	perr := <-pumpErr
	if recvErr != nil {
		return recvErr
	}
	if perr != nil && !errors.Is(perr, context.Canceled) {
		return perr
	}
	return nil
}

// pump forwards audio blocks from src until it is exhausted.
func (g *Google) pump(ctx context.Context, stream speechpb.Speech_StreamingRecognizeClient, src ChunkSource) error {
	for {
		block, err := src.Next(ctx)
		if err == io.EOF {
			return stream.CloseSend()
		}
		if err != nil {
			return err
		}
		err = stream.Send(&speechpb.StreamingRecognizeRequest{
			StreamingRequest: &speechpb.StreamingRecognizeRequest_AudioContent{AudioContent: block},
		})
		if err == io.EOF {
			// The server ended the stream; Recv reports why.
			return nil
		}
		if err != nil {
			return fmt.Errorf("send audio: %w", err)
		}
	}
}

func (g *Google) receive(ctx context.Context, stream speechpb.Speech_StreamingRecognizeClient, results chan<- Result) error {
	for {
		resp, err := stream.Recv()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			switch status.Code(err) {
			case codes.Canceled:
				if ctx.Err() != nil {
					return ctx.Err()
				}
			case codes.OutOfRange, codes.DeadlineExceeded:
				return ErrStreamExpired
			}
			return fmt.Errorf("receive: %w", err)
		}
		if st := resp.GetError(); st != nil {
			if codes.Code(st.GetCode()) == codes.OutOfRange {
				log.Info().Msg("speech: stream reached its duration limit")
				return ErrStreamExpired
			}
			return fmt.Errorf("recognize: %s", st.GetMessage())
		}
		r, ok := convertResponse(resp)
		if !ok {
			continue
		}
		if err := deliver(ctx, results, r); err != nil {
			return err
		}
	}
}

// convertResponse picks the first alternative of the first result.
func convertResponse(resp *speechpb.StreamingRecognizeResponse) (Result, bool) {
	if len(resp.GetResults()) == 0 {
		return Result{}, false
	}
	res := resp.GetResults()[0]
	if len(res.GetAlternatives()) == 0 {
		return Result{}, false
	}
	alt := res.GetAlternatives()[0]
	r := Result{
		Transcript: alt.GetTranscript(),
		IsFinal:    res.GetIsFinal(),
		Stability:  res.GetStability(),
		Confidence: alt.GetConfidence(),
		Language:   res.GetLanguageCode(),
	}
	if words := alt.GetWords(); len(words) > 0 {
		r.SpeakerTag = words[len(words)-1].GetSpeakerTag()
	}
	return r, true
}

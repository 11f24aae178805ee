package speech

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/speech/apiv1/speechpb"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/obiente/voicebridge/internal/audio"
)

type fakeStream struct {
	grpc.ClientStream

	mu         sync.Mutex
	sent       []*speechpb.StreamingRecognizeRequest
	responses  chan *speechpb.StreamingRecognizeResponse
	endErr     error
	closedSend chan struct{}
	closeOnce  sync.Once
}

func newFakeStream(responses ...*speechpb.StreamingRecognizeResponse) *fakeStream {
	ch := make(chan *speechpb.StreamingRecognizeResponse, len(responses))
	for _, r := range responses {
		ch <- r
	}
	close(ch)
	return &fakeStream{responses: ch, closedSend: make(chan struct{})}
}

func (f *fakeStream) Send(req *speechpb.StreamingRecognizeRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, req)
	return nil
}

func (f *fakeStream) Recv() (*speechpb.StreamingRecognizeResponse, error) {
	if r, ok := <-f.responses; ok {
		return r, nil
	}
	if f.endErr != nil {
		return nil, f.endErr
	}
	<-f.closedSend
	return nil, io.EOF
}

func (f *fakeStream) CloseSend() error {
	f.closeOnce.Do(func() { close(f.closedSend) })
	return nil
}

func (f *fakeStream) requests() []*speechpb.StreamingRecognizeRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*speechpb.StreamingRecognizeRequest(nil), f.sent...)
}

func response(text string, final bool) *speechpb.StreamingRecognizeResponse {
	return &speechpb.StreamingRecognizeResponse{
		Results: []*speechpb.StreamingRecognitionResult{{
			IsFinal: final,
			Alternatives: []*speechpb.SpeechRecognitionAlternative{{
				Transcript: text,
				Confidence: 0.9,
				Words:      []*speechpb.WordInfo{{Word: "x", SpeakerTag: 2}},
			}},
		}},
	}
}

func collect(t *testing.T, rec Recognizer, src ChunkSource) ([]Result, error) {
	t.Helper()
	results := make(chan Result, 16)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	err := rec.Recognize(ctx, src, results)
	close(results)
	var out []Result
	for r := range results {
		out = append(out, r)
	}
	return out, err
}

func TestGoogle_SendsConfigThenAudioAndConvertsResults(t *testing.T) {
	fs := newFakeStream(
		&speechpb.StreamingRecognizeResponse{},
		response("hel", false),
		&speechpb.StreamingRecognizeResponse{Results: []*speechpb.StreamingRecognitionResult{{}}},
		response("hello there", true),
	)
	g := NewGoogleWithOpener(GoogleConfig{
		LanguageCode:   "en-IN",
		SampleRate:     8000,
		Encoding:       "linear16",
		Diarization:    true,
		InterimResults: true,
	}, func(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error) { return fs, nil })

	src := audio.NewStream()
	src.Fill([]byte{1, 2})
	src.Fill([]byte{3, 4})
	src.Close()

	out, err := collect(t, g, src)
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("results=%+v", out)
	}
	if out[0].IsFinal || out[0].Transcript != "hel" {
		t.Fatalf("first=%+v", out[0])
	}
	if !out[1].IsFinal || out[1].Transcript != "hello there" || out[1].SpeakerTag != 2 {
		t.Fatalf("second=%+v", out[1])
	}

	reqs := fs.requests()
	if len(reqs) < 2 {
		t.Fatalf("requests=%d", len(reqs))
	}
	cfg := reqs[0].GetStreamingConfig()
	if cfg == nil {
		t.Fatalf("first request is not a config")
	}
	if cfg.GetConfig().GetSampleRateHertz() != 8000 || cfg.GetConfig().GetLanguageCode() != "en-IN" {
		t.Fatalf("config=%+v", cfg.GetConfig())
	}
	if !cfg.GetInterimResults() || !cfg.GetConfig().GetDiarizationConfig().GetEnableSpeakerDiarization() {
		t.Fatalf("expected interim results and diarization")
	}
	var audioBytes int
	for _, r := range reqs[1:] {
		audioBytes += len(r.GetAudioContent())
	}
	if audioBytes != 4 {
		t.Fatalf("audio bytes=%d", audioBytes)
	}
}

func TestGoogle_MulawEncoding(t *testing.T) {
	g := NewGoogleWithOpener(GoogleConfig{Encoding: "mulaw", SampleRate: 8000}, nil)
	if enc := g.StreamingConfig().GetConfig().GetEncoding(); enc != speechpb.RecognitionConfig_MULAW {
		t.Fatalf("encoding=%v", enc)
	}
}

func TestGoogle_WithLanguage(t *testing.T) {
	g := NewGoogleWithOpener(GoogleConfig{LanguageCode: "en-IN", SampleRate: 8000}, nil)
	if g.WithLanguage("") != g || g.WithLanguage("en-IN") != g {
		t.Fatalf("same language should reuse the recognizer")
	}
	hi := g.WithLanguage("hi-IN")
	if got := hi.StreamingConfig().GetConfig().GetLanguageCode(); got != "hi-IN" {
		t.Fatalf("language=%q", got)
	}
	if got := g.StreamingConfig().GetConfig().GetLanguageCode(); got != "en-IN" {
		t.Fatalf("original changed to %q", got)
	}
}

func TestGoogle_OutOfRangeIsExpiry(t *testing.T) {
	fs := newFakeStream()
	fs.endErr = status.Error(codes.OutOfRange, "exceeded maximum allowed stream duration")
	g := NewGoogleWithOpener(GoogleConfig{SampleRate: 8000}, func(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error) { return fs, nil })

	src := audio.NewStream()
	_, err := collect(t, g, src)
	if !errors.Is(err, ErrStreamExpired) {
		t.Fatalf("err=%v", err)
	}
}

func TestGoogle_OpenFailure(t *testing.T) {
	g := NewGoogleWithOpener(GoogleConfig{}, func(ctx context.Context) (speechpb.Speech_StreamingRecognizeClient, error) {
		return nil, errors.New("dial failed")
	})
	if _, err := collect(t, g, audio.NewStream()); err == nil {
		t.Fatalf("expected error")
	}
}

type scriptedEngine struct {
	texts   []string
	calls   int
	samples []int
	langs   []string
}

func (e *scriptedEngine) Transcribe(samples []float32, lang string) (string, string, error) {
	e.samples = append(e.samples, len(samples))
	e.langs = append(e.langs, lang)
	if e.calls >= len(e.texts) {
		return e.texts[len(e.texts)-1], "en", nil
	}
	t := e.texts[e.calls]
	e.calls++
	return t, "en", nil
}

func (e *scriptedEngine) Close() error { return nil }

func TestWhisper_FinalizesStableSentence(t *testing.T) {
	eng := &scriptedEngine{texts: []string{"hello", "hello there.", "hello there.", "next"}}
	w := NewWhisper(eng, 16000, "hi-IN")

	// one half-second block per Next so every block triggers a pass
	halfSecond := audio.Float32ToPCM16(make([]float32, 8000))
	src := &blockSource{blocks: [][]byte{halfSecond, halfSecond, halfSecond, halfSecond}}
	out, err := collect(t, w, src)
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if len(out) != 5 {
		t.Fatalf("results=%+v", out)
	}
	if out[0].IsFinal || out[1].IsFinal {
		t.Fatalf("early final: %+v", out[:2])
	}
	if !out[2].IsFinal || out[2].Transcript != "hello there." {
		t.Fatalf("expected final sentence, got %+v", out[2])
	}
	if out[3].IsFinal || out[3].Transcript != "next" {
		t.Fatalf("after reset: %+v", out[3])
	}
	if !out[4].IsFinal {
		t.Fatalf("expected flush final at EOF, got %+v", out[4])
	}
	for _, l := range eng.langs {
		if l != "hi-IN" {
			t.Fatalf("engine language=%q", l)
		}
	}
}

func TestWhisper_FinalizesCompletedPrefixDuringSpeech(t *testing.T) {
	eng := &scriptedEngine{texts: []string{"Hello there. How", "Hello there. How", "Hello there. How are"}}
	w := NewWhisper(eng, 16000, "")

	halfSecond := audio.Float32ToPCM16(make([]float32, 8000))
	src := &blockSource{blocks: [][]byte{halfSecond, halfSecond, halfSecond}}
	out, err := collect(t, w, src)
	if err != nil {
		t.Fatalf("recognize: %v", err)
	}
	want := []struct {
		text  string
		final bool
	}{
		{"Hello there. How", false},
		{"Hello there.", true},
		{"How are", false},
		{"How are", true},
	}
	if len(out) != len(want) {
		t.Fatalf("results=%+v", out)
	}
	for i, w := range want {
		if out[i].Transcript != w.text || out[i].IsFinal != w.final {
			t.Fatalf("result %d = %+v, want %q final=%v", i, out[i], w.text, w.final)
		}
	}
}

func TestWhisper_KeepsSamplesSplitMidFrame(t *testing.T) {
	eng := &scriptedEngine{texts: []string{"hi"}}
	w := NewWhisper(eng, 16000, "")

	second := audio.Float32ToPCM16(make([]float32, 16000))
	src := &blockSource{blocks: [][]byte{second[:16001], second[16001:]}}
	if _, err := collect(t, w, src); err != nil {
		t.Fatalf("recognize: %v", err)
	}
	if len(eng.samples) == 0 || eng.samples[len(eng.samples)-1] != 16000 {
		t.Fatalf("samples seen by engine=%v", eng.samples)
	}
}

type blockSource struct {
	blocks [][]byte
}

func (b *blockSource) Next(ctx context.Context) ([]byte, error) {
	if len(b.blocks) == 0 {
		return nil, io.EOF
	}
	next := b.blocks[0]
	b.blocks = b.blocks[1:]
	return next, nil
}

func TestCompletedSentences(t *testing.T) {
	for in, want := range map[string]string{
		"hi.":       "hi.",
		"hi? there": "hi?",
		"hi":        "",
		"":          "",
		"你好。再见":     "你好。",
		"a. b! c":   "a. b!",
	} {
		if got := completedSentences(in); got != want {
			t.Fatalf("completedSentences(%q)=%q want %q", in, got, want)
		}
	}
	if got := pendingText("Hello there. How", "Hello there."); got != "How" {
		t.Fatalf("pending=%q", got)
	}
	if got := pendingText("Hallo there. How", "Hello there."); got != "Hallo there. How" {
		t.Fatalf("rewritten prefix pending=%q", got)
	}
}

//go:build !whisper_cpp

package whisper

// Default stub (no cgo) so the project builds without the whisper_cpp tag.
type stubEngine struct{}

func NewEngine(opts Options) (Engine, error) { return &stubEngine{}, nil }

func (e *stubEngine) Transcribe(samples []float32, lang string) (string, string, error) {
	return "", "", nil
}

func (e *stubEngine) Close() error { return nil }

package audio

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	goaudio "github.com/go-audio/audio"
	"github.com/go-audio/wav"
)

// Recorder writes mono PCM16 audio to a WAV file as it arrives.
type Recorder struct {
	mu   sync.Mutex
	f    *os.File
	enc  *wav.Encoder
	rate int
	n    int
}

// NewRecorder creates dir if needed and opens <dir>/<name>.wav.
func NewRecorder(dir, name string, rate int) (*Recorder, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create record dir: %w", err)
	}
	f, err := os.Create(filepath.Join(dir, name+".wav"))
	if err != nil {
		return nil, fmt.Errorf("create recording: %w", err)
	}
	return &Recorder{
		f:    f,
		enc:  wav.NewEncoder(f, rate, 16, 1, 1),
		rate: rate,
	}, nil
}

// Write appends little-endian PCM16 bytes.
func (r *Recorder) Write(pcm []byte) error {
	if len(pcm)%2 != 0 {
		return errors.New("pcm16 length must be even")
	}
	data := make([]int, len(pcm)/2)
	for i := range data {
		data[i] = int(int16(binary.LittleEndian.Uint16(pcm[2*i:])))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enc == nil {
		return os.ErrClosed
	}
	buf := &goaudio.IntBuffer{
		Format:         &goaudio.Format{NumChannels: 1, SampleRate: r.rate},
		Data:           data,
		SourceBitDepth: 16,
	}
	if err := r.enc.Write(buf); err != nil {
		return err
	}
	r.n += len(data)
	return nil
}

// Samples returns the number of samples written so far.
func (r *Recorder) Samples() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

func (r *Recorder) Path() string { return r.f.Name() }

// Close finalizes the WAV header and closes the file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.enc == nil {
		return nil
	}
	err := r.enc.Close()
	r.enc = nil
	if cerr := r.f.Close(); err == nil {
		err = cerr
	}
	return err
}

package audio

import (
	"context"
	"io"
	"sync"
)

// Stream turns pushed audio chunks into a pull-based sequence of blocks.
// A single producer calls Fill, a single consumer calls Next. The queue is
// unbounded; Next returns everything queued so far as one block.
type Stream struct {
	mu     sync.Mutex
	queue  [][]byte
	closed bool
	ended  bool          // sentinel consumed
	ready  chan struct{} // signalled (non-blocking) whenever queue or closed changes
}

func NewStream() *Stream {
	return &Stream{ready: make(chan struct{}, 1)}
}

// Fill enqueues one chunk. It never blocks. Chunks filled after Close are dropped.
func (s *Stream) Fill(chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.queue = append(s.queue, chunk)
	s.mu.Unlock()
	s.signal()
}

// Close ends the stream. Data queued before Close is still delivered.
func (s *Stream) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.signal()
}

func (s *Stream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Stream) signal() {
	select {
	case s.ready <- struct{}{}:
	default:
	}
}

// Next blocks until at least one chunk is queued and returns the
// concatenation of all queued chunks. It returns io.EOF after Close once the
// queue is drained.
func (s *Stream) Next(ctx context.Context) ([]byte, error) {
	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			n := 0
			for _, c := range s.queue {
				n += len(c)
			}
			block := make([]byte, 0, n)
			for _, c := range s.queue {
				block = append(block, c...)
			}
			s.queue = nil
			s.mu.Unlock()
			return block, nil
		}
		if s.closed {
			s.ended = true
			s.mu.Unlock()
			return nil, io.EOF
		}
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.ready:
		}
	}
}

// Drained reports whether the consumer has seen io.EOF.
func (s *Stream) Drained() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

package buffer

import (
	"encoding/binary"
	"sync"
	"time"

	"github.com/songsense/songsense/pkg/audio"
)

// Stream is an append-only byte buffer for externally pushed 16-bit PCM,
// capped at a maximum duration. When an append would exceed the cap, the
// oldest bytes are dropped in place — the surviving bytes are shifted within
// the same backing array rather than copied to a fresh one, which bounds
// allocation under sustained overflow.
type Stream struct {
	mu         sync.Mutex
	data       []byte
	sampleRate int
	channels   int
	maxBytes   int
}

// NewStream creates a stream buffer holding at most max of audio in the
// given sample format.
func NewStream(sampleRate, channels int, max time.Duration) *Stream {
	s := &Stream{
		sampleRate: sampleRate,
		channels:   channels,
	}
	s.maxBytes = s.byteCount(max)
	return s
}

// Append adds raw PCM bytes, evicting the oldest bytes when the cap is
// exceeded. Appends larger than the cap keep only the trailing cap's worth.
func (s *Stream) Append(b []byte) {
	if len(b) == 0 {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(b) >= s.maxBytes {
		s.data = s.data[:0]
		s.data = append(s.data, b[len(b)-s.maxBytes:]...)
		return
	}

	overflow := len(s.data) + len(b) - s.maxBytes
	if overflow > 0 {
		// Shift the survivors to the front of the same backing array.
		n := copy(s.data, s.data[overflow:])
		s.data = s.data[:n]
	}
	s.data = append(s.data, b...)
}

// Peek returns the oldest d of buffered audio without removing it, or nil if
// less than d is buffered.
func (s *Stream) Peek(d time.Duration) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := s.byteCount(d)
	if want == 0 || len(s.data) < want {
		return nil
	}
	out := make([]byte, want)
	copy(out, s.data[:want])
	return out
}

// Consume removes and returns the oldest d of buffered audio, or nil if less
// than d is buffered.
func (s *Stream) Consume(d time.Duration) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	want := s.byteCount(d)
	if want == 0 || len(s.data) < want {
		return nil
	}
	out := make([]byte, want)
	copy(out, s.data[:want])

	n := copy(s.data, s.data[want:])
	s.data = s.data[:n]
	return out
}

// Clear drops all buffered audio.
func (s *Stream) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data = s.data[:0]
}

// Duration returns the total buffered audio length.
func (s *Stream) Duration() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	bytesPerSecond := s.sampleRate * s.channels * 2
	if bytesPerSecond == 0 {
		return 0
	}
	return time.Duration(float64(len(s.data)) / float64(bytesPerSecond) * float64(time.Second))
}

// Level returns an RMS estimate over the most recent samples, for metering.
func (s *Stream) Level() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.data) / 2
	if n == 0 {
		return 0
	}
	if n > levelWindow {
		n = levelWindow
	}
	tail := s.data[len(s.data)-n*2:]
	samples := make([]int16, n)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(tail[i*2:]))
	}
	return audio.RMSLevel(samples, n)
}

// Format returns the stream's sample rate and channel count.
func (s *Stream) Format() (sampleRate, channels int) {
	return s.sampleRate, s.channels
}

// byteCount converts a duration to a byte count in the stream's format.
func (s *Stream) byteCount(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	frames := int(d.Seconds() * float64(s.sampleRate))
	return frames * s.channels * 2
}

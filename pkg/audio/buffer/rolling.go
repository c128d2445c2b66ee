// Package buffer provides the two bounded audio accumulators used by the
// recognition engine: [Rolling] collects captured chunks across cycles so a
// recognizer can be given a longer sample, and [Stream] collects raw PCM
// pushed from an external source (e.g. a browser client) with oldest-data
// eviction.
//
// Both types serialize all mutation through a single mutex per instance and
// never block a reader: when less audio than requested is buffered, reads
// return nil instead of waiting.
package buffer

import (
	"sync"
	"time"

	"github.com/songsense/songsense/pkg/audio"
)

// levelWindow is the number of trailing samples the RMS level estimate is
// computed over. Small enough to stay cheap on every metering poll.
const levelWindow = 1024

// Rolling accumulates captured chunks up to a maximum window. Older chunks
// are evicted as new ones arrive. The engine clears it on song change,
// silence, or a low-confidence match, so stale audio never pollutes a
// lengthened sample.
//
// All chunks are expected to share the format of the first appended chunk;
// appends with a different format are dropped with no effect.
type Rolling struct {
	mu         sync.Mutex
	chunks     []*audio.Chunk
	window     time.Duration
	sampleRate int
	channels   int
}

// NewRolling creates a rolling buffer that retains at most window of audio.
func NewRolling(window time.Duration) *Rolling {
	return &Rolling{window: window}
}

// Append adds a chunk and evicts the oldest chunks that exceed the window.
// The first appended chunk fixes the buffer's sample format.
func (r *Rolling) Append(c *audio.Chunk) {
	if c == nil || len(c.Samples) == 0 {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sampleRate == 0 {
		r.sampleRate = c.SampleRate
		r.channels = c.Channels
	} else if c.SampleRate != r.sampleRate || c.Channels != r.channels {
		return
	}

	r.chunks = append(r.chunks, c)

	total := r.totalLocked()
	for len(r.chunks) > 1 && total > r.window {
		total -= r.chunks[0].Duration
		r.chunks = r.chunks[1:]
	}
}

// Peek returns the most recent d of buffered samples without removing them,
// or nil if less than d is buffered.
func (r *Rolling) Peek(d time.Duration) []int16 {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := r.sampleCountLocked(d)
	if want == 0 {
		return nil
	}
	all := r.flattenLocked()
	if len(all) < want {
		return nil
	}
	out := make([]int16, want)
	copy(out, all[len(all)-want:])
	return out
}

// Consume removes and returns the oldest d of buffered samples, or nil if
// less than d is buffered.
func (r *Rolling) Consume(d time.Duration) []int16 {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := r.sampleCountLocked(d)
	if want == 0 {
		return nil
	}
	all := r.flattenLocked()
	if len(all) < want {
		return nil
	}

	out := make([]int16, want)
	copy(out, all[:want])

	// Rebuild the chunk list from the remainder as a single synthetic chunk.
	rest := all[want:]
	r.chunks = r.chunks[:0]
	if len(rest) > 0 {
		remainder := make([]int16, len(rest))
		copy(remainder, rest)
		r.chunks = append(r.chunks, audio.NewChunk(remainder, r.sampleRate, r.channels, 0, time.Now()))
	}
	return out
}

// Clear drops all buffered audio. The sample format is retained.
func (r *Rolling) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.chunks = nil
}

// Duration returns the total buffered audio length.
func (r *Rolling) Duration() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalLocked()
}

// Level returns an RMS estimate over the most recent samples, for metering.
func (r *Rolling) Level() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.chunks) == 0 {
		return 0
	}
	last := r.chunks[len(r.chunks)-1]
	return audio.RMSLevel(last.Samples, levelWindow)
}

// totalLocked sums chunk durations. Must be called with r.mu held.
func (r *Rolling) totalLocked() time.Duration {
	var total time.Duration
	for _, c := range r.chunks {
		total += c.Duration
	}
	return total
}

// sampleCountLocked converts a duration to an interleaved sample count.
// Must be called with r.mu held.
func (r *Rolling) sampleCountLocked(d time.Duration) int {
	if r.sampleRate == 0 || d <= 0 {
		return 0
	}
	frames := int(d.Seconds() * float64(r.sampleRate))
	return frames * r.channels
}

// flattenLocked concatenates all chunk samples. Must be called with r.mu held.
func (r *Rolling) flattenLocked() []int16 {
	var n int
	for _, c := range r.chunks {
		n += len(c.Samples)
	}
	all := make([]int16, 0, n)
	for _, c := range r.chunks {
		all = append(all, c.Samples...)
	}
	return all
}

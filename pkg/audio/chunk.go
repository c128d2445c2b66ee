// Package audio holds the PCM sample types shared by the capture layer and
// the recognition providers: interleaved 16-bit chunks, format conversion,
// and WAV encoding.
package audio

import (
	"math"
	"time"
)

// Chunk is a block of interleaved 16-bit PCM samples captured from the
// loopback device. Chunks are immutable once handed off the capture
// goroutine.
type Chunk struct {
	// Samples are interleaved across Channels.
	Samples []int16

	SampleRate int
	Channels   int

	// Duration is the playback length of Samples, derived from the format.
	Duration time.Duration

	// Seq is the capture sequence number, monotonic per capture session.
	Seq int

	// CapturedAt is the instant recording of this chunk began, i.e. the
	// wall-clock time of the first sample. Position extrapolation is
	// anchored here: a provider's offset describes the clip start, so
	// offset + (now - CapturedAt) is the live position.
	CapturedAt time.Time
}

// NewChunk builds a Chunk and derives its duration from the sample count
// and format.
func NewChunk(samples []int16, sampleRate, channels, seq int, capturedAt time.Time) *Chunk {
	c := &Chunk{
		Samples:    samples,
		SampleRate: sampleRate,
		Channels:   channels,
		Seq:        seq,
		CapturedAt: capturedAt,
	}
	if sampleRate > 0 && channels > 0 {
		frames := len(samples) / channels
		c.Duration = time.Duration(frames) * time.Second / time.Duration(sampleRate)
	}
	return c
}

// MaxAmplitude returns the peak absolute amplitude normalized to [0, 1].
func (c *Chunk) MaxAmplitude() float64 {
	var peak int32
	for _, s := range c.Samples {
		v := int32(s)
		if v < 0 {
			v = -v
		}
		if v > peak {
			peak = v
		}
	}
	return float64(peak) / math.MaxInt16
}

// IsSilent reports whether the chunk's peak amplitude is below threshold
// (normalized, [0, 1]). Silent chunks are not worth a recognition request.
func (c *Chunk) IsSilent(threshold float64) bool {
	return c.MaxAmplitude() < threshold
}

// RMSLevel returns the root-mean-square level of the most recent n samples,
// normalized to [0, 1]. Used for the live level meter.
func RMSLevel(samples []int16, n int) float64 {
	if len(samples) == 0 || n <= 0 {
		return 0
	}
	if n > len(samples) {
		n = len(samples)
	}
	tail := samples[len(samples)-n:]

	var sum float64
	for _, s := range tail {
		v := float64(s)
		sum += v * v
	}
	return math.Sqrt(sum/float64(len(tail))) / math.MaxInt16
}

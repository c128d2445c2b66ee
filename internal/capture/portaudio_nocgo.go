//go:build !cgo

package capture

import (
	"context"
	"time"

	"github.com/songsense/songsense/pkg/audio"
)

// Compile-time interface assertion.
var _ Backend = (*PortAudioBackend)(nil)

// PortAudioBackend records through the PortAudio host API. The PortAudio
// binding requires cgo; in builds without it this stub stands in so the
// constructor can fail cleanly and callers fall back to [NullBackend].
type PortAudioBackend struct{}

// NewPortAudioBackend always fails in builds without cgo.
func NewPortAudioBackend() (*PortAudioBackend, error) {
	return nil, ErrUnavailable
}

// Name implements Backend.
func (b *PortAudioBackend) Name() string { return "portaudio" }

// Devices implements Backend.
func (b *PortAudioBackend) Devices() ([]Device, error) {
	return nil, ErrUnavailable
}

// Record implements Backend.
func (b *PortAudioBackend) Record(ctx context.Context, dev Device, duration time.Duration) (*audio.Chunk, error) {
	return nil, ErrUnavailable
}

// Close implements Backend.
func (b *PortAudioBackend) Close() error { return nil }

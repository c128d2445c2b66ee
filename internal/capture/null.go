package capture

import (
	"context"
	"time"

	"github.com/songsense/songsense/pkg/audio"
)

// Compile-time interface assertion.
var _ Backend = (*NullBackend)(nil)

// NullBackend is the stand-in when the audio host cannot be initialized.
// It exposes no devices and refuses to record, which lets the rest of the
// system start up and report a clear health state instead of crashing.
type NullBackend struct{}

// NewNullBackend creates the no-op backend.
func NewNullBackend() *NullBackend { return &NullBackend{} }

// Name implements Backend.
func (b *NullBackend) Name() string { return "null" }

// Devices implements Backend. The null backend has no devices.
func (b *NullBackend) Devices() ([]Device, error) { return nil, nil }

// Record implements Backend. It always fails with [ErrUnavailable].
func (b *NullBackend) Record(context.Context, Device, time.Duration) (*audio.Chunk, error) {
	return nil, ErrUnavailable
}

// Close implements Backend.
func (b *NullBackend) Close() error { return nil }

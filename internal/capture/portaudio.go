//go:build cgo

package capture

import (
	"context"
	"fmt"
	"time"

	"github.com/gordonklaus/portaudio"

	"github.com/songsense/songsense/pkg/audio"
)

// framesPerBuffer is the PortAudio callback granularity. 1024 frames at
// 44.1 kHz is ~23ms, small enough to keep Abort responsive.
const framesPerBuffer = 1024

// Compile-time interface assertion.
var _ Backend = (*PortAudioBackend)(nil)

// PortAudioBackend records through the PortAudio host API.
type PortAudioBackend struct{}

// NewPortAudioBackend initializes PortAudio. The caller must Close the
// backend to release the host.
func NewPortAudioBackend() (*PortAudioBackend, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, fmt.Errorf("capture: initialize portaudio: %w", err)
	}
	return &PortAudioBackend{}, nil
}

// Name implements Backend.
func (b *PortAudioBackend) Name() string { return "portaudio" }

// Devices implements Backend. Only devices with input channels are listed.
func (b *PortAudioBackend) Devices() ([]Device, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio devices: %w", err)
	}

	var out []Device
	for i, info := range infos {
		if info.MaxInputChannels == 0 {
			continue
		}
		channels := info.MaxInputChannels
		if channels > 2 {
			channels = 2
		}
		out = append(out, Device{
			ID:         i,
			Name:       info.Name,
			Channels:   channels,
			SampleRate: int(info.DefaultSampleRate),
		})
	}
	return out, nil
}

// Record implements Backend. It opens a stream on dev, reads buffers until
// duration worth of frames has accumulated, and returns them as one chunk.
func (b *PortAudioBackend) Record(ctx context.Context, dev Device, duration time.Duration) (*audio.Chunk, error) {
	infos, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("portaudio devices: %w", err)
	}
	if dev.ID < 0 || dev.ID >= len(infos) {
		return nil, ErrDeviceNotFound
	}
	info := infos[dev.ID]

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   info,
			Channels: dev.Channels,
			Latency:  info.DefaultLowInputLatency,
		},
		SampleRate:      float64(dev.SampleRate),
		FramesPerBuffer: framesPerBuffer,
	}

	buf := make([]int16, framesPerBuffer*dev.Channels)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("portaudio open stream: %w", err)
	}
	defer stream.Close()

	if err := stream.Start(); err != nil {
		return nil, fmt.Errorf("portaudio start stream: %w", err)
	}
	defer stream.Stop()

	// Position math extrapolates from the first sample, so the chunk must
	// be stamped before any audio accumulates, not when the read loop ends.
	start := time.Now()

	wantFrames := int(float64(dev.SampleRate) * duration.Seconds())
	samples := make([]int16, 0, wantFrames*dev.Channels)

	for len(samples) < wantFrames*dev.Channels {
		if err := ctx.Err(); err != nil {
			return nil, context.Canceled
		}
		if err := stream.Read(); err != nil {
			return nil, fmt.Errorf("portaudio read: %w", err)
		}
		samples = append(samples, buf...)
	}
	samples = samples[:wantFrames*dev.Channels]

	return audio.NewChunk(samples, dev.SampleRate, dev.Channels, 0, start), nil
}

// Close implements Backend.
func (b *PortAudioBackend) Close() error {
	return portaudio.Terminate()
}

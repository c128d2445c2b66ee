// Package capture finds the system loopback device and records fixed-length
// PCM chunks from it.
//
// The audio host is abstracted behind [Backend] so the engine and tests can
// run without a sound card: the portaudio backend does real capture, the
// null backend reports no devices and keeps the rest of the system alive
// when audio is unavailable.
package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/songsense/songsense/pkg/audio"
)

// Capture errors.
var (
	// ErrDeviceNotFound indicates no input device matched the configured
	// name, id, or any known loopback pattern.
	ErrDeviceNotFound = errors.New("capture: no loopback device found")

	// ErrAborted indicates an in-flight capture was cancelled via Abort or
	// context cancellation.
	ErrAborted = errors.New("capture: aborted")

	// ErrUnavailable indicates the audio host cannot capture at all (no
	// backend, or the null backend is active).
	ErrUnavailable = errors.New("capture: audio capture unavailable")
)

// loopbackPatterns are case-insensitive substrings that identify loopback
// or monitor devices, most specific first. The first pattern with a match
// wins; within a pattern, the first device wins.
var loopbackPatterns = []string{
	"blackhole 2ch",
	"blackhole",
	"loopback",
	"monitor of",
	"stereo mix",
	"virtual cable",
	"voicemeeter",
	"soundflower",
}

// Device describes one input device of a backend.
type Device struct {
	ID         int
	Name       string
	Channels   int
	SampleRate int
}

// Backend is the audio-host capability the manager drives. Implementations
// must be safe for use from the manager's capture goroutine.
type Backend interface {
	// Name identifies the backend ("portaudio", "null").
	Name() string

	// Devices lists the currently visible input devices.
	Devices() ([]Device, error)

	// Record captures duration worth of audio from dev. It honours ctx
	// cancellation by returning [ErrAborted] promptly.
	Record(ctx context.Context, dev Device, duration time.Duration) (*audio.Chunk, error)

	// Close releases the audio host.
	Close() error
}

// Config selects the capture device. Explicit Name beats explicit ID beats
// pattern scanning.
type Config struct {
	// DeviceName, when non-empty, is matched case-insensitively as a
	// substring against device names.
	DeviceName string

	// DeviceID, when >= 0, selects a device by backend id. Default -1.
	DeviceID int
}

// Manager resolves the capture device and serializes recordings on it.
// Safe for concurrent use; only one capture runs at a time.
type Manager struct {
	backend Backend
	cfg     Config

	mu       sync.Mutex
	resolved *Device
	abort    context.CancelFunc
	seq      int
}

// NewManager creates a Manager over backend.
func NewManager(backend Backend, cfg Config) *Manager {
	return &Manager{backend: backend, cfg: cfg}
}

// Backend returns the underlying audio backend.
func (m *Manager) Backend() Backend { return m.backend }

// Resolve returns the capture device, consulting the backend only when no
// cached resolution exists. Resolution order: configured name, configured
// id, then the loopback pattern list.
func (m *Manager) Resolve() (*Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.resolveLocked()
}

func (m *Manager) resolveLocked() (*Device, error) {
	if m.resolved != nil {
		return m.resolved, nil
	}
	if m.backend == nil {
		return nil, ErrUnavailable
	}

	devices, err := m.backend.Devices()
	if err != nil {
		return nil, fmt.Errorf("capture: list devices: %w", err)
	}

	dev := selectDevice(devices, m.cfg)
	if dev == nil {
		return nil, ErrDeviceNotFound
	}

	m.resolved = dev
	slog.Info("capture device resolved",
		"backend", m.backend.Name(),
		"device", dev.Name,
		"id", dev.ID,
		"channels", dev.Channels,
		"sample_rate", dev.SampleRate,
	)
	return dev, nil
}

// selectDevice applies the resolution priority to the device list.
func selectDevice(devices []Device, cfg Config) *Device {
	if cfg.DeviceName != "" {
		want := strings.ToLower(cfg.DeviceName)
		for i := range devices {
			if strings.Contains(strings.ToLower(devices[i].Name), want) {
				return &devices[i]
			}
		}
		return nil
	}
	if cfg.DeviceID >= 0 {
		for i := range devices {
			if devices[i].ID == cfg.DeviceID {
				return &devices[i]
			}
		}
		return nil
	}
	for _, pattern := range loopbackPatterns {
		for i := range devices {
			if strings.Contains(strings.ToLower(devices[i].Name), pattern) {
				return &devices[i]
			}
		}
	}
	return nil
}

// Invalidate drops the cached device resolution. The next capture rescans,
// picking up hotplugged or renamed devices.
func (m *Manager) Invalidate() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolved = nil
}

// SetConfig replaces the device selection and drops the cached resolution,
// so a config reload takes effect on the next capture.
func (m *Manager) SetConfig(cfg Config) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg = cfg
	m.resolved = nil
}

// Capture records duration worth of audio from the resolved device. The
// recording runs on a dedicated goroutine; Abort cancels it promptly with
// [ErrAborted]. Captures are serialized, concurrent callers queue.
func (m *Manager) Capture(duration time.Duration) (*audio.Chunk, error) {
	m.mu.Lock()
	dev, err := m.resolveLocked()
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.abort = cancel
	m.seq++
	seq := m.seq
	backend := m.backend
	m.mu.Unlock()

	defer func() {
		cancel()
		m.mu.Lock()
		if m.abort != nil {
			m.abort = nil
		}
		m.mu.Unlock()
	}()

	type outcome struct {
		chunk *audio.Chunk
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		chunk, err := backend.Record(ctx, *dev, duration)
		done <- outcome{chunk, err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if errors.Is(out.err, context.Canceled) {
				return nil, ErrAborted
			}
			// Device may have vanished; rescan next time.
			m.Invalidate()
			return nil, fmt.Errorf("capture: record: %w", out.err)
		}
		out.chunk.Seq = seq
		return out.chunk, nil
	case <-ctx.Done():
		// Abort was called. The backend goroutine unwinds on its own.
		<-done
		return nil, ErrAborted
	}
}

// Abort cancels the in-flight capture, if any. Safe to call at any time.
func (m *Manager) Abort() {
	m.mu.Lock()
	abort := m.abort
	m.mu.Unlock()
	if abort != nil {
		abort()
	}
}

// Close releases the backend.
func (m *Manager) Close() error {
	if m.backend == nil {
		return nil
	}
	return m.backend.Close()
}

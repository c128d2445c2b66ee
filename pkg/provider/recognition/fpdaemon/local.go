package fpdaemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/songsense/songsense/pkg/audio"
	"github.com/songsense/songsense/pkg/provider/recognition"
)

// Compile-time interface assertion.
var _ recognition.Provider = (*Provider)(nil)

// daemonSampleRate is the sample format the daemon fingerprints at: mono
// 16 kHz 16-bit PCM. Chunks in any other format are downmixed first.
const daemonSampleRate = 16000

// defaultConfidenceFloor is the confidence below which a local match is
// logged as dubious. Sub-floor matches are still accepted — the local index
// only contains the user's own library, so even weak matches carry signal.
const defaultConfidenceFloor = 0.3

// Querier is the slice of [Client] the local provider needs. It is an
// interface so tests can substitute a scripted daemon.
type Querier interface {
	Query(ctx context.Context, path string, duration float64) (*Response, error)
}

// ProviderOption configures a [Provider].
type ProviderOption func(*Provider)

// WithConfidenceFloor sets the confidence below which matches are logged as
// dubious. They are never rejected; see the package documentation.
func WithConfidenceFloor(floor float64) ProviderOption {
	return func(p *Provider) { p.confidenceFloor = floor }
}

// WithTempDir sets the directory for transient clip files. Defaults to the
// system temp directory.
func WithTempDir(dir string) ProviderOption {
	return func(p *Provider) { p.tmpDir = dir }
}

// Provider adapts the fingerprint daemon into a recognition.Provider: it
// converts a captured chunk to the daemon's sample format, writes it to a
// transient WAV file, and issues a query command.
type Provider struct {
	client          Querier
	confidenceFloor float64
	tmpDir          string
}

// NewProvider creates the local recognizer backed by client.
func NewProvider(client Querier, opts ...ProviderOption) *Provider {
	p := &Provider{
		client:          client,
		confidenceFloor: defaultConfidenceFloor,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements recognition.Provider.
func (p *Provider) Name() string { return string(recognition.SourceLocal) }

// Available reports whether a daemon client is wired in.
func (p *Provider) Available() bool { return p.client != nil }

// Recognize implements recognition.Provider. Any daemon failure is returned
// as an error so the engine falls through to the cloud providers.
func (p *Provider) Recognize(ctx context.Context, chunk *audio.Chunk) (*recognition.Result, error) {
	mono := audio.Downmix(chunk, daemonSampleRate)
	if len(mono) == 0 {
		return nil, recognition.ErrNoMatch
	}

	f, err := os.CreateTemp(p.tmpDir, "songsense-clip-*.wav")
	if err != nil {
		return nil, fmt.Errorf("fpdaemon: temp file: %w", err)
	}
	defer os.Remove(f.Name())

	if err := audio.EncodeWAV(f, mono, daemonSampleRate, 1); err != nil {
		f.Close()
		return nil, fmt.Errorf("fpdaemon: write clip: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("fpdaemon: close clip: %w", err)
	}

	resp, err := p.client.Query(ctx, f.Name(), chunk.Duration.Seconds())
	if err != nil {
		return nil, fmt.Errorf("fpdaemon: query: %w", err)
	}
	if resp.Error != "" {
		return nil, fmt.Errorf("fpdaemon: daemon error: %s", resp.Error)
	}
	if !resp.Matched {
		return nil, recognition.ErrNoMatch
	}

	confidence := resp.Confidence
	if confidence < 0 {
		confidence = 0
	} else if confidence > 1 {
		confidence = 1
	}
	if confidence < p.confidenceFloor {
		// Accepted anyway; the floor is informational for local matches.
		slog.Info("local match below confidence floor, keeping",
			"title", resp.Title,
			"artist", resp.Artist,
			"confidence", confidence,
			"floor", p.confidenceFloor,
		)
	}

	return &recognition.Result{
		Title:          resp.Title,
		Artist:         resp.Artist,
		Album:          resp.Album,
		Offset:         resp.Offset,
		CapturedAt:     chunk.CapturedAt,
		RecognizedAt:   time.Now(),
		Confidence:     confidence,
		TrackID:        resp.SongID,
		Source:         recognition.SourceLocal,
		SampleDuration: chunk.Duration.Seconds(),
	}, nil
}

// Package recognition defines the Provider interface for song-recognition
// backends and the Result type they all produce.
//
// A recognition provider takes a captured audio clip and answers "which track
// is this, and how far into the track was the clip taken from". Songsense
// ships three implementations, tried in priority order by the engine:
//
//   - recognition/fpdaemon — a local fingerprint daemon kept resident in
//     memory for sub-100ms matches against a private index.
//   - recognition/audd — the primary cloud service, always available.
//   - recognition/acrcloud — the secondary cloud service, gated by a daily
//     quota and a cooldown because requests are metered.
//
// Implementations must be safe for concurrent use, although the engine only
// ever has one recognition in flight at a time.
package recognition

import (
	"context"

	"github.com/songsense/songsense/pkg/audio"
)

// Provider is the abstraction over any song-recognition backend.
type Provider interface {
	// Name returns the short provider label used in logs and metrics
	// ("local", "primary_cloud", "secondary_cloud").
	Name() string

	// Available reports whether the provider can currently accept a request.
	// Unavailable providers are skipped without counting as a failure —
	// e.g. the secondary cloud provider with no credentials configured, or
	// one whose quota is exhausted.
	Available() bool

	// Recognize identifies the song in chunk. It returns [ErrNoMatch] when
	// the provider ran successfully but found nothing; any other error is a
	// provider failure. Both cases make the engine fall through to the next
	// provider in priority order.
	//
	// The chunk is read-only; implementations must not retain it after
	// returning.
	Recognize(ctx context.Context, chunk *audio.Chunk) (*Result, error)
}

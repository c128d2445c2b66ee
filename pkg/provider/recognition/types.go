package recognition

import (
	"errors"
	"strings"
	"time"
)

// ErrNoMatch is the normal negative result: the provider ran successfully
// but the clip matched nothing in its index. It feeds the engine's failure
// counter and is never treated as a provider malfunction.
var ErrNoMatch = errors.New("recognition: no match")

// Source identifies which tier of the recognition pipeline produced a result.
type Source string

const (
	SourceLocal     Source = "local"
	SourcePrimary   Source = "primary_cloud"
	SourceSecondary Source = "secondary_cloud"
)

// Result is one successful song identification.
//
// Offset describes the position within the track at the instant the clip's
// capture STARTED, not when the result arrived. The engine adds the elapsed
// wall-clock time since CapturedAt to produce a live position, so the
// invariant RecognizedAt >= CapturedAt must hold.
type Result struct {
	// Title and Artist are always present on a match.
	Title  string
	Artist string

	// Optional catalogue metadata.
	Album  string
	Genre  string
	ISRC   string
	Lyrics string

	// Offset is the position within the track, in seconds, at capture start.
	Offset float64

	// CapturedAt is copied from the recognized chunk.
	CapturedAt time.Time

	// RecognizedAt is the wall-clock time the result arrived.
	RecognizedAt time.Time

	// Confidence is the provider's match confidence in [0, 1]. Providers
	// that report no confidence set 1.
	Confidence float64

	// TimeSkew and FrequencySkew describe playback-speed and pitch deviation
	// of the captured audio relative to the reference recording, when the
	// provider reports them.
	TimeSkew      float64
	FrequencySkew float64

	// TrackID is the provider's opaque track identifier, when available.
	TrackID string

	// URLs maps external service names ("spotify", "apple_music", …) to
	// track pages, for enrichment.
	URLs map[string]string

	// Source tags the provider tier that produced this result.
	Source Source

	// SampleDuration is the length in seconds of the audio clip the provider
	// actually analysed. Needed by providers that report the match position
	// at the end of the sample rather than its start.
	SampleDuration float64
}

// SameSong reports whether two results denote the same song: matching
// non-empty track identifiers win; otherwise artist and title are compared
// case-insensitively. Either argument being nil means no match.
func SameSong(a, b *Result) bool {
	if a == nil || b == nil {
		return false
	}
	if a.TrackID != "" && b.TrackID != "" {
		return a.TrackID == b.TrackID
	}
	return strings.EqualFold(a.Artist, b.Artist) && strings.EqualFold(a.Title, b.Title)
}

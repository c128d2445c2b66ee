// Package audd implements the primary cloud recognition provider against
// the AudD music recognition HTTP API.
//
// Each call uploads the captured clip as a multipart WAV file and parses
// the match record into a [recognition.Result], including the enrichment
// fields (ISRC, genre, external URLs) that the engine hands to its
// enrichment callback. AudD has no meaningful per-request quota at this
// system's call rate, so the provider applies no local rate limiting; the
// engine's silence gate keeps wasted uploads out.
//
// Usage:
//
//	p := audd.New(apiToken,
//	    audd.WithTimeout(10*time.Second),
//	)
//	res, err := p.Recognize(ctx, chunk)
package audd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/songsense/songsense/pkg/audio"
	"github.com/songsense/songsense/pkg/provider/recognition"
)

const (
	defaultEndpoint = "https://api.audd.io/"
	defaultTimeout  = 15 * time.Second

	// returnFields asks AudD to embed the streaming-catalogue records that
	// carry ISRC, genre, lyrics and track URLs.
	returnFields = "apple_music,spotify,lyrics"
)

// Compile-time assertion that Provider implements recognition.Provider.
var _ recognition.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithEndpoint overrides the API endpoint. Used by tests and self-hosted
// proxies.
func WithEndpoint(url string) Option {
	return func(p *Provider) { p.endpoint = url }
}

// WithTimeout sets the per-request HTTP timeout. Defaults to 15s.
func WithTimeout(d time.Duration) Option {
	return func(p *Provider) { p.httpClient.Timeout = d }
}

// WithHTTPClient replaces the HTTP client entirely.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider implements recognition.Provider backed by the AudD API.
type Provider struct {
	apiToken   string
	endpoint   string
	httpClient *http.Client
}

// New creates an AudD provider. An empty apiToken yields a provider that
// reports Available() == false and is skipped by the engine.
func New(apiToken string, opts ...Option) *Provider {
	p := &Provider{
		apiToken:   apiToken,
		endpoint:   defaultEndpoint,
		httpClient: &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name implements recognition.Provider.
func (p *Provider) Name() string { return string(recognition.SourcePrimary) }

// Available reports whether an API token is configured.
func (p *Provider) Available() bool { return p.apiToken != "" }

// apiResponse is the top-level AudD response envelope. A successful call
// with no match carries status "success" and a null result.
type apiResponse struct {
	Status string       `json:"status"`
	Error  *apiError    `json:"error"`
	Result *matchRecord `json:"result"`
}

type apiError struct {
	Code    int    `json:"error_code"`
	Message string `json:"error_message"`
}

type matchRecord struct {
	Artist   string  `json:"artist"`
	Title    string  `json:"title"`
	Album    string  `json:"album"`
	Timecode string  `json:"timecode"`
	SongLink string  `json:"song_link"`
	Score    float64 `json:"score"`

	TimeSkew      float64 `json:"time_skew"`
	FrequencySkew float64 `json:"frequency_skew"`

	AppleMusic *appleMusicRecord `json:"apple_music"`
	Spotify    *spotifyRecord    `json:"spotify"`
	Lyrics     *lyricsRecord     `json:"lyrics"`
}

type lyricsRecord struct {
	Lyrics string `json:"lyrics"`
}

type appleMusicRecord struct {
	ISRC       string   `json:"isrc"`
	GenreNames []string `json:"genreNames"`
	URL        string   `json:"url"`
	Artwork    struct {
		URL string `json:"url"`
	} `json:"artwork"`
}

type spotifyRecord struct {
	ID          string `json:"id"`
	ExternalIDs struct {
		ISRC string `json:"isrc"`
	} `json:"external_ids"`
	ExternalURLs struct {
		Spotify string `json:"spotify"`
	} `json:"external_urls"`
}

// Recognize implements recognition.Provider. The chunk is uploaded in its
// capture format; AudD resamples server-side.
func (p *Provider) Recognize(ctx context.Context, chunk *audio.Chunk) (*recognition.Result, error) {
	if p.apiToken == "" {
		return nil, fmt.Errorf("audd: no api token configured")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)

	fw, err := mw.CreateFormFile("file", "sample.wav")
	if err != nil {
		return nil, fmt.Errorf("audd: create form file: %w", err)
	}
	if err := audio.EncodeWAV(fw, chunk.Samples, chunk.SampleRate, chunk.Channels); err != nil {
		return nil, fmt.Errorf("audd: encode sample: %w", err)
	}
	if err := mw.WriteField("api_token", p.apiToken); err != nil {
		return nil, fmt.Errorf("audd: write token field: %w", err)
	}
	if err := mw.WriteField("return", returnFields); err != nil {
		return nil, fmt.Errorf("audd: write return field: %w", err)
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("audd: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("audd: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("audd: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("audd: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("audd: read response: %w", err)
	}

	var api apiResponse
	if err := json.Unmarshal(data, &api); err != nil {
		return nil, fmt.Errorf("audd: decode response: %w", err)
	}
	if api.Error != nil {
		return nil, fmt.Errorf("audd: api error %d: %s", api.Error.Code, api.Error.Message)
	}
	if api.Status != "success" {
		return nil, fmt.Errorf("audd: unexpected status %q", api.Status)
	}
	if api.Result == nil {
		return nil, recognition.ErrNoMatch
	}

	return p.toResult(api.Result, chunk), nil
}

// toResult maps an AudD match record onto the provider-neutral result.
func (p *Provider) toResult(m *matchRecord, chunk *audio.Chunk) *recognition.Result {
	res := &recognition.Result{
		Title:          m.Title,
		Artist:         m.Artist,
		Album:          m.Album,
		Offset:         parseTimecode(m.Timecode),
		CapturedAt:     chunk.CapturedAt,
		RecognizedAt:   time.Now(),
		Confidence:     1,
		TimeSkew:       m.TimeSkew,
		FrequencySkew:  m.FrequencySkew,
		Source:         recognition.SourcePrimary,
		SampleDuration: chunk.Duration.Seconds(),
		URLs:           map[string]string{},
	}
	if m.Score > 0 {
		res.Confidence = m.Score / 100
		if res.Confidence > 1 {
			res.Confidence = 1
		}
	}
	if m.SongLink != "" {
		res.URLs["audd"] = m.SongLink
	}
	if am := m.AppleMusic; am != nil {
		res.ISRC = am.ISRC
		if len(am.GenreNames) > 0 {
			res.Genre = am.GenreNames[0]
		}
		if am.URL != "" {
			res.URLs["apple_music"] = am.URL
		}
		if am.Artwork.URL != "" {
			res.URLs["artwork"] = am.Artwork.URL
		}
	}
	if m.Lyrics != nil {
		res.Lyrics = m.Lyrics.Lyrics
	}
	if sp := m.Spotify; sp != nil {
		res.TrackID = sp.ID
		if res.ISRC == "" {
			res.ISRC = sp.ExternalIDs.ISRC
		}
		if sp.ExternalURLs.Spotify != "" {
			res.URLs["spotify"] = sp.ExternalURLs.Spotify
		}
	}
	if len(res.URLs) == 0 {
		res.URLs = nil
	}
	return res
}

// parseTimecode converts AudD's "mm:ss" (or "hh:mm:ss") timecode into
// seconds. Unparseable timecodes yield 0, which the engine treats as
// position-unknown rather than an error.
func parseTimecode(tc string) float64 {
	if tc == "" {
		return 0
	}
	parts := strings.Split(tc, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0
	}
	var total float64
	for _, part := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil || n < 0 {
			return 0
		}
		total = total*60 + float64(n)
	}
	return total
}

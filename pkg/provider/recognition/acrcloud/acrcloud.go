// Package acrcloud implements the secondary cloud recognition provider
// against the ACRCloud identify API.
//
// ACRCloud's free tier carries a hard daily quota, so the provider is
// wrapped in a local quota policy and the engine only consults it after
// both the local daemon and the primary cloud have failed. Requests are
// signed with HMAC-SHA1 over the canonical identify string.
//
// ACRCloud reports play_offset_ms at the END of the analysed sample; the
// provider subtracts the sample duration so Offset carries the
// capture-start position like every other provider.
package acrcloud

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/songsense/songsense/pkg/audio"
	"github.com/songsense/songsense/pkg/provider/recognition"
)

const (
	identifyPath = "/v1/identify"

	defaultTimeout    = 15 * time.Second
	defaultDailyLimit = 100
	defaultCooldown   = 30 * time.Second

	// statusNoResult is ACRCloud's "ran fine, matched nothing" code.
	statusNoResult = 1001
)

// Quota policy errors. Both mean "not now", not "broken"; the engine logs
// them and moves on without counting a provider failure against ACRCloud.
var (
	// ErrNotConfigured indicates missing credentials.
	ErrNotConfigured = errors.New("acrcloud: credentials not configured")

	// ErrQuotaExceeded indicates the local daily request budget is spent.
	// It resets at local-date rollover.
	ErrQuotaExceeded = errors.New("acrcloud: daily quota exceeded")

	// ErrCooldownActive indicates the minimum spacing between requests has
	// not yet elapsed.
	ErrCooldownActive = errors.New("acrcloud: cooldown active")
)

// Compile-time assertion that Provider implements recognition.Provider.
var _ recognition.Provider = (*Provider)(nil)

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithDailyLimit caps requests per local calendar day. Defaults to 100.
func WithDailyLimit(n int) Option {
	return func(p *Provider) { p.dailyLimit = n }
}

// WithCooldown sets the minimum spacing between requests. Defaults to 30s.
func WithCooldown(d time.Duration) Option {
	return func(p *Provider) { p.cooldown = d }
}

// WithEndpoint overrides the full identify URL derived from the host.
// Used by tests.
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

// WithQuotaHook registers a callback invoked each time one unit of the
// daily quota is consumed. Must not call back into the provider.
func WithQuotaHook(fn func()) Option {
	return func(p *Provider) { p.onQuotaUse = fn }
}

// Provider implements recognition.Provider backed by the ACRCloud identify
// API, gated by a local daily quota and cooldown.
type Provider struct {
	host      string
	accessKey string
	secretKey string
	endpoint  string

	dailyLimit int
	cooldown   time.Duration
	httpClient *http.Client
	onQuotaUse func()

	mu         sync.Mutex
	limiter    *rate.Limiter
	usedToday  int
	currentDay string // local date "2006-01-02" the counter belongs to

	now func() time.Time // injectable clock for quota tests
}

// New creates an ACRCloud provider. host is the project's identify host,
// e.g. "identify-eu-west-1.acrcloud.com". Missing credentials yield a
// provider that reports Available() == false and is skipped entirely.
func New(host, accessKey, secretKey string, opts ...Option) *Provider {
	p := &Provider{
		host:       host,
		accessKey:  accessKey,
		secretKey:  secretKey,
		dailyLimit: defaultDailyLimit,
		cooldown:   defaultCooldown,
		httpClient: &http.Client{Timeout: defaultTimeout},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.limiter = rate.NewLimiter(rate.Every(p.cooldown), 1)
	return p
}

// Name implements recognition.Provider.
func (p *Provider) Name() string { return string(recognition.SourceSecondary) }

// Available reports whether credentials are configured.
func (p *Provider) Available() bool {
	return p.host != "" && p.accessKey != "" && p.secretKey != ""
}

// CanRequest reports whether a request would currently be allowed and, when
// not, the human-readable reason. It never consumes quota.
func (p *Provider) CanRequest() (bool, string) {
	if !p.Available() {
		return false, "credentials not configured"
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.rollDayLocked()
	if p.usedToday >= p.dailyLimit {
		return false, fmt.Sprintf("daily quota exhausted (%d/%d)", p.usedToday, p.dailyLimit)
	}
	if p.limiter.Tokens() < 1 {
		return false, "cooldown active"
	}
	return true, ""
}

// UsedToday returns the number of requests consumed against today's quota.
func (p *Provider) UsedToday() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rollDayLocked()
	return p.usedToday
}

// rollDayLocked resets the daily counter when the local date has changed.
// Must be called with p.mu held.
func (p *Provider) rollDayLocked() {
	day := p.now().Local().Format("2006-01-02")
	if day != p.currentDay {
		p.currentDay = day
		p.usedToday = 0
	}
}

// acquireQuota consumes one unit of quota or explains why it cannot. The
// unit is consumed before the network call: a failed request still spent a
// billable identify against the remote quota.
func (p *Provider) acquireQuota() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.rollDayLocked()
	if p.usedToday >= p.dailyLimit {
		return ErrQuotaExceeded
	}
	if !p.limiter.Allow() {
		return ErrCooldownActive
	}
	p.usedToday++
	if p.onQuotaUse != nil {
		p.onQuotaUse()
	}
	return nil
}

// Recognize implements recognition.Provider.
func (p *Provider) Recognize(ctx context.Context, chunk *audio.Chunk) (*recognition.Result, error) {
	if !p.Available() {
		return nil, ErrNotConfigured
	}
	if err := p.acquireQuota(); err != nil {
		return nil, err
	}

	var sample bytes.Buffer
	if err := audio.EncodeWAV(&sample, chunk.Samples, chunk.SampleRate, chunk.Channels); err != nil {
		return nil, fmt.Errorf("acrcloud: encode sample: %w", err)
	}

	timestamp := strconv.FormatInt(p.now().Unix(), 10)
	signature := p.sign(timestamp)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("sample", "sample.wav")
	if err != nil {
		return nil, fmt.Errorf("acrcloud: create form file: %w", err)
	}
	if _, err := fw.Write(sample.Bytes()); err != nil {
		return nil, fmt.Errorf("acrcloud: write sample: %w", err)
	}
	fields := map[string]string{
		"access_key":        p.accessKey,
		"data_type":         "audio",
		"signature_version": "1",
		"signature":         signature,
		"sample_bytes":      strconv.Itoa(sample.Len()),
		"timestamp":         timestamp,
	}
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("acrcloud: write field %s: %w", k, err)
		}
	}
	if err := mw.Close(); err != nil {
		return nil, fmt.Errorf("acrcloud: close multipart writer: %w", err)
	}

	endpoint := p.endpoint
	if endpoint == "" {
		endpoint = "https://" + p.host + identifyPath
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, &body)
	if err != nil {
		return nil, fmt.Errorf("acrcloud: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("acrcloud: http request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("acrcloud: server returned HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("acrcloud: read response: %w", err)
	}
	return p.parseResponse(data, chunk)
}

// sign builds the base64 HMAC-SHA1 signature over ACRCloud's canonical
// identify string.
func (p *Provider) sign(timestamp string) string {
	canonical := "POST\n" + identifyPath + "\n" + p.accessKey + "\naudio\n1\n" + timestamp
	mac := hmac.New(sha1.New, []byte(p.secretKey))
	mac.Write([]byte(canonical))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// identifyResponse mirrors the subset of the ACRCloud response the provider
// consumes.
type identifyResponse struct {
	Status struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"status"`
	Metadata struct {
		Music []musicRecord `json:"music"`
	} `json:"metadata"`
}

type musicRecord struct {
	Title        string  `json:"title"`
	Acrid        string  `json:"acrid"`
	Score        float64 `json:"score"`
	PlayOffsetMs float64        `json:"play_offset_ms"`
	Artists      []artistRecord `json:"artists"`
	Album struct {
		Name string `json:"name"`
	} `json:"album"`
	ExternalIDs struct {
		ISRC string `json:"isrc"`
	} `json:"external_ids"`
	ExternalMetadata struct {
		Spotify struct {
			Track struct {
				ID string `json:"id"`
			} `json:"track"`
		} `json:"spotify"`
	} `json:"external_metadata"`
}

// parseResponse maps the identify response onto the provider-neutral result.
func (p *Provider) parseResponse(data []byte, chunk *audio.Chunk) (*recognition.Result, error) {
	var api identifyResponse
	if err := json.Unmarshal(data, &api); err != nil {
		return nil, fmt.Errorf("acrcloud: decode response: %w", err)
	}
	if api.Status.Code == statusNoResult {
		return nil, recognition.ErrNoMatch
	}
	if api.Status.Code != 0 {
		return nil, fmt.Errorf("acrcloud: api error %d: %s", api.Status.Code, api.Status.Msg)
	}
	if len(api.Metadata.Music) == 0 {
		return nil, recognition.ErrNoMatch
	}

	m := api.Metadata.Music[0]
	sampleDuration := chunk.Duration.Seconds()

	// play_offset_ms marks the end of the analysed sample; rebase to the
	// sample's start.
	offset := m.PlayOffsetMs/1000 - sampleDuration
	if offset < 0 {
		offset = 0
	}

	res := &recognition.Result{
		Title:          m.Title,
		Artist:         firstArtist(m.Artists),
		Album:          m.Album.Name,
		ISRC:           m.ExternalIDs.ISRC,
		Offset:         offset,
		CapturedAt:     chunk.CapturedAt,
		RecognizedAt:   time.Now(),
		Confidence:     m.Score / 100,
		Source:         recognition.SourceSecondary,
		SampleDuration: sampleDuration,
	}
	if res.Confidence > 1 {
		res.Confidence = 1
	}
	if id := m.ExternalMetadata.Spotify.Track.ID; id != "" {
		res.TrackID = id
		res.URLs = map[string]string{"spotify": "https://open.spotify.com/track/" + id}
	} else if m.Acrid != "" {
		res.TrackID = m.Acrid
	}
	return res, nil
}

type artistRecord struct {
	Name string `json:"name"`
}

func firstArtist(artists []artistRecord) string {
	if len(artists) == 0 {
		return ""
	}
	return artists[0].Name
}

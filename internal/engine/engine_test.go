package engine

import (
	"context"
	"errors"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/songsense/songsense/internal/capture"
	"github.com/songsense/songsense/pkg/audio"
	"github.com/songsense/songsense/pkg/audio/buffer"
	"github.com/songsense/songsense/pkg/provider/recognition"
	"github.com/songsense/songsense/pkg/provider/recognition/mock"
)

// scriptedBackend serves pre-built chunks in order; when the script runs
// out it serves the last one again.
type scriptedBackend struct {
	mu     sync.Mutex
	chunks []*audio.Chunk
	errs   []error
	i      int
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Devices() ([]capture.Device, error) {
	return []capture.Device{{ID: 0, Name: "Loopback Test", Channels: 1, SampleRate: 44100}}, nil
}

func (b *scriptedBackend) Record(ctx context.Context, dev capture.Device, d time.Duration) (*audio.Chunk, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := b.i
	if i >= len(b.chunks) {
		i = len(b.chunks) - 1
	}
	b.i++
	if i < len(b.errs) && b.errs[i] != nil {
		return nil, b.errs[i]
	}
	return b.chunks[i], nil
}

func (b *scriptedBackend) Close() error { return nil }

func loudChunk(at time.Time) *audio.Chunk {
	samples := make([]int16, 44100)
	for i := range samples {
		samples[i] = int16((i % 100) * 300)
	}
	return audio.NewChunk(samples, 44100, 1, 0, at)
}

func silentChunk(at time.Time) *audio.Chunk {
	return audio.NewChunk(make([]int16, 44100), 44100, 1, 0, at)
}

func result(artist, title, trackID string, offset float64, at time.Time) *recognition.Result {
	return &recognition.Result{
		Artist:       artist,
		Title:        title,
		TrackID:      trackID,
		Offset:       offset,
		CapturedAt:   at,
		RecognizedAt: at,
		Confidence:   0.9,
		Source:       recognition.SourceLocal,
	}
}

// newTestEngine builds an engine whose cycles are driven manually via
// cycle(), with a frozen injectable clock.
func newTestEngine(t *testing.T, backend capture.Backend, providers []recognition.Provider, cfg Config) (*Engine, *time.Time) {
	t.Helper()
	cfg.Capture = capture.NewManager(backend, capture.Config{DeviceID: -1})
	cfg.Providers = providers
	e := New(cfg)
	now := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	e.now = func() time.Time { return now }
	return e, &now
}

func TestSilentChunkSkipsProviders(t *testing.T) {
	p := &mock.Provider{}
	p.Script(result("A", "T", "", 10, time.Now()), nil)

	at := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	e, _ := newTestEngine(t, &scriptedBackend{chunks: []*audio.Chunk{silentChunk(at)}}, []recognition.Provider{p}, Config{})

	e.cycle(context.Background())

	if got := p.Calls(); got != 0 {
		t.Fatalf("provider called %d times on silence, want 0", got)
	}
	st := e.Status()
	if st.Failures != 1 {
		t.Fatalf("Failures = %d, want 1", st.Failures)
	}
}

func TestPositionFormula(t *testing.T) {
	capturedAt := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	p := &mock.Provider{}
	p.Script(result("Queen", "Under Pressure", "q1", 30, capturedAt), nil)

	e, now := newTestEngine(t, &scriptedBackend{chunks: []*audio.Chunk{loudChunk(capturedAt)}},
		[]recognition.Provider{p},
		Config{UserLatencyOffset: 200 * time.Millisecond})

	e.cycle(context.Background())

	*now = capturedAt.Add(2 * time.Second)
	pos, ok := e.CurrentPosition()
	if !ok {
		t.Fatal("expected a position")
	}
	want := 30.0 + 2.0 + 0.2
	if math.Abs(pos-want) > 1e-9 {
		t.Fatalf("position = %v, want %v", pos, want)
	}

	// Monotonically non-decreasing as the clock advances.
	*now = capturedAt.Add(3 * time.Second)
	later, _ := e.CurrentPosition()
	if later < pos {
		t.Fatalf("position regressed: %v then %v", pos, later)
	}
}

func TestPositionClampedNonNegative(t *testing.T) {
	capturedAt := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	p := &mock.Provider{}
	p.Script(result("A", "T", "", 0.1, capturedAt), nil)

	e, now := newTestEngine(t, &scriptedBackend{chunks: []*audio.Chunk{loudChunk(capturedAt)}},
		[]recognition.Provider{p},
		Config{UserLatencyOffset: -5 * time.Second})

	e.cycle(context.Background())
	*now = capturedAt.Add(time.Second)

	pos, ok := e.CurrentPosition()
	if !ok || pos != 0 {
		t.Fatalf("position = %v, %v; want clamp to 0", pos, ok)
	}
}

func TestPauseAfterThreeFailuresFreezesPosition(t *testing.T) {
	capturedAt := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	p := &mock.Provider{}
	p.Script(result("Artist", "Song", "id1", 60, capturedAt), nil)
	p.Script(result("Artist", "Song", "id1", 70, capturedAt.Add(10*time.Second)), nil)

	backend := &scriptedBackend{chunks: []*audio.Chunk{
		loudChunk(capturedAt),
		silentChunk(capturedAt.Add(2 * time.Second)),
		silentChunk(capturedAt.Add(4 * time.Second)),
		silentChunk(capturedAt.Add(6 * time.Second)),
		loudChunk(capturedAt.Add(60 * time.Second)),
	}}
	e, now := newTestEngine(t, backend, []recognition.Provider{p}, Config{})

	// Cycle 1: match, Active.
	e.cycle(context.Background())
	if st := e.State(); st != StateActive {
		t.Fatalf("state = %v, want active", st)
	}

	// Two failures: still Active, still extrapolating.
	*now = capturedAt.Add(2 * time.Second)
	e.cycle(context.Background())
	*now = capturedAt.Add(4 * time.Second)
	e.cycle(context.Background())
	if st := e.State(); st != StateActive {
		t.Fatalf("state after 2 failures = %v, want active", st)
	}

	// Third failure: Paused, position frozen at the value held now.
	*now = capturedAt.Add(6 * time.Second)
	e.cycle(context.Background())
	if st := e.State(); st != StatePaused {
		t.Fatalf("state after 3 failures = %v, want paused", st)
	}
	frozen, ok := e.CurrentPosition()
	if !ok {
		t.Fatal("paused engine must still report the frozen position")
	}
	if math.Abs(frozen-66) > 1e-9 { // 60 + 6s elapsed
		t.Fatalf("frozen position = %v, want 66", frozen)
	}

	// Clock advances; the frozen position must not.
	*now = capturedAt.Add(60 * time.Second)
	still, _ := e.CurrentPosition()
	if still != frozen {
		t.Fatalf("frozen position advanced: %v -> %v", frozen, still)
	}

	// One success unfreezes and resets the failure count.
	e.cycle(context.Background())
	if st := e.Status(); st.State != StateActive || st.Failures != 0 {
		t.Fatalf("after recovery: state=%v failures=%d, want active/0", st.State, st.Failures)
	}
	pos, _ := e.CurrentPosition()
	if pos == frozen {
		t.Fatal("position should extrapolate again after recovery")
	}
}

func TestAdaptivePhaseScenario(t *testing.T) {
	capturedAt := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	var enrichedISRCs []string
	enrich := func(_ context.Context, res *recognition.Result) (*recognition.Result, error) {
		enrichedISRCs = append(enrichedISRCs, res.ISRC)
		return res, nil
	}

	songA1 := result("Artist A", "Song A", "a1", 10, capturedAt)
	songA1.ISRC = "ISRC-A"
	songA2 := result("Artist A", "Song A", "a1", 12, capturedAt)
	songA2.ISRC = "ISRC-A"
	songB := result("Artist B", "Song B", "b1", 0, capturedAt)
	songB.ISRC = "ISRC-B"

	p := &mock.Provider{}
	p.Script(nil, recognition.ErrNoMatch)
	p.Script(songA1, nil)
	p.Script(songA2, nil)
	p.Script(songB, nil)

	e, _ := newTestEngine(t, &scriptedBackend{chunks: []*audio.Chunk{loudChunk(capturedAt)}},
		[]recognition.Provider{p}, Config{Enrich: enrich})

	events, cancel := e.Events().Subscribe(16)
	defer cancel()

	// Cycle 1: no match — scanning at 1s.
	e.cycle(context.Background())
	if e.interval() != time.Second {
		t.Fatalf("interval = %v, want 1s (scanning)", e.interval())
	}

	// Cycle 2: first match of song A — verifying at 0.5s, enrichment runs.
	e.cycle(context.Background())
	if e.interval() != 500*time.Millisecond {
		t.Fatalf("interval = %v, want 500ms (verifying)", e.interval())
	}

	// Cycle 3: song A again — tracking at 3s, no re-enrichment.
	e.cycle(context.Background())
	if e.interval() != 3*time.Second {
		t.Fatalf("interval = %v, want 3s (tracking)", e.interval())
	}

	// Cycle 4: song B — back to verifying, enrichment with the new ISRC.
	e.cycle(context.Background())
	if e.interval() != 500*time.Millisecond {
		t.Fatalf("interval = %v, want 500ms (verifying after change)", e.interval())
	}

	want := []string{"ISRC-A", "ISRC-B"}
	if len(enrichedISRCs) != len(want) {
		t.Fatalf("enrichment ISRCs = %v, want %v", enrichedISRCs, want)
	}
	for i := range want {
		if enrichedISRCs[i] != want[i] {
			t.Fatalf("enrichment ISRCs = %v, want %v", enrichedISRCs, want)
		}
	}

	// Two song-change events were published.
	changes := 0
	for drained := false; !drained; {
		select {
		case ev := <-events:
			if ev.Type == EventSongChange {
				changes++
			}
		default:
			drained = true
		}
	}
	if changes != 2 {
		t.Fatalf("song-change events = %d, want 2", changes)
	}
}

func TestEnrichmentFailureSwallowed(t *testing.T) {
	capturedAt := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	p := &mock.Provider{}
	p.Script(result("A", "T", "x", 5, capturedAt), nil)
	p.Script(result("A", "T", "x", 7, capturedAt), nil)

	calls := 0
	enrich := func(context.Context, *recognition.Result) (*recognition.Result, error) {
		calls++
		return nil, errors.New("metadata service down")
	}

	e, _ := newTestEngine(t, &scriptedBackend{chunks: []*audio.Chunk{loudChunk(capturedAt)}},
		[]recognition.Provider{p}, Config{Enrich: enrich})

	e.cycle(context.Background())
	if _, ok := e.CurrentSong(); !ok {
		t.Fatal("the unenriched result must still be used")
	}
	// No enrichment exists yet, so the same song retries on the next cycle.
	e.cycle(context.Background())
	if calls != 2 {
		t.Fatalf("enrichment calls = %d, want 2 (retry while unenriched)", calls)
	}
}

func TestChainFallsThroughProviders(t *testing.T) {
	capturedAt := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)

	local := &mock.Provider{ProviderName: "local"}
	local.Script(nil, recognition.ErrNoMatch)
	primary := &mock.Provider{ProviderName: "primary_cloud", Unavailable: true}
	secondary := &mock.Provider{ProviderName: "secondary_cloud"}
	secondary.Script(result("A", "T", "", 1, capturedAt), nil)

	e, _ := newTestEngine(t, &scriptedBackend{chunks: []*audio.Chunk{loudChunk(capturedAt)}},
		[]recognition.Provider{local, primary, secondary}, Config{})

	e.cycle(context.Background())

	song, ok := e.CurrentSong()
	if !ok || song.Title != "T" {
		t.Fatalf("song = %v, %v", song, ok)
	}
	if primary.Calls() != 0 {
		t.Fatal("unavailable provider must be skipped without an attempt")
	}
	if local.Calls() != 1 || secondary.Calls() != 1 {
		t.Fatalf("calls local=%d secondary=%d, want 1/1", local.Calls(), secondary.Calls())
	}
}

func TestStartStopIdempotent(t *testing.T) {
	capturedAt := time.Now()
	p := &mock.Provider{}
	p.RecognizeFunc = func(context.Context, *audio.Chunk) (*recognition.Result, error) {
		return nil, recognition.ErrNoMatch
	}

	backend := &scriptedBackend{chunks: []*audio.Chunk{silentChunk(capturedAt)}}
	cfg := Config{
		Capture:          capture.NewManager(backend, capture.Config{DeviceID: -1}),
		Providers:        []recognition.Provider{p},
		ScanningInterval: 10 * time.Millisecond,
		CaptureDuration:  10 * time.Millisecond,
	}
	e := New(cfg)

	if err := e.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := e.Start(); err != nil {
		t.Fatalf("second Start: %v", err)
	}

	time.Sleep(50 * time.Millisecond)

	e.Stop()
	e.Stop()
	if st := e.State(); st != StateIdle {
		t.Fatalf("state after Stop = %v, want idle", st)
	}

	// Restartable after a stop.
	if err := e.Start(); err != nil {
		t.Fatalf("restart: %v", err)
	}
	e.Stop()
}

func TestStartPreconditions(t *testing.T) {
	e := New(Config{})
	if err := e.Start(); !errors.Is(err, ErrStartupPrecondition) {
		t.Fatalf("err = %v, want ErrStartupPrecondition", err)
	}
	if st := e.State(); st != StateError {
		t.Fatalf("state = %v, want error", st)
	}
	if _, ok := e.CurrentPosition(); ok {
		t.Fatal("error state must report no position")
	}
}

func TestIsResultStale(t *testing.T) {
	capturedAt := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	p := &mock.Provider{}
	p.Script(result("A", "T", "", 0, capturedAt), nil)

	e, now := newTestEngine(t, &scriptedBackend{chunks: []*audio.Chunk{loudChunk(capturedAt)}},
		[]recognition.Provider{p}, Config{})

	if !e.IsResultStale(time.Second) {
		t.Fatal("no result must count as stale")
	}

	e.cycle(context.Background())
	if e.IsResultStale(10 * time.Second) {
		t.Fatal("fresh result must not be stale")
	}
	*now = capturedAt.Add(30 * time.Second)
	if !e.IsResultStale(10 * time.Second) {
		t.Fatal("old result must be stale")
	}
}

func TestPausedStateHoldsAcrossFurtherFailures(t *testing.T) {
	capturedAt := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	p := &mock.Provider{}
	p.Script(result("Artist", "Song", "id1", 60, capturedAt), nil)
	// Script exhausted: every later call is a no-match.

	e, now := newTestEngine(t, &scriptedBackend{chunks: []*audio.Chunk{loudChunk(capturedAt)}},
		[]recognition.Provider{p}, Config{})

	e.cycle(context.Background())
	for i := 1; i <= 3; i++ {
		*now = capturedAt.Add(time.Duration(2*i) * time.Second)
		e.cycle(context.Background())
	}
	if st := e.State(); st != StatePaused {
		t.Fatalf("state after 3 failures = %v, want paused", st)
	}
	frozen, _ := e.CurrentPosition()

	// Failures beyond the threshold must not end the pause: the cycle
	// transitions through listening/recognizing, but the engine settles
	// back to paused with the position still frozen.
	for i := 4; i <= 6; i++ {
		*now = capturedAt.Add(time.Duration(2*i) * time.Second)
		e.cycle(context.Background())
		if st := e.State(); st != StatePaused {
			t.Fatalf("state after failure %d = %v, want paused", i, st)
		}
		if pos, ok := e.CurrentPosition(); !ok || pos != frozen {
			t.Fatalf("position after failure %d = %v, want frozen %v", i, pos, frozen)
		}
	}
}

func TestMissRetriesWithLengthenedSample(t *testing.T) {
	capturedAt := time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC)
	p := &mock.Provider{}
	// Cycle 1: the single clip misses and the window is too short to retry.
	p.Script(nil, recognition.ErrNoMatch)
	// Cycle 2: the single clip misses again, but the lengthened window hits.
	p.Script(nil, recognition.ErrNoMatch)
	p.Script(result("Artist", "Song", "a1", 20, capturedAt), nil)

	e, _ := newTestEngine(t, &scriptedBackend{chunks: []*audio.Chunk{
		loudChunk(capturedAt),
		loudChunk(capturedAt.Add(time.Second)),
	}}, []recognition.Provider{p}, Config{})

	e.cycle(context.Background())
	if got := p.Calls(); got != 1 {
		t.Fatalf("calls after cycle 1 = %d, want 1 (one clip is not worth a retry)", got)
	}

	e.cycle(context.Background())
	if got := p.Calls(); got != 3 {
		t.Fatalf("calls after cycle 2 = %d, want 3 (single clip, then lengthened retry)", got)
	}

	wide := p.RecognizeCalls[len(p.RecognizeCalls)-1].Chunk
	if wide.Duration != 2*time.Second {
		t.Fatalf("retry sample duration = %v, want 2s (the full window)", wide.Duration)
	}
	// The window ends where the missed clip ends, so it starts at the
	// first clip's start.
	if !wide.CapturedAt.Equal(capturedAt) {
		t.Fatalf("retry sample start = %v, want %v", wide.CapturedAt, capturedAt)
	}

	if song, ok := e.CurrentSong(); !ok || song.TrackID != "a1" {
		t.Fatalf("song = %v, %v; the lengthened retry's match must be applied", song, ok)
	}
}

func TestStreamFallbackAnchorsChunkAtClipStart(t *testing.T) {
	s := buffer.NewStream(8000, 1, 5*time.Second)
	s.Append(make([]byte, 2*8000)) // one second of PCM

	backend := &scriptedBackend{
		chunks: []*audio.Chunk{nil},
		errs:   []error{errors.New("device vanished")},
	}
	e, now := newTestEngine(t, backend, []recognition.Provider{&mock.Provider{}},
		Config{Stream: s, CaptureDuration: time.Second})

	chunk, err := e.captureChunk(context.Background())
	if err != nil {
		t.Fatalf("captureChunk: %v", err)
	}
	if chunk.Duration != time.Second {
		t.Fatalf("chunk duration = %v, want 1s", chunk.Duration)
	}
	// The stream holds audio that ends now; the chunk's timestamp must be
	// its first sample, one chunk length in the past.
	if want := now.Add(-chunk.Duration); !chunk.CapturedAt.Equal(want) {
		t.Fatalf("CapturedAt = %v, want %v", chunk.CapturedAt, want)
	}
}

// Package engine drives the capture → recognize → settle loop that keeps
// the current song and playback position up to date.
//
// One engine instance owns one cooperative loop. Cycles are strictly
// sequential: a new cycle never begins before the previous cycle's result
// has been applied, which keeps the last-result and failure-counter state
// race-free. Capture and provider I/O run on their own goroutines so the
// loop only ever waits, never computes.
package engine

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/songsense/songsense/internal/capture"
	"github.com/songsense/songsense/internal/observe"
	"github.com/songsense/songsense/pkg/audio"
	"github.com/songsense/songsense/pkg/audio/buffer"
	"github.com/songsense/songsense/pkg/provider/recognition"
)

// ErrStartupPrecondition indicates the engine cannot run at all: no capture
// manager or no recognition providers. Fatal for the instance; the engine
// enters the error state and never retries on its own.
var ErrStartupPrecondition = errors.New("engine: startup precondition failed")

// EnrichFunc augments a fresh result with external metadata, keyed by its
// ISRC when present. Best-effort: an error leaves the unenriched result in
// place and is never surfaced to consumers.
type EnrichFunc func(ctx context.Context, res *recognition.Result) (*recognition.Result, error)

// Config wires an Engine. Capture and Providers are required; everything
// else has a usable default.
type Config struct {
	Capture   *capture.Manager
	Providers []recognition.Provider

	// CaptureDuration is the clip length per cycle. Default: 4s.
	CaptureDuration time.Duration

	// Polling cadence per adaptive phase.
	ScanningInterval  time.Duration // default 1s
	VerifyingInterval time.Duration // default 500ms
	TrackingInterval  time.Duration // default 3s

	// ProviderTimeout bounds each provider attempt. Default: 12s.
	ProviderTimeout time.Duration

	// SilenceThreshold is the normalized peak amplitude below which a chunk
	// is not worth a recognition attempt. Default: 0.01.
	SilenceThreshold float64

	// PauseThreshold is the consecutive-failure count that freezes the
	// position and enters the paused state. Default: 3.
	PauseThreshold int

	// UserLatencyOffset shifts reported positions to compensate for the
	// output chain (bluetooth, network speakers). May be negative.
	UserLatencyOffset time.Duration

	// StopTimeout bounds the graceful wait in Stop before the loop is
	// cancelled outright. Default: 5s.
	StopTimeout time.Duration

	// RollingWindow sizes the retained-audio buffer. Default: 10s.
	RollingWindow time.Duration

	// Stream, when set, supplies externally pushed samples used as the
	// capture fallback when no device is available.
	Stream *buffer.Stream

	// Enrich, when set, is invoked on song change and whenever the current
	// song has no enrichment yet.
	Enrich EnrichFunc

	// Metrics, when set, receives cycle and provider instrumentation.
	Metrics *observe.Metrics
}

// Snapshot is a point-in-time view of the engine for status surfaces.
type Snapshot struct {
	State State
	Phase Phase

	Song        *recognition.Result
	Position    float64
	HasPosition bool

	Failures int
	Cycles   uint64
	Matches  uint64

	LastCycleAt time.Time
}

// Engine runs the recognition loop. Create with New, then Start/Stop.
type Engine struct {
	cfg     Config
	chain   *chain
	bus     *Bus
	rolling *buffer.Rolling

	now func() time.Time

	mu        sync.Mutex
	state     State
	phase     Phase
	last      *recognition.Result
	enriched  bool
	failures  int
	frozen    bool
	frozenPos float64
	cycles    uint64
	matches   uint64
	lastCycle time.Time

	running bool
	stopc   chan struct{}
	done    chan struct{}
	cancel  context.CancelFunc
}

// New creates an Engine. Configuration problems surface from Start, not
// here, so composition can always build the instance.
func New(cfg Config) *Engine {
	if cfg.CaptureDuration <= 0 {
		cfg.CaptureDuration = 4 * time.Second
	}
	if cfg.ScanningInterval <= 0 {
		cfg.ScanningInterval = defaultScanningInterval
	}
	if cfg.VerifyingInterval <= 0 {
		cfg.VerifyingInterval = defaultVerifyingInterval
	}
	if cfg.TrackingInterval <= 0 {
		cfg.TrackingInterval = defaultTrackingInterval
	}
	if cfg.SilenceThreshold <= 0 {
		cfg.SilenceThreshold = 0.01
	}
	if cfg.PauseThreshold <= 0 {
		cfg.PauseThreshold = 3
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	if cfg.RollingWindow <= 0 {
		cfg.RollingWindow = 10 * time.Second
	}
	return &Engine{
		cfg:     cfg,
		chain:   newChain(cfg.Providers, cfg.ProviderTimeout, cfg.Metrics),
		bus:     NewBus(),
		rolling: buffer.NewRolling(cfg.RollingWindow),
		now:     time.Now,
		state:   StateIdle,
		phase:   PhaseScanning,
	}
}

// Events returns the engine's event bus for subscriptions.
func (e *Engine) Events() *Bus { return e.bus }

// Start launches the recognition loop. Idempotent while running. A missing
// capture manager or empty provider list is fatal: the engine enters the
// error state and returns [ErrStartupPrecondition].
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return nil
	}
	if e.cfg.Capture == nil || len(e.cfg.Providers) == 0 {
		e.setStateLocked(StateError)
		return ErrStartupPrecondition
	}

	ctx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.stopc = make(chan struct{})
	e.done = make(chan struct{})
	e.running = true
	e.setStateLocked(StateStarting)

	go e.run(ctx)
	return nil
}

// Stop requests an orderly shutdown: set the stop flag, abort any in-flight
// capture, wait up to StopTimeout for the loop to drain, then cancel it
// outright. Idempotent; the engine ends idle.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	e.setStateLocked(StateStopping)
	stopc, done, cancel := e.stopc, e.done, e.cancel
	e.mu.Unlock()

	close(stopc)
	if e.cfg.Capture != nil {
		e.cfg.Capture.Abort()
	}

	select {
	case <-done:
	case <-time.After(e.cfg.StopTimeout):
		slog.Warn("engine loop did not drain in time, cancelling")
		cancel()
		<-done
	}
	cancel()

	e.mu.Lock()
	e.running = false
	e.frozen = false
	e.failures = 0
	e.phase = PhaseScanning
	e.setStateLocked(StateIdle)
	e.mu.Unlock()
}

// run is the loop goroutine: cycle, adaptive sleep, repeat until stopped.
func (e *Engine) run(ctx context.Context) {
	defer close(e.done)

	for {
		select {
		case <-e.stopc:
			return
		case <-ctx.Done():
			return
		default:
		}

		e.safeCycle(ctx)

		timer := time.NewTimer(e.interval())
		select {
		case <-timer.C:
		case <-e.stopc:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			return
		}
	}
}

// safeCycle guards one cycle against panics so a single bad cycle cannot
// kill the loop.
func (e *Engine) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("recognition cycle panicked", "panic", r)
			e.failCycle()
		}
	}()
	e.cycle(ctx)
}

// cycle runs one capture → recognize → settle pass.
func (e *Engine) cycle(ctx context.Context) {
	start := time.Now()
	e.setState(StateListening)

	chunk, err := e.captureChunk(ctx)
	if err != nil {
		if !errors.Is(err, capture.ErrAborted) {
			slog.Debug("capture failed", "error", err)
			e.cfg.Metrics.RecordCycle(ctx, observe.CycleCaptureFailed, time.Since(start).Seconds())
		}
		e.failCycle()
		return
	}

	e.rolling.Append(chunk)

	if chunk.IsSilent(e.cfg.SilenceThreshold) {
		e.rolling.Clear()
		e.cfg.Metrics.RecordCycle(ctx, observe.CycleSilent, time.Since(start).Seconds())
		e.failCycle()
		return
	}

	e.setState(StateRecognizing)
	res, err := e.chain.recognize(ctx, chunk)
	if errors.Is(err, recognition.ErrNoMatch) {
		if wide := e.lengthenedChunk(chunk); wide != nil {
			res, err = e.chain.recognize(ctx, wide)
		}
	}
	if err != nil {
		e.cfg.Metrics.RecordCycle(ctx, observe.CycleNoMatch, time.Since(start).Seconds())
		e.failCycle()
		return
	}
	e.cfg.Metrics.RecordCycle(ctx, observe.CycleMatched, time.Since(start).Seconds())
	e.applyResult(ctx, res)
}

// captureChunk records one clip from the device, falling back to the
// externally fed stream buffer when no device can record.
func (e *Engine) captureChunk(ctx context.Context) (*audio.Chunk, error) {
	chunk, err := e.cfg.Capture.Capture(e.cfg.CaptureDuration)
	if err == nil {
		return chunk, nil
	}
	if errors.Is(err, capture.ErrAborted) {
		return nil, err
	}

	if s := e.cfg.Stream; s != nil {
		if b := s.Consume(e.cfg.CaptureDuration); b != nil {
			rate, channels := s.Format()
			c := audio.NewChunk(bytesToSamples(b), rate, channels, 0, time.Time{})
			// The buffered audio ends roughly now, so its first sample is
			// one chunk length in the past.
			c.CapturedAt = e.now().Add(-c.Duration)
			return c, nil
		}
	}
	return nil, err
}

// lengthenedChunk flattens the rolling window into one chunk for a second
// recognition attempt after a miss. Providers match more reliably on longer
// samples, so the retained audio earns one retry per cycle once the window
// holds at least two clips' worth. Returns nil when there is not enough.
func (e *Engine) lengthenedChunk(last *audio.Chunk) *audio.Chunk {
	window := e.rolling.Duration()
	if last == nil || last.Duration <= 0 || window < 2*last.Duration {
		return nil
	}
	samples := e.rolling.Peek(window)
	if samples == nil {
		return nil
	}
	wide := audio.NewChunk(samples, last.SampleRate, last.Channels, last.Seq, time.Time{})
	// The window ends where the clip that just missed ends.
	wide.CapturedAt = last.CapturedAt.Add(last.Duration - wide.Duration)
	return wide
}

// bytesToSamples reinterprets little-endian 16-bit PCM bytes as samples.
func bytesToSamples(b []byte) []int16 {
	out := make([]int16, len(b)/2)
	for i := range out {
		out[i] = int16(binary.LittleEndian.Uint16(b[2*i:]))
	}
	return out
}

// failCycle counts one failed cycle: silence, capture failure, or no
// provider match. Crossing the pause threshold while a song is tracked
// freezes the position and enters the paused state.
func (e *Engine) failCycle() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.cycles++
	e.lastCycle = e.now()
	e.failures++

	if e.last != nil && !e.frozen && e.failures >= e.cfg.PauseThreshold {
		// Freeze at the value held right now; silence must not keep
		// extrapolating the position forward.
		if pos, ok := e.positionLocked(); ok {
			e.frozenPos = pos
		}
		e.frozen = true
		e.setStateLocked(StatePaused)
		slog.Info("playback paused", "failures", e.failures, "position", fmt.Sprintf("%.1f", e.frozenPos))
		return
	}
	if e.frozen {
		// The cycle start flipped the state to listening; a frozen engine
		// stays paused until a match unfreezes it.
		e.setStateLocked(StatePaused)
		return
	}
	if e.last != nil {
		e.setStateLocked(StateActive)
	} else {
		e.setStateLocked(StateListening)
	}
}

// applyResult settles a successful recognition: reset failures, unfreeze,
// detect song changes, drive the adaptive phase, and enrich when needed.
func (e *Engine) applyResult(ctx context.Context, res *recognition.Result) {
	e.mu.Lock()

	select {
	case <-e.stopc:
		// Completed after a stop request: discard, never apply.
		e.mu.Unlock()
		return
	default:
	}

	e.cycles++
	e.matches++
	e.lastCycle = e.now()
	e.failures = 0
	e.frozen = false

	prev := e.last
	changed := !recognition.SameSong(prev, res)
	if changed {
		e.phase = PhaseVerifying
		e.enriched = false
		e.rolling.Clear()
	} else {
		e.phase = PhaseTracking
	}
	// A shaky match means the retained audio may straddle two songs; start
	// the window over rather than feed a mixed sample to the next cycle.
	if res.Confidence < lowConfidenceClear {
		e.rolling.Clear()
	}
	needEnrich := e.cfg.Enrich != nil && (changed || !e.enriched)
	e.last = res
	e.setStateLocked(StateActive)
	e.mu.Unlock()

	if changed {
		slog.Info("song detected",
			"title", res.Title,
			"artist", res.Artist,
			"source", res.Source,
			"offset", fmt.Sprintf("%.1f", res.Offset),
		)
		e.bus.Publish(Event{
			Type:     EventSongChange,
			At:       e.now(),
			Song:     res,
			Previous: prev,
		})
		e.cfg.Metrics.RecordSongChange(ctx)
	}

	if needEnrich {
		e.enrich(ctx, res)
	}
}

// enrich invokes the enrichment callback and swaps in its result. Errors
// are swallowed; the next match of the same song retries.
func (e *Engine) enrich(ctx context.Context, res *recognition.Result) {
	enriched, err := e.cfg.Enrich(ctx, res)
	if err != nil {
		slog.Debug("enrichment failed, using unenriched result", "error", err)
		return
	}
	if enriched == nil {
		enriched = res
	}

	e.mu.Lock()
	if e.last == res {
		e.last = enriched
		e.enriched = true
	}
	e.mu.Unlock()
}

// interval returns the sleep for the current adaptive phase.
func (e *Engine) interval() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.phase {
	case PhaseVerifying:
		return e.cfg.VerifyingInterval
	case PhaseTracking:
		return e.cfg.TrackingInterval
	default:
		return e.cfg.ScanningInterval
	}
}

// RecognizeOnce captures a single clip and runs it through the provider
// chain without touching the loop's state. For manual or one-shot use.
func (e *Engine) RecognizeOnce(ctx context.Context) (*recognition.Result, error) {
	if e.cfg.Capture == nil || len(e.cfg.Providers) == 0 {
		return nil, ErrStartupPrecondition
	}
	chunk, err := e.captureChunk(ctx)
	if err != nil {
		return nil, err
	}
	if chunk.IsSilent(e.cfg.SilenceThreshold) {
		return nil, recognition.ErrNoMatch
	}
	return e.chain.recognize(ctx, chunk)
}

// CurrentPosition returns the live playback position in seconds:
// offset + elapsed since capture start + the user latency offset, clamped
// non-negative. While paused it returns the frozen value. The second
// return is false when no position is known (idle, error, nothing
// recognized yet).
func (e *Engine) CurrentPosition() (float64, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.positionLocked()
}

func (e *Engine) positionLocked() (float64, bool) {
	if e.state == StateIdle || e.state == StateError {
		return 0, false
	}
	if e.frozen {
		return e.frozenPos, true
	}
	if e.last == nil {
		return 0, false
	}
	pos := e.last.Offset +
		e.now().Sub(e.last.CapturedAt).Seconds() +
		e.cfg.UserLatencyOffset.Seconds()
	if pos < 0 {
		pos = 0
	}
	return pos, true
}

// SetUserLatencyOffset applies a new output-chain compensation live. Takes
// effect on the next position query.
func (e *Engine) SetUserLatencyOffset(d time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cfg.UserLatencyOffset = d
}

// CurrentSong returns the last accepted result, or false when nothing has
// been recognized.
func (e *Engine) CurrentSong() (*recognition.Result, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return nil, false
	}
	return e.last, true
}

// IsResultStale reports whether the last result is older than threshold.
// No result at all counts as stale.
func (e *Engine) IsResultStale(threshold time.Duration) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return true
	}
	return e.now().Sub(e.last.RecognizedAt) > threshold
}

// State returns the engine's current lifecycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Status returns a consistent snapshot for status surfaces.
func (e *Engine) Status() Snapshot {
	e.mu.Lock()
	defer e.mu.Unlock()

	pos, ok := e.positionLocked()
	return Snapshot{
		State:       e.state,
		Phase:       e.phase,
		Song:        e.last,
		Position:    pos,
		HasPosition: ok,
		Failures:    e.failures,
		Cycles:      e.cycles,
		Matches:     e.matches,
		LastCycleAt: e.lastCycle,
	}
}

// setState transitions the engine state and publishes the change.
func (e *Engine) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.setStateLocked(s)
}

// setStateLocked must be called with e.mu held. Publishing under the lock
// is safe: the bus never blocks.
func (e *Engine) setStateLocked(s State) {
	if e.state == s {
		return
	}
	from := e.state
	e.state = s
	e.bus.Publish(Event{
		Type: EventStateChange,
		At:   e.now(),
		From: from,
		To:   s,
	})
}

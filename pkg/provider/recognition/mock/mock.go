// Package mock provides a scripted test double for the recognition package.
//
// Use Provider to control exactly what each Recognize call returns and to
// inspect which chunks were delivered:
//
//	p := &mock.Provider{ProviderName: "local"}
//	p.Script(nil, recognition.ErrNoMatch) // first call: no match
//	p.Script(&recognition.Result{Title: "Hello"}, nil)
package mock

import (
	"context"
	"sync"

	"github.com/songsense/songsense/pkg/audio"
	"github.com/songsense/songsense/pkg/provider/recognition"
)

// Ensure Provider implements recognition.Provider at compile time.
var _ recognition.Provider = (*Provider)(nil)

// RecognizeCall records a single invocation of Provider.Recognize.
type RecognizeCall struct {
	// Ctx is the context passed to Recognize.
	Ctx context.Context
	// Chunk is the chunk passed to Recognize.
	Chunk *audio.Chunk
}

// step is one scripted Recognize outcome.
type step struct {
	result *recognition.Result
	err    error
}

// Provider is a mock implementation of recognition.Provider. The zero value
// is usable: every Recognize call returns recognition.ErrNoMatch until an
// outcome is scripted.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Unavailable makes Available report false.
	Unavailable bool

	// RecognizeFunc, if non-nil, overrides the scripted outcomes entirely.
	RecognizeFunc func(ctx context.Context, chunk *audio.Chunk) (*recognition.Result, error)

	// RecognizeCalls records every call to Recognize.
	RecognizeCalls []RecognizeCall

	script []step
}

// Script appends one Recognize outcome. Outcomes are consumed in order; when
// the script runs out, further calls return recognition.ErrNoMatch.
func (p *Provider) Script(result *recognition.Result, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.script = append(p.script, step{result: result, err: err})
}

// Name returns ProviderName, or "mock" when unset.
func (p *Provider) Name() string {
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// Available reports the inverse of Unavailable.
func (p *Provider) Available() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.Unavailable
}

// Recognize records the call and returns the next scripted outcome.
func (p *Provider) Recognize(ctx context.Context, chunk *audio.Chunk) (*recognition.Result, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.RecognizeCalls = append(p.RecognizeCalls, RecognizeCall{Ctx: ctx, Chunk: chunk})

	if p.RecognizeFunc != nil {
		return p.RecognizeFunc(ctx, chunk)
	}

	if len(p.script) == 0 {
		return nil, recognition.ErrNoMatch
	}
	next := p.script[0]
	p.script = p.script[1:]
	return next.result, next.err
}

// Calls returns the number of Recognize invocations so far. Thread-safe.
func (p *Provider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.RecognizeCalls)
}

// Reset clears recorded calls and any remaining script. Thread-safe.
func (p *Provider) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.RecognizeCalls = nil
	p.script = nil
}

package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/songsense/songsense/internal/observe"
	"github.com/songsense/songsense/pkg/audio"
	"github.com/songsense/songsense/pkg/provider/recognition"
)

// defaultProviderTimeout bounds each provider attempt independently, so a
// hung provider costs one timeout, not the whole cycle budget.
const defaultProviderTimeout = 12 * time.Second

// chain tries recognition providers in priority order and returns the
// first successful result. Unavailable providers are skipped without an
// attempt; every failure falls through to the next provider.
type chain struct {
	providers []recognition.Provider
	timeout   time.Duration
	metrics   *observe.Metrics
}

func newChain(providers []recognition.Provider, timeout time.Duration, metrics *observe.Metrics) *chain {
	if timeout <= 0 {
		timeout = defaultProviderTimeout
	}
	return &chain{providers: providers, timeout: timeout, metrics: metrics}
}

// recognize runs the chunk through the chain. It returns
// [recognition.ErrNoMatch] when every provider was skipped or failed —
// the caller treats that as a normal failed cycle, not a malfunction.
func (c *chain) recognize(ctx context.Context, chunk *audio.Chunk) (*recognition.Result, error) {
	for _, p := range c.providers {
		if !p.Available() {
			continue
		}

		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		start := time.Now()
		res, err := p.Recognize(attemptCtx, chunk)
		cancel()
		elapsed := time.Since(start).Seconds()

		if err == nil {
			c.metrics.RecordProviderRequest(ctx, p.Name(), "matched", elapsed)
			slog.Debug("recognition hit",
				"provider", p.Name(),
				"title", res.Title,
				"artist", res.Artist,
				"confidence", fmt.Sprintf("%.2f", res.Confidence),
			)
			return res, nil
		}
		if errors.Is(err, recognition.ErrNoMatch) {
			c.metrics.RecordProviderRequest(ctx, p.Name(), "no_match", elapsed)
			slog.Debug("no match", "provider", p.Name())
		} else {
			c.metrics.RecordProviderRequest(ctx, p.Name(), "error", elapsed)
			c.metrics.RecordProviderError(ctx, p.Name())
			slog.Warn("provider failed, falling through", "provider", p.Name(), "error", err)
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, recognition.ErrNoMatch
}

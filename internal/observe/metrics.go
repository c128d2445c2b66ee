// Package observe provides application-wide observability for songsense:
// OpenTelemetry metrics, tracing, structured logging helpers, and HTTP
// middleware for the debug listener.
//
// Metrics are recorded through the OpenTelemetry Metrics API. A Prometheus
// exporter bridge is available via [InitProvider] so that metrics can be
// scraped via the standard /metrics endpoint. A package-level default
// [Metrics] instance ([DefaultMetrics]) is provided for convenience; tests
// should use [NewMetrics] with a custom [metric.MeterProvider] to avoid
// cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all songsense metrics.
const meterName = "github.com/songsense/songsense"

// Cycle status attribute values.
const (
	CycleMatched       = "matched"
	CycleNoMatch       = "no_match"
	CycleSilent        = "silent"
	CycleCaptureFailed = "capture_failed"
)

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use — the underlying OTel types handle
// their own synchronisation.
type Metrics struct {
	// CycleDuration tracks the wall time of one capture→recognize cycle.
	// Use with attribute.String("status", ...).
	CycleDuration metric.Float64Histogram

	// ProviderDuration tracks per-provider recognition latency. Use with
	// attribute.String("provider", ...).
	ProviderDuration metric.Float64Histogram

	// Cycles counts recognition cycles. Use with
	// attribute.String("status", ...) — one of the Cycle* constants.
	Cycles metric.Int64Counter

	// ProviderRequests counts provider attempts. Use with attributes:
	//   attribute.String("provider", ...), attribute.String("status", ...)
	ProviderRequests metric.Int64Counter

	// ProviderErrors counts provider failures other than a clean no-match.
	// Use with attribute.String("provider", ...).
	ProviderErrors metric.Int64Counter

	// SongChanges counts detected song changes.
	SongChanges metric.Int64Counter

	// DaemonRestarts counts fingerprint-daemon restart attempts.
	DaemonRestarts metric.Int64Counter

	// SecondaryQuotaUsed tracks requests consumed against the secondary
	// recognizer's daily quota.
	SecondaryQuotaUsed metric.Int64UpDownCounter

	// HTTPRequestDuration tracks debug-listener request time. Use with
	// attributes: attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// recognition round trips: local daemon answers in tens of milliseconds,
// cloud identifies in single-digit seconds.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 20,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.CycleDuration, err = m.Float64Histogram("songsense.cycle.duration",
		metric.WithDescription("Wall time of one capture and recognition cycle."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.ProviderDuration, err = m.Float64Histogram("songsense.provider.duration",
		metric.WithDescription("Recognition latency per provider."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}

	if met.Cycles, err = m.Int64Counter("songsense.cycles",
		metric.WithDescription("Total recognition cycles by status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderRequests, err = m.Int64Counter("songsense.provider.requests",
		metric.WithDescription("Total provider attempts by provider and status."),
	); err != nil {
		return nil, err
	}
	if met.ProviderErrors, err = m.Int64Counter("songsense.provider.errors",
		metric.WithDescription("Total provider failures other than a clean no-match."),
	); err != nil {
		return nil, err
	}
	if met.SongChanges, err = m.Int64Counter("songsense.song_changes",
		metric.WithDescription("Total detected song changes."),
	); err != nil {
		return nil, err
	}
	if met.DaemonRestarts, err = m.Int64Counter("songsense.daemon.restarts",
		metric.WithDescription("Total fingerprint daemon restart attempts."),
	); err != nil {
		return nil, err
	}

	if met.SecondaryQuotaUsed, err = m.Int64UpDownCounter("songsense.secondary.quota_used",
		metric.WithDescription("Requests consumed against the secondary recognizer's daily quota."),
	); err != nil {
		return nil, err
	}

	if met.HTTPRequestDuration, err = m.Float64Histogram("songsense.http.request.duration",
		metric.WithDescription("Debug listener request latency by method and path."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

// defaultMetrics is the lazily-initialised package-level Metrics instance.
var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it
// on first call using [otel.GetMeterProvider]. Subsequent calls return the
// same pointer. Panics if instrument creation fails (should not happen with
// the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String] to reduce verbosity at
// call sites.
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordCycle records one finished recognition cycle. Nil-safe so callers
// can run unmetered.
func (m *Metrics) RecordCycle(ctx context.Context, status string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("status", status))
	m.Cycles.Add(ctx, 1, attrs)
	m.CycleDuration.Record(ctx, seconds, attrs)
}

// RecordProviderRequest records one provider attempt. Nil-safe.
func (m *Metrics) RecordProviderRequest(ctx context.Context, provider, status string, seconds float64) {
	if m == nil {
		return
	}
	m.ProviderRequests.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("provider", provider),
			attribute.String("status", status),
		),
	)
	m.ProviderDuration.Record(ctx, seconds,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordProviderError records one provider failure. Nil-safe.
func (m *Metrics) RecordProviderError(ctx context.Context, provider string) {
	if m == nil {
		return
	}
	m.ProviderErrors.Add(ctx, 1,
		metric.WithAttributes(attribute.String("provider", provider)),
	)
}

// RecordSongChange records one detected song change. Nil-safe.
func (m *Metrics) RecordSongChange(ctx context.Context) {
	if m == nil {
		return
	}
	m.SongChanges.Add(ctx, 1)
}

// RecordDaemonRestart records one daemon restart attempt. Nil-safe.
func (m *Metrics) RecordDaemonRestart(ctx context.Context) {
	if m == nil {
		return
	}
	m.DaemonRestarts.Add(ctx, 1)
}

// Package telemetry declares the OpenTelemetry metric instruments the
// symbolication engine records: cache occupancy, fetch misses, and
// upstream forwarding outcomes.
package telemetry

import (
	"errors"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Builder holds every instrument the engine records. Components receive
// a *Builder at construction and record through its fields; a Builder
// built from a noop meter makes every recording a no-op.
type Builder struct {
	RequestsTotal     metric.Int64Counter
	MalformedRequests metric.Int64Counter
	CacheHits         metric.Int64Counter
	FetchMisses       metric.Int64Counter
	ForwardAttempts   metric.Int64Counter
	ForwardFailures   metric.Int64Counter
	MemCacheEntries   metric.Int64Gauge
	DiskCacheEntries  metric.Int64Gauge
}

// New creates every instrument on the given meter.
func New(meter metric.Meter) (*Builder, error) {
	var b Builder
	var errs []error

	appendInstrument := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	var err error
	b.RequestsTotal, err = meter.Int64Counter(
		"symbolserver.requests",
		metric.WithDescription("Symbolication requests received"),
		metric.WithUnit("{request}"))
	appendInstrument(err)

	b.MalformedRequests, err = meter.Int64Counter(
		"symbolserver.requests.malformed",
		metric.WithDescription("Requests rejected by validation"),
		metric.WithUnit("{request}"))
	appendInstrument(err)

	b.CacheHits, err = meter.Int64Counter(
		"symbolserver.cache.hits",
		metric.WithDescription("Symbol table lookups served from a cache tier"),
		metric.WithUnit("{lookup}"))
	appendInstrument(err)

	b.FetchMisses, err = meter.Int64Counter(
		"symbolserver.fetch.misses",
		metric.WithDescription("Symbol tables not locatable through any fetcher"),
		metric.WithUnit("{fetch}"))
	appendInstrument(err)

	b.ForwardAttempts, err = meter.Int64Counter(
		"symbolserver.forward.attempts",
		metric.WithDescription("Upstream forwarding round trips attempted"),
		metric.WithUnit("{forward}"))
	appendInstrument(err)

	b.ForwardFailures, err = meter.Int64Counter(
		"symbolserver.forward.failures",
		metric.WithDescription("Upstream forwarding round trips that were abandoned"),
		metric.WithUnit("{forward}"))
	appendInstrument(err)

	b.MemCacheEntries, err = meter.Int64Gauge(
		"symbolserver.mem_cache.entries",
		metric.WithDescription("Symbol tables resident in the memory cache tier"),
		metric.WithUnit("{entry}"))
	appendInstrument(err)

	b.DiskCacheEntries, err = meter.Int64Gauge(
		"symbolserver.disk_cache.entries",
		metric.WithDescription("Symbol tables resident in the disk cache tier"),
		metric.WithUnit("{entry}"))
	appendInstrument(err)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return &b, nil
}

// Nop returns a Builder whose recordings all discard. Used when the
// caller does not wire a meter.
func Nop() *Builder {
	b, err := New(noop.NewMeterProvider().Meter("breakpadsym"))
	if err != nil {
		// The noop meter never fails to create an instrument.
		panic(err)
	}
	return b
}

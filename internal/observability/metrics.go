package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/Sumatoshi-tech/stylefang/internal/safeconv"
)

const (
	metricCompilesTotal   = "stylefang.compiles.total"
	metricCompileDuration = "stylefang.compile.duration.seconds"
	metricCompileErrors   = "stylefang.compile.errors.total"
	metricImportsTotal    = "stylefang.imports.total"
	metricURLDepsTotal    = "stylefang.url_dependencies.total"
	metricOutputBytes     = "stylefang.output.bytes"
	metricInflight        = "stylefang.compiles.inflight"
	metricCacheLookups    = "stylefang.cache.lookups.total"

	attrType   = "type"
	attrStatus = "status"
	attrResult = "result"

	// StatusOK and StatusError are the compile status attribute values.
	StatusOK    = "ok"
	StatusError = "error"
)

// durationBuckets covers 1ms to 30s, from a single small file to a large
// import tree compiled through Dart Sass.
var durationBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// CompileMetrics holds the instruments recorded per compiled asset.
type CompileMetrics struct {
	compiles metric.Int64Counter
	duration metric.Float64Histogram
	errors   metric.Int64Counter
	imports  metric.Int64Counter
	urlDeps  metric.Int64Counter
	bytes    metric.Int64Counter
	inflight metric.Int64UpDownCounter
	lookups  metric.Int64Counter
}

// CompileStats describes one finished compile.
type CompileStats struct {
	// Type is the source asset type, e.g. "less" or "scss".
	Type     string
	Status   string
	Duration time.Duration
	Imports  int
	URLDeps  int
	Bytes    int
}

// NewCompileMetrics creates the compile instruments from mt.
func NewCompileMetrics(mt metric.Meter) (*CompileMetrics, error) {
	b := newMetricBuilder(mt)

	cm := &CompileMetrics{
		compiles: b.counter(metricCompilesTotal, "Compiled assets", "{asset}"),
		duration: b.histogram(metricCompileDuration, "Compile duration in seconds", "s", durationBuckets...),
		errors:   b.counter(metricCompileErrors, "Failed compiles", "{error}"),
		imports:  b.counter(metricImportsTotal, "Imports inlined into compiled assets", "{import}"),
		urlDeps:  b.counter(metricURLDepsTotal, "url() references rewritten", "{reference}"),
		bytes:    b.counter(metricOutputBytes, "Generated CSS bytes", "By"),
		inflight: b.upDownCounter(metricInflight, "Compiles in progress", "{asset}"),
		lookups:  b.counter(metricCacheLookups, "Build cache lookups by result", "{lookup}"),
	}

	if b.err != nil {
		return nil, b.err
	}

	return cm, nil
}

// RecordCompile records one finished compile. Safe on a nil receiver.
func (cm *CompileMetrics) RecordCompile(ctx context.Context, stats CompileStats) {
	if cm == nil {
		return
	}

	typeAttr := attribute.String(attrType, stats.Type)
	attrs := metric.WithAttributes(typeAttr, attribute.String(attrStatus, stats.Status))

	cm.compiles.Add(ctx, 1, attrs)
	cm.duration.Record(ctx, stats.Duration.Seconds(), attrs)

	if stats.Status == StatusError {
		cm.errors.Add(ctx, 1, metric.WithAttributes(typeAttr))

		return
	}

	byType := metric.WithAttributes(typeAttr)
	cm.imports.Add(ctx, safeconv.NonNegative(stats.Imports), byType)
	cm.urlDeps.Add(ctx, safeconv.NonNegative(stats.URLDeps), byType)
	cm.bytes.Add(ctx, safeconv.NonNegative(stats.Bytes), byType)
}

// TrackInflight increments the in-flight counter and returns its decrement.
// Safe on a nil receiver.
func (cm *CompileMetrics) TrackInflight(ctx context.Context, typ string) func() {
	if cm == nil {
		return func() {}
	}

	attrs := metric.WithAttributes(attribute.String(attrType, typ))
	cm.inflight.Add(ctx, 1, attrs)

	return func() {
		cm.inflight.Add(ctx, -1, attrs)
	}
}

// RecordCacheLookup counts one build cache lookup. Safe on a nil receiver.
func (cm *CompileMetrics) RecordCacheLookup(ctx context.Context, typ string, hit bool) {
	if cm == nil {
		return
	}

	result := "miss"
	if hit {
		result = "hit"
	}

	cm.lookups.Add(ctx, 1, metric.WithAttributes(attribute.String(attrType, typ), attribute.String(attrResult, result)))
}

// metricBuilder accumulates instrument creation errors so a batch of
// instruments needs a single error check.
type metricBuilder struct {
	meter metric.Meter
	err   error
}

func newMetricBuilder(mt metric.Meter) *metricBuilder {
	return &metricBuilder{meter: mt}
}

func (b *metricBuilder) counter(name, desc, unit string) metric.Int64Counter {
	c, err := b.meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.setErr(name, err)

	return c
}

func (b *metricBuilder) histogram(name, desc, unit string, bounds ...float64) metric.Float64Histogram {
	h, err := b.meter.Float64Histogram(name,
		metric.WithDescription(desc),
		metric.WithUnit(unit),
		metric.WithExplicitBucketBoundaries(bounds...),
	)
	b.setErr(name, err)

	return h
}

func (b *metricBuilder) upDownCounter(name, desc, unit string) metric.Int64UpDownCounter {
	c, err := b.meter.Int64UpDownCounter(name, metric.WithDescription(desc), metric.WithUnit(unit))
	b.setErr(name, err)

	return c
}

func (b *metricBuilder) setErr(name string, err error) {
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("create %s: %w", name, err)
	}
}

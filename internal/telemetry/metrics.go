package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics bundles the engine's instruments. Built once at startup; all
// methods are safe with the no-op provider.
type Metrics struct {
	checks          metric.Int64Counter
	checkLatency    metric.Float64Histogram
	cacheHits       metric.Int64Counter
	bitmapAnswers   metric.Int64Counter
	breakerOpens    metric.Int64Counter
	waitTimeouts    metric.Int64Counter
	bitmapRecompute metric.Float64Histogram
}

// NewMetrics registers the engine instruments on the global meter.
func NewMetrics() (*Metrics, error) {
	meter := Meter("")
	m := &Metrics{}
	var err error

	if m.checks, err = meter.Int64Counter("relgraph.checks",
		metric.WithDescription("Permission checks by verdict")); err != nil {
		return nil, err
	}
	if m.checkLatency, err = meter.Float64Histogram("relgraph.check.duration_ms",
		metric.WithDescription("Check latency in milliseconds")); err != nil {
		return nil, err
	}
	if m.cacheHits, err = meter.Int64Counter("relgraph.cache.lookups",
		metric.WithDescription("Decision cache lookups by outcome")); err != nil {
		return nil, err
	}
	if m.bitmapAnswers, err = meter.Int64Counter("relgraph.bitmap.answers",
		metric.WithDescription("Bitmap index probes by outcome")); err != nil {
		return nil, err
	}
	if m.breakerOpens, err = meter.Int64Counter("relgraph.breaker.opens",
		metric.WithDescription("Circuit breaker open transitions")); err != nil {
		return nil, err
	}
	if m.waitTimeouts, err = meter.Int64Counter("relgraph.consistency.timeouts",
		metric.WithDescription("Bounded revision waits that expired")); err != nil {
		return nil, err
	}
	if m.bitmapRecompute, err = meter.Float64Histogram("relgraph.bitmap.recompute_ms",
		metric.WithDescription("Bitmap rebuild duration in milliseconds")); err != nil {
		return nil, err
	}
	return m, nil
}

func tenantAttr(tenant string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("tenant", tenant))
}

// RecordCheck counts one check and its latency.
func (m *Metrics) RecordCheck(ctx context.Context, tenant, verdict string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.checks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant", tenant),
		attribute.String("verdict", verdict),
	))
	m.checkLatency.Record(ctx, float64(elapsed)/float64(time.Millisecond), tenantAttr(tenant))
}

// RecordCacheLookup counts a decision-cache hit or miss.
func (m *Metrics) RecordCacheLookup(ctx context.Context, tenant string, hit bool) {
	if m == nil {
		return
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.cacheHits.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant", tenant),
		attribute.String("outcome", outcome),
	))
}

// RecordBitmapAnswer counts a bitmap probe outcome (present, absent,
// unknown).
func (m *Metrics) RecordBitmapAnswer(ctx context.Context, tenant, outcome string) {
	if m == nil {
		return
	}
	m.bitmapAnswers.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tenant", tenant),
		attribute.String("outcome", outcome),
	))
}

// RecordBreakerOpen counts a circuit opening for a tenant.
func (m *Metrics) RecordBreakerOpen(ctx context.Context, tenant string) {
	if m == nil {
		return
	}
	m.breakerOpens.Add(ctx, 1, tenantAttr(tenant))
}

// RecordConsistencyTimeout counts an expired bounded wait.
func (m *Metrics) RecordConsistencyTimeout(ctx context.Context, tenant string) {
	if m == nil {
		return
	}
	m.waitTimeouts.Add(ctx, 1, tenantAttr(tenant))
}

// RecordBitmapRecompute records a rebuild duration.
func (m *Metrics) RecordBitmapRecompute(ctx context.Context, tenant string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.bitmapRecompute.Record(ctx, float64(elapsed)/float64(time.Millisecond), tenantAttr(tenant))
}

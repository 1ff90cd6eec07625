package observability

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/xraph/unitybridge/hook"
	"github.com/xraph/unitybridge/job"
	"github.com/xraph/unitybridge/query"
)

// meterName is the instrumentation scope name for bridge metrics.
const meterName = "github.com/xraph/unitybridge"

// Compile-time interface checks.
var (
	_ hook.Extension     = (*MetricsExtension)(nil)
	_ hook.JobQueued     = (*MetricsExtension)(nil)
	_ hook.JobStarted    = (*MetricsExtension)(nil)
	_ hook.JobFinalized  = (*MetricsExtension)(nil)
	_ hook.QueryResolved = (*MetricsExtension)(nil)
)

// MetricsExtension records system-wide lifecycle metrics via OpenTelemetry.
// Register it on the hook registry to automatically track admission rates,
// terminal outcomes, job duration, and query resolutions.
//
// Instruments:
//   - unitybridge.job.queued (Int64Counter): admitted jobs
//   - unitybridge.job.started (Int64Counter): jobs that acquired the slot
//   - unitybridge.job.finalized (Int64Counter): terminal outcomes, with
//     attributes: status, auto_cancel_reason (janitor cancels only)
//   - unitybridge.job.duration (Float64Histogram): admit-to-terminal time
//     in seconds, with attribute: status
//   - unitybridge.query.resolved (Int64Counter): settled queries, with
//     attributes: query_type, status
type MetricsExtension struct {
	jobQueued     metric.Int64Counter
	jobStarted    metric.Int64Counter
	jobFinalized  metric.Int64Counter
	jobDuration   metric.Float64Histogram
	queryResolved metric.Int64Counter
}

// NewMetricsExtension creates a MetricsExtension using the global OTel
// MeterProvider. If no MeterProvider is configured, the instruments are
// noops and the extension becomes a pass-through.
func NewMetricsExtension() *MetricsExtension {
	return NewMetricsExtensionWithMeter(otel.Meter(meterName))
}

// NewMetricsExtensionWithMeter creates a MetricsExtension with the
// provided meter. This variant allows injecting a specific MeterProvider
// for testing.
func NewMetricsExtensionWithMeter(meter metric.Meter) *MetricsExtension {
	// Instruments are created once here. On error, the OTel API returns
	// noop instruments so the extension degrades gracefully.
	queued, qErr := meter.Int64Counter(
		"unitybridge.job.queued",
		metric.WithDescription("Total jobs admitted"),
		metric.WithUnit("{job}"),
	)
	_ = qErr

	started, sErr := meter.Int64Counter(
		"unitybridge.job.started",
		metric.WithDescription("Total jobs that acquired the execution slot"),
		metric.WithUnit("{job}"),
	)
	_ = sErr

	finalized, fErr := meter.Int64Counter(
		"unitybridge.job.finalized",
		metric.WithDescription("Total jobs reaching a terminal state"),
		metric.WithUnit("{job}"),
	)
	_ = fErr

	duration, dErr := meter.Float64Histogram(
		"unitybridge.job.duration",
		metric.WithDescription("Time from admission to terminal state in seconds"),
		metric.WithUnit("s"),
	)
	_ = dErr

	resolved, rErr := meter.Int64Counter(
		"unitybridge.query.resolved",
		metric.WithDescription("Total queries reaching a terminal state"),
		metric.WithUnit("{query}"),
	)
	_ = rErr

	return &MetricsExtension{
		jobQueued:     queued,
		jobStarted:    started,
		jobFinalized:  finalized,
		jobDuration:   duration,
		queryResolved: resolved,
	}
}

// Name implements hook.Extension.
func (m *MetricsExtension) Name() string { return "observability-metrics" }

// OnJobQueued implements hook.JobQueued.
func (m *MetricsExtension) OnJobQueued(ctx context.Context, _ *job.Job) error {
	m.jobQueued.Add(ctx, 1)
	return nil
}

// OnJobStarted implements hook.JobStarted.
func (m *MetricsExtension) OnJobStarted(ctx context.Context, _ *job.Job) error {
	m.jobStarted.Add(ctx, 1)
	return nil
}

// OnJobFinalized implements hook.JobFinalized.
func (m *MetricsExtension) OnJobFinalized(ctx context.Context, j *job.Job, elapsed time.Duration) error {
	attrs := []attribute.KeyValue{
		attribute.String("status", string(j.Status)),
	}
	if j.AutoCancelReason != "" {
		attrs = append(attrs, attribute.String("auto_cancel_reason", j.AutoCancelReason))
	}

	m.jobFinalized.Add(ctx, 1, metric.WithAttributes(attrs...))
	m.jobDuration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("status", string(j.Status)),
	))
	return nil
}

// OnQueryResolved implements hook.QueryResolved.
func (m *MetricsExtension) OnQueryResolved(ctx context.Context, q *query.Query) error {
	m.queryResolved.Add(ctx, 1, metric.WithAttributes(
		attribute.String("query_type", q.QueryType),
		attribute.String("status", string(q.Status)),
	))
	return nil
}

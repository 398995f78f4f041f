package scanning

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ScanMetrics defines the metrics operations the orchestration core records.
type ScanMetrics interface {
	// Task metrics
	IncTasksEnqueued(ctx context.Context)
	IncTasksProcessed(ctx context.Context)
	IncTaskErrors(ctx context.Context)
	ObserveTaskDuration(ctx context.Context, d time.Duration)

	// Queue metrics
	AddQueueDepth(ctx context.Context, delta int64)

	// Engine metrics
	ObserveEngineLatency(ctx context.Context, engine string, d time.Duration)
	IncEngineErrors(ctx context.Context, engine string)

	// Finding metrics
	IncFindings(ctx context.Context, engine string)
}

// scanMetrics implements ScanMetrics on OpenTelemetry instruments.
type scanMetrics struct {
	tasksEnqueued  metric.Int64Counter
	tasksProcessed metric.Int64Counter
	taskErrors     metric.Int64Counter
	taskDuration   metric.Float64Histogram

	queueDepth metric.Int64UpDownCounter

	engineLatency metric.Float64Histogram
	engineErrors  metric.Int64Counter

	findings metric.Int64Counter
}

const namespace = "scanner"

// NewScanMetrics creates a ScanMetrics instance on the given meter provider.
func NewScanMetrics(mp metric.MeterProvider) (ScanMetrics, error) {
	meter := mp.Meter(namespace, metric.WithInstrumentationVersion("v0.1.0"))

	m := new(scanMetrics)
	var err error

	if m.tasksEnqueued, err = meter.Int64Counter(
		"tasks_enqueued_total",
		metric.WithDescription("Total number of file tasks enqueued"),
	); err != nil {
		return nil, err
	}

	if m.tasksProcessed, err = meter.Int64Counter(
		"tasks_processed_total",
		metric.WithDescription("Total number of file tasks successfully processed"),
	); err != nil {
		return nil, err
	}

	if m.taskErrors, err = meter.Int64Counter(
		"task_errors_total",
		metric.WithDescription("Total number of file task processing errors"),
	); err != nil {
		return nil, err
	}

	if m.taskDuration, err = meter.Float64Histogram(
		"task_duration_seconds",
		metric.WithDescription("Duration of file task processing"),
	); err != nil {
		return nil, err
	}

	if m.queueDepth, err = meter.Int64UpDownCounter(
		"task_queue_depth",
		metric.WithDescription("Number of tasks currently queued"),
	); err != nil {
		return nil, err
	}

	if m.engineLatency, err = meter.Float64Histogram(
		"engine_call_seconds",
		metric.WithDescription("Latency of detection engine calls"),
	); err != nil {
		return nil, err
	}

	if m.engineErrors, err = meter.Int64Counter(
		"engine_errors_total",
		metric.WithDescription("Total number of detection engine call errors"),
	); err != nil {
		return nil, err
	}

	if m.findings, err = meter.Int64Counter(
		"findings_total",
		metric.WithDescription("Total number of accepted findings"),
	); err != nil {
		return nil, err
	}

	return m, nil
}

func (m *scanMetrics) IncTasksEnqueued(ctx context.Context)  { m.tasksEnqueued.Add(ctx, 1) }
func (m *scanMetrics) IncTasksProcessed(ctx context.Context) { m.tasksProcessed.Add(ctx, 1) }
func (m *scanMetrics) IncTaskErrors(ctx context.Context)     { m.taskErrors.Add(ctx, 1) }

func (m *scanMetrics) ObserveTaskDuration(ctx context.Context, d time.Duration) {
	m.taskDuration.Record(ctx, d.Seconds())
}

func (m *scanMetrics) AddQueueDepth(ctx context.Context, delta int64) {
	m.queueDepth.Add(ctx, delta)
}

func (m *scanMetrics) ObserveEngineLatency(ctx context.Context, engine string, d time.Duration) {
	m.engineLatency.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("engine", engine)))
}

func (m *scanMetrics) IncEngineErrors(ctx context.Context, engine string) {
	m.engineErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("engine", engine)))
}

func (m *scanMetrics) IncFindings(ctx context.Context, engine string) {
	m.findings.Add(ctx, 1, metric.WithAttributes(attribute.String("engine", engine)))
}

// noopMetrics discards all metrics. Used in tests.
type noopMetrics struct{}

// NoopMetrics returns a ScanMetrics that records nothing.
func NoopMetrics() ScanMetrics { return noopMetrics{} }

func (noopMetrics) IncTasksEnqueued(context.Context)                            {}
func (noopMetrics) IncTasksProcessed(context.Context)                           {}
func (noopMetrics) IncTaskErrors(context.Context)                               {}
func (noopMetrics) ObserveTaskDuration(context.Context, time.Duration)          {}
func (noopMetrics) AddQueueDepth(context.Context, int64)                        {}
func (noopMetrics) ObserveEngineLatency(context.Context, string, time.Duration) {}
func (noopMetrics) IncEngineErrors(context.Context, string)                     {}
func (noopMetrics) IncFindings(context.Context, string)                         {}

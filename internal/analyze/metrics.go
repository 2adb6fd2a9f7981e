package analyze

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"livestory/internal/domain"
	"livestory/internal/telemetry"
)

const scope = "livestory.analyze"

var (
	analysisTotal    metric.Int64Counter
	analysisDuration metric.Float64Histogram
	proposalsTotal   metric.Int64Counter
	droppedTotal     metric.Int64Counter

	metricsOnce sync.Once
	metricsErr  error
)

func initMetrics() error {
	metricsOnce.Do(func() {
		meter := telemetry.Meter(scope)
		var err error
		analysisTotal, err = meter.Int64Counter("livestory_analysis_total",
			metric.WithDescription("Propagation passes by outcome"))
		if err != nil {
			metricsErr = err
			return
		}
		analysisDuration, err = meter.Float64Histogram("livestory_analysis_duration_seconds",
			metric.WithDescription("Duration of propagation passes"),
			metric.WithUnit("s"))
		if err != nil {
			metricsErr = err
			return
		}
		proposalsTotal, err = meter.Int64Counter("livestory_proposals_total",
			metric.WithDescription("Proposed downstream changes"))
		if err != nil {
			metricsErr = err
			return
		}
		droppedTotal, err = meter.Int64Counter("livestory_proposals_dropped_total",
			metric.WithDescription("Generator edits discarded as invalid or no-op"))
		if err != nil {
			metricsErr = err
		}
	})
	return metricsErr
}

func startSpan(ctx context.Context, projectID string, phase domain.Phase, fields int) (context.Context, trace.Span) {
	return telemetry.Tracer(scope).Start(ctx, "analyze.propagation",
		trace.WithAttributes(
			attribute.String("livestory.project_id", projectID),
			attribute.String("livestory.source_phase", phase.String()),
			attribute.Int("livestory.diff_fields", fields),
		),
	)
}

func recordMetrics(ctx context.Context, phase domain.Phase, outcome string, d time.Duration, proposals, dropped int) {
	if err := initMetrics(); err != nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("source_phase", phase.String()),
		attribute.String("outcome", outcome),
	)
	analysisTotal.Add(ctx, 1, attrs)
	analysisDuration.Record(ctx, d.Seconds(), attrs)
	if proposals > 0 {
		proposalsTotal.Add(ctx, int64(proposals), attrs)
	}
	if dropped > 0 {
		droppedTotal.Add(ctx, int64(dropped), attrs)
	}
}

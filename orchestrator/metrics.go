package orchestrator

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// jobMetrics holds job run instruments using OTEL semantic conventions
type jobMetrics struct {
	runs     metric.Int64Counter
	duration metric.Float64Histogram
}

func newJobMetrics(provider metric.MeterProvider) (*jobMetrics, error) {
	meter := provider.Meter("tarkka.orchestrator")

	runs, err := meter.Int64Counter(
		"tarkka.jobs.runs",
		metric.WithDescription("Number of job ticks by outcome"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram(
		"tarkka.jobs.duration",
		metric.WithDescription("Duration of job ticks"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &jobMetrics{runs: runs, duration: duration}, nil
}

func (m *jobMetrics) recordRun(ctx context.Context, out Outcome) {
	attrs := metric.WithAttributes(
		attribute.String("job", out.JobID),
		attribute.String("outcome", string(out.Status)),
	)
	m.runs.Add(ctx, 1, attrs)
	if out.Status != RunSkipped {
		m.duration.Record(ctx, out.Duration.Seconds(), attrs)
	}
}

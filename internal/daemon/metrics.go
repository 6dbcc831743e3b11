package daemon

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds operational metrics using OTEL semantic conventions
type Metrics struct {
	sweeps        metric.Int64Counter
	sweepDuration metric.Float64Histogram
}

// NewMetrics creates daemon metrics following OTEL semantic conventions
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter("fairsight.daemon")

	sweeps, err := meter.Int64Counter(
		"fairsight.daemon.sweeps",
		metric.WithDescription("Number of audit verification sweeps run"),
		metric.WithUnit("{sweep}"),
	)
	if err != nil {
		return nil, err
	}

	sweepDuration, err := meter.Float64Histogram(
		"fairsight.daemon.sweep.duration",
		metric.WithDescription("Duration of audit verification sweeps"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		sweeps:        sweeps,
		sweepDuration: sweepDuration,
	}, nil
}

// RecordSweep records a verification sweep with its status
func (m *Metrics) RecordSweep(ctx context.Context, status string, durationSeconds float64) {
	m.sweeps.Add(ctx, 1,
		metric.WithAttributes(attribute.String("status", status)),
	)
	m.sweepDuration.Record(ctx, durationSeconds,
		metric.WithAttributes(attribute.String("status", status)),
	)
}

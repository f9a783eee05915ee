package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricReports = "finclient.reports"
	metricCounts  = "finclient.counts"
)

// OtelAPI turns reports into otel metrics: broken and warning reports are
// counted per kind and id, counts become a gauge per id. Debug reports are
// dropped.
type OtelAPI struct {
	reports metric.Int64Counter
	counts  metric.Int64Gauge
}

func NewOtelAPI(meter metric.Meter) (OtelAPI, error) {
	reports, err := meter.Int64Counter(
		metricReports,
		metric.WithDescription("Broken components and warnings reported."),
	)
	if err != nil {
		return OtelAPI{}, err
	}
	counts, err := meter.Int64Gauge(
		metricCounts,
		metric.WithDescription("Last value reported for a count."),
	)
	if err != nil {
		return OtelAPI{}, err
	}
	return OtelAPI{reports: reports, counts: counts}, nil
}

func (o OtelAPI) report(kind, id string) {
	o.reports.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("kind", kind),
		attribute.String("id", id),
	))
}

func (o OtelAPI) ReportBroken(id string, params ...any) {
	o.report("broken", id)
}

func (o OtelAPI) ReportWarning(id string, params ...any) {
	o.report("warning", id)
}

func (o OtelAPI) ReportDebug(msg string, params ...any) {}

func (o OtelAPI) ReportCount(id string, count int64) {
	o.counts.Record(context.Background(), count, metric.WithAttributes(attribute.String("id", id)))
}

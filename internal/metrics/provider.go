package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Provider wires an OTelRecorder to a Prometheus scrape endpoint, mirroring
// internal/tracing/otel.go's OTelProvider (prometheus.New() reader feeding
// an otel SDK MeterProvider, exposed over promhttp.Handler()).
type Provider struct {
	mp        *metric.MeterProvider
	recorder  *OTelRecorder
	collector *Collector
}

// NewProvider constructs the OTel meter provider + Prometheus reader and
// the in-process percentile Collector together, so callers get both the
// scrape endpoint and the copy-on-read Snapshot/Export API from one call.
func NewProvider(serviceName, serviceVersion string, sampleSize int) (*Provider, error) {
	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			"",
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(serviceVersion),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("metrics: build resource: %w", err)
	}

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("metrics: create prometheus exporter: %w", err)
	}

	mp := metric.NewMeterProvider(
		metric.WithResource(res),
		metric.WithReader(promExporter),
	)

	recorder, err := NewOTelRecorder(mp)
	if err != nil {
		return nil, fmt.Errorf("metrics: create otel recorder: %w", err)
	}

	return &Provider{
		mp:        mp,
		recorder:  recorder,
		collector: NewCollector(sampleSize),
	}, nil
}

// Recorder returns the OTel-backed recorder for live instrument updates.
func (p *Provider) Recorder() *OTelRecorder {
	return p.recorder
}

// Collector returns the in-process sliding-sample collector used for
// percentile snapshots and the hand-rolled text exporter.
func (p *Provider) Collector() *Collector {
	return p.collector
}

// RecordTerminal feeds one terminal job observation to both the OTel
// recorder (for the /metrics Prometheus scrape) and the Collector (for
// percentile snapshots and API responses), so callers only need one call
// site (C4's jobmanager.MetricsSink) per job completion.
func (p *Provider) RecordTerminal(ctx context.Context, backendKind string, outcome Outcome, durationMs int64) {
	d := msToDuration(durationMs)
	p.recorder.RecordJobTerminal(ctx, backendKind, outcome, d)
	p.collector.Record(backendKind, outcome, d)
}

// MetricsHandler returns the Prometheus scrape endpoint handler, matching
// internal/tracing/otel.go's OTelProvider.MetricsHandler.
func (p *Provider) MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// Shutdown releases the underlying meter provider's resources.
func (p *Provider) Shutdown(ctx context.Context) error {
	return p.mp.Shutdown(ctx)
}

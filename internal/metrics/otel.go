package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OTelRecorder mirrors internal/tracing/metrics.go's MetricsCollector
// shape (a meter, counters, histograms, observable gauges backed by
// locked accumulators) generalized from workflow/LLM metrics to job
// execution metrics: jobs submitted/completed, queue wait, and execution
// duration, labeled by backend kind and outcome.
type OTelRecorder struct {
	meter metric.Meter

	jobsTotal    metric.Int64Counter
	jobDuration  metric.Float64Histogram
	queueWait    metric.Float64Histogram

	activeMu sync.RWMutex
	active   map[string]int64 // backendKind -> count
}

// NewOTelRecorder creates an OTelRecorder using the given meter provider,
// registering instruments under the "orchestrator" meter name.
func NewOTelRecorder(meterProvider metric.MeterProvider) (*OTelRecorder, error) {
	meter := meterProvider.Meter("orchestrator")

	r := &OTelRecorder{meter: meter, active: make(map[string]int64)}

	var err error
	r.jobsTotal, err = meter.Int64Counter(
		"orchestrator_jobs_total",
		metric.WithDescription("Total number of terminal jobs"),
		metric.WithUnit("{job}"),
	)
	if err != nil {
		return nil, err
	}

	r.jobDuration, err = meter.Float64Histogram(
		"orchestrator_job_duration_seconds",
		metric.WithDescription("Job execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	r.queueWait, err = meter.Float64Histogram(
		"orchestrator_queue_wait_seconds",
		metric.WithDescription("Time a job spent queued before admission"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"orchestrator_active_jobs",
		metric.WithDescription("Number of currently running jobs by backend kind"),
		metric.WithUnit("{job}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			r.activeMu.RLock()
			defer r.activeMu.RUnlock()
			for kind, count := range r.active {
				observer.Observe(count, metric.WithAttributes(attribute.String("backend_kind", kind)))
			}
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return r, nil
}

// RecordJobStart marks one more active job for backendKind, for the
// observable active-jobs gauge.
func (r *OTelRecorder) RecordJobStart(backendKind string) {
	r.activeMu.Lock()
	r.active[backendKind]++
	r.activeMu.Unlock()
}

// RecordJobTerminal records one terminal job: decrements the active-job
// gauge, increments the outcome counter, and records its duration.
func (r *OTelRecorder) RecordJobTerminal(ctx context.Context, backendKind string, outcome Outcome, duration time.Duration) {
	r.activeMu.Lock()
	if r.active[backendKind] > 0 {
		r.active[backendKind]--
	}
	r.activeMu.Unlock()

	attrs := metric.WithAttributes(
		attribute.String("backend_kind", backendKind),
		attribute.String("outcome", string(outcome)),
	)
	r.jobsTotal.Add(ctx, 1, attrs)
	r.jobDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordQueueWait records how long a job waited before admission.
func (r *OTelRecorder) RecordQueueWait(ctx context.Context, backendKind string, wait time.Duration) {
	r.queueWait.Record(ctx, wait.Seconds(), metric.WithAttributes(attribute.String("backend_kind", backendKind)))
}

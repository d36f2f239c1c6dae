package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/petal-labs/petalproc/core"
)

// MetricsHandler translates engine events into OpenTelemetry metrics. It
// records counters for instance and job lifecycle transitions and incidents,
// and a histogram of instance wall-clock durations.
type MetricsHandler struct {
	instancesStarted  metric.Int64Counter
	instancesFinished metric.Int64Counter
	jobsActivated     metric.Int64Counter
	jobsCompleted     metric.Int64Counter
	incidents         metric.Int64Counter
	instanceDuration  metric.Float64Histogram

	mu        sync.Mutex
	startedAt map[string]time.Time // instanceID -> started timestamp
}

// NewMetricsHandler creates a MetricsHandler that uses the given meter to
// create instruments for recording engine metrics.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	started, err := meter.Int64Counter("petalproc.instance.started",
		metric.WithDescription("Number of process instances started"),
	)
	if err != nil {
		return nil, err
	}

	finished, err := meter.Int64Counter("petalproc.instance.finished",
		metric.WithDescription("Number of process instances reaching a terminal phase"),
	)
	if err != nil {
		return nil, err
	}

	activated, err := meter.Int64Counter("petalproc.job.activated",
		metric.WithDescription("Number of jobs handed to workers"),
	)
	if err != nil {
		return nil, err
	}

	completed, err := meter.Int64Counter("petalproc.job.completed",
		metric.WithDescription("Number of job completions applied"),
	)
	if err != nil {
		return nil, err
	}

	incidents, err := meter.Int64Counter("petalproc.incident.created",
		metric.WithDescription("Number of incidents raised"),
	)
	if err != nil {
		return nil, err
	}

	duration, err := meter.Float64Histogram("petalproc.instance.duration",
		metric.WithDescription("Duration of a process instance in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		instancesStarted:  started,
		instancesFinished: finished,
		jobsActivated:     activated,
		jobsCompleted:     completed,
		incidents:         incidents,
		instanceDuration:  duration,
		startedAt:         make(map[string]time.Time),
	}, nil
}

// Handle processes an engine event and records the appropriate metrics.
// It implements core.EventHandler semantics.
func (h *MetricsHandler) Handle(e core.Event) {
	switch e.Kind {
	case core.EventInstanceStarted:
		h.handleInstanceStarted(e)
	case core.EventInstanceCompleted:
		h.handleInstanceFinished(e, "completed")
	case core.EventInstanceTerminated:
		h.handleInstanceFinished(e, "terminated")
	case core.EventInstanceCancelled:
		h.handleInstanceFinished(e, "cancelled")
	case core.EventJobActivated:
		h.handleJobActivated(e)
	case core.EventJobCompleted:
		h.jobsCompleted.Add(context.Background(), 1)
	case core.EventIncidentCreated:
		h.handleIncidentCreated(e)
	}
}

func (h *MetricsHandler) handleInstanceStarted(e core.Event) {
	h.mu.Lock()
	h.startedAt[e.InstanceID.String()] = e.Time
	h.mu.Unlock()

	h.instancesStarted.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("process_key", payloadString(e, "process_key")),
	))
}

func (h *MetricsHandler) handleInstanceFinished(e core.Event, outcome string) {
	id := e.InstanceID.String()

	h.mu.Lock()
	started, ok := h.startedAt[id]
	if ok {
		delete(h.startedAt, id)
	}
	h.mu.Unlock()

	ctx := context.Background()
	attrs := metric.WithAttributes(attribute.String("outcome", outcome))
	h.instancesFinished.Add(ctx, 1, attrs)
	if ok {
		h.instanceDuration.Record(ctx, e.Time.Sub(started).Seconds(), attrs)
	}
}

func (h *MetricsHandler) handleJobActivated(e core.Event) {
	h.jobsActivated.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("task_type", payloadString(e, "task_type")),
	))
}

func (h *MetricsHandler) handleIncidentCreated(e core.Event) {
	h.incidents.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("class", payloadString(e, "class")),
	))
}

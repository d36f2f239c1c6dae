// Package otel provides OpenTelemetry integration for petalproc engine events.
package otel

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/petal-labs/petalproc/core"
)

// TracingHandler translates engine events into OpenTelemetry spans. Each
// process instance gets a root span that lives from start to its terminal
// event; each job gets a child span from activation to completion or failure.
// Gateway and incident events land as span events on the instance span.
type TracingHandler struct {
	tracer trace.Tracer

	mu            sync.RWMutex
	instanceSpans map[string]trace.Span      // instanceID -> span
	instanceCtxs  map[string]context.Context // instanceID -> context (for child spans)
	jobSpans      map[string]trace.Span      // jobKey -> span
}

// NewTracingHandler creates a TracingHandler that uses the given tracer to
// create spans from engine events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:        tracer,
		instanceSpans: make(map[string]trace.Span),
		instanceCtxs:  make(map[string]context.Context),
		jobSpans:      make(map[string]trace.Span),
	}
}

// Handle processes an engine event and creates or ends spans accordingly.
// It implements core.EventHandler semantics.
func (h *TracingHandler) Handle(e core.Event) {
	switch e.Kind {
	case core.EventInstanceStarted:
		h.handleInstanceStarted(e)
	case core.EventInstanceCompleted:
		h.endInstance(e, codes.Ok, "")
	case core.EventInstanceTerminated:
		h.endInstance(e, codes.Ok, "terminated")
	case core.EventInstanceCancelled:
		h.endInstance(e, codes.Error, "cancelled")
	case core.EventJobActivated:
		h.handleJobActivated(e)
	case core.EventJobCompleted:
		h.handleJobCompleted(e)
	case core.EventIncidentCreated:
		h.handleIncidentCreated(e)
	case core.EventForkTaken, core.EventInclusiveForkTaken, core.EventJoinReleased,
		core.EventErrorRouted, core.EventMsgReceived, core.EventSignalIgnored:
		h.addInstanceEvent(e)
	}
}

func (h *TracingHandler) handleInstanceStarted(e core.Event) {
	processKey := payloadString(e, "process_key")

	spanName := "instance:" + e.InstanceID.String()
	if processKey != "" {
		spanName = "instance:" + processKey
	}

	ctx, span := h.tracer.Start(context.Background(), spanName,
		trace.WithAttributes(
			attribute.String("petalproc.instance_id", e.InstanceID.String()),
		),
		trace.WithTimestamp(e.Time),
	)

	if processKey != "" {
		span.SetAttributes(attribute.String("petalproc.process_key", processKey))
	}
	if version := payloadString(e, "bytecode_version"); version != "" {
		span.SetAttributes(attribute.String("petalproc.bytecode_version", version))
	}

	h.mu.Lock()
	h.instanceSpans[e.InstanceID.String()] = span
	h.instanceCtxs[e.InstanceID.String()] = ctx
	h.mu.Unlock()
}

func (h *TracingHandler) endInstance(e core.Event, status codes.Code, description string) {
	id := e.InstanceID.String()

	h.mu.Lock()
	span, ok := h.instanceSpans[id]
	if ok {
		delete(h.instanceSpans, id)
		delete(h.instanceCtxs, id)
	}
	h.mu.Unlock()

	if ok {
		span.SetStatus(status, description)
		span.End(trace.WithTimestamp(e.Time))
	}
}

func (h *TracingHandler) handleJobActivated(e core.Event) {
	jobKey := payloadString(e, "job_key")
	if jobKey == "" {
		return
	}

	h.mu.RLock()
	parentCtx, ok := h.instanceCtxs[e.InstanceID.String()]
	h.mu.RUnlock()

	if !ok {
		// No parent instance span; start from background context.
		parentCtx = context.Background()
	}

	_, span := h.tracer.Start(parentCtx, "job:"+payloadString(e, "task_type"),
		trace.WithAttributes(
			attribute.String("petalproc.instance_id", e.InstanceID.String()),
			attribute.String("petalproc.job_key", jobKey),
			attribute.String("petalproc.element_id", payloadString(e, "element_id")),
		),
		trace.WithTimestamp(e.Time),
	)

	h.mu.Lock()
	h.jobSpans[jobKey] = span
	h.mu.Unlock()
}

func (h *TracingHandler) handleJobCompleted(e core.Event) {
	jobKey := payloadString(e, "job_key")

	h.mu.Lock()
	span, ok := h.jobSpans[jobKey]
	if ok {
		delete(h.jobSpans, jobKey)
	}
	h.mu.Unlock()

	if ok {
		span.SetStatus(codes.Ok, "")
		span.End(trace.WithTimestamp(e.Time))
	}
}

func (h *TracingHandler) handleIncidentCreated(e core.Event) {
	message := payloadString(e, "message")
	if message == "" {
		message = "incident"
	}

	// An incident parking a job fiber also ends that job's span as failed.
	if jobKey := payloadString(e, "job_key"); jobKey != "" {
		h.mu.Lock()
		span, ok := h.jobSpans[jobKey]
		if ok {
			delete(h.jobSpans, jobKey)
		}
		h.mu.Unlock()
		if ok {
			span.SetStatus(codes.Error, message)
			span.RecordError(spanError(message), trace.WithTimestamp(e.Time))
			span.End(trace.WithTimestamp(e.Time))
		}
	}

	h.mu.RLock()
	span, ok := h.instanceSpans[e.InstanceID.String()]
	h.mu.RUnlock()
	if ok {
		span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(
			attribute.String("petalproc.incident_id", payloadString(e, "incident_id")),
			attribute.String("petalproc.element_id", payloadString(e, "element_id")),
			attribute.String("petalproc.class", payloadString(e, "class")),
		))
	}
}

func (h *TracingHandler) addInstanceEvent(e core.Event) {
	h.mu.RLock()
	span, ok := h.instanceSpans[e.InstanceID.String()]
	h.mu.RUnlock()

	if !ok {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("petalproc.event_kind", string(e.Kind)),
	}
	if e.FiberID != (uuid.UUID{}) {
		attrs = append(attrs, attribute.String("petalproc.fiber_id", e.FiberID.String()))
	}
	span.AddEvent(string(e.Kind), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

// ActiveInstanceSpanContext returns the SpanContext for an active instance
// span. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveInstanceSpanContext(instanceID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.instanceSpans[instanceID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

// ActiveJobSpanContext returns the SpanContext for an active job span.
// Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveJobSpanContext(jobKey string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.jobSpans[jobKey]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

func payloadString(e core.Event, key string) string {
	if v, ok := e.Payload[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// spanError is a simple error type for recording span errors.
type spanError string

func (e spanError) Error() string { return string(e) }

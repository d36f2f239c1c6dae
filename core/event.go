package core

import (
	"time"

	"github.com/google/uuid"
)

// EventKind identifies the type of a runtime event.
type EventKind string

const (
	// EventInstanceStarted is appended when a process instance is created.
	EventInstanceStarted EventKind = "instance.started"

	// EventInstanceCompleted is appended when the last fiber ends.
	EventInstanceCompleted EventKind = "instance.completed"

	// EventInstanceTerminated is appended when an EndTerminate kills the instance.
	EventInstanceTerminated EventKind = "instance.terminated"

	// EventInstanceCancelled is appended on operator cancellation.
	EventInstanceCancelled EventKind = "instance.cancelled"

	// EventFiberSpawned is appended for every fiber created by Start or a fork.
	EventFiberSpawned EventKind = "fiber.spawned"

	// EventForkTaken records a static AND-fork's spawned children.
	EventForkTaken EventKind = "fork.taken"

	// EventInclusiveForkTaken records which inclusive branches were taken and
	// the resulting dynamic expected count. This is the audit trail proving
	// why the matching dynamic join waits for that particular number.
	EventInclusiveForkTaken EventKind = "inclusive_fork.taken"

	// EventJoinArrived is appended for every fiber reaching a join barrier.
	EventJoinArrived EventKind = "join.arrived"

	// EventJoinReleased is appended exactly once per barrier release, strictly
	// before the releasing fiber's cursor advances.
	EventJoinReleased EventKind = "join.released"

	// EventJobActivated is appended when an ExecNative emits a job.
	EventJobActivated EventKind = "job.activated"

	// EventJobCompleted is appended when a worker completion resumes a fiber.
	EventJobCompleted EventKind = "job.completed"

	// EventErrorRouted is appended when a business rejection follows a
	// modeled error route instead of raising an incident.
	EventErrorRouted EventKind = "error.routed"

	// EventFlagSet is appended by StoreFlag.
	EventFlagSet EventKind = "flag.set"

	// EventCounterIncremented is appended by IncCounter.
	EventCounterIncremented EventKind = "counter.incremented"

	// EventWaitTimerSet is appended when a fiber parks on a timer.
	EventWaitTimerSet EventKind = "wait.timer_set"

	// EventWaitMsgSubscribed is appended when a fiber parks on a message.
	EventWaitMsgSubscribed EventKind = "wait.msg_subscribed"

	// EventWaitCancelled is appended per parked fiber during terminate/cancel.
	EventWaitCancelled EventKind = "wait.cancelled"

	// EventMsgReceived is appended when a signal resumes a message wait.
	EventMsgReceived EventKind = "msg.received"

	// EventIncidentCreated is appended alongside every persisted incident.
	EventIncidentCreated EventKind = "incident.created"

	// EventIncidentResolved is appended when a remediator resolves an incident.
	EventIncidentResolved EventKind = "incident.resolved"

	// EventSignalIgnored is the audit record for late or ghost signals.
	EventSignalIgnored EventKind = "signal.ignored"
)

// String returns the string representation of the EventKind.
func (k EventKind) String() string {
	return string(k)
}

// Event is one append-only, ordered log entry recording a state transition
// for audit and replay. Append order per instance is the authoritative
// history; instance and fiber snapshots are a cache over this log.
//
// Seq is assigned by the store on append and is 1-indexed per instance.
type Event struct {
	InstanceID uuid.UUID      `json:"instance_id"`
	Seq        uint64         `json:"seq"`
	Kind       EventKind      `json:"kind"`
	FiberID    uuid.UUID      `json:"fiber_id,omitzero"`
	Time       time.Time      `json:"time"`
	Payload    map[string]any `json:"payload,omitempty"`
}

// NewEvent creates an event with the current timestamp.
func NewEvent(kind EventKind, instanceID uuid.UUID) Event {
	return Event{
		Kind:       kind,
		InstanceID: instanceID,
		Time:       time.Now().UTC(),
		Payload:    make(map[string]any),
	}
}

// WithFiber sets the fiber that caused the event.
func (e Event) WithFiber(fiberID uuid.UUID) Event {
	e.FiberID = fiberID
	return e
}

// WithPayload adds a key-value pair to the event payload.
func (e Event) WithPayload(key string, value any) Event {
	if e.Payload == nil {
		e.Payload = make(map[string]any)
	}
	e.Payload[key] = value
	return e
}

// EventHandler is a function type for observing events as they are appended.
// Implementations can log, aggregate, or forward events as needed.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

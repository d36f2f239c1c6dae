package core

import (
	"time"

	"github.com/google/uuid"
)

// Phase is the lifecycle phase of a process instance.
type Phase string

const (
	PhaseRunning    Phase = "running"
	PhaseCompleted  Phase = "completed"
	PhaseFailed     Phase = "failed"
	PhaseTerminated Phase = "terminated"
	PhaseCancelled  Phase = "cancelled"
)

// ProcessState is the lifecycle state of a process instance. IncidentID is
// set for PhaseFailed, Reason for PhaseCancelled, At for every non-running
// phase.
type ProcessState struct {
	Phase      Phase     `json:"phase"`
	IncidentID uuid.UUID `json:"incident_id,omitzero"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at,omitzero"`
}

// Running returns the initial lifecycle state.
func Running() ProcessState { return ProcessState{Phase: PhaseRunning} }

// Completed returns the terminal success state.
func Completed(at time.Time) ProcessState { return ProcessState{Phase: PhaseCompleted, At: at} }

// Failed returns the recoverable failure state pointing at an incident.
func Failed(incidentID uuid.UUID) ProcessState {
	return ProcessState{Phase: PhaseFailed, IncidentID: incidentID}
}

// Terminated returns the terminal state reached through an EndTerminate.
func Terminated(at time.Time) ProcessState { return ProcessState{Phase: PhaseTerminated, At: at} }

// Cancelled returns the terminal state reached through operator cancellation.
func Cancelled(reason string, at time.Time) ProcessState {
	return ProcessState{Phase: PhaseCancelled, Reason: reason, At: at}
}

// IsTerminal reports whether no further execution or remediation can move
// the instance. Failed is deliberately not terminal: resolving the incident
// returns the instance to Running.
func (s ProcessState) IsTerminal() bool {
	switch s.Phase {
	case PhaseCompleted, PhaseTerminated, PhaseCancelled:
		return true
	default:
		return false
	}
}

// ProcessInstance is the durable aggregate root for one running process.
// It is created by Engine.Start and mutated only under the scheduler's tick;
// the event log is the authoritative history and this snapshot is a cache
// over it.
type ProcessInstance struct {
	InstanceID        uuid.UUID            `json:"instance_id"`
	ProcessKey        string               `json:"process_key"`
	BytecodeVersion   Digest               `json:"bytecode_version"`
	DomainPayload     string               `json:"domain_payload"`
	DomainPayloadHash Digest               `json:"domain_payload_hash"`
	Flags             map[FlagKey]Value    `json:"flags,omitempty"`
	Counters          map[CounterID]int64  `json:"counters,omitempty"`
	JoinExpected      map[JoinID]uint16    `json:"join_expected,omitempty"`
	State             ProcessState         `json:"state"`
	CorrelationID     string               `json:"correlation_id,omitempty"`
	CreatedAt         time.Time            `json:"created_at"`
}

// NewProcessInstance creates a Running instance bound to a program version.
func NewProcessInstance(processKey string, version Digest, payload string, payloadHash Digest, correlationID string) *ProcessInstance {
	return &ProcessInstance{
		InstanceID:        uuid.Must(uuid.NewV7()),
		ProcessKey:        processKey,
		BytecodeVersion:   version,
		DomainPayload:     payload,
		DomainPayloadHash: payloadHash,
		Flags:             make(map[FlagKey]Value),
		Counters:          make(map[CounterID]int64),
		JoinExpected:      make(map[JoinID]uint16),
		State:             Running(),
		CorrelationID:     correlationID,
		CreatedAt:         time.Now().UTC(),
	}
}

// Flag returns the value of a flag, defaulting to false when unset.
func (p *ProcessInstance) Flag(key FlagKey) Value {
	if v, ok := p.Flags[key]; ok {
		return v
	}
	return BoolValue(false)
}

// SetFlag stores a flag value. The flag map is allocated on first write: an
// instance loaded from a store arrives with empty maps dropped.
func (p *ProcessInstance) SetFlag(key FlagKey, v Value) {
	if p.Flags == nil {
		p.Flags = make(map[FlagKey]Value)
	}
	p.Flags[key] = v
}

// BumpCounter increments a loop counter and returns the new value.
func (p *ProcessInstance) BumpCounter(id CounterID) int64 {
	if p.Counters == nil {
		p.Counters = make(map[CounterID]int64)
	}
	p.Counters[id]++
	return p.Counters[id]
}

// SetJoinExpected records the arrival count a dynamic join waits for.
func (p *ProcessInstance) SetJoinExpected(id JoinID, expected uint16) {
	if p.JoinExpected == nil {
		p.JoinExpected = make(map[JoinID]uint16)
	}
	p.JoinExpected[id] = expected
}

// Fiber is one concurrent execution cursor into the bytecode. Fibers are
// spawned by Start (root) or by fork instructions (children) and deleted the
// instant they terminate, fork, or are absorbed into a join barrier; a fiber
// never outlives the tick that consumes it.
type Fiber struct {
	FiberID   uuid.UUID `json:"fiber_id"`
	PC        Addr      `json:"pc"`
	Stack     []Value   `json:"stack,omitempty"`
	Regs      []Value   `json:"regs,omitempty"`
	LoopEpoch uint64    `json:"loop_epoch"`
	Wait      WaitState `json:"wait"`
}

// NewFiber creates a runnable fiber at the given address. FiberIDs are
// UUIDv7 so fiber selection order is creation order.
func NewFiber(id uuid.UUID, pc Addr) *Fiber {
	return &Fiber{
		FiberID: id,
		PC:      pc,
		Wait:    RunningState(),
	}
}

// SpawnFiber creates a runnable fiber with a fresh id.
func SpawnFiber(pc Addr) *Fiber {
	return NewFiber(uuid.Must(uuid.NewV7()), pc)
}

// Push appends a value to the fiber's evaluation stack.
func (f *Fiber) Push(v Value) {
	f.Stack = append(f.Stack, v)
}

// Pop removes and returns the top of the stack, reporting underflow.
func (f *Fiber) Pop() (Value, bool) {
	if len(f.Stack) == 0 {
		return Value{}, false
	}
	v := f.Stack[len(f.Stack)-1]
	f.Stack = f.Stack[:len(f.Stack)-1]
	return v, true
}

// Reg returns the register at index i, defaulting to false when absent.
func (f *Fiber) Reg(i uint32) Value {
	if int(i) < len(f.Regs) {
		return f.Regs[i]
	}
	return BoolValue(false)
}

// Clone returns a deep copy, so stored fibers are not aliased by callers.
func (f *Fiber) Clone() *Fiber {
	c := *f
	c.Stack = append([]Value(nil), f.Stack...)
	c.Regs = append([]Value(nil), f.Regs...)
	return &c
}

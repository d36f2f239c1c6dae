package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/petalproc/core"
	"github.com/petal-labs/petalproc/store"
)

// ErrTerminalInstance is returned when an operation targets an instance in a
// terminal phase.
var ErrTerminalInstance = errors.New("runtime: instance is terminal")

// ErrPayloadHashMismatch is returned when a worker reports a domain payload
// whose hash does not match the digest it declares.
var ErrPayloadHashMismatch = errors.New("runtime: payload hash mismatch")

// maxTicksPerRun bounds a single RunInstance call. Verified programs bound
// their loops with counters, so hitting this cap indicates a broken program.
const maxTicksPerRun = 10000

// Engine is the process orchestration facade. It owns the scheduler tick
// loop, the job lifecycle, signals, cancellation, and incident remediation.
// All durable state lives in the ProcessStore; the Engine itself holds no
// per-instance state and is safe for concurrent use as long as ticks for the
// same instance are not interleaved.
type Engine struct {
	store   store.ProcessStore
	vm      *VM
	handler core.EventHandler
}

// NewEngine creates an engine over the given store. The handler observes
// every appended event and may be nil.
func NewEngine(s store.ProcessStore, handler core.EventHandler) *Engine {
	return &Engine{
		store:   s,
		vm:      NewVM(s, handler),
		handler: handler,
	}
}

func (e *Engine) emit(ctx context.Context, event core.Event) error {
	if err := e.store.AppendEvent(ctx, event); err != nil {
		return err
	}
	if e.handler != nil {
		e.handler(event)
	}
	return nil
}

// DeployProgram verifies a compiled program's content hash and structure and
// persists it under its bytecode version.
func (e *Engine) DeployProgram(ctx context.Context, program *core.CompiledProgram) error {
	if err := program.Verify(); err != nil {
		return fmt.Errorf("runtime: deploy: %w", err)
	}
	if err := program.Validate(); err != nil {
		return fmt.Errorf("runtime: deploy: %w", err)
	}
	return e.store.StoreProgram(ctx, program)
}

// loadProgram fetches a program and re-verifies its content hash, refusing to
// execute bytecode that does not match its declared version.
func (e *Engine) loadProgram(ctx context.Context, version core.Digest) (*core.CompiledProgram, error) {
	program, err := e.store.LoadProgram(ctx, version)
	if err != nil {
		return nil, err
	}
	if err := program.Verify(); err != nil {
		return nil, err
	}
	return program, nil
}

// Start creates a Running process instance bound to a deployed program and
// spawns its root fiber at address zero.
func (e *Engine) Start(ctx context.Context, processKey string, version core.Digest, payload, correlationID string) (*core.ProcessInstance, error) {
	if _, err := e.loadProgram(ctx, version); err != nil {
		return nil, fmt.Errorf("runtime: start %q: %w", processKey, err)
	}

	instance := core.NewProcessInstance(processKey, version, payload, core.ComputeHash(payload), correlationID)
	if err := e.store.SaveInstance(ctx, instance); err != nil {
		return nil, err
	}
	if err := e.store.SavePayloadVersion(ctx, instance.InstanceID, instance.DomainPayloadHash, payload); err != nil {
		return nil, err
	}

	started := core.NewEvent(core.EventInstanceStarted, instance.InstanceID).
		WithPayload("process_key", processKey).
		WithPayload("bytecode_version", version.String())
	if err := e.emit(ctx, started); err != nil {
		return nil, err
	}

	root := core.SpawnFiber(0)
	spawned := core.NewEvent(core.EventFiberSpawned, instance.InstanceID).
		WithFiber(root.FiberID).
		WithPayload("pc", root.PC)
	if err := e.emit(ctx, spawned); err != nil {
		return nil, err
	}
	if err := e.store.SaveFiber(ctx, instance.InstanceID, root); err != nil {
		return nil, err
	}
	return instance, nil
}

// TickInstance advances the instance by exactly one fiber instruction. Timer
// waits that have come due are resumed first. When the last fiber is gone the
// instance completes; when no fiber is runnable the tick reports Idle.
func (e *Engine) TickInstance(ctx context.Context, instanceID uuid.UUID) (TickOutcome, error) {
	instance, err := e.store.LoadInstance(ctx, instanceID)
	if err != nil {
		return TickOutcome{}, err
	}
	if instance.State.Phase != core.PhaseRunning {
		return TickOutcome{Kind: OutcomeIdle}, nil
	}

	program, err := e.loadProgram(ctx, instance.BytecodeVersion)
	if err != nil {
		return TickOutcome{}, err
	}

	fibers, err := e.store.LoadFibers(ctx, instanceID)
	if err != nil {
		return TickOutcome{}, err
	}
	if len(fibers) == 0 {
		return e.complete(ctx, instance)
	}

	now := uint64(time.Now().UnixMilli())
	for _, fiber := range fibers {
		if fiber.Wait.Kind == core.WaitTimer && fiber.Wait.DeadlineMS <= now {
			fiber.Wait = core.RunningState()
			if err := e.store.SaveFiber(ctx, instanceID, fiber); err != nil {
				return TickOutcome{}, err
			}
		}
	}

	var runnable *core.Fiber
	for _, fiber := range fibers {
		if fiber.Wait.Kind == core.WaitRunning {
			runnable = fiber
			break
		}
	}
	if runnable == nil {
		return TickOutcome{Kind: OutcomeIdle}, nil
	}

	outcome, err := e.vm.TickFiber(ctx, program, instance, runnable)
	if err != nil {
		return TickOutcome{}, err
	}
	if err := e.store.SaveInstance(ctx, instance); err != nil {
		return TickOutcome{}, err
	}

	switch outcome.Kind {
	case OutcomeTerminated:
		if err := e.teardown(ctx, instance, core.EventInstanceTerminated, core.Terminated(time.Now().UTC()), ""); err != nil {
			return TickOutcome{}, err
		}
	case OutcomeEnded:
		remaining, err := e.store.LoadFibers(ctx, instanceID)
		if err != nil {
			return TickOutcome{}, err
		}
		if len(remaining) == 0 {
			return e.complete(ctx, instance)
		}
	}
	return outcome, nil
}

// complete marks an instance as successfully finished.
func (e *Engine) complete(ctx context.Context, instance *core.ProcessInstance) (TickOutcome, error) {
	completed := core.NewEvent(core.EventInstanceCompleted, instance.InstanceID)
	if err := e.emit(ctx, completed); err != nil {
		return TickOutcome{}, err
	}
	if err := e.store.UpdateInstanceState(ctx, instance.InstanceID, core.Completed(time.Now().UTC())); err != nil {
		return TickOutcome{}, err
	}
	return TickOutcome{Kind: OutcomeEnded}, nil
}

// teardown cancels every surviving fiber and pending job and moves the
// instance to the given terminal state. Used for EndTerminate and Cancel.
func (e *Engine) teardown(ctx context.Context, instance *core.ProcessInstance, kind core.EventKind, state core.ProcessState, reason string) error {
	fibers, err := e.store.LoadFibers(ctx, instance.InstanceID)
	if err != nil {
		return err
	}
	for _, fiber := range fibers {
		cancelled := core.NewEvent(core.EventWaitCancelled, instance.InstanceID).
			WithFiber(fiber.FiberID)
		if desc := fiber.Wait.Describe(); desc != "" {
			cancelled = cancelled.WithPayload("wait", desc)
		}
		if err := e.emit(ctx, cancelled); err != nil {
			return err
		}
	}
	if err := e.store.CancelJobsForInstance(ctx, instance.InstanceID); err != nil {
		return err
	}
	if err := e.store.DeleteAllFibers(ctx, instance.InstanceID); err != nil {
		return err
	}

	event := core.NewEvent(kind, instance.InstanceID)
	if reason != "" {
		event = event.WithPayload("reason", reason)
	}
	if err := e.emit(ctx, event); err != nil {
		return err
	}
	return e.store.UpdateInstanceState(ctx, instance.InstanceID, state)
}

// Advance ticks the instance until it is idle or reaches a terminal phase.
// It is the "advance as far as possible" entry point the sweeper uses; it
// never touches the job queue.
func (e *Engine) Advance(ctx context.Context, instanceID uuid.UUID) (TickOutcome, error) {
	var outcome TickOutcome
	for i := 0; i < maxTicksPerRun; i++ {
		var err error
		outcome, err = e.TickInstance(ctx, instanceID)
		if err != nil {
			return TickOutcome{}, err
		}
		switch outcome.Kind {
		case OutcomeIdle, OutcomeTerminated, OutcomeFailed:
			return outcome, nil
		case OutcomeEnded:
			instance, err := e.store.LoadInstance(ctx, instanceID)
			if err != nil {
				return TickOutcome{}, err
			}
			if instance.State.IsTerminal() {
				return outcome, nil
			}
		}
	}
	return outcome, fmt.Errorf("runtime: instance %s exceeded %d ticks in one run", instanceID, maxTicksPerRun)
}

// RunInstance advances the instance as far as possible, then hands out the
// pending jobs for the program's task manifest so a worker can act on what
// the run produced. Jobs returned here are marked inflight, exactly as if
// ActivateJobs had pulled them.
func (e *Engine) RunInstance(ctx context.Context, instanceID uuid.UUID) ([]*core.JobActivation, TickOutcome, error) {
	outcome, err := e.Advance(ctx, instanceID)
	if err != nil {
		return nil, TickOutcome{}, err
	}
	if outcome.Kind == OutcomeTerminated {
		return nil, outcome, nil
	}

	instance, err := e.store.LoadInstance(ctx, instanceID)
	if err != nil {
		return nil, TickOutcome{}, err
	}
	if instance.State.IsTerminal() {
		return nil, outcome, nil
	}
	program, err := e.loadProgram(ctx, instance.BytecodeVersion)
	if err != nil {
		return nil, TickOutcome{}, err
	}
	if len(program.TaskManifest) == 0 {
		return nil, outcome, nil
	}
	jobs, err := e.store.DequeueJobs(ctx, program.TaskManifest, 0)
	if err != nil {
		return nil, TickOutcome{}, err
	}
	return jobs, outcome, nil
}

// ActivateJobs hands up to max pending jobs of the given task types to a
// worker, marking them inflight.
func (e *Engine) ActivateJobs(ctx context.Context, taskTypes []string, max int) ([]*core.JobActivation, error) {
	return e.store.DequeueJobs(ctx, taskTypes, max)
}

// CompleteJob applies a worker's completion report. Redelivered completions
// are absorbed by the dedupe cache; completions for terminal instances are
// recorded as ignored signals; a payload that does not match its declared
// hash is rejected outright.
func (e *Engine) CompleteJob(ctx context.Context, completion *core.JobCompletion) error {
	if cached, err := e.store.DedupeGet(ctx, completion.JobKey); err != nil {
		return err
	} else if cached != nil {
		return e.store.AckJob(ctx, completion.JobKey)
	}

	if completion.DomainPayload != "" && core.ComputeHash(completion.DomainPayload) != completion.DomainPayloadHash {
		return fmt.Errorf("%w: job %s", ErrPayloadHashMismatch, completion.JobKey)
	}

	instanceID, _, _, _, err := ParseJobKey(completion.JobKey)
	if err != nil {
		return err
	}
	instance, err := e.store.LoadInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if instance.State.IsTerminal() {
		ignored := core.NewEvent(core.EventSignalIgnored, instanceID).
			WithPayload("job_key", completion.JobKey).
			WithPayload("reason", "instance is terminal")
		if err := e.emit(ctx, ignored); err != nil {
			return err
		}
		return e.store.AckJob(ctx, completion.JobKey)
	}

	fiber, err := e.fiberWaitingOnJob(ctx, instanceID, completion.JobKey)
	if err != nil {
		return err
	}
	if fiber == nil {
		ignored := core.NewEvent(core.EventSignalIgnored, instanceID).
			WithPayload("job_key", completion.JobKey).
			WithPayload("reason", "no fiber waiting on job")
		if err := e.emit(ctx, ignored); err != nil {
			return err
		}
		return e.store.AckJob(ctx, completion.JobKey)
	}

	program, err := e.loadProgram(ctx, instance.BytecodeVersion)
	if err != nil {
		return err
	}
	if int(fiber.PC) >= len(program.Program) {
		return fmt.Errorf("runtime: job %s: fiber pc %d out of range", completion.JobKey, fiber.PC)
	}
	instr := program.Program[fiber.PC]
	if instr.Op != core.OpExecNative {
		return fmt.Errorf("runtime: job %s: fiber parked at %q, not exec_native", completion.JobKey, instr.Op)
	}

	if _, err := e.vm.ApplyCompletion(ctx, program, instance, fiber, instr, completion); err != nil {
		return err
	}
	if err := e.store.SaveInstance(ctx, instance); err != nil {
		return err
	}
	if err := e.store.DedupePut(ctx, completion.JobKey, completion); err != nil {
		return err
	}
	return e.store.AckJob(ctx, completion.JobKey)
}

// FailJob applies a worker's failure report. Business rejections with a
// modeled error route resume the fiber on the escalation path; everything
// else raises an incident and moves the instance to Failed.
func (e *Engine) FailJob(ctx context.Context, failure *core.JobFailure) error {
	instanceID, _, _, _, err := ParseJobKey(failure.JobKey)
	if err != nil {
		return err
	}
	instance, err := e.store.LoadInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if instance.State.IsTerminal() {
		ignored := core.NewEvent(core.EventSignalIgnored, instanceID).
			WithPayload("job_key", failure.JobKey).
			WithPayload("reason", "instance is terminal")
		if err := e.emit(ctx, ignored); err != nil {
			return err
		}
		return e.store.AckJob(ctx, failure.JobKey)
	}

	fiber, err := e.fiberWaitingOnJob(ctx, instanceID, failure.JobKey)
	if err != nil {
		return err
	}
	if fiber == nil {
		ignored := core.NewEvent(core.EventSignalIgnored, instanceID).
			WithPayload("job_key", failure.JobKey).
			WithPayload("reason", "no fiber waiting on job")
		if err := e.emit(ctx, ignored); err != nil {
			return err
		}
		return e.store.AckJob(ctx, failure.JobKey)
	}

	program, err := e.loadProgram(ctx, instance.BytecodeVersion)
	if err != nil {
		return err
	}

	if failure.Class.Kind == core.ErrorBusinessRejection {
		if route, ok := matchErrorRoute(program.ErrorRouteMap[fiber.PC], failure.Class.RejectionCode); ok {
			routed := core.NewEvent(core.EventErrorRouted, instanceID).
				WithFiber(fiber.FiberID).
				WithPayload("job_key", failure.JobKey).
				WithPayload("code", failure.Class.RejectionCode).
				WithPayload("boundary", route.BoundaryElementID).
				WithPayload("resume_at", route.ResumeAt)
			if err := e.emit(ctx, routed); err != nil {
				return err
			}
			fiber.Wait = core.RunningState()
			fiber.PC = route.ResumeAt
			if err := e.store.SaveFiber(ctx, instanceID, fiber); err != nil {
				return err
			}
			return e.store.AckJob(ctx, failure.JobKey)
		}
	}

	if _, err := e.vm.raiseIncident(ctx, program, instance, fiber, program.ElementID(fiber.PC), failure.Class, failure.Message); err != nil {
		return err
	}
	if err := e.store.SaveInstance(ctx, instance); err != nil {
		return err
	}
	return e.store.AckJob(ctx, failure.JobKey)
}

// matchErrorRoute picks the first route whose code matches, falling back to a
// catch-all route with an empty code.
func matchErrorRoute(routes []core.ErrorRoute, code string) (core.ErrorRoute, bool) {
	for _, route := range routes {
		if route.ErrorCode == code {
			return route, true
		}
	}
	for _, route := range routes {
		if route.ErrorCode == "" {
			return route, true
		}
	}
	return core.ErrorRoute{}, false
}

func (e *Engine) fiberWaitingOnJob(ctx context.Context, instanceID uuid.UUID, jobKey string) (*core.Fiber, error) {
	fibers, err := e.store.LoadFibers(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	for _, fiber := range fibers {
		if fiber.Wait.Kind == core.WaitJob && fiber.Wait.JobKey == jobKey {
			return fiber, nil
		}
	}
	return nil, nil
}

// Signal delivers a correlated message to an instance. A fiber parked on a
// matching message wait resumes; anything else is recorded as an ignored
// signal rather than an error, so late deliveries stay auditable.
func (e *Engine) Signal(ctx context.Context, instanceID uuid.UUID, msgName uint32, corrKey core.Value) error {
	instance, err := e.store.LoadInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if instance.State.Phase != core.PhaseRunning {
		ignored := core.NewEvent(core.EventSignalIgnored, instanceID).
			WithPayload("msg_name", msgName).
			WithPayload("reason", "instance not running")
		return e.emit(ctx, ignored)
	}

	fibers, err := e.store.LoadFibers(ctx, instanceID)
	if err != nil {
		return err
	}
	for _, fiber := range fibers {
		if fiber.Wait.Kind != core.WaitMsg || fiber.Wait.MsgName != msgName {
			continue
		}
		// A zero correlation key on the signal matches any subscription.
		if corrKey.Kind != "" && fiber.Wait.CorrKey != corrKey {
			continue
		}
		received := core.NewEvent(core.EventMsgReceived, instanceID).
			WithFiber(fiber.FiberID).
			WithPayload("msg_name", msgName).
			WithPayload("wait_id", fiber.Wait.WaitID)
		if err := e.emit(ctx, received); err != nil {
			return err
		}
		fiber.Wait = core.RunningState()
		return e.store.SaveFiber(ctx, instanceID, fiber)
	}

	ignored := core.NewEvent(core.EventSignalIgnored, instanceID).
		WithPayload("msg_name", msgName).
		WithPayload("reason", "no fiber waiting on message")
	return e.emit(ctx, ignored)
}

// Cancel moves a running or failed instance to the Cancelled terminal phase,
// cancelling all fibers and outstanding jobs.
func (e *Engine) Cancel(ctx context.Context, instanceID uuid.UUID, reason string) error {
	instance, err := e.store.LoadInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	if instance.State.IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrTerminalInstance, instanceID, instance.State.Phase)
	}
	return e.teardown(ctx, instance, core.EventInstanceCancelled, core.Cancelled(reason, time.Now().UTC()), reason)
}

// ResolveIncident marks an incident resolved, unparks the fiber that raised
// it, and returns the instance to Running. The fiber's cursor still points at
// the failing instruction, so the next tick retries it against the repaired
// state.
func (e *Engine) ResolveIncident(ctx context.Context, incidentID uuid.UUID, resolution string) error {
	incident, err := e.store.LoadIncident(ctx, incidentID)
	if err != nil {
		return err
	}
	if incident.ResolvedAt != nil {
		return nil
	}

	now := time.Now().UTC()
	incident.ResolvedAt = &now
	incident.Resolution = resolution
	if err := e.store.SaveIncident(ctx, incident); err != nil {
		return err
	}

	resolved := core.NewEvent(core.EventIncidentResolved, incident.InstanceID).
		WithFiber(incident.FiberID).
		WithPayload("incident_id", incidentID.String()).
		WithPayload("resolution", resolution)
	if err := e.emit(ctx, resolved); err != nil {
		return err
	}

	fibers, err := e.store.LoadFibers(ctx, incident.InstanceID)
	if err != nil {
		return err
	}
	for _, fiber := range fibers {
		if fiber.Wait.Kind == core.WaitIncident && fiber.Wait.IncidentID == incidentID {
			fiber.Wait = core.RunningState()
			if err := e.store.SaveFiber(ctx, incident.InstanceID, fiber); err != nil {
				return err
			}
		}
	}

	instance, err := e.store.LoadInstance(ctx, incident.InstanceID)
	if err != nil {
		return err
	}
	if instance.State.Phase == core.PhaseFailed && instance.State.IncidentID == incidentID {
		if err := e.store.UpdateInstanceState(ctx, incident.InstanceID, core.Running()); err != nil {
			return err
		}
	}
	return nil
}

// FiberReport describes one fiber in an inspection snapshot.
type FiberReport struct {
	FiberID   uuid.UUID `json:"fiber_id"`
	PC        core.Addr `json:"pc"`
	ElementID string    `json:"element_id"`
	Waiting   string    `json:"waiting,omitempty"`
}

// InspectReport is an operator-facing snapshot of one instance.
type InspectReport struct {
	Instance  *core.ProcessInstance `json:"instance"`
	Fibers    []FiberReport         `json:"fibers"`
	Incidents []*core.Incident      `json:"incidents,omitempty"`
	LatestSeq uint64                `json:"latest_seq"`
}

// Inspect returns a point-in-time snapshot of an instance: lifecycle state,
// every fiber with its position and wait, open and resolved incidents, and
// the event log high-water mark.
func (e *Engine) Inspect(ctx context.Context, instanceID uuid.UUID) (*InspectReport, error) {
	instance, err := e.store.LoadInstance(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	program, err := e.loadProgram(ctx, instance.BytecodeVersion)
	if err != nil {
		return nil, err
	}
	fibers, err := e.store.LoadFibers(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	incidents, err := e.store.LoadIncidents(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	latest, err := e.store.LatestSeq(ctx, instanceID)
	if err != nil {
		return nil, err
	}

	report := &InspectReport{
		Instance:  instance,
		Fibers:    make([]FiberReport, 0, len(fibers)),
		Incidents: incidents,
		LatestSeq: latest,
	}
	for _, fiber := range fibers {
		report.Fibers = append(report.Fibers, FiberReport{
			FiberID:   fiber.FiberID,
			PC:        fiber.PC,
			ElementID: program.ElementID(fiber.PC),
			Waiting:   fiber.Wait.Describe(),
		})
	}
	return report, nil
}

// ReadEvents returns the instance's event log from the given sequence number.
func (e *Engine) ReadEvents(ctx context.Context, instanceID uuid.UUID, fromSeq uint64) ([]core.Event, error) {
	return e.store.ReadEvents(ctx, instanceID, fromSeq)
}

// RunnableInstances returns the ids of instances still in the Running phase.
func (e *Engine) RunnableInstances(ctx context.Context) ([]uuid.UUID, error) {
	return e.store.RunnableInstances(ctx)
}

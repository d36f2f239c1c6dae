// Package runtime executes compiled programs: the VM steps fibers one
// instruction at a time against a ProcessStore, and the Engine wraps the VM
// with the instance lifecycle (start, tick, jobs, signals, incidents).
package runtime

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/petalproc/core"
	"github.com/petal-labs/petalproc/store"
)

// OutcomeKind classifies the result of advancing one fiber by one instruction.
type OutcomeKind string

const (
	// OutcomeContinue means the fiber advanced and remains runnable.
	OutcomeContinue OutcomeKind = "continue"
	// OutcomeParked means the fiber suspended on a job, timer, or message.
	OutcomeParked OutcomeKind = "parked"
	// OutcomeEnded means the fiber was consumed: it ended, forked into
	// children, or was absorbed into a join barrier.
	OutcomeEnded OutcomeKind = "ended"
	// OutcomeTerminated means an EndTerminate fired and the instance must
	// tear down immediately.
	OutcomeTerminated OutcomeKind = "terminated"
	// OutcomeFailed means an incident was raised and the instance moved to
	// the Failed phase.
	OutcomeFailed OutcomeKind = "failed"
	// OutcomeIdle means no runnable fiber exists; the instance is waiting on
	// external input or timers.
	OutcomeIdle OutcomeKind = "idle"
)

// TickOutcome is the result of one scheduler tick.
type TickOutcome struct {
	Kind       OutcomeKind
	FiberID    uuid.UUID
	IncidentID uuid.UUID
}

// VM executes bytecode instructions against the persistence contract. It is
// stateless between calls: all durable state lives in the store and all
// transient state on the instance and fiber passed in. Callers persist the
// instance snapshot after each tick; the VM persists fibers and events itself
// so the event always lands before the cursor it explains.
type VM struct {
	store   store.ProcessStore
	handler core.EventHandler
}

// NewVM creates a VM over the given store. The handler observes every
// appended event and may be nil.
func NewVM(s store.ProcessStore, handler core.EventHandler) *VM {
	return &VM{store: s, handler: handler}
}

func (vm *VM) emit(ctx context.Context, event core.Event) error {
	if err := vm.store.AppendEvent(ctx, event); err != nil {
		return err
	}
	if vm.handler != nil {
		vm.handler(event)
	}
	return nil
}

// TickFiber advances one fiber by exactly one instruction. The fiber must be
// runnable. Mutations to the instance (flags, counters, join_expected, state)
// are made in place; the caller saves the instance snapshot afterwards.
func (vm *VM) TickFiber(ctx context.Context, program *core.CompiledProgram, instance *core.ProcessInstance, fiber *core.Fiber) (TickOutcome, error) {
	pc := fiber.PC
	if int(pc) >= len(program.Program) {
		return vm.raiseIncident(ctx, program, instance, fiber, program.ElementID(pc),
			core.ErrorClass{Kind: core.ErrorContractViolation},
			fmt.Sprintf("program counter %d out of range", pc))
	}
	instr := program.Program[pc]

	switch instr.Op {
	case core.OpJump:
		return vm.advanceTo(ctx, instance, fiber, instr.Target)

	case core.OpBrIf, core.OpBrIfNot:
		v, ok := fiber.Pop()
		if !ok {
			return vm.stackUnderflow(ctx, program, instance, fiber)
		}
		taken := v.Truthy()
		if instr.Op == core.OpBrIfNot {
			taken = !taken
		}
		if taken {
			return vm.advanceTo(ctx, instance, fiber, instr.Target)
		}
		return vm.advanceTo(ctx, instance, fiber, pc+1)

	case core.OpPushBool:
		fiber.Push(core.BoolValue(instr.Bool))
		return vm.advanceTo(ctx, instance, fiber, pc+1)

	case core.OpPushI64:
		fiber.Push(core.IntValue(instr.Int))
		return vm.advanceTo(ctx, instance, fiber, pc+1)

	case core.OpPop:
		if _, ok := fiber.Pop(); !ok {
			return vm.stackUnderflow(ctx, program, instance, fiber)
		}
		return vm.advanceTo(ctx, instance, fiber, pc+1)

	case core.OpLoadFlag:
		fiber.Push(instance.Flag(instr.Key))
		return vm.advanceTo(ctx, instance, fiber, pc+1)

	case core.OpStoreFlag:
		v, ok := fiber.Pop()
		if !ok {
			return vm.stackUnderflow(ctx, program, instance, fiber)
		}
		instance.SetFlag(instr.Key, v)
		event := core.NewEvent(core.EventFlagSet, instance.InstanceID).
			WithFiber(fiber.FiberID).
			WithPayload("flag", wireFlagName(instr.Key)).
			WithPayload("truthy", v.Truthy())
		if err := vm.emit(ctx, event); err != nil {
			return TickOutcome{}, err
		}
		return vm.advanceTo(ctx, instance, fiber, pc+1)

	case core.OpExecNative:
		return vm.execNative(ctx, program, instance, fiber, instr)

	case core.OpFork:
		return vm.fork(ctx, instance, fiber, instr)

	case core.OpJoin:
		return vm.join(ctx, instance, fiber, instr.JoinID, instr.Expected, instr.Next, false)

	case core.OpForkInclusive:
		return vm.forkInclusive(ctx, program, instance, fiber, instr)

	case core.OpJoinDynamic:
		expected, ok := instance.JoinExpected[instr.JoinID]
		if !ok {
			return TickOutcome{}, fmt.Errorf("runtime: dynamic join %d at pc %d: no expected count recorded",
				instr.JoinID, pc)
		}
		return vm.join(ctx, instance, fiber, instr.JoinID, expected, instr.Next, true)

	case core.OpWaitFor:
		deadline := uint64(time.Now().UnixMilli()) + instr.DurationMS
		return vm.parkOnTimer(ctx, instance, fiber, deadline)

	case core.OpWaitUntil:
		return vm.parkOnTimer(ctx, instance, fiber, instr.DeadlineMS)

	case core.OpWaitMsg:
		corrKey := fiber.Reg(instr.CorrReg)
		event := core.NewEvent(core.EventWaitMsgSubscribed, instance.InstanceID).
			WithFiber(fiber.FiberID).
			WithPayload("wait_id", instr.WaitID).
			WithPayload("msg_name", instr.MsgName)
		if err := vm.emit(ctx, event); err != nil {
			return TickOutcome{}, err
		}
		fiber.PC = pc + 1
		fiber.Wait = core.MessageWait(instr.WaitID, instr.MsgName, corrKey)
		if err := vm.store.SaveFiber(ctx, instance.InstanceID, fiber); err != nil {
			return TickOutcome{}, err
		}
		return TickOutcome{Kind: OutcomeParked, FiberID: fiber.FiberID}, nil

	case core.OpIncCounter:
		value := instance.BumpCounter(instr.CounterID)
		event := core.NewEvent(core.EventCounterIncremented, instance.InstanceID).
			WithFiber(fiber.FiberID).
			WithPayload("counter_id", instr.CounterID).
			WithPayload("value", value)
		if err := vm.emit(ctx, event); err != nil {
			return TickOutcome{}, err
		}
		return vm.advanceTo(ctx, instance, fiber, pc+1)

	case core.OpBrCounterLt:
		if instance.Counters[instr.CounterID] < instr.Limit {
			// Back-branch of a bounded loop: bump the epoch so job keys of
			// the next iteration do not collide with the previous one.
			fiber.LoopEpoch++
			return vm.advanceTo(ctx, instance, fiber, instr.Target)
		}
		return vm.advanceTo(ctx, instance, fiber, pc+1)

	case core.OpEnd:
		if err := vm.store.DeleteFiber(ctx, instance.InstanceID, fiber.FiberID); err != nil {
			return TickOutcome{}, err
		}
		return TickOutcome{Kind: OutcomeEnded, FiberID: fiber.FiberID}, nil

	case core.OpEndTerminate:
		if err := vm.store.DeleteFiber(ctx, instance.InstanceID, fiber.FiberID); err != nil {
			return TickOutcome{}, err
		}
		return TickOutcome{Kind: OutcomeTerminated, FiberID: fiber.FiberID}, nil

	case core.OpFail:
		return vm.raiseIncident(ctx, program, instance, fiber, program.ElementID(pc),
			core.ErrorClass{Kind: core.ErrorBusinessRejection, RejectionCode: strconv.FormatUint(uint64(instr.Code), 10)},
			fmt.Sprintf("fail end event with code %d", instr.Code))

	default:
		return vm.raiseIncident(ctx, program, instance, fiber, program.ElementID(pc),
			core.ErrorClass{Kind: core.ErrorContractViolation},
			fmt.Sprintf("unknown opcode %q at pc %d", instr.Op, pc))
	}
}

// advanceTo moves the fiber cursor and persists the fiber.
func (vm *VM) advanceTo(ctx context.Context, instance *core.ProcessInstance, fiber *core.Fiber, target core.Addr) (TickOutcome, error) {
	fiber.PC = target
	if err := vm.store.SaveFiber(ctx, instance.InstanceID, fiber); err != nil {
		return TickOutcome{}, err
	}
	return TickOutcome{Kind: OutcomeContinue, FiberID: fiber.FiberID}, nil
}

func (vm *VM) stackUnderflow(ctx context.Context, program *core.CompiledProgram, instance *core.ProcessInstance, fiber *core.Fiber) (TickOutcome, error) {
	return vm.raiseIncident(ctx, program, instance, fiber, program.ElementID(fiber.PC),
		core.ErrorClass{Kind: core.ErrorContractViolation},
		fmt.Sprintf("stack underflow at pc %d", fiber.PC))
}

func (vm *VM) execNative(ctx context.Context, program *core.CompiledProgram, instance *core.ProcessInstance, fiber *core.Fiber, instr core.Instr) (TickOutcome, error) {
	for i := uint16(0); i < instr.Argc; i++ {
		if _, ok := fiber.Pop(); !ok {
			return vm.stackUnderflow(ctx, program, instance, fiber)
		}
	}

	elementID := program.ElementID(fiber.PC)
	jobKey := JobKey(instance.InstanceID, elementID, fiber.PC, fiber.LoopEpoch)

	// A redelivered activation of an already-completed job must not run
	// twice: apply the cached completion and move on as if the worker had
	// just reported it.
	if cached, err := vm.store.DedupeGet(ctx, jobKey); err != nil {
		return TickOutcome{}, err
	} else if cached != nil {
		return vm.ApplyCompletion(ctx, program, instance, fiber, instr, cached)
	}

	job := &core.JobActivation{
		JobKey:            jobKey,
		InstanceID:        instance.InstanceID,
		TaskType:          program.TaskTypeName(instr.TaskType),
		ElementID:         elementID,
		DomainPayload:     instance.DomainPayload,
		DomainPayloadHash: instance.DomainPayloadHash,
		Flags:             wireFlags(instance.Flags),
		RetriesRemaining:  defaultJobRetries,
	}
	if err := vm.store.EnqueueJob(ctx, job); err != nil {
		return TickOutcome{}, err
	}

	event := core.NewEvent(core.EventJobActivated, instance.InstanceID).
		WithFiber(fiber.FiberID).
		WithPayload("job_key", jobKey).
		WithPayload("task_type", job.TaskType).
		WithPayload("element_id", elementID)
	if err := vm.emit(ctx, event); err != nil {
		return TickOutcome{}, err
	}

	// The cursor stays on the exec_native instruction while parked; the
	// completion path advances it after applying results.
	fiber.Wait = core.JobWait(jobKey)
	if err := vm.store.SaveFiber(ctx, instance.InstanceID, fiber); err != nil {
		return TickOutcome{}, err
	}
	return TickOutcome{Kind: OutcomeParked, FiberID: fiber.FiberID}, nil
}

// ApplyCompletion merges a job completion into the instance, pushes the
// result booleans, and advances the fiber past its exec_native instruction.
func (vm *VM) ApplyCompletion(ctx context.Context, program *core.CompiledProgram, instance *core.ProcessInstance, fiber *core.Fiber, instr core.Instr, completion *core.JobCompletion) (TickOutcome, error) {
	for name, v := range completion.Flags {
		key, ok := parseWireFlagName(name)
		if !ok {
			continue
		}
		instance.SetFlag(key, v)
	}
	if completion.DomainPayload != "" {
		instance.DomainPayload = completion.DomainPayload
		instance.DomainPayloadHash = completion.DomainPayloadHash
		if err := vm.store.SavePayloadVersion(ctx, instance.InstanceID, completion.DomainPayloadHash, completion.DomainPayload); err != nil {
			return TickOutcome{}, err
		}
	}

	event := core.NewEvent(core.EventJobCompleted, instance.InstanceID).
		WithFiber(fiber.FiberID).
		WithPayload("job_key", completion.JobKey).
		WithPayload("element_id", program.ElementID(fiber.PC))
	if err := vm.emit(ctx, event); err != nil {
		return TickOutcome{}, err
	}

	for i := uint16(0); i < instr.Retc; i++ {
		fiber.Push(core.BoolValue(true))
	}
	fiber.Wait = core.RunningState()
	return vm.advanceTo(ctx, instance, fiber, fiber.PC+1)
}

func (vm *VM) fork(ctx context.Context, instance *core.ProcessInstance, fiber *core.Fiber, instr core.Instr) (TickOutcome, error) {
	children := make([]*core.Fiber, 0, len(instr.Targets))
	childIDs := make([]string, 0, len(instr.Targets))
	for _, target := range instr.Targets {
		child := core.SpawnFiber(target)
		children = append(children, child)
		childIDs = append(childIDs, child.FiberID.String())
	}

	event := core.NewEvent(core.EventForkTaken, instance.InstanceID).
		WithFiber(fiber.FiberID).
		WithPayload("children", childIDs)
	if err := vm.emit(ctx, event); err != nil {
		return TickOutcome{}, err
	}

	for _, child := range children {
		spawned := core.NewEvent(core.EventFiberSpawned, instance.InstanceID).
			WithFiber(child.FiberID).
			WithPayload("pc", child.PC)
		if err := vm.emit(ctx, spawned); err != nil {
			return TickOutcome{}, err
		}
		if err := vm.store.SaveFiber(ctx, instance.InstanceID, child); err != nil {
			return TickOutcome{}, err
		}
	}

	// The forking fiber is consumed, never parked.
	if err := vm.store.DeleteFiber(ctx, instance.InstanceID, fiber.FiberID); err != nil {
		return TickOutcome{}, err
	}
	return TickOutcome{Kind: OutcomeEnded, FiberID: fiber.FiberID}, nil
}

func (vm *VM) forkInclusive(ctx context.Context, program *core.CompiledProgram, instance *core.ProcessInstance, fiber *core.Fiber, instr core.Instr) (TickOutcome, error) {
	var targets []core.Addr
	for _, branch := range instr.Branches {
		if branch.ConditionFlag == nil || instance.Flag(*branch.ConditionFlag).Truthy() {
			targets = append(targets, branch.Target)
		}
	}
	if len(targets) == 0 && instr.DefaultTarget != nil {
		targets = append(targets, *instr.DefaultTarget)
	}
	if len(targets) == 0 {
		elementID, ok := program.DebugMap[fiber.PC]
		if !ok {
			elementID = fmt.Sprintf("inclusive_fork_pc_%d", fiber.PC)
		}
		return vm.raiseIncident(ctx, program, instance, fiber, elementID,
			core.ErrorClass{Kind: core.ErrorContractViolation},
			"Inclusive gateway: no conditions matched and no default flow")
	}

	// The taken count becomes the matching dynamic join's expected arrival
	// count. This must be recorded before any child can possibly arrive.
	instance.SetJoinExpected(instr.JoinID, uint16(len(targets)))

	children := make([]*core.Fiber, 0, len(targets))
	childIDs := make([]string, 0, len(targets))
	for _, target := range targets {
		child := core.SpawnFiber(target)
		children = append(children, child)
		childIDs = append(childIDs, child.FiberID.String())
	}

	event := core.NewEvent(core.EventInclusiveForkTaken, instance.InstanceID).
		WithFiber(fiber.FiberID).
		WithPayload("join_id", instr.JoinID).
		WithPayload("expected", len(targets)).
		WithPayload("children", childIDs)
	if err := vm.emit(ctx, event); err != nil {
		return TickOutcome{}, err
	}

	for _, child := range children {
		spawned := core.NewEvent(core.EventFiberSpawned, instance.InstanceID).
			WithFiber(child.FiberID).
			WithPayload("pc", child.PC)
		if err := vm.emit(ctx, spawned); err != nil {
			return TickOutcome{}, err
		}
		if err := vm.store.SaveFiber(ctx, instance.InstanceID, child); err != nil {
			return TickOutcome{}, err
		}
	}

	if err := vm.store.DeleteFiber(ctx, instance.InstanceID, fiber.FiberID); err != nil {
		return TickOutcome{}, err
	}
	return TickOutcome{Kind: OutcomeEnded, FiberID: fiber.FiberID}, nil
}

// join handles both the static and the dynamic barrier. The arrival counter
// lives in the store and its post-increment value is the only release test,
// so concurrent arrivals cannot double-release or deadlock.
func (vm *VM) join(ctx context.Context, instance *core.ProcessInstance, fiber *core.Fiber, joinID core.JoinID, expected uint16, next core.Addr, dynamic bool) (TickOutcome, error) {
	count, err := vm.store.JoinArrive(ctx, instance.InstanceID, joinID)
	if err != nil {
		return TickOutcome{}, err
	}

	arrived := core.NewEvent(core.EventJoinArrived, instance.InstanceID).
		WithFiber(fiber.FiberID).
		WithPayload("join_id", joinID).
		WithPayload("count", count).
		WithPayload("expected", expected)
	if err := vm.emit(ctx, arrived); err != nil {
		return TickOutcome{}, err
	}

	if count > expected {
		return TickOutcome{}, fmt.Errorf("runtime: join %d: %d arrivals exceed expected %d",
			joinID, count, expected)
	}
	if count < expected {
		// Absorbed: the fiber is consumed without a successor. Only the
		// counter remembers it passed through.
		if err := vm.store.DeleteFiber(ctx, instance.InstanceID, fiber.FiberID); err != nil {
			return TickOutcome{}, err
		}
		return TickOutcome{Kind: OutcomeEnded, FiberID: fiber.FiberID}, nil
	}

	// Last arrival releases the barrier. Reset the counter and record the
	// release strictly before the cursor advances past the join.
	if err := vm.store.JoinReset(ctx, instance.InstanceID, joinID); err != nil {
		return TickOutcome{}, err
	}
	if dynamic {
		delete(instance.JoinExpected, joinID)
	}
	released := core.NewEvent(core.EventJoinReleased, instance.InstanceID).
		WithFiber(fiber.FiberID).
		WithPayload("join_id", joinID).
		WithPayload("expected", expected)
	if err := vm.emit(ctx, released); err != nil {
		return TickOutcome{}, err
	}
	return vm.advanceTo(ctx, instance, fiber, next)
}

func (vm *VM) parkOnTimer(ctx context.Context, instance *core.ProcessInstance, fiber *core.Fiber, deadlineMS uint64) (TickOutcome, error) {
	event := core.NewEvent(core.EventWaitTimerSet, instance.InstanceID).
		WithFiber(fiber.FiberID).
		WithPayload("deadline_ms", deadlineMS)
	if err := vm.emit(ctx, event); err != nil {
		return TickOutcome{}, err
	}
	fiber.PC++
	fiber.Wait = core.TimerWait(deadlineMS)
	if err := vm.store.SaveFiber(ctx, instance.InstanceID, fiber); err != nil {
		return TickOutcome{}, err
	}
	return TickOutcome{Kind: OutcomeParked, FiberID: fiber.FiberID}, nil
}

// raiseIncident persists the incident, parks the fiber on it, and moves the
// instance to the Failed phase. Failed is recoverable: resolving the incident
// unparks the fiber at the same cursor so the instruction re-executes.
func (vm *VM) raiseIncident(ctx context.Context, program *core.CompiledProgram, instance *core.ProcessInstance, fiber *core.Fiber, elementID string, class core.ErrorClass, message string) (TickOutcome, error) {
	incident := &core.Incident{
		IncidentID:   uuid.Must(uuid.NewV7()),
		InstanceID:   instance.InstanceID,
		FiberID:      fiber.FiberID,
		ElementID:    elementID,
		BytecodeAddr: fiber.PC,
		Class:        class,
		Message:      message,
		CreatedAt:    time.Now().UTC(),
	}
	if err := vm.store.SaveIncident(ctx, incident); err != nil {
		return TickOutcome{}, err
	}

	event := core.NewEvent(core.EventIncidentCreated, instance.InstanceID).
		WithFiber(fiber.FiberID).
		WithPayload("incident_id", incident.IncidentID.String()).
		WithPayload("element_id", elementID).
		WithPayload("class", string(class.Kind)).
		WithPayload("message", message)
	if err := vm.emit(ctx, event); err != nil {
		return TickOutcome{}, err
	}

	fiber.Wait = core.IncidentWait(incident.IncidentID)
	if err := vm.store.SaveFiber(ctx, instance.InstanceID, fiber); err != nil {
		return TickOutcome{}, err
	}
	instance.State = core.Failed(incident.IncidentID)
	return TickOutcome{Kind: OutcomeFailed, FiberID: fiber.FiberID, IncidentID: incident.IncidentID}, nil
}

// defaultJobRetries is the retry budget stamped on new job activations.
const defaultJobRetries = 3

// JobKey builds the deterministic job identity "instance:element:pc:epoch".
// Determinism is what makes at-least-once delivery safe: a redelivered or
// replayed activation maps to the same key and hits the dedupe cache.
func JobKey(instanceID uuid.UUID, elementID string, pc core.Addr, epoch uint64) string {
	return fmt.Sprintf("%s:%s:%d:%d", instanceID, elementID, pc, epoch)
}

// ParseJobKey splits a job key into its components. The element id may itself
// contain colons, so the pc and epoch are taken from the right and the
// instance id from the left.
func ParseJobKey(key string) (instanceID uuid.UUID, elementID string, pc core.Addr, epoch uint64, err error) {
	idx := strings.Index(key, ":")
	if idx < 0 {
		return uuid.UUID{}, "", 0, 0, fmt.Errorf("runtime: malformed job key %q", key)
	}
	instanceID, err = uuid.Parse(key[:idx])
	if err != nil {
		return uuid.UUID{}, "", 0, 0, fmt.Errorf("runtime: job key %q: %w", key, err)
	}
	rest := key[idx+1:]

	last := strings.LastIndex(rest, ":")
	if last < 0 {
		return uuid.UUID{}, "", 0, 0, fmt.Errorf("runtime: malformed job key %q", key)
	}
	epoch, err = strconv.ParseUint(rest[last+1:], 10, 64)
	if err != nil {
		return uuid.UUID{}, "", 0, 0, fmt.Errorf("runtime: job key %q: %w", key, err)
	}
	rest = rest[:last]

	last = strings.LastIndex(rest, ":")
	if last < 0 {
		return uuid.UUID{}, "", 0, 0, fmt.Errorf("runtime: malformed job key %q", key)
	}
	pcRaw, err := strconv.ParseUint(rest[last+1:], 10, 32)
	if err != nil {
		return uuid.UUID{}, "", 0, 0, fmt.Errorf("runtime: job key %q: %w", key, err)
	}
	return instanceID, rest[:last], core.Addr(pcRaw), epoch, nil
}

// wireFlagName renders a flag key in the "flag_<n>" wire form used in job
// payloads and events.
func wireFlagName(key core.FlagKey) string {
	return fmt.Sprintf("flag_%d", key)
}

func parseWireFlagName(name string) (core.FlagKey, bool) {
	raw, ok := strings.CutPrefix(name, "flag_")
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, false
	}
	return core.FlagKey(n), true
}

func wireFlags(flags map[core.FlagKey]core.Value) map[string]core.Value {
	if len(flags) == 0 {
		return nil
	}
	out := make(map[string]core.Value, len(flags))
	for key, v := range flags {
		out[wireFlagName(key)] = v
	}
	return out
}

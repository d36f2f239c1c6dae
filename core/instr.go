package core

// OpCode identifies an instruction variant. The set is intentionally small:
// one opcode per BPMN-subset construct the engine executes.
type OpCode string

const (
	OpJump          OpCode = "jump"
	OpBrIf          OpCode = "br_if"
	OpBrIfNot       OpCode = "br_if_not"
	OpPushBool      OpCode = "push_bool"
	OpPushI64       OpCode = "push_i64"
	OpPop           OpCode = "pop"
	OpLoadFlag      OpCode = "load_flag"
	OpStoreFlag     OpCode = "store_flag"
	OpExecNative    OpCode = "exec_native"
	OpFork          OpCode = "fork"
	OpJoin          OpCode = "join"
	OpForkInclusive OpCode = "fork_inclusive"
	OpJoinDynamic   OpCode = "join_dynamic"
	OpWaitFor       OpCode = "wait_for"
	OpWaitUntil     OpCode = "wait_until"
	OpWaitMsg       OpCode = "wait_msg"
	OpIncCounter    OpCode = "inc_counter"
	OpBrCounterLt   OpCode = "br_counter_lt"
	OpEnd           OpCode = "end"
	OpEndTerminate  OpCode = "end_terminate"
	OpFail          OpCode = "fail"
)

// InclusiveBranch is one candidate outgoing flow of an inclusive fork.
// A nil ConditionFlag means the branch is unconditional (always taken);
// otherwise the branch is taken iff the instance flag is truthy.
type InclusiveBranch struct {
	ConditionFlag *FlagKey `json:"condition_flag,omitempty"`
	Target        Addr     `json:"target"`
}

// Instr is one bytecode instruction. It is a flat tagged struct: Op selects
// the variant and only that variant's fields are meaningful. The flat shape
// keeps programs trivially JSON-serializable for content addressing and
// storage.
type Instr struct {
	Op OpCode `json:"op"`

	// Jump / BrIf / BrIfNot / BrCounterLt
	Target Addr `json:"target,omitempty"`

	// PushBool / PushI64
	Bool bool  `json:"bool,omitempty"`
	Int  int64 `json:"int,omitempty"`

	// LoadFlag / StoreFlag
	Key FlagKey `json:"key,omitempty"`

	// ExecNative
	TaskType uint16 `json:"task_type,omitempty"`
	Argc     uint16 `json:"argc,omitempty"`
	Retc     uint16 `json:"retc,omitempty"`

	// Fork
	Targets []Addr `json:"targets,omitempty"`

	// Join / JoinDynamic / ForkInclusive
	JoinID   JoinID `json:"join_id,omitempty"`
	Expected uint16 `json:"expected,omitempty"`
	Next     Addr   `json:"next,omitempty"`

	// ForkInclusive
	Branches      []InclusiveBranch `json:"branches,omitempty"`
	DefaultTarget *Addr             `json:"default_target,omitempty"`

	// WaitFor / WaitUntil
	DurationMS uint64 `json:"duration_ms,omitempty"`
	DeadlineMS uint64 `json:"deadline_ms,omitempty"`

	// WaitMsg
	WaitID  uint32 `json:"wait_id,omitempty"`
	MsgName uint32 `json:"msg_name,omitempty"`
	CorrReg uint32 `json:"corr_reg,omitempty"`

	// IncCounter / BrCounterLt
	CounterID CounterID `json:"counter_id,omitempty"`
	Limit     int64     `json:"limit,omitempty"`

	// Fail
	Code uint32 `json:"code,omitempty"`
}

// Constructors below keep hand-built and compiler-emitted programs readable.

func Jump(target Addr) Instr     { return Instr{Op: OpJump, Target: target} }
func BrIf(target Addr) Instr     { return Instr{Op: OpBrIf, Target: target} }
func BrIfNot(target Addr) Instr  { return Instr{Op: OpBrIfNot, Target: target} }
func PushBool(b bool) Instr      { return Instr{Op: OpPushBool, Bool: b} }
func PushI64(n int64) Instr      { return Instr{Op: OpPushI64, Int: n} }
func Pop() Instr                 { return Instr{Op: OpPop} }
func LoadFlag(key FlagKey) Instr { return Instr{Op: OpLoadFlag, Key: key} }
func StoreFlag(key FlagKey) Instr {
	return Instr{Op: OpStoreFlag, Key: key}
}

// ExecNative emits a job of the manifest task type and suspends the fiber
// until the job completes. Retc boolean results are pushed on resume.
func ExecNative(taskType, argc, retc uint16) Instr {
	return Instr{Op: OpExecNative, TaskType: taskType, Argc: argc, Retc: retc}
}

// Fork spawns one child fiber per target and consumes the parent.
func Fork(targets ...Addr) Instr { return Instr{Op: OpFork, Targets: targets} }

// Join is the static AND-join: expected is baked in at compile time.
func Join(id JoinID, expected uint16, next Addr) Instr {
	return Instr{Op: OpJoin, JoinID: id, Expected: expected, Next: next}
}

// ForkInclusive evaluates branches in declaration order and spawns a child
// fiber per taken branch, recording the taken count as the matching dynamic
// join's expected arrival count.
func ForkInclusive(branches []InclusiveBranch, joinID JoinID, defaultTarget *Addr) Instr {
	return Instr{Op: OpForkInclusive, Branches: branches, JoinID: joinID, DefaultTarget: defaultTarget}
}

// JoinDynamic mirrors Join but reads its expected arrival count from the
// instance's join_expected side-table instead of from bytecode.
func JoinDynamic(id JoinID, next Addr) Instr {
	return Instr{Op: OpJoinDynamic, JoinID: id, Next: next}
}

func WaitFor(durationMS uint64) Instr   { return Instr{Op: OpWaitFor, DurationMS: durationMS} }
func WaitUntil(deadlineMS uint64) Instr { return Instr{Op: OpWaitUntil, DeadlineMS: deadlineMS} }

func WaitForMsg(waitID, name, corrReg uint32) Instr {
	return Instr{Op: OpWaitMsg, WaitID: waitID, MsgName: name, CorrReg: corrReg}
}

func IncCounter(id CounterID) Instr { return Instr{Op: OpIncCounter, CounterID: id} }

// BrCounterLt branches to target while the counter is below limit. Paired
// with IncCounter it is the bounded-loop primitive.
func BrCounterLt(id CounterID, limit int64, target Addr) Instr {
	return Instr{Op: OpBrCounterLt, CounterID: id, Limit: limit, Target: target}
}

func End() Instr             { return Instr{Op: OpEnd} }
func EndTerminate() Instr    { return Instr{Op: OpEndTerminate} }
func Fail(code uint32) Instr { return Instr{Op: OpFail, Code: code} }

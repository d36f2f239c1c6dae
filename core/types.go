// Package core provides the foundational types for petalproc processes.
//
// This package contains:
//   - Bytecode addressing and value types: Addr, FlagKey, Value
//   - The instruction set: Instr and its opcodes
//   - The compiled artifact: CompiledProgram
//   - Process state: ProcessInstance, Fiber, WaitState
//   - Failure records: Incident, ErrorClass
//   - Job descriptors exchanged with external workers
package core

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Addr is an index into a program's flat instruction array.
type Addr uint32

// JoinID identifies a join barrier within a program.
type JoinID uint32

// FlagKey is an interned handle for a named value slot on a process instance.
// Gateway conditions are evaluated against the flag store keyed by FlagKey.
type FlagKey uint32

// CounterID identifies a bounded-loop counter on a process instance.
type CounterID uint32

// Digest is a SHA-256 content hash, rendered as hex in JSON and logs.
type Digest [32]byte

// String returns the hex encoding of the digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// MarshalJSON encodes the digest as a hex string.
func (d Digest) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// UnmarshalJSON decodes a hex string into the digest.
func (d *Digest) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseDigest(s)
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

// ParseDigest decodes a hex-encoded digest string.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	raw, err := hex.DecodeString(s)
	if err != nil {
		return d, fmt.Errorf("core: parse digest: %w", err)
	}
	if len(raw) != len(d) {
		return d, fmt.Errorf("core: digest must be %d bytes, got %d", len(d), len(raw))
	}
	copy(d[:], raw)
	return d, nil
}

// ComputeHash returns the SHA-256 digest of the given payload.
func ComputeHash(data string) Digest {
	return sha256.Sum256([]byte(data))
}

// ValueKind identifies the variant held by a Value.
type ValueKind string

const (
	ValueBool ValueKind = "bool"
	ValueInt  ValueKind = "int"
	ValueStr  ValueKind = "str"
)

// Value is a small tagged union used for flags, fiber stack slots, and
// correlation keys. Exactly one payload field is meaningful per Kind.
type Value struct {
	Kind ValueKind `json:"kind"`
	Bool bool      `json:"bool,omitempty"`
	Int  int64     `json:"int,omitempty"`
	Str  string    `json:"str,omitempty"`
}

// BoolValue returns a boolean Value.
func BoolValue(b bool) Value { return Value{Kind: ValueBool, Bool: b} }

// IntValue returns an integer Value.
func IntValue(n int64) Value { return Value{Kind: ValueInt, Int: n} }

// StrValue returns a string Value.
func StrValue(s string) Value { return Value{Kind: ValueStr, Str: s} }

// Truthy reports whether the value is considered true for branch and
// gateway-condition evaluation. Missing flags default to false upstream.
func (v Value) Truthy() bool {
	switch v.Kind {
	case ValueBool:
		return v.Bool
	case ValueInt:
		return v.Int != 0
	case ValueStr:
		return true
	default:
		return false
	}
}

// WaitKind identifies what a parked fiber is waiting on.
type WaitKind string

const (
	// WaitRunning means the fiber is runnable, not waiting.
	WaitRunning WaitKind = "running"
	// WaitJob means the fiber is parked until an external job completes.
	WaitJob WaitKind = "job"
	// WaitTimer means the fiber is parked until a deadline passes.
	WaitTimer WaitKind = "timer"
	// WaitMsg means the fiber is parked until a correlated message arrives.
	WaitMsg WaitKind = "msg"
	// WaitIncident means the fiber is parked on an unresolved incident.
	WaitIncident WaitKind = "incident"
)

// WaitState describes a fiber's suspension point. The zero value is not
// meaningful; use RunningState or one of the park constructors.
//
// A fiber waiting at a join barrier is never represented as a WaitState:
// join waits live entirely in the store's arrival counter plus the
// instance's join_expected side-table.
type WaitState struct {
	Kind       WaitKind  `json:"kind"`
	JobKey     string    `json:"job_key,omitempty"`
	DeadlineMS uint64    `json:"deadline_ms,omitempty"`
	WaitID     uint32    `json:"wait_id,omitempty"`
	MsgName    uint32    `json:"msg_name,omitempty"`
	CorrKey    Value     `json:"corr_key,omitzero"`
	IncidentID uuid.UUID `json:"incident_id,omitzero"`
}

// RunningState returns the runnable (non-waiting) state.
func RunningState() WaitState { return WaitState{Kind: WaitRunning} }

// JobWait returns a WaitState parked on the given job key.
func JobWait(jobKey string) WaitState { return WaitState{Kind: WaitJob, JobKey: jobKey} }

// TimerWait returns a WaitState parked until the given unix-millisecond deadline.
func TimerWait(deadlineMS uint64) WaitState {
	return WaitState{Kind: WaitTimer, DeadlineMS: deadlineMS}
}

// MessageWait returns a WaitState parked on a named, correlated message.
func MessageWait(waitID, name uint32, corrKey Value) WaitState {
	return WaitState{Kind: WaitMsg, WaitID: waitID, MsgName: name, CorrKey: corrKey}
}

// IncidentWait returns a WaitState parked on an unresolved incident.
func IncidentWait(incidentID uuid.UUID) WaitState {
	return WaitState{Kind: WaitIncident, IncidentID: incidentID}
}

// Describe returns a short human-readable description of the wait for audit
// events, or the empty string when the fiber is not actually waiting.
func (w WaitState) Describe() string {
	switch w.Kind {
	case WaitRunning:
		return ""
	case WaitJob:
		return fmt.Sprintf("Job(%s)", w.JobKey)
	case WaitTimer:
		return "Timer"
	case WaitMsg:
		return "Msg"
	case WaitIncident:
		return "Incident"
	default:
		return string(w.Kind)
	}
}

// ErrorClassKind is the coarse failure taxonomy for jobs and incidents.
type ErrorClassKind string

const (
	// ErrorTransient marks failures that an operator may simply retry.
	ErrorTransient ErrorClassKind = "transient"
	// ErrorContractViolation marks data/model errors that must never be
	// silently skipped (for example a gateway with zero live branches).
	ErrorContractViolation ErrorClassKind = "contract_violation"
	// ErrorBusinessRejection marks domain-level rejections carrying a code
	// that may be routed to a modeled error path.
	ErrorBusinessRejection ErrorClassKind = "business_rejection"
)

// ErrorClass classifies a failure. RejectionCode is only meaningful for
// ErrorBusinessRejection.
type ErrorClass struct {
	Kind          ErrorClassKind `json:"kind"`
	RejectionCode string         `json:"rejection_code,omitempty"`
}

// Incident is the durable record of an execution failure that cannot proceed
// without intervention. It is immutable once created except for the
// resolution fields, which an external remediator fills in.
type Incident struct {
	IncidentID   uuid.UUID  `json:"incident_id"`
	InstanceID   uuid.UUID  `json:"instance_id"`
	FiberID      uuid.UUID  `json:"fiber_id"`
	ElementID    string     `json:"element_id"`
	BytecodeAddr Addr       `json:"bytecode_addr"`
	Class        ErrorClass `json:"class"`
	Message      string     `json:"message"`
	RetryCount   int        `json:"retry_count"`
	CreatedAt    time.Time  `json:"created_at"`
	ResolvedAt   *time.Time `json:"resolved_at,omitempty"`
	Resolution   string     `json:"resolution,omitempty"`
}

// JobActivation is the descriptor handed to an external worker when an
// ExecNative instruction emits a job.
type JobActivation struct {
	JobKey            string           `json:"job_key"`
	InstanceID        uuid.UUID        `json:"instance_id"`
	TaskType          string           `json:"task_type"`
	ElementID         string           `json:"element_id"`
	DomainPayload     string           `json:"domain_payload"`
	DomainPayloadHash Digest           `json:"domain_payload_hash"`
	Flags             map[string]Value `json:"flags,omitempty"`
	RetriesRemaining  int              `json:"retries_remaining"`
}

// JobCompletion is reported by a worker when a job finishes. Flags use the
// wire form "flag_<n>" keys and are merged back into the instance flag store.
type JobCompletion struct {
	JobKey            string           `json:"job_key"`
	DomainPayload     string           `json:"domain_payload"`
	DomainPayloadHash Digest           `json:"domain_payload_hash"`
	Flags             map[string]Value `json:"flags,omitempty"`
}

// JobFailure is reported by a worker when a job fails.
type JobFailure struct {
	JobKey  string     `json:"job_key"`
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`
}

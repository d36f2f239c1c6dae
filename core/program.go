package core

import (
	"encoding/json"
	"fmt"
)

// JoinPlanEntry is compiler metadata about one static join barrier.
type JoinPlanEntry struct {
	Expected uint16 `json:"expected"`
	JoinAddr Addr   `json:"join_addr"`
}

// ErrorRoute maps a business-rejection code raised at a service task to a
// modeled escalation path. An empty ErrorCode is a catch-all route.
type ErrorRoute struct {
	ErrorCode         string `json:"error_code,omitempty"`
	BoundaryElementID string `json:"boundary_element_id,omitempty"`
	ResumeAt          Addr   `json:"resume_at"`
}

// CompiledProgram is the immutable artifact produced by the compiler and
// consumed by the engine. It is content-addressed: BytecodeVersion is the
// hash of the instruction array plus task manifest, and the engine refuses
// to execute a program whose recomputed hash does not match.
type CompiledProgram struct {
	BytecodeVersion Digest                   `json:"bytecode_version"`
	Program         []Instr                  `json:"program"`
	DebugMap        map[Addr]string          `json:"debug_map,omitempty"`
	TaskManifest    []string                 `json:"task_manifest,omitempty"`
	JoinPlan        map[JoinID]JoinPlanEntry `json:"join_plan,omitempty"`
	ErrorRouteMap   map[Addr][]ErrorRoute    `json:"error_route_map,omitempty"`
}

// Checksum computes the content hash over the instruction array and task
// manifest. JSON encoding is the canonical form.
func (p *CompiledProgram) Checksum() (Digest, error) {
	canonical := struct {
		Program      []Instr  `json:"program"`
		TaskManifest []string `json:"task_manifest"`
	}{p.Program, p.TaskManifest}

	data, err := json.Marshal(canonical)
	if err != nil {
		return Digest{}, fmt.Errorf("core: checksum program: %w", err)
	}
	return ComputeHash(string(data)), nil
}

// Seal computes and stamps the program's content hash. Compilers call this
// as the final lowering step; hand-built test programs call it too.
func (p *CompiledProgram) Seal() error {
	sum, err := p.Checksum()
	if err != nil {
		return err
	}
	p.BytecodeVersion = sum
	return nil
}

// Verify recomputes the content hash and checks it against BytecodeVersion.
func (p *CompiledProgram) Verify() error {
	sum, err := p.Checksum()
	if err != nil {
		return err
	}
	if sum != p.BytecodeVersion {
		return fmt.Errorf("core: bytecode version mismatch: declared %s, computed %s",
			p.BytecodeVersion, sum)
	}
	return nil
}

// Validate performs cheap structural checks the engine relies on: branch
// targets in range and join-plan expected counts consistent with Join
// instructions. The full verifier rule catalogue runs upstream of the
// engine; this is a load-time sanity net, not a replacement.
func (p *CompiledProgram) Validate() error {
	n := Addr(len(p.Program))
	inRange := func(a Addr) bool { return a < n }

	for pc, instr := range p.Program {
		switch instr.Op {
		case OpJump, OpBrIf, OpBrIfNot, OpBrCounterLt:
			if !inRange(instr.Target) {
				return fmt.Errorf("core: instr %d: target %d out of range", pc, instr.Target)
			}
		case OpFork:
			if len(instr.Targets) < 2 {
				return fmt.Errorf("core: instr %d: fork needs at least 2 targets", pc)
			}
			for _, t := range instr.Targets {
				if !inRange(t) {
					return fmt.Errorf("core: instr %d: fork target %d out of range", pc, t)
				}
			}
		case OpJoin:
			if !inRange(instr.Next) {
				return fmt.Errorf("core: instr %d: join next %d out of range", pc, instr.Next)
			}
			if plan, ok := p.JoinPlan[instr.JoinID]; ok && plan.Expected != instr.Expected {
				return fmt.Errorf("core: instr %d: join %d expects %d, plan says %d",
					pc, instr.JoinID, instr.Expected, plan.Expected)
			}
		case OpForkInclusive:
			if len(instr.Branches) < 2 {
				return fmt.Errorf("core: instr %d: inclusive fork needs at least 2 branches", pc)
			}
			for _, b := range instr.Branches {
				if !inRange(b.Target) {
					return fmt.Errorf("core: instr %d: branch target %d out of range", pc, b.Target)
				}
			}
			if instr.DefaultTarget != nil && !inRange(*instr.DefaultTarget) {
				return fmt.Errorf("core: instr %d: default target %d out of range", pc, *instr.DefaultTarget)
			}
		case OpJoinDynamic:
			if !inRange(instr.Next) {
				return fmt.Errorf("core: instr %d: dynamic join next %d out of range", pc, instr.Next)
			}
		}
	}
	return nil
}

// ElementID resolves the human-readable element id for a bytecode address.
// The debug map is best-effort: a missing entry yields a synthesized
// fallback, never an error, so audit and incident paths cannot fail on
// missing metadata.
func (p *CompiledProgram) ElementID(addr Addr) string {
	if id, ok := p.DebugMap[addr]; ok {
		return id
	}
	return fmt.Sprintf("pc_%d", addr)
}

// TaskTypeName resolves a manifest index to its task type string, falling
// back to a synthesized name for out-of-range indexes.
func (p *CompiledProgram) TaskTypeName(taskType uint16) string {
	if int(taskType) < len(p.TaskManifest) {
		return p.TaskManifest[taskType]
	}
	return fmt.Sprintf("task_%d", taskType)
}

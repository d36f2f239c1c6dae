package core

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestSealAndVerify(t *testing.T) {
	program := &CompiledProgram{
		Program: []Instr{
			PushBool(true),
			BrIf(3),
			End(),
			End(),
		},
		TaskManifest: []string{"identity_check"},
	}

	if err := program.Seal(); err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	if program.BytecodeVersion == (Digest{}) {
		t.Fatal("Seal() left a zero bytecode version")
	}
	if err := program.Verify(); err != nil {
		t.Fatalf("Verify() error: %v", err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	program := &CompiledProgram{
		Program: []Instr{PushBool(true), End()},
	}
	if err := program.Seal(); err != nil {
		t.Fatalf("Seal() error: %v", err)
	}

	program.Program[0] = PushBool(false)
	err := program.Verify()
	if err == nil {
		t.Fatal("Verify() accepted tampered bytecode")
	}
	if !strings.Contains(err.Error(), "mismatch") {
		t.Errorf("Verify() error = %q, want mismatch", err)
	}
}

func TestChecksumIgnoresDebugMetadata(t *testing.T) {
	a := &CompiledProgram{Program: []Instr{End()}}
	b := &CompiledProgram{
		Program:  []Instr{End()},
		DebugMap: map[Addr]string{0: "end_event"},
	}

	sumA, err := a.Checksum()
	if err != nil {
		t.Fatalf("Checksum() error: %v", err)
	}
	sumB, err := b.Checksum()
	if err != nil {
		t.Fatalf("Checksum() error: %v", err)
	}
	if sumA != sumB {
		t.Error("debug metadata changed the content hash")
	}
}

func TestValidateRejectsOutOfRangeTargets(t *testing.T) {
	tests := []struct {
		name    string
		program []Instr
	}{
		{"jump", []Instr{Jump(99)}},
		{"br_if", []Instr{PushBool(true), BrIf(99), End()}},
		{"fork target", []Instr{Fork(1, 99), End()}},
		{"join next", []Instr{Join(0, 2, 99)}},
		{"dynamic join next", []Instr{JoinDynamic(0, 99)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &CompiledProgram{Program: tt.program}
			if err := p.Validate(); err == nil {
				t.Error("Validate() accepted out-of-range target")
			}
		})
	}
}

func TestValidateRejectsDegenerateForks(t *testing.T) {
	single := &CompiledProgram{Program: []Instr{Fork(0)}}
	if err := single.Validate(); err == nil {
		t.Error("Validate() accepted a fork with one target")
	}

	flag := FlagKey(0)
	oneBranch := &CompiledProgram{Program: []Instr{
		ForkInclusive([]InclusiveBranch{{ConditionFlag: &flag, Target: 0}}, 0, nil),
	}}
	if err := oneBranch.Validate(); err == nil {
		t.Error("Validate() accepted an inclusive fork with one branch")
	}
}

func TestValidateJoinPlanConsistency(t *testing.T) {
	p := &CompiledProgram{
		Program:  []Instr{Join(7, 3, 0)},
		JoinPlan: map[JoinID]JoinPlanEntry{7: {Expected: 2, JoinAddr: 0}},
	}
	if err := p.Validate(); err == nil {
		t.Error("Validate() accepted a join disagreeing with its plan entry")
	}
}

func TestElementIDFallback(t *testing.T) {
	p := &CompiledProgram{
		Program:  []Instr{End(), End()},
		DebugMap: map[Addr]string{0: "start_event"},
	}
	if got := p.ElementID(0); got != "start_event" {
		t.Errorf("ElementID(0) = %q, want start_event", got)
	}
	if got := p.ElementID(1); got != "pc_1" {
		t.Errorf("ElementID(1) = %q, want pc_1", got)
	}
}

func TestTaskTypeNameFallback(t *testing.T) {
	p := &CompiledProgram{TaskManifest: []string{"identity_check"}}
	if got := p.TaskTypeName(0); got != "identity_check" {
		t.Errorf("TaskTypeName(0) = %q", got)
	}
	if got := p.TaskTypeName(9); got != "task_9" {
		t.Errorf("TaskTypeName(9) = %q, want task_9", got)
	}
}

func TestProgramJSONRoundTrip(t *testing.T) {
	flag := FlagKey(1)
	defaultTarget := Addr(5)
	program := &CompiledProgram{
		Program: []Instr{
			ForkInclusive([]InclusiveBranch{
				{ConditionFlag: &flag, Target: 2},
				{Target: 3},
			}, 4, &defaultTarget),
			JoinDynamic(4, 6),
		},
		TaskManifest:  []string{"edd_check"},
		ErrorRouteMap: map[Addr][]ErrorRoute{0: {{ErrorCode: "REJECTED", ResumeAt: 6}}},
	}
	if err := program.Seal(); err != nil {
		t.Fatalf("Seal() error: %v", err)
	}

	data, err := json.Marshal(program)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	var decoded CompiledProgram
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if err := decoded.Verify(); err != nil {
		t.Errorf("decoded program failed verification: %v", err)
	}
	if decoded.Program[0].DefaultTarget == nil || *decoded.Program[0].DefaultTarget != 5 {
		t.Error("default target lost in round trip")
	}
}

package core

import (
	"encoding/json"
	"testing"
)

func TestValueTruthy(t *testing.T) {
	tests := []struct {
		name  string
		value Value
		want  bool
	}{
		{"true bool", BoolValue(true), true},
		{"false bool", BoolValue(false), false},
		{"nonzero int", IntValue(42), true},
		{"zero int", IntValue(0), false},
		{"negative int", IntValue(-1), true},
		{"string", StrValue("x"), true},
		{"empty string", StrValue(""), true},
		{"zero value", Value{}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.value.Truthy(); got != tt.want {
				t.Errorf("Truthy() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDigestJSONRoundTrip(t *testing.T) {
	d := ComputeHash(`{"applicant":"acme"}`)

	data, err := json.Marshal(d)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	var decoded Digest
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if decoded != d {
		t.Errorf("round trip changed digest: %s != %s", decoded, d)
	}
}

func TestParseDigestRejectsBadInput(t *testing.T) {
	if _, err := ParseDigest("zz"); err == nil {
		t.Error("ParseDigest accepted non-hex input")
	}
	if _, err := ParseDigest("abcd"); err == nil {
		t.Error("ParseDigest accepted a short digest")
	}
}

func TestInstanceFlagDefaultsFalse(t *testing.T) {
	instance := NewProcessInstance("kyc", Digest{}, "{}", ComputeHash("{}"), "")

	if got := instance.Flag(3); got.Truthy() {
		t.Error("unset flag should default to false")
	}

	instance.Flags[3] = BoolValue(true)
	if got := instance.Flag(3); !got.Truthy() {
		t.Error("set flag should read back true")
	}
}

func TestInstanceWritesAfterJSONRoundTrip(t *testing.T) {
	instance := NewProcessInstance("kyc", Digest{}, "{}", ComputeHash("{}"), "")

	// Stores persist instances as JSON; omitempty drops the empty maps, so a
	// loaded instance has nil Flags/Counters/JoinExpected. Writes must still
	// land instead of panicking.
	data, err := json.Marshal(instance)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	var loaded ProcessInstance
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}

	loaded.SetFlag(3, BoolValue(true))
	if !loaded.Flag(3).Truthy() {
		t.Error("flag written after round trip does not read back")
	}
	if got := loaded.BumpCounter(1); got != 1 {
		t.Errorf("BumpCounter() = %d, want 1", got)
	}
	if got := loaded.BumpCounter(1); got != 2 {
		t.Errorf("BumpCounter() = %d, want 2", got)
	}
	loaded.SetJoinExpected(9, 2)
	if loaded.JoinExpected[9] != 2 {
		t.Errorf("join expected = %d, want 2", loaded.JoinExpected[9])
	}
}

func TestFiberStack(t *testing.T) {
	fiber := SpawnFiber(0)

	if _, ok := fiber.Pop(); ok {
		t.Fatal("Pop() on empty stack should report underflow")
	}

	fiber.Push(BoolValue(true))
	fiber.Push(IntValue(7))

	v, ok := fiber.Pop()
	if !ok || v.Int != 7 {
		t.Fatalf("Pop() = %+v, %v", v, ok)
	}
	v, ok = fiber.Pop()
	if !ok || !v.Bool {
		t.Fatalf("Pop() = %+v, %v", v, ok)
	}
}

func TestFiberCloneDoesNotAlias(t *testing.T) {
	fiber := SpawnFiber(0)
	fiber.Push(BoolValue(true))

	clone := fiber.Clone()
	clone.Push(BoolValue(false))

	if len(fiber.Stack) != 1 {
		t.Error("mutating the clone leaked into the original")
	}
}

func TestFiberIDsAreCreationOrdered(t *testing.T) {
	// UUIDv7 ids sort lexically by creation time, which the scheduler relies
	// on for deterministic fiber selection.
	a := SpawnFiber(0)
	b := SpawnFiber(0)
	if a.FiberID.String() >= b.FiberID.String() {
		t.Errorf("expected %s < %s", a.FiberID, b.FiberID)
	}
}

func TestWaitStateDescribe(t *testing.T) {
	if got := RunningState().Describe(); got != "" {
		t.Errorf("running Describe() = %q, want empty", got)
	}
	if got := JobWait("abc:task:0:0").Describe(); got != "Job(abc:task:0:0)" {
		t.Errorf("job Describe() = %q", got)
	}
	if got := TimerWait(5).Describe(); got != "Timer" {
		t.Errorf("timer Describe() = %q", got)
	}
}

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"

	"github.com/petal-labs/petalproc/core"
)

// eachStore runs a subtest against both implementations. The two must be
// behaviorally identical under the same call sequence.
func eachStore(t *testing.T, fn func(t *testing.T, s ProcessStore)) {
	t.Helper()

	t.Run("mem", func(t *testing.T) {
		fn(t, NewMemStore())
	})
	t.Run("sqlite", func(t *testing.T) {
		s, err := NewSQLiteStore(SQLiteStoreConfig{DSN: filepath.Join(t.TempDir(), "test.db")})
		if err != nil {
			t.Fatalf("NewSQLiteStore() error: %v", err)
		}
		t.Cleanup(func() { _ = s.Close() })
		fn(t, s)
	})
}

func sealedProgram(t *testing.T, instrs ...core.Instr) *core.CompiledProgram {
	t.Helper()
	p := &core.CompiledProgram{Program: instrs, TaskManifest: []string{"identity_check"}}
	if err := p.Seal(); err != nil {
		t.Fatalf("Seal() error: %v", err)
	}
	return p
}

func TestProgramRoundTrip(t *testing.T) {
	eachStore(t, func(t *testing.T, s ProcessStore) {
		ctx := context.Background()
		program := sealedProgram(t, core.PushBool(true), core.End())

		if err := s.StoreProgram(ctx, program); err != nil {
			t.Fatalf("StoreProgram() error: %v", err)
		}
		loaded, err := s.LoadProgram(ctx, program.BytecodeVersion)
		if err != nil {
			t.Fatalf("LoadProgram() error: %v", err)
		}
		if err := loaded.Verify(); err != nil {
			t.Errorf("loaded program failed verification: %v", err)
		}

		_, err = s.LoadProgram(ctx, core.ComputeHash("missing"))
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("LoadProgram(missing) error = %v, want ErrNotFound", err)
		}
	})
}

func TestInstanceLifecycle(t *testing.T) {
	eachStore(t, func(t *testing.T, s ProcessStore) {
		ctx := context.Background()
		instance := core.NewProcessInstance("kyc", core.ComputeHash("v"), "{}", core.ComputeHash("{}"), "corr-1")

		if err := s.SaveInstance(ctx, instance); err != nil {
			t.Fatalf("SaveInstance() error: %v", err)
		}

		runnable, err := s.RunnableInstances(ctx)
		if err != nil {
			t.Fatalf("RunnableInstances() error: %v", err)
		}
		if len(runnable) != 1 || runnable[0] != instance.InstanceID {
			t.Fatalf("RunnableInstances() = %v", runnable)
		}

		payload := `{"stage":"screening"}`
		if err := s.UpdateInstancePayload(ctx, instance.InstanceID, payload, core.ComputeHash(payload)); err != nil {
			t.Fatalf("UpdateInstancePayload() error: %v", err)
		}
		updated, err := s.LoadInstance(ctx, instance.InstanceID)
		if err != nil {
			t.Fatalf("LoadInstance() error: %v", err)
		}
		if updated.DomainPayload != payload || updated.DomainPayloadHash != core.ComputeHash(payload) {
			t.Errorf("payload after update = %q", updated.DomainPayload)
		}

		if err := s.UpdateInstanceState(ctx, instance.InstanceID, core.Cancelled("test", instance.CreatedAt)); err != nil {
			t.Fatalf("UpdateInstanceState() error: %v", err)
		}
		runnable, err = s.RunnableInstances(ctx)
		if err != nil {
			t.Fatalf("RunnableInstances() error: %v", err)
		}
		if len(runnable) != 0 {
			t.Errorf("cancelled instance still runnable: %v", runnable)
		}

		loaded, err := s.LoadInstance(ctx, instance.InstanceID)
		if err != nil {
			t.Fatalf("LoadInstance() error: %v", err)
		}
		if loaded.State.Phase != core.PhaseCancelled {
			t.Errorf("phase = %s, want cancelled", loaded.State.Phase)
		}
		if loaded.CorrelationID != "corr-1" {
			t.Errorf("correlation id = %q", loaded.CorrelationID)
		}
	})
}

func TestEventSequenceAssignment(t *testing.T) {
	eachStore(t, func(t *testing.T, s ProcessStore) {
		ctx := context.Background()
		a := uuid.Must(uuid.NewV7())
		b := uuid.Must(uuid.NewV7())

		for i := 0; i < 3; i++ {
			if err := s.AppendEvent(ctx, core.NewEvent(core.EventFlagSet, a)); err != nil {
				t.Fatalf("AppendEvent() error: %v", err)
			}
		}
		if err := s.AppendEvent(ctx, core.NewEvent(core.EventInstanceStarted, b)); err != nil {
			t.Fatalf("AppendEvent() error: %v", err)
		}

		events, err := s.ReadEvents(ctx, a, 1)
		if err != nil {
			t.Fatalf("ReadEvents() error: %v", err)
		}
		if len(events) != 3 {
			t.Fatalf("len(events) = %d, want 3", len(events))
		}
		for i, e := range events {
			if e.Seq != uint64(i+1) {
				t.Errorf("events[%d].Seq = %d, want %d", i, e.Seq, i+1)
			}
		}

		// Sequences are per-instance, so instance b starts at 1.
		latest, err := s.LatestSeq(ctx, b)
		if err != nil {
			t.Fatalf("LatestSeq() error: %v", err)
		}
		if latest != 1 {
			t.Errorf("LatestSeq(b) = %d, want 1", latest)
		}

		tail, err := s.ReadEvents(ctx, a, 3)
		if err != nil {
			t.Fatalf("ReadEvents() error: %v", err)
		}
		if len(tail) != 1 || tail[0].Seq != 3 {
			t.Errorf("ReadEvents(from 3) = %+v", tail)
		}
	})
}

func TestJoinCounter(t *testing.T) {
	eachStore(t, func(t *testing.T, s ProcessStore) {
		ctx := context.Background()
		instanceID := uuid.Must(uuid.NewV7())

		for want := uint16(1); want <= 3; want++ {
			count, err := s.JoinArrive(ctx, instanceID, 7)
			if err != nil {
				t.Fatalf("JoinArrive() error: %v", err)
			}
			if count != want {
				t.Errorf("JoinArrive() = %d, want %d", count, want)
			}
		}

		// Counters are per join id.
		count, err := s.JoinArrive(ctx, instanceID, 8)
		if err != nil {
			t.Fatalf("JoinArrive() error: %v", err)
		}
		if count != 1 {
			t.Errorf("JoinArrive(other) = %d, want 1", count)
		}

		if err := s.JoinReset(ctx, instanceID, 7); err != nil {
			t.Fatalf("JoinReset() error: %v", err)
		}
		count, err = s.JoinArrive(ctx, instanceID, 7)
		if err != nil {
			t.Fatalf("JoinArrive() error: %v", err)
		}
		if count != 1 {
			t.Errorf("JoinArrive() after reset = %d, want 1", count)
		}
	})
}

func TestFiberOrdering(t *testing.T) {
	eachStore(t, func(t *testing.T, s ProcessStore) {
		ctx := context.Background()
		instanceID := uuid.Must(uuid.NewV7())

		first := core.SpawnFiber(1)
		second := core.SpawnFiber(2)
		// Save in reverse to prove ordering comes from the id, not insertion.
		if err := s.SaveFiber(ctx, instanceID, second); err != nil {
			t.Fatalf("SaveFiber() error: %v", err)
		}
		if err := s.SaveFiber(ctx, instanceID, first); err != nil {
			t.Fatalf("SaveFiber() error: %v", err)
		}

		fibers, err := s.LoadFibers(ctx, instanceID)
		if err != nil {
			t.Fatalf("LoadFibers() error: %v", err)
		}
		if len(fibers) != 2 {
			t.Fatalf("len(fibers) = %d, want 2", len(fibers))
		}
		if fibers[0].FiberID != first.FiberID {
			t.Error("fibers not in creation order")
		}

		if err := s.DeleteFiber(ctx, instanceID, first.FiberID); err != nil {
			t.Fatalf("DeleteFiber() error: %v", err)
		}
		fibers, err = s.LoadFibers(ctx, instanceID)
		if err != nil {
			t.Fatalf("LoadFibers() error: %v", err)
		}
		if len(fibers) != 1 || fibers[0].FiberID != second.FiberID {
			t.Errorf("after delete, fibers = %d", len(fibers))
		}

		if err := s.DeleteAllFibers(ctx, instanceID); err != nil {
			t.Fatalf("DeleteAllFibers() error: %v", err)
		}
		fibers, err = s.LoadFibers(ctx, instanceID)
		if err != nil {
			t.Fatalf("LoadFibers() error: %v", err)
		}
		if len(fibers) != 0 {
			t.Errorf("after delete all, %d fibers remain", len(fibers))
		}
	})
}

func TestJobQueue(t *testing.T) {
	eachStore(t, func(t *testing.T, s ProcessStore) {
		ctx := context.Background()
		instanceID := uuid.Must(uuid.NewV7())

		jobs := []*core.JobActivation{
			{JobKey: instanceID.String() + ":a:0:0", InstanceID: instanceID, TaskType: "identity_check"},
			{JobKey: instanceID.String() + ":b:1:0", InstanceID: instanceID, TaskType: "edd_check"},
			{JobKey: instanceID.String() + ":c:2:0", InstanceID: instanceID, TaskType: "identity_check"},
		}
		for _, job := range jobs {
			if err := s.EnqueueJob(ctx, job); err != nil {
				t.Fatalf("EnqueueJob() error: %v", err)
			}
		}

		got, err := s.DequeueJobs(ctx, []string{"identity_check"}, 10)
		if err != nil {
			t.Fatalf("DequeueJobs() error: %v", err)
		}
		if len(got) != 2 {
			t.Fatalf("DequeueJobs() returned %d jobs, want 2", len(got))
		}
		if got[0].JobKey != jobs[0].JobKey || got[1].JobKey != jobs[2].JobKey {
			t.Errorf("jobs out of FIFO order: %s, %s", got[0].JobKey, got[1].JobKey)
		}

		// Inflight jobs are not handed out again.
		again, err := s.DequeueJobs(ctx, []string{"identity_check"}, 10)
		if err != nil {
			t.Fatalf("DequeueJobs() error: %v", err)
		}
		if len(again) != 0 {
			t.Errorf("redelivered %d inflight jobs", len(again))
		}

		if err := s.AckJob(ctx, jobs[0].JobKey); err != nil {
			t.Fatalf("AckJob() error: %v", err)
		}
		if err := s.CancelJobsForInstance(ctx, instanceID); err != nil {
			t.Fatalf("CancelJobsForInstance() error: %v", err)
		}
		rest, err := s.DequeueJobs(ctx, []string{"identity_check", "edd_check"}, 10)
		if err != nil {
			t.Fatalf("DequeueJobs() error: %v", err)
		}
		if len(rest) != 0 {
			t.Errorf("cancelled instance still has %d jobs", len(rest))
		}
	})
}

func TestDedupeCache(t *testing.T) {
	eachStore(t, func(t *testing.T, s ProcessStore) {
		ctx := context.Background()
		key := uuid.Must(uuid.NewV7()).String() + ":identity_check:3:0"

		got, err := s.DedupeGet(ctx, key)
		if err != nil {
			t.Fatalf("DedupeGet() error: %v", err)
		}
		if got != nil {
			t.Fatal("DedupeGet() on empty cache returned a completion")
		}

		completion := &core.JobCompletion{
			JobKey: key,
			Flags:  map[string]core.Value{"flag_0": core.BoolValue(true)},
		}
		if err := s.DedupePut(ctx, key, completion); err != nil {
			t.Fatalf("DedupePut() error: %v", err)
		}

		got, err = s.DedupeGet(ctx, key)
		if err != nil {
			t.Fatalf("DedupeGet() error: %v", err)
		}
		if got == nil || !got.Flags["flag_0"].Truthy() {
			t.Errorf("DedupeGet() = %+v", got)
		}
	})
}

func TestIncidentStorage(t *testing.T) {
	eachStore(t, func(t *testing.T, s ProcessStore) {
		ctx := context.Background()
		instance := core.NewProcessInstance("kyc", core.Digest{}, "{}", core.ComputeHash("{}"), "")

		incident := &core.Incident{
			IncidentID: uuid.Must(uuid.NewV7()),
			InstanceID: instance.InstanceID,
			ElementID:  "inclusive_fork_pc_4",
			Class:      core.ErrorClass{Kind: core.ErrorContractViolation},
			Message:    "Inclusive gateway: no conditions matched and no default flow",
			CreatedAt:  instance.CreatedAt,
		}
		if err := s.SaveIncident(ctx, incident); err != nil {
			t.Fatalf("SaveIncident() error: %v", err)
		}

		loaded, err := s.LoadIncident(ctx, incident.IncidentID)
		if err != nil {
			t.Fatalf("LoadIncident() error: %v", err)
		}
		if loaded.Class.Kind != core.ErrorContractViolation {
			t.Errorf("class = %s", loaded.Class.Kind)
		}

		all, err := s.LoadIncidents(ctx, instance.InstanceID)
		if err != nil {
			t.Fatalf("LoadIncidents() error: %v", err)
		}
		if len(all) != 1 {
			t.Errorf("len(incidents) = %d, want 1", len(all))
		}

		_, err = s.LoadIncident(ctx, uuid.Must(uuid.NewV7()))
		if !errors.Is(err, ErrNotFound) {
			t.Errorf("LoadIncident(missing) error = %v, want ErrNotFound", err)
		}
	})
}

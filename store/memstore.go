package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/petal-labs/petalproc/core"
)

type jobState int

const (
	jobPending jobState = iota
	jobInflight
)

type memJob struct {
	activation *core.JobActivation
	state      jobState
}

// MemStore is a thread-safe in-memory ProcessStore. It is the behavioral
// reference for every durable implementation and the test double for the
// engine.
type MemStore struct {
	mu        sync.Mutex
	programs  map[core.Digest]*core.CompiledProgram
	instances map[uuid.UUID]*core.ProcessInstance
	fibers    map[uuid.UUID]map[uuid.UUID]*core.Fiber // instanceID -> fiberID -> fiber
	events    map[uuid.UUID][]core.Event
	joins     map[uuid.UUID]map[core.JoinID]uint16
	jobs      map[string]*memJob
	jobOrder  []string
	dedupe    map[string]*core.JobCompletion
	incidents map[uuid.UUID]*core.Incident
	payloads  map[uuid.UUID]map[core.Digest]string
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		programs:  make(map[core.Digest]*core.CompiledProgram),
		instances: make(map[uuid.UUID]*core.ProcessInstance),
		fibers:    make(map[uuid.UUID]map[uuid.UUID]*core.Fiber),
		events:    make(map[uuid.UUID][]core.Event),
		joins:     make(map[uuid.UUID]map[core.JoinID]uint16),
		jobs:      make(map[string]*memJob),
		dedupe:    make(map[string]*core.JobCompletion),
		incidents: make(map[uuid.UUID]*core.Incident),
		payloads:  make(map[uuid.UUID]map[core.Digest]string),
	}
}

func (s *MemStore) StoreProgram(_ context.Context, program *core.CompiledProgram) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cloned, err := cloneJSON(program)
	if err != nil {
		return fmt.Errorf("memstore: store program: %w", err)
	}
	s.programs[program.BytecodeVersion] = cloned
	return nil
}

func (s *MemStore) LoadProgram(_ context.Context, version core.Digest) (*core.CompiledProgram, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.programs[version]
	if !ok {
		return nil, fmt.Errorf("memstore: program %s: %w", version, ErrNotFound)
	}
	return cloneJSON(p)
}

func (s *MemStore) SaveInstance(_ context.Context, instance *core.ProcessInstance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cloned, err := cloneJSON(instance)
	if err != nil {
		return fmt.Errorf("memstore: save instance: %w", err)
	}
	s.instances[instance.InstanceID] = cloned
	return nil
}

func (s *MemStore) LoadInstance(_ context.Context, instanceID uuid.UUID) (*core.ProcessInstance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("memstore: instance %s: %w", instanceID, ErrNotFound)
	}
	return cloneJSON(inst)
}

func (s *MemStore) UpdateInstanceState(_ context.Context, instanceID uuid.UUID, state core.ProcessState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return fmt.Errorf("memstore: instance %s: %w", instanceID, ErrNotFound)
	}
	inst.State = state
	return nil
}

func (s *MemStore) UpdateInstancePayload(_ context.Context, instanceID uuid.UUID, payload string, hash core.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instanceID]
	if !ok {
		return fmt.Errorf("memstore: instance %s: %w", instanceID, ErrNotFound)
	}
	inst.DomainPayload = payload
	inst.DomainPayloadHash = hash
	return nil
}

func (s *MemStore) RunnableInstances(_ context.Context) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uuid.UUID
	for id, inst := range s.instances {
		if inst.State.Phase == core.PhaseRunning {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool {
		return bytes.Compare(ids[i][:], ids[j][:]) < 0
	})
	return ids, nil
}

func (s *MemStore) SaveFiber(_ context.Context, instanceID uuid.UUID, fiber *core.Fiber) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.fibers[instanceID]
	if !ok {
		byID = make(map[uuid.UUID]*core.Fiber)
		s.fibers[instanceID] = byID
	}
	byID[fiber.FiberID] = fiber.Clone()
	return nil
}

func (s *MemStore) DeleteFiber(_ context.Context, instanceID, fiberID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fibers[instanceID], fiberID)
	return nil
}

func (s *MemStore) DeleteAllFibers(_ context.Context, instanceID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.fibers, instanceID)
	return nil
}

func (s *MemStore) LoadFibers(_ context.Context, instanceID uuid.UUID) ([]*core.Fiber, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID := s.fibers[instanceID]
	fibers := make([]*core.Fiber, 0, len(byID))
	for _, f := range byID {
		fibers = append(fibers, f.Clone())
	}
	// UUIDv7 fiber ids sort in creation order, keeping selection deterministic.
	sort.Slice(fibers, func(i, j int) bool {
		return bytes.Compare(fibers[i].FiberID[:], fibers[j].FiberID[:]) < 0
	})
	return fibers, nil
}

func (s *MemStore) AppendEvent(_ context.Context, event core.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	event.Seq = uint64(len(s.events[event.InstanceID])) + 1
	s.events[event.InstanceID] = append(s.events[event.InstanceID], event)
	return nil
}

func (s *MemStore) ReadEvents(_ context.Context, instanceID uuid.UUID, fromSeq uint64) ([]core.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []core.Event
	for _, e := range s.events[instanceID] {
		if e.Seq >= fromSeq {
			result = append(result, e)
		}
	}
	return result, nil
}

func (s *MemStore) LatestSeq(_ context.Context, instanceID uuid.UUID) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return uint64(len(s.events[instanceID])), nil
}

func (s *MemStore) JoinArrive(_ context.Context, instanceID uuid.UUID, joinID core.JoinID) (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counters, ok := s.joins[instanceID]
	if !ok {
		counters = make(map[core.JoinID]uint16)
		s.joins[instanceID] = counters
	}
	counters[joinID]++
	return counters[joinID], nil
}

func (s *MemStore) JoinReset(_ context.Context, instanceID uuid.UUID, joinID core.JoinID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.joins[instanceID], joinID)
	return nil
}

func (s *MemStore) EnqueueJob(_ context.Context, job *core.JobActivation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cloned, err := cloneJSON(job)
	if err != nil {
		return fmt.Errorf("memstore: enqueue job: %w", err)
	}
	if _, exists := s.jobs[job.JobKey]; !exists {
		s.jobOrder = append(s.jobOrder, job.JobKey)
	}
	s.jobs[job.JobKey] = &memJob{activation: cloned, state: jobPending}
	return nil
}

func (s *MemStore) DequeueJobs(_ context.Context, taskTypes []string, max int) ([]*core.JobActivation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wanted := make(map[string]bool, len(taskTypes))
	for _, t := range taskTypes {
		wanted[t] = true
	}

	var result []*core.JobActivation
	for _, key := range s.jobOrder {
		if max > 0 && len(result) >= max {
			break
		}
		job, ok := s.jobs[key]
		if !ok || job.state != jobPending || !wanted[job.activation.TaskType] {
			continue
		}
		job.state = jobInflight
		cloned, err := cloneJSON(job.activation)
		if err != nil {
			return nil, fmt.Errorf("memstore: dequeue job: %w", err)
		}
		result = append(result, cloned)
	}
	return result, nil
}

func (s *MemStore) AckJob(_ context.Context, jobKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, jobKey)
	return nil
}

func (s *MemStore) CancelJobsForInstance(_ context.Context, instanceID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, job := range s.jobs {
		if job.activation.InstanceID == instanceID {
			delete(s.jobs, key)
		}
	}
	return nil
}

func (s *MemStore) DedupeGet(_ context.Context, jobKey string) (*core.JobCompletion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	completion, ok := s.dedupe[jobKey]
	if !ok {
		return nil, nil
	}
	return cloneJSON(completion)
}

func (s *MemStore) DedupePut(_ context.Context, jobKey string, completion *core.JobCompletion) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cloned, err := cloneJSON(completion)
	if err != nil {
		return fmt.Errorf("memstore: dedupe put: %w", err)
	}
	s.dedupe[jobKey] = cloned
	return nil
}

func (s *MemStore) SaveIncident(_ context.Context, incident *core.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cloned, err := cloneJSON(incident)
	if err != nil {
		return fmt.Errorf("memstore: save incident: %w", err)
	}
	s.incidents[incident.IncidentID] = cloned
	return nil
}

func (s *MemStore) LoadIncidents(_ context.Context, instanceID uuid.UUID) ([]*core.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var result []*core.Incident
	for _, inc := range s.incidents {
		if inc.InstanceID == instanceID {
			cloned, err := cloneJSON(inc)
			if err != nil {
				return nil, fmt.Errorf("memstore: load incidents: %w", err)
			}
			result = append(result, cloned)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *MemStore) LoadIncident(_ context.Context, incidentID uuid.UUID) (*core.Incident, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inc, ok := s.incidents[incidentID]
	if !ok {
		return nil, fmt.Errorf("memstore: incident %s: %w", incidentID, ErrNotFound)
	}
	return cloneJSON(inc)
}

func (s *MemStore) SavePayloadVersion(_ context.Context, instanceID uuid.UUID, hash core.Digest, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	versions, ok := s.payloads[instanceID]
	if !ok {
		versions = make(map[core.Digest]string)
		s.payloads[instanceID] = versions
	}
	versions[hash] = payload
	return nil
}

// cloneJSON deep-copies a value through its JSON form so stored state is
// never aliased by callers.
func cloneJSON[T any](v *T) (*T, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Compile-time interface check.
var _ ProcessStore = (*MemStore)(nil)

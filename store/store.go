// Package store defines the persistence contract the engine executes
// against, plus the in-memory and SQLite implementations.
//
// Every engine mutation is mediated through ProcessStore so execution is
// crash-safe and replayable: the contract's atomicity guarantees for
// JoinArrive/JoinReset and instance saves are what join exactness and
// deterministic recovery rest on, not in-process locking.
package store

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/petal-labs/petalproc/core"
)

// ErrNotFound is returned when a program, instance, or incident does not exist.
var ErrNotFound = errors.New("store: not found")

// ProcessStore is the abstract persistence contract. An in-memory test
// double and a durable SQLite implementation are interchangeable and must be
// behaviorally identical under the same event ordering.
type ProcessStore interface {
	// StoreProgram persists a compiled program under its content hash.
	StoreProgram(ctx context.Context, program *core.CompiledProgram) error

	// LoadProgram returns the program for a bytecode version, or ErrNotFound.
	LoadProgram(ctx context.Context, version core.Digest) (*core.CompiledProgram, error)

	// SaveInstance upserts the full instance snapshot.
	SaveInstance(ctx context.Context, instance *core.ProcessInstance) error

	// LoadInstance returns the instance, or ErrNotFound.
	LoadInstance(ctx context.Context, instanceID uuid.UUID) (*core.ProcessInstance, error)

	// UpdateInstanceState updates only the lifecycle state.
	UpdateInstanceState(ctx context.Context, instanceID uuid.UUID, state core.ProcessState) error

	// UpdateInstancePayload updates only the domain payload and its hash.
	UpdateInstancePayload(ctx context.Context, instanceID uuid.UUID, payload string, hash core.Digest) error

	// RunnableInstances returns the ids of instances in the Running phase.
	RunnableInstances(ctx context.Context) ([]uuid.UUID, error)

	// SaveFiber upserts a fiber of an instance.
	SaveFiber(ctx context.Context, instanceID uuid.UUID, fiber *core.Fiber) error

	// DeleteFiber removes a fiber. Deleting a missing fiber is not an error.
	DeleteFiber(ctx context.Context, instanceID, fiberID uuid.UUID) error

	// DeleteAllFibers removes every fiber of an instance.
	DeleteAllFibers(ctx context.Context, instanceID uuid.UUID) error

	// LoadFibers returns all fibers of an instance ordered by FiberID.
	LoadFibers(ctx context.Context, instanceID uuid.UUID) ([]*core.Fiber, error)

	// AppendEvent assigns the next per-instance sequence number and appends
	// the event. Append order is the authoritative history.
	AppendEvent(ctx context.Context, event core.Event) error

	// ReadEvents returns events with Seq >= fromSeq in append order.
	ReadEvents(ctx context.Context, instanceID uuid.UUID, fromSeq uint64) ([]core.Event, error)

	// LatestSeq returns the highest Seq for an instance (0 if no events).
	LatestSeq(ctx context.Context, instanceID uuid.UUID) (uint64, error)

	// JoinArrive atomically increments the arrival counter for a join barrier
	// and returns the post-increment count. The returned count is the single
	// point of truth for "am I the last arrival".
	JoinArrive(ctx context.Context, instanceID uuid.UUID, joinID core.JoinID) (uint16, error)

	// JoinReset clears the arrival counter for a join barrier.
	JoinReset(ctx context.Context, instanceID uuid.UUID, joinID core.JoinID) error

	// EnqueueJob adds a job activation to the pending queue.
	EnqueueJob(ctx context.Context, job *core.JobActivation) error

	// DequeueJobs moves up to max pending jobs of the given task types to
	// inflight and returns them.
	DequeueJobs(ctx context.Context, taskTypes []string, max int) ([]*core.JobActivation, error)

	// AckJob removes a job from the queue. Acking a missing job is not an error.
	AckJob(ctx context.Context, jobKey string) error

	// CancelJobsForInstance purges pending and inflight jobs of an instance.
	CancelJobsForInstance(ctx context.Context, instanceID uuid.UUID) error

	// DedupeGet returns the cached completion for a job key, or nil.
	DedupeGet(ctx context.Context, jobKey string) (*core.JobCompletion, error)

	// DedupePut caches a completion so redelivery is idempotent.
	DedupePut(ctx context.Context, jobKey string, completion *core.JobCompletion) error

	// SaveIncident upserts an incident record.
	SaveIncident(ctx context.Context, incident *core.Incident) error

	// LoadIncidents returns all incidents of an instance in creation order.
	LoadIncidents(ctx context.Context, instanceID uuid.UUID) ([]*core.Incident, error)

	// LoadIncident returns one incident, or ErrNotFound.
	LoadIncident(ctx context.Context, incidentID uuid.UUID) (*core.Incident, error)

	// SavePayloadVersion records a content-addressed payload snapshot.
	SavePayloadVersion(ctx context.Context, instanceID uuid.UUID, hash core.Digest, payload string) error
}

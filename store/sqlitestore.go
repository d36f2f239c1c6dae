package store

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	_ "modernc.org/sqlite"

	"github.com/petal-labs/petalproc/core"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// SQLiteStoreConfig configures the SQLite process store.
type SQLiteStoreConfig struct {
	// DSN is the database connection string.
	DSN string
}

// SQLiteStore is a durable ProcessStore backed by SQLite. It enables WAL
// mode for concurrent read access. Per-instance event sequence numbers and
// join-arrival counters are assigned inside transactions so they behave
// identically to the in-memory store under the same event ordering.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite process store.
func NewSQLiteStore(cfg SQLiteStoreConfig) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: open: %w", err)
	}

	// Serialize writers: SQLite allows one writer at a time and the driver
	// otherwise surfaces SQLITE_BUSY under concurrent ticks.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: set WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlitestore: create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) StoreProgram(ctx context.Context, program *core.CompiledProgram) error {
	data, err := json.Marshal(program)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal program: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO programs (version, data) VALUES (?, ?)
		 ON CONFLICT(version) DO UPDATE SET data = excluded.data`,
		program.BytecodeVersion.String(), string(data),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: store program: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadProgram(ctx context.Context, version core.Digest) (*core.CompiledProgram, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM programs WHERE version = ?`, version.String(),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlitestore: program %s: %w", version, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: load program: %w", err)
	}
	var program core.CompiledProgram
	if err := json.Unmarshal([]byte(data), &program); err != nil {
		return nil, fmt.Errorf("sqlitestore: unmarshal program: %w", err)
	}
	return &program, nil
}

func (s *SQLiteStore) SaveInstance(ctx context.Context, instance *core.ProcessInstance) error {
	data, err := json.Marshal(instance)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal instance: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO instances (instance_id, phase, data) VALUES (?, ?, ?)
		 ON CONFLICT(instance_id) DO UPDATE SET phase = excluded.phase, data = excluded.data`,
		instance.InstanceID.String(), string(instance.State.Phase), string(data),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: save instance: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadInstance(ctx context.Context, instanceID uuid.UUID) (*core.ProcessInstance, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM instances WHERE instance_id = ?`, instanceID.String(),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlitestore: instance %s: %w", instanceID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: load instance: %w", err)
	}
	var instance core.ProcessInstance
	if err := json.Unmarshal([]byte(data), &instance); err != nil {
		return nil, fmt.Errorf("sqlitestore: unmarshal instance: %w", err)
	}
	return &instance, nil
}

func (s *SQLiteStore) UpdateInstanceState(ctx context.Context, instanceID uuid.UUID, state core.ProcessState) error {
	instance, err := s.LoadInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	instance.State = state
	return s.SaveInstance(ctx, instance)
}

func (s *SQLiteStore) UpdateInstancePayload(ctx context.Context, instanceID uuid.UUID, payload string, hash core.Digest) error {
	instance, err := s.LoadInstance(ctx, instanceID)
	if err != nil {
		return err
	}
	instance.DomainPayload = payload
	instance.DomainPayloadHash = hash
	return s.SaveInstance(ctx, instance)
}

func (s *SQLiteStore) RunnableInstances(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT instance_id FROM instances WHERE phase = ? ORDER BY instance_id`,
		string(core.PhaseRunning),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: runnable instances: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan instance id: %w", err)
		}
		id, err := uuid.Parse(raw)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: parse instance id %q: %w", raw, err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteStore) SaveFiber(ctx context.Context, instanceID uuid.UUID, fiber *core.Fiber) error {
	data, err := json.Marshal(fiber)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal fiber: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO fibers (instance_id, fiber_id, data) VALUES (?, ?, ?)
		 ON CONFLICT(instance_id, fiber_id) DO UPDATE SET data = excluded.data`,
		instanceID.String(), fiber.FiberID.String(), string(data),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: save fiber: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteFiber(ctx context.Context, instanceID, fiberID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM fibers WHERE instance_id = ? AND fiber_id = ?`,
		instanceID.String(), fiberID.String(),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: delete fiber: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DeleteAllFibers(ctx context.Context, instanceID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM fibers WHERE instance_id = ?`, instanceID.String(),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: delete fibers: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadFibers(ctx context.Context, instanceID uuid.UUID) ([]*core.Fiber, error) {
	// fiber_id is a UUIDv7 string, so lexical order is creation order.
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM fibers WHERE instance_id = ? ORDER BY fiber_id`,
		instanceID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: load fibers: %w", err)
	}
	defer rows.Close()

	fibers := []*core.Fiber{}
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan fiber: %w", err)
		}
		var fiber core.Fiber
		if err := json.Unmarshal([]byte(data), &fiber); err != nil {
			return nil, fmt.Errorf("sqlitestore: unmarshal fiber: %w", err)
		}
		fibers = append(fibers, &fiber)
	}
	return fibers, rows.Err()
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, event core.Event) error {
	payload := event.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal payload: %w", err)
	}

	fiberID := ""
	if event.FiberID != (uuid.UUID{}) {
		fiberID = event.FiberID.String()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (instance_id, seq, kind, fiber_id, time, payload)
		 VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE instance_id = ?), ?, ?, ?, ?)`,
		event.InstanceID.String(),
		event.InstanceID.String(),
		string(event.Kind),
		fiberID,
		event.Time.Format(time.RFC3339Nano),
		string(payloadJSON),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: append event: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ReadEvents(ctx context.Context, instanceID uuid.UUID, fromSeq uint64) ([]core.Event, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, kind, fiber_id, time, payload FROM events
		 WHERE instance_id = ? AND seq >= ? ORDER BY seq ASC`,
		instanceID.String(), fromSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: read events: %w", err)
	}
	defer rows.Close()

	var events []core.Event
	for rows.Next() {
		var (
			e           core.Event
			kind        string
			fiberID     string
			timeStr     string
			payloadJSON string
		)
		if err := rows.Scan(&e.Seq, &kind, &fiberID, &timeStr, &payloadJSON); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan event: %w", err)
		}
		e.InstanceID = instanceID
		e.Kind = core.EventKind(kind)
		if fiberID != "" {
			id, err := uuid.Parse(fiberID)
			if err != nil {
				return nil, fmt.Errorf("sqlitestore: parse fiber id %q: %w", fiberID, err)
			}
			e.FiberID = id
		}
		t, err := time.Parse(time.RFC3339Nano, timeStr)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore: parse time %q: %w", timeStr, err)
		}
		e.Time = t
		if payloadJSON != "" && payloadJSON != "{}" {
			if err := json.Unmarshal([]byte(payloadJSON), &e.Payload); err != nil {
				return nil, fmt.Errorf("sqlitestore: unmarshal payload: %w", err)
			}
		} else {
			e.Payload = map[string]any{}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

func (s *SQLiteStore) LatestSeq(ctx context.Context, instanceID uuid.UUID) (uint64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM events WHERE instance_id = ?`, instanceID.String(),
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: latest seq: %w", err)
	}
	if !seq.Valid || seq.Int64 < 0 {
		return 0, nil
	}
	return uint64(seq.Int64), nil
}

func (s *SQLiteStore) JoinArrive(ctx context.Context, instanceID uuid.UUID, joinID core.JoinID) (uint16, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO join_counters (instance_id, join_id, count) VALUES (?, ?, 1)
		 ON CONFLICT(instance_id, join_id) DO UPDATE SET count = count + 1
		 RETURNING count`,
		instanceID.String(), int64(joinID),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("sqlitestore: join arrive: %w", err)
	}
	return uint16(count), nil
}

func (s *SQLiteStore) JoinReset(ctx context.Context, instanceID uuid.UUID, joinID core.JoinID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM join_counters WHERE instance_id = ? AND join_id = ?`,
		instanceID.String(), int64(joinID),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: join reset: %w", err)
	}
	return nil
}

func (s *SQLiteStore) EnqueueJob(ctx context.Context, job *core.JobActivation) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal job: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO jobs (job_key, instance_id, task_type, state, enqueued_at, data)
		 VALUES (?, ?, ?, 'pending', ?, ?)
		 ON CONFLICT(job_key) DO UPDATE SET state = 'pending', data = excluded.data`,
		job.JobKey, job.InstanceID.String(), job.TaskType, time.Now().UnixNano(), string(data),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: enqueue job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DequeueJobs(ctx context.Context, taskTypes []string, max int) ([]*core.JobActivation, error) {
	if len(taskTypes) == 0 {
		return nil, nil
	}

	placeholders := strings.Repeat("?,", len(taskTypes))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, 0, len(taskTypes)+1)
	for _, t := range taskTypes {
		args = append(args, t)
	}

	query := fmt.Sprintf(
		`SELECT job_key, data FROM jobs WHERE state = 'pending' AND task_type IN (%s)
		 ORDER BY enqueued_at ASC, job_key ASC`, placeholders)
	if max > 0 {
		query += " LIMIT ?"
		args = append(args, max)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: dequeue jobs: %w", err)
	}

	var keys []string
	var jobs []*core.JobActivation
	for rows.Next() {
		var key, data string
		if err := rows.Scan(&key, &data); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("sqlitestore: scan job: %w", err)
		}
		var job core.JobActivation
		if err := json.Unmarshal([]byte(data), &job); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("sqlitestore: unmarshal job: %w", err)
		}
		keys = append(keys, key)
		jobs = append(jobs, &job)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlitestore: dequeue rows: %w", err)
	}

	for _, key := range keys {
		if _, err := s.db.ExecContext(ctx,
			`UPDATE jobs SET state = 'inflight' WHERE job_key = ?`, key,
		); err != nil {
			return nil, fmt.Errorf("sqlitestore: mark inflight %q: %w", key, err)
		}
	}
	return jobs, nil
}

func (s *SQLiteStore) AckJob(ctx context.Context, jobKey string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM jobs WHERE job_key = ?`, jobKey)
	if err != nil {
		return fmt.Errorf("sqlitestore: ack job: %w", err)
	}
	return nil
}

func (s *SQLiteStore) CancelJobsForInstance(ctx context.Context, instanceID uuid.UUID) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM jobs WHERE instance_id = ?`, instanceID.String(),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: cancel jobs: %w", err)
	}
	return nil
}

func (s *SQLiteStore) DedupeGet(ctx context.Context, jobKey string) (*core.JobCompletion, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM dedupe WHERE job_key = ?`, jobKey,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: dedupe get: %w", err)
	}
	var completion core.JobCompletion
	if err := json.Unmarshal([]byte(data), &completion); err != nil {
		return nil, fmt.Errorf("sqlitestore: unmarshal completion: %w", err)
	}
	return &completion, nil
}

func (s *SQLiteStore) DedupePut(ctx context.Context, jobKey string, completion *core.JobCompletion) error {
	data, err := json.Marshal(completion)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal completion: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO dedupe (job_key, data) VALUES (?, ?)
		 ON CONFLICT(job_key) DO UPDATE SET data = excluded.data`,
		jobKey, string(data),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: dedupe put: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SaveIncident(ctx context.Context, incident *core.Incident) error {
	data, err := json.Marshal(incident)
	if err != nil {
		return fmt.Errorf("sqlitestore: marshal incident: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO incidents (incident_id, instance_id, created_at, data) VALUES (?, ?, ?, ?)
		 ON CONFLICT(incident_id) DO UPDATE SET data = excluded.data`,
		incident.IncidentID.String(),
		incident.InstanceID.String(),
		incident.CreatedAt.Format(time.RFC3339Nano),
		string(data),
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: save incident: %w", err)
	}
	return nil
}

func (s *SQLiteStore) LoadIncidents(ctx context.Context, instanceID uuid.UUID) ([]*core.Incident, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT data FROM incidents WHERE instance_id = ? ORDER BY created_at ASC`,
		instanceID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: load incidents: %w", err)
	}
	defer rows.Close()

	var incidents []*core.Incident
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("sqlitestore: scan incident: %w", err)
		}
		var incident core.Incident
		if err := json.Unmarshal([]byte(data), &incident); err != nil {
			return nil, fmt.Errorf("sqlitestore: unmarshal incident: %w", err)
		}
		incidents = append(incidents, &incident)
	}
	return incidents, rows.Err()
}

func (s *SQLiteStore) LoadIncident(ctx context.Context, incidentID uuid.UUID) (*core.Incident, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM incidents WHERE incident_id = ?`, incidentID.String(),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlitestore: incident %s: %w", incidentID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlitestore: load incident: %w", err)
	}
	var incident core.Incident
	if err := json.Unmarshal([]byte(data), &incident); err != nil {
		return nil, fmt.Errorf("sqlitestore: unmarshal incident: %w", err)
	}
	return &incident, nil
}

func (s *SQLiteStore) SavePayloadVersion(ctx context.Context, instanceID uuid.UUID, hash core.Digest, payload string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO payload_versions (instance_id, hash, payload) VALUES (?, ?, ?)
		 ON CONFLICT(instance_id, hash) DO UPDATE SET payload = excluded.payload`,
		instanceID.String(), hash.String(), payload,
	)
	if err != nil {
		return fmt.Errorf("sqlitestore: save payload version: %w", err)
	}
	return nil
}

// Compile-time interface check.
var _ ProcessStore = (*SQLiteStore)(nil)

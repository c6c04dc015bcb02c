// Package outbox is the durable staging queue for domain events. Rows are
// appended in the same transaction as the aggregate mutation and drained by
// publisher workers through a time-bounded lease protocol.
package outbox

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/keel/pkg/envelope"
)

// Status of an outbox row. Transitions form a DAG:
// PENDING -> LEASED -> {PUBLISHED | PENDING | FAILED};
// FAILED -> {PENDING (lease for retry) | DEAD (attempts exhausted)}.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusLeased    Status = "LEASED"
	StatusPublished Status = "PUBLISHED"
	StatusFailed    Status = "FAILED"
	StatusDead      Status = "DEAD"
)

// ErrLeaseLost is returned when a mark arrives after the lease expired and
// another worker took over; the late worker must not touch the row.
var ErrLeaseLost = errors.New("outbox: lease no longer held")

// Record is one outbox row: the full envelope denormalized for replay
// without joining the aggregate, plus delivery bookkeeping.
type Record struct {
	EventID          uuid.UUID
	TenantID         string
	AggregateType    string
	AggregateID      string
	AggregateVersion uint64
	EventName        string
	Payload          []byte
	Metadata         map[string]string
	OccurredAt       time.Time

	Status        Status
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	LeaseOwner    string
	// LeaseExpiresAt is zero when unleased. The lease is advisory: a worker
	// that misses it loses the right to mark the row.
	LeaseExpiresAt time.Time
	PublishedAt    time.Time
}

// FromEnvelope stages an envelope as a PENDING row eligible immediately.
func FromEnvelope(env envelope.Envelope, now time.Time) Record {
	return Record{
		EventID:          env.EventID,
		TenantID:         env.TenantID,
		AggregateType:    env.AggregateType,
		AggregateID:      env.AggregateID,
		AggregateVersion: env.AggregateVersion,
		EventName:        env.EventName,
		Payload:          env.Payload,
		Metadata:         env.Metadata,
		OccurredAt:       env.OccurredAt,
		Status:           StatusPending,
		NextAttemptAt:    now.UTC(),
	}
}

// Envelope reconstructs the transport envelope from the row.
func (r Record) Envelope() envelope.Envelope {
	meta := r.Metadata
	env := envelope.Envelope{
		EventID:          r.EventID,
		EventName:        r.EventName,
		AggregateType:    r.AggregateType,
		AggregateID:      r.AggregateID,
		AggregateVersion: r.AggregateVersion,
		TenantID:         r.TenantID,
		OccurredAt:       r.OccurredAt,
		Payload:          r.Payload,
		Metadata:         meta,
	}
	if meta != nil {
		env.CausationID = meta[envelope.HdrCausationID]
		env.CorrelationID = meta[envelope.HdrCorrelationID]
	}
	return env
}

// Execer is the transaction surface AppendBatch needs; satisfied by *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store is the outbox port. Writers and publishers share no state besides
// this table; the lease rows are the lock.
type Store interface {
	// AppendBatch inserts PENDING rows. Called only from inside a unit of
	// work; tx is the open transaction (nil for non-SQL implementations).
	AppendBatch(ctx context.Context, tx Execer, records []Record) error

	// Lease claims up to batchSize eligible rows (PENDING or FAILED with
	// next_attempt_at due), ordered by event id ascending, skipping rows
	// leased by live owners.
	Lease(ctx context.Context, workerID string, batchSize int, leaseFor time.Duration) ([]Record, error)

	// MarkPublished finalizes a delivered row. Fails with ErrLeaseLost when
	// workerID no longer holds the lease.
	MarkPublished(ctx context.Context, eventID uuid.UUID, workerID string) error

	// MarkFailed counts the attempt, records the cause, and schedules the
	// retry; rows reaching the attempt limit go to DEAD.
	MarkFailed(ctx context.Context, eventID uuid.UUID, workerID, cause string, backoff time.Duration) error

	// MarkDead routes a row to DEAD immediately (permanent schema errors).
	MarkDead(ctx context.Context, eventID uuid.UUID, workerID, cause string) error

	// ReleaseLease returns still-leased rows to PENDING; called by a worker
	// shutting down mid-batch.
	ReleaseLease(ctx context.Context, workerID string, eventIDs []uuid.UUID) error

	// ReclaimExpired resets rows whose lease has lapsed back to PENDING.
	ReclaimExpired(ctx context.Context) (int64, error)

	// GC deletes PUBLISHED rows older than the retention threshold.
	GC(ctx context.Context, before time.Time) (int64, error)
}

package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
)

// PostgresStore implements Store on Postgres. Leasing uses
// FOR UPDATE SKIP LOCKED so concurrent workers never contend on rows.
type PostgresStore struct {
	db          *sql.DB
	maxAttempts int
}

func NewPostgresStore(db *sql.DB, maxAttempts int) *PostgresStore {
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &PostgresStore{db: db, maxAttempts: maxAttempts}
}

// Migrate creates the outbox table and its indexes.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS keel_outbox (
		event_id          UUID PRIMARY KEY,
		tenant_id         TEXT NOT NULL,
		aggregate_type    TEXT NOT NULL,
		aggregate_id      TEXT NOT NULL,
		aggregate_version BIGINT NOT NULL CHECK (aggregate_version >= 1),
		event_name        TEXT NOT NULL,
		payload           BYTEA,
		metadata          JSONB,
		occurred_at       TIMESTAMPTZ(6) NOT NULL,
		status            TEXT NOT NULL,
		attempts          INTEGER NOT NULL DEFAULT 0,
		last_error        TEXT,
		next_attempt_at   TIMESTAMPTZ NOT NULL,
		lease_owner       TEXT,
		lease_expires_at  TIMESTAMPTZ,
		published_at      TIMESTAMPTZ
	);
	CREATE INDEX IF NOT EXISTS keel_outbox_lease_scan ON keel_outbox (status, next_attempt_at);
	CREATE UNIQUE INDEX IF NOT EXISTS keel_outbox_aggregate_seq
		ON keel_outbox (tenant_id, aggregate_type, aggregate_id, aggregate_version);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate outbox table: %w", err)
	}
	return nil
}

func (s *PostgresStore) AppendBatch(ctx context.Context, tx Execer, records []Record) error {
	var ex Execer = s.db
	if tx != nil {
		ex = tx
	}
	query := `
		INSERT INTO keel_outbox (event_id, tenant_id, aggregate_type, aggregate_id, aggregate_version,
			event_name, payload, metadata, occurred_at, status, attempts, next_attempt_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, 0, $11)`
	for _, r := range records {
		metaJSON, err := json.Marshal(r.Metadata)
		if err != nil {
			return apperr.Internal("marshal outbox metadata", err)
		}
		if _, err := ex.ExecContext(ctx, query,
			r.EventID, r.TenantID, r.AggregateType, r.AggregateID, r.AggregateVersion,
			r.EventName, r.Payload, metaJSON, r.OccurredAt, string(StatusPending), r.NextAttemptAt); err != nil {
			return translatePG(err, "outbox append failed")
		}
	}
	return nil
}

func (s *PostgresStore) Lease(ctx context.Context, workerID string, batchSize int, leaseFor time.Duration) ([]Record, error) {
	now := time.Now().UTC()
	query := `
		UPDATE keel_outbox SET status = $1, lease_owner = $2, lease_expires_at = $3
		WHERE event_id IN (
			SELECT event_id FROM keel_outbox
			WHERE status IN ($4, $5) AND next_attempt_at <= $6
			ORDER BY event_id ASC
			LIMIT $7
			FOR UPDATE SKIP LOCKED
		)
		RETURNING event_id, tenant_id, aggregate_type, aggregate_id, aggregate_version,
			event_name, payload, metadata, occurred_at, attempts, COALESCE(last_error, ''), next_attempt_at`
	rows, err := s.db.QueryContext(ctx, query,
		string(StatusLeased), workerID, now.Add(leaseFor),
		string(StatusPending), string(StatusFailed), now, batchSize)
	if err != nil {
		return nil, apperr.Transient("outbox lease failed", err)
	}
	defer func() { _ = rows.Close() }()

	var leased []Record
	for rows.Next() {
		r := Record{Status: StatusLeased, LeaseOwner: workerID, LeaseExpiresAt: now.Add(leaseFor)}
		var metaJSON []byte
		if err := rows.Scan(&r.EventID, &r.TenantID, &r.AggregateType, &r.AggregateID, &r.AggregateVersion,
			&r.EventName, &r.Payload, &metaJSON, &r.OccurredAt, &r.Attempts, &r.LastError, &r.NextAttemptAt); err != nil {
			return nil, apperr.Transient("outbox lease scan failed", err)
		}
		if len(metaJSON) > 0 {
			if err := json.Unmarshal(metaJSON, &r.Metadata); err != nil {
				return nil, apperr.Internal(fmt.Sprintf("corrupt metadata in outbox row %s", r.EventID), err)
			}
		}
		leased = append(leased, r)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Transient("outbox lease iteration failed", err)
	}
	// Rows sorted by event_id; UUIDv7 ids keep this close to causal order.
	return leased, nil
}

func (s *PostgresStore) MarkPublished(ctx context.Context, eventID uuid.UUID, workerID string) error {
	query := `
		UPDATE keel_outbox
		SET status = $1, published_at = $2, lease_owner = NULL, lease_expires_at = NULL
		WHERE event_id = $3 AND lease_owner = $4 AND status = $5`
	res, err := s.db.ExecContext(ctx, query,
		string(StatusPublished), time.Now().UTC(), eventID, workerID, string(StatusLeased))
	if err != nil {
		return apperr.Transient("outbox mark-published failed", err)
	}
	return requireLease(res)
}

func (s *PostgresStore) MarkFailed(ctx context.Context, eventID uuid.UUID, workerID, cause string, backoff time.Duration) error {
	query := `
		UPDATE keel_outbox
		SET attempts = attempts + 1,
			last_error = $1,
			next_attempt_at = $2,
			lease_owner = NULL,
			lease_expires_at = NULL,
			status = CASE WHEN attempts + 1 >= $3 THEN $4 ELSE $5 END
		WHERE event_id = $6 AND lease_owner = $7 AND status = $8`
	res, err := s.db.ExecContext(ctx, query,
		cause, time.Now().UTC().Add(backoff), s.maxAttempts, string(StatusDead), string(StatusFailed),
		eventID, workerID, string(StatusLeased))
	if err != nil {
		return apperr.Transient("outbox mark-failed failed", err)
	}
	return requireLease(res)
}

func (s *PostgresStore) MarkDead(ctx context.Context, eventID uuid.UUID, workerID, cause string) error {
	query := `
		UPDATE keel_outbox
		SET attempts = $1, last_error = $2, status = $3, lease_owner = NULL, lease_expires_at = NULL
		WHERE event_id = $4 AND lease_owner = $5 AND status = $6`
	res, err := s.db.ExecContext(ctx, query,
		s.maxAttempts, cause, string(StatusDead), eventID, workerID, string(StatusLeased))
	if err != nil {
		return apperr.Transient("outbox mark-dead failed", err)
	}
	return requireLease(res)
}

func (s *PostgresStore) ReleaseLease(ctx context.Context, workerID string, eventIDs []uuid.UUID) error {
	if len(eventIDs) == 0 {
		return nil
	}
	query := `
		UPDATE keel_outbox
		SET status = $1, lease_owner = NULL, lease_expires_at = NULL
		WHERE lease_owner = $2 AND status = $3 AND event_id = ANY($4)`
	ids := make([]string, len(eventIDs))
	for i, id := range eventIDs {
		ids[i] = id.String()
	}
	if _, err := s.db.ExecContext(ctx, query,
		string(StatusPending), workerID, string(StatusLeased), pq.Array(ids)); err != nil {
		return apperr.Transient("outbox lease release failed", err)
	}
	return nil
}

func (s *PostgresStore) ReclaimExpired(ctx context.Context) (int64, error) {
	query := `
		UPDATE keel_outbox
		SET status = $1, lease_owner = NULL, lease_expires_at = NULL
		WHERE status = $2 AND lease_expires_at < $3`
	res, err := s.db.ExecContext(ctx, query, string(StatusPending), string(StatusLeased), time.Now().UTC())
	if err != nil {
		return 0, apperr.Transient("outbox lease reclaim failed", err)
	}
	return res.RowsAffected()
}

func (s *PostgresStore) GC(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM keel_outbox WHERE status = $1 AND published_at < $2`,
		string(StatusPublished), before.UTC())
	if err != nil {
		return 0, apperr.Transient("outbox gc failed", err)
	}
	return res.RowsAffected()
}

func requireLease(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return apperr.Transient("outbox result inspection failed", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

package idempotency

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
)

// PostgresStore persists idempotency records in Postgres.
type PostgresStore struct {
	db  *sql.DB
	ttl time.Duration
}

// NewPostgresStore creates the store. ttl must exceed the clients' expected
// retry horizon.
func NewPostgresStore(db *sql.DB, ttl time.Duration) *PostgresStore {
	return &PostgresStore{db: db, ttl: ttl}
}

// Migrate creates the table and unique index.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS keel_idempotency (
		tenant_id     TEXT NOT NULL,
		command_name  TEXT NOT NULL,
		idem_key      BYTEA NOT NULL,
		request_hash  TEXT NOT NULL,
		result_blob   BYTEA,
		created_at    TIMESTAMPTZ NOT NULL,
		expires_at    TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, command_name, idem_key)
	);
	CREATE INDEX IF NOT EXISTS keel_idempotency_expiry ON keel_idempotency (expires_at);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate idempotency table: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, tenantID, commandName string, key []byte) (*Record, error) {
	query := `
		SELECT request_hash, result_blob, created_at, expires_at
		FROM keel_idempotency
		WHERE tenant_id = $1 AND command_name = $2 AND idem_key = $3 AND expires_at > $4`
	rec := Record{TenantID: tenantID, CommandName: commandName, Key: key}
	err := s.db.QueryRowContext(ctx, query, tenantID, commandName, key, time.Now().UTC()).
		Scan(&rec.Fingerprint, &rec.Result, &rec.CreatedAt, &rec.ExpiresAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Transient("idempotency lookup failed", err)
	}
	return &rec, nil
}

func (s *PostgresStore) Put(ctx context.Context, tx Execer, rec Record) error {
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = rec.CreatedAt.Add(s.ttl)
	}
	var ex Execer = s.db
	if tx != nil {
		ex = tx
	}
	query := `
		INSERT INTO keel_idempotency (tenant_id, command_name, idem_key, request_hash, result_blob, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`
	if _, err := ex.ExecContext(ctx, query,
		rec.TenantID, rec.CommandName, rec.Key, rec.Fingerprint, rec.Result, rec.CreatedAt, rec.ExpiresAt); err != nil {
		return apperr.Transient("idempotency record write failed", err)
	}
	return nil
}

func (s *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM keel_idempotency WHERE expires_at <= $1`, now.UTC())
	if err != nil {
		return 0, apperr.Transient("idempotency sweep failed", err)
	}
	return res.RowsAffected()
}

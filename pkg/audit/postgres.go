package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
)

// PostgresSink appends audit records to a Postgres table. No update or
// delete statements exist on purpose.
type PostgresSink struct {
	db *sql.DB
}

func NewPostgresSink(db *sql.DB) *PostgresSink {
	return &PostgresSink{db: db}
}

func (s *PostgresSink) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS keel_audit (
		audit_id            UUID PRIMARY KEY,
		tenant_id           TEXT NOT NULL,
		principal_id        TEXT NOT NULL,
		command_name        TEXT NOT NULL,
		request_fingerprint TEXT NOT NULL,
		payload             BYTEA,
		outcome             TEXT NOT NULL,
		error_message       TEXT,
		duration_ms         BIGINT NOT NULL,
		occurred_at         TIMESTAMPTZ NOT NULL,
		trace_id            TEXT NOT NULL,
		metadata            JSONB
	);
	CREATE INDEX IF NOT EXISTS keel_audit_tenant_time ON keel_audit (tenant_id, occurred_at);`
	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate audit table: %w", err)
	}
	return nil
}

func (s *PostgresSink) Record(ctx context.Context, rec Record) error {
	metaJSON, err := json.Marshal(rec.Metadata)
	if err != nil {
		return apperr.Internal("marshal audit metadata", err)
	}
	query := `
		INSERT INTO keel_audit (audit_id, tenant_id, principal_id, command_name, request_fingerprint,
			payload, outcome, error_message, duration_ms, occurred_at, trace_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`
	if _, err := s.db.ExecContext(ctx, query,
		rec.AuditID, rec.TenantID, rec.PrincipalID, rec.CommandName, rec.Fingerprint,
		rec.Payload, rec.Outcome, rec.ErrorMsg, rec.DurationMS, rec.OccurredAt, rec.TraceID, metaJSON); err != nil {
		return apperr.Transient("audit write failed", err)
	}
	return nil
}

package projector

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
)

// Checkpoints records the last-applied event id per (projector, tenant,
// aggregate) for idempotent apply, and a per-projector high-water mark for
// read-your-writes gating. Event ids are time-ordered, so "applied before"
// is a byte comparison.
type Checkpoints interface {
	// LastApplied returns uuid.Nil when the aggregate was never projected.
	LastApplied(ctx context.Context, projector, tenantID, aggregateType, aggregateID string) (uuid.UUID, error)
	// SetLastApplied records the id and advances the high-water mark. Must
	// be durable before the source offset is committed.
	SetLastApplied(ctx context.Context, projector, tenantID, aggregateType, aggregateID string, eventID uuid.UUID) error
	// HighWater returns the largest event id the projector has applied.
	HighWater(ctx context.Context, projector string) (uuid.UUID, error)
}

// PostgresCheckpoints stores checkpoints next to the read model so a
// projection update and its checkpoint can share a transaction.
type PostgresCheckpoints struct {
	db *sql.DB
}

func NewPostgresCheckpoints(db *sql.DB) *PostgresCheckpoints {
	return &PostgresCheckpoints{db: db}
}

func (c *PostgresCheckpoints) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS keel_checkpoint (
		projector      TEXT NOT NULL,
		tenant_id      TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id   TEXT NOT NULL,
		last_event_id  UUID NOT NULL,
		updated_at     TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (projector, tenant_id, aggregate_type, aggregate_id)
	);
	CREATE TABLE IF NOT EXISTS keel_checkpoint_hw (
		projector     TEXT PRIMARY KEY,
		high_water    UUID NOT NULL,
		updated_at    TIMESTAMPTZ NOT NULL
	);`
	if _, err := c.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate checkpoint tables: %w", err)
	}
	return nil
}

func (c *PostgresCheckpoints) LastApplied(ctx context.Context, projector, tenantID, aggregateType, aggregateID string) (uuid.UUID, error) {
	var id uuid.UUID
	err := c.db.QueryRowContext(ctx, `
		SELECT last_event_id FROM keel_checkpoint
		WHERE projector = $1 AND tenant_id = $2 AND aggregate_type = $3 AND aggregate_id = $4`,
		projector, tenantID, aggregateType, aggregateID).Scan(&id)
	if err == sql.ErrNoRows {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, apperr.Transient("checkpoint read failed", err)
	}
	return id, nil
}

func (c *PostgresCheckpoints) SetLastApplied(ctx context.Context, projector, tenantID, aggregateType, aggregateID string, eventID uuid.UUID) error {
	now := time.Now().UTC()
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO keel_checkpoint (projector, tenant_id, aggregate_type, aggregate_id, last_event_id, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (projector, tenant_id, aggregate_type, aggregate_id)
		DO UPDATE SET last_event_id = EXCLUDED.last_event_id, updated_at = EXCLUDED.updated_at`,
		projector, tenantID, aggregateType, aggregateID, eventID, now)
	if err != nil {
		return apperr.Transient("checkpoint write failed", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO keel_checkpoint_hw (projector, high_water, updated_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (projector)
		DO UPDATE SET high_water = EXCLUDED.high_water, updated_at = EXCLUDED.updated_at
		WHERE keel_checkpoint_hw.high_water < EXCLUDED.high_water`,
		projector, eventID, now)
	if err != nil {
		return apperr.Transient("high-water write failed", err)
	}
	return nil
}

func (c *PostgresCheckpoints) HighWater(ctx context.Context, projector string) (uuid.UUID, error) {
	var id uuid.UUID
	err := c.db.QueryRowContext(ctx, `
		SELECT high_water FROM keel_checkpoint_hw WHERE projector = $1`, projector).Scan(&id)
	if err == sql.ErrNoRows {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, apperr.Transient("high-water read failed", err)
	}
	return id, nil
}

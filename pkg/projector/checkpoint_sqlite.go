package projector

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
)

// SQLiteCheckpoints is the single-node variant for lite deployments and
// local development. Event ids are stored as their 16 raw bytes; BLOB
// comparison matches time order.
type SQLiteCheckpoints struct {
	db *sql.DB
}

func OpenSQLiteCheckpoints(path string) (*SQLiteCheckpoints, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite checkpoint store: %w", err)
	}
	c := &SQLiteCheckpoints{db: db}
	if err := c.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return c, nil
}

func (c *SQLiteCheckpoints) migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS keel_checkpoint (
		projector      TEXT NOT NULL,
		tenant_id      TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id   TEXT NOT NULL,
		last_event_id  BLOB NOT NULL,
		updated_at     TEXT NOT NULL,
		PRIMARY KEY (projector, tenant_id, aggregate_type, aggregate_id)
	);
	CREATE TABLE IF NOT EXISTS keel_checkpoint_hw (
		projector  TEXT PRIMARY KEY,
		high_water BLOB NOT NULL,
		updated_at TEXT NOT NULL
	);`
	if _, err := c.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate sqlite checkpoint tables: %w", err)
	}
	return nil
}

func (c *SQLiteCheckpoints) LastApplied(ctx context.Context, projector, tenantID, aggregateType, aggregateID string) (uuid.UUID, error) {
	var raw []byte
	err := c.db.QueryRowContext(ctx, `
		SELECT last_event_id FROM keel_checkpoint
		WHERE projector = ? AND tenant_id = ? AND aggregate_type = ? AND aggregate_id = ?`,
		projector, tenantID, aggregateType, aggregateID).Scan(&raw)
	if err == sql.ErrNoRows {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, apperr.Transient("checkpoint read failed", err)
	}
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return uuid.Nil, apperr.Internal("corrupt checkpoint event id", err)
	}
	return id, nil
}

func (c *SQLiteCheckpoints) SetLastApplied(ctx context.Context, projector, tenantID, aggregateType, aggregateID string, eventID uuid.UUID) error {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO keel_checkpoint (projector, tenant_id, aggregate_type, aggregate_id, last_event_id, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (projector, tenant_id, aggregate_type, aggregate_id)
		DO UPDATE SET last_event_id = excluded.last_event_id, updated_at = excluded.updated_at`,
		projector, tenantID, aggregateType, aggregateID, eventID[:], now)
	if err != nil {
		return apperr.Transient("checkpoint write failed", err)
	}
	_, err = c.db.ExecContext(ctx, `
		INSERT INTO keel_checkpoint_hw (projector, high_water, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT (projector)
		DO UPDATE SET high_water = excluded.high_water, updated_at = excluded.updated_at
		WHERE keel_checkpoint_hw.high_water < excluded.high_water`,
		projector, eventID[:], now)
	if err != nil {
		return apperr.Transient("high-water write failed", err)
	}
	return nil
}

func (c *SQLiteCheckpoints) HighWater(ctx context.Context, projector string) (uuid.UUID, error) {
	var raw []byte
	err := c.db.QueryRowContext(ctx, `
		SELECT high_water FROM keel_checkpoint_hw WHERE projector = ?`, projector).Scan(&raw)
	if err == sql.ErrNoRows {
		return uuid.Nil, nil
	}
	if err != nil {
		return uuid.Nil, apperr.Transient("high-water read failed", err)
	}
	id, err := uuid.FromBytes(raw)
	if err != nil {
		return uuid.Nil, apperr.Internal("corrupt high-water event id", err)
	}
	return id, nil
}

func (c *SQLiteCheckpoints) Close() error { return c.db.Close() }

package uow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/Mindburn-Labs/keel/pkg/aggregate"
	"github.com/Mindburn-Labs/keel/pkg/apperr"
	"github.com/Mindburn-Labs/keel/pkg/envelope"
	"github.com/Mindburn-Labs/keel/pkg/idempotency"
	"github.com/Mindburn-Labs/keel/pkg/outbox"
	"github.com/Mindburn-Labs/keel/pkg/reqctx"
)

// Manager opens SQL-backed units of work at READ COMMITTED (default) or
// SERIALIZABLE isolation.
type Manager struct {
	db          *sql.DB
	outbox      outbox.Store
	idem        idempotency.Store
	serviceName string
	logger      *slog.Logger
	now         func() time.Time
}

type ManagerOption func(*Manager)

// WithServiceName stamps the originating service into event metadata.
func WithServiceName(name string) ManagerOption {
	return func(m *Manager) { m.serviceName = name }
}

// WithClock injects the time source; tests pin it.
func WithClock(now func() time.Time) ManagerOption {
	return func(m *Manager) { m.now = now }
}

func NewManager(db *sql.DB, outboxStore outbox.Store, idemStore idempotency.Store, opts ...ManagerOption) *Manager {
	m := &Manager{
		db:          db,
		outbox:      outboxStore,
		idem:        idemStore,
		serviceName: "keel",
		logger:      slog.Default().With("component", "uow"),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Migrate creates the aggregate version table used for optimistic locking.
func (m *Manager) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS keel_aggregate (
		tenant_id      TEXT NOT NULL,
		aggregate_type TEXT NOT NULL,
		aggregate_id   TEXT NOT NULL,
		version        BIGINT NOT NULL CHECK (version >= 1),
		updated_at     TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (tenant_id, aggregate_type, aggregate_id)
	);`
	if _, err := m.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("migrate aggregate version table: %w", err)
	}
	return nil
}

func (m *Manager) Begin(ctx context.Context, rc *reqctx.Ctx, opts ...Option) (UnitOfWork, error) {
	var bo beginOptions
	for _, opt := range opts {
		opt(&bo)
	}
	iso := sql.LevelReadCommitted
	if bo.serializable {
		iso = sql.LevelSerializable
	}
	tx, err := m.db.BeginTx(ctx, &sql.TxOptions{Isolation: iso})
	if err != nil {
		return nil, apperr.Transient("begin transaction failed", err)
	}
	return &sqlUow{m: m, tx: tx, rc: rc, causationID: uuid.NewString()}, nil
}

type sqlUow struct {
	m           *Manager
	tx          *sql.Tx
	rc          *reqctx.Ctx
	causationID string
	tracked     []aggregate.Aggregate
	staged      []envelope.Envelope
	done        bool
}

// Tx exposes the open transaction so domain repositories write their rows
// in the same atomic scope.
func (u *sqlUow) Tx() *sql.Tx { return u.tx }

func (u *sqlUow) Track(agg aggregate.Aggregate) { u.tracked = append(u.tracked, agg) }

func (u *sqlUow) StageEvent(env envelope.Envelope) { u.staged = append(u.staged, env) }

func (u *sqlUow) Commit(ctx context.Context, res Result) error {
	if u.done {
		return apperr.Internal("unit of work already finished", nil)
	}
	u.done = true
	now := u.m.now().UTC()

	var envs []envelope.Envelope
	for _, agg := range u.tracked {
		drained := agg.DrainEvents()
		if len(drained) == 0 {
			continue
		}
		expected := agg.Version() - uint64(len(drained))
		actual, err := u.currentVersion(ctx, agg)
		if err != nil {
			_ = u.tx.Rollback()
			return err
		}
		if actual != expected {
			_ = u.tx.Rollback()
			return apperr.ConcurrencyConflict(expected, actual)
		}
		for i, env := range drained {
			if want := expected + 1 + uint64(i); env.AggregateVersion != want {
				_ = u.tx.Rollback()
				return apperr.Internal(fmt.Sprintf("aggregate %s/%s emitted version %d, want %d",
					agg.AggregateType(), agg.AggregateID(), env.AggregateVersion, want), nil)
			}
		}
		if err := u.upsertVersion(ctx, agg, now); err != nil {
			_ = u.tx.Rollback()
			return err
		}
		envs = append(envs, drained...)
	}
	envs = append(envs, u.staged...)

	if len(envs) > 0 {
		records := make([]outbox.Record, len(envs))
		for i, env := range envs {
			records[i] = outbox.FromEnvelope(u.stamp(env), now)
		}
		if err := u.m.outbox.AppendBatch(ctx, u.tx, records); err != nil {
			_ = u.tx.Rollback()
			return err
		}
	}

	if len(u.rc.IdempotencyKey) > 0 && res.CommandName != "" {
		rec := idempotency.Record{
			TenantID:    u.rc.TenantID,
			CommandName: res.CommandName,
			Key:         u.rc.IdempotencyKey,
			Fingerprint: res.Fingerprint,
			Result:      res.Output,
			CreatedAt:   now,
		}
		if err := u.m.idem.Put(ctx, u.tx, rec); err != nil {
			_ = u.tx.Rollback()
			return err
		}
	}

	if err := u.tx.Commit(); err != nil {
		return translateCommit(err)
	}
	return nil
}

func (u *sqlUow) Rollback() error {
	if u.done {
		return nil
	}
	u.done = true
	if err := u.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return apperr.Transient("rollback failed", err)
	}
	return nil
}

// stamp fills causation, correlation, and trace metadata on an envelope
// right before it is persisted. Envelopes are immutable afterwards.
func (u *sqlUow) stamp(env envelope.Envelope) envelope.Envelope {
	if env.CausationID == "" {
		env.CausationID = u.causationID
	}
	if env.CorrelationID == "" {
		env.CorrelationID = u.rc.TraceID
	}
	env = env.WithMeta(envelope.HdrCausationID, env.CausationID)
	env = env.WithMeta(envelope.HdrCorrelationID, env.CorrelationID)
	env = env.WithMeta(envelope.HdrTraceParent, u.rc.TraceParent())
	env = env.WithMeta("principal-id", u.rc.PrincipalID)
	env = env.WithMeta("source-service", u.m.serviceName)
	return env
}

// currentVersion reads the persisted version under a row lock, so two
// commits against the same aggregate serialize and the loser sees the
// winner's version.
func (u *sqlUow) currentVersion(ctx context.Context, agg aggregate.Aggregate) (uint64, error) {
	var v uint64
	err := u.tx.QueryRowContext(ctx, `
		SELECT version FROM keel_aggregate
		WHERE tenant_id = $1 AND aggregate_type = $2 AND aggregate_id = $3
		FOR UPDATE`,
		agg.TenantID(), agg.AggregateType(), agg.AggregateID()).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, translateCommit(err)
	}
	return v, nil
}

func (u *sqlUow) upsertVersion(ctx context.Context, agg aggregate.Aggregate, now time.Time) error {
	_, err := u.tx.ExecContext(ctx, `
		INSERT INTO keel_aggregate (tenant_id, aggregate_type, aggregate_id, version, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (tenant_id, aggregate_type, aggregate_id)
		DO UPDATE SET version = EXCLUDED.version, updated_at = EXCLUDED.updated_at`,
		agg.TenantID(), agg.AggregateType(), agg.AggregateID(), agg.Version(), now)
	if err != nil {
		return translateCommit(err)
	}
	return nil
}

// translateCommit maps DB serialization failures into retryable conflicts
// per the error contract; everything else is transient infrastructure.
func translateCommit(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.DeadlineExceeded("transaction deadline exceeded").WithCause(err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case "40001", "40P01":
			return apperr.Conflict("transaction serialization failure").WithCause(err).AsRetryable()
		case "23505":
			return apperr.Conflict("duplicate key").WithCause(err)
		}
	}
	return apperr.Transient("transaction commit failed", err)
}

package testkit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/keel/pkg/aggregate"
	"github.com/Mindburn-Labs/keel/pkg/apperr"
	"github.com/Mindburn-Labs/keel/pkg/envelope"
	"github.com/Mindburn-Labs/keel/pkg/idempotency"
	"github.com/Mindburn-Labs/keel/pkg/outbox"
	"github.com/Mindburn-Labs/keel/pkg/reqctx"
	"github.com/Mindburn-Labs/keel/pkg/uow"
)

// UowFactory is the in-memory unit-of-work factory. It enforces the same
// optimistic-concurrency and atomicity contract as the SQL manager against
// an in-memory version map.
type UowFactory struct {
	mu       sync.Mutex
	versions map[string]uint64

	Outbox *OutboxStore
	Idem   *IdempotencyStore
	now    func() time.Time

	// CommitErr, when set, fails the next Commit; simulates infrastructure
	// failure at the worst moment.
	CommitErr error
}

func NewUowFactory(outboxStore *OutboxStore, idemStore *IdempotencyStore, now func() time.Time) *UowFactory {
	if now == nil {
		now = time.Now
	}
	return &UowFactory{
		versions: make(map[string]uint64),
		Outbox:   outboxStore,
		Idem:     idemStore,
		now:      now,
	}
}

// Version reports the committed version of an aggregate, zero if unseen.
func (f *UowFactory) Version(ref aggregate.Ref) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.versions[refKey(ref)]
}

// SeedVersion sets a committed version directly, for conflict setups.
func (f *UowFactory) SeedVersion(ref aggregate.Ref, version uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[refKey(ref)] = version
}

func refKey(ref aggregate.Ref) string {
	return ref.TenantID + "\x00" + ref.AggregateType + "\x00" + ref.AggregateID
}

func (f *UowFactory) Begin(ctx context.Context, rc *reqctx.Ctx, opts ...uow.Option) (uow.UnitOfWork, error) {
	return &memUow{f: f, rc: rc, causationID: uuid.NewString()}, nil
}

type memUow struct {
	f           *UowFactory
	rc          *reqctx.Ctx
	causationID string
	tracked     []aggregate.Aggregate
	staged      []envelope.Envelope
	done        bool
}

func (u *memUow) Track(agg aggregate.Aggregate) { u.tracked = append(u.tracked, agg) }

func (u *memUow) StageEvent(env envelope.Envelope) { u.staged = append(u.staged, env) }

func (u *memUow) Commit(ctx context.Context, res uow.Result) error {
	if u.done {
		return apperr.Internal("unit of work already finished", nil)
	}
	u.done = true
	if u.f.CommitErr != nil {
		err := u.f.CommitErr
		u.f.CommitErr = nil
		return err
	}
	now := u.f.now().UTC()

	u.f.mu.Lock()
	defer u.f.mu.Unlock()

	type versionUpdate struct {
		key     string
		version uint64
	}
	var (
		updates []versionUpdate
		envs    []envelope.Envelope
	)
	for _, agg := range u.tracked {
		drained := agg.DrainEvents()
		if len(drained) == 0 {
			continue
		}
		key := agg.TenantID() + "\x00" + agg.AggregateType() + "\x00" + agg.AggregateID()
		expected := agg.Version() - uint64(len(drained))
		actual := u.f.versions[key]
		if actual != expected {
			return apperr.ConcurrencyConflict(expected, actual)
		}
		for i, env := range drained {
			if want := expected + 1 + uint64(i); env.AggregateVersion != want {
				return apperr.Internal(fmt.Sprintf("aggregate %s emitted version %d, want %d",
					agg.AggregateID(), env.AggregateVersion, want), nil)
			}
		}
		updates = append(updates, versionUpdate{key: key, version: agg.Version()})
		envs = append(envs, drained...)
	}
	envs = append(envs, u.staged...)

	records := make([]outbox.Record, len(envs))
	for i, env := range envs {
		records[i] = outbox.FromEnvelope(u.stamp(env), now)
	}

	// All-or-nothing like the SQL manager's transaction: check every effect
	// before applying any, with the idempotency write going first so a
	// duplicate key leaves the outbox untouched.
	u.f.Outbox.mu.Lock()
	defer u.f.Outbox.mu.Unlock()
	if err := u.f.Outbox.validateAppend(records); err != nil {
		return err
	}
	if len(u.rc.IdempotencyKey) > 0 && res.CommandName != "" && u.f.Idem != nil {
		rec := idempotency.Record{
			TenantID:    u.rc.TenantID,
			CommandName: res.CommandName,
			Key:         u.rc.IdempotencyKey,
			Fingerprint: res.Fingerprint,
			Result:      res.Output,
			CreatedAt:   now,
		}
		if err := u.f.Idem.Put(ctx, nil, rec); err != nil {
			return err
		}
	}
	u.f.Outbox.insert(records)

	for _, upd := range updates {
		u.f.versions[upd.key] = upd.version
	}
	return nil
}

func (u *memUow) Rollback() error {
	u.done = true
	return nil
}

func (u *memUow) stamp(env envelope.Envelope) envelope.Envelope {
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
	return env
}

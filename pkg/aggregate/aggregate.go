// Package aggregate defines the collaborator shape the runtime expects from
// domain aggregates. The runtime never reads business state: it sees only
// identity, version, and the drained event envelopes.
package aggregate

import (
	"github.com/Mindburn-Labs/keel/pkg/envelope"
)

// Ref is a logical cross-aggregate reference. Direct ownership between
// aggregates is not modeled; integrity is enforced via projections or sagas.
type Ref struct {
	TenantID      string
	AggregateType string
	AggregateID   string
}

// Aggregate is the runtime-facing surface of a domain aggregate.
type Aggregate interface {
	TenantID() string
	AggregateType() string
	AggregateID() string
	// Version is the in-memory version including recorded-but-uncommitted
	// events. It starts at 1 for the first event.
	Version() uint64
	// DrainEvents returns the recorded envelopes in record order and clears
	// the internal collection. Only the unit of work calls this, once, at
	// commit, to preserve ordering.
	DrainEvents() []envelope.Envelope
}

// Root is the embeddable aggregate base. The event collection is private;
// domain code appends through Record and the unit of work drains at commit.
type Root struct {
	tenantID      string
	aggregateType string
	aggregateID   string
	version       uint64
	pending       []envelope.Envelope
}

// NewRoot starts a fresh aggregate at version 0 (no events yet).
func NewRoot(tenantID, aggregateType, aggregateID string) Root {
	return Root{tenantID: tenantID, aggregateType: aggregateType, aggregateID: aggregateID}
}

// Hydrate rebuilds the base for an aggregate loaded from storage at the
// given persisted version.
func Hydrate(tenantID, aggregateType, aggregateID string, version uint64) Root {
	r := NewRoot(tenantID, aggregateType, aggregateID)
	r.version = version
	return r
}

func (r *Root) TenantID() string      { return r.tenantID }
func (r *Root) AggregateType() string { return r.aggregateType }
func (r *Root) AggregateID() string   { return r.aggregateID }
func (r *Root) Version() uint64       { return r.version }

// Ref returns the logical reference for this aggregate.
func (r *Root) Ref() Ref {
	return Ref{TenantID: r.tenantID, AggregateType: r.aggregateType, AggregateID: r.aggregateID}
}

// Record appends a domain event, advancing the version. The envelope gets
// the next gapless version number; causation, correlation and trace metadata
// are stamped later by the unit of work.
func (r *Root) Record(eventName string, payload []byte) error {
	env, err := envelope.New(eventName, r.aggregateType, r.aggregateID, r.version+1, r.tenantID, payload)
	if err != nil {
		return err
	}
	r.version++
	r.pending = append(r.pending, env)
	return nil
}

// PendingCount reports how many events are recorded but not yet drained.
func (r *Root) PendingCount() int { return len(r.pending) }

// DrainEvents implements Aggregate.
func (r *Root) DrainEvents() []envelope.Envelope {
	out := r.pending
	r.pending = nil
	return out
}

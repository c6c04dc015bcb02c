// Package uow scopes a command execution to one atomic transaction:
// aggregate mutations, drained event envelopes, and the idempotency record
// all commit together or not at all.
package uow

import (
	"context"

	"github.com/Mindburn-Labs/keel/pkg/aggregate"
	"github.com/Mindburn-Labs/keel/pkg/apperr"
	"github.com/Mindburn-Labs/keel/pkg/envelope"
	"github.com/Mindburn-Labs/keel/pkg/reqctx"
)

// Result carries what Commit persists alongside the events: the command
// identity and its serialized output, used for the idempotency snapshot.
type Result struct {
	CommandName string
	Fingerprint string
	Output      []byte
}

// UnitOfWork accumulates mutations and events for one command.
type UnitOfWork interface {
	// Track registers an aggregate whose recorded events are drained at
	// commit. Draining happens exactly once, in track order.
	Track(agg aggregate.Aggregate)
	// StageEvent attaches an envelope not sourced from an aggregate.
	// Rare; integration events only.
	StageEvent(env envelope.Envelope)
	// Commit atomically persists aggregate versions, outbox rows, and the
	// idempotency record, then commits the transaction.
	Commit(ctx context.Context, res Result) error
	// Rollback drops the transaction and discards staged events.
	Rollback() error
}

// Factory opens units of work; implemented by Manager (SQL) and the
// in-memory test harness.
type Factory interface {
	Begin(ctx context.Context, rc *reqctx.Ctx, opts ...Option) (UnitOfWork, error)
}

// Option tunes one unit of work.
type Option func(*beginOptions)

type beginOptions struct {
	serializable bool
}

// WithSerializable upgrades the transaction isolation level; selected by
// handlers that declared contention-prone access patterns.
func WithSerializable() Option {
	return func(o *beginOptions) { o.serializable = true }
}

type uowCtxKey struct{}

// IntoContext binds the open unit of work into the request context so the
// handler reaches storage only through it.
func IntoContext(ctx context.Context, u UnitOfWork) context.Context {
	return context.WithValue(ctx, uowCtxKey{}, u)
}

// FromContext retrieves the bound unit of work.
func FromContext(ctx context.Context) (UnitOfWork, error) {
	u, ok := ctx.Value(uowCtxKey{}).(UnitOfWork)
	if !ok {
		return nil, apperr.Internal("no unit of work bound to context", nil)
	}
	return u, nil
}

// Package bus dispatches typed commands through a fixed, ordered middleware
// chain to their registered handler. Middleware operates on a type-erased
// request envelope; typed handlers are reached through a small trampoline
// registered per command name.
package bus

import (
	"context"

	"github.com/Mindburn-Labs/keel/pkg/reqctx"
)

// Command is a named, serializable request to change state. Implementations
// must be value types: the registry derives the routing name from the zero
// value.
type Command interface {
	// CommandName is the stable name used for routing, telemetry, audit,
	// and idempotency scoping.
	CommandName() string
}

// Validator is implemented by commands with structural validation rules.
// Validation runs before authorization so malformed input never observes a
// permission decision.
type Validator interface {
	Validate() error
}

// Request is the type-erased form a command takes through the middleware
// chain.
type Request struct {
	Ctx     *reqctx.Ctx
	Name    string
	Command Command
	// Payload is the canonicalized JSON serialization of the command, used
	// for audit, fingerprints, and the size limit.
	Payload []byte
	// Fingerprint is set by the idempotency middleware when a key is
	// present; the unit of work persists it with the result snapshot.
	Fingerprint string
}

// Response carries the handler output. Replayed responses come from the
// idempotency store and only have the encoded form.
type Response struct {
	Output   any
	Encoded  []byte
	Replayed bool
}

// HandlerFunc is the type-erased handler signature middleware wraps.
type HandlerFunc func(ctx context.Context, req *Request) (*Response, error)

// Middleware wraps a handler with one cross-cutting concern.
type Middleware func(next HandlerFunc) HandlerFunc

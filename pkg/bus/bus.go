package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
	"github.com/Mindburn-Labs/keel/pkg/audit"
	"github.com/Mindburn-Labs/keel/pkg/authz"
	"github.com/Mindburn-Labs/keel/pkg/idempotency"
	"github.com/Mindburn-Labs/keel/pkg/observability"
	"github.com/Mindburn-Labs/keel/pkg/reqctx"
	"github.com/Mindburn-Labs/keel/pkg/uow"
)

const defaultMaxPayloadBytes = 1 << 20

// Deps wires the bus to its collaborators. Factory is required; nil optional
// deps disable the matching middleware.
type Deps struct {
	Factory uow.Factory
	Idem    idempotency.Store
	Audit   audit.Sink
	Authz   authz.Authorizer
	Obs     *observability.Provider
	Logger  *slog.Logger

	// MaxPayloadBytes caps the serialized command size; zero means 1 MiB.
	MaxPayloadBytes int
	// DefaultDeadline bounds dispatches whose context carries no deadline.
	DefaultDeadline time.Duration
	Clock           func() time.Time
}

// Bus routes commands through the middleware chain to their handler. The
// chain order is fixed: tracing, validation, authorization, idempotency,
// audit, unit of work, handler.
type Bus struct {
	registry *Registry
	deps     Deps
	chain    []Middleware
	logger   *slog.Logger
}

func New(registry *Registry, deps Deps) (*Bus, error) {
	if registry == nil {
		return nil, fmt.Errorf("bus: nil registry")
	}
	if deps.Factory == nil {
		return nil, fmt.Errorf("bus: unit of work factory is required")
	}
	if deps.Obs == nil {
		deps.Obs = observability.Noop()
	}
	if deps.Authz == nil {
		deps.Authz = authz.AllowAll{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default().With("component", "bus")
	}
	if deps.MaxPayloadBytes <= 0 {
		deps.MaxPayloadBytes = defaultMaxPayloadBytes
	}
	if deps.Clock == nil {
		deps.Clock = time.Now
	}

	b := &Bus{registry: registry, deps: deps, logger: deps.Logger}
	b.chain = []Middleware{
		Tracing(deps.Obs),
		Validation(),
		Authorization(deps.Authz),
	}
	if deps.Idem != nil {
		b.chain = append(b.chain, Idempotency(deps.Idem))
	}
	if deps.Audit != nil {
		b.chain = append(b.chain, Audit(deps.Audit, deps.Logger, deps.Clock))
	}
	b.chain = append(b.chain, UnitOfWork(deps.Factory))
	return b, nil
}

// Dispatch runs one command and returns the type-erased response. Use Send
// for a typed result.
func (b *Bus) Dispatch(ctx context.Context, rc *reqctx.Ctx, cmd Command) (*Response, error) {
	if rc == nil {
		return nil, apperr.ValidationFailed("request context is required")
	}
	// System contexts bypass the tenant requirement; everything else must
	// carry a tenant and a live deadline.
	if !rc.IsSystem() {
		if err := rc.Validate(); err != nil {
			return nil, err
		}
	} else if !rc.Deadline.IsZero() && !rc.Deadline.After(b.deps.Clock()) {
		return nil, apperr.DeadlineExceeded("deadline is already in the past")
	}
	name := cmd.CommandName()
	handler, ok := b.registry.handler(name)
	if !ok {
		return nil, apperr.Internal(fmt.Sprintf("no handler registered for command %q", name), nil)
	}

	raw, err := json.Marshal(cmd)
	if err != nil {
		return nil, apperr.ValidationFailed("command is not serializable").WithCause(err)
	}
	payload, err := jcs.Transform(raw)
	if err != nil {
		return nil, apperr.ValidationFailed("command payload is not canonicalizable JSON").WithCause(err)
	}
	if len(payload) > b.deps.MaxPayloadBytes {
		return nil, apperr.ValidationFailed(fmt.Sprintf("command payload exceeds %d bytes", b.deps.MaxPayloadBytes))
	}

	ctx, cancel := rc.ApplyDeadline(ctx, b.deps.DefaultDeadline)
	defer cancel()
	ctx = reqctx.Into(ctx, rc)

	h := handler
	for i := len(b.chain) - 1; i >= 0; i-- {
		h = b.chain[i](h)
	}

	req := &Request{Ctx: rc, Name: name, Command: cmd, Payload: payload}
	resp, err := h(ctx, req)
	if err != nil {
		ae := apperr.From(err)
		b.logger.ErrorContext(ctx, "command failed",
			"command", name,
			"tenant", rc.TenantID,
			"code", ae.Code,
			"retryable", ae.Retryable(),
			"error", err,
		)
		return nil, ae
	}
	return resp, nil
}

// Send dispatches a command and decodes the typed output. Replayed responses
// are decoded from the stored snapshot.
func Send[O any](ctx context.Context, b *Bus, rc *reqctx.Ctx, cmd Command) (O, error) {
	var out O
	resp, err := b.Dispatch(ctx, rc, cmd)
	if err != nil {
		return out, err
	}
	if !resp.Replayed {
		if typed, ok := resp.Output.(O); ok {
			return typed, nil
		}
	}
	if err := json.Unmarshal(resp.Encoded, &out); err != nil {
		return out, apperr.Internal("decode command output", err)
	}
	return out, nil
}

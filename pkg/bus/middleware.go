package bus

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
	"github.com/Mindburn-Labs/keel/pkg/audit"
	"github.com/Mindburn-Labs/keel/pkg/authz"
	"github.com/Mindburn-Labs/keel/pkg/idempotency"
	"github.com/Mindburn-Labs/keel/pkg/observability"
	"github.com/Mindburn-Labs/keel/pkg/uow"
)

// Tracing opens a span and RED metrics for the dispatch. Outermost, so the
// span covers every other middleware including rollback paths.
func Tracing(obs *observability.Provider) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (*Response, error) {
			ctx, finish := obs.TrackOperation(ctx, "command."+req.Name,
				attribute.String("command", req.Name),
				attribute.String("tenant", req.Ctx.TenantID),
			)
			resp, err := next(ctx, req)
			finish(err)
			return resp, err
		}
	}
}

// Validation runs the command's structural checks before any permission or
// storage work.
func Validation() Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (*Response, error) {
			if v, ok := req.Command.(Validator); ok {
				if err := v.Validate(); err != nil {
					var ae *apperr.Error
					if errors.As(err, &ae) {
						return nil, ae
					}
					return nil, apperr.ValidationFailed(err.Error())
				}
			}
			return next(ctx, req)
		}
	}
}

// Authorization checks the principal may execute this command.
func Authorization(az authz.Authorizer) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (*Response, error) {
			if err := az.Authorize(ctx, req.Ctx, "command:"+req.Name); err != nil {
				return nil, err
			}
			return next(ctx, req)
		}
	}
}

// Idempotency short-circuits replays. A stored record with a matching
// fingerprint returns the snapshot; a mismatched fingerprint means the key
// was reused for a different request and is a conflict.
func Idempotency(store idempotency.Store) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (*Response, error) {
			if len(req.Ctx.IdempotencyKey) == 0 {
				return next(ctx, req)
			}
			fp, err := idempotency.Fingerprint(req.Payload)
			if err != nil {
				return nil, err
			}
			req.Fingerprint = fp
			rec, err := store.Get(ctx, req.Ctx.TenantID, req.Name, req.Ctx.IdempotencyKey)
			if err != nil {
				return nil, apperr.Transient("idempotency lookup failed", err)
			}
			if rec != nil {
				if rec.Fingerprint != fp {
					return nil, apperr.Conflict("idempotency key reused with a different request")
				}
				return &Response{Encoded: rec.Result, Replayed: true}, nil
			}
			return next(ctx, req)
		}
	}
}

// Audit records every attempt, successful or not. An audit write failure is
// logged but never fails the command.
func Audit(sink audit.Sink, logger *slog.Logger, now func() time.Time) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (*Response, error) {
			start := now()
			resp, err := next(ctx, req)

			rec := audit.Record{
				AuditID:     uuid.Must(uuid.NewV7()),
				TenantID:    req.Ctx.TenantID,
				PrincipalID: req.Ctx.PrincipalID,
				CommandName: req.Name,
				Fingerprint: req.Fingerprint,
				Payload:     req.Payload,
				Outcome:     audit.OutcomeOK,
				DurationMS:  now().Sub(start).Milliseconds(),
				OccurredAt:  start.UTC(),
				TraceID:     req.Ctx.TraceID,
			}
			if err != nil {
				rec.Outcome = string(apperr.CodeOf(err))
				rec.ErrorMsg = err.Error()
			}
			if aerr := sink.Record(ctx, rec); aerr != nil {
				logger.ErrorContext(ctx, "audit write failed",
					"command", req.Name, "tenant", req.Ctx.TenantID, "error", aerr)
			}
			return resp, err
		}
	}
}

// UnitOfWork opens the transaction, binds it into the context for the
// handler, and commits or rolls back based on the handler outcome.
func UnitOfWork(factory uow.Factory) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *Request) (*Response, error) {
			u, err := factory.Begin(ctx, req.Ctx)
			if err != nil {
				return nil, err
			}
			resp, err := next(uow.IntoContext(ctx, u), req)
			if err != nil {
				if rberr := u.Rollback(); rberr != nil {
					return nil, apperr.Transient("rollback after handler failure", rberr).WithDetail("handler_error", err.Error())
				}
				return nil, err
			}
			res := uow.Result{
				CommandName: req.Name,
				Fingerprint: req.Fingerprint,
			}
			if resp != nil {
				res.Output = resp.Encoded
			}
			if err := u.Commit(ctx, res); err != nil {
				return nil, err
			}
			return resp, nil
		}
	}
}

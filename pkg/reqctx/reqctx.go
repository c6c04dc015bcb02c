// Package reqctx carries the immutable per-request context: tenant,
// principal, trace identifiers, locale, deadline, idempotency key, and
// free-form metadata. It is attached to a context.Context at the edge and
// read by every middleware downstream.
package reqctx

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
)

type ctxKey struct{}

// Ctx is the per-operation request context. Values are set once at
// construction and never mutated afterwards.
type Ctx struct {
	TenantID    string
	PrincipalID string
	TraceID     string // 32 hex chars, 128-bit
	SpanID      string
	Locale      string
	ReceivedAt  time.Time
	// Deadline is the absolute completion instant; zero means none.
	Deadline time.Time
	// IdempotencyKey is an opaque client-chosen token; nil means absent.
	IdempotencyKey []byte
	Metadata       map[string]string

	// system is settable only through System; an empty tenant on its own
	// never grants system status.
	system bool
}

// Option configures an outgoing Ctx.
type Option func(*Ctx)

func WithLocale(locale string) Option { return func(c *Ctx) { c.Locale = locale } }

func WithDeadline(at time.Time) Option { return func(c *Ctx) { c.Deadline = at } }

func WithIdempotencyKey(key []byte) Option {
	return func(c *Ctx) { c.IdempotencyKey = append([]byte(nil), key...) }
}

func WithTraceID(traceID string) Option { return func(c *Ctx) { c.TraceID = traceID } }

func WithMetadata(key, value string) Option {
	return func(c *Ctx) { c.Metadata[key] = value }
}

// New builds a business request context. The trace id defaults to a fresh
// 128-bit identifier when the caller did not propagate one.
func New(tenantID, principalID string, opts ...Option) *Ctx {
	c := &Ctx{
		TenantID:    tenantID,
		PrincipalID: principalID,
		ReceivedAt:  time.Now().UTC(),
		Metadata:    make(map[string]string),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.TraceID == "" {
		c.TraceID = newTraceID()
	}
	return c
}

// System builds an internal system context with no tenant. Only legal for
// administrative flows; Validate rejects it for business operations. This
// constructor is the only way to obtain a system context, so edge-built
// contexts with a missing tenant header stay ordinary invalid requests.
func System(opts ...Option) *Ctx {
	c := New("", "system", opts...)
	c.system = true
	return c
}

func newTraceID() string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	buf := make([]byte, 32)
	const hexdigits = "0123456789abcdef"
	for i, b := range id {
		buf[i*2] = hexdigits[b>>4]
		buf[i*2+1] = hexdigits[b&0x0f]
	}
	return string(buf)
}

// Validate checks the invariants required for a business operation.
func (c *Ctx) Validate() error {
	if c.TenantID == "" {
		return apperr.ValidationFailed("tenant id must not be empty",
			apperr.FieldError{Field: "tenant_id", Message: "required"})
	}
	if !c.Deadline.IsZero() && !c.Deadline.After(time.Now()) {
		return apperr.DeadlineExceeded("deadline is already in the past")
	}
	return nil
}

// IsSystem reports whether this context was built by System.
func (c *Ctx) IsSystem() bool { return c.system }

// ApplyDeadline derives a context honoring the request deadline, falling
// back to the given default budget when the client sent none.
func (c *Ctx) ApplyDeadline(ctx context.Context, fallback time.Duration) (context.Context, context.CancelFunc) {
	if !c.Deadline.IsZero() {
		return context.WithDeadline(ctx, c.Deadline)
	}
	if fallback > 0 {
		return context.WithTimeout(ctx, fallback)
	}
	return context.WithCancel(ctx)
}

// Into attaches the request context to a context.Context.
func Into(ctx context.Context, c *Ctx) context.Context {
	return context.WithValue(ctx, ctxKey{}, c)
}

// From retrieves the request context.
func From(ctx context.Context) (*Ctx, error) {
	c, ok := ctx.Value(ctxKey{}).(*Ctx)
	if !ok {
		return nil, apperr.Internal("no request context attached", nil)
	}
	return c, nil
}

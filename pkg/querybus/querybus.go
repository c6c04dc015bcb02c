// Package querybus dispatches typed read-only queries. Queries never open a
// unit of work and never touch the outbox; the pipeline is tracing,
// authorization, cache, handler.
package querybus

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/gowebpki/jcs"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
	"github.com/Mindburn-Labs/keel/pkg/authz"
	"github.com/Mindburn-Labs/keel/pkg/observability"
	"github.com/Mindburn-Labs/keel/pkg/reqctx"
)

// Query is a named, serializable read request. Implementations must be value
// types: the registry derives the routing name from the zero value.
type Query interface {
	QueryName() string
}

// Cacheable marks queries whose results may be served from cache for the
// returned TTL. Handlers for cacheable queries must be deterministic within
// that window.
type Cacheable interface {
	CacheTTL() time.Duration
}

type handlerFunc func(ctx context.Context, rc *reqctx.Ctx, q Query) ([]byte, any, error)

// Registry maps query names to handlers; frozen after startup.
type Registry struct {
	mu       sync.RWMutex
	frozen   bool
	handlers map[string]handlerFunc
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]handlerFunc)}
}

// Register binds a typed query handler.
func Register[Q Query, O any](r *Registry, handle func(ctx context.Context, rc *reqctx.Ctx, q Q) (O, error)) {
	var zero Q
	name := zero.QueryName()
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.frozen {
		panic("querybus: Register after Freeze")
	}
	if _, exists := r.handlers[name]; exists {
		panic(fmt.Sprintf("querybus: query %q registered twice", name))
	}
	r.handlers[name] = func(ctx context.Context, rc *reqctx.Ctx, q Query) ([]byte, any, error) {
		typed, ok := q.(Q)
		if !ok {
			return nil, nil, apperr.Internal(fmt.Sprintf("query %q has unexpected type %T", name, q), nil)
		}
		out, err := handle(ctx, rc, typed)
		if err != nil {
			return nil, nil, err
		}
		encoded, err := json.Marshal(out)
		if err != nil {
			return nil, nil, apperr.Internal(fmt.Sprintf("encode output of query %q", name), err)
		}
		return encoded, out, nil
	}
}

// Freeze makes the registry immutable.
func (r *Registry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Names lists registered query names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (r *Registry) handler(name string) (handlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Deps wires the bus. Cache is optional; nil disables caching entirely.
type Deps struct {
	Authz  authz.Authorizer
	Cache  Cache
	Obs    *observability.Provider
	Logger *slog.Logger

	// DefaultDeadline bounds queries whose context carries no deadline.
	DefaultDeadline time.Duration
}

// Bus dispatches queries.
type Bus struct {
	registry *Registry
	deps     Deps
	logger   *slog.Logger
}

func New(registry *Registry, deps Deps) (*Bus, error) {
	if registry == nil {
		return nil, fmt.Errorf("querybus: nil registry")
	}
	if deps.Obs == nil {
		deps.Obs = observability.Noop()
	}
	if deps.Authz == nil {
		deps.Authz = authz.AllowAll{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default().With("component", "querybus")
	}
	return &Bus{registry: registry, deps: deps, logger: deps.Logger}, nil
}

// Dispatch runs one query and returns its JSON-encoded result.
func (b *Bus) Dispatch(ctx context.Context, rc *reqctx.Ctx, q Query) ([]byte, error) {
	if rc == nil {
		return nil, apperr.ValidationFailed("request context is required")
	}
	if !rc.IsSystem() {
		if err := rc.Validate(); err != nil {
			return nil, err
		}
	}
	name := q.QueryName()
	handler, ok := b.registry.handler(name)
	if !ok {
		return nil, apperr.Internal(fmt.Sprintf("no handler registered for query %q", name), nil)
	}

	ctx, cancel := rc.ApplyDeadline(ctx, b.deps.DefaultDeadline)
	defer cancel()
	ctx = reqctx.Into(ctx, rc)

	ctx, finish := b.deps.Obs.TrackOperation(ctx, "query."+name,
		attribute.String("query", name),
		attribute.String("tenant", rc.TenantID),
	)
	encoded, err := b.dispatch(ctx, rc, name, q, handler)
	finish(err)
	if err != nil {
		ae := apperr.From(err)
		b.logger.ErrorContext(ctx, "query failed",
			"query", name, "tenant", rc.TenantID, "code", ae.Code, "error", err)
		return nil, ae
	}
	return encoded, nil
}

func (b *Bus) dispatch(ctx context.Context, rc *reqctx.Ctx, name string, q Query, handler handlerFunc) ([]byte, error) {
	if err := b.deps.Authz.Authorize(ctx, rc, "query:"+name); err != nil {
		return nil, err
	}

	var (
		cacheKey string
		ttl      time.Duration
	)
	if c, ok := q.(Cacheable); ok && b.deps.Cache != nil {
		ttl = c.CacheTTL()
	}
	if ttl > 0 {
		key, err := CacheKey(rc.TenantID, name, q)
		if err != nil {
			return nil, err
		}
		cacheKey = key
		if hit, err := b.deps.Cache.Get(ctx, cacheKey); err != nil {
			// Cache failures degrade to a handler read, never fail the query.
			b.logger.WarnContext(ctx, "cache read failed", "query", name, "error", err)
		} else if hit != nil {
			return hit, nil
		}
	}

	encoded, _, err := handler(ctx, rc, q)
	if err != nil {
		return nil, err
	}
	if cacheKey != "" {
		if err := b.deps.Cache.Set(ctx, cacheKey, encoded, ttl); err != nil {
			b.logger.WarnContext(ctx, "cache write failed", "query", name, "error", err)
		}
	}
	return encoded, nil
}

// Ask dispatches a query and decodes the typed result.
func Ask[O any](ctx context.Context, b *Bus, rc *reqctx.Ctx, q Query) (O, error) {
	var out O
	encoded, err := b.Dispatch(ctx, rc, q)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(encoded, &out); err != nil {
		return out, apperr.Internal("decode query output", err)
	}
	return out, nil
}

// CacheKey derives the cache key for one query instance. Tenant scoped, so
// cached reads never leak across tenants.
func CacheKey(tenantID, name string, q Query) (string, error) {
	raw, err := json.Marshal(q)
	if err != nil {
		return "", apperr.ValidationFailed("query is not serializable").WithCause(err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", apperr.ValidationFailed("query is not canonicalizable JSON").WithCause(err)
	}
	sum := sha256.Sum256(canonical)
	return "keel:query:" + tenantID + ":" + name + ":" + hex.EncodeToString(sum[:]), nil
}

package querybus_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
	"github.com/Mindburn-Labs/keel/pkg/authz"
	"github.com/Mindburn-Labs/keel/pkg/querybus"
	"github.com/Mindburn-Labs/keel/pkg/reqctx"
	"github.com/Mindburn-Labs/keel/pkg/testkit"
)

type orderByID struct {
	OrderID string `json:"order_id"`
}

func (orderByID) QueryName() string { return "order_by_id" }

type orderView struct {
	OrderID string `json:"order_id"`
	Total   int64  `json:"total_cents"`
}

// trialBalance is cacheable for 30 seconds.
type trialBalance struct {
	Period string `json:"period"`
}

func (trialBalance) QueryName() string       { return "trial_balance" }
func (trialBalance) CacheTTL() time.Duration { return 30 * time.Second }

type balanceView struct {
	Period string `json:"period"`
	Debit  int64  `json:"debit_cents"`
}

type failingCache struct {
	*testkit.Cache
	getErr error
	setErr error
}

func (c *failingCache) Get(ctx context.Context, key string) ([]byte, error) {
	if c.getErr != nil {
		return nil, c.getErr
	}
	return c.Cache.Get(ctx, key)
}

func (c *failingCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if c.setErr != nil {
		return c.setErr
	}
	return c.Cache.Set(ctx, key, value, ttl)
}

func newQueryBus(t *testing.T, cache querybus.Cache, calls *atomic.Int64) *querybus.Bus {
	t.Helper()
	registry := querybus.NewRegistry()
	querybus.Register(registry, func(ctx context.Context, rc *reqctx.Ctx, q orderByID) (orderView, error) {
		calls.Add(1)
		return orderView{OrderID: q.OrderID, Total: 4200}, nil
	})
	querybus.Register(registry, func(ctx context.Context, rc *reqctx.Ctx, q trialBalance) (balanceView, error) {
		calls.Add(1)
		return balanceView{Period: q.Period, Debit: 100}, nil
	})
	registry.Freeze()

	b, err := querybus.New(registry, querybus.Deps{Cache: cache})
	require.NoError(t, err)
	return b
}

func TestAskReturnsTypedResult(t *testing.T) {
	var calls atomic.Int64
	b := newQueryBus(t, nil, &calls)

	out, err := querybus.Ask[orderView](context.Background(), b, reqctx.New("acme", "alice"), orderByID{OrderID: "o-1"})
	require.NoError(t, err)
	assert.Equal(t, "o-1", out.OrderID)
	assert.EqualValues(t, 4200, out.Total)
}

func TestCacheableQueryServedFromCache(t *testing.T) {
	clock := testkit.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	cache := testkit.NewCache(clock.Now)
	var calls atomic.Int64
	b := newQueryBus(t, cache, &calls)
	rc := reqctx.New("acme", "alice")

	first, err := b.Dispatch(context.Background(), rc, trialBalance{Period: "2026-02"})
	require.NoError(t, err)
	second, err := b.Dispatch(context.Background(), rc, trialBalance{Period: "2026-02"})
	require.NoError(t, err)

	assert.JSONEq(t, string(first), string(second))
	assert.EqualValues(t, 1, calls.Load(), "second read must come from cache")

	// Past the TTL the handler runs again.
	clock.Advance(31 * time.Second)
	_, err = b.Dispatch(context.Background(), rc, trialBalance{Period: "2026-02"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestCacheKeysAreTenantScoped(t *testing.T) {
	cache := testkit.NewCache(nil)
	var calls atomic.Int64
	b := newQueryBus(t, cache, &calls)

	_, err := b.Dispatch(context.Background(), reqctx.New("acme", "alice"), trialBalance{Period: "2026-02"})
	require.NoError(t, err)
	_, err = b.Dispatch(context.Background(), reqctx.New("globex", "bob"), trialBalance{Period: "2026-02"})
	require.NoError(t, err)

	assert.EqualValues(t, 2, calls.Load(), "tenants never share cache entries")
}

func TestDifferentParametersMissTheCache(t *testing.T) {
	cache := testkit.NewCache(nil)
	var calls atomic.Int64
	b := newQueryBus(t, cache, &calls)
	rc := reqctx.New("acme", "alice")

	_, err := b.Dispatch(context.Background(), rc, trialBalance{Period: "2026-01"})
	require.NoError(t, err)
	_, err = b.Dispatch(context.Background(), rc, trialBalance{Period: "2026-02"})
	require.NoError(t, err)
	assert.EqualValues(t, 2, calls.Load())
}

func TestNonCacheableQueryAlwaysHitsHandler(t *testing.T) {
	cache := testkit.NewCache(nil)
	var calls atomic.Int64
	b := newQueryBus(t, cache, &calls)
	rc := reqctx.New("acme", "alice")

	for i := 0; i < 3; i++ {
		_, err := b.Dispatch(context.Background(), rc, orderByID{OrderID: "o-1"})
		require.NoError(t, err)
	}
	assert.EqualValues(t, 3, calls.Load())
}

func TestCacheFailureDegradesToHandler(t *testing.T) {
	cache := &failingCache{Cache: testkit.NewCache(nil), getErr: assert.AnError, setErr: assert.AnError}
	var calls atomic.Int64
	b := newQueryBus(t, cache, &calls)

	out, err := querybus.Ask[balanceView](context.Background(), b,
		reqctx.New("acme", "alice"), trialBalance{Period: "2026-02"})
	require.NoError(t, err, "a broken cache must not fail the read")
	assert.Equal(t, "2026-02", out.Period)
	assert.EqualValues(t, 1, calls.Load())
}

func TestQueryAuthorization(t *testing.T) {
	engine := authz.NewEngine()
	engine.Grant(authz.Tuple{Object: "query:order_by_id", Relation: authz.RelationExecute, Subject: "principal:alice"})

	registry := querybus.NewRegistry()
	querybus.Register(registry, func(ctx context.Context, rc *reqctx.Ctx, q orderByID) (orderView, error) {
		return orderView{OrderID: q.OrderID}, nil
	})
	b, err := querybus.New(registry, querybus.Deps{Authz: engine})
	require.NoError(t, err)

	_, err = b.Dispatch(context.Background(), reqctx.New("acme", "alice"), orderByID{OrderID: "o-1"})
	assert.NoError(t, err)

	_, err = b.Dispatch(context.Background(), reqctx.New("acme", "mallory"), orderByID{OrderID: "o-1"})
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))
}

func TestDispatchRejectsInvalidContext(t *testing.T) {
	var calls atomic.Int64
	b := newQueryBus(t, nil, &calls)

	_, err := b.Dispatch(context.Background(), nil, orderByID{OrderID: "o-1"})
	assert.Equal(t, apperr.CodeValidationFailed, apperr.CodeOf(err))

	_, err = b.Dispatch(context.Background(), reqctx.New("", "alice"), orderByID{OrderID: "o-1"})
	assert.Equal(t, apperr.CodeValidationFailed, apperr.CodeOf(err))
}

func TestDispatchUnregisteredQuery(t *testing.T) {
	var calls atomic.Int64
	b := newQueryBus(t, nil, &calls)

	_, err := b.Dispatch(context.Background(), reqctx.New("acme", "alice"), unknownQuery{})
	assert.Equal(t, apperr.CodeInternal, apperr.CodeOf(err))
}

type unknownQuery struct{}

func (unknownQuery) QueryName() string { return "unknown" }

func TestCacheKeyDeterministic(t *testing.T) {
	a, err := querybus.CacheKey("acme", "trial_balance", trialBalance{Period: "2026-02"})
	require.NoError(t, err)
	b, err := querybus.CacheKey("acme", "trial_balance", trialBalance{Period: "2026-02"})
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other, err := querybus.CacheKey("globex", "trial_balance", trialBalance{Period: "2026-02"})
	require.NoError(t, err)
	assert.NotEqual(t, a, other)
}

func TestRegisterAfterFreezePanics(t *testing.T) {
	registry := querybus.NewRegistry()
	registry.Freeze()
	assert.Panics(t, func() {
		querybus.Register(registry, func(ctx context.Context, rc *reqctx.Ctx, q orderByID) (orderView, error) {
			return orderView{}, nil
		})
	})
}

package publisher

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/pkg/envelope"
	"github.com/Mindburn-Labs/keel/pkg/outbox"
	"github.com/Mindburn-Labs/keel/pkg/retry"
	"github.com/Mindburn-Labs/keel/pkg/schema"
	"github.com/Mindburn-Labs/keel/pkg/testkit"
)

const orderPlacedSchema = `{
	"type": "object",
	"required": ["total_cents"],
	"properties": {"total_cents": {"type": "integer"}}
}`

type pubFixture struct {
	clock  *testkit.Clock
	store  *testkit.OutboxStore
	broker *testkit.Broker
	pub    *Publisher
}

func newPubFixture(t *testing.T, schemas *schema.Registry) *pubFixture {
	t.Helper()
	clock := testkit.NewClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	store := testkit.NewOutboxStore(clock.Now)
	broker := testkit.NewBroker()
	cfg := DefaultConfig()
	cfg.Retry = retry.Policy{Base: time.Second, Cap: 30 * time.Second, MaxAttempts: 10}
	pub := New(store, broker, schemas, cfg, WithClock(clock.Now), WithWorkerID("test"))
	return &pubFixture{clock: clock, store: store, broker: broker, pub: pub}
}

func (f *pubFixture) append(t *testing.T, eventName, aggregateID string, version uint64, payload string) envelope.Envelope {
	t.Helper()
	env, err := envelope.New(eventName, "order", aggregateID, version, "acme", []byte(payload))
	require.NoError(t, err)
	rec := outbox.FromEnvelope(env, f.clock.Now())
	require.NoError(t, f.store.AppendBatch(context.Background(), nil, []outbox.Record{rec}))
	return env
}

func TestDrainPublishesPendingRows(t *testing.T) {
	f := newPubFixture(t, nil)
	env1 := f.append(t, "order.placed.v1", "o-1", 1, `{"total_cents":100}`)
	env2 := f.append(t, "order.placed.v1", "o-1", 2, `{"total_cents":200}`)

	n, err := f.pub.drainOnce(context.Background(), "w1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	msgs := f.broker.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "keel.order", msgs[0].Topic)
	assert.Equal(t, env1.PartitionKey(), msgs[0].Key)
	assert.Equal(t, env2.PartitionKey(), msgs[1].Key, "same aggregate keeps one partition key")
	assert.Equal(t, "order.placed.v1", msgs[0].Headers[envelope.HdrEventName])
	assert.JSONEq(t, `{"total_cents":100}`, string(msgs[0].Payload))

	counts := f.store.CountByStatus()
	assert.Equal(t, 2, counts[outbox.StatusPublished])
}

func TestDrainWithEmptyOutbox(t *testing.T) {
	f := newPubFixture(t, nil)
	n, err := f.pub.drainOnce(context.Background(), "w1")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.broker.Messages())
}

func TestBrokerFailureSchedulesRetry(t *testing.T) {
	f := newPubFixture(t, nil)
	env := f.append(t, "order.placed.v1", "o-1", 1, `{"total_cents":100}`)
	f.broker.FailNext(1, assert.AnError)

	_, err := f.pub.drainOnce(context.Background(), "w1")
	require.ErrorIs(t, err, errBrokerUnavailable, "a broker failure surfaces so the worker loop backs off")

	row, ok := f.store.Row(env.EventID)
	require.True(t, ok)
	assert.Equal(t, outbox.StatusFailed, row.Status)
	assert.Equal(t, 1, row.Attempts)
	assert.Contains(t, row.LastError, assert.AnError.Error())
	assert.False(t, row.NextAttemptAt.Before(f.clock.Now()), "retry is scheduled in the future or now")

	// After the backoff window the row is leased and delivered again.
	f.clock.Advance(31 * time.Second)
	_, err = f.pub.drainOnce(context.Background(), "w1")
	require.NoError(t, err)
	row, _ = f.store.Row(env.EventID)
	assert.Equal(t, outbox.StatusPublished, row.Status)
	assert.Len(t, f.broker.Messages(), 1)
}

func TestSchemaViolationGoesStraightToDead(t *testing.T) {
	schemas := schema.NewRegistry()
	require.NoError(t, schemas.Register("order.placed", 1, orderPlacedSchema))
	schemas.Freeze()
	f := newPubFixture(t, schemas)

	bad := f.append(t, "order.placed.v1", "o-1", 1, `{"wrong_field":true}`)
	good := f.append(t, "order.placed.v1", "o-2", 1, `{"total_cents":100}`)

	_, err := f.pub.drainOnce(context.Background(), "w1")
	require.NoError(t, err)

	row, _ := f.store.Row(bad.EventID)
	assert.Equal(t, outbox.StatusDead, row.Status, "a permanently invalid payload never retries")
	assert.NotEmpty(t, row.LastError)

	row, _ = f.store.Row(good.EventID)
	assert.Equal(t, outbox.StatusPublished, row.Status)
	require.Len(t, f.broker.Messages(), 1)
	assert.Equal(t, good.PartitionKey(), f.broker.Messages()[0].Key)
}

func TestExhaustedAttemptsGoDead(t *testing.T) {
	f := newPubFixture(t, nil)
	f.store.SetMaxAttempts(3)
	env := f.append(t, "order.placed.v1", "o-1", 1, `{"total_cents":100}`)
	f.broker.FailNext(3, assert.AnError)

	for i := 0; i < 3; i++ {
		_, err := f.pub.drainOnce(context.Background(), "w1")
		require.ErrorIs(t, err, errBrokerUnavailable)
		f.clock.Advance(31 * time.Second)
	}

	row, _ := f.store.Row(env.EventID)
	assert.Equal(t, outbox.StatusDead, row.Status)
	assert.Equal(t, 3, row.Attempts)
}

func TestLeaseLostAbandonedWithoutError(t *testing.T) {
	f := newPubFixture(t, nil)
	f.append(t, "order.placed.v1", "o-1", 1, `{"total_cents":100}`)

	// Worker one leases but stalls past its lease.
	leased, err := f.store.Lease(context.Background(), "w1", 10, time.Second)
	require.NoError(t, err)
	require.Len(t, leased, 1)
	f.clock.Advance(2 * time.Second)
	_, err = f.store.ReclaimExpired(context.Background())
	require.NoError(t, err)

	// Worker two takes over the row.
	takeover, err := f.store.Lease(context.Background(), "w2", 10, 30*time.Second)
	require.NoError(t, err)
	require.Len(t, takeover, 1)

	// The stalled worker wakes up and finishes its publish. The duplicate is
	// allowed under at-least-once; the stale mark must not surface an error.
	err = f.pub.deliver(context.Background(), "w1", leased[0])
	assert.NoError(t, err)

	row, _ := f.store.Row(leased[0].EventID)
	assert.Equal(t, outbox.StatusLeased, row.Status)
	assert.Equal(t, "w2", row.LeaseOwner, "the stale worker never steals the row back")
}

func TestShutdownMidBatchReleasesLeases(t *testing.T) {
	f := newPubFixture(t, nil)
	f.append(t, "order.placed.v1", "o-1", 1, `{"total_cents":100}`)
	f.append(t, "order.placed.v1", "o-2", 1, `{"total_cents":200}`)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	n, err := f.pub.drainOnce(ctx, "w1")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, f.broker.Messages())

	counts := f.store.CountByStatus()
	assert.Equal(t, 2, counts[outbox.StatusPending], "unpublished rows are handed back immediately")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	f := newPubFixture(t, nil)
	cfg := DefaultConfig()
	cfg.Workers = 2
	cfg.PollInterval = 5 * time.Millisecond
	pub := New(f.store, f.broker, nil, cfg, WithWorkerID("test"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pub.Run(ctx) }()

	f.append(t, "order.placed.v1", "o-1", 1, `{"total_cents":100}`)
	require.Eventually(t, func() bool {
		return len(f.broker.Messages()) == 1
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("publisher did not stop after cancel")
	}
}

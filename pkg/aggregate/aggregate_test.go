package aggregate

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordAdvancesVersionGaplessly(t *testing.T) {
	root := NewRoot("acme", "order", "o-1")
	require.EqualValues(t, 0, root.Version())

	require.NoError(t, root.Record("order.placed.v1", []byte(`{}`)))
	require.NoError(t, root.Record("order.paid.v1", []byte(`{}`)))
	require.NoError(t, root.Record("order.shipped.v1", []byte(`{}`)))

	assert.EqualValues(t, 3, root.Version())
	assert.Equal(t, 3, root.PendingCount())

	events := root.DrainEvents()
	require.Len(t, events, 3)
	for i, env := range events {
		assert.EqualValues(t, i+1, env.AggregateVersion)
		assert.Equal(t, "acme", env.TenantID)
		assert.Equal(t, "order", env.AggregateType)
		assert.Equal(t, "o-1", env.AggregateID)
	}
}

func TestHydrateContinuesVersionSequence(t *testing.T) {
	root := Hydrate("acme", "order", "o-1", 7)
	require.NoError(t, root.Record("order.cancelled.v1", nil))

	events := root.DrainEvents()
	require.Len(t, events, 1)
	assert.EqualValues(t, 8, events[0].AggregateVersion)
	assert.EqualValues(t, 8, root.Version())
}

func TestDrainEventsClearsAndKeepsVersion(t *testing.T) {
	root := NewRoot("acme", "order", "o-1")
	require.NoError(t, root.Record("order.placed.v1", nil))

	first := root.DrainEvents()
	assert.Len(t, first, 1)
	assert.Empty(t, root.DrainEvents(), "drain is exactly-once")
	assert.EqualValues(t, 1, root.Version(), "version survives draining")
	assert.Equal(t, 0, root.PendingCount())
}

func TestRecordRejectsBadEventName(t *testing.T) {
	root := NewRoot("acme", "order", "o-1")
	err := root.Record("not-versioned", nil)
	require.Error(t, err)
	// Version must not advance on a rejected event.
	assert.EqualValues(t, 0, root.Version())
	assert.Equal(t, 0, root.PendingCount())
}

func TestRef(t *testing.T) {
	root := NewRoot("acme", "order", "o-1")
	assert.Equal(t, Ref{TenantID: "acme", AggregateType: "order", AggregateID: "o-1"}, root.Ref())
}

package reqctx

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
)

func TestNewDefaultsTraceID(t *testing.T) {
	c := New("acme", "user-1")
	assert.Equal(t, "acme", c.TenantID)
	assert.Equal(t, "user-1", c.PrincipalID)
	assert.Len(t, c.TraceID, 32)
	assert.False(t, c.ReceivedAt.IsZero())
}

func TestNewKeepsPropagatedTraceID(t *testing.T) {
	c := New("acme", "user-1", WithTraceID("0af7651916cd43dd8448eb211c80319c"))
	assert.Equal(t, "0af7651916cd43dd8448eb211c80319c", c.TraceID)
}

func TestValidateRejectsEmptyTenant(t *testing.T) {
	c := New("", "user-1")
	err := c.Validate()
	require.Error(t, err)
	assert.Equal(t, apperr.CodeValidationFailed, apperr.CodeOf(err))
}

func TestValidateRejectsPastDeadline(t *testing.T) {
	c := New("acme", "user-1", WithDeadline(time.Now().Add(-time.Second)))
	err := c.Validate()
	require.Error(t, err)
	assert.Equal(t, apperr.CodeDeadlineExceeded, apperr.CodeOf(err))
}

func TestSystemContext(t *testing.T) {
	c := System()
	assert.True(t, c.IsSystem())
	assert.Equal(t, "system", c.PrincipalID)
	// System contexts are not valid for business operations.
	assert.Error(t, c.Validate())
}

func TestEmptyTenantIsNotSystem(t *testing.T) {
	// A missing tenant is an invalid request, never an elevated one.
	assert.False(t, New("", "alice").IsSystem())
	assert.False(t, FromHeaders(http.Header{}).IsSystem())
}

func TestApplyDeadline(t *testing.T) {
	at := time.Now().Add(time.Minute)
	c := New("acme", "u", WithDeadline(at))
	ctx, cancel := c.ApplyDeadline(context.Background(), time.Hour)
	defer cancel()
	dl, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, at, dl, time.Millisecond)
}

func TestApplyDeadlineFallback(t *testing.T) {
	c := New("acme", "u")
	ctx, cancel := c.ApplyDeadline(context.Background(), 30*time.Second)
	defer cancel()
	dl, ok := ctx.Deadline()
	require.True(t, ok)
	assert.WithinDuration(t, time.Now().Add(30*time.Second), dl, time.Second)
}

func TestContextRoundTrip(t *testing.T) {
	c := New("acme", "u")
	ctx := Into(context.Background(), c)
	got, err := From(ctx)
	require.NoError(t, err)
	assert.Same(t, c, got)

	_, err = From(context.Background())
	assert.Error(t, err)
}

func TestFromHeaders(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderTenant, "acme")
	h.Set(HeaderPrincipal, "user-7")
	h.Set(HeaderTraceParent, "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01")
	h.Set(HeaderIdempotencyKey, "retry-key-1")
	h.Set(HeaderLocale, "de-DE")
	h.Set(HeaderDeadline, time.Now().Add(time.Minute).Format(time.RFC3339))
	h.Set("X-Custom-Channel", "mobile")

	c := FromHeaders(h)
	assert.Equal(t, "acme", c.TenantID)
	assert.Equal(t, "user-7", c.PrincipalID)
	assert.Equal(t, "0af7651916cd43dd8448eb211c80319c", c.TraceID)
	assert.Equal(t, "b7ad6b7169203331", c.SpanID)
	assert.Equal(t, []byte("retry-key-1"), c.IdempotencyKey)
	assert.Equal(t, "de-DE", c.Locale)
	assert.False(t, c.Deadline.IsZero())
	// Unknown headers land in metadata, lowercased.
	assert.Equal(t, "mobile", c.Metadata["x-custom-channel"])
	// Consumed headers do not.
	assert.NotContains(t, c.Metadata, "x-tenant-id")
}

func TestFromHeadersIgnoresMalformedDeadline(t *testing.T) {
	h := http.Header{}
	h.Set(HeaderTenant, "acme")
	h.Set(HeaderDeadline, "not-a-timestamp")
	c := FromHeaders(h)
	assert.True(t, c.Deadline.IsZero())
}

func TestTraceParentRendering(t *testing.T) {
	c := New("acme", "u", WithTraceID("0af7651916cd43dd8448eb211c80319c"))
	assert.Equal(t, "00-0af7651916cd43dd8448eb211c80319c-0000000000000000-01", c.TraceParent())

	c.SpanID = "b7ad6b7169203331"
	assert.Equal(t, "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01", c.TraceParent())
}

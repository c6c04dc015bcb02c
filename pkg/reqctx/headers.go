package reqctx

import (
	"net/http"
	"strings"
	"time"
)

// Request-level header names consumed at the edge. Everything else is
// forwarded into Metadata untouched.
const (
	HeaderTenant         = "X-Tenant-Id"
	HeaderPrincipal      = "X-Principal-Id"
	HeaderTraceParent    = "Traceparent"
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderDeadline       = "X-Deadline"
	HeaderLocale         = "Accept-Language"
)

// FromHeaders builds a Ctx from transport headers. The deadline header is an
// RFC 3339 instant; a malformed value is ignored rather than rejected so the
// server-side default budget applies.
func FromHeaders(h http.Header) *Ctx {
	var opts []Option

	if tp := h.Get(HeaderTraceParent); tp != "" {
		if traceID, spanID, ok := parseTraceParent(tp); ok {
			opts = append(opts, WithTraceID(traceID))
			opts = append(opts, func(c *Ctx) { c.SpanID = spanID })
		}
	}
	if loc := h.Get(HeaderLocale); loc != "" {
		opts = append(opts, WithLocale(loc))
	}
	if key := h.Get(HeaderIdempotencyKey); key != "" {
		opts = append(opts, WithIdempotencyKey([]byte(key)))
	}
	if dl := h.Get(HeaderDeadline); dl != "" {
		if at, err := time.Parse(time.RFC3339, dl); err == nil {
			opts = append(opts, WithDeadline(at))
		}
	}

	c := New(h.Get(HeaderTenant), h.Get(HeaderPrincipal), opts...)

	for name, values := range h {
		if isKnownHeader(name) || len(values) == 0 {
			continue
		}
		c.Metadata[strings.ToLower(name)] = values[0]
	}
	return c
}

func isKnownHeader(name string) bool {
	switch http.CanonicalHeaderKey(name) {
	case HeaderTenant, HeaderPrincipal, HeaderTraceParent,
		HeaderIdempotencyKey, HeaderDeadline, HeaderLocale:
		return true
	}
	return false
}

// parseTraceParent extracts trace and span ids from a W3C traceparent value
// ("00-<32 hex>-<16 hex>-<2 hex>").
func parseTraceParent(v string) (traceID, spanID string, ok bool) {
	parts := strings.Split(v, "-")
	if len(parts) != 4 || len(parts[1]) != 32 || len(parts[2]) != 16 {
		return "", "", false
	}
	return strings.ToLower(parts[1]), strings.ToLower(parts[2]), true
}

// TraceParent renders the W3C traceparent header for outgoing envelopes.
func (c *Ctx) TraceParent() string {
	span := c.SpanID
	if span == "" {
		span = "0000000000000000"
	}
	return "00-" + c.TraceID + "-" + span + "-01"
}

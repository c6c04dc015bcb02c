package envelope

import (
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
)

// Wire header keys. The payload travels separately as opaque bytes; the
// runtime is format-agnostic.
const (
	HdrEventID          = "event-id"
	HdrEventName        = "event-name"
	HdrTenantID         = "tenant-id"
	HdrAggregateType    = "aggregate-type"
	HdrAggregateID      = "aggregate-id"
	HdrAggregateVersion = "aggregate-version"
	HdrCausationID      = "causation-id"
	HdrCorrelationID    = "correlation-id"
	HdrOccurredAt       = "occurred-at"
	HdrTraceParent      = "trace-parent"
)

// timestamps on the wire keep microsecond precision.
const wireTimeLayout = "2006-01-02T15:04:05.000000Z07:00"

// Headers renders the wire header map. Metadata entries ride alongside the
// reserved keys; reserved keys win on collision.
func (e Envelope) Headers() map[string]string {
	h := make(map[string]string, len(e.Metadata)+10)
	for k, v := range e.Metadata {
		h[k] = v
	}
	h[HdrEventID] = e.EventID.String()
	h[HdrEventName] = e.EventName
	h[HdrTenantID] = e.TenantID
	h[HdrAggregateType] = e.AggregateType
	h[HdrAggregateID] = e.AggregateID
	h[HdrAggregateVersion] = strconv.FormatUint(e.AggregateVersion, 10)
	h[HdrCausationID] = e.CausationID
	h[HdrCorrelationID] = e.CorrelationID
	h[HdrOccurredAt] = e.OccurredAt.UTC().Format(wireTimeLayout)
	return h
}

// trace-parent is not reserved: it is stamped into metadata by the unit of
// work and round-trips through the metadata map like any other entry.
var reserved = map[string]struct{}{
	HdrEventID: {}, HdrEventName: {}, HdrTenantID: {},
	HdrAggregateType: {}, HdrAggregateID: {}, HdrAggregateVersion: {},
	HdrCausationID: {}, HdrCorrelationID: {}, HdrOccurredAt: {},
}

// FromHeaders reconstructs an envelope from its wire form.
// Headers(FromHeaders(h, p)) round-trips for valid input.
func FromHeaders(h map[string]string, payload []byte) (Envelope, error) {
	id, err := uuid.Parse(h[HdrEventID])
	if err != nil {
		return Envelope{}, apperr.ValidationFailed("invalid event-id header").WithCause(err)
	}
	version, err := strconv.ParseUint(h[HdrAggregateVersion], 10, 64)
	if err != nil {
		return Envelope{}, apperr.ValidationFailed("invalid aggregate-version header").WithCause(err)
	}
	occurredAt, err := time.Parse(wireTimeLayout, h[HdrOccurredAt])
	if err != nil {
		return Envelope{}, apperr.ValidationFailed("invalid occurred-at header").WithCause(err)
	}

	env := Envelope{
		EventID:          id,
		EventName:        h[HdrEventName],
		AggregateType:    h[HdrAggregateType],
		AggregateID:      h[HdrAggregateID],
		AggregateVersion: version,
		TenantID:         h[HdrTenantID],
		CausationID:      h[HdrCausationID],
		CorrelationID:    h[HdrCorrelationID],
		OccurredAt:       occurredAt.UTC(),
		Payload:          payload,
	}
	for k, v := range h {
		if _, ok := reserved[k]; ok {
			continue
		}
		if env.Metadata == nil {
			env.Metadata = make(map[string]string)
		}
		env.Metadata[k] = v
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

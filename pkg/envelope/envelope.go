// Package envelope defines the canonical transport form of a domain event:
// a stable header set plus an opaque payload. Envelope ids are UUIDv7 so the
// outbox scan order approximates causal order.
package envelope

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
)

// Envelope is immutable once created by a handler.
type Envelope struct {
	EventID          uuid.UUID         `json:"event_id"`
	EventName        string            `json:"event_name"` // "name.vN"
	AggregateType    string            `json:"aggregate_type"`
	AggregateID      string            `json:"aggregate_id"`
	AggregateVersion uint64            `json:"aggregate_version"` // starts at 1
	TenantID         string            `json:"tenant_id"`
	CausationID      string            `json:"causation_id"`
	CorrelationID    string            `json:"correlation_id"`
	OccurredAt       time.Time         `json:"occurred_at"`
	Payload          []byte            `json:"payload"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

var nameRe = regexp.MustCompile(`^[a-z][a-z0-9_.-]*\.v[1-9][0-9]*$`)

// New creates an envelope with a fresh time-ordered event id. OccurredAt is
// UTC at microsecond precision, matching the storage column.
func New(eventName, aggregateType, aggregateID string, aggregateVersion uint64, tenantID string, payload []byte) (Envelope, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Envelope{}, apperr.Internal("generate event id", err)
	}
	env := Envelope{
		EventID:          id,
		EventName:        eventName,
		AggregateType:    aggregateType,
		AggregateID:      aggregateID,
		AggregateVersion: aggregateVersion,
		TenantID:         tenantID,
		OccurredAt:       time.Now().UTC().Truncate(time.Microsecond),
		Payload:          payload,
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Validate checks the envelope invariants.
func (e Envelope) Validate() error {
	switch {
	case e.EventID == uuid.Nil:
		return apperr.ValidationFailed("event id must not be zero")
	case !nameRe.MatchString(e.EventName):
		return apperr.ValidationFailed(fmt.Sprintf("event name %q is not of form name.vN", e.EventName))
	case e.AggregateType == "":
		return apperr.ValidationFailed("aggregate type must not be empty")
	case e.AggregateID == "":
		return apperr.ValidationFailed("aggregate id must not be empty")
	case e.AggregateVersion < 1:
		return apperr.ValidationFailed("aggregate version must be >= 1")
	case e.TenantID == "":
		return apperr.ValidationFailed("tenant id must not be empty")
	}
	return nil
}

// WithMeta returns a copy with one metadata entry added.
func (e Envelope) WithMeta(key, value string) Envelope {
	meta := make(map[string]string, len(e.Metadata)+1)
	for k, v := range e.Metadata {
		meta[k] = v
	}
	meta[key] = value
	e.Metadata = meta
	return e
}

// ParseName splits "name.vN" into the base name and schema version.
func ParseName(eventName string) (base string, version int, err error) {
	i := strings.LastIndex(eventName, ".v")
	if i < 0 {
		return "", 0, apperr.ValidationFailed(fmt.Sprintf("event name %q has no version suffix", eventName))
	}
	version, err = strconv.Atoi(eventName[i+2:])
	if err != nil || version < 1 {
		return "", 0, apperr.ValidationFailed(fmt.Sprintf("event name %q has an invalid version", eventName))
	}
	return eventName[:i], version, nil
}

// FormatName joins a base name and version back into "name.vN".
func FormatName(base string, version int) string {
	return fmt.Sprintf("%s.v%d", base, version)
}

// PartitionKey is the external log partition key, preserving per-aggregate
// total order: tenant_id || aggregate_id.
func (e Envelope) PartitionKey() string {
	return e.TenantID + "|" + e.AggregateID
}

// Package audit records every command attempt, including rolled-back ones.
// The trail is append-only; a failed audit write never fails the command.
package audit

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// OutcomeOK marks a successful command; failures carry the error code.
const OutcomeOK = "OK"

// Record is one command attempt.
type Record struct {
	AuditID     uuid.UUID         `json:"audit_id"`
	TenantID    string            `json:"tenant_id"`
	PrincipalID string            `json:"principal_id"`
	CommandName string            `json:"command_name"`
	// Fingerprint identifies the request payload without storing secrets
	// twice; Payload is the serialized command for replay.
	Fingerprint string            `json:"request_fingerprint"`
	Payload     []byte            `json:"payload,omitempty"`
	Outcome     string            `json:"outcome"` // "OK" or error code
	ErrorMsg    string            `json:"error_message,omitempty"`
	DurationMS  int64             `json:"duration_ms"`
	OccurredAt  time.Time         `json:"occurred_at"`
	TraceID     string            `json:"trace_id"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Sink is the audit port.
type Sink interface {
	Record(ctx context.Context, rec Record) error
}

// Tee fans one record out to several sinks; the first error wins but all
// sinks are attempted.
type Tee []Sink

func (t Tee) Record(ctx context.Context, rec Record) error {
	var first error
	for _, s := range t {
		if err := s.Record(ctx, rec); err != nil && first == nil {
			first = err
		}
	}
	return first
}

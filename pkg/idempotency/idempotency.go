// Package idempotency makes commands safely retriable. A record keyed by
// (tenant, command, key) stores the fingerprint of the original request and
// a snapshot of its result; replays with a matching fingerprint return the
// snapshot without re-executing the handler.
package idempotency

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"time"

	"github.com/gowebpki/jcs"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
)

// Record is one stored command execution.
type Record struct {
	TenantID    string
	CommandName string
	Key         []byte
	// Fingerprint is the hex sha256 of the canonicalized request payload.
	Fingerprint string
	// Result is the serialized command output captured at commit.
	Result    []byte
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Execer is the transaction surface Put needs; satisfied by *sql.Tx.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// Store is the idempotency port. Put runs inside the unit-of-work
// transaction so the record commits atomically with the aggregate rows.
type Store interface {
	// Get returns the record, or nil when absent or expired.
	Get(ctx context.Context, tenantID, commandName string, key []byte) (*Record, error)
	// Put inserts the record. tx is nil outside a SQL unit of work.
	Put(ctx context.Context, tx Execer, rec Record) error
	// DeleteExpired removes records past their TTL; returns rows removed.
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Fingerprint canonicalizes a JSON payload (RFC 8785) and hashes it, so two
// requests differing only in key order or whitespace fingerprint equal.
func Fingerprint(payload []byte) (string, error) {
	canonical, err := jcs.Transform(payload)
	if err != nil {
		return "", apperr.ValidationFailed("request payload is not canonicalizable JSON").WithCause(err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

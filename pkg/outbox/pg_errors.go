package outbox

import (
	"errors"

	"github.com/lib/pq"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
)

// Postgres SQLSTATE classes the runtime cares about.
const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgUniqueViolation      = "23505"
)

// translatePG maps driver errors onto the taxonomy: serialization failures
// and deadlocks are retryable conflicts, a unique violation on the aggregate
// sequence index is a concurrency conflict surfaced as CONFLICT.
func translatePG(err error, msg string) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch string(pqErr.Code) {
		case pgSerializationFailure, pgDeadlockDetected:
			return apperr.Transient(msg+": serialization failure", err)
		case pgUniqueViolation:
			return apperr.Conflict("duplicate aggregate version").WithCause(err)
		}
	}
	return apperr.Transient(msg, err)
}

package testkit

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
	"github.com/Mindburn-Labs/keel/pkg/outbox"
)

// OutboxStore is the in-memory outbox with the full lease protocol,
// including expiry, reclaim, fencing, and the dead-letter transition.
type OutboxStore struct {
	mu          sync.Mutex
	rows        map[uuid.UUID]*outbox.Record
	maxAttempts int
	now         func() time.Time
}

func NewOutboxStore(now func() time.Time) *OutboxStore {
	if now == nil {
		now = time.Now
	}
	return &OutboxStore{
		rows:        make(map[uuid.UUID]*outbox.Record),
		maxAttempts: 10,
		now:         now,
	}
}

// SetMaxAttempts overrides the dead-letter threshold.
func (s *OutboxStore) SetMaxAttempts(n int) { s.maxAttempts = n }

func (s *OutboxStore) AppendBatch(ctx context.Context, _ outbox.Execer, records []outbox.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.validateAppend(records); err != nil {
		return err
	}
	s.insert(records)
	return nil
}

// validateAppend checks the unique aggregate-version constraint without
// inserting anything. Caller holds mu.
func (s *OutboxStore) validateAppend(records []outbox.Record) error {
	for _, rec := range records {
		for _, existing := range s.rows {
			if existing.TenantID == rec.TenantID &&
				existing.AggregateType == rec.AggregateType &&
				existing.AggregateID == rec.AggregateID &&
				existing.AggregateVersion == rec.AggregateVersion {
				return apperr.Conflict("duplicate aggregate version")
			}
		}
	}
	return nil
}

// insert stores validated records. Caller holds mu.
func (s *OutboxStore) insert(records []outbox.Record) {
	for _, rec := range records {
		r := rec
		s.rows[rec.EventID] = &r
	}
}

func (s *OutboxStore) Lease(ctx context.Context, workerID string, batchSize int, leaseFor time.Duration) ([]outbox.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()

	var eligible []*outbox.Record
	for _, r := range s.rows {
		due := (r.Status == outbox.StatusPending || r.Status == outbox.StatusFailed) && !r.NextAttemptAt.After(now)
		if due {
			eligible = append(eligible, r)
		}
	}
	// Event ids are time-ordered; scan order approximates causal order.
	sort.Slice(eligible, func(i, j int) bool {
		return bytes.Compare(eligible[i].EventID[:], eligible[j].EventID[:]) < 0
	})
	if len(eligible) > batchSize {
		eligible = eligible[:batchSize]
	}

	leased := make([]outbox.Record, 0, len(eligible))
	for _, r := range eligible {
		r.Status = outbox.StatusLeased
		r.LeaseOwner = workerID
		r.LeaseExpiresAt = now.Add(leaseFor)
		leased = append(leased, *r)
	}
	return leased, nil
}

func (s *OutboxStore) MarkPublished(ctx context.Context, eventID uuid.UUID, workerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.held(eventID, workerID)
	if err != nil {
		return err
	}
	r.Status = outbox.StatusPublished
	r.PublishedAt = s.now().UTC()
	r.LeaseOwner = ""
	r.LeaseExpiresAt = time.Time{}
	return nil
}

func (s *OutboxStore) MarkFailed(ctx context.Context, eventID uuid.UUID, workerID, cause string, backoff time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.held(eventID, workerID)
	if err != nil {
		return err
	}
	r.Attempts++
	r.LastError = cause
	r.LeaseOwner = ""
	r.LeaseExpiresAt = time.Time{}
	if r.Attempts >= s.maxAttempts {
		r.Status = outbox.StatusDead
		return nil
	}
	r.Status = outbox.StatusFailed
	r.NextAttemptAt = s.now().UTC().Add(backoff)
	return nil
}

func (s *OutboxStore) MarkDead(ctx context.Context, eventID uuid.UUID, workerID, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, err := s.held(eventID, workerID)
	if err != nil {
		return err
	}
	r.Status = outbox.StatusDead
	r.LastError = cause
	r.LeaseOwner = ""
	r.LeaseExpiresAt = time.Time{}
	return nil
}

func (s *OutboxStore) ReleaseLease(ctx context.Context, workerID string, eventIDs []uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range eventIDs {
		r, ok := s.rows[id]
		if !ok || r.Status != outbox.StatusLeased || r.LeaseOwner != workerID {
			continue
		}
		r.Status = outbox.StatusPending
		r.LeaseOwner = ""
		r.LeaseExpiresAt = time.Time{}
	}
	return nil
}

func (s *OutboxStore) ReclaimExpired(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	var n int64
	for _, r := range s.rows {
		if r.Status == outbox.StatusLeased && !r.LeaseExpiresAt.After(now) {
			r.Status = outbox.StatusPending
			r.LeaseOwner = ""
			r.LeaseExpiresAt = time.Time{}
			n++
		}
	}
	return n, nil
}

func (s *OutboxStore) GC(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, r := range s.rows {
		if r.Status == outbox.StatusPublished && r.PublishedAt.Before(before) {
			delete(s.rows, id)
			n++
		}
	}
	return n, nil
}

// Row returns a copy of the stored row for assertions.
func (s *OutboxStore) Row(eventID uuid.UUID) (outbox.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rows[eventID]
	if !ok {
		return outbox.Record{}, false
	}
	return *r, true
}

// Rows returns copies of all rows in event id order.
func (s *OutboxStore) Rows() []outbox.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]outbox.Record, 0, len(s.rows))
	for _, r := range s.rows {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].EventID[:], out[j].EventID[:]) < 0
	})
	return out
}

// CountByStatus tallies rows per status.
func (s *OutboxStore) CountByStatus() map[outbox.Status]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[outbox.Status]int)
	for _, r := range s.rows {
		counts[r.Status]++
	}
	return counts
}

func (s *OutboxStore) held(eventID uuid.UUID, workerID string) (*outbox.Record, error) {
	r, ok := s.rows[eventID]
	if !ok {
		return nil, fmt.Errorf("outbox row %s not found", eventID)
	}
	if r.Status != outbox.StatusLeased || r.LeaseOwner != workerID {
		return nil, outbox.ErrLeaseLost
	}
	return r, nil
}

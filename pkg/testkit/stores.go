package testkit

import (
	"context"
	"sync"
	"time"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
	"github.com/Mindburn-Labs/keel/pkg/audit"
	"github.com/Mindburn-Labs/keel/pkg/idempotency"
)

// IdempotencyStore is the in-memory idempotency port.
type IdempotencyStore struct {
	mu   sync.Mutex
	recs map[string]idempotency.Record
	ttl  time.Duration
	now  func() time.Time
}

func NewIdempotencyStore(now func() time.Time) *IdempotencyStore {
	if now == nil {
		now = time.Now
	}
	return &IdempotencyStore{
		recs: make(map[string]idempotency.Record),
		ttl:  48 * time.Hour,
		now:  now,
	}
}

func idemKey(tenantID, commandName string, key []byte) string {
	return tenantID + "\x00" + commandName + "\x00" + string(key)
}

func (s *IdempotencyStore) Get(ctx context.Context, tenantID, commandName string, key []byte) (*idempotency.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[idemKey(tenantID, commandName, key)]
	if !ok || !rec.ExpiresAt.After(s.now().UTC()) {
		return nil, nil
	}
	out := rec
	return &out, nil
}

func (s *IdempotencyStore) Put(ctx context.Context, _ idempotency.Execer, rec idempotency.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ExpiresAt.IsZero() {
		rec.ExpiresAt = rec.CreatedAt.Add(s.ttl)
	}
	k := idemKey(rec.TenantID, rec.CommandName, rec.Key)
	if _, exists := s.recs[k]; exists {
		return apperr.Conflict("duplicate idempotency record")
	}
	s.recs[k] = rec
	return nil
}

func (s *IdempotencyStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, rec := range s.recs {
		if !rec.ExpiresAt.After(now) {
			delete(s.recs, k)
			n++
		}
	}
	return n, nil
}

// Len reports how many records are stored, expired or not.
func (s *IdempotencyStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.recs)
}

// Cache is the in-memory query cache.
type Cache struct {
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

func NewCache(now func() time.Time) *Cache {
	if now == nil {
		now = time.Now
	}
	return &Cache{entries: make(map[string]cacheEntry), now: now}
}

func (c *Cache) Get(ctx context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok || !e.expiresAt.After(c.now().UTC()) {
		return nil, nil
	}
	return e.value, nil
}

func (c *Cache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{value: value, expiresAt: c.now().UTC().Add(ttl)}
	return nil
}

func (c *Cache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	return nil
}

// AuditSink collects audit records in memory.
type AuditSink struct {
	mu   sync.Mutex
	recs []audit.Record
	fail error
}

func NewAuditSink() *AuditSink { return &AuditSink{} }

// FailWith makes every Record call return err; nil restores normal behavior.
func (s *AuditSink) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

func (s *AuditSink) Record(ctx context.Context, rec audit.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.recs = append(s.recs, rec)
	return nil
}

// Records returns a copy of everything recorded so far.
func (s *AuditSink) Records() []audit.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.Record, len(s.recs))
	copy(out, s.recs)
	return out
}

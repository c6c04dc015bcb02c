package testkit

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/Mindburn-Labs/keel/pkg/projector"
)

// Checkpoints is the in-memory checkpoint store.
type Checkpoints struct {
	mu        sync.Mutex
	applied   map[string]uuid.UUID
	highWater map[string]uuid.UUID
}

func NewCheckpoints() *Checkpoints {
	return &Checkpoints{
		applied:   make(map[string]uuid.UUID),
		highWater: make(map[string]uuid.UUID),
	}
}

func ckKey(projectorName, tenantID, aggregateType, aggregateID string) string {
	return projectorName + "\x00" + tenantID + "\x00" + aggregateType + "\x00" + aggregateID
}

func (c *Checkpoints) LastApplied(ctx context.Context, projectorName, tenantID, aggregateType, aggregateID string) (uuid.UUID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.applied[ckKey(projectorName, tenantID, aggregateType, aggregateID)], nil
}

func (c *Checkpoints) SetLastApplied(ctx context.Context, projectorName, tenantID, aggregateType, aggregateID string, eventID uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applied[ckKey(projectorName, tenantID, aggregateType, aggregateID)] = eventID
	if hw := c.highWater[projectorName]; bytes.Compare(eventID[:], hw[:]) > 0 {
		c.highWater[projectorName] = eventID
	}
	return nil
}

func (c *Checkpoints) HighWater(ctx context.Context, projectorName string) (uuid.UUID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.highWater[projectorName], nil
}

// Poison collects parked entries in memory.
type Poison struct {
	mu      sync.Mutex
	entries []projector.PoisonEntry
}

func NewPoison() *Poison { return &Poison{} }

func (p *Poison) Park(ctx context.Context, entry projector.PoisonEntry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = append(p.entries, entry)
	return nil
}

// Entries returns a copy of everything parked so far.
func (p *Poison) Entries() []projector.PoisonEntry {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]projector.PoisonEntry, len(p.entries))
	copy(out, p.entries)
	return out
}

// Package projector consumes the external log and applies events to read
// models. Applies are idempotent (duplicates from at-least-once delivery are
// skipped via checkpoints), failures retry in place with capped backoff, and
// events that keep failing are parked on a poison topic so the partition
// never wedges.
package projector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Mindburn-Labs/keel/pkg/envelope"
	"github.com/Mindburn-Labs/keel/pkg/observability"
	"github.com/Mindburn-Labs/keel/pkg/retry"
	"github.com/Mindburn-Labs/keel/pkg/schema"
)

// Handler applies one event to the read model. It must be idempotent at the
// store level too; checkpoint skipping covers duplicates but not crashes
// between the store write and the checkpoint write.
type Handler func(ctx context.Context, env envelope.Envelope) error

// Config tunes one projector instance.
type Config struct {
	// Name identifies the projector in checkpoints and poison entries.
	Name string
	// MaxAttempts bounds in-place retries before an event is parked.
	MaxAttempts int
	// Retry shapes the in-place backoff between attempts.
	Retry retry.Policy
}

// Projector runs one consume loop over one source.
type Projector struct {
	config   Config
	source   Source
	checkpts Checkpoints
	poison   Poison
	schemas  *schema.Registry
	obs      *observability.Provider
	logger   *slog.Logger

	mu       sync.RWMutex
	handlers map[string]Handler
	frozen   bool
}

type Option func(*Projector)

func WithObservability(obs *observability.Provider) Option {
	return func(p *Projector) { p.obs = obs }
}

// WithSchemas enables payload upcasting to the current schema version before
// the handler sees the event.
func WithSchemas(reg *schema.Registry) Option {
	return func(p *Projector) { p.schemas = reg }
}

func New(config Config, source Source, checkpts Checkpoints, poison Poison, opts ...Option) *Projector {
	if config.Name == "" {
		panic("projector: name is required")
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 5
	}
	if config.Retry.Base <= 0 {
		config.Retry = retry.DefaultPolicy()
	}
	p := &Projector{
		config:   config,
		source:   source,
		checkpts: checkpts,
		poison:   poison,
		obs:      observability.Noop(),
		logger:   slog.Default().With("component", "projector", "projector", config.Name),
		handlers: make(map[string]Handler),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// On registers a handler for the full versioned event name. Panics after Run
// has started.
func (p *Projector) On(eventName string, h Handler) {
	if _, _, err := envelope.ParseName(eventName); err != nil {
		panic(fmt.Sprintf("projector: bad event name %q: %v", eventName, err))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.frozen {
		panic("projector: On after Run")
	}
	if _, exists := p.handlers[eventName]; exists {
		panic(fmt.Sprintf("projector: handler for %q registered twice", eventName))
	}
	p.handlers[eventName] = h
}

// Run blocks consuming the source until ctx is cancelled.
func (p *Projector) Run(ctx context.Context) error {
	p.mu.Lock()
	p.frozen = true
	p.mu.Unlock()
	p.logger.InfoContext(ctx, "projector starting")
	for {
		msg, err := p.source.Fetch(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				p.logger.Info("projector stopped")
				return ctx.Err()
			}
			p.logger.ErrorContext(ctx, "fetch failed", "error", err)
			sleep(ctx, time.Second)
			continue
		}
		if err := p.process(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			// Checkpoint or poison infrastructure failed; do not commit the
			// offset, the message will be redelivered.
			p.logger.ErrorContext(ctx, "process failed, offset not committed",
				"event", msg.Envelope.EventName, "error", err)
			sleep(ctx, time.Second)
			continue
		}
		if err := p.source.Commit(ctx, msg); err != nil {
			p.logger.ErrorContext(ctx, "offset commit failed", "error", err)
		}
	}
}

func (p *Projector) process(ctx context.Context, msg Message) error {
	if msg.DecodeErr != nil {
		// Undecodable bytes can never succeed; park immediately.
		return p.park(ctx, msg, 0, fmt.Sprintf("decode: %v", msg.DecodeErr))
	}
	env := msg.Envelope

	if p.schemas != nil {
		name, payload, err := p.schemas.Upgrade(env.EventName, env.Payload)
		if err != nil {
			return p.park(ctx, msg, 0, fmt.Sprintf("upcast: %v", err))
		}
		env.EventName = name
		env.Payload = payload
	}

	applied, err := p.checkpts.LastApplied(ctx, p.config.Name, env.TenantID, env.AggregateType, env.AggregateID)
	if err != nil {
		return err
	}
	// Event ids are time-ordered; anything at or below the checkpoint is a
	// redelivery and has already been applied.
	if applied != uuid.Nil && bytes.Compare(env.EventID[:], applied[:]) <= 0 {
		return nil
	}

	p.mu.RLock()
	handler, ok := p.handlers[env.EventName]
	p.mu.RUnlock()
	if !ok {
		// Not every projector cares about every event on the topic; advance
		// the checkpoint so WaitFor still progresses.
		return p.checkpts.SetLastApplied(ctx, p.config.Name, env.TenantID, env.AggregateType, env.AggregateID, env.EventID)
	}

	ctx, finish := p.obs.TrackOperation(ctx, "projector.apply",
		attribute.String("projector", p.config.Name),
		attribute.String("event", env.EventName),
		attribute.String("tenant", env.TenantID),
	)
	err = p.apply(ctx, msg, env, handler)
	finish(err)
	return err
}

func (p *Projector) apply(ctx context.Context, msg Message, env envelope.Envelope, handler Handler) error {
	var lastErr error
	for attempt := 0; attempt < p.config.MaxAttempts; attempt++ {
		if attempt > 0 {
			sleep(ctx, p.config.Retry.Backoff(attempt-1))
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
		lastErr = handler(ctx, env)
		if lastErr == nil {
			return p.checkpts.SetLastApplied(ctx, p.config.Name, env.TenantID, env.AggregateType, env.AggregateID, env.EventID)
		}
		p.logger.WarnContext(ctx, "apply failed",
			"event", env.EventName,
			"aggregate_id", env.AggregateID,
			"attempt", attempt+1,
			"error", lastErr,
		)
	}
	return p.park(ctx, msg, p.config.MaxAttempts, lastErr.Error())
}

// park routes the event to the poison queue and advances the checkpoint so
// the partition keeps moving.
func (p *Projector) park(ctx context.Context, msg Message, attempts int, reason string) error {
	entry := PoisonEntry{
		Projector: p.config.Name,
		Reason:    reason,
		Attempts:  attempts,
		FailedAt:  time.Now().UTC(),
		Headers:   msg.Envelope.Headers(),
		Payload:   msg.Envelope.Payload,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	}
	if msg.DecodeErr != nil {
		entry.Headers = map[string]string{}
		entry.Payload = msg.Raw
	}
	if err := p.poison.Park(ctx, entry); err != nil {
		return err
	}
	p.logger.ErrorContext(ctx, "event parked on poison queue",
		"event", msg.Envelope.EventName,
		"aggregate_id", msg.Envelope.AggregateID,
		"reason", reason,
	)
	if msg.DecodeErr != nil {
		return nil
	}
	env := msg.Envelope
	return p.checkpts.SetLastApplied(ctx, p.config.Name, env.TenantID, env.AggregateType, env.AggregateID, env.EventID)
}

// WaitFor blocks until the projector's high-water mark reaches eventID, for
// read-your-writes: dispatch a command, take the event id from the response,
// and gate the follow-up query on it.
func (p *Projector) WaitFor(ctx context.Context, eventID uuid.UUID, pollEvery time.Duration) error {
	if pollEvery <= 0 {
		pollEvery = 25 * time.Millisecond
	}
	for {
		hw, err := p.checkpts.HighWater(ctx, p.config.Name)
		if err != nil {
			return err
		}
		if bytes.Compare(hw[:], eventID[:]) >= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollEvery):
		}
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

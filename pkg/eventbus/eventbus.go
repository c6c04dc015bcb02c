// Package eventbus fans events out to in-process subscribers, synchronously
// and in aggregate order. It serves same-process read models and tests; the
// durable path to other processes is the outbox and the log.
package eventbus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/Mindburn-Labs/keel/pkg/envelope"
)

// Subscriber handles one event. Subscribers run sequentially on the
// publisher's goroutine; a slow subscriber slows the publish call.
type Subscriber func(ctx context.Context, env envelope.Envelope) error

// Bus is the in-process event bus. Subscribe before Freeze; publish after.
type Bus struct {
	mu     sync.RWMutex
	frozen bool
	subs   map[string][]namedSub
	logger *slog.Logger
}

type namedSub struct {
	name string
	fn   Subscriber
}

func New() *Bus {
	return &Bus{
		subs:   make(map[string][]namedSub),
		logger: slog.Default().With("component", "eventbus"),
	}
}

// Subscribe registers a named subscriber for the full versioned event name
// (e.g. "invoice.approved.v1"). Panics after Freeze.
func (b *Bus) Subscribe(eventName, subscriberName string, fn Subscriber) {
	if _, _, err := envelope.ParseName(eventName); err != nil {
		panic(fmt.Sprintf("eventbus: bad event name %q: %v", eventName, err))
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.frozen {
		panic("eventbus: Subscribe after Freeze")
	}
	b.subs[eventName] = append(b.subs[eventName], namedSub{name: subscriberName, fn: fn})
}

// Freeze makes the subscription table immutable.
func (b *Bus) Freeze() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.frozen = true
}

// Publish delivers a batch to all matching subscribers. Events are delivered
// in aggregate order (sorted by aggregate id, then version) so a subscriber
// observing two events of one aggregate sees them in version order. All
// subscribers are attempted; errors are joined.
func (b *Bus) Publish(ctx context.Context, envs []envelope.Envelope) error {
	if len(envs) == 0 {
		return nil
	}
	ordered := make([]envelope.Envelope, len(envs))
	copy(ordered, envs)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].AggregateID != ordered[j].AggregateID {
			return ordered[i].AggregateID < ordered[j].AggregateID
		}
		return ordered[i].AggregateVersion < ordered[j].AggregateVersion
	})

	var errs []error
	for _, env := range ordered {
		b.mu.RLock()
		subs := b.subs[env.EventName]
		b.mu.RUnlock()
		for _, sub := range subs {
			if err := sub.fn(ctx, env); err != nil {
				b.logger.ErrorContext(ctx, "subscriber failed",
					"event", env.EventName,
					"subscriber", sub.name,
					"aggregate_id", env.AggregateID,
					"error", err,
				)
				errs = append(errs, fmt.Errorf("subscriber %s on %s: %w", sub.name, env.EventName, err))
			}
		}
	}
	return errors.Join(errs...)
}

// SubscriberCount reports how many subscribers listen for the event name.
func (b *Bus) SubscriberCount(eventName string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[eventName])
}

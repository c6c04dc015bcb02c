// Package publisher drains the outbox into the external log. Workers lease
// batches, validate each event against its registered schema, publish, and
// mark the outcome; a reclaim loop rescues rows whose worker died mid-lease
// and a GC loop trims delivered rows past retention.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/keel/pkg/apperr"
	"github.com/Mindburn-Labs/keel/pkg/observability"
	"github.com/Mindburn-Labs/keel/pkg/outbox"
	"github.com/Mindburn-Labs/keel/pkg/retry"
	"github.com/Mindburn-Labs/keel/pkg/schema"
)

// Config tunes the publisher.
type Config struct {
	// TopicPrefix namespaces topics; the topic for an event is
	// "<prefix>.<aggregate_type>".
	TopicPrefix string
	Workers     int
	BatchSize   int
	// LeaseDuration must exceed the worst-case publish time for one batch.
	LeaseDuration time.Duration
	PollInterval  time.Duration
	// Retry shapes the failure backoff written into next_attempt_at.
	Retry retry.Policy
	// PublishRate caps broker writes per second across all workers; zero
	// means unlimited.
	PublishRate rate.Limit
	// GCRetention is how long PUBLISHED rows are kept for audit replay.
	GCRetention     time.Duration
	GCInterval      time.Duration
	ReclaimInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		TopicPrefix:     "keel",
		Workers:         4,
		BatchSize:       100,
		LeaseDuration:   30 * time.Second,
		PollInterval:    500 * time.Millisecond,
		Retry:           retry.DefaultPolicy(),
		GCRetention:     7 * 24 * time.Hour,
		GCInterval:      time.Hour,
		ReclaimInterval: 10 * time.Second,
	}
}

// Publisher runs the worker pool.
type Publisher struct {
	store    outbox.Store
	broker   Broker
	schemas  *schema.Registry
	config   Config
	obs      *observability.Provider
	logger   *slog.Logger
	limiter  *rate.Limiter
	workerID string
	now      func() time.Time
}

type Option func(*Publisher)

// WithClock injects the time source; tests pin it.
func WithClock(now func() time.Time) Option {
	return func(p *Publisher) { p.now = now }
}

// WithObservability attaches tracing and metrics.
func WithObservability(obs *observability.Provider) Option {
	return func(p *Publisher) { p.obs = obs }
}

// WithWorkerID overrides the derived lease owner identity.
func WithWorkerID(id string) Option {
	return func(p *Publisher) { p.workerID = id }
}

func New(store outbox.Store, broker Broker, schemas *schema.Registry, config Config, opts ...Option) *Publisher {
	if config.Workers <= 0 {
		config.Workers = 1
	}
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = 30 * time.Second
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 500 * time.Millisecond
	}
	host, _ := os.Hostname()
	p := &Publisher{
		store:    store,
		broker:   broker,
		schemas:  schemas,
		config:   config,
		obs:      observability.Noop(),
		logger:   slog.Default().With("component", "publisher"),
		workerID: fmt.Sprintf("%s-%s", host, uuid.NewString()[:8]),
		now:      time.Now,
	}
	if config.PublishRate > 0 {
		p.limiter = rate.NewLimiter(config.PublishRate, int(config.PublishRate))
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run blocks until ctx is cancelled, operating the worker pool plus the
// reclaim and GC loops.
func (p *Publisher) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "publisher starting",
		"worker_id", p.workerID,
		"workers", p.config.Workers,
		"batch_size", p.config.BatchSize,
	)
	var wg sync.WaitGroup
	for i := 0; i < p.config.Workers; i++ {
		wg.Add(1)
		owner := fmt.Sprintf("%s-w%d", p.workerID, i)
		go func() {
			defer wg.Done()
			p.workerLoop(ctx, owner)
		}()
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.reclaimLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		p.gcLoop(ctx)
	}()
	wg.Wait()
	p.logger.Info("publisher stopped", "worker_id", p.workerID)
	return ctx.Err()
}

func (p *Publisher) workerLoop(ctx context.Context, owner string) {
	consecutiveFailures := 0
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := p.drainOnce(ctx, owner)
		switch {
		case err != nil:
			consecutiveFailures++
			// Infrastructure trouble: back off the whole loop, not just
			// individual rows, so a dead broker is not hammered.
			pause := p.config.Retry.Backoff(consecutiveFailures - 1)
			p.logger.ErrorContext(ctx, "drain failed",
				"owner", owner, "error", err, "pause", pause)
			sleep(ctx, pause)
		case n == 0:
			consecutiveFailures = 0
			sleep(ctx, p.config.PollInterval)
		default:
			consecutiveFailures = 0
		}
	}
}

// errBrokerUnavailable tags publish failures caused by the broker, so the
// worker loop backs off instead of immediately leasing the next batch and
// burning the backlog's attempt budget during an outage.
var errBrokerUnavailable = errors.New("broker unavailable")

// drainOnce leases one batch and publishes it. Returns the number of rows
// leased; an error means the lease, the loop infrastructure, or the broker
// failed, not an individually bad row.
func (p *Publisher) drainOnce(ctx context.Context, owner string) (int, error) {
	records, err := p.store.Lease(ctx, owner, p.config.BatchSize, p.config.LeaseDuration)
	if err != nil {
		return 0, err
	}
	brokerFailures := 0
	for i, rec := range records {
		if ctx.Err() != nil {
			// Shutting down mid-batch: hand the rest back instead of letting
			// the leases time out.
			remaining := make([]uuid.UUID, 0, len(records)-i)
			for _, r := range records[i:] {
				remaining = append(remaining, r.EventID)
			}
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := p.store.ReleaseLease(releaseCtx, owner, remaining); err != nil {
				p.logger.Error("release lease failed", "owner", owner, "error", err)
			}
			return i, nil
		}
		if err := p.publishOne(ctx, owner, rec); errors.Is(err, errBrokerUnavailable) {
			brokerFailures++
		}
	}
	if brokerFailures > 0 {
		return len(records), fmt.Errorf("%w: %d of %d rows failed to publish", errBrokerUnavailable, brokerFailures, len(records))
	}
	return len(records), nil
}

func (p *Publisher) publishOne(ctx context.Context, owner string, rec outbox.Record) error {
	ctx, finish := p.obs.TrackOperation(ctx, "outbox.publish",
		attribute.String("event", rec.EventName),
		attribute.String("tenant", rec.TenantID),
	)
	err := p.deliver(ctx, owner, rec)
	finish(err)
	return err
}

func (p *Publisher) deliver(ctx context.Context, owner string, rec outbox.Record) error {
	env := rec.Envelope()

	if p.schemas != nil {
		if err := p.schemas.Validate(env.EventName, env.Payload); err != nil {
			// A payload that fails its schema will fail forever; retrying is
			// pointless and would wedge the partition.
			if !apperr.IsRetryable(err) {
				p.logger.ErrorContext(ctx, "event failed schema validation, marking dead",
					"event_id", rec.EventID, "event", rec.EventName, "error", err)
				if derr := p.store.MarkDead(ctx, rec.EventID, owner, err.Error()); derr != nil {
					return p.handleMarkError(ctx, rec, derr)
				}
				return err
			}
			return p.fail(ctx, owner, rec, err)
		}
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	topic := p.config.TopicPrefix + "." + rec.AggregateType
	if err := p.broker.Publish(ctx, topic, env.PartitionKey(), env.Headers(), env.Payload); err != nil {
		return p.fail(ctx, owner, rec, fmt.Errorf("%w: %v", errBrokerUnavailable, err))
	}

	if err := p.store.MarkPublished(ctx, rec.EventID, owner); err != nil {
		return p.handleMarkError(ctx, rec, err)
	}
	return nil
}

func (p *Publisher) fail(ctx context.Context, owner string, rec outbox.Record, cause error) error {
	backoff := p.config.Retry.Backoff(rec.Attempts)
	p.logger.WarnContext(ctx, "publish failed, scheduling retry",
		"event_id", rec.EventID,
		"event", rec.EventName,
		"attempt", rec.Attempts+1,
		"backoff", backoff,
		"error", cause,
	)
	if err := p.store.MarkFailed(ctx, rec.EventID, owner, cause.Error(), backoff); err != nil {
		return p.handleMarkError(ctx, rec, err)
	}
	return cause
}

func (p *Publisher) handleMarkError(ctx context.Context, rec outbox.Record, err error) error {
	if errors.Is(err, outbox.ErrLeaseLost) {
		// The lease expired and another worker owns the row now. At-least-once
		// delivery allows the duplicate; just stop touching the row.
		p.logger.WarnContext(ctx, "lease lost, abandoning row", "event_id", rec.EventID)
		return nil
	}
	return err
}

func (p *Publisher) reclaimLoop(ctx context.Context) {
	interval := p.config.ReclaimInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.store.ReclaimExpired(ctx)
			if err != nil {
				p.logger.ErrorContext(ctx, "reclaim failed", "error", err)
				continue
			}
			if n > 0 {
				p.logger.InfoContext(ctx, "reclaimed expired leases", "rows", n)
			}
		}
	}
}

func (p *Publisher) gcLoop(ctx context.Context) {
	interval := p.config.GCInterval
	if interval <= 0 {
		interval = time.Hour
	}
	retention := p.config.GCRetention
	if retention <= 0 {
		retention = 7 * 24 * time.Hour
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.store.GC(ctx, p.now().Add(-retention))
			if err != nil {
				p.logger.ErrorContext(ctx, "outbox gc failed", "error", err)
				continue
			}
			if n > 0 {
				p.logger.InfoContext(ctx, "outbox gc removed published rows", "rows", n)
			}
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

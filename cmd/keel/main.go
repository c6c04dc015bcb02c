// Command keel operates the runtime's infrastructure: "migrate" prepares the
// database schema and "publish" runs the outbox publisher daemon. The
// application itself links the runtime packages directly; this binary covers
// the pieces that run beside it.
package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/Mindburn-Labs/keel/pkg/audit"
	"github.com/Mindburn-Labs/keel/pkg/config"
	"github.com/Mindburn-Labs/keel/pkg/idempotency"
	"github.com/Mindburn-Labs/keel/pkg/observability"
	"github.com/Mindburn-Labs/keel/pkg/outbox"
	"github.com/Mindburn-Labs/keel/pkg/projector"
	"github.com/Mindburn-Labs/keel/pkg/publisher"
	"github.com/Mindburn-Labs/keel/pkg/retry"
	"github.com/Mindburn-Labs/keel/pkg/uow"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: keel <migrate|publish>")
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "keel: %v\n", err)
		os.Exit(1)
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch os.Args[1] {
	case "migrate":
		err = runMigrate(ctx, cfg, logger)
	case "publish":
		err = runPublish(ctx, cfg, logger)
	default:
		fmt.Fprintf(os.Stderr, "keel: unknown command %q\n", os.Args[1])
		os.Exit(2)
	}
	if err != nil && ctx.Err() == nil {
		logger.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})).
		With("service", cfg.ServiceName, "environment", cfg.Environment)
}

func openDB(cfg *config.Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return db, nil
}

func runMigrate(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	outboxStore := outbox.NewPostgresStore(db, cfg.Outbox.MaxAttempts)
	idemStore := idempotency.NewPostgresStore(db, cfg.Idempotency.TTL)
	manager := uow.NewManager(db, outboxStore, idemStore, uow.WithServiceName(cfg.ServiceName))

	steps := []struct {
		name string
		run  func(context.Context) error
	}{
		{"outbox", outboxStore.Migrate},
		{"aggregate versions", manager.Migrate},
		{"idempotency", idemStore.Migrate},
		{"audit", audit.NewPostgresSink(db).Migrate},
		{"checkpoints", projector.NewPostgresCheckpoints(db).Migrate},
	}
	for _, step := range steps {
		if err := step.run(ctx); err != nil {
			return fmt.Errorf("migrate %s: %w", step.name, err)
		}
		logger.InfoContext(ctx, "migrated", "schema", step.name)
	}
	return nil
}

func runPublish(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	db, err := openDB(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	obs := observability.Noop()
	if cfg.Telemetry.Enabled {
		obs, err = observability.New(ctx, &observability.Config{
			ServiceName:  cfg.ServiceName,
			Environment:  cfg.Environment,
			OTLPEndpoint: cfg.Telemetry.OTLPEndpoint,
			SampleRate:   cfg.Telemetry.SampleRate,
			Enabled:      true,
			Insecure:     cfg.Environment != "production",
		})
		if err != nil {
			return fmt.Errorf("init telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := obs.Shutdown(shutdownCtx); err != nil {
				logger.Error("telemetry shutdown failed", "error", err)
			}
		}()
	}

	broker := publisher.NewKafkaBroker(cfg.KafkaBrokers)
	defer func() { _ = broker.Close() }()

	pubCfg := publisher.DefaultConfig()
	pubCfg.TopicPrefix = cfg.Publisher.TopicPrefix
	pubCfg.Workers = cfg.Publisher.Workers
	pubCfg.BatchSize = cfg.Outbox.BatchSize
	pubCfg.LeaseDuration = cfg.Outbox.LeaseDuration
	pubCfg.GCRetention = cfg.Outbox.GCRetention
	pubCfg.Retry = retry.Policy{
		Base:        cfg.Outbox.BackoffBase,
		Cap:         cfg.Outbox.BackoffCap,
		MaxAttempts: cfg.Outbox.MaxAttempts,
	}

	store := outbox.NewPostgresStore(db, cfg.Outbox.MaxAttempts)
	pub := publisher.New(store, broker, nil, pubCfg, publisher.WithObservability(obs))

	logger.InfoContext(ctx, "outbox publisher starting",
		"brokers", strings.Join(cfg.KafkaBrokers, ","),
		"topic_prefix", cfg.Publisher.TopicPrefix,
	)
	return pub.Run(ctx)
}

package main

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/warp/billing-engine/api"
	"github.com/warp/billing-engine/billing"
	memstore "github.com/warp/billing-engine/billing/store"
	"github.com/warp/billing-engine/config"
	"github.com/warp/billing-engine/events"
	redislock "github.com/warp/billing-engine/lock/redis"
	"github.com/warp/billing-engine/store/postgres"
	"github.com/warp/billing-engine/store/sqlite"
)

// backend is everything the engine runs on, plus how to release it.
type backend struct {
	store     api.Store
	locker    billing.LineLocker
	publisher billing.Publisher
	closers   []func() error
	log       zerolog.Logger
}

func openBackend(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*backend, error) {
	b := &backend{log: log}
	if err := b.openStore(ctx, cfg); err != nil {
		b.Close()
		return nil, err
	}
	if err := b.openLocker(ctx, cfg); err != nil {
		b.Close()
		return nil, err
	}
	if err := b.openPublisher(cfg); err != nil {
		b.Close()
		return nil, err
	}
	return b, nil
}

func (b *backend) openStore(ctx context.Context, cfg *config.Config) error {
	switch cfg.DBDriver {
	case config.DriverMemory:
		b.store = memstore.NewMemory()

	case config.DriverSQLite:
		s, err := sqlite.New(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open sqlite %s: %w", cfg.DBPath, err)
		}
		b.store = s
		b.closers = append(b.closers, s.Close)

	case config.DriverPostgres:
		pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
			URL:      cfg.DatabaseURL,
			MaxConns: cfg.DBMaxConns,
			MinConns: cfg.DBMinConns,
		})
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		s := postgres.New(pool)
		b.closers = append(b.closers, func() error { s.Close(); return nil })
		if err := s.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate postgres: %w", err)
		}
		b.store = s

	default:
		return fmt.Errorf("unknown DB_DRIVER %q", cfg.DBDriver)
	}
	b.log.Info().Str("driver", cfg.DBDriver).Msg("store ready")
	return nil
}

func (b *backend) openLocker(ctx context.Context, cfg *config.Config) error {
	switch cfg.LockBackend {
	case config.LockLocal, "":
		b.locker = billing.NewLocalLocker()
	case config.LockRedis:
		client, err := redislock.Connect(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		b.closers = append(b.closers, client.Close)
		b.locker = redislock.New(client, redislock.WithTTL(cfg.LockTTL))
	default:
		return fmt.Errorf("unknown LOCK_BACKEND %q", cfg.LockBackend)
	}
	b.log.Info().Str("backend", cfg.LockBackend).Msg("line locker ready")
	return nil
}

func (b *backend) openPublisher(cfg *config.Config) error {
	logPub := events.NewLogPublisher(b.log)
	switch cfg.EventsBackend {
	case config.EventsLog, "":
		b.publisher = logPub
	case config.EventsAMQP:
		pub, err := events.DialAMQP(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return err
		}
		b.closers = append(b.closers, pub.Close)
		b.publisher = events.Multi{logPub, pub}
	default:
		return fmt.Errorf("unknown EVENTS_BACKEND %q", cfg.EventsBackend)
	}
	return nil
}

// Engine builds the billing engine over the backend.
func (b *backend) Engine(cfg *config.Config, log zerolog.Logger) *billing.Engine {
	return billing.NewEngine(b.store,
		billing.WithLocker(b.locker),
		billing.WithPublisher(b.publisher),
		billing.WithLogger(log.With().Str("component", "engine").Logger()),
		billing.WithWorkers(cfg.SweepWorkers),
		billing.WithAutoAdvance(cfg.AutoAdvance),
	)
}

// Close releases resources in reverse order of acquisition.
func (b *backend) Close() {
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			b.log.Warn().Err(err).Msg("close failed")
		}
	}
	b.closers = nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/example/shopper-dispatch/internal/acceptance"
	"github.com/example/shopper-dispatch/internal/config"
	"github.com/example/shopper-dispatch/internal/dispatch"
	"github.com/example/shopper-dispatch/internal/eta"
	"github.com/example/shopper-dispatch/internal/feed"
	"github.com/example/shopper-dispatch/internal/geo"
	httpapi "github.com/example/shopper-dispatch/internal/http"
	"github.com/example/shopper-dispatch/internal/ingest"
	"github.com/example/shopper-dispatch/internal/lifecycle"
	"github.com/example/shopper-dispatch/internal/matcher"
	"github.com/example/shopper-dispatch/internal/models"
	"github.com/example/shopper-dispatch/internal/payments"
	"github.com/example/shopper-dispatch/internal/presence"
	"github.com/example/shopper-dispatch/internal/pricing"
	"github.com/example/shopper-dispatch/internal/storage"
)

// app is the wired process. Fields that depend on optional infrastructure
// (redis, kafka) are nil when it is not configured.
type app struct {
	cfg    config.ServerConfig
	logger *slog.Logger

	hub       *feed.Hub
	store     storage.Store
	postgres  *storage.PostgresStore
	redis     *redis.Client
	producer  *ingest.KafkaProducer
	geo       geo.Geo
	lifecycle *lifecycle.Service
	acceptor  *acceptance.Acceptor
	registry  *dispatch.Registry
	server    *httpapi.Server
}

func buildApp(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, hub: feed.NewHub(cfg.FeedBuffer, logger)}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	if cfg.RedisAddr != "" {
		a.redis = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		a.geo = geo.NewRedisGeo(a.redis, cfg.RedisGeoKey)
	} else {
		a.geo = geo.NewIndex()
	}
	if len(cfg.KafkaBrokers) > 0 {
		a.producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaPresenceTopic, cfg.KafkaChangesTopic)
	}

	schedule := pricing.DefaultSchedule()
	if cfg.PricingFile != "" {
		s, err := pricing.LoadSchedule(cfg.PricingFile)
		if err != nil {
			a.Close()
			return nil, err
		}
		schedule = s
	}
	if cfg.Currency != "" {
		schedule.Currency = strings.ToUpper(cfg.Currency)
	}

	opts := []lifecycle.Option{lifecycle.WithLogger(logger)}
	if cfg.StripeAPIKey != "" {
		opts = append(opts, lifecycle.WithPayments(payments.NewStripeClient(cfg.StripeAPIKey, strings.ToLower(schedule.Currency), nil)))
	}
	a.lifecycle = lifecycle.NewService(a.store, schedule, opts...)
	a.acceptor = acceptance.New(a.store, acceptance.Config{Attempts: cfg.AcceptAttempts, Backoff: cfg.AcceptBackoff}, logger)

	estimator := &eta.Estimator{Cache: eta.NewCache(30 * time.Second), SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMURL != "" {
		estimator.Client = eta.NewOSRMClient(cfg.OSRMURL)
	}

	writer := a.presenceWriter()
	a.registry = dispatch.NewRegistry(a.hub, a.acceptor, writer, a.store, dispatch.RegistryConfig{
		Offers: dispatch.Config{
			Window:      cfg.OfferWindow,
			MaxRadiusKm: cfg.OfferMaxRadiusKm,
			MinNet:      models.Money(cfg.OfferMinNet),
			Currency:    schedule.Currency,
		},
		Presence: presence.Config{Attempts: cfg.PresenceAttempts, Backoff: cfg.PresenceBackoff},
		Backfill: cfg.OfferBackfill,
		ETA:      estimator,
	}, logger)

	a.server = httpapi.NewServer(httpapi.Deps{
		Lifecycle: a.lifecycle,
		Acceptor:  a.acceptor,
		Registry:  a.registry,
		Matcher:   &matcher.Service{Geo: a.geo, ETA: estimator, RadiusKm: cfg.OfferMaxRadiusKm, TopN: cfg.MatcherTopN},
		Geo:       a.geo,
		Presence:  writer,
		Schedule:  schedule,
		Ready:     a.ready,
	}, logger)
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	switch a.cfg.StoreBackend {
	case config.BackendPostgres:
		pg, err := storage.NewPostgresStore(ctx, a.cfg.PGDSN, a.logger)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		if a.cfg.RunMigrations {
			if err := pg.Migrate(ctx); err != nil {
				_ = pg.Close()
				return err
			}
			a.logger.Info("postgres schema applied")
		}
		a.store, a.postgres = pg, pg
	case config.BackendSQLite:
		s, err := storage.OpenSQLite(ctx, a.cfg.SQLitePath, a.hub)
		if err != nil {
			return err
		}
		a.store = s
	default:
		a.store = storage.NewMemoryStore(a.hub)
	}
	a.logger.Info("store opened", slog.String("backend", string(a.cfg.StoreBackend)))
	return nil
}

// presenceWriter confirms presence against the canonical store and mirrors
// it to the geo index and, when configured, the presence topic.
func (a *app) presenceWriter() presence.Writer {
	secondary := []presence.Writer{presence.WriterFunc(a.geo.Upsert)}
	if a.producer != nil {
		secondary = append(secondary, presence.WriterFunc(a.producer.PublishPresence))
	}
	return &presence.Fanout{
		Primary:   presence.WriterFunc(a.store.UpsertPresence),
		Secondary: secondary,
		Logger:    a.logger,
	}
}

// feedSource returns what has to be pumped into the hub, or nil when the
// store already publishes its own writes there.
func (a *app) feedSource() feed.Source {
	switch {
	case a.cfg.FeedSource == "kafka":
		return &feed.KafkaSource{
			Brokers: a.cfg.KafkaBrokers,
			Topic:   a.cfg.KafkaChangesTopic,
			GroupID: a.cfg.KafkaGroup,
			Logger:  a.logger,
		}
	case a.postgres != nil:
		return a.postgres
	default:
		return nil
	}
}

// runFeed keeps the hub fed until ctx is done. Mirroring to Kafka happens
// only on the process that reads the store's own feed.
func (a *app) runFeed(ctx context.Context) {
	src := a.feedSource()
	var mirrors []feed.Mirror
	if a.producer != nil && a.cfg.FeedSource != "kafka" {
		mirrors = append(mirrors, a.producer)
	}
	if src == nil {
		if len(mirrors) == 0 {
			return
		}
		// The store publishes to the hub itself; tap the hub for the mirror.
		events, err := a.hub.Subscribe(ctx)
		if err != nil {
			a.logger.Warn("change mirror not started", slog.Any("err", err))
			return
		}
		mirrorChanges(ctx, events, mirrors, a.logger)
		return
	}
	for {
		if err := feed.Relay(ctx, src, a.hub, a.logger, mirrors...); err != nil {
			a.logger.Warn("change feed relay failed", slog.Any("err", err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(2 * time.Second):
			a.logger.Info("restarting change feed relay")
		}
	}
}

func mirrorChanges(ctx context.Context, events <-chan models.ChangeEvent, mirrors []feed.Mirror, logger *slog.Logger) {
	for ev := range events {
		for _, m := range mirrors {
			if err := m.PublishChange(ctx, ev); err != nil {
				logger.Warn("change mirror failed", slog.String("request_id", ev.Request.ID), slog.Any("err", err))
			}
		}
	}
}

func (a *app) ready(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := a.store.GetRequest(ctx, "readiness-probe"); err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("store: %w", err)
	}
	if a.redis != nil {
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis: %w", err)
		}
	}
	return nil
}

// Close releases everything in reverse order of construction.
func (a *app) Close() {
	if a.registry != nil {
		a.registry.Close()
	}
	a.hub.Close()
	if a.producer != nil {
		if err := a.producer.Close(); err != nil {
			a.logger.Warn("kafka producer close", slog.Any("err", err))
		}
	}
	if a.redis != nil {
		_ = a.redis.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("store close", slog.Any("err", err))
		}
	}
}

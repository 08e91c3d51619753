package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/shopper-dispatch/internal/config"
	"github.com/example/shopper-dispatch/internal/geo"
	"github.com/example/shopper-dispatch/internal/logging"
	"github.com/example/shopper-dispatch/internal/models"
	"github.com/example/shopper-dispatch/internal/retry"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_consumer_messages_consumed_total",
		Help: "Total presence messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_consumer_messages_invalid_total",
		Help: "Total invalid presence messages received",
	})
	msgsStale = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_consumer_messages_stale_total",
		Help: "Presence messages older than one already applied",
	})
	geoUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_consumer_geo_updates_total",
		Help: "Total successful geo index updates",
	})
	geoErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "presence_consumer_geo_errors_total",
		Help: "Geo index updates that failed after retries",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, msgsStale, geoUpdates, geoErrors)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel, "presence-consumer")

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	c := &consumer{geo: geo.NewRedisGeo(rc, cfg.RedisGeoKey), attempts: cfg.Attempts, backoff: cfg.Backoff, logger: logger}

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ok"))
		})
		mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
			if err := rc.Ping(r.Context()).Err(); err != nil {
				http.Error(w, "redis not ready", http.StatusServiceUnavailable)
				return
			}
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready"))
		})
		logger.Info("metrics/health listening", "addr", cfg.MetricsAddr)
		if err := http.ListenAndServe(cfg.MetricsAddr, mux); err != nil {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{Brokers: cfg.KafkaBrokers, Topic: cfg.PresenceTopic, GroupID: cfg.Group, MinBytes: 10e3, MaxBytes: 10e6})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.PresenceTopic, "brokers", cfg.KafkaBrokers, "group", cfg.Group)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				logger.Info("shutting down consumer")
				return
			}
			logger.Warn("kafka read error", "error", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}
		backoff = time.Second

		if err := c.handle(ctx, m.Value); err != nil && !errors.Is(err, errStale) {
			logger.Warn("presence message dropped", "offset", m.Offset, "error", err)
		}
	}
}

// GeoUpdater is the part of the geo index the consumer writes to.
type GeoUpdater interface {
	Upsert(ctx context.Context, p models.Presence) error
}

var errStale = errors.New("stale presence")

// consumer applies presence messages to the geo index. Messages are keyed
// by provider so they arrive in order per partition; the last-applied
// timestamps also guard against replays after a rebalance.
type consumer struct {
	geo      GeoUpdater
	attempts int
	backoff  time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	last map[string]time.Time
}

func (c *consumer) handle(ctx context.Context, value []byte) error {
	msgsConsumed.Inc()

	var p models.Presence
	if err := json.Unmarshal(value, &p); err != nil {
		msgsInvalid.Inc()
		return fmt.Errorf("decode presence: %w", err)
	}
	if p.ProviderID == "" {
		msgsInvalid.Inc()
		return errors.New("presence without provider_id")
	}
	if !c.fresh(p) {
		msgsStale.Inc()
		c.logger.Debug("stale presence ignored", "provider_id", p.ProviderID, "updated_at", p.UpdatedAt)
		return errStale
	}

	if err := updateGeoWithRetry(ctx, c.geo, p, c.attempts, c.backoff); err != nil {
		geoErrors.Inc()
		return fmt.Errorf("geo update for provider=%s: %w", p.ProviderID, err)
	}
	c.mark(p)
	geoUpdates.Inc()
	return nil
}

func (c *consumer) fresh(p models.Presence) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev, ok := c.last[p.ProviderID]
	return !ok || p.UpdatedAt.IsZero() || !p.UpdatedAt.Before(prev)
}

func (c *consumer) mark(p models.Presence) {
	if p.UpdatedAt.IsZero() {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.last == nil {
		c.last = make(map[string]time.Time)
	}
	c.last[p.ProviderID] = p.UpdatedAt
}

// updateGeoWithRetry writes p with doubling backoff between attempts.
func updateGeoWithRetry(ctx context.Context, g GeoUpdater, p models.Presence, attempts int, delay time.Duration) error {
	return retry.Do(ctx, attempts, delay, nil, func(ctx context.Context) error {
		return g.Upsert(ctx, p)
	})
}

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type StoreBackend string

const (
	BackendMemory   StoreBackend = "memory"
	BackendSQLite   StoreBackend = "sqlite"
	BackendPostgres StoreBackend = "postgres"
)

// ServerConfig captures all tunable parameters for the dispatch process.
// Values are loaded from the environment (and an optional .env file) with
// defaults that run locally on the in-memory backend.
type ServerConfig struct {
	HTTPAddr        string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	ShutdownTimeout time.Duration

	StoreBackend StoreBackend
	PGDSN        string
	SQLitePath   string

	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string

	KafkaBrokers       []string
	KafkaPresenceTopic string
	KafkaChangesTopic  string
	KafkaGroup         string
	// FeedSource is where offer loops read request changes from: "store"
	// (the backend's own feed) or "kafka" (the mirrored topic).
	FeedSource string
	// FeedBuffer is the per-session event buffer; a session further behind
	// than this loses events.
	FeedBuffer int

	OSRMURL      string
	StripeAPIKey string
	PricingFile  string
	Currency     string

	OfferWindow      time.Duration
	OfferMaxRadiusKm float64
	OfferMinNet      int64
	OfferBackfill    int

	AcceptAttempts   int
	AcceptBackoff    time.Duration
	PresenceAttempts int
	PresenceBackoff  time.Duration
	AutoConfirmAfter time.Duration

	DefaultSpeedMps float64
	MatcherTopN     int

	TracingEnabled bool
	JaegerEndpoint string
	Environment    string

	LogLevel      string
	RunMigrations bool
}

func defaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPAddr:           ":8080",
		ReadTimeout:        5 * time.Second,
		WriteTimeout:       10 * time.Second,
		IdleTimeout:        120 * time.Second,
		ShutdownTimeout:    15 * time.Second,
		StoreBackend:       BackendMemory,
		SQLitePath:         "dispatch.db",
		RedisGeoKey:        "providers_geo",
		KafkaPresenceTopic: "provider-presence",
		KafkaChangesTopic:  "request-changes",
		KafkaGroup:         "shopper-dispatch",
		FeedSource:         "store",
		FeedBuffer:         256,
		Currency:           "USD",
		OfferWindow:        60 * time.Second,
		OfferMaxRadiusKm:   15,
		OfferBackfill:      20,
		AcceptAttempts:     3,
		AcceptBackoff:      200 * time.Millisecond,
		PresenceAttempts:   3,
		PresenceBackoff:    200 * time.Millisecond,
		DefaultSpeedMps:    8,
		MatcherTopN:        8,
		JaegerEndpoint:     "http://localhost:14268/api/traces",
		Environment:        "development",
		LogLevel:           "info",
	}
}

// LoadServerConfig reads the environment. Every invalid value is reported,
// not just the first.
func LoadServerConfig() (ServerConfig, error) {
	var errs []error
	if err := loadDotEnv(); err != nil {
		errs = append(errs, err)
	}
	cfg := defaultServerConfig()

	setStringFromEnv(&cfg.HTTPAddr, "HTTP_ADDR")
	setDurationFromEnv(&cfg.ReadTimeout, "HTTP_READ_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.WriteTimeout, "HTTP_WRITE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.IdleTimeout, "HTTP_IDLE_TIMEOUT", &errs)
	setDurationFromEnv(&cfg.ShutdownTimeout, "HTTP_SHUTDOWN_TIMEOUT", &errs)

	cfg.PGDSN = os.Getenv("PG_DSN")
	setStringFromEnv(&cfg.SQLitePath, "SQLITE_PATH")
	backend := string(cfg.StoreBackend)
	if cfg.PGDSN != "" {
		backend = string(BackendPostgres)
	}
	setStringFromEnv(&backend, "STORE_BACKEND")
	cfg.StoreBackend = StoreBackend(strings.ToLower(backend))

	cfg.RedisAddr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.KafkaPresenceTopic, "KAFKA_PRESENCE_TOPIC")
	setStringFromEnv(&cfg.KafkaChangesTopic, "KAFKA_CHANGES_TOPIC")
	setStringFromEnv(&cfg.KafkaGroup, "KAFKA_GROUP")
	setStringFromEnv(&cfg.FeedSource, "FEED_SOURCE")

	setStringFromEnv(&cfg.OSRMURL, "OSRM_URL")
	cfg.StripeAPIKey = os.Getenv("STRIPE_API_KEY")
	setStringFromEnv(&cfg.PricingFile, "PRICING_FILE")
	setStringFromEnv(&cfg.Currency, "CURRENCY")

	setDurationFromEnv(&cfg.OfferWindow, "OFFER_WINDOW", &errs)
	setFloatFromEnv(&cfg.OfferMaxRadiusKm, "OFFER_MAX_RADIUS_KM", &errs)
	setInt64FromEnv(&cfg.OfferMinNet, "OFFER_MIN_NET", &errs)
	setIntFromEnv(&cfg.OfferBackfill, "OFFER_BACKFILL", &errs)
	setIntFromEnv(&cfg.FeedBuffer, "FEED_BUFFER", &errs)

	setIntFromEnv(&cfg.AcceptAttempts, "ACCEPT_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.AcceptBackoff, "ACCEPT_BACKOFF", &errs)
	setIntFromEnv(&cfg.PresenceAttempts, "PRESENCE_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.PresenceBackoff, "PRESENCE_BACKOFF", &errs)
	setDurationFromEnv(&cfg.AutoConfirmAfter, "AUTO_CONFIRM_AFTER", &errs)

	setFloatFromEnv(&cfg.DefaultSpeedMps, "MATCHER_DEFAULT_SPEED_MPS", &errs)
	setIntFromEnv(&cfg.MatcherTopN, "MATCHER_TOP_N", &errs)

	cfg.TracingEnabled = strings.EqualFold(os.Getenv("TRACING_ENABLED"), "true")
	setStringFromEnv(&cfg.JaegerEndpoint, "JAEGER_ENDPOINT")
	setStringFromEnv(&cfg.Environment, "ENVIRONMENT")

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	cfg.RunMigrations = strings.EqualFold(os.Getenv("MIGRATE"), "true")

	switch cfg.StoreBackend {
	case BackendMemory, BackendSQLite:
	case BackendPostgres:
		if cfg.PGDSN == "" {
			errs = append(errs, fmt.Errorf("STORE_BACKEND=postgres requires PG_DSN"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_BACKEND %q", cfg.StoreBackend))
	}
	switch cfg.FeedSource {
	case "store":
	case "kafka":
		if len(cfg.KafkaBrokers) == 0 {
			errs = append(errs, fmt.Errorf("FEED_SOURCE=kafka requires KAFKA_BROKERS"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown FEED_SOURCE %q", cfg.FeedSource))
	}
	if cfg.OfferWindow <= 0 {
		errs = append(errs, fmt.Errorf("OFFER_WINDOW must be > 0"))
	}
	if cfg.OfferMaxRadiusKm < 0 {
		errs = append(errs, fmt.Errorf("OFFER_MAX_RADIUS_KM must be >= 0"))
	}
	if cfg.AcceptAttempts <= 0 {
		errs = append(errs, fmt.Errorf("ACCEPT_ATTEMPTS must be > 0"))
	}
	if cfg.PresenceAttempts <= 0 {
		errs = append(errs, fmt.Errorf("PRESENCE_ATTEMPTS must be > 0"))
	}
	if cfg.MatcherTopN <= 0 {
		errs = append(errs, fmt.Errorf("MATCHER_TOP_N must be > 0"))
	}
	if cfg.FeedBuffer <= 0 {
		errs = append(errs, fmt.Errorf("FEED_BUFFER must be > 0"))
	}

	return cfg, errors.Join(errs...)
}

// ConsumerConfig is the presence consumer process: Kafka in, Redis out.
type ConsumerConfig struct {
	MetricsAddr   string
	KafkaBrokers  []string
	PresenceTopic string
	Group         string
	RedisAddr     string
	RedisPassword string
	RedisGeoKey   string
	Attempts      int
	Backoff       time.Duration
	LogLevel      string
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	var errs []error
	if err := loadDotEnv(); err != nil {
		errs = append(errs, err)
	}
	cfg := ConsumerConfig{
		MetricsAddr:   ":2112",
		KafkaBrokers:  []string{"localhost:9092"},
		PresenceTopic: "provider-presence",
		Group:         "shopper-dispatch-consumer",
		RedisAddr:     "localhost:6379",
		RedisGeoKey:   "providers_geo",
		Attempts:      3,
		Backoff:       200 * time.Millisecond,
		LogLevel:      "info",
	}

	setStringFromEnv(&cfg.MetricsAddr, "METRICS_ADDR")
	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		cfg.KafkaBrokers = splitAndTrim(brokers)
	}
	setStringFromEnv(&cfg.PresenceTopic, "KAFKA_PRESENCE_TOPIC")
	setStringFromEnv(&cfg.Group, "KAFKA_GROUP")
	setStringFromEnv(&cfg.RedisAddr, "REDIS_ADDR")
	cfg.RedisPassword = os.Getenv("REDIS_PASSWORD")
	setStringFromEnv(&cfg.RedisGeoKey, "REDIS_GEO_KEY")
	setIntFromEnv(&cfg.Attempts, "PRESENCE_ATTEMPTS", &errs)
	setDurationFromEnv(&cfg.Backoff, "PRESENCE_BACKOFF", &errs)
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.LogLevel = strings.ToLower(v)
	}

	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must not be empty"))
	}
	if cfg.Attempts <= 0 {
		errs = append(errs, fmt.Errorf("PRESENCE_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

// loadDotEnv applies .env (or DOTENV_PATH) without overriding variables
// already set. Only the default .env may be missing.
func loadDotEnv() error {
	path := os.Getenv("DOTENV_PATH")
	if path == "" {
		if err := godotenv.Load(".env"); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load .env: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load DOTENV_PATH %s: %w", path, err)
	}
	return nil
}

func setDurationFromEnv(target *time.Duration, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = d
	}
}

func setFloatFromEnv(target *float64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = f
	}
}

func setIntFromEnv(target *int, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.Atoi(v)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setInt64FromEnv(target *int64, key string, errs *[]error) {
	if v := os.Getenv(key); v != "" {
		i, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			*errs = append(*errs, fmt.Errorf("invalid %s: %w", key, err))
			return
		}
		*target = i
	}
}

func setStringFromEnv(target *string, key string) {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		*target = v
	}
}

func splitAndTrim(v string) []string {
	raw := strings.Split(v, ",")
	out := make([]string, 0, len(raw))
	for _, r := range raw {
		r = strings.TrimSpace(r)
		if r == "" {
			continue
		}
		out = append(out, r)
	}
	return out
}

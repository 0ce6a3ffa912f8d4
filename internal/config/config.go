package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// ServerConfig captures all tunable parameters for the HTTP API process.
// Every field has a default so the binary runs locally with in-memory
// stores and no external services.
type ServerConfig struct {
	HTTPAddr        string        `env:"HTTP_ADDR" envDefault:":8080"`
	ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"10s"`
	IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
	ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"15s"`

	RedisAddr     string `env:"REDIS_ADDR"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisGeoKey   string `env:"REDIS_GEO_KEY" envDefault:"drivers_geo"`

	KafkaBrokers     []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic       string   `env:"KAFKA_TOPIC" envDefault:"driver-locations"`
	KafkaNotifyTopic string   `env:"KAFKA_NOTIFY_TOPIC" envDefault:"ride-notifications"`

	PGDSN         string `env:"PG_DSN"`
	RunMigrations bool   `env:"MIGRATE" envDefault:"false"`

	PushEndpoint string `env:"PUSH_ENDPOINT"`
	PushKey      string `env:"PUSH_KEY"`
	StripeAPIKey string `env:"STRIPE_API_KEY"`

	OSRMEndpoint    string        `env:"OSRM_ENDPOINT"`
	ETACacheTTL     time.Duration `env:"ETA_CACHE_TTL" envDefault:"5m"`
	DefaultSpeedMps float64       `env:"DEFAULT_SPEED_MPS" envDefault:"8"`

	MatcherInitialRadiusM float64 `env:"MATCHER_INITIAL_RADIUS_M" envDefault:"200"`
	MatcherMaxSearches    int     `env:"MATCHER_MAX_SEARCHES" envDefault:"5"`
	MatcherTopN           int     `env:"MATCHER_TOP_N" envDefault:"8"`

	FareBase     float64 `env:"FARE_BASE" envDefault:"30"`
	FarePerKm    float64 `env:"FARE_PER_KM" envDefault:"12"`
	FarePerMin   float64 `env:"FARE_PER_MIN" envDefault:"1"`
	FareCurrency string  `env:"FARE_CURRENCY" envDefault:"INR"`

	OTPTTL time.Duration `env:"OTP_TTL" envDefault:"10m"`

	FanoutGapTimeout      time.Duration `env:"FANOUT_GAP_TIMEOUT" envDefault:"2s"`
	FanoutDeliveryTimeout time.Duration `env:"FANOUT_DELIVERY_TIMEOUT" envDefault:"3s"`
	FanoutMaxParallel     int           `env:"FANOUT_MAX_PARALLEL" envDefault:"16"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

func LoadServerConfig() (ServerConfig, error) {
	cfg, err := env.ParseAs[ServerConfig]()
	if err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))
	cfg.KafkaBrokers = splitAndTrim(cfg.KafkaBrokers)
	return cfg, cfg.Validate()
}

// Validate reports every invalid setting at once.
func (c ServerConfig) Validate() error {
	var errs []error
	positive := func(key string, v float64) {
		if v <= 0 {
			errs = append(errs, fmt.Errorf("%s must be > 0", key))
		}
	}
	positive("MATCHER_INITIAL_RADIUS_M", c.MatcherInitialRadiusM)
	positive("MATCHER_MAX_SEARCHES", float64(c.MatcherMaxSearches))
	positive("MATCHER_TOP_N", float64(c.MatcherTopN))
	positive("DEFAULT_SPEED_MPS", c.DefaultSpeedMps)
	positive("OTP_TTL", float64(c.OTPTTL))
	positive("FANOUT_GAP_TIMEOUT", float64(c.FanoutGapTimeout))
	positive("FANOUT_DELIVERY_TIMEOUT", float64(c.FanoutDeliveryTimeout))
	positive("FANOUT_MAX_PARALLEL", float64(c.FanoutMaxParallel))
	if c.FareBase < 0 || c.FarePerKm < 0 || c.FarePerMin < 0 {
		errs = append(errs, fmt.Errorf("fare constants must be >= 0"))
	}
	if c.FareCurrency == "" {
		errs = append(errs, fmt.Errorf("FARE_CURRENCY must be set"))
	}
	if c.RunMigrations && c.PGDSN == "" {
		errs = append(errs, fmt.Errorf("MIGRATE requires PG_DSN"))
	}
	return errors.Join(errs...)
}

// ConsumerConfig configures the presence consumer binary.
type ConsumerConfig struct {
	KafkaBrokers  []string      `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:9092"`
	KafkaTopic    string        `env:"KAFKA_TOPIC" envDefault:"driver-locations"`
	KafkaGroup    string        `env:"KAFKA_GROUP" envDefault:"ride-dispatch-consumer"`
	RedisAddr     string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisGeoKey   string        `env:"REDIS_GEO_KEY" envDefault:"drivers_geo"`
	MetricsAddr   string        `env:"METRICS_ADDR" envDefault:":2112"`
	RetryAttempts int           `env:"CONSUMER_RETRY_ATTEMPTS" envDefault:"3"`
	RetryDelay    time.Duration `env:"CONSUMER_RETRY_DELAY" envDefault:"200ms"`
	LogLevel      string        `env:"LOG_LEVEL" envDefault:"info"`
}

func LoadConsumerConfig() (ConsumerConfig, error) {
	cfg, err := env.ParseAs[ConsumerConfig]()
	if err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	cfg.KafkaBrokers = splitAndTrim(cfg.KafkaBrokers)
	var errs []error
	if len(cfg.KafkaBrokers) == 0 {
		errs = append(errs, fmt.Errorf("KAFKA_BROKERS must list at least one broker"))
	}
	if cfg.RetryAttempts <= 0 {
		errs = append(errs, fmt.Errorf("CONSUMER_RETRY_ATTEMPTS must be > 0"))
	}
	return cfg, errors.Join(errs...)
}

func splitAndTrim(raw []string) []string {
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

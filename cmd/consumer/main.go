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
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/models"
)

var (
	msgsConsumed = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_consumed_total",
		Help: "Total driver presence messages consumed",
	})
	msgsInvalid = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_messages_invalid_total",
		Help: "Total invalid messages received",
	})
	redisUpdates = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_updates_total",
		Help: "Total successful redis updates",
	})
	redisErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "consumer_redis_errors_total",
		Help: "Total redis errors",
	})
)

func init() {
	prometheus.MustRegister(msgsConsumed, msgsInvalid, redisUpdates, redisErrors)
}

// PresenceWriter is the slice of the geo index the consumer writes through.
type PresenceWriter interface {
	Apply(ctx context.Context, driverID string, p geo.Patch) (geo.Change, error)
}

type messageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
}

func main() {
	cfg, err := config.LoadConsumerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	index := geo.NewRedisIndex(rc, cfg.RedisGeoKey)

	go serveMetrics(cfg.MetricsAddr, rc, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.KafkaBrokers,
		Topic:    cfg.KafkaTopic,
		GroupID:  cfg.KafkaGroup,
		MinBytes: 10e3,
		MaxBytes: 10e6,
	})
	defer func() {
		_ = r.Close()
		_ = rc.Close()
	}()

	logger.Info("consumer listening", "topic", cfg.KafkaTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	consume(ctx, r, index, cfg.RetryAttempts, cfg.RetryDelay, logger)
	logger.Info("consumer stopped")
}

func serveMetrics(addr string, rc *redis.Client, logger *slog.Logger) {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	router.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := rc.Ping(r.Context()).Err(); err != nil {
			http.Error(w, "redis not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
	})
	logger.Info("metrics listening", "addr", addr)
	if err := http.ListenAndServe(addr, router); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("metrics server stopped", "err", err)
	}
}

// consume folds presence messages into the index until ctx ends. Only the
// position is written; availability belongs to the ride lifecycle. Read
// failures back off exponentially up to 30s.
func consume(ctx context.Context, r messageReader, w PresenceWriter, attempts int, delay time.Duration, logger *slog.Logger) {
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		m, err := r.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Warn("kafka read failed", "err", err, "backoff", backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			backoff = min(backoff*2, maxBackoff)
			continue
		}
		backoff = time.Second
		msgsConsumed.Inc()

		d, err := decodePresence(m.Value)
		if err != nil {
			msgsInvalid.Inc()
			logger.Warn("invalid presence message", "err", err, "offset", m.Offset)
			continue
		}
		if err := applyWithRetry(ctx, w, d.DriverID, positionPatch(d), attempts, delay); err != nil {
			redisErrors.Inc()
			logger.Error("presence update failed", "driver_id", d.DriverID, "err", err)
			continue
		}
		redisUpdates.Inc()
	}
}

func decodePresence(b []byte) (models.DriverPresence, error) {
	var d models.DriverPresence
	if err := json.Unmarshal(b, &d); err != nil {
		return d, fmt.Errorf("decode presence: %w", err)
	}
	if d.DriverID == "" {
		return d, fmt.Errorf("%w: missing driver_id", models.ErrInvalidInput)
	}
	if err := d.Loc.Validate(); err != nil {
		return d, err
	}
	return d, nil
}

func positionPatch(d models.DriverPresence) geo.Patch {
	loc := d.Loc
	return geo.Patch{Loc: &loc, At: d.Updated}
}

// applyWithRetry doubles delay after each failed attempt. Invalid input is
// not retried.
func applyWithRetry(ctx context.Context, w PresenceWriter, driverID string, p geo.Patch, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if _, err = w.Apply(ctx, driverID, p); err == nil {
			return nil
		}
		if errors.Is(err, models.ErrInvalidInput) {
			return err
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return err
}

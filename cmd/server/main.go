package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/example/ride-dispatch/internal/arbiter"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/dispatch"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/ingest"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/matcher"
	"github.com/example/ride-dispatch/internal/otp"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/rides"
	"github.com/example/ride-dispatch/internal/service"
	"github.com/example/ride-dispatch/internal/storage"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var closers []func() error
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("close failed", "error", err)
			}
		}
	}()

	var index geo.Index
	if cfg.RedisAddr != "" {
		rc := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, rc.Close)
		index = geo.NewRedisIndex(rc, cfg.RedisGeoKey)
		logger.Info("geo index", "backend", "redis", "addr", cfg.RedisAddr)
	} else {
		index = geo.NewMemoryIndex()
		logger.Info("geo index", "backend", "memory")
	}

	var (
		store    storage.RideStore
		payStore storage.PaymentStore
		ratings  storage.RatingStore
	)
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("open postgres: %w", err)
		}
		closers = append(closers, ps.Close)
		if cfg.RunMigrations {
			if err := ps.Migrate(ctx); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migrations applied")
		}
		store = ps
		payStore = storage.NewPostgresPayments(ps.DB())
		ratings = storage.NewPostgresRatings(ps.DB())
	} else {
		store = storage.NewMemoryStore()
		payStore = storage.NewMemoryPayments()
		ratings = storage.NewMemoryRatings()
	}

	var sink dispatch.Sink
	switch {
	case len(cfg.KafkaBrokers) > 0:
		ks := dispatch.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaNotifyTopic)
		closers = append(closers, ks.Close)
		sink = ks
	case cfg.PushEndpoint != "":
		sink = dispatch.NewPushSink(cfg.PushEndpoint, cfg.PushKey)
	default:
		sink = &dispatch.LogSink{Logger: logger}
	}

	var recorder rides.PaymentRecorder = payments.NewStoreRecorder(payStore)
	if cfg.StripeAPIKey != "" {
		recorder = payments.NewStripeRecorder(cfg.StripeAPIKey, payStore, logger)
	}

	var routing eta.Client = eta.Linear{SpeedMps: cfg.DefaultSpeedMps}
	if cfg.OSRMEndpoint != "" {
		routing = &eta.Cached{
			Client:   eta.NewOSRMClient(cfg.OSRMEndpoint),
			Cache:    eta.NewCache(cfg.ETACacheTTL),
			SpeedMps: cfg.DefaultSpeedMps,
		}
	}

	dir := dispatch.NewDirectory()
	fan := dispatch.NewFanout(dir, sink, logger, dispatch.Options{
		GapTimeout:      cfg.FanoutGapTimeout,
		DeliveryTimeout: cfg.FanoutDeliveryTimeout,
		MaxParallel:     cfg.FanoutMaxParallel,
	})

	manager := rides.NewManager(rides.Deps{
		Store:    store,
		Presence: index,
		Matcher: &matcher.Service{
			Geo:            index,
			InitialRadiusM: cfg.MatcherInitialRadiusM,
			MaxSearches:    cfg.MatcherMaxSearches,
			TopN:           cfg.MatcherTopN,
		},
		Fare:     fare.NewEstimator(cfg.FareBase, cfg.FarePerKm, cfg.FarePerMin),
		ETA:      routing,
		Payments: recorder,
		Ratings:  ratings,
		Notifier: fan,
		Logger:   logger,
		Currency: cfg.FareCurrency,
	})
	arb := arbiter.New(manager, index, store, cfg.OTPTTL, logger)
	svc := service.New(manager, arb, otp.NewGate(manager), index, fan, logger)

	var presence httpapi.PresencePublisher
	if len(cfg.KafkaBrokers) > 0 {
		producer := ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		closers = append(closers, producer.Close)
		presence = producer
	}

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      httpapi.NewServer(svc, dir, presence, logger),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := fan.Wait(shutdownCtx); err != nil {
		logger.Warn("pending notifications dropped", "error", err)
	}
	return nil
}

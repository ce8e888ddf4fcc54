package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"bookwise/internal/api"
	"bookwise/internal/availability"
	"bookwise/internal/booking"
	"bookwise/internal/cache"
	"bookwise/internal/config"
	"bookwise/internal/database"
	"bookwise/internal/events"
	"bookwise/internal/lock"
	"bookwise/internal/metrics"
	"bookwise/internal/models"
	"bookwise/internal/otelx"
	"bookwise/internal/schedule"
	"bookwise/internal/slots"
	"bookwise/internal/store"
)

// catalogHorizonDays is how far ahead availability is dropped after a catalog change.
const catalogHorizonDays = 90

func main() {
	if err := config.LoadDotEnv(); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}

	cfg, err := config.Load(config.Path())
	if err != nil {
		bootstrap := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
		bootstrap.Fatal().Err(err).Msg("failed to load config")
	}
	logger := newLogger(cfg.Logging.Level, cfg.Logging.Format)

	loc, err := cfg.Location()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid timezone")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otelShutdown, err := otelx.Setup(ctx, otelx.Config{
		Enabled:      cfg.Tracing.Enabled,
		ServiceName:  cfg.Tracing.ServiceName,
		OTLPEndpoint: cfg.Tracing.Endpoint,
		SampleRatio:  cfg.Tracing.SampleRatio,
	})
	if err != nil {
		logger.Error().Err(err).Msg("otel setup failed")
	} else {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = otelShutdown(shutdownCtx)
		}()
	}

	db, err := database.Open(ctx, cfg.Database.Driver, cfg.Database.DSN, &logger, database.WithLocation(loc))
	if err != nil {
		logger.Fatal().Err(err).Msg("open db error")
	}
	defer db.Close()

	backups := database.NewBackupService(db, database.BackupConfig{
		Enabled:       cfg.Database.Backup.Enabled,
		Interval:      cfg.BackupInterval(),
		StoragePath:   cfg.Database.Backup.Path,
		RetentionDays: cfg.Database.Backup.RetentionDays,
	}, &logger)
	go backups.Start(ctx)

	var (
		st  store.Store
		rdb *redis.Client
	)
	if cfg.Redis.Address != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Address, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		st = store.NewRedis(rdb, cfg.Redis.KeyPrefix)
	} else {
		logger.Warn().Msg("redis.address is empty, using in-process store; locks are not shared between instances")
		st = store.NewMemory()
	}

	timeouts := cfg.StoreTimeouts()
	instanceID := uuid.NewString()
	bus := events.NewBus(instanceID, &logger)

	coordinator := cache.New(st, &logger,
		cache.WithTTL(cfg.CacheTTL()),
		cache.WithTimeout(timeouts.Read),
		cache.WithComputeTimeout(timeouts.Read),
	)
	locks := lock.NewManager(st, &logger,
		lock.WithDefaultTTL(cfg.LockTTL()),
		lock.WithTimeout(timeouts.Write),
		lock.WithRetryPolicy(cfg.LockRetry()),
	)

	open, closeAt := cfg.DefaultHours()
	calc := availability.NewCalculator(db, schedule.NewResolver(open, closeAt), slots.NewGenerator(cfg.Granularity()), coordinator, &logger,
		availability.WithLockInspector(locks),
		availability.WithReadTimeout(timeouts.Read),
		availability.WithMinAdvance(cfg.MinAdvance()),
	)
	bookings := booking.NewService(calc, locks, db, cfg.LockTTL(), &logger,
		booking.WithPublisher(bus),
		booking.WithTimeouts(timeouts),
	)

	readyChecks := []api.ReadyCheck{
		{Name: "db", Check: db.PingContext},
		{Name: "store", Check: st.Ping},
	}

	if cfg.KafkaEnabled() {
		brokers := events.SplitBrokers(cfg.Kafka.Brokers)
		publisher := events.NewKafkaPublisher(brokers, cfg.Kafka.Topic, &logger)
		defer publisher.Close()
		bus.Subscribe(events.AllTypes, publisher.Handle)

		groupID := cfg.Kafka.GroupID
		if groupID == "" {
			groupID = "bookwise"
		}
		// Every instance must see every event, so each gets its own group.
		consumer := events.NewKafkaConsumer(brokers, cfg.Kafka.Topic, groupID+"-"+instanceID, instanceID,
			events.InvalidationHandler(calc, loc), &logger)
		defer consumer.Close()
		go func() {
			if err := consumer.Run(ctx); err != nil {
				logger.Error().Err(err).Msg("kafka consumer stopped")
			}
		}()
		readyChecks = append(readyChecks, api.ReadyCheck{Name: "kafka", Check: events.ReadyCheck(brokers)})
	}

	syncCatalog := func(shops *config.ShopsConfig) {
		refs, err := db.SyncShops(ctx, shops)
		if err != nil {
			logger.Error().Err(err).Msg("shops catalog sync failed")
			return
		}
		today := time.Now().In(loc)
		for _, ref := range refs {
			if err := calc.InvalidateDays(ctx, ref.TenantID, ref.ShopID, today, catalogHorizonDays); err != nil {
				logger.Warn().Err(err).Str("tenant_id", ref.TenantID).Str("shop_id", ref.ShopID).Msg("availability invalidation after sync failed")
			}
			bus.Publish(ctx, events.Event{
				Type:     events.AvailabilityInvalidated,
				TenantID: ref.TenantID,
				ShopID:   ref.ShopID,
				Day:      today.Format(models.DayLayout),
				Days:     catalogHorizonDays,
			})
		}
	}
	if err := config.WatchShops(ctx, cfg.ShopsPath(), cfg.ShopsWatchInterval(), &logger, syncCatalog); err != nil {
		logger.Fatal().Err(err).Str("path", cfg.ShopsPath()).Msg("failed to load shops config")
	}

	if cfg.Monitoring.HealthCheckPort == 0 {
		cfg.Monitoring.HealthCheckPort = 8090
	}
	go startHealthServer(ctx, cfg.Monitoring.HealthCheckPort, readyChecks, &logger)

	if cfg.Monitoring.PrometheusEnabled {
		if cfg.Monitoring.PrometheusPort == 0 {
			cfg.Monitoring.PrometheusPort = 9090
		}
		metrics.Register()
		go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, &logger)
	}

	server := api.NewHTTPServer(api.Config{
		Port:     cfg.ServerPort(),
		APIKeys:  cfg.Server.APIKeys,
		RPS:      cfg.Server.RateLimit.RPS,
		Burst:    cfg.Server.RateLimit.Burst,
		Location: loc,
	}, calc, bookings, &logger, api.WithPublisher(bus))

	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(ctxShutdown); err != nil {
			logger.Error().Err(err).Msg("api server shutdown")
		}
	}()

	logger.Info().Str("instance_id", instanceID).Str("timezone", loc.String()).Msg("bookwise started")
	if err := server.Start(); err != nil {
		logger.Error().Err(err).Msg("api server error")
	}
	logger.Info().Msg("bookwise stopped")
}

func newLogger(level, format string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if format == "json" {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger.Level(lvl).With().Timestamp().Str("service", "bookwise").Logger()
}

func startHealthServer(ctx context.Context, port int, checks []api.ReadyCheck, logger *zerolog.Logger) {
	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: api.NewHealthMux(checks...), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("health server error")
	}
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: fmt.Sprintf(":%d", port), Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error().Err(err).Msg("metrics server error")
	}
}

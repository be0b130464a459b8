package main

import (
	"context"
	"errors"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"example.com/fittrack/internal/api"
	"example.com/fittrack/internal/auth"
	"example.com/fittrack/internal/config"
	"example.com/fittrack/internal/domain"
	"example.com/fittrack/internal/migrations"
	"example.com/fittrack/internal/outbox"
	"example.com/fittrack/internal/persistence/memory"
	"example.com/fittrack/internal/persistence/postgres"
	"example.com/fittrack/internal/persistence/sqlite"
	"example.com/fittrack/internal/stream"
	httptransport "example.com/fittrack/internal/transport/http"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	policy, err := domain.ParseDisplacementPolicy(cfg.TrackingDisplacement)
	if err != nil {
		log.Fatalf("invalid TRACKING_DISPLACEMENT: %v", err)
	}

	store, pool, closeStore := openStore(ctx, cfg)
	defer closeStore()

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer redisClient.Close()
	}
	hub := stream.NewHub(ctx, redisClient)

	tracking := domain.NewTrackingManager(store,
		domain.WithDisplacementPolicy(policy),
		domain.WithMaxSessionAge(cfg.TrackingMaxSessionAge),
		domain.WithNotifier(stream.NewNotifier(hub, api.EncodeTrackingUpdate)),
	)
	service := domain.NewService(store, tracking)

	var dispatcher *outbox.Dispatcher
	if pool != nil && len(cfg.KafkaBrokers) > 0 {
		producer := outbox.NewKafkaProducer(cfg.KafkaBrokers)
		defer producer.Close()

		dispatcher = outbox.NewDispatcher(pool, producer, cfg.OutboxPollInterval, cfg.OutboxBatchSize,
			outbox.WithDLQ(outbox.NewDLQWriter(pool, cfg.DLQBaseDelay)))
		go dispatcher.Start(ctx)
	} else if pool != nil {
		log.Printf("KAFKA_BROKERS not set; outbox events stay queued in postgres")
	}

	handler := api.NewHandler(service, api.WithHub(hub), api.WithAllowedOrigins(cfg.CORSOrigins...))
	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("/metrics", promhttp.Handler())

	authMiddleware := auth.NewMiddleware(auth.Config{Secret: cfg.JWTSecret, Issuer: cfg.JWTIssuer}, auth.PublicPaths)

	server := httptransport.NewServer(httptransport.DefaultServerConfig(cfg.HTTPAddress),
		httptransport.Chain(mux,
			httptransport.RequestLogger(nil),
			httptransport.CORS(cfg.CORSOrigins),
			authMiddleware.Wrap,
		))

	shutdownCh := make(chan os.Signal, 1)
	signal.Notify(shutdownCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		log.Printf("fittrack api listening on %s (store=%s, policy=%s)", cfg.HTTPAddress, cfg.StoreDriver, policy)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-shutdownCh
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	if dispatcher != nil {
		dispatcher.Wait()
	}
}

// openStore selects the ActivityStore named by STORE_DRIVER. pool is non-nil only for postgres.
func openStore(ctx context.Context, cfg config.Config) (domain.ActivityStore, *pgxpool.Pool, func()) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		pool, err := pgxpool.New(ctx, cfg.PostgresURL)
		if err != nil {
			log.Fatalf("failed to connect to postgres: %v", err)
		}
		if err := migrations.Postgres(pool); err != nil {
			pool.Close()
			log.Fatalf("failed to migrate postgres: %v", err)
		}
		return postgres.NewRepository(pool), pool, pool.Close
	case config.DriverSQLite:
		store, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			log.Fatalf("failed to open sqlite: %v", err)
		}
		return store, nil, closer(store)
	case config.DriverMemory:
		log.Printf("using in-memory store; activities are lost on restart")
		return memory.New(), nil, func() {}
	default:
		log.Fatalf("unknown STORE_DRIVER %q", cfg.StoreDriver)
		return nil, nil, nil
	}
}

func closer(c io.Closer) func() {
	return func() {
		if err := c.Close(); err != nil {
			log.Printf("close store: %v", err)
		}
	}
}

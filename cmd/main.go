/**
 * @description
 * This is the main entry point for the settlement-service. It is responsible
 * for initializing all components of the service, including configuration,
 * storage, the payment driver registry, the message broker producer, the
 * confirmation tracker, the outbox dispatcher, the reconciliation scheduler,
 * and the HTTP server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: Redis client for submission rate limiting.
 * - internal/api, internal/app, internal/config, internal/driver, internal/store: Internal packages.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/gridmarket/settlement-service/internal/api"
	"github.com/gridmarket/settlement-service/internal/app"
	"github.com/gridmarket/settlement-service/internal/config"
	"github.com/gridmarket/settlement-service/internal/domain"
	"github.com/gridmarket/settlement-service/internal/driver"
	"github.com/gridmarket/settlement-service/internal/driver/testdriver"
	"github.com/gridmarket/settlement-service/internal/store"
	rmrabbit "github.com/gridmarket/settlement-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if cfg.InternalAPIKey == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting settlement-service\" port=%s", cfg.ServerPort)

	// Storage. An empty DATABASE_URL selects the in-memory repository; useful
	// for local development but all state is lost on restart.
	var repository store.Repository
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"DATABASE_URL not set; using in-memory repository\"")
		repository = store.NewMemoryRepository()
	} else {
		poolConfig, parseErr := pgxpool.ParseConfig(cfg.DatabaseURL)
		if parseErr != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", parseErr)
		}

		poolConfig.MaxConns = 50
		poolConfig.MinConns = 5
		poolConfig.MaxConnLifetime = 30 * time.Minute
		poolConfig.MaxConnIdleTime = 5 * time.Minute

		// Disable prepared statement caching to prevent conflicts behind
		// connection poolers.
		poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

		dbpool, connErr := pgxpool.NewWithConfig(context.Background(), poolConfig)
		if connErr != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", connErr)
		}
		defer dbpool.Close()
		log.Println("level=info component=bootstrap msg=\"database connected\"")

		// Ensure required tables exist (idempotent)
		if err := store.EnsureSchema(context.Background(), dbpool); err != nil {
			log.Printf("level=warn component=bootstrap msg=\"failed ensuring tables (may already exist)\" err=%v", err)
		}
		repository = store.NewPostgresRepository(dbpool)
	}

	// Initialize the RabbitMQ producer for settlement and drift events. A
	// missing broker degrades to the fallback publisher: outbox rows stay
	// unpublished and are redelivered once the broker is back.
	var producer rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
		producer = rabbitProducer
	}

	// Build the payment driver registry. Drivers are registered once at boot
	// and the registry is frozen before any submission can reach it.
	builder := driver.NewRegistryBuilder()
	if cfg.TestLedgerEnabled {
		testDriver := testdriver.New()
		for _, raw := range strings.Split(cfg.TestLedgerPlatforms, ",") {
			platform, parseErr := domain.ParsePlatform(strings.TrimSpace(raw))
			if parseErr != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"invalid test ledger platform\" value=%q err=%v", raw, parseErr)
			}
			if regErr := builder.Register(platform, testDriver); regErr != nil {
				log.Fatalf("level=fatal component=bootstrap msg=\"driver registration failed\" platform=%s err=%v", platform, regErr)
			}
		}
	}
	registry := builder.Freeze()
	if len(registry.Platforms()) == 0 {
		log.Println("level=warn component=bootstrap msg=\"no payment drivers registered; all submissions will be rejected\"")
	}

	// Confirmation tracker: workers that drive transactions from pending to a
	// terminal state. Start recovers any in-flight transactions left behind by
	// a previous run.
	tracker := app.NewTracker(repository, registry, app.TrackerConfig{
		Workers:           cfg.TrackerWorkers,
		DriverCallTimeout: time.Duration(cfg.DriverCallTimeoutSec) * time.Second,
		PollInterval:      time.Duration(cfg.StatusPollIntervalMs) * time.Millisecond,
		MaxSubmitAttempts: cfg.SubmitMaxAttempts,
		BackoffBase:       time.Duration(cfg.SubmitBackoffBaseMs) * time.Millisecond,
		BackoffCap:        time.Duration(cfg.SubmitBackoffCapSec) * time.Second,
	})

	rootCtx, cancelRoot := context.WithCancel(context.Background())
	defer cancelRoot()

	if err := tracker.Start(rootCtx); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"tracker start failed\" err=%v", err)
	}
	defer tracker.Stop()

	// Initialize the core application service with its dependencies.
	settlementService := app.NewService(repository, registry, tracker)

	// Optional Redis-backed submission rate limiting.
	if cfg.SubmitRateLimitPerMinute > 0 {
		if cfg.RedisURL == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; submission rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; submission rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient := redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				pingErr := redisClient.Ping(pingCtx).Err()
				cancelPing()
				if pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; submission rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
					settlementService.SetSubmissionRateLimiter(
						app.NewRedisSubmissionRateLimiter(redisClient, cfg.RedisRateLimitPrefix),
						cfg.SubmitRateLimitPerMinute,
					)
				}
			}
		}
	}

	// Outbox dispatcher publishes settlement events committed alongside
	// terminal transitions.
	dispatcher := app.NewOutboxDispatcher(repository, producer, cfg.EventExchange)
	go dispatcher.Run(rootCtx)

	// Periodic reconciliation and allocation expiry on the cron scheduler.
	reconciler := app.NewReconciler(repository, registry, producer, cfg.EventExchange, cfg.TreasuryAccount, cfg.Tolerance())
	scheduler := app.NewCronScheduler(reconciler)
	scheduler.Start(rootCtx, cfg.ReconcileSchedule, cfg.AllocationExpirySchedule)
	defer scheduler.Stop()

	// Set up the HTTP router and start the server.
	handlers := api.NewHandlers(settlementService)
	router := api.Routes(handlers, cfg.InternalAPIKey)

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	cancelRoot()
	log.Println("level=info component=http msg=\"shutdown complete\"")
}

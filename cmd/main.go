/**
 * @description
 * This is the main entry point for the card-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, message broker, repositories, the core application service, the
 * outbox dispatcher, and the HTTP server. It wires everything together and
 * starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
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

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/korecard/card-service/internal/api"
	"github.com/korecard/card-service/internal/app"
	"github.com/korecard/card-service/internal/config"
	"github.com/korecard/card-service/internal/store"
	kcrabbit "github.com/korecard/card-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.JWTSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"jwt secret must be configured\" env=JWT_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting card-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Apply the schema. Idempotent; safe on every boot.
	if err := store.Migrate(context.Background(), dbpool); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"schema migration failed\" err=%v", err)
	}

	// Initialize the RabbitMQ producer used by the outbox dispatcher. A broker
	// outage at boot degrades to the fallback publisher; the outbox retains
	// every event until delivery succeeds.
	var publisher kcrabbit.Publisher
	rabbitProducer, err := kcrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		publisher = &kcrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		publisher = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Redis backs the per-actor command rate limiter. Optional.
	var redisClient *redis.Client
	if cfg.CommandRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; command rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; command rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; command rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
					redisClient = nil
				} else {
					defer redisClient.Close()
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	cardService := app.NewService(
		repository,
		cfg.CreditPolicy(),
		time.Duration(cfg.IdempotencyTTLHours)*time.Hour,
	)

	var rateLimiter *app.RedisCommandRateLimiter
	if redisClient != nil {
		rateLimiter = app.NewRedisCommandRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}

	// Initialize the API handlers.
	cardHandlers := api.NewCardHandlers(cardService)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/", api.CardRoutes(cardHandlers, api.RouterOptions{
		JWTSecret:                 cfg.JWTSecret,
		RateLimiter:               rateLimiter,
		CommandRateLimitPerMinute: cfg.CommandRateLimitPerMinute,
	}))

	// Background workers share one cancellable context.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	// Start the outbox dispatcher.
	dispatcher := app.NewDispatcher(repository, publisher, app.DispatcherOptions{
		Exchange:    cfg.OutboxExchange,
		BatchSize:   cfg.OutboxBatchSize,
		MaxAttempts: cfg.OutboxMaxAttempts,
		BackoffBase: time.Duration(cfg.OutboxBackoffBaseSeconds) * time.Second,
		BackoffCap:  time.Duration(cfg.OutboxBackoffCapSeconds) * time.Second,
	})
	go dispatcher.Run(workerCtx, time.Duration(cfg.OutboxPollIntervalSeconds)*time.Second)

	// Sweep expired idempotency records periodically. Lookups already treat
	// expired records as absent; the sweep just reclaims storage.
	go func() {
		interval := time.Duration(cfg.IdempotencySweepIntervalMinutes) * time.Minute
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C:
				deleted, err := repository.DeleteExpiredIdempotencyRecords(workerCtx, time.Now().UTC())
				if err != nil {
					log.Printf("level=warn component=idempotency_sweeper msg=\"sweep failed\" err=%v", err)
					continue
				}
				if deleted > 0 {
					log.Printf("level=info component=idempotency_sweeper msg=\"expired records removed\" count=%d", deleted)
				}
			}
		}
	}()

	// Start the HTTP server.
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

	stopWorkers()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

/**
 * @description
 * This is the main entry point for the payment-service. It is responsible for
 * initializing all components of the service, including configuration,
 * database connection, external API clients, message brokers, the payment
 * store, the engine with its worker pool and scheduled jobs, and the HTTP
 * server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, log/slog, net/http: Standard Go libraries.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages.
 * - pkg/accountclient, pkg/ledgerclient, pkg/ratesclient, pkg/streamclient,
 *   pkg/rabbitmq: Clients for external capabilities.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
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
	"github.com/streampay/payment-service/internal/api"
	"github.com/streampay/payment-service/internal/app"
	"github.com/streampay/payment-service/internal/config"
	"github.com/streampay/payment-service/internal/store"
	"github.com/streampay/payment-service/pkg/accountclient"
	"github.com/streampay/payment-service/pkg/ledgerclient"
	"github.com/streampay/payment-service/pkg/rabbitmq"
	"github.com/streampay/payment-service/pkg/ratesclient"
	"github.com/streampay/payment-service/pkg/streamclient"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	log.Printf("level=info component=bootstrap msg=\"starting payment-service\" port=%s workers=%d", cfg.ServerPort, cfg.WorkerCount)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	// Size the pool for the worker pool plus API traffic; workers hold a
	// connection for the duration of one locked transition.
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

	// Initialize the RabbitMQ producer to publish lifecycle events. A broker
	// outage degrades to the no-op fallback rather than blocking startup.
	var producer rabbitmq.Publisher
	eventProducer, err := rabbitmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rabbitmq.EventProducerFallback{}
	} else {
		defer eventProducer.Close()
		producer = eventProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the clients for the remote capabilities.
	ledgerClient := ledgerclient.NewClient(cfg.LedgerAPIBaseURL, cfg.LedgerAPIKey)
	streamClient := streamclient.NewClient(cfg.StreamAPIBaseURL, cfg.StreamAPIKey)
	accountClient := accountclient.NewClient(cfg.AccountServiceURL, cfg.AccountServiceInternalAPIKey)

	var rates app.RatesService = ratesclient.NewClient(cfg.RatesAPIBaseURL)

	// Optional Redis price cache in front of the rates service.
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; price caching disabled\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; price caching disabled\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				rates = &app.CachedRatesService{
					Inner:  rates,
					Cache:  app.NewRedisPriceCache(redisClient, cfg.PriceCachePrefix, time.Duration(cfg.PriceCacheTTLSeconds)*time.Second),
					Logger: logger,
				}
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
			cancelPing()
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the engine with its dependencies record.
	service := app.NewService(app.Deps{
		Repo:        repository,
		Accounting:  ledgerClient,
		Rates:       rates,
		Streaming:   &app.StreamService{Client: streamClient},
		SubAccounts: &app.SubAccountClient{Client: accountClient},
		Plugins:     &app.StreamPluginFactory{Client: streamClient},
		Events:      producer,
		Logger:      logger,
		Config: app.EngineConfig{
			Slippage:           cfg.Slippage,
			QuoteLifespan:      time.Duration(cfg.QuoteLifespanMS) * time.Millisecond,
			MaxQuoteAttempts:   cfg.MaxQuoteAttempts,
			MaxSendAttempts:    cfg.MaxSendAttempts,
			WorkerIdleInterval: time.Duration(cfg.WorkerIdleIntervalMS) * time.Millisecond,
			WorkerCount:        cfg.WorkerCount,
			BackoffBase:        time.Duration(cfg.BackoffBaseMS) * time.Millisecond,
			BackoffMax:         time.Duration(cfg.BackoffMaxMS) * time.Millisecond,
		},
	})

	// Start the worker pool.
	workerCtx, stopWorkers := context.WithCancel(context.Background())
	pool := app.NewWorkerPool(service)
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		pool.Run(workerCtx)
	}()

	// Wire the settlement consumer: accounting publishes transfer.settled
	// events; the engine wakes Sending payments so progress lands promptly.
	// The dispatch loop shares the worker shutdown context.
	settledConsumer := app.NewTransferSettledConsumer(repository, logger)
	rabbitConsumer, err := rabbitmq.NewEventConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; settlement wakeups disabled\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		handlers := map[string]rabbitmq.MessageHandler{
			"transfer.settled.stream": settledConsumer.HandleMessage,
			"transfer.settled.book":   settledConsumer.HandleMessage,
		}
		if err := rabbitConsumer.Subscribe(workerCtx, "ledger_events", cfg.TransferEventQueue, handlers); err != nil {
			log.Printf("level=warn component=bootstrap msg=\"settlement consumer start failed\" err=%v", err)
		}
	}

	// Start the background jobs.
	jobs := app.NewJobs(repository, logger, nil, time.Duration(cfg.StaleAfterMinutes)*time.Minute)
	scheduler := app.NewScheduler(jobs, logger)
	scheduler.Start(app.SchedulerConfig{
		QuoteExpirySchedule: cfg.QuoteExpirySchedule,
		StaleAuditSchedule:  cfg.StaleAuditSchedule,
	})

	// Initialize the API handlers and router.
	paymentHandlers := api.NewPaymentHandlers(service)
	router := chi.NewRouter()
	router.Mount("/payments", api.PaymentRoutes(paymentHandlers, cfg.JWKSURL, cfg.InternalAPIKey))

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

	// Stop the workers first so row locks release before the pool closes.
	stopWorkers()
	select {
	case <-workersDone:
	case <-time.After(15 * time.Second):
		log.Println("level=warn component=bootstrap msg=\"workers did not drain in time\"")
	}
	<-scheduler.Stop().Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

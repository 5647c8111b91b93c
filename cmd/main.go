/**
 * @description
 * This is the main entry point for the ledger-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, the payment gateway client, message broker, repositories, the
 * core application service, the reconciliation schedule, and the HTTP server.
 * It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/robfig/cron/v3: In-process reconciliation schedule.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/paygateclient: Client for the payment gateway API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 * - pkg/slackhook: Alert delivery.
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

	"github.com/critiquehub/ledger-service/internal/api"
	"github.com/critiquehub/ledger-service/internal/app"
	"github.com/critiquehub/ledger-service/internal/config"
	"github.com/critiquehub/ledger-service/internal/store"
	"github.com/critiquehub/ledger-service/pkg/paygateclient"
	rmrabbit "github.com/critiquehub/ledger-service/pkg/rabbitmq"
	"github.com/critiquehub/ledger-service/pkg/slackhook"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.GatewayWebhookSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"gateway webhook secret must be configured\" env=GATEWAY_WEBHOOK_SECRET")
	}
	if strings.TrimSpace(cfg.CronSharedSecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"cron shared secret must be configured\" env=CRON_SHARED_SECRET")
	}

	log.Printf("level=info component=bootstrap msg=\"starting ledger-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 50
	poolConfig.MinConns = 10
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts behind poolers.
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer to publish ledger events. Missing
	// broker config degrades to the no-op fallback.
	var producer rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		producer = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the client for the payment gateway API.
	gatewayClient := paygateclient.NewClient(cfg.GatewayAPIBaseURL, cfg.GatewayAPIKey)

	// Alerting sink. An empty webhook URL means alerts only reach the logs.
	notifier := slackhook.NewClient(cfg.SlackWebhookURL)

	// Redis backs the cross-replica sweep lock. Without it the sweep falls
	// back to a process-local lock, safe only for single-replica deployments.
	var sweepLock app.SweepLocker = app.NewLocalSweepLock()
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; sweep lock is process-local\" env=REDIS_URL")
	} else {
		redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
		if parseErr != nil {
			log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; sweep lock is process-local\" err=%v", parseErr)
		} else {
			redisClient := redis.NewClient(redisOptions)
			pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelPing()
			if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis ping failed; sweep lock is process-local\" err=%v", pingErr)
				redisClient.Close()
			} else {
				defer redisClient.Close()
				sweepLock = app.NewRedisSweepLock(redisClient)
				log.Println("level=info component=bootstrap msg=\"redis connected\"")
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Monitor and the core application service.
	monitor := app.NewMonitor(notifier, cfg.WebhookFailureAlertThreshold, cfg.ReconcileErrorAlertThreshold)
	ledgerService := app.NewService(repository, gatewayClient, producer, monitor, app.Config{
		FinalizerMaxAttempts: cfg.FinalizerMaxAttempts,
		FinalizerBaseBackoff: time.Duration(cfg.FinalizerBackoffBaseMs) * time.Millisecond,
		PayoutRateMinorUnits: cfg.PayoutRateMinorUnits,
		PayoutCurrency:       cfg.PayoutCurrency,
		EventExchange:        cfg.LedgerEventExchange,
	})

	sweeper := app.NewSweeper(repository, gatewayClient, monitor, notifier, sweepLock,
		time.Duration(cfg.ReconcileLookbackHours)*time.Hour)

	// In-process reconciliation schedule. The HTTP trigger endpoint remains
	// available for external cron services and manual runs; the shared lock
	// keeps the two from overlapping.
	cronLogger := cron.PrintfLogger(log.Default())
	scheduler := cron.New(cron.WithChain(cron.Recover(cronLogger)))
	if _, err := scheduler.AddFunc(cfg.ReconcileSchedule, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()
		if _, err := sweeper.RunSweep(ctx); err != nil && err != app.ErrSweepInProgress {
			log.Printf("level=error component=scheduler msg=\"scheduled reconciliation failed\" err=%v", err)
		}
	}); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"invalid reconcile schedule\" schedule=%q err=%v", cfg.ReconcileSchedule, err)
	}
	scheduler.Start()
	defer scheduler.Stop()
	log.Printf("level=info component=bootstrap msg=\"reconciliation scheduled\" schedule=%q lookback_hours=%d", cfg.ReconcileSchedule, cfg.ReconcileLookbackHours)

	// Initialize the API handlers and router.
	ledgerHandlers := api.NewLedgerHandlers(ledgerService, sweeper, cfg.GatewayWebhookSecret)
	router := api.LedgerRoutes(ledgerHandlers, monitor.Registry(), cfg.AuthJWKSURL, cfg.CronSharedSecret)

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

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

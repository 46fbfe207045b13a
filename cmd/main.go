/**
 * @description
 * This is the main entry point for the wallet-service. It is responsible for
 * initializing all components of the service, including configuration, database
 * connection, external API clients, message brokers, repositories, the core
 * application services, the background scheduler, and the HTTP server. It wires
 * everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/metrics, internal/store: Internal packages for the service.
 * - pkg/bookingclient, pkg/gatewayclient, pkg/userclient: Clients for sibling services.
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
	"github.com/sewago/wallet-service/internal/api"
	"github.com/sewago/wallet-service/internal/app"
	"github.com/sewago/wallet-service/internal/config"
	"github.com/sewago/wallet-service/internal/metrics"
	"github.com/sewago/wallet-service/internal/store"
	"github.com/sewago/wallet-service/pkg/bookingclient"
	"github.com/sewago/wallet-service/pkg/gatewayclient"
	wsrabbit "github.com/sewago/wallet-service/pkg/rabbitmq"
	"github.com/sewago/wallet-service/pkg/userclient"
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
	if strings.TrimSpace(cfg.InternalAPIKey) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"internal api key must be configured\" env=INTERNAL_API_KEY")
	}

	log.Printf("level=info component=bootstrap msg=\"starting wallet-service\" port=%s currency=%s", cfg.ServerPort, cfg.WalletCurrency)

	metrics.Init()

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

	// Initialize the RabbitMQ producer to publish wallet events.
	var producer wsrabbit.Publisher
	eventProducer, err := wsrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &wsrabbit.EventProducerFallback{}
	} else {
		defer eventProducer.Close()
		producer = eventProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the clients for sibling services and the payment gateway.
	gatewayClient := gatewayclient.NewClient(cfg.GatewayAPIBaseURL, cfg.GatewayAPIKey)
	userClient := userclient.NewClient(cfg.UserServiceURL, cfg.InternalAPIKey)
	bookingClient := bookingclient.NewClient(cfg.BookingServiceURL, cfg.InternalAPIKey)

	// Redis backs the per-user transaction rate limit. Its absence degrades
	// to no limiting rather than blocking startup.
	var redisClient *redis.Client
	if cfg.TransactionRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; transaction rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; transaction rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; transaction rate limiting disabled\" err=%v", pingErr)
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
	repository := store.NewPostgresStore(dbpool)

	// Initialize the core application services with their dependencies.
	processor := app.NewProcessor(
		repository,
		repository,
		repository,
		cfg.WalletCurrency,
		cfg.CASMaxAttempts,
		time.Duration(cfg.CASBackoffMs)*time.Millisecond,
	)
	walletService := app.NewService(repository, processor, gatewayClient, bookingClient, producer, cfg.WalletCurrency)
	payoutProcessor := app.NewPayoutProcessor(repository, processor, userClient, producer, cfg.MinPayoutPaisa, cfg.WalletCurrency)
	reconciler := app.NewReconciler(repository, 0)
	autoRecharger := app.NewAutoRecharger(repository, processor, gatewayClient, cfg.WalletCurrency)

	var rateLimiter api.RateLimiter
	if redisClient != nil {
		rateLimiter = app.NewRedisWalletRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
	}

	// Start the background sweeps.
	scheduler := app.NewScheduler(reconciler, autoRecharger, cfg.ReconcileSchedule, cfg.AutoRechargeSchedule)
	scheduler.Start()
	defer func() { <-scheduler.Stop().Done() }()

	// Wire up the disbursement status consumer so gateway events settle or
	// fail payouts without an operator in the loop.
	disbursementConsumer := app.NewDisbursementStatusConsumer(payoutProcessor)
	rabbitConsumer, err := wsrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; disbursement updates require manual settlement\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		disbursementBindings := map[string]func([]byte) bool{
			"disbursement.status.completed": disbursementConsumer.HandleMessage,
			"disbursement.status.failed":    disbursementConsumer.HandleMessage,
		}
		if err := rabbitConsumer.ConsumeWithBindings(wsrabbit.WalletEventsExchange, cfg.DisbursementEventQueue, disbursementBindings); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"disbursement consumer start failed\" err=%v", err)
		}
	}

	// Initialize the API handlers and router.
	walletHandlers := api.NewWalletHandlers(walletService, payoutProcessor, reconciler)
	router := api.WalletRoutes(walletHandlers, api.RouterConfig{
		JWTSecret:         cfg.JWTSecret,
		InternalAPIKey:    cfg.InternalAPIKey,
		RateLimiter:       rateLimiter,
		TxRateLimitPerMin: cfg.TransactionRateLimitPerMinute,
	})

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

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

/**
 * @description
 * This is the main entry point for the exchange-service. It is responsible for
 * initializing all components of the service, including configuration, database connection,
 * external API clients, message brokers, the session bus and gateway, repositories,
 * the core application service, and the HTTP server. It wires everything together
 * and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/bus, internal/config, internal/gateway,
 *   internal/store: Internal packages for the service.
 * - pkg/catalogclient, pkg/conversationclient: Clients for sibling services.
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

	"github.com/campusthrift/exchange-service/internal/api"
	"github.com/campusthrift/exchange-service/internal/app"
	"github.com/campusthrift/exchange-service/internal/bus"
	"github.com/campusthrift/exchange-service/internal/config"
	"github.com/campusthrift/exchange-service/internal/gateway"
	"github.com/campusthrift/exchange-service/internal/store"
	"github.com/campusthrift/exchange-service/pkg/catalogclient"
	"github.com/campusthrift/exchange-service/pkg/conversationclient"
	rmrabbit "github.com/campusthrift/exchange-service/pkg/rabbitmq"
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

	log.Printf("level=info component=bootstrap msg=\"starting exchange-service\" port=%s", cfg.ServerPort)

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

	// Initialize the RabbitMQ producer used to mirror domain events to the
	// broker. This service only needs to publish, so we use a producer.
	var eventMirror rmrabbit.Publisher = &rmrabbit.EventProducerFallback{}
	if strings.TrimSpace(cfg.RabbitMQURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"rabbitmq url missing; event mirroring disabled\" env=RABBITMQ_URL")
	} else if producer, prodErr := rmrabbit.NewEventProducer(cfg.RabbitMQURL, cfg.EventExchange); prodErr != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", prodErr)
	} else {
		eventMirror = producer
		defer producer.Close()
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the clients for the catalog and conversation services. A
	// missing conversation-service config should not prevent the exchange flow
	// from booting; system messages will degrade.
	var catalogClient *catalogclient.Client
	if strings.TrimSpace(cfg.CatalogServiceURL) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"catalog service url must be configured\" env=CATALOG_SERVICE_URL")
	}
	catalogClient = catalogclient.NewClient(cfg.CatalogServiceURL, cfg.InternalAPIKey)

	var conversationClient *conversationclient.Client
	if strings.TrimSpace(cfg.ConversationServiceURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"conversation service not configured; system messages disabled\" env=CONVERSATION_SERVICE_URL")
	} else {
		conversationClient = conversationclient.NewClient(cfg.ConversationServiceURL, cfg.InternalAPIKey)
	}

	var redisClient *redis.Client
	if cfg.ProposalRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; proposal rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; proposal rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient = redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; proposal rate limiting disabled\" err=%v", pingErr)
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

	// Session bus: fans committed events out to connected websocket sessions.
	sessionBus := bus.New(cfg.SessionSendBuffer)

	// Initialize the core application service with its dependencies.
	var convo app.ConversationClient
	if conversationClient != nil {
		convo = conversationClient
	}
	exchangeService := app.NewService(repository, catalogClient, convo, sessionBus, eventMirror)
	if redisClient != nil {
		exchangeService.SetProposalRateLimiter(
			app.NewRedisRateLimiter(redisClient, cfg.RedisRateLimitPrefix),
			cfg.ProposalRateLimitPerMinute,
		)
	}

	// Session gateway: one websocket per client, authenticated at handshake.
	authenticator := api.NewTokenAuthenticator(cfg.JWTSecret)
	sessionGateway := gateway.New(exchangeService, sessionBus, authenticator, gateway.Options{
		IdleTimeout: time.Duration(cfg.SessionIdleTimeoutSeconds) * time.Second,
	})

	// Initialize the API handlers.
	exchangeHandlers := api.NewExchangeHandlers(exchangeService)

	// Set up the HTTP router and define the API routes.
	router := chi.NewRouter()
	router.Mount("/exchange", api.ExchangeRoutes(exchangeHandlers, sessionGateway, cfg.JWTSecret))

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

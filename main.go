package main

import (
	"context"
	"database/sql"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"shipment-svc/cache"
	"shipment-svc/config"
	"shipment-svc/database"
	"shipment-svc/grpc"
	"shipment-svc/handlers"
	"shipment-svc/kafka"
	"shipment-svc/middleware"
	"shipment-svc/notification"
	"shipment-svc/paystack"
	"shipment-svc/saga"
	"shipment-svc/store"
	"shipment-svc/terminal"
	"shipment-svc/tracking"

	"github.com/IBM/sarama"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"
)

func main() {
	// Initialize logger
	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}
	if cfg.JWTSecret == "" {
		logger.Fatal("JWT_SECRET must be set")
	}

	// OpenTelemetry
	shutdownTracing, err := middleware.InitTracing(cfg.ServiceName, cfg.JaegerEndpoint)
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}

	// Database
	startCtx, startCancel := context.WithTimeout(context.Background(), 30*time.Second)
	db, err := database.InitDB(startCtx, cfg.Database, logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	if err := database.Migrate(startCtx, db); err != nil {
		logger.Fatal("Failed to run migrations", zap.Error(err))
	}
	startCancel()

	// Redis only backs the rate cache, so the service runs without it.
	redisClient, err := cache.InitRedis(cfg.Redis, logger)
	if err != nil {
		logger.Warn("Redis unavailable, rate caching disabled", zap.Error(err))
		redisClient = nil
	}

	// Kafka producer
	syncProducer, err := kafka.InitProducer(cfg.Kafka, logger)
	if err != nil {
		logger.Fatal("Failed to initialize Kafka producer", zap.Error(err))
	}
	events := kafka.NewProducer(syncProducer, cfg.Kafka.ShipmentTopic, logger)

	// External providers
	paystackClient := paystack.NewClient(cfg.Paystack, cfg.FrontendURL, logger)
	terminalClient := terminal.NewClient(cfg.Terminal, logger)
	dispatcher, err := notification.NewDispatcher(cfg.Resend, logger)
	if err != nil {
		logger.Fatal("Failed to initialize notification dispatcher", zap.Error(err))
	}

	shipmentStore := store.NewShipmentStore(db, logger)
	userStore := store.NewUserStore(db)

	orchestrator := saga.NewOrchestrator(
		paystackClient,
		terminalClient,
		shipmentStore,
		userStore,
		dispatcher,
		events,
		saga.Options{
			DeliveryFallback: cfg.Saga.DeliveryFallback,
			FrontendURL:      cfg.FrontendURL,
		},
		logger,
	)

	bgCtx, stopBackground := context.WithCancel(context.Background())

	// Carrier tracking: pushed updates via Kafka, pulled updates via the poller
	consumer := kafka.NewTrackingConsumer(cfg.Kafka, orchestrator, logger)
	go func() {
		if err := consumer.Run(bgCtx); err != nil {
			logger.Error("Tracking consumer error", zap.Error(err))
		}
	}()

	poller := tracking.NewPoller(shipmentStore, orchestrator, cfg.Saga.TrackingPollInterval, cfg.Saga.TrackingBatchSize, logger)
	go poller.Run(bgCtx)

	// REST API
	router := gin.New()
	router.Use(gin.Recovery())
	// OpenTelemetry middleware must be first to extract trace context
	router.Use(otelgin.Middleware(cfg.ServiceName))
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.MetricsMiddleware())

	deps := []handlers.Dependency{{Name: "database", Required: true, Ping: db.PingContext}}
	if redisClient != nil {
		deps = append(deps, handlers.Dependency{Name: "cache", Ping: func(ctx context.Context) error {
			return redisClient.Ping(ctx).Err()
		}})
	}
	router.GET("/health", handlers.NewHealthHandler(cfg.ServiceName, deps...).Check)
	router.GET("/metrics", middleware.PrometheusHandler())

	authHandler := handlers.NewAuthHandler(userStore, cfg.JWTSecret, logger)
	paymentHandler := handlers.NewPaymentHandler(paystackClient, orchestrator, logger)
	shipmentHandler := handlers.NewShipmentHandler(
		shipmentStore,
		shipmentStore,
		orchestrator,
		terminalClient,
		cache.NewRateCache(redisClient, terminalClient, cfg.Redis.RateTTL, logger),
		logger,
	)

	api := router.Group("/api")
	api.POST("/auth/login", authHandler.Login)

	authed := api.Group("", middleware.AuthMiddleware(cfg.JWTSecret))
	{
		authed.POST("/payments/initialize", paymentHandler.Initialize)
		authed.GET("/payments/verify/:reference", paymentHandler.Verify)
		authed.POST("/payments/verify-and-book", paymentHandler.VerifyAndBook)
		authed.POST("/payments/verify-and-create", paymentHandler.VerifyAndBook)

		authed.POST("/shipments/rates", shipmentHandler.Rates)
		authed.POST("/shipments/addresses", shipmentHandler.CreateAddress)
		authed.POST("/shipments/parcels", shipmentHandler.CreateParcel)

		authed.GET("/shipments", shipmentHandler.List)
		authed.GET("/shipments/:id", shipmentHandler.Get)
		authed.POST("/shipments/:id/cancel", shipmentHandler.Cancel)
		authed.GET("/shipments/:id/tracking", shipmentHandler.Tracking)
	}

	admin := api.Group("/admin", middleware.AuthMiddleware(cfg.JWTSecret), middleware.AdminOnly())
	admin.DELETE("/shipments/:id", shipmentHandler.Delete)

	restSrv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: router,
	}

	go func() {
		if err := restSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start REST server", zap.Error(err))
		}
	}()

	logger.Info("Shipment Service REST API started", zap.String("addr", cfg.HTTPAddr))

	// gRPC health
	grpcListener, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("Failed to listen on gRPC port", zap.Error(err))
	}

	healthServer := grpc.NewHealthServer(db, logger)
	go healthServer.Watch(bgCtx, 15*time.Second)
	go func() {
		if err := healthServer.Serve(grpcListener); err != nil {
			logger.Fatal("Failed to start gRPC server", zap.Error(err))
		}
	}()

	logger.Info("Shipment Service gRPC server started", zap.String("addr", cfg.GRPCAddr))

	gracefulShutdown(cfg.ShutdownTimeout(), restSrv, healthServer, stopBackground, consumer, syncProducer, db, redisClient, shutdownTracing, logger)
}

// gracefulShutdown handles SIGINT/SIGTERM and shuts down all services gracefully
func gracefulShutdown(
	timeout time.Duration,
	restSrv *http.Server,
	healthServer *grpc.HealthServer,
	stopBackground context.CancelFunc,
	consumer *kafka.TrackingConsumer,
	producer sarama.SyncProducer,
	db *sql.DB,
	redisClient *redis.Client,
	shutdownTracing func(),
	logger *zap.Logger,
) {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutdown signal received. Exiting...", zap.Duration("timeout", timeout))

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	// In-flight bookings finish before the stores close. The timeout is sized
	// for a full saga so the database is not closed under one.
	if err := restSrv.Shutdown(ctx); err != nil {
		logger.Error("REST server forced to shutdown", zap.Error(err))
	} else {
		logger.Info("REST server stopped gracefully")
	}

	healthServer.GracefulStop()
	logger.Info("gRPC server stopped gracefully")

	stopBackground()
	if err := consumer.Close(); err != nil {
		logger.Error("Failed to close tracking consumer", zap.Error(err))
	}
	if err := producer.Close(); err != nil {
		logger.Error("Failed to close Kafka producer", zap.Error(err))
	}

	if err := db.Close(); err != nil {
		logger.Error("Failed to close database", zap.Error(err))
	} else {
		logger.Info("Database connection closed gracefully")
	}

	if redisClient != nil {
		if err := redisClient.Close(); err != nil {
			logger.Error("Failed to close Redis cache", zap.Error(err))
		}
	}

	shutdownTracing()
	logger.Info("Servers exited")
}

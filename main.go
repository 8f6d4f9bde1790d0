package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SunwellVictor/ces-site-sub001/cache"
	"github.com/SunwellVictor/ces-site-sub001/config"
	"github.com/SunwellVictor/ces-site-sub001/database"
	"github.com/SunwellVictor/ces-site-sub001/grants"
	"github.com/SunwellVictor/ces-site-sub001/handlers"
	"github.com/SunwellVictor/ces-site-sub001/kafka"
	"github.com/SunwellVictor/ces-site-sub001/ledger"
	"github.com/SunwellVictor/ces-site-sub001/middleware"
	"github.com/SunwellVictor/ces-site-sub001/orders"
	"github.com/SunwellVictor/ces-site-sub001/storage"
	"github.com/SunwellVictor/ces-site-sub001/tokens"
	"github.com/SunwellVictor/ces-site-sub001/webhook"

	"github.com/gin-gonic/gin"
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

	cfg := config.Load()

	// Initialize database
	db, err := database.InitDB(logger)
	if err != nil {
		logger.Fatal("Failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	// Initialize Redis
	redisClient, err := cache.InitRedis(logger)
	if err != nil {
		logger.Fatal("Failed to initialize Redis", zap.Error(err))
	}
	defer redisClient.Close()

	// Initialize Kafka producer
	producer, err := kafka.InitProducer(logger)
	if err != nil {
		logger.Fatal("Failed to initialize Kafka producer", zap.Error(err))
	}
	defer producer.Close()

	// Initialize Kafka consumer
	consumer, err := kafka.InitConsumer(logger)
	if err != nil {
		logger.Fatal("Failed to initialize Kafka consumer", zap.Error(err))
	}
	defer consumer.Close()

	// Start notification consumer in background
	go func() {
		if err := kafka.StartNotificationConsumer(consumer, logger); err != nil {
			logger.Error("Kafka consumer error", zap.Error(err))
		}
	}()

	// Initialize OpenTelemetry
	shutdown, err := middleware.InitTracing("fulfillment-service")
	if err != nil {
		logger.Fatal("Failed to initialize tracing", zap.Error(err))
	}
	defer shutdown()

	// Fulfillment pipeline wiring
	topic := kafka.DefaultTopic
	eventLedger := ledger.New(db, logger)
	provisioner := grants.NewProvisioner(db, producer, topic, cfg, logger)
	stateMachine := orders.NewStateMachine(db, provisioner, producer, topic, logger)
	verifier := webhook.NewVerifier(cfg.WebhookSecret, cfg.WebhookTolerance)
	dispatcher := webhook.NewDispatcher(eventLedger, stateMachine, logger)
	tokenService := tokens.NewService(db, cfg.TokenTTL, logger)
	assetStore := storage.InitHTTPStore(logger)
	checkoutStore := orders.NewCheckoutStore(db, logger)

	// Setup REST API with Gin
	router := gin.New()
	router.Use(gin.Recovery())
	// OpenTelemetry middleware must be first to extract trace context
	router.Use(otelgin.Middleware("fulfillment-service"))
	router.Use(middleware.LoggerMiddleware(logger))
	router.Use(middleware.MetricsMiddleware())

	// Health check endpoint
	healthHandler := handlers.NewHealthHandler(assetStore)
	router.GET("/health", healthHandler.HealthCheck)

	// Metrics endpoint
	router.GET("/metrics", middleware.PrometheusHandler())

	// Auth endpoints
	authHandler := handlers.NewAuthHandler(db, logger)
	router.POST("/register", authHandler.Register)
	router.POST("/login", authHandler.Login)

	// Catalog endpoints
	productHandler := handlers.NewProductHandler(db, redisClient, logger)
	router.GET("/products", productHandler.GetProducts)
	router.GET("/products/:id", productHandler.GetProduct)

	// Payment provider webhook (signature is the authentication)
	webhookHandler := handlers.NewWebhookHandler(verifier, dispatcher, logger)
	router.POST("/webhooks/payment", webhookHandler.HandleWebhook)

	// Token redemption is capability-based, no auth
	downloadHandler := handlers.NewDownloadHandler(tokenService, assetStore, logger)
	router.GET("/download/:token", downloadHandler.Download)

	// Protected endpoints
	checkoutHandler := handlers.NewCheckoutHandler(checkoutStore, producer, topic, logger)
	grantHandler := handlers.NewGrantHandler(provisioner, logger)
	eventHandler := handlers.NewEventHandler(eventLedger, logger)
	protected := router.Group("/")
	protected.Use(middleware.AuthMiddleware())
	{
		protected.POST("/checkout", checkoutHandler.CreateCheckout)
		protected.GET("/orders/:id", checkoutHandler.GetOrder)
		protected.GET("/grants", grantHandler.ListGrants)
		protected.POST("/grants/:id/token", downloadHandler.IssueToken)
		protected.GET("/events", eventHandler.ListEvents)
	}

	// Start server
	srv := &http.Server{
		Addr:    ":8080",
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	logger.Info("Fulfillment Service started on :8080")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatal("Server forced to shutdown", zap.Error(err))
	}

	logger.Info("Server exited")
}

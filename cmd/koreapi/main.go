package main

import (
	"context"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"kore/engine/internal/handlers"
	"kore/engine/internal/providers/paystack"
	"kore/engine/internal/reconciler"
	"kore/engine/internal/scheduler"
	"kore/engine/pkg/auth"
	"kore/engine/pkg/clients/identity"
	"kore/engine/pkg/config"
	"kore/engine/pkg/database"
	dbsql "kore/engine/pkg/database/sql"
	"kore/engine/pkg/kafka"
	"kore/engine/pkg/logging"
	"kore/engine/pkg/monitoring"
	pkgredis "kore/engine/pkg/redis"
	"kore/engine/pkg/server"
	"kore/engine/pkg/version"
)

func main() {
	// Setup logger
	logger := logging.NewLoggerWithService("koreapi")

	// Load environment variables
	config.LoadEnv(logger)

	logger.Info("Starting Kore Rules Engine")

	dbURL := config.RequireEnv("DATABASE_URL")
	jwtSecret := config.RequireEnv("JWT_SECRET")
	paystackKey := config.RequireEnv("PAYSTACK_SECRET_KEY")
	identityURL := config.RequireEnv("IDENTITY_URL")
	serviceToken := config.RequireEnv("SERVICE_TOKEN")

	// Connect to database and apply migrations
	dbConfig := database.DefaultConfig()
	dbConfig.URL = dbURL
	db := database.MustConnect(dbConfig, logger)
	defer db.Close()

	if err := database.Migrate(db, dbsql.Content, logger); err != nil {
		logger.WithError(err).Fatal("Database migration failed")
	}

	// Outbound clients
	providerClient := paystack.NewClient(
		config.GetEnv("PAYSTACK_BASE_URL", "https://api.paystack.co"), paystackKey)
	identityClient := identity.NewClient(identityURL, serviceToken)

	// Kafka producer is optional; without it ledger events only hit logs
	var producer *kafka.Producer
	if brokers := config.GetEnv("KAFKA_BROKERS", ""); brokers != "" {
		var err error
		producer, err = kafka.NewProducer(strings.Split(brokers, ","),
			config.GetEnv("KAFKA_CLIENT_ID", "koreapi"), logger)
		if err != nil {
			logger.WithError(err).Error("Failed to create Kafka producer, continuing without events")
		} else {
			defer producer.Close()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Redis serializes per-user scheduler work across instances;
	// optional on a single node
	var redisClient goredis.UniversalClient
	if redisURL := config.GetEnv("REDIS_URL", ""); redisURL != "" {
		client, err := pkgredis.NewClientFromURL(ctx, redisURL)
		if err != nil {
			logger.WithError(err).Error("Failed to connect to Redis, scheduler locks disabled")
		} else {
			redisClient = client
			defer client.Close()
		}
	}

	// Setup monitoring
	healthChecker := monitoring.NewHealthChecker("koreapi", version.Version)
	metricsCollector := monitoring.NewMetricsCollector("koreapi", version.Version, version.GitCommit)

	healthChecker.AddCheck("database", monitoring.DatabaseHealthCheck(db))
	healthChecker.AddCheck("config", monitoring.ConfigurationHealthCheck(map[string]string{
		"DATABASE_URL":        dbURL,
		"JWT_SECRET":          jwtSecret,
		"PAYSTACK_SECRET_KEY": paystackKey,
	}))
	if producer != nil {
		healthChecker.AddCheck("kafka", monitoring.KafkaProducerHealthCheck(producer.GetClient()))
	}

	// Custom engine metrics
	engineMetrics := &handlers.Metrics{
		RuleOperations:    metricsCollector.NewCounter("rule_operations_total", "Debit rule operations", []string{"operation", "status"}),
		MandateOperations: metricsCollector.NewCounter("mandate_operations_total", "Mandate operations", []string{"operation", "status"}),
		DebitsSettled:     metricsCollector.NewCounter("debits_settled_total", "Debit settlements by outcome", []string{"status"}),
	}
	engineMetrics.DBQueries, engineMetrics.DBDuration, engineMetrics.DBConnections = metricsCollector.CreateDatabaseMetrics()

	// Background jobs: debit scheduler and reconciler
	executor := scheduler.NewExecutor(db, logger, providerClient, producer)

	jobManager := scheduler.NewJobManager(db, logger, executor, redisClient)
	jobManager.Start(ctx)
	defer jobManager.Stop()

	rec := reconciler.New(db, logger, executor, producer, identityClient)
	go rec.Start(ctx)
	defer rec.Stop()

	// Initialize handlers
	handlers.Init(db, logger, handlers.Deps{
		Provider:   providerClient,
		Identity:   identityClient,
		Producer:   producer,
		Scheduler:  jobManager,
		Reconciler: rec,
	})
	handlers.SetMetrics(engineMetrics)

	// Receipts for charges the provider settles synchronously; webhook
	// settlements send theirs from the webhook handler.
	executor.OnSettled(func(reference, userID string, amount decimal.Decimal) {
		handlers.SendDebitReceipt(reference, userID, amount, time.Now())
	})

	logger.Info("Background jobs started - scheduler and reconciler active")

	// Setup router with unified monitoring
	router := server.SetupServiceRouter(logger, "koreapi", healthChecker, metricsCollector)

	{
		protected := router.Group("")
		protected.Use(auth.JWTAuthMiddleware([]byte(jwtSecret)))
		{
			protected.GET("/rules-engine/", handlers.GetRule)
			protected.POST("/rules-engine/", handlers.CreateRule)
			protected.PUT("/rules-engine/", handlers.UpdateRule)
			protected.DELETE("/rules-engine/", handlers.DeactivateRule)
			protected.GET("/rules-engine/history/", handlers.GetRuleHistory)

			protected.POST("/mandates/create/", handlers.CreateMandate)
			protected.GET("/mandates/me/", handlers.GetCurrentMandate)
			protected.POST("/mandates/cancel/", handlers.CancelMandate)

			protected.GET("/transactions/", handlers.ListTransactions)
			// /transactions/summary/ is routed inside GetTransaction;
			// gin cannot mix a static and a param segment at one level
			protected.GET("/transactions/:reference/", handlers.GetTransaction)
		}

		// Provider webhooks authenticate via HMAC signature, not JWT
		router.POST("/webhooks/paystack", handlers.HandleProviderWebhook)

		// Internal job triggers for operators, service-token auth
		internalGroup := router.Group("/internal", auth.ServiceAuthMiddleware(serviceToken))
		{
			internalGroup.POST("/scheduler/run/", handlers.TriggerDebitRun)
			internalGroup.POST("/reconciler/run/", handlers.TriggerReconcile)
		}
	}

	// Start server with graceful shutdown
	serverConfig := server.DefaultConfig("koreapi", "8080")
	if err := server.Start(serverConfig, router, logger); err != nil {
		logger.WithError(err).Fatal("Server startup failed")
	}
}

package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"example.com/chaintrace/services/events/config"
	"example.com/chaintrace/services/events/internal/api"
	"example.com/chaintrace/services/events/internal/cache"
	"example.com/chaintrace/services/events/internal/metrics"
	"example.com/chaintrace/services/events/internal/models"
	"example.com/chaintrace/services/events/internal/privacy"
	"example.com/chaintrace/services/events/internal/queue"
	"example.com/chaintrace/services/events/internal/repositories"
	"example.com/chaintrace/services/events/internal/search"
	"example.com/chaintrace/services/events/internal/services"
	"example.com/chaintrace/services/events/internal/tracing"
)

var apiCmd = &cobra.Command{
	Use:   "api",
	Short: "Start the API server",
	Long:  `Start the HTTP API server to ingest EPCIS event submissions`,
	RunE:  runAPI,
}

func init() {
	rootCmd.AddCommand(apiCmd)
}

func runAPI(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		return err
	}

	// Configure logging
	if cfg.Environment == "development" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	// Set up signal handling for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// Initialize database connections
	db, readOnlyDB, err := initDatabases(cfg)
	if err != nil {
		return err
	}

	// Initialize cache
	redisCache, err := cache.NewRedisCache(cfg.Redis)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize Redis cache, continuing without caching")
	}

	// Initialize tracer; fall back to the disabled tracer so collaborators
	// never hold a nil interface
	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		tracer = tracing.NewDisabledTracer()
	}

	// Initialize Elasticsearch client; the index step is part of every
	// submission, so a misconfigured client is a startup failure
	elasticClient, err := search.NewElasticClient(cfg.Elastic)
	if err != nil {
		return errors.Wrap(err, "failed to initialize Elasticsearch client")
	}

	// Initialize metrics
	metricsCollector := metrics.NewMetrics()

	// Initialize the queue gateway; a failed start schedules its own restart
	gateway := queue.NewRabbitGateway(cfg.Rabbit, tracer)
	if err := gateway.Start(); err != nil {
		log.Warn().Err(err).Msg("Queue gateway start failed, restart scheduled")
	}

	// Initialize repositories and services
	eventRepo := repositories.NewEventRepository(db, readOnlyDB)
	destinationRepo := repositories.NewEventDestinationRepository(db, readOnlyDB)
	queueStatusRepo := repositories.NewQueueStatusRepository(db, readOnlyDB)
	privacyRepo := repositories.NewPrivacyRuleRepository(db, readOnlyDB)

	redactor := privacy.NewRedactor(privacyRepo)

	eventService := services.NewEventService(
		eventRepo,
		destinationRepo,
		queueStatusRepo,
		elasticClient,
		redactor,
		gateway,
		redisCache,
		metricsCollector,
		tracer,
		cfg,
	)

	// Initialize and start the server
	server := api.NewServer(cfg, eventService, metricsCollector, tracer)

	// Start the server in a goroutine
	go func() {
		if err := server.Start(); err != nil {
			log.Error().Err(err).Msg("Server error")
		}
	}()

	// Wait for termination signal
	<-ctx.Done()

	// Shutdown the server
	if err := server.Shutdown(context.Background()); err != nil {
		log.Error().Err(err).Msg("Server shutdown error")
	}

	log.Info().Msg("Shutting down API server")
	return nil
}

func initDatabases(cfg config.Config) (*gorm.DB, *gorm.DB, error) {
	// Initialize write database
	db, err := gorm.Open(postgres.Open(cfg.DB.DSN), &gorm.Config{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to write database")
	}

	// Initialize read-only database
	readOnlyDB, err := gorm.Open(postgres.Open(cfg.DB.ReadOnlyDSN), &gorm.Config{})
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to connect to read-only database")
	}

	// Auto-migrate only the write database
	if err := models.SetupModels(db); err != nil {
		return nil, nil, errors.Wrap(err, "failed to run migrations")
	}

	// Configure the write connection pool
	sqlDB, err := db.DB()
	if err != nil {
		return nil, nil, errors.Wrap(err, "failed to get underlying write DB connection")
	}
	sqlDB.SetMaxIdleConns(cfg.DB.MaxIdleConns)
	sqlDB.SetMaxOpenConns(cfg.DB.MaxOpenConns)
	sqlDB.SetConnMaxLifetime(cfg.DB.ConnMaxLifetime)

	return db, readOnlyDB, nil
}

package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/chaintrace/services/events/config"
	"example.com/chaintrace/services/events/internal/api/handlers"
	"example.com/chaintrace/services/events/internal/metrics"
	"example.com/chaintrace/services/events/internal/services"
	"example.com/chaintrace/services/events/internal/tracing"
)

// Server represents the HTTP server
type Server struct {
	config       config.Config
	router       *gin.Engine
	httpServer   *http.Server
	eventService *services.EventService
	collector    *metrics.Metrics
	tracer       tracing.Tracer
}

// NewServer creates a new HTTP server
func NewServer(cfg config.Config, eventService *services.EventService, collector *metrics.Metrics, tracer tracing.Tracer) *Server {
	server := &Server{
		config:       cfg,
		eventService: eventService,
		collector:    collector,
		tracer:       tracer,
	}

	router := server.setupRouter()
	server.router = router

	httpServer := &http.Server{
		Addr:    cfg.ServerAddress,
		Handler: router,
	}
	server.httpServer = httpServer

	return server
}

// setupRouter configures the HTTP router
func (s *Server) setupRouter() *gin.Engine {
	router := gin.Default()

	// Recovery middleware
	router.Use(gin.Recovery())

	// Register handlers
	eventHandler := handlers.NewEventHandler(s.eventService, s.tracer)
	eventHandler.RegisterRoutes(router)

	queueHandler := handlers.NewQueueHandler(s.eventService, s.tracer)
	queueHandler.RegisterRoutes(router)

	metricsHandler := handlers.NewMetricsHandler(s.collector)
	metricsHandler.RegisterRoutes(router)

	// Health check endpoint
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return router
}

// Start starts the HTTP server
func (s *Server) Start() error {
	log.Info().Str("address", s.config.ServerAddress).Msg("Starting HTTP server")

	if err := s.httpServer.ListenAndServe(); err != nil {
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "HTTP server error")
	}

	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")

	// Create a timeout context for shutdown
	shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "HTTP server shutdown error")
	}

	log.Info().Msg("HTTP server shut down successfully")
	return nil
}

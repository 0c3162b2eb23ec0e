package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"example.com/chaintrace/services/events/config"
	"example.com/chaintrace/services/events/internal/metrics"
	"example.com/chaintrace/services/events/internal/queue"
	"example.com/chaintrace/services/events/internal/tracing"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the background worker",
	Long:  `Start the background worker that samples broker queue depths into the metrics collector`,
	RunE:  runWorker,
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, args []string) error {
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

	// Create an error group to manage goroutines
	g, ctx := errgroup.WithContext(ctx)

	// Initialize tracer; fall back to the disabled tracer so the gateway
	// never holds a nil interface
	tracer, err := tracing.NewTracer(cfg.Tracing)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracer, continuing without tracing")
		tracer = tracing.NewDisabledTracer()
	}

	// Initialize metrics
	metricsCollector := metrics.NewMetrics()

	// The depth sampler only needs the gateway's short-lived connections;
	// the shared publish channel stays with the API process
	gateway := queue.NewRabbitGateway(cfg.Rabbit, tracer)

	// Start the queue depth sampling cron job
	g.Go(func() error {
		log.Info().Dur("interval", cfg.Worker.DepthSampleInterval).Msg("Starting queue depth sampler")

		// Create a scheduler
		scheduler, err := gocron.NewScheduler()
		if err != nil {
			return err
		}

		_, err = scheduler.NewJob(
			gocron.DurationJob(cfg.Worker.DepthSampleInterval),
			gocron.NewTask(func() {
				sampleDepths(ctx, cfg, gateway, metricsCollector)
			}),
		)
		if err != nil {
			return err
		}

		// Start the scheduler
		scheduler.Start()

		// Wait for context cancellation
		<-ctx.Done()

		// Shutdown the scheduler
		return scheduler.Shutdown()
	})

	// Wait for any goroutine to exit
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("Worker error")
		return err
	}

	log.Info().Msg("Worker shutting down gracefully")
	return nil
}

// sampleDepths records the current depth of each pipeline queue
func sampleDepths(ctx context.Context, cfg config.Config, gateway queue.Gateway, collector *metrics.Metrics) {
	samples := map[string]string{
		cfg.Rabbit.ProcessingQueue: metrics.DepthProcessingQueue,
		cfg.Rabbit.HoldingQueue:    metrics.DepthHoldingQueue,
		cfg.Rabbit.DeadLetterQueue: metrics.DepthDeadLetterQueue,
	}

	for queueName, gaugeName := range samples {
		depth, err := gateway.QueueDepth(ctx, queueName)
		if err != nil {
			log.Error().Err(err).Str("queue", queueName).Msg("Failed to sample queue depth")
			continue
		}
		collector.SetGauge(gaugeName, int64(depth.MessageCount))
		log.Debug().Str("queue", queueName).Int("messages", depth.MessageCount).Msg("sampled queue depth")
	}
}

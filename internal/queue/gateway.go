package queue

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"

	"example.com/chaintrace/services/events/config"
	"example.com/chaintrace/services/events/internal/tracing"
)

// Gateway defines the broker operations consumed by the orchestrator
type Gateway interface {
	Start() error
	PublishProcessing(ctx context.Context, body []byte, eventID, clientID, organizationID string) error
	PublishHolding(ctx context.Context, body []byte, eventID, clientID, organizationID string) error
	DrainHolding(ctx context.Context, onDrained func(ctx context.Context, eventID string)) error
	DrainDeadLetter(ctx context.Context, eventsPaused bool, onRequeued func(ctx context.Context, eventID string)) (*RetryResult, error)
	QueueDepth(ctx context.Context, name string) (*Depth, error)
}

// RetryResult is the resolve payload of a dead-letter drain, returned to the
// operator verbatim
type RetryResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// Depth is the passive queue introspection result
type Depth struct {
	Queue         string `json:"queue"`
	MessageCount  int    `json:"messageCount"`
	ConsumerCount int    `json:"consumerCount"`
}

// RabbitGateway owns the broker connections. One long-lived confirm channel
// carries every processing-queue publish; all other operations open their
// own short-lived connection and may run concurrently with it.
type RabbitGateway struct {
	cfg    config.RabbitConfig
	tracer tracing.Tracer

	// mu guards the shared handle swap during reconnect only; publish
	// ordering relies on the client's own channel semantics.
	mu             sync.Mutex
	conn           *amqp.Connection
	channel        *amqp.Channel
	restartPending bool
}

// NewRabbitGateway creates a gateway. Start must be called before any
// processing-queue publish.
func NewRabbitGateway(cfg config.RabbitConfig, tracer tracing.Tracer) *RabbitGateway {
	return &RabbitGateway{
		cfg:    cfg,
		tracer: tracer,
	}
}

// Start establishes the shared connection and confirm channel and declares
// the processing and dead-letter topology. On any failure it reports the
// error, schedules a restart after the configured delay and returns the
// error to the caller; it never crashes the process.
func (g *RabbitGateway) Start() error {
	conn, err := amqp.Dial(g.cfg.URL)
	if err != nil {
		wrapped := wrapKind(ErrConnectionFailure, err)
		g.report("queue-gateway-start", wrapped)
		g.scheduleRestart()
		return wrapped
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		wrapped := wrapKind(ErrChannelFailure, err)
		g.report("queue-gateway-start", wrapped)
		g.scheduleRestart()
		return wrapped
	}

	if err := channel.Confirm(false); err != nil {
		conn.Close()
		wrapped := wrapKind(ErrChannelFailure, err)
		g.report("queue-gateway-start", wrapped)
		g.scheduleRestart()
		return wrapped
	}

	if err := g.declareProcessingTopology(channel); err != nil {
		conn.Close()
		g.report("queue-gateway-start", err)
		g.scheduleRestart()
		return err
	}

	g.mu.Lock()
	if g.conn != nil {
		g.conn.Close()
	}
	g.conn = conn
	g.channel = channel
	g.restartPending = false
	g.mu.Unlock()

	// Watch for unexpected channel closure; amqp091 delivers nil on a clean
	// shutdown.
	closures := channel.NotifyClose(make(chan *amqp.Error, 1))
	go func() {
		if amqpErr, ok := <-closures; ok && amqpErr != nil {
			wrapped := wrapKind(ErrChannelClosedUnexpectedly, amqpErr)
			g.report("queue-gateway-channel", wrapped)
			g.mu.Lock()
			g.channel = nil
			g.mu.Unlock()
			g.scheduleRestart()
		}
	}()

	log.Info().Str("queue", g.cfg.ProcessingQueue).Msg("queue gateway started")
	return nil
}

// declareProcessingTopology declares the processing exchange/queue and the
// dead-letter exchange/queue it feeds into
func (g *RabbitGateway) declareProcessingTopology(channel *amqp.Channel) error {
	if err := channel.ExchangeDeclare(g.cfg.DeadLetterExchange, "fanout", true, false, false, false, nil); err != nil {
		return wrapKind(ErrQueueDeclareFailure, err)
	}
	if _, err := channel.QueueDeclare(g.cfg.DeadLetterQueue, true, false, false, false, nil); err != nil {
		return wrapKind(ErrQueueDeclareFailure, err)
	}
	if err := channel.QueueBind(g.cfg.DeadLetterQueue, "", g.cfg.DeadLetterExchange, false, nil); err != nil {
		return wrapKind(ErrQueueDeclareFailure, err)
	}

	if err := channel.ExchangeDeclare(g.cfg.ProcessingExchange, "direct", true, false, false, false, nil); err != nil {
		return wrapKind(ErrQueueDeclareFailure, err)
	}
	_, err := channel.QueueDeclare(g.cfg.ProcessingQueue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange": g.cfg.DeadLetterExchange,
	})
	if err != nil {
		return wrapKind(ErrQueueDeclareFailure, err)
	}
	if err := channel.QueueBind(g.cfg.ProcessingQueue, g.cfg.ProcessingKey, g.cfg.ProcessingExchange, false, nil); err != nil {
		return wrapKind(ErrQueueDeclareFailure, err)
	}

	return nil
}

// scheduleRestart arms a single restart of the shared channel after the
// configured delay. Publish attempts issued in that window fail immediately.
func (g *RabbitGateway) scheduleRestart() {
	g.mu.Lock()
	if g.restartPending {
		g.mu.Unlock()
		return
	}
	g.restartPending = true
	g.mu.Unlock()

	delay := g.cfg.ReconnectDelay
	if delay <= 0 {
		delay = 60 * time.Second
	}

	log.Warn().Dur("delay", delay).Msg("scheduling queue gateway restart")
	time.AfterFunc(delay, func() {
		g.mu.Lock()
		g.restartPending = false
		g.mu.Unlock()
		if err := g.Start(); err != nil {
			log.Error().Err(err).Msg("queue gateway restart failed")
		}
	})
}

// sharedChannel returns the confirm channel, failing fast when the gateway
// was never started or is between reconnects
func (g *RabbitGateway) sharedChannel() (*amqp.Channel, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.channel == nil {
		return nil, ErrNotInitialized
	}
	return g.channel, nil
}

// PublishProcessing publishes one persistent message with correlation
// headers over the shared confirm channel. A nack or error triggers a
// scheduled restart and surfaces a publish error; there is no internal
// retry.
func (g *RabbitGateway) PublishProcessing(ctx context.Context, body []byte, eventID, clientID, organizationID string) error {
	channel, err := g.sharedChannel()
	if err != nil {
		return err
	}

	confirmation, err := channel.PublishWithDeferredConfirmWithContext(
		ctx,
		g.cfg.ProcessingExchange,
		g.cfg.ProcessingKey,
		false,
		false,
		publishing(body, eventID, clientID, organizationID),
	)
	if err != nil {
		wrapped := wrapKind(ErrPublishFailure, err)
		g.report("queue-gateway-publish", wrapped)
		g.scheduleRestart()
		return wrapped
	}

	if !confirmation.Wait() {
		wrapped := wrapKind(ErrPublishFailure, errors.New("broker nacked publish"))
		g.report("queue-gateway-publish", wrapped)
		g.scheduleRestart()
		return wrapped
	}

	log.Debug().Str("event_id", eventID).Msg("published to processing queue")
	return nil
}

// PublishHolding publishes one message to the holding queue over a dedicated
// channel, declaring the holding topology idempotently first. The connection
// is intentionally left open: a drain is expected to follow shortly and
// reuses the declared broker state.
func (g *RabbitGateway) PublishHolding(ctx context.Context, body []byte, eventID, clientID, organizationID string) error {
	// The connection is deliberately not closed here; see the method comment.
	_, channel, err := g.openChannel()
	if err != nil {
		return err
	}

	if err := g.declareHoldingTopology(channel); err != nil {
		g.report("queue-gateway-holding", err)
		return err
	}

	if err := channel.Confirm(false); err != nil {
		wrapped := wrapKind(ErrChannelFailure, err)
		g.report("queue-gateway-holding", wrapped)
		return wrapped
	}

	confirmation, err := channel.PublishWithDeferredConfirmWithContext(
		ctx,
		g.cfg.HoldingExchange,
		g.cfg.HoldingKey,
		false,
		false,
		publishing(body, eventID, clientID, organizationID),
	)
	if err != nil {
		wrapped := wrapKind(ErrPublishFailure, err)
		g.report("queue-gateway-holding", wrapped)
		return wrapped
	}

	if !confirmation.Wait() {
		wrapped := wrapKind(ErrPublishFailure, errors.New("broker nacked holding publish"))
		g.report("queue-gateway-holding", wrapped)
		return wrapped
	}

	log.Info().Str("event_id", eventID).Msg("published to holding queue")
	return nil
}

func (g *RabbitGateway) declareHoldingTopology(channel *amqp.Channel) error {
	if err := channel.ExchangeDeclare(g.cfg.HoldingExchange, "direct", true, false, false, false, nil); err != nil {
		return wrapKind(ErrQueueDeclareFailure, err)
	}
	if _, err := channel.QueueDeclare(g.cfg.HoldingQueue, true, false, false, false, nil); err != nil {
		return wrapKind(ErrQueueDeclareFailure, err)
	}
	if err := channel.QueueBind(g.cfg.HoldingQueue, g.cfg.HoldingKey, g.cfg.HoldingExchange, false, nil); err != nil {
		return wrapKind(ErrQueueDeclareFailure, err)
	}
	return nil
}

// DrainHolding republishes every message currently in the holding queue to
// the processing queue. Messages are consumed one at a time (prefetch 1) and
// acked only after a successful republish; failures are nacked back onto the
// queue. Holding messages are voluntarily deferred work, so redelivery
// safety wins here.
func (g *RabbitGateway) DrainHolding(ctx context.Context, onDrained func(ctx context.Context, eventID string)) error {
	conn, channel, err := g.openChannel()
	if err != nil {
		return err
	}

	if err := g.declareHoldingTopology(channel); err != nil {
		conn.Close()
		g.report("queue-gateway-drain-holding", err)
		return err
	}

	declared, err := channel.QueueDeclare(g.cfg.HoldingQueue, true, false, false, false, nil)
	if err != nil {
		conn.Close()
		wrapped := wrapKind(ErrQueueDeclareFailure, err)
		g.report("queue-gateway-drain-holding", wrapped)
		return wrapped
	}

	if declared.Messages == 0 {
		conn.Close()
		log.Info().Msg("holding queue empty, nothing to drain")
		return nil
	}

	if err := channel.Qos(1, 0, false); err != nil {
		conn.Close()
		wrapped := wrapKind(ErrChannelFailure, err)
		g.report("queue-gateway-drain-holding", wrapped)
		return wrapped
	}

	deliveries, err := channel.Consume(g.cfg.HoldingQueue, "", false, false, false, false, nil)
	if err != nil {
		conn.Close()
		wrapped := wrapKind(ErrChannelFailure, err)
		g.report("queue-gateway-drain-holding", wrapped)
		return wrapped
	}

	snapshot := uint64(declared.Messages)
	log.Info().Uint64("messages", snapshot).Msg("draining holding queue")

	drainHeldDeliveries(ctx, deliveries, snapshot, g.PublishProcessing, onDrained)

	// Grace period before tearing the connection down so in-flight broker
	// bookkeeping settles
	grace := g.cfg.DrainGrace
	if grace <= 0 {
		grace = 10 * time.Second
	}
	time.Sleep(grace)
	conn.Close()

	log.Info().Msg("holding queue drain complete")
	return nil
}

// DrainDeadLetter republishes every dead-lettered message to the holding
// queue (when events are paused) or the processing queue. Consumption is
// auto-ack: messages already exhausted normal delivery, so forward progress
// is favored over redelivery safety and a failed republish loses the
// message. onRequeued is invoked best-effort per message routed while
// paused.
func (g *RabbitGateway) DrainDeadLetter(ctx context.Context, eventsPaused bool, onRequeued func(ctx context.Context, eventID string)) (*RetryResult, error) {
	conn, channel, err := g.openChannel()
	if err != nil {
		return nil, err
	}

	if err := channel.ExchangeDeclare(g.cfg.DeadLetterExchange, "fanout", true, false, false, false, nil); err != nil {
		conn.Close()
		wrapped := wrapKind(ErrQueueDeclareFailure, err)
		g.report("queue-gateway-drain-deadletter", wrapped)
		return nil, wrapped
	}
	declared, err := channel.QueueDeclare(g.cfg.DeadLetterQueue, true, false, false, false, nil)
	if err != nil {
		conn.Close()
		wrapped := wrapKind(ErrQueueDeclareFailure, err)
		g.report("queue-gateway-drain-deadletter", wrapped)
		return nil, wrapped
	}
	if err := channel.QueueBind(g.cfg.DeadLetterQueue, "", g.cfg.DeadLetterExchange, false, nil); err != nil {
		conn.Close()
		wrapped := wrapKind(ErrQueueDeclareFailure, err)
		g.report("queue-gateway-drain-deadletter", wrapped)
		return nil, wrapped
	}

	if declared.Messages == 0 {
		conn.Close()
		return retryResult(0), nil
	}

	deliveries, err := channel.Consume(g.cfg.DeadLetterQueue, "", true, false, false, false, nil)
	if err != nil {
		conn.Close()
		wrapped := wrapKind(ErrChannelFailure, err)
		g.report("queue-gateway-drain-deadletter", wrapped)
		return nil, wrapped
	}

	snapshot := uint64(declared.Messages)
	log.Info().Uint64("messages", snapshot).Bool("events_paused", eventsPaused).
		Msg("draining dead-letter queue")

	drainDeadLetterDeliveries(ctx, deliveries, snapshot, eventsPaused, g.PublishHolding, g.PublishProcessing, onRequeued)

	conn.Close()

	return retryResult(int(snapshot)), nil
}

// publishFunc is the republish seam of the drain loops
type publishFunc func(ctx context.Context, body []byte, eventID, clientID, organizationID string) error

// drainHeldDeliveries forwards held deliveries one at a time, acking only
// after a successful republish and nacking failures back onto the queue. It
// stops once the snapshot tag is reached; messages arriving later stay put.
func drainHeldDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery, snapshot uint64, republish publishFunc, onDrained func(ctx context.Context, eventID string)) {
	for delivery := range deliveries {
		eventID, clientID, organizationID := correlationHeaders(delivery.Headers)

		if err := republish(ctx, delivery.Body, eventID, clientID, organizationID); err != nil {
			log.Error().Err(err).Str("event_id", eventID).Msg("failed to republish held message")
			_ = delivery.Nack(false, true)
		} else {
			// multiple=true: the ack covers every delivery up to this tag
			_ = delivery.Ack(true)
			if onDrained != nil {
				onDrained(ctx, eventID)
			}
		}

		if delivery.DeliveryTag >= snapshot {
			break
		}
	}
}

// drainDeadLetterDeliveries routes each dead-lettered delivery to the holding
// queue (paused) or the processing queue, stopping at the snapshot tag.
// Deliveries arrive auto-acked, so a failed republish only logs.
func drainDeadLetterDeliveries(ctx context.Context, deliveries <-chan amqp.Delivery, snapshot uint64, eventsPaused bool, toHolding, toProcessing publishFunc, onRequeued func(ctx context.Context, eventID string)) {
	for delivery := range deliveries {
		eventID, clientID, organizationID := correlationHeaders(delivery.Headers)

		if eventsPaused {
			if err := toHolding(ctx, delivery.Body, eventID, clientID, organizationID); err != nil {
				log.Error().Err(err).Str("event_id", eventID).Msg("failed to requeue dead-lettered message to holding")
			} else if onRequeued != nil {
				onRequeued(ctx, eventID)
			}
		} else {
			if err := toProcessing(ctx, delivery.Body, eventID, clientID, organizationID); err != nil {
				log.Error().Err(err).Str("event_id", eventID).Msg("failed to requeue dead-lettered message to processing")
			}
		}

		if delivery.DeliveryTag >= snapshot {
			break
		}
	}
}

// retryResult maps the pre-drain depth snapshot to the operator-facing
// resolve payload
func retryResult(messages int) *RetryResult {
	if messages == 0 {
		return &RetryResult{
			Success: false,
			Message: "No failed events messages to retry.",
		}
	}
	return &RetryResult{
		Success: true,
		Message: "Success in retrying the failed event messages.",
	}
}

// QueueDepth reads message and consumer counts of an existing durable queue
// via a passive declare, without side effects
func (g *RabbitGateway) QueueDepth(ctx context.Context, name string) (*Depth, error) {
	conn, channel, err := g.openChannel()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	declared, err := channel.QueueDeclarePassive(name, true, false, false, false, nil)
	if err != nil {
		wrapped := wrapKind(ErrQueueDeclareFailure, err)
		g.report("queue-gateway-depth", wrapped)
		return nil, wrapped
	}

	return &Depth{
		Queue:         declared.Name,
		MessageCount:  declared.Messages,
		ConsumerCount: declared.Consumers,
	}, nil
}

// openChannel opens an independent short-lived connection and channel
func (g *RabbitGateway) openChannel() (*amqp.Connection, *amqp.Channel, error) {
	conn, err := amqp.Dial(g.cfg.URL)
	if err != nil {
		wrapped := wrapKind(ErrConnectionFailure, err)
		g.report("queue-gateway-connect", wrapped)
		return nil, nil, wrapped
	}

	channel, err := conn.Channel()
	if err != nil {
		conn.Close()
		wrapped := wrapKind(ErrChannelFailure, err)
		g.report("queue-gateway-connect", wrapped)
		return nil, nil, wrapped
	}

	return conn, channel, nil
}

// report surfaces a gateway error to the monitoring collaborator
func (g *RabbitGateway) report(operation string, err error) {
	log.Error().Err(err).Str("operation", operation).Msg("queue gateway error")
	if g.tracer != nil {
		g.tracer.NoticeError(operation, err)
	}
}

func publishing(body []byte, eventID, clientID, organizationID string) amqp.Publishing {
	return amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Headers: amqp.Table{
			"event_id":        eventID,
			"client_id":       clientID,
			"organization_id": organizationID,
		},
		Body: body,
	}
}

// correlationHeaders reads the message envelope headers, tolerating missing
// or mistyped values
func correlationHeaders(headers amqp.Table) (eventID, clientID, organizationID string) {
	if v, ok := headers["event_id"].(string); ok {
		eventID = v
	}
	if v, ok := headers["client_id"].(string); ok {
		clientID = v
	}
	if v, ok := headers["organization_id"].(string); ok {
		organizationID = v
	}
	return eventID, clientID, organizationID
}

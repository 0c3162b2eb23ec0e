package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/newrelic/go-agent/v3/newrelic"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/chaintrace/services/events/config"
	"example.com/chaintrace/services/events/internal/cache"
	"example.com/chaintrace/services/events/internal/epcis"
	"example.com/chaintrace/services/events/internal/metrics"
	"example.com/chaintrace/services/events/internal/models"
	"example.com/chaintrace/services/events/internal/queue"
	"example.com/chaintrace/services/events/internal/search"
	"example.com/chaintrace/services/events/internal/tracing"
)

// queueStatusTTL bounds how stale a cached pause flag can be
const queueStatusTTL = 30 * time.Second

// EventStore persists event rows
type EventStore interface {
	Insert(ctx context.Context, event *models.Event) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error
}

// DestinationStore persists the append-only destination log
type DestinationStore interface {
	Record(ctx context.Context, dest *models.EventDestination) error
	ListByEvent(ctx context.Context, eventID uuid.UUID) ([]models.EventDestination, error)
}

// QueueStatusStore persists the append-only pause record
type QueueStatusStore interface {
	Current(ctx context.Context) (*models.QueueStatus, error)
	Append(ctx context.Context, status *models.QueueStatus) error
}

// SearchIndex pushes denormalized event records for querying
type SearchIndex interface {
	IndexEvent(ctx context.Context, organizationID string, record *search.EventRecord) error
	UpdateEventStatus(ctx context.Context, organizationID, eventID, status string) error
}

// Redactor applies organization-specific field redaction to a cloned
// document
type Redactor interface {
	Redact(ctx context.Context, doc epcis.Document, organizationID string) (epcis.Document, string, error)
}

// SubmissionResult is the success payload of an accepted submission
type SubmissionResult struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Callback string `json:"callback"`
}

// EventService orchestrates the ingestion pipeline: validation, redaction,
// persistence, indexing and queue routing.
type EventService struct {
	events       EventStore
	destinations DestinationStore
	queueStatus  QueueStatusStore
	searchIndex  SearchIndex
	redactor     Redactor
	gateway      queue.Gateway
	cache        *cache.RedisCache
	collector    *metrics.Metrics
	tracer       tracing.Tracer
	callbackBase string
}

// NewEventService creates a new event service
func NewEventService(
	events EventStore,
	destinations DestinationStore,
	queueStatus QueueStatusStore,
	searchIndex SearchIndex,
	redactor Redactor,
	gateway queue.Gateway,
	redisCache *cache.RedisCache,
	collector *metrics.Metrics,
	tracer tracing.Tracer,
	cfg config.Config,
) *EventService {
	return &EventService{
		events:       events,
		destinations: destinations,
		queueStatus:  queueStatus,
		searchIndex:  searchIndex,
		redactor:     redactor,
		gateway:      gateway,
		cache:        redisCache,
		collector:    collector,
		tracer:       tracer,
		callbackBase: cfg.CallbackBase,
	}
}

// ProcessSubmission runs one raw XML submission through the whole pipeline.
// The redacted copy goes to the store and the search index; the original,
// unredacted document is what gets published to the broker. Persistence and
// indexing strictly precede the publish on both branches; a crash between
// the two leaves an event recorded but never enqueued, which external
// reconciliation has to pick up.
func (s *EventService) ProcessSubmission(ctx context.Context, organizationID, clientID, source string, raw []byte) (*SubmissionResult, error) {
	txn := s.tracer.StartTransaction("process-submission")
	defer s.tracer.EndTransaction(txn)

	s.tracer.AddAttribute(txn, "organization_id", organizationID)
	s.tracer.AddAttribute(txn, "client_id", clientID)

	root, verr := epcis.Validate(raw)
	if verr != nil {
		return nil, s.reject(txn, fromValidation(verr))
	}

	summary, verr := epcis.Extract(root)
	if verr != nil {
		return nil, s.reject(txn, fromValidation(verr))
	}

	doc := epcis.ToDocument(root)

	// Redact a deep clone; the original document stays untouched for the
	// broker payload
	redacted, redactedXML, err := s.redactor.Redact(ctx, doc, organizationID)
	if err != nil {
		return nil, s.reject(txn, submissionError(CodeRedactionFailure, err.Error()))
	}
	if redactedXML == "" {
		// Redaction collapsed the document into the corrupted empty-result
		// sentinel; treat as a rejection, not a silent pass-through
		return nil, s.reject(txn, submissionError(CodeRedactionFailure, "Redaction produced an invalid document."))
	}

	// Mint the single event id used as the correlation key everywhere
	eventID := uuid.New()

	// Stored and indexed metadata come from the redacted view only; a field
	// the redaction rules removed is absent here as well. The event type is
	// structural and carries over from validation.
	stored := epcis.SummaryFrom(redacted)
	stored.Type = summary.Type

	originalJSON, err := doc.JSON()
	if err != nil {
		return nil, s.reject(txn, submissionError(CodePersistenceFailure, err.Error()))
	}

	// The minted id rides inside the persisted body, not just the row key
	redacted["eventID"] = eventID.String()
	redactedJSON, err := redacted.JSON()
	if err != nil {
		return nil, s.reject(txn, submissionError(CodePersistenceFailure, err.Error()))
	}

	queueStatus, err := s.GetQueueStatus(ctx)
	if err != nil {
		return nil, s.reject(txn, submissionError(CodePersistenceFailure, err.Error()))
	}

	status := models.StatusAccepted
	message := "Accepted"
	if queueStatus.EventsPaused {
		status = models.StatusProcessing
		message = "Processing"
	}

	event := &models.Event{
		ID:             eventID,
		Timestamp:      stored.Time,
		ClientID:       clientID,
		OrganizationID: organizationID,
		Type:           stored.Type,
		Action:         stored.Action,
		Source:         source,
		Status:         status,
		XMLData:        redactedXML,
		JSONData:       []byte(redactedJSON),
	}

	span := s.tracer.StartSpan("persist-event", txn)
	err = s.events.Insert(ctx, event)
	span.End()
	if err != nil {
		return nil, s.reject(txn, submissionError(CodePersistenceFailure, err.Error()))
	}

	record := &search.EventRecord{
		Organization: organizationID,
		ID:           eventID.String(),
		TextIDs:      stored.IDs,
		Timestamp:    unixMillis(stored.Time),
		Type:         stored.Type,
		Action:       stored.Action,
		Source:       source,
		Status:       status,
	}

	span = s.tracer.StartSpan("index-event", txn)
	err = s.searchIndex.IndexEvent(ctx, organizationID, record)
	span.End()
	if err != nil {
		return nil, s.reject(txn, submissionError(CodeIndexFailure, err.Error()))
	}

	// Publish the original document. The pause flag read above is not
	// transactionally linked to this publish; a toggle landing in between
	// routes this event by the stale value. Accepted race.
	span = s.tracer.StartSpan("publish-event", txn)
	if queueStatus.EventsPaused {
		err = s.gateway.PublishHolding(ctx, []byte(originalJSON), eventID.String(), clientID, organizationID)
	} else {
		err = s.gateway.PublishProcessing(ctx, []byte(originalJSON), eventID.String(), clientID, organizationID)
	}
	span.End()
	if err != nil {
		// No automatic retry of a failed publish
		return nil, s.reject(txn, submissionError(CodePublishFailure, err.Error()))
	}

	if queueStatus.EventsPaused {
		s.collector.IncrementCounter(metrics.PublishesHolding)
	} else {
		s.collector.IncrementCounter(metrics.PublishesProcessing)
	}
	s.collector.IncrementCounter(metrics.SubmissionsAccepted)
	s.collector.RecordSuccess("process_submission")

	log.Info().
		Str("event_id", eventID.String()).
		Str("organization_id", organizationID).
		Str("type", summary.Type).
		Str("status", status).
		Msg("submission processed")

	return &SubmissionResult{
		Success:  true,
		Message:  message,
		Callback: fmt.Sprintf("%s/events/%s/status", s.callbackBase, eventID),
	}, nil
}

// reject records a policy rejection with the monitoring collaborator and
// returns the numbered error unchanged
func (s *EventService) reject(txn *newrelic.Transaction, err *SubmissionError) *SubmissionError {
	s.collector.IncrementCounter(metrics.SubmissionsRejected)
	s.collector.RecordError("process_submission")
	s.tracer.RecordError(txn, err)
	log.Warn().Int("code", err.Code).Str("message", err.Message).Msg("submission rejected")
	return err
}

// GetQueueStatus returns the current pause record, reading through the cache
func (s *EventService) GetQueueStatus(ctx context.Context) (*models.QueueStatus, error) {
	if s.cache != nil {
		var cached models.QueueStatus
		if err := s.cache.Get(ctx, cache.QueueStatusKey, &cached); err == nil {
			return &cached, nil
		}
	}

	status, err := s.queueStatus.Current(ctx)
	if err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, cache.QueueStatusKey, status, queueStatusTTL); err != nil {
			log.Debug().Err(err).Msg("failed to cache queue status")
		}
	}

	return status, nil
}

// SetQueueStatus appends a brand-new pause record and invalidates the cache.
// Writing events_paused=false triggers a background drain of the holding
// queue (the resume flow).
func (s *EventService) SetQueueStatus(ctx context.Context, eventsPaused, masterdataPaused bool, updatedBy string) (*models.QueueStatus, error) {
	status := &models.QueueStatus{
		ID:               uuid.New(),
		EventsPaused:     eventsPaused,
		MasterdataPaused: masterdataPaused,
		UpdatedBy:        updatedBy,
		Timestamp:        time.Now().UTC(),
	}

	if err := s.queueStatus.Append(ctx, status); err != nil {
		return nil, err
	}

	if s.cache != nil {
		if err := s.cache.Delete(ctx, cache.QueueStatusKey); err != nil {
			log.Debug().Err(err).Msg("failed to invalidate queue status cache")
		}
	}

	log.Info().
		Bool("events_paused", eventsPaused).
		Bool("masterdata_paused", masterdataPaused).
		Str("updated_by", updatedBy).
		Msg("queue status updated")

	if !eventsPaused {
		go func() {
			if err := s.ResumeHeldEvents(context.Background()); err != nil {
				log.Error().Err(err).Msg("holding queue drain failed after resume")
			}
		}()
	}

	return status, nil
}

// ResumeHeldEvents drains the holding queue into the processing queue,
// moving each drained event's status back to accepted in the store and the
// search index.
func (s *EventService) ResumeHeldEvents(ctx context.Context) error {
	return s.gateway.DrainHolding(ctx, func(ctx context.Context, eventID string) {
		s.collector.IncrementCounter(metrics.HoldingDrained)
		s.updateEventStatus(ctx, eventID, models.StatusAccepted)
	})
}

// RetryFailedEvents drains the dead-letter queue, republishing to the
// holding or processing queue depending on the pause flag at the time of the
// call. The gateway's resolve payload is returned verbatim.
func (s *EventService) RetryFailedEvents(ctx context.Context) (*queue.RetryResult, error) {
	queueStatus, err := s.GetQueueStatus(ctx)
	if err != nil {
		return nil, err
	}

	s.collector.IncrementCounter(metrics.DeadLetterRetries)

	return s.gateway.DrainDeadLetter(ctx, queueStatus.EventsPaused, func(ctx context.Context, eventID string) {
		// Best-effort: a requeued-to-holding event is processing again
		s.updateEventStatus(ctx, eventID, models.StatusProcessing)
	})
}

// updateEventStatus best-effort updates an event's status in the store and
// the search index; failures are logged, never propagated to the drain
func (s *EventService) updateEventStatus(ctx context.Context, eventID, status string) {
	id, err := uuid.Parse(eventID)
	if err != nil {
		log.Warn().Str("event_id", eventID).Msg("skipping status update for unparseable event id")
		return
	}

	if err := s.events.UpdateStatus(ctx, id, status); err != nil {
		log.Error().Err(err).Str("event_id", eventID).Msg("failed to update event status in store")
		return
	}

	event, err := s.events.GetByID(ctx, id)
	if err != nil {
		log.Error().Err(err).Str("event_id", eventID).Msg("failed to load event for index update")
		return
	}

	if err := s.searchIndex.UpdateEventStatus(ctx, event.OrganizationID, eventID, status); err != nil {
		log.Error().Err(err).Str("event_id", eventID).Msg("failed to update event status in search index")
	}
}

// EventStatus loads an event for the status-poll endpoint
func (s *EventService) EventStatus(ctx context.Context, eventID string) (*models.Event, error) {
	id, err := uuid.Parse(eventID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid event id")
	}
	return s.events.GetByID(ctx, id)
}

// RecordDestination appends a downstream adapter attempt row for an event
func (s *EventService) RecordDestination(ctx context.Context, eventID string, destinationName, serviceName, status, blockchainResponse string) (*models.EventDestination, error) {
	id, err := uuid.Parse(eventID)
	if err != nil {
		return nil, errors.Wrap(err, "invalid event id")
	}

	dest := &models.EventDestination{
		ID:                 uuid.New(),
		EventID:            id,
		DestinationName:    destinationName,
		ServiceName:        serviceName,
		Status:             status,
		Timestamp:          time.Now().UTC(),
		BlockchainResponse: blockchainResponse,
	}

	if err := s.destinations.Record(ctx, dest); err != nil {
		return nil, err
	}

	return dest, nil
}

// QueueDepth reads a queue's depth through the gateway
func (s *EventService) QueueDepth(ctx context.Context, name string) (*queue.Depth, error) {
	return s.gateway.QueueDepth(ctx, name)
}

func unixMillis(t *time.Time) *int64 {
	if t == nil {
		return nil
	}
	millis := t.UnixMilli()
	return &millis
}

package services

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"example.com/chaintrace/services/events/internal/epcis"
	"example.com/chaintrace/services/events/internal/metrics"
	"example.com/chaintrace/services/events/internal/models"
	"example.com/chaintrace/services/events/internal/privacy"
	"example.com/chaintrace/services/events/internal/queue"
	"example.com/chaintrace/services/events/internal/search"
	"example.com/chaintrace/services/events/internal/tracing"
)

const objectEventXML = `<EPCISDocument schemaVersion="1.2" creationDate="2023-03-01T10:00:00Z">
  <EPCISBody>
    <EventList>
      <ObjectEvent>
        <eventTime>2023-03-01T09:30:00Z</eventTime>
        <epcList>
          <epc>urn:epc:id:sgtin:0614141.107346.2017</epc>
          <epc>urn:epc:id:sgtin:0614141.107346.2018</epc>
        </epcList>
        <action>ADD</action>
      </ObjectEvent>
    </EventList>
  </EPCISBody>
</EPCISDocument>`

// Mock stores and collaborators for testing

type MockEventStore struct {
	mock.Mock
}

func (m *MockEventStore) Insert(ctx context.Context, event *models.Event) error {
	args := m.Called(ctx, event)
	return args.Error(0)
}

func (m *MockEventStore) GetByID(ctx context.Context, id uuid.UUID) (*models.Event, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(*models.Event), args.Error(1)
}

func (m *MockEventStore) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	args := m.Called(ctx, id, status)
	return args.Error(0)
}

type MockDestinationStore struct {
	mock.Mock
}

func (m *MockDestinationStore) Record(ctx context.Context, dest *models.EventDestination) error {
	args := m.Called(ctx, dest)
	return args.Error(0)
}

func (m *MockDestinationStore) ListByEvent(ctx context.Context, eventID uuid.UUID) ([]models.EventDestination, error) {
	args := m.Called(ctx, eventID)
	return args.Get(0).([]models.EventDestination), args.Error(1)
}

type MockQueueStatusStore struct {
	mock.Mock
}

func (m *MockQueueStatusStore) Current(ctx context.Context) (*models.QueueStatus, error) {
	args := m.Called(ctx)
	return args.Get(0).(*models.QueueStatus), args.Error(1)
}

func (m *MockQueueStatusStore) Append(ctx context.Context, status *models.QueueStatus) error {
	args := m.Called(ctx, status)
	return args.Error(0)
}

type MockSearchIndex struct {
	mock.Mock
}

func (m *MockSearchIndex) IndexEvent(ctx context.Context, organizationID string, record *search.EventRecord) error {
	args := m.Called(ctx, organizationID, record)
	return args.Error(0)
}

func (m *MockSearchIndex) UpdateEventStatus(ctx context.Context, organizationID, eventID, status string) error {
	args := m.Called(ctx, organizationID, eventID, status)
	return args.Error(0)
}

type MockGateway struct {
	mock.Mock
}

func (m *MockGateway) Start() error {
	args := m.Called()
	return args.Error(0)
}

func (m *MockGateway) PublishProcessing(ctx context.Context, body []byte, eventID, clientID, organizationID string) error {
	args := m.Called(ctx, body, eventID, clientID, organizationID)
	return args.Error(0)
}

func (m *MockGateway) PublishHolding(ctx context.Context, body []byte, eventID, clientID, organizationID string) error {
	args := m.Called(ctx, body, eventID, clientID, organizationID)
	return args.Error(0)
}

func (m *MockGateway) DrainHolding(ctx context.Context, onDrained func(ctx context.Context, eventID string)) error {
	args := m.Called(ctx, onDrained)
	return args.Error(0)
}

func (m *MockGateway) DrainDeadLetter(ctx context.Context, eventsPaused bool, onRequeued func(ctx context.Context, eventID string)) (*queue.RetryResult, error) {
	args := m.Called(ctx, eventsPaused, onRequeued)
	return args.Get(0).(*queue.RetryResult), args.Error(1)
}

func (m *MockGateway) QueueDepth(ctx context.Context, name string) (*queue.Depth, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(*queue.Depth), args.Error(1)
}

// fixedRules is a RuleProvider returning a static set of field paths
type fixedRules struct {
	paths []string
}

func (r fixedRules) FieldPaths(ctx context.Context, organizationID string) ([]string, error) {
	return r.paths, nil
}

// passthroughRedactor clones without removing anything, like an
// organization with no privacy rules configured
type passthroughRedactor struct{}

func (passthroughRedactor) Redact(ctx context.Context, doc epcis.Document, organizationID string) (epcis.Document, string, error) {
	clone, err := doc.Clone()
	if err != nil {
		return nil, "", err
	}
	return clone, clone.XML(), nil
}

func newTestService(events *MockEventStore, queueStatus *MockQueueStatusStore, searchIndex *MockSearchIndex, gateway *MockGateway) *EventService {
	return &EventService{
		events:       events,
		queueStatus:  queueStatus,
		searchIndex:  searchIndex,
		redactor:     passthroughRedactor{},
		gateway:      gateway,
		collector:    metrics.NewMetrics(),
		tracer:       &tracing.NewRelicTracer{},
		callbackBase: "http://localhost:8080",
	}
}

func TestProcessSubmissionAccepted(t *testing.T) {
	events := new(MockEventStore)
	queueStatus := new(MockQueueStatusStore)
	searchIndex := new(MockSearchIndex)
	gateway := new(MockGateway)
	service := newTestService(events, queueStatus, searchIndex, gateway)

	queueStatus.On("Current", mock.Anything).Return(&models.QueueStatus{EventsPaused: false}, nil)

	var persisted *models.Event
	events.On("Insert", mock.Anything, mock.AnythingOfType("*models.Event")).
		Run(func(args mock.Arguments) { persisted = args.Get(1).(*models.Event) }).
		Return(nil)

	var indexed *search.EventRecord
	searchIndex.On("IndexEvent", mock.Anything, "org-1", mock.AnythingOfType("*search.EventRecord")).
		Run(func(args mock.Arguments) { indexed = args.Get(2).(*search.EventRecord) }).
		Return(nil)

	var publishedEventID string
	gateway.On("PublishProcessing", mock.Anything, mock.Anything, mock.AnythingOfType("string"), "client-1", "org-1").
		Run(func(args mock.Arguments) { publishedEventID = args.String(2) }).
		Return(nil)

	result, err := service.ProcessSubmission(context.Background(), "org-1", "client-1", "http", []byte(objectEventXML))
	require.NoError(t, err)
	require.True(t, result.Success)
	require.Equal(t, "Accepted", result.Message)

	// One id correlates the row, the index record and the message headers,
	// and the callback URL embeds it
	require.Equal(t, persisted.ID.String(), publishedEventID)
	require.Equal(t, persisted.ID.String(), indexed.ID)
	require.Equal(t, fmt.Sprintf("http://localhost:8080/events/%s/status", publishedEventID), result.Callback)

	require.Equal(t, models.StatusAccepted, persisted.Status)
	require.Equal(t, "object", persisted.Type)
	require.Equal(t, "add", persisted.Action)
	require.Equal(t, []string{
		"urn:epc:id:sgtin:0614141.107346.2017",
		"urn:epc:id:sgtin:0614141.107346.2018",
	}, indexed.TextIDs)

	gateway.AssertNumberOfCalls(t, "PublishProcessing", 1)
	gateway.AssertNotCalled(t, "PublishHolding", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	events.AssertExpectations(t)
	searchIndex.AssertExpectations(t)
}

func TestProcessSubmissionRedactedIdentifiersStayOutOfStoreAndIndex(t *testing.T) {
	events := new(MockEventStore)
	queueStatus := new(MockQueueStatusStore)
	searchIndex := new(MockSearchIndex)
	gateway := new(MockGateway)
	service := newTestService(events, queueStatus, searchIndex, gateway)
	service.redactor = privacy.NewRedactor(fixedRules{paths: []string{
		"EPCISDocument.EPCISBody.EventList.ObjectEvent.epcList",
	}})

	queueStatus.On("Current", mock.Anything).Return(&models.QueueStatus{EventsPaused: false}, nil)

	var persisted *models.Event
	events.On("Insert", mock.Anything, mock.AnythingOfType("*models.Event")).
		Run(func(args mock.Arguments) { persisted = args.Get(1).(*models.Event) }).
		Return(nil)

	var indexed *search.EventRecord
	searchIndex.On("IndexEvent", mock.Anything, "org-1", mock.AnythingOfType("*search.EventRecord")).
		Run(func(args mock.Arguments) { indexed = args.Get(2).(*search.EventRecord) }).
		Return(nil)

	var publishedBody []byte
	gateway.On("PublishProcessing", mock.Anything, mock.Anything, mock.Anything, "client-1", "org-1").
		Run(func(args mock.Arguments) { publishedBody = args.Get(1).([]byte) }).
		Return(nil)

	_, err := service.ProcessSubmission(context.Background(), "org-1", "client-1", "http", []byte(objectEventXML))
	require.NoError(t, err)

	// The redacted identifiers are absent from the stored copies and the
	// search record alike
	require.NotContains(t, persisted.XMLData, "urn:epc:id:sgtin:0614141.107346.2017")
	require.NotContains(t, string(persisted.JSONData), "urn:epc")
	require.Empty(t, indexed.TextIDs)

	// Surviving fields still reach the stored copies
	require.Equal(t, "add", persisted.Action)
	require.NotNil(t, persisted.Timestamp)

	// The broker payload keeps the original, unredacted document
	require.Contains(t, string(publishedBody), "urn:epc:id:sgtin:0614141.107346.2017")
	require.Contains(t, string(publishedBody), "urn:epc:id:sgtin:0614141.107346.2018")
}

func TestProcessSubmissionEmbedsEventIDInPersistedBody(t *testing.T) {
	events := new(MockEventStore)
	queueStatus := new(MockQueueStatusStore)
	searchIndex := new(MockSearchIndex)
	gateway := new(MockGateway)
	service := newTestService(events, queueStatus, searchIndex, gateway)

	queueStatus.On("Current", mock.Anything).Return(&models.QueueStatus{EventsPaused: false}, nil)

	var persisted *models.Event
	events.On("Insert", mock.Anything, mock.AnythingOfType("*models.Event")).
		Run(func(args mock.Arguments) { persisted = args.Get(1).(*models.Event) }).
		Return(nil)
	searchIndex.On("IndexEvent", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	gateway.On("PublishProcessing", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	_, err := service.ProcessSubmission(context.Background(), "org-1", "client-1", "http", []byte(objectEventXML))
	require.NoError(t, err)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(persisted.JSONData, &body))
	require.Equal(t, persisted.ID.String(), body["eventID"])
}

func TestProcessSubmissionPausedRoutesToHolding(t *testing.T) {
	events := new(MockEventStore)
	queueStatus := new(MockQueueStatusStore)
	searchIndex := new(MockSearchIndex)
	gateway := new(MockGateway)
	service := newTestService(events, queueStatus, searchIndex, gateway)

	queueStatus.On("Current", mock.Anything).Return(&models.QueueStatus{EventsPaused: true}, nil)

	var persisted *models.Event
	events.On("Insert", mock.Anything, mock.AnythingOfType("*models.Event")).
		Run(func(args mock.Arguments) { persisted = args.Get(1).(*models.Event) }).
		Return(nil)

	var indexed *search.EventRecord
	searchIndex.On("IndexEvent", mock.Anything, "org-1", mock.AnythingOfType("*search.EventRecord")).
		Run(func(args mock.Arguments) { indexed = args.Get(2).(*search.EventRecord) }).
		Return(nil)

	gateway.On("PublishHolding", mock.Anything, mock.Anything, mock.AnythingOfType("string"), "client-1", "org-1").
		Return(nil)

	result, err := service.ProcessSubmission(context.Background(), "org-1", "client-1", "http", []byte(objectEventXML))
	require.NoError(t, err)
	require.Equal(t, "Processing", result.Message)

	require.Equal(t, models.StatusProcessing, persisted.Status)
	require.Equal(t, models.StatusProcessing, indexed.Status)

	gateway.AssertNotCalled(t, "PublishProcessing", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	gateway.AssertNumberOfCalls(t, "PublishHolding", 1)
}

func TestProcessSubmissionAggregationRejected(t *testing.T) {
	events := new(MockEventStore)
	queueStatus := new(MockQueueStatusStore)
	searchIndex := new(MockSearchIndex)
	gateway := new(MockGateway)
	service := newTestService(events, queueStatus, searchIndex, gateway)

	payload := []byte(`<EPCISDocument schemaVersion="1.2" creationDate="2023-03-01T10:00:00Z">
  <EPCISBody><EventList>
    <ObjectEvent><action>ADD</action></ObjectEvent>
    <AggregationEvent><action>ADD</action></AggregationEvent>
  </EventList></EPCISBody>
</EPCISDocument>`)

	_, err := service.ProcessSubmission(context.Background(), "org-1", "client-1", "http", payload)
	require.Error(t, err)
	require.Equal(t, "Aggregation events are not supported.", err.Error())

	var submissionErr *SubmissionError
	require.ErrorAs(t, err, &submissionErr)
	require.Equal(t, epcis.CodeAggregationEvent, submissionErr.Code)

	// Nothing persisted, indexed or published for a rejected submission
	events.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)
	searchIndex.AssertNotCalled(t, "IndexEvent", mock.Anything, mock.Anything, mock.Anything)
	gateway.AssertNotCalled(t, "PublishProcessing", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestProcessSubmissionWrongEventCount(t *testing.T) {
	service := newTestService(new(MockEventStore), new(MockQueueStatusStore), new(MockSearchIndex), new(MockGateway))

	payload := []byte(`<EPCISDocument schemaVersion="1.2" creationDate="2023-03-01T10:00:00Z">
  <EPCISBody><EventList></EventList></EPCISBody>
</EPCISDocument>`)

	_, err := service.ProcessSubmission(context.Background(), "org-1", "client-1", "http", payload)
	require.Error(t, err)
	require.Equal(t, "Wrong number of events in XML payload. Found 0. Expected 1.", err.Error())
}

func TestProcessSubmissionPublishFailureNotRetried(t *testing.T) {
	events := new(MockEventStore)
	queueStatus := new(MockQueueStatusStore)
	searchIndex := new(MockSearchIndex)
	gateway := new(MockGateway)
	service := newTestService(events, queueStatus, searchIndex, gateway)

	queueStatus.On("Current", mock.Anything).Return(&models.QueueStatus{EventsPaused: false}, nil)
	events.On("Insert", mock.Anything, mock.Anything).Return(nil)
	searchIndex.On("IndexEvent", mock.Anything, mock.Anything, mock.Anything).Return(nil)
	gateway.On("PublishProcessing", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(queue.ErrPublishFailure)

	_, err := service.ProcessSubmission(context.Background(), "org-1", "client-1", "http", []byte(objectEventXML))
	require.Error(t, err)

	var submissionErr *SubmissionError
	require.ErrorAs(t, err, &submissionErr)
	require.Equal(t, CodePublishFailure, submissionErr.Code)

	// The failed publish is surfaced, never re-attempted
	gateway.AssertNumberOfCalls(t, "PublishProcessing", 1)
}

func TestRetryFailedEventsEmptyQueue(t *testing.T) {
	events := new(MockEventStore)
	queueStatus := new(MockQueueStatusStore)
	searchIndex := new(MockSearchIndex)
	gateway := new(MockGateway)
	service := newTestService(events, queueStatus, searchIndex, gateway)

	queueStatus.On("Current", mock.Anything).Return(&models.QueueStatus{EventsPaused: false}, nil)
	gateway.On("DrainDeadLetter", mock.Anything, false, mock.Anything).
		Return(&queue.RetryResult{Success: false, Message: "No failed events messages to retry."}, nil)

	result, err := service.RetryFailedEvents(context.Background())
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Equal(t, "No failed events messages to retry.", result.Message)
}

func TestRetryFailedEventsPassesPauseFlag(t *testing.T) {
	events := new(MockEventStore)
	queueStatus := new(MockQueueStatusStore)
	searchIndex := new(MockSearchIndex)
	gateway := new(MockGateway)
	service := newTestService(events, queueStatus, searchIndex, gateway)

	queueStatus.On("Current", mock.Anything).Return(&models.QueueStatus{EventsPaused: true}, nil)
	gateway.On("DrainDeadLetter", mock.Anything, true, mock.Anything).
		Return(&queue.RetryResult{Success: true, Message: "Success in retrying the failed event messages."}, nil)

	result, err := service.RetryFailedEvents(context.Background())
	require.NoError(t, err)
	require.True(t, result.Success)
	gateway.AssertExpectations(t)
}

func TestSetQueueStatusAppendsNewRow(t *testing.T) {
	events := new(MockEventStore)
	queueStatusStore := new(MockQueueStatusStore)
	searchIndex := new(MockSearchIndex)
	gateway := new(MockGateway)
	service := newTestService(events, queueStatusStore, searchIndex, gateway)

	var appended *models.QueueStatus
	queueStatusStore.On("Append", mock.Anything, mock.AnythingOfType("*models.QueueStatus")).
		Run(func(args mock.Arguments) { appended = args.Get(1).(*models.QueueStatus) }).
		Return(nil)

	// Pausing does not trigger a drain
	status, err := service.SetQueueStatus(context.Background(), true, false, "operator@example.com")
	require.NoError(t, err)
	require.True(t, status.EventsPaused)
	require.Equal(t, "operator@example.com", appended.UpdatedBy)
	require.NotEqual(t, uuid.Nil, appended.ID)

	gateway.AssertNotCalled(t, "DrainHolding", mock.Anything, mock.Anything)
}

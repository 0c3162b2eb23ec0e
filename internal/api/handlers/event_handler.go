package handlers

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"example.com/chaintrace/services/events/internal/services"
	"example.com/chaintrace/services/events/internal/tracing"
)

// EventHandler handles event ingestion and status HTTP requests
type EventHandler struct {
	eventService *services.EventService
	tracer       tracing.Tracer
}

// NewEventHandler creates a new event handler
func NewEventHandler(eventService *services.EventService, tracer tracing.Tracer) *EventHandler {
	return &EventHandler{
		eventService: eventService,
		tracer:       tracer,
	}
}

// FailureResponse is the uniform error payload
type FailureResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// DestinationRequest records one downstream adapter attempt for an event
type DestinationRequest struct {
	DestinationName    string `json:"destination_name" binding:"required"`
	ServiceName        string `json:"service_name" binding:"required"`
	Status             string `json:"status" binding:"required"`
	BlockchainResponse string `json:"blockchain_response"`
}

// HandleSubmission ingests one raw EPCIS XML document
func (h *EventHandler) HandleSubmission(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-event-submission")
	defer h.tracer.EndTransaction(txn)

	organizationID := c.GetHeader("X-Organization-Id")
	clientID := c.GetHeader("X-Client-Id")
	if organizationID == "" || clientID == "" {
		c.JSON(http.StatusBadRequest, FailureResponse{
			Success: false,
			Message: "Missing X-Organization-Id or X-Client-Id header",
		})
		return
	}

	source := c.GetHeader("X-Source")
	if source == "" {
		source = "http"
	}

	raw, err := io.ReadAll(c.Request.Body)
	if err != nil {
		log.Error().Err(err).Msg("Failed to read request body")
		c.JSON(http.StatusBadRequest, FailureResponse{Success: false, Message: "Unable to read request body"})
		h.tracer.RecordError(txn, err)
		return
	}

	result, err := h.eventService.ProcessSubmission(c.Request.Context(), organizationID, clientID, source, raw)
	if err != nil {
		c.JSON(http.StatusBadRequest, FailureResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, result)
}

// HandleEventStatus serves the status-poll URL returned in the submission
// callback
func (h *EventHandler) HandleEventStatus(c *gin.Context) {
	event, err := h.eventService.EventStatus(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, FailureResponse{Success: false, Message: "Event not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"id":         event.ID,
		"status":     event.Status,
		"type":       event.Type,
		"action":     event.Action,
		"source":     event.Source,
		"timestamp":  event.Timestamp,
		"created_at": event.CreatedAt,
		"updated_at": event.UpdatedAt,
	})
}

// HandleRecordDestination appends a destination attempt row for an event
func (h *EventHandler) HandleRecordDestination(c *gin.Context) {
	var req DestinationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, FailureResponse{Success: false, Message: err.Error()})
		return
	}

	dest, err := h.eventService.RecordDestination(
		c.Request.Context(),
		c.Param("id"),
		req.DestinationName,
		req.ServiceName,
		req.Status,
		req.BlockchainResponse,
	)
	if err != nil {
		c.JSON(http.StatusBadRequest, FailureResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusCreated, dest)
}

// RegisterRoutes registers the handler's routes
func (h *EventHandler) RegisterRoutes(router *gin.Engine) {
	router.POST("/events", h.HandleSubmission)
	router.GET("/events/:id/status", h.HandleEventStatus)
	router.POST("/events/:id/destinations", h.HandleRecordDestination)
}

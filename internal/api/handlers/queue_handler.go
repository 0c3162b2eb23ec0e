package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"example.com/chaintrace/services/events/internal/services"
	"example.com/chaintrace/services/events/internal/tracing"
)

// QueueHandler handles queue administration HTTP requests
type QueueHandler struct {
	eventService *services.EventService
	tracer       tracing.Tracer
}

// NewQueueHandler creates a new queue handler
func NewQueueHandler(eventService *services.EventService, tracer tracing.Tracer) *QueueHandler {
	return &QueueHandler{
		eventService: eventService,
		tracer:       tracer,
	}
}

// QueueStatusRequest toggles the pause flags. Pointer fields so a missing
// key is distinguishable from an explicit false/empty value.
type QueueStatusRequest struct {
	EventsPaused     *bool   `json:"events_paused"`
	MasterdataPaused *bool   `json:"masterdata_paused"`
	UpdatedBy        *string `json:"updated_by"`
}

// HandleSetQueueStatus writes a brand-new pause record. Fields are checked
// in a fixed order so the error message is deterministic.
func (h *QueueHandler) HandleSetQueueStatus(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-set-queue-status")
	defer h.tracer.EndTransaction(txn)

	var req QueueStatusRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, FailureResponse{Success: false, Message: "Invalid request body"})
		h.tracer.RecordError(txn, err)
		return
	}

	if req.EventsPaused == nil {
		c.JSON(http.StatusBadRequest, FailureResponse{Success: false, Message: "Missing events_paused in request"})
		return
	}
	if req.MasterdataPaused == nil {
		c.JSON(http.StatusBadRequest, FailureResponse{Success: false, Message: "Missing masterdata_paused in request"})
		return
	}
	if req.UpdatedBy == nil {
		c.JSON(http.StatusBadRequest, FailureResponse{Success: false, Message: "Missing updated_by in request"})
		return
	}

	status, err := h.eventService.SetQueueStatus(c.Request.Context(), *req.EventsPaused, *req.MasterdataPaused, *req.UpdatedBy)
	if err != nil {
		log.Error().Err(err).Msg("Failed to set queue status")
		c.JSON(http.StatusInternalServerError, FailureResponse{Success: false, Message: err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"success": true, "status": status})
}

// HandleGetQueueStatus returns the current (latest) pause record
func (h *QueueHandler) HandleGetQueueStatus(c *gin.Context) {
	status, err := h.eventService.GetQueueStatus(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, FailureResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, status)
}

// HandleQueueDepth reads a queue's depth without side effects
func (h *QueueHandler) HandleQueueDepth(c *gin.Context) {
	depth, err := h.eventService.QueueDepth(c.Request.Context(), c.Param("name"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, FailureResponse{Success: false, Message: err.Error()})
		return
	}

	c.JSON(http.StatusOK, depth)
}

// HandleDeadLetterRetry triggers a dead-letter drain and returns the
// gateway's resolve payload verbatim
func (h *QueueHandler) HandleDeadLetterRetry(c *gin.Context) {
	txn := h.tracer.StartTransaction("api-dead-letter-retry")
	defer h.tracer.EndTransaction(txn)

	result, err := h.eventService.RetryFailedEvents(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("Dead-letter retry failed")
		c.JSON(http.StatusInternalServerError, FailureResponse{Success: false, Message: err.Error()})
		h.tracer.RecordError(txn, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// RegisterRoutes registers the handler's routes
func (h *QueueHandler) RegisterRoutes(router *gin.Engine) {
	router.GET("/queues/status", h.HandleGetQueueStatus)
	router.POST("/queues/status", h.HandleSetQueueStatus)
	router.GET("/queues/depth/:name", h.HandleQueueDepth)
	router.POST("/queues/deadletter/retry", h.HandleDeadLetterRetry)
}

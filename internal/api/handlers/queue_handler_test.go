package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"example.com/chaintrace/services/events/internal/tracing"
)

func setQueueStatusRequest(t *testing.T, body string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)

	// Missing-field checks run before any service call, so no service is
	// needed here
	handler := NewQueueHandler(nil, &tracing.NewRelicTracer{})
	router := gin.New()
	router.POST("/queues/status", handler.HandleSetQueueStatus)

	req := httptest.NewRequest(http.MethodPost, "/queues/status", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, req)
	return recorder
}

func TestSetQueueStatusMissingFields(t *testing.T) {
	tests := []struct {
		name    string
		body    string
		message string
	}{
		{
			name:    "missing events_paused",
			body:    `{"masterdata_paused": false, "updated_by": "ops"}`,
			message: "Missing events_paused in request",
		},
		{
			name:    "missing masterdata_paused",
			body:    `{"events_paused": true, "updated_by": "ops"}`,
			message: "Missing masterdata_paused in request",
		},
		{
			name:    "missing updated_by",
			body:    `{"events_paused": true, "masterdata_paused": false}`,
			message: "Missing updated_by in request",
		},
		{
			name:    "events_paused checked first",
			body:    `{}`,
			message: "Missing events_paused in request",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			recorder := setQueueStatusRequest(t, tt.body)
			require.Equal(t, http.StatusBadRequest, recorder.Code)

			var response FailureResponse
			require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
			require.False(t, response.Success)
			require.Equal(t, tt.message, response.Message)
		})
	}
}

func TestSetQueueStatusInvalidBody(t *testing.T) {
	recorder := setQueueStatusRequest(t, `{not json`)
	require.Equal(t, http.StatusBadRequest, recorder.Code)

	var response FailureResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	require.Equal(t, "Invalid request body", response.Message)
}

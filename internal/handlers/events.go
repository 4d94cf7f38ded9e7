package handlers

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/tetrix-ml/autotrain/internal/ingest"
)

type EventsHandler struct {
	handler *ingest.Handler
}

func NewEventsHandler(handler *ingest.Handler) *EventsHandler {
	return &EventsHandler{handler: handler}
}

type storageEventRequest struct {
	ProcessorID string `json:"processor_id"`
	Bucket      string `json:"bucket"`
	Name        string `json:"name"`
	ContentType string `json:"contentType"`
	EventType   string `json:"eventType"`
}

// POST /api/events/storage
func (h *EventsHandler) StorageEvent(c *gin.Context) {
	var req storageEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "invalid_event", err)
		return
	}
	if req.ProcessorID == "" {
		RespondError(c, http.StatusBadRequest, "missing_processor_id",
			fmt.Errorf("processor_id required"))
		return
	}
	if req.Bucket == "" || req.Name == "" {
		RespondError(c, http.StatusBadRequest, "invalid_event",
			fmt.Errorf("bucket and name required"))
		return
	}

	res, err := h.handler.Handle(c.Request.Context(), req.ProcessorID, ingest.StorageEvent{
		Bucket:      req.Bucket,
		Name:        req.Name,
		ContentType: req.ContentType,
		EventType:   req.EventType,
	})
	if err != nil {
		RespondError(c, http.StatusInternalServerError, "ingest_failed", err)
		return
	}
	RespondOK(c, res)
}

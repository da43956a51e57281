package telemetry

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/trustbank/internal/auth"
	"github.com/mbd888/trustbank/internal/logging"
)

// CursorRequest is the body of POST /v1/telemetry/cursor.
type CursorRequest struct {
	SessionID string   `json:"sessionId"`
	Events    []Stroke `json:"events"`
}

// Handler provides the telemetry upload endpoint.
type Handler struct {
	recorder *Recorder
}

func NewHandler(recorder *Recorder) *Handler {
	return &Handler{recorder: recorder}
}

// RegisterProtectedRoutes sets up routes that need an authenticated user.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/telemetry/cursor", h.RecordCursor)
}

// RecordCursor handles POST /v1/telemetry/cursor
func (h *Handler) RecordCursor(c *gin.Context) {
	var req CursorRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request", "message": "Invalid request body"})
		return
	}

	n, err := h.recorder.Record(c.Request.Context(), auth.GetUserID(c), req.SessionID, req.Events)
	if err != nil {
		switch {
		case errors.Is(err, ErrInvalidBatch), errors.Is(err, ErrRaggedStroke):
			c.JSON(http.StatusBadRequest, gin.H{"error": "validation_error", "message": err.Error()})
		case errors.Is(err, ErrBatchTooLarge):
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "batch_too_large", "message": err.Error()})
		default:
			logging.L(c.Request.Context()).Error("failed to record cursor events", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error", "message": "Failed to record events"})
		}
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "Events recorded", "count": n})
}

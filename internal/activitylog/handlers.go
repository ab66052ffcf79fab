package activitylog

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quizlive/integrity/internal/pagination"
	"github.com/quizlive/integrity/internal/risk"
	"github.com/quizlive/integrity/internal/telemetry"
)

// Handler provides HTTP endpoints for the activity log and live risk queries.
type Handler struct {
	log    *Log
	scorer *risk.Scorer
}

// NewHandler creates an activity log handler.
func NewHandler(log *Log, scorer *risk.Scorer) *Handler {
	return &Handler{log: log, scorer: scorer}
}

// RegisterRoutes sets up the ingestion and reviewer read endpoints.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sessions/:sessionId/events", h.IngestEvent)
	r.GET("/sessions/:sessionId/events", h.ListSessionEvents)
	r.GET("/sessions/:sessionId/users/:userId/events", h.ListUserEvents)
	r.GET("/sessions/:sessionId/users/:userId/risk", h.GetUserRisk)
}

// RegisterProtectedRoutes sets up the reviewer mutation endpoints.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/events/:eventId/acknowledge", h.AcknowledgeEvent)
}

// IngestEvent accepts one telemetry event from a participant connection.
// POST /v1/sessions/:sessionId/events
func (h *Handler) IngestEvent(c *gin.Context) {
	var sub Submission
	if err := c.ShouldBindJSON(&sub); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Request body must be a telemetry event",
		})
		return
	}
	sub.SessionID = c.Param("sessionId")
	if sub.UserID == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "userId is required",
		})
		return
	}

	event, err := h.log.Ingest(c.Request.Context(), &sub)
	if err != nil {
		if errors.Is(err, telemetry.ErrUnknownActivityType) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"error":   "unknown_activity_type",
				"message": "activityType is not in the supported enumeration",
			})
			return
		}
		// Persistence failure: the caller must retry — the log is the sole
		// forensic record and the event was not stored.
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error":   "persistence_failure",
			"message": "Event could not be stored, retry the submission",
		})
		return
	}

	c.JSON(http.StatusCreated, gin.H{"event": event})
}

// ListSessionEvents returns a session's events, newest first.
// GET /v1/sessions/:sessionId/events?limit=&cursor=
func (h *Handler) ListSessionEvents(c *gin.Context) {
	sessionID := c.Param("sessionId")

	limit := 50
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 && n <= 500 {
			limit = n
		}
	}
	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_cursor",
			"message": "cursor is malformed",
		})
		return
	}

	// Fetch one extra row to learn whether another page exists.
	events, err := h.log.BySession(c.Request.Context(), sessionID, limit+1, cursor)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "query_failed",
			"message": "Could not load session events",
		})
		return
	}

	page, next, hasMore := pagination.ComputePage(events, limit, func(e *telemetry.Event) (time.Time, string) {
		return e.OccurredAt, e.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"events":     page,
		"nextCursor": next,
		"hasMore":    hasMore,
	})
}

// ListUserEvents returns one participant's events within a session.
// GET /v1/sessions/:sessionId/users/:userId/events
func (h *Handler) ListUserEvents(c *gin.Context) {
	events, err := h.log.ByUser(c.Request.Context(), c.Param("sessionId"), c.Param("userId"))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "query_failed",
			"message": "Could not load participant events",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// GetUserRisk recomputes a participant's live risk assessment from the log.
// GET /v1/sessions/:sessionId/users/:userId/risk
func (h *Handler) GetUserRisk(c *gin.Context) {
	sessionID := c.Param("sessionId")
	userID := c.Param("userId")

	events, err := h.log.ByUser(c.Request.Context(), sessionID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "query_failed",
			"message": "Could not load participant events",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"risk": h.scorer.Assess(sessionID, userID, events)})
}

// AcknowledgeEvent attaches a reviewer annotation to an event.
// POST /v1/events/:eventId/acknowledge
func (h *Handler) AcknowledgeEvent(c *gin.Context) {
	var req struct {
		Reviewer string `json:"reviewer" binding:"required"`
		Notes    string `json:"notes"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "reviewer is required",
		})
		return
	}

	event, err := h.log.Acknowledge(c.Request.Context(), c.Param("eventId"), req.Reviewer, req.Notes)
	if err != nil {
		if errors.Is(err, ErrEventNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "event_not_found",
				"message": "No event with that ID",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "acknowledge_failed",
			"message": "Could not acknowledge event",
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{"event": event})
}

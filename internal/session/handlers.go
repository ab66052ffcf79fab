package session

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/quizlive/integrity/internal/idgen"
	"github.com/quizlive/integrity/internal/logging"
	"github.com/quizlive/integrity/internal/telemetry"
)

// Ingestor appends server-produced telemetry. Satisfied by *activitylog.Log.
type Ingestor interface {
	IngestTrusted(ctx context.Context, event *telemetry.Event) error
}

// Observer watches connection behavior on the submission path. Satisfied by
// *sentinel.Sentinel.
type Observer interface {
	Observe(ctx context.Context, sessionID, userID, remoteIP string)
	EndSession(sessionID string)
}

// Handler exposes the session read-model boundary: the quiz-delivery
// collaborator pushes lifecycle changes and answer submissions through it.
type Handler struct {
	store    Store
	ingestor Ingestor
	observer Observer
}

// NewHandler creates the session HTTP handler.
func NewHandler(store Store, ingestor Ingestor, observer Observer) *Handler {
	return &Handler{store: store, ingestor: ingestor, observer: observer}
}

// RegisterRoutes mounts the session boundary on the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/sessions", h.CreateSession)
	r.GET("/sessions/:sessionId", h.GetSession)
	r.POST("/sessions/:sessionId/participants", h.JoinSession)
	r.POST("/sessions/:sessionId/answers", h.SubmitAnswer)
	r.POST("/sessions/:sessionId/end", h.EndSession)
}

type createSessionRequest struct {
	ID string `json:"id"`
}

// CreateSession handles POST /sessions.
func (h *Handler) CreateSession(c *gin.Context) {
	var req createSessionRequest
	// Body is optional: an empty request gets a generated ID.
	_ = c.ShouldBindJSON(&req)
	if req.ID == "" {
		req.ID = idgen.WithPrefix("sess_")
	}

	sess := &Session{ID: req.ID, StartedAt: time.Now().UTC()}
	if err := h.store.Create(c.Request.Context(), sess); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "create_failed",
			"message": err.Error(),
		})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session": sess})
}

// GetSession handles GET /sessions/:sessionId.
func (h *Handler) GetSession(c *gin.Context) {
	sess, err := h.store.Get(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "session_not_found",
			"message": "no session with that ID",
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": sess})
}

type joinRequest struct {
	UserID      string `json:"userId" binding:"required"`
	DisplayName string `json:"displayName"`
}

// JoinSession handles POST /sessions/:sessionId/participants. Joining is
// idempotent; the sentinel sees the join as a connection so concurrent
// session membership is caught here.
func (h *Handler) JoinSession(c *gin.Context) {
	var req joinRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	sessionID := c.Param("sessionId")
	err := h.store.AddParticipant(c.Request.Context(), sessionID, &Participant{
		UserID:      req.UserID,
		DisplayName: req.DisplayName,
		JoinedAt:    time.Now().UTC(),
	})
	switch {
	case errors.Is(err, ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "session_not_found",
			"message": "no session with that ID",
		})
		return
	case errors.Is(err, ErrSessionEnded):
		c.JSON(http.StatusConflict, gin.H{
			"error":   "session_ended",
			"message": "session is no longer accepting participants",
		})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "join_failed",
			"message": err.Error(),
		})
		return
	}

	if h.observer != nil {
		h.observer.Observe(c.Request.Context(), sessionID, req.UserID, c.ClientIP())
	}
	c.JSON(http.StatusOK, gin.H{"joined": true})
}

type answerRequest struct {
	UserID         string    `json:"userId" binding:"required"`
	QuestionID     string    `json:"questionId" binding:"required"`
	SelectedAnswer string    `json:"selectedAnswer"`
	Correct        bool      `json:"correct"`
	IssuedAt       time.Time `json:"issuedAt" binding:"required"`
	AllottedMs     int64     `json:"allottedMs"`
}

// SubmitAnswer handles POST /sessions/:sessionId/answers: the consumption
// point for answer submissions. Timing is validated against server clocks —
// issuedAt is the collaborator's question-issue timestamp, submission time is
// taken here. Late answers are rejected; implausibly fast ones are accepted
// and flagged.
func (h *Handler) SubmitAnswer(c *gin.Context) {
	var req answerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": err.Error(),
		})
		return
	}

	ctx := c.Request.Context()
	sessionID := c.Param("sessionId")
	submittedAt := time.Now().UTC()

	timing, err := ValidateTiming(req.IssuedAt, submittedAt, time.Duration(req.AllottedMs)*time.Millisecond)
	if errors.Is(err, ErrTimeExceeded) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{
			"error":   "time_exceeded",
			"message": "answer submitted after the allotted time",
		})
		return
	}

	answer := &Answer{
		QuestionID:     req.QuestionID,
		SelectedAnswer: req.SelectedAnswer,
		Correct:        req.Correct,
		TimeSpentMs:    timing.Elapsed.Milliseconds(),
		SubmittedAt:    submittedAt,
	}
	switch err := h.store.AppendAnswer(ctx, sessionID, req.UserID, answer); {
	case errors.Is(err, ErrSessionNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "session_not_found",
			"message": "no session with that ID",
		})
		return
	case errors.Is(err, ErrParticipantNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "participant_not_found",
			"message": "user has not joined this session",
		})
		return
	case err != nil:
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "append_failed",
			"message": err.Error(),
		})
		return
	}

	if timing.SuspiciouslyFast && h.ingestor != nil {
		event := &telemetry.Event{
			SessionID:    sessionID,
			UserID:       req.UserID,
			ActivityType: telemetry.ActivityImpossiblyFastAnswer,
			Details: map[string]any{
				"questionId": req.QuestionID,
				"elapsedMs":  timing.Elapsed.Milliseconds(),
			},
		}
		if err := h.ingestor.IngestTrusted(ctx, event); err != nil {
			logging.L(ctx).Error("fast-answer flag not recorded",
				"session_id", sessionID, "user_id", req.UserID, "error", err)
		}
	}

	if h.observer != nil {
		h.observer.Observe(ctx, sessionID, req.UserID, c.ClientIP())
	}

	c.JSON(http.StatusCreated, gin.H{
		"accepted":         true,
		"elapsedMs":        timing.Elapsed.Milliseconds(),
		"suspiciouslyFast": timing.SuspiciouslyFast,
	})
}

// EndSession handles POST /sessions/:sessionId/end.
func (h *Handler) EndSession(c *gin.Context) {
	sessionID := c.Param("sessionId")
	if err := h.store.End(c.Request.Context(), sessionID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "session_not_found",
			"message": "no session with that ID",
		})
		return
	}
	if h.observer != nil {
		h.observer.EndSession(sessionID)
	}
	c.JSON(http.StatusOK, gin.H{"ended": true})
}

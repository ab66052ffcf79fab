package report

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/quizlive/integrity/internal/session"
)

// EventEmitter receives a notification after every successful generation.
// Implementations fan out to the realtime hub and webhook dispatcher.
type EventEmitter interface {
	ReportGenerated(sessionID string, participants, findings int)
}

// Handler exposes report generation over HTTP.
type Handler struct {
	generator *Generator
	events    EventEmitter
}

// NewHandler creates the report HTTP handler.
func NewHandler(generator *Generator) *Handler {
	return &Handler{generator: generator}
}

// WithEvents adds a post-generation event emitter.
func (h *Handler) WithEvents(e EventEmitter) *Handler {
	h.events = e
	return h
}

// RegisterRoutes mounts the report endpoint on the given group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/sessions/:sessionId/report", h.GetReport)
}

// GetReport handles GET /sessions/:sessionId/report.
func (h *Handler) GetReport(c *gin.Context) {
	rep, err := h.generator.Generate(c.Request.Context(), c.Param("sessionId"))
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{
				"error":   "session_not_found",
				"message": "no session with that ID",
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "analysis_failed",
			"message": err.Error(),
		})
		return
	}

	if h.events != nil {
		h.events.ReportGenerated(rep.SessionID, len(rep.Participants), len(rep.CollusionFindings))
	}

	c.JSON(http.StatusOK, gin.H{"report": rep})
}

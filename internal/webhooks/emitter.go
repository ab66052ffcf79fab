package webhooks

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/quizlive/integrity/internal/idgen"
	"github.com/quizlive/integrity/internal/telemetry"
)

var (
	webhookEmitTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "integrity",
		Subsystem: "webhook",
		Name:      "emit_total",
		Help:      "Total webhook emit attempts by event type.",
	}, []string{"event_type"})

	webhookEmitErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "integrity",
		Subsystem: "webhook",
		Name:      "emit_errors_total",
		Help:      "Total webhook emit failures by event type.",
	}, []string{"event_type"})
)

func init() {
	prometheus.MustRegister(webhookEmitTotal, webhookEmitErrors)
}

// Emitter wraps a Dispatcher to emit integrity events across subsystems.
// All methods are fire-and-forget: errors are logged but never returned.
type Emitter struct {
	d      *Dispatcher
	logger *slog.Logger
}

// NewEmitter creates a new webhook emitter.
func NewEmitter(d *Dispatcher, logger *slog.Logger) *Emitter {
	return &Emitter{d: d, logger: logger}
}

func (e *Emitter) emit(eventType EventType, data map[string]interface{}) {
	if e == nil || e.d == nil {
		return
	}
	webhookEmitTotal.WithLabelValues(string(eventType)).Inc()
	event := &Event{
		ID:        idgen.WithPrefix("wh_evt_"),
		Type:      eventType,
		Timestamp: time.Now(),
		Data:      data,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := e.d.Dispatch(ctx, event); err != nil {
		webhookEmitErrors.WithLabelValues(string(eventType)).Inc()
		e.logger.Warn("webhook emit failed", "event", eventType, "error", err)
	}
}

// EventAppended implements activitylog.Notifier: CRITICAL violations go out
// to subscribers the moment they are recorded. Lower severities stay in-band.
func (e *Emitter) EventAppended(event *telemetry.Event) {
	if event.Severity != telemetry.SeverityCritical {
		return
	}
	e.EmitCriticalViolation(event)
}

// EmitCriticalViolation emits an event.critical notification.
func (e *Emitter) EmitCriticalViolation(event *telemetry.Event) {
	e.emit(EventCriticalViolation, map[string]interface{}{
		"eventId":      event.ID,
		"sessionId":    event.SessionID,
		"userId":       event.UserID,
		"activityType": string(event.ActivityType),
		"severity":     string(event.Severity),
		"occurredAt":   event.OccurredAt,
	})
}

// EmitReportGenerated emits a report.generated notification.
func (e *Emitter) EmitReportGenerated(sessionID string, participants, findings int) {
	e.emit(EventReportGenerated, map[string]interface{}{
		"sessionId":         sessionID,
		"participants":      participants,
		"collusionFindings": findings,
	})
}

// EmitSessionEnded emits a session.ended notification.
func (e *Emitter) EmitSessionEnded(sessionID string) {
	e.emit(EventSessionEnded, map[string]interface{}{
		"sessionId": sessionID,
	})
}

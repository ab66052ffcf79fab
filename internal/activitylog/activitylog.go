// Package activitylog is the append-only per-session store of telemetry
// events: the single source of truth for all integrity analysis.
//
// Ingestion is the only hot-path mutation. Appends from distinct
// (session, user) pairs must never lose writes; queries return point-in-time
// snapshots sorted occurredAt-descending for recency-first review. No event
// is ever removed — reviewer acknowledgement is an additive annotation that
// leaves every scoring-relevant field untouched.
package activitylog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/quizlive/integrity/internal/idgen"
	"github.com/quizlive/integrity/internal/metrics"
	"github.com/quizlive/integrity/internal/pagination"
	"github.com/quizlive/integrity/internal/retry"
	"github.com/quizlive/integrity/internal/telemetry"
)

var (
	ErrEventNotFound = errors.New("event not found")

	// ErrPersistenceFailure wraps an append that failed after retries. The
	// log is the sole forensic record, so this is always surfaced to the
	// caller for retry, never silently dropped.
	ErrPersistenceFailure = errors.New("activity log append failed")
)

// Append retry policy for transient store failures.
const (
	appendAttempts  = 3
	appendBaseDelay = 50 * time.Millisecond
)

// Store persists telemetry events.
type Store interface {
	Append(ctx context.Context, event *telemetry.Event) error
	BySession(ctx context.Context, sessionID string, limit int, cursor *pagination.Cursor) ([]*telemetry.Event, error)
	ByUser(ctx context.Context, sessionID, userID string) ([]*telemetry.Event, error)
	Get(ctx context.Context, eventID string) (*telemetry.Event, error)
	Acknowledge(ctx context.Context, eventID, reviewer, notes string) (*telemetry.Event, error)
	CountByUserAndType(ctx context.Context, sessionID, userID string, t telemetry.ActivityType) (int, error)
}

// Notifier receives every successfully appended event. Implementations fan
// out to the realtime hub and webhook dispatcher; they must not block.
type Notifier interface {
	EventAppended(event *telemetry.Event)
}

// Submission is an untrusted event as received from a client producer.
// Severity is deliberately absent: the ingestion boundary assigns it.
type Submission struct {
	SessionID       string                 `json:"sessionId"`
	UserID          string                 `json:"userId"`
	UserDisplayName string                 `json:"userDisplayName"`
	ActivityType    telemetry.ActivityType `json:"activityType"`
	Details         map[string]any         `json:"details,omitempty"`
}

// Log validates, stamps, and appends telemetry events.
type Log struct {
	store     Store
	policy    *telemetry.Policy
	notifiers []Notifier
	logger    *slog.Logger

	// FULLSCREEN_EXIT escalates to CRITICAL once a user's server-counted
	// exit total reaches this maximum. The count never resets within a
	// session; the first violations are MEDIUM but already count toward it.
	maxFullscreenExits int
}

// Option configures the Log.
type Option func(*Log)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(lg *Log) { lg.logger = l }
}

// WithPolicy overrides the deployment severity/weight policy.
func WithPolicy(p *telemetry.Policy) Option {
	return func(lg *Log) { lg.policy = p }
}

// WithNotifier registers a fan-out target for appended events.
func WithNotifier(n Notifier) Option {
	return func(lg *Log) { lg.notifiers = append(lg.notifiers, n) }
}

// WithMaxFullscreenExits overrides the escalation maximum (default 3).
func WithMaxFullscreenExits(max int) Option {
	return func(lg *Log) { lg.maxFullscreenExits = max }
}

// New creates an activity log over the given store.
func New(store Store, opts ...Option) *Log {
	lg := &Log{
		store:              store,
		policy:             telemetry.DefaultPolicy(),
		logger:             slog.Default(),
		maxFullscreenExits: 3,
	}
	for _, opt := range opts {
		opt(lg)
	}
	return lg
}

// Ingest accepts one untrusted submission: validates the activity type
// against the closed enumeration, assigns severity from policy, stamps
// occurredAt server-side, and appends. Malformed details are stored as-is
// for forensic value. Returns the stored event.
func (lg *Log) Ingest(ctx context.Context, sub *Submission) (*telemetry.Event, error) {
	severity, err := lg.policy.DefaultSeverity(sub.ActivityType)
	if err != nil {
		return nil, err
	}

	event := &telemetry.Event{
		SessionID:       sub.SessionID,
		UserID:          sub.UserID,
		UserDisplayName: sub.UserDisplayName,
		ActivityType:    sub.ActivityType,
		Severity:        severity,
		Details:         sub.Details,
	}

	if sub.ActivityType == telemetry.ActivityFullscreenExit {
		lg.escalateFullscreenExit(ctx, event)
	}

	return event, lg.append(ctx, event)
}

// IngestTrusted appends an event produced inside the server (sentinel rules,
// collusion detector). The producer's severity is kept when set; the type
// must still be in the closed enumeration.
func (lg *Log) IngestTrusted(ctx context.Context, event *telemetry.Event) error {
	if !lg.policy.Known(event.ActivityType) {
		return fmt.Errorf("%w: %q", telemetry.ErrUnknownActivityType, event.ActivityType)
	}
	if event.Severity.Rank() == 0 {
		event.Severity, _ = lg.policy.DefaultSeverity(event.ActivityType)
	}
	return lg.append(ctx, event)
}

// escalateFullscreenExit counts the user's prior exits server-side and
// annotates the event. The client-reported count in details is kept for
// forensics but never trusted for severity.
func (lg *Log) escalateFullscreenExit(ctx context.Context, event *telemetry.Event) {
	prior, err := lg.store.CountByUserAndType(ctx, event.SessionID, event.UserID, telemetry.ActivityFullscreenExit)
	if err != nil {
		lg.logger.Warn("fullscreen exit count unavailable, keeping default severity",
			"session_id", event.SessionID, "user_id", event.UserID, "error", err)
		return
	}
	total := prior + 1
	if event.Details == nil {
		event.Details = map[string]any{}
	}
	event.Details["violationCount"] = total
	event.Details["maxViolations"] = lg.maxFullscreenExits
	if total >= lg.maxFullscreenExits {
		event.Severity = telemetry.SeverityCritical
	}
}

func (lg *Log) append(ctx context.Context, event *telemetry.Event) error {
	if event.ID == "" {
		event.ID = idgen.WithPrefix("evt_")
	}
	event.OccurredAt = time.Now().UTC()

	err := retry.Do(ctx, appendAttempts, appendBaseDelay, func() error {
		return lg.store.Append(ctx, event)
	})
	if err != nil {
		metrics.EventsRejected.WithLabelValues("persistence").Inc()
		return fmt.Errorf("%w: %v", ErrPersistenceFailure, err)
	}

	metrics.EventsIngested.WithLabelValues(string(event.ActivityType), string(event.Severity)).Inc()
	lg.logger.Info("telemetry event appended",
		"event_id", event.ID,
		"session_id", event.SessionID,
		"user_id", event.UserID,
		"activity_type", event.ActivityType,
		"severity", event.Severity,
	)

	for _, n := range lg.notifiers {
		n.EventAppended(event)
	}
	return nil
}

// BySession returns the session's events, newest first.
func (lg *Log) BySession(ctx context.Context, sessionID string, limit int, cursor *pagination.Cursor) ([]*telemetry.Event, error) {
	return lg.store.BySession(ctx, sessionID, limit, cursor)
}

// ByUser returns one user's events within a session, newest first.
func (lg *Log) ByUser(ctx context.Context, sessionID, userID string) ([]*telemetry.Event, error) {
	return lg.store.ByUser(ctx, sessionID, userID)
}

// Get returns a single event by ID.
func (lg *Log) Get(ctx context.Context, eventID string) (*telemetry.Event, error) {
	return lg.store.Get(ctx, eventID)
}

// Acknowledge attaches the reviewer annotation to an event. Scoring-relevant
// fields are untouched; acknowledging twice updates the annotation only.
func (lg *Log) Acknowledge(ctx context.Context, eventID, reviewer, notes string) (*telemetry.Event, error) {
	event, err := lg.store.Acknowledge(ctx, eventID, reviewer, notes)
	if err != nil {
		return nil, err
	}
	lg.logger.Info("telemetry event acknowledged",
		"event_id", eventID,
		"reviewer", reviewer,
	)
	return event, nil
}

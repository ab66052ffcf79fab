// Package sentinel watches live connection behavior and emits the telemetry
// events no client will ever self-report: concurrent session membership and
// source-address anomalies. It sits on the connection path (join, websocket
// attach, answer submission) and feeds detections into the activity log as
// trusted server-side events.
package sentinel

import (
	"context"
	"log/slog"
	"sync"

	"github.com/quizlive/integrity/internal/metrics"
	"github.com/quizlive/integrity/internal/telemetry"
)

// Ingestor receives detections as trusted events. Satisfied by
// *activitylog.Log.
type Ingestor interface {
	IngestTrusted(ctx context.Context, event *telemetry.Event) error
}

// Sentinel evaluates behavioral rules on every observed connection.
type Sentinel struct {
	tracker  *Tracker
	engine   *RuleEngine
	ingestor Ingestor
	logger   *slog.Logger

	// Each rule fires at most once per (session, user) for the session's
	// lifetime — the anomaly is a standing condition, not a stream.
	mu    sync.Mutex
	fired map[string]struct{}
}

// Option configures the Sentinel.
type Option func(*Sentinel)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Sentinel) { s.logger = l }
}

// WithRules overrides the default rule set.
func WithRules(rules ...EvalRule) Option {
	return func(s *Sentinel) { s.engine = NewRuleEngine(rules...) }
}

// New creates a sentinel over the default rules.
func New(ingestor Ingestor, opts ...Option) *Sentinel {
	s := &Sentinel{
		tracker:  NewTracker(),
		engine:   NewRuleEngine(DefaultRules()...),
		ingestor: ingestor,
		logger:   slog.Default(),
		fired:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Observe records an opened connection and evaluates the rules against the
// updated picture. Detection delivery failures are logged, never propagated:
// the connection itself must not be blocked by the watcher.
func (s *Sentinel) Observe(ctx context.Context, sessionID, userID, remoteIP string) {
	s.tracker.Connect(sessionID, userID, remoteIP)

	ec := &EvalContext{SessionID: sessionID, UserID: userID, RemoteIP: remoteIP}
	for _, d := range s.engine.Evaluate(ctx, s.tracker, ec) {
		if !s.markFired(d.Rule, sessionID, userID) {
			continue
		}
		metrics.SentinelDetections.WithLabelValues(d.Rule).Inc()

		event := &telemetry.Event{
			SessionID:    sessionID,
			UserID:       userID,
			ActivityType: d.ActivityType,
			Severity:     d.Severity,
			Details:      d.Details,
		}
		if err := s.ingestor.IngestTrusted(ctx, event); err != nil {
			s.logger.Error("sentinel detection not recorded",
				"rule", d.Rule,
				"session_id", sessionID,
				"user_id", userID,
				"error", err,
			)
			continue
		}
		s.logger.Warn("sentinel detection",
			"rule", d.Rule,
			"session_id", sessionID,
			"user_id", userID,
			"reason", d.Reason,
		)
	}
}

// Release records a closed connection.
func (s *Sentinel) Release(sessionID, userID string) {
	s.tracker.Disconnect(sessionID, userID)
}

// EndSession clears all sentinel state for a finished session.
func (s *Sentinel) EndSession(sessionID string) {
	s.tracker.EndSession(sessionID)

	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := sessionID + "\x00"
	for key := range s.fired {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			delete(s.fired, key)
		}
	}
}

// markFired returns true the first time (rule, session, user) fires.
func (s *Sentinel) markFired(rule, sessionID, userID string) bool {
	key := sessionID + "\x00" + userID + "\x00" + rule
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.fired[key]; ok {
		return false
	}
	s.fired[key] = struct{}{}
	return true
}

package sentinel

import (
	"context"
	"fmt"

	"github.com/quizlive/integrity/internal/telemetry"
)

// Detection is the result of one rule firing.
type Detection struct {
	Rule         string
	ActivityType telemetry.ActivityType
	Severity     telemetry.Severity
	Reason       string
	Details      map[string]any
}

// EvalContext carries the parameters for a rule evaluation: one observed
// connection.
type EvalContext struct {
	SessionID string
	UserID    string
	RemoteIP  string
}

// EvalRule is the interface for behavioral rules.
type EvalRule interface {
	Name() string
	Evaluate(ctx context.Context, tracker *Tracker, ec *EvalContext) *Detection
}

// RuleEngine runs all registered rules against one observation. Unlike an
// admission engine there is no short-circuit: every firing rule yields its
// own telemetry event.
type RuleEngine struct {
	rules []EvalRule
}

// NewRuleEngine creates an engine with the given rules.
func NewRuleEngine(rules ...EvalRule) *RuleEngine {
	return &RuleEngine{rules: rules}
}

// Evaluate runs all rules and returns every detection.
func (e *RuleEngine) Evaluate(ctx context.Context, tracker *Tracker, ec *EvalContext) []*Detection {
	var out []*Detection
	for _, rule := range e.rules {
		if d := rule.Evaluate(ctx, tracker, ec); d != nil {
			d.Rule = rule.Name()
			out = append(out, d)
		}
	}
	return out
}

// DefaultRules returns the built-in behavioral rules.
func DefaultRules() []EvalRule {
	return []EvalRule{
		&MultipleSessionsRule{},
		&IPAnomalyRule{},
	}
}

// ---------------------------------------------------------------------------
// MultipleSessionsRule: one user connected to more than one live session
// ---------------------------------------------------------------------------

type MultipleSessionsRule struct{}

func (r *MultipleSessionsRule) Name() string { return "multiple_sessions" }

func (r *MultipleSessionsRule) Evaluate(_ context.Context, tracker *Tracker, ec *EvalContext) *Detection {
	sessions := tracker.ActiveSessions(ec.UserID)
	if len(sessions) <= 1 {
		return nil
	}
	return &Detection{
		ActivityType: telemetry.ActivityMultipleSessions,
		Severity:     telemetry.SeverityHigh,
		Reason:       fmt.Sprintf("user connected to %d sessions simultaneously", len(sessions)),
		Details: map[string]any{
			"sessionIds":   sessions,
			"sessionCount": len(sessions),
		},
	}
}

// ---------------------------------------------------------------------------
// IPAnomalyRule: one (session, user) seen from multiple source addresses
// ---------------------------------------------------------------------------

type IPAnomalyRule struct{}

func (r *IPAnomalyRule) Name() string { return "ip_anomaly" }

func (r *IPAnomalyRule) Evaluate(_ context.Context, tracker *Tracker, ec *EvalContext) *Detection {
	ips := tracker.SourceIPs(ec.SessionID, ec.UserID)
	if len(ips) <= 1 {
		return nil
	}
	return &Detection{
		ActivityType: telemetry.ActivityIPAnomaly,
		Severity:     telemetry.SeverityHigh,
		Reason:       fmt.Sprintf("%d distinct source addresses within one session", len(ips)),
		Details: map[string]any{
			"sourceIps": ips,
			"ipCount":   len(ips),
		},
	}
}

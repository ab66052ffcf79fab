// Package telemetry defines the wire contract for behavioral signals emitted
// during live assessment sessions.
//
// Producers (the client-side enforcement agent, the answer-submission path,
// server-side sentinel rules) supply an activity type and an optional details
// payload. The ingestion boundary assigns severity from the policy table and
// stamps the occurrence time server-side — neither is trusted from the client.
package telemetry

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownActivityType is returned when an event carries an activity type
// outside the closed enumeration. The event is rejected; others are unaffected.
var ErrUnknownActivityType = errors.New("unknown activity type")

// ActivityType identifies one kind of observed behavioral signal.
type ActivityType string

const (
	ActivityTabSwitch            ActivityType = "TAB_SWITCH"
	ActivityWindowBlur           ActivityType = "WINDOW_BLUR"
	ActivityFullscreenExit       ActivityType = "FULLSCREEN_EXIT"
	ActivityFullscreenDenied     ActivityType = "FULLSCREEN_DENIED"
	ActivityCopyAttempt          ActivityType = "COPY_ATTEMPT"
	ActivityDevtoolsOpened       ActivityType = "DEVTOOLS_OPENED"
	ActivityImpossiblyFastAnswer ActivityType = "IMPOSSIBLY_FAST_ANSWER"
	ActivitySimilarAnswerPattern ActivityType = "SIMILAR_ANSWER_PATTERN"
	ActivityMultipleSessions     ActivityType = "MULTIPLE_SESSIONS"
	ActivityIPAnomaly            ActivityType = "IP_ANOMALY"
	ActivityPageUnloadAttempt    ActivityType = "PAGE_UNLOAD_ATTEMPT"
	ActivityF11Attempt           ActivityType = "F11_ATTEMPT"
)

// Severity is an ordered categorical level attached to each event.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// severityRank orders severities for comparison and realtime filtering.
var severityRank = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Rank returns the numeric order of a severity (LOW=1 .. CRITICAL=4).
// Unknown severities rank below LOW.
func (s Severity) Rank() int {
	return severityRank[s]
}

// AtLeast reports whether s is at or above the given severity.
func (s Severity) AtLeast(min Severity) bool {
	return s.Rank() >= min.Rank()
}

// policyEntry fixes the ingestion-assigned default severity and the risk base
// weight for one activity type.
type policyEntry struct {
	Severity Severity
	Weight   int
}

// defaultPolicy is the type→severity/weight table from the deployment policy.
// FULLSCREEN_EXIT and SIMILAR_ANSWER_PATTERN may be escalated to CRITICAL by
// their producers; the table holds the non-escalated default.
var defaultPolicy = map[ActivityType]policyEntry{
	ActivityTabSwitch:            {SeverityMedium, 2},
	ActivityWindowBlur:           {SeverityMedium, 1},
	ActivityFullscreenExit:       {SeverityMedium, 3},
	ActivityFullscreenDenied:     {SeverityMedium, 0},
	ActivityCopyAttempt:          {SeverityMedium, 5},
	ActivityDevtoolsOpened:       {SeverityHigh, 8},
	ActivityImpossiblyFastAnswer: {SeverityHigh, 4},
	ActivitySimilarAnswerPattern: {SeverityHigh, 7},
	ActivityMultipleSessions:     {SeverityHigh, 10},
	ActivityIPAnomaly:            {SeverityHigh, 6},
	ActivityPageUnloadAttempt:    {SeverityHigh, 0},
	ActivityF11Attempt:           {SeverityLow, 0},
}

// Policy maps activity types to their ingestion defaults. A deployment may
// override individual entries; unlisted types remain rejected.
type Policy struct {
	entries map[ActivityType]policyEntry
}

// DefaultPolicy returns the reference deployment policy.
func DefaultPolicy() *Policy {
	entries := make(map[ActivityType]policyEntry, len(defaultPolicy))
	for k, v := range defaultPolicy {
		entries[k] = v
	}
	return &Policy{entries: entries}
}

// Override replaces the default severity and weight for one activity type.
func (p *Policy) Override(t ActivityType, severity Severity, weight int) {
	p.entries[t] = policyEntry{Severity: severity, Weight: weight}
}

// Known reports whether t is in the closed enumeration.
func (p *Policy) Known(t ActivityType) bool {
	_, ok := p.entries[t]
	return ok
}

// DefaultSeverity returns the ingestion-assigned severity for t.
func (p *Policy) DefaultSeverity(t ActivityType) (Severity, error) {
	e, ok := p.entries[t]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownActivityType, t)
	}
	return e.Severity, nil
}

// Weight returns the risk base weight for t. Unknown types weigh zero so a
// malformed stored event can never inflate a score.
func (p *Policy) Weight(t ActivityType) int {
	return p.entries[t].Weight
}

// Event is one immutable, timestamped record of an observed behavioral signal
// from one participant in one session. Events are append-only; the only
// post-ingestion mutation is the reviewer acknowledgement annotation, which
// never alters scoring-relevant fields.
type Event struct {
	ID              string         `json:"id"`
	SessionID       string         `json:"sessionId"`
	UserID          string         `json:"userId"`
	UserDisplayName string         `json:"userDisplayName"`
	ActivityType    ActivityType   `json:"activityType"`
	Severity        Severity       `json:"severity"`
	Details         map[string]any `json:"details,omitempty"`
	OccurredAt      time.Time      `json:"occurredAt"`

	// Reviewer annotation. Additive only.
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedBy string     `json:"acknowledgedBy,omitempty"`
	AcknowledgedAt *time.Time `json:"acknowledgedAt,omitempty"`
	Notes          string     `json:"notes,omitempty"`
}

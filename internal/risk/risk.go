// Package risk converts a participant's accumulated telemetry events into a
// weighted risk score and categorical level.
//
// Scoring is a pure, order-independent fold over the event set: each event
// contributes weight(activityType) × multiplier(severity). The same event set
// always produces the same assessment, so live dashboards may recompute freely
// and results are safe to cache.
package risk

import (
	"math"

	"github.com/quizlive/integrity/internal/telemetry"
)

// Level is the categorical risk bucket derived from the weighted score.
type Level string

const (
	LevelClean    Level = "CLEAN"
	LevelLow      Level = "LOW"
	LevelMedium   Level = "MEDIUM"
	LevelHigh     Level = "HIGH"
	LevelCritical Level = "CRITICAL"
)

// Score band boundaries (inclusive lower bounds).
const (
	mediumThreshold   = 10
	highThreshold     = 25
	criticalThreshold = 50
)

// Severity multipliers.
const (
	multiplierLow      = 1
	multiplierMedium   = 2
	multiplierHigh     = 3
	multiplierCritical = 5
)

// Assessment is the result of scoring one user's events within one session.
// Derived state: never persisted as primary data, recomputed on demand.
type Assessment struct {
	SessionID     string  `json:"sessionId"`
	UserID        string  `json:"userId"`
	Count         int     `json:"count"`
	WeightedScore float64 `json:"weightedScore"`
	Level         Level   `json:"level"`
}

// Scorer computes risk assessments under a deployment's severity/weight policy.
type Scorer struct {
	policy *telemetry.Policy
}

// NewScorer creates a scorer using the given policy. A nil policy falls back
// to the reference deployment defaults.
func NewScorer(policy *telemetry.Policy) *Scorer {
	if policy == nil {
		policy = telemetry.DefaultPolicy()
	}
	return &Scorer{policy: policy}
}

// Multiplier returns the fixed multiplier for a severity. Severities outside
// the enumeration multiply by zero, so malformed stored events cannot score.
func Multiplier(s telemetry.Severity) int {
	switch s {
	case telemetry.SeverityLow:
		return multiplierLow
	case telemetry.SeverityMedium:
		return multiplierMedium
	case telemetry.SeverityHigh:
		return multiplierHigh
	case telemetry.SeverityCritical:
		return multiplierCritical
	default:
		return 0
	}
}

// Assess folds the given events into a weighted score and level. The events
// must all belong to one (sessionID, userID) pair; ordering is irrelevant.
func (s *Scorer) Assess(sessionID, userID string, events []*telemetry.Event) *Assessment {
	total := 0
	for _, e := range events {
		total += s.policy.Weight(e.ActivityType) * Multiplier(e.Severity)
	}

	score := float64(total)
	return &Assessment{
		SessionID:     sessionID,
		UserID:        userID,
		Count:         len(events),
		WeightedScore: math.Round(score*100) / 100,
		Level:         LevelFor(score),
	}
}

// LevelFor maps a weighted score onto its categorical band:
// 0 → CLEAN, (0,10) → LOW, [10,25) → MEDIUM, [25,50) → HIGH, [50,∞) → CRITICAL.
func LevelFor(score float64) Level {
	switch {
	case score <= 0:
		return LevelClean
	case score < mediumThreshold:
		return LevelLow
	case score < highThreshold:
		return LevelMedium
	case score < criticalThreshold:
		return LevelHigh
	default:
		return LevelCritical
	}
}

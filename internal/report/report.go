// Package report assembles the post-session integrity report: collusion
// analysis first, then per-participant risk over the full event record, plus
// performance aggregates for reviewer context.
//
// Generation is deterministic and idempotent. Collusion findings are appended
// to the activity log exactly once — regeneration sees them already stored and
// produces the same scores, so two reports over the same session differ only
// in their generation timestamp.
package report

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/quizlive/integrity/internal/collusion"
	"github.com/quizlive/integrity/internal/metrics"
	"github.com/quizlive/integrity/internal/risk"
	"github.com/quizlive/integrity/internal/session"
	"github.com/quizlive/integrity/internal/telemetry"
	"github.com/quizlive/integrity/internal/traces"
)

// AnalysisError marks a failed generation stage. Generation is fail-fast: a
// partial report is worse than none, because a reviewer would read missing
// findings as a clean result.
type AnalysisError struct {
	Stage string
	Err   error
}

func (e *AnalysisError) Error() string {
	return fmt.Sprintf("report analysis failed at %s: %v", e.Stage, e.Err)
}

func (e *AnalysisError) Unwrap() error { return e.Err }

// EventSource provides the per-user event record. Satisfied by
// *activitylog.Log.
type EventSource interface {
	ByUser(ctx context.Context, sessionID, userID string) ([]*telemetry.Event, error)
	IngestTrusted(ctx context.Context, event *telemetry.Event) error
}

// ParticipantReport is one participant's section of the report.
type ParticipantReport struct {
	UserID         string           `json:"userId"`
	DisplayName    string           `json:"displayName"`
	Score          int              `json:"score"`
	CorrectAnswers int              `json:"correctAnswers"`
	TotalAnswers   int              `json:"totalAnswers"`
	Accuracy       string           `json:"accuracy"`
	AvgTimeSpentMs float64          `json:"avgTimeSpentMs"`
	Risk           *risk.Assessment `json:"risk"`
}

// RiskBreakdown counts participants per risk level.
type RiskBreakdown struct {
	Clean    int `json:"clean"`
	Low      int `json:"low"`
	Medium   int `json:"medium"`
	High     int `json:"high"`
	Critical int `json:"critical"`
}

// Report is the full session integrity report.
type Report struct {
	SessionID         string               `json:"sessionId"`
	GeneratedAt       time.Time            `json:"generatedAt"`
	Participants      []*ParticipantReport `json:"participants"`
	CollusionFindings []*collusion.Finding `json:"collusionFindings"`
	TotalEvents       int                  `json:"totalEvents"`
	RiskBreakdown     RiskBreakdown        `json:"riskBreakdown"`
}

// Generator builds integrity reports.
type Generator struct {
	sessions session.Store
	events   EventSource
	detector *collusion.Detector
	scorer   *risk.Scorer
}

// NewGenerator creates a report generator over the given stores.
func NewGenerator(sessions session.Store, events EventSource, detector *collusion.Detector, scorer *risk.Scorer) *Generator {
	if detector == nil {
		detector = collusion.NewDetector()
	}
	if scorer == nil {
		scorer = risk.NewScorer(nil)
	}
	return &Generator{
		sessions: sessions,
		events:   events,
		detector: detector,
		scorer:   scorer,
	}
}

// Generate runs the full analysis pipeline for one session.
func (g *Generator) Generate(ctx context.Context, sessionID string) (*Report, error) {
	ctx, span := traces.StartSpan(ctx, "report.generate", traces.SessionID(sessionID))
	defer span.End()
	start := time.Now()

	rep, err := g.generate(ctx, sessionID)
	metrics.ReportDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.ReportsGenerated.WithLabelValues("error").Inc()
		return nil, err
	}
	metrics.ReportsGenerated.WithLabelValues("ok").Inc()
	return rep, nil
}

func (g *Generator) generate(ctx context.Context, sessionID string) (*Report, error) {
	sess, err := g.sessions.Get(ctx, sessionID)
	if err != nil {
		return nil, &AnalysisError{Stage: "session lookup", Err: err}
	}

	// Stable participant order for deterministic output.
	participants := make([]*session.Participant, len(sess.Participants))
	copy(participants, sess.Participants)
	sort.Slice(participants, func(i, j int) bool {
		return participants[i].UserID < participants[j].UserID
	})

	eventsByUser := make(map[string][]*telemetry.Event, len(participants))
	for _, p := range participants {
		evts, err := g.events.ByUser(ctx, sessionID, p.UserID)
		if err != nil {
			return nil, &AnalysisError{Stage: "event retrieval", Err: err}
		}
		eventsByUser[p.UserID] = evts
	}

	// Collusion first: findings become events that feed each side's score.
	findings := g.detector.Analyze(participants)
	if err := g.recordFindings(ctx, sessionID, findings, eventsByUser); err != nil {
		return nil, err
	}

	rep := &Report{
		SessionID:         sessionID,
		GeneratedAt:       time.Now().UTC(),
		Participants:      make([]*ParticipantReport, 0, len(participants)),
		CollusionFindings: findings,
	}

	for _, p := range participants {
		evts := eventsByUser[p.UserID]
		assessment := g.scorer.Assess(sessionID, p.UserID, evts)
		rep.TotalEvents += len(evts)
		rep.Participants = append(rep.Participants, &ParticipantReport{
			UserID:         p.UserID,
			DisplayName:    p.DisplayName,
			Score:          p.Score,
			CorrectAnswers: p.CorrectAnswers,
			TotalAnswers:   len(p.Answers),
			Accuracy:       accuracy(p),
			AvgTimeSpentMs: meanTimeSpent(p.Answers),
			Risk:           assessment,
		})
		switch assessment.Level {
		case risk.LevelClean:
			rep.RiskBreakdown.Clean++
		case risk.LevelLow:
			rep.RiskBreakdown.Low++
		case risk.LevelMedium:
			rep.RiskBreakdown.Medium++
		case risk.LevelHigh:
			rep.RiskBreakdown.High++
		case risk.LevelCritical:
			rep.RiskBreakdown.Critical++
		}
	}
	return rep, nil
}

// recordFindings appends each finding's event pair to the activity log, once
// per (subject, counterpart) for the session's lifetime. Already-stored pairs
// are skipped so regeneration never inflates scores. Newly appended events are
// folded into the in-memory per-user slices used for scoring below.
func (g *Generator) recordFindings(ctx context.Context, sessionID string, findings []*collusion.Finding, eventsByUser map[string][]*telemetry.Event) error {
	for _, f := range findings {
		for _, event := range f.Events(sessionID) {
			if hasFindingEvent(eventsByUser[event.UserID], event) {
				continue
			}
			if err := g.events.IngestTrusted(ctx, event); err != nil {
				return &AnalysisError{Stage: "collusion event append", Err: err}
			}
			metrics.CollusionFindings.WithLabelValues(string(event.Severity)).Inc()
			eventsByUser[event.UserID] = append(eventsByUser[event.UserID], event)
		}
	}
	return nil
}

// hasFindingEvent reports whether the subject already has a stored
// similar-answer event naming the same counterpart.
func hasFindingEvent(events []*telemetry.Event, candidate *telemetry.Event) bool {
	counterpart, _ := candidate.Details["counterpartUserId"].(string)
	for _, e := range events {
		if e.ActivityType != telemetry.ActivitySimilarAnswerPattern {
			continue
		}
		if existing, _ := e.Details["counterpartUserId"].(string); existing == counterpart {
			return true
		}
	}
	return false
}

// accuracy formats correct/total as a percentage, or "N/A" for a participant
// who answered nothing.
func accuracy(p *session.Participant) string {
	if len(p.Answers) == 0 {
		return "N/A"
	}
	pct := float64(p.CorrectAnswers) / float64(len(p.Answers)) * 100
	return fmt.Sprintf("%.1f%%", pct)
}

// meanTimeSpent averages the self-reported per-answer timings, rounded to two
// decimals.
func meanTimeSpent(answers []*session.Answer) float64 {
	if len(answers) == 0 {
		return 0
	}
	var total int64
	for _, a := range answers {
		total += a.TimeSpentMs
	}
	mean := float64(total) / float64(len(answers))
	return math.Round(mean*100) / 100
}

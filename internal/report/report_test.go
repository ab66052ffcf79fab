package report

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quizlive/integrity/internal/activitylog"
	"github.com/quizlive/integrity/internal/session"
	"github.com/quizlive/integrity/internal/telemetry"
)

func seedSession(t *testing.T, sessions session.Store, answers map[string][]string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, sessions.Create(ctx, &session.Session{ID: "sess_1"}))
	for userID, selected := range answers {
		require.NoError(t, sessions.AddParticipant(ctx, "sess_1", &session.Participant{
			UserID:      userID,
			DisplayName: "name " + userID,
		}))
		for i, sel := range selected {
			require.NoError(t, sessions.AppendAnswer(ctx, "sess_1", userID, &session.Answer{
				QuestionID:     fmt.Sprintf("q%d", i),
				SelectedAnswer: sel,
				Correct:        sel == "A",
				TimeSpentMs:    2000,
			}))
		}
	}
}

func newTestGenerator(t *testing.T) (*Generator, session.Store, *activitylog.Log) {
	t.Helper()
	sessions := session.NewMemoryStore()
	log := activitylog.New(activitylog.NewMemoryStore())
	return NewGenerator(sessions, log, nil, nil), sessions, log
}

func TestGenerate_SessionNotFound(t *testing.T) {
	gen, _, _ := newTestGenerator(t)

	_, err := gen.Generate(context.Background(), "missing")

	var analysisErr *AnalysisError
	require.ErrorAs(t, err, &analysisErr)
	assert.Equal(t, "session lookup", analysisErr.Stage)
	assert.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestGenerate_CleanSession(t *testing.T) {
	gen, sessions, _ := newTestGenerator(t)
	seedSession(t, sessions, map[string][]string{
		"user_a": {"A", "B", "C", "D"},
		"user_b": {"B", "C", "D", "A"},
	})

	rep, err := gen.Generate(context.Background(), "sess_1")
	require.NoError(t, err)

	assert.Empty(t, rep.CollusionFindings)
	assert.Equal(t, 0, rep.TotalEvents)
	assert.Equal(t, RiskBreakdown{Clean: 2}, rep.RiskBreakdown)
	require.Len(t, rep.Participants, 2)
	// Sorted by user ID.
	assert.Equal(t, "user_a", rep.Participants[0].UserID)
	assert.Equal(t, "user_b", rep.Participants[1].UserID)
	assert.Equal(t, "25.0%", rep.Participants[0].Accuracy)
	assert.Equal(t, float64(2000), rep.Participants[0].AvgTimeSpentMs)
	assert.False(t, rep.GeneratedAt.IsZero())
}

func TestGenerate_CollusionFeedsRiskScores(t *testing.T) {
	gen, sessions, log := newTestGenerator(t)
	identical := []string{"A", "B", "C", "D", "A", "B", "C", "D", "A", "B"}
	seedSession(t, sessions, map[string][]string{
		"user_a": identical,
		"user_b": identical,
		"user_c": {"D", "C", "B", "A", "D", "C", "B", "A", "D", "C"},
	})

	rep, err := gen.Generate(context.Background(), "sess_1")
	require.NoError(t, err)

	require.Len(t, rep.CollusionFindings, 1)
	f := rep.CollusionFindings[0]
	assert.Equal(t, "user_a", f.A.UserID)
	assert.Equal(t, "user_b", f.B.UserID)
	assert.Equal(t, telemetry.SeverityCritical, f.Severity)

	// The finding became one event per side and drove both scores.
	for _, p := range rep.Participants[:2] {
		require.NotNil(t, p.Risk)
		assert.Equal(t, 1, p.Risk.Count)
		assert.Greater(t, p.Risk.WeightedScore, 0.0)
	}
	assert.Equal(t, 0, rep.Participants[2].Risk.Count)

	// And was persisted to the activity log.
	evts, err := log.ByUser(context.Background(), "sess_1", "user_a")
	require.NoError(t, err)
	require.Len(t, evts, 1)
	assert.Equal(t, telemetry.ActivitySimilarAnswerPattern, evts[0].ActivityType)
	assert.Equal(t, "user_b", evts[0].Details["counterpartUserId"])
}

func TestGenerate_Idempotent(t *testing.T) {
	gen, sessions, log := newTestGenerator(t)
	identical := []string{"A", "B", "C", "D", "A", "B", "C", "D", "A", "B"}
	seedSession(t, sessions, map[string][]string{
		"user_a": identical,
		"user_b": identical,
	})
	ctx := context.Background()

	first, err := gen.Generate(ctx, "sess_1")
	require.NoError(t, err)
	second, err := gen.Generate(ctx, "sess_1")
	require.NoError(t, err)

	// Regeneration reuses the stored finding events: identical scores and
	// counts, no duplicate events in the log.
	assert.Equal(t, first.RiskBreakdown, second.RiskBreakdown)
	assert.Equal(t, first.TotalEvents, second.TotalEvents)
	for i := range first.Participants {
		assert.Equal(t, first.Participants[i].Risk, second.Participants[i].Risk)
	}
	evts, err := log.ByUser(ctx, "sess_1", "user_a")
	require.NoError(t, err)
	assert.Len(t, evts, 1)
}

func TestGenerate_NoAnswersIsNA(t *testing.T) {
	gen, sessions, _ := newTestGenerator(t)
	ctx := context.Background()
	require.NoError(t, sessions.Create(ctx, &session.Session{ID: "sess_1"}))
	require.NoError(t, sessions.AddParticipant(ctx, "sess_1", &session.Participant{UserID: "user_a"}))

	rep, err := gen.Generate(ctx, "sess_1")
	require.NoError(t, err)

	require.Len(t, rep.Participants, 1)
	assert.Equal(t, "N/A", rep.Participants[0].Accuracy)
	assert.Equal(t, float64(0), rep.Participants[0].AvgTimeSpentMs)
	assert.Equal(t, 0, rep.Participants[0].TotalAnswers)
}

func TestGenerate_IncludesStoredTelemetryInScores(t *testing.T) {
	gen, sessions, log := newTestGenerator(t)
	seedSession(t, sessions, map[string][]string{"user_a": {"A", "B"}})
	ctx := context.Background()

	_, err := log.Ingest(ctx, &activitylog.Submission{
		SessionID:    "sess_1",
		UserID:       "user_a",
		ActivityType: telemetry.ActivityDevtoolsOpened,
	})
	require.NoError(t, err)

	rep, err := gen.Generate(ctx, "sess_1")
	require.NoError(t, err)

	require.Len(t, rep.Participants, 1)
	// DEVTOOLS_OPENED: weight 8, HIGH multiplier 3 -> 24 -> MEDIUM band.
	assert.Equal(t, 24.0, rep.Participants[0].Risk.WeightedScore)
	assert.Equal(t, RiskBreakdown{Medium: 1}, rep.RiskBreakdown)
	assert.Equal(t, 1, rep.TotalEvents)
}

// Package collusion implements cross-participant answer-pattern analysis.
//
// The detector compares every unordered pair of participants position by
// position over their ordered answer streams. Positional comparison is
// deliberate: it captures answer-order correlation — the signature of copying
// another participant's submission stream — at the cost of missing collusion
// where answers are reordered. That gap is documented, not a bug.
//
// Cost is O(n²·m) in participants and shared stream length, paid once per
// session at report time rather than per event.
package collusion

import (
	"strings"

	"github.com/quizlive/integrity/internal/session"
	"github.com/quizlive/integrity/internal/telemetry"
)

// Detection thresholds on normalized similarity.
const (
	FindingThreshold  = 0.85
	CriticalThreshold = 0.95
)

// Party identifies one side of a flagged pair.
type Party struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

// Finding is one flagged unordered pair. Symmetric: the detector produces each
// pair exactly once, with sides in participant-list order.
type Finding struct {
	A                 Party              `json:"a"`
	B                 Party              `json:"b"`
	Similarity        float64            `json:"similarity"`
	MatchingPositions int                `json:"matchingPositions"`
	ComparedPositions int                `json:"comparedPositions"`
	Severity          telemetry.Severity `json:"severity"`
}

// Detector runs pairwise similarity analysis for a session.
type Detector struct {
	findingThreshold  float64
	criticalThreshold float64
}

// NewDetector creates a detector with the reference thresholds.
func NewDetector() *Detector {
	return &Detector{
		findingThreshold:  FindingThreshold,
		criticalThreshold: CriticalThreshold,
	}
}

// WithThresholds overrides the finding and critical thresholds.
func (d *Detector) WithThresholds(finding, critical float64) *Detector {
	d.findingThreshold = finding
	d.criticalThreshold = critical
	return d
}

// Analyze scans all unordered participant pairs and returns findings above
// the threshold. Pairs where either side has no recorded answers are skipped
// entirely — they produce no finding, not a zero-similarity one.
//
// The upper-triangular i<j iteration guarantees each unordered pair is
// visited exactly once.
func (d *Detector) Analyze(participants []*session.Participant) []*Finding {
	var findings []*Finding
	for i := 0; i < len(participants); i++ {
		for j := i + 1; j < len(participants); j++ {
			a, b := participants[i], participants[j]
			if len(a.Answers) == 0 || len(b.Answers) == 0 {
				continue
			}

			matching, compared := comparePositions(a.Answers, b.Answers)
			similarity := float64(matching) / float64(compared)
			if similarity <= d.findingThreshold {
				continue
			}

			severity := telemetry.SeverityHigh
			if similarity > d.criticalThreshold {
				severity = telemetry.SeverityCritical
			}
			findings = append(findings, &Finding{
				A:                 Party{UserID: a.UserID, DisplayName: a.DisplayName},
				B:                 Party{UserID: b.UserID, DisplayName: b.DisplayName},
				Similarity:        similarity,
				MatchingPositions: matching,
				ComparedPositions: compared,
				Severity:          severity,
			})
		}
	}
	return findings
}

// comparePositions counts matching answers position-by-position up to the
// shorter stream's length.
func comparePositions(a, b []*session.Answer) (matching, compared int) {
	compared = len(a)
	if len(b) < compared {
		compared = len(b)
	}
	for i := 0; i < compared; i++ {
		if normalize(a[i].SelectedAnswer) == normalize(b[i].SelectedAnswer) {
			matching++
		}
	}
	return matching, compared
}

// normalize makes comparison case-insensitive and whitespace-tolerant.
func normalize(answer string) string {
	return strings.ToLower(strings.TrimSpace(answer))
}

// Events expands a finding into the pair of telemetry events appended to the
// activity log — one per participant, so each side's individual risk score
// reflects the finding. Details carry the counterpart and the similarity.
func (f *Finding) Events(sessionID string) []*telemetry.Event {
	return []*telemetry.Event{
		f.eventFor(sessionID, f.A, f.B),
		f.eventFor(sessionID, f.B, f.A),
	}
}

func (f *Finding) eventFor(sessionID string, subject, counterpart Party) *telemetry.Event {
	return &telemetry.Event{
		SessionID:       sessionID,
		UserID:          subject.UserID,
		UserDisplayName: subject.DisplayName,
		ActivityType:    telemetry.ActivitySimilarAnswerPattern,
		Severity:        f.Severity,
		Details: map[string]any{
			"counterpartUserId":      counterpart.UserID,
			"counterpartDisplayName": counterpart.DisplayName,
			"similarity":             f.Similarity,
			"matchingPositions":      f.MatchingPositions,
			"comparedPositions":      f.ComparedPositions,
		},
	}
}

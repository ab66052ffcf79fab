// Package session holds the read model of live assessment sessions consumed
// by the integrity pipeline.
//
// Sessions are owned by the quiz-delivery collaborator; this subsystem tracks
// just enough — participants, their ordered answer streams, and running
// scores — to support collusion analysis and report generation. The package
// also implements the answer-timing validation contract applied when the
// collaborator hands an answer submission across the boundary.
package session

import (
	"errors"
	"time"
)

var (
	ErrSessionNotFound     = errors.New("session not found")
	ErrParticipantNotFound = errors.New("participant not found")
	ErrSessionEnded        = errors.New("session has ended")

	// ErrTimeExceeded rejects a submission that arrives after the question's
	// allotted time plus the grace buffer.
	ErrTimeExceeded = errors.New("answer submitted after allotted time")
)

// Timing validation constants. The server-side floor is the sole enforced
// minimum; clients use a looser pre-check purely as a UX hint.
const (
	GraceBuffer         = 5 * time.Second
	MinPlausibleElapsed = 500 * time.Millisecond
)

// Answer is one submitted answer in a participant's ordered stream.
type Answer struct {
	QuestionID     string    `json:"questionId"`
	SelectedAnswer string    `json:"selectedAnswer"`
	Correct        bool      `json:"correct"`
	TimeSpentMs    int64     `json:"timeSpentMs"`
	SubmittedAt    time.Time `json:"submittedAt"`
}

// Participant is one user's standing within a session.
type Participant struct {
	UserID         string    `json:"userId"`
	DisplayName    string    `json:"displayName"`
	Answers        []*Answer `json:"answers"`
	Score          int       `json:"score"`
	CorrectAnswers int       `json:"correctAnswers"`
	JoinedAt       time.Time `json:"joinedAt"`
}

// Session is the per-session read model.
type Session struct {
	ID           string         `json:"id"`
	Participants []*Participant `json:"participants"`
	StartedAt    time.Time      `json:"startedAt"`
	EndedAt      *time.Time     `json:"endedAt,omitempty"`
}

// Ended reports whether the session has reached its terminal state.
func (s *Session) Ended() bool {
	return s.EndedAt != nil
}

// Participant returns the participant with the given user ID, or nil.
func (s *Session) Participant(userID string) *Participant {
	for _, p := range s.Participants {
		if p.UserID == userID {
			return p
		}
	}
	return nil
}

// TimingResult classifies one submission's elapsed time.
type TimingResult struct {
	Elapsed          time.Duration `json:"elapsed"`
	SuspiciouslyFast bool          `json:"suspiciouslyFast"`
}

// ValidateTiming applies the answer-timing contract: reject submissions past
// allotted+grace, flag (but accept) submissions under the plausible-response
// floor. issuedAt and submittedAt are both server-assigned timestamps.
func ValidateTiming(issuedAt, submittedAt time.Time, allotted time.Duration) (*TimingResult, error) {
	elapsed := submittedAt.Sub(issuedAt)
	if allotted > 0 && elapsed > allotted+GraceBuffer {
		return nil, ErrTimeExceeded
	}
	return &TimingResult{
		Elapsed:          elapsed,
		SuspiciouslyFast: elapsed < MinPlausibleElapsed,
	}, nil
}

package session

import "context"

// Store persists the session read model.
//
// Answer appends from distinct (session, user) pairs must be safe under
// concurrent writers; no cross-user ordering is required.
type Store interface {
	Create(ctx context.Context, s *Session) error
	Get(ctx context.Context, sessionID string) (*Session, error)
	AddParticipant(ctx context.Context, sessionID string, p *Participant) error
	AppendAnswer(ctx context.Context, sessionID, userID string, a *Answer) error
	End(ctx context.Context, sessionID string) error
}

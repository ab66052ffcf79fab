package session

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store with in-memory storage.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewMemoryStore creates a new in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (s *MemoryStore) Create(_ context.Context, sess *Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *sess
	if cp.StartedAt.IsZero() {
		cp.StartedAt = time.Now()
	}
	s.sessions[cp.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(_ context.Context, sessionID string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return copySession(sess), nil
}

func (s *MemoryStore) AddParticipant(_ context.Context, sessionID string, p *Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.Ended() {
		return ErrSessionEnded
	}
	if sess.Participant(p.UserID) != nil {
		return nil // idempotent join
	}
	cp := *p
	if cp.JoinedAt.IsZero() {
		cp.JoinedAt = time.Now()
	}
	sess.Participants = append(sess.Participants, &cp)
	return nil
}

func (s *MemoryStore) AppendAnswer(_ context.Context, sessionID, userID string, a *Answer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	p := sess.Participant(userID)
	if p == nil {
		return ErrParticipantNotFound
	}

	cp := *a
	if cp.SubmittedAt.IsZero() {
		cp.SubmittedAt = time.Now()
	}
	p.Answers = append(p.Answers, &cp)
	if cp.Correct {
		p.CorrectAnswers++
		p.Score += 1
	}
	return nil
}

func (s *MemoryStore) End(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}
	if sess.EndedAt == nil {
		now := time.Now()
		sess.EndedAt = &now
	}
	return nil
}

// copySession deep-copies so callers hold a point-in-time snapshot that later
// appends cannot mutate.
func copySession(sess *Session) *Session {
	cp := *sess
	cp.Participants = make([]*Participant, len(sess.Participants))
	for i, p := range sess.Participants {
		pc := *p
		pc.Answers = make([]*Answer, len(p.Answers))
		for j, a := range p.Answers {
			ac := *a
			pc.Answers[j] = &ac
		}
		cp.Participants[i] = &pc
	}
	return &cp
}

package activitylog

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/quizlive/integrity/internal/pagination"
	"github.com/quizlive/integrity/internal/syncutil"
	"github.com/quizlive/integrity/internal/telemetry"
)

// MemoryStore implements Store with per-session in-memory buckets.
//
// Appends to different sessions contend only on hash-colliding shards, so
// many concurrent sessions ingest independently. Within a session, appends
// from different users serialize on the session bucket, which preserves the
// no-lost-writes guarantee without any cross-user ordering promise.
type MemoryStore struct {
	locks    syncutil.ShardedMutex
	mu       sync.RWMutex // guards the sessions map itself
	sessions map[string][]*telemetry.Event
	byID     map[string]*telemetry.Event
}

// NewMemoryStore creates a new in-memory activity log store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string][]*telemetry.Event),
		byID:     make(map[string]*telemetry.Event),
	}
}

func (s *MemoryStore) Append(_ context.Context, event *telemetry.Event) error {
	unlock := s.locks.Lock(event.SessionID)
	defer unlock()

	cp := *event
	s.mu.Lock()
	s.sessions[event.SessionID] = append(s.sessions[event.SessionID], &cp)
	s.byID[cp.ID] = &cp
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) BySession(_ context.Context, sessionID string, limit int, cursor *pagination.Cursor) ([]*telemetry.Event, error) {
	s.mu.RLock()
	bucket := s.sessions[sessionID]
	events := make([]*telemetry.Event, 0, len(bucket))
	for _, e := range bucket {
		cp := *e
		events = append(events, &cp)
	}
	s.mu.RUnlock()

	sortRecencyFirst(events)

	if cursor != nil {
		events = afterCursor(events, cursor)
	}
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (s *MemoryStore) ByUser(_ context.Context, sessionID, userID string) ([]*telemetry.Event, error) {
	s.mu.RLock()
	var events []*telemetry.Event
	for _, e := range s.sessions[sessionID] {
		if e.UserID == userID {
			cp := *e
			events = append(events, &cp)
		}
	}
	s.mu.RUnlock()

	sortRecencyFirst(events)
	return events, nil
}

func (s *MemoryStore) Get(_ context.Context, eventID string) (*telemetry.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.byID[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	cp := *e
	return &cp, nil
}

func (s *MemoryStore) Acknowledge(_ context.Context, eventID, reviewer, notes string) (*telemetry.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byID[eventID]
	if !ok {
		return nil, ErrEventNotFound
	}
	now := time.Now().UTC()
	e.Acknowledged = true
	e.AcknowledgedBy = reviewer
	e.AcknowledgedAt = &now
	e.Notes = notes

	cp := *e
	return &cp, nil
}

func (s *MemoryStore) CountByUserAndType(_ context.Context, sessionID, userID string, t telemetry.ActivityType) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, e := range s.sessions[sessionID] {
		if e.UserID == userID && e.ActivityType == t {
			count++
		}
	}
	return count, nil
}

// sortRecencyFirst orders occurredAt descending with ID as a stable tiebreak.
func sortRecencyFirst(events []*telemetry.Event) {
	sort.SliceStable(events, func(i, j int) bool {
		if !events[i].OccurredAt.Equal(events[j].OccurredAt) {
			return events[i].OccurredAt.After(events[j].OccurredAt)
		}
		return events[i].ID > events[j].ID
	})
}

// afterCursor drops everything at or before the cursor position in the
// recency-first ordering.
func afterCursor(events []*telemetry.Event, c *pagination.Cursor) []*telemetry.Event {
	for i, e := range events {
		if e.OccurredAt.Before(c.CreatedAt) || (e.OccurredAt.Equal(c.CreatedAt) && e.ID < c.ID) {
			return events[i:]
		}
	}
	return nil
}

package sentinel

import (
	"sort"
	"sync"
)

// Tracker keeps the live connection picture the rules evaluate against:
// which sessions each user is currently connected to, and which source
// addresses each (session, user) pair has been seen from. Source addresses
// accumulate for the lifetime of the session; connections are reference
// counted so reconnects through a proxy don't flap the session set.
type Tracker struct {
	mu sync.RWMutex

	// userID -> sessionID -> open connection count
	connections map[string]map[string]int

	// sessionID -> userID -> set of source addresses
	sources map[string]map[string]map[string]struct{}
}

// NewTracker creates an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{
		connections: make(map[string]map[string]int),
		sources:     make(map[string]map[string]map[string]struct{}),
	}
}

// Connect records one opened connection for (session, user) from remoteIP.
func (t *Tracker) Connect(sessionID, userID, remoteIP string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	byUser := t.connections[userID]
	if byUser == nil {
		byUser = make(map[string]int)
		t.connections[userID] = byUser
	}
	byUser[sessionID]++

	if remoteIP != "" {
		users := t.sources[sessionID]
		if users == nil {
			users = make(map[string]map[string]struct{})
			t.sources[sessionID] = users
		}
		ips := users[userID]
		if ips == nil {
			ips = make(map[string]struct{})
			users[userID] = ips
		}
		ips[remoteIP] = struct{}{}
	}
}

// Disconnect records one closed connection for (session, user). Source
// addresses are kept: an anomaly remains visible after the offending
// connection goes away.
func (t *Tracker) Disconnect(sessionID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	byUser := t.connections[userID]
	if byUser == nil {
		return
	}
	if byUser[sessionID] <= 1 {
		delete(byUser, sessionID)
	} else {
		byUser[sessionID]--
	}
	if len(byUser) == 0 {
		delete(t.connections, userID)
	}
}

// EndSession drops all tracker state for a finished session.
func (t *Tracker) EndSession(sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.sources, sessionID)
	for userID, byUser := range t.connections {
		delete(byUser, sessionID)
		if len(byUser) == 0 {
			delete(t.connections, userID)
		}
	}
}

// ActiveSessions returns the sessions the user currently holds at least one
// connection to, sorted for deterministic rule output.
func (t *Tracker) ActiveSessions(userID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	byUser := t.connections[userID]
	if len(byUser) == 0 {
		return nil
	}
	out := make([]string, 0, len(byUser))
	for sessionID := range byUser {
		out = append(out, sessionID)
	}
	sort.Strings(out)
	return out
}

// SourceIPs returns every source address seen for (session, user), sorted.
func (t *Tracker) SourceIPs(sessionID, userID string) []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	users := t.sources[sessionID]
	if users == nil {
		return nil
	}
	ips := users[userID]
	if len(ips) == 0 {
		return nil
	}
	out := make([]string, 0, len(ips))
	for ip := range ips {
		out = append(out, ip)
	}
	sort.Strings(out)
	return out
}

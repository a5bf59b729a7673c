package session

import (
	"fmt"
	"sort"
	"sync"
)

type listEntry struct {
	session  *Session
	verified bool
}

// SessionList is the registry of all live sessions. Ids are assigned from a
// counter starting at 1 and are never reused. Unverified sessions are only
// reachable through the session itself until they are named.
type SessionList struct {
	mu       sync.Mutex
	nextID   int64
	sessions map[int64]*listEntry
	names    map[string]int64
}

// NewSessionList creates an empty session list
func NewSessionList() *SessionList {
	return &SessionList{
		sessions: make(map[int64]*listEntry),
		names:    make(map[string]int64),
	}
}

// AddSession stores the session under the next id and returns the id
func (l *SessionList) AddSession(s *Session, verified bool) int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	s.id = l.nextID
	s.verified.Store(verified)
	l.sessions[s.id] = &listEntry{session: s, verified: verified}
	return s.id
}

// RemoveSession erases the session; it reports whether the id was present
func (l *SessionList) RemoveSession(id int64) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.sessions[id]
	if !ok {
		return false
	}
	delete(l.sessions, id)
	if name := e.session.Name(); name != "" && l.names[name] == id {
		delete(l.names, name)
	}
	return true
}

// GetSession returns a verified session by id
func (l *SessionList) GetSession(id int64) (*Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.sessions[id]
	if !ok || !e.verified {
		return nil, false
	}
	return e.session, true
}

// GetAllSessions returns all verified sessions ordered by id
func (l *SessionList) GetAllSessions() []*Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Session, 0, len(l.sessions))
	for _, e := range l.sessions {
		if e.verified {
			out = append(out, e.session)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

// SetSessionName names an unverified session and makes it verified.
// It fails if the session is already verified or the name is taken.
func (l *SessionList) SetSessionName(id int64, name string) error {
	if name == "" {
		return fmt.Errorf("session %d: empty name", id)
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.sessions[id]
	if !ok {
		return fmt.Errorf("%w: %d", ErrSessionNotFound, id)
	}
	if e.verified {
		return fmt.Errorf("%w: %d", ErrAlreadyVerified, id)
	}
	if _, taken := l.names[name]; taken {
		return fmt.Errorf("%w: %s", ErrNameTaken, name)
	}
	l.names[name] = id
	e.session.setName(name)
	e.verified = true
	e.session.verified.Store(true)
	return nil
}

// FindSessionByName returns the verified session with the given name
func (l *SessionList) FindSessionByName(name string) (*Session, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	id, ok := l.names[name]
	if !ok {
		return nil, false
	}
	e := l.sessions[id]
	if e == nil || !e.verified {
		return nil, false
	}
	return e.session, true
}

// Len returns the number of verified sessions
func (l *SessionList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.sessions {
		if e.verified {
			n++
		}
	}
	return n
}

// markVerified verifies a session whose protocol needs no handshake
func (l *SessionList) markVerified(id int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if e, ok := l.sessions[id]; ok {
		e.verified = true
		e.session.verified.Store(true)
	}
}

// all returns every session including unverified ones
func (l *SessionList) all() []*Session {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Session, 0, len(l.sessions))
	for _, e := range l.sessions {
		out = append(out, e.session)
	}
	return out
}

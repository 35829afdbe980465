package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session is one attached instrumentation client.
type Session struct {
	ID       string
	Name     string
	Created  time.Time
	Requests []string // request ids, oldest first

	lastSeen time.Time
}

// SessionStore manages attached sessions and the bodies they supplied.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	bodies   *BodyStore
}

// NewSessionStore creates a new session store.
func NewSessionStore(bodies *BodyStore) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]*Session),
		bodies:   bodies,
	}
}

// Create attaches a new session with an optional client name.
func (s *SessionStore) Create(name string) *Session {
	now := time.Now()
	session := &Session{
		ID:       uuid.NewString(),
		Name:     name,
		Created:  now,
		lastSeen: now,
	}

	s.mu.Lock()
	s.sessions[session.ID] = session
	s.mu.Unlock()

	return session
}

// Get retrieves a session by ID and marks it as seen.
func (s *SessionStore) Get(id string) (*Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, ok := s.sessions[id]
	if ok {
		session.lastSeen = time.Now()
	}
	return session, ok
}

// Record appends a request id to the session's history.
func (s *SessionStore) Record(id, requestID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session, ok := s.sessions[id]; ok {
		session.Requests = append(session.Requests, requestID)
	}
}

// Len returns the number of attached sessions.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Destroy detaches a session and drops its undelivered bodies.
func (s *SessionStore) Destroy(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()

	if n := s.bodies.ReleaseSession(id); n > 0 {
		log.Infof("session %s detached with %d undelivered bodies", id, n)
	}
}

// Sweep detaches sessions idle for longer than ttl and drops bodies that
// were never delivered within ttl.
func (s *SessionStore) Sweep(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	s.mu.Lock()
	var idle []string
	for id, session := range s.sessions {
		if session.lastSeen.Before(cutoff) {
			idle = append(idle, id)
		}
	}
	s.mu.Unlock()

	for _, id := range idle {
		s.Destroy(id)
	}
	s.bodies.Sweep(ttl)
	return len(idle)
}

// StartSweeper runs periodic TTL sweeps in the background.
// Returns a stop function.
func (s *SessionStore) StartSweeper(interval, ttl time.Duration) func() {
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ticker.C:
				if n := s.Sweep(ttl); n > 0 {
					log.Infof("swept %d idle sessions", n)
				}
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}

package server

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/chazu/keysmith/editor"
)

// Session is one editing session and the engine that owns its state.
type Session struct {
	ID      string
	Name    string
	Engine  *editor.Engine
	Created time.Time

	lastUsed atomic.Int64
}

// Touch records that the session was just used.
func (s *Session) Touch() {
	s.lastUsed.Store(time.Now().UnixNano())
}

// LastUsed reports when the session was last used.
func (s *Session) LastUsed() time.Time {
	return time.Unix(0, s.lastUsed.Load())
}

// EngineFactory builds the engine for a new session.
type EngineFactory func() *editor.Engine

// SessionStore manages editing sessions.
type SessionStore struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	nextID    atomic.Uint64
	newEngine EngineFactory
}

// NewSessionStore creates a new session store.
func NewSessionStore(newEngine EngineFactory) *SessionStore {
	return &SessionStore{
		sessions:  make(map[string]*Session),
		newEngine: newEngine,
	}
}

// Create creates a new session with an optional name.
func (s *SessionStore) Create(name string) *Session {
	id := fmt.Sprintf("s-%d", s.nextID.Add(1))

	session := &Session{
		ID:      id,
		Name:    name,
		Engine:  s.newEngine(),
		Created: time.Now(),
	}
	session.Touch()

	s.mu.Lock()
	s.sessions[id] = session
	s.mu.Unlock()

	log.Debugf("created session %s", id)
	return session
}

// Get retrieves a session by ID and marks it used.
func (s *SessionStore) Get(id string) (*Session, bool) {
	s.mu.RLock()
	session, ok := s.sessions[id]
	s.mu.RUnlock()

	if ok {
		session.Touch()
	}
	return session, ok
}

// List returns every session, oldest first.
func (s *SessionStore) List() []*Session {
	s.mu.RLock()
	out := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		out = append(out, session)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].Created.Equal(out[j].Created) {
			return out[i].Created.Before(out[j].Created)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Destroy removes a session and stops its engine. It reports whether the
// session existed.
func (s *SessionStore) Destroy(id string) bool {
	s.mu.Lock()
	session, ok := s.sessions[id]
	delete(s.sessions, id)
	s.mu.Unlock()

	if ok {
		session.Engine.Stop()
		log.Debugf("destroyed session %s", id)
	}
	return ok
}

// DestroyAll stops every session.
func (s *SessionStore) DestroyAll() {
	s.mu.Lock()
	sessions := s.sessions
	s.sessions = make(map[string]*Session)
	s.mu.Unlock()

	for _, session := range sessions {
		session.Engine.Stop()
	}
}

// Sweep removes sessions that haven't been used within the TTL.
func (s *SessionStore) Sweep(ttl time.Duration) int {
	cutoff := time.Now().Add(-ttl)

	s.mu.Lock()
	var expired []*Session
	for id, session := range s.sessions {
		if session.LastUsed().Before(cutoff) {
			expired = append(expired, session)
			delete(s.sessions, id)
		}
	}
	s.mu.Unlock()

	for _, session := range expired {
		session.Engine.Stop()
	}
	if len(expired) > 0 {
		log.Infof("swept %d idle sessions", len(expired))
	}
	return len(expired)
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
				s.Sweep(ttl)
			case <-done:
				ticker.Stop()
				return
			}
		}
	}()
	return func() { close(done) }
}

// Package transcript keeps a per-session history of final transcripts so
// clients can fetch what was said after the live socket has gone away.
package transcript

import (
	"sync"
	"time"
)

// Entry is one finalized transcript segment.
type Entry struct {
	Text      string    `json:"text"`
	Start     float64   `json:"start"`
	End       float64   `json:"end"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the recorded history for one relay session.
type Session struct {
	ID        string     `json:"id"`
	StartTime time.Time  `json:"start_time"`
	EndTime   *time.Time `json:"end_time,omitempty"`
	Entries   []Entry    `json:"transcripts"`
}

// Store is a concurrency-safe map of session histories. Each relay session
// writes only to its own history; there is no cross-session shared state
// beyond the map itself.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{sessions: make(map[string]*Session)}
}

// Begin registers a new session history.
func (s *Store) Begin(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sessionID] = &Session{
		ID:        sessionID,
		StartTime: time.Now(),
		Entries:   make([]Entry, 0),
	}
}

// Append records a finalized transcript segment for a session. Unknown
// session IDs are ignored; the session may already have been evicted.
func (s *Store) Append(sessionID string, entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[sessionID]; ok {
		session.Entries = append(session.Entries, entry)
	}
}

// End marks a session history as finished.
func (s *Store) End(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if session, ok := s.sessions[sessionID]; ok && session.EndTime == nil {
		now := time.Now()
		session.EndTime = &now
	}
}

// Get returns a copy of a session history.
func (s *Store) Get(sessionID string) (Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return Session{}, false
	}
	copied := *session
	copied.Entries = make([]Entry, len(session.Entries))
	copy(copied.Entries, session.Entries)
	return copied, true
}

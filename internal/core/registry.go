package core

import "sync"

// SessionRegistry tracks the sessions of a Kit. It is shared by the
// sender, which drains them, and the application goroutines that create
// them. A session is in exactly one category at a time: new (no server
// configuration yet), open, or finished.
type SessionRegistry struct {
	mu       sync.RWMutex
	sessions []*Session
}

// NewSessionRegistry creates an empty registry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{}
}

// Add registers a session.
func (r *SessionRegistry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, s)
}

// Remove unregisters a session and reports whether it was registered.
func (r *SessionRegistry) Remove(s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.sessions {
		if existing == s {
			r.sessions = append(r.sessions[:i], r.sessions[i+1:]...)
			return true
		}
	}
	return false
}

// All returns a snapshot of every registered session.
func (r *SessionRegistry) All() []*Session {
	return r.filter(func(*Session) bool { return true })
}

// NewSessions returns the sessions still waiting for a server
// configuration.
func (r *SessionRegistry) NewSessions() []*Session {
	return r.filter(func(s *Session) bool { return !s.IsConfigured() })
}

// OpenAndConfigured returns configured sessions that have not ended.
func (r *SessionRegistry) OpenAndConfigured() []*Session {
	return r.filter(func(s *Session) bool { return s.IsConfigured() && !s.IsFinished() })
}

// FinishedAndConfigured returns configured sessions that have ended.
func (r *SessionRegistry) FinishedAndConfigured() []*Session {
	return r.filter(func(s *Session) bool { return s.IsConfigured() && s.IsFinished() })
}

// Count returns the number of registered sessions.
func (r *SessionRegistry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Counts returns the number of sessions per category.
func (r *SessionRegistry) Counts() (newSessions, open, finished int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.sessions {
		switch {
		case !s.IsConfigured():
			newSessions++
		case s.IsFinished():
			finished++
		default:
			open++
		}
	}
	return newSessions, open, finished
}

func (r *SessionRegistry) filter(keep func(*Session) bool) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var result []*Session
	for _, s := range r.sessions {
		if keep(s) {
			result = append(result, s)
		}
	}
	return result
}

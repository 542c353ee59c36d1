package realtime

import "sync"

// Sessions tracks open connections by session and by user. A user may hold
// several concurrent sessions (multiple devices).
type Sessions struct {
	mu        sync.RWMutex
	bySession map[string]*Client
	byUser    map[string]map[string]*Client
}

// NewSessions constructs an empty session registry.
func NewSessions() *Sessions {
	return &Sessions{
		bySession: make(map[string]*Client),
		byUser:    make(map[string]map[string]*Client),
	}
}

// Add registers an authenticated client.
func (s *Sessions) Add(c *Client) {
	if s == nil || c == nil || c.SessionID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.bySession[c.SessionID] = c
	if uid := c.Identity.UserID; uid != "" {
		m, ok := s.byUser[uid]
		if !ok {
			m = make(map[string]*Client)
			s.byUser[uid] = m
		}
		m[c.SessionID] = c
	}
}

// Remove unregisters a session. Idempotent.
func (s *Sessions) Remove(sessionID string) {
	if s == nil || sessionID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.bySession[sessionID]
	if !ok {
		return
	}
	delete(s.bySession, sessionID)

	if uid := c.Identity.UserID; uid != "" {
		if m, ok := s.byUser[uid]; ok {
			delete(m, sessionID)
			if len(m) == 0 {
				delete(s.byUser, uid)
			}
		}
	}
}

// Get returns the client for a session id.
func (s *Sessions) Get(sessionID string) (*Client, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.bySession[sessionID]
	return c, ok
}

// ForUser returns the open clients of a user.
func (s *Sessions) ForUser(userID string) []*Client {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m := s.byUser[userID]
	out := make([]*Client, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	return out
}

// Len returns the number of open sessions.
func (s *Sessions) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bySession)
}

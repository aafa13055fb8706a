package pipeline

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"safe-analysis-sandbox/internal/monitor"
	"safe-analysis-sandbox/internal/profile"
)

// DefaultSessionTTL is how long an idle session is kept.
const DefaultSessionTTL = time.Hour

// SessionStore holds one SessionState per session and evicts idle ones.
type SessionStore struct {
	ttl     time.Duration
	metrics *monitor.Metrics

	mu       sync.Mutex
	sessions map[string]*SessionState
}

func NewSessionStore(ttl time.Duration, metrics *monitor.Metrics) *SessionStore {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &SessionStore{
		ttl:      ttl,
		metrics:  metrics,
		sessions: make(map[string]*SessionState),
	}
}

// Create registers a new session for table.
func (s *SessionStore) Create(table *profile.Table) *SessionState {
	state := NewSessionState(table)
	s.mu.Lock()
	s.sessions[state.ID] = state
	n := len(s.sessions)
	s.mu.Unlock()
	s.gauge(n)
	log.Info().Str("session_id", state.ID).Msg("session created")
	return state
}

// Get returns the session and marks it used.
func (s *SessionStore) Get(id string) (*SessionState, error) {
	s.mu.Lock()
	state, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	state.touch()
	return state, nil
}

func (s *SessionStore) Delete(id string) error {
	s.mu.Lock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	n := len(s.sessions)
	s.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	s.gauge(n)
	log.Info().Str("session_id", id).Msg("session deleted")
	return nil
}

func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Evict removes sessions idle since before now-ttl and returns how many.
func (s *SessionStore) Evict(now time.Time) int {
	s.mu.Lock()
	evicted := 0
	for id, state := range s.sessions {
		if now.Sub(state.LastAccess()) > s.ttl {
			delete(s.sessions, id)
			evicted++
		}
	}
	n := len(s.sessions)
	s.mu.Unlock()
	if evicted > 0 {
		s.gauge(n)
		log.Info().Int("count", evicted).Msg("evicted idle sessions")
	}
	return evicted
}

// Run evicts idle sessions every interval until ctx is done.
func (s *SessionStore) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			s.Evict(now)
		}
	}
}

func (s *SessionStore) gauge(n int) {
	if s.metrics != nil {
		s.metrics.ActiveSessions.Set(float64(n))
	}
}

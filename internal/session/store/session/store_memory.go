package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bffgate/internal/session/models"
	"bffgate/pkg/platform/sentinel"
	"bffgate/pkg/requestcontext"
)

// InMemorySessionStore keeps sessions in process memory.
// Expired sessions are reported as sentinel.ErrExpired and dropped on read.
type InMemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string]*models.AuthenticatedSession
}

func New() *InMemorySessionStore {
	return &InMemorySessionStore{sessions: make(map[string]*models.AuthenticatedSession)}
}

func (s *InMemorySessionStore) Save(_ context.Context, session *models.AuthenticatedSession) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("save session: %w", sentinel.ErrInvalidState)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *session
	s.sessions[session.ID] = &stored
	return nil
}

func (s *InMemorySessionStore) FindByID(ctx context.Context, id string) (*models.AuthenticatedSession, error) {
	s.mu.RLock()
	session, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	if session.IsExpired(requestcontext.Now(ctx)) {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		return nil, sentinel.ErrExpired
	}
	found := *session
	return &found, nil
}

func (s *InMemorySessionStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[id]; !ok {
		return sentinel.ErrNotFound
	}
	delete(s.sessions, id)
	return nil
}

// DeleteExpired removes sessions whose lifetime ended before now.
func (s *InMemorySessionStore) DeleteExpired(_ context.Context, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, session := range s.sessions {
		if session.IsExpired(now) {
			delete(s.sessions, id)
			removed++
		}
	}
	return removed
}

package client

import (
	"context"
	"fmt"
	"sync"

	"bffgate/internal/session/models"
	"bffgate/pkg/platform/sentinel"
)

// InMemoryStore holds authorized clients per (registrationId, principalName).
type InMemoryStore struct {
	mu      sync.RWMutex
	clients map[models.ClientKey]models.AuthorizedClient
}

func NewInMemory() *InMemoryStore {
	return &InMemoryStore{clients: make(map[models.ClientKey]models.AuthorizedClient)}
}

// Save upserts the client. Saving a client without tokens removes the record.
func (s *InMemoryStore) Save(_ context.Context, client *models.AuthorizedClient) error {
	if client == nil || client.PrincipalName == "" || client.RegistrationID == "" {
		return fmt.Errorf("save authorized client: %w", sentinel.ErrInvalidState)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if client.IsEmpty() {
		delete(s.clients, client.Key())
		return nil
	}
	stored := *client
	stored.Scopes = append([]string(nil), client.Scopes...)
	s.clients[client.Key()] = stored
	return nil
}

func (s *InMemoryStore) Load(_ context.Context, key models.ClientKey) (*models.AuthorizedClient, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	client, ok := s.clients[key]
	if !ok || client.IsEmpty() {
		return nil, sentinel.ErrNotFound
	}
	return &client, nil
}

func (s *InMemoryStore) Remove(_ context.Context, key models.ClientKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.clients[key]; !ok {
		return sentinel.ErrNotFound
	}
	delete(s.clients, key)
	return nil
}

package oidc

import (
	"context"
	"sync"
	"time"

	"bffgate/pkg/platform/sentinel"
	"bffgate/pkg/requestcontext"
)

// PendingTTL bounds the login round trip.
const PendingTTL = 10 * time.Minute

// PendingAuthorization is the state kept between the redirect to the IdP and
// the callback.
type PendingAuthorization struct {
	State          string    `json:"state"`
	Nonce          string    `json:"nonce"`
	CodeVerifier   string    `json:"code_verifier"`
	RegistrationID string    `json:"registration_id"`
	CreatedAt      time.Time `json:"created_at"`
}

// PendingStore keeps pending authorizations. Take consumes the entry: a
// second Take for the same state returns sentinel.ErrNotFound.
type PendingStore interface {
	Put(ctx context.Context, p PendingAuthorization) error
	Take(ctx context.Context, state string) (*PendingAuthorization, error)
}

// InMemoryPendingStore is a PendingStore for single-instance deployments
// and tests.
type InMemoryPendingStore struct {
	mu      sync.Mutex
	pending map[string]PendingAuthorization
	ttl     time.Duration
}

func NewInMemoryPendingStore() *InMemoryPendingStore {
	return &InMemoryPendingStore{pending: make(map[string]PendingAuthorization), ttl: PendingTTL}
}

func (s *InMemoryPendingStore) Put(ctx context.Context, p PendingAuthorization) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := requestcontext.Now(ctx)
	for state, existing := range s.pending {
		if now.Sub(existing.CreatedAt) >= s.ttl {
			delete(s.pending, state)
		}
	}
	s.pending[p.State] = p
	return nil
}

func (s *InMemoryPendingStore) Take(ctx context.Context, state string) (*PendingAuthorization, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pending[state]
	if !ok {
		return nil, sentinel.ErrNotFound
	}
	delete(s.pending, state)
	if requestcontext.Now(ctx).Sub(p.CreatedAt) >= s.ttl {
		return nil, sentinel.ErrExpired
	}
	return &p, nil
}

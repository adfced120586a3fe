package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"bffgate/pkg/platform/sentinel"
)

const pendingKeyPrefix = "bff:oauth2_pending:"

// RedisPendingStore shares pending authorizations across gateway instances.
// Entries expire with PendingTTL and are consumed with GETDEL.
type RedisPendingStore struct {
	client *redis.Client
}

func NewRedisPendingStore(client *redis.Client) *RedisPendingStore {
	return &RedisPendingStore{client: client}
}

func (s *RedisPendingStore) Put(ctx context.Context, p PendingAuthorization) error {
	payload, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal pending authorization: %w", err)
	}
	if err := s.client.Set(ctx, pendingKeyPrefix+p.State, payload, PendingTTL).Err(); err != nil {
		return fmt.Errorf("save pending authorization: %w: %w", sentinel.ErrUnavailable, err)
	}
	return nil
}

func (s *RedisPendingStore) Take(ctx context.Context, state string) (*PendingAuthorization, error) {
	raw, err := s.client.GetDel(ctx, pendingKeyPrefix+state).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("take pending authorization: %w: %w", sentinel.ErrUnavailable, err)
	}
	var p PendingAuthorization
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("unmarshal pending authorization: %w", err)
	}
	return &p, nil
}

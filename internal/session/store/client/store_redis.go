package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"bffgate/internal/session/models"
	"bffgate/pkg/platform/sentinel"
)

const clientKeyPrefix = "bff:authorized_client:"

// RedisStore keeps authorized clients as JSON values.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithTTL bounds how long a client record outlives its last save. Zero keeps
// records until removed.
func WithTTL(ttl time.Duration) RedisStoreOption {
	return func(s *RedisStore) {
		if ttl >= 0 {
			s.ttl = ttl
		}
	}
}

func NewRedis(client *redis.Client, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{client: client}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func redisKey(key models.ClientKey) string {
	return clientKeyPrefix + key.String()
}

func (s *RedisStore) Save(ctx context.Context, client *models.AuthorizedClient) error {
	if client == nil || client.PrincipalName == "" || client.RegistrationID == "" {
		return fmt.Errorf("save authorized client: %w", sentinel.ErrInvalidState)
	}
	if client.IsEmpty() {
		if err := s.client.Del(ctx, redisKey(client.Key())).Err(); err != nil {
			return fmt.Errorf("save authorized client: %w: %w", sentinel.ErrUnavailable, err)
		}
		return nil
	}
	payload, err := json.Marshal(client)
	if err != nil {
		return fmt.Errorf("marshal authorized client: %w", err)
	}
	if err := s.client.Set(ctx, redisKey(client.Key()), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("save authorized client: %w: %w", sentinel.ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Load(ctx context.Context, key models.ClientKey) (*models.AuthorizedClient, error) {
	raw, err := s.client.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load authorized client: %w: %w", sentinel.ErrUnavailable, err)
	}
	var client models.AuthorizedClient
	if err := json.Unmarshal(raw, &client); err != nil {
		return nil, fmt.Errorf("unmarshal authorized client: %w", err)
	}
	if client.IsEmpty() {
		return nil, sentinel.ErrNotFound
	}
	return &client, nil
}

func (s *RedisStore) Remove(ctx context.Context, key models.ClientKey) error {
	n, err := s.client.Del(ctx, redisKey(key)).Result()
	if err != nil {
		return fmt.Errorf("remove authorized client: %w: %w", sentinel.ErrUnavailable, err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"

	"bffgate/internal/session/models"
	"bffgate/pkg/platform/sentinel"
	"bffgate/pkg/requestcontext"
)

var (
	findDurationMs = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "bffgate_session_lookup_duration_ms",
		Help:    "Latency of redis session lookups in milliseconds",
		Buckets: []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 25},
	})
)

const sessionKeyPrefix = "bff:session:"

// RedisStore persists sessions as JSON under a TTL equal to the remaining
// session lifetime, so expiry needs no sweeper.
type RedisStore struct {
	client     *redis.Client
	defaultTTL time.Duration
}

// RedisStoreOption configures a RedisStore.
type RedisStoreOption func(*RedisStore)

// WithDefaultTTL sets the TTL for sessions without an ExpiresAt.
func WithDefaultTTL(ttl time.Duration) RedisStoreOption {
	return func(s *RedisStore) {
		if ttl > 0 {
			s.defaultTTL = ttl
		}
	}
}

func NewRedis(client *redis.Client, opts ...RedisStoreOption) *RedisStore {
	s := &RedisStore{client: client, defaultTTL: 8 * time.Hour}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

func (s *RedisStore) Save(ctx context.Context, session *models.AuthenticatedSession) error {
	if session == nil || session.ID == "" {
		return fmt.Errorf("save session: %w", sentinel.ErrInvalidState)
	}
	ttl := s.defaultTTL
	if !session.ExpiresAt.IsZero() {
		ttl = session.ExpiresAt.Sub(requestcontext.Now(ctx))
		if ttl <= 0 {
			return fmt.Errorf("save session: %w", sentinel.ErrExpired)
		}
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("marshal session: %w", err)
	}
	if err := s.client.Set(ctx, sessionKeyPrefix+session.ID, payload, ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w: %w", sentinel.ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) FindByID(ctx context.Context, id string) (*models.AuthenticatedSession, error) {
	start := time.Now()
	defer func() {
		findDurationMs.Observe(float64(time.Since(start).Microseconds()) / 1000.0)
	}()

	raw, err := s.client.Get(ctx, sessionKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, sentinel.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find session: %w: %w", sentinel.ErrUnavailable, err)
	}
	var session models.AuthenticatedSession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, fmt.Errorf("unmarshal session: %w", err)
	}
	if session.IsExpired(requestcontext.Now(ctx)) {
		return nil, sentinel.ErrExpired
	}
	return &session, nil
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	n, err := s.client.Del(ctx, sessionKeyPrefix+id).Result()
	if err != nil {
		return fmt.Errorf("delete session: %w: %w", sentinel.ErrUnavailable, err)
	}
	if n == 0 {
		return sentinel.ErrNotFound
	}
	return nil
}

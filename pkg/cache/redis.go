package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/leynos/wildside-sub000/pkg/core"
)

// Redis stores route cache entries as plain string keys with a TTL.
type Redis struct {
	client redis.UniversalClient
}

var _ core.RouteCache = (*Redis)(nil)

// NewRedis wraps an existing client. Keys are used as given; the
// fingerprint package already namespaces them.
func NewRedis(client redis.UniversalClient) *Redis {
	return &Redis{client: client}
}

// Dial connects to addr and verifies the connection.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return client, nil
}

// Get returns the plan id stored under key.
func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	planID, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get: %w", err)
	}
	return planID, true, nil
}

// Put stores planID under key for ttl.
func (r *Redis) Put(ctx context.Context, key string, planID string, ttl time.Duration) error {
	if ttl <= 0 {
		return r.client.Del(ctx, key).Err()
	}
	if err := r.client.Set(ctx, key, planID, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

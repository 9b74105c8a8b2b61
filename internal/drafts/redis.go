package drafts

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const draftTTL = 30 * 24 * time.Hour

// RedisStore shares drafts across a user's devices.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

func redisDraftKey(userID, key string) string {
	return fmt.Sprintf("kronos:draft:%s:%s", userID, key)
}

func (s *RedisStore) Get(ctx context.Context, userID, key string) (string, error) {
	val, err := s.client.Get(ctx, redisDraftKey(userID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return val, err
}

func (s *RedisStore) Set(ctx context.Context, userID, key, text string) error {
	if text == "" {
		return s.Delete(ctx, userID, key)
	}
	return s.client.Set(ctx, redisDraftKey(userID, key), text, draftTTL).Err()
}

func (s *RedisStore) Delete(ctx context.Context, userID, key string) error {
	return s.client.Del(ctx, redisDraftKey(userID, key)).Err()
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

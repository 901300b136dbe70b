package cache

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

const redisPrefix = "_CHATBOT_REPLY_"

// RedisStore shares cached replies across server replicas
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore connects to addr and pings it once
func NewRedisStore(ctx context.Context, addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "failed to connect to redis at %s", addr)
	}
	return &RedisStore{client: client}, nil
}

func (r *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	reply, err := r.client.Get(ctx, redisPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "redis get")
	}
	return reply, true, nil
}

func (r *RedisStore) Set(ctx context.Context, key, reply string, ttl time.Duration) error {
	return errors.Wrap(r.client.Set(ctx, redisPrefix+key, reply, ttl).Err(), "redis set")
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

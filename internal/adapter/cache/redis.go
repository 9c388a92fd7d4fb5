package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"sessiond/internal/domain"
)

// Redis backs the cache with a shared Redis instance. TTL expiry is
// native, so no sweeping is needed.
type Redis struct {
	client *redis.Client
}

// NewRedis connects to the Redis instance named by url
// (redis://[user:pass@]host:port/db) and verifies it answers a ping.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("cache: parse redis url: %w: %v", domain.ErrCacheStore, err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: connect: %w: %v", domain.ErrCacheStore, err)
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := r.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("cache: get %s: %w: %v", key, domain.ErrCacheStore, err)
	}
	return value, true, nil
}

func (r *Redis) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("cache: set %s: %w: %v", key, domain.ErrCacheStore, err)
	}
	return nil
}

func (r *Redis) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("cache: delete: %w: %v", domain.ErrCacheStore, err)
	}
	return nil
}

// DeleteByPrefix scans for matching keys and removes them in batches.
func (r *Redis) DeleteByPrefix(ctx context.Context, prefix string) error {
	iter := r.client.Scan(ctx, 0, prefix+"*", 100).Iterator()
	batch := make([]string, 0, 100)
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := r.Delete(ctx, batch...); err != nil {
				return err
			}
			batch = batch[:0]
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("cache: scan %s: %w: %v", prefix, domain.ErrCacheStore, err)
	}
	return r.Delete(ctx, batch...)
}

func (r *Redis) Close() error {
	return r.client.Close()
}

var _ domain.Cache = (*Redis)(nil)

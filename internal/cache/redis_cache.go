package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"stimatrack/backend/internal/domain"
)

type RedisSerialLookupCache struct {
	client *redis.Client
}

func NewRedisSerialLookupCache(addr string, password string, db int) *RedisSerialLookupCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisSerialLookupCache{client: client}
}

func (c *RedisSerialLookupCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisSerialLookupCache) Close() error {
	return c.client.Close()
}

func cacheKey(serial string) string {
	return "serial-location:" + serial
}

func (c *RedisSerialLookupCache) Get(ctx context.Context, serial string) (*domain.SerialLocation, bool, error) {
	val, err := c.client.Get(ctx, cacheKey(serial)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var loc domain.SerialLocation
	if err := json.Unmarshal([]byte(val), &loc); err != nil {
		return nil, false, err
	}
	return &loc, true, nil
}

func (c *RedisSerialLookupCache) Set(ctx context.Context, serial string, value *domain.SerialLocation, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, cacheKey(serial), payload, ttl).Err()
}

func (c *RedisSerialLookupCache) Invalidate(ctx context.Context, serials []string) error {
	if len(serials) == 0 {
		return nil
	}
	keys := make([]string, 0, len(serials))
	for _, serial := range serials {
		keys = append(keys, cacheKey(serial))
	}
	return c.client.Del(ctx, keys...).Err()
}

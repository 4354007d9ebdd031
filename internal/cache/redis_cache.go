package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"apotekku/backend/internal/domain"
)

type RedisExpiryReportCache struct {
	client *redis.Client
}

func NewRedisExpiryReportCache(addr string, password string, db int) *RedisExpiryReportCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisExpiryReportCache{client: client}
}

func (c *RedisExpiryReportCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisExpiryReportCache) Close() error {
	return c.client.Close()
}

func (c *RedisExpiryReportCache) Get(ctx context.Context, key string) (*domain.ExpiryReport, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var report domain.ExpiryReport
	if err := json.Unmarshal([]byte(val), &report); err != nil {
		return nil, false, err
	}
	return &report, true, nil
}

func (c *RedisExpiryReportCache) Set(ctx context.Context, key string, value *domain.ExpiryReport, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}

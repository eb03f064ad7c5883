package cache

import (
	"context"
	"time"

	redis "github.com/redis/go-redis/v9"
)

const cooldownKeyPrefix = "posledger:alert-cooldown:"

type RedisCooldown struct {
	client *redis.Client
}

func NewRedisCooldown(addr string, password string, db int) *RedisCooldown {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisCooldown{client: client}
}

func (c *RedisCooldown) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCooldown) Close() error {
	return c.client.Close()
}

func (c *RedisCooldown) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := c.client.SetNX(ctx, cooldownKeyPrefix+key, time.Now().UTC().Format(time.RFC3339), ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (c *RedisCooldown) Release(ctx context.Context, key string) error {
	return c.client.Del(ctx, cooldownKeyPrefix+key).Err()
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"ledgerpos/backend/internal/domain"
)

type RedisPriceBookCache struct {
	client *redis.Client
}

func NewRedisPriceBookCache(addr string, password string, db int) *RedisPriceBookCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisPriceBookCache{client: client}
}

func (c *RedisPriceBookCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisPriceBookCache) Close() error {
	return c.client.Close()
}

func (c *RedisPriceBookCache) Get(ctx context.Context, key string) (*domain.PriceBook, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var book domain.PriceBook
	if err := json.Unmarshal(val, &book); err != nil {
		return nil, false, err
	}
	return &book, true, nil
}

func (c *RedisPriceBookCache) Set(ctx context.Context, key string, value *domain.PriceBook, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}

func (c *RedisPriceBookCache) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return c.client.Del(ctx, keys...).Err()
}

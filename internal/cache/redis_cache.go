package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"brickledger/backend/internal/domain"
)

const stockKeyPrefix = "brickledger:stock:"

type RedisStockCache struct {
	client *redis.Client
}

func NewRedisStockCache(addr string, password string, db int) *RedisStockCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisStockCache{client: client}
}

// Client exposes the connection so the lock service can share it.
func (c *RedisStockCache) Client() *redis.Client {
	return c.client
}

func (c *RedisStockCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisStockCache) Close() error {
	return c.client.Close()
}

func (c *RedisStockCache) Get(ctx context.Context, pieceRef string) (*domain.StockSummary, bool, error) {
	val, err := c.client.Get(ctx, stockKeyPrefix+pieceRef).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var summary domain.StockSummary
	if err := json.Unmarshal([]byte(val), &summary); err != nil {
		return nil, false, err
	}
	return &summary, true, nil
}

func (c *RedisStockCache) Set(ctx context.Context, pieceRef string, value *domain.StockSummary, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, stockKeyPrefix+pieceRef, payload, ttl).Err()
}

func (c *RedisStockCache) Invalidate(ctx context.Context, pieceRefs ...string) error {
	if len(pieceRefs) == 0 {
		return nil
	}
	keys := make([]string, 0, len(pieceRefs))
	for _, ref := range pieceRefs {
		keys = append(keys, stockKeyPrefix+ref)
	}
	return c.client.Del(ctx, keys...).Err()
}

package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/billexhk/POSONLINE-sub002/internal/domain"
)

type RedisSummaryCache struct {
	client *redis.Client
}

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

func NewRedisSummaryCache(client *redis.Client) *RedisSummaryCache {
	return &RedisSummaryCache{client: client}
}

func (c *RedisSummaryCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisSummaryCache) Close() error {
	return c.client.Close()
}

func (c *RedisSummaryCache) Get(ctx context.Context, key string) ([]domain.COGSSummaryRow, bool, error) {
	val, err := c.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var rows []domain.COGSSummaryRow
	if err := json.Unmarshal([]byte(val), &rows); err != nil {
		return nil, false, err
	}
	return rows, true, nil
}

func (c *RedisSummaryCache) Set(ctx context.Context, key string, rows []domain.COGSSummaryRow, ttl time.Duration) error {
	if rows == nil {
		rows = []domain.COGSSummaryRow{}
	}
	payload, err := json.Marshal(rows)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, key, payload, ttl).Err()
}

// InvalidateBranch drops the branch's cached summaries and every
// all-branches summary.
func (c *RedisSummaryCache) InvalidateBranch(ctx context.Context, branchID string) error {
	for _, pattern := range []string{SummaryKey("*", "*", branchID), SummaryKey("*", "*", "")} {
		iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
		keys := make([]string, 0, 16)
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := c.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
	}
	return nil
}

package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis adapts a go-redis client to the Cache capability. Keys carry their
// TTL in Redis itself; the token envelope still embeds the absolute expiry
// so readers never depend on backend TTL metadata.
type Redis struct {
	cli *redis.Client
}

func NewRedis(cli *redis.Client) *Redis {
	return &Redis{cli: cli}
}

func (c *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	b, err := c.cli.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return b, true, nil
}

func (c *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return c.cli.Set(ctx, key, value, ttl).Err()
}

func (c *Redis) Delete(ctx context.Context, key string) (bool, error) {
	n, err := c.cli.Del(ctx, key).Result()
	return n > 0, err
}

func (c *Redis) Has(ctx context.Context, key string) (bool, error) {
	n, err := c.cli.Exists(ctx, key).Result()
	return n > 0, err
}

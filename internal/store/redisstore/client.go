// Package redisstore wraps the Redis client operations used by the
// document store.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	maintnotifications "github.com/redis/go-redis/v9/maintnotifications"

	"github.com/gena/ee-map-draw-demo/internal/core/observability"
)

type Option func(*redis.Options)

func WithPoolSize(n int) Option {
	return func(o *redis.Options) { o.PoolSize = n }
}

func WithDialTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.DialTimeout = d }
}

func WithReadTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.ReadTimeout = d }
}

func WithWriteTimeout(d time.Duration) Option {
	return func(o *redis.Options) { o.WriteTimeout = d }
}

type Client struct {
	rdb *redis.Client
}

func New(ctx context.Context, addr string, opts ...Option) (*Client, error) {
	if addr == "" {
		return nil, errors.New("redis address is required")
	}

	ro := &redis.Options{
		Addr:         addr,
		PoolSize:     32,
		MinIdleConns: 2,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  1 * time.Second,
		WriteTimeout: 1 * time.Second,
		MaintNotificationsConfig: &maintnotifications.Config{
			Mode: maintnotifications.ModeDisabled,
		},
	}
	for _, f := range opts {
		f(ro)
	}

	rdb := redis.NewClient(ro)

	start := time.Now()
	err := rdb.Ping(ctx).Err()
	observability.ObserveStoreOp("ping", err, time.Since(start).Seconds())
	if err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Client{rdb: rdb}, nil
}

func (c *Client) Ping(ctx context.Context) error {
	start := time.Now()
	err := c.rdb.Ping(ctx).Err()
	observability.ObserveStoreOp("ping", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (c *Client) HSet(ctx context.Context, key string, fields map[string]string) error {
	start := time.Now()
	args := make([]any, 0, len(fields)*2)
	for k, v := range fields {
		args = append(args, k, v)
	}
	err := c.rdb.HSet(ctx, key, args...).Err()
	observability.ObserveStoreOp("hset", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis HSET %q: %w", key, err)
	}
	return nil
}

func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	start := time.Now()
	m, err := c.rdb.HGetAll(ctx, key).Result()
	observability.ObserveStoreOp("hgetall", err, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL %q: %w", key, err)
	}
	return m, nil
}

func (c *Client) ZAdd(ctx context.Context, key string, score float64, member string) error {
	start := time.Now()
	err := c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err()
	observability.ObserveStoreOp("zadd", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis ZADD %q: %w", key, err)
	}
	return nil
}

// ZRange returns all members ordered by ascending score.
func (c *Client) ZRange(ctx context.Context, key string) ([]string, error) {
	start := time.Now()
	vals, err := c.rdb.ZRange(ctx, key, 0, -1).Result()
	observability.ObserveStoreOp("zrange", err, time.Since(start).Seconds())
	if err != nil {
		return nil, fmt.Errorf("redis ZRANGE %q: %w", key, err)
	}
	return vals, nil
}

func (c *Client) ZRem(ctx context.Context, key string, member string) error {
	start := time.Now()
	err := c.rdb.ZRem(ctx, key, member).Err()
	observability.ObserveStoreOp("zrem", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis ZREM %q: %w", key, err)
	}
	return nil
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	n, err := c.rdb.Exists(ctx, key).Result()
	observability.ObserveStoreOp("exists", err, time.Since(start).Seconds())
	if err != nil {
		return false, fmt.Errorf("redis EXISTS %q: %w", key, err)
	}
	return n > 0, nil
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	start := time.Now()
	err := c.rdb.Del(ctx, keys...).Err()
	observability.ObserveStoreOp("del", err, time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("redis DEL %d keys: %w", len(keys), err)
	}
	return nil
}

func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		return fmt.Errorf("redis close: %w", err)
	}
	return nil
}

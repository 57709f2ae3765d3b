// Package cache wraps the Redis client behind the key layout the
// platform owns: hot account snapshots, rules snapshots, market prices,
// session cache, the persistence DLQ and fan-out node membership.
package cache

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Config holds Redis connection settings.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Client is the shared Redis handle. Construct once at startup and pass
// to the components that need it.
type Client struct {
	rdb *redis.Client
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, cfg Config) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis not reachable at %s: %w", cfg.Addr, err)
	}
	return &Client{rdb: rdb}, nil
}

// Redis exposes the underlying client for components that need raw
// commands (pub/sub, sets, lists).
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Healthy reports whether Redis answers a ping.
func (c *Client) Healthy(ctx context.Context) bool {
	return c.rdb.Ping(ctx).Err() == nil
}

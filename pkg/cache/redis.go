package cache

import (
	"context"
	"time"

	"blinkpos-broker/pkg/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Config struct {
	Host     string
	Port     string
	Password string
	DB       int
}

// Client wraps a Redis connection. It is injected into every consumer so
// tests can swap in a miniredis or a nil-safe fake instead of touching a
// package-level singleton.
type Client struct {
	rdb *redis.Client
}

// New connects to Redis and verifies the connection with a ping.
func New(cfg Config) (*Client, error) {
	opts := redis.Options{
		Addr:     cfg.Host + ":" + cfg.Port,
		Password: cfg.Password,
		DB:       cfg.DB,
	}

	rdb := redis.NewClient(&opts)

	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Error("Failed to connect to Redis", zap.Error(err))
		return nil, err
	}

	logger.Info("Connected to Redis successfully", zap.String("host", cfg.Host))
	return &Client{rdb: rdb}, nil
}

// Redis exposes the underlying client for stream operations.
func (c *Client) Redis() *redis.Client {
	return c.rdb
}

// Get returns the value for key, or "" with a nil error when the key does
// not exist.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", nil
	} else if err != nil {
		logger.Error("Failed to get key from Redis", zap.String("key", key), zap.Error(err))
		return "", err
	}
	return val, nil
}

func (c *Client) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	err := c.rdb.Set(ctx, key, value, expiration).Err()
	if err != nil {
		logger.Error("Failed to set key in Redis", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

func (c *Client) Delete(ctx context.Context, keys ...string) (int64, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	res, err := c.rdb.Del(ctx, keys...).Result()
	if err != nil {
		logger.Error("Failed to delete keys from Redis", zap.Strings("keys", keys), zap.Error(err))
		return 0, err
	}
	return res, nil
}

func (c *Client) Exists(ctx context.Context, key string) (bool, error) {
	res, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		logger.Error("Failed to check existence of key in Redis", zap.String("key", key), zap.Error(err))
		return false, err
	}
	return res > 0, nil
}

// SetNX sets the key only if it does not exist. Returns true if set.
func (c *Client) SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) (bool, error) {
	set, err := c.rdb.SetNX(ctx, key, value, expiration).Result()
	if err != nil {
		logger.Error("Failed to set NX key in Redis", zap.String("key", key), zap.Error(err))
		return false, err
	}
	return set, nil
}

func (c *Client) Incr(ctx context.Context, key string) (int64, error) {
	res, err := c.rdb.Incr(ctx, key).Result()
	if err != nil {
		logger.Error("Failed to increment key in Redis", zap.String("key", key), zap.Error(err))
		return 0, err
	}
	return res, nil
}

func (c *Client) Expire(ctx context.Context, key string, expiration time.Duration) error {
	err := c.rdb.Expire(ctx, key, expiration).Err()
	if err != nil {
		logger.Error("Failed to set expiration on key in Redis", zap.String("key", key), zap.Error(err))
		return err
	}
	return nil
}

// Ping tests the Redis connection
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close closes the Redis connection
func (c *Client) Close() error {
	if c.rdb != nil {
		return c.rdb.Close()
	}
	return nil
}

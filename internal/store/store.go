// Package store wraps the shared Redis instance that every server process
// coordinates through. No component keeps authoritative state anywhere else.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrSkipUpdate can be returned from an UpdateFunc to abort without writing.
	ErrSkipUpdate = errors.New("store: skip update")

	// ErrConflict means an optimistic update kept losing to concurrent writers.
	ErrConflict = errors.New("store: too many concurrent updates")
)

// Config holds connection settings for the shared store
type Config struct {
	URL           string
	DialTimeout   time.Duration
	UpdateRetries int
}

// DefaultConfig returns settings for a local Redis
func DefaultConfig() Config {
	return Config{
		URL:           "redis://localhost:6379/0",
		DialTimeout:   5 * time.Second,
		UpdateRetries: 10,
	}
}

// Client is the shared store client
type Client struct {
	rdb           *redis.Client
	updateRetries int
}

// New connects to the store described by cfg and verifies it is reachable
func New(ctx context.Context, cfg Config) (*Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid store url: %w", err)
	}
	if cfg.DialTimeout > 0 {
		opts.DialTimeout = cfg.DialTimeout
	}

	c := NewFromClient(redis.NewClient(opts))
	if cfg.UpdateRetries > 0 {
		c.updateRetries = cfg.UpdateRetries
	}

	if err := c.Ping(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

// NewFromClient wraps an existing go-redis client
func NewFromClient(rdb *redis.Client) *Client {
	return &Client{
		rdb:           rdb,
		updateRetries: DefaultConfig().UpdateRetries,
	}
}

// Ping checks connectivity
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}
	return nil
}

// Close releases the underlying connections
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Get returns the value at key. ok is false when the key does not exist.
func (c *Client) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return val, true, nil
}

// Set writes value with a TTL (0 means no expiry)
func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := c.rdb.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// SetNX writes value only if key is absent
func (c *Client) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

// Del removes key and reports whether this call removed it
func (c *Client) Del(ctx context.Context, key string) (bool, error) {
	n, err := c.rdb.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("del %s: %w", key, err)
	}
	return n > 0, nil
}

// Expire resets the TTL of key
func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("expire %s: %w", key, err)
	}
	return nil
}

// UpdateFunc computes the next value from the current one. ok is false if
// the key is absent.
type UpdateFunc func(current string, ok bool) (string, error)

// Update performs an optimistic read-modify-write on key, retrying when a
// concurrent writer touches the key between read and write.
func (c *Client) Update(ctx context.Context, key string, ttl time.Duration, fn UpdateFunc) error {
	txf := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Result()
		ok := true
		if errors.Is(err, redis.Nil) {
			cur, ok = "", false
		} else if err != nil {
			return err
		}

		next, err := fn(cur, ok)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, next, ttl)
			return nil
		})
		return err
	}

	for i := 0; i < c.updateRetries; i++ {
		err := c.rdb.Watch(ctx, txf, key)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			continue
		case errors.Is(err, ErrSkipUpdate):
			return nil
		default:
			return err
		}
	}
	return fmt.Errorf("update %s: %w", key, ErrConflict)
}

// Keys lists keys starting with prefix using SCAN
func (c *Client) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	iter := c.rdb.Scan(ctx, 0, prefix+"*", 200).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s*: %w", prefix, err)
	}
	return keys, nil
}

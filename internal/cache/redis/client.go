// Package redis backs the engine's quote cache, signal bus, rate limiter and
// archive lock with go-redis/v9. Every key and channel it touches lives
// under one namespace so several engines can share a Redis.
package redis

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultKeyPrefix namespaces keys and channels when ClientConfig.KeyPrefix
// is empty.
const DefaultKeyPrefix = "arbeval:"

// ClientConfig holds connection parameters.
type ClientConfig struct {
	Addr       string
	Password   string
	DB         int
	PoolSize   int
	MaxRetries int
	TLSEnabled bool

	// KeyPrefix is prepended to every key, stream and pub/sub channel.
	KeyPrefix string
	// DialTimeout bounds the initial connect and ping. Zero means 5s.
	DialTimeout time.Duration
}

// Client owns the connection pool and the keyspace.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// New connects and pings Redis. A Redis that cannot be reached at startup
// fails wiring instead of degrading every later cache call.
func New(ctx context.Context, cfg ClientConfig) (*Client, error) {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	opts := &redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		PoolSize:    cfg.PoolSize,
		MaxRetries:  cfg.MaxRetries,
		DialTimeout: dialTimeout,
	}
	if cfg.TLSEnabled {
		opts.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	c := newClient(redis.NewClient(opts), cfg.KeyPrefix)

	pingCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	if err := c.Ping(pingCtx); err != nil {
		_ = c.rdb.Close()
		return nil, fmt.Errorf("redis: connect %s: %w", cfg.Addr, err)
	}
	return c, nil
}

func newClient(rdb *redis.Client, prefix string) *Client {
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	if !strings.HasSuffix(prefix, ":") {
		prefix += ":"
	}
	return &Client{rdb: rdb, prefix: prefix}
}

// Key joins parts with ':' under the client's namespace, e.g.
// Key("quotes", "ETH/USDC") is "arbeval:quotes:ETH/USDC".
func (c *Client) Key(parts ...string) string {
	return c.prefix + strings.Join(parts, ":")
}

// Prefix returns the namespace, including its trailing ':'.
func (c *Client) Prefix() string { return c.prefix }

// Ping checks the connection. It doubles as the health check.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis: ping: %w", err)
	}
	return nil
}

// Close releases the pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}

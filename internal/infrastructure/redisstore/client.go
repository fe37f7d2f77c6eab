// Package redisstore keeps shared pipeline state in Redis so several gate
// instances can enforce the same rate limits and fan out the same alerts.
// Every key and channel is namespaced with the instance name.
package redisstore

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Client wraps a Redis connection scoped to one gate instance.
type Client struct {
	rdb       *redis.Client
	namespace string
}

// NewClient connects with opts. namespace must not be empty.
func NewClient(opts *redis.Options, namespace string) (*Client, error) {
	if namespace == "" {
		return nil, fmt.Errorf("namespace cannot be empty")
	}
	return &Client{rdb: redis.NewClient(opts), namespace: namespace}, nil
}

// NewClientFromURL parses a redis:// URL.
func NewClientFromURL(url, namespace string) (*Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid redis url: %w", err)
	}
	return NewClient(opts, namespace)
}

func (c *Client) Close() error {
	return c.rdb.Close()
}

func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

func (c *Client) rateLimitKey(agentID string) string {
	return fmt.Sprintf("verify:%s:ratelimit:%s", c.namespace, agentID)
}

func (c *Client) alertsChannel() string {
	return fmt.Sprintf("verify:%s:alerts", c.namespace)
}

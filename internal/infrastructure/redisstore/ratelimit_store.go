package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/execution-hub/verification-gate/internal/application/ratelimit"
)

// ErrUpdateContention is returned when an agent's windows kept changing
// under every optimistic transaction attempt.
var ErrUpdateContention = errors.New("rate limit windows changed concurrently too often")

const maxUpdateAttempts = 16

// getter is satisfied by both a client and a watching transaction.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

// RateLimitStore implements ratelimit.AtomicStore. Each agent's windows are
// one JSON value that expires when its longest window ends.
type RateLimitStore struct {
	client *Client
	now    func() time.Time
}

func NewRateLimitStore(client *Client) *RateLimitStore {
	return &RateLimitStore{client: client, now: time.Now}
}

func (s *RateLimitStore) Load(ctx context.Context, agentID string) ([]ratelimit.Window, bool, error) {
	return s.load(ctx, s.client.rdb, agentID)
}

func (s *RateLimitStore) load(ctx context.Context, cmd getter, agentID string) ([]ratelimit.Window, bool, error) {
	data, err := cmd.Get(ctx, s.client.rateLimitKey(agentID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load rate limit windows: %w", err)
	}
	var windows []ratelimit.Window
	if err := json.Unmarshal(data, &windows); err != nil {
		return nil, false, fmt.Errorf("failed to decode rate limit windows: %w", err)
	}
	return windows, true, nil
}

func (s *RateLimitStore) Save(ctx context.Context, agentID string, windows []ratelimit.Window) error {
	data, err := json.Marshal(windows)
	if err != nil {
		return fmt.Errorf("failed to encode rate limit windows: %w", err)
	}
	if err := s.client.rdb.Set(ctx, s.client.rateLimitKey(agentID), data, s.ttl(windows)).Err(); err != nil {
		return fmt.Errorf("failed to save rate limit windows: %w", err)
	}
	return nil
}

func (s *RateLimitStore) ttl(windows []ratelimit.Window) time.Duration {
	now := s.now()
	ttl := time.Second
	for _, w := range windows {
		if left := w.Start.Add(w.Size).Sub(now); left > ttl {
			ttl = left
		}
	}
	return ttl
}

// Update runs fn inside a WATCH/MULTI transaction on the agent's key and
// retries when another instance wrote the key first.
func (s *RateLimitStore) Update(ctx context.Context, agentID string, fn func([]ratelimit.Window) []ratelimit.Window) error {
	key := s.client.rateLimitKey(agentID)
	txf := func(tx *redis.Tx) error {
		windows, _, err := s.load(ctx, tx, agentID)
		if err != nil {
			return err
		}
		next := fn(windows)
		data, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("failed to encode rate limit windows: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, s.ttl(next))
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		err := s.client.rdb.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to save rate limit windows: %w", err)
		}
		return nil
	}
	return ErrUpdateContention
}

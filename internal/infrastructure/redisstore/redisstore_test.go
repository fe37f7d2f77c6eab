package redisstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execution-hub/verification-gate/internal/application/ratelimit"
	"github.com/execution-hub/verification-gate/internal/domain/security"
)

func setupTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	mr := miniredis.RunT(t)
	client, err := NewClient(&redis.Options{Addr: mr.Addr()}, "test-gate")
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client, mr
}

func TestNewClient(t *testing.T) {
	t.Run("rejects empty namespace", func(t *testing.T) {
		_, err := NewClient(&redis.Options{Addr: "localhost:6379"}, "")
		assert.Error(t, err)
	})

	t.Run("rejects bad url", func(t *testing.T) {
		_, err := NewClientFromURL("not-a-url", "gate")
		assert.Error(t, err)
	})

	t.Run("pings", func(t *testing.T) {
		client, _ := setupTestClient(t)
		assert.NoError(t, client.Ping(context.Background()))
	})
}

func TestRateLimitStore(t *testing.T) {
	client, mr := setupTestClient(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	store := NewRateLimitStore(client)
	store.now = func() time.Time { return base }

	_, ok, err := store.Load(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, ok)

	limiter := ratelimit.NewLimiter(ratelimit.Limits{PerSecond: 2, PerMinute: 3}, store, zerolog.Nop())
	for i := 0; i < 2; i++ {
		d, err := limiter.Allow(ctx, "agent-1", base)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	d, err := limiter.Allow(ctx, "agent-1", base)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	windows, ok, err := store.Load(ctx, "agent-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, windows, 2)
	assert.Equal(t, 2, windows[0].Count)
	assert.Equal(t, 1, windows[0].Violations)

	key := client.rateLimitKey("agent-1")
	assert.Equal(t, time.Minute, mr.TTL(key), "expires with the longest window")

	// A second limiter sharing the store sees the same budget.
	other := ratelimit.NewLimiter(ratelimit.Limits{PerSecond: 2, PerMinute: 3}, store, zerolog.Nop())
	d, err = other.Allow(ctx, "agent-1", base.Add(1500*time.Millisecond))
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	d, err = other.Allow(ctx, "agent-1", base.Add(1600*time.Millisecond))
	require.NoError(t, err)
	assert.False(t, d.Allowed, "minute budget is shared")

	mr.FastForward(2 * time.Minute)
	_, ok, err = store.Load(ctx, "agent-1")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRateLimitStore_CorruptValue(t *testing.T) {
	client, mr := setupTestClient(t)
	require.NoError(t, mr.Set(client.rateLimitKey("agent-1"), "{not json"))

	_, _, err := NewRateLimitStore(client).Load(context.Background(), "agent-1")
	assert.Error(t, err)
}

func TestRateLimitStore_UpdateRetriesOnConflict(t *testing.T) {
	client, mr := setupTestClient(t)
	otherClient, err := NewClient(&redis.Options{Addr: mr.Addr()}, "test-gate")
	require.NoError(t, err)
	t.Cleanup(func() { otherClient.Close() })

	ctx := context.Background()
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	store, other := NewRateLimitStore(client), NewRateLimitStore(otherClient)
	store.now = func() time.Time { return base }
	other.now = func() time.Time { return base }

	increment := func(windows []ratelimit.Window) []ratelimit.Window {
		if len(windows) == 0 {
			windows = []ratelimit.Window{{AgentID: "agent-1", Granularity: ratelimit.Minute, Start: base, Size: time.Minute, Limit: 10}}
		}
		windows[0].Count++
		return windows
	}
	require.NoError(t, store.Update(ctx, "agent-1", increment))

	calls := 0
	err = store.Update(ctx, "agent-1", func(windows []ratelimit.Window) []ratelimit.Window {
		calls++
		if calls == 1 {
			// another instance writes between our read and our write
			require.NoError(t, other.Update(ctx, "agent-1", increment))
		}
		return increment(windows)
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls, "the losing transaction is retried")

	windows, ok, err := store.Load(ctx, "agent-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 3, windows[0].Count, "no increment is lost")
}

func TestRateLimitStore_BudgetSharedAcrossInstances(t *testing.T) {
	client, mr := setupTestClient(t)
	otherClient, err := NewClient(&redis.Options{Addr: mr.Addr()}, "test-gate")
	require.NoError(t, err)
	t.Cleanup(func() { otherClient.Close() })

	ctx := context.Background()
	now := time.Now()
	limits := ratelimit.Limits{PerMinute: 5}
	limiters := []*ratelimit.Limiter{
		ratelimit.NewLimiter(limits, NewRateLimitStore(client), zerolog.Nop()),
		ratelimit.NewLimiter(limits, NewRateLimitStore(otherClient), zerolog.Nop()),
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(l *ratelimit.Limiter) {
			defer wg.Done()
			d, err := l.Allow(ctx, "agent-1", now)
			if err != nil {
				t.Errorf("allow: %v", err)
				return
			}
			if d.Allowed {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}(limiters[i%2])
	}
	wg.Wait()
	assert.Equal(t, 5, accepted)
}

func TestAlertPublisher(t *testing.T) {
	client, _ := setupTestClient(t)
	ctx := context.Background()
	pub := NewAlertPublisher(client)

	sub, err := pub.Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	event := security.NewEvent(security.SeverityCritical, "agent-9",
		security.ByzantineEvidence{RoundID: "r1", Reason: "equivocation"})
	require.NoError(t, pub.Publish(ctx, security.NewAlert(event)))

	select {
	case alert := <-sub.Alerts():
		assert.True(t, alert.RequiresManualIntervention)
		require.NotNil(t, alert.Event)
		assert.Equal(t, event.ID, alert.Event.ID)
		assert.Equal(t, security.EventByzantineDetected, alert.Event.Type)
		evidence, ok := alert.Event.Evidence.(security.ByzantineEvidence)
		require.True(t, ok)
		assert.Equal(t, "equivocation", evidence.Reason)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for alert")
	}

	sub.Close()
	require.Eventually(t, func() bool {
		_, open := <-sub.Alerts()
		return !open
	}, time.Second, 10*time.Millisecond)
}

func TestAlertSubscription_DecodeErrors(t *testing.T) {
	client, mr := setupTestClient(t)
	ctx := context.Background()

	sub, err := NewAlertPublisher(client).Subscribe(ctx)
	require.NoError(t, err)
	defer sub.Close()

	mr.Publish(client.alertsChannel(), "garbage")

	select {
	case err := <-sub.Errors():
		assert.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for decode error")
	}
}

package redis

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/arbeval/internal/domain"
)

// newTestClient connects to the Redis named by ARBEVAL_TEST_REDIS_ADDR and
// skips the test when it is unset.
func newTestClient(t *testing.T) *Client {
	t.Helper()
	addr := os.Getenv("ARBEVAL_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("ARBEVAL_TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	c, err := New(ctx, ClientConfig{Addr: addr, PoolSize: 4, KeyPrefix: "arbeval-test"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func testPair() string {
	return "TEST" + uuid.NewString()[:8] + "/USDC"
}

func TestQuoteCacheRoundTripAndExpiry(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	qc := NewQuoteCache(c, 200*time.Millisecond)
	pair := testPair()

	_, ok, err := qc.GetQuotes(ctx, pair)
	require.NoError(t, err)
	assert.False(t, ok)

	quotes := []domain.Quote{{Pair: pair, Venue: domain.VenueHyperSwap, Price: 1.01, DepthUSD: 5000}}
	require.NoError(t, qc.SetQuotes(ctx, pair, quotes))

	got, ok, err := qc.GetQuotes(ctx, pair)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, quotes[0].Price, got[0].Price)
	assert.Equal(t, quotes[0].Venue, got[0].Venue)

	time.Sleep(300 * time.Millisecond)
	_, ok, err = qc.GetQuotes(ctx, pair)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQuoteCacheCorruptEntryIsMiss(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	qc := NewQuoteCache(c, time.Second)
	pair := testPair()

	require.NoError(t, c.rdb.Set(ctx, qc.refKey(pair), "{not json", time.Second).Err())
	_, ok, err := qc.GetReference(ctx, pair)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLockManagerExclusive(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	lm := NewLockManager(c)
	key := "test:" + uuid.NewString()

	unlock, err := lm.Acquire(ctx, key, 5*time.Second)
	require.NoError(t, err)

	_, err = lm.Acquire(ctx, key, 5*time.Second)
	assert.ErrorIs(t, err, domain.ErrLockHeld)

	ran, err := WithLock(ctx, lm, key, time.Second, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.False(t, ran)

	unlock()
	unlock()

	ran, err = WithLock(ctx, lm, key, time.Second, func(context.Context) error { return nil })
	require.NoError(t, err)
	assert.True(t, ran)
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()
	rl := NewRateLimiter(c)
	key := "test:" + uuid.NewString()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, key, 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok, "request %d", i)
	}
	ok, err := rl.Allow(ctx, key, 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, key, 0, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSignalBusPublishSubscribe(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	bus := NewSignalBus(c, 0)
	channel := "test:" + uuid.NewString()

	msgs, err := bus.Subscribe(ctx, channel)
	require.NoError(t, err)
	require.NoError(t, bus.Publish(ctx, channel, []byte(`{"ok":true}`)))

	select {
	case msg := <-msgs:
		assert.JSONEq(t, `{"ok":true}`, string(msg))
	case <-ctx.Done():
		t.Fatal("no message received")
	}

	require.NoError(t, bus.StreamAppend(ctx, "test:stream:"+uuid.NewString(), []byte("x")))
}

func TestKeyNamespace(t *testing.T) {
	c := newClient(nil, "")
	assert.Equal(t, "arbeval:", c.Prefix())
	assert.Equal(t, "arbeval:quotes:ETH/USDC", c.Key("quotes", "ETH/USDC"))
	assert.Equal(t, "arbeval:opportunities", c.Key(domain.ChannelOpportunities))

	staging := newClient(nil, "staging")
	assert.Equal(t, "staging:lock:archive:opportunities", staging.Key("lock", "archive:opportunities"))

	qc := NewQuoteCache(staging, time.Second)
	assert.Equal(t, "staging:ref:ETH/USDC", qc.refKey("ETH/USDC"))
}

func TestSignalBusPublishesUnderNamespace(t *testing.T) {
	c := newTestClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	channel := "test:" + uuid.NewString()

	raw := c.rdb.Subscribe(ctx, "arbeval-test:"+channel)
	defer raw.Close()
	_, err := raw.Receive(ctx)
	require.NoError(t, err)

	require.NoError(t, NewSignalBus(c, 0).Publish(ctx, channel, []byte("x")))

	msg, err := raw.ReceiveMessage(ctx)
	require.NoError(t, err)
	assert.Equal(t, "x", msg.Payload)
}

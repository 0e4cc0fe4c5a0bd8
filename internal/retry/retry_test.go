package retry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestDelays(t *testing.T) {
	exp := Exponential(time.Second)
	assert.Equal(t, time.Second, exp(1))
	assert.Equal(t, 2*time.Second, exp(2))
	assert.Equal(t, 16*time.Second, exp(5))

	p2 := PowerOfTwo(time.Second)
	assert.Equal(t, 2*time.Second, p2(1))
	assert.Equal(t, 4*time.Second, p2(2))

	lin := Linear(time.Second)
	assert.Equal(t, time.Second, lin(1))
	assert.Equal(t, 3*time.Second, lin(3))
}

func TestDoStopsAfterMaxAttempts(t *testing.T) {
	p := Policy{MaxAttempts: 3, Delay: Linear(time.Millisecond)}
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 3, calls)
}

func TestDoSucceedsAfterRetry(t *testing.T) {
	var seen []int
	p := Policy{
		MaxAttempts: 3,
		Delay:       Linear(time.Millisecond),
		OnRetry:     func(_ error, attempt int, _ time.Duration) { seen = append(seen, attempt) },
	}
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		if calls < 2 {
			return errBoom
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []int{1}, seen)
}

func TestDoNonRetryable(t *testing.T) {
	p := HTTP(time.Millisecond, func(err error) bool { return !errors.Is(err, errBoom) })
	calls := 0
	err := p.Do(context.Background(), func(context.Context) error {
		calls++
		return errBoom
	})
	require.ErrorIs(t, err, errBoom)
	assert.Equal(t, 1, calls)
}

type statusErr int

func (e statusErr) Error() string   { return "status" }
func (e statusErr) HTTPStatus() int { return int(e) }

func TestRetryableHTTP(t *testing.T) {
	assert.True(t, RetryableHTTP(errBoom))
	assert.True(t, RetryableHTTP(statusErr(503)))
	assert.False(t, RetryableHTTP(statusErr(404)))
	assert.False(t, RetryableHTTP(fmt.Errorf("wrapped: %w", statusErr(400))))
	assert.False(t, RetryableHTTP(context.Canceled))
}

func TestDoHonoursContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	p := Policy{MaxAttempts: 5, Delay: Linear(time.Hour)}
	done := make(chan error, 1)
	go func() {
		done <- p.Do(ctx, func(context.Context) error { return errBoom })
	}()
	cancel()
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Do did not return after cancel")
	}
}

func TestWait(t *testing.T) {
	p := Reconnect(time.Millisecond, 5)
	require.NoError(t, p.Wait(context.Background(), 1))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	slow := Reconnect(time.Hour, 5)
	assert.ErrorIs(t, slow.Wait(ctx, 1), context.Canceled)
}

package domain

import (
	"context"
	"time"
)

// QuoteCache holds time-bounded quotes and reference data per pair. Entries
// older than the cache TTL are reported as misses.
type QuoteCache interface {
	GetQuotes(ctx context.Context, pair string) ([]Quote, bool, error)
	SetQuotes(ctx context.Context, pair string, quotes []Quote) error
	GetReference(ctx context.Context, pair string) (ReferenceData, bool, error)
	SetReference(ctx context.Context, pair string, ref ReferenceData) error
}

// Channels and streams used on the SignalBus.
const (
	ChannelOpportunities = "opportunities"
	StreamOpportunities  = "opportunities:log"
)

// FeedChannel returns the pub/sub channel for a feed event type.
func FeedChannel(eventType string) string {
	return "feed:" + eventType
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
}

// RateLimiter provides distributed rate limiting.
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

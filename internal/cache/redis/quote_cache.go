package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/arbeval/internal/domain"
)

// QuoteCache implements domain.QuoteCache with JSON string values expiring
// through PX, so a stale entry is simply absent. Quotes live at
// "{prefix}quotes:{pair}" and reference data at "{prefix}ref:{pair}".
type QuoteCache struct {
	c   *Client
	rdb *redis.Client
	ttl time.Duration
}

// NewQuoteCache creates a QuoteCache backed by the given Client.
func NewQuoteCache(c *Client, ttl time.Duration) *QuoteCache {
	return &QuoteCache{c: c, rdb: c.rdb, ttl: ttl}
}

func (qc *QuoteCache) quotesKey(pair string) string { return qc.c.Key("quotes", pair) }
func (qc *QuoteCache) refKey(pair string) string    { return qc.c.Key("ref", pair) }

// GetQuotes returns the cached quotes for pair, or ok=false on a miss.
func (qc *QuoteCache) GetQuotes(ctx context.Context, pair string) ([]domain.Quote, bool, error) {
	var quotes []domain.Quote
	ok, err := qc.get(ctx, qc.quotesKey(pair), &quotes)
	if err != nil {
		return nil, false, fmt.Errorf("redis: get quotes %s: %w", pair, err)
	}
	return quotes, ok, nil
}

// SetQuotes stores quotes for pair with the cache TTL.
func (qc *QuoteCache) SetQuotes(ctx context.Context, pair string, quotes []domain.Quote) error {
	if err := qc.set(ctx, qc.quotesKey(pair), quotes); err != nil {
		return fmt.Errorf("redis: set quotes %s: %w", pair, err)
	}
	return nil
}

// GetReference returns cached reference data for pair, or ok=false on a miss.
func (qc *QuoteCache) GetReference(ctx context.Context, pair string) (domain.ReferenceData, bool, error) {
	var ref domain.ReferenceData
	ok, err := qc.get(ctx, qc.refKey(pair), &ref)
	if err != nil {
		return domain.ReferenceData{}, false, fmt.Errorf("redis: get reference %s: %w", pair, err)
	}
	return ref, ok, nil
}

// SetReference stores reference data for pair with the cache TTL.
func (qc *QuoteCache) SetReference(ctx context.Context, pair string, ref domain.ReferenceData) error {
	if err := qc.set(ctx, qc.refKey(pair), ref); err != nil {
		return fmt.Errorf("redis: set reference %s: %w", pair, err)
	}
	return nil
}

func (qc *QuoteCache) get(ctx context.Context, key string, dst any) (bool, error) {
	raw, err := qc.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		// A corrupt entry is a miss; the next fetch overwrites it.
		return false, nil
	}
	return true, nil
}

func (qc *QuoteCache) set(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return qc.rdb.Set(ctx, key, data, qc.ttl).Err()
}

// Compile-time interface check.
var _ domain.QuoteCache = (*QuoteCache)(nil)

// Package memory implements domain.QuoteCache in process memory.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/alanyoungcy/arbeval/internal/domain"
)

// QuoteCache stores quotes and reference data per pair in sync.Maps. Reads
// take no lock; writes are last-write-wins per key. An entry older than the
// TTL is reported as a miss.
type QuoteCache struct {
	ttl    time.Duration
	now    func() time.Time
	quotes sync.Map // pair -> quoteEntry
	refs   sync.Map // pair -> refEntry
}

type quoteEntry struct {
	quotes   []domain.Quote
	storedAt time.Time
}

type refEntry struct {
	ref      domain.ReferenceData
	storedAt time.Time
}

// NewQuoteCache creates a QuoteCache with the given TTL.
func NewQuoteCache(ttl time.Duration) *QuoteCache {
	return &QuoteCache{ttl: ttl, now: time.Now}
}

func (c *QuoteCache) fresh(storedAt time.Time) bool {
	return c.now().Sub(storedAt) < c.ttl
}

// GetQuotes returns a copy of the cached quotes for pair if still fresh.
func (c *QuoteCache) GetQuotes(_ context.Context, pair string) ([]domain.Quote, bool, error) {
	v, ok := c.quotes.Load(pair)
	if !ok {
		return nil, false, nil
	}
	e := v.(quoteEntry)
	if !c.fresh(e.storedAt) {
		c.quotes.CompareAndDelete(pair, v)
		return nil, false, nil
	}
	out := make([]domain.Quote, len(e.quotes))
	copy(out, e.quotes)
	return out, true, nil
}

// SetQuotes stores quotes for pair, replacing any previous entry.
func (c *QuoteCache) SetQuotes(_ context.Context, pair string, quotes []domain.Quote) error {
	stored := make([]domain.Quote, len(quotes))
	copy(stored, quotes)
	c.quotes.Store(pair, quoteEntry{quotes: stored, storedAt: c.now()})
	return nil
}

// GetReference returns cached reference data for pair if still fresh.
func (c *QuoteCache) GetReference(_ context.Context, pair string) (domain.ReferenceData, bool, error) {
	v, ok := c.refs.Load(pair)
	if !ok {
		return domain.ReferenceData{}, false, nil
	}
	e := v.(refEntry)
	if !c.fresh(e.storedAt) {
		c.refs.CompareAndDelete(pair, v)
		return domain.ReferenceData{}, false, nil
	}
	return e.ref, true, nil
}

// SetReference stores reference data for pair.
func (c *QuoteCache) SetReference(_ context.Context, pair string, ref domain.ReferenceData) error {
	c.refs.Store(pair, refEntry{ref: ref, storedAt: c.now()})
	return nil
}

// Compile-time interface check.
var _ domain.QuoteCache = (*QuoteCache)(nil)

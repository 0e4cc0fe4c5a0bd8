package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/alanyoungcy/arbeval/internal/domain"
	"github.com/alanyoungcy/arbeval/internal/feed"
	"github.com/alanyoungcy/arbeval/internal/metrics"
)

// QuoteSource is the venue REST aggregator. *venue.Client satisfies it.
type QuoteSource interface {
	GetQuotes(ctx context.Context, pair string) ([]domain.Quote, error)
	GetReference(ctx context.Context, pair string) (domain.ReferenceData, error)
	GetOrderBook(ctx context.Context, pair string, depth int) (domain.OrderBook, error)
}

// VolumeSource reports 24h pool volume. *goldsky.Client satisfies it.
type VolumeSource interface {
	PoolVolume24h(ctx context.Context, base, quote string) (float64, bool, error)
}

// FeedStream is the persistent quote stream. *feed.Stream satisfies it.
type FeedStream interface {
	Connect(ctx context.Context) error
	Reconnect(ctx context.Context) error
	Disconnect()
	Subscribe(pair string) (*feed.Subscription, error)
	Status() domain.FeedStatus
	LatencyMs() (float64, bool)
}

// MarketDataService serves quotes and reference data through a TTL cache
// and owns the streaming feed.
type MarketDataService struct {
	cache   domain.QuoteCache
	source  QuoteSource
	volume  VolumeSource
	stream  FeedStream
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewMarketDataService creates a MarketDataService. volume and stream may
// be nil.
func NewMarketDataService(
	cache domain.QuoteCache,
	source QuoteSource,
	volume VolumeSource,
	stream FeedStream,
	m *metrics.Metrics,
	logger *slog.Logger,
) *MarketDataService {
	return &MarketDataService{
		cache:   cache,
		source:  source,
		volume:  volume,
		stream:  stream,
		metrics: m,
		logger:  logger.With(slog.String("component", "market_data")),
	}
}

// GetQuotes returns the quotes for pair from the cache, fetching them on a
// miss. Fetch failure is critical unless the caller cancelled ctx.
func (s *MarketDataService) GetQuotes(ctx context.Context, pair string) ([]domain.Quote, error) {
	quotes, ok, err := s.cache.GetQuotes(ctx, pair)
	if err != nil {
		s.logger.WarnContext(ctx, "quote cache read failed",
			slog.String("pair", pair),
			slog.String("error", err.Error()),
		)
	}
	if ok {
		return quotes, nil
	}

	quotes, err = s.source.GetQuotes(ctx, pair)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, fmt.Errorf("market_data: get quotes %s: %w", pair, err)
		}
		return nil, fmt.Errorf("market_data: get quotes %s: %w: %w", pair, domain.ErrUpstreamCritical, err)
	}
	for i := range quotes {
		quotes[i].Pair = pair
		quotes[i].Venue = domain.NormalizeVenue(string(quotes[i].Venue))
	}

	if err := s.cache.SetQuotes(ctx, pair, quotes); err != nil {
		s.logger.WarnContext(ctx, "quote cache write failed",
			slog.String("pair", pair),
			slog.String("error", err.Error()),
		)
	}
	return quotes, nil
}

// GetReferenceData returns advisory reference data for pair. Upstream
// failure yields an empty result and no error.
func (s *MarketDataService) GetReferenceData(ctx context.Context, pair string) (domain.ReferenceData, error) {
	ref, ok, err := s.cache.GetReference(ctx, pair)
	if err != nil {
		s.logger.WarnContext(ctx, "reference cache read failed",
			slog.String("pair", pair),
			slog.String("error", err.Error()),
		)
	}
	if ok {
		return ref, nil
	}

	ref, err = s.source.GetReference(ctx, pair)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return domain.ReferenceData{}, fmt.Errorf("market_data: get reference %s: %w", pair, err)
		}
		s.metrics.ObserveDegraded("reference")
		s.logger.WarnContext(ctx, "reference data degraded",
			slog.String("pair", pair),
			slog.String("error", fmt.Errorf("%w: %w", domain.ErrUpstreamDegraded, err).Error()),
		)
		return domain.ReferenceData{}, nil
	}

	if ref.Volume24h == nil && s.volume != nil {
		s.fillVolume(ctx, pair, &ref)
	}

	if err := s.cache.SetReference(ctx, pair, ref); err != nil {
		s.logger.WarnContext(ctx, "reference cache write failed",
			slog.String("pair", pair),
			slog.String("error", err.Error()),
		)
	}
	return ref, nil
}

func (s *MarketDataService) fillVolume(ctx context.Context, pair string, ref *domain.ReferenceData) {
	base, quote, ok := strings.Cut(pair, "/")
	if !ok {
		return
	}
	vol, found, err := s.volume.PoolVolume24h(ctx, base, quote)
	if err != nil {
		s.metrics.ObserveDegraded("goldsky")
		s.logger.DebugContext(ctx, "subgraph volume unavailable",
			slog.String("pair", pair),
			slog.String("error", err.Error()),
		)
		return
	}
	if found {
		ref.Volume24h = &vol
	}
}

// GetOrderBook fetches an uncached order book. A non-positive depth uses
// the venue default. Fetch failure is critical unless ctx was cancelled.
func (s *MarketDataService) GetOrderBook(ctx context.Context, pair string, depth int) (domain.OrderBook, error) {
	book, err := s.source.GetOrderBook(ctx, pair, depth)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return domain.OrderBook{}, fmt.Errorf("market_data: get order book %s: %w", pair, err)
		}
		return domain.OrderBook{}, fmt.Errorf("market_data: get order book %s: %w: %w", pair, domain.ErrUpstreamCritical, err)
	}
	return book, nil
}

// ---------------------------------------------------------------------------
// Feed
// ---------------------------------------------------------------------------

var errFeedDisabled = fmt.Errorf("market_data: feed disabled: %w", domain.ErrWSDisconnect)

// ConnectFeed opens the stream. It is a no-op while already connected.
func (s *MarketDataService) ConnectFeed(ctx context.Context) error {
	if s.stream == nil {
		return errFeedDisabled
	}
	return s.stream.Connect(ctx)
}

// ReconnectFeed forces a fresh connection and resets the attempt counter.
func (s *MarketDataService) ReconnectFeed(ctx context.Context) error {
	if s.stream == nil {
		return errFeedDisabled
	}
	return s.stream.Reconnect(ctx)
}

// DisconnectFeed closes the stream without reconnecting.
func (s *MarketDataService) DisconnectFeed() {
	if s.stream != nil {
		s.stream.Disconnect()
	}
}

// Subscribe registers a subscriber for pair's stream events.
func (s *MarketDataService) Subscribe(pair string) (*feed.Subscription, error) {
	if s.stream == nil {
		return nil, errFeedDisabled
	}
	return s.stream.Subscribe(pair)
}

// FeedStatus reports the stream state. Without a stream it is always
// disconnected.
func (s *MarketDataService) FeedStatus() domain.FeedStatus {
	if s.stream == nil {
		return domain.FeedStatus{State: domain.FeedDisconnected, Pairs: []string{}}
	}
	return s.stream.Status()
}

// LatencyMs returns the last measured feed round trip.
func (s *MarketDataService) LatencyMs() (float64, bool) {
	if s.stream == nil {
		return 0, false
	}
	return s.stream.LatencyMs()
}

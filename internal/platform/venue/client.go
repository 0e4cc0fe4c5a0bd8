// Package venue is the REST client for the quote aggregator that fronts the
// PRJX and HyperSwap pools.
package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/arbeval/internal/domain"
	"github.com/alanyoungcy/arbeval/internal/retry"
)

// DefaultOrderBookDepth is used when GetOrderBook is called with depth <= 0.
const DefaultOrderBookDepth = 20

// StatusError is a non-2xx aggregator response. 404 and 401/403 unwrap to
// domain.ErrNotFound and domain.ErrUnauthorized.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// HTTPStatus implements retry.HTTPStatuser.
func (e *StatusError) HTTPStatus() int { return e.Code }

func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusNotFound:
		return domain.ErrNotFound
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.ErrUnauthorized
	default:
		return nil
	}
}

// Config holds the client parameters.
type Config struct {
	BaseURL string
	APIKey  string
	// Timeout bounds each attempt. Zero means 5s.
	Timeout time.Duration
	// RetryUnit scales the backoff: unit * 2^attempt. Zero means 1s.
	RetryUnit time.Duration
}

// Client fetches quotes, reference data and order books. Every call goes
// through the shared HTTP retry policy: three attempts, retried only when no
// response arrived, the server answered 5xx, or the body was malformed.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	policy     retry.Policy
	logger     *slog.Logger
	now        func() time.Time
}

// NewClient creates a new aggregator client.
func NewClient(cfg Config, logger *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	unit := cfg.RetryUnit
	if unit <= 0 {
		unit = time.Second
	}
	c := &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: &http.Client{Timeout: timeout},
		logger:     logger.With(slog.String("component", "venue_client")),
		now:        time.Now,
	}
	c.policy = retry.HTTP(unit, retry.RetryableHTTP)
	c.policy.OnRetry = func(err error, attempt int, wait time.Duration) {
		c.logger.Warn("venue request failed, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("wait", wait),
			slog.String("error", err.Error()),
		)
	}
	return c
}

// GetQuotes returns the current per-venue quotes for pair. Quotes without a
// positive price are dropped.
func (c *Client) GetQuotes(ctx context.Context, pair string) ([]domain.Quote, error) {
	var body APIQuotes
	if err := c.getJSON(ctx, "/quotes", url.Values{"pair": {pair}}, &body); err != nil {
		return nil, fmt.Errorf("venue: get quotes %s: %w", pair, err)
	}
	if body.Quotes == nil {
		return nil, fmt.Errorf("venue: get quotes %s: %w: missing quotes", pair, domain.ErrMalformedResponse)
	}

	now := c.now().UTC()
	quotes := make([]domain.Quote, 0, len(body.Quotes))
	for _, q := range body.Quotes {
		dq, ok := q.ToDomainQuote(pair, now)
		if !ok {
			c.logger.Debug("dropping unusable quote",
				slog.String("pair", pair),
				slog.String("venue", q.Venue),
			)
			continue
		}
		quotes = append(quotes, dq)
	}
	return quotes, nil
}

// GetReference returns advisory reference data for pair.
func (c *Client) GetReference(ctx context.Context, pair string) (domain.ReferenceData, error) {
	var body APIReference
	if err := c.getJSON(ctx, "/reference", url.Values{"pair": {pair}}, &body); err != nil {
		return domain.ReferenceData{}, fmt.Errorf("venue: get reference %s: %w", pair, err)
	}
	return body.ToDomainReference(), nil
}

// GetOrderBook returns an order book snapshot for pair at the given depth.
func (c *Client) GetOrderBook(ctx context.Context, pair string, depth int) (domain.OrderBook, error) {
	if depth <= 0 {
		depth = DefaultOrderBookDepth
	}
	params := url.Values{
		"pair":  {pair},
		"depth": {strconv.Itoa(depth)},
	}
	var body APIOrderBook
	if err := c.getJSON(ctx, "/orderbook", params, &body); err != nil {
		return domain.OrderBook{}, fmt.Errorf("venue: get orderbook %s: %w", pair, err)
	}
	return body.ToDomainOrderBook(pair, c.now().UTC()), nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// getJSON performs a GET with retries and decodes the body into dst. A body
// that fails to decode is retried like a transport failure.
func (c *Client) getJSON(ctx context.Context, path string, params url.Values, dst any) error {
	return c.policy.Do(ctx, func(ctx context.Context) error {
		body, err := c.doGet(ctx, path+"?"+params.Encode())
		if err != nil {
			return err
		}
		if err := json.Unmarshal(body, dst); err != nil {
			return fmt.Errorf("%w: %v", domain.ErrMalformedResponse, err)
		}
		return nil
	})
}

func (c *Client) doGet(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &StatusError{Code: resp.StatusCode, Body: string(body)}
	}
	return body, nil
}

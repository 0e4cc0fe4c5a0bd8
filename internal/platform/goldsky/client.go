// Package goldsky queries the PRJX pool subgraph hosted on Goldsky for
// advisory pool statistics.
package goldsky

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbeval/internal/retry"
)

// DefaultURL is the public HyperEVM Uniswap-v3 subgraph PRJX pools are
// indexed in.
const DefaultURL = "https://api.goldsky.com/api/public/project_cmbbm2iwckb1b01t39xed236t/subgraphs/uniswap-v3-hyperevm-position/prod/gn"

// Client is a GraphQL client for the Goldsky subgraph indexer.
type Client struct {
	graphqlURL string
	apiKey     string
	httpClient *http.Client
	policy     retry.Policy
}

// NewClient creates a new Goldsky GraphQL client. An empty graphqlURL uses
// DefaultURL.
func NewClient(graphqlURL, apiKey string) *Client {
	if strings.TrimSpace(graphqlURL) == "" {
		graphqlURL = DefaultURL
	}
	return &Client{
		graphqlURL: graphqlURL,
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: &http.Client{
			Timeout: 20 * time.Second,
		},
		policy: retry.HTTP(500*time.Millisecond, retry.RetryableHTTP),
	}
}

// graphqlRequest is the standard GraphQL request envelope.
type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// graphqlResponse is the standard GraphQL response envelope.
type graphqlResponse struct {
	Data   json.RawMessage `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// statusError is a non-200 subgraph response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string   { return fmt.Sprintf("HTTP %d: %s", e.code, e.body) }
func (e *statusError) HTTPStatus() int { return e.code }

// Pool is one subgraph pool with its most recent daily volume.
type Pool struct {
	ID           string
	FeeTier      int64
	Liquidity    string
	VolumeUSD24h decimal.Decimal
}

const poolsQuery = `
	query PairPools($token0: String!, $token1: String!, $first: Int!) {
		pools(
			first: $first
			orderBy: volumeUSD
			orderDirection: desc
			where: { token0_: { symbol: $token0 }, token1_: { symbol: $token1 } }
		) {
			id
			feeTier
			liquidity
			poolDayDatas(first: 1, orderBy: date, orderDirection: desc) {
				date
				volumeUSD
			}
		}
	}
`

// PairPools returns the pools trading base against quote, trying both token
// orderings. Symbols are matched case-sensitively by the subgraph, so they
// are upper-cased first.
func (c *Client) PairPools(ctx context.Context, base, quote string) ([]Pool, error) {
	base, quote = strings.ToUpper(base), strings.ToUpper(quote)
	pools, err := c.queryPools(ctx, base, quote)
	if err != nil {
		return nil, err
	}
	if len(pools) > 0 {
		return pools, nil
	}
	return c.queryPools(ctx, quote, base)
}

// PoolVolume24h sums the latest daily USD volume across the pair's pools.
// ok is false when the subgraph knows no pool for the pair.
func (c *Client) PoolVolume24h(ctx context.Context, base, quote string) (float64, bool, error) {
	pools, err := c.PairPools(ctx, base, quote)
	if err != nil {
		return 0, false, err
	}
	if len(pools) == 0 {
		return 0, false, nil
	}
	total := decimal.Zero
	for _, p := range pools {
		total = total.Add(p.VolumeUSD24h)
	}
	return total.InexactFloat64(), true, nil
}

func (c *Client) queryPools(ctx context.Context, token0, token1 string) ([]Pool, error) {
	variables := map[string]any{
		"token0": token0,
		"token1": token1,
		"first":  5,
	}
	respData, err := c.doQuery(ctx, poolsQuery, variables)
	if err != nil {
		return nil, fmt.Errorf("goldsky: fetch pools %s/%s: %w", token0, token1, err)
	}

	var result struct {
		Pools []struct {
			ID           string `json:"id"`
			FeeTier      string `json:"feeTier"`
			Liquidity    string `json:"liquidity"`
			PoolDayDatas []struct {
				Date      int64  `json:"date"`
				VolumeUSD string `json:"volumeUSD"`
			} `json:"poolDayDatas"`
		} `json:"pools"`
	}
	if err := json.Unmarshal(respData, &result); err != nil {
		return nil, fmt.Errorf("goldsky: decode pools: %w", err)
	}

	pools := make([]Pool, 0, len(result.Pools))
	for _, p := range result.Pools {
		pool := Pool{ID: p.ID, Liquidity: p.Liquidity}
		if tier, err := decimal.NewFromString(p.FeeTier); err == nil {
			pool.FeeTier = tier.IntPart()
		}
		if len(p.PoolDayDatas) > 0 {
			vol, err := decimal.NewFromString(p.PoolDayDatas[0].VolumeUSD)
			if err != nil {
				return nil, fmt.Errorf("goldsky: pool %s volume %q: %w", p.ID, p.PoolDayDatas[0].VolumeUSD, err)
			}
			pool.VolumeUSD24h = vol
		}
		pools = append(pools, pool)
	}
	return pools, nil
}

// FetchLatestBlock returns the latest block number indexed by the subgraph.
// Useful for monitoring indexing lag.
func (c *Client) FetchLatestBlock(ctx context.Context) (int64, error) {
	query := `
		query LatestBlock {
			_meta {
				block {
					number
				}
			}
		}
	`

	respData, err := c.doQuery(ctx, query, nil)
	if err != nil {
		return 0, fmt.Errorf("goldsky: fetch latest block: %w", err)
	}

	var result struct {
		Meta struct {
			Block struct {
				Number int64 `json:"number"`
			} `json:"block"`
		} `json:"_meta"`
	}

	if err := json.Unmarshal(respData, &result); err != nil {
		return 0, fmt.Errorf("goldsky: decode latest block: %w", err)
	}

	return result.Meta.Block.Number, nil
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// doQuery executes a GraphQL query with the HTTP retry policy and returns
// the raw "data" field from the response. GraphQL-level errors are not
// retried.
func (c *Client) doQuery(ctx context.Context, query string, variables map[string]any) (json.RawMessage, error) {
	jsonBody, err := json.Marshal(graphqlRequest{Query: query, Variables: variables})
	if err != nil {
		return nil, fmt.Errorf("marshal graphql request: %w", err)
	}

	var body []byte
	err = c.policy.Do(ctx, func(ctx context.Context) error {
		body, err = c.post(ctx, jsonBody)
		return err
	})
	if err != nil {
		return nil, err
	}

	var gqlResp graphqlResponse
	if err := json.Unmarshal(body, &gqlResp); err != nil {
		return nil, fmt.Errorf("decode graphql response: %w", err)
	}

	if len(gqlResp.Errors) > 0 {
		return nil, fmt.Errorf("graphql error: %s", gqlResp.Errors[0].Message)
	}

	return gqlResp.Data, nil
}

func (c *Client) post(ctx context.Context, jsonBody []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.graphqlURL, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
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

	if resp.StatusCode != http.StatusOK {
		return nil, &statusError{code: resp.StatusCode, body: string(body)}
	}
	return body, nil
}

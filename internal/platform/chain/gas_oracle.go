// Package chain prices transaction gas on the execution chain.
package chain

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbeval/internal/arbmath"
	"github.com/alanyoungcy/arbeval/internal/domain"
)

// gweiDecimals is the number of wei decimals in one gwei.
const gweiDecimals = 9

// PriceSource suggests a gas price in wei. *ethclient.Client satisfies it.
type PriceSource interface {
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
}

// GasOracleConfig holds oracle parameters.
type GasOracleConfig struct {
	// OverrideWei, when set, is returned verbatim. It is a whole number of
	// wei in decimal or exponent form ("30000000000", "3e10").
	OverrideWei      string
	SafetyMultiplier float64
	FallbackGwei     float64
	GasLimit         uint64
	NativeUSD        float64
	MaxGasUSD        float64
	CacheFor         time.Duration
	// RPCTimeout bounds each eth_gasPrice call. Zero means 2.5s.
	RPCTimeout time.Duration
}

// GasOracle resolves a gas price from, in order: the configured override, a
// cached or fresh eth_gasPrice scaled by the safety multiplier, and a fixed
// last-resort price. It never fails.
type GasOracle struct {
	source   PriceSource
	cfg      GasOracleConfig
	override *big.Int
	logger   *slog.Logger
	now      func() time.Time

	mu       sync.Mutex
	cached   *big.Int
	cachedAt time.Time
}

// DialGasOracle connects to rpcURL with go-ethereum's ethclient. An empty
// rpcURL yields an oracle that only uses the override or fallback.
func DialGasOracle(ctx context.Context, rpcURL string, cfg GasOracleConfig, logger *slog.Logger) (*GasOracle, func(), error) {
	if strings.TrimSpace(rpcURL) == "" {
		return NewGasOracle(nil, cfg, logger), func() {}, nil
	}
	client, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
	}
	return NewGasOracle(client, cfg, logger), client.Close, nil
}

// NewGasOracle creates an oracle over source, which may be nil.
func NewGasOracle(source PriceSource, cfg GasOracleConfig, logger *slog.Logger) *GasOracle {
	if cfg.SafetyMultiplier < 1 {
		cfg.SafetyMultiplier = 1
	}
	if cfg.FallbackGwei <= 0 {
		cfg.FallbackGwei = 30
	}
	if cfg.CacheFor <= 0 {
		cfg.CacheFor = 3 * time.Second
	}
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = 2500 * time.Millisecond
	}
	o := &GasOracle{
		source: source,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "gas_oracle")),
		now:    time.Now,
	}
	if s := strings.TrimSpace(cfg.OverrideWei); s != "" {
		v, err := arbmath.ToBaseUnits(s, 0)
		switch {
		case err != nil:
			o.logger.Warn("ignoring invalid gas price override",
				slog.String("value", s),
				slog.String("error", err.Error()),
			)
		case v.Sign() <= 0:
			o.logger.Warn("ignoring non-positive gas price override", slog.String("value", s))
		default:
			o.override = v
		}
	}
	return o
}

// GasPriceWei returns the gas price to budget with. The returned value must
// not be modified.
func (o *GasOracle) GasPriceWei(ctx context.Context) *big.Int {
	if o.override != nil {
		return o.override
	}

	o.mu.Lock()
	if o.cached != nil && o.now().Sub(o.cachedAt) < o.cfg.CacheFor {
		v := o.cached
		o.mu.Unlock()
		return v
	}
	o.mu.Unlock()

	if o.source != nil {
		rpcCtx, cancel := context.WithTimeout(ctx, o.cfg.RPCTimeout)
		price, err := o.source.SuggestGasPrice(rpcCtx)
		cancel()
		if err == nil && price != nil && price.Sign() > 0 {
			scaled := decimal.NewFromBigInt(price, 0).
				Mul(decimal.NewFromFloat(o.cfg.SafetyMultiplier)).
				BigInt()
			o.mu.Lock()
			o.cached = scaled
			o.cachedAt = o.now()
			o.mu.Unlock()
			return scaled
		}
		if err != nil {
			o.logger.WarnContext(ctx, "eth_gasPrice failed, using fallback",
				slog.String("error", err.Error()),
			)
		}
	}
	return arbmath.GweiToWei(o.cfg.FallbackGwei)
}

// Estimate prices one execution at the configured gas limit. USD is capped
// at MaxGasUSD and RawUSD is not. Both are zero when the native token price
// is unknown; PriceGwei is always reported.
func (o *GasOracle) Estimate(ctx context.Context) domain.GasEstimate {
	wei := o.GasPriceWei(ctx)
	est := domain.GasEstimate{}
	est.PriceGwei, _ = arbmath.FromBaseUnits(wei, gweiDecimals).Float64()
	if o.cfg.NativeUSD <= 0 || o.cfg.GasLimit == 0 {
		return est
	}
	est.RawUSD = arbmath.GasUSD(wei, o.cfg.GasLimit, o.cfg.NativeUSD, 0)
	est.USD = arbmath.GasUSD(wei, o.cfg.GasLimit, o.cfg.NativeUSD, o.cfg.MaxGasUSD)
	return est
}

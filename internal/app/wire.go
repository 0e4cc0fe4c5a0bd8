package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	s3blob "github.com/alanyoungcy/arbeval/internal/blob/s3"
	"github.com/alanyoungcy/arbeval/internal/cache/memory"
	"github.com/alanyoungcy/arbeval/internal/cache/redis"
	"github.com/alanyoungcy/arbeval/internal/config"
	"github.com/alanyoungcy/arbeval/internal/domain"
	"github.com/alanyoungcy/arbeval/internal/feed"
	"github.com/alanyoungcy/arbeval/internal/metrics"
	"github.com/alanyoungcy/arbeval/internal/notify"
	"github.com/alanyoungcy/arbeval/internal/pipeline"
	"github.com/alanyoungcy/arbeval/internal/platform/chain"
	"github.com/alanyoungcy/arbeval/internal/platform/goldsky"
	"github.com/alanyoungcy/arbeval/internal/platform/inference"
	"github.com/alanyoungcy/arbeval/internal/platform/venue"
	"github.com/alanyoungcy/arbeval/internal/regime"
	"github.com/alanyoungcy/arbeval/internal/server/handler"
	"github.com/alanyoungcy/arbeval/internal/service"
	"github.com/alanyoungcy/arbeval/internal/store/postgres"
)

// streamMaxLen caps the opportunity log stream in Redis.
const streamMaxLen = 10_000

// Dependencies bundles everything the modes need. Optional components are
// nil when their backend is disabled.
type Dependencies struct {
	Metrics  *metrics.Metrics
	Notifier *notify.Notifier

	// Caches and coordination
	QuoteCache  domain.QuoteCache
	SignalBus   domain.SignalBus
	RateLimiter domain.RateLimiter
	LockManager domain.LockManager

	// Market data
	Stream     *feed.Stream
	MarketData *service.MarketDataService
	Regime     *regime.Provider
	Gas        *chain.GasOracle

	// Journal and archive
	Journal  *postgres.OpportunityStore
	Archiver *pipeline.Archiver

	Opportunities *service.OpportunityService
	// Watchdog is nil when disabled.
	Watchdog *service.Watchdog

	// Checks are the dependency probes reported by the health endpoint.
	Checks map[string]handler.Check
}

// feedEnabled reports whether the mode runs the quote stream. A one-shot
// evaluation never dials it.
func feedEnabled(cfg *config.Config) bool {
	switch strings.ToLower(cfg.Mode) {
	case "monitor":
		return true
	case "evaluate":
		return false
	default:
		return cfg.Feed.Enabled
	}
}

// Wire constructs every concrete implementation from cfg and returns them
// with a cleanup function that releases resources in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	fail := func(err error) (*Dependencies, func(), error) {
		cleanup()
		return nil, nil, err
	}

	deps := &Dependencies{
		Metrics: metrics.New(),
		Notifier: notify.New(notify.Config{
			TelegramToken:     cfg.Notify.TelegramToken,
			TelegramChatID:    cfg.Notify.TelegramChatID,
			DiscordWebhookURL: cfg.Notify.DiscordWebhookURL,
			Events:            cfg.Notify.Events,
		}, logger),
		Checks: make(map[string]handler.Check),
	}
	if cfg.Watchdog.Enabled {
		deps.Watchdog = service.NewWatchdog(service.WatchdogConfig{
			StaleAfter:   cfg.Watchdog.StaleAfter.Duration,
			MaxErrorRate: cfg.Watchdog.MaxErrorRate,
			MinSamples:   cfg.Watchdog.MinSamples,
			MaxGasUSD:    cfg.Watchdog.MaxGasUSD,
			Window:       cfg.Watchdog.Window.Duration,
		}, deps.Metrics, logger)
	}

	// --- Redis ---
	if cfg.Redis.Enabled {
		redisClient, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
			KeyPrefix:  cfg.Redis.KeyPrefix,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: redis: %w", err))
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.SignalBus = redis.NewSignalBus(redisClient, streamMaxLen)
		deps.RateLimiter = redis.NewRateLimiter(redisClient)
		deps.LockManager = redis.NewLockManager(redisClient)
		deps.Checks["redis"] = redisClient.Ping
		if cfg.Cache.Backend == "redis" {
			deps.QuoteCache = redis.NewQuoteCache(redisClient, cfg.Cache.TTL.Duration)
		}
	}
	if deps.QuoteCache == nil {
		deps.QuoteCache = memory.NewQuoteCache(cfg.Cache.TTL.Duration)
	}

	// --- Quote stream ---
	var stream service.FeedStream
	if feedEnabled(cfg) {
		deps.Stream = feed.NewStream(feed.Config{
			URL:                  cfg.Feed.URL,
			Pairs:                cfg.Feed.Pairs,
			HeartbeatInterval:    cfg.Feed.HeartbeatInterval.Duration,
			ReconnectBase:        cfg.Feed.ReconnectBase.Duration,
			MaxReconnectAttempts: cfg.Feed.MaxReconnectAttempts,
		}, streamHooks(deps, logger), logger)
		closers = append(closers, deps.Stream.Close)
		stream = deps.Stream
	}

	// --- Market data ---
	var volume service.VolumeSource
	if cfg.Goldsky.URL != "" {
		subgraph := goldsky.NewClient(cfg.Goldsky.URL, cfg.Goldsky.APIKey)
		volume = subgraph
		deps.Checks["goldsky"] = func(ctx context.Context) error {
			_, err := subgraph.FetchLatestBlock(ctx)
			return err
		}
	}
	venueClient := venue.NewClient(venue.Config{
		BaseURL:   cfg.Venue.BaseURL,
		APIKey:    cfg.Venue.APIKey,
		Timeout:   cfg.Venue.Timeout.Duration,
		RetryUnit: cfg.Venue.RetryUnit.Duration,
	}, logger)
	deps.MarketData = service.NewMarketDataService(deps.QuoteCache, venueClient, volume, stream, deps.Metrics, logger)

	// --- Regime ---
	var completer regime.Completer
	if cfg.InferenceEnabled() {
		completer = inference.NewClient(inference.Config{
			BaseURL: cfg.Inference.BaseURL,
			APIKey:  cfg.Inference.APIKey,
			Model:   cfg.Inference.Model,
			Timeout: cfg.Inference.Timeout.Duration,
		})
	} else {
		logger.InfoContext(ctx, "inference disabled, regime contexts use the deterministic fallback")
	}
	deps.Regime = regime.NewProvider(completer, regime.Config{
		StaleAfter:    cfg.Model.StaleAfter.Duration,
		HighLatencyMs: cfg.Model.HighLatencyMs,
		RetryStep:     cfg.Inference.RetryStep.Duration,
	}, logger)

	// --- Gas ---
	gas, closeGas, err := chain.DialGasOracle(ctx, cfg.Chain.RPCURL, chain.GasOracleConfig{
		OverrideWei:      cfg.Chain.GasPriceWei,
		SafetyMultiplier: cfg.Chain.SafetyMultiplier,
		FallbackGwei:     cfg.Chain.FallbackGwei,
		GasLimit:         uint64(cfg.Chain.GasLimit),
		NativeUSD:        cfg.Chain.NativeUSD,
		MaxGasUSD:        cfg.Chain.MaxGasUSD,
		CacheFor:         cfg.Chain.CacheFor.Duration,
	}, logger)
	if err != nil {
		return fail(fmt.Errorf("wire: gas oracle: %w", err))
	}
	closers = append(closers, closeGas)
	deps.Gas = gas

	// --- PostgreSQL journal ---
	if cfg.Supabase.Enabled {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Supabase.DSN,
			Host:     cfg.Supabase.Host,
			Port:     cfg.Supabase.Port,
			Database: cfg.Supabase.Database,
			User:     cfg.Supabase.User,
			Password: cfg.Supabase.Password,
			SSLMode:  cfg.Supabase.SSLMode,
			MaxConns: cfg.Supabase.PoolMaxConns,
			MinConns: cfg.Supabase.PoolMinConns,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: postgres: %w", err))
		}
		closers = append(closers, pgClient.Close)

		if cfg.Supabase.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				return fail(fmt.Errorf("wire: postgres migrations: %w", err))
			}
		}
		deps.Journal = postgres.NewOpportunityStore(pgClient.Pool())
		deps.Checks["postgres"] = pgClient.Ping
	}

	// --- S3 archive (requires the journal) ---
	if cfg.S3.Enabled && deps.Journal != nil {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			ObjectPrefix:   cfg.S3.ObjectPrefix,
			MaxAttempts:    cfg.S3.MaxAttempts,
		})
		if err != nil {
			return fail(fmt.Errorf("wire: s3: %w", err))
		}
		deps.Checks["s3"] = s3Client.Health

		blobArchiver := s3blob.NewArchiver(s3blob.NewWriter(s3Client), deps.Journal)
		deps.Archiver = pipeline.NewArchiver(blobArchiver, deps.Journal, deps.LockManager, cfg.S3.ArchiveAfterDays, logger)
	}

	// --- Orchestrator ---
	sinks := service.Sinks{Bus: deps.SignalBus}
	if deps.Journal != nil {
		sinks.Store = deps.Journal
	}
	if deps.Notifier != nil {
		sinks.Notifier = deps.Notifier
	}
	deps.Opportunities = service.NewOpportunityService(
		deps.MarketData, deps.Regime, deps.Gas, sinks, evalConfig(cfg), deps.Metrics, logger,
	).WithWatchdog(deps.Watchdog)

	return deps, cleanup, nil
}

// evalConfig maps the model and fee sections onto the evaluation config.
func evalConfig(cfg *config.Config) service.EvalConfig {
	return service.EvalConfig{
		Fees: domain.FeeConfig{
			TotalFeesBps:   cfg.Fees.TotalFeesBps,
			FlashFeeBps:    cfg.Fees.FlashFeeBps,
			FlashFixedUSD:  cfg.Fees.FlashFixedUSD,
			ReferralBps:    cfg.Fees.ReferralBps,
			ExecutorFeeUSD: cfg.Fees.ExecutorFeeUSD,
		},
		SlippageK:            cfg.Model.SlippageK,
		SlippageAlpha:        cfg.Model.SlippageAlpha,
		BaseFillProb:         cfg.Model.BaseFillProb,
		FillTheta:            cfg.Model.FillTheta,
		DecayRatePerSec:      cfg.Model.DecayRatePerSec,
		RiskAversionLambda:   cfg.Model.RiskAversionLambda,
		PriceVolatility:      cfg.Model.PriceVolatility,
		ExecutionUncertainty: cfg.Model.ExecutionUncertainty,
		GasStdUSD:            cfg.Model.GasStdUSD,
		AdverseStdUSD:        cfg.Model.AdverseStdUSD,
		AdverseKVol:          cfg.Model.AdverseKVol,
		InclusionSeconds:     cfg.Model.InclusionSeconds,
		RiskFreeRate:         cfg.Model.RiskFreeRate,
		MinProfitUSD:         cfg.Model.MinProfitUSD,
		MaxSlippageBps:       cfg.Model.MaxSlippageBps,
		ApplySensitivity:     cfg.Model.ApplySensitivity,
	}
}

// streamHooks routes stream observations to metrics, the watchdog and the
// notifier. Hooks must not block, so the alert is sent from its own
// goroutine.
func streamHooks(deps *Dependencies, logger *slog.Logger) feed.Hooks {
	return feed.Hooks{
		OnStateChange: func(from, to domain.FeedState, attempt int) {
			deps.Metrics.ObserveFeedState(from, to, attempt)
			if to == domain.FeedReconnecting || to == domain.FeedGivenUp {
				deps.Watchdog.RecordError()
			}
			if to != domain.FeedGivenUp || deps.Notifier == nil {
				return
			}
			go func() {
				msg := fmt.Sprintf("quote stream gave up after %d reconnect attempts; POST /api/feed/reconnect to retry", attempt)
				if err := deps.Notifier.Notify(context.Background(), service.EventFeedGivenUp, "Quote stream down", msg); err != nil {
					logger.Warn("feed alert failed", slog.String("error", err.Error()))
				}
			}()
		},
		OnLatency: deps.Metrics.ObserveFeedLatency,
		OnEvent: func(ev domain.FeedEvent) {
			deps.Metrics.ObserveFeedEvent(ev)
			deps.Watchdog.RecordTick()
		},
	}
}

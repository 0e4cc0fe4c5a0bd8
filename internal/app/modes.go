package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/arbeval/internal/domain"
	"github.com/alanyoungcy/arbeval/internal/server"
	"github.com/alanyoungcy/arbeval/internal/server/handler"
)

const (
	// shutdownTimeout bounds the HTTP drain on exit.
	shutdownTimeout = 10 * time.Second

	// statusLogInterval is how often monitor mode reports the stream.
	statusLogInterval = 30 * time.Second
)

// ServeMode runs the quote stream, the archive loop and the boundary HTTP
// server until ctx is cancelled.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startFeed(ctx, g, deps, false)

	if deps.Archiver != nil {
		interval := a.cfg.S3.ArchiveInterval.Duration
		g.Go(func() error {
			return deps.Archiver.RunEvery(ctx, interval)
		})
	}

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}

	return g.Wait()
}

// EvaluateMode runs one evaluation of the configured inputs and writes the
// Opportunity as indented JSON.
func (a *App) EvaluateMode(ctx context.Context, deps *Dependencies) error {
	opp, err := deps.Opportunities.Evaluate(ctx, a.opts.Inputs)
	if err != nil {
		return fmt.Errorf("evaluate mode: %w", err)
	}
	enc := json.NewEncoder(a.opts.Output)
	enc.SetIndent("", "  ")
	if err := enc.Encode(opp); err != nil {
		return fmt.Errorf("evaluate mode: write result: %w", err)
	}
	return nil
}

// MonitorMode runs the quote stream alone, logging every event and a
// periodic status line. The HTTP server runs too when enabled so the
// stream can be inspected and reconnected.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	a.startFeed(ctx, g, deps, true)

	g.Go(func() error {
		ticker := time.NewTicker(statusLogInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				st := deps.MarketData.FeedStatus()
				attrs := []any{
					slog.String("state", st.State.String()),
					slog.Int("attempt", st.Attempt),
					slog.Any("pairs", st.Pairs),
				}
				if st.LatencyMs != nil {
					attrs = append(attrs, slog.Float64("latency_ms", *st.LatencyMs))
				}
				a.logger.InfoContext(ctx, "feed status", attrs...)
			}
		}
	})

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps)
	}

	return g.Wait()
}

// startFeed connects the stream and forwards its events onto the signal
// bus. A failed initial dial is logged; the stream keeps retrying on its
// own.
func (a *App) startFeed(ctx context.Context, g *errgroup.Group, deps *Dependencies, logEvents bool) {
	if deps.Stream == nil {
		a.logger.InfoContext(ctx, "feed disabled")
		return
	}

	sub, err := deps.MarketData.Subscribe("")
	if err != nil {
		a.logger.WarnContext(ctx, "feed subscribe failed", slog.String("error", err.Error()))
		return
	}
	if err := deps.MarketData.ConnectFeed(ctx); err != nil {
		a.logger.WarnContext(ctx, "initial feed connect failed, reconnecting in background",
			slog.String("error", err.Error()),
		)
	}

	g.Go(func() error {
		defer sub.Close()
		for {
			select {
			case <-ctx.Done():
				if n := sub.Dropped(); n > 0 {
					a.logger.WarnContext(ctx, "feed events dropped", slog.Int64("count", n))
				}
				return ctx.Err()
			case ev, ok := <-sub.Events():
				if !ok {
					return nil
				}
				a.forwardFeedEvent(ctx, deps.SignalBus, ev, logEvents)
			}
		}
	})
}

func (a *App) forwardFeedEvent(ctx context.Context, bus domain.SignalBus, ev domain.FeedEvent, logEvent bool) {
	if logEvent {
		a.logger.InfoContext(ctx, "feed event",
			slog.String("type", ev.Type),
			slog.Time("received_at", ev.ReceivedAt),
			slog.String("data", string(ev.Data)),
		)
	}
	if bus == nil {
		return
	}
	if err := bus.Publish(ctx, domain.FeedChannel(ev.Type), ev.Data); err != nil && ctx.Err() == nil {
		a.logger.WarnContext(ctx, "feed event publish failed",
			slog.String("type", ev.Type),
			slog.String("error", err.Error()),
		)
	}
}

// healthHandler reports the watchdog only when one is running; a nil
// *service.Watchdog must not become a non-nil interface.
func healthHandler(mode string, feedCtrl handler.FeedController, deps *Dependencies, logger *slog.Logger) *handler.HealthHandler {
	h := handler.NewHealthHandler(mode, feedCtrl, deps.Checks, logger)
	if deps.Watchdog != nil {
		h.WithTrading(deps.Watchdog)
	}
	return h
}

// startHTTPServer builds the boundary server and registers its run and
// shutdown goroutines on g.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	var feedCtrl handler.FeedController
	if deps.Stream != nil {
		feedCtrl = deps.MarketData
	}

	var store domain.OpportunityStore
	if deps.Journal != nil {
		store = deps.Journal
	}

	srv := server.NewServer(server.Config{
		Port:               a.cfg.Server.Port,
		CORSOrigins:        a.cfg.Server.CORSOrigins,
		APIKey:             a.cfg.Server.APIKey,
		RateLimitPerMinute: a.cfg.Server.RateLimitPerMinute,
	}, server.Handlers{
		Health:      healthHandler(a.cfg.Mode, feedCtrl, deps, a.logger),
		Opportunity: handler.NewOpportunityHandler(deps.Opportunities, store, a.logger),
		Feed:        handler.NewFeedHandler(deps.MarketData, a.logger),
		Market:      handler.NewMarketHandler(deps.MarketData, a.logger),
		Metrics:     deps.Metrics.Handler(),
	}, deps.RateLimiter, deps.Metrics, a.logger)

	g.Go(srv.Start)
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

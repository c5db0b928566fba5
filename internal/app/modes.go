package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/openarb/tribot/internal/bot"
	"github.com/openarb/tribot/internal/config"
	"github.com/openarb/tribot/internal/crypto"
	"github.com/openarb/tribot/internal/detector"
	"github.com/openarb/tribot/internal/events"
	"github.com/openarb/tribot/internal/exchange"
	"github.com/openarb/tribot/internal/exchange/binance"
	"github.com/openarb/tribot/internal/exchange/kucoin"
	"github.com/openarb/tribot/internal/exchange/paper"
	"github.com/openarb/tribot/internal/executor"
	"github.com/openarb/tribot/internal/pricecache"
	"github.com/openarb/tribot/internal/risk"
	"github.com/openarb/tribot/internal/server"
	"github.com/openarb/tribot/internal/server/handler"
	"github.com/openarb/tribot/internal/server/ws"
)

const (
	// shutdownTimeout bounds the HTTP server drain and the bot's
	// in-flight execution drain on shutdown.
	shutdownTimeout = 30 * time.Second

	// archiveRunTimeout bounds one archival pass.
	archiveRunTimeout = 15 * time.Minute
)

// coreOptions carries the per-mode overrides applied when assembling the
// trading core.
type coreOptions struct {
	// autoExecute enables unattended execution of top-ranked
	// opportunities. Monitor mode forces it off.
	autoExecute bool

	// forcePaper wraps every venue in the paper simulator regardless of
	// the trading.paper setting. Monitor mode may never place live orders.
	forcePaper bool

	// noVenues skips venue construction entirely. Server mode serves the
	// API without any exchange connectivity.
	noVenues bool
}

// paper reports whether fills are simulated under these options.
func (o coreOptions) paper(cfg *config.Config) bool {
	return cfg.Trading.Paper || o.forcePaper
}

// runtime is the assembled trading core for one process.
type runtime struct {
	bot        *bot.Bot
	dispatcher *events.Dispatcher
	cache      *pricecache.Cache
}

// TradeMode runs the trading core: venue streams, the scan loop, and
// execution, plus the HTTP API when enabled.
func (a *App) TradeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting trade mode",
		slog.Bool("paper", a.cfg.Trading.Paper),
		slog.Bool("auto_execute", a.cfg.Trading.AutoExecute),
	)

	g, ctx := errgroup.WithContext(ctx)

	opts := coreOptions{autoExecute: a.cfg.Trading.AutoExecute}
	rt, err := a.buildTradingCore(deps, opts)
	if err != nil {
		return fmt.Errorf("trade mode: %w", err)
	}
	a.startBot(ctx, g, rt)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, rt.bot, opts.paper(a.cfg))
	}

	return g.Wait()
}

// MonitorMode runs detection and publishing only. Auto-execution is
// forced off and every venue is wrapped in the paper simulator, so manual
// executions simulate fills instead of reaching a venue.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)

	opts := coreOptions{forcePaper: true}
	rt, err := a.buildTradingCore(deps, opts)
	if err != nil {
		return fmt.Errorf("monitor mode: %w", err)
	}
	a.startBot(ctx, g, rt)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, rt.bot, opts.paper(a.cfg))
	}

	return g.Wait()
}

// ServerMode serves the dashboard API over the shared stores and the
// signal bus without connecting to any venue. Events published by a
// trading instance elsewhere reach this instance's WebSocket clients
// through Redis.
func (a *App) ServerMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting server mode")

	if !a.cfg.Server.Enabled {
		return fmt.Errorf("server mode: server.enabled must be true")
	}

	g, ctx := errgroup.WithContext(ctx)

	// A bot with no venues: control endpoints answer honestly (start
	// reports no exchanges selected) and the live snapshot stays empty.
	opts := coreOptions{noVenues: true}
	rt, err := a.buildTradingCore(deps, opts)
	if err != nil {
		return fmt.Errorf("server mode: %w", err)
	}
	a.closers = append(a.closers, rt.dispatcher.Close)

	a.startHTTPServer(ctx, g, deps, rt.bot, opts.paper(a.cfg))

	return g.Wait()
}

// FullMode runs everything: the trading core, the HTTP API, and the
// ledger archival loop.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode",
		slog.Bool("paper", a.cfg.Trading.Paper),
		slog.Bool("auto_execute", a.cfg.Trading.AutoExecute),
	)

	g, ctx := errgroup.WithContext(ctx)

	opts := coreOptions{autoExecute: a.cfg.Trading.AutoExecute}
	rt, err := a.buildTradingCore(deps, opts)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	a.startBot(ctx, g, rt)

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, rt.bot, opts.paper(a.cfg))
	}

	if deps.Archiver != nil {
		a.startArchiver(ctx, g, deps)
	}

	return g.Wait()
}

// buildTradingCore assembles the detection and execution pipeline:
// venue adapters, price cache, detector, ranker, risk governor, executor,
// and the bot on top. The returned runtime is not yet started.
func (a *App) buildTradingCore(deps *Dependencies, opts coreOptions) (*runtime, error) {
	cache := pricecache.New()

	venues, err := a.buildVenues(deps, cache, opts)
	if err != nil {
		return nil, err
	}

	dispatcher := events.NewDispatcher(deps.Bus, deps.Notifier, a.logger)

	trading := a.cfg.Trading
	useFeeToken := false
	for _, name := range trading.Exchanges {
		if a.cfg.Exchanges[name].UseFeeToken {
			useFeeToken = true
		}
	}

	det := detector.New(detector.Config{
		StalenessBound:    trading.StalenessBound.Duration,
		DepthLevels:       trading.DepthLevels,
		DepthTolerancePct: trading.DepthTolerancePct,
		UseFeeToken:       useFeeToken,
	}, a.logger)

	ranker := detector.NewRanker(detector.RankConfig{
		MinProfitPct:      trading.MinProfitPct,
		DepthLevels:       trading.DepthLevels,
		DepthTolerancePct: trading.DepthTolerancePct,
		MaxLive:           trading.MaxLiveOpportunities,
		UseFeeToken:       useFeeToken,
	}, a.logger)

	governor := risk.NewGovernor(risk.Config{
		MaxTradeAmount:   a.cfg.Risk.MaxTradeAmount,
		MinProfitPct:     trading.MinProfitPct,
		BreakerThreshold: a.cfg.Risk.BreakerThreshold,
	}, dispatcher, a.logger)

	exec := executor.New(executor.Config{
		SlippageTolerancePct: trading.SlippageTolerancePct,
		LegTimeout:           trading.LegTimeout.Duration,
		StalenessBound:       trading.StalenessBound.Duration,
		UseFeeToken:          useFeeToken,
	}, cache, deps.Ledger, dispatcher, a.logger)

	b := bot.New(bot.Config{
		AutoExecute:  opts.autoExecute,
		Notional:     a.cfg.Risk.MaxTradeAmount,
		BaseAssets:   trading.BaseAssets,
		ScanInterval: trading.ScanInterval.Duration,
		LegTimeout:   trading.LegTimeout.Duration,
	}, bot.Deps{
		Venues:        venues,
		Cache:         cache,
		Detector:      det,
		Ranker:        ranker,
		Governor:      governor,
		Executor:      exec,
		Opportunities: deps.Opportunities,
		Locks:         deps.Locks,
		Publisher:     dispatcher,
	}, a.logger)

	return &runtime{bot: b, dispatcher: dispatcher, cache: cache}, nil
}

// buildVenues constructs an adapter per selected venue, with credentials
// merged from the encrypted key file and the paper wrapper applied when
// simulation is on.
func (a *App) buildVenues(deps *Dependencies, cache *pricecache.Cache, opts coreOptions) ([]exchange.Adapter, error) {
	if opts.noVenues {
		return nil, nil
	}
	trading := a.cfg.Trading

	creds, err := crypto.LoadCredentials(a.cfg.Secrets.EncryptedKeyPath, a.cfg.Secrets.KeyPassword)
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	paperOn := opts.paper(a.cfg)

	venues := make([]exchange.Adapter, 0, len(trading.Exchanges))
	for _, name := range trading.Exchanges {
		exCfg, ok := a.cfg.Exchanges[name]
		if !ok {
			return nil, fmt.Errorf("venue %q is not configured", name)
		}

		auth := crypto.HMACAuth{
			Key:        exCfg.ApiKey,
			Secret:     exCfg.ApiSecret,
			Passphrase: exCfg.ApiPassphrase,
		}
		if cred, ok := creds[name]; ok {
			if auth.Key == "" {
				auth.Key = cred.Key
			}
			if auth.Secret == "" {
				auth.Secret = cred.Secret
			}
			if auth.Passphrase == "" {
				auth.Passphrase = cred.Passphrase
			}
		}

		fees := exchange.NewFeeModel(exCfg.MakerFee, exCfg.TakerFee, exCfg.FeeTokenDiscount, exCfg.ZeroFeePairs)

		var venue exchange.Adapter
		switch strings.ToLower(name) {
		case binance.Name:
			venue = binance.New(binance.Options{
				RestURL:         exCfg.RestURL,
				WsURL:           exCfg.WsURL,
				Auth:            auth,
				Fees:            fees,
				DepthLevels:     trading.DepthLevels,
				RateLimitPerSec: exCfg.RateLimitPerSec,
			}, deps.RateLimiter, a.logger)
		case kucoin.Name:
			venue = kucoin.New(kucoin.Options{
				RestURL:         exCfg.RestURL,
				Auth:            auth,
				Fees:            fees,
				DepthLevels:     trading.DepthLevels,
				RateLimitPerSec: exCfg.RateLimitPerSec,
			}, deps.RateLimiter, a.logger)
		default:
			return nil, fmt.Errorf("no adapter for venue %q", name)
		}

		if paperOn {
			venue = paper.New(venue, cache, paper.Options{
				StartingBalance: trading.PaperStartingBalance,
				SeedAssets:      trading.BaseAssets,
				SlippagePct:     trading.SimulatedSlippagePct,
				UseFeeToken:     exCfg.UseFeeToken,
				StalenessBound:  trading.StalenessBound.Duration,
			}, a.logger)
		}

		venues = append(venues, venue)
	}

	return venues, nil
}

// startBot launches the trading loops and registers the shutdown drain.
// The operator can stop and restart the bot through the API afterwards.
func (a *App) startBot(ctx context.Context, g *errgroup.Group, rt *runtime) {
	a.closers = append(a.closers, rt.dispatcher.Close)

	g.Go(func() error {
		if err := rt.bot.Start(ctx); err != nil {
			return fmt.Errorf("bot start: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := rt.bot.Stop(stopCtx); err != nil {
			a.logger.Warn("bot stop", slog.String("error", err.Error()))
		}
		return nil
	})
}

// startHTTPServer assembles the REST handlers and the WebSocket hub and
// runs the server until the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, ctrl *bot.Bot, paper bool) {
	hub := ws.NewHub(deps.Bus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		Paper:     paper,
		StartedAt: time.Now().UTC(),
		Running:   ctrl.Running,
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	health := handler.NewHealthHandler(a.logger).
		WithCheck("postgres", deps.PG).
		WithCheck("redis", deps.Redis)
	if deps.S3 != nil {
		health = health.WithCheck("s3", deps.S3)
	}

	handlers := server.Handlers{
		Health:        health,
		Bot:           handler.NewBotHandler(ctrl, a.cfg.Mode, paper, a.logger).WithAudit(deps.Audit),
		Opportunities: handler.NewOpportunityHandler(ctrl, deps.Opportunities, a.logger),
		Trades:        handler.NewTradeHandler(deps.Ledger, a.logger),
		Audit:         handler.NewAuditHandler(deps.Audit, a.logger),
	}

	srv := server.NewServer(server.Config{
		Port:            a.cfg.Server.Port,
		CORSOrigins:     a.cfg.Server.CORSOrigins,
		APIKey:          a.cfg.Server.APIKey,
		RateLimitPerMin: a.cfg.Server.RateLimitPerMin,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// startArchiver runs the periodic cold-storage export: one pass shortly
// after boot, then one per configured interval.
func (a *App) startArchiver(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	interval := a.cfg.Archive.Interval.Duration
	retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour

	runOnce := func() {
		cutoff := time.Now().UTC().Add(-retention)
		runCtx, cancel := context.WithTimeout(ctx, archiveRunTimeout)
		defer cancel()

		n, err := deps.Archiver.ArchiveTradeLogs(runCtx, cutoff)
		if err != nil {
			a.logger.Error("archive pass failed",
				slog.Int64("archived", n),
				slog.String("error", err.Error()),
			)
			return
		}
		if n > 0 {
			a.logger.Info("archive pass finished",
				slog.Int64("archived", n),
				slog.Time("cutoff", cutoff),
			)
		}
	}

	g.Go(func() error {
		a.logger.Info("archiver started",
			slog.Duration("interval", interval),
			slog.Int("retention_days", a.cfg.Archive.RetentionDays),
		)
		runOnce()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				runOnce()
			}
		}
	})
}

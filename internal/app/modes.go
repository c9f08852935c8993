package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"github.com/neutralmarkets/spreadbot/internal/book"
	"github.com/neutralmarkets/spreadbot/internal/chain"
	"github.com/neutralmarkets/spreadbot/internal/crypto"
	"github.com/neutralmarkets/spreadbot/internal/domain"
	"github.com/neutralmarkets/spreadbot/internal/executor"
	"github.com/neutralmarkets/spreadbot/internal/feed"
	"github.com/neutralmarkets/spreadbot/internal/platform/kalshi"
	"github.com/neutralmarkets/spreadbot/internal/platform/polymarket"
	"github.com/neutralmarkets/spreadbot/internal/risk"
	"github.com/neutralmarkets/spreadbot/internal/server"
	"github.com/neutralmarkets/spreadbot/internal/server/handler"
	"github.com/neutralmarkets/spreadbot/internal/server/ws"
	"github.com/neutralmarkets/spreadbot/internal/service"
	"github.com/neutralmarkets/spreadbot/internal/strategy"
	"github.com/neutralmarkets/spreadbot/internal/stream"
)

// leaderLock is the Redis lock key live trading must hold. Two
// instances pointed at the same accounts would race the same signals
// and double-spend the same balances.
const (
	leaderLock    = "leader"
	leaderLockTTL = 30 * time.Second
)

// marketFetcherFunc adapts a closure to service.MarketFetcher.
type marketFetcherFunc func(ctx context.Context, marketID string) (domain.Market, error)

func (f marketFetcherFunc) FetchMarket(ctx context.Context, marketID string) (domain.Market, error) {
	return f(ctx, marketID)
}

// stack is one assembled detection/execution pipeline: venue clients,
// feeds, the engine loop, risk, and the coordinator, plus the optional
// periodic services that ride along with it.
type stack struct {
	engine      *strategy.Engine
	coordinator *executor.Coordinator
	supervisor  *feed.Supervisor
	registry    *service.Registry
	ledger      *risk.Ledger
	refresher   *service.BalanceRefresher // nil when no balance source exists
	exporter    *stream.Exporter          // nil unless kafka is enabled
	archive     *service.ArchiveRunner    // nil unless s3 is enabled
	live        bool
}

// buildStack assembles the pipeline. live gates order submission: a
// false value produces the same pipeline with the coordinator in paper
// mode, so watch and trade runs exercise identical code paths.
func (a *App) buildStack(ctx context.Context, deps *Dependencies, live bool) (*stack, error) {
	cfg := a.cfg
	logger := a.logger

	// --- Signers ---
	var ksigner *crypto.KalshiSigner
	if cfg.Kalshi.AccessKey != "" && cfg.Kalshi.RSAPrivateKeyPath != "" {
		var err error
		ksigner, err = crypto.KalshiSignerFromFile(cfg.Kalshi.AccessKey, cfg.Kalshi.RSAPrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("app: kalshi signer: %w", err)
		}
	}
	if live && ksigner == nil {
		return nil, fmt.Errorf("app: live trading requires kalshi credentials")
	}

	var signer *crypto.Signer
	if cfg.Wallet.PrivateKey != "" || cfg.Wallet.EncryptedKeyPath != "" {
		keyHex, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			return nil, fmt.Errorf("app: wallet key: %w", err)
		}
		signer, err = crypto.NewSigner(keyHex, cfg.Chain.ChainID)
		if err != nil {
			return nil, fmt.Errorf("app: wallet signer: %w", err)
		}
	}
	if live && signer == nil {
		return nil, fmt.Errorf("app: live trading requires a wallet key")
	}

	// --- Venue REST clients ---
	kalshiBase := cfg.Kalshi.BaseURL
	if kalshiBase == "" && !cfg.Kalshi.UseDemo {
		kalshiBase = kalshi.ProdBaseURL
	}
	kc := kalshi.NewClient(kalshiBase, ksigner)
	kc.SetRateLimiter(deps.RateLimiter)

	clob := polymarket.NewClobClient(cfg.Polymarket.ClobURL, signer, crypto.ClobCreds{}, logger)
	clob.SetRateLimiter(deps.RateLimiter)
	if signer != nil {
		if _, err := clob.DeriveAPIKey(ctx, 0); err != nil {
			if live {
				return nil, fmt.Errorf("app: polymarket auth: %w", err)
			}
			logger.Warn("polymarket api key derivation failed, continuing with public data",
				slog.String("error", err.Error()))
		}
	}

	// --- Chain ---
	chainClient, err := chain.Dial(ctx, chain.Config{
		RPCURL:                cfg.Chain.RPCURL,
		USDCAddress:           cfg.Chain.USDCAddress,
		CTFAddress:            cfg.Chain.CTFAddress,
		NegRiskAdapterAddress: cfg.Chain.NegRiskAdapterAddress,
	}, cfg.Chain.ChainID, logger)
	if err != nil {
		return nil, fmt.Errorf("app: chain: %w", err)
	}
	a.closers = append(a.closers, chainClient.Close)

	gasOracle := chain.NewGasOracle(chainClient, cfg.Chain.MergeGasUnits,
		domain.MicrosFromFloat(cfg.Chain.POLUSDRate), logger)

	// --- Market registry ---
	registry := service.NewRegistry(service.RegistryConfig{
		Store:  deps.MarketStore,
		Cache:  deps.MarketCache,
		Logger: logger,
	})
	registry.AddFetcher(domain.VenueKalshi, marketFetcherFunc(
		func(ctx context.Context, marketID string) (domain.Market, error) {
			m, err := kc.GetMarket(ctx, marketID)
			if err != nil {
				return domain.Market{}, err
			}
			return m.Domain(), nil
		}))
	registry.AddFetcher(domain.VenuePolymarket, marketFetcherFunc(
		func(ctx context.Context, marketID string) (domain.Market, error) {
			m, err := clob.GetMarket(ctx, marketID)
			if err != nil {
				return domain.Market{}, err
			}
			return m.Market(time.Now()), nil
		}))

	tickers, polyIDs, err := a.marketUniverse(ctx, kc)
	if err != nil {
		return nil, err
	}
	keys := make([]domain.MarketKey, 0, len(tickers)+len(polyIDs))
	for _, t := range tickers {
		keys = append(keys, domain.MarketKey{Venue: domain.VenueKalshi, MarketID: t})
	}
	for _, id := range polyIDs {
		keys = append(keys, domain.MarketKey{Venue: domain.VenuePolymarket, MarketID: id})
	}
	registry.Track(keys...)
	if err := registry.Warm(ctx); err != nil {
		return nil, fmt.Errorf("app: warm market registry: %w", err)
	}
	logger.Info("market universe loaded",
		slog.Int("kalshi", len(tickers)),
		slog.Int("polymarket", len(polyIDs)))

	// --- Detection ---
	var kalshiFeed *kalshi.Feed
	var polyFeed *polymarket.Feed
	normalizer := book.New(book.Config{
		Logger: logger,
		Resync: func(key domain.MarketKey) {
			switch key.Venue {
			case domain.VenueKalshi:
				if kalshiFeed != nil {
					kalshiFeed.RequestResync(key.MarketID)
				}
			case domain.VenuePolymarket:
				if polyFeed != nil {
					polyFeed.RequestResync(key.MarketID)
				}
			}
		},
	})

	whitelist := strategy.NewWhitelist(a.whitelistPairs())
	detector := strategy.NewDetector(strategy.DetectorConfig{
		MinSpread:            domain.MicrosFromCents(cfg.Strategy.MinSpreadCents),
		CryptoShortMinSpread: domain.MicrosFromCents(cfg.Strategy.CryptoShortMinSpreadCents),
		CrossMinSpread:       domain.MicrosFromCents(cfg.Strategy.CrossMinSpreadCents),
		CapacityCap:          cfg.Strategy.CapacityCap,
		DynamicFeeBps:        cfg.Strategy.DynamicFeeBps,
		SignalTTL:            cfg.Strategy.SignalTTL.Duration,
	}, logger)

	// --- Risk and execution ---
	ledger := risk.NewLedger()
	inflight := executor.NewRegistry()
	riskEngine := risk.NewEngine(risk.Config{
		Sizer: risk.SizerConfig{
			MaxPositionSize:    domain.MicrosFromFloat(cfg.Risk.MaxPositionSizeUSD),
			BalanceFractionBps: int64(cfg.Risk.BalanceFraction * 10_000),
			CrossSizeFactorBps: int64(cfg.Risk.CrossSizeFactor * 10_000),
		},
		MaxConcurrentArbs: cfg.Risk.MaxConcurrentArbs,
	}, ledger, whitelist, inflight, logger)

	kalshiAdapter := kalshi.NewAdapter(kc, logger)
	var polyAdapter *polymarket.Adapter
	if signer != nil {
		polyAdapter = polymarket.NewAdapter(clob, signer, registry, logger)
		if cfg.Wallet.FunderAddress != "" {
			polyAdapter.SetFunder(cfg.Wallet.FunderAddress, cfg.Wallet.SignatureType)
		}
	}
	router := &venueRouter{kalshi: kalshiAdapter, poly: polyAdapter}

	var merger executor.Merger
	if live {
		txmgr := chain.NewTxManager(chainClient, signer, logger)
		merger = chain.NewMerger(chainClient, txmgr, gasOracle, chain.MergeConfig{
			MaxRetries:     cfg.Merge.MaxRetries,
			RetryBackoff:   cfg.Merge.RetryBackoff.Duration,
			Confirmations:  cfg.Merge.Confirmations,
			AttemptTimeout: cfg.Merge.AttemptTimeout.Duration,
		}, logger)
	}

	hedger := executor.NewHedger(executor.HedgerConfig{
		Style:              executor.HedgeStyle(cfg.Hedger.Style),
		MaxLossPerContract: domain.MicrosFromCents(cfg.Hedger.MaxLossPerContractCents),
		StepTick:           domain.MicrosFromCents(cfg.Hedger.StepTickCents),
		MaxAttempts:        cfg.Hedger.MaxAttempts,
		FadeTimeout:        cfg.Hedger.FadeTimeout.Duration,
		PollInterval:       cfg.Hedger.PollInterval.Duration,
		AttemptTimeout:     cfg.Hedger.AttemptTimeout.Duration,
	}, router, logger)

	coordinator := executor.NewCoordinator(executor.Config{
		LiveTrading:      live,
		MinViableQty:     cfg.Executor.MinViableQty,
		IntraPolyTimeout: cfg.Executor.IntraPolyTimeout.Duration,
		KalshiTimeout:    cfg.Executor.KalshiTimeout.Duration,
		CrossTimeout:     cfg.Executor.CrossTimeout.Duration,
		ArbBudget:        cfg.Executor.ArbBudget.Duration,
		DedupTTL:         cfg.Executor.DedupTTL.Duration,
		ShutdownDeadline: cfg.Executor.ShutdownDeadline.Duration,
	}, router, merger, hedger, ledger, inflight, logger)
	coordinator.SetStores(deps.ArbStore, deps.TradeStore, deps.PositionStore)
	coordinator.SetAlerter(deps.Alerts)
	coordinator.SetBus(deps.SignalBus)

	// --- Engine ---
	var recorder strategy.ResearchRecorder
	if deps.Recorder != nil {
		recorder = deps.Recorder
	}
	engine := strategy.NewEngine(strategy.EngineConfig{
		Normalizer: normalizer,
		Detector:   detector,
		Whitelist:  whitelist,
		Risk:       riskEngine,
		Sink:       coordinator,
		Meta:       registry,
		Gas:        gasOracle,
		Store:      deps.SignalStore,
		Bus:        deps.SignalBus,
		Cache:      deps.BookCache,
		Recorder:   recorder,
		GasRefresh: cfg.Strategy.GasRefresh.Duration,
		Logger:     logger,
	})

	// --- Feeds ---
	supervisor := feed.NewSupervisor(feed.Config{
		StalenessAfter: cfg.Feed.StalenessAfter.Duration,
		Liveness:       riskEngine,
		Alerter:        deps.Alerts,
		Logger:         logger,
	})

	if ksigner != nil {
		kalshiWS := cfg.Kalshi.WSURL
		if kalshiWS == "" && !cfg.Kalshi.UseDemo {
			kalshiWS = kalshi.ProdWSURL
		}
		kalshiFeed = kalshi.NewFeed(kalshi.FeedConfig{
			URL:     kalshiWS,
			Signer:  ksigner,
			REST:    kc,
			Sink:    engine,
			Tickers: tickers,
			Logger:  logger,
		})
		supervisor.Register(domain.VenueKalshi, kalshiFeed)
	} else {
		logger.Warn("kalshi credentials missing, kalshi stream disabled")
	}

	polyFeed = polymarket.NewFeed(polymarket.FeedConfig{
		URL:     cfg.Polymarket.WSURL,
		REST:    clob,
		Sink:    engine,
		Markets: registry.VenueMarkets(domain.VenuePolymarket),
		Logger:  logger,
	})
	supervisor.Register(domain.VenuePolymarket, polyFeed)

	// --- Balances ---
	refresher := service.NewBalanceRefresher(ledger, cfg.Risk.BalanceRefresh.Duration, logger)
	refresher.SetCache(deps.BalanceCache)
	sources := 0
	if ksigner != nil {
		refresher.AddSource(domain.VenueKalshi, kalshiAdapter)
		sources++
	}
	if signer != nil {
		owner := signer.Address()
		if cfg.Wallet.FunderAddress != "" {
			owner = common.HexToAddress(cfg.Wallet.FunderAddress)
		}
		refresher.AddSource(domain.VenuePolymarket, service.BalanceFunc(
			func(ctx context.Context) (domain.Micros, error) {
				return chainClient.USDCBalance(ctx, owner)
			}))
		sources++
	}
	if sources > 0 {
		if err := refresher.RefreshOnce(ctx); err != nil {
			if live {
				return nil, fmt.Errorf("app: initial balance refresh: %w", err)
			}
			logger.Warn("initial balance refresh failed", slog.String("error", err.Error()))
		}
	} else {
		refresher = nil
	}
	if !live {
		a.seedPaperBalances(ledger, sources)
	}

	// --- Ride-along services ---
	st := &stack{
		engine:      engine,
		coordinator: coordinator,
		supervisor:  supervisor,
		registry:    registry,
		ledger:      ledger,
		refresher:   refresher,
		live:        live,
	}
	if deps.KafkaWriter != nil {
		st.exporter = stream.NewExporter(deps.SignalBus, deps.CursorStore, deps.KafkaWriter, logger)
	}
	if deps.Archiver != nil {
		st.archive = service.NewArchiveRunner(deps.Archiver,
			cfg.S3.ArchiveInterval.Duration, cfg.S3.Retention.Duration, logger)
	}
	return st, nil
}

// marketUniverse resolves the tracked tickers and condition IDs from
// config plus the whitelist. An empty Kalshi list falls back to every
// open market.
func (a *App) marketUniverse(ctx context.Context, kc *kalshi.Client) (tickers, polyIDs []string, err error) {
	seenK := make(map[string]bool)
	seenP := make(map[string]bool)
	for _, t := range a.cfg.Markets.Kalshi {
		if !seenK[t] {
			seenK[t] = true
			tickers = append(tickers, t)
		}
	}
	for _, id := range a.cfg.Markets.Polymarket {
		if !seenP[id] {
			seenP[id] = true
			polyIDs = append(polyIDs, id)
		}
	}
	for _, p := range a.cfg.Whitelist.Pairs {
		if !seenK[p.Kalshi] {
			seenK[p.Kalshi] = true
			tickers = append(tickers, p.Kalshi)
		}
		if !seenP[p.Polymarket] {
			seenP[p.Polymarket] = true
			polyIDs = append(polyIDs, p.Polymarket)
		}
	}
	if len(tickers) == 0 {
		open, err := kc.OpenMarkets(ctx, "")
		if err != nil {
			return nil, nil, fmt.Errorf("app: discover kalshi markets: %w", err)
		}
		for _, m := range open {
			tickers = append(tickers, m.Ticker)
		}
	}
	return tickers, polyIDs, nil
}

// whitelistPairs converts the config pairs into the strategy form.
func (a *App) whitelistPairs() []strategy.WhitelistPair {
	pairs := make([]strategy.WhitelistPair, 0, len(a.cfg.Whitelist.Pairs))
	for _, p := range a.cfg.Whitelist.Pairs {
		pairs = append(pairs, strategy.WhitelistPair{
			KalshiMarketID: p.Kalshi,
			PolyMarketID:   p.Polymarket,
		})
	}
	return pairs
}

// seedPaperBalances gives venues without a live balance source enough
// synthetic capital that sizing is bound by max_position_size_usd, not
// by an empty ledger. Paper runs should produce the quantities a
// funded live run would.
func (a *App) seedPaperBalances(ledger *risk.Ledger, liveSources int) {
	if liveSources > 0 {
		return
	}
	paper := domain.MicrosFromFloat(a.cfg.Risk.MaxPositionSizeUSD / a.cfg.Risk.BalanceFraction)
	ledger.SetBalance(domain.VenueKalshi, paper)
	ledger.SetBalance(domain.VenuePolymarket, paper)
	a.logger.Info("paper balances seeded", slog.String("per_venue", paper.String()))
}

// reportStrandedArbs surfaces arbs the previous run left mid-machine.
// Leg state cannot be safely resumed after a restart; the positions
// are real, so a human closes them out.
func (a *App) reportStrandedArbs(ctx context.Context, deps *Dependencies) {
	stranded, err := deps.ArbStore.ListInFlight(ctx)
	if err != nil {
		a.logger.Warn("stranded arb scan failed", slog.String("error", err.Error()))
		return
	}
	for _, arb := range stranded {
		a.logger.Warn("stranded arb from previous run",
			slog.String("arb_id", arb.ID),
			slog.String("state", string(arb.State)),
			slog.Int64("qty", arb.Qty))
		deps.Alerts.Alert(ctx, "stranded arb",
			fmt.Sprintf("arb %s stopped in state %s with qty %d; positions need manual review",
				arb.ID, arb.State, arb.Qty))
		_ = deps.AuditStore.Log(ctx, "stranded_arb", map[string]any{
			"arb_id": arb.ID,
			"state":  string(arb.State),
			"qty":    arb.Qty,
		})
	}
}

// runStack runs the pipeline goroutines under one errgroup, optionally
// alongside the operator API.
func (a *App) runStack(ctx context.Context, deps *Dependencies, st *stack, withServer bool) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return st.engine.Run(gctx) })
	g.Go(func() error { return st.coordinator.Run(gctx) })
	g.Go(func() error { return st.supervisor.Run(gctx) })
	g.Go(func() error { return st.registry.Run(gctx) })
	if st.refresher != nil {
		g.Go(func() error { return st.refresher.Run(gctx) })
	}
	if deps.Recorder != nil {
		g.Go(func() error { return deps.Recorder.Run(gctx) })
	}
	if st.exporter != nil {
		g.Go(func() error { return st.exporter.Run(gctx) })
	}
	if st.archive != nil {
		g.Go(func() error { return st.archive.Run(gctx) })
	}
	if withServer && a.cfg.Server.Enabled {
		a.startServer(g, gctx, deps, st)
	}

	return g.Wait()
}

// runWatch detects and records signals without ever executing. The
// coordinator runs in paper mode so approved signals flow through the
// same submission path live trading uses.
func (a *App) runWatch(ctx context.Context, deps *Dependencies) error {
	st, err := a.buildStack(ctx, deps, false)
	if err != nil {
		return err
	}
	return a.runStack(ctx, deps, st, false)
}

// runTrade runs detection plus execution. Live order flow additionally
// requires the leader lock, so a second instance against the same
// accounts refuses to start.
func (a *App) runTrade(ctx context.Context, deps *Dependencies) error {
	live := a.cfg.Executor.EnableLiveTrading
	if live {
		release, err := deps.LockManager.Hold(ctx, leaderLock, leaderLockTTL)
		if err != nil {
			return fmt.Errorf("app: leader lock: %w", err)
		}
		defer release()
	}
	a.reportStrandedArbs(ctx, deps)

	st, err := a.buildStack(ctx, deps, live)
	if err != nil {
		return err
	}
	return a.runStack(ctx, deps, st, false)
}

// runServer serves the operator API over the shared stores and bus
// with no pipeline attached. Control endpoints that need a live engine
// report accordingly.
func (a *App) runServer(ctx context.Context, deps *Dependencies) error {
	g, gctx := errgroup.WithContext(ctx)
	a.startServer(g, gctx, deps, nil)
	return g.Wait()
}

// runAll is trade plus the operator API in one process.
func (a *App) runAll(ctx context.Context, deps *Dependencies) error {
	live := a.cfg.Executor.EnableLiveTrading
	if live {
		release, err := deps.LockManager.Hold(ctx, leaderLock, leaderLockTTL)
		if err != nil {
			return fmt.Errorf("app: leader lock: %w", err)
		}
		defer release()
	}
	a.reportStrandedArbs(ctx, deps)

	st, err := a.buildStack(ctx, deps, live)
	if err != nil {
		return err
	}
	return a.runStack(ctx, deps, st, true)
}

// startServer builds the HTTP server and websocket hub and attaches
// them to the errgroup. st may be nil in server-only mode.
func (a *App) startServer(g *errgroup.Group, gctx context.Context, deps *Dependencies, st *stack) {
	var (
		statusFn func() domain.BotStatus
		feeds    handler.FeedStatus
		ledger   *risk.Ledger
		engine   handler.EngineStats
		exec     handler.ExecutorStats
		drainDet handler.DetectionDrainer
		drainEx  handler.ExecutionDrainer
	)
	if st != nil {
		statusFn = a.botStatus(st)
		feeds = st.supervisor
		ledger = st.ledger
		engine = st.engine
		exec = st.coordinator
		drainDet = st.engine
		drainEx = st.coordinator
	}

	hub := ws.NewHub(deps.SignalBus, ws.Config{
		Status: statusFn,
		Logger: a.logger,
	})

	srv := server.New(server.Config{
		Port:         a.cfg.Server.Port,
		CORSOrigins:  a.cfg.Server.CORSOrigins,
		APIKey:       a.cfg.Server.APIKey,
		RateLimitRPS: a.cfg.Server.RateLimitRPS,
	}, server.Handlers{
		Health:     handler.NewHealthHandler(a.startedAt),
		Status:     handler.NewStatusHandler(statusFn, feeds, ledger, engine, exec),
		Control:    handler.NewControlHandler(drainDet, drainEx, deps.AuditStore, deps.Alerts, a.logger),
		Signals:    handler.NewSignalHandler(deps.SignalStore, a.logger),
		Executions: handler.NewExecutionHandler(deps.ArbStore, a.logger),
		Positions:  handler.NewPositionHandler(deps.PositionStore, a.logger),
	}, hub, deps.RateLimiter, a.logger)

	g.Go(func() error { return hub.Run(gctx) })
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	g.Go(srv.Start)
}

// botStatus composes the operational snapshot from the running stack.
func (a *App) botStatus(st *stack) func() domain.BotStatus {
	return func() domain.BotStatus {
		detected, approved := st.engine.Counts()
		status := domain.BotStatus{
			Mode:            a.cfg.Mode,
			LiveTrading:     st.live,
			Draining:        st.engine.Draining() || st.coordinator.Draining(),
			UptimeSeconds:   int64(time.Since(a.startedAt).Seconds()),
			TrackedBooks:    st.engine.TrackedBooks(),
			InflightArbs:    st.coordinator.InFlight(),
			SignalsDetected: detected,
			SignalsApproved: approved,
		}
		for _, vs := range st.supervisor.Snapshot() {
			switch vs.Venue {
			case domain.VenueKalshi:
				status.KalshiFeedUp = vs.Live
			case domain.VenuePolymarket:
				status.PolymarketUp = vs.Live
			}
		}
		return status
	}
}

package strategy

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/neutralmarkets/spreadbot/internal/book"
	"github.com/neutralmarkets/spreadbot/internal/domain"
)

// RiskGate runs a detected signal through the risk gates. It is
// synchronous over in-memory state and never suspends.
type RiskGate interface {
	Approve(sig domain.SpreadSignal) domain.RiskVerdict
}

// SignalSink receives approved signals for execution.
type SignalSink interface {
	Submit(ctx context.Context, sig domain.SpreadSignal, verdict domain.RiskVerdict) error
}

// MetaSource resolves market metadata synchronously from memory.
type MetaSource interface {
	Lookup(key domain.MarketKey) (domain.Market, bool)
}

// GasOracle estimates the USDC cost of one mergePositions transaction.
type GasOracle interface {
	MergeGasEstimate(ctx context.Context) (domain.Micros, error)
}

// ResearchRecorder receives published books and evaluated signals for
// offline analysis. Implementations buffer internally and must never
// block.
type ResearchRecorder interface {
	RecordBook(b *domain.OrderBook)
	RecordSignal(sig domain.SpreadSignal, verdict domain.RiskVerdict)
}

// Engine is the single event loop at the center of the pipeline. It
// owns the normalizer and all book state: venue adapters enqueue raw
// snapshots and deltas, the loop folds them into unified books, runs
// the spread detector on every published update, gates hits through
// risk, and hands approvals to the execution sink. Detection and risk
// run synchronously inside the loop so each evaluation sees one
// consistent state.
type Engine struct {
	normalizer *book.Normalizer
	detector   *Detector
	whitelist  *Whitelist
	risk       RiskGate
	sink       SignalSink
	meta       MetaSource
	gas        GasOracle
	store      domain.SignalStore // optional, audit trail
	bus        domain.SignalBus   // optional, dashboard fan-out
	cache      domain.BookCache   // optional, book mirror
	recorder   ResearchRecorder   // optional, research feed
	logger     *slog.Logger

	events chan engineEvent
	audit  chan auditItem

	gasPerTx   atomic.Int64
	gasRefresh time.Duration

	draining atomic.Bool
	detected atomic.Int64
	approved atomic.Int64

	mu     sync.Mutex
	recent []signalWithVerdict
}

type engineEvent struct {
	snapshot *domain.BookSnapshot
	delta    *domain.BookDelta
}

type auditItem struct {
	book    *domain.OrderBook
	signal  *domain.SpreadSignal
	verdict *domain.RiskVerdict
}

type signalWithVerdict struct {
	Signal  domain.SpreadSignal
	Verdict domain.RiskVerdict
}

const recentSignalLimit = 500

// EngineConfig wires an Engine.
type EngineConfig struct {
	Normalizer *book.Normalizer
	Detector   *Detector
	Whitelist  *Whitelist
	Risk       RiskGate
	Sink       SignalSink
	Meta       MetaSource
	Gas        GasOracle
	Store      domain.SignalStore
	Bus        domain.SignalBus
	Cache      domain.BookCache
	Recorder   ResearchRecorder
	GasRefresh time.Duration
	Logger     *slog.Logger
}

// NewEngine creates the engine loop.
func NewEngine(cfg EngineConfig) *Engine {
	refresh := cfg.GasRefresh
	if refresh <= 0 {
		refresh = 15 * time.Second
	}
	return &Engine{
		normalizer: cfg.Normalizer,
		detector:   cfg.Detector,
		whitelist:  cfg.Whitelist,
		risk:       cfg.Risk,
		sink:       cfg.Sink,
		meta:       cfg.Meta,
		gas:        cfg.Gas,
		store:      cfg.Store,
		bus:        cfg.Bus,
		cache:      cfg.Cache,
		recorder:   cfg.Recorder,
		gasRefresh: refresh,
		logger:     cfg.Logger.With(slog.String("component", "engine")),
		events:     make(chan engineEvent, 4096),
		audit:      make(chan auditItem, 1024),
	}
}

// HandleSnapshot enqueues a venue snapshot. Blocks only when the event
// queue is full, applying backpressure to the feed reader.
func (e *Engine) HandleSnapshot(ctx context.Context, snap domain.BookSnapshot) error {
	select {
	case e.events <- engineEvent{snapshot: &snap}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// HandleDelta enqueues a venue delta.
func (e *Engine) HandleDelta(ctx context.Context, delta domain.BookDelta) error {
	select {
	case e.events <- engineEvent{delta: &delta}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Drain stops signal emission. Books keep updating so the dashboard
// stays live, but nothing new reaches risk or execution.
func (e *Engine) Drain() {
	if e.draining.CompareAndSwap(false, true) {
		e.logger.Info("engine draining: refusing new signals")
	}
}

// Resume re-enables signal emission after a drain.
func (e *Engine) Resume() {
	if e.draining.CompareAndSwap(true, false) {
		e.logger.Info("engine resumed: accepting signals")
	}
}

// Draining reports whether the engine refuses new signals.
func (e *Engine) Draining() bool { return e.draining.Load() }

// Counts returns the totals of detected and approved signals.
func (e *Engine) Counts() (detected, approved int64) {
	return e.detected.Load(), e.approved.Load()
}

// TrackedBooks returns the number of live books.
func (e *Engine) TrackedBooks() int { return e.normalizer.TrackedBooks() }

// BookStats exposes the normalizer counters.
func (e *Engine) BookStats() *book.Stats { return e.normalizer.Stats() }

// RecentSignals returns up to limit recent signals with their
// verdicts, newest first.
func (e *Engine) RecentSignals(limit int) []domain.SpreadSignal {
	if limit <= 0 {
		limit = 20
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.recent)
	if limit > n {
		limit = n
	}
	out := make([]domain.SpreadSignal, 0, limit)
	for i := n - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, e.recent[i].Signal)
	}
	return out
}

// Run starts the loop plus its two helpers: a gas refresher that keeps
// the merge cost snapshot current, and an audit writer that mirrors
// books and signals out to Redis, Postgres, and the research recorder
// without ever blocking the trading path. Blocks until ctx is
// cancelled.
func (e *Engine) Run(ctx context.Context) error {
	e.logger.Info("engine started")
	defer e.logger.Info("engine stopped")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.loop(gctx) })
	g.Go(func() error { return e.auditWriter(gctx) })
	if e.gas != nil {
		g.Go(func() error { return e.gasRefresher(gctx) })
	}
	return g.Wait()
}

func (e *Engine) loop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-e.events:
			var published *domain.OrderBook
			var err error
			switch {
			case ev.snapshot != nil:
				published, err = e.normalizer.ApplySnapshot(*ev.snapshot)
			case ev.delta != nil:
				published, err = e.normalizer.ApplyDelta(*ev.delta)
			}
			if err != nil {
				// Desyncs and crossed books are handled inside the
				// normalizer; nothing to do here but keep consuming.
				continue
			}
			if published == nil {
				continue
			}
			e.onPublished(ctx, published)
		}
	}
}

func (e *Engine) onPublished(ctx context.Context, b *domain.OrderBook) {
	e.enqueueAudit(auditItem{book: b})

	key := b.Key()
	meta, ok := e.meta.Lookup(key)
	if !ok {
		return
	}
	gasPerTx := domain.Micros(e.gasPerTx.Load())

	var signals []domain.SpreadSignal
	if sig := e.detector.EvaluateIntra(b, meta, gasPerTx); sig != nil {
		signals = append(signals, *sig)
	}
	for _, pair := range e.whitelist.PairsFor(key) {
		signals = append(signals, e.evaluatePair(pair)...)
	}

	for i := range signals {
		e.dispatch(ctx, signals[i])
	}
}

func (e *Engine) evaluatePair(pair WhitelistPair) []domain.SpreadSignal {
	kKey := domain.MarketKey{Venue: domain.VenueKalshi, MarketID: pair.KalshiMarketID}
	pKey := domain.MarketKey{Venue: domain.VenuePolymarket, MarketID: pair.PolyMarketID}
	kBook, ok := e.normalizer.Book(kKey)
	if !ok {
		return nil
	}
	pBook, ok := e.normalizer.Book(pKey)
	if !ok {
		return nil
	}
	kMeta, ok := e.meta.Lookup(kKey)
	if !ok {
		return nil
	}
	pMeta, ok := e.meta.Lookup(pKey)
	if !ok {
		return nil
	}
	return e.detector.EvaluateCross(kBook, pBook, kMeta, pMeta)
}

func (e *Engine) dispatch(ctx context.Context, sig domain.SpreadSignal) {
	e.detected.Add(1)
	if e.draining.Load() {
		e.logger.Debug("signal dropped while draining", slog.String("signal_id", sig.ID))
		return
	}

	verdict := e.risk.Approve(sig)
	e.remember(sig, verdict)
	e.enqueueAudit(auditItem{signal: &sig, verdict: &verdict})

	if !verdict.Approved {
		e.logger.Debug("signal rejected",
			slog.String("signal_id", sig.ID),
			slog.String("constraint", verdict.Constraint),
			slog.String("reason", verdict.Reason),
		)
		return
	}
	e.approved.Add(1)
	e.logger.Info("signal approved",
		slog.String("signal_id", sig.ID),
		slog.String("pair_kind", string(sig.PairKind)),
		slog.String("yes_market", sig.YesMarketID),
		slog.String("no_market", sig.NoMarketID),
		slog.String("net_edge", sig.NetEdge.String()),
		slog.Int64("qty", verdict.Qty),
	)
	if err := e.sink.Submit(ctx, sig, verdict); err != nil {
		e.logger.Warn("signal submit failed",
			slog.String("signal_id", sig.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) remember(sig domain.SpreadSignal, v domain.RiskVerdict) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recent = append(e.recent, signalWithVerdict{Signal: sig, Verdict: v})
	if overflow := len(e.recent) - recentSignalLimit; overflow > 0 {
		e.recent = append([]signalWithVerdict(nil), e.recent[overflow:]...)
	}
}

func (e *Engine) enqueueAudit(item auditItem) {
	select {
	case e.audit <- item:
	default:
		// Audit mirroring is best effort; the trading path never waits.
	}
}

// auditWriter mirrors published books to the cache and signals to the
// bus and store off the hot loop.
func (e *Engine) auditWriter(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item := <-e.audit:
			wctx, cancel := context.WithTimeout(ctx, 2*time.Second)
			e.writeAudit(wctx, item)
			cancel()
		}
	}
}

func (e *Engine) writeAudit(ctx context.Context, item auditItem) {
	if item.book != nil {
		if e.cache != nil {
			if err := e.cache.SetBook(ctx, item.book); err != nil {
				e.logger.Debug("book cache write failed", slog.String("error", err.Error()))
			}
		}
		if e.recorder != nil {
			e.recorder.RecordBook(item.book)
		}
	}
	if item.signal != nil {
		if e.store != nil {
			if err := e.store.Insert(ctx, *item.signal); err != nil {
				e.logger.Warn("signal store insert failed", slog.String("error", err.Error()))
			}
			if item.verdict != nil {
				if err := e.store.RecordVerdict(ctx, *item.verdict); err != nil {
					e.logger.Warn("verdict store insert failed", slog.String("error", err.Error()))
				}
			}
		}
		if e.bus != nil {
			payload, err := json.Marshal(signalWithVerdict{Signal: *item.signal, Verdict: *item.verdict})
			if err == nil {
				if err := e.bus.Publish(ctx, "signals", payload); err != nil {
					e.logger.Debug("signal publish failed", slog.String("error", err.Error()))
				}
			}
		}
		if e.recorder != nil && item.verdict != nil {
			e.recorder.RecordSignal(*item.signal, *item.verdict)
		}
	}
}

func (e *Engine) gasRefresher(ctx context.Context) error {
	refresh := func() {
		rctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		est, err := e.gas.MergeGasEstimate(rctx)
		if err != nil {
			e.logger.Warn("gas estimate refresh failed", slog.String("error", err.Error()))
			return
		}
		e.gasPerTx.Store(int64(est))
	}
	refresh()
	ticker := time.NewTicker(e.gasRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			refresh()
		}
	}
}

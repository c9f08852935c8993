package polymarket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

const (
	// DefaultWSURL is the production market-data stream.
	DefaultWSURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"

	// writeWait is the time allowed to write a frame to the venue.
	writeWait = 10 * time.Second

	// pongWait is the time allowed between pongs before the
	// connection is considered dead.
	pongWait = 60 * time.Second

	// pingPeriod sends pings at this interval. Must be less than
	// pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base backoff after a disconnect; doubles
	// up to maxReconnectDelay. Reconnection never gives up.
	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second
)

// BookSink consumes normalized book events. The engine loop implements
// it; HandleSnapshot and HandleDelta block when the loop is saturated,
// applying backpressure to the reader.
type BookSink interface {
	HandleSnapshot(ctx context.Context, snap domain.BookSnapshot) error
	HandleDelta(ctx context.Context, delta domain.BookDelta) error
}

// FeedConfig wires a Feed.
type FeedConfig struct {
	URL     string      // ws endpoint; empty selects production
	REST    *ClobClient // snapshot source for resync fallback
	Sink    BookSink
	Markets []domain.Market
	Logger  *slog.Logger

	// OnStateChange observes connection state for venue liveness.
	OnStateChange func(connected bool)
}

// Feed maintains the market-data stream. The venue books each outcome
// token separately and sends no sequence numbers, so the feed joins
// the Yes and No token books into one four-ladder image per market and
// stamps every event with a locally minted, per-market monotone
// sequence.
type Feed struct {
	url     string
	rest    *ClobClient
	sink    BookSink
	logger  *slog.Logger
	onState func(bool)

	mu      sync.Mutex
	conn    *websocket.Conn
	tokens  map[string]tokenRef     // token ID -> market + outcome
	pairs   map[string]tokenPair    // market ID -> token IDs
	markets map[string]*marketState // market ID -> joined ladders

	resyncCh chan string

	connected  atomic.Bool
	reconnects atomic.Int64
	lastEvent  atomic.Int64 // unix nanos
}

type tokenRef struct {
	marketID string
	outcome  domain.Outcome
}

type tokenPair struct {
	yes, no string
}

// marketState joins the two token books. A market emits nothing until
// both tokens have delivered a fresh book image in the current
// session; price changes arriving before that are dropped because they
// would patch ladders the sink has not seen.
type marketState struct {
	seq              uint64
	haveYes, haveNo  bool
	yesBids, yesAsks map[domain.Micros]int64
	noBids, noAsks   map[domain.Micros]int64
}

// NewFeed creates the market-data feed.
func NewFeed(cfg FeedConfig) *Feed {
	url := cfg.URL
	if url == "" {
		url = DefaultWSURL
	}
	onState := cfg.OnStateChange
	if onState == nil {
		onState = func(bool) {}
	}
	f := &Feed{
		url:      url,
		rest:     cfg.REST,
		sink:     cfg.Sink,
		logger:   cfg.Logger.With(slog.String("component", "polymarket_feed")),
		onState:  onState,
		tokens:   make(map[string]tokenRef),
		pairs:    make(map[string]tokenPair),
		markets:  make(map[string]*marketState),
		resyncCh: make(chan string, 64),
	}
	for _, m := range cfg.Markets {
		f.trackLocked(m)
	}
	return f
}

// Run connects and pumps the stream until ctx is cancelled, redialing
// with exponential backoff after every disconnect.
func (f *Feed) Run(ctx context.Context) error {
	f.logger.Info("feed starting", slog.String("url", f.url))
	defer f.logger.Info("feed stopped")

	delay := reconnectDelay
	for {
		productive, err := f.session(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		f.reconnects.Add(1)
		if productive {
			delay = reconnectDelay
		}
		f.logger.Warn("feed disconnected",
			slog.String("error", err.Error()),
			slog.Duration("retry_in", delay),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// Subscribe adds markets to the feed. Known markets are ignored. When
// connected the subscription extends immediately; otherwise it takes
// effect on the next session.
func (f *Feed) Subscribe(markets ...domain.Market) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var fresh []string
	for _, m := range markets {
		if _, ok := f.pairs[m.ID]; ok {
			continue
		}
		f.trackLocked(m)
		if pair, ok := f.pairs[m.ID]; ok {
			fresh = append(fresh, pair.yes, pair.no)
		}
	}
	if len(fresh) == 0 || f.conn == nil {
		return nil
	}
	return f.sendLocked(wsSubscribe{Assets: fresh, Type: "market"})
}

// RequestResync asks for a fresh snapshot of one market. Called from
// the engine goroutine via the normalizer's resync hook, so it must
// never block.
func (f *Feed) RequestResync(marketID string) {
	select {
	case f.resyncCh <- marketID:
	default:
		f.logger.Error("resync queue full, dropping request",
			slog.String("market", marketID),
		)
	}
}

// Connected reports whether a session is live.
func (f *Feed) Connected() bool { return f.connected.Load() }

// Reconnects counts sessions that ended in reconnection.
func (f *Feed) Reconnects() int64 { return f.reconnects.Load() }

// LastEventAt returns the arrival time of the most recent venue frame.
func (f *Feed) LastEventAt() time.Time {
	ns := f.lastEvent.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// trackLocked registers a market's tokens. Markets without both token
// IDs cannot be joined into a four-ladder book and are skipped.
func (f *Feed) trackLocked(m domain.Market) {
	if m.YesTokenID == "" || m.NoTokenID == "" {
		f.logger.Warn("market missing token ids, not tracked", slog.String("market", m.ID))
		return
	}
	f.pairs[m.ID] = tokenPair{yes: m.YesTokenID, no: m.NoTokenID}
	f.tokens[m.YesTokenID] = tokenRef{marketID: m.ID, outcome: domain.OutcomeYes}
	f.tokens[m.NoTokenID] = tokenRef{marketID: m.ID, outcome: domain.OutcomeNo}
}

// --------------------------------------------------------------------------
// Session
// --------------------------------------------------------------------------

// session runs one connection: dial, subscribe, pump frames until the
// connection or the context dies. It reports whether any frame was
// handled, which resets the reconnect backoff.
func (f *Feed) session(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, _, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return false, fmt.Errorf("polymarket/ws: connect: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	f.mu.Lock()
	f.conn = conn
	// Books from the previous session are stale until both tokens
	// re-deliver; hold emissions per market until then.
	for _, st := range f.markets {
		st.haveYes, st.haveNo = false, false
	}
	assets := f.assetListLocked()
	f.mu.Unlock()

	if len(assets) > 0 {
		if err := f.send(wsSubscribe{Assets: assets, Type: "market"}); err != nil {
			return false, fmt.Errorf("polymarket/ws: subscribe: %w", err)
		}
	}

	f.connected.Store(true)
	f.onState(true)
	defer func() {
		f.connected.Store(false)
		f.onState(false)
		f.mu.Lock()
		f.conn = nil
		f.mu.Unlock()
	}()

	msgs := make(chan []byte, 256)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				close(msgs)
				return
			}
			select {
			case msgs <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	pingDone := make(chan struct{})
	defer close(pingDone)
	go pingLoop(conn, pingDone)

	productive := false
	for {
		select {
		case <-ctx.Done():
			return productive, ctx.Err()
		case data, ok := <-msgs:
			if !ok {
				return productive, fmt.Errorf("polymarket/ws: read: %w", <-readErr)
			}
			f.handle(ctx, data)
			productive = true
		case marketID := <-f.resyncCh:
			f.restSnapshot(ctx, marketID)
		}
	}
}

func pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// handle routes one venue frame. Frames arrive either as single
// objects or as arrays of objects.
func (f *Feed) handle(ctx context.Context, data []byte) {
	f.lastEvent.Store(time.Now().UnixNano())

	if len(data) > 0 && data[0] == '[' {
		var batch []json.RawMessage
		if err := json.Unmarshal(data, &batch); err != nil {
			f.logger.Debug("unparseable frame dropped", slog.String("error", err.Error()))
			return
		}
		for _, raw := range batch {
			f.handleOne(ctx, raw)
		}
		return
	}
	f.handleOne(ctx, data)
}

func (f *Feed) handleOne(ctx context.Context, data []byte) {
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		f.logger.Debug("unparseable frame dropped", slog.String("error", err.Error()))
		return
	}
	switch env.EventType {
	case "book":
		f.handleBook(ctx, data)
	case "price_change":
		f.handlePriceChange(ctx, data)
	case "last_trade_price", "tick_size_change":
		// Neither affects the resting ladders.
	default:
		f.logger.Debug("unhandled event type", slog.String("event_type", env.EventType))
	}
}

// handleBook folds one token's full image into the joined book and
// emits a snapshot once both tokens have reported.
func (f *Feed) handleBook(ctx context.Context, data []byte) {
	var msg wsBook
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Warn("bad book frame", slog.String("error", err.Error()))
		return
	}

	f.mu.Lock()
	ref, ok := f.tokens[msg.AssetID]
	if !ok {
		f.mu.Unlock()
		f.logger.Debug("book for untracked token", slog.String("token", msg.AssetID))
		return
	}
	st := f.stateLocked(ref.marketID)
	if ref.outcome == domain.OutcomeYes {
		st.yesBids = mirrorOf(msg.Bids)
		st.yesAsks = mirrorOf(msg.Asks)
		st.haveYes = true
	} else {
		st.noBids = mirrorOf(msg.Bids)
		st.noAsks = mirrorOf(msg.Asks)
		st.haveNo = true
	}
	snap, ready := snapshotLocked(ref.marketID, st)
	f.mu.Unlock()

	if !ready {
		return
	}
	if err := f.sink.HandleSnapshot(ctx, snap); err != nil {
		f.logger.Warn("snapshot handoff failed",
			slog.String("market", ref.marketID),
			slog.String("error", err.Error()),
		)
	}
}

// handlePriceChange applies absolute level revisions and emits one
// delta per revised level.
func (f *Feed) handlePriceChange(ctx context.Context, data []byte) {
	var msg wsPriceChange
	if err := json.Unmarshal(data, &msg); err != nil {
		f.logger.Warn("bad price change frame", slog.String("error", err.Error()))
		return
	}
	changes := msg.Changes
	if len(changes) == 0 && msg.Price != "" {
		changes = []wsLevelChange{{Price: msg.Price, Side: msg.Side, Size: msg.Size}}
	}

	f.mu.Lock()
	ref, ok := f.tokens[msg.AssetID]
	if !ok {
		f.mu.Unlock()
		return
	}
	st := f.stateLocked(ref.marketID)
	if !st.haveYes || !st.haveNo {
		// Patching a book the sink has not seen yet.
		f.mu.Unlock()
		return
	}

	deltas := make([]domain.BookDelta, 0, len(changes))
	now := time.Now()
	for _, ch := range changes {
		price, err := microsFromDecimal(ch.Price)
		if err != nil || price <= 0 {
			continue
		}
		side, ok := bookSideFor(ref.outcome, ch.Side)
		if !ok {
			f.logger.Warn("price change for unknown side", slog.String("side", ch.Side))
			continue
		}
		qty := qtyFromSize(ch.Size)
		st.apply(side, price, qty)
		st.seq++
		deltas = append(deltas, domain.BookDelta{
			Venue:     domain.VenuePolymarket,
			MarketID:  ref.marketID,
			Seq:       st.seq,
			Side:      side,
			Price:     price,
			Qty:       qty,
			Timestamp: now,
		})
	}
	f.mu.Unlock()

	for _, d := range deltas {
		if err := f.sink.HandleDelta(ctx, d); err != nil {
			f.logger.Warn("delta handoff failed",
				slog.String("market", ref.marketID),
				slog.String("error", err.Error()),
			)
		}
	}
}

// restSnapshot rebuilds one market from REST books, for markets the
// stream has desynced or starved.
func (f *Feed) restSnapshot(ctx context.Context, marketID string) {
	if f.rest == nil {
		return
	}
	f.mu.Lock()
	pair, ok := f.pairs[marketID]
	f.mu.Unlock()
	if !ok {
		return
	}

	yesBook, err := f.rest.GetBook(ctx, pair.yes)
	if err != nil {
		f.logger.Warn("rest resnapshot failed",
			slog.String("market", marketID),
			slog.String("error", err.Error()),
		)
		return
	}
	noBook, err := f.rest.GetBook(ctx, pair.no)
	if err != nil {
		f.logger.Warn("rest resnapshot failed",
			slog.String("market", marketID),
			slog.String("error", err.Error()),
		)
		return
	}

	f.mu.Lock()
	st := f.stateLocked(marketID)
	st.yesBids = mirrorOf(yesBook.Bids)
	st.yesAsks = mirrorOf(yesBook.Asks)
	st.noBids = mirrorOf(noBook.Bids)
	st.noAsks = mirrorOf(noBook.Asks)
	st.haveYes, st.haveNo = true, true
	snap, _ := snapshotLocked(marketID, st)
	f.mu.Unlock()

	if err := f.sink.HandleSnapshot(ctx, snap); err != nil {
		f.logger.Warn("snapshot handoff failed",
			slog.String("market", marketID),
			slog.String("error", err.Error()),
		)
	}
}

// --------------------------------------------------------------------------
// Connection plumbing
// --------------------------------------------------------------------------

func (f *Feed) send(cmd wsSubscribe) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendLocked(cmd)
}

func (f *Feed) sendLocked(cmd wsSubscribe) error {
	if f.conn == nil {
		return errors.New("polymarket/ws: not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return f.conn.WriteJSON(cmd)
}

func (f *Feed) assetListLocked() []string {
	out := make([]string, 0, len(f.tokens))
	for t := range f.tokens {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (f *Feed) stateLocked(marketID string) *marketState {
	st, ok := f.markets[marketID]
	if !ok {
		st = &marketState{
			yesBids: make(map[domain.Micros]int64),
			yesAsks: make(map[domain.Micros]int64),
			noBids:  make(map[domain.Micros]int64),
			noAsks:  make(map[domain.Micros]int64),
		}
		f.markets[marketID] = st
	}
	return st
}

// snapshotLocked builds the four-ladder snapshot and advances the
// market sequence. ready is false until both tokens have reported.
func snapshotLocked(marketID string, st *marketState) (domain.BookSnapshot, bool) {
	if !st.haveYes || !st.haveNo {
		return domain.BookSnapshot{}, false
	}
	st.seq++
	return domain.BookSnapshot{
		Venue:     domain.VenuePolymarket,
		MarketID:  marketID,
		Seq:       st.seq,
		YesBids:   ladderOf(st.yesBids),
		YesAsks:   ladderOf(st.yesAsks),
		NoBids:    ladderOf(st.noBids),
		NoAsks:    ladderOf(st.noAsks),
		Timestamp: time.Now(),
	}, true
}

// apply sets the absolute resting quantity at a price.
func (st *marketState) apply(side domain.BookSide, price domain.Micros, qty int64) {
	var m map[domain.Micros]int64
	switch side {
	case domain.SideYesBid:
		m = st.yesBids
	case domain.SideYesAsk:
		m = st.yesAsks
	case domain.SideNoBid:
		m = st.noBids
	case domain.SideNoAsk:
		m = st.noAsks
	default:
		return
	}
	if qty <= 0 {
		delete(m, price)
		return
	}
	m[price] = qty
}

// bookSideFor maps a token outcome and venue order side onto the
// unified ladder: bids on a token are bids on its outcome.
func bookSideFor(outcome domain.Outcome, side string) (domain.BookSide, bool) {
	buy := side == "BUY" || side == "buy"
	sell := side == "SELL" || side == "sell"
	if !buy && !sell {
		return "", false
	}
	if outcome == domain.OutcomeYes {
		if buy {
			return domain.SideYesBid, true
		}
		return domain.SideYesAsk, true
	}
	if buy {
		return domain.SideNoBid, true
	}
	return domain.SideNoAsk, true
}

func mirrorOf(levels []RestLevel) map[domain.Micros]int64 {
	m := make(map[domain.Micros]int64, len(levels))
	for _, l := range levels {
		price, err := microsFromDecimal(l.Price)
		if err != nil || price <= 0 {
			continue
		}
		if qty := qtyFromSize(l.Size); qty > 0 {
			m[price] = qty
		}
	}
	return m
}

func ladderOf(m map[domain.Micros]int64) []domain.BookLevel {
	out := make([]domain.BookLevel, 0, len(m))
	for price, qty := range m {
		out = append(out, domain.BookLevel{Price: price, Qty: qty})
	}
	return out
}

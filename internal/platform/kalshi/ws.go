package kalshi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/neutralmarkets/spreadbot/internal/crypto"
	"github.com/neutralmarkets/spreadbot/internal/domain"
)

const (
	// writeWait is the time allowed to write a frame to the venue.
	writeWait = 10 * time.Second

	// pongWait is the time allowed between pongs before the
	// connection is considered dead.
	pongWait = 30 * time.Second

	// pingPeriod sends pings at this interval. Must be less than
	// pongWait.
	pingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base backoff after a disconnect; doubles
	// up to maxReconnectDelay. Reconnection never gives up.
	reconnectDelay    = 2 * time.Second
	maxReconnectDelay = 60 * time.Second

	// resyncWait is how long a resubscribed market may stay silent
	// before the feed falls back to a REST snapshot.
	resyncWait     = 3 * time.Second
	resyncAttempts = 3

	// bookDepth bounds REST fallback snapshots. Detection needs the
	// top of the book plus a little ladder behind it.
	bookDepth = 32
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
	URL     string // ws endpoint; empty selects the demo exchange
	Path    string // path signed into the auth message
	Signer  *crypto.KalshiSigner
	REST    *Client // snapshot source for resync fallback
	Sink    BookSink
	Tickers []string
	Logger  *slog.Logger

	// OnStateChange observes connection state for venue liveness.
	OnStateChange func(connected bool)
}

// Feed maintains the authenticated orderbook stream. Venue frames
// carry bid-ladder data keyed by (sid, seq); the feed rebases those
// onto one monotone sequence per market and converts signed quantity
// changes into absolute resting quantities before handing events to
// the sink.
type Feed struct {
	url     string
	path    string
	signer  *crypto.KalshiSigner
	rest    *Client
	sink    BookSink
	logger  *slog.Logger
	onState func(bool)

	mu      sync.Mutex
	conn    *websocket.Conn
	tickers map[string]struct{}
	cmdID   int64
	markets map[string]*marketState

	resyncCh chan string

	connected  atomic.Bool
	reconnects atomic.Int64
	lastEvent  atomic.Int64 // unix nanos
}

// marketState bridges venue sequence numbering onto the monotone
// stream the normalizer requires, and mirrors the bid ladders so
// signed quantity deltas become absolute resting quantities.
type marketState struct {
	sid      int64
	base     uint64 // emitted seq = base + venue seq
	lastEmit uint64
	lastSnap time.Time
	yes, no  map[int64]int64 // price cents -> resting qty
}

// NewFeed creates the orderbook feed.
func NewFeed(cfg FeedConfig) *Feed {
	url := cfg.URL
	if url == "" {
		url = DemoWSURL
	}
	path := cfg.Path
	if path == "" {
		path = DefaultWSPath
	}
	onState := cfg.OnStateChange
	if onState == nil {
		onState = func(bool) {}
	}
	f := &Feed{
		url:      url,
		path:     path,
		signer:   cfg.Signer,
		rest:     cfg.REST,
		sink:     cfg.Sink,
		logger:   cfg.Logger.With(slog.String("component", "kalshi_feed")),
		onState:  onState,
		tickers:  make(map[string]struct{}),
		markets:  make(map[string]*marketState),
		resyncCh: make(chan string, 64),
	}
	for _, t := range cfg.Tickers {
		f.tickers[t] = struct{}{}
	}
	return f
}

// Run connects and pumps the stream until ctx is cancelled, redialing
// with exponential backoff after every disconnect. A credential
// rejection is fatal: the feed halts and the error surfaces to the
// supervisor.
func (f *Feed) Run(ctx context.Context) error {
	f.logger.Info("feed starting", slog.String("url", f.url))
	defer f.logger.Info("feed stopped")

	delay := reconnectDelay
	for {
		productive, err := f.session(ctx)
		if errors.Is(err, domain.ErrVenueAuth) {
			f.logger.Error("venue rejected credentials, feed halted",
				slog.String("error", err.Error()),
			)
			return err
		}
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

// Subscribe adds tickers to the feed. Known tickers are ignored. When
// connected the subscription extends immediately; otherwise it takes
// effect on the next session.
func (f *Feed) Subscribe(tickers ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var fresh []string
	for _, t := range tickers {
		if _, ok := f.tickers[t]; !ok {
			f.tickers[t] = struct{}{}
			fresh = append(fresh, t)
		}
	}
	if len(fresh) == 0 || f.conn == nil {
		return nil
	}
	return f.sendLocked(f.subscribeCmdLocked(fresh))
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

// --------------------------------------------------------------------------
// Session
// --------------------------------------------------------------------------

// session runs one connection: dial, authenticate, subscribe, pump
// frames until the connection or the context dies. It reports whether
// any frame was handled, which resets the reconnect backoff.
func (f *Feed) session(ctx context.Context) (bool, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 15 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return false, fmt.Errorf("kalshi/ws: handshake: %w", domain.ErrVenueAuth)
		}
		return false, fmt.Errorf("kalshi/ws: connect: %w", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	f.mu.Lock()
	f.conn = conn
	f.cmdID++
	authID := f.cmdID
	f.mu.Unlock()

	params, err := f.signer.WSAuthParams(time.Now().UnixMilli(), f.path)
	if err != nil {
		return false, fmt.Errorf("kalshi/ws: auth params: %w", err)
	}
	if err := f.send(wsCommand{ID: authID, Cmd: "auth", Params: params}); err != nil {
		return false, fmt.Errorf("kalshi/ws: send auth: %w", err)
	}
	if err := f.resubscribeAll(); err != nil {
		return false, fmt.Errorf("kalshi/ws: subscribe: %w", err)
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
				return productive, fmt.Errorf("kalshi/ws: read: %w", <-readErr)
			}
			if err := f.handle(ctx, authID, data); err != nil {
				return productive, err
			}
			productive = true
		case ticker := <-f.resyncCh:
			if err := f.resubscribe(ticker); err != nil {
				f.logger.Warn("resubscribe failed",
					slog.String("market", ticker),
					slog.String("error", err.Error()),
				)
			}
			go f.restFallback(ctx, ticker, time.Now())
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

// handle routes one venue frame. A non-nil error ends the session; an
// auth rejection wraps ErrVenueAuth and halts the feed for good.
func (f *Feed) handle(ctx context.Context, authID int64, data []byte) error {
	var env wsEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		f.logger.Debug("unparseable frame dropped", slog.String("error", err.Error()))
		return nil
	}
	f.lastEvent.Store(time.Now().UnixNano())

	switch env.Type {
	case "orderbook_snapshot":
		f.handleSnapshot(ctx, env)
	case "orderbook_delta":
		f.handleDelta(ctx, env)
	case "subscribed":
		f.logger.Debug("subscription confirmed", slog.Int64("sid", env.SID))
	case "error":
		var e wsError
		_ = json.Unmarshal(env.Msg, &e)
		if env.ID == authID || e.Code == "unauthorized" {
			return fmt.Errorf("kalshi/ws: %w: %s (%s)", domain.ErrVenueAuth, e.Msg, e.Code)
		}
		f.logger.Warn("venue error frame",
			slog.String("code", e.Code),
			slog.String("msg", e.Msg),
		)
	}
	return nil
}

func (f *Feed) handleSnapshot(ctx context.Context, env wsEnvelope) {
	var msg wsBookSnapshot
	if err := json.Unmarshal(env.Msg, &msg); err != nil {
		f.logger.Warn("bad snapshot frame", slog.String("error", err.Error()))
		return
	}

	f.mu.Lock()
	st := f.stateLocked(msg.Ticker)
	seq := st.bridge(env.SID, env.Seq)
	st.yes = mirrorOf(msg.Yes)
	st.no = mirrorOf(msg.No)
	if !msg.IsProvisional {
		st.lastSnap = time.Now()
	}
	f.mu.Unlock()

	if msg.IsProvisional {
		// Held back: the venue reissues the book once it goes firm.
		f.logger.Debug("provisional snapshot held", slog.String("market", msg.Ticker))
		return
	}

	snap := domain.BookSnapshot{
		Venue:     domain.VenueKalshi,
		MarketID:  msg.Ticker,
		Seq:       seq,
		YesBids:   Levels(msg.Yes),
		NoBids:    Levels(msg.No),
		Timestamp: time.Now(),
	}
	if err := f.sink.HandleSnapshot(ctx, snap); err != nil {
		f.logger.Warn("snapshot handoff failed",
			slog.String("market", msg.Ticker),
			slog.String("error", err.Error()),
		)
	}
}

func (f *Feed) handleDelta(ctx context.Context, env wsEnvelope) {
	var msg wsBookDelta
	if err := json.Unmarshal(env.Msg, &msg); err != nil {
		f.logger.Warn("bad delta frame", slog.String("error", err.Error()))
		return
	}

	var side domain.BookSide
	switch msg.Side {
	case "yes":
		side = domain.SideYesBid
	case "no":
		side = domain.SideNoBid
	default:
		f.logger.Warn("delta for unknown side", slog.String("side", msg.Side))
		return
	}

	f.mu.Lock()
	st := f.stateLocked(msg.Ticker)
	seq := st.bridge(env.SID, env.Seq)
	qty := st.apply(msg.Side, msg.Price, msg.Delta)
	f.mu.Unlock()

	delta := domain.BookDelta{
		Venue:     domain.VenueKalshi,
		MarketID:  msg.Ticker,
		Seq:       seq,
		Side:      side,
		Price:     domain.MicrosFromCents(msg.Price),
		Qty:       qty,
		Timestamp: time.Now(),
	}
	if err := f.sink.HandleDelta(ctx, delta); err != nil {
		f.logger.Warn("delta handoff failed",
			slog.String("market", msg.Ticker),
			slog.String("error", err.Error()),
		)
	}
}

// restFallback recovers a market whose resubscription produced no
// fresh snapshot. The REST book is stamped at the last emitted
// sequence number: the desynced book accepts it, and the venue stream
// continues from the same point.
func (f *Feed) restFallback(ctx context.Context, ticker string, since time.Time) {
	if f.rest == nil {
		return
	}
	for attempt := 1; attempt <= resyncAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(resyncWait):
		}

		f.mu.Lock()
		snapped := f.stateLocked(ticker).lastSnap.After(since)
		f.mu.Unlock()
		if snapped {
			return
		}

		book, err := f.rest.GetOrderbook(ctx, ticker, bookDepth)
		if err != nil {
			f.logger.Warn("rest resnapshot failed",
				slog.String("market", ticker),
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()),
			)
			continue
		}
		if book.IsProvisional {
			f.logger.Debug("rest book still provisional", slog.String("market", ticker))
			continue
		}

		f.mu.Lock()
		st := f.stateLocked(ticker)
		st.yes = mirrorOf(book.YesBids)
		st.no = mirrorOf(book.NoBids)
		st.lastSnap = time.Now()
		seq := st.lastEmit
		f.mu.Unlock()

		snap := domain.BookSnapshot{
			Venue:     domain.VenueKalshi,
			MarketID:  ticker,
			Seq:       seq,
			YesBids:   Levels(book.YesBids),
			NoBids:    Levels(book.NoBids),
			Timestamp: time.Now(),
		}
		if err := f.sink.HandleSnapshot(ctx, snap); err != nil {
			f.logger.Warn("snapshot handoff failed",
				slog.String("market", ticker),
				slog.String("error", err.Error()),
			)
		}
		return
	}
	f.logger.Error("market stuck desynced after rest fallback",
		slog.String("market", ticker),
	)
}

// --------------------------------------------------------------------------
// Connection plumbing
// --------------------------------------------------------------------------

func (f *Feed) send(cmd wsCommand) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sendLocked(cmd)
}

func (f *Feed) sendLocked(cmd wsCommand) error {
	if f.conn == nil {
		return fmt.Errorf("kalshi/ws: not connected")
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return f.conn.WriteJSON(cmd)
}

func (f *Feed) resubscribeAll() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.tickers) == 0 {
		return nil
	}
	return f.sendLocked(f.subscribeCmdLocked(f.tickerListLocked()))
}

// resubscribe cycles one market's subscription, prompting the venue to
// reissue a full snapshot with aligned sequence numbers.
func (f *Feed) resubscribe(ticker string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conn == nil {
		return fmt.Errorf("kalshi/ws: not connected")
	}
	f.cmdID++
	unsub := wsCommand{
		ID:  f.cmdID,
		Cmd: "unsubscribe",
		Params: wsSubscribeParams{
			Channels: []string{"orderbook_delta"},
			Tickers:  []string{ticker},
		},
	}
	if err := f.sendLocked(unsub); err != nil {
		return err
	}
	return f.sendLocked(f.subscribeCmdLocked([]string{ticker}))
}

func (f *Feed) subscribeCmdLocked(tickers []string) wsCommand {
	f.cmdID++
	return wsCommand{
		ID:  f.cmdID,
		Cmd: "subscribe",
		Params: wsSubscribeParams{
			Channels: []string{"orderbook_delta"},
			Tickers:  tickers,
		},
	}
}

func (f *Feed) tickerListLocked() []string {
	out := make([]string, 0, len(f.tickers))
	for t := range f.tickers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func (f *Feed) stateLocked(ticker string) *marketState {
	st, ok := f.markets[ticker]
	if !ok {
		st = &marketState{
			yes: make(map[int64]int64),
			no:  make(map[int64]int64),
		}
		f.markets[ticker] = st
	}
	return st
}

// bridge maps a venue (sid, seq) pair onto the feed's monotone stream.
// A new sid restarts venue numbering, so emitted sequence numbers
// continue from the highest already handed out.
func (st *marketState) bridge(sid int64, seq uint64) uint64 {
	if st.sid != sid {
		st.sid = sid
		st.base = st.lastEmit
	}
	emitted := st.base + seq
	if emitted > st.lastEmit {
		st.lastEmit = emitted
	}
	return emitted
}

// apply folds a signed quantity change into the bid mirror and returns
// the new resting quantity at the price.
func (st *marketState) apply(side string, priceCents, change int64) int64 {
	m := st.yes
	if side == "no" {
		m = st.no
	}
	q := m[priceCents] + change
	if q <= 0 {
		delete(m, priceCents)
		return 0
	}
	m[priceCents] = q
	return q
}

func mirrorOf(levels []PriceLevel) map[int64]int64 {
	m := make(map[int64]int64, len(levels))
	for _, l := range levels {
		if l.Qty() > 0 {
			m[l.PriceCents()] = l.Qty()
		}
	}
	return m
}

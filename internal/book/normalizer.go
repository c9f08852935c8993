package book

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

// ResyncFunc asks a venue adapter to fetch a fresh snapshot for a
// market whose incremental stream can no longer be trusted.
type ResyncFunc func(key domain.MarketKey)

// Stats counts normalizer outcomes. Read from other goroutines by the
// status endpoint, so the fields are atomics.
type Stats struct {
	Published  atomic.Int64
	Duplicates atomic.Int64
	SeqGaps    atomic.Int64
	Crossed    atomic.Int64
	Dropped    atomic.Int64
}

// Normalizer folds venue snapshots and deltas into unified books and
// publishes an immutable copy after every consistent update. It is
// owned by the single engine goroutine and is not safe for concurrent
// use; concurrent readers go through the book cache instead.
type Normalizer struct {
	logger *slog.Logger
	tick   domain.Micros
	resync ResyncFunc
	books  map[domain.MarketKey]*bookState
	stats  Stats
}

type bookState struct {
	book      *domain.OrderBook
	synthetic bool // asks derived from opposing bids (Kalshi)
	desynced  bool
}

// Config configures a Normalizer.
type Config struct {
	Logger *slog.Logger
	Tick   domain.Micros // minimum price increment for the crossed check
	Resync ResyncFunc
}

// New creates a Normalizer.
func New(cfg Config) *Normalizer {
	tick := cfg.Tick
	if tick <= 0 {
		tick = domain.Cent
	}
	resync := cfg.Resync
	if resync == nil {
		resync = func(domain.MarketKey) {}
	}
	return &Normalizer{
		logger: cfg.Logger.With(slog.String("component", "normalizer")),
		tick:   tick,
		resync: resync,
		books:  make(map[domain.MarketKey]*bookState),
	}
}

// ApplySnapshot replaces a market's book wholesale. A snapshot clears
// any desync and ends the provisional phase. Snapshots older than the
// current book are ignored.
func (n *Normalizer) ApplySnapshot(snap domain.BookSnapshot) (*domain.OrderBook, error) {
	key := domain.MarketKey{Venue: snap.Venue, MarketID: snap.MarketID}
	st := n.state(key)
	if !st.desynced && !st.book.Provisional && snap.Seq <= st.book.LastSeq {
		n.stats.Duplicates.Add(1)
		return nil, nil
	}

	st.book.YesBids = sortLadder(snap.YesBids, true)
	st.book.NoBids = sortLadder(snap.NoBids, true)
	if st.synthetic {
		rebuildSyntheticAsks(st.book)
	} else {
		st.book.YesAsks = sortLadder(snap.YesAsks, false)
		st.book.NoAsks = sortLadder(snap.NoAsks, false)
	}
	st.book.LastSeq = snap.Seq
	st.book.UpdatedAt = snap.Timestamp
	st.book.Provisional = false
	st.desynced = false

	return n.publish(st, key)
}

// ApplyDelta applies one incremental level change. Duplicates are
// dropped, sequence gaps flag the book desynced and request a
// resnapshot, and changes to a provisional book are held back.
func (n *Normalizer) ApplyDelta(d domain.BookDelta) (*domain.OrderBook, error) {
	key := domain.MarketKey{Venue: d.Venue, MarketID: d.MarketID}
	st := n.state(key)

	if st.book.Provisional {
		n.stats.Dropped.Add(1)
		n.requestResync(st, key, "delta before first snapshot")
		return nil, nil
	}
	if st.desynced {
		n.stats.Dropped.Add(1)
		return nil, nil
	}
	if d.Seq <= st.book.LastSeq {
		n.stats.Duplicates.Add(1)
		return nil, nil
	}
	if d.Seq != st.book.LastSeq+1 {
		n.stats.SeqGaps.Add(1)
		n.requestResync(st, key, "sequence gap")
		n.logger.Warn("book sequence gap",
			slog.String("market", key.String()),
			slog.Uint64("have", st.book.LastSeq),
			slog.Uint64("got", d.Seq),
		)
		return nil, fmt.Errorf("book: %s: %w: have seq %d got %d", key, domain.ErrBookDesynced, st.book.LastSeq, d.Seq)
	}

	if st.synthetic && !isBidSide(d.Side) {
		// Synthetic books carry no native ask stream. Count the seq so
		// the stream stays contiguous, but ignore the payload.
		st.book.LastSeq = d.Seq
		n.stats.Dropped.Add(1)
		return nil, nil
	}

	switch d.Side {
	case domain.SideYesBid:
		st.book.YesBids = applyLevel(st.book.YesBids, d.Price, d.Qty, true)
	case domain.SideNoBid:
		st.book.NoBids = applyLevel(st.book.NoBids, d.Price, d.Qty, true)
	case domain.SideYesAsk:
		st.book.YesAsks = applyLevel(st.book.YesAsks, d.Price, d.Qty, false)
	case domain.SideNoAsk:
		st.book.NoAsks = applyLevel(st.book.NoAsks, d.Price, d.Qty, false)
	default:
		return nil, fmt.Errorf("book: unknown side %q", d.Side)
	}
	if st.synthetic {
		rebuildSyntheticAsks(st.book)
	}
	st.book.LastSeq = d.Seq
	st.book.UpdatedAt = d.Timestamp

	return n.publish(st, key)
}

// Book returns an immutable copy of the current published book.
func (n *Normalizer) Book(key domain.MarketKey) (*domain.OrderBook, bool) {
	st, ok := n.books[key]
	if !ok || st.book.Provisional || st.desynced {
		return nil, false
	}
	return st.book.Clone(), true
}

// Drop forgets a market, e.g. after it closes.
func (n *Normalizer) Drop(key domain.MarketKey) {
	delete(n.books, key)
}

// TrackedBooks returns the number of live books.
func (n *Normalizer) TrackedBooks() int {
	return len(n.books)
}

// Stats exposes the normalizer counters.
func (n *Normalizer) Stats() *Stats {
	return &n.stats
}

func (n *Normalizer) state(key domain.MarketKey) *bookState {
	st, ok := n.books[key]
	if !ok {
		st = &bookState{
			book: &domain.OrderBook{
				Venue:       key.Venue,
				MarketID:    key.MarketID,
				Provisional: true,
			},
			synthetic: key.Venue == domain.VenueKalshi,
		}
		n.books[key] = st
	}
	return st
}

// publish validates the mutated book and hands out an immutable copy.
// A crossed book is malformed venue data: the update never reaches
// consumers and the book stays dark until a fresh snapshot lands.
func (n *Normalizer) publish(st *bookState, key domain.MarketKey) (*domain.OrderBook, error) {
	if err := st.book.CheckCrossed(n.tick); err != nil {
		n.stats.Crossed.Add(1)
		n.requestResync(st, key, "crossed book")
		n.logger.Warn("crossed book dropped",
			slog.String("market", key.String()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	n.stats.Published.Add(1)
	return st.book.Clone(), nil
}

func (n *Normalizer) requestResync(st *bookState, key domain.MarketKey, reason string) {
	if st.desynced {
		return
	}
	st.desynced = true
	n.logger.Info("requesting resnapshot",
		slog.String("market", key.String()),
		slog.String("reason", reason),
	)
	n.resync(key)
}

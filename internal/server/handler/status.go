package handler

import (
	"net/http"

	"github.com/neutralmarkets/spreadbot/internal/book"
	"github.com/neutralmarkets/spreadbot/internal/domain"
	"github.com/neutralmarkets/spreadbot/internal/feed"
	"github.com/neutralmarkets/spreadbot/internal/risk"
)

// EngineStats is the detection-side view the status endpoints need.
type EngineStats interface {
	Counts() (detected, approved int64)
	TrackedBooks() int
	BookStats() *book.Stats
	Draining() bool
}

// ExecutorStats is the execution-side view.
type ExecutorStats interface {
	InFlight() int
	Counts() (submitted, completed int64)
	Draining() bool
}

// FeedStatus reports per-venue stream health.
type FeedStatus interface {
	Snapshot() []feed.VenueStatus
}

// StatusHandler serves the operational snapshot and raw counters. Any
// of its sources may be nil depending on the run mode; missing pieces
// are simply omitted.
type StatusHandler struct {
	bot    func() domain.BotStatus
	feeds  FeedStatus
	ledger *risk.Ledger
	engine EngineStats
	exec   ExecutorStats
}

// NewStatusHandler creates a StatusHandler. bot composes the headline
// status and must not be nil.
func NewStatusHandler(bot func() domain.BotStatus, feeds FeedStatus, ledger *risk.Ledger, engine EngineStats, exec ExecutorStats) *StatusHandler {
	return &StatusHandler{bot: bot, feeds: feeds, ledger: ledger, engine: engine, exec: exec}
}

type balanceDTO struct {
	FreeUSD     float64 `json:"free_usd"`
	ReservedUSD float64 `json:"reserved_usd"`
}

type statusResponse struct {
	Mode            string                      `json:"mode"`
	LiveTrading     bool                        `json:"live_trading"`
	Draining        bool                        `json:"draining"`
	UptimeSeconds   int64                       `json:"uptime_seconds"`
	TrackedBooks    int                         `json:"tracked_books"`
	InflightArbs    int                         `json:"inflight_arbs"`
	SignalsDetected int64                       `json:"signals_detected"`
	SignalsApproved int64                       `json:"signals_approved"`
	Venues          []feed.VenueStatus          `json:"venues,omitempty"`
	Balances        map[domain.Venue]balanceDTO `json:"balances,omitempty"`
}

// Status returns the operational snapshot.
// GET /api/status
func (h *StatusHandler) Status(w http.ResponseWriter, r *http.Request) {
	bot := h.bot()
	resp := statusResponse{
		Mode:            bot.Mode,
		LiveTrading:     bot.LiveTrading,
		Draining:        bot.Draining,
		UptimeSeconds:   bot.UptimeSeconds,
		TrackedBooks:    bot.TrackedBooks,
		InflightArbs:    bot.InflightArbs,
		SignalsDetected: bot.SignalsDetected,
		SignalsApproved: bot.SignalsApproved,
	}
	if h.feeds != nil {
		resp.Venues = h.feeds.Snapshot()
	}
	if h.ledger != nil {
		snap := h.ledger.Snapshot()
		resp.Balances = make(map[domain.Venue]balanceDTO, len(snap))
		for venue, b := range snap {
			resp.Balances[venue] = balanceDTO{
				FreeUSD:     b.Free.Float(),
				ReservedUSD: b.Reserved.Float(),
			}
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// Metrics returns internal counters as a flat JSON object, one number
// per key.
// GET /api/metrics
func (h *StatusHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	m := make(map[string]int64, 16)

	if h.engine != nil {
		detected, approved := h.engine.Counts()
		m["signals_detected"] = detected
		m["signals_approved"] = approved
		m["books_tracked"] = int64(h.engine.TrackedBooks())
		if stats := h.engine.BookStats(); stats != nil {
			m["books_published"] = stats.Published.Load()
			m["books_duplicates"] = stats.Duplicates.Load()
			m["books_seq_gaps"] = stats.SeqGaps.Load()
			m["books_crossed"] = stats.Crossed.Load()
			m["books_dropped"] = stats.Dropped.Load()
		}
	}
	if h.exec != nil {
		submitted, completed := h.exec.Counts()
		m["arbs_submitted"] = submitted
		m["arbs_completed"] = completed
		m["arbs_in_flight"] = int64(h.exec.InFlight())
	}
	if h.feeds != nil {
		for _, vs := range h.feeds.Snapshot() {
			m["feed_reconnects_"+string(vs.Venue)] = vs.Reconnects
		}
	}
	writeJSON(w, http.StatusOK, m)
}

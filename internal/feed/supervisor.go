// Package feed supervises the venue market data streams. The venue
// adapters own their sockets and retry transient disconnects
// themselves; the supervisor's job is to keep the risk engine's venue
// liveness flags honest (stale data gates trading) and to take a
// venue out of rotation for good when its credentials are rejected.
package feed

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

// VenueFeed is one venue's market data stream. Run blocks until the
// context ends or the venue rejects credentials; transient failures
// are retried internally with backoff.
type VenueFeed interface {
	Run(ctx context.Context) error
	Connected() bool
	LastEventAt() time.Time
	Reconnects() int64
}

// LivenessSink receives venue up/down transitions. Implemented by the
// risk engine, whose first gate refuses signals touching a venue with
// stale data.
type LivenessSink interface {
	SetVenueLive(venue domain.Venue, up bool)
}

// Alerter raises operator alerts. A halted venue needs a human: the
// engine keeps trading the other venue but coverage is degraded.
type Alerter interface {
	Alert(ctx context.Context, title, detail string)
}

// VenueStatus is one venue's stream health, reported on /api/status.
type VenueStatus struct {
	Venue       domain.Venue `json:"venue"`
	Live        bool         `json:"live"`
	Halted      bool         `json:"halted"`
	Connected   bool         `json:"connected"`
	LastEventAt time.Time    `json:"last_event_at"`
	Reconnects  int64        `json:"reconnects"`
}

// Config bounds the supervisor.
type Config struct {
	// StalenessAfter is how long a venue may go without an event
	// before its books are considered stale and trading on it is
	// gated.
	StalenessAfter time.Duration

	// CheckInterval is how often liveness is re-evaluated.
	CheckInterval time.Duration

	Liveness LivenessSink
	Alerter  Alerter // optional
	Logger   *slog.Logger
}

const (
	defaultStalenessAfter = 10 * time.Second
	defaultCheckInterval  = time.Second
)

// Supervisor runs every registered venue feed and watches their event
// clocks.
type Supervisor struct {
	staleAfter time.Duration
	interval   time.Duration
	liveness   LivenessSink
	alerter    Alerter
	logger     *slog.Logger

	mu     sync.Mutex
	feeds  map[domain.Venue]VenueFeed
	live   map[domain.Venue]bool
	halted map[domain.Venue]bool
}

// NewSupervisor creates a supervisor. Feeds are attached with Register
// before Run.
func NewSupervisor(cfg Config) *Supervisor {
	if cfg.StalenessAfter <= 0 {
		cfg.StalenessAfter = defaultStalenessAfter
	}
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = defaultCheckInterval
	}
	return &Supervisor{
		staleAfter: cfg.StalenessAfter,
		interval:   cfg.CheckInterval,
		liveness:   cfg.Liveness,
		alerter:    cfg.Alerter,
		logger:     cfg.Logger.With(slog.String("component", "feed_supervisor")),
		feeds:      make(map[domain.Venue]VenueFeed),
		live:       make(map[domain.Venue]bool),
		halted:     make(map[domain.Venue]bool),
	}
}

// Register attaches a venue feed. Must be called before Run.
func (s *Supervisor) Register(venue domain.Venue, f VenueFeed) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.feeds[venue] = f
}

// Run drives every registered feed plus the staleness watchdog until
// the context ends. One venue halting does not stop the others.
func (s *Supervisor) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	s.mu.Lock()
	for venue, f := range s.feeds {
		venue, f := venue, f
		g.Go(func() error { return s.runFeed(ctx, venue, f) })
	}
	s.mu.Unlock()

	g.Go(func() error { return s.watch(ctx) })
	return g.Wait()
}

func (s *Supervisor) runFeed(ctx context.Context, venue domain.Venue, f VenueFeed) error {
	err := f.Run(ctx)
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return ctx.Err()
	}
	// The feed only returns with the context intact when the venue is
	// unusable (rejected credentials). Gate it and keep the rest of
	// the system trading.
	s.halt(ctx, venue, err)
	return nil
}

func (s *Supervisor) halt(ctx context.Context, venue domain.Venue, err error) {
	s.mu.Lock()
	s.halted[venue] = true
	s.live[venue] = false
	s.mu.Unlock()

	s.liveness.SetVenueLive(venue, false)
	s.logger.Error("venue feed halted",
		slog.String("venue", string(venue)),
		slog.String("error", err.Error()),
	)
	if s.alerter != nil {
		title := "venue feed halted"
		if errors.Is(err, domain.ErrVenueAuth) {
			title = "venue auth failure"
		}
		s.alerter.Alert(ctx, title,
			fmt.Sprintf("%s market data stopped: %v; detection continues on remaining venues", venue, err))
	}
}

func (s *Supervisor) watch(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.checkOnce(time.Now())
		}
	}
}

// checkOnce re-evaluates liveness for every venue that has not been
// halted. A venue is live when its socket is up and an event arrived
// within the staleness window.
func (s *Supervisor) checkOnce(now time.Time) {
	type flip struct {
		venue domain.Venue
		up    bool
	}
	var flips []flip

	s.mu.Lock()
	for venue, f := range s.feeds {
		if s.halted[venue] {
			continue
		}
		last := f.LastEventAt()
		up := f.Connected() && !last.IsZero() && now.Sub(last) <= s.staleAfter
		if up != s.live[venue] {
			s.live[venue] = up
			flips = append(flips, flip{venue, up})
		}
	}
	s.mu.Unlock()

	for _, fl := range flips {
		s.liveness.SetVenueLive(fl.venue, fl.up)
		if fl.up {
			s.logger.Info("venue data live", slog.String("venue", string(fl.venue)))
		} else {
			s.logger.Warn("venue data stale, trading gated",
				slog.String("venue", string(fl.venue)),
				slog.Duration("staleness_after", s.staleAfter),
			)
		}
	}
}

// Snapshot reports per-venue stream health, sorted by venue name.
func (s *Supervisor) Snapshot() []VenueStatus {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]VenueStatus, 0, len(s.feeds))
	for venue, f := range s.feeds {
		out = append(out, VenueStatus{
			Venue:       venue,
			Live:        s.live[venue],
			Halted:      s.halted[venue],
			Connected:   f.Connected(),
			LastEventAt: f.LastEventAt(),
			Reconnects:  f.Reconnects(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Venue < out[j].Venue })
	return out
}

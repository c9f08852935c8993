package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/neutralmarkets/spreadbot/internal/domain"
)

// MarketFetcher resolves current metadata for one venue market from
// venue REST. The Kalshi client and the Polymarket CLOB client each
// provide one.
type MarketFetcher interface {
	FetchMarket(ctx context.Context, marketID string) (domain.Market, error)
}

// RegistryConfig wires a Registry.
type RegistryConfig struct {
	// RefreshEvery is the interval between metadata refreshes. Zero
	// selects the default.
	RefreshEvery time.Duration

	Store  domain.MarketStore // optional write-through persistence
	Cache  domain.MarketCache // optional Redis mirror
	Logger *slog.Logger
}

const defaultRegistryRefresh = 5 * time.Minute

// Registry keeps the metadata for every tracked market hot in memory:
// tags, tick size, token IDs, condition IDs, close times. The engine
// loop and the order signers read it synchronously; venue REST is
// touched only at warmup and on the refresh interval. Successful
// fetches are written through to the store and mirrored to the cache
// so restarts and the control plane see the same picture.
type Registry struct {
	interval time.Duration
	store    domain.MarketStore
	cache    domain.MarketCache
	logger   *slog.Logger

	mu       sync.RWMutex
	fetchers map[domain.Venue]MarketFetcher
	byKey    map[domain.MarketKey]domain.Market
	byToken  map[string]domain.MarketKey
	keys     []domain.MarketKey
}

// NewRegistry creates an empty registry. Venue fetchers are attached
// with AddFetcher and markets with Track, both before Warm.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.RefreshEvery <= 0 {
		cfg.RefreshEvery = defaultRegistryRefresh
	}
	return &Registry{
		interval: cfg.RefreshEvery,
		store:    cfg.Store,
		cache:    cfg.Cache,
		logger:   cfg.Logger.With(slog.String("component", "market_registry")),
		fetchers: make(map[domain.Venue]MarketFetcher),
		byKey:    make(map[domain.MarketKey]domain.Market),
		byToken:  make(map[string]domain.MarketKey),
	}
}

// AddFetcher attaches the REST source for one venue.
func (r *Registry) AddFetcher(venue domain.Venue, f MarketFetcher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fetchers[venue] = f
}

// Track registers markets for metadata tracking. Duplicate keys are
// ignored.
func (r *Registry) Track(keys ...domain.MarketKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, key := range keys {
		if _, seen := r.byKey[key]; seen {
			continue
		}
		if containsKey(r.keys, key) {
			continue
		}
		r.keys = append(r.keys, key)
	}
}

func containsKey(keys []domain.MarketKey, key domain.MarketKey) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}

// Warm resolves every tracked market. Trading a market whose tick
// size, token IDs, or fee ceiling are unknown is unsafe, so a market
// that can be resolved neither from venue REST nor from the store
// fails the warmup.
func (r *Registry) Warm(ctx context.Context) error {
	r.mu.RLock()
	keys := append([]domain.MarketKey(nil), r.keys...)
	r.mu.RUnlock()

	for _, key := range keys {
		m, err := r.resolve(ctx, key)
		if err != nil {
			return fmt.Errorf("registry: warm %s: %w", key, err)
		}
		r.put(ctx, m)
	}
	r.logger.InfoContext(ctx, "registry warmed", slog.Int("markets", len(keys)))
	return nil
}

// Run refreshes tracked metadata on the configured interval until the
// context ends. Refresh failures keep the previous entry; stale
// metadata is still safer than none, and the liveness gate protects
// pricing separately.
func (r *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			r.refreshOnce(ctx)
		}
	}
}

func (r *Registry) refreshOnce(ctx context.Context) {
	r.mu.RLock()
	keys := append([]domain.MarketKey(nil), r.keys...)
	r.mu.RUnlock()

	for _, key := range keys {
		m, err := r.resolve(ctx, key)
		if err != nil {
			r.logger.WarnContext(ctx, "registry refresh failed, keeping previous metadata",
				slog.String("market", key.String()),
				slog.String("error", err.Error()),
			)
			continue
		}
		r.put(ctx, m)
	}
}

// resolve fetches a market from venue REST, falling back to the store
// when the venue is unreachable but a prior run persisted the market.
func (r *Registry) resolve(ctx context.Context, key domain.MarketKey) (domain.Market, error) {
	r.mu.RLock()
	fetcher := r.fetchers[key.Venue]
	r.mu.RUnlock()
	if fetcher == nil {
		return domain.Market{}, fmt.Errorf("no fetcher for venue %s", key.Venue)
	}

	m, err := fetcher.FetchMarket(ctx, key.MarketID)
	if err == nil {
		return m, nil
	}

	if r.store != nil {
		stored, storeErr := r.store.Get(ctx, key)
		if storeErr == nil {
			r.logger.WarnContext(ctx, "venue metadata fetch failed, using stored copy",
				slog.String("market", key.String()),
				slog.String("error", err.Error()),
			)
			return stored, nil
		}
	}
	return domain.Market{}, err
}

// put installs a market in memory and writes it through to the store
// and cache. Persistence failures are non-fatal: the in-memory copy is
// what trading reads.
func (r *Registry) put(ctx context.Context, m domain.Market) {
	key := m.Key()

	r.mu.Lock()
	if prev, ok := r.byKey[key]; ok {
		// Token IDs should never change; drop stale index entries if
		// they somehow do.
		if prev.YesTokenID != "" && prev.YesTokenID != m.YesTokenID {
			delete(r.byToken, prev.YesTokenID)
		}
		if prev.NoTokenID != "" && prev.NoTokenID != m.NoTokenID {
			delete(r.byToken, prev.NoTokenID)
		}
	}
	r.byKey[key] = m
	if m.YesTokenID != "" {
		r.byToken[m.YesTokenID] = key
	}
	if m.NoTokenID != "" {
		r.byToken[m.NoTokenID] = key
	}
	r.mu.Unlock()

	if r.store != nil {
		if err := r.store.Upsert(ctx, m); err != nil {
			r.logger.WarnContext(ctx, "registry store write failed",
				slog.String("market", key.String()),
				slog.String("error", err.Error()),
			)
		}
	}
	if r.cache != nil {
		if err := r.cache.Set(ctx, m); err != nil {
			r.logger.WarnContext(ctx, "registry cache write failed",
				slog.String("market", key.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Lookup returns tracked metadata. Synchronous and in-memory, safe to
// call from the engine loop.
func (r *Registry) Lookup(key domain.MarketKey) (domain.Market, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.byKey[key]
	return m, ok
}

// TokenMarket resolves a Polymarket ERC-1155 token ID to its market.
func (r *Registry) TokenMarket(tokenID string) (domain.Market, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	key, ok := r.byToken[tokenID]
	if !ok {
		return domain.Market{}, false
	}
	m, ok := r.byKey[key]
	return m, ok
}

// All returns every resolved market, in tracking order.
func (r *Registry) All() []domain.Market {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Market, 0, len(r.keys))
	for _, key := range r.keys {
		if m, ok := r.byKey[key]; ok {
			out = append(out, m)
		}
	}
	return out
}

// VenueMarkets returns every resolved market on one venue.
func (r *Registry) VenueMarkets(venue domain.Venue) []domain.Market {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Market
	for _, key := range r.keys {
		if key.Venue != venue {
			continue
		}
		if m, ok := r.byKey[key]; ok {
			out = append(out, m)
		}
	}
	return out
}

// Count reports how many tracked markets are resolved.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byKey)
}

package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/neutralmarkets/spreadbot/internal/domain"
	"github.com/redis/go-redis/v9"
)

const marketTTL = 5 * time.Minute

// MarketCache implements domain.MarketCache using JSON-serialized
// Market metadata plus a token-to-market index for resolving
// Polymarket websocket events (which carry asset IDs, not markets).
//
// Key schema:
//
//	market:{venue}:{id}    - hash with field "data" containing JSON
//	market:token:{tokenID} - string value "venue:id"
type MarketCache struct {
	rdb *redis.Client
}

// NewMarketCache creates a MarketCache backed by the given Client.
func NewMarketCache(c *Client) *MarketCache {
	return &MarketCache{rdb: c.Underlying()}
}

func marketCacheKey(key domain.MarketKey) string { return "market:" + key.String() }
func marketTokenKey(tok string) string           { return "market:token:" + tok }

// Set stores a Market with a short TTL so stale metadata (fee rates,
// status) ages out between registry refreshes. Polymarket token IDs
// get reverse-index entries; Kalshi markets have none.
func (mc *MarketCache) Set(ctx context.Context, market domain.Market) error {
	data, err := json.Marshal(market)
	if err != nil {
		return fmt.Errorf("redis: marshal market %s: %w", market.Key(), err)
	}

	key := marketCacheKey(market.Key())

	pipe := mc.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.Expire(ctx, key, marketTTL)

	for _, tokenID := range []string{market.YesTokenID, market.NoTokenID} {
		if tokenID == "" {
			continue
		}
		pipe.Set(ctx, marketTokenKey(tokenID), market.Key().String(), marketTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set market %s: %w", market.Key(), err)
	}
	return nil
}

// Get retrieves a Market by its venue-scoped key.
// It returns domain.ErrNotFound when the key does not exist.
func (mc *MarketCache) Get(ctx context.Context, key domain.MarketKey) (domain.Market, error) {
	data, err := mc.rdb.HGet(ctx, marketCacheKey(key), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("redis: get market %s: %w", key, err)
	}

	var market domain.Market
	if err := json.Unmarshal(data, &market); err != nil {
		return domain.Market{}, fmt.Errorf("redis: unmarshal market %s: %w", key, err)
	}
	return market, nil
}

// GetByToken looks up a Market by one of its ERC-1155 token IDs.
// It returns domain.ErrNotFound if the token mapping or market does
// not exist.
func (mc *MarketCache) GetByToken(ctx context.Context, tokenID string) (domain.Market, error) {
	composite, err := mc.rdb.Get(ctx, marketTokenKey(tokenID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.Market{}, domain.ErrNotFound
		}
		return domain.Market{}, fmt.Errorf("redis: get market by token %s: %w", tokenID, err)
	}

	key, ok := parseMarketKey(composite)
	if !ok {
		return domain.Market{}, fmt.Errorf("redis: get market by token %s: malformed index entry %q", tokenID, composite)
	}
	return mc.Get(ctx, key)
}

// Invalidate removes a Market and its token index entries.
func (mc *MarketCache) Invalidate(ctx context.Context, key domain.MarketKey) error {
	// Read the market first so the reverse index entries can be
	// cleaned up alongside it.
	market, err := mc.Get(ctx, key)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("redis: invalidate market %s: %w", key, err)
	}

	pipe := mc.rdb.TxPipeline()
	pipe.Del(ctx, marketCacheKey(key))

	if err == nil {
		for _, tokenID := range []string{market.YesTokenID, market.NoTokenID} {
			if tokenID == "" {
				continue
			}
			pipe.Del(ctx, marketTokenKey(tokenID))
		}
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: invalidate market %s: %w", key, err)
	}
	return nil
}

// parseMarketKey splits a "venue:marketID" composite back into a
// MarketKey. Market IDs never contain a colon on either venue, so the
// first separator is unambiguous.
func parseMarketKey(s string) (domain.MarketKey, bool) {
	venue, id, ok := strings.Cut(s, ":")
	if !ok || venue == "" || id == "" {
		return domain.MarketKey{}, false
	}
	return domain.MarketKey{Venue: domain.Venue(venue), MarketID: id}, true
}

// Compile-time interface check.
var _ domain.MarketCache = (*MarketCache)(nil)

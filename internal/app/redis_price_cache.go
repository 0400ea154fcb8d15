package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisPriceCache is a shared, read-mostly cache of rate-service price maps.
// Quoting hits the rates service on every attempt; the cache bounds that
// traffic and rides out short rates-service outages within the TTL.
type RedisPriceCache struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

func NewRedisPriceCache(client redis.UniversalClient, prefix string, ttl time.Duration) *RedisPriceCache {
	trimmedPrefix := strings.TrimSpace(prefix)
	if trimmedPrefix == "" {
		trimmedPrefix = "streampay:prices"
	}
	trimmedPrefix = strings.TrimSuffix(trimmedPrefix, ":")
	if ttl <= 0 {
		ttl = 15 * time.Second
	}

	return &RedisPriceCache{
		client: client,
		prefix: trimmedPrefix,
		ttl:    ttl,
	}
}

func (c *RedisPriceCache) key(baseAssetCode string) string {
	return fmt.Sprintf("%s:%s", c.prefix, strings.ToUpper(strings.TrimSpace(baseAssetCode)))
}

// Get returns the cached price map for the base asset, if present.
func (c *RedisPriceCache) Get(ctx context.Context, baseAssetCode string) (map[string]float64, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	raw, err := c.client.Get(ctx, c.key(baseAssetCode)).Bytes()
	if err != nil {
		return nil, false
	}
	var prices map[string]float64
	if err := json.Unmarshal(raw, &prices); err != nil || len(prices) == 0 {
		return nil, false
	}
	return prices, true
}

// Put stores the price map for the base asset with the cache TTL.
func (c *RedisPriceCache) Put(ctx context.Context, baseAssetCode string, prices map[string]float64) error {
	if c == nil || c.client == nil || len(prices) == 0 {
		return nil
	}
	raw, err := json.Marshal(prices)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key(baseAssetCode), raw, c.ttl).Err()
}

// CachedRatesService fronts a rates service with the Redis price cache.
type CachedRatesService struct {
	Inner  RatesService
	Cache  *RedisPriceCache
	Logger *slog.Logger
}

func (s *CachedRatesService) Prices(ctx context.Context, baseAssetCode string) (map[string]float64, error) {
	if prices, ok := s.Cache.Get(ctx, baseAssetCode); ok {
		return prices, nil
	}

	prices, err := s.Inner.Prices(ctx, baseAssetCode)
	if err != nil {
		return nil, err
	}

	if cacheErr := s.Cache.Put(ctx, baseAssetCode, prices); cacheErr != nil && s.Logger != nil {
		s.Logger.Warn("price cache write failed", "base_asset", baseAssetCode, "error", cacheErr)
	}
	return prices, nil
}

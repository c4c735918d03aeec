package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/web3guy0/futures-engine/internal/models"
)

const (
	summaryKeyPrefix = "strategy:"
	tradesKeyPrefix  = "trades:"
)

// Cache mirrors strategy summaries and the trailing N raw trades per
// strategy in redis for fast rehydration. It is strictly a mirror: written
// only after the authoritative store succeeded, and every failure here is
// non-fatal. A nil *Cache is valid and does nothing.
type Cache struct {
	rdb         *redis.Client
	tradesLimit int
}

// NewCache connects to redisURL ("redis://..."). Empty URL disables the
// cache and returns nil.
func NewCache(redisURL string, tradesLimit int) (*Cache, error) {
	if redisURL == "" {
		return nil, nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Info().Str("addr", opts.Addr).Msg("Cache connected (Redis)")
	return &Cache{rdb: rdb, tradesLimit: tradesLimit}, nil
}

// Available reports whether the cache answers a ping.
func (c *Cache) Available(ctx context.Context) bool {
	if c == nil {
		return false
	}
	return c.rdb.Ping(ctx).Err() == nil
}

// SetSummary mirrors one strategy summary.
func (c *Cache) SetSummary(ctx context.Context, sum *models.StrategySummary) {
	if c == nil {
		return
	}
	data, err := json.Marshal(sum)
	if err != nil {
		return
	}
	if err := c.rdb.Set(ctx, summaryKeyPrefix+sum.StrategyID, data, 0).Err(); err != nil {
		log.Warn().Err(err).Str("strategy_id", sum.StrategyID).Msg("Cache summary write failed")
	}
}

// GetSummary reads one mirrored summary; (nil, nil) on miss.
func (c *Cache) GetSummary(ctx context.Context, strategyID string) (*models.StrategySummary, error) {
	if c == nil {
		return nil, nil
	}
	data, err := c.rdb.Get(ctx, summaryKeyPrefix+strategyID).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var sum models.StrategySummary
	if err := json.Unmarshal(data, &sum); err != nil {
		return nil, err
	}
	return &sum, nil
}

// DeleteSummary drops the mirror for a removed strategy.
func (c *Cache) DeleteSummary(ctx context.Context, strategyID string) {
	if c == nil {
		return
	}
	if err := c.rdb.Del(ctx, summaryKeyPrefix+strategyID, tradesKeyPrefix+strategyID).Err(); err != nil {
		log.Warn().Err(err).Str("strategy_id", strategyID).Msg("Cache delete failed")
	}
}

// PushTrade prepends a raw trade to the strategy's mirror list, trimming to
// the configured limit.
func (c *Cache) PushTrade(ctx context.Context, strategyID string, t *models.Trade) {
	if c == nil {
		return
	}
	data, err := json.Marshal(t)
	if err != nil {
		return
	}
	key := tradesKeyPrefix + strategyID
	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, int64(c.tradesLimit)-1)
	if _, err := pipe.Exec(ctx); err != nil {
		log.Warn().Err(err).Str("strategy_id", strategyID).Msg("Cache trade push failed")
	}
}

// RecentTrades reads the mirrored trade list, newest first.
func (c *Cache) RecentTrades(ctx context.Context, strategyID string) ([]models.Trade, error) {
	if c == nil {
		return nil, nil
	}
	raw, err := c.rdb.LRange(ctx, tradesKeyPrefix+strategyID, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	trades := make([]models.Trade, 0, len(raw))
	for _, item := range raw {
		var t models.Trade
		if err := json.Unmarshal([]byte(item), &t); err != nil {
			continue
		}
		trades = append(trades, t)
	}
	return trades, nil
}

// AllSummaries scans every mirrored summary for startup warming.
func (c *Cache) AllSummaries(ctx context.Context) ([]models.StrategySummary, error) {
	if c == nil {
		return nil, nil
	}
	var out []models.StrategySummary
	iter := c.rdb.Scan(ctx, 0, summaryKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		data, err := c.rdb.Get(ctx, iter.Val()).Bytes()
		if err != nil {
			continue
		}
		var sum models.StrategySummary
		if err := json.Unmarshal(data, &sum); err != nil {
			continue
		}
		out = append(out, sum)
	}
	if err := iter.Err(); err != nil {
		return out, err
	}
	return out, nil
}

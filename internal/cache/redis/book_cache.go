package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vantagebot/tradesync/internal/domain"
)

// topTTL expires stale tops so consumers never act on a book whose feed has
// silently died.
const topTTL = time.Minute

// BookTopCache implements domain.BookTopCache using one JSON value per book.
//
// Key schema:
//
//	top:{exchange}:{tradingPair} - JSON-encoded domain.BookTop
type BookTopCache struct {
	rdb *redis.Client
}

// NewBookTopCache creates a BookTopCache backed by the given Client.
func NewBookTopCache(c *Client) *BookTopCache {
	return &BookTopCache{rdb: c.Underlying()}
}

func topKey(exchange, tradingPair string) string {
	return "top:" + exchange + ":" + tradingPair
}

// SetTop stores the current top of one book.
func (bc *BookTopCache) SetTop(ctx context.Context, top domain.BookTop) error {
	payload, err := json.Marshal(top)
	if err != nil {
		return fmt.Errorf("redis: marshal top %s %s: %w", top.Exchange, top.TradingPair, err)
	}
	key := topKey(top.Exchange, top.TradingPair)
	if err := bc.rdb.Set(ctx, key, payload, topTTL).Err(); err != nil {
		return fmt.Errorf("redis: set top %s: %w", key, err)
	}
	return nil
}

// GetTop returns the cached top of one book, or domain.ErrNotFound when the
// book has never published or its entry expired.
func (bc *BookTopCache) GetTop(ctx context.Context, exchange, tradingPair string) (domain.BookTop, error) {
	key := topKey(exchange, tradingPair)
	payload, err := bc.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if err == redis.Nil {
			return domain.BookTop{}, domain.ErrNotFound
		}
		return domain.BookTop{}, fmt.Errorf("redis: get top %s: %w", key, err)
	}

	var top domain.BookTop
	if err := json.Unmarshal(payload, &top); err != nil {
		return domain.BookTop{}, fmt.Errorf("redis: decode top %s: %w", key, err)
	}
	return top, nil
}

// Compile-time interface check.
var _ domain.BookTopCache = (*BookTopCache)(nil)

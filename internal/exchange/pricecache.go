package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// PriceCache collapses read bursts against one venue: the last ticker per
// symbol is kept for a short TTL before refetching. Each engine owns its
// own cache; it is never shared and therefore needs no locking.
type PriceCache struct {
	ex  Exchange
	ttl time.Duration
	now func() time.Time

	// Retry is the policy for cache-miss fetches.
	Retry Retrier

	prices    map[string]decimal.Decimal
	fetchedAt map[string]time.Time
}

const defaultPriceTTL = 5 * time.Second

// NewPriceCache wraps ex with a TTL cache (default 5 s when ttl <= 0).
func NewPriceCache(ex Exchange, ttl time.Duration) *PriceCache {
	if ttl <= 0 {
		ttl = defaultPriceTTL
	}
	return &PriceCache{
		ex:        ex,
		ttl:       ttl,
		now:       time.Now,
		Retry:     ReadRetrier(),
		prices:    make(map[string]decimal.Decimal),
		fetchedAt: make(map[string]time.Time),
	}
}

// Last returns the latest price for symbol, fetching through the exchange
// (with read retries) only when the cached value has expired.
func (c *PriceCache) Last(ctx context.Context, symbol string) (decimal.Decimal, error) {
	if price, ok := c.prices[symbol]; ok {
		if c.now().Sub(c.fetchedAt[symbol]) < c.ttl {
			return price, nil
		}
	}

	ticker, err := c.Retry.Ticker(ctx, c.ex, symbol)
	if err != nil {
		return decimal.Zero, err
	}

	c.prices[symbol] = ticker.Last
	c.fetchedAt[symbol] = c.now()
	return ticker.Last, nil
}

// Invalidate drops any cached value for symbol.
func (c *PriceCache) Invalidate(symbol string) {
	delete(c.prices, symbol)
	delete(c.fetchedAt, symbol)
}

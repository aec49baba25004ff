package exchange

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// tickerCounter wraps the mock venue and counts ticker fetches.
type tickerCounter struct {
	*MockExchange
	calls int
}

func (c *tickerCounter) GetTicker(ctx context.Context, symbol string) (*Ticker, error) {
	c.calls++
	return c.MockExchange.GetTicker(ctx, symbol)
}

func TestPriceCacheServesWithinTTL(t *testing.T) {
	ex := &tickerCounter{MockExchange: NewMockExchange(42)}
	cache := NewPriceCache(ex, 5*time.Second)

	base := time.Now()
	cache.now = func() time.Time { return base }

	first, err := cache.Last(context.Background(), "BTC-USDT-SWAP")
	require.NoError(t, err)
	require.Equal(t, 1, ex.calls)

	// Second read inside the TTL returns the identical cached value.
	second, err := cache.Last(context.Background(), "BTC-USDT-SWAP")
	require.NoError(t, err)
	assert.Equal(t, 1, ex.calls)
	assert.True(t, first.Equal(second))
}

func TestPriceCacheRefetchesAfterTTL(t *testing.T) {
	ex := &tickerCounter{MockExchange: NewMockExchange(42)}
	cache := NewPriceCache(ex, 5*time.Second)

	base := time.Now()
	cache.now = func() time.Time { return base }

	_, err := cache.Last(context.Background(), "BTC-USDT-SWAP")
	require.NoError(t, err)

	cache.now = func() time.Time { return base.Add(6 * time.Second) }
	_, err = cache.Last(context.Background(), "BTC-USDT-SWAP")
	require.NoError(t, err)
	assert.Equal(t, 2, ex.calls)
}

func TestPriceCacheTracksSymbolsIndependently(t *testing.T) {
	ex := &tickerCounter{MockExchange: NewMockExchange(42)}
	cache := NewPriceCache(ex, time.Minute)

	_, err := cache.Last(context.Background(), "BTC-USDT-SWAP")
	require.NoError(t, err)
	_, err = cache.Last(context.Background(), "ETH-USDT-SWAP")
	require.NoError(t, err)
	assert.Equal(t, 2, ex.calls)
}

func TestPriceCacheInvalidate(t *testing.T) {
	ex := &tickerCounter{MockExchange: NewMockExchange(42)}
	cache := NewPriceCache(ex, time.Minute)

	_, err := cache.Last(context.Background(), "BTC-USDT-SWAP")
	require.NoError(t, err)
	cache.Invalidate("BTC-USDT-SWAP")
	_, err = cache.Last(context.Background(), "BTC-USDT-SWAP")
	require.NoError(t, err)
	assert.Equal(t, 2, ex.calls)
}
